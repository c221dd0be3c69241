package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"governance-backend/config"
	"governance-backend/logging"
	"governance-backend/service"
	"governance-backend/storage"
	"governance-backend/token"
)

var (
	configPath string
	keyHex     string
	keyFile    string
)

var rootCmd = &cobra.Command{
	Use:           "governance",
	Short:         "Round-based project voting paid in tokens",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the JSON node configuration")
	rootCmd.PersistentFlags().StringVar(&keyHex, "key", "", "Hex encoded private key of the signer")
	rootCmd.PersistentFlags().StringVar(&keyFile, "key-file", "", "File holding the hex encoded private key of the signer")
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		code := service.Code(err)
		if code == "Internal" {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "error [%s]: %v\n", code, err)
		}
		os.Exit(1)
	}
}

// node is an opened ledger with the engine and token program over it.
type node struct {
	cfg      config.Config
	log      *logrus.Logger
	ledger   *storage.Ledger
	bank     *token.Bank
	engine   *service.Engine
	registry *prometheus.Registry
}

func openNode() (*node, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	if err != nil {
		return nil, err
	}

	db, err := storage.NewPebbleStore(cfg.DataDir, cfg.InMemory)
	if err != nil {
		return nil, err
	}
	ledger := storage.NewLedger(db, log)
	bank := token.NewBank(cfg.TokenProgramID)
	registry := prometheus.NewRegistry()
	engine := service.NewEngine(service.EngineConfig{ProgramID: cfg.ProgramID, Admin: cfg.Admin},
		ledger, bank, service.NewMetrics(registry), log)

	if vm, err := engine.Manager(context.Background()); err == nil {
		log.WithFields(logrus.Fields{"round": vm.VoteRound, "fee": vm.VoteFee}).Debug("vote manager loaded")
	}

	return &node{cfg: cfg, log: log, ledger: ledger, bank: bank, engine: engine, registry: registry}, nil
}

func (n *node) Close() {
	if err := n.ledger.Close(); err != nil {
		n.log.WithError(err).Warn("failed to close ledger")
	}
}

func signerKey() (*ecdsa.PrivateKey, error) {
	switch {
	case keyFile != "":
		return crypto.LoadECDSA(keyFile)
	case keyHex != "":
		return parseKey(keyHex)
	}
	return nil, errors.New("a signer is required: pass --key or --key-file")
}

func signer() (common.Address, error) {
	key, err := signerKey()
	if err != nil {
		return common.Address{}, err
	}
	return crypto.PubkeyToAddress(key.PublicKey), nil
}

func parseKey(s string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}

func parseAddress(name, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("--%s: invalid address %q", name, s)
	}
	return common.HexToAddress(s), nil
}
