package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"governance-backend/service"
)

func run(t *testing.T, args ...string) error {
	t.Helper()
	rootCmd.SetArgs(args)
	return rootCmd.ExecuteContext(context.Background())
}

func TestCommandsAgainstOnDiskLedger(t *testing.T) {
	dir := t.TempDir()
	adminKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	admin := crypto.PubkeyToAddress(adminKey.PublicKey)
	adminHex := fmt.Sprintf("%x", crypto.FromECDSA(adminKey))

	voterKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	voterHex := fmt.Sprintf("%x", crypto.FromECDSA(voterKey))

	mint := "0x000000000000000000000000000000000000a11c"
	cfgPath := filepath.Join(dir, "config.json")
	cfg := fmt.Sprintf(`{"admin": %q, "data_dir": %q, "token_mint": %q, "log_level": "warn"}`,
		admin.Hex(), filepath.Join(dir, "ledger"), mint)
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0644))

	require.NoError(t, run(t, "token", "create-mint", "-c", cfgPath, "--key", adminHex))
	require.NoError(t, run(t, "token", "mint-to", "-c", cfgPath, "--key", adminHex, "--to", admin.Hex(), "--amount", "1000"))
	require.NoError(t, run(t, "init", "-c", cfgPath, "--key", adminHex, "--fee", "100"))

	err = run(t, "init", "-c", cfgPath, "--key", adminHex, "--fee", "100")
	require.ErrorIs(t, err, service.ErrDoubleInitAttempt)

	require.NoError(t, run(t, "add-project", "-c", cfgPath, "--key", adminHex, "--id", "p1"))
	require.NoError(t, run(t, "vote", "-c", cfgPath, "--key", adminHex, "--voter-key", voterHex, "--id", "p1", "--round", "1"))

	err = run(t, "vote", "-c", cfgPath, "--key", adminHex, "--voter-key", voterHex, "--id", "p1", "--round", "1")
	require.ErrorIs(t, err, service.ErrAlreadyInUse)

	require.NoError(t, run(t, "increment-round", "-c", cfgPath, "--key", adminHex))
	require.NoError(t, run(t, "tally", "-c", cfgPath, "--round", "1"))

	out := filepath.Join(dir, "export", "snapshot.json")
	require.NoError(t, run(t, "export", "-c", cfgPath, "-o", out))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	var snap service.Snapshot
	require.NoError(t, json.Unmarshal(data, &snap))
	require.Equal(t, uint64(2), snap.Manager.VoteRound)
	require.Len(t, snap.Projects, 1)
	require.Equal(t, uint64(1), snap.Projects[0].VoteCount)
	require.Len(t, snap.Ballots, 1)
}

func TestCommandsRequireSigner(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.json")
	cfg := fmt.Sprintf(`{"admin": "0x1111111111111111111111111111111111111111", "data_dir": %q, "log_level": "warn"}`,
		filepath.Join(dir, "ledger"))
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfg), 0644))

	keyHex, keyFile = "", ""
	require.Error(t, run(t, "increment-round", "-c", cfgPath))
}
