// Package config holds the node settings read at startup.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"

	"governance-backend/logging"
)

// Config is the on-disk node configuration.
type Config struct {
	DataDir        string         `json:"data_dir"`
	InMemory       bool           `json:"in_memory"`
	Admin          common.Address `json:"admin"`
	ProgramID      common.Address `json:"program_id"`
	TokenProgramID common.Address `json:"token_program_id"`
	TokenMint      common.Address `json:"token_mint"`
	Listen         string         `json:"listen"`
	LogLevel       string         `json:"log_level"`
	LogFormat      string         `json:"log_format"`
	QueueSize      int            `json:"queue_size"`

	// SnapshotDir enables periodic snapshots while serving when set.
	SnapshotDir      string `json:"snapshot_dir"`
	SnapshotInterval int    `json:"snapshot_interval_seconds"`
	SnapshotKeep     int    `json:"snapshot_keep"`
}

// Default program ids used when the file does not set them.
var (
	DefaultProgramID      = common.HexToAddress("0x000000000000000000000000000000000000a0a0")
	DefaultTokenProgramID = common.HexToAddress("0x00000000000000000000000000000000000070cc")
)

// Default returns a configuration usable for a local node once Admin is set.
func Default() Config {
	return Config{
		DataDir:        "governance_data",
		ProgramID:      DefaultProgramID,
		TokenProgramID: DefaultTokenProgramID,
		Listen:         ":8080",
		LogLevel:       "info",
		LogFormat:      logging.FormatText,
		QueueSize:      256,

		SnapshotInterval: 300,
		SnapshotKeep:     5,
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports the first setting a node cannot start with.
func (c Config) Validate() error {
	var zero common.Address
	switch {
	case c.Admin == zero:
		return errors.New("admin authority is not set")
	case c.ProgramID == zero:
		return errors.New("program_id is not set")
	case c.TokenProgramID == zero:
		return errors.New("token_program_id is not set")
	case c.ProgramID == c.TokenProgramID:
		return errors.New("program_id and token_program_id must differ")
	case !c.InMemory && c.DataDir == "":
		return errors.New("data_dir is required unless in_memory is set")
	case c.QueueSize <= 0:
		return fmt.Errorf("queue_size must be positive, got %d", c.QueueSize)
	case c.SnapshotDir != "" && c.SnapshotInterval <= 0:
		return fmt.Errorf("snapshot_interval_seconds must be positive, got %d", c.SnapshotInterval)
	}
	if _, err := logging.New(c.LogLevel, c.LogFormat, nil); err != nil {
		return err
	}
	return nil
}
