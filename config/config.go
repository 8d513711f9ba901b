// Package config loads snapstore's runtime settings from a TOML file,
// the same way cmd/geth loads config.toml: a naoina/toml decoder with
// field-name matching relaxed to ignore case and underscores, so a
// config file can use either Go-style or snake_case keys.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/naoina/toml"

	"github.com/ethdata/snapstore/chaindb"
	"github.com/ethdata/snapstore/snapstore"
)

var tomlSettings = toml.Config{
	NormFieldName: func(rt toml.Type, key string) string {
		return strings.ReplaceAll(strings.ToLower(key), "_", "")
	},
	FieldToKey: func(rt toml.Type, field string) string {
		return strings.ToLower(field)
	},
	MissingField: func(rt toml.Type, field string) error {
		return fmt.Errorf("config: field %q not expected in %v", field, rt)
	},
}

// Config is the top-level shape of a snapstore config file: one
// section per collaborator, mirroring spec.md §6's Options/Config
// naming.
type Config struct {
	Snapshot snapstore.Options
	ChainDB  ChainDBConfig
}

// ChainDBConfig configures the mutable source database a Snapshotter
// reads from.
type ChainDBConfig struct {
	Path string
}

// Open opens the chaindb.Database described by c.
func (c ChainDBConfig) Open() (*chaindb.Database, error) {
	if c.Path == "" {
		return chaindb.NewMemDatabase()
	}
	return chaindb.NewDatabase(c.Path)
}

// Load reads and decodes a TOML config file at path.
func Load(path string) (Config, error) {
	var cfg Config
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("config: opening %s: %w", path, err)
	}
	defer f.Close()

	if err := tomlSettings.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config: decoding %s: %w", path, err)
	}
	return cfg, nil
}

// Dump renders cfg back to TOML, for diagnostics.
func Dump(cfg Config) (string, error) {
	var buf bytes.Buffer
	if err := tomlSettings.NewEncoder(&buf).Encode(cfg); err != nil {
		return "", fmt.Errorf("config: encoding: %w", err)
	}
	return buf.String(), nil
}
