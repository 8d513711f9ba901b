package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ethdata/snapstore/config"
)

func TestLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "snapstore.toml")
	contents := `
[Snapshot]
Path = "/var/lib/snapstore"
LoadFilters = true
BlocksPerSnapshot = 500000

[ChainDB]
Path = "/var/lib/chaindb"
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/snapstore", cfg.Snapshot.Path)
	require.True(t, cfg.Snapshot.LoadFilters)
	require.Equal(t, uint64(500000), cfg.Snapshot.BlocksPerSnapshot)
	require.Equal(t, "/var/lib/chaindb", cfg.ChainDB.Path)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
