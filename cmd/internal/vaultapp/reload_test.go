package vaultapp

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/stretchr/testify/require"

	"multivault/config"
)

func writeTOML(t *testing.T, path string, cfg *config.Config) {
	t.Helper()
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	require.NoError(t, err)
	require.NoError(t, toml.NewEncoder(f).Encode(cfg))
	require.NoError(t, f.Close())
	require.NoError(t, os.Rename(tmp, path))
}

func TestWatchFeesAppliesUpdatedFees(t *testing.T) {
	cfg := testConfig(t)
	path := filepath.Join(t.TempDir(), "vaultd.toml")
	writeTOML(t, path, cfg)

	app, err := Open(cfg, nil, Options{})
	require.NoError(t, err)
	defer app.Close(context.Background())
	startup := cfg.Fees

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, app.WatchFees(ctx, path))

	updated := *cfg
	updated.Fees.EntryFeeBps = 250
	writeTOML(t, path, &updated)
	require.Eventually(t, func() bool {
		return app.Fees.FeeConfig().EntryFeeBps == 250
	}, 5*time.Second, 10*time.Millisecond)

	// Invalid fees are rejected and the previous values stay in force.
	broken := updated
	broken.Fees.ExitFeeBps = 20_000
	writeTOML(t, path, &broken)
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, uint32(250), app.Fees.FeeConfig().EntryFeeBps)
	require.Zero(t, app.Fees.FeeConfig().ExitFeeBps)

	// The watcher never writes the startup snapshot.
	require.Equal(t, startup, app.Config.Fees)
}
