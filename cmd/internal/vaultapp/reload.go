package vaultapp

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"

	"multivault/config"
)

// WatchFees re-reads the config file whenever it changes and applies its fee
// section to the governed fee source, which stays the only live copy of the
// fees; a.Config keeps the startup values. Other sections need a restart. The
// directory is watched so editors that replace the file by rename are seen.
func (a *App) WatchFees(ctx context.Context, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating config watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				if name, _ := filepath.Abs(event.Name); name != abs {
					continue
				}
				a.reloadFees(abs)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				a.Logger.Warn("config watcher error", "error", err)
			}
		}
	}()
	return nil
}

func (a *App) reloadFees(path string) {
	raw, err := os.ReadFile(path)
	if err != nil {
		a.Logger.Warn("config reload skipped", "error", err)
		return
	}
	ext := strings.ToLower(filepath.Ext(path))
	cfg, err := config.Parse(raw, ext == ".yaml" || ext == ".yml")
	if err != nil {
		a.Logger.Warn("config reload rejected", "error", err)
		return
	}
	if cfg.Fees == a.Fees.FeeConfig() {
		return
	}
	if err := a.Fees.Set(cfg.Fees); err != nil {
		a.Logger.Warn("fee update rejected", "error", err)
		return
	}
	a.Logger.Info("fee configuration reloaded",
		"entryFeeBps", cfg.Fees.EntryFeeBps,
		"exitFeeBps", cfg.Fees.ExitFeeBps,
		"protocolFeeBps", cfg.Fees.ProtocolFeeBps,
		"entityWalletFeeBps", cfg.Fees.EntityWalletFeeBps)
}
