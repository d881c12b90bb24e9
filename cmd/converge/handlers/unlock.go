package handlers

import (
	"context"
	"fmt"
	"log"
)

// Unlock force-releases the state lock. It requires --force: releasing
// a lock that a live apply still holds lets two writers race on state.
func Unlock(ctx context.Context, configPath string, force bool) error {
	if !force {
		return fmt.Errorf("unlock requires --force; make sure no apply is running first")
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	_, locks, err := buildBackend(ctx, cfg, newLogger())
	if err != nil {
		return err
	}

	key := cfg.Backend.LockKeyOrDefault()
	if err := locks.ForceRelease(ctx, key); err != nil {
		return fmt.Errorf("releasing lock %q: %w", key, err)
	}

	log.Printf("Lock %q released", key)
	return nil
}
