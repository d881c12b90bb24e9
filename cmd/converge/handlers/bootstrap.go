package handlers

import (
	"context"
	"fmt"
	"log"
)

// Bootstrap provisions the backend infrastructure: the versioned S3
// state bucket and the DynamoDB lock table. It is idempotent.
func Bootstrap(ctx context.Context, configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	b, err := newBootstrapper(ctx, cfg.Backend, newLogger())
	if err != nil {
		return err
	}
	if err := b.Provision(ctx, cfg.Backend); err != nil {
		return fmt.Errorf("bootstrap failed: %w", err)
	}

	log.Printf("Backend ready: bucket %q (versioned), lock table %q", cfg.Backend.Bucket, cfg.Backend.LockTable)
	return nil
}
