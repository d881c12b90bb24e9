package handlers

import (
	"context"
	"fmt"

	"github.com/imamik/converge/internal/apply"
	"github.com/imamik/converge/internal/plan"
)

// ApplyOptions carries the apply command's flags.
type ApplyOptions struct {
	ConfigPath  string
	AutoApprove bool
	Parallelism int
	FailFast    bool
}

// Apply plans the declared configuration against recorded state, asks
// for approval, and executes the plan under the state lock.
//
// The workflow:
//  1. Load and validate the configuration
//  2. Build the backend (state store + lock manager) and provider registry
//  3. Expand counted blocks and build the resource DAG
//  4. Compute the plan against the current state serial
//  5. Render the plan and ask for approval unless --auto-approve
//  6. Execute under the lock; every completed action persists before the
//     next state-dependent decision
//
// Partial failure does not abort independent work: a failed resource is
// tainted, its dependents are skipped, and everything else proceeds.
func Apply(ctx context.Context, opts ApplyOptions) error {
	cfg, err := loadConfig(opts.ConfigPath)
	if err != nil {
		return err
	}
	log := newLogger()

	store, locks, err := buildBackend(ctx, cfg, log)
	if err != nil {
		return err
	}
	reg, err := buildRegistry()
	if err != nil {
		return err
	}
	g, err := buildGraph(cfg)
	if err != nil {
		return err
	}

	doc, err := store.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading state: %w", err)
	}
	p, err := plan.Compute(g, doc, reg)
	if err != nil {
		return err
	}

	fmt.Print(renderPlan(p))
	if !p.HasChanges() {
		fmt.Println("  No changes. Infrastructure matches the configuration.")
		return nil
	}

	if !opts.AutoApprove {
		if !confirm("Do you want to perform these actions?") {
			fmt.Println("\nApply cancelled.")
			return nil
		}
	}

	engine := apply.New(store, locks, reg,
		apply.WithLogger(log),
		apply.WithConcurrency(opts.Parallelism),
		apply.WithFailFast(opts.FailFast),
		apply.WithLockKey(cfg.Backend.LockKeyOrDefault()),
		apply.WithMetrics(true),
	)

	rep, err := engine.Apply(ctx, g, p)
	if rep != nil {
		fmt.Print(renderReport(rep))
	}
	if err != nil {
		return err
	}
	return rep.Err()
}
