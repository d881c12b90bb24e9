package handlers

import (
	"context"
	"fmt"

	"github.com/imamik/converge/internal/apply"
	"github.com/imamik/converge/internal/graph"
	"github.com/imamik/converge/internal/plan"
)

// DestroyOptions carries the destroy command's flags.
type DestroyOptions struct {
	ConfigPath  string
	AutoApprove bool
	Parallelism int
}

// Destroy removes every resource recorded in state, dependents before
// their dependencies. The declared resources are irrelevant; destruction
// works from state, so resources dropped from the configuration earlier
// are destroyed too.
func Destroy(ctx context.Context, opts DestroyOptions) error {
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

	doc, err := store.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading state: %w", err)
	}
	p, err := plan.DestroyPlan(doc)
	if err != nil {
		return err
	}

	fmt.Print(renderPlan(p))
	if !p.HasChanges() {
		fmt.Println("  Nothing to destroy. State records no resources.")
		return nil
	}

	if !opts.AutoApprove {
		if !confirm("Do you really want to destroy all resources?") {
			fmt.Println("\nDestroy cancelled.")
			return nil
		}
	}

	// Destroy executes against an empty declared graph; the plan's delete
	// ordering comes from the dependencies recorded in state.
	g, err := graph.Build(nil)
	if err != nil {
		return err
	}

	engine := apply.New(store, locks, reg,
		apply.WithLogger(log),
		apply.WithConcurrency(opts.Parallelism),
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
