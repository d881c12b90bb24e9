package handlers

import (
	"context"
	"errors"
	"fmt"

	"github.com/imamik/converge/internal/plan"
)

// ErrChangesPending is returned by Plan under --detailed-exitcode when
// the plan is not empty. main maps it to exit code 2.
var ErrChangesPending = errors.New("changes pending")

// Plan computes and prints the change-set that would move the recorded
// state to the declared configuration. It reads state but takes no lock
// and changes nothing.
func Plan(ctx context.Context, configPath string, detailedExitCode bool) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	log := newLogger()

	store, _, err := buildBackend(ctx, cfg, log)
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
	if detailedExitCode {
		return ErrChangesPending
	}
	return nil
}
