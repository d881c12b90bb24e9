// Package main is the entry point for the converge CLI.
//
// converge reconciles declared infrastructure against its last-applied
// state: it plans the minimal ordered change-set, applies it with
// bounded parallelism under a distributed lock, and persists every
// completed action to a versioned state store.
//
// Commands: plan, apply, destroy, bootstrap, unlock.
//
// For detailed usage information, run:
//
//	converge --help
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/imamik/converge/cmd/converge/commands"
	"github.com/imamik/converge/cmd/converge/handlers"
)

// Version information set by goreleaser at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.SetVersionInfo(version, commit, date)
	if err := commands.Root().Execute(); err != nil {
		if errors.Is(err, handlers.ErrChangesPending) {
			os.Exit(2)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
