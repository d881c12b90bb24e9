// Package handlers implements the business logic for CLI commands.
//
// This package contains handler functions that are called by command
// definitions in the commands package. Handlers are framework-agnostic
// and can be tested independently of the CLI framework.
package handlers

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/logr/funcr"
	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/imamik/converge/internal/bootstrap"
	"github.com/imamik/converge/internal/config"
	"github.com/imamik/converge/internal/graph"
	"github.com/imamik/converge/internal/lock"
	"github.com/imamik/converge/internal/provider"
	"github.com/imamik/converge/internal/provider/hcloudinfra"
	"github.com/imamik/converge/internal/provider/helmrelease"
	"github.com/imamik/converge/internal/state"
)

// provisioner matches bootstrap.Bootstrapper.
type provisioner interface {
	Provision(ctx context.Context, backend config.BackendConfig) error
}

// Factory function variables - can be replaced in tests for dependency injection.
var (
	// findConfigFile locates the default config file.
	findConfigFile = config.FindConfigFile

	// loadConfigFile loads and validates a config file.
	loadConfigFile = config.Load

	// newS3Store creates the S3-backed state store.
	newS3Store = func(ctx context.Context, cfg state.S3Config, log logr.Logger) (state.Store, error) {
		return state.NewS3Store(ctx, cfg, log)
	}

	// newDynamoManager creates the DynamoDB-backed lock manager.
	newDynamoManager = func(ctx context.Context, cfg lock.DynamoConfig, log logr.Logger) (lock.Manager, error) {
		return lock.NewDynamoManager(ctx, cfg, log)
	}

	// newBootstrapper creates the backend provisioner.
	newBootstrapper = func(ctx context.Context, backend config.BackendConfig, log logr.Logger) (provisioner, error) {
		return bootstrap.New(ctx, backend, log)
	}

	// newHCloudClient creates a Hetzner Cloud API client.
	newHCloudClient = func(token string) *hcloud.Client {
		return hcloud.NewClient(hcloud.WithToken(token))
	}

	// readFile reads a file (for testing injection).
	readFile = os.ReadFile

	// getenv reads an environment variable (for testing injection).
	getenv = os.Getenv

	// stdin is where interactive approval is read from.
	stdin io.Reader = os.Stdin
)

// newLogger adapts the standard logger to the logr API the backend
// packages expect.
func newLogger() logr.Logger {
	return funcr.New(func(prefix, args string) {
		if prefix != "" {
			log.Printf("%s: %s", prefix, args)
			return
		}
		log.Print(args)
	}, funcr.Options{})
}

// loadConfig loads and validates the workspace configuration.
// If configPath is empty, it walks up from the working directory looking
// for converge.yaml.
func loadConfig(configPath string) (*config.Config, error) {
	if configPath == "" {
		path, err := findConfigFile()
		if err != nil {
			return nil, fmt.Errorf("no config file found: %w\nCreate a %s or pass --config", err, config.DefaultConfigFilename)
		}
		configPath = path
	}

	cfg, err := loadConfigFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// buildBackend constructs the state store and lock manager declared by
// the backend block. The memory backend is ephemeral and only useful for
// local experiments and tests.
func buildBackend(ctx context.Context, cfg *config.Config, log logr.Logger) (state.Store, lock.Manager, error) {
	switch cfg.Backend.Type {
	case "", config.BackendMemory:
		return state.NewMemoryStore(), lock.NewMemoryManager(), nil

	case config.BackendS3:
		store, err := newS3Store(ctx, state.S3Config{
			Bucket:         cfg.Backend.Bucket,
			Key:            cfg.Backend.Key,
			Region:         cfg.Backend.Region,
			Endpoint:       cfg.Backend.Endpoint,
			Profile:        cfg.Backend.Profile,
			ForcePathStyle: cfg.Backend.ForcePathStyle,
		}, log)
		if err != nil {
			return nil, nil, fmt.Errorf("building s3 state store: %w", err)
		}

		locks, err := newDynamoManager(ctx, lock.DynamoConfig{
			Table:    cfg.Backend.LockTable,
			Region:   cfg.Backend.Region,
			Endpoint: cfg.Backend.Endpoint,
			Profile:  cfg.Backend.Profile,
		}, log)
		if err != nil {
			return nil, nil, fmt.Errorf("building dynamodb lock manager: %w", err)
		}
		return store, locks, nil

	default:
		return nil, nil, fmt.Errorf("unsupported backend type %q", cfg.Backend.Type)
	}
}

// buildRegistry registers every provider adapter the environment has
// credentials for. The mock provider is always available.
func buildRegistry() (*provider.Registry, error) {
	reg := provider.NewRegistry()
	if err := reg.Register("mock", provider.NewMock()); err != nil {
		return nil, err
	}

	if token := getenv("HCLOUD_TOKEN"); token != "" {
		client := newHCloudClient(token)
		if err := reg.Register(hcloudinfra.NetworkKind, hcloudinfra.NewNetworkAdapter(client)); err != nil {
			return nil, err
		}
		if err := reg.Register(hcloudinfra.FirewallKind, hcloudinfra.NewFirewallAdapter(client)); err != nil {
			return nil, err
		}
	}

	if kubeconfig, err := readKubeconfig(); err == nil {
		if err := reg.Register(helmrelease.Kind, helmrelease.New(kubeconfig)); err != nil {
			return nil, err
		}
	}

	return reg, nil
}

// readKubeconfig reads the kubeconfig from KUBECONFIG or the default
// location. A missing kubeconfig is not an error for the caller; it just
// means the helm_release kind is unavailable.
func readKubeconfig() ([]byte, error) {
	path := getenv("KUBECONFIG")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		path = filepath.Join(home, ".kube", "config")
	}
	return readFile(path)
}

// buildGraph expands counted resource blocks and builds the DAG.
func buildGraph(cfg *config.Config) (*graph.Graph, error) {
	specs, err := config.Expand(cfg)
	if err != nil {
		return nil, err
	}
	return graph.Build(specs)
}

// confirm prompts for interactive approval and returns true only on an
// explicit "yes".
func confirm(prompt string) bool {
	fmt.Printf("%s\n  Only 'yes' will be accepted to approve.\n\nEnter a value: ", prompt)
	scanner := bufio.NewScanner(stdin)
	if !scanner.Scan() {
		return false
	}
	return strings.TrimSpace(scanner.Text()) == "yes"
}
