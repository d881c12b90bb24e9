package helmrelease

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"helm.sh/helm/v3/pkg/action"
	"helm.sh/helm/v3/pkg/chart"
	"helm.sh/helm/v3/pkg/chart/loader"
	"helm.sh/helm/v3/pkg/cli"
	"helm.sh/helm/v3/pkg/getter"
	"helm.sh/helm/v3/pkg/registry"
	"helm.sh/helm/v3/pkg/release"
	"helm.sh/helm/v3/pkg/repo"
)

// ReleaseSpec describes one desired Helm release.
type ReleaseSpec struct {
	Release   string
	Namespace string
	RepoURL   string
	Chart     string
	Version   string
	Values    map[string]any
	Timeout   time.Duration
}

// Client runs Helm operations against a cluster. Action configurations
// are namespace-scoped, so the client keeps one per namespace.
type Client struct {
	kubeconfig []byte

	mu      sync.Mutex
	configs map[string]*action.Configuration
}

// NewClient creates a Helm client from kubeconfig bytes.
func NewClient(kubeconfig []byte) *Client {
	return &Client{
		kubeconfig: kubeconfig,
		configs:    make(map[string]*action.Configuration),
	}
}

func (c *Client) config(namespace string) (*action.Configuration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if cfg, ok := c.configs[namespace]; ok {
		return cfg, nil
	}

	cfg := new(action.Configuration)
	restGetter := newRESTClientGetter(c.kubeconfig, namespace)
	// No-op logger suppresses Helm's debug output.
	if err := cfg.Init(restGetter, namespace, "secret", func(format string, v ...interface{}) {}); err != nil {
		return nil, fmt.Errorf("failed to initialize helm action config: %w", err)
	}
	c.configs[namespace] = cfg
	return cfg, nil
}

// Get returns the deployed release, or Helm's driver.ErrReleaseNotFound.
func (c *Client) Get(namespace, name string) (*release.Release, error) {
	cfg, err := c.config(namespace)
	if err != nil {
		return nil, err
	}
	return action.NewGet(cfg).Run(name)
}

// InstallOrUpgrade installs the chart, or upgrades the release if it
// already exists. An existing release with the same name is adopted,
// never duplicated.
func (c *Client) InstallOrUpgrade(ctx context.Context, spec ReleaseSpec) (*release.Release, error) {
	cfg, err := c.config(spec.Namespace)
	if err != nil {
		return nil, err
	}

	histClient := action.NewHistory(cfg)
	histClient.Max = 1
	if _, err := histClient.Run(spec.Release); err != nil {
		return c.install(ctx, cfg, spec)
	}
	return c.upgrade(ctx, cfg, spec)
}

func (c *Client) install(ctx context.Context, cfg *action.Configuration, spec ReleaseSpec) (*release.Release, error) {
	installClient := action.NewInstall(cfg)
	installClient.ReleaseName = spec.Release
	installClient.Namespace = spec.Namespace
	installClient.CreateNamespace = true
	installClient.Version = spec.Version
	installClient.Wait = true
	installClient.Timeout = spec.Timeout

	ch, err := c.loadChart(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to load chart: %w", err)
	}
	return installClient.RunWithContext(ctx, ch, spec.Values)
}

func (c *Client) upgrade(ctx context.Context, cfg *action.Configuration, spec ReleaseSpec) (*release.Release, error) {
	upgradeClient := action.NewUpgrade(cfg)
	upgradeClient.Namespace = spec.Namespace
	upgradeClient.Version = spec.Version
	upgradeClient.Wait = true
	upgradeClient.Timeout = spec.Timeout
	upgradeClient.ReuseValues = false

	ch, err := c.loadChart(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to load chart: %w", err)
	}
	return upgradeClient.RunWithContext(ctx, spec.Release, ch, spec.Values)
}

func (c *Client) loadChart(spec ReleaseSpec) (*chart.Chart, error) {
	settings := cli.New()

	// Registry client enables OCI chart references.
	registryClient, err := registry.NewClient(
		registry.ClientOptDebug(false),
		registry.ClientOptWriter(io.Discard),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry client: %w", err)
	}
	_ = registryClient

	chartPath, err := repo.FindChartInRepoURL(
		spec.RepoURL,
		spec.Chart,
		spec.Version,
		"", "", "",
		getter.All(settings),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to find chart %s in repo %s: %w", spec.Chart, spec.RepoURL, err)
	}
	defer func() {
		_ = os.Remove(chartPath)
	}()

	return loader.Load(chartPath)
}

// Uninstall removes a release. Helm reports a missing release as
// driver.ErrReleaseNotFound.
func (c *Client) Uninstall(namespace, name string) error {
	cfg, err := c.config(namespace)
	if err != nil {
		return err
	}

	uninstallClient := action.NewUninstall(cfg)
	uninstallClient.Wait = true
	uninstallClient.Timeout = 5 * time.Minute

	_, err = uninstallClient.Run(name)
	return err
}
