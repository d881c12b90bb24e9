package helmrelease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"helm.sh/helm/v3/pkg/release"
	"helm.sh/helm/v3/pkg/storage/driver"

	"github.com/imamik/converge/internal/provider"
)

// Kind is the resource kind this adapter serves.
const Kind = "helm_release"

const defaultTimeout = 10 * time.Minute

// helmAPI is the subset of the Helm client the adapter uses.
type helmAPI interface {
	Get(namespace, name string) (*release.Release, error)
	InstallOrUpgrade(ctx context.Context, spec ReleaseSpec) (*release.Release, error)
	Uninstall(namespace, name string) error
}

// Adapter manages Helm releases as resources. The provider id is
// namespace/release.
type Adapter struct {
	helm helmAPI
}

// New builds an adapter installing into the cluster the kubeconfig
// points at.
func New(kubeconfig []byte) *Adapter {
	return &Adapter{helm: NewClient(kubeconfig)}
}

func newAdapter(h helmAPI) *Adapter {
	return &Adapter{helm: h}
}

// Schema implements provider.Adapter. Renaming or moving a release
// means a different Helm identity, so both force replacement.
func (a *Adapter) Schema() provider.Schema {
	return provider.Schema{
		ForceNew: []string{"namespace", "release"},
	}
}

// Create implements provider.Adapter. An existing release with the same
// name is adopted and upgraded in place rather than duplicated.
func (a *Adapter) Create(ctx context.Context, attrs map[string]any) (*provider.Remote, error) {
	spec, err := specFromAttrs(attrs)
	if err != nil {
		return nil, provider.Permanent(err)
	}

	rel, err := a.helm.InstallOrUpgrade(ctx, spec)
	if err != nil {
		return nil, classify(fmt.Errorf("installing release %s: %w", spec.Release, err))
	}
	return remoteOf(rel), nil
}

// Read implements provider.Adapter.
func (a *Adapter) Read(_ context.Context, id string) (*provider.Remote, error) {
	namespace, name, err := splitID(id)
	if err != nil {
		return nil, provider.Permanent(err)
	}

	rel, err := a.helm.Get(namespace, name)
	if err != nil {
		if errors.Is(err, driver.ErrReleaseNotFound) {
			return nil, provider.ErrNotFound
		}
		return nil, classify(fmt.Errorf("reading release %s: %w", id, err))
	}
	return remoteOf(rel), nil
}

// Update implements provider.Adapter.
func (a *Adapter) Update(ctx context.Context, id string, attrs map[string]any) (*provider.Remote, error) {
	if _, _, err := splitID(id); err != nil {
		return nil, provider.Permanent(err)
	}
	spec, err := specFromAttrs(attrs)
	if err != nil {
		return nil, provider.Permanent(err)
	}

	rel, err := a.helm.InstallOrUpgrade(ctx, spec)
	if err != nil {
		return nil, classify(fmt.Errorf("upgrading release %s: %w", id, err))
	}
	return remoteOf(rel), nil
}

// Delete implements provider.Adapter. A release that is already gone
// counts as deleted.
func (a *Adapter) Delete(_ context.Context, id string) error {
	namespace, name, err := splitID(id)
	if err != nil {
		return provider.Permanent(err)
	}

	if err := a.helm.Uninstall(namespace, name); err != nil {
		if errors.Is(err, driver.ErrReleaseNotFound) {
			return nil
		}
		return classify(fmt.Errorf("uninstalling release %s: %w", id, err))
	}
	return nil
}

func specFromAttrs(attrs map[string]any) (ReleaseSpec, error) {
	spec := ReleaseSpec{
		Release:   strAttr(attrs, "release"),
		Namespace: strAttr(attrs, "namespace"),
		RepoURL:   strAttr(attrs, "repo"),
		Chart:     strAttr(attrs, "chart"),
		Version:   strAttr(attrs, "version"),
		Timeout:   defaultTimeout,
	}
	if spec.Release == "" {
		return spec, fmt.Errorf("helm_release requires a release attribute")
	}
	if spec.Chart == "" {
		return spec, fmt.Errorf("helm_release %s requires a chart attribute", spec.Release)
	}
	if spec.Namespace == "" {
		spec.Namespace = "default"
	}
	if v, ok := attrs["values"].(map[string]any); ok {
		spec.Values = v
	}
	if t := strAttr(attrs, "timeout"); t != "" {
		d, err := time.ParseDuration(t)
		if err != nil {
			return spec, fmt.Errorf("helm_release %s: invalid timeout %q: %w", spec.Release, t, err)
		}
		spec.Timeout = d
	}
	return spec, nil
}

func remoteOf(rel *release.Release) *provider.Remote {
	outputs := map[string]any{
		"name":      rel.Name,
		"namespace": rel.Namespace,
		"revision":  rel.Version,
	}
	if rel.Info != nil {
		outputs["status"] = rel.Info.Status.String()
	}
	if rel.Chart != nil && rel.Chart.Metadata != nil {
		outputs["chart_version"] = rel.Chart.Metadata.Version
		outputs["app_version"] = rel.Chart.Metadata.AppVersion
	}
	return &provider.Remote{
		ID:      rel.Namespace + "/" + rel.Name,
		Outputs: outputs,
	}
}

func splitID(id string) (namespace, name string, err error) {
	parts := strings.SplitN(id, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid helm release id %q, want namespace/release", id)
	}
	return parts[0], parts[1], nil
}

// classify sorts Helm and Kubernetes API failures into the retry
// taxonomy. Cluster reachability problems and timeouts settle on their
// own; chart resolution and validation failures do not.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return provider.Transient(err)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timed out"),
		strings.Contains(msg, "timeout"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "etcdserver"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "another operation (install/upgrade/rollback) is in progress"):
		return provider.Transient(err)
	default:
		return provider.Permanent(err)
	}
}

func strAttr(attrs map[string]any, key string) string {
	if v, ok := attrs[key].(string); ok {
		return v
	}
	return ""
}
