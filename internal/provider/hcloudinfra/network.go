// Package hcloudinfra adapts Hetzner Cloud networks and firewalls to
// the provider contract. Both adapters adopt an existing object with
// the declared name instead of creating a duplicate.
package hcloudinfra

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/imamik/converge/internal/provider"
)

// NetworkKind is the resource kind the network adapter serves.
const NetworkKind = "hcloud_network"

// networkAPI is the subset of the hcloud network client the adapter
// uses.
type networkAPI interface {
	GetByID(ctx context.Context, id int64) (*hcloud.Network, *hcloud.Response, error)
	GetByName(ctx context.Context, name string) (*hcloud.Network, *hcloud.Response, error)
	Create(ctx context.Context, opts hcloud.NetworkCreateOpts) (*hcloud.Network, *hcloud.Response, error)
	Update(ctx context.Context, network *hcloud.Network, opts hcloud.NetworkUpdateOpts) (*hcloud.Network, *hcloud.Response, error)
	Delete(ctx context.Context, network *hcloud.Network) (*hcloud.Response, error)
}

// NetworkAdapter manages Hetzner Cloud networks.
type NetworkAdapter struct {
	networks networkAPI
}

// NewNetworkAdapter builds the adapter from an hcloud client.
func NewNetworkAdapter(client *hcloud.Client) *NetworkAdapter {
	return &NetworkAdapter{networks: &client.Network}
}

func newNetworkAdapter(api networkAPI) *NetworkAdapter {
	return &NetworkAdapter{networks: api}
}

// Schema implements provider.Adapter. The IP range of a live network
// cannot change, so it forces replacement.
func (a *NetworkAdapter) Schema() provider.Schema {
	return provider.Schema{
		ForceNew: []string{"ip_range"},
	}
}

// Create implements provider.Adapter. An existing network with the
// declared name is adopted.
func (a *NetworkAdapter) Create(ctx context.Context, attrs map[string]any) (*provider.Remote, error) {
	name, ipRange, labels, err := networkAttrs(attrs)
	if err != nil {
		return nil, provider.Permanent(err)
	}

	existing, _, err := a.networks.GetByName(ctx, name)
	if err != nil {
		return nil, classify(fmt.Errorf("looking up network %s: %w", name, err))
	}
	if existing != nil {
		return networkRemote(existing), nil
	}

	_, ipNet, err := net.ParseCIDR(ipRange)
	if err != nil {
		return nil, provider.Permanent(fmt.Errorf("network %s: invalid ip_range %q: %w", name, ipRange, err))
	}

	network, _, err := a.networks.Create(ctx, hcloud.NetworkCreateOpts{
		Name:    name,
		IPRange: ipNet,
		Labels:  labels,
	})
	if err != nil {
		return nil, classify(fmt.Errorf("creating network %s: %w", name, err))
	}
	return networkRemote(network), nil
}

// Read implements provider.Adapter.
func (a *NetworkAdapter) Read(ctx context.Context, id string) (*provider.Remote, error) {
	numID, err := parseID(id)
	if err != nil {
		return nil, provider.Permanent(err)
	}

	network, _, err := a.networks.GetByID(ctx, numID)
	if err != nil {
		return nil, classify(fmt.Errorf("reading network %s: %w", id, err))
	}
	if network == nil {
		return nil, provider.ErrNotFound
	}
	return networkRemote(network), nil
}

// Update implements provider.Adapter. Only name and labels are mutable;
// the ip_range is ForceNew and never reaches here.
func (a *NetworkAdapter) Update(ctx context.Context, id string, attrs map[string]any) (*provider.Remote, error) {
	name, _, labels, err := networkAttrs(attrs)
	if err != nil {
		return nil, provider.Permanent(err)
	}
	numID, err := parseID(id)
	if err != nil {
		return nil, provider.Permanent(err)
	}

	network, _, err := a.networks.GetByID(ctx, numID)
	if err != nil {
		return nil, classify(fmt.Errorf("reading network %s: %w", id, err))
	}
	if network == nil {
		return nil, provider.ErrNotFound
	}

	updated, _, err := a.networks.Update(ctx, network, hcloud.NetworkUpdateOpts{
		Name:   name,
		Labels: labels,
	})
	if err != nil {
		return nil, classify(fmt.Errorf("updating network %s: %w", id, err))
	}
	return networkRemote(updated), nil
}

// Delete implements provider.Adapter. A network that is already gone
// counts as deleted.
func (a *NetworkAdapter) Delete(ctx context.Context, id string) error {
	numID, err := parseID(id)
	if err != nil {
		return provider.Permanent(err)
	}

	network, _, err := a.networks.GetByID(ctx, numID)
	if err != nil {
		return classify(fmt.Errorf("reading network %s: %w", id, err))
	}
	if network == nil {
		return nil
	}

	if _, err := a.networks.Delete(ctx, network); err != nil {
		if isNotFound(err) {
			return nil
		}
		return classify(fmt.Errorf("deleting network %s: %w", id, err))
	}
	return nil
}

func networkAttrs(attrs map[string]any) (name, ipRange string, labels map[string]string, err error) {
	name, _ = attrs["name"].(string)
	if name == "" {
		return "", "", nil, fmt.Errorf("hcloud_network requires a name attribute")
	}
	ipRange, _ = attrs["ip_range"].(string)
	if ipRange == "" {
		return "", "", nil, fmt.Errorf("hcloud_network %s requires an ip_range attribute", name)
	}
	labels, err = labelAttrs(attrs)
	if err != nil {
		return "", "", nil, fmt.Errorf("hcloud_network %s: %w", name, err)
	}
	return name, ipRange, labels, nil
}

func networkRemote(n *hcloud.Network) *provider.Remote {
	outputs := map[string]any{
		"id":   strconv.FormatInt(n.ID, 10),
		"name": n.Name,
	}
	if n.IPRange != nil {
		outputs["ip_range"] = n.IPRange.String()
	}
	return &provider.Remote{
		ID:      strconv.FormatInt(n.ID, 10),
		Outputs: outputs,
	}
}

func parseID(id string) (int64, error) {
	numID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid hcloud id %q: %w", id, err)
	}
	return numID, nil
}

func labelAttrs(attrs map[string]any) (map[string]string, error) {
	raw, ok := attrs["labels"].(map[string]any)
	if !ok {
		return nil, nil
	}
	labels := make(map[string]string, len(raw))
	for k, v := range raw {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("label %q must be a string", k)
		}
		labels[k] = s
	}
	return labels, nil
}
