package hcloudinfra

import (
	"context"
	"fmt"
	"net"
	"strconv"

	"github.com/hetznercloud/hcloud-go/v2/hcloud"

	"github.com/imamik/converge/internal/provider"
)

// FirewallKind is the resource kind the firewall adapter serves.
const FirewallKind = "hcloud_firewall"

// firewallAPI is the subset of the hcloud firewall client the adapter
// uses.
type firewallAPI interface {
	GetByID(ctx context.Context, id int64) (*hcloud.Firewall, *hcloud.Response, error)
	GetByName(ctx context.Context, name string) (*hcloud.Firewall, *hcloud.Response, error)
	Create(ctx context.Context, opts hcloud.FirewallCreateOpts) (hcloud.FirewallCreateResult, *hcloud.Response, error)
	Update(ctx context.Context, firewall *hcloud.Firewall, opts hcloud.FirewallUpdateOpts) (*hcloud.Firewall, *hcloud.Response, error)
	SetRules(ctx context.Context, firewall *hcloud.Firewall, opts hcloud.FirewallSetRulesOpts) ([]*hcloud.Action, *hcloud.Response, error)
	Delete(ctx context.Context, firewall *hcloud.Firewall) (*hcloud.Response, error)
}

// FirewallAdapter manages Hetzner Cloud firewalls.
type FirewallAdapter struct {
	firewalls firewallAPI
}

// NewFirewallAdapter builds the adapter from an hcloud client.
func NewFirewallAdapter(client *hcloud.Client) *FirewallAdapter {
	return &FirewallAdapter{firewalls: &client.Firewall}
}

func newFirewallAdapter(api firewallAPI) *FirewallAdapter {
	return &FirewallAdapter{firewalls: api}
}

// Schema implements provider.Adapter. Everything on a firewall is
// mutable in place.
func (a *FirewallAdapter) Schema() provider.Schema {
	return provider.Schema{}
}

// Create implements provider.Adapter. An existing firewall with the
// declared name is adopted and its rules reconciled to the declared
// set.
func (a *FirewallAdapter) Create(ctx context.Context, attrs map[string]any) (*provider.Remote, error) {
	name, rules, labels, err := firewallAttrs(attrs)
	if err != nil {
		return nil, provider.Permanent(err)
	}

	existing, _, err := a.firewalls.GetByName(ctx, name)
	if err != nil {
		return nil, classify(fmt.Errorf("looking up firewall %s: %w", name, err))
	}
	if existing != nil {
		if _, _, err := a.firewalls.SetRules(ctx, existing, hcloud.FirewallSetRulesOpts{Rules: rules}); err != nil {
			return nil, classify(fmt.Errorf("reconciling rules of adopted firewall %s: %w", name, err))
		}
		return firewallRemote(existing), nil
	}

	result, _, err := a.firewalls.Create(ctx, hcloud.FirewallCreateOpts{
		Name:   name,
		Rules:  rules,
		Labels: labels,
	})
	if err != nil {
		return nil, classify(fmt.Errorf("creating firewall %s: %w", name, err))
	}
	return firewallRemote(result.Firewall), nil
}

// Read implements provider.Adapter.
func (a *FirewallAdapter) Read(ctx context.Context, id string) (*provider.Remote, error) {
	numID, err := parseID(id)
	if err != nil {
		return nil, provider.Permanent(err)
	}

	firewall, _, err := a.firewalls.GetByID(ctx, numID)
	if err != nil {
		return nil, classify(fmt.Errorf("reading firewall %s: %w", id, err))
	}
	if firewall == nil {
		return nil, provider.ErrNotFound
	}
	return firewallRemote(firewall), nil
}

// Update implements provider.Adapter.
func (a *FirewallAdapter) Update(ctx context.Context, id string, attrs map[string]any) (*provider.Remote, error) {
	name, rules, labels, err := firewallAttrs(attrs)
	if err != nil {
		return nil, provider.Permanent(err)
	}
	numID, err := parseID(id)
	if err != nil {
		return nil, provider.Permanent(err)
	}

	firewall, _, err := a.firewalls.GetByID(ctx, numID)
	if err != nil {
		return nil, classify(fmt.Errorf("reading firewall %s: %w", id, err))
	}
	if firewall == nil {
		return nil, provider.ErrNotFound
	}

	updated, _, err := a.firewalls.Update(ctx, firewall, hcloud.FirewallUpdateOpts{
		Name:   name,
		Labels: labels,
	})
	if err != nil {
		return nil, classify(fmt.Errorf("updating firewall %s: %w", id, err))
	}
	if _, _, err := a.firewalls.SetRules(ctx, updated, hcloud.FirewallSetRulesOpts{Rules: rules}); err != nil {
		return nil, classify(fmt.Errorf("setting rules of firewall %s: %w", id, err))
	}
	return firewallRemote(updated), nil
}

// Delete implements provider.Adapter. A firewall that is already gone
// counts as deleted.
func (a *FirewallAdapter) Delete(ctx context.Context, id string) error {
	numID, err := parseID(id)
	if err != nil {
		return provider.Permanent(err)
	}

	firewall, _, err := a.firewalls.GetByID(ctx, numID)
	if err != nil {
		return classify(fmt.Errorf("reading firewall %s: %w", id, err))
	}
	if firewall == nil {
		return nil
	}

	if _, err := a.firewalls.Delete(ctx, firewall); err != nil {
		if isNotFound(err) {
			return nil
		}
		return classify(fmt.Errorf("deleting firewall %s: %w", id, err))
	}
	return nil
}

func firewallAttrs(attrs map[string]any) (name string, rules []hcloud.FirewallRule, labels map[string]string, err error) {
	name, _ = attrs["name"].(string)
	if name == "" {
		return "", nil, nil, fmt.Errorf("hcloud_firewall requires a name attribute")
	}
	rules, err = parseRules(attrs["rules"])
	if err != nil {
		return "", nil, nil, fmt.Errorf("hcloud_firewall %s: %w", name, err)
	}
	labels, err = labelAttrs(attrs)
	if err != nil {
		return "", nil, nil, fmt.Errorf("hcloud_firewall %s: %w", name, err)
	}
	return name, rules, labels, nil
}

func parseRules(v any) ([]hcloud.FirewallRule, error) {
	if v == nil {
		return nil, nil
	}
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("rules must be a list")
	}

	rules := make([]hcloud.FirewallRule, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("rule %d must be a mapping", i)
		}

		rule := hcloud.FirewallRule{}
		switch dir, _ := m["direction"].(string); dir {
		case "in":
			rule.Direction = hcloud.FirewallRuleDirectionIn
		case "out":
			rule.Direction = hcloud.FirewallRuleDirectionOut
		default:
			return nil, fmt.Errorf("rule %d: direction must be in or out", i)
		}

		switch proto, _ := m["protocol"].(string); proto {
		case "tcp":
			rule.Protocol = hcloud.FirewallRuleProtocolTCP
		case "udp":
			rule.Protocol = hcloud.FirewallRuleProtocolUDP
		case "icmp":
			rule.Protocol = hcloud.FirewallRuleProtocolICMP
		case "esp":
			rule.Protocol = hcloud.FirewallRuleProtocolESP
		case "gre":
			rule.Protocol = hcloud.FirewallRuleProtocolGRE
		default:
			return nil, fmt.Errorf("rule %d: unsupported protocol %q", i, proto)
		}

		if port, ok := m["port"].(string); ok && port != "" {
			rule.Port = hcloud.Ptr(port)
		}

		cidrs, err := parseCIDRList(m["source_ips"])
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", i, err)
		}
		if rule.Direction == hcloud.FirewallRuleDirectionIn {
			rule.SourceIPs = cidrs
		} else {
			rule.DestinationIPs = cidrs
		}

		if desc, ok := m["description"].(string); ok && desc != "" {
			rule.Description = hcloud.Ptr(desc)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func parseCIDRList(v any) ([]net.IPNet, error) {
	list, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("source_ips must be a list of CIDRs")
	}
	out := make([]net.IPNet, 0, len(list))
	for _, item := range list {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("source_ips entries must be strings")
		}
		_, ipNet, err := net.ParseCIDR(s)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", s, err)
		}
		out = append(out, *ipNet)
	}
	return out, nil
}

func firewallRemote(f *hcloud.Firewall) *provider.Remote {
	return &provider.Remote{
		ID: strconv.FormatInt(f.ID, 10),
		Outputs: map[string]any{
			"id":   strconv.FormatInt(f.ID, 10),
			"name": f.Name,
		},
	}
}
