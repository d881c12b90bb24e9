// Package plan computes the ordered change-set that moves last-applied
// state to the declared resource graph.
//
// A plan is bound to the state document serial it was computed against;
// the apply engine rejects plans whose serial no longer matches the
// store (stale-plan rejection).
package plan

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"

	"github.com/imamik/converge/internal/graph"
	"github.com/imamik/converge/internal/provider"
	"github.com/imamik/converge/internal/state"
)

// Action is the kind of change planned for one resource.
type Action string

const (
	ActionCreate  Action = "create"
	ActionUpdate  Action = "update"
	ActionDelete  Action = "delete"
	ActionReplace Action = "replace"
	ActionNoop    Action = "noop"
)

// Change is one planned action, bound to one resource identity with its
// pre/post attribute diff.
type Change struct {
	Addr   graph.Addr
	Action Action

	// Before holds the last-applied attributes (nil for create).
	// After holds the declared attributes with references resolved from
	// state where possible (nil for delete).
	Before map[string]any
	After  map[string]any

	// ChangedKeys lists the attribute keys that differ, sorted.
	// ForceNewKeys is the subset whose change forces replacement.
	ChangedKeys  []string
	ForceNewKeys []string

	// CreateBeforeDelete carries the provider's zero-downtime
	// substitution capability into replace lowering.
	CreateBeforeDelete bool
}

// Plan is an ordered change-set. Create/update actions come first in
// dependency order, then deletes in reverse dependency order.
type Plan struct {
	Serial  uint64
	Changes []Change
}

// HasChanges reports whether any action is not a noop.
func (p *Plan) HasChanges() bool {
	for _, c := range p.Changes {
		if c.Action != ActionNoop {
			return true
		}
	}
	return false
}

// Counts returns the number of changes per action.
func (p *Plan) Counts() map[Action]int {
	counts := make(map[Action]int)
	for _, c := range p.Changes {
		counts[c.Action]++
	}
	return counts
}

// Compute diffs the declared graph against the state document and
// returns the resulting plan.
//
// Reference values produced by resources that have no applied state yet
// are unknown at plan time; attributes containing them count as changed
// and resolve during apply, once the producing resource has been
// applied.
func Compute(g *graph.Graph, doc *state.Document, reg *provider.Registry) (*Plan, error) {
	p := &Plan{Serial: doc.Serial}

	for _, addr := range g.TopoOrder(graph.CreateOrder) {
		spec, _ := g.Spec(addr)
		adapter, err := reg.Lookup(addr.Kind)
		if err != nil {
			return nil, fmt.Errorf("planning %s: %w", addr, err)
		}
		schema := adapter.Schema()

		after := resolveKnown(spec.Attributes, doc)
		rs := doc.Resource(addr)

		switch {
		case rs == nil:
			p.Changes = append(p.Changes, Change{
				Addr:               addr,
				Action:             ActionCreate,
				After:              after,
				ChangedKeys:        sortedAttrKeys(after),
				CreateBeforeDelete: schema.CreateBeforeDelete,
			})

		case rs.Status == state.StatusTainted:
			// A tainted resource's last operation failed; remediation is
			// replacement, never an in-place update.
			p.Changes = append(p.Changes, Change{
				Addr:               addr,
				Action:             ActionReplace,
				Before:             rs.Attributes,
				After:              after,
				ChangedKeys:        sortedAttrKeys(after),
				CreateBeforeDelete: schema.CreateBeforeDelete,
			})

		default:
			changed := diffKeys(rs.Attributes, after, spec.Attributes, doc)
			if len(changed) == 0 {
				p.Changes = append(p.Changes, Change{
					Addr:   addr,
					Action: ActionNoop,
					Before: rs.Attributes,
					After:  after,
				})
				continue
			}

			forceNew := intersect(changed, schema.ForceNew)
			action := ActionUpdate
			if len(forceNew) > 0 {
				action = ActionReplace
			}
			p.Changes = append(p.Changes, Change{
				Addr:               addr,
				Action:             action,
				Before:             rs.Attributes,
				After:              after,
				ChangedKeys:        changed,
				ForceNewKeys:       forceNew,
				CreateBeforeDelete: schema.CreateBeforeDelete,
			})
		}
	}

	deletes, err := orphanDeletes(g, doc)
	if err != nil {
		return nil, err
	}
	p.Changes = append(p.Changes, deletes...)

	return p, nil
}

// DestroyPlan plans the removal of everything recorded in state, in
// reverse dependency order.
func DestroyPlan(doc *state.Document) (*Plan, error) {
	p := &Plan{Serial: doc.Serial}

	var addrs []graph.Addr
	for key := range doc.Resources {
		addr, err := graph.ParseAddr(key)
		if err != nil {
			return nil, fmt.Errorf("state contains invalid resource key %q: %w", key, err)
		}
		addrs = append(addrs, addr)
	}

	ordered, err := destroyOrder(addrs, doc)
	if err != nil {
		return nil, err
	}
	for _, addr := range ordered {
		rs := doc.Resource(addr)
		p.Changes = append(p.Changes, Change{
			Addr:   addr,
			Action: ActionDelete,
			Before: rs.Attributes,
		})
	}
	return p, nil
}

// orphanDeletes plans removal of resources present in state but no
// longer declared, dependents first.
func orphanDeletes(g *graph.Graph, doc *state.Document) ([]Change, error) {
	var orphans []graph.Addr
	for key := range doc.Resources {
		addr, err := graph.ParseAddr(key)
		if err != nil {
			return nil, fmt.Errorf("state contains invalid resource key %q: %w", key, err)
		}
		if !g.Has(addr) {
			orphans = append(orphans, addr)
		}
	}
	if len(orphans) == 0 {
		return nil, nil
	}

	ordered, err := destroyOrder(orphans, doc)
	if err != nil {
		return nil, err
	}

	changes := make([]Change, 0, len(ordered))
	for _, addr := range ordered {
		rs := doc.Resource(addr)
		changes = append(changes, Change{
			Addr:   addr,
			Action: ActionDelete,
			Before: rs.Attributes,
		})
	}
	return changes, nil
}

// destroyOrder orders addrs dependents-first using the dependency edges
// recorded in state at apply time. Edges leaving the addr set are
// irrelevant to ordering and dropped.
func destroyOrder(addrs []graph.Addr, doc *state.Document) ([]graph.Addr, error) {
	inSet := make(map[graph.Addr]bool, len(addrs))
	for _, addr := range addrs {
		inSet[addr] = true
	}

	specs := make([]graph.ResourceSpec, 0, len(addrs))
	for _, addr := range addrs {
		spec := graph.ResourceSpec{Addr: addr}
		for _, depKey := range doc.Resource(addr).Dependencies {
			dep, err := graph.ParseAddr(depKey)
			if err != nil {
				return nil, fmt.Errorf("state for %s records invalid dependency %q: %w", addr, depKey, err)
			}
			if inSet[dep] {
				spec.DependsOn = append(spec.DependsOn, dep)
			}
		}
		specs = append(specs, spec)
	}

	g, err := graph.Build(specs)
	if err != nil {
		return nil, fmt.Errorf("ordering deletions: %w", err)
	}
	return g.TopoOrder(graph.DestroyOrder), nil
}

// resolveKnown interpolates references whose producing resource already
// has applied state; unknown references keep their placeholder text.
func resolveKnown(attrs map[string]any, doc *state.Document) map[string]any {
	resolved, err := graph.Interpolate(attrs, func(addr graph.Addr, output string) (any, bool) {
		if v, ok := doc.Output(addr, output); ok {
			return v, true
		}
		return fmt.Sprintf("${%s.%s}", addr, output), true
	})
	if err != nil {
		// The lookup above never reports unknown, so Interpolate cannot
		// fail; keep the declared attributes if it somehow does.
		return attrs
	}
	return resolved
}

// diffKeys returns the sorted set of attribute keys whose declared value
// differs from the last-applied value. A key whose declared value still
// references an unapplied resource is always considered changed.
func diffKeys(before, after, declared map[string]any, doc *state.Document) []string {
	keys := make(map[string]struct{}, len(before)+len(after))
	for k := range before {
		keys[k] = struct{}{}
	}
	for k := range after {
		keys[k] = struct{}{}
	}

	var changed []string
	for k := range keys {
		if declaredVal, ok := declared[k]; ok {
			if graph.HasUnknownRefs(map[string]any{k: declaredVal}, doc.Output) {
				changed = append(changed, k)
				continue
			}
		}
		if !reflect.DeepEqual(normalize(before[k]), normalize(after[k])) {
			changed = append(changed, k)
		}
	}
	sort.Strings(changed)
	return changed
}

// normalize round-trips a value through JSON so that declared YAML
// values and state values that took the JSON round trip (where every
// number is a float64) compare equal when they encode the same content.
func normalize(v any) any {
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

func sortedAttrKeys(attrs map[string]any) []string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func intersect(keys []string, forceNew []string) []string {
	set := make(map[string]struct{}, len(forceNew))
	for _, k := range forceNew {
		set[k] = struct{}{}
	}
	var out []string
	for _, k := range keys {
		if _, ok := set[k]; ok {
			out = append(out, k)
		}
	}
	return out
}
