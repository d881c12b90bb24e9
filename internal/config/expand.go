package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/imamik/converge/internal/graph"
)

const countIndexPlaceholder = "${count.index}"

// Expand turns the declared resource blocks into concrete resource
// specs. Counted blocks become one instance per index, named name-0,
// name-1 and so on, with ${count.index} in attribute values replaced by
// the instance index. A dependency on a counted block expands to a
// dependency on every instance of it.
func Expand(cfg *Config) ([]graph.ResourceSpec, error) {
	// First pass: the instance addrs every block expands to, so
	// depends_on entries can fan out to counted targets.
	instances := make(map[string][]graph.Addr, len(cfg.Resources))
	for _, r := range cfg.Resources {
		id := r.Kind + "." + r.Name
		for _, name := range instanceNames(r) {
			instances[id] = append(instances[id], graph.Addr{Kind: r.Kind, Name: name})
		}
	}

	var specs []graph.ResourceSpec
	for _, r := range cfg.Resources {
		deps, err := expandDeps(r, instances)
		if err != nil {
			return nil, err
		}
		names := instanceNames(r)
		for i, name := range names {
			attrs := r.Attributes
			if r.Count != nil {
				attrs = substituteIndex(attrs, i)
			}
			specs = append(specs, graph.ResourceSpec{
				Addr:       graph.Addr{Kind: r.Kind, Name: name},
				Attributes: attrs,
				DependsOn:  deps,
			})
		}
	}
	return specs, nil
}

func instanceNames(r Resource) []string {
	if r.Count == nil {
		return []string{r.Name}
	}
	names := make([]string, 0, *r.Count)
	for i := 0; i < *r.Count; i++ {
		names = append(names, fmt.Sprintf("%s-%d", r.Name, i))
	}
	return names
}

func expandDeps(r Resource, instances map[string][]graph.Addr) ([]graph.Addr, error) {
	var deps []graph.Addr
	for _, dep := range r.DependsOn {
		if addrs, ok := instances[dep]; ok {
			deps = append(deps, addrs...)
			continue
		}
		// Not a declared block id; maybe it names a concrete instance
		// of a counted block, or it is simply unknown and the graph
		// builder will reject it.
		addr, err := graph.ParseAddr(dep)
		if err != nil {
			return nil, fmt.Errorf("resource %s.%s: invalid dependency %q: %w", r.Kind, r.Name, dep, err)
		}
		deps = append(deps, addr)
	}
	return deps, nil
}

// substituteIndex replaces ${count.index} throughout the attribute
// tree. A value that is exactly the placeholder becomes the integer
// index; embedded occurrences are textual.
func substituteIndex(v map[string]any, index int) map[string]any {
	out := make(map[string]any, len(v))
	for k, val := range v {
		out[k] = substituteValue(val, index)
	}
	return out
}

func substituteValue(v any, index int) any {
	switch val := v.(type) {
	case string:
		if val == countIndexPlaceholder {
			return index
		}
		return strings.ReplaceAll(val, countIndexPlaceholder, strconv.Itoa(index))
	case map[string]any:
		return substituteIndex(val, index)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = substituteValue(item, index)
		}
		return out
	default:
		return v
	}
}
