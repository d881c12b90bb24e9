package graph

import (
	"fmt"
	"regexp"
	"strings"
)

// refPattern matches "${kind.name.output}" placeholders inside string
// attribute values.
var refPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_]+)\.([A-Za-z0-9_-]+)\.([A-Za-z0-9_]+)\}`)

// Ref is one cross-resource reference found in an attribute value.
type Ref struct {
	Addr   Addr   // the referenced resource
	Output string // the referenced output name
	Raw    string // the full "${...}" placeholder
}

// References walks an attribute mapping (including nested maps and
// lists) and returns every cross-resource reference it contains.
func References(attrs map[string]any) []Ref {
	var refs []Ref
	walkValues(attrs, func(s string) {
		for _, m := range refPattern.FindAllStringSubmatch(s, -1) {
			refs = append(refs, Ref{
				Addr:   Addr{Kind: m[1], Name: m[2]},
				Output: m[3],
				Raw:    m[0],
			})
		}
	})
	return refs
}

// OutputLookup resolves one resource output. The second return value
// reports whether the output is known.
type OutputLookup func(addr Addr, output string) (any, bool)

// Interpolate returns a copy of attrs with every reference placeholder
// replaced via lookup. A placeholder that is the entire string value is
// replaced by the raw output value, preserving its type; placeholders
// embedded in longer strings are substituted textually. An unknown
// output is an error.
func Interpolate(attrs map[string]any, lookup OutputLookup) (map[string]any, error) {
	out, err := interpolateValue(attrs, lookup)
	if err != nil {
		return nil, err
	}
	return out.(map[string]any), nil
}

func interpolateValue(v any, lookup OutputLookup) (any, error) {
	switch val := v.(type) {
	case string:
		return interpolateString(val, lookup)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			resolved, err := interpolateValue(elem, lookup)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			resolved, err := interpolateValue(elem, lookup)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

func interpolateString(s string, lookup OutputLookup) (any, error) {
	matches := refPattern.FindAllStringSubmatch(s, -1)
	if len(matches) == 0 {
		return s, nil
	}

	// A value that is exactly one placeholder keeps the output's type.
	if len(matches) == 1 && matches[0][0] == s {
		m := matches[0]
		addr := Addr{Kind: m[1], Name: m[2]}
		val, ok := lookup(addr, m[3])
		if !ok {
			return nil, fmt.Errorf("reference %s: no output %q for %s", m[0], m[3], addr)
		}
		return val, nil
	}

	result := s
	for _, m := range matches {
		addr := Addr{Kind: m[1], Name: m[2]}
		val, ok := lookup(addr, m[3])
		if !ok {
			return nil, fmt.Errorf("reference %s: no output %q for %s", m[0], m[3], addr)
		}
		result = strings.ReplaceAll(result, m[0], fmt.Sprintf("%v", val))
	}
	return result, nil
}

// HasUnknownRefs reports whether attrs contains a reference that lookup
// cannot resolve. The diff engine uses this to treat values produced by
// not-yet-applied dependencies as changed.
func HasUnknownRefs(attrs map[string]any, lookup OutputLookup) bool {
	for _, ref := range References(attrs) {
		if _, ok := lookup(ref.Addr, ref.Output); !ok {
			return true
		}
	}
	return false
}

func walkValues(v any, fn func(string)) {
	switch val := v.(type) {
	case string:
		fn(val)
	case map[string]any:
		for _, elem := range val {
			walkValues(elem, fn)
		}
	case []any:
		for _, elem := range val {
			walkValues(elem, fn)
		}
	}
}
