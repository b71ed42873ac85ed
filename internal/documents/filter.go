package documents

import "fmt"

// Filter restricts search results by metadata. Each value is either a
// single value (exact match) or a list (the metadata value must be one
// of them). Empty strings and empty lists are ignored rather than
// matching nothing.
type Filter map[string]any

// Match reports whether metadata satisfies every non-empty condition.
func (f Filter) Match(metadata map[string]any) bool {
	for field, want := range f {
		allowed := allowedValues(want)
		if len(allowed) == 0 {
			continue
		}
		if !anyAllowed(metadata[field], allowed) {
			return false
		}
	}
	return true
}

func allowedValues(v any) map[string]bool {
	set := map[string]bool{}
	add := func(x any) {
		if x == nil {
			return
		}
		if s := fmt.Sprint(x); s != "" {
			set[s] = true
		}
	}
	switch vs := v.(type) {
	case []string:
		for _, s := range vs {
			add(s)
		}
	case []any:
		for _, x := range vs {
			add(x)
		}
	default:
		add(v)
	}
	return set
}

// anyAllowed matches scalar metadata directly and list metadata if any
// element is allowed.
func anyAllowed(have any, allowed map[string]bool) bool {
	switch hs := have.(type) {
	case nil:
		return false
	case []any:
		for _, h := range hs {
			if allowed[fmt.Sprint(h)] {
				return true
			}
		}
		return false
	default:
		return allowed[fmt.Sprint(hs)]
	}
}
