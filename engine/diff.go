package engine

// DeepCopyState returns a deep copy of the state. Nested maps and slices
// are copied recursively; scalar values are shared, which is safe for the
// JSON-shaped values a run carries.
func DeepCopyState(state State) State {
	if state == nil {
		return State{}
	}
	copied := make(State, len(state))
	for k, v := range state {
		copied[k] = deepCopyValue(v)
	}
	return copied
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, inner := range val {
			m[k] = deepCopyValue(inner)
		}
		return m
	case []any:
		s := make([]any, len(val))
		for i, inner := range val {
			s[i] = deepCopyValue(inner)
		}
		return s
	default:
		return val
	}
}

// computeDiff produces a shallow diff of two state snapshots: one
// ValueChange per top-level key whose value changed, including keys that
// were added (Before nil) or removed (After nil).
func computeDiff(before, after State) map[string]ValueChange {
	diff := make(map[string]ValueChange)

	seen := make(map[string]struct{}, len(before)+len(after))
	for k := range before {
		seen[k] = struct{}{}
	}
	for k := range after {
		seen[k] = struct{}{}
	}

	for k := range seen {
		b, a := before[k], after[k]
		if !equalValues(b, a) {
			diff[k] = ValueChange{Before: b, After: a}
		}
	}
	return diff
}
