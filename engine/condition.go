package engine

import (
	"reflect"
	"strings"
)

// LookupPath walks the state map by the successive segments of a dotted
// key, e.g. "metrics.quality_score". It returns (nil, false) when any
// intermediate value is not a map or a segment is absent; a missing path is
// an absent marker, never an error.
func LookupPath(state State, dottedKey string) (any, bool) {
	var current any = state
	for _, part := range strings.Split(dottedKey, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// Compare evaluates lhs op rhs. An empty operator is unconditional and
// always holds. EQ/NE use deep equality with numeric widths normalized, so
// an int 1 from code equals a float64 1 decoded from JSON.
//
// Ordering operators (LT/GT/LE/GE) are defined for two numbers or two
// strings. Ordering against nil, an absent lookup, or values of
// incompatible types does not match (returns false) rather than failing the
// run; tests pin this policy.
func Compare(lhs any, op Operator, rhs any) bool {
	switch op {
	case "":
		return true
	case OpEQ:
		return equalValues(lhs, rhs)
	case OpNE:
		return !equalValues(lhs, rhs)
	}

	if lf, lok := toFloat(lhs); lok {
		if rf, rok := toFloat(rhs); rok {
			return orderedHolds(op, compareFloats(lf, rf))
		}
		return false
	}
	if ls, lok := lhs.(string); lok {
		if rs, rok := rhs.(string); rok {
			return orderedHolds(op, strings.Compare(ls, rs))
		}
	}
	return false
}

// orderedHolds maps a three-way comparison result onto an ordering operator.
func orderedHolds(op Operator, cmp int) bool {
	switch op {
	case OpLT:
		return cmp < 0
	case OpGT:
		return cmp > 0
	case OpLE:
		return cmp <= 0
	case OpGE:
		return cmp >= 0
	}
	return false
}

func compareFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// equalValues compares two state values, treating all numeric widths as
// float64 and recursing through maps and slices.
func equalValues(a, b any) bool {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}

	switch av := a.(type) {
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, v := range av {
			bval, ok := bv[k]
			if !ok || !equalValues(v, bval) {
				return false
			}
		}
		return true
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !equalValues(av[i], bv[i]) {
				return false
			}
		}
		return true
	}

	return reflect.DeepEqual(a, b)
}

// toFloat normalizes any numeric value to float64.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
