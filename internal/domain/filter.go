package domain

import "fmt"

// Filter is a predicate over entry metadata. A nil Filter accepts everything.
type Filter func(Metadata) bool

// Accept applies f, treating nil as match-all.
func (f Filter) Accept(m Metadata) bool {
	return f == nil || f(m)
}

// MatchMetadata returns a filter requiring every condition to hold.
// A condition value that is a list matches when the metadata value equals
// any element. Numbers compare by value regardless of their Go type.
func MatchMetadata(conds map[string]any) Filter {
	if len(conds) == 0 {
		return nil
	}
	return func(m Metadata) bool {
		for k, want := range conds {
			got, ok := m[k]
			if !ok {
				return false
			}
			if !conditionHolds(got, want) {
				return false
			}
		}
		return true
	}
}

// ValidateConditions rejects nested maps and mixed-type lists.
func ValidateConditions(conds map[string]any) error {
	for k, v := range conds {
		switch vv := v.(type) {
		case []any:
			if len(vv) == 0 {
				return fmt.Errorf("filter %q: empty list", k)
			}
			for _, el := range vv {
				if !isScalar(el) {
					return fmt.Errorf("filter %q: unsupported list element %T", k, el)
				}
			}
		default:
			if !isScalar(v) {
				return fmt.Errorf("filter %q: unsupported value %T", k, v)
			}
		}
	}
	return nil
}

func conditionHolds(got, want any) bool {
	if list, ok := want.([]any); ok {
		for _, w := range list {
			if scalarEqual(got, w) {
				return true
			}
		}
		return false
	}
	return scalarEqual(got, want)
}

func scalarEqual(a, b any) bool {
	af, aNum := toFloat(a)
	bf, bNum := toFloat(b)
	if aNum || bNum {
		return aNum && bNum && af == bf
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		return ok && av == bv
	case bool:
		bv, ok := b.(bool)
		return ok && av == bv
	case nil:
		return b == nil
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}

func isScalar(v any) bool {
	if _, ok := toFloat(v); ok {
		return true
	}
	switch v.(type) {
	case nil, string, bool:
		return true
	}
	return false
}
