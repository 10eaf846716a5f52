package fetchdb

import "strings"

// evalFilter applies a predicate tree to a field map. A nil filter
// matches everything. Absent fields and nulls fail every comparison
// except the null checks; NotIn treats an absent value as not a member.
func evalFilter(f *Filter, fields Fields) bool {
	if f == nil {
		return true
	}
	switch f.Op {
	case OpAnd:
		for _, kid := range f.Kids {
			if !evalFilter(kid, fields) {
				return false
			}
		}
		return true
	case OpOr:
		for _, kid := range f.Kids {
			if evalFilter(kid, fields) {
				return true
			}
		}
		return false
	case OpNot:
		if len(f.Kids) != 1 {
			return false
		}
		return !evalFilter(f.Kids[0], fields)
	}

	v, present := fields[f.Field]
	switch f.Op {
	case OpIsNull:
		return !present || v.IsNull()
	case OpNotNull:
		return present && !v.IsNull()
	}
	if !present || v.IsNull() {
		// NotIn is membership negation: an absent value is not a member.
		return f.Op == OpNotIn
	}

	switch f.Op {
	case OpEq:
		return v.Equal(f.Value)
	case OpNe:
		return !f.Value.IsNull() && !v.Equal(f.Value)
	case OpLt:
		c, ok := v.Compare(f.Value)
		return ok && c < 0
	case OpLe:
		c, ok := v.Compare(f.Value)
		return ok && c <= 0
	case OpGt:
		c, ok := v.Compare(f.Value)
		return ok && c > 0
	case OpGe:
		c, ok := v.Compare(f.Value)
		return ok && c >= 0
	case OpIn:
		for _, w := range f.Values {
			if v.Equal(w) {
				return true
			}
		}
		return false
	case OpNotIn:
		for _, w := range f.Values {
			if v.Equal(w) {
				return false
			}
		}
		return true
	case OpPrefix:
		if v.Kind() != KindString {
			return false
		}
		s, p := v.StrVal(), f.Value.StrVal()
		if f.Fold {
			s, p = strings.ToLower(s), strings.ToLower(p)
		}
		return strings.HasPrefix(s, p)
	case OpContains:
		if v.Kind() != KindString {
			return false
		}
		s, p := v.StrVal(), f.Value.StrVal()
		if f.Fold {
			s, p = strings.ToLower(s), strings.ToLower(p)
		}
		return strings.Contains(s, p)
	default:
		return false
	}
}

// filterLeaves calls fn for every leaf node of the tree.
func filterLeaves(f *Filter, fn func(*Filter) error) error {
	if f == nil {
		return nil
	}
	switch f.Op {
	case OpAnd, OpOr, OpNot:
		for _, kid := range f.Kids {
			if err := filterLeaves(kid, fn); err != nil {
				return err
			}
		}
		return nil
	default:
		return fn(f)
	}
}

// singleEqLeaf reports whether the whole filter is one Eq or In leaf,
// the shape the hash index can seed candidates for.
func singleEqLeaf(f *Filter) (*Filter, bool) {
	if f == nil {
		return nil, false
	}
	if f.Op == OpEq || f.Op == OpIn {
		return f, true
	}
	return nil, false
}
