package segment

// Condition is one predicate in a Filter's must/must_not/should clause.
type Condition interface {
	Matches(id PointID, payload Payload) bool
}

// Filter composes must/must-not/should clauses over payload predicates and
// point-id membership.
type Filter struct {
	Must    []Condition
	MustNot []Condition
	Should  []Condition
}

// Clone returns a shallow copy with independent slices, so callers can
// append to MustNot (as the proxy does for HasId(deleted)) without
// mutating the original filter.
func (f *Filter) Clone() *Filter {
	if f == nil {
		return nil
	}
	return &Filter{
		Must:    append([]Condition(nil), f.Must...),
		MustNot: append([]Condition(nil), f.MustNot...),
		Should:  append([]Condition(nil), f.Should...),
	}
}

// Matches reports whether a point satisfies the filter: every Must
// condition holds, no MustNot condition holds, and at least one Should
// condition holds whenever the clause is non-empty.
func (f *Filter) Matches(id PointID, payload Payload) bool {
	if f == nil {
		return true
	}
	for _, c := range f.Must {
		if !c.Matches(id, payload) {
			return false
		}
	}
	for _, c := range f.MustNot {
		if c.Matches(id, payload) {
			return false
		}
	}
	if len(f.Should) > 0 {
		any := false
		for _, c := range f.Should {
			if c.Matches(id, payload) {
				any = true
				break
			}
		}
		if !any {
			return false
		}
	}
	return true
}

// HasID is a condition matching points whose id is a member of the set.
type HasID struct {
	IDs map[PointID]struct{}
}

// NewHasID builds a HasID condition from a slice of ids.
func NewHasID(ids []PointID) HasID {
	set := make(map[PointID]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return HasID{IDs: set}
}

func (h HasID) Matches(id PointID, _ Payload) bool {
	_, ok := h.IDs[id]
	return ok
}

// FieldMatch is a condition matching an exact scalar payload value.
type FieldMatch struct {
	Key   string
	Value PayloadValue
}

func (m FieldMatch) Matches(_ PointID, payload Payload) bool {
	v, ok := payload[m.Key]
	if !ok || v.Kind != m.Value.Kind {
		return false
	}
	switch v.Kind {
	case PayloadString:
		return v.Str == m.Value.Str
	case PayloadInteger:
		return v.Int == m.Value.Int
	case PayloadFloat:
		return v.Float == m.Value.Float
	case PayloadKeywords:
		for _, kw := range v.Keywords {
			if kw == m.Value.Str {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// WithMustNotHasID returns a filter equal to f but with an additional
// must_not HasID(excluded) clause. An empty excluded set returns f
// unchanged, so the common no-tombstone case allocates nothing.
func WithMustNotHasID(f *Filter, excluded map[PointID]struct{}) *Filter {
	if len(excluded) == 0 {
		return f
	}
	clone := f.Clone()
	if clone == nil {
		clone = &Filter{}
	}
	ids := make([]PointID, 0, len(excluded))
	for id := range excluded {
		ids = append(ids, id)
	}
	clone.MustNot = append(clone.MustNot, NewHasID(ids))
	return clone
}
