// Package postings implements compact sorted sets of message identifiers
// with merge-based set algebra. Sets are immutable once built: every
// mutating operation returns a new Set, so a reader holding a Set can keep
// using it while the index swaps in replacements.
package postings

import "sort"

// Set is a sorted, deduplicated collection of message ids.
// The zero value is the empty set.
type Set struct {
	ids []uint32
}

// Empty is the canonical empty set.
var Empty = &Set{}

// New builds a Set from the given ids. The input is copied, sorted and
// deduplicated.
func New(ids ...uint32) *Set {
	if len(ids) == 0 {
		return Empty
	}
	out := make([]uint32, len(ids))
	copy(out, ids)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	n := 1
	for i := 1; i < len(out); i++ {
		if out[i] != out[n-1] {
			out[n] = out[i]
			n++
		}
	}
	return &Set{ids: out[:n]}
}

// FromSorted wraps an already sorted, strictly increasing id slice without
// copying. The caller must not modify the slice afterwards.
func FromSorted(ids []uint32) *Set {
	if len(ids) == 0 {
		return Empty
	}
	return &Set{ids: ids}
}

// Len returns the number of ids in the set.
func (s *Set) Len() int { return len(s.ids) }

// IsEmpty reports whether the set contains no ids.
func (s *Set) IsEmpty() bool { return len(s.ids) == 0 }

// Contains reports whether id is a member of the set.
func (s *Set) Contains(id uint32) bool {
	i := sort.Search(len(s.ids), func(i int) bool { return s.ids[i] >= id })
	return i < len(s.ids) && s.ids[i] == id
}

// IDs returns the ids in ascending order. The returned slice is shared with
// the set and must not be modified.
func (s *Set) IDs() []uint32 { return s.ids }

// Add returns a set containing the ids of s plus id.
// Returns s unchanged if id is already present.
func (s *Set) Add(id uint32) *Set {
	i := sort.Search(len(s.ids), func(i int) bool { return s.ids[i] >= id })
	if i < len(s.ids) && s.ids[i] == id {
		return s
	}
	out := make([]uint32, 0, len(s.ids)+1)
	out = append(out, s.ids[:i]...)
	out = append(out, id)
	out = append(out, s.ids[i:]...)
	return &Set{ids: out}
}

// Remove returns a set containing the ids of s minus id.
// Returns s unchanged if id is not present.
func (s *Set) Remove(id uint32) *Set {
	i := sort.Search(len(s.ids), func(i int) bool { return s.ids[i] >= id })
	if i >= len(s.ids) || s.ids[i] != id {
		return s
	}
	if len(s.ids) == 1 {
		return Empty
	}
	out := make([]uint32, 0, len(s.ids)-1)
	out = append(out, s.ids[:i]...)
	out = append(out, s.ids[i+1:]...)
	return &Set{ids: out}
}

// Union returns the set of ids present in either a or b.
// Linear time via simultaneous advance of the two sorted cursors.
func Union(a, b *Set) *Set {
	if a.IsEmpty() {
		return b
	}
	if b.IsEmpty() {
		return a
	}
	out := make([]uint32, 0, len(a.ids)+len(b.ids))
	i, j := 0, 0
	for i < len(a.ids) && j < len(b.ids) {
		switch {
		case a.ids[i] < b.ids[j]:
			out = append(out, a.ids[i])
			i++
		case a.ids[i] > b.ids[j]:
			out = append(out, b.ids[j])
			j++
		default:
			out = append(out, a.ids[i])
			i++
			j++
		}
	}
	out = append(out, a.ids[i:]...)
	out = append(out, b.ids[j:]...)
	return &Set{ids: out}
}

// Intersect returns the set of ids present in both a and b.
func Intersect(a, b *Set) *Set {
	if a.IsEmpty() || b.IsEmpty() {
		return Empty
	}
	small, large := a.ids, b.ids
	if len(small) > len(large) {
		small, large = large, small
	}
	out := make([]uint32, 0, len(small))
	i, j := 0, 0
	for i < len(small) && j < len(large) {
		switch {
		case small[i] < large[j]:
			i++
		case small[i] > large[j]:
			j++
		default:
			out = append(out, small[i])
			i++
			j++
		}
	}
	if len(out) == 0 {
		return Empty
	}
	return &Set{ids: out}
}

// Difference returns the set of ids present in a but not in b.
func Difference(a, b *Set) *Set {
	if a.IsEmpty() || b.IsEmpty() {
		return a
	}
	out := make([]uint32, 0, len(a.ids))
	i, j := 0, 0
	for i < len(a.ids) && j < len(b.ids) {
		switch {
		case a.ids[i] < b.ids[j]:
			out = append(out, a.ids[i])
			i++
		case a.ids[i] > b.ids[j]:
			j++
		default:
			i++
			j++
		}
	}
	out = append(out, a.ids[i:]...)
	if len(out) == 0 {
		return Empty
	}
	return &Set{ids: out}
}

// Complement returns universe minus s. Negation needs a bound because
// postings sets are sparse; the universe is the full set of known ids at
// evaluation time.
func Complement(s, universe *Set) *Set {
	return Difference(universe, s)
}

// UnionAll folds Union over any number of sets.
func UnionAll(sets ...*Set) *Set {
	out := Empty
	for _, s := range sets {
		out = Union(out, s)
	}
	return out
}

// IntersectAll folds Intersect over any number of sets.
// The intersection of zero sets is empty.
func IntersectAll(sets ...*Set) *Set {
	if len(sets) == 0 {
		return Empty
	}
	out := sets[0]
	for _, s := range sets[1:] {
		if out.IsEmpty() {
			return Empty
		}
		out = Intersect(out, s)
	}
	return out
}
