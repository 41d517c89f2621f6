package packrat

import (
	"encoding/hex"
	"sort"
	"strings"
)

// IDs is a list of ids, sortable and printable in short form.
type IDs []ID

func (ids IDs) Len() int           { return len(ids) }
func (ids IDs) Less(i, j int) bool { return ids[i].Less(ids[j]) }
func (ids IDs) Swap(i, j int)      { ids[i], ids[j] = ids[j], ids[i] }

func (ids IDs) String() string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, id := range ids {
		if i > 0 {
			sb.WriteByte(' ')
		}
		sb.WriteString(hex.EncodeToString(id[:shortStr]))
	}
	sb.WriteByte(']')
	return sb.String()
}

// IDSet is a set of ids.
type IDSet map[ID]struct{}

// NewIDSet returns a set containing ids.
func NewIDSet(ids ...ID) IDSet {
	m := make(IDSet, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

// Has reports whether id is in the set.
func (s IDSet) Has(id ID) bool {
	_, ok := s[id]
	return ok
}

// Insert adds id to the set.
func (s IDSet) Insert(id ID) { s[id] = struct{}{} }

// Delete removes id from the set.
func (s IDSet) Delete(id ID) { delete(s, id) }

// List returns the ids in sorted order.
func (s IDSet) List() IDs {
	list := make(IDs, 0, len(s))
	for id := range s {
		list = append(list, id)
	}
	sort.Sort(list)
	return list
}

// Equals reports whether both sets contain the same ids.
func (s IDSet) Equals(other IDSet) bool {
	if len(s) != len(other) {
		return false
	}
	for id := range s {
		if !other.Has(id) {
			return false
		}
	}
	return true
}

// Merge adds all ids of other to s.
func (s IDSet) Merge(other IDSet) {
	for id := range other {
		s.Insert(id)
	}
}

// Clone returns a copy of s.
func (s IDSet) Clone() IDSet {
	c := make(IDSet, len(s))
	for id := range s {
		c.Insert(id)
	}
	return c
}

// Intersect returns the ids present in both sets.
func (s IDSet) Intersect(other IDSet) IDSet {
	if len(other) < len(s) {
		s, other = other, s
	}
	result := NewIDSet()
	for id := range s {
		if other.Has(id) {
			result.Insert(id)
		}
	}
	return result
}

// Sub returns the ids of s that are not in other.
func (s IDSet) Sub(other IDSet) IDSet {
	result := NewIDSet()
	for id := range s {
		if !other.Has(id) {
			result.Insert(id)
		}
	}
	return result
}

func (s IDSet) String() string {
	str := s.List().String()
	return "{" + str[1:len(str)-1] + "}"
}
