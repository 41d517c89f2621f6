package index

import "time"

// TestSetIndexCreated changes the creation time of idx and returns it.
func TestSetIndexCreated(idx *Index, created time.Time) *Index {
	idx.m.Lock()
	defer idx.m.Unlock()

	idx.created = created
	return idx
}
