package token

import "sync"

// journal records undo closures for every ledger write so a group of ledgers
// can be rolled back to a snapshot together.
type journal struct {
	mu        sync.Mutex
	entries   []func()
	revisions []revision
	nextID    int
}

type revision struct {
	id    int
	index int
}

// append records undo while a snapshot is outstanding.
func (j *journal) append(undo func()) {
	j.mu.Lock()
	if len(j.revisions) > 0 {
		j.entries = append(j.entries, undo)
	}
	j.mu.Unlock()
}

func (j *journal) snapshot() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	id := j.nextID
	j.nextID++
	j.revisions = append(j.revisions, revision{id: id, index: len(j.entries)})
	return id
}

// revert pops every entry recorded after snapshot id. The closures run without
// the journal lock held; they only touch ledger maps.
func (j *journal) revert(id int) []func() {
	j.mu.Lock()
	defer j.mu.Unlock()
	idx := j.find(id)
	if idx < 0 {
		return nil
	}
	start := j.revisions[idx].index
	undo := make([]func(), 0, len(j.entries)-start)
	for i := len(j.entries) - 1; i >= start; i-- {
		undo = append(undo, j.entries[i])
	}
	j.entries = j.entries[:start]
	j.revisions = j.revisions[:idx]
	return undo
}

func (j *journal) find(id int) int {
	for i := len(j.revisions) - 1; i >= 0; i-- {
		if j.revisions[i].id == id {
			return i
		}
	}
	return -1
}

// discard keeps the changes made since snapshot id and drops it along with
// any later snapshots.
func (j *journal) discard(id int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	idx := j.find(id)
	if idx < 0 {
		return
	}
	j.revisions = j.revisions[:idx]
	if len(j.revisions) == 0 {
		j.entries = j.entries[:0]
	}
}
