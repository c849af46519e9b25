// Package dedupe maps content digests to stored object references. The
// index holds weak references derived from the history ledger; it never owns
// records itself and is rebuilt at the start of each incremental-plus run.
package dedupe

import "sync"

type Index struct {
	mu   sync.RWMutex
	refs map[string]string
}

// New builds an index, optionally seeded from ledger.Digests().
func New(seed map[string]string) *Index {
	refs := make(map[string]string, len(seed))
	for digest, ref := range seed {
		refs[digest] = ref
	}
	return &Index{refs: refs}
}

// Lookup returns the stored ref for digest, if any content with that digest
// exists anywhere in the destination's history.
func (i *Index) Lookup(digest string) (string, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	ref, ok := i.refs[digest]
	return ref, ok
}

// Record registers a newly stored object so sibling tasks in the same run
// dedup against it. First write wins; two paths sharing a digest both end
// up referencing the same object.
func (i *Index) Record(digest, ref string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if _, ok := i.refs[digest]; !ok {
		i.refs[digest] = ref
	}
}

// Len reports how many unique digests the index covers.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.refs)
}
