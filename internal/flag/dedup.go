package flag

import "sync"

// DedupSet holds every hash dispatched during a session. It is created at
// session start, passed by reference to the matcher, and cleared when the
// session ends.
type DedupSet struct {
	mu     sync.Mutex
	hashes map[string]struct{}
}

// NewDedupSet returns an empty set.
func NewDedupSet() *DedupSet {
	return &DedupSet{hashes: make(map[string]struct{})}
}

// Add inserts hash and reports whether it was absent.
func (d *DedupSet) Add(hash string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.hashes[hash]; ok {
		return false
	}
	d.hashes[hash] = struct{}{}
	return true
}

// Remove forgets hash so a later sighting is dispatched again. Only hashes
// that never reached the gateway are removed.
func (d *DedupSet) Remove(hash string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.hashes, hash)
}

// Contains reports whether hash was already dispatched.
func (d *DedupSet) Contains(hash string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.hashes[hash]
	return ok
}

// Len returns the number of recorded hashes.
func (d *DedupSet) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.hashes)
}

// Clear forgets every hash.
func (d *DedupSet) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	clear(d.hashes)
}
