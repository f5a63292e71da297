package dht

import (
	"bytes"
	"math/bits"
	"sort"
	"sync"
	"time"

	"dagnet/identity"
)

// Key is a DHT coordinate; PeerIDs are used directly as keys.
type Key = [32]byte

// Distance returns the XOR metric between two keys.
func Distance(a, b Key) Key {
	var d Key
	for i := range d {
		d[i] = a[i] ^ b[i]
	}
	return d
}

func distLess(a, b Key) bool {
	return bytes.Compare(a[:], b[:]) < 0
}

// bucketIndex maps a contact to one of 256 distance buckets, by the position
// of the highest differing bit. Returns -1 for the table's own id.
func bucketIndex(self, id identity.PeerID) int {
	d := Distance(self, id)
	for i, b := range d {
		if b != 0 {
			return 255 - (i*8 + bits.LeadingZeros8(b))
		}
	}
	return -1
}

// Table is the routing state: 256 distance buckets, each holding at most k
// contacts. Reads run concurrently; all mutation goes through the discovery
// maintenance path under the write lock.
type Table struct {
	mu      sync.RWMutex
	self    identity.PeerID
	k       int
	buckets [256][]*Contact
}

func NewTable(self identity.PeerID, k int) *Table {
	return &Table{self: self, k: k}
}

// Update records a successful contact: refresh an existing entry or insert a
// Live one. When the bucket is full the longest-idle non-Live entry gives
// way; a bucket of entries with current successful probes rejects newcomers.
func (t *Table) Update(id identity.PeerID, addr string) bool {
	i := bucketIndex(t.self, id)
	if i < 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	for _, c := range t.buckets[i] {
		if c.ID == id {
			c.Addr = addr
			c.State = Live
			c.LastSeen = now
			c.Failures = 0
			return true
		}
	}
	entry := &Contact{ID: id, Addr: addr, State: Live, LastSeen: now}
	if len(t.buckets[i]) < t.k {
		t.buckets[i] = append(t.buckets[i], entry)
		return true
	}

	victim := -1
	for j, c := range t.buckets[i] {
		if c.State == Live {
			continue
		}
		if victim == -1 || c.LastSeen.Before(t.buckets[i][victim].LastSeen) {
			victim = j
		}
	}
	if victim == -1 {
		return false
	}
	t.buckets[i][victim] = entry
	return true
}

// MarkFailure counts a failed probe; maxFailures evicts the entry.
func (t *Table) MarkFailure(id identity.PeerID, maxFailures int) {
	i := bucketIndex(t.self, id)
	if i < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for j, c := range t.buckets[i] {
		if c.ID != id {
			continue
		}
		c.Failures++
		c.State = Stale
		if c.Failures >= maxFailures {
			c.State = Evicted
			t.buckets[i] = append(t.buckets[i][:j], t.buckets[i][j+1:]...)
		}
		return
	}
}

// MarkLive resets failure accounting after a successful probe.
func (t *Table) MarkLive(id identity.PeerID) {
	i := bucketIndex(t.self, id)
	if i < 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, c := range t.buckets[i] {
		if c.ID == id {
			c.State = Live
			c.LastSeen = time.Now()
			c.Failures = 0
			return
		}
	}
}

// ExpireIdle demotes entries idle past maxIdle to Stale so the next Refresh
// probes them.
func (t *Table) ExpireIdle(maxIdle time.Duration) []Contact {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := time.Now().Add(-maxIdle)
	var stale []Contact
	for i := range t.buckets {
		for _, c := range t.buckets[i] {
			if c.State == Live && c.LastSeen.Before(cutoff) {
				c.State = Stale
			}
			if c.State == Stale || c.State == Unknown {
				stale = append(stale, *c)
			}
		}
	}
	return stale
}

// Closest returns up to n contacts ordered by non-decreasing XOR distance
// from key.
func (t *Table) Closest(key Key, n int) []Contact {
	t.mu.RLock()
	all := make([]Contact, 0, n)
	for i := range t.buckets {
		for _, c := range t.buckets[i] {
			all = append(all, *c)
		}
	}
	t.mu.RUnlock()

	sort.Slice(all, func(a, b int) bool {
		return distLess(Distance(Key(all[a].ID), key), Distance(Key(all[b].ID), key))
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// Len counts live table entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n := 0
	for i := range t.buckets {
		n += len(t.buckets[i])
	}
	return n
}
