// Package directory implements the relay's live node registry and room
// index: the concurrent NodeId -> sender mapping used to fan envelopes out
// to connected nodes, and the Topic -> NodeId set used for room delivery.
//
// Directory is generic in the frame type it hands back to callers so that
// it carries no dependency on the wire protocol package; the relay
// instantiates it with its own frame type.
package directory

import (
	"sync"

	"github.com/nodemesh/relay/internal/cryptoutil"
)

const shardCount = 16

// NodeEntry is what the directory stores for a registered node: a
// clone-cheap handle for delivering frames to it, and the endpoint it was
// last observed connecting from.
type NodeEntry[F any] struct {
	Send             func(F) bool
	ObservedEndpoint string
}

// ErrFull is returned by Register when the directory is at capacity.
type ErrFull struct{ Capacity int }

func (e ErrFull) Error() string {
	return "directory: at capacity"
}

type shard[F any] struct {
	mu      sync.RWMutex
	entries map[cryptoutil.NodeID]*NodeEntry[F]
}

// Directory is the sharded NodeId -> NodeEntry map described in the
// relay's data model. Each node lives in one of 16 shards, chosen by the
// last byte of its id, so lookups against nodes in different shards never
// contend on the same lock.
type Directory[F any] struct {
	capacity int
	shards   [shardCount]*shard[F]

	// size is tracked separately from per-shard maps so Register can
	// check capacity without summing every shard under its own lock.
	sizeMu sync.Mutex
	size   int
}

// New creates a Directory parameterized over the frame type F, capped at
// capacity live registrations. A capacity of 0 means the default of 1000.
func New[F any](capacity int) *Directory[F] {
	if capacity <= 0 {
		capacity = 1000
	}
	d := &Directory[F]{capacity: capacity}
	for i := range d.shards {
		d.shards[i] = &shard[F]{entries: make(map[cryptoutil.NodeID]*NodeEntry[F])}
	}
	return d
}

func (d *Directory[F]) shardFor(id cryptoutil.NodeID) *shard[F] {
	return d.shards[id[len(id)-1]%byte(shardCount)]
}

// Register adds id to the directory with the given sender and observed
// endpoint. Returns false (resource_exhausted per the caller's policy) if
// the directory is already at capacity and id is not already registered.
func (d *Directory[F]) Register(id cryptoutil.NodeID, send func(F) bool, observedEndpoint string) bool {
	s := d.shardFor(id)

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.entries[id]
	if !existed {
		d.sizeMu.Lock()
		if d.size >= d.capacity {
			d.sizeMu.Unlock()
			return false
		}
		d.size++
		d.sizeMu.Unlock()
	}

	s.entries[id] = &NodeEntry[F]{Send: send, ObservedEndpoint: observedEndpoint}
	return true
}

// Unregister removes id from the directory. Callers must remove id from
// every room set (Rooms.UnsubscribeAll) before calling this, so a
// concurrent lookup never observes a room membership for a node that has
// already left the directory.
func (d *Directory[F]) Unregister(id cryptoutil.NodeID) {
	s := d.shardFor(id)

	s.mu.Lock()
	_, existed := s.entries[id]
	delete(s.entries, id)
	s.mu.Unlock()

	if existed {
		d.sizeMu.Lock()
		d.size--
		d.sizeMu.Unlock()
	}
}

// GetSender returns id's current sender, or false if id is not registered.
func (d *Directory[F]) GetSender(id cryptoutil.NodeID) (func(F) bool, bool) {
	s := d.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return nil, false
	}
	return e.Send, true
}

// LookupEndpoints returns the observed endpoint(s) for id. Currently a
// node has at most one live connection, so this returns at most one
// endpoint, but is plural to leave room for multi-homing.
func (d *Directory[F]) LookupEndpoints(id cryptoutil.NodeID) []string {
	s := d.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[id]
	if !ok {
		return nil
	}
	return []string{e.ObservedEndpoint}
}

// ForEach calls fn for every registered node, one shard at a time. fn runs
// under the shard's read lock and must not call back into the directory.
func (d *Directory[F]) ForEach(fn func(id cryptoutil.NodeID, send func(F) bool)) {
	for _, s := range d.shards {
		s.mu.RLock()
		for id, e := range s.entries {
			fn(id, e.Send)
		}
		s.mu.RUnlock()
	}
}

// Len returns the number of currently registered nodes.
func (d *Directory[F]) Len() int {
	d.sizeMu.Lock()
	defer d.sizeMu.Unlock()
	return d.size
}

// Capacity returns the configured maximum registration count.
func (d *Directory[F]) Capacity() int {
	return d.capacity
}
