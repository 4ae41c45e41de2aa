package directory

import (
	"sync"

	"github.com/nodemesh/relay/internal/cryptoutil"
)

type roomShard struct {
	mu     sync.RWMutex
	topics map[string]map[cryptoutil.NodeID]struct{}
}

// Rooms is the Topic -> SetOf<NodeId> room index. It is a distinct
// structure from Directory's node map, but a node must never be visible in
// a room set after it has left the directory, so UnsubscribeAll is always
// called before Directory.Unregister on disconnect.
type Rooms struct {
	shards [shardCount]*roomShard
}

// NewRooms creates an empty room index.
func NewRooms() *Rooms {
	r := &Rooms{}
	for i := range r.shards {
		r.shards[i] = &roomShard{topics: make(map[string]map[cryptoutil.NodeID]struct{})}
	}
	return r
}

func (r *Rooms) shardFor(topic string) *roomShard {
	h := fnv32(topic)
	return r.shards[h%shardCount]
}

// Subscribe adds node to topic's subscriber set. Idempotent: subscribing
// twice has no additional effect.
func (r *Rooms) Subscribe(topic string, node cryptoutil.NodeID) {
	s := r.shardFor(topic)
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.topics[topic]
	if !ok {
		set = make(map[cryptoutil.NodeID]struct{})
		s.topics[topic] = set
	}
	set[node] = struct{}{}
}

// Unsubscribe removes node from topic's subscriber set, dropping the topic
// entirely once its set is empty.
func (r *Rooms) Unsubscribe(topic string, node cryptoutil.NodeID) {
	s := r.shardFor(topic)
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.topics[topic]
	if !ok {
		return
	}
	delete(set, node)
	if len(set) == 0 {
		delete(s.topics, topic)
	}
}

// UnsubscribeAll removes node from every topic it belongs to. membership
// is the caller's record of which topics node had subscribed to — the
// relay tracks this per-stream so it doesn't need to scan every shard on
// disconnect.
func (r *Rooms) UnsubscribeAll(node cryptoutil.NodeID, membership []string) {
	for _, topic := range membership {
		r.Unsubscribe(topic, node)
	}
}

// GetRoomSubscribers returns a snapshot of NodeIds subscribed to topic,
// excluding excludeSelf if non-zero. The snapshot is a plain slice, so a
// concurrent Unsubscribe does not invalidate a caller mid-fan-out.
func (r *Rooms) GetRoomSubscribers(topic string, excludeSelf cryptoutil.NodeID) []cryptoutil.NodeID {
	s := r.shardFor(topic)
	s.mu.RLock()
	defer s.mu.RUnlock()

	set, ok := s.topics[topic]
	if !ok {
		return nil
	}

	out := make([]cryptoutil.NodeID, 0, len(set))
	for id := range set {
		if id == excludeSelf {
			continue
		}
		out = append(out, id)
	}
	return out
}

// fnv32 is a small non-cryptographic hash used only to pick a shard.
func fnv32(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	h := uint32(offset32)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
