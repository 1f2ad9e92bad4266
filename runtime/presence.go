package runtime

import (
	"sync"

	"dm-relay/contract"
)

// Presence is the per-instance mapping from identity to live connection.
// Entirely in memory: loss on restart is expected, clients fall back to
// history retrieval.
type Presence struct {
	mu       sync.RWMutex
	sessions map[string]contract.ConnectionSink
}

func NewPresence() *Presence {
	return &Presence{sessions: make(map[string]contract.ConnectionSink)}
}

// Register inserts or overwrites the mapping for an identity.
// Last registration wins; the previous connection, if any, simply stops
// being addressable through this instance.
func (p *Presence) Register(identity string, sink contract.ConnectionSink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sessions[identity] = sink
}

func (p *Presence) Lookup(identity string) (contract.ConnectionSink, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	sink, ok := p.sessions[identity]
	return sink, ok
}

// Unregister removes the mapping only when it still points at the given
// sink. A disconnect arriving for a stale connection must not evict a
// fresher registration of the same identity.
func (p *Presence) Unregister(identity string, sink contract.ConnectionSink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	current, ok := p.sessions[identity]
	if !ok || current.ID() != sink.ID() {
		return
	}
	delete(p.sessions, identity)
}

// Size reports the number of locally connected identities.
func (p *Presence) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.sessions)
}
