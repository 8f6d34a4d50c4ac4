package connmgr

import (
	"context"
	"time"

	"whispernet/internal/protocol"
	"whispernet/internal/transport"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateRelaying     State = "relaying"
	StateError        State = "error"
)

// sending states are the only ones in which records may flow.
func (s State) sending() bool {
	return s == StateConnected || s == StateRelaying
}

// Quality is the coarse link estimate kept per peer. Bandwidth is relative;
// nothing measures it yet, so it stays at its optimistic initial value.
type Quality struct {
	LatencyMs   float64 `json:"latency_ms"`
	Bandwidth   float64 `json:"relative_bandwidth"`
	Reliability float64 `json:"reliability"`
}

// peer is the mutable per-peer record. All fields are guarded by the
// manager's lock; the transport handle is owned exclusively by the manager.
type peer struct {
	id        string
	state     State
	publicKey []byte
	sealKey   []byte

	tr     transport.Transport
	cancel context.CancelFunc

	lastSeen     time.Time
	lastPing     time.Time
	lastPingSent time.Time
	latency      time.Duration
	quality      Quality
	kinds        map[protocol.Kind]struct{}
}

func (p *peer) variant() transport.Variant {
	if p.tr == nil {
		return ""
	}
	return p.tr.Variant()
}

func (p *peer) markSuccess() {
	p.quality.Reliability = 0.9*p.quality.Reliability + 0.1
}

func (p *peer) markFailure() {
	p.quality.Reliability = 0.9 * p.quality.Reliability
}

// PeerInfo is the read-only view handed to handlers and extensions.
type PeerInfo struct {
	ID        string            `json:"id"`
	State     State             `json:"state"`
	Variant   transport.Variant `json:"variant"`
	LastSeen  time.Time         `json:"last_seen"`
	LastPing  time.Time         `json:"last_ping"`
	LatencyMs int64             `json:"latency_ms"`
	Quality   Quality           `json:"quality"`
	Kinds     []protocol.Kind   `json:"supported_kinds"`
}

func (p *peer) info() PeerInfo {
	kinds := make([]protocol.Kind, 0, len(p.kinds))
	for k := range p.kinds {
		kinds = append(kinds, k)
	}
	return PeerInfo{
		ID:        p.id,
		State:     p.state,
		Variant:   p.variant(),
		LastSeen:  p.lastSeen,
		LastPing:  p.lastPing,
		LatencyMs: p.latency.Milliseconds(),
		Quality:   p.quality,
		Kinds:     kinds,
	}
}
