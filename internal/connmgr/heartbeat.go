package connmgr

import (
	"context"
	"encoding/hex"
	"time"

	"go.uber.org/zap"

	"whispernet/internal/protocol"
)

const heartbeatTTL = 10_000 // ms

func (m *Manager) heartbeatLoop(ctx context.Context) {
	defer m.wg.Done()
	interval := m.cfg.Connection.HeartbeatInterval()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.heartbeatTick(ctx, interval)
		}
	}
}

func (m *Manager) heartbeatTick(ctx context.Context, interval time.Duration) {
	now := time.Now()

	type target struct {
		id   string
		p    *peer
		dead bool
	}
	m.mu.Lock()
	targets := make([]target, 0, len(m.peers))
	for id, p := range m.peers {
		if p.state != StateConnected {
			continue
		}
		// No traffic between two ticks, despite a ping in flight, means
		// the peer is gone.
		dead := !p.lastPingSent.IsZero() &&
			p.lastSeen.Before(p.lastPingSent) &&
			now.Sub(p.lastPingSent) >= interval
		targets = append(targets, target{id: id, p: p, dead: dead})
	}
	m.mu.Unlock()

	for _, t := range targets {
		if t.dead {
			m.dropPeer(t.id, "Heartbeat timeout")
			continue
		}
		ping, err := protocol.Construct(protocol.KindPing, m.localID, "", protocol.Options{
			TTL: heartbeatTTL,
		})
		if err != nil {
			m.log.Error("ping construct failed", zap.Error(err))
			continue
		}
		if err := m.sendRecord(ctx, t.p, ping); err != nil {
			m.dropPeer(t.id, "Heartbeat failed")
			continue
		}
		m.mu.Lock()
		t.p.lastPingSent = now
		m.mu.Unlock()
	}
}

// obfuscationLoop emits cover traffic: padded pings to random peers at
// jittered intervals. They are ordinary Ping records, but their random padding
// makes them longer than a heartbeat's empty payload.
func (m *Manager) obfuscationLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		m.rngMu.Lock()
		wait := 5*time.Second + time.Duration(m.rng.Int63n(int64(10*time.Second)))
		m.rngMu.Unlock()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			m.obfuscationTick(ctx)
		}
	}
}

func (m *Manager) obfuscationTick(ctx context.Context) {
	ids := m.RandomSendablePeers(1)
	if len(ids) == 0 {
		return
	}
	m.mu.Lock()
	p, ok := m.peers[ids[0]]
	m.mu.Unlock()
	if !ok {
		return
	}

	m.rngMu.Lock()
	padLen := 16 + m.rng.Intn(48)
	pad := make([]byte, padLen)
	m.rng.Read(pad)
	m.rngMu.Unlock()

	ping, err := protocol.Construct(protocol.KindPing, m.localID, hex.EncodeToString(pad), protocol.Options{
		TTL: heartbeatTTL,
	})
	if err != nil {
		return
	}
	if err := m.sendRecord(ctx, p, ping); err != nil {
		m.log.Debug("obfuscation send failed", zap.String("peer", p.id), zap.Error(err))
	}
}
