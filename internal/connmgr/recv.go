// internal/connmgr/recv.go
package connmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"whispernet/internal/entropy"
	"whispernet/internal/protocol"
	"whispernet/internal/transport"
)

// Serve accepts inbound direct channels until ctx is cancelled.
func (m *Manager) Serve(ctx context.Context, ln *transport.Listener) error {
	for {
		ch, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		m.ServeConn(ch)
	}
}

// ServeConn adopts one inbound transport. The dialer introduces itself with
// an unsealed Hello carrying its public key; anything else closes the
// channel.
func (m *Manager) ServeConn(tr transport.Transport) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.handleInbound(tr)
	}()
}

func (m *Manager) handleInbound(tr transport.Transport) {
	hctx, cancel := context.WithTimeout(m.ctx, m.cfg.Connection.Timeout())
	data, err := tr.Next(hctx)
	cancel()
	if err != nil {
		_ = tr.Close()
		return
	}
	rec, err := protocol.Decode(data)
	if err != nil || rec.Kind != protocol.KindHello {
		m.log.Debug("inbound rejected: expected hello", zap.Error(err))
		_ = tr.Close()
		return
	}
	if !entropy.ValidateNodeID(rec.Sender) {
		m.log.Debug("inbound rejected: bad sender id", zap.String("sender", rec.Sender))
		_ = tr.Close()
		return
	}
	peerPub, kinds, err := parseHello(rec)
	if err != nil {
		m.log.Debug("inbound rejected: bad hello", zap.Error(err))
		_ = tr.Close()
		return
	}
	sealKey, err := deriveSealKey(m.keys, peerPub)
	if err != nil {
		m.log.Debug("inbound rejected: key agreement", zap.Error(err))
		_ = tr.Close()
		return
	}

	readCtx, cancelRead := context.WithCancel(m.ctx)
	p := &peer{
		id:        rec.Sender,
		state:     StateConnected,
		publicKey: peerPub,
		sealKey:   sealKey,
		tr:        tr,
		cancel:    cancelRead,
		lastSeen:  time.Now(),
		quality:   Quality{Bandwidth: 1.0, Reliability: 1.0},
		kinds:     kinds,
	}

	m.mu.Lock()
	if old, ok := m.peers[p.id]; ok {
		old.cancel()
		_ = old.tr.Close()
	}
	evicted := m.evictForRoomLocked()
	m.peers[p.id] = p
	m.mu.Unlock()

	for _, ev := range evicted {
		ev.cancel()
		_ = ev.tr.Close()
		m.emitDisconnected(ev.id, "evicted")
	}

	if err := m.sendHello(p); err != nil {
		m.log.Debug("hello reply failed", zap.String("peer", p.id), zap.Error(err))
	}
	if m.handler != nil {
		m.handler.HandleConnected(p.info())
	}

	m.wg.Add(1)
	go m.readLoop(readCtx, p)
}

func parseHello(rec *protocol.Message) ([]byte, map[protocol.Kind]struct{}, error) {
	raw, ok := rec.Extra["public_key"]
	if !ok {
		return nil, nil, fmt.Errorf("hello missing public_key")
	}
	var pub protocol.ByteArray
	if err := json.Unmarshal(raw, &pub); err != nil {
		return nil, nil, fmt.Errorf("hello public_key: %w", err)
	}
	kinds := make(map[protocol.Kind]struct{})
	if raw, ok := rec.Extra["supported_kinds"]; ok {
		var list []protocol.Kind
		if err := json.Unmarshal(raw, &list); err == nil {
			for _, k := range list {
				kinds[k] = struct{}{}
			}
		}
	}
	return pub, kinds, nil
}

// readLoop is the one task per peer: it pulls frames off the transport and
// runs them through the handlers in arrival order.
func (m *Manager) readLoop(ctx context.Context, p *peer) {
	defer m.wg.Done()
	for {
		data, err := p.tr.Next(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, transport.ErrClosed) {
				m.dropPeer(p.id, "closed")
				return
			}
			m.dropPeer(p.id, fmt.Sprintf("transport error: %v", err))
			return
		}
		m.handleFrame(p, data)
	}
}

func (m *Manager) handleFrame(p *peer, data []byte) {
	rec, err := protocol.Decode(data)
	if err != nil {
		m.metrics.IncValidateFailed()
		if m.rl.Allow("decode:"+p.id, 5*time.Second) {
			kind, _ := protocol.SniffType(data)
			m.log.Debug("drop frame: decode",
				zap.String("peer", p.id), zap.String("kind", kind), zap.Error(err))
		}
		return
	}

	now := time.Now()
	m.mu.Lock()
	p.lastSeen = now
	m.mu.Unlock()

	switch rec.Kind {
	case protocol.KindPing:
		// Answer before anything later from this peer is processed.
		m.answerPing(p, rec)
	case protocol.KindPong:
		m.handlePong(p, rec)
	case protocol.KindHello:
		// The key a peer was introduced with stays bound for the session; a
		// later Hello only supplies a key when none is known yet.
		if pub, kinds, err := parseHello(rec); err == nil {
			m.mu.Lock()
			if len(p.publicKey) == 0 {
				if sealKey, err := deriveSealKey(m.keys, pub); err == nil {
					p.publicKey = pub
					p.sealKey = sealKey
				}
			}
			if len(kinds) > 0 {
				p.kinds = kinds
			}
			m.mu.Unlock()
		}
	case protocol.KindGoodbye:
		if m.handler != nil {
			m.handler.HandleMessage(rec, p.info())
		}
		m.dropPeer(p.id, "goodbye")
		return
	default:
		plain, err := openPayload(p.sealKey, rec.Payload)
		if err != nil {
			m.metrics.IncDecryptFailed()
			if m.rl.Allow("open:"+p.id, 5*time.Second) {
				m.log.Debug("drop frame: open", zap.String("peer", p.id), zap.Error(err))
			}
			if m.handler != nil {
				m.handler.HandleError(fmt.Errorf("%w (peer %s)", ErrDecryptionFailed, p.id), p.id)
			}
			return
		}
		rec.Payload = plain
	}

	if m.handler != nil {
		m.handler.HandleMessage(rec, p.info())
	}
}

func (m *Manager) answerPing(p *peer, ping *protocol.Message) {
	echo := fmt.Sprintf(`{"echo_timestamp":%d}`, ping.Timestamp)
	pong, err := protocol.Construct(protocol.KindPong, m.localID, echo, protocol.Options{
		TTL: heartbeatTTL,
	})
	if err != nil {
		return
	}
	if err := m.sendRecord(m.ctx, p, pong); err != nil {
		m.log.Debug("pong send failed", zap.String("peer", p.id), zap.Error(err))
	}
}

func (m *Manager) handlePong(p *peer, pong *protocol.Message) {
	plain, err := openPayload(p.sealKey, pong.Payload)
	if err != nil {
		m.metrics.IncDecryptFailed()
		return
	}
	var body struct {
		EchoTimestamp int64 `json:"echo_timestamp"`
	}
	if err := json.Unmarshal([]byte(plain), &body); err != nil || body.EchoTimestamp <= 0 {
		return
	}
	latency := time.Duration(time.Now().UnixMilli()-body.EchoTimestamp) * time.Millisecond
	if latency < 0 {
		return
	}
	m.mu.Lock()
	p.latency = latency
	p.lastPing = time.Now()
	p.quality.LatencyMs = float64(latency.Milliseconds())
	m.mu.Unlock()
	m.metrics.ObserveLatency(latency)
}

// PeerLatency reports the last measured round trip for a peer.
func (m *Manager) PeerLatency(peerID string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.peers[peerID]
	if !ok {
		return 0, false
	}
	return p.latency, true
}
