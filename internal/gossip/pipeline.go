// internal/gossip/pipeline.go
package gossip

import (
	"context"
	"time"

	"go.uber.org/zap"

	"whispernet/internal/connmgr"
	"whispernet/internal/protocol"
)

// HandleConnected implements connmgr.Handler.
func (o *Orchestrator) HandleConnected(peer connmgr.PeerInfo) {
	o.log.Info("peer connected",
		zap.String("peer", peer.ID),
		zap.String("variant", string(peer.Variant)))
}

// HandleDisconnected implements connmgr.Handler.
func (o *Orchestrator) HandleDisconnected(peerID, reason string) {
	o.log.Info("peer disconnected",
		zap.String("peer", peerID),
		zap.String("reason", reason))
}

// HandleError implements connmgr.Handler.
func (o *Orchestrator) HandleError(err error, peerID string) {
	o.log.Debug("peer error", zap.String("peer", peerID), zap.Error(err))
}

// HandleMessage implements connmgr.Handler: the incoming pipeline. Steps, in
// order: TTL/structure gate, dedup, kind dispatch, observer event.
func (o *Orchestrator) HandleMessage(m *protocol.Message, peer connmgr.PeerInfo) {
	if protocol.IsExpired(m) {
		o.metrics.IncExpired()
		o.log.Debug("drop: expired",
			zap.String("sender", m.Sender), zap.String("kind", string(m.Kind)))
		return
	}
	res := protocol.Validate(m)
	if !res.Valid {
		o.metrics.IncValidateFailed()
		o.log.Debug("drop: invalid",
			zap.String("sender", m.Sender), zap.Strings("errors", res.Errors))
		return
	}
	for _, w := range res.Warnings {
		o.log.Debug("validation warning", zap.String("sender", m.Sender), zap.String("warning", w))
	}

	if o.dedup.Insert(m.Sender, m.Nonce, o.cfg.Gossip.MessageTTL()) {
		o.metrics.IncDuplicate()
		return
	}
	o.metrics.IncReceived()

	switch m.Kind {
	case protocol.KindBroadcast:
		// Hop and loop bookkeeping only; applications observe broadcasts
		// through the message event, not the extension registry.
		o.handleBroadcast(m)
	case protocol.KindResonance:
		if o.matcher(m.Intent, m.Strength) {
			o.dispatchExtensions(m, peer)
		} else {
			o.log.Debug("resonance below threshold",
				zap.String("intent", m.Intent), zap.Float64("strength", m.Strength))
		}
	case protocol.KindPing, protocol.KindPong:
		// The manager already echoed the Pong / recorded the latency.
	default:
		o.dispatchExtensions(m, peer)
	}

	o.mu.Lock()
	observers := make([]Observer, len(o.observers))
	copy(observers, o.observers)
	o.mu.Unlock()
	for _, fn := range observers {
		fn(m, peer)
	}
}

// handleBroadcast applies the loop and hop guards, then queues the record for
// the next propagation tick.
func (o *Orchestrator) handleBroadcast(m *protocol.Message) {
	localID := o.mgr.LocalID()
	if protocol.SeenByContains(m, localID) {
		return
	}
	if m.CurrentHops >= m.MaxHops {
		return
	}
	protocol.MarkSeen(m, localID)
	if !o.cfg.Gossip.EnableAutoPropagation {
		return
	}
	o.enqueue(m)
}

func (o *Orchestrator) dispatchExtensions(m *protocol.Message, peer connmgr.PeerInfo) {
	o.mu.Lock()
	exts := o.exts.list()
	o.mu.Unlock()
	for _, ext := range exts {
		if supportsKind(ext, m.Kind) {
			dispatchTo(o.log, ext, m, peer)
		}
	}
}

// gossipLoop is the propagation task: each tick drains a bounded batch and
// fans every record out to a few random peers.
func (o *Orchestrator) gossipLoop(ctx context.Context) {
	defer o.wg.Done()
	interval := o.cfg.Gossip.Interval()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.gossipTick(ctx)
		}
	}
}

func (o *Orchestrator) gossipTick(ctx context.Context) {
	batch := o.queue.Drain(o.cfg.Gossip.MaxConcurrentGossip)
	for _, rec := range batch {
		if protocol.IsExpired(rec) {
			o.metrics.IncTTLDropped()
			continue
		}
		for _, peerID := range o.mgr.RandomSendablePeers(gossipFanout) {
			if err := o.mgr.Send(ctx, peerID, rec); err != nil {
				o.log.Debug("gossip forward failed",
					zap.String("peer", peerID), zap.Error(err))
				continue
			}
			o.metrics.IncPropagated()
		}
	}
}
