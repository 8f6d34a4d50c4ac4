// internal/gossip/orchestrator.go
package gossip

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"whispernet/internal/config"
	"whispernet/internal/connmgr"
	"whispernet/internal/metrics"
	"whispernet/internal/protocol"
)

const gossipFanout = 3

// MatchFunc decides whether a resonance advertisement is interesting enough
// to reach the extensions. The default ignores the intent and gates on
// strength alone; richer matchers replace it wholesale.
type MatchFunc func(intent string, strength float64) bool

func DefaultMatcher(_ string, strength float64) bool {
	return strength > 0.5
}

// Observer sees every record that survives the pipeline.
type Observer func(m *protocol.Message, peer connmgr.PeerInfo)

// Orchestrator owns the dedup table, the gossip queue, and the extension
// registry, and drives propagation on top of the connection manager.
type Orchestrator struct {
	cfg     config.Config
	log     *zap.Logger
	metrics *metrics.Metrics
	mgr     *connmgr.Manager
	matcher MatchFunc

	startedAt time.Time

	mu        sync.Mutex
	exts      *registry
	observers []Observer

	dedup *dedupTable
	queue *gossipQueue

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutOnce sync.Once
}

type Option func(*Orchestrator)

// WithMatcher swaps the resonance policy.
func WithMatcher(f MatchFunc) Option {
	return func(o *Orchestrator) { o.matcher = f }
}

func NewOrchestrator(cfg config.Config, mgr *connmgr.Manager, log *zap.Logger, m *metrics.Metrics, opts ...Option) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:       cfg,
		log:       log,
		metrics:   m,
		mgr:       mgr,
		matcher:   DefaultMatcher,
		startedAt: time.Now(),
		exts:      newRegistry(),
		dedup:     newDedupTable(),
		queue:     newGossipQueue(),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	mgr.SetHandler(o)
	return o
}

// Start launches the propagation tick and the manager's periodic tasks.
func (o *Orchestrator) Start() {
	o.startedAt = time.Now()
	o.mgr.Start()
	o.wg.Add(1)
	go o.gossipLoop(o.ctx)
}

// Shutdown stops propagation, runs extension cleanup, and tears down the
// manager. Cleanup failures are logged, never propagated.
func (o *Orchestrator) Shutdown() {
	o.shutOnce.Do(func() {
		o.cancel()
		o.wg.Wait()
		o.mu.Lock()
		exts := o.exts.list()
		o.mu.Unlock()
		for _, ext := range exts {
			if err := ext.Cleanup(); err != nil {
				o.log.Warn("extension cleanup failed",
					zap.String("extension", ext.ID()), zap.Error(err))
			}
		}
		o.mgr.Shutdown()
	})
}

// OnMessage registers an observer for records that clear the pipeline.
func (o *Orchestrator) OnMessage(fn Observer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.observers = append(o.observers, fn)
}

// Whisper sends an encrypted point-to-point record.
func (o *Orchestrator) Whisper(ctx context.Context, peerID, content, intent string) bool {
	rec, err := protocol.Construct(protocol.KindWhisper, o.mgr.LocalID(), content, protocol.Options{
		Intent:   intent,
		TargetID: peerID,
	})
	if err != nil {
		o.log.Error("whisper construct failed", zap.Error(err))
		return false
	}
	if err := o.mgr.Send(ctx, peerID, rec); err != nil {
		o.log.Debug("whisper send failed", zap.String("peer", peerID), zap.Error(err))
		return false
	}
	return true
}

// Broadcast pushes an epidemic record to every currently connected peer and,
// when auto-propagation is on, also enqueues it for the gossip tick. Returns
// how many transports accepted it.
func (o *Orchestrator) Broadcast(ctx context.Context, content, intent string, maxHops int) int {
	if maxHops <= 0 {
		maxHops = o.cfg.Gossip.MaxHops
	}
	rec, err := protocol.Construct(protocol.KindBroadcast, o.mgr.LocalID(), content, protocol.Options{
		Intent:  intent,
		MaxHops: maxHops,
		TTL:     o.cfg.Gossip.MessageTTLMs,
	})
	if err != nil {
		o.log.Error("broadcast construct failed", zap.Error(err))
		return 0
	}
	// Pre-seed the dedup table so copies gossiped back to us are dropped
	// without re-dispatching our own record.
	o.dedup.Insert(rec.Sender, rec.Nonce, o.cfg.Gossip.MessageTTL())
	if o.cfg.Gossip.EnableAutoPropagation {
		o.enqueue(rec)
	}
	return o.mgr.BroadcastToPeers(ctx, rec)
}

// Resonate advertises an intent to every connected peer.
func (o *Orchestrator) Resonate(ctx context.Context, intent string, strength float64) int {
	rec, err := protocol.Construct(protocol.KindResonance, o.mgr.LocalID(), "", protocol.Options{
		Intent:   intent,
		Strength: strength,
	})
	if err != nil {
		o.log.Error("resonance construct failed", zap.Error(err))
		return 0
	}
	return o.mgr.BroadcastToPeers(ctx, rec)
}

// RegisterExtension adds a handler set and initializes it immediately.
// Re-registering an id is a caller error.
func (o *Orchestrator) RegisterExtension(ext Extension) error {
	o.mu.Lock()
	if err := o.exts.add(ext); err != nil {
		o.mu.Unlock()
		return err
	}
	o.mu.Unlock()
	if err := ext.Initialize(o); err != nil {
		o.mu.Lock()
		o.exts.remove(ext.ID())
		o.mu.Unlock()
		return err
	}
	return nil
}

// UnregisterExtension removes a handler set and runs its cleanup.
func (o *Orchestrator) UnregisterExtension(id string) {
	o.mu.Lock()
	ext, ok := o.exts.remove(id)
	o.mu.Unlock()
	if !ok {
		return
	}
	if err := ext.Cleanup(); err != nil {
		o.log.Warn("extension cleanup failed", zap.String("extension", id), zap.Error(err))
	}
}

// Stats is the public snapshot surface.
type Stats struct {
	ConnectedPeers   int     `json:"connected_peers"`
	MessagesSent     uint64  `json:"messages_sent"`
	MessagesReceived uint64  `json:"messages_received"`
	AverageLatencyMs int64   `json:"average_latency_ms"`
	UptimeMs         int64   `json:"uptime_ms"`
	ActiveExtensions int     `json:"active_extensions"`
	GossipEfficiency float64 `json:"gossip_efficiency"`
}

func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	active := o.exts.len()
	o.mu.Unlock()
	return Stats{
		ConnectedPeers:   o.mgr.SendableCount(),
		MessagesSent:     o.metrics.Sent(),
		MessagesReceived: o.metrics.Received(),
		AverageLatencyMs: o.metrics.AverageLatency().Milliseconds(),
		UptimeMs:         time.Since(o.startedAt).Milliseconds(),
		ActiveExtensions: active,
		GossipEfficiency: o.metrics.GossipEfficiency(),
	}
}

func (o *Orchestrator) enqueue(rec *protocol.Message) {
	dropped := o.queue.Push(rec)
	o.metrics.IncEnqueued()
	for i := 0; i < dropped; i++ {
		o.metrics.IncQueueDropped()
	}
	if dropped > 0 {
		o.log.Debug("gossip queue overflow", zap.Int("dropped", dropped))
	}
}
