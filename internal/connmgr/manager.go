// internal/connmgr/manager.go
package connmgr

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"whispernet/internal/config"
	"whispernet/internal/entropy"
	"whispernet/internal/logging"
	"whispernet/internal/metrics"
	"whispernet/internal/protocol"
	"whispernet/internal/transport"
)

// Handler receives the manager's event stream. Calls are synchronous with
// respect to the triggering transport event, so per-peer FIFO ordering holds.
type Handler interface {
	HandleConnected(peer PeerInfo)
	HandleDisconnected(peerID string, reason string)
	HandleMessage(m *protocol.Message, peer PeerInfo)
	HandleError(err error, peerID string)
}

type DirectDialer func(ctx context.Context, addr string) (transport.Transport, error)

type RelayDialer func(ctx context.Context, endpoint, localID, peerID string, localPub []byte) (transport.Transport, error)

// Options configure a Manager. Dialers default to the QUIC transports and are
// replaceable for simulated topologies.
type Options struct {
	LocalID string
	Keys    *entropy.KeyPair
	Config  config.Config
	Logger  *zap.Logger
	Metrics *metrics.Metrics
	Handler Handler

	DialDirect DirectDialer
	DialRelay  RelayDialer
}

// Manager owns the peer table, the transport handles, and the encryption
// envelope. Nothing else touches a transport.
type Manager struct {
	localID string
	keys    *entropy.KeyPair
	cfg     config.Config
	log     *zap.Logger
	rl      *logging.RateLimited
	metrics *metrics.Metrics
	handler Handler

	dialDirect DirectDialer
	dialRelay  RelayDialer

	rngMu sync.Mutex
	rng   *rand.Rand

	mu    sync.Mutex
	peers map[string]*peer

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	shutOnce sync.Once
}

func NewManager(opts Options) (*Manager, error) {
	if !entropy.ValidateNodeID(opts.LocalID) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidID, opts.LocalID)
	}
	if opts.Keys == nil {
		return nil, fmt.Errorf("missing key pair")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Config.Connection.TimeoutMs <= 0 {
		opts.Config.Connection.TimeoutMs = config.Default().Connection.TimeoutMs
	}
	if opts.Config.Connection.HeartbeatIntervalMs <= 0 {
		opts.Config.Connection.HeartbeatIntervalMs = config.Default().Connection.HeartbeatIntervalMs
	}
	if opts.DialDirect == nil {
		opts.DialDirect = func(ctx context.Context, addr string) (transport.Transport, error) {
			return transport.DialDirect(ctx, addr)
		}
	}
	if opts.DialRelay == nil {
		opts.DialRelay = func(ctx context.Context, endpoint, localID, peerID string, localPub []byte) (transport.Transport, error) {
			return transport.DialRelay(ctx, endpoint, localID, peerID, localPub)
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		localID:    opts.LocalID,
		keys:       opts.Keys,
		cfg:        opts.Config,
		log:        opts.Logger,
		rl:         logging.NewRateLimited(),
		metrics:    opts.Metrics,
		handler:    opts.Handler,
		dialDirect: opts.DialDirect,
		dialRelay:  opts.DialRelay,
		rng:        rand.New(rand.NewSource(time.Now().UnixNano())),
		peers:      make(map[string]*peer),
		ctx:        ctx,
		cancel:     cancel,
	}
	return m, nil
}

// SetHandler installs the event sink. Must be called before any traffic.
func (m *Manager) SetHandler(h Handler) {
	m.handler = h
}

func (m *Manager) LocalID() string {
	return m.localID
}

func (m *Manager) PublicKey() []byte {
	return m.keys.PublicKey()
}

// Start launches the heartbeat task and, when configured, the obfuscation
// task.
func (m *Manager) Start() {
	m.wg.Add(1)
	go m.heartbeatLoop(m.ctx)
	if m.cfg.Connection.EnableObfuscation {
		m.wg.Add(1)
		go m.obfuscationLoop(m.ctx)
	}
}

// Connect establishes a channel to a peer: the direct transport first, then
// the configured relay endpoints in order. A peer already in a sending state
// is a no-op success. Malformed ids fail synchronously with ErrInvalidID; an
// exhausted attempt list reports false plus a disconnected event.
func (m *Manager) Connect(ctx context.Context, peerID string, peerPub []byte, addr string) (bool, error) {
	if !entropy.ValidateNodeID(peerID) {
		return false, fmt.Errorf("%w: %q", ErrInvalidID, peerID)
	}
	m.mu.Lock()
	if p, ok := m.peers[peerID]; ok && p.state.sending() {
		m.mu.Unlock()
		return true, nil
	}
	m.mu.Unlock()

	sealKey, err := deriveSealKey(m.keys, peerPub)
	if err != nil {
		return false, err
	}

	if addr != "" {
		dctx, cancelDial := context.WithTimeout(ctx, m.cfg.Connection.Timeout())
		tr, err := m.dialDirect(dctx, addr)
		cancelDial()
		if err == nil {
			m.adoptPeer(peerID, peerPub, sealKey, tr, StateConnected)
			return true, nil
		}
		m.log.Debug("direct dial failed",
			zap.String("peer", peerID), zap.String("addr", addr), zap.Error(err))
	}

	relays := m.cfg.Connection.RelayServers
	if max := m.cfg.Connection.MaxRetries; max > 0 && len(relays) > max {
		relays = relays[:max]
	}
	for _, endpoint := range relays {
		dctx, cancelDial := context.WithTimeout(ctx, m.cfg.Connection.Timeout())
		tr, err := m.dialRelay(dctx, endpoint, m.localID, peerID, m.keys.PublicKey())
		cancelDial()
		if err != nil {
			m.log.Debug("relay dial failed",
				zap.String("peer", peerID), zap.String("endpoint", endpoint), zap.Error(err))
			continue
		}
		m.adoptPeer(peerID, peerPub, sealKey, tr, StateRelaying)
		return true, nil
	}

	m.emitDisconnected(peerID, ErrTransportUnavailable.Error())
	return false, nil
}

// adoptPeer registers an open transport, applies the connection cap, starts
// the read loop, and announces ourselves with a Hello.
func (m *Manager) adoptPeer(peerID string, peerPub, sealKey []byte, tr transport.Transport, st State) {
	readCtx, cancelRead := context.WithCancel(m.ctx)
	p := &peer{
		id:        peerID,
		state:     st,
		publicKey: peerPub,
		sealKey:   sealKey,
		tr:        tr,
		cancel:    cancelRead,
		lastSeen:  time.Now(),
		quality:   Quality{Bandwidth: 1.0, Reliability: 1.0},
		kinds:     make(map[protocol.Kind]struct{}),
	}

	m.mu.Lock()
	if old, ok := m.peers[peerID]; ok {
		old.cancel()
		_ = old.tr.Close()
	}
	evicted := m.evictForRoomLocked()
	m.peers[peerID] = p
	m.mu.Unlock()

	for _, ev := range evicted {
		ev.cancel()
		_ = ev.tr.Close()
		m.emitDisconnected(ev.id, "evicted")
	}

	m.wg.Add(1)
	go m.readLoop(readCtx, p)

	if err := m.sendHello(p); err != nil {
		m.log.Debug("hello send failed", zap.String("peer", peerID), zap.Error(err))
	}
	if m.handler != nil {
		m.handler.HandleConnected(p.info())
	}
}

// evictForRoomLocked makes room for one more peer by dropping the ones with
// the oldest last_seen. Caller holds the lock.
func (m *Manager) evictForRoomLocked() []*peer {
	cap := m.cfg.MaxConnections
	if cap <= 0 {
		return nil
	}
	var evicted []*peer
	for len(m.peers) >= cap {
		var oldest *peer
		for _, p := range m.peers {
			if oldest == nil || p.lastSeen.Before(oldest.lastSeen) {
				oldest = p
			}
		}
		if oldest == nil {
			break
		}
		delete(m.peers, oldest.id)
		evicted = append(evicted, oldest)
	}
	return evicted
}

func (m *Manager) sendHello(p *peer) error {
	kinds := []protocol.Kind{
		protocol.KindWhisper, protocol.KindBroadcast, protocol.KindResonance,
		protocol.KindPing, protocol.KindPong, protocol.KindHello,
		protocol.KindGoodbye, protocol.KindError, protocol.KindFileSync,
		protocol.KindMiningSignal, protocol.KindDreamspace,
	}
	pubJSON, err := json.Marshal(protocol.ByteArray(m.keys.PublicKey()))
	if err != nil {
		return err
	}
	kindsJSON, err := json.Marshal(kinds)
	if err != nil {
		return err
	}
	hello, err := protocol.Construct(protocol.KindHello, m.localID, "", protocol.Options{
		Extra: map[string]json.RawMessage{
			"public_key":      pubJSON,
			"supported_kinds": kindsJSON,
		},
	})
	if err != nil {
		return err
	}
	// Hello travels unsealed: the receiver cannot agree on a key before it
	// has our public key.
	return m.writeRecord(p, hello)
}

func (m *Manager) writeRecord(p *peer, rec *protocol.Message) error {
	data, err := protocol.Encode(rec)
	if err != nil {
		return err
	}
	sctx, cancel := context.WithTimeout(m.ctx, m.cfg.Connection.Timeout())
	defer cancel()
	return p.tr.Send(sctx, data)
}

// sendRecord seals the payload for the peer and writes the record. It does
// not transition state on failure; callers decide.
func (m *Manager) sendRecord(ctx context.Context, p *peer, rec *protocol.Message) error {
	out := *rec
	sealed, err := sealPayload(p.sealKey, rec.Payload)
	if err != nil {
		return err
	}
	out.Payload = sealed
	data, err := protocol.Encode(&out)
	if err != nil {
		return err
	}
	if err := p.tr.Send(ctx, data); err != nil {
		return err
	}
	return nil
}

// Send delivers one record to one peer, sealing the payload on the way out.
// A transport failure is terminal for the peer.
func (m *Manager) Send(ctx context.Context, peerID string, rec *protocol.Message) error {
	m.mu.Lock()
	p, ok := m.peers[peerID]
	if !ok {
		m.mu.Unlock()
		return ErrUnknownPeer
	}
	if !p.state.sending() {
		m.mu.Unlock()
		return ErrNotConnected
	}
	m.mu.Unlock()

	if err := m.sendRecord(ctx, p, rec); err != nil {
		m.mu.Lock()
		p.markFailure()
		m.mu.Unlock()
		m.dropPeer(peerID, fmt.Sprintf("transport error: %v", err))
		return err
	}
	m.mu.Lock()
	p.markSuccess()
	m.mu.Unlock()
	m.metrics.IncSent()
	return nil
}

// BroadcastToPeers sends the record to every peer in a sending state and
// reports how many transports accepted it.
func (m *Manager) BroadcastToPeers(ctx context.Context, rec *protocol.Message) int {
	count := 0
	for _, id := range m.sendablePeerIDs() {
		if err := m.Send(ctx, id, rec); err == nil {
			count++
		}
	}
	return count
}

func (m *Manager) sendablePeerIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.peers))
	for id, p := range m.peers {
		if p.state.sending() {
			ids = append(ids, id)
		}
	}
	return ids
}

// SendableCount reports how many peers are currently in a sending state.
func (m *Manager) SendableCount() int {
	return len(m.sendablePeerIDs())
}

// RandomSendablePeers picks up to n distinct sendable peers uniformly.
func (m *Manager) RandomSendablePeers(n int) []string {
	ids := m.sendablePeerIDs()
	m.rngMu.Lock()
	m.rng.Shuffle(len(ids), func(i, j int) { ids[i], ids[j] = ids[j], ids[i] })
	m.rngMu.Unlock()
	if len(ids) > n {
		ids = ids[:n]
	}
	return ids
}

// Peers snapshots the table for the status surface.
func (m *Manager) Peers() []PeerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]PeerInfo, 0, len(m.peers))
	for _, p := range m.peers {
		out = append(out, p.info())
	}
	return out
}

// Disconnect closes a peer's channel gracefully: best-effort Goodbye, then
// teardown and a disconnected event.
func (m *Manager) Disconnect(peerID string) {
	m.mu.Lock()
	p, ok := m.peers[peerID]
	m.mu.Unlock()
	if !ok {
		return
	}
	if bye, err := protocol.Construct(protocol.KindGoodbye, m.localID, "", protocol.Options{}); err == nil {
		_ = m.sendRecord(m.ctx, p, bye)
	}
	m.dropPeer(peerID, "closed")
}

// dropPeer removes the record, releases the transport, and emits the
// disconnected event. Error is terminal: the record never comes back.
func (m *Manager) dropPeer(peerID, reason string) {
	m.mu.Lock()
	p, ok := m.peers[peerID]
	if ok {
		delete(m.peers, peerID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	p.state = StateError
	p.cancel()
	_ = p.tr.Close()
	m.emitDisconnected(peerID, reason)
}

func (m *Manager) emitDisconnected(peerID, reason string) {
	if m.handler != nil {
		m.handler.HandleDisconnected(peerID, reason)
	}
}

// Shutdown cancels the periodic tasks, closes every transport, and clears the
// table. Safe to call more than once.
func (m *Manager) Shutdown() {
	m.shutOnce.Do(func() {
		m.cancel()
		m.mu.Lock()
		peers := make([]*peer, 0, len(m.peers))
		for _, p := range m.peers {
			peers = append(peers, p)
		}
		m.peers = make(map[string]*peer)
		m.mu.Unlock()
		for _, p := range peers {
			p.cancel()
			_ = p.tr.Close()
		}
		m.wg.Wait()
	})
}
