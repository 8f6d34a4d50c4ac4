package gossip

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"whispernet/internal/config"
	"whispernet/internal/connmgr"
	"whispernet/internal/entropy"
	"whispernet/internal/metrics"
	"whispernet/internal/protocol"
	"whispernet/internal/transport"
)

// testNode is one simulated overlay participant: a manager with an in-process
// dial table plus its orchestrator.
type testNode struct {
	id      string
	keys    *entropy.KeyPair
	mgr     *connmgr.Manager
	orch    *Orchestrator
	metrics *metrics.Metrics

	mu    sync.Mutex
	dials map[string]transport.Transport
}

func newTestNode(t *testing.T, cfg config.Config, opts ...Option) *testNode {
	t.Helper()
	id, err := entropy.GenerateNodeID()
	if err != nil {
		t.Fatalf("node id: %v", err)
	}
	keys, err := entropy.GenerateKeyPair()
	if err != nil {
		t.Fatalf("keys: %v", err)
	}
	n := &testNode{
		id:      id,
		keys:    keys,
		metrics: metrics.New(),
		dials:   make(map[string]transport.Transport),
	}
	mgr, err := connmgr.NewManager(connmgr.Options{
		LocalID: id,
		Keys:    keys,
		Config:  cfg,
		Metrics: n.metrics,
		DialDirect: func(ctx context.Context, addr string) (transport.Transport, error) {
			n.mu.Lock()
			tr, ok := n.dials[addr]
			n.mu.Unlock()
			if !ok {
				return nil, fmt.Errorf("no route to %s", addr)
			}
			return tr, nil
		},
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	n.mgr = mgr
	n.orch = NewOrchestrator(cfg, mgr, nil, n.metrics, opts...)
	t.Cleanup(n.orch.Shutdown)
	return n
}

// link wires a bidirectional channel between two nodes: a dials, b accepts.
func link(t *testing.T, a, b *testNode) {
	t.Helper()
	at, bt := transport.NewMemoryPair()
	addr := "mem:" + b.id
	a.mu.Lock()
	a.dials[addr] = at
	a.mu.Unlock()
	b.mgr.ServeConn(bt)
	ok, err := a.mgr.Connect(context.Background(), b.id, b.keys.PublicKey(), addr)
	if err != nil || !ok {
		t.Fatalf("link %s -> %s: ok=%v err=%v", a.id, b.id, ok, err)
	}
}

func defaultTestConfig() config.Config {
	cfg := config.Default()
	cfg.Connection.TimeoutMs = 2000
	// Ticks are driven by hand in tests; keep the background interval long
	// so it never interferes.
	cfg.Gossip.IntervalMs = 60_000
	return cfg
}

// collector observes surviving records per node.
type collector struct {
	mu      sync.Mutex
	byKind  map[protocol.Kind][]*protocol.Message
	arrived chan *protocol.Message
}

func newCollector() *collector {
	return &collector{
		byKind:  make(map[protocol.Kind][]*protocol.Message),
		arrived: make(chan *protocol.Message, 256),
	}
}

func (c *collector) observe(m *protocol.Message, _ connmgr.PeerInfo) {
	c.mu.Lock()
	c.byKind[m.Kind] = append(c.byKind[m.Kind], m)
	c.mu.Unlock()
	c.arrived <- m
}

func (c *collector) count(kind protocol.Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.byKind[kind])
}

func (c *collector) last(kind protocol.Kind) *protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	msgs := c.byKind[kind]
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

// testExtension records dispatches and can be told to fail.
type testExtension struct {
	id    string
	kinds []protocol.Kind
	fail  bool

	mu       sync.Mutex
	handled  []*protocol.Message
	inits    int
	cleanups int
}

func (e *testExtension) ID() string                      { return e.id }
func (e *testExtension) Version() string                 { return "1.0.0" }
func (e *testExtension) SupportedKinds() []protocol.Kind { return e.kinds }

func (e *testExtension) Initialize(_ *Orchestrator) error {
	e.mu.Lock()
	e.inits++
	e.mu.Unlock()
	return nil
}

func (e *testExtension) HandleMessage(m *protocol.Message, _ connmgr.PeerInfo) error {
	e.mu.Lock()
	e.handled = append(e.handled, m)
	fail := e.fail
	e.mu.Unlock()
	if fail {
		return fmt.Errorf("handler failure")
	}
	return nil
}

func (e *testExtension) Cleanup() error {
	e.mu.Lock()
	e.cleanups++
	e.mu.Unlock()
	return nil
}

func (e *testExtension) handledCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.handled)
}
