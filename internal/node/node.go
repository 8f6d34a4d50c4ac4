// internal/node/node.go
package node

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"whispernet/internal/config"
	"whispernet/internal/connmgr"
	"whispernet/internal/entropy"
	"whispernet/internal/gossip"
	"whispernet/internal/metrics"
	"whispernet/internal/transport"
)

// Node assembles one overlay participant: a fresh ephemeral identity, the
// connection manager, and the orchestrator. Nothing survives a restart.
type Node struct {
	ID      string
	Keys    *entropy.KeyPair
	Manager *connmgr.Manager
	Orch    *gossip.Orchestrator
	Metrics *metrics.Metrics

	log *zap.Logger
	ln  *transport.Listener
}

// New generates the session identity and wires the components. An RNG or key
// failure here is fatal and aborts start-up.
func New(cfg config.Config, log *zap.Logger, opts ...gossip.Option) (*Node, error) {
	if log == nil {
		log = zap.NewNop()
	}
	id, err := entropy.GenerateNodeID()
	if err != nil {
		return nil, err
	}
	keys, err := entropy.GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	m := metrics.New()
	mgr, err := connmgr.NewManager(connmgr.Options{
		LocalID: id,
		Keys:    keys,
		Config:  cfg,
		Logger:  log,
		Metrics: m,
	})
	if err != nil {
		return nil, err
	}
	orch := gossip.NewOrchestrator(cfg, mgr, log, m, opts...)
	return &Node{
		ID:      id,
		Keys:    keys,
		Manager: mgr,
		Orch:    orch,
		Metrics: m,
		log:     log,
	}, nil
}

// Run starts the periodic tasks, listens for inbound channels when an address
// is given, and serves until ctx is cancelled.
func (n *Node) Run(ctx context.Context, listenAddr string) error {
	n.Orch.Start()
	defer n.Orch.Shutdown()
	if listenAddr == "" {
		<-ctx.Done()
		return nil
	}
	ln, err := transport.Listen(listenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", listenAddr, err)
	}
	n.ln = ln
	n.log.Info("listening", zap.String("addr", ln.Addr()), zap.String("node", n.ID))
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	return n.Manager.Serve(ctx, ln)
}

// WriteStats dumps the current stats snapshot as JSON. The file is
// operational telemetry for the status command, not overlay state.
func (n *Node) WriteStats(path string) error {
	if path == "" {
		return nil
	}
	data, err := json.MarshalIndent(n.Orch.Stats(), "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// StartStatsWriter refreshes the snapshot file until ctx is cancelled.
func (n *Node) StartStatsWriter(ctx context.Context, path string, interval time.Duration) {
	if path == "" {
		return
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			if err := n.WriteStats(path); err != nil {
				n.log.Debug("stats write failed", zap.String("path", path), zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
}

// AwaitPeers blocks until at least min peers are in a sending state or ctx
// expires; reports whether the threshold was reached.
func (n *Node) AwaitPeers(ctx context.Context, min int) bool {
	for {
		if n.Manager.SendableCount() >= min {
			return true
		}
		select {
		case <-ctx.Done():
			return n.Manager.SendableCount() >= min
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// StaticPeer is a bootstrap introduction: the core never discovers peers on
// its own, it is told about them.
type StaticPeer struct {
	ID        string
	PublicKey []byte
	Addr      string
}

// ParseStaticPeer reads the "<node-id>|<hex-pubkey>|<addr>" form used on the
// command line.
func ParseStaticPeer(s string) (StaticPeer, error) {
	parts := strings.Split(s, "|")
	if len(parts) != 3 {
		return StaticPeer{}, fmt.Errorf("peer %q: want <node-id>|<hex-pubkey>|<addr>", s)
	}
	if !entropy.ValidateNodeID(parts[0]) {
		return StaticPeer{}, fmt.Errorf("peer %q: bad node id", s)
	}
	pub, err := hex.DecodeString(parts[1])
	if err != nil || len(pub) == 0 {
		return StaticPeer{}, fmt.Errorf("peer %q: bad public key", s)
	}
	addr := strings.TrimSpace(parts[2])
	return StaticPeer{ID: parts[0], PublicKey: pub, Addr: addr}, nil
}

// ConnectStatic introduces the bootstrap peers. Failures are logged per peer;
// one dead seed must not abort the node.
func (n *Node) ConnectStatic(ctx context.Context, peers []StaticPeer) {
	for _, p := range peers {
		ok, err := n.Manager.Connect(ctx, p.ID, p.PublicKey, p.Addr)
		if err != nil {
			n.log.Warn("bootstrap connect rejected", zap.String("peer", p.ID), zap.Error(err))
			continue
		}
		if !ok {
			n.log.Warn("bootstrap peer unreachable", zap.String("peer", p.ID))
		}
	}
}
