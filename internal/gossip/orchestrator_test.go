package gossip

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"whispernet/internal/protocol"
)

func waitKind(t *testing.T, c *collector, kind protocol.Kind) *protocol.Message {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case m := <-c.arrived:
			if m.Kind == kind {
				return m
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func TestWhisperDelivery(t *testing.T) {
	cfg := defaultTestConfig()
	a := newTestNode(t, cfg)
	b := newTestNode(t, cfg)
	link(t, a, b)

	cb := newCollector()
	b.orch.OnMessage(cb.observe)

	require.True(t, a.orch.Whisper(context.Background(), b.id, "psst", "default"))
	got := waitKind(t, cb, protocol.KindWhisper)
	require.Equal(t, "psst", got.Payload)
	require.Equal(t, a.id, got.Sender)
	require.Equal(t, b.id, got.TargetID)
}

func TestWhisperToUnknownPeer(t *testing.T) {
	cfg := defaultTestConfig()
	a := newTestNode(t, cfg)
	require.False(t, a.orch.Whisper(context.Background(), "0123456789abcdef0123456789abcdef:1", "psst", "default"))
}

func TestBroadcastExactlyOncePerNode(t *testing.T) {
	// Triangle A-B, B-C, C-A: every copy beyond the first is suppressed by
	// the dedup table or the seen_by guard.
	cfg := defaultTestConfig()
	a := newTestNode(t, cfg)
	b := newTestNode(t, cfg)
	c := newTestNode(t, cfg)
	link(t, a, b)
	link(t, b, c)
	link(t, c, a)

	ca, cb, cc := newCollector(), newCollector(), newCollector()
	a.orch.OnMessage(ca.observe)
	b.orch.OnMessage(cb.observe)
	c.orch.OnMessage(cc.observe)

	accepted := a.orch.Broadcast(context.Background(), "hello", "default", 10)
	require.Equal(t, 2, accepted)

	waitKind(t, cb, protocol.KindBroadcast)
	waitKind(t, cc, protocol.KindBroadcast)

	// Drive several propagation rounds; the record loops back to everyone.
	for i := 0; i < 3; i++ {
		b.orch.gossipTick(context.Background())
		c.orch.gossipTick(context.Background())
		a.orch.gossipTick(context.Background())
		time.Sleep(50 * time.Millisecond)
	}

	require.Equal(t, 1, cb.count(protocol.KindBroadcast), "B saw duplicates")
	require.Equal(t, 1, cc.count(protocol.KindBroadcast), "C saw duplicates")
	require.Equal(t, 0, ca.count(protocol.KindBroadcast), "A dispatched its own broadcast")
}

func TestBroadcastPathAccumulatesSeenBy(t *testing.T) {
	// Line A-B-C: the record picks up each node as it travels.
	cfg := defaultTestConfig()
	a := newTestNode(t, cfg)
	b := newTestNode(t, cfg)
	c := newTestNode(t, cfg)
	link(t, a, b)
	link(t, b, c)

	cb, cc := newCollector(), newCollector()
	b.orch.OnMessage(cb.observe)
	c.orch.OnMessage(cc.observe)

	a.orch.Broadcast(context.Background(), "hello", "default", 10)
	waitKind(t, cb, protocol.KindBroadcast)

	b.orch.gossipTick(context.Background())
	got := waitKind(t, cc, protocol.KindBroadcast)

	require.ElementsMatch(t, []string{a.id, b.id, c.id}, got.SeenBy)
	require.Equal(t, 2, got.CurrentHops)
	require.Equal(t, "hello", got.Payload)
}

func TestBroadcastHopCap(t *testing.T) {
	// Line A-B-C-D with max_hops=1: C receives at the cap and stops; D
	// never hears about it.
	cfg := defaultTestConfig()
	a := newTestNode(t, cfg)
	b := newTestNode(t, cfg)
	c := newTestNode(t, cfg)
	d := newTestNode(t, cfg)
	link(t, a, b)
	link(t, b, c)
	link(t, c, d)

	cb, cc, cd := newCollector(), newCollector(), newCollector()
	b.orch.OnMessage(cb.observe)
	c.orch.OnMessage(cc.observe)
	d.orch.OnMessage(cd.observe)

	a.orch.Broadcast(context.Background(), "capped", "default", 1)
	waitKind(t, cb, protocol.KindBroadcast)

	b.orch.gossipTick(context.Background())
	got := waitKind(t, cc, protocol.KindBroadcast)
	require.Equal(t, 1, got.CurrentHops)

	// C must not have queued anything.
	require.Equal(t, 0, c.orch.queue.Len())
	c.orch.gossipTick(context.Background())
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 0, cd.count(protocol.KindBroadcast), "D received beyond the hop cap")
}

func TestResonanceFiltering(t *testing.T) {
	cfg := defaultTestConfig()
	a := newTestNode(t, cfg)
	b := newTestNode(t, cfg)
	link(t, a, b)

	ext := &testExtension{id: "miner", kinds: []protocol.Kind{protocol.KindResonance}}
	require.NoError(t, b.orch.RegisterExtension(ext))
	cb := newCollector()
	b.orch.OnMessage(cb.observe)

	require.Equal(t, 1, a.orch.Resonate(context.Background(), "mining:coord", 0.4))
	waitKind(t, cb, protocol.KindResonance)
	require.Equal(t, 0, ext.handledCount(), "weak resonance reached extension")

	require.Equal(t, 1, a.orch.Resonate(context.Background(), "mining:coord", 0.9))
	waitKind(t, cb, protocol.KindResonance)
	require.Equal(t, 1, ext.handledCount(), "strong resonance missed extension")
}

func TestCustomMatcher(t *testing.T) {
	cfg := defaultTestConfig()
	a := newTestNode(t, cfg)
	b := newTestNode(t, cfg, WithMatcher(func(intent string, _ float64) bool {
		return intent == "file:sync"
	}))
	link(t, a, b)

	ext := &testExtension{id: "files", kinds: []protocol.Kind{protocol.KindResonance}}
	require.NoError(t, b.orch.RegisterExtension(ext))
	cb := newCollector()
	b.orch.OnMessage(cb.observe)

	a.orch.Resonate(context.Background(), "mining:coord", 1.0)
	waitKind(t, cb, protocol.KindResonance)
	require.Equal(t, 0, ext.handledCount())

	a.orch.Resonate(context.Background(), "file:sync", 0.1)
	waitKind(t, cb, protocol.KindResonance)
	require.Equal(t, 1, ext.handledCount())
}

func TestDuplicateDispatchedAtMostOnce(t *testing.T) {
	cfg := defaultTestConfig()
	n := newTestNode(t, cfg)
	ext := &testExtension{id: "sink", kinds: []protocol.Kind{protocol.KindFileSync}}
	require.NoError(t, n.orch.RegisterExtension(ext))

	m, err := protocol.Construct(protocol.KindFileSync, "0123456789abcdef0123456789abcdef:1", "chunk", protocol.Options{})
	require.NoError(t, err)

	n.orch.HandleMessage(m, peerInfoForTest())
	n.orch.HandleMessage(m, peerInfoForTest())

	require.Equal(t, 1, ext.handledCount())
	require.Equal(t, uint64(1), n.metrics.Snapshot().Messages.Duplicates)
}

func TestExpiredDroppedAtReceive(t *testing.T) {
	cfg := defaultTestConfig()
	n := newTestNode(t, cfg)
	ext := &testExtension{id: "sink", kinds: []protocol.Kind{protocol.KindFileSync}}
	require.NoError(t, n.orch.RegisterExtension(ext))

	m, err := protocol.Construct(protocol.KindFileSync, "0123456789abcdef0123456789abcdef:1", "old", protocol.Options{TTL: 1})
	require.NoError(t, err)
	m.Timestamp -= 10_000

	n.orch.HandleMessage(m, peerInfoForTest())
	require.Equal(t, 0, ext.handledCount())
	require.Equal(t, uint64(1), n.metrics.Snapshot().Messages.Expired)
}

func TestExpiredDroppedAtDequeue(t *testing.T) {
	cfg := defaultTestConfig()
	a := newTestNode(t, cfg)
	b := newTestNode(t, cfg)
	link(t, a, b)

	m, err := protocol.Construct(protocol.KindBroadcast, a.id, "stale", protocol.Options{MaxHops: 5, TTL: 1})
	require.NoError(t, err)
	m.Timestamp -= 10_000
	a.orch.enqueue(m)

	a.orch.gossipTick(context.Background())
	snap := a.metrics.Snapshot()
	require.Equal(t, uint64(1), snap.Gossip.TTLDropped)
	require.Equal(t, uint64(0), snap.Gossip.Propagated)
}

func TestInvalidDropped(t *testing.T) {
	cfg := defaultTestConfig()
	n := newTestNode(t, cfg)
	m, err := protocol.Construct(protocol.KindWhisper, "0123456789abcdef0123456789abcdef:1", "x", protocol.Options{TargetID: n.id})
	require.NoError(t, err)
	m.TargetID = ""

	n.orch.HandleMessage(m, peerInfoForTest())
	require.Equal(t, uint64(1), n.metrics.Snapshot().Messages.ValidateFailed)
	require.Equal(t, uint64(0), n.metrics.Snapshot().Messages.Received)
}

func TestStatsSnapshot(t *testing.T) {
	cfg := defaultTestConfig()
	a := newTestNode(t, cfg)
	b := newTestNode(t, cfg)
	link(t, a, b)

	cb := newCollector()
	b.orch.OnMessage(cb.observe)
	require.True(t, a.orch.Whisper(context.Background(), b.id, "ping", "default"))
	waitKind(t, cb, protocol.KindWhisper)

	ext := &testExtension{id: "obs", kinds: []protocol.Kind{protocol.KindDreamspace}}
	require.NoError(t, a.orch.RegisterExtension(ext))

	stats := a.orch.Stats()
	require.Equal(t, 1, stats.ConnectedPeers)
	require.GreaterOrEqual(t, stats.MessagesSent, uint64(1))
	require.Equal(t, 1, stats.ActiveExtensions)
	require.GreaterOrEqual(t, stats.UptimeMs, int64(0))

	bstats := b.orch.Stats()
	require.GreaterOrEqual(t, bstats.MessagesReceived, uint64(1))
}
