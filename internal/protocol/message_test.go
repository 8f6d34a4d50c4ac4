package protocol

import (
	"bytes"
	"reflect"
	"testing"
)

const testSender = "0123456789abcdef0123456789abcdef:18c7eaf7000"

func TestConstructBroadcastDefaults(t *testing.T) {
	m, err := Construct(KindBroadcast, testSender, "", Options{MaxHops: 10})
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	if m.CurrentHops != 0 {
		t.Fatalf("current_hops = %d, want 0", m.CurrentHops)
	}
	if !reflect.DeepEqual(m.SeenBy, []string{testSender}) {
		t.Fatalf("seen_by = %v, want [sender]", m.SeenBy)
	}
	if m.TTL != DefaultTTL {
		t.Fatalf("ttl = %d, want %d", m.TTL, DefaultTTL)
	}
	if m.Version != ProtocolVersion {
		t.Fatalf("version = %q", m.Version)
	}
	if len(m.Nonce) != 32 {
		t.Fatalf("nonce length %d, want 32", len(m.Nonce))
	}
	if len(m.ResonanceKey) != 32 {
		t.Fatalf("resonance key length %d", len(m.ResonanceKey))
	}
	if m.WhisperTag == "" {
		t.Fatalf("missing whisper tag")
	}
}

func TestConstructNoncesDiffer(t *testing.T) {
	a, err := Construct(KindPing, testSender, "", Options{})
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	b, err := Construct(KindPing, testSender, "", Options{})
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	if a.Nonce == b.Nonce {
		t.Fatalf("nonce reuse across constructions")
	}
}

func TestConstructUnknownKind(t *testing.T) {
	if _, err := Construct(Kind("bogus"), testSender, "", Options{}); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestConstructResonanceKeyFromIntent(t *testing.T) {
	m, err := Construct(KindResonance, testSender, "", Options{Intent: "file:sync", Strength: 0.8})
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	peer, err := Construct(KindResonance, testSender, "", Options{Intent: "file:sync", Strength: 0.8})
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	if !bytes.Equal(m.ResonanceKey, peer.ResonanceKey) {
		t.Fatalf("resonance keys differ for equal intents")
	}
	if m.Intent != "file:sync" || m.Strength != 0.8 {
		t.Fatalf("resonance arm not populated: %+v", m)
	}
}

func TestIsExpired(t *testing.T) {
	orig := nowMillis
	defer func() { nowMillis = orig }()
	now := int64(1700000000000)
	nowMillis = func() int64 { return now }

	m, err := Construct(KindWhisper, testSender, "", Options{TargetID: testSender, TTL: 1000})
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	if IsExpired(m) {
		t.Fatalf("fresh message reported expired")
	}
	now += 1001
	if !IsExpired(m) {
		t.Fatalf("stale message not reported expired")
	}
}

func TestMatchesResonance(t *testing.T) {
	m, err := Construct(KindResonance, testSender, "", Options{Intent: "mining:coord", Strength: 0.9})
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	if !MatchesResonance(m, "mining:coord", 0.5) {
		t.Fatalf("expected match")
	}
	if MatchesResonance(m, "mining:coord", 0.95) {
		t.Fatalf("strength below threshold should not match")
	}
	if MatchesResonance(m, "file:sync", 0.5) {
		t.Fatalf("different intent should not match")
	}
	p, _ := Construct(KindPing, testSender, "", Options{})
	if MatchesResonance(p, "mining:coord", 0) {
		t.Fatalf("non-resonance kind should not match")
	}
}

func TestMarkSeen(t *testing.T) {
	m, err := Construct(KindBroadcast, testSender, "", Options{MaxHops: 3})
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	other := "fedcba9876543210fedcba9876543210:18c7eaf7001"
	if SeenByContains(m, other) {
		t.Fatalf("unexpected membership")
	}
	MarkSeen(m, other)
	if !SeenByContains(m, other) {
		t.Fatalf("mark seen did not record node")
	}
	if m.CurrentHops != 1 {
		t.Fatalf("current_hops = %d, want 1", m.CurrentHops)
	}
}
