package node

import (
	"bytes"
	"testing"

	"whispernet/internal/config"
	"whispernet/internal/entropy"
)

func TestNewNodeFreshIdentity(t *testing.T) {
	a, err := New(config.Default(), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer a.Orch.Shutdown()
	b, err := New(config.Default(), nil)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer b.Orch.Shutdown()

	if !entropy.ValidateNodeID(a.ID) {
		t.Fatalf("bad node id %q", a.ID)
	}
	if a.ID == b.ID {
		t.Fatalf("two sessions share an id")
	}
	if bytes.Equal(a.Keys.PublicKey(), b.Keys.PublicKey()) {
		t.Fatalf("two sessions share a key pair")
	}
}

func TestParseStaticPeer(t *testing.T) {
	id := "0123456789abcdef0123456789abcdef:18c7eaf7000"
	p, err := ParseStaticPeer(id + "|0a0b0c|127.0.0.1:9000")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if p.ID != id || p.Addr != "127.0.0.1:9000" {
		t.Fatalf("parsed %+v", p)
	}
	if !bytes.Equal(p.PublicKey, []byte{0x0a, 0x0b, 0x0c}) {
		t.Fatalf("pubkey %x", p.PublicKey)
	}

	bad := []string{
		"",
		"only-one-part",
		"badid|0a|addr",
		id + "|nothex|addr",
		id + "||addr",
	}
	for _, s := range bad {
		if _, err := ParseStaticPeer(s); err == nil {
			t.Fatalf("parse %q should fail", s)
		}
	}
}
