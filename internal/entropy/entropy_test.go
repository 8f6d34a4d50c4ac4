package entropy

import (
	"bytes"
	"strings"
	"testing"
)

func TestGenerateNodeIDFormat(t *testing.T) {
	orig := nowMillis
	defer func() { nowMillis = orig }()
	nowMillis = func() int64 { return 1700000000000 }

	id, err := GenerateNodeID()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	parts := strings.SplitN(id, ":", 2)
	if len(parts) != 2 {
		t.Fatalf("missing separator in %q", id)
	}
	if len(parts[0]) != 32 {
		t.Fatalf("entropy portion %q has %d chars", parts[0], len(parts[0]))
	}
	if parts[1] != "18bcfe56800" {
		t.Fatalf("timestamp suffix %q, want 18bcfe56800", parts[1])
	}
	if !ValidateNodeID(id) {
		t.Fatalf("generated id does not validate: %q", id)
	}
	ts, err := ExtractTimestamp(id)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if ts != 1700000000000 {
		t.Fatalf("timestamp %d, want 1700000000000", ts)
	}
}

func TestValidateNodeID(t *testing.T) {
	cases := map[string]bool{
		"0123456789abcdef0123456789abcdef:18c7eaf7000": true,
		"0123456789abcdef0123456789abcdef:0":           true,
		"0123456789ABCDEF0123456789ABCDEF:18c7eaf7000": false,
		"0123456789abcdef0123456789abcde:18c7eaf7000":  false,
		"0123456789abcdef0123456789abcdef:":            false,
		"0123456789abcdef0123456789abcdef":             false,
		"":                                             false,
		"0123456789abcdef0123456789abcdef:xyz":         false,
	}
	for id, want := range cases {
		if got := ValidateNodeID(id); got != want {
			t.Fatalf("ValidateNodeID(%q) = %v, want %v", id, got, want)
		}
	}
}

func TestExtractTimestampRejectsInvalid(t *testing.T) {
	if _, err := ExtractTimestamp("nope"); err == nil {
		t.Fatalf("expected error for invalid id")
	}
}

func TestDeriveResonanceKeyDeterministic(t *testing.T) {
	a := DeriveResonanceKey("file:sync")
	b := DeriveResonanceKey("file:sync")
	if len(a) != 32 {
		t.Fatalf("key size %d", len(a))
	}
	if !bytes.Equal(a, b) {
		t.Fatalf("resonance key not deterministic")
	}
	if bytes.Equal(a, DeriveResonanceKey("mining:coord")) {
		t.Fatalf("distinct intents collide")
	}
}

func TestGenerateWhisperTag(t *testing.T) {
	tag := GenerateWhisperTag("topic", nil)
	if len(tag) != 16 {
		t.Fatalf("tag length %d, want 16", len(tag))
	}
	if tag != GenerateWhisperTag("topic", nil) {
		t.Fatalf("tag not deterministic")
	}
	withMeta := GenerateWhisperTag("topic", map[string]any{"b": 2, "a": 1})
	if withMeta == tag {
		t.Fatalf("metadata not mixed in")
	}
	reordered := GenerateWhisperTag("topic", map[string]any{"a": 1, "b": 2})
	if withMeta != reordered {
		t.Fatalf("metadata encoding not canonical")
	}
}

func TestKeyPairAgreement(t *testing.T) {
	a, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate a: %v", err)
	}
	b, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate b: %v", err)
	}
	ab, err := a.Shared(b.PublicKey())
	if err != nil {
		t.Fatalf("a shared: %v", err)
	}
	ba, err := b.Shared(a.PublicKey())
	if err != nil {
		t.Fatalf("b shared: %v", err)
	}
	if !bytes.Equal(ab, ba) {
		t.Fatalf("shared secrets disagree")
	}
}
