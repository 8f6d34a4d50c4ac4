// internal/protocol/message.go
package protocol

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"whispernet/internal/entropy"
)

const (
	// ProtocolVersion travels in every record. A mismatch is a warning on
	// receive, never an error.
	ProtocolVersion = "1.0.0"

	DefaultTTL = 300_000 // ms

	nonceBytes = 16
)

type Kind string

const (
	KindWhisper      Kind = "whisper"
	KindBroadcast    Kind = "broadcast"
	KindResonance    Kind = "resonance"
	KindPing         Kind = "ping"
	KindPong         Kind = "pong"
	KindHello        Kind = "hello"
	KindGoodbye      Kind = "goodbye"
	KindError        Kind = "error"
	KindFileSync     Kind = "file_sync"
	KindMiningSignal Kind = "mining_signal"
	KindDreamspace   Kind = "dreamspace"
)

var knownKinds = map[Kind]struct{}{
	KindWhisper:      {},
	KindBroadcast:    {},
	KindResonance:    {},
	KindPing:         {},
	KindPong:         {},
	KindHello:        {},
	KindGoodbye:      {},
	KindError:        {},
	KindFileSync:     {},
	KindMiningSignal: {},
	KindDreamspace:   {},
}

func KnownKind(k Kind) bool {
	_, ok := knownKinds[k]
	return ok
}

// Message is the single on-wire record. The header fields are common to all
// kinds; the remaining fields are the kind-specific arms, and validation
// checks the arms of Whisper, Broadcast and Resonance. Binary fields ride as
// arrays of uint8 so the
// record survives text transport; the sealed payload rides as base64.
type Message struct {
	Kind         Kind      `json:"kind"`
	Sender       string    `json:"sender"`
	ResonanceKey ByteArray `json:"resonance_key"`
	WhisperTag   string    `json:"whisper_tag"`
	Payload      string    `json:"payload"`
	Timestamp    int64     `json:"timestamp"`
	Version      string    `json:"version"`
	TTL          int64     `json:"ttl"`
	Nonce        string    `json:"nonce"`

	// Whisper
	TargetID string `json:"target_id,omitempty"`

	// Broadcast
	MaxHops     int      `json:"max_hops,omitempty"`
	CurrentHops int      `json:"current_hops,omitempty"`
	SeenBy      []string `json:"seen_by,omitempty"`

	// Resonance
	Intent   string  `json:"intent,omitempty"`
	Strength float64 `json:"strength,omitempty"`

	// Extension kinds carry structured fields through unchanged.
	Extra map[string]json.RawMessage `json:"extra,omitempty"`
}

// Options feed Construct with the kind-specific arms and overrides.
type Options struct {
	TTL        int64
	Intent     string
	WhisperTag string
	TargetID   string
	MaxHops    int
	Strength   float64
	Extra      map[string]json.RawMessage
}

// nowMillis is swapped in tests that pin the wall clock.
var nowMillis = func() int64 { return time.Now().UnixMilli() }

// Construct populates the common header and the arm selected by kind. The
// payload string is the plaintext (or empty for control messages); the
// connection manager seals it into the base64 envelope when it sends.
func Construct(kind Kind, sender string, payload string, opts Options) (*Message, error) {
	if !KnownKind(kind) {
		return nil, fmt.Errorf("unknown message kind: %q", kind)
	}
	nonce := make([]byte, nonceBytes)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("nonce: %w", err)
	}
	intent := opts.Intent
	if intent == "" {
		intent = "default"
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	tag := opts.WhisperTag
	if tag == "" {
		tag = entropy.GenerateWhisperTag(intent, nil)
	}
	m := &Message{
		Kind:         kind,
		Sender:       sender,
		ResonanceKey: ByteArray(entropy.DeriveResonanceKey(intent)),
		WhisperTag:   tag,
		Payload:      payload,
		Timestamp:    nowMillis(),
		Version:      ProtocolVersion,
		TTL:          ttl,
		Nonce:        hex.EncodeToString(nonce),
		Extra:        opts.Extra,
	}
	switch kind {
	case KindWhisper:
		m.TargetID = opts.TargetID
	case KindBroadcast:
		m.MaxHops = opts.MaxHops
		m.CurrentHops = 0
		m.SeenBy = []string{sender}
	case KindResonance:
		m.Intent = intent
		m.Strength = opts.Strength
	}
	return m, nil
}

// IsExpired reports whether the record's TTL has elapsed.
func IsExpired(m *Message) bool {
	return nowMillis()-m.Timestamp > m.TTL
}

// MatchesResonance is the exact-intent predicate used by interest matching.
func MatchesResonance(m *Message, intent string, minStrength float64) bool {
	return m.Kind == KindResonance && m.Intent == intent && m.Strength >= minStrength
}

// SeenByContains reports whether a node already appears in a broadcast's path.
func SeenByContains(m *Message, nodeID string) bool {
	for _, id := range m.SeenBy {
		if id == nodeID {
			return true
		}
	}
	return false
}

// MarkSeen appends the local node to the path and burns one hop. The only
// mutation a record undergoes after construction.
func MarkSeen(m *Message, nodeID string) {
	m.SeenBy = append(m.SeenBy, nodeID)
	m.CurrentHops++
}
