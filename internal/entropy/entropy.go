// internal/entropy/entropy.go
package entropy

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"time"

	"whispernet/internal/crypto"
)

// Node ids are ephemeral: 16 bytes of entropy plus the creation wall clock,
// rendered as "<32 hex>:<hex ms>". Nothing here is ever persisted.

const entropyBytes = 16

var nodeIDPattern = regexp.MustCompile(`^[0-9a-f]{32}:[0-9a-f]+$`)

// nowMillis is swapped in tests that pin the wall clock.
var nowMillis = func() int64 { return time.Now().UnixMilli() }

func GenerateNodeID() (string, error) {
	buf := make([]byte, entropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("entropy: %w", err)
	}
	return hex.EncodeToString(buf) + ":" + strconv.FormatInt(nowMillis(), 16), nil
}

func ValidateNodeID(s string) bool {
	return nodeIDPattern.MatchString(s)
}

// ExtractTimestamp is defined only on valid ids.
func ExtractTimestamp(s string) (int64, error) {
	if !ValidateNodeID(s) {
		return 0, fmt.Errorf("invalid node id: %q", s)
	}
	ts, err := strconv.ParseInt(s[entropyBytes*2+1:], 16, 64)
	if err != nil || ts < 0 {
		return 0, fmt.Errorf("invalid node id timestamp: %q", s)
	}
	return ts, nil
}

// Age reports how long ago a valid id was generated.
func Age(s string) (time.Duration, error) {
	ts, err := ExtractTimestamp(s)
	if err != nil {
		return 0, err
	}
	return time.Duration(nowMillis()-ts) * time.Millisecond, nil
}

// KeyPair is an X25519 pair for the per-peer key agreement. The public key is
// the raw 32-byte curve point as it travels on the wire.
type KeyPair struct {
	agreement *crypto.AgreementKey
	pub       []byte
}

func GenerateKeyPair() (*KeyPair, error) {
	agreement, err := crypto.NewAgreementKey()
	if err != nil {
		return nil, fmt.Errorf("keygen: %w", err)
	}
	pub, err := agreement.PublicBytes()
	if err != nil {
		return nil, err
	}
	return &KeyPair{agreement: agreement, pub: pub}, nil
}

func (k *KeyPair) PublicKey() []byte {
	out := make([]byte, len(k.pub))
	copy(out, k.pub)
	return out
}

// Shared derives the 32-byte DH secret against a peer's raw public key. The
// result depends only on the two keys, so out-of-order deliveries still agree.
func (k *KeyPair) Shared(peerPub []byte) ([]byte, error) {
	return k.agreement.Agree(peerPub)
}

func (k *KeyPair) Destroy() {
	k.agreement.Wipe()
}

// DeriveResonanceKey maps an intent string to its 32-byte routing tag.
func DeriveResonanceKey(intent string) []byte {
	sum := sha256.Sum256([]byte(intent))
	return sum[:]
}

// GenerateWhisperTag fingerprints a topic, optionally mixed with metadata
// encoded as canonical JSON (object keys sorted). First 8 bytes, hex.
func GenerateWhisperTag(topic string, metadata map[string]any) string {
	buf := []byte(topic)
	if len(metadata) > 0 {
		buf = append(buf, canonicalJSON(metadata)...)
	}
	sum := sha256.Sum256(buf)
	return hex.EncodeToString(sum[:8])
}

func canonicalJSON(m map[string]any) []byte {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf := []byte{'{'}
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, _ := json.Marshal(k)
		vb, _ := json.Marshal(m[k])
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	return append(buf, '}')
}
