// internal/crypto/crypto.go
package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/sha3"
)

// Fixed suite: X25519 key agreement + ChaCha20-Poly1305 AEAD + SHA3-256 KDF.
// Key pairs are ephemeral only; nothing here touches disk.

const (
	KeySize   = chacha20poly1305.KeySize   // 32
	NonceSize = chacha20poly1305.NonceSize // 12
	TagSize   = chacha20poly1305.Overhead  // 16
)

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

func KDF(label string, parts ...[]byte) []byte {
	buf := make([]byte, 0, len(label))
	buf = append(buf, []byte(label)...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return SHA3_256(buf)
}

// Seal generates a random 12-byte nonce and returns nonce || ciphertext || tag.
func Seal(key32, plaintext, aad []byte) ([]byte, error) {
	if len(key32) != KeySize {
		return nil, fmt.Errorf("bad key size: need %d", KeySize)
	}
	aead, err := chacha20poly1305.New(key32)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Open reverses Seal. The input must carry the nonce prefix.
func Open(key32, sealed, aad []byte) ([]byte, error) {
	if len(key32) != KeySize {
		return nil, fmt.Errorf("bad key size: need %d", KeySize)
	}
	if len(sealed) < NonceSize+TagSize {
		return nil, errors.New("sealed payload too short")
	}
	aead, err := chacha20poly1305.New(key32)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, sealed[:NonceSize], sealed[NonceSize:], aad)
}

func SealWithNonce(key32, nonce12, plaintext, aad []byte) ([]byte, error) {
	if len(key32) != KeySize {
		return nil, fmt.Errorf("bad key size: need %d", KeySize)
	}
	if len(nonce12) != NonceSize {
		return nil, fmt.Errorf("bad nonce size: need %d", NonceSize)
	}
	aead, err := chacha20poly1305.New(key32)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce12, plaintext, aad), nil
}

func OpenWithNonce(key32, nonce12, ciphertext, aad []byte) ([]byte, error) {
	if len(key32) != KeySize {
		return nil, fmt.Errorf("bad key size: need %d", KeySize)
	}
	if len(nonce12) != NonceSize {
		return nil, fmt.Errorf("bad nonce size: need %d", NonceSize)
	}
	aead, err := chacha20poly1305.New(key32)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce12, ciphertext, aad)
}

const AgreementKeySize = 32

var ErrKeyWiped = errors.New("agreement key wiped")

// AgreementKey is one side of an X25519 exchange, alive for a single session.
// Wipe discards the private scalar; every operation on a wiped key fails with
// ErrKeyWiped. The raw public point is cached so re-export never touches the
// scalar.
type AgreementKey struct {
	scalar *ecdh.PrivateKey
	point  [AgreementKeySize]byte
}

func NewAgreementKey() (*AgreementKey, error) {
	scalar, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("agreement keygen: %w", err)
	}
	k := &AgreementKey{scalar: scalar}
	copy(k.point[:], scalar.PublicKey().Bytes())
	return k, nil
}

// PublicBytes exports the raw 32-byte public point, the form that travels on
// the wire.
func (k *AgreementKey) PublicBytes() ([]byte, error) {
	if k == nil || k.scalar == nil {
		return nil, ErrKeyWiped
	}
	out := make([]byte, AgreementKeySize)
	copy(out, k.point[:])
	return out, nil
}

// Agree computes the 32-byte shared secret against a peer's raw public point.
// The result depends only on the two key pairs.
func (k *AgreementKey) Agree(peerPoint []byte) ([]byte, error) {
	if k == nil || k.scalar == nil {
		return nil, ErrKeyWiped
	}
	if len(peerPoint) != AgreementKeySize {
		return nil, fmt.Errorf("peer public point: want %d bytes, got %d", AgreementKeySize, len(peerPoint))
	}
	peer, err := ecdh.X25519().NewPublicKey(peerPoint)
	if err != nil {
		return nil, fmt.Errorf("peer public point: %w", err)
	}
	return k.scalar.ECDH(peer)
}

// Wipe drops the scalar and blanks the cached point. Idempotent.
func (k *AgreementKey) Wipe() {
	if k == nil {
		return
	}
	k.scalar = nil
	k.point = [AgreementKeySize]byte{}
}

// String keeps key material out of log lines and %v formatting.
func (k *AgreementKey) String() string {
	if k == nil || k.scalar == nil {
		return "x25519(wiped)"
	}
	return "x25519(private)"
}

func (k *AgreementKey) GoString() string {
	return k.String()
}
