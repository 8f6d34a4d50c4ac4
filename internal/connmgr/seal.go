// internal/connmgr/seal.go
package connmgr

import (
	"encoding/base64"
	"fmt"

	"whispernet/internal/crypto"
	"whispernet/internal/entropy"
)

const sealLabel = "whispernet:envelope:v1"

// deriveSealKey binds the AEAD key to nothing but the two key pairs, so a
// record sealed before a peer's state changed still opens afterwards. The raw
// DH secret is passed through the KDF before use.
func deriveSealKey(keys *entropy.KeyPair, peerPub []byte) ([]byte, error) {
	shared, err := keys.Shared(peerPub)
	if err != nil {
		return nil, fmt.Errorf("key agreement: %w", err)
	}
	return crypto.KDF(sealLabel, shared), nil
}

// sealPayload encrypts a plaintext for one peer: nonce || ciphertext || tag,
// base64. The result is what travels in the record's payload field.
func sealPayload(sealKey []byte, plaintext string) (string, error) {
	sealed, err := crypto.Seal(sealKey, []byte(plaintext), nil)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// openPayload reverses sealPayload. Any failure (bad base64, short input,
// auth tag mismatch) reports ErrDecryptionFailed.
func openPayload(sealKey []byte, payload string) (string, error) {
	if payload == "" {
		return "", nil
	}
	sealed, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	plain, err := crypto.Open(sealKey, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	return string(plain), nil
}
