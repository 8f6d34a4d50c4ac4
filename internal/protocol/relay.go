// internal/protocol/relay.go
package protocol

import (
	"encoding/json"
	"fmt"
)

// Relay envelopes wrap records on the fallback path. A node registers at the
// relay with "connect", the relay answers "connected", and from then on
// "message" envelopes are forwarded verbatim to the registered target.

const (
	RelayTypeConnect   = "connect"
	RelayTypeConnected = "connected"
	RelayTypeMessage   = "message"

	MaxRelayEnvelopeSize = 1 << 20
)

type RelayEnvelope struct {
	Type      string          `json:"type"`
	From      string          `json:"from"`
	To        string          `json:"to,omitempty"`
	PublicKey ByteArray       `json:"publicKey,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

func EncodeRelayEnvelope(e RelayEnvelope) ([]byte, error) {
	switch e.Type {
	case RelayTypeConnect, RelayTypeConnected, RelayTypeMessage:
	default:
		return nil, fmt.Errorf("unknown relay envelope type: %q", e.Type)
	}
	return json.Marshal(e)
}

func DecodeRelayEnvelope(data []byte) (RelayEnvelope, error) {
	if len(data) > MaxRelayEnvelopeSize {
		return RelayEnvelope{}, fmt.Errorf("relay envelope too large")
	}
	var e RelayEnvelope
	if err := json.Unmarshal(data, &e); err != nil {
		return RelayEnvelope{}, err
	}
	switch e.Type {
	case RelayTypeConnect, RelayTypeConnected, RelayTypeMessage:
		return e, nil
	default:
		return RelayEnvelope{}, fmt.Errorf("unknown relay envelope type: %q", e.Type)
	}
}
