package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"whispernet/internal/protocol"
)

// Relay rides a direct channel to a relay endpoint and speaks relay envelopes
// on it. The channel reports open only after the endpoint acknowledges the
// registration with a "connected" envelope.
type Relay struct {
	channel *Direct
	localID string
	peerID  string
}

// DialRelay registers localID at the relay endpoint and binds the channel to
// one peer. The connect envelope also carries the public key; the relay
// server in internal/relay does not read it.
func DialRelay(ctx context.Context, endpoint, localID, peerID string, localPub []byte) (*Relay, error) {
	channel, err := DialDirect(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	connect, err := protocol.EncodeRelayEnvelope(protocol.RelayEnvelope{
		Type:      protocol.RelayTypeConnect,
		From:      localID,
		To:        peerID,
		PublicKey: protocol.ByteArray(localPub),
	})
	if err != nil {
		_ = channel.Close()
		return nil, err
	}
	if err := channel.Send(ctx, connect); err != nil {
		_ = channel.Close()
		return nil, fmt.Errorf("relay connect: %w", err)
	}
	// Wait for the explicit acknowledgment before reporting the channel
	// open; an optimistic transition would let sends race the registration.
	ack, err := channel.Next(ctx)
	if err != nil {
		_ = channel.Close()
		return nil, fmt.Errorf("relay ack: %w", err)
	}
	env, err := protocol.DecodeRelayEnvelope(ack)
	if err != nil {
		_ = channel.Close()
		return nil, fmt.Errorf("relay ack: %w", err)
	}
	if env.Type != protocol.RelayTypeConnected {
		_ = channel.Close()
		return nil, fmt.Errorf("relay ack: unexpected envelope %q", env.Type)
	}
	return &Relay{channel: channel, localID: localID, peerID: peerID}, nil
}

func (r *Relay) Send(ctx context.Context, payload []byte) error {
	data, err := protocol.EncodeRelayEnvelope(protocol.RelayEnvelope{
		Type:    protocol.RelayTypeMessage,
		From:    r.localID,
		To:      r.peerID,
		Payload: json.RawMessage(payload),
	})
	if err != nil {
		return err
	}
	return r.channel.Send(ctx, data)
}

// Next unwraps the next message envelope addressed to the local node.
// Envelopes for anyone else are dropped; the relay should not produce them.
func (r *Relay) Next(ctx context.Context) ([]byte, error) {
	for {
		data, err := r.channel.Next(ctx)
		if err != nil {
			return nil, err
		}
		env, err := protocol.DecodeRelayEnvelope(data)
		if err != nil {
			return nil, fmt.Errorf("relay envelope: %w", err)
		}
		if env.Type != protocol.RelayTypeMessage || env.To != r.localID {
			continue
		}
		return env.Payload, nil
	}
}

func (r *Relay) Close() error {
	return r.channel.Close()
}

func (r *Relay) Variant() Variant {
	return VariantRelay
}
