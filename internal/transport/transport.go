// internal/transport/transport.go
package transport

import (
	"context"
	"errors"
)

// Variant tags the two concrete channels a peer can ride on.
type Variant string

const (
	VariantDirect Variant = "direct"
	VariantRelay  Variant = "relay"
)

var ErrClosed = errors.New("transport closed")

// Transport is one bidirectional byte channel to one peer. Payloads are
// discrete frames; ordering is the channel's (reliable, in-order).
type Transport interface {
	// Send delivers one payload. It suspends on the channel's write
	// acceptance and fails once the transport is closed.
	Send(ctx context.Context, payload []byte) error
	// Next blocks for the next inbound payload. Returns ErrClosed after
	// Close; any other channel failure comes back as its own error.
	Next(ctx context.Context) ([]byte, error)
	Close() error
	Variant() Variant
}
