package transport

import (
	"context"
	"sync"
)

// Memory is an in-process channel pair used by simulated-topology tests. It
// honors the same framing-free Send/Next contract as the wire transports.
type Memory struct {
	variant Variant

	in  chan []byte
	out chan<- []byte

	closeOnce sync.Once
	closed    chan struct{}
	peerDone  <-chan struct{}
}

// NewMemoryPair returns the two ends of a connected in-process channel.
func NewMemoryPair() (*Memory, *Memory) {
	ab := make(chan []byte, 64)
	ba := make(chan []byte, 64)
	a := &Memory{variant: VariantDirect, in: ba, out: ab, closed: make(chan struct{})}
	b := &Memory{variant: VariantDirect, in: ab, out: ba, closed: make(chan struct{})}
	a.peerDone = b.closed
	b.peerDone = a.closed
	return a, b
}

func (m *Memory) Send(ctx context.Context, payload []byte) error {
	buf := make([]byte, len(payload))
	copy(buf, payload)
	select {
	case <-m.closed:
		return ErrClosed
	case <-m.peerDone:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	case m.out <- buf:
		return nil
	}
}

func (m *Memory) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-m.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	case payload, ok := <-m.in:
		if !ok {
			return nil, ErrClosed
		}
		return payload, nil
	case <-m.peerDone:
		// Drain anything already queued before reporting the hangup.
		select {
		case payload := <-m.in:
			return payload, nil
		default:
			return nil, ErrClosed
		}
	}
}

func (m *Memory) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

func (m *Memory) Variant() Variant {
	return m.variant
}
