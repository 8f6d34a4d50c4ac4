// internal/transport/direct.go
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"

	"whispernet/internal/protocol"
)

// Direct is the peer-to-peer channel: one QUIC connection, one bidirectional
// stream, length-prefixed frames both ways.
type Direct struct {
	conn   *quic.Conn
	stream *quic.Stream

	writeMu sync.Mutex
	readMu  sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

// DialDirect opens the direct channel to a peer's address. The caller bounds
// the attempt with ctx; an expired context aborts the dial and closes any
// half-open state.
func DialDirect(ctx context.Context, addr string) (*Direct, error) {
	tlsConf, err := clientTLSConfig()
	if err != nil {
		return nil, err
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream failed")
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return newDirect(conn, stream), nil
}

func newDirect(conn *quic.Conn, stream *quic.Stream) *Direct {
	return &Direct{conn: conn, stream: stream, closed: make(chan struct{})}
}

func (d *Direct) Send(ctx context.Context, payload []byte) error {
	select {
	case <-d.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	d.writeMu.Lock()
	defer d.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = d.stream.SetWriteDeadline(deadline)
	} else {
		_ = d.stream.SetWriteDeadline(time.Time{})
	}
	if err := protocol.WriteFrame(d.stream, payload); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (d *Direct) Next(ctx context.Context) ([]byte, error) {
	select {
	case <-d.closed:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}
	d.readMu.Lock()
	defer d.readMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = d.stream.SetReadDeadline(deadline)
	} else {
		_ = d.stream.SetReadDeadline(time.Time{})
	}
	payload, err := protocol.ReadFrame(d.stream)
	if err != nil {
		select {
		case <-d.closed:
			return nil, ErrClosed
		default:
		}
		return nil, fmt.Errorf("read frame: %w", err)
	}
	return payload, nil
}

func (d *Direct) Close() error {
	d.closeOnce.Do(func() {
		close(d.closed)
		_ = d.stream.Close()
		_ = d.conn.CloseWithError(0, "")
	})
	return nil
}

func (d *Direct) Variant() Variant {
	return VariantDirect
}

// Listener accepts inbound direct channels.
type Listener struct {
	ln *quic.Listener
}

func Listen(addr string) (*Listener, error) {
	tlsConf, err := serverTLSConfig()
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, tlsConf, nil)
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	return &Listener{ln: ln}, nil
}

func (l *Listener) Addr() string {
	return l.ln.Addr().String()
}

// Accept waits for the next inbound connection and its first stream.
func (l *Listener) Accept(ctx context.Context) (*Direct, error) {
	conn, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "accept stream failed")
		return nil, err
	}
	return newDirect(conn, stream), nil
}

func (l *Listener) Close() error {
	return l.ln.Close()
}
