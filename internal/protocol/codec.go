// internal/protocol/codec.go
package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

const (
	MaxFrameSize = 1 << 20
)

// Encode renders the record as a single UTF-8 JSON object.
func Encode(m *Message) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("nil message")
	}
	return json.Marshal(m)
}

// Decode parses a record. Unknown kinds are rejected here so that a malformed
// peer cannot smuggle records past validation.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if !KnownKind(m.Kind) {
		return nil, fmt.Errorf("unknown message kind: %q", m.Kind)
	}
	return &m, nil
}

// Frames carry discrete JSON objects on a byte stream: a 4-byte big-endian
// body length, then the body.

const frameHeaderLen = 4

func checkFrameLen(n int) error {
	if n == 0 {
		return fmt.Errorf("frame: empty body")
	}
	if n > MaxFrameSize {
		return fmt.Errorf("frame: body of %d bytes exceeds the %d cap", n, MaxFrameSize)
	}
	return nil
}

func EncodeFrame(body []byte) ([]byte, error) {
	if err := checkFrameLen(len(body)); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, frameHeaderLen+len(body))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(body)))
	return append(buf, body...), nil
}

func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := int(binary.BigEndian.Uint32(hdr[:]))
	if err := checkFrameLen(n); err != nil {
		return nil, err
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("frame body: %w", err)
	}
	return body, nil
}

func WriteFrame(w io.Writer, body []byte) error {
	frame, err := EncodeFrame(body)
	if err != nil {
		return err
	}
	n, err := w.Write(frame)
	if err != nil {
		return err
	}
	if n != len(frame) {
		return io.ErrShortWrite
	}
	return nil
}

// SniffType pulls the "type" (or "kind") discriminator out of a JSON prefix
// without a full parse, for routing and size caps.
func SniffType(prefix []byte) (string, bool) {
	var hdr struct {
		Type string `json:"type"`
		Kind string `json:"kind"`
	}
	dec := json.NewDecoder(bytes.NewReader(prefix))
	if err := dec.Decode(&hdr); err == nil {
		if hdr.Type != "" {
			return hdr.Type, true
		}
		if hdr.Kind != "" {
			return hdr.Kind, true
		}
	}
	return "", false
}
