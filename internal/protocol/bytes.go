package protocol

import (
	"fmt"
	"strconv"
)

// ByteArray marshals as a JSON array of 0–255 numbers instead of base64, so
// binary fields stay readable on a text transport and round-trip through
// non-Go peers unchanged.
type ByteArray []byte

func (b ByteArray) MarshalJSON() ([]byte, error) {
	out := make([]byte, 0, len(b)*4+2)
	out = append(out, '[')
	for i, v := range b {
		if i > 0 {
			out = append(out, ',')
		}
		out = strconv.AppendUint(out, uint64(v), 10)
	}
	return append(out, ']'), nil
}

func (b *ByteArray) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*b = nil
		return nil
	}
	if len(data) < 2 || data[0] != '[' || data[len(data)-1] != ']' {
		return fmt.Errorf("byte array: expected JSON array")
	}
	body := data[1 : len(data)-1]
	out := make([]byte, 0, 32)
	start := -1
	flush := func(end int) error {
		if start == -1 {
			return nil
		}
		n, err := strconv.ParseUint(string(body[start:end]), 10, 8)
		if err != nil {
			return fmt.Errorf("byte array: %w", err)
		}
		out = append(out, byte(n))
		start = -1
		return nil
	}
	for i, c := range body {
		switch {
		case c >= '0' && c <= '9':
			if start == -1 {
				start = i
			}
		case c == ',':
			if err := flush(i); err != nil {
				return err
			}
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			if err := flush(i); err != nil {
				return err
			}
		default:
			return fmt.Errorf("byte array: unexpected character %q", c)
		}
	}
	if err := flush(len(body)); err != nil {
		return err
	}
	*b = out
	return nil
}
