package protocol

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m, err := Construct(KindBroadcast, testSender, "cGF5bG9hZA==", Options{
		Intent:  "file:sync",
		MaxHops: 5,
	})
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	data, err := Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(m, got) {
		t.Fatalf("round trip mismatch:\n%+v\n%+v", m, got)
	}
	res := Validate(got)
	if !res.Valid {
		t.Fatalf("round-tripped record invalid: %v", res.Errors)
	}
}

func TestDecodeUnknownKind(t *testing.T) {
	if _, err := Decode([]byte(`{"kind":"mystery","sender":"x"}`)); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestByteArrayWireShape(t *testing.T) {
	m, err := Construct(KindPing, testSender, "", Options{})
	if err != nil {
		t.Fatalf("construct: %v", err)
	}
	data, err := Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	rk := string(raw["resonance_key"])
	if !strings.HasPrefix(rk, "[") || !strings.HasSuffix(rk, "]") {
		t.Fatalf("resonance_key not an array: %s", rk)
	}
	var nums []int
	if err := json.Unmarshal(raw["resonance_key"], &nums); err != nil {
		t.Fatalf("resonance_key not numbers: %v", err)
	}
	if len(nums) != 32 {
		t.Fatalf("resonance_key has %d entries", len(nums))
	}
}

func TestByteArrayUnmarshal(t *testing.T) {
	var b ByteArray
	if err := json.Unmarshal([]byte(`[0, 127, 255]`), &b); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !bytes.Equal(b, []byte{0, 127, 255}) {
		t.Fatalf("unexpected bytes: %v", b)
	}
	if err := json.Unmarshal([]byte(`[256]`), &b); err == nil {
		t.Fatalf("expected range error")
	}
	if err := json.Unmarshal([]byte(`"AAE="`), &b); err == nil {
		t.Fatalf("expected array error")
	}
	if err := json.Unmarshal([]byte(`null`), &b); err != nil {
		t.Fatalf("null: %v", err)
	}
}

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte(`{"kind":"ping"}`)
	frame, err := EncodeFrame(payload)
	if err != nil {
		t.Fatalf("encode frame: %v", err)
	}
	got, err := ReadFrame(bytes.NewReader(frame))
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("frame payload mismatch")
	}
}

func TestFrameRejectsOversize(t *testing.T) {
	if _, err := EncodeFrame(make([]byte, MaxFrameSize+1)); err == nil {
		t.Fatalf("expected size error")
	}
	var hdr [4]byte
	hdr[0] = 0xff
	if _, err := ReadFrame(bytes.NewReader(hdr[:])); err == nil {
		t.Fatalf("expected invalid frame size")
	}
}

func TestWriteFrame(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteFrame(&buf, []byte("abc")); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	got, err := ReadFrame(&buf)
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if string(got) != "abc" {
		t.Fatalf("frame payload %q", got)
	}
}

func TestRelayEnvelopeRoundTrip(t *testing.T) {
	env := RelayEnvelope{
		Type:      RelayTypeConnect,
		From:      testSender,
		PublicKey: ByteArray{1, 2, 3},
	}
	data, err := EncodeRelayEnvelope(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := DecodeRelayEnvelope(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !reflect.DeepEqual(env, got) {
		t.Fatalf("round trip mismatch: %+v vs %+v", env, got)
	}
	if _, err := DecodeRelayEnvelope([]byte(`{"type":"bogus"}`)); err == nil {
		t.Fatalf("expected type error")
	}
}

func TestSniffType(t *testing.T) {
	if typ, ok := SniffType([]byte(`{"type":"message","from":"a"}`)); !ok || typ != "message" {
		t.Fatalf("sniff type = %q, %v", typ, ok)
	}
	if typ, ok := SniffType([]byte(`{"kind":"broadcast"}`)); !ok || typ != "broadcast" {
		t.Fatalf("sniff kind = %q, %v", typ, ok)
	}
	if _, ok := SniffType([]byte(`garbage`)); ok {
		t.Fatalf("expected sniff failure")
	}
}
