package protocol

import "fmt"

// Result carries the outcome of structural and semantic validation. Warnings
// never make a record invalid.
type Result struct {
	Valid    bool
	Errors   []string
	Warnings []string
}

func (r *Result) errf(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Result) warnf(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Validate checks the record without touching the sealed payload.
func Validate(m *Message) Result {
	var r Result
	if m == nil {
		r.errf("nil message")
		return r
	}
	if m.Kind == "" {
		r.errf("missing kind")
	} else if !KnownKind(m.Kind) {
		r.errf("unknown kind: %q", m.Kind)
	}
	if m.Sender == "" {
		r.errf("missing sender")
	}
	if m.Nonce == "" {
		r.errf("missing nonce")
	}
	if m.Version == "" {
		r.errf("missing version")
	} else if m.Version != ProtocolVersion {
		r.warnf("version mismatch: got %s, local %s", m.Version, ProtocolVersion)
	}
	if m.Timestamp < 0 {
		r.errf("negative timestamp")
	}
	if m.TTL < 0 {
		r.errf("negative ttl")
	}
	if m.Timestamp >= 0 && m.TTL >= 0 && nowMillis()-m.Timestamp > m.TTL {
		r.errf("expired")
	}

	switch m.Kind {
	case KindWhisper:
		if m.TargetID == "" {
			r.errf("whisper requires target_id")
		}
	case KindBroadcast:
		if m.MaxHops < 0 {
			r.errf("broadcast max_hops must be >= 0")
		}
		if m.CurrentHops < 0 {
			r.errf("broadcast current_hops must be >= 0")
		}
		if m.CurrentHops > m.MaxHops {
			r.errf("broadcast current_hops %d exceeds max_hops %d", m.CurrentHops, m.MaxHops)
		}
		if m.SeenBy == nil {
			r.errf("broadcast requires seen_by array")
		}
	case KindResonance:
		if m.Intent == "" {
			r.errf("resonance requires intent")
		}
		if m.Strength < 0 || m.Strength > 1 {
			r.errf("resonance strength %v out of [0,1]", m.Strength)
		}
	}

	r.Valid = len(r.Errors) == 0
	return r
}
