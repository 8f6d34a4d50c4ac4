package connmgr

import "errors"

var (
	// ErrInvalidID rejects malformed node ids synchronously on entry.
	ErrInvalidID = errors.New("invalid node id")
	// ErrTransportUnavailable reports that neither the direct channel nor
	// any relay endpoint could be opened.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrDecryptionFailed covers auth-tag mismatches and DH derivation
	// failures on receive.
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrNotConnected rejects sends to peers outside a sending state.
	ErrNotConnected = errors.New("peer not in a sending state")
	// ErrUnknownPeer rejects operations on peers the manager never met.
	ErrUnknownPeer = errors.New("unknown peer")
)
