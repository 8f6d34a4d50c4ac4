// internal/gossip/extension.go
package gossip

import (
	"fmt"

	"go.uber.org/zap"

	"whispernet/internal/connmgr"
	"whispernet/internal/protocol"
)

// Extension is a higher-level subsystem riding on the fabric. Handlers get a
// read-only view of the record; they send by calling back into the
// orchestrator, never by touching transports.
type Extension interface {
	ID() string
	Version() string
	SupportedKinds() []protocol.Kind
	Initialize(o *Orchestrator) error
	HandleMessage(m *protocol.Message, peer connmgr.PeerInfo) error
	Cleanup() error
}

// registry keeps registration order; dispatch iterates it and contains each
// handler's failures.
type registry struct {
	byID  map[string]Extension
	order []Extension
}

func newRegistry() *registry {
	return &registry{byID: make(map[string]Extension)}
}

func (r *registry) add(ext Extension) error {
	id := ext.ID()
	if id == "" {
		return fmt.Errorf("extension id empty")
	}
	if _, ok := r.byID[id]; ok {
		return fmt.Errorf("extension %q already registered", id)
	}
	r.byID[id] = ext
	r.order = append(r.order, ext)
	return nil
}

func (r *registry) remove(id string) (Extension, bool) {
	ext, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	delete(r.byID, id)
	for i, e := range r.order {
		if e.ID() == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return ext, true
}

func (r *registry) list() []Extension {
	out := make([]Extension, len(r.order))
	copy(out, r.order)
	return out
}

func (r *registry) len() int {
	return len(r.byID)
}

func supportsKind(ext Extension, kind protocol.Kind) bool {
	for _, k := range ext.SupportedKinds() {
		if k == kind {
			return true
		}
	}
	return false
}

// dispatchTo runs one handler with its failures contained: an error or panic
// is logged and never reaches the pipeline.
func dispatchTo(log *zap.Logger, ext Extension, m *protocol.Message, peer connmgr.PeerInfo) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("extension panicked",
				zap.String("extension", ext.ID()),
				zap.Any("panic", r))
		}
	}()
	if err := ext.HandleMessage(m, peer); err != nil {
		log.Warn("extension handler failed",
			zap.String("extension", ext.ID()),
			zap.String("kind", string(m.Kind)),
			zap.Error(err))
	}
}
