package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"whispernet/internal/protocol"
	"whispernet/internal/transport"
)

const (
	registerTimeout = 10 * time.Second
	forwardTimeout  = 5 * time.Second
)

// Server is a relay endpoint: nodes register with a "connect" envelope, get a
// "connected" acknowledgment, and from then on their "message" envelopes are
// forwarded to the registered target. Unroutable envelopes are dropped.
type Server struct {
	log *zap.Logger

	mu    sync.Mutex
	nodes map[string]*transport.Direct
}

func NewServer(log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{log: log, nodes: make(map[string]*transport.Direct)}
}

// Serve accepts until ctx is cancelled or the listener fails.
func (s *Server) Serve(ctx context.Context, ln *transport.Listener) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		return ln.Close()
	})
	g.Go(func() error {
		for {
			ch, err := ln.Accept(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			g.Go(func() error {
				s.handle(ctx, ch)
				return nil
			})
		}
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Server) handle(ctx context.Context, ch *transport.Direct) {
	defer ch.Close()

	regCtx, cancel := context.WithTimeout(ctx, registerTimeout)
	first, err := ch.Next(regCtx)
	cancel()
	if err != nil {
		s.log.Debug("relay register read failed", zap.Error(err))
		return
	}
	env, err := protocol.DecodeRelayEnvelope(first)
	if err != nil || env.Type != protocol.RelayTypeConnect || env.From == "" {
		s.log.Debug("relay register rejected", zap.Error(err))
		return
	}
	nodeID := env.From
	s.register(nodeID, ch)
	defer s.unregister(nodeID, ch)

	ack, err := protocol.EncodeRelayEnvelope(protocol.RelayEnvelope{
		Type: protocol.RelayTypeConnected,
		From: nodeID,
	})
	if err != nil {
		return
	}
	if err := ch.Send(ctx, ack); err != nil {
		s.log.Debug("relay ack send failed", zap.String("node", nodeID), zap.Error(err))
		return
	}
	s.log.Info("relay node registered", zap.String("node", nodeID))

	for {
		data, err := ch.Next(ctx)
		if err != nil {
			s.log.Debug("relay channel closed", zap.String("node", nodeID), zap.Error(err))
			return
		}
		msg, err := protocol.DecodeRelayEnvelope(data)
		if err != nil || msg.Type != protocol.RelayTypeMessage {
			s.log.Debug("relay envelope rejected", zap.String("node", nodeID), zap.Error(err))
			continue
		}
		s.forward(ctx, msg, data)
	}
}

func (s *Server) forward(ctx context.Context, env protocol.RelayEnvelope, raw []byte) {
	s.mu.Lock()
	target := s.nodes[env.To]
	s.mu.Unlock()
	if target == nil {
		s.log.Debug("relay drop: target not registered",
			zap.String("from", env.From), zap.String("to", env.To))
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, forwardTimeout)
	defer cancel()
	if err := target.Send(sendCtx, raw); err != nil {
		s.log.Debug("relay forward failed",
			zap.String("to", env.To), zap.Error(err))
	}
}

func (s *Server) register(nodeID string, ch *transport.Direct) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.nodes[nodeID]; ok && old != ch {
		_ = old.Close()
	}
	s.nodes[nodeID] = ch
}

func (s *Server) unregister(nodeID string, ch *transport.Direct) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nodes[nodeID] == ch {
		delete(s.nodes, nodeID)
	}
}

// Registered reports whether a node currently has a channel, for tests and
// the status surface.
func (s *Server) Registered(nodeID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.nodes[nodeID]
	return ok
}
