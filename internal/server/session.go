package server

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/kallberg/pdt/internal/protocol"
	"github.com/kallberg/pdt/internal/registry"
	"github.com/kallberg/pdt/internal/store"
)

// handleConn runs one session: a reader goroutine feeding the dispatcher
// and a writer draining the session's outbound queue. The registry entry
// exists for as long as the writer runs.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	id := registry.NewID()
	remote := conn.RemoteAddr().String()
	logger := s.log.With().Str("session_id", id.String()).Str("remote_addr", remote).Logger()

	outbound := make(chan protocol.Message, s.cfg.OutboxSize)
	if err := s.registry.Register(id, remote, outbound); err != nil {
		logger.Warn().Err(err).Msg("Rejecting connection")
		_ = conn.Close()
		return
	}

	connectedAt := time.Now()
	s.metrics.SessionsTotal.Inc()
	s.metrics.SessionsActive.Inc()
	s.journal("open_session", func(ctx context.Context) error {
		return s.store.OpenSession(ctx, &store.SessionRecord{
			ID:          id.String(),
			RemoteAddr:  remote,
			ConnectedAt: connectedAt,
		})
	})
	logger.Info().Msg("Device connected")

	// On shutdown, give the writer a bounded window to deliver the final
	// goodbye to a peer that may have stopped reading.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now().Add(shutdownGrace))
	})
	defer stop()

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		s.readLoop(ctx, id, protocol.NewDecoder(conn), logger)
		// Without a reader the session is over; closing the queue lets
		// the writer say goodbye and exit.
		_ = s.registry.Disconnect(id)
	}()

	s.writeLoop(protocol.NewEncoder(conn), outbound, logger)

	s.registry.Unregister(id)
	_ = conn.Close()
	<-readerDone

	s.metrics.SessionsActive.Dec()
	s.journal("close_session", func(ctx context.Context) error {
		return s.store.CloseSession(ctx, id.String(), time.Now())
	})
	logger.Info().Dur("duration", time.Since(connectedAt)).Msg("Device disconnected")
}

// readLoop decodes messages until a goodbye or a decode failure and
// forwards each, tagged with the session id, to the dispatcher.
func (s *Server) readLoop(ctx context.Context, id registry.ID, dec *protocol.Decoder, logger zerolog.Logger) {
	for {
		m, err := dec.Decode()
		if err != nil {
			s.emit(ctx, Event{SessionID: id, Err: err})
			return
		}

		logger.Debug().Stringer("message", m).Msg("Received")
		s.emit(ctx, Event{SessionID: id, Message: &m})

		if m.Kind == protocol.ServerGoodbye {
			return
		}
	}
}

// emit blocks until the dispatcher queue accepts ev or the server stops.
func (s *Server) emit(ctx context.Context, ev Event) {
	select {
	case s.events <- ev:
	case <-ctx.Done():
	}
}

// writeLoop sends queued messages in order. When the queue is closed it
// sends a final goodbye, ignoring failures, and returns.
func (s *Server) writeLoop(enc *protocol.Encoder, outbound <-chan protocol.Message, logger zerolog.Logger) {
	for {
		m, ok := <-outbound
		if !ok {
			if err := enc.Encode(protocol.Command(protocol.ClientGoodbye)); err != nil {
				logger.Debug().Err(err).Msg("Final goodbye not delivered")
			}
			return
		}

		if err := enc.Encode(m); err != nil {
			logger.Warn().Err(err).Stringer("message", m).Msg("Writing to device failed")
			return
		}
		logger.Debug().Stringer("message", m).Msg("Sent")
	}
}
