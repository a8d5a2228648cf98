// Package server implements the control server: it accepts device
// connections, runs a reader and a writer per session, and funnels every
// inbound message through a single dispatcher that owns registry updates.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/kallberg/pdt/internal/metrics"
	"github.com/kallberg/pdt/internal/protocol"
	"github.com/kallberg/pdt/internal/registry"
	"github.com/kallberg/pdt/internal/store"
)

// ErrDispatcherStopped is returned by Serve when the dispatcher exits
// while the server is still running. No client can be serviced after
// that, so the process should exit and be restarted.
var ErrDispatcherStopped = errors.New("dispatcher stopped")

// ErrNotCommand is returned when an admin tries to send a message that
// does not travel from the server to a device.
var ErrNotCommand = errors.New("message is not a device command")

const (
	defaultOutboxSize     = 64
	defaultEventQueueSize = 256
	journalTimeout        = 2 * time.Second
	journalQueueSize      = 1024
	acceptRetryDelay      = 50 * time.Millisecond
	shutdownGrace         = 2 * time.Second
)

// Config holds the server's tunables and collaborators.
type Config struct {
	OutboxSize     int // per-session outbound queue capacity
	EventQueueSize int // server-wide inbound event queue capacity
	Logger         zerolog.Logger
	Store          store.Store        // optional session journal
	Metrics        *metrics.Server    // optional
	Build          protocol.BuildInfo // zero value means protocol.LocalBuildInfo()
}

// Server is the control server. Create one with New and run it with
// ListenAndServe or Serve.
type Server struct {
	cfg      Config
	log      zerolog.Logger
	registry *registry.Registry
	store    store.Store
	metrics  *metrics.Server
	build    protocol.BuildInfo
	events   chan Event
	sessions sync.WaitGroup
	journalq chan journalEntry
}

// journalEntry is one pending store write.
type journalEntry struct {
	op string
	fn func(ctx context.Context) error
}

// New creates a server from cfg, filling in defaults.
func New(cfg Config) *Server {
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = defaultOutboxSize
	}
	if cfg.EventQueueSize <= 0 {
		cfg.EventQueueSize = defaultEventQueueSize
	}
	if cfg.Store == nil {
		cfg.Store = store.Nop{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewServer(nil)
	}
	if cfg.Build == (protocol.BuildInfo{}) {
		cfg.Build = protocol.LocalBuildInfo()
	}

	return &Server{
		cfg:      cfg,
		log:      cfg.Logger,
		registry: registry.New(),
		store:    cfg.Store,
		metrics:  cfg.Metrics,
		build:    cfg.Build,
		events:   make(chan Event, cfg.EventQueueSize),
		journalq: make(chan journalEntry, journalQueueSize),
	}
}

// ListenAndServe binds addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln and runs the dispatcher. It returns nil
// after ctx is cancelled and every session has been torn down, or
// ErrDispatcherStopped if the dispatcher dies first.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.log.Info().Str("addr", ln.Addr().String()).Str("version", s.build.Version()).Msg("Control server listening")

	journalDone := make(chan struct{})
	go func() {
		defer close(journalDone)
		s.runJournal()
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.dispatch(gctx) })
	g.Go(func() error { return s.acceptLoop(gctx, ln) })
	g.Go(func() error {
		<-gctx.Done()
		_ = ln.Close()
		// Closing every outbound queue makes each writer send a final
		// goodbye and tear its session down.
		s.registry.Close()
		return nil
	})

	err := g.Wait()
	s.sessions.Wait()
	// Every session has closed, so nothing journals any more.
	close(s.journalq)
	<-journalDone

	if err != nil {
		s.log.Error().Err(err).Msg("Control server stopped")
		return err
	}
	s.log.Info().Msg("Control server stopped")
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.Warn().Err(err).Msg("Accept failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(acceptRetryDelay):
			}
			continue
		}

		s.sessions.Add(1)
		go func() {
			defer s.sessions.Done()
			s.handleConn(ctx, conn)
		}()
	}
}

// ListDevices returns a snapshot of every live session.
func (s *Server) ListDevices() []registry.Device {
	return s.registry.Snapshot()
}

// SendCommand queues a device command on one session.
func (s *Server) SendCommand(id registry.ID, kind protocol.Kind) error {
	if !kind.IsClient() {
		return fmt.Errorf("%w: %s", ErrNotCommand, kind)
	}
	return s.send(id, protocol.Command(kind))
}

// Device returns the snapshot of one live session.
func (s *Server) Device(id registry.ID) (registry.Device, bool) {
	return s.registry.Get(id)
}

// Broadcast queues a device command on every live session and reports
// the per-session outcome.
func (s *Server) Broadcast(kind protocol.Kind) (map[registry.ID]error, error) {
	if !kind.IsClient() {
		return nil, fmt.Errorf("%w: %s", ErrNotCommand, kind)
	}
	results := make(map[registry.ID]error)
	for _, id := range s.registry.IDs() {
		results[id] = s.send(id, protocol.Command(kind))
	}
	return results, nil
}

// Disconnect ends a session: the device is sent a goodbye and the
// connection is closed once the writer drains.
func (s *Server) Disconnect(id registry.ID) error {
	return s.registry.Disconnect(id)
}

// Sessions returns the journal's session history, newest first.
func (s *Server) Sessions(ctx context.Context, limit int) ([]*store.SessionRecord, error) {
	return s.store.ListSessions(ctx, limit)
}

func (s *Server) send(id registry.ID, m protocol.Message) error {
	err := s.registry.Send(id, m)
	if err != nil {
		s.metrics.ObserveSendError(err)
	}
	return err
}

// journal queues a best-effort store write without blocking. Writes run
// in order on the journal worker; failures are logged only.
func (s *Server) journal(op string, fn func(ctx context.Context) error) {
	select {
	case s.journalq <- journalEntry{op: op, fn: fn}:
	default:
		s.log.Warn().Str("op", op).Msg("Session journal backlogged; dropping write")
	}
}

// runJournal performs queued store writes until the queue is closed.
func (s *Server) runJournal() {
	for e := range s.journalq {
		ctx, cancel := context.WithTimeout(context.Background(), journalTimeout)
		if err := e.fn(ctx); err != nil {
			s.log.Warn().Err(err).Str("op", e.op).Msg("Session journal write failed")
		}
		cancel()
	}
}
