// Package client implements the device side of a session: connect,
// introduce itself, act on server commands, and reconnect with backoff
// when the connection is lost.
package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kallberg/pdt/internal/actions"
	"github.com/kallberg/pdt/internal/metrics"
	"github.com/kallberg/pdt/internal/protocol"
	"github.com/kallberg/pdt/internal/sysinfo"
)

var (
	// ErrClosed means the session was ended on purpose. It stops the
	// reconnect loop and is not a failure.
	ErrClosed = errors.New("session closed")
	// ErrRetriesExhausted is returned by Run when every reconnection
	// attempt failed. It wraps the last connection error.
	ErrRetriesExhausted = errors.New("reconnect retries exhausted")
)

const (
	dialTimeout        = 10 * time.Second
	backoffFixedPeriod = 10
)

// State is a step of the session lifecycle.
type State int32

const (
	Idle State = iota
	Connecting
	Handshaking
	Receiving
	Reconnecting
	Ending
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Handshaking:
		return "handshaking"
	case Receiving:
		return "receiving"
	case Reconnecting:
		return "reconnecting"
	case Ending:
		return "ending"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Backoff returns how long to wait before reconnection attempt n
// (1-based): one second for the first ten attempts, then n seconds.
func Backoff(attempt int) time.Duration {
	if attempt <= backoffFixedPeriod {
		return time.Second
	}
	return time.Duration(attempt) * time.Second
}

// Config configures a Session.
type Config struct {
	Addr       string
	Name       string
	MaxRetries int // reconnection attempts after a lost connection
	Logger     zerolog.Logger
	Build      protocol.BuildInfo // zero value means protocol.LocalBuildInfo()
	Metrics    *metrics.Agent     // optional

	// Actions performs device commands. Nil logs and skips them.
	Actions actions.Invoker
	// DeviceInfo answers the server's device info requests. Nil means
	// a sysinfo.Collector for the local host.
	DeviceInfo func(ctx context.Context, name string) protocol.DeviceInfo
	// Dial opens the connection. Nil means a TCP dial with a timeout.
	Dial func(ctx context.Context, addr string) (net.Conn, error)
	// Sleep waits between reconnection attempts. Nil means a timer
	// that stops early when ctx is done.
	Sleep func(ctx context.Context, d time.Duration) error
}

// link is one live connection with its codec. The decoder persists for
// the lifetime of the connection.
type link struct {
	conn net.Conn
	enc  *protocol.Encoder
	dec  *protocol.Decoder
}

// Session is a device's connection to the control server. A Session
// runs once; create a new one to connect again after Run returns.
type Session struct {
	cfg     Config
	log     zerolog.Logger
	metrics *metrics.Agent

	mu       sync.Mutex
	state    State
	shutdown bool
	started  bool
	current  *link
	cancel   context.CancelFunc
}

// New creates a session from cfg.
func New(cfg Config) *Session {
	if cfg.Build == (protocol.BuildInfo{}) {
		cfg.Build = protocol.LocalBuildInfo()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.NewAgent(nil)
	}
	if cfg.DeviceInfo == nil {
		cfg.DeviceInfo = sysinfo.NewCollector().Collect
	}
	if cfg.Dial == nil {
		cfg.Dial = dialTCP
	}
	if cfg.Sleep == nil {
		cfg.Sleep = sleep
	}
	return &Session{
		cfg:     cfg,
		log:     cfg.Logger.With().Str("server_addr", cfg.Addr).Logger(),
		metrics: cfg.Metrics,
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	if prev != next {
		s.log.Debug().Stringer("from", prev).Stringer("to", next).Msg("Session state changed")
	}
}

// Shutdown asks the session to end. It is safe to call from any
// goroutine and more than once. The read side of the live connection is
// closed so the receive loop wakes up, sees the request and says goodbye.
func (s *Session) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return
	}
	s.shutdown = true
	if s.cancel != nil {
		s.cancel()
	}
	if s.current != nil {
		closeRead(s.current.conn)
	}
}

func (s *Session) shutdownRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// Run connects, handshakes and serves server commands until the session
// ends. It returns nil when the session was ended on purpose, by the
// server's goodbye or by Shutdown or ctx. A failure to connect the first
// time is returned as is; losing the connection later triggers up to
// MaxRetries reconnection attempts before ErrRetriesExhausted.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.started || s.shutdown {
		s.mu.Unlock()
		return ErrClosed
	}
	s.started = true
	s.cancel = cancel
	s.mu.Unlock()

	stop := context.AfterFunc(ctx, s.Shutdown)
	defer stop()
	defer s.setState(Closed)

	l, err := s.connect(ctx)
	if err != nil {
		if errors.Is(err, ErrClosed) {
			return nil
		}
		return fmt.Errorf("connect to %s: %w", s.cfg.Addr, err)
	}

	for {
		err := s.receive(ctx, l)
		if errors.Is(err, ErrClosed) {
			return nil
		}

		s.log.Warn().Err(err).Msg("Connection to server lost")
		l, err = s.reconnect(ctx, err)
		if errors.Is(err, ErrClosed) {
			return nil
		}
		if err != nil {
			s.log.Error().Err(err).Msg("Giving up on server")
			return err
		}
	}
}

// connect dials the server and sends the Hello. On success the new link
// becomes the session's current link.
func (s *Session) connect(ctx context.Context) (*link, error) {
	s.setState(Connecting)
	conn, err := s.cfg.Dial(ctx, s.cfg.Addr)
	if err != nil {
		if s.shutdownRequested() {
			return nil, ErrClosed
		}
		return nil, err
	}

	s.setState(Handshaking)
	l := &link{conn: conn, enc: protocol.NewEncoder(conn), dec: protocol.NewDecoder(conn)}
	hello := protocol.NewHello(protocol.ClientIntroduction{Name: s.cfg.Name, BuildInfo: s.cfg.Build})
	if err := l.enc.Encode(hello); err != nil {
		_ = conn.Close()
		return nil, err
	}

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		s.end(l)
		return nil, ErrClosed
	}
	s.current = l
	s.mu.Unlock()

	s.setState(Receiving)
	s.metrics.Connected.Set(1)
	s.log.Info().Str("name", s.cfg.Name).Str("version", s.cfg.Build.Version()).Msg("Connected to server")
	return l, nil
}

// reconnect retries connect with backoff. cause is the error that lost
// the previous connection.
func (s *Session) reconnect(ctx context.Context, cause error) (*link, error) {
	s.setState(Reconnecting)
	lastErr := cause
	for attempt := 1; attempt <= s.cfg.MaxRetries; attempt++ {
		wait := Backoff(attempt)
		s.log.Info().Int("attempt", attempt).Int("max_retries", s.cfg.MaxRetries).Dur("wait", wait).Msg("Reconnecting")
		if err := s.cfg.Sleep(ctx, wait); err != nil || s.shutdownRequested() {
			return nil, ErrClosed
		}

		s.metrics.Reconnects.Inc()
		l, err := s.connect(ctx)
		if err == nil {
			return l, nil
		}
		if errors.Is(err, ErrClosed) {
			return nil, err
		}
		s.log.Warn().Err(err).Int("attempt", attempt).Msg("Reconnect failed")
		lastErr = err
		s.setState(Reconnecting)
	}
	return nil, fmt.Errorf("%w after %d attempts: %w", ErrRetriesExhausted, s.cfg.MaxRetries, lastErr)
}

// receive handles server messages on l until the connection fails or
// the session ends. It returns ErrClosed when the session ended on
// purpose and the connection error otherwise.
func (s *Session) receive(ctx context.Context, l *link) error {
	for {
		m, err := l.dec.Decode()
		if err != nil {
			s.detach(l)
			if s.shutdownRequested() {
				s.end(l)
				return ErrClosed
			}
			_ = l.conn.Close()
			return err
		}

		s.log.Debug().Stringer("message", m).Msg("Received")
		switch {
		case m.Kind == protocol.ClientGoodbye:
			s.log.Info().Msg("Server said goodbye")
			s.observe(m.Kind, "ok")
			s.mu.Lock()
			s.shutdown = true
			s.mu.Unlock()
			s.detach(l)
			s.end(l)
			return ErrClosed

		case m.Kind == protocol.RequestDeviceInfo:
			info := s.cfg.DeviceInfo(ctx, s.cfg.Name)
			if err := l.enc.Encode(protocol.NewDeviceInfo(info)); err != nil {
				s.observe(m.Kind, "error")
				s.detach(l)
				_ = l.conn.Close()
				return err
			}
			s.observe(m.Kind, "ok")
			s.log.Debug().Str("os", info.OS).Str("uptime", info.Uptime).Msg("Sent device info")

		case m.Kind.IsClient():
			s.invoke(ctx, m.Kind)

		default:
			s.log.Warn().Stringer("kind", m.Kind).Msg("Ignoring server-bound message from server")
		}
	}
}

// invoke runs a device action. Failures are logged and the session
// carries on.
func (s *Session) invoke(ctx context.Context, kind protocol.Kind) {
	if s.cfg.Actions == nil {
		s.log.Info().Stringer("kind", kind).Msg("No action handler; ignoring command")
		s.observe(kind, "skipped")
		return
	}
	if err := s.cfg.Actions.Invoke(ctx, kind); err != nil {
		result := "error"
		if errors.Is(err, actions.ErrUnsupported) {
			result = "unsupported"
		}
		s.observe(kind, result)
		s.log.Warn().Err(err).Stringer("kind", kind).Msg("Device action failed")
		return
	}
	s.observe(kind, "ok")
}

func (s *Session) observe(kind protocol.Kind, result string) {
	s.metrics.Commands.WithLabelValues(kind.String(), result).Inc()
}

// detach forgets l as the current link.
func (s *Session) detach(l *link) {
	s.mu.Lock()
	if s.current == l {
		s.current = nil
	}
	s.mu.Unlock()
	s.metrics.Connected.Set(0)
}

// end says goodbye on l, ignoring failures, and closes it.
func (s *Session) end(l *link) {
	s.setState(Ending)
	if err := l.enc.Encode(protocol.Command(protocol.ServerGoodbye)); err != nil {
		s.log.Debug().Err(err).Msg("Goodbye not delivered")
	}
	_ = l.conn.Close()
	s.log.Info().Msg("Session ended")
}

// closeRead wakes a reader blocked on conn without closing the write
// side, so a goodbye can still be sent.
func closeRead(conn net.Conn) {
	if cr, ok := conn.(interface{ CloseRead() error }); ok {
		if err := cr.CloseRead(); err == nil {
			return
		}
	}
	_ = conn.SetReadDeadline(time.Now())
}

func dialTCP(ctx context.Context, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: dialTimeout}
	return d.DialContext(ctx, "tcp", addr)
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
