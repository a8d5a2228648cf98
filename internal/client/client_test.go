package client

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kallberg/pdt/internal/actions"
	"github.com/kallberg/pdt/internal/metrics"
	"github.com/kallberg/pdt/internal/protocol"
)

const testTimeout = 5 * time.Second

var testBuild = protocol.ParseVersion("0.1.0")

// fakeServer accepts device connections on loopback and hands them to
// the test.
type fakeServer struct {
	ln    net.Listener
	conns chan *peer

	mu  sync.Mutex
	all []net.Conn
}

type peer struct {
	conn net.Conn
	enc  *protocol.Encoder
	dec  *protocol.Decoder
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fs := &fakeServer{ln: ln, conns: make(chan *peer, 8)}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			fs.mu.Lock()
			fs.all = append(fs.all, conn)
			fs.mu.Unlock()
			fs.conns <- &peer{conn: conn, enc: protocol.NewEncoder(conn), dec: protocol.NewDecoder(conn)}
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		fs.mu.Lock()
		defer fs.mu.Unlock()
		for _, c := range fs.all {
			_ = c.Close()
		}
	})
	return fs
}

func (fs *fakeServer) addr() string { return fs.ln.Addr().String() }

func (fs *fakeServer) accept(t *testing.T) *peer {
	t.Helper()
	select {
	case p := <-fs.conns:
		return p
	case <-time.After(testTimeout):
		t.Fatal("no connection from device")
		return nil
	}
}

func (p *peer) next(t *testing.T) protocol.Message {
	t.Helper()
	require.NoError(t, p.conn.SetReadDeadline(time.Now().Add(testTimeout)))
	m, err := p.dec.Decode()
	require.NoError(t, err)
	return m
}

func (p *peer) send(t *testing.T, m protocol.Message) {
	t.Helper()
	require.NoError(t, p.enc.Encode(m))
}

// expectHello reads the handshake and checks it came from the device.
func (p *peer) expectHello(t *testing.T, name string) {
	t.Helper()
	m := p.next(t)
	require.Equal(t, protocol.Hello, m.Kind)
	require.NotNil(t, m.Introduction)
	assert.Equal(t, name, m.Introduction.Name)
	assert.Equal(t, testBuild, m.Introduction.BuildInfo)
}

// expectEOF reads until the device closes the connection and returns
// the kinds seen on the way.
func (p *peer) expectEOF(t *testing.T) []protocol.Kind {
	t.Helper()
	require.NoError(t, p.conn.SetReadDeadline(time.Now().Add(testTimeout)))
	var kinds []protocol.Kind
	for {
		m, err := p.dec.Decode()
		if err != nil {
			require.ErrorIs(t, err, protocol.ErrIO)
			return kinds
		}
		kinds = append(kinds, m.Kind)
	}
}

type recordingSleeper struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *recordingSleeper) sleep(ctx context.Context, d time.Duration) error {
	r.mu.Lock()
	r.waits = append(r.waits, d)
	r.mu.Unlock()
	return ctx.Err()
}

func (r *recordingSleeper) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.waits...)
}

type recordingInvoker struct {
	mu    sync.Mutex
	kinds []protocol.Kind
	fail  map[protocol.Kind]error
}

func (r *recordingInvoker) Invoke(_ context.Context, kind protocol.Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
	return r.fail[kind]
}

func (r *recordingInvoker) invoked() []protocol.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Kind(nil), r.kinds...)
}

func newSession(t *testing.T, cfg Config) *Session {
	t.Helper()
	cfg.Logger = zerolog.New(zerolog.NewTestWriter(t))
	cfg.Build = testBuild
	if cfg.Name == "" {
		cfg.Name = "ASH"
	}
	if cfg.DeviceInfo == nil {
		cfg.DeviceInfo = func(_ context.Context, name string) protocol.DeviceInfo {
			return protocol.DeviceInfo{Name: name, OS: "linux", OSVersion: "x", Uptime: "1h"}
		}
	}
	if cfg.Sleep == nil {
		cfg.Sleep = (&recordingSleeper{}).sleep
	}
	return New(cfg)
}

func runSession(s *Session) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Run(context.Background()) }()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(testTimeout):
		t.Fatal("session did not return")
		return nil
	}
}

func TestBackoff(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		assert.Equal(t, time.Second, Backoff(attempt), "attempt %d", attempt)
	}
	assert.Equal(t, 11*time.Second, Backoff(11))
	assert.Equal(t, 12*time.Second, Backoff(12))
	assert.Equal(t, 30*time.Second, Backoff(30))
}

func TestHandshakeAndDeviceInfo(t *testing.T) {
	fs := newFakeServer(t)
	s := newSession(t, Config{Addr: fs.addr()})
	done := runSession(s)

	p := fs.accept(t)
	p.expectHello(t, "ASH")

	p.send(t, protocol.Command(protocol.RequestDeviceInfo))
	m := p.next(t)
	require.Equal(t, protocol.DeviceInfoReport, m.Kind)
	assert.Equal(t, protocol.DeviceInfo{Name: "ASH", OS: "linux", OSVersion: "x", Uptime: "1h"}, *m.DeviceInfo)
	assert.Equal(t, Receiving, s.State())

	p.send(t, protocol.Command(protocol.ClientGoodbye))
	assert.Equal(t, []protocol.Kind{protocol.ServerGoodbye}, p.expectEOF(t))
	require.NoError(t, waitRun(t, done))
	assert.Equal(t, Closed, s.State())
}

func TestDefaultDeviceInfoComesFromHost(t *testing.T) {
	fs := newFakeServer(t)
	s := New(Config{
		Addr:   fs.addr(),
		Name:   "ASH",
		Build:  testBuild,
		Logger: zerolog.New(zerolog.NewTestWriter(t)),
	})
	done := runSession(s)

	p := fs.accept(t)
	p.expectHello(t, "ASH")
	p.send(t, protocol.Command(protocol.RequestDeviceInfo))
	m := p.next(t)
	require.Equal(t, protocol.DeviceInfoReport, m.Kind)
	require.NotNil(t, m.DeviceInfo)
	assert.Equal(t, "ASH", m.DeviceInfo.Name)
	assert.NotEmpty(t, m.DeviceInfo.OS)

	p.send(t, protocol.Command(protocol.ClientGoodbye))
	p.expectEOF(t)
	require.NoError(t, waitRun(t, done))
}

func TestActionsRunAndFailuresKeepSession(t *testing.T) {
	fs := newFakeServer(t)
	inv := &recordingInvoker{fail: map[protocol.Kind]error{
		protocol.ScreenOn: &actions.CommandError{Kind: protocol.ScreenOn, Err: errors.New("exit status 1")},
	}}
	m := metrics.NewAgent(nil)
	s := newSession(t, Config{Addr: fs.addr(), Actions: inv, Metrics: m})
	done := runSession(s)

	p := fs.accept(t)
	p.expectHello(t, "ASH")
	p.send(t, protocol.Command(protocol.ScreenOff))
	p.send(t, protocol.Command(protocol.ScreenOn))
	p.send(t, protocol.Command(protocol.ScreenOff))

	// The session is still answering after the failure.
	p.send(t, protocol.Command(protocol.RequestDeviceInfo))
	assert.Equal(t, protocol.DeviceInfoReport, p.next(t).Kind)

	assert.Equal(t, []protocol.Kind{protocol.ScreenOff, protocol.ScreenOn, protocol.ScreenOff}, inv.invoked())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Commands.WithLabelValues("screen_off", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Commands.WithLabelValues("screen_on", "error")))

	p.send(t, protocol.Command(protocol.ClientGoodbye))
	p.expectEOF(t)
	require.NoError(t, waitRun(t, done))
}

func TestInitialConnectFailureIsFatal(t *testing.T) {
	refused := errors.New("connection refused")
	sl := &recordingSleeper{}
	s := newSession(t, Config{
		Addr:       "127.0.0.1:1",
		MaxRetries: 5,
		Sleep:      sl.sleep,
		Dial: func(context.Context, string) (net.Conn, error) {
			return nil, refused
		},
	})

	err := s.Run(context.Background())
	require.ErrorIs(t, err, refused)
	assert.NotErrorIs(t, err, ErrRetriesExhausted)
	assert.Empty(t, sl.recorded(), "no retries before the first connection")
	assert.Equal(t, Closed, s.State())
}

func TestReconnectBackoffUntilExhausted(t *testing.T) {
	fs := newFakeServer(t)
	sl := &recordingSleeper{}
	m := metrics.NewAgent(nil)

	var dials int
	refused := errors.New("connection refused")
	s := newSession(t, Config{
		Addr:       fs.addr(),
		MaxRetries: 12,
		Sleep:      sl.sleep,
		Metrics:    m,
		Dial: func(ctx context.Context, addr string) (net.Conn, error) {
			dials++
			if dials == 1 {
				return dialTCP(ctx, addr)
			}
			return nil, refused
		},
	})
	done := runSession(s)

	p := fs.accept(t)
	p.expectHello(t, "ASH")
	require.NoError(t, p.conn.Close())

	err := waitRun(t, done)
	require.ErrorIs(t, err, ErrRetriesExhausted)
	require.ErrorIs(t, err, refused)

	want := make([]time.Duration, 0, 12)
	for range 10 {
		want = append(want, time.Second)
	}
	want = append(want, 11*time.Second, 12*time.Second)
	assert.Equal(t, want, sl.recorded())
	assert.Equal(t, 13, dials)
	assert.Equal(t, 12.0, testutil.ToFloat64(m.Reconnects))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Connected))
}

func TestReconnectSucceedsOnThirdAttempt(t *testing.T) {
	fs := newFakeServer(t)
	sl := &recordingSleeper{}

	var mu sync.Mutex
	var dials int
	s := newSession(t, Config{
		Addr:       fs.addr(),
		MaxRetries: 5,
		Sleep:      sl.sleep,
		Dial: func(ctx context.Context, addr string) (net.Conn, error) {
			mu.Lock()
			dials++
			n := dials
			mu.Unlock()
			// First connect succeeds, then retries 1 and 2 fail.
			if n == 2 || n == 3 {
				return nil, errors.New("network unreachable")
			}
			return dialTCP(ctx, addr)
		},
	})
	done := runSession(s)

	first := fs.accept(t)
	first.expectHello(t, "ASH")
	require.NoError(t, first.conn.Close())

	// A fresh connection introduces itself again and is fully served.
	second := fs.accept(t)
	second.expectHello(t, "ASH")
	second.send(t, protocol.Command(protocol.RequestDeviceInfo))
	assert.Equal(t, protocol.DeviceInfoReport, second.next(t).Kind)
	assert.Equal(t, Receiving, s.State())
	assert.Equal(t, []time.Duration{time.Second, time.Second, time.Second}, sl.recorded())

	second.send(t, protocol.Command(protocol.ClientGoodbye))
	assert.Equal(t, []protocol.Kind{protocol.ServerGoodbye}, second.expectEOF(t))
	require.NoError(t, waitRun(t, done))
}

func TestShutdownSaysGoodbyeWithoutReconnecting(t *testing.T) {
	fs := newFakeServer(t)
	sl := &recordingSleeper{}
	s := newSession(t, Config{Addr: fs.addr(), MaxRetries: 3, Sleep: sl.sleep})
	done := runSession(s)

	p := fs.accept(t)
	p.expectHello(t, "ASH")
	require.Eventually(t, func() bool { return s.State() == Receiving }, testTimeout, time.Millisecond)

	s.Shutdown()
	assert.Equal(t, []protocol.Kind{protocol.ServerGoodbye}, p.expectEOF(t))
	require.NoError(t, waitRun(t, done))
	assert.Empty(t, sl.recorded())
	assert.Equal(t, Closed, s.State())

	// A finished session cannot be run again.
	assert.ErrorIs(t, s.Run(context.Background()), ErrClosed)
}

func TestContextCancelEndsSession(t *testing.T) {
	fs := newFakeServer(t)
	s := newSession(t, Config{Addr: fs.addr(), MaxRetries: 3})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	p := fs.accept(t)
	p.expectHello(t, "ASH")
	require.Eventually(t, func() bool { return s.State() == Receiving }, testTimeout, time.Millisecond)

	cancel()
	assert.Equal(t, []protocol.Kind{protocol.ServerGoodbye}, p.expectEOF(t))
	require.NoError(t, waitRun(t, done))
}

func TestShutdownDuringBackoffStopsRetrying(t *testing.T) {
	fs := newFakeServer(t)
	s := newSession(t, Config{
		Addr:       fs.addr(),
		MaxRetries: 3,
		Sleep: func(ctx context.Context, d time.Duration) error {
			<-ctx.Done()
			return ctx.Err()
		},
	})
	done := runSession(s)

	p := fs.accept(t)
	p.expectHello(t, "ASH")
	require.NoError(t, p.conn.Close())
	require.Eventually(t, func() bool { return s.State() == Reconnecting }, testTimeout, time.Millisecond)

	s.Shutdown()
	require.NoError(t, waitRun(t, done))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "receiving", Receiving.String())
	assert.Equal(t, "reconnecting", Reconnecting.String())
	assert.Equal(t, "state(42)", State(42).String())
}
