// Package registry holds the server's authoritative map of live sessions:
// their outbound queues and the device metadata learned over each session.
package registry

import (
	"crypto/rand"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/kallberg/pdt/internal/protocol"
)

// Errors returned by registry operations.
var (
	ErrClientNotFound = errors.New("client not found")
	ErrChannelClosed  = errors.New("client send channel closed")
	ErrQueueFull      = errors.New("client send queue full")
	ErrDuplicateID    = errors.New("session id already registered")
	ErrClosed         = errors.New("registry closed")
)

// ID identifies a session. It is minted by the server when a connection
// is accepted and never reused.
type ID = ulid.ULID

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewID mints a fresh, monotonically sortable session id.
func NewID() ID {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
}

// ParseID parses the canonical string form of a session id.
func ParseID(s string) (ID, error) {
	return ulid.ParseStrict(s)
}

// Device is a read-only copy of a registry entry. It never exposes the
// entry's outbound queue.
type Device struct {
	ID          ID                  `json:"id"`
	Name        string              `json:"name"`
	RemoteAddr  string              `json:"remote_addr"`
	ConnectedAt time.Time           `json:"connected_at"`
	LastSeen    time.Time           `json:"last_seen"`
	BuildInfo   *protocol.BuildInfo `json:"build_info,omitempty"`
	DeviceInfo  protocol.DeviceInfo `json:"device_info"`
	Reported    bool                `json:"reported"` // device info received at least once
}

type client struct {
	id          ID
	remoteAddr  string
	connectedAt time.Time
	lastSeen    time.Time
	name        string
	buildInfo   *protocol.BuildInfo
	deviceInfo  *protocol.DeviceInfo
	outbound    chan<- protocol.Message
	closed      bool
}

// Registry maps session ids to live clients. All methods are safe for
// concurrent use; the lock is never held across network I/O.
type Registry struct {
	mu      sync.RWMutex
	clients map[ID]*client
	closed  bool
	now     func() time.Time
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		clients: make(map[ID]*client),
		now:     time.Now,
	}
}

// Register inserts a new entry with empty metadata. The registry takes
// ownership of outbound and closes it on Unregister, Disconnect or Close.
func (r *Registry) Register(id ID, remoteAddr string, outbound chan<- protocol.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrClosed
	}
	if _, exists := r.clients[id]; exists {
		return ErrDuplicateID
	}

	now := r.now()
	r.clients[id] = &client{
		id:          id,
		remoteAddr:  remoteAddr,
		connectedAt: now,
		lastSeen:    now,
		outbound:    outbound,
	}
	return nil
}

// Unregister removes the entry. It is idempotent.
func (r *Registry) Unregister(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[id]
	if !ok {
		return
	}
	c.closeOutbound()
	delete(r.clients, id)
}

// Disconnect closes the outbound queue of a session while leaving its
// entry in place. The session's writer sends a final goodbye and the
// session tears itself down.
func (r *Registry) Disconnect(id ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[id]
	if !ok {
		return ErrClientNotFound
	}
	c.closeOutbound()
	return nil
}

// Close closes every outbound queue and rejects further registrations.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.closed = true
	for _, c := range r.clients {
		c.closeOutbound()
	}
}

// Send enqueues m on the session's outbound queue without blocking.
func (r *Registry) Send(id ID, m protocol.Message) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[id]
	if !ok {
		return ErrClientNotFound
	}
	if c.closed {
		return ErrChannelClosed
	}

	select {
	case c.outbound <- m:
		return nil
	default:
		return ErrQueueFull
	}
}

// IDs returns the ids of all live sessions in ascending order.
func (r *Registry) IDs() []ID {
	r.mu.RLock()
	ids := make([]ID, 0, len(r.clients))
	for id := range r.clients {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i].Compare(ids[j]) < 0 })
	return ids
}

// UpdateName records the name a device introduced itself with.
func (r *Registry) UpdateName(id ID, name string) error {
	return r.update(id, func(c *client) { c.name = name })
}

// UpdateBuildInfo records the build a device reported in its handshake.
func (r *Registry) UpdateBuildInfo(id ID, info protocol.BuildInfo) error {
	return r.update(id, func(c *client) { c.buildInfo = &info })
}

// UpdateDeviceInfo records the latest device info report.
func (r *Registry) UpdateDeviceInfo(id ID, info protocol.DeviceInfo) error {
	return r.update(id, func(c *client) { c.deviceInfo = &info })
}

// Touch marks the session as seen now.
func (r *Registry) Touch(id ID) error {
	now := r.now()
	return r.update(id, func(c *client) { c.lastSeen = now })
}

func (r *Registry) update(id ID, fn func(*client)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	c, ok := r.clients[id]
	if !ok {
		return ErrClientNotFound
	}
	fn(c)
	return nil
}

// Get returns a copy of one entry.
func (r *Registry) Get(id ID) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[id]
	if !ok {
		return Device{}, false
	}
	return c.snapshot(), true
}

// Snapshot returns a copy of every entry ordered by session id, which is
// also connection order.
func (r *Registry) Snapshot() []Device {
	r.mu.RLock()
	devices := make([]Device, 0, len(r.clients))
	for _, c := range r.clients {
		devices = append(devices, c.snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(devices, func(i, j int) bool { return devices[i].ID.Compare(devices[j].ID) < 0 })
	return devices
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

func (c *client) closeOutbound() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.outbound)
}

func (c *client) snapshot() Device {
	d := Device{
		ID:          c.id,
		Name:        c.name,
		RemoteAddr:  c.remoteAddr,
		ConnectedAt: c.connectedAt,
		LastSeen:    c.lastSeen,
		DeviceInfo:  protocol.DefaultDeviceInfo(),
	}
	if c.buildInfo != nil {
		bi := *c.buildInfo
		d.BuildInfo = &bi
	}
	if c.deviceInfo != nil {
		d.DeviceInfo = *c.deviceInfo
		d.Reported = true
	}
	return d
}
