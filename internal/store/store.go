// Package store defines the persistence interface for the session journal.
// The live registry stays in memory; the journal only records history so
// operators can see which devices connected, when, and what they reported.
package store

import (
	"context"
	"time"

	"github.com/kallberg/pdt/internal/protocol"
)

// Store is the persistence interface for session history.
// Implementations must be safe for concurrent use.
type Store interface {
	OpenSession(ctx context.Context, rec *SessionRecord) error
	RecordIntroduction(ctx context.Context, id, name, version string) error
	RecordDeviceInfo(ctx context.Context, id string, info protocol.DeviceInfo) error
	CloseSession(ctx context.Context, id string, t time.Time) error
	ListSessions(ctx context.Context, limit int) ([]*SessionRecord, error)

	// Close releases database resources.
	Close() error
}

// SessionRecord is the persistent record of one device session.
type SessionRecord struct {
	ID             string     `json:"id"`
	RemoteAddr     string     `json:"remote_addr"`
	Name           string     `json:"name"`
	Version        string     `json:"version"`
	OS             string     `json:"os"`
	OSVersion      string     `json:"os_version"`
	Uptime         string     `json:"uptime"`
	ConnectedAt    time.Time  `json:"connected_at"`
	DisconnectedAt *time.Time `json:"disconnected_at,omitempty"`
}

// Nop is a Store that records nothing. Used when no database is configured.
type Nop struct{}

func (Nop) OpenSession(context.Context, *SessionRecord) error {
	return nil
}

func (Nop) RecordIntroduction(context.Context, string, string, string) error {
	return nil
}

func (Nop) RecordDeviceInfo(context.Context, string, protocol.DeviceInfo) error {
	return nil
}

func (Nop) CloseSession(context.Context, string, time.Time) error {
	return nil
}

func (Nop) ListSessions(context.Context, int) ([]*SessionRecord, error) {
	return []*SessionRecord{}, nil
}

func (Nop) Close() error { return nil }
