// Package store persists what the tracker wants to outlive a restart: the
// journal of session lifecycle events and the routes created through the
// server manager. The live session directory itself is never persisted.
package store

import (
	"context"
	"time"
)

// Event kinds written to the journal.
const (
	EventRegistered   = "registered"
	EventUnregistered = "unregistered"
	EventDisconnected = "disconnected"
	EventExpired      = "expired"
	EventReset        = "reset"
	EventSandboxStart = "sandbox_start"
	EventSandboxStop  = "sandbox_stop"
)

// Event is one journal entry.
type Event struct {
	ID        int64     `json:"id"`
	Route     string    `json:"route"`
	Kind      string    `json:"kind"`
	SessionID string    `json:"session_id,omitempty"`
	User      string    `json:"user,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	At        time.Time `json:"at"`
}

// RouteRecord is a tracker route created at runtime.
type RouteRecord struct {
	Route     string    `json:"route"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the tracker's storage interface. All methods are safe for
// concurrent use.
type Store interface {
	// Journal.
	EventAppend(ctx context.Context, ev Event) error
	// EventList returns the newest events for route first. An empty route
	// lists every route.
	EventList(ctx context.Context, route string, limit int) ([]Event, error)

	// Routes created through the server manager.
	RouteSave(ctx context.Context, r RouteRecord) error
	RouteDelete(ctx context.Context, route string) error
	RouteList(ctx context.Context) ([]RouteRecord, error)

	// Close releases resources (e.g. closes the database).
	Close() error
}
