// Package connection is the duplex, message-oriented transport the tracker
// and its clients exchange envelopes over. Each connection carries an
// opaque identity; delivery is ordered within one connection only.
package connection

import (
	"context"

	"github.com/codewiresh/livetrack/internal/protocol"
)

// Conn is one live transport connection.
type Conn interface {
	// ID is the opaque connection identity.
	ID() string
	// Send writes one envelope. It is safe for concurrent use.
	Send(ctx context.Context, e *protocol.Envelope) error
	// Recv blocks for the next envelope. It returns io.EOF once the peer
	// closed the connection normally.
	Recv(ctx context.Context) (*protocol.Envelope, error)
	Close() error
}

// Dialer opens client connections to a tracker connect endpoint.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}
