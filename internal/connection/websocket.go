package connection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/codewiresh/livetrack/internal/protocol"
)

// MaxMessageSize bounds a single incoming envelope.
const MaxMessageSize = 1 << 20

// WSConn carries envelopes over a WebSocket. The negotiated subprotocol
// picks the codec: JSON envelopes are text messages, CBOR envelopes are
// binary messages.
type WSConn struct {
	id    string
	conn  *websocket.Conn
	codec protocol.Codec
	mu    sync.Mutex
}

// NewWSConn wraps an established WebSocket.
func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{
		id:    uuid.NewString(),
		conn:  conn,
		codec: protocol.CodecFor(conn.Subprotocol()),
	}
}

// ID returns the connection identity.
func (c *WSConn) ID() string { return c.id }

// Codec returns the negotiated codec.
func (c *WSConn) Codec() protocol.Codec { return c.codec }

// Send encodes e with the negotiated codec and writes it.
func (c *WSConn) Send(ctx context.Context, e *protocol.Envelope) error {
	data, err := c.codec.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding envelope: %w", err)
	}
	typ := websocket.MessageText
	if c.codec.Binary() {
		typ = websocket.MessageBinary
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Write(ctx, typ, data)
}

// Recv reads and decodes the next envelope. A normal close is reported as
// io.EOF. Either message type is accepted and decoded by its own codec.
func (c *WSConn) Recv(ctx context.Context) (*protocol.Envelope, error) {
	typ, data, err := c.conn.Read(ctx)
	if err != nil {
		var closeErr websocket.CloseError
		if errors.As(err, &closeErr) && (closeErr.Code == websocket.StatusNormalClosure || closeErr.Code == websocket.StatusGoingAway) {
			return nil, io.EOF
		}
		return nil, err
	}

	codec := protocol.JSON
	if typ == websocket.MessageBinary {
		codec = protocol.CBOR
	}
	var env protocol.Envelope
	if err := codec.Unmarshal(data, &env); err != nil {
		return nil, &DecodeError{Err: err}
	}
	return &env, nil
}

// Close sends a normal closure message and closes the WebSocket.
func (c *WSConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// DecodeError reports an undecodable message. The connection itself is
// still usable.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string { return e.Err.Error() }
func (e *DecodeError) Unwrap() error { return e.Err }

// Accept upgrades an HTTP request to a tracker connection.
func Accept(w http.ResponseWriter, r *http.Request) (*WSConn, error) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols:       protocol.Subprotocols(),
		InsecureSkipVerify: true, // browsers connect from arbitrary world URLs
	})
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(MaxMessageSize)
	return NewWSConn(ws), nil
}

// WSDialer dials tracker connect endpoints.
type WSDialer struct {
	// Codec selects the requested subprotocol. Nil means JSON.
	Codec protocol.Codec
	// HTTPHeader is sent with the upgrade request.
	HTTPHeader http.Header
}

// Dial connects to url. http(s) URLs are rewritten to ws(s).
func (d WSDialer) Dial(ctx context.Context, url string) (Conn, error) {
	codec := d.Codec
	if codec == nil {
		codec = protocol.JSON
	}
	ws, _, err := websocket.Dial(ctx, ToWS(url), &websocket.DialOptions{
		Subprotocols: []string{codec.Subprotocol()},
		HTTPHeader:   d.HTTPHeader,
	})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	ws.SetReadLimit(MaxMessageSize)
	return NewWSConn(ws), nil
}

// ToWS converts http(s):// to ws(s)://.
func ToWS(u string) string {
	switch {
	case strings.HasPrefix(u, "https://"):
		return "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		return "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u
}
