package connection

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/codewiresh/livetrack/internal/protocol"
)

// ErrClosed is returned when sending on a closed pipe.
var ErrClosed = errors.New("connection closed")

// Pipe is an in-memory Conn. Two pipes created by NewPipe are wired back to
// back; closing either end closes both.
type Pipe struct {
	id    string
	in    chan *protocol.Envelope
	peer  *Pipe
	state *pipeState
}

type pipeState struct {
	once   sync.Once
	closed chan struct{}
}

// NewPipe returns two connected ends.
func NewPipe() (*Pipe, *Pipe) {
	st := &pipeState{closed: make(chan struct{})}
	a := &Pipe{id: uuid.NewString(), in: make(chan *protocol.Envelope, 64), state: st}
	b := &Pipe{id: uuid.NewString(), in: make(chan *protocol.Envelope, 64), state: st}
	a.peer, b.peer = b, a
	return a, b
}

func (p *Pipe) ID() string { return p.id }

func (p *Pipe) Send(ctx context.Context, e *protocol.Envelope) error {
	select {
	case <-p.state.closed:
		return ErrClosed
	default:
	}
	cp := *e
	select {
	case p.peer.in <- &cp:
		return nil
	case <-p.state.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipe) Recv(ctx context.Context) (*protocol.Envelope, error) {
	select {
	case e := <-p.in:
		return e, nil
	default:
	}
	select {
	case e := <-p.in:
		return e, nil
	case <-p.state.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (p *Pipe) Close() error {
	p.state.once.Do(func() { close(p.state.closed) })
	return nil
}

// Closed reports whether the pipe has been closed from either end.
func (p *Pipe) Closed() bool {
	select {
	case <-p.state.closed:
		return true
	default:
		return false
	}
}
