// Package client is the peer side of the session tracker: a session
// connection that registers with a tracker, reports user activity, keeps
// itself registered across transport failures, and exchanges remote
// evaluation requests with other peers.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codewiresh/livetrack/internal/clock"
	"github.com/codewiresh/livetrack/internal/connection"
	"github.com/codewiresh/livetrack/internal/protocol"
)

// ErrNoSession is returned by Send before Register minted a session id or
// after Unregister cleared it.
var ErrNoSession = errors.New("need a session id to talk to the session tracker")

// ErrQueueFull is returned when the outbound queue of the current
// transport is full.
var ErrQueueFull = errors.New("outbound queue full")

const (
	sendQueueSize = 256
	writeTimeout  = 10 * time.Second
	// selfCheckSpread is the jitter around RegisterTimeout, so clients
	// that lost the tracker together do not retry together.
	selfCheckSpread = 5 * time.Second
)

// Options configures a Connection.
type Options struct {
	// URL is the tracker base URL; the websocket endpoint is URL + "connect".
	URL      string
	Username string
	WorldURL string

	// RegisterTimeout is how long a registration may stay unacknowledged
	// before the transport is torn down and registration re-issued.
	RegisterTimeout time.Duration
	// ActivityInterval is the heartbeat period.
	ActivityInterval time.Duration
	// ReconnectJitter bounds the random delay before re-registering after
	// the transport closed.
	ReconnectJitter time.Duration
	DialTimeout     time.Duration

	// AllowRemoteEval answers remoteEvalRequest messages with Evaluator.
	AllowRemoteEval bool
	Evaluator       Evaluator

	// OnMessage receives envelopes that answer no pending request.
	OnMessage func(*protocol.Envelope)
	// OnStateChange observes state transitions. It runs outside the
	// connection's lock.
	OnStateChange func(from, to State)

	// Codec selects the wire format of the default websocket dialer.
	Codec  protocol.Codec
	Dialer connection.Dialer
	Clock  clock.Clock
	Logger *slog.Logger
	// Jitter returns a random duration in [lo, hi]. Defaults to uniform.
	Jitter func(lo, hi time.Duration) time.Duration
}

// Connection is a session connection to one tracker. All methods are safe
// for concurrent use. Callbacks run outside the connection's lock and may
// call back into it.
type Connection struct {
	opts       Options
	connectURL string
	logger     *slog.Logger
	clock      clock.Clock
	dialer     connection.Dialer
	eval       Evaluator
	jitter     func(lo, hi time.Duration) time.Duration

	mu        sync.Mutex
	deferred  []func() // run by unlock, after the lock is released
	state     State
	sessionID string
	gen       uint64
	tr        *transport
	pending   map[string]func(*protocol.Envelope)
	waiters   []func()

	selfCheck *clock.Timer
	heartbeat *clock.Timer
	reconnect *clock.Timer

	lastActivity int64
	lastReported int64
	activityID   string // pending activity report, at most one

	closed chan struct{} // closed by Unregister
}

// transport is one physical connection attempt. Envelopes queue in out
// until the dial completes; a single writer goroutine drains it.
type transport struct {
	gen        uint64
	registerID string // pending registerClient sent on this transport
	conn       connection.Conn
	out        chan *protocol.Envelope
	ctx        context.Context
	cancel     context.CancelFunc
	done       chan struct{}
	once       sync.Once
}

func (tr *transport) stop() {
	tr.once.Do(func() { close(tr.done) })
}

// New creates a disconnected Connection. Call Register to connect.
func New(opts Options) *Connection {
	if opts.RegisterTimeout <= 0 {
		opts.RegisterTimeout = 60 * time.Second
	}
	if opts.ActivityInterval <= 0 {
		opts.ActivityInterval = 20 * time.Second
	}
	if opts.ReconnectJitter <= 0 {
		opts.ReconnectJitter = selfCheckSpread
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 30 * time.Second
	}
	if opts.Username == "" {
		opts.Username = "anonymous"
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Dialer == nil {
		opts.Dialer = connection.WSDialer{Codec: opts.Codec}
	}
	if opts.Evaluator == nil {
		opts.Evaluator = ExprEvaluator{}
	}
	if opts.Jitter == nil {
		opts.Jitter = uniformJitter
	}
	return &Connection{
		opts:       opts,
		connectURL: ConnectURL(opts.URL),
		logger:     opts.Logger.With("component", "session", "tracker", opts.URL),
		clock:      opts.Clock,
		dialer:     opts.Dialer,
		eval:       opts.Evaluator,
		jitter:     opts.Jitter,
		pending:    make(map[string]func(*protocol.Envelope)),
		closed:     make(chan struct{}),
	}
}

// ConnectURL returns the websocket endpoint of a tracker base URL.
func ConnectURL(base string) string {
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + "connect"
}

func uniformJitter(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + rand.N(hi-lo+1)
}

// unlock releases the lock and then runs the callbacks queued while it was
// held.
func (c *Connection) unlock() {
	fns := c.deferred
	c.deferred = nil
	c.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (c *Connection) later(fn func()) {
	c.deferred = append(c.deferred, fn)
}

func (c *Connection) setStateLocked(to State) {
	from := c.state
	if !canTransition(from, to) {
		c.logger.Error("invalid session state transition", "from", from, "to", to)
		return
	}
	c.state = to
	if from != to && c.opts.OnStateChange != nil {
		fn := c.opts.OnStateChange
		c.later(func() { fn(from, to) })
	}
}

// Status returns the current state.
func (c *Connection) Status() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsConnected reports whether the tracker acknowledged the registration
// and the session id is still set.
func (c *Connection) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == Connected && c.sessionID != ""
}

// SessionID returns the session id, or "" before Register and after
// Unregister.
func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Connection) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Connected {
		return fmt.Sprintf("Session connection to %s", c.opts.URL)
	}
	return fmt.Sprintf("Session %s to %s\n  id: %s\n  user: %s", c.state, c.opts.URL, c.sessionID, c.opts.Username)
}

// Register connects to the tracker and registers the session. The session
// id is minted on first use and kept across reconnects.
func (c *Connection) Register() {
	c.mu.Lock()
	defer c.unlock()
	c.registerLocked()
}

func (c *Connection) registerLocked() {
	if c.sessionID == "" {
		c.sessionID = uuid.NewString()
	}
	select {
	case <-c.closed:
		c.closed = make(chan struct{})
	default:
	}
	c.stopTimer(&c.heartbeat)
	c.stopTimer(&c.reconnect)
	c.setStateLocked(Connecting)
	c.armSelfCheckLocked()

	id, err := c.sendLocked(Request{
		Action: protocol.ActionRegister,
		Data: protocol.Session{
			ID:           c.sessionID,
			WorldURL:     c.opts.WorldURL,
			User:         c.opts.Username,
			LastActivity: c.lastActivity,
		},
		Callback: c.registered,
	})
	if err != nil {
		c.logger.Warn("registration not sent", "err", err)
		return
	}
	if c.tr.registerID != "" {
		delete(c.pending, c.tr.registerID)
	}
	c.tr.registerID = id
}

// armSelfCheckLocked schedules a check that re-issues the registration if
// it has not been acknowledged by then. The delay is jittered around
// RegisterTimeout.
func (c *Connection) armSelfCheckLocked() {
	c.stopTimer(&c.selfCheck)
	spread := min(selfCheckSpread, c.opts.RegisterTimeout/2)
	delay := c.jitter(c.opts.RegisterTimeout-spread, c.opts.RegisterTimeout+spread)
	var tm *clock.Timer
	tm = c.clock.AfterFunc(delay, func() {
		c.mu.Lock()
		defer c.unlock()
		if c.selfCheck != tm {
			return
		}
		c.selfCheck = nil
		if c.state == Connected || c.sessionID == "" {
			return
		}
		c.logger.Info("registration not acknowledged, reconnecting", "session", c.sessionID)
		c.closeTransportLocked()
		c.registerLocked()
	})
	c.selfCheck = tm
}

// registered handles the registerClient acknowledgement.
func (c *Connection) registered(reply *protocol.Envelope) {
	var ack protocol.StatusMessage
	_ = reply.DecodeData(&ack)

	c.mu.Lock()
	defer c.unlock()
	// The session may have been unregistered while the ack was in flight.
	if c.sessionID == "" || c.tr == nil || c.state != Connecting {
		return
	}
	if ack.Error != "" {
		c.logger.Warn("registration rejected", "err", ack.Error)
		return
	}
	c.stopTimer(&c.selfCheck)
	c.setStateLocked(Connected)
	c.logger.Info("session established", "session", c.sessionID, "user", c.opts.Username)
	c.reportActivityLocked()

	waiters := c.waiters
	c.waiters = nil
	for _, fn := range waiters {
		c.later(fn)
	}
}

// WhenOnline runs fn once the connection is established, immediately if it
// already is.
func (c *Connection) WhenOnline(fn func()) {
	c.mu.Lock()
	defer c.unlock()
	if c.state == Connected && c.sessionID != "" {
		c.later(fn)
		return
	}
	c.waiters = append(c.waiters, fn)
}

// ReportActivity records the time of the latest user activity. The next
// heartbeat reports it if it changed.
func (c *Connection) ReportActivity(at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastActivity = at.UnixMilli()
}

// reportActivityLocked sends the activity timestamp if it changed since
// the last report and re-arms the heartbeat unconditionally.
func (c *Connection) reportActivityLocked() {
	if c.state != Connected {
		return
	}
	if c.lastActivity != 0 && c.lastActivity != c.lastReported {
		c.lastReported = c.lastActivity
		delete(c.pending, c.activityID)
		id, err := c.sendLocked(Request{
			Action:   protocol.ActionReportActivity,
			Data:     protocol.ActivityData{LastActivity: c.lastActivity},
			Callback: c.activityReported,
		})
		if err != nil {
			c.logger.Debug("activity report not sent", "err", err)
		}
		c.activityID = id
	}

	c.stopTimer(&c.heartbeat)
	var tm *clock.Timer
	tm = c.clock.AfterFunc(c.opts.ActivityInterval, func() {
		c.mu.Lock()
		defer c.unlock()
		if c.heartbeat != tm {
			return
		}
		c.heartbeat = nil
		c.reportActivityLocked()
	})
	c.heartbeat = tm
}

// activityReported consumes the tracker's acknowledgement of an activity
// report.
func (c *Connection) activityReported(reply *protocol.Envelope) {
	var ack protocol.StatusMessage
	if reply.DecodeData(&ack) == nil && ack.Error != "" {
		c.logger.Debug("activity report rejected", "err", ack.Error)
	}
}

// Unregister tells the tracker the session is gone, closes the transport,
// clears the session id and cancels every timer. Nothing reconnects
// afterwards unless Register is called again.
func (c *Connection) Unregister() {
	c.mu.Lock()
	defer c.unlock()

	if c.sessionID != "" && c.tr != nil {
		if _, err := c.sendLocked(Request{Action: protocol.ActionUnregister, Data: map[string]string{"id": c.sessionID}}); err != nil {
			c.logger.Debug("unregister not sent", "err", err)
		}
	}
	c.stopTimer(&c.selfCheck)
	c.stopTimer(&c.heartbeat)
	c.stopTimer(&c.reconnect)
	c.closeTransportLocked()
	c.sessionID = ""
	c.pending = make(map[string]func(*protocol.Envelope))
	c.activityID = ""
	c.waiters = nil
	c.setStateLocked(Disconnected)
	select {
	case <-c.closed:
	default:
		close(c.closed)
	}
}

// Closed returns a channel that is closed when the session is
// unregistered. A later Register starts a new channel.
func (c *Connection) Closed() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Connection) stopTimer(tm **clock.Timer) {
	if *tm != nil {
		(*tm).Stop()
		*tm = nil
	}
}

// Request is one outbound envelope. A Callback makes it a pending request
// answered by the first envelope whose inResponseTo matches.
type Request struct {
	Action       string
	Data         any
	Callback     func(*protocol.Envelope)
	InResponseTo string
}

// Send is the positional form of SendRequest.
func (c *Connection) Send(action string, data any, callback func(*protocol.Envelope)) error {
	return c.SendRequest(Request{Action: action, Data: data, Callback: callback})
}

// SendRequest sends req with the session id as sender. It fails
// immediately with ErrNoSession when there is no session id.
func (c *Connection) SendRequest(req Request) error {
	c.mu.Lock()
	defer c.unlock()
	_, err := c.sendLocked(req)
	return err
}

// sendLocked queues req and returns the message id it was sent under.
func (c *Connection) sendLocked(req Request) (string, error) {
	if c.sessionID == "" {
		return "", ErrNoSession
	}
	env := &protocol.Envelope{
		Sender:       c.sessionID,
		Action:       req.Action,
		Kind:         protocol.KindRequest,
		MessageID:    uuid.NewString(),
		InResponseTo: req.InResponseTo,
		Data:         req.Data,
	}
	if req.InResponseTo != "" {
		env.Kind = protocol.KindResult
	}

	if c.tr == nil {
		c.dialLocked()
	}
	select {
	case c.tr.out <- env:
	default:
		return "", ErrQueueFull
	}
	if req.Callback != nil {
		c.pending[env.MessageID] = req.Callback
	}
	return env.MessageID, nil
}

// dialLocked starts a new transport. Envelopes sent before the dial
// completes wait in its queue.
func (c *Connection) dialLocked() {
	c.gen++
	ctx, cancel := context.WithCancel(context.Background())
	tr := &transport{
		gen:    c.gen,
		out:    make(chan *protocol.Envelope, sendQueueSize),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	c.tr = tr

	go func() {
		dctx, dcancel := context.WithTimeout(ctx, c.opts.DialTimeout)
		conn, err := c.dialer.Dial(dctx, c.connectURL)
		dcancel()

		c.mu.Lock()
		if c.tr != tr {
			c.mu.Unlock()
			if conn != nil {
				conn.Close()
			}
			return
		}
		if err != nil {
			// The self-check timer retries the registration.
			c.logger.Warn("connection error", "url", c.connectURL, "err", err)
			c.dropTransportLocked(tr)
			cancel()
			c.mu.Unlock()
			return
		}
		tr.conn = conn
		c.mu.Unlock()

		go c.writeLoop(tr)
		go c.readLoop(tr)
	}()
}

func (c *Connection) writeLoop(tr *transport) {
	write := func(env *protocol.Envelope) bool {
		ctx, cancel := context.WithTimeout(tr.ctx, writeTimeout)
		defer cancel()
		if err := tr.conn.Send(ctx, env); err != nil {
			c.logger.Debug("write failed", "err", err)
			tr.conn.Close()
			return false
		}
		return true
	}
	for {
		select {
		case env := <-tr.out:
			if !write(env) {
				return
			}
		case <-tr.done:
			// Flush what was queued before the stop, then close.
			for {
				select {
				case env := <-tr.out:
					if !write(env) {
						tr.cancel()
						return
					}
				default:
					tr.conn.Close()
					tr.cancel()
					return
				}
			}
		case <-tr.ctx.Done():
			return
		}
	}
}

func (c *Connection) readLoop(tr *transport) {
	for {
		env, err := tr.conn.Recv(tr.ctx)
		if err != nil {
			var decodeErr *connection.DecodeError
			if errors.As(err, &decodeErr) {
				c.logger.Warn("dropping undecodable message", "err", err)
				continue
			}
			c.transportClosed(tr)
			return
		}
		c.receive(tr, env)
	}
}

// closeTransportLocked detaches the current transport. Queued envelopes
// are still flushed before the connection closes; its close event is
// ignored.
func (c *Connection) closeTransportLocked() {
	tr := c.tr
	if tr == nil {
		return
	}
	c.dropTransportLocked(tr)
	c.gen++
	if tr.conn == nil {
		tr.cancel()
		return
	}
	tr.stop()
}

// dropTransportLocked detaches tr. A registration still waiting on it can
// no longer be answered, since replies from a dropped transport are
// ignored.
func (c *Connection) dropTransportLocked(tr *transport) {
	c.tr = nil
	if tr.registerID != "" {
		delete(c.pending, tr.registerID)
		tr.registerID = ""
	}
}

// transportClosed handles the close of the current transport. A connected
// session schedules exactly one jittered re-registration; a connecting one
// is left to its self-check.
func (c *Connection) transportClosed(tr *transport) {
	c.mu.Lock()
	defer c.unlock()
	if c.tr != tr {
		return
	}
	c.dropTransportLocked(tr)
	tr.cancel()
	c.logger.Info("connection closed", "session", c.sessionID, "state", c.state)

	if c.sessionID == "" || c.state != Connected {
		return
	}
	c.stopTimer(&c.heartbeat)
	c.setStateLocked(Connecting)
	c.stopTimer(&c.reconnect)
	var tm *clock.Timer
	tm = c.clock.AfterFunc(c.jitter(0, c.opts.ReconnectJitter), func() {
		c.mu.Lock()
		defer c.unlock()
		if c.reconnect != tm {
			return
		}
		c.reconnect = nil
		if c.sessionID == "" {
			return
		}
		c.registerLocked()
	})
	c.reconnect = tm
}

// receive routes one inbound envelope: replies to their pending callback,
// remote eval requests to the evaluator, everything else to OnMessage.
func (c *Connection) receive(tr *transport, env *protocol.Envelope) {
	c.mu.Lock()
	defer c.unlock()
	if c.tr != tr {
		return
	}

	if env.InResponseTo != "" {
		if cb, ok := c.pending[env.InResponseTo]; ok {
			if !env.ExpectMoreResponses {
				delete(c.pending, env.InResponseTo)
			}
			c.later(func() { cb(env) })
			return
		}
	}

	if env.Action == protocol.ActionRemoteEvalRequest && !env.IsResult() {
		if !c.opts.AllowRemoteEval {
			c.logger.Debug("ignoring remote eval request, remote eval disabled", "from", env.Sender)
			return
		}
		c.later(func() { c.doRemoteEval(env) })
		return
	}

	if c.opts.OnMessage != nil {
		fn := c.opts.OnMessage
		c.later(func() { fn(env) })
		return
	}
	c.logger.Debug("unhandled message", "action", env.Action, "sender", env.Sender)
}

// PendingRequests returns the number of requests still waiting for a
// reply.
func (c *Connection) PendingRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// GetSessions asks the tracker for its session list.
func (c *Connection) GetSessions(cb func([]protocol.Session, error)) error {
	return c.Send(protocol.ActionGetSessions, map[string]string{"id": c.SessionID()}, func(reply *protocol.Envelope) {
		var sessions []protocol.Session
		err := reply.DecodeData(&sessions)
		cb(sessions, err)
	})
}

// InitServerToServerConnect asks the tracker to register itself with the
// tracker at serverURL.
func (c *Connection) InitServerToServerConnect(serverURL string, options map[string]any, cb func(*protocol.Envelope)) error {
	return c.Send(protocol.ActionServerConnect, protocol.ServerLinkData{
		URL:     connection.ToWS(serverURL),
		Options: options,
	}, cb)
}

// InitServerToServerDisconnect drops the tracker's link to another
// tracker.
func (c *Connection) InitServerToServerDisconnect(cb func(*protocol.Envelope)) error {
	return c.Send(protocol.ActionServerDisconnect, map[string]any{}, cb)
}
