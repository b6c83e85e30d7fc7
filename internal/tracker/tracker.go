// Package tracker implements the session tracker: a live directory of
// connected peers, the action dispatcher that maintains it, remote
// evaluation routing between peers, sandboxing for tests, and the HTTP
// server exposing it all.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/codewiresh/livetrack/internal/clock"
	"github.com/codewiresh/livetrack/internal/connection"
	"github.com/codewiresh/livetrack/internal/protocol"
	"github.com/codewiresh/livetrack/internal/store"
)

const (
	sendQueueSize  = 64
	writeTimeout   = 10 * time.Second
	journalTimeout = 2 * time.Second
)

// Options configures a Tracker.
type Options struct {
	// Route the tracker is mounted at, used in logs and the journal.
	Route string
	// SessionGrace is how long a session record outlives its closed
	// connection. Zero removes it as soon as the connection closes.
	SessionGrace time.Duration
	// Store receives journal events. Optional.
	Store  store.Store
	Clock  clock.Clock
	Logger *slog.Logger
	// LinkDialer connects this tracker to another one. Defaults to
	// DialLink.
	LinkDialer LinkDialer
}

// Tracker owns the active registry and every connection routed to it.
// Dispatch is serialized: envelopes from all connections are handled one
// at a time, so registry mutations never interleave.
type Tracker struct {
	route    string
	hostname string
	grace    time.Duration
	store    store.Store
	journal  *journal
	clock    clock.Clock
	logger   *slog.Logger
	dial     LinkDialer

	dispatcher Dispatcher

	mu     sync.Mutex // the dispatch loop
	live   atomic.Pointer[Registry]
	saved  *Registry // pre-sandbox registry while sandboxed
	timers map[graceKey]*clock.Timer
	link   Link

	connMu sync.Mutex
	peers  map[string]*peer
}

type graceKey struct {
	reg *Registry
	id  string
}

// peer is one live connection and its outbound queue, drained by a single
// writer goroutine.
type peer struct {
	conn connection.Conn
	out  chan *protocol.Envelope
}

// New creates a tracker with an empty registry.
func New(opts Options) *Tracker {
	hostname, _ := os.Hostname()
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.LinkDialer == nil {
		opts.LinkDialer = DialLink
	}
	t := &Tracker{
		route:    opts.Route,
		hostname: hostname,
		grace:    opts.SessionGrace,
		store:    opts.Store,
		clock:    opts.Clock,
		logger:   opts.Logger.With("component", "tracker", "route", opts.Route),
		dial:     opts.LinkDialer,
		timers:   make(map[graceKey]*clock.Timer),
		peers:    make(map[string]*peer),
	}
	if opts.Store != nil {
		t.journal = newJournal(opts.Store, t.logger)
	}
	t.live.Store(NewRegistry(hostname))
	return t
}

// Registry returns the registry envelopes are currently routed to.
func (t *Tracker) Registry() *Registry { return t.live.Load() }

// Route returns the mount route.
func (t *Tracker) Route() string { return t.route }

// HandleConn serves one connection until it closes or ctx is cancelled.
func (t *Tracker) HandleConn(ctx context.Context, conn connection.Conn) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := &peer{conn: conn, out: make(chan *protocol.Envelope, sendQueueSize)}
	t.connMu.Lock()
	t.peers[conn.ID()] = p
	t.connMu.Unlock()

	t.logger.Debug("connection opened", "conn", conn.ID())

	go func() {
		for {
			select {
			case env := <-p.out:
				wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
				err := conn.Send(wctx, env)
				wcancel()
				if err != nil {
					t.logger.Debug("write failed", "conn", conn.ID(), "err", err)
					conn.Close()
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		env, err := conn.Recv(ctx)
		if err != nil {
			var decodeErr *connection.DecodeError
			if errors.As(err, &decodeErr) {
				t.logger.Warn("dropping undecodable message", "conn", conn.ID(), "err", err)
				continue
			}
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				t.logger.Info("connection error", "conn", conn.ID(), "err", err)
			}
			break
		}
		t.Handle(conn.ID(), env)
	}

	conn.Close()
	t.connMu.Lock()
	delete(t.peers, conn.ID())
	t.connMu.Unlock()
	t.connClosed(conn.ID())
}

// Handle dispatches one envelope received on connID and applies its
// effects. Failing envelopes are logged and discarded.
func (t *Tracker) Handle(connID string, env *protocol.Envelope) {
	t.mu.Lock()
	defer t.mu.Unlock()

	reg := t.live.Load()
	fx, err := t.dispatcher.Dispatch(reg, connID, env)
	if err != nil {
		t.logger.Warn("dropping envelope", "conn", connID, "sender", env.Sender, "action", env.Action, "err", err)
		return
	}
	t.applyLocked(reg, connID, fx)
}

func (t *Tracker) applyLocked(reg *Registry, connID string, fx Effects) {
	for _, ev := range fx.Events {
		if ev.Kind == store.EventRegistered {
			t.cancelGraceLocked(reg, ev.SessionID)
		}
		t.record(ev)
	}
	for _, out := range fx.Sends {
		t.enqueue(out.ConnID, out.Envelope)
	}
	for _, id := range fx.Closes {
		t.closeConn(id)
	}
	for _, id := range fx.Orphaned {
		t.startGraceLocked(reg, id)
	}
	if fx.LinkRequest != nil {
		t.handleLinkLocked(reg, connID, fx.LinkRequest, fx.LinkConnect)
	}
}

// enqueue hands env to the connection's writer. A full queue drops the
// envelope rather than stalling the dispatch loop.
func (t *Tracker) enqueue(connID string, env *protocol.Envelope) {
	t.connMu.Lock()
	p, ok := t.peers[connID]
	t.connMu.Unlock()
	if !ok {
		t.logger.Debug("no connection for outbound envelope", "conn", connID, "action", env.Action)
		return
	}
	select {
	case p.out <- env:
	default:
		t.logger.Warn("outbound queue full, dropping envelope", "conn", connID, "action", env.Action)
	}
}

func (t *Tracker) closeConn(connID string) {
	t.connMu.Lock()
	p, ok := t.peers[connID]
	t.connMu.Unlock()
	if ok {
		// Closing a websocket waits for the peer's close frame; keep that
		// off the dispatch loop.
		go p.conn.Close()
	}
}

// connClosed drops the binding of a closed connection. The session record
// survives for the grace period so a reconnecting client finds it again.
func (t *Tracker) connClosed(connID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, reg := range []*Registry{t.live.Load(), t.saved} {
		if reg == nil {
			continue
		}
		id, ok := reg.UnbindConn(connID)
		if !ok {
			continue
		}
		sess, _ := reg.Lookup(id)
		t.record(store.Event{Kind: store.EventDisconnected, SessionID: id, User: sess.User})
		t.startGraceLocked(reg, id)
	}
}

func (t *Tracker) startGraceLocked(reg *Registry, id string) {
	if t.grace <= 0 {
		t.expireLocked(reg, id)
		return
	}
	key := graceKey{reg: reg, id: id}
	if old, ok := t.timers[key]; ok {
		old.Stop()
	}
	var tm *clock.Timer
	tm = t.clock.AfterFunc(t.grace, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if t.timers[key] != tm {
			return
		}
		delete(t.timers, key)
		t.expireLocked(reg, id)
	})
	t.timers[key] = tm
}

func (t *Tracker) expireLocked(reg *Registry, id string) {
	sess, _ := reg.Lookup(id)
	if reg.RemoveIfUnbound(id) {
		t.logger.Info("session expired", "session", id, "user", sess.User)
		t.record(store.Event{Kind: store.EventExpired, SessionID: id, User: sess.User})
	}
}

func (t *Tracker) cancelGraceLocked(reg *Registry, id string) {
	key := graceKey{reg: reg, id: id}
	if tm, ok := t.timers[key]; ok {
		tm.Stop()
		delete(t.timers, key)
	}
}

// discardLocked stops the grace timers of a registry that is being thrown
// away and closes the connections bound to it, except those still bound in
// keep.
func (t *Tracker) discardLocked(reg, keep *Registry) {
	for key, tm := range t.timers {
		if key.reg == reg {
			tm.Stop()
			delete(t.timers, key)
		}
	}
	for _, connID := range reg.Connections() {
		if keep != nil {
			if _, ok := keep.SessionForConn(connID); ok {
				continue
			}
		}
		t.closeConn(connID)
	}
}

// Reset discards every session of the active registry and starts over
// from an empty one. Connections stay routed to the tracker; the ones that
// were bound are closed so their clients register again.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	old := t.live.Load()
	fresh := NewRegistry(t.hostname)
	fresh.sandbox = old.sandbox
	t.live.Store(fresh)
	t.discardLocked(old, t.saved)
	t.logger.Info("tracker data reset", "dropped_sessions", old.Len())
	t.record(store.Event{Kind: store.EventReset, Detail: fmt.Sprintf("%d sessions dropped", old.Len())})
}

// Sessions returns the records of the active registry.
func (t *Tracker) Sessions() []protocol.Session {
	return t.live.Load().Sessions()
}

// Status is the tracker identity plus its current sessions.
type Status struct {
	Tracker  string             `json:"tracker"`
	ID       string             `json:"id"`
	Hostname string             `json:"hostname"`
	Route    string             `json:"route"`
	Sandbox  bool               `json:"sandbox"`
	Sessions []protocol.Session `json:"sessions"`
}

// Status reports the identity and sessions of the active registry.
func (t *Tracker) Status() Status {
	reg := t.live.Load()
	return Status{
		Tracker:  t.String(),
		ID:       reg.ID(),
		Hostname: reg.Hostname(),
		Route:    t.route,
		Sandbox:  reg.Sandbox(),
		Sessions: reg.Sessions(),
	}
}

func (t *Tracker) String() string {
	reg := t.live.Load()
	return fmt.Sprintf("SessionTracker(%s@%s%s)", reg.ID(), reg.Hostname(), t.route)
}

// History returns recent journal events for this tracker's route.
func (t *Tracker) History(ctx context.Context, limit int) ([]store.Event, error) {
	if t.store == nil {
		return nil, nil
	}
	if err := t.journal.flush(ctx); err != nil && !errors.Is(err, errJournalClosed) {
		return nil, err
	}
	return t.store.EventList(ctx, t.route, limit)
}

// Shutdown closes every connection, stops all timers, drops the
// server-to-server link and writes out the journal.
func (t *Tracker) Shutdown() {
	t.mu.Lock()
	for key, tm := range t.timers {
		tm.Stop()
		delete(t.timers, key)
	}
	link := t.link
	t.link = nil
	t.mu.Unlock()

	if link != nil {
		link.Close()
	}

	t.connMu.Lock()
	peers := make([]*peer, 0, len(t.peers))
	for _, p := range t.peers {
		peers = append(peers, p)
	}
	t.connMu.Unlock()
	for _, p := range peers {
		p.conn.Close()
	}
	if t.journal != nil {
		t.journal.close()
	}
}

func (t *Tracker) record(ev store.Event) {
	if t.journal == nil {
		return
	}
	ev.Route = t.route
	if ev.At.IsZero() {
		ev.At = t.clock.Now()
	}
	t.journal.append(ev)
}
