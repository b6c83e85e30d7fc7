package tracker_test

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/codewiresh/livetrack/internal/clock"
	"github.com/codewiresh/livetrack/internal/connection"
	"github.com/codewiresh/livetrack/internal/protocol"
	"github.com/codewiresh/livetrack/internal/store"
	"github.com/codewiresh/livetrack/internal/tracker"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type harness struct {
	t   *testing.T
	tr  *tracker.Tracker
	clk *clock.FakeClock
	ctx context.Context
}

func newHarness(t *testing.T, opts tracker.Options) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	clk := clock.Fake(epoch)
	opts.Clock = clk
	if opts.Route == "" {
		opts.Route = "/test/"
	}
	tr := tracker.New(opts)
	t.Cleanup(func() {
		cancel()
		tr.Shutdown()
	})
	return &harness{t: t, tr: tr, clk: clk, ctx: ctx}
}

// dial connects a new in-memory peer to the tracker.
func (h *harness) dial() *connection.Pipe {
	client, server := connection.NewPipe()
	go h.tr.HandleConn(h.ctx, server)
	return client
}

func send(t *testing.T, p *connection.Pipe, env *protocol.Envelope) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.Send(ctx, env); err != nil {
		t.Fatalf("send %s: %v", env.Action, err)
	}
}

func recv(t *testing.T, p *connection.Pipe) *protocol.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env, err := p.Recv(ctx)
	if err != nil {
		t.Fatalf("recv: %v", err)
	}
	return env
}

func expectSilence(t *testing.T, p *connection.Pipe) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if env, err := p.Recv(ctx); err == nil {
		t.Fatalf("unexpected envelope: %+v", env)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// register registers id over p and consumes the acknowledgement.
func (h *harness) register(p *connection.Pipe, id, user string) {
	h.t.Helper()
	send(h.t, p, registerEnv(id, user))
	ack := recv(h.t, p)
	if ack.Action != protocol.ActionRegister || ack.InResponseTo != "m-"+id {
		h.t.Fatalf("ack = %+v", ack)
	}
}

func sessionIDs(sessions []protocol.Session) []string {
	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.ID)
	}
	sort.Strings(ids)
	return ids
}

func equalIDs(got []string, want ...string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestTrackerRegisterAndGetSessions(t *testing.T) {
	h := newHarness(t, tracker.Options{SessionGrace: time.Minute})
	a := h.dial()
	b := h.dial()
	h.register(a, "A", "alice")
	h.register(b, "B", "bob")

	send(t, a, &protocol.Envelope{Sender: "A", Action: protocol.ActionGetSessions, MessageID: "q1"})
	reply := recv(t, a)
	if reply.InResponseTo != "q1" || reply.Sender != h.tr.Registry().ID() {
		t.Fatalf("reply = %+v", reply)
	}
	var sessions []protocol.Session
	if err := reply.DecodeData(&sessions); err != nil {
		t.Fatal(err)
	}
	if ids := sessionIDs(sessions); !equalIDs(ids, "A", "B") {
		t.Fatalf("sessions = %v", ids)
	}
}

func TestTrackerConcurrentRegistersKeepLatestData(t *testing.T) {
	h := newHarness(t, tracker.Options{SessionGrace: time.Minute})
	const n = 16

	regEnv := func(i, round int, user, world string) *protocol.Envelope {
		id := fmt.Sprintf("s%02d", i)
		return &protocol.Envelope{
			Sender:    id,
			Action:    protocol.ActionRegister,
			MessageID: fmt.Sprintf("m-%s-%d", id, round),
			Data:      protocol.Session{ID: id, User: user, WorldURL: world},
		}
	}

	pipes := make([]*connection.Pipe, n)
	for i := range pipes {
		pipes[i] = h.dial()
	}

	errs := make(chan error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			p := pipes[i]

			rounds := []*protocol.Envelope{regEnv(i, 0, fmt.Sprintf("user%d", i), fmt.Sprintf("http://world/%d", i))}
			if i%2 == 0 {
				// Partial update: only the user changes, the world URL merges in.
				rounds = append(rounds, regEnv(i, 1, fmt.Sprintf("user%d-renamed", i), ""))
			}
			if i%4 == 0 {
				rounds = append(rounds, regEnv(i, 2, "", fmt.Sprintf("http://elsewhere/%d", i)))
			}
			for _, env := range rounds {
				if err := p.Send(ctx, env); err != nil {
					errs <- err
					return
				}
				ack, err := p.Recv(ctx)
				if err != nil {
					errs <- err
					return
				}
				if ack.InResponseTo != env.MessageID {
					errs <- fmt.Errorf("%s: ack for %q", env.MessageID, ack.InResponseTo)
					return
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}

	sessions := h.tr.Sessions()
	if len(sessions) != n {
		t.Fatalf("sessions = %d, want %d", len(sessions), n)
	}
	byID := make(map[string]protocol.Session, n)
	for _, s := range sessions {
		byID[s.ID] = s
	}
	for i := 0; i < n; i++ {
		s, ok := byID[fmt.Sprintf("s%02d", i)]
		if !ok {
			t.Fatalf("session s%02d missing", i)
		}
		wantUser := fmt.Sprintf("user%d", i)
		if i%2 == 0 {
			wantUser += "-renamed"
		}
		wantWorld := fmt.Sprintf("http://world/%d", i)
		if i%4 == 0 {
			wantWorld = fmt.Sprintf("http://elsewhere/%d", i)
		}
		if s.User != wantUser || s.WorldURL != wantWorld {
			t.Errorf("%s = {user %q, world %q}, want {%q, %q}", s.ID, s.User, s.WorldURL, wantUser, wantWorld)
		}
	}

	// The wire answer agrees with the registry.
	send(t, pipes[0], &protocol.Envelope{Sender: "s00", Action: protocol.ActionGetSessions, MessageID: "list"})
	reply := recv(t, pipes[0])
	var listed []protocol.Session
	if err := reply.DecodeData(&listed); err != nil {
		t.Fatal(err)
	}
	if len(listed) != n {
		t.Fatalf("getSessions returned %d records, want %d", len(listed), n)
	}
}

func TestTrackerSurvivesBadEnvelopes(t *testing.T) {
	h := newHarness(t, tracker.Options{SessionGrace: time.Minute})
	a := h.dial()

	send(t, a, &protocol.Envelope{Action: protocol.ActionGetSessions})
	send(t, a, &protocol.Envelope{Sender: "A", Action: "noSuchAction"})
	send(t, a, &protocol.Envelope{Sender: "A", Action: protocol.ActionRegister, Data: 17})
	h.register(a, "A", "alice")

	if h.tr.Registry().Len() != 1 {
		t.Fatalf("Len = %d, want 1", h.tr.Registry().Len())
	}
}

func TestTrackerGraceRemovesSessionAfterClose(t *testing.T) {
	h := newHarness(t, tracker.Options{SessionGrace: 70 * time.Second})
	a := h.dial()
	h.register(a, "A", "alice")

	a.Close()
	reg := h.tr.Registry()
	waitFor(t, "binding dropped", func() bool {
		_, bound := reg.Binding("A")
		return !bound && h.clk.Pending() == 1
	})
	if _, ok := reg.Lookup("A"); !ok {
		t.Fatal("record dropped before grace ended")
	}

	h.clk.Advance(69 * time.Second)
	if _, ok := reg.Lookup("A"); !ok {
		t.Fatal("record dropped before grace ended")
	}
	h.clk.Advance(time.Second)
	if _, ok := reg.Lookup("A"); ok {
		t.Fatal("record survived its grace period")
	}
}

func TestTrackerReRegisterWithinGraceKeepsSession(t *testing.T) {
	h := newHarness(t, tracker.Options{SessionGrace: 70 * time.Second})
	a := h.dial()
	h.register(a, "A", "alice")
	a.Close()
	waitFor(t, "grace timer", func() bool { return h.clk.Pending() == 1 })

	h.clk.Advance(30 * time.Second)
	a2 := h.dial()
	h.register(a2, "A", "")
	if h.clk.Pending() != 0 {
		t.Fatalf("grace timer still pending after re-register")
	}

	h.clk.Advance(time.Hour)
	sess, ok := h.tr.Registry().Lookup("A")
	if !ok || sess.User != "alice" {
		t.Fatalf("record = %+v, %v", sess, ok)
	}
}

func TestTrackerZeroGraceRemovesImmediately(t *testing.T) {
	h := newHarness(t, tracker.Options{})
	a := h.dial()
	h.register(a, "A", "alice")
	a.Close()
	waitFor(t, "session removal", func() bool { return h.tr.Registry().Len() == 0 })
}

func TestTrackerReplacedConnectionIsClosed(t *testing.T) {
	h := newHarness(t, tracker.Options{SessionGrace: time.Minute})
	old := h.dial()
	h.register(old, "A", "alice")

	fresh := h.dial()
	h.register(fresh, "A", "alice")
	waitFor(t, "old connection closed", old.Closed)

	if conn, _ := h.tr.Registry().Binding("A"); conn == "" {
		t.Fatal("session lost its binding")
	}
	if h.clk.Pending() != 0 {
		t.Fatal("closing the replaced connection started a grace timer")
	}
}

func TestTrackerUnregisterClosesConnection(t *testing.T) {
	h := newHarness(t, tracker.Options{SessionGrace: time.Minute})
	a := h.dial()
	h.register(a, "A", "alice")

	send(t, a, &protocol.Envelope{Sender: "A", Action: protocol.ActionUnregister})
	waitFor(t, "connection closed", a.Closed)
	if h.tr.Registry().Len() != 0 {
		t.Fatal("session survived unregister")
	}
}

func TestTrackerRemoteEvalRoundTrip(t *testing.T) {
	h := newHarness(t, tracker.Options{SessionGrace: time.Minute})
	a := h.dial()
	b := h.dial()
	h.register(a, "A", "alice")
	h.register(b, "B", "bob")

	send(t, a, &protocol.Envelope{
		Sender:    "A",
		Action:    protocol.ActionRemoteEval,
		Kind:      protocol.KindRequest,
		MessageID: "eval-1",
		Data:      protocol.RemoteEvalData{Target: "B", Expr: "1+1"},
	})
	req := recv(t, b)
	if req.Action != protocol.ActionRemoteEvalRequest || req.MessageID != "eval-1" {
		t.Fatalf("B got %+v", req)
	}

	send(t, b, &protocol.Envelope{
		Sender:       "B",
		Action:       protocol.ActionRemoteEvalRequest,
		Kind:         protocol.KindResult,
		InResponseTo: req.MessageID,
		Data:         protocol.EvalResultData{Origin: "A", Result: "2"},
	})
	res := recv(t, a)
	if res.InResponseTo != "eval-1" {
		t.Fatalf("A got %+v", res)
	}
	var data protocol.EvalResultData
	if err := res.DecodeData(&data); err != nil {
		t.Fatal(err)
	}
	if data.Result != "2" {
		t.Fatalf("result = %+v", data)
	}
	expectSilence(t, a)
	expectSilence(t, b)
}

func TestTrackerReset(t *testing.T) {
	h := newHarness(t, tracker.Options{SessionGrace: time.Minute})
	a := h.dial()
	h.register(a, "A", "alice")
	before := h.tr.Registry().ID()

	h.tr.Reset()

	if h.tr.Registry().Len() != 0 {
		t.Fatal("sessions survived reset")
	}
	if h.tr.Registry().ID() == before {
		t.Fatal("reset kept the registry identity")
	}
	waitFor(t, "bound connection closed", a.Closed)

	b := h.dial()
	h.register(b, "B", "bob")
	if ids := sessionIDs(h.tr.Sessions()); !equalIDs(ids, "B") {
		t.Fatalf("sessions = %v", ids)
	}
}

func TestTrackerSandboxIsolatesAndRestores(t *testing.T) {
	h := newHarness(t, tracker.Options{SessionGrace: time.Minute})
	a := h.dial()
	h.register(a, "A", "alice")
	live := h.tr.Registry()

	if !h.tr.SandboxSetup() {
		t.Fatal("SandboxSetup reported no sandbox")
	}
	if h.tr.SandboxSetup() {
		t.Fatal("second SandboxSetup created another sandbox")
	}
	if !h.tr.Sandboxed() || !h.tr.Status().Sandbox {
		t.Fatal("tracker not sandboxed")
	}
	if len(h.tr.Sessions()) != 0 {
		t.Fatal("sandbox sees live sessions")
	}

	b := h.dial()
	h.register(b, "B", "bob")
	if ids := sessionIDs(h.tr.Sessions()); !equalIDs(ids, "B") {
		t.Fatalf("sandbox sessions = %v", ids)
	}

	if !h.tr.SandboxTearDown() {
		t.Fatal("SandboxTearDown reported no sandbox")
	}
	if h.tr.SandboxTearDown() {
		t.Fatal("second SandboxTearDown removed another sandbox")
	}
	if h.tr.Registry() != live {
		t.Fatal("live registry not restored")
	}
	if ids := sessionIDs(h.tr.Sessions()); !equalIDs(ids, "A") {
		t.Fatalf("restored sessions = %v", ids)
	}
	waitFor(t, "sandbox connection closed", b.Closed)
	if a.Closed() {
		t.Fatal("live connection closed by sandbox teardown")
	}
}

func TestTrackerLiveConnectionClosingDuringSandbox(t *testing.T) {
	h := newHarness(t, tracker.Options{SessionGrace: 10 * time.Second})
	a := h.dial()
	h.register(a, "A", "alice")
	live := h.tr.Registry()
	h.tr.SandboxSetup()

	a.Close()
	waitFor(t, "live binding dropped", func() bool {
		_, bound := live.Binding("A")
		return !bound && h.clk.Pending() == 1
	})
	h.clk.Advance(10 * time.Second)
	h.tr.SandboxTearDown()
	if h.tr.Registry().Len() != 0 {
		t.Fatal("session of a closed live connection survived its grace")
	}
}

func TestTrackerStatus(t *testing.T) {
	h := newHarness(t, tracker.Options{Route: "/status/", SessionGrace: time.Minute})
	a := h.dial()
	h.register(a, "A", "alice")

	st := h.tr.Status()
	if st.Route != "/status/" || st.ID != h.tr.Registry().ID() || len(st.Sessions) != 1 || st.Sandbox {
		t.Fatalf("status = %+v", st)
	}
	if st.Tracker != h.tr.String() {
		t.Fatalf("tracker = %q, want %q", st.Tracker, h.tr.String())
	}
}

func TestTrackerJournal(t *testing.T) {
	st, err := store.NewSQLiteStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	h := newHarness(t, tracker.Options{Route: "/journal/", Store: st, SessionGrace: time.Minute})
	a := h.dial()
	h.register(a, "A", "alice")
	send(t, a, &protocol.Envelope{Sender: "A", Action: protocol.ActionUnregister})
	waitFor(t, "unregister", func() bool { return h.tr.Registry().Len() == 0 })
	h.tr.SandboxSetup()
	h.tr.SandboxTearDown()
	h.tr.Reset()

	events, err := h.tr.History(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	var kinds []string
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
		if ev.Route != "/journal/" {
			t.Fatalf("event route = %q", ev.Route)
		}
	}
	want := []string{store.EventReset, store.EventSandboxStop, store.EventSandboxStart, store.EventUnregistered, store.EventRegistered}
	if len(kinds) != len(want) {
		t.Fatalf("kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("kinds = %v, want %v", kinds, want)
		}
	}
	if events[len(events)-1].User != "alice" {
		t.Fatalf("registered event = %+v", events[len(events)-1])
	}
}

type fakeLink struct {
	url    string
	mu     sync.Mutex
	closed bool
}

func (l *fakeLink) URL() string { return l.url }

func (l *fakeLink) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

func (l *fakeLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func TestTrackerServerLink(t *testing.T) {
	var dialed []*fakeLink
	dialer := func(ctx context.Context, url string, opts map[string]any) (tracker.Link, error) {
		if url == "ws://unreachable/" {
			return nil, errors.New("refused")
		}
		l := &fakeLink{url: url}
		dialed = append(dialed, l)
		return l, nil
	}
	h := newHarness(t, tracker.Options{SessionGrace: time.Minute, LinkDialer: dialer})
	a := h.dial()
	h.register(a, "A", "alice")

	linkReq := func(action, url string) protocol.StatusMessage {
		t.Helper()
		env := &protocol.Envelope{Sender: "A", Action: action, MessageID: "l-" + action}
		if url != "" {
			env.Data = protocol.ServerLinkData{URL: url}
		}
		send(t, a, env)
		reply := recv(t, a)
		if reply.InResponseTo != env.MessageID {
			t.Fatalf("reply = %+v", reply)
		}
		var msg protocol.StatusMessage
		if err := reply.DecodeData(&msg); err != nil {
			t.Fatal(err)
		}
		return msg
	}

	if msg := linkReq(protocol.ActionServerConnect, "ws://central/"); msg.Message != "OK" {
		t.Fatalf("connect = %+v", msg)
	}
	if url, ok := h.tr.Linked(); !ok || url != "ws://central/" {
		t.Fatalf("Linked = %q, %v", url, ok)
	}

	if msg := linkReq(protocol.ActionServerConnect, "ws://unreachable/"); msg.Error == "" {
		t.Fatalf("connect to unreachable = %+v", msg)
	}
	waitFor(t, "previous link closed", dialed[0].isClosed)

	if msg := linkReq(protocol.ActionServerDisconnect, ""); msg.Error == "" {
		t.Fatalf("disconnect without link = %+v", msg)
	}

	linkReq(protocol.ActionServerConnect, "ws://central/")
	if msg := linkReq(protocol.ActionServerDisconnect, ""); msg.Message != "OK" {
		t.Fatalf("disconnect = %+v", msg)
	}
	waitFor(t, "link closed", dialed[1].isClosed)
	if _, ok := h.tr.Linked(); ok {
		t.Fatal("still linked")
	}
}
