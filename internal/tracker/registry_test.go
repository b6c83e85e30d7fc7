package tracker_test

import (
	"testing"

	"github.com/codewiresh/livetrack/internal/protocol"
	"github.com/codewiresh/livetrack/internal/tracker"
)

func TestRegistryRegisterMerges(t *testing.T) {
	r := tracker.NewRegistry("host")
	r.Register("s1", protocol.Session{User: "alice", WorldURL: "http://w/1"}, "c1")
	r.Register("s1", protocol.Session{LastActivity: 42}, "c1")

	sess, ok := r.Lookup("s1")
	if !ok {
		t.Fatal("s1 not found")
	}
	want := protocol.Session{ID: "s1", User: "alice", WorldURL: "http://w/1", LastActivity: 42}
	if sess != want {
		t.Fatalf("session = %+v, want %+v", sess, want)
	}
	if conn, _ := r.Binding("s1"); conn != "c1" {
		t.Fatalf("binding = %q, want c1", conn)
	}
}

func TestRegistryRebindReplacesConnection(t *testing.T) {
	r := tracker.NewRegistry("host")
	r.Register("s1", protocol.Session{}, "c1")
	rb := r.Register("s1", protocol.Session{}, "c2")

	if rb.ReplacedConn != "c1" {
		t.Fatalf("ReplacedConn = %q, want c1", rb.ReplacedConn)
	}
	if _, ok := r.SessionForConn("c1"); ok {
		t.Fatal("c1 still bound")
	}
	if id, _ := r.SessionForConn("c2"); id != "s1" {
		t.Fatalf("c2 bound to %q, want s1", id)
	}
}

func TestRegistryOneSessionPerConnection(t *testing.T) {
	r := tracker.NewRegistry("host")
	r.Register("s1", protocol.Session{}, "c1")
	rb := r.Register("s2", protocol.Session{}, "c1")

	if rb.OrphanedSession != "s1" {
		t.Fatalf("OrphanedSession = %q, want s1", rb.OrphanedSession)
	}
	if _, ok := r.Binding("s1"); ok {
		t.Fatal("s1 still bound")
	}
	if _, ok := r.Lookup("s1"); !ok {
		t.Fatal("orphaned record must survive until its grace ends")
	}
	if r.Len() != 2 {
		t.Fatalf("Len = %d, want 2", r.Len())
	}
}

func TestRegistryUnregister(t *testing.T) {
	r := tracker.NewRegistry("host")
	r.Register("s1", protocol.Session{}, "c1")

	conn, existed := r.Unregister("s1")
	if !existed || conn != "c1" {
		t.Fatalf("Unregister = (%q, %v), want (c1, true)", conn, existed)
	}
	if _, existed := r.Unregister("s1"); existed {
		t.Fatal("second Unregister reported an existing record")
	}
	if len(r.Connections()) != 0 {
		t.Fatalf("connections left: %v", r.Connections())
	}
}

func TestRegistryUnbindAndRemove(t *testing.T) {
	r := tracker.NewRegistry("host")
	r.Register("s1", protocol.Session{}, "c1")

	if r.RemoveIfUnbound("s1") {
		t.Fatal("bound session removed")
	}
	id, ok := r.UnbindConn("c1")
	if !ok || id != "s1" {
		t.Fatalf("UnbindConn = (%q, %v)", id, ok)
	}
	if _, ok := r.Lookup("s1"); !ok {
		t.Fatal("record dropped on unbind")
	}
	if !r.RemoveIfUnbound("s1") {
		t.Fatal("unbound session not removed")
	}
	if r.RemoveIfUnbound("s1") {
		t.Fatal("missing session reported removed")
	}
}

func TestRegistryMergeUnknown(t *testing.T) {
	r := tracker.NewRegistry("host")
	if r.Merge("nope", protocol.Session{LastActivity: 1}) {
		t.Fatal("Merge created a record")
	}
	if r.Len() != 0 {
		t.Fatalf("Len = %d", r.Len())
	}
}

func TestRegistryLookupReturnsCopy(t *testing.T) {
	r := tracker.NewRegistry("host")
	r.Register("s1", protocol.Session{User: "alice"}, "c1")
	sess, _ := r.Lookup("s1")
	sess.User = "mallory"
	for _, s := range r.Sessions() {
		if s.User != "alice" {
			t.Fatalf("registry record mutated through a copy: %+v", s)
		}
	}
}

func TestRegistryIdentity(t *testing.T) {
	a := tracker.NewRegistry("host")
	b := tracker.NewRegistry("host")
	if a.ID() == "" || a.ID() == b.ID() {
		t.Fatalf("registry ids not unique: %q %q", a.ID(), b.ID())
	}
	if a.Hostname() != "host" || a.Sandbox() {
		t.Fatalf("unexpected identity: %s sandbox=%v", a.Hostname(), a.Sandbox())
	}
}
