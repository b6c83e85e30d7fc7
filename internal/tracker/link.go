package tracker

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/codewiresh/livetrack/internal/client"
	"github.com/codewiresh/livetrack/internal/protocol"
)

// ErrNoLink is the error payload of a disconnect request when the tracker
// is not linked to another tracker.
var ErrNoLink = errors.New("not connected to another tracker")

// Link is this tracker's session on another tracker.
type Link interface {
	// URL of the other tracker.
	URL() string
	Close() error
}

// LinkDialer connects a tracker to the tracker at url. It must not block
// on the network: the link registers in the background.
type LinkDialer func(ctx context.Context, url string, opts map[string]any) (Link, error)

// sessionLink is a Link backed by a client session connection.
type sessionLink struct {
	url  string
	conn *client.Connection
}

func (l *sessionLink) URL() string { return l.url }

func (l *sessionLink) Close() error {
	l.conn.Unregister()
	return nil
}

// DialLink registers a client session named after this host with the
// tracker at url. opts may set "username" and "worldURL"; remote eval stays
// disabled on tracker links.
func DialLink(ctx context.Context, url string, opts map[string]any) (Link, error) {
	if url == "" {
		return nil, errors.New("no tracker url given")
	}
	hostname, _ := os.Hostname()
	copts := client.Options{
		URL:      url,
		Username: "tracker@" + hostname,
	}
	if v, ok := opts["username"].(string); ok && v != "" {
		copts.Username = v
	}
	if v, ok := opts["worldURL"].(string); ok {
		copts.WorldURL = v
	}
	conn := client.New(copts)
	conn.Register()
	return &sessionLink{url: url, conn: conn}, nil
}

// handleLinkLocked applies a server-to-server connect (connect != nil) or
// disconnect request and answers it on connID.
func (t *Tracker) handleLinkLocked(reg *Registry, connID string, req *protocol.Envelope, connect *protocol.ServerLinkData) {
	var err error
	if connect == nil {
		err = t.unlinkLocked()
	} else {
		err = t.linkLocked(context.Background(), connect.URL, connect.Options)
	}
	msg := protocol.OK
	if err != nil {
		msg = protocol.StatusMessage{Error: err.Error()}
	}
	t.enqueue(connID, protocol.Reply(reg.ID(), req, msg))
}

// LinkTo registers this tracker as a session with the tracker at url,
// replacing any previous link.
func (t *Tracker) LinkTo(ctx context.Context, url string, opts map[string]any) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.linkLocked(ctx, url, opts)
}

// Unlink drops the link to another tracker.
func (t *Tracker) Unlink() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.unlinkLocked()
}

func (t *Tracker) linkLocked(ctx context.Context, url string, opts map[string]any) error {
	if t.link != nil {
		t.logger.Info("replacing tracker link", "old", t.link.URL(), "new", url)
		go t.link.Close()
		t.link = nil
	}
	link, err := t.dial(ctx, url, opts)
	if err != nil {
		t.logger.Warn("linking to tracker failed", "url", url, "err", err)
		return fmt.Errorf("connecting to %s: %w", url, err)
	}
	t.link = link
	t.logger.Info("linked to tracker", "url", url)
	return nil
}

func (t *Tracker) unlinkLocked() error {
	if t.link == nil {
		return ErrNoLink
	}
	t.logger.Info("disconnecting from tracker", "url", t.link.URL())
	link := t.link
	t.link = nil
	go link.Close()
	return nil
}

// Linked returns the URL of the tracker this one is linked to, if any.
func (t *Tracker) Linked() (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.link == nil {
		return "", false
	}
	return t.link.URL(), true
}
