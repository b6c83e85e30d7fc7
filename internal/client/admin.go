package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/codewiresh/livetrack/internal/protocol"
	"github.com/codewiresh/livetrack/internal/store"
)

// APIError is an error answer from a tracker's HTTP endpoints.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// TrackerStatus is the identity and session list served at a tracker's
// route.
type TrackerStatus struct {
	Tracker  string             `json:"tracker"`
	ID       string             `json:"id"`
	Hostname string             `json:"hostname"`
	Route    string             `json:"route"`
	Sandbox  bool               `json:"sandbox"`
	Sessions []protocol.Session `json:"sessions"`
}

// AdminClient calls the HTTP endpoints of one tracker route.
type AdminClient struct {
	// URL is the tracker's route URL, e.g. http://host:9001/nodejs/SessionTracker/.
	URL  string
	HTTP *http.Client
	// Token is sent as a bearer token when set.
	Token string
}

// NewAdminClient creates a client for the tracker mounted at routeURL.
func NewAdminClient(routeURL string) *AdminClient {
	if !strings.HasSuffix(routeURL, "/") {
		routeURL += "/"
	}
	return &AdminClient{
		URL:  routeURL,
		HTTP: &http.Client{Timeout: 30 * time.Second},
	}
}

// Status fetches the tracker identity and its sessions.
func (c *AdminClient) Status(ctx context.Context) (*TrackerStatus, error) {
	var st TrackerStatus
	if err := c.do(ctx, http.MethodGet, c.URL, nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Sessions lists the sessions of the active registry.
func (c *AdminClient) Sessions(ctx context.Context) ([]protocol.Session, error) {
	var sessions []protocol.Session
	if err := c.do(ctx, http.MethodGet, c.URL+"sessions", nil, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// History lists recent journal events, newest first.
func (c *AdminClient) History(ctx context.Context, limit int) ([]store.Event, error) {
	u := c.URL + "history"
	if limit > 0 {
		u += "?limit=" + strconv.Itoa(limit)
	}
	var events []store.Event
	if err := c.do(ctx, http.MethodGet, u, nil, &events); err != nil {
		return nil, err
	}
	return events, nil
}

// Reset drops every session of the active registry.
func (c *AdminClient) Reset(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, c.URL+"reset", map[string]any{}, nil)
}

// Sandbox starts (start=true) or stops a sandbox and returns the server's
// message.
func (c *AdminClient) Sandbox(ctx context.Context, start bool) (string, error) {
	body := map[string]bool{"stop": true}
	if start {
		body = map[string]bool{"start": true}
	}
	var msg protocol.StatusMessage
	if err := c.do(ctx, http.MethodPost, c.URL+"sandbox", body, &msg); err != nil {
		return "", err
	}
	return msg.Message, nil
}

// CreateServer mounts a new tracker at route on the same host.
func (c *AdminClient) CreateServer(ctx context.Context, route string) error {
	body := map[string]any{
		"action":  "createServer",
		"options": map[string]string{"route": route},
	}
	return c.serverManager(ctx, body)
}

// RemoveServer unmounts the tracker at route.
func (c *AdminClient) RemoveServer(ctx context.Context, route string) error {
	return c.serverManager(ctx, map[string]any{"action": "removeServer", "route": route})
}

func (c *AdminClient) serverManager(ctx context.Context, body any) error {
	u, err := url.Parse(c.URL)
	if err != nil {
		return fmt.Errorf("parse tracker url: %w", err)
	}
	u.Path = "/server-manager"
	u.RawQuery = ""
	return c.do(ctx, http.MethodPost, u.String(), body, nil)
}

func (c *AdminClient) do(ctx context.Context, method, u string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var msg protocol.StatusMessage
		if json.Unmarshal(respBody, &msg) == nil && msg.Error != "" {
			return &APIError{Status: resp.StatusCode, Message: msg.Error}
		}
		return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(respBody))}
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
