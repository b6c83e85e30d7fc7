package tracker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/codewiresh/livetrack/internal/auth"
	"github.com/codewiresh/livetrack/internal/clock"
	"github.com/codewiresh/livetrack/internal/config"
	"github.com/codewiresh/livetrack/internal/connection"
	"github.com/codewiresh/livetrack/internal/protocol"
	"github.com/codewiresh/livetrack/internal/store"
)

var (
	ErrRouteExists  = errors.New("route already served")
	ErrRouteUnknown = errors.New("no tracker at route")
)

const (
	shutdownTimeout    = 5 * time.Second
	defaultHistorySize = 100
)

// ServerOptions configures a Server.
type ServerOptions struct {
	// Listen is the HTTP listen address (default ":9001").
	Listen string
	// Route is the tracker mounted at start. Empty mounts none.
	Route        string
	SessionGrace time.Duration
	Store        store.Store
	Clock        clock.Clock
	Logger       *slog.Logger
	LinkDialer   LinkDialer
	// ManagerLimit bounds server-manager requests per client IP and
	// minute. Zero means 30.
	ManagerLimit int
	// AdminToken, when set, is required as a bearer token on reset,
	// sandbox and server-manager requests.
	AdminToken string
}

// Server serves any number of trackers, each mounted at its own route, and
// the server manager that creates and removes them at runtime.
type Server struct {
	opts   ServerOptions
	logger *slog.Logger
	mgrRL  *rateLimiter

	mu     sync.RWMutex
	routes map[string]*Tracker
}

// NewServer creates a server and mounts the tracker at opts.Route.
func NewServer(opts ServerOptions) (*Server, error) {
	if opts.Listen == "" {
		opts.Listen = config.DefaultListen
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ManagerLimit <= 0 {
		opts.ManagerLimit = 30
	}
	s := &Server{
		opts:   opts,
		logger: opts.Logger.With("component", "server"),
		mgrRL:  newRateLimiter(opts.Clock, opts.ManagerLimit, time.Minute),
		routes: make(map[string]*Tracker),
	}
	if opts.Route != "" {
		if _, err := s.mount(opts.Route); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Server) mount(route string) (*Tracker, error) {
	if err := config.ValidateRoute(route); err != nil {
		return nil, err
	}
	route = config.NormalizeRoute(route)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.routes[route]; ok {
		return nil, fmt.Errorf("%w: %s", ErrRouteExists, route)
	}
	t := New(Options{
		Route:        route,
		SessionGrace: s.opts.SessionGrace,
		Store:        s.opts.Store,
		Clock:        s.opts.Clock,
		Logger:       s.opts.Logger,
		LinkDialer:   s.opts.LinkDialer,
	})
	s.routes[route] = t
	s.logger.Info("tracker mounted", "route", route, "tracker", t.String())
	return t, nil
}

// CreateRoute mounts a new tracker at route and persists the route so
// Restore mounts it again after a restart.
func (s *Server) CreateRoute(ctx context.Context, route string) (*Tracker, error) {
	t, err := s.mount(route)
	if err != nil {
		return nil, err
	}
	if s.opts.Store != nil {
		if err := s.opts.Store.RouteSave(ctx, store.RouteRecord{Route: t.Route(), CreatedAt: s.opts.Clock.Now()}); err != nil {
			s.logger.Warn("persisting route failed", "route", t.Route(), "err", err)
		}
	}
	return t, nil
}

// RemoveRoute unmounts the tracker at route and closes its connections.
func (s *Server) RemoveRoute(ctx context.Context, route string) error {
	route = config.NormalizeRoute(route)

	s.mu.Lock()
	t, ok := s.routes[route]
	delete(s.routes, route)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRouteUnknown, route)
	}

	t.Shutdown()
	if s.opts.Store != nil {
		if err := s.opts.Store.RouteDelete(ctx, route); err != nil {
			s.logger.Warn("deleting route failed", "route", route, "err", err)
		}
	}
	s.logger.Info("tracker removed", "route", route)
	return nil
}

// Restore mounts every route persisted by CreateRoute.
func (s *Server) Restore(ctx context.Context) error {
	if s.opts.Store == nil {
		return nil
	}
	records, err := s.opts.Store.RouteList(ctx)
	if err != nil {
		return fmt.Errorf("listing routes: %w", err)
	}
	for _, r := range records {
		if _, err := s.mount(r.Route); err != nil && !errors.Is(err, ErrRouteExists) {
			s.logger.Warn("restoring route failed", "route", r.Route, "err", err)
		}
	}
	return nil
}

// Tracker returns the tracker mounted at route.
func (s *Server) Tracker(route string) (*Tracker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.routes[config.NormalizeRoute(route)]
	return t, ok
}

// Routes lists the mounted routes in order.
func (s *Server) Routes() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	routes := make([]string, 0, len(s.routes))
	for r := range s.routes {
		routes = append(routes, r)
	}
	sort.Strings(routes)
	return routes
}

// lookup finds the tracker whose route is the longest prefix of path and
// returns the remainder of the path below the route.
func (s *Server) lookup(path string) (*Tracker, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *Tracker
	bestLen := -1
	for route, t := range s.routes {
		if (strings.HasPrefix(path, route) || path+"/" == route) && len(route) > bestLen {
			best, bestLen = t, len(route)
		}
	}
	if best == nil {
		return nil, "", false
	}
	if bestLen > len(path) {
		return best, "", true
	}
	return best, path[bestLen:], true
}

// Handler returns the HTTP handler for every mounted route, the server
// manager and the health check. Routes mounted later are served without
// rebuilding the handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /server-manager", rateLimitMiddleware(s.mgrRL, s.requireAdmin(s.handleServerManager)))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/", s.handleRoute)
	return mux
}

func (s *Server) handleRoute(w http.ResponseWriter, r *http.Request) {
	t, sub, ok := s.lookup(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	switch {
	case sub == "connect" && r.Method == http.MethodGet:
		s.handleConnect(t, w, r)
	case sub == "" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, t.Status())
	case sub == "sessions" && r.Method == http.MethodGet:
		sessions := t.Sessions()
		if sessions == nil {
			sessions = []protocol.Session{}
		}
		writeJSON(w, http.StatusOK, sessions)
	case sub == "history" && r.Method == http.MethodGet:
		s.handleHistory(t, w, r)
	case sub == "reset" && r.Method == http.MethodPost:
		s.requireAdmin(func(w http.ResponseWriter, r *http.Request) {
			t.Reset()
			writeJSON(w, http.StatusOK, protocol.OK)
		})(w, r)
	case sub == "sandbox" && r.Method == http.MethodPost:
		s.requireAdmin(func(w http.ResponseWriter, r *http.Request) {
			s.handleSandbox(t, w, r)
		})(w, r)
	default:
		http.NotFound(w, r)
	}
}

// requireAdmin rejects requests without the admin bearer token. Without a
// configured token every request passes.
func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.AdminToken != "" && !auth.Equal(s.opts.AdminToken, auth.BearerToken(r)) {
			writeJSON(w, http.StatusUnauthorized, protocol.StatusMessage{Error: "unauthorized"})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleConnect(t *Tracker, w http.ResponseWriter, r *http.Request) {
	conn, err := connection.Accept(w, r)
	if err != nil {
		s.logger.Warn("websocket accept failed", "route", t.Route(), "err", err)
		return
	}
	s.logger.Debug("peer connected", "route", t.Route(), "remote", r.RemoteAddr, "codec", conn.Codec().Subprotocol())
	t.HandleConn(r.Context(), conn)
}

func (s *Server) handleHistory(t *Tracker, w http.ResponseWriter, r *http.Request) {
	limit := defaultHistorySize
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, protocol.StatusMessage{Error: "invalid limit"})
			return
		}
		limit = n
	}
	events, err := t.History(r.Context(), limit)
	if err != nil {
		s.logger.Warn("reading history failed", "route", t.Route(), "err", err)
		writeJSON(w, http.StatusInternalServerError, protocol.StatusMessage{Error: "internal error"})
		return
	}
	if events == nil {
		events = []store.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleSandbox(t *Tracker, w http.ResponseWriter, r *http.Request) {
	var req struct {
		Start bool `json:"start"`
		Stop  bool `json:"stop"`
	}
	err := json.NewDecoder(r.Body).Decode(&req)
	switch {
	case err == nil && req.Start && !req.Stop:
		t.SandboxSetup()
		writeJSON(w, http.StatusOK, protocol.StatusMessage{Message: "Sandbox created"})
	case err == nil && req.Stop && !req.Start:
		t.SandboxTearDown()
		writeJSON(w, http.StatusOK, protocol.StatusMessage{Message: "Sandbox removed"})
	default:
		writeJSON(w, http.StatusBadRequest, protocol.StatusMessage{Error: "Cannot deal with sandbox request"})
	}
}

// serverManagerRequest is the body of POST /server-manager.
type serverManagerRequest struct {
	Action  string `json:"action"`
	Route   string `json:"route"`
	Options struct {
		Route string `json:"route"`
	} `json:"options"`
}

func (s *Server) handleServerManager(w http.ResponseWriter, r *http.Request) {
	var req serverManagerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, protocol.StatusMessage{Error: "invalid request body"})
		return
	}

	switch req.Action {
	case "createServer":
		route := req.Options.Route
		if route == "" {
			route = req.Route
		}
		if route == "" {
			writeJSON(w, http.StatusBadRequest, protocol.StatusMessage{Error: "route required"})
			return
		}
		t, err := s.CreateRoute(r.Context(), route)
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, ErrRouteExists) {
				status = http.StatusConflict
			}
			writeJSON(w, status, protocol.StatusMessage{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, protocol.StatusMessage{Message: "Server created at " + t.Route()})
	case "removeServer":
		if err := s.RemoveRoute(r.Context(), req.Route); err != nil {
			writeJSON(w, http.StatusNotFound, protocol.StatusMessage{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, protocol.StatusMessage{Message: "Server removed"})
	default:
		writeJSON(w, http.StatusBadRequest, protocol.StatusMessage{Error: fmt.Sprintf("unknown server-manager action %q", req.Action)})
	}
}

// Run serves HTTP on ln (or on opts.Listen when ln is nil) until ctx is
// cancelled, then shuts down gracefully and closes every tracker.
func (s *Server) Run(ctx context.Context, ln net.Listener) error {
	if ln == nil {
		var err error
		ln, err = net.Listen("tcp", s.opts.Listen)
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	}
	httpSrv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		fmt.Fprintf(os.Stderr, "[tracker] HTTP listening on %s (routes=%s)\n", ln.Addr(), strings.Join(s.Routes(), ","))
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		s.Close()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutCtx)
	})
	return g.Wait()
}

// Close shuts down every mounted tracker.
func (s *Server) Close() {
	s.mu.RLock()
	trackers := make([]*Tracker, 0, len(s.routes))
	for _, t := range s.routes {
		trackers = append(trackers, t)
	}
	s.mu.RUnlock()
	for _, t := range trackers {
		t.Shutdown()
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
