package main

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/codewiresh/livetrack/internal/auth"
	"github.com/codewiresh/livetrack/internal/client"
	"github.com/codewiresh/livetrack/internal/config"
	"github.com/codewiresh/livetrack/internal/store"
	"github.com/codewiresh/livetrack/internal/tracker"
)

func serveCmd() *cobra.Command {
	var (
		listen  string
		route   string
		grace   time.Duration
		central string
		showQR  bool
		noAuth  bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run a session tracker server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("listen") {
				cfg.Server.Listen = listen
			}
			if cmd.Flags().Changed("route") {
				cfg.Server.Route = config.NormalizeRoute(route)
			}
			if cmd.Flags().Changed("grace") {
				cfg.Server.SessionGrace = grace
			}
			if central != "" {
				cfg.Server.CentralURL = &central
			}

			dir := dataDir()
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("creating data dir: %w", err)
			}
			st, err := store.NewSQLiteStore(dir)
			if err != nil {
				return fmt.Errorf("opening store: %w", err)
			}
			defer st.Close()

			var token string
			if !noAuth {
				if token, err = auth.LoadOrGenerateToken(dir); err != nil {
					return err
				}
			}

			srv, err := tracker.NewServer(tracker.ServerOptions{
				Listen:       cfg.Server.Listen,
				Route:        cfg.Server.Route,
				SessionGrace: cfg.Server.SessionGrace,
				Store:        st,
				AdminToken:   token,
			})
			if err != nil {
				return err
			}

			ctx, cancel := signalContext("tracker")
			defer cancel()

			if err := srv.Restore(ctx); err != nil {
				return err
			}

			ln, err := net.Listen("tcp", cfg.Server.Listen)
			if err != nil {
				return fmt.Errorf("listen: %w", err)
			}

			connectURL := client.ConnectURL(localURL(ln.Addr(), cfg.Server.Route))
			fmt.Fprintf(os.Stderr, "[livetrack] peers connect to %s\n", connectURL)
			if showQR {
				qr, err := qrcode.New(connectURL, qrcode.Medium)
				if err != nil {
					return fmt.Errorf("rendering QR code: %w", err)
				}
				fmt.Fprint(os.Stderr, qr.ToSmallString(false))
			}

			if cfg.Server.CentralURL != nil && *cfg.Server.CentralURL != "" {
				t, _ := srv.Tracker(cfg.Server.Route)
				if err := t.LinkTo(ctx, *cfg.Server.CentralURL, nil); err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "[livetrack] linked to central tracker %s\n", *cfg.Server.CentralURL)
			}

			return srv.Run(ctx, ln)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", config.DefaultListen, "HTTP listen address")
	cmd.Flags().StringVar(&route, "route", config.DefaultRoute, "Route the tracker is mounted at")
	cmd.Flags().DurationVar(&grace, "grace", config.DefaultSessionGrace, "How long a session outlives its closed connection")
	cmd.Flags().StringVar(&central, "central", "", "Central tracker URL to register this tracker with")
	cmd.Flags().BoolVar(&showQR, "qr", false, "Print the connect URL as a QR code")
	cmd.Flags().BoolVar(&noAuth, "no-auth", false, "Serve reset, sandbox and server-manager without the admin token")

	return cmd
}

// localURL builds the http URL of route on the listening address.
func localURL(addr net.Addr, route string) string {
	host := addr.String()
	if tcp, ok := addr.(*net.TCPAddr); ok && (tcp.IP == nil || tcp.IP.IsUnspecified()) {
		if name, err := os.Hostname(); err == nil {
			host = net.JoinHostPort(name, fmt.Sprint(tcp.Port))
		}
	}
	if !strings.HasPrefix(route, "/") {
		route = "/" + route
	}
	return "http://" + host + route
}
