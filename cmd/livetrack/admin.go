package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/codewiresh/livetrack/internal/auth"
	"github.com/codewiresh/livetrack/internal/client"
	"github.com/codewiresh/livetrack/internal/config"
)

const adminTimeout = 30 * time.Second

func adminClient() (*client.AdminClient, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	admin := client.NewAdminClient(cfg.Client.URL)
	admin.Token = auth.LoadToken(dataDir())
	return admin, nil
}

func adminContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), adminTimeout)
}

// ---------------------------------------------------------------------------
// sessionsCmd (alias: ls)
// ---------------------------------------------------------------------------

func sessionsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"ls"},
		Short:   "List the sessions registered with the tracker",
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, err := adminClient()
			if err != nil {
				return err
			}
			ctx, cancel := adminContext()
			defer cancel()

			sessions, err := admin.Sessions(ctx)
			if err != nil {
				return err
			}
			return render(sessions, sessionsTable(sessions))
		},
	}
}

// ---------------------------------------------------------------------------
// statusCmd
// ---------------------------------------------------------------------------

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show tracker identity and sessions",
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, err := adminClient()
			if err != nil {
				return err
			}
			ctx, cancel := adminContext()
			defer cancel()

			st, err := admin.Status(ctx)
			if err != nil {
				return err
			}
			return render(st, func(w io.Writer) {
				fmt.Fprintf(w, "Tracker:\t%s\n", st.Tracker)
				fmt.Fprintf(w, "ID:\t%s\n", st.ID)
				fmt.Fprintf(w, "Host:\t%s\n", st.Hostname)
				fmt.Fprintf(w, "Route:\t%s\n", st.Route)
				fmt.Fprintf(w, "Sandbox:\t%v\n", st.Sandbox)
				fmt.Fprintf(w, "Sessions:\t%d\n", len(st.Sessions))
			})
		},
	}
}

// ---------------------------------------------------------------------------
// historyCmd
// ---------------------------------------------------------------------------

func historyCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent session lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, err := adminClient()
			if err != nil {
				return err
			}
			ctx, cancel := adminContext()
			defer cancel()

			events, err := admin.History(ctx, limit)
			if err != nil {
				return err
			}
			return render(events, eventsTable(events))
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Number of events to show")
	return cmd
}

// ---------------------------------------------------------------------------
// resetCmd
// ---------------------------------------------------------------------------

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Drop every session of the tracker",
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, err := adminClient()
			if err != nil {
				return err
			}
			ctx, cancel := adminContext()
			defer cancel()

			if err := admin.Reset(ctx); err != nil {
				return err
			}
			fmt.Fprintln(os.Stderr, "[livetrack] tracker reset")
			return nil
		},
	}
}

// ---------------------------------------------------------------------------
// sandboxCmd
// ---------------------------------------------------------------------------

func sandboxCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sandbox",
		Short: "Isolate the tracker in a throwaway registry",
	}
	for _, sub := range []struct {
		use, short string
		start      bool
	}{
		{"start", "Route sessions to a fresh sandbox registry", true},
		{"stop", "Discard the sandbox and restore the live registry", false},
	} {
		start := sub.start
		cmd.AddCommand(&cobra.Command{
			Use:   sub.use,
			Short: sub.short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				admin, err := adminClient()
				if err != nil {
					return err
				}
				ctx, cancel := adminContext()
				defer cancel()

				msg, err := admin.Sandbox(ctx, start)
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "[livetrack] %s\n", msg)
				return nil
			},
		})
	}
	return cmd
}

// ---------------------------------------------------------------------------
// serverCmd
// ---------------------------------------------------------------------------

func serverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Create or remove trackers on a running server",
	}
	cmd.AddCommand(serverCreateCmd(), serverRemoveCmd())
	return cmd
}

func serverCreateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "create <route>",
		Short: "Mount a new tracker at route",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			route := config.NormalizeRoute(args[0])
			if err := config.ValidateRoute(route); err != nil {
				return err
			}
			admin, err := adminClient()
			if err != nil {
				return err
			}
			ctx, cancel := adminContext()
			defer cancel()

			if err := admin.CreateServer(ctx, route); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "[livetrack] tracker created at %s\n", route)
			return nil
		},
	}
}

func serverRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <route>",
		Aliases: []string{"rm"},
		Short:   "Unmount the tracker at route",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			admin, err := adminClient()
			if err != nil {
				return err
			}
			ctx, cancel := adminContext()
			defer cancel()

			route := config.NormalizeRoute(args[0])
			if err := admin.RemoveServer(ctx, route); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "[livetrack] tracker removed from %s\n", route)
			return nil
		},
	}
}
