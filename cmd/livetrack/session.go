package main

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/codewiresh/livetrack/internal/client"
	"github.com/codewiresh/livetrack/internal/config"
	"github.com/codewiresh/livetrack/internal/protocol"
	"github.com/codewiresh/livetrack/internal/statusbar"
	"github.com/codewiresh/livetrack/internal/terminal"
)

const onlineTimeout = 30 * time.Second

// newSession builds a session connection from the client config. A nil
// onState prints transitions to stderr.
func newSession(cfg *config.Config, onMessage func(*protocol.Envelope), onState func(from, to client.State)) *client.Connection {
	codec := protocol.JSON
	if cfg.Client.Codec == "cbor" {
		codec = protocol.CBOR
	}
	if onState == nil {
		onState = func(from, to client.State) {
			fmt.Fprintf(os.Stderr, "[livetrack] session %s -> %s\n", from, to)
		}
	}
	return client.New(client.Options{
		URL:              cfg.Client.URL,
		Username:         cfg.Client.Username,
		WorldURL:         cfg.Client.WorldURL,
		RegisterTimeout:  cfg.Client.RegisterTimeout,
		ActivityInterval: cfg.Client.ActivityInterval,
		AllowRemoteEval:  cfg.Client.AllowRemoteEval,
		Codec:            codec,
		OnMessage:        onMessage,
		Logger:           slog.Default(),
		OnStateChange:    onState,
	})
}

// waitOnline registers c and blocks until the tracker acknowledged it.
func waitOnline(ctx context.Context, c *client.Connection) error {
	online := make(chan struct{})
	c.WhenOnline(func() { close(online) })
	c.Register()
	select {
	case <-online:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(onlineTimeout):
		return fmt.Errorf("tracker did not acknowledge registration within %s", onlineTimeout)
	}
}

// ---------------------------------------------------------------------------
// connectCmd
// ---------------------------------------------------------------------------

func connectCmd() *cobra.Command {
	var allowEval bool

	cmd := &cobra.Command{
		Use:   "connect",
		Short: "Register a session and stay online until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("allow-eval") {
				cfg.Client.AllowRemoteEval = allowEval
			}

			ctx, cancel := signalContext("session")
			defer cancel()

			var (
				bar     *statusbar.StatusBar
				onState func(from, to client.State)
				changed = make(chan struct{}, 1)
			)
			if terminal.IsTerminal(os.Stdout) {
				if cols, rows, err := terminal.Size(os.Stdout); err == nil {
					bar = statusbar.New(cfg.Client.URL, cols, rows)
					onState = func(from, to client.State) {
						select {
						case changed <- struct{}{}:
						default:
						}
					}
				}
			}

			c := newSession(cfg, func(e *protocol.Envelope) {
				fmt.Fprintf(os.Stderr, "[livetrack] %s from %s\n", e.Action, e.Sender)
			}, onState)
			defer c.Unregister()

			if err := waitOnline(ctx, c); err != nil {
				return err
			}
			fmt.Fprintf(os.Stderr, "[livetrack] session %s online at %s (remote eval %s)\n",
				c.SessionID(), cfg.Client.URL, onOff(cfg.Client.AllowRemoteEval))
			fmt.Println(c.SessionID())

			c.ReportActivity(time.Now())
			if bar == nil {
				<-ctx.Done()
				return nil
			}
			runStatusBar(ctx, c, bar, changed)
			return nil
		},
	}

	cmd.Flags().BoolVar(&allowEval, "allow-eval", false, "Answer remote eval requests from other sessions")
	return cmd
}

// runStatusBar keeps the session status line current until ctx ends.
func runStatusBar(ctx context.Context, c *client.Connection, bar *statusbar.StatusBar, changed <-chan struct{}) {
	os.Stdout.Write(bar.Update(c.Status().String(), c.SessionID(), time.Now()))
	defer func() { os.Stdout.Write(bar.Teardown()) }()

	resize, stop := terminal.ResizeSignal()
	defer stop()
	tick := time.NewTicker(time.Second)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-changed:
			os.Stdout.Write(bar.Update(c.Status().String(), c.SessionID(), time.Now()))
		case <-resize:
			if cols, rows, err := terminal.Size(os.Stdout); err == nil {
				os.Stdout.Write(bar.Resize(cols, rows))
			}
		case <-tick.C:
			os.Stdout.Write(bar.Draw())
		}
	}
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

// ---------------------------------------------------------------------------
// evalCmd
// ---------------------------------------------------------------------------

func evalCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "eval <session-id> <expression>",
		Short: "Evaluate an expression in another session",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext("eval")
			defer cancel()

			c := newSession(cfg, nil, nil)
			defer c.Unregister()
			if err := waitOnline(ctx, c); err != nil {
				return err
			}

			res, err := remoteEval(ctx, c, args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			if res.Error != "" {
				return fmt.Errorf("%s: %s", res.Error, res.Target)
			}
			fmt.Println(res.Result)
			return nil
		},
	}
}

// remoteEval runs one remote evaluation and waits for its result.
func remoteEval(ctx context.Context, c *client.Connection, target, expr string) (protocol.EvalResultData, error) {
	done := make(chan protocol.EvalResultData, 1)
	if err := c.RemoteEval(target, expr, func(r protocol.EvalResultData) { done <- r }); err != nil {
		return protocol.EvalResultData{}, err
	}
	select {
	case r := <-done:
		return r, nil
	case <-ctx.Done():
		return protocol.EvalResultData{}, ctx.Err()
	case <-time.After(onlineTimeout):
		return protocol.EvalResultData{}, fmt.Errorf("no answer from %s (is remote eval enabled there?)", target)
	}
}

// ---------------------------------------------------------------------------
// replCmd
// ---------------------------------------------------------------------------

func replCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repl <session-id>",
		Short: "Evaluate expressions in another session interactively",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext("repl")
			defer cancel()

			c := newSession(cfg, nil, nil)
			defer c.Unregister()
			if err := waitOnline(ctx, c); err != nil {
				return err
			}

			target := args[0]
			interactive := terminal.IsTerminal(os.Stdin)
			scanner := bufio.NewScanner(os.Stdin)
			for {
				if interactive {
					fmt.Printf("%s> ", shortID(target))
				}
				if !scanner.Scan() {
					return scanner.Err()
				}
				line := strings.TrimSpace(scanner.Text())
				switch line {
				case "":
					continue
				case ":q", ":quit", "exit":
					return nil
				case ":sessions":
					printSessions(ctx, c)
					continue
				}

				c.ReportActivity(time.Now())
				res, err := remoteEval(ctx, c, target, line)
				if err != nil {
					fmt.Fprintf(os.Stderr, "[livetrack] %v\n", err)
					if ctx.Err() != nil {
						return nil
					}
					continue
				}
				if res.Error != "" {
					fmt.Fprintf(os.Stderr, "[livetrack] %s: %s\n", res.Error, res.Target)
					continue
				}
				fmt.Println(res.Result)
			}
		},
	}
}

func printSessions(ctx context.Context, c *client.Connection) {
	done := make(chan []protocol.Session, 1)
	err := c.GetSessions(func(s []protocol.Session, err error) {
		if err != nil {
			fmt.Fprintf(os.Stderr, "[livetrack] %v\n", err)
		}
		done <- s
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "[livetrack] %v\n", err)
		return
	}
	select {
	case s := <-done:
		for _, sess := range s {
			fmt.Printf("  %s  %s  %s\n", sess.ID, sess.User, sess.WorldURL)
		}
	case <-ctx.Done():
	case <-time.After(onlineTimeout):
		fmt.Fprintln(os.Stderr, "[livetrack] no answer from tracker")
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
