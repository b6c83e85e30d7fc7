package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/mattn/go-isatty"
	"gopkg.in/yaml.v3"

	"github.com/codewiresh/livetrack/internal/protocol"
	"github.com/codewiresh/livetrack/internal/store"
)

// outputFormat resolves -o: table on a terminal, json otherwise.
func outputFormat() (string, error) {
	switch outputFlag {
	case "table", "json", "yaml":
		return outputFlag, nil
	case "":
		if isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd()) {
			return "table", nil
		}
		return "json", nil
	}
	return "", fmt.Errorf("unknown output format %q (want table, json or yaml)", outputFlag)
}

// render writes v in the selected format; table formats are written by
// table.
func render(v any, table func(w io.Writer)) error {
	format, err := outputFormat()
	if err != nil {
		return err
	}
	switch format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		// Round-trip through JSON so YAML keys match the wire names.
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(generic)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	table(w)
	return w.Flush()
}

func sessionsTable(sessions []protocol.Session) func(io.Writer) {
	return func(w io.Writer) {
		if len(sessions) == 0 {
			fmt.Fprintln(w, "No sessions")
			return
		}
		fmt.Fprintln(w, "ID\tUSER\tWORLD\tLAST ACTIVITY")
		for _, s := range sessions {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.User, s.WorldURL, formatActivity(s.LastActivity))
		}
	}
}

func eventsTable(events []store.Event) func(io.Writer) {
	return func(w io.Writer) {
		if len(events) == 0 {
			fmt.Fprintln(w, "No events")
			return
		}
		fmt.Fprintln(w, "AT\tKIND\tSESSION\tUSER\tDETAIL")
		for _, e := range events {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.At.Local().Format(time.DateTime), e.Kind, e.SessionID, e.User, e.Detail)
		}
	}
}

func formatActivity(ms int64) string {
	if ms == 0 {
		return "-"
	}
	ago := time.Since(time.UnixMilli(ms)).Round(time.Second)
	if ago < 0 {
		ago = 0
	}
	return ago.String() + " ago"
}
