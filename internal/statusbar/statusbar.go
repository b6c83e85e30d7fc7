package statusbar

import (
	"fmt"
	"time"
)

// StatusBar draws the state of a tracker session on the last terminal row.
type StatusBar struct {
	Tracker   string
	SessionID string
	State     string
	Since     time.Time
	Rows      uint16
	Cols      uint16
	Enabled   bool
}

func New(tracker string, cols, rows uint16) *StatusBar {
	return &StatusBar{
		Tracker: tracker,
		State:   "disconnected",
		Since:   time.Now(),
		Rows:    rows,
		Cols:    cols,
		Enabled: rows >= 5,
	}
}

// Setup draws the initial status bar.
func (s *StatusBar) Setup() []byte {
	if !s.Enabled {
		return nil
	}
	return s.Draw()
}

// Teardown clears the bar row and shows the cursor again.
func (s *StatusBar) Teardown() []byte {
	var out []byte
	out = append(out, "\x1b[?25h"...)
	if s.Enabled {
		out = append(out, "\x1b7"...)
		out = append(out, fmt.Sprintf("\x1b[%d;1H", s.Rows)...)
		out = append(out, "\x1b[2K"...)
		out = append(out, "\x1b8"...)
	}
	return out
}

// Update records a new session state and redraws. The elapsed time restarts
// on every state change.
func (s *StatusBar) Update(state, sessionID string, at time.Time) []byte {
	if state != s.State {
		s.Since = at
	}
	s.State = state
	s.SessionID = sessionID
	return s.Draw()
}

// Draw renders the status bar (save cursor, render, restore cursor).
func (s *StatusBar) Draw() []byte {
	if !s.Enabled {
		return nil
	}
	age := formatDuration(uint64(time.Since(s.Since).Seconds()))

	id := s.SessionID
	if id == "" {
		id = "-"
	}
	content := fmt.Sprintf(" [livetrack] %s %s | session %s | %s | Ctrl+C quits",
		s.State, age, id, s.Tracker)

	cols := int(s.Cols)
	var padded string
	if len(content) >= cols {
		padded = content[:cols]
	} else {
		padded = fmt.Sprintf("%-*s", cols, content)
	}

	var out []byte
	out = append(out, "\x1b7"...)
	out = append(out, fmt.Sprintf("\x1b[%d;1H", s.Rows)...)
	out = append(out, fmt.Sprintf("\x1b[7m%s\x1b[0m", padded)...)
	out = append(out, "\x1b8"...)
	return out
}

// Resize updates dimensions and redraws.
func (s *StatusBar) Resize(cols, rows uint16) []byte {
	s.Cols = cols
	s.Rows = rows
	s.Enabled = rows >= 5
	if !s.Enabled {
		return nil
	}
	return s.Draw()
}

func formatDuration(secs uint64) string {
	if secs < 60 {
		return fmt.Sprintf("%ds", secs)
	}
	if secs < 3600 {
		return fmt.Sprintf("%dm", secs/60)
	}
	return fmt.Sprintf("%dh%dm", secs/3600, (secs%3600)/60)
}
