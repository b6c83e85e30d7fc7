package statusbar

import (
	"strings"
	"testing"
	"time"
)

func TestSetupDrawsBar(t *testing.T) {
	bar := New("http://h:9001/t/", 80, 24)
	out := string(bar.Setup())
	if !strings.Contains(out, "\x1b[7m") {
		t.Fatal("should contain reverse video")
	}
	if !strings.Contains(out, "\x1b[24;1H") {
		t.Fatal("should draw on the last row")
	}
	if !strings.Contains(out, "disconnected") {
		t.Fatal("should start disconnected")
	}
}

func TestUpdateShowsStateAndSession(t *testing.T) {
	bar := New("http://h:9001/t/", 120, 24)
	out := string(bar.Update("connected", "abc-123", time.Now()))
	for _, s := range []string{"connected", "session abc-123", "http://h:9001/t/", "\x1b7", "\x1b8"} {
		if !strings.Contains(out, s) {
			t.Fatalf("should contain %q in %q", s, out)
		}
	}
}

func TestUpdateRestartsElapsedOnChange(t *testing.T) {
	bar := New("t", 80, 24)
	old := time.Now().Add(-time.Hour)
	bar.Since = old

	bar.Update("disconnected", "", time.Now())
	if !bar.Since.Equal(old) {
		t.Fatal("same state must keep Since")
	}
	now := time.Now()
	bar.Update("connecting", "", now)
	if !bar.Since.Equal(now) {
		t.Fatal("state change must restart Since")
	}
}

func TestDrawTruncatesToWidth(t *testing.T) {
	bar := New(strings.Repeat("x", 200), 40, 24)
	out := string(bar.Draw())
	start := strings.Index(out, "\x1b[7m") + len("\x1b[7m")
	end := strings.Index(out, "\x1b[0m")
	if got := end - start; got != 40 {
		t.Fatalf("bar content width = %d, want 40", got)
	}
}

func TestTeardownClearsBar(t *testing.T) {
	bar := New("t", 80, 24)
	out := string(bar.Teardown())
	for seq, name := range map[string]string{
		"\x1b[?25h":  "show cursor",
		"\x1b[24;1H": "move to last row",
		"\x1b[2K":    "clear line",
	} {
		if !strings.Contains(out, seq) {
			t.Fatalf("should contain %s (%q)", name, seq)
		}
	}
}

func TestDisabledBar(t *testing.T) {
	bar := New("t", 80, 3)
	if bar.Enabled {
		t.Fatal("should be disabled")
	}
	if len(bar.Setup()) != 0 || len(bar.Draw()) != 0 || len(bar.Update("connected", "a", time.Now())) != 0 {
		t.Fatal("disabled bar must draw nothing")
	}
	if strings.Contains(string(bar.Teardown()), "\x1b[2K") {
		t.Fatal("should not clear bar line when disabled")
	}
	if len(bar.Resize(80, 24)) == 0 || !bar.Enabled {
		t.Fatal("resize to a tall terminal should enable the bar")
	}
}

func TestFormatDurationDisplay(t *testing.T) {
	cases := []struct {
		secs uint64
		want string
	}{
		{0, "0s"},
		{45, "45s"},
		{60, "1m"},
		{300, "5m"},
		{3661, "1h1m"},
	}
	for _, c := range cases {
		got := formatDuration(c.secs)
		if got != c.want {
			t.Errorf("formatDuration(%d) = %q, want %q", c.secs, got, c.want)
		}
	}
}
