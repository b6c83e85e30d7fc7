package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Listen != DefaultListen || cfg.Server.Route != DefaultRoute {
		t.Fatalf("unexpected server defaults: %+v", cfg.Server)
	}
	if cfg.Client.RegisterTimeout != DefaultRegisterTimeout {
		t.Fatalf("register timeout = %v", cfg.Client.RegisterTimeout)
	}
	if cfg.Client.AllowRemoteEval {
		t.Fatal("remote eval must be off by default")
	}
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	data := `
[server]
listen = ":7000"
route = "tracker"
session_grace = "5s"

[client]
url = "http://example.com/tracker/"
username = "robert"
register_timeout = "30s"
allow_remote_eval = true
codec = "cbor"
`
	if err := os.WriteFile(filepath.Join(dir, "tracker.toml"), []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(dir)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Listen != ":7000" {
		t.Errorf("listen = %q", cfg.Server.Listen)
	}
	if cfg.Server.Route != "/tracker/" {
		t.Errorf("route = %q, want normalized /tracker/", cfg.Server.Route)
	}
	if cfg.Server.SessionGrace != 5*time.Second {
		t.Errorf("session_grace = %v", cfg.Server.SessionGrace)
	}
	if cfg.Client.Username != "robert" || !cfg.Client.AllowRemoteEval || cfg.Client.Codec != "cbor" {
		t.Errorf("client = %+v", cfg.Client)
	}
	if cfg.Client.RegisterTimeout != 30*time.Second {
		t.Errorf("register_timeout = %v", cfg.Client.RegisterTimeout)
	}
	if cfg.Client.ActivityInterval != DefaultActivityInterval {
		t.Errorf("activity_interval = %v, want default", cfg.Client.ActivityInterval)
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("LIVETRACK_LISTEN", ":8123")
	t.Setenv("LIVETRACK_USER", "envuser")
	t.Setenv("LIVETRACK_ALLOW_REMOTE_EVAL", "true")
	t.Setenv("LIVETRACK_CENTRAL_URL", "http://central/tracker/")

	cfg, err := LoadConfig(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Listen != ":8123" || cfg.Client.Username != "envuser" || !cfg.Client.AllowRemoteEval {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if cfg.Server.CentralURL == nil || *cfg.Server.CentralURL != "http://central/tracker/" {
		t.Fatalf("central url = %v", cfg.Server.CentralURL)
	}
}

func TestLoadConfigRejects(t *testing.T) {
	t.Run("bad bool", func(t *testing.T) {
		t.Setenv("LIVETRACK_ALLOW_REMOTE_EVAL", "maybe")
		if _, err := LoadConfig(t.TempDir()); err == nil {
			t.Fatal("expected error")
		}
	})
	t.Run("reserved route", func(t *testing.T) {
		t.Setenv("LIVETRACK_ROUTE", "/server-manager")
		if _, err := LoadConfig(t.TempDir()); err == nil {
			t.Fatal("expected error")
		}
	})
	t.Run("bad codec", func(t *testing.T) {
		dir := t.TempDir()
		os.WriteFile(filepath.Join(dir, "tracker.toml"), []byte("[client]\ncodec = \"xml\"\n"), 0o644)
		if _, err := LoadConfig(dir); err == nil {
			t.Fatal("expected error")
		}
	})
}

func TestSaveRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested")
	cfg := Default()
	cfg.Server.Listen = ":9999"
	cfg.Client.Username = "saved"
	if err := cfg.Save(dir); err != nil {
		t.Fatal(err)
	}
	got, err := LoadConfig(dir)
	if err != nil {
		t.Fatal(err)
	}
	if got.Server.Listen != ":9999" || got.Client.Username != "saved" {
		t.Fatalf("round trip lost fields: %+v", got)
	}
	if got.Server.SessionGrace != DefaultSessionGrace {
		t.Fatalf("session grace = %v", got.Server.SessionGrace)
	}
}

func TestNormalizeRoute(t *testing.T) {
	cases := map[string]string{
		"tracker":   "/tracker/",
		"/tracker":  "/tracker/",
		"/tracker/": "/tracker/",
		" /a/b ":    "/a/b/",
	}
	for in, want := range cases {
		if got := NormalizeRoute(in); got != want {
			t.Errorf("NormalizeRoute(%q) = %q, want %q", in, got, want)
		}
	}
}
