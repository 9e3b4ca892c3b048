package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadServer_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "server.yaml")
	yaml := []byte("running:\n  port: 9090\nredis:\n  addrs: [\"127.0.0.1:6379\"]\nwhiteboard:\n  lockTTL: 30s\n")
	if err := os.WriteFile(file, yaml, 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SYNCFLOW_AUTH_SECRET", "from-env")

	cfg, err := LoadServer(viper.New(), file)
	if err != nil {
		t.Fatalf("LoadServer() error = %v", err)
	}
	if cfg.Running.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Running.Port)
	}
	if len(cfg.Redis.Addrs) != 1 || cfg.Redis.Addrs[0] != "127.0.0.1:6379" {
		t.Errorf("redis addrs = %v", cfg.Redis.Addrs)
	}
	if cfg.Whiteboard.LockTTL != 30*time.Second {
		t.Errorf("lockTTL = %v, want 30s", cfg.Whiteboard.LockTTL)
	}
	if cfg.Whiteboard.DefaultLines != 10 {
		t.Errorf("defaultLines = %d, want 10", cfg.Whiteboard.DefaultLines)
	}
	if cfg.Auth.Secret != "from-env" {
		t.Errorf("auth secret = %q, want env override", cfg.Auth.Secret)
	}
}

func TestLoadClient_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := LoadClient(viper.New(), "")
	if err != nil {
		t.Fatalf("LoadClient() error = %v", err)
	}
	if cfg.Editor.PropagateDelay != 350*time.Millisecond || cfg.Editor.PersistDelay != 500*time.Millisecond {
		t.Errorf("editor delays = %+v", cfg.Editor)
	}
	if cfg.Server.WS != "ws://localhost:8080/whiteboard/ws" {
		t.Errorf("ws url = %q", cfg.Server.WS)
	}
}

func TestWebsocketURL(t *testing.T) {
	if got := WebsocketURL("https://notes.example.com/"); got != "wss://notes.example.com/whiteboard/ws" {
		t.Fatalf("WebsocketURL() = %q", got)
	}
}
