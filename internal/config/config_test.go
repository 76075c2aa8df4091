package config

import (
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Host != "127.0.0.1" || cfg.Port != 8765 {
		t.Fatalf("defaults = %s:%d, want 127.0.0.1:8765", cfg.Host, cfg.Port)
	}
	if cfg.StateDir == "" {
		t.Fatal("empty default state dir")
	}
	if cfg.HandshakeTimeout != 20*time.Second {
		t.Fatalf("handshake timeout = %v, want 20s", cfg.HandshakeTimeout)
	}
	if cfg.IdleTimeout != 0 || cfg.ConnectRate != 0 {
		t.Fatal("idle timeout and connect rate hooks must default to off")
	}
	if cfg.ShutdownGrace != 2*time.Second {
		t.Fatalf("shutdown grace = %v, want 2s", cfg.ShutdownGrace)
	}
}

func TestFlagsOverride(t *testing.T) {
	cfg, err := Load([]string{"--host", "0.0.0.0", "--port", "9000", "--state-dir", "/tmp/gw", "--log-dir", "/tmp/logs"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Host != "0.0.0.0" || cfg.Port != 9000 {
		t.Fatalf("got %s:%d", cfg.Host, cfg.Port)
	}
	if cfg.StateDir != "/tmp/gw" || cfg.LogDir != "/tmp/logs" {
		t.Fatalf("dirs = %s / %s", cfg.StateDir, cfg.LogDir)
	}
	if cfg.Addr() != "0.0.0.0:9000" {
		t.Fatalf("addr = %s", cfg.Addr())
	}
}

func TestEnvFallback(t *testing.T) {
	t.Setenv("PHBGATEWAY_PORT", "9100")
	t.Setenv("PHBGATEWAY_HANDSHAKE_TIMEOUT", "5s")
	cfg, err := Load(nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9100 {
		t.Fatalf("port = %d, want 9100 from env", cfg.Port)
	}
	if cfg.HandshakeTimeout != 5*time.Second {
		t.Fatalf("handshake timeout = %v, want 5s from env", cfg.HandshakeTimeout)
	}

	// Flags still win over env.
	cfg, err = Load([]string{"--port", "9200"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != 9200 {
		t.Fatalf("port = %d, want flag to beat env", cfg.Port)
	}
}

func TestInvalidArguments(t *testing.T) {
	if _, err := Load([]string{"--port", "not-a-number"}); err == nil {
		t.Fatal("bad port value accepted")
	}
	if _, err := Load([]string{"--port", "0"}); err == nil {
		t.Fatal("port 0 accepted")
	}
	if _, err := Load([]string{"--port", "70000"}); err == nil {
		t.Fatal("out-of-range port accepted")
	}
	if _, err := Load([]string{"--nope"}); err == nil {
		t.Fatal("unknown flag accepted")
	}
	if _, err := Load([]string{"stray"}); err == nil {
		t.Fatal("positional argument accepted")
	}
}
