package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("LISTEN_ADDR", "")
	t.Setenv("PORT", "8081")
	t.Setenv("DB_DRIVER", "")
	t.Setenv("GIFTED_API_KEY", "g-key")
	t.Setenv("PRINCE_API_KEY", "")
	t.Setenv("HTTP_TIMEOUT", "bogus")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != ":8081" {
		t.Fatalf("expected PORT to be honored, got %q", cfg.ListenAddr)
	}
	if cfg.DB.Driver != DriverSQLite {
		t.Fatalf("expected sqlite default, got %q", cfg.DB.Driver)
	}
	if cfg.HTTP.ClientTimeout != 30*time.Second {
		t.Fatalf("expected fallback timeout, got %s", cfg.HTTP.ClientTimeout)
	}
	if cfg.APIKeys["gifted"] != "g-key" {
		t.Fatalf("expected gifted key, got %v", cfg.APIKeys)
	}

	missing := cfg.MissingCredentials([]string{"gifted", "prince"})
	if len(missing) != 1 || missing[0] != "PRINCE_API_KEY" {
		t.Fatalf("unexpected missing credentials %v", missing)
	}
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("DB_DRIVER", "mysql")
	if _, err := Load(); !errors.Is(err, ErrInvalidDriver) {
		t.Fatalf("expected ErrInvalidDriver, got %v", err)
	}
}

func TestLoadClient(t *testing.T) {
	t.Setenv("CHATRELAY_SERVER", "http://relay.local:3000/")
	t.Setenv("CHATRELAY_SYNC", "PUSH")
	t.Setenv("CHATRELAY_SYNC_INTERVAL", "5s")

	cfg, err := LoadClient()
	if err != nil {
		t.Fatalf("load client: %v", err)
	}
	if cfg.ServerURL != "http://relay.local:3000" || cfg.SyncMode != SyncPush || cfg.SyncInterval != 5*time.Second {
		t.Fatalf("unexpected client config %+v", cfg)
	}
	if cfg.ReconnectDelay != 3*time.Second {
		t.Fatalf("expected default reconnect delay, got %s", cfg.ReconnectDelay)
	}

	t.Setenv("CHATRELAY_SYNC", "sse")
	if _, err := LoadClient(); !errors.Is(err, ErrInvalidSyncMode) {
		t.Fatalf("expected ErrInvalidSyncMode, got %v", err)
	}
}
