package config

import (
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ledgersync/internal/conflicts"
)

func TestLoadServerAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := LoadServer(configViper)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("unexpected address %q", cfg.HTTPAddress)
	}
	if cfg.TokenTTL != time.Hour {
		t.Fatalf("unexpected token ttl %s", cfg.TokenTTL)
	}
	if len(cfg.AllowedOrigins) != 0 {
		t.Fatalf("expected no origins, got %v", cfg.AllowedOrigins)
	}
}

func TestLoadServerReadsEnvironment(t *testing.T) {
	t.Setenv("LEDGERSYNC_AUTH_SIGNING_SECRET", "from-env")
	t.Setenv("LEDGERSYNC_HTTP_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("LEDGERSYNC_DATABASE_PATH", "/var/lib/ledgersync/server.db")

	cfg, err := LoadServer(NewViper())
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.SigningSecret != "from-env" {
		t.Fatalf("unexpected secret %q", cfg.SigningSecret)
	}
	if cfg.DatabasePath != "/var/lib/ledgersync/server.db" {
		t.Fatalf("unexpected database path %q", cfg.DatabasePath)
	}
	if strings.Join(cfg.AllowedOrigins, "|") != "https://a.example.com|https://b.example.com" {
		t.Fatalf("unexpected origins %v", cfg.AllowedOrigins)
	}
}

func TestLoadServerRequiresSigningSecret(t *testing.T) {
	if _, err := LoadServer(NewViper()); err == nil || !strings.Contains(err.Error(), "auth.signing_secret") {
		t.Fatalf("expected signing secret error, got %v", err)
	}
}

func TestLoadClientAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("client.owner_id", "owner-1")
	configViper.Set("client.remote_url", "http://localhost:8080")
	configViper.Set("client.token", "token")

	cfg, err := LoadClient(configViper)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.UndoWindow != 8*time.Second {
		t.Fatalf("unexpected undo window %s", cfg.UndoWindow)
	}
	if cfg.IntegrityInterval != 5*time.Minute {
		t.Fatalf("unexpected integrity interval %s", cfg.IntegrityInterval)
	}
	if cfg.InconsistencyThreshold != 3 {
		t.Fatalf("unexpected threshold %d", cfg.InconsistencyThreshold)
	}
	if cfg.ConflictPolicy != conflicts.PolicyAuto {
		t.Fatalf("unexpected policy %q", cfg.ConflictPolicy)
	}
}

func TestLoadClientValidation(t *testing.T) {
	testCases := []struct {
		name     string
		override map[string]any
		want     string
	}{
		{name: "missing owner", override: map[string]any{"client.owner_id": ""}, want: "client.owner_id"},
		{name: "relative url", override: map[string]any{"client.remote_url": "/api"}, want: "client.remote_url"},
		{name: "unknown policy", override: map[string]any{"conflicts.policy": "newest"}, want: "conflicts.policy"},
		{name: "zero page size", override: map[string]any{"sync.pull_page_size": 0}, want: "sync.pull_page_size"},
		{name: "zero threshold", override: map[string]any{"integrity.inconsistency_threshold": 0}, want: "integrity.inconsistency_threshold"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			configViper.Set("client.owner_id", "owner-1")
			configViper.Set("client.remote_url", "http://localhost:8080")
			configViper.Set("client.token", "token")
			for key, value := range testCase.override {
				configViper.Set(key, value)
			}
			_, err := LoadClient(configViper)
			if err == nil || !strings.Contains(err.Error(), testCase.want) {
				t.Fatalf("expected error mentioning %q, got %v", testCase.want, err)
			}
		})
	}
}
