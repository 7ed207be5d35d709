package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadAppliesDefaults(t *testing.T) {
	configViper := NewViper()
	configViper.Set("auth.signing_secret", "secret")

	cfg, err := Load(configViper)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.HTTPAddress != defaultHTTPAddress {
		t.Fatalf("unexpected http address %q", cfg.HTTPAddress)
	}
	if cfg.DatabaseDriver != DatabaseDriverSQLite {
		t.Fatalf("unexpected database driver %q", cfg.DatabaseDriver)
	}
	if cfg.PollInterval != 1500*time.Millisecond {
		t.Fatalf("unexpected poll interval %s", cfg.PollInterval)
	}
	if cfg.BroadcastInterval != 45*time.Millisecond {
		t.Fatalf("unexpected broadcast interval %s", cfg.BroadcastInterval)
	}
	if cfg.RedisAddress != "" {
		t.Fatalf("expected redis to be disabled by default")
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	t.Setenv("DATENIGHT_AUTH_SIGNING_SECRET", "from-env")
	t.Setenv("DATENIGHT_DATABASE_DRIVER", "POSTGRES")
	t.Setenv("DATENIGHT_DATABASE_URL", "postgres://localhost/datenight")
	t.Setenv("DATENIGHT_REALTIME_POLL_INTERVAL", "2s")

	cfg, err := Load(NewViper())
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if cfg.SigningSecret != "from-env" {
		t.Fatalf("expected signing secret from env, got %q", cfg.SigningSecret)
	}
	if cfg.DatabaseDriver != DatabaseDriverPostgres {
		t.Fatalf("expected postgres driver, got %q", cfg.DatabaseDriver)
	}
	if cfg.PollInterval != 2*time.Second {
		t.Fatalf("expected 2s poll interval, got %s", cfg.PollInterval)
	}
}

func TestLoadRejectsInvalidConfiguration(t *testing.T) {
	testCases := []struct {
		name     string
		settings map[string]any
		contains string
	}{
		{name: "missing secret", settings: map[string]any{}, contains: "auth.signing_secret"},
		{name: "unknown driver", settings: map[string]any{"auth.signing_secret": "s", "database.driver": "mysql"}, contains: "not supported"},
		{name: "postgres without url", settings: map[string]any{"auth.signing_secret": "s", "database.driver": "postgres"}, contains: "database.url"},
		{name: "tiny poll interval", settings: map[string]any{"auth.signing_secret": "s", "realtime.poll_interval": "10ms"}, contains: "poll_interval"},
		{name: "tiny broadcast interval", settings: map[string]any{"auth.signing_secret": "s", "realtime.broadcast_interval": "1ms"}, contains: "broadcast_interval"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			configViper := NewViper()
			for key, value := range testCase.settings {
				configViper.Set(key, value)
			}
			_, err := Load(configViper)
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), testCase.contains) {
				t.Fatalf("expected error mentioning %q, got %v", testCase.contains, err)
			}
		})
	}
}
