package app_test

import (
	"strings"
	"testing"
	"time"

	"github.com/bdobrica/Hangar/internal/hangar/app"
	"github.com/bdobrica/Hangar/internal/hangar/runtime"
)

func TestLoadConfig_Defaults(t *testing.T) {
	t.Setenv("HANGAR_DOMAIN", "agents.example.com")

	cfg, err := app.LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.DatabasePath != "hangar.db" {
		t.Errorf("unexpected addr/db: %q %q", cfg.HTTPAddr, cfg.DatabasePath)
	}
	if cfg.DockerNetwork != runtime.DefaultNetwork {
		t.Errorf("network = %q", cfg.DockerNetwork)
	}
	if cfg.ReconcileInterval != 5*time.Minute || cfg.OrphanGrace != runtime.DefaultOrphanGrace {
		t.Errorf("intervals = %v %v", cfg.ReconcileInterval, cfg.OrphanGrace)
	}
	if !cfg.PullImages || cfg.MaxHours != runtime.DefaultMaxHours {
		t.Errorf("pull/max = %v %d", cfg.PullImages, cfg.MaxHours)
	}
	if cfg.BridgeURL != "" {
		t.Errorf("bridge selected by default: %q", cfg.BridgeURL)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("HANGAR_DOMAIN", "agents.example.com")
	t.Setenv("HANGAR_RECONCILE_INTERVAL", "0")
	t.Setenv("HANGAR_MAX_HOURS", "48")
	t.Setenv("HANGAR_PULL_IMAGES", "false")
	t.Setenv("HANGAR_BRIDGE_URL", "http://bridge:9090")
	t.Setenv("HANGAR_BRIDGE_API_KEY", "k")

	cfg, err := app.LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.ReconcileInterval != 0 || cfg.MaxHours != 48 || cfg.PullImages {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.BridgeURL != "http://bridge:9090" {
		t.Errorf("bridge url = %q", cfg.BridgeURL)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	cases := map[string]map[string]string{
		"missing domain": {},
		"bridge without key": {
			"HANGAR_DOMAIN":     "d",
			"HANGAR_BRIDGE_URL": "http://bridge:9090",
		},
		"short master key": {
			"HANGAR_DOMAIN":     "d",
			"HANGAR_MASTER_KEY": "abcd",
		},
		"alert room without matrix": {
			"HANGAR_DOMAIN":     "d",
			"MATRIX_ALERT_ROOM": "!ops:example.com",
		},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			t.Setenv("HANGAR_DOMAIN", "")
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := app.LoadConfig(); err == nil || !strings.Contains(err.Error(), "HANGAR_") && !strings.Contains(err.Error(), "MATRIX_") {
				t.Errorf("LoadConfig = %v, want a configuration error", err)
			}
		})
	}
}
