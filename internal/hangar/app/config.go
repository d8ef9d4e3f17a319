package app

import (
	"fmt"
	"time"

	"github.com/bdobrica/Hangar/common/crypto"
	"github.com/bdobrica/Hangar/common/environment"
	"github.com/bdobrica/Hangar/internal/hangar/matrix"
	"github.com/bdobrica/Hangar/internal/hangar/runtime"
)

// Config holds application configuration
type Config struct {
	DatabasePath string
	// HTTPAddr is the listen address of the control API (e.g. ":8080").
	HTTPAddr string
	// InternalSecret guards the /v1 routes other than sweeps via
	// X-Internal-Auth. When empty the API is open and access control is
	// left to the network.
	InternalSecret string
	// CronSecret guards /v1/sweeps. When empty the sweep routes are open.
	CronSecret string
	// MasterKey is a 64-char hex AES-256 key. When set, credentials of
	// asynchronous provisioning tasks are sealed until they are read.
	MasterKey string

	Domain        string
	DockerNetwork string
	EntryPoint    string
	CertResolver  string
	// CatalogPath points at a YAML agent catalog. Empty selects the embedded
	// default.
	CatalogPath string

	// BridgeURL selects the remote bridge backend instead of the local
	// Docker daemon.
	BridgeURL    string
	BridgeAPIKey string

	// ReconcileInterval is the in-process sweep period. Zero disables the
	// ticker; sweeps then only run through /v1/sweeps.
	ReconcileInterval time.Duration
	OrphanGrace       time.Duration
	BackendTimeout    time.Duration
	PullTimeout       time.Duration
	PullImages        bool
	MaxHours          int
	TaskPollInterval  time.Duration
	// ProvisionRate caps provisioning requests per user per minute; 0
	// disables the cap.
	ProvisionRate int

	Matrix matrix.Config
	// AlertRoomID receives operator notices. Requires Matrix to be enabled.
	AlertRoomID string
}

// LoadConfig reads the configuration from the environment. Call
// environment.LoadDotEnv first to honour a .env file.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabasePath:      environment.StringOr("HANGAR_DATABASE_PATH", "hangar.db"),
		HTTPAddr:          environment.StringOr("HANGAR_HTTP_ADDR", ":8080"),
		InternalSecret:    environment.StringOr("HANGAR_INTERNAL_SECRET", ""),
		CronSecret:        environment.StringOr("HANGAR_CRON_SECRET", ""),
		MasterKey:         environment.StringOr("HANGAR_MASTER_KEY", ""),
		Domain:            environment.StringOr("HANGAR_DOMAIN", ""),
		DockerNetwork:     environment.StringOr("HANGAR_DOCKER_NETWORK", runtime.DefaultNetwork),
		EntryPoint:        environment.StringOr("HANGAR_ENTRYPOINT", "websecure"),
		CertResolver:      environment.StringOr("HANGAR_CERT_RESOLVER", "letsencrypt"),
		CatalogPath:       environment.StringOr("HANGAR_CATALOG_PATH", ""),
		BridgeURL:         environment.StringOr("HANGAR_BRIDGE_URL", ""),
		BridgeAPIKey:      environment.StringOr("HANGAR_BRIDGE_API_KEY", ""),
		ReconcileInterval: environment.DurationOr("HANGAR_RECONCILE_INTERVAL", 5*time.Minute),
		OrphanGrace:       environment.DurationOr("HANGAR_ORPHAN_GRACE", runtime.DefaultOrphanGrace),
		BackendTimeout:    environment.DurationOr("HANGAR_BACKEND_TIMEOUT", runtime.DefaultBackendTimeout),
		PullTimeout:       environment.DurationOr("HANGAR_PULL_TIMEOUT", runtime.DefaultPullTimeout),
		PullImages:        environment.BoolOr("HANGAR_PULL_IMAGES", true),
		MaxHours:          environment.IntOr("HANGAR_MAX_HOURS", runtime.DefaultMaxHours),
		TaskPollInterval:  environment.DurationOr("HANGAR_TASK_POLL_INTERVAL", 2*time.Second),
		ProvisionRate:     environment.IntOr("HANGAR_PROVISION_RATE", 10),
		Matrix: matrix.Config{
			Homeserver:  environment.StringOr("MATRIX_HOMESERVER", ""),
			UserID:      environment.StringOr("MATRIX_USER_ID", ""),
			AccessToken: environment.StringOr("MATRIX_ACCESS_TOKEN", ""),
		},
		AlertRoomID: environment.StringOr("MATRIX_ALERT_ROOM", ""),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports configuration that cannot work.
func (c *Config) Validate() error {
	if c.Domain == "" {
		return fmt.Errorf("HANGAR_DOMAIN is required")
	}
	if c.BridgeURL != "" && c.BridgeAPIKey == "" {
		return fmt.Errorf("HANGAR_BRIDGE_API_KEY is required when HANGAR_BRIDGE_URL is set")
	}
	if c.MaxHours < 1 {
		return fmt.Errorf("HANGAR_MAX_HOURS must be at least 1, got %d", c.MaxHours)
	}
	if c.ProvisionRate < 0 {
		return fmt.Errorf("HANGAR_PROVISION_RATE must not be negative")
	}
	if c.ReconcileInterval < 0 {
		return fmt.Errorf("HANGAR_RECONCILE_INTERVAL must not be negative")
	}
	if c.MasterKey != "" {
		if _, err := crypto.ParseKey(c.MasterKey); err != nil {
			return fmt.Errorf("HANGAR_MASTER_KEY: %w", err)
		}
	}
	if c.AlertRoomID != "" && !c.Matrix.Enabled() {
		return fmt.Errorf("MATRIX_ALERT_ROOM requires MATRIX_HOMESERVER, MATRIX_USER_ID and MATRIX_ACCESS_TOKEN")
	}
	return nil
}
