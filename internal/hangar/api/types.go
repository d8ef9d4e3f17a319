// Package api holds the JSON wire types of the Hangar control API and a
// client for it.
package api

import "time"

// Headers understood by the control API.
const (
	InternalAuthHeader = "X-Internal-Auth"
	CronSecretHeader   = "X-Cron-Secret"
)

// Sweep kinds accepted by POST /v1/sweeps/{kind}.
const (
	SweepExpiry  = "expiry"
	SweepOrphans = "orphans"
	SweepDrift   = "drift"
)

// CreateUserRequest is the body for POST /v1/users. An empty ID is
// generated by the server.
type CreateUserRequest struct {
	ID             string `json:"id,omitempty"`
	Username       string `json:"username"`
	OpeningBalance int64  `json:"opening_balance"`
	Bypass         bool   `json:"bypass,omitempty"`
}

// GrantRequest is the body for POST /v1/users/{id}/credits.
type GrantRequest struct {
	Amount      int64  `json:"amount"`
	Description string `json:"description,omitempty"`
}

// ProvisionRequest is the body for POST /v1/runtimes and
// POST /v1/provision-tasks.
type ProvisionRequest struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	AgentSlug string `json:"agent_slug"`
	Hours     int    `json:"hours"`
}

// ExtendRequest is the body for POST /v1/runtimes/{id}/extend.
type ExtendRequest struct {
	Hours int `json:"hours"`
}

type User struct {
	ID             string    `json:"id"`
	Username       string    `json:"username"`
	Balance        int64     `json:"balance"`
	OpeningBalance int64     `json:"opening_balance"`
	Bypass         bool      `json:"bypass"`
	CreatedAt      time.Time `json:"created_at"`
}

type Runtime struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	AgentSlug      string     `json:"agent_slug"`
	BackendID      string     `json:"backend_id,omitempty"`
	Subdomain      string     `json:"subdomain"`
	URL            string     `json:"url"`
	Status         string     `json:"status"`
	CreditsCharged int64      `json:"credits_charged"`
	CreatedAt      time.Time  `json:"created_at"`
	PaidUntil      time.Time  `json:"paid_until"`
	StoppedAt      *time.Time `json:"stopped_at,omitempty"`
	TaskID         string     `json:"task_id,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
}

// Handle is returned by a successful provision. Credential is only set for
// agents that expose it, and only in this response.
type Handle struct {
	RuntimeID      string    `json:"runtime_id"`
	Subdomain      string    `json:"subdomain"`
	URL            string    `json:"url"`
	Credential     string    `json:"credential,omitempty"`
	PaidUntil      time.Time `json:"paid_until"`
	CreditsCharged int64     `json:"credits_charged"`
}

type StopResult struct {
	Refund int64  `json:"refund"`
	NoOp   bool   `json:"no_op"`
	Status string `json:"status"`
}

type ExtendResult struct {
	NewExpiry      time.Time `json:"new_expiry"`
	CreditsCharged int64     `json:"credits_charged"`
}

type EnsureResult struct {
	Action string `json:"action"`
}

type Logs struct {
	Logs string `json:"logs"`
}

type LedgerEntry struct {
	ID          string    `json:"id"`
	Type        string    `json:"type"`
	Amount      int64     `json:"amount"`
	RuntimeID   string    `json:"runtime_id,omitempty"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

type Verify struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
	OK      bool   `json:"ok"`
}

// Task is an asynchronous provisioning request. Credential appears on the
// first read after success and never again.
type Task struct {
	ID                string    `json:"id"`
	UserID            string    `json:"user_id"`
	AgentSlug         string    `json:"agent_slug"`
	Hours             int64     `json:"hours"`
	Status            string    `json:"status"`
	Attempts          int       `json:"attempts"`
	RuntimeID         string    `json:"runtime_id,omitempty"`
	URL               string    `json:"url,omitempty"`
	Credential        string    `json:"credential,omitempty"`
	CredentialClaimed bool      `json:"credential_claimed"`
	LastError         string    `json:"last_error,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

type Agent struct {
	Slug           string `json:"slug"`
	Name           string `json:"name"`
	Family         string `json:"family"`
	CreditsPerHour int64  `json:"credits_per_hour"`
	Active         bool   `json:"active"`
}

type Sweep struct {
	Kind      string `json:"kind"`
	Examined  int    `json:"examined"`
	Processed int    `json:"processed"`
	Skipped   int    `json:"skipped"`
	Failed    int    `json:"failed"`
}

// Health is returned by GET /health.
type Health struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

// Status is returned by GET /status.
type Status struct {
	Status     string         `json:"status"`
	Version    string         `json:"version"`
	Commit     string         `json:"commit"`
	BuildTime  string         `json:"build_time"`
	StartedAt  time.Time      `json:"started_at"`
	UptimeSecs float64        `json:"uptime_seconds"`
	Runtimes   map[string]int `json:"runtimes"`
}

// ErrorResponse is returned on every failure.
type ErrorResponse struct {
	Error   string `json:"error"`
	TraceID string `json:"trace_id,omitempty"`
}
