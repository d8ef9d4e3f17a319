package runtime

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bdobrica/Hangar/common/redact"
	"github.com/bdobrica/Hangar/common/retry"
	"github.com/bdobrica/Hangar/common/trace"
	"github.com/bdobrica/Hangar/internal/hangar/audit"
	"github.com/bdobrica/Hangar/internal/hangar/catalog"
	"github.com/bdobrica/Hangar/internal/hangar/ident"
	"github.com/bdobrica/Hangar/internal/hangar/store"
)

// ErrInvalidHours is returned when a purchase is outside [1, MaxHours].
var ErrInvalidHours = errors.New("invalid number of hours")

// DefaultMaxHours bounds a single purchase or extension.
const DefaultMaxHours = 720

// ProvisionerConfig configures a Provisioner.
type ProvisionerConfig struct {
	// Domain is the public parent domain; runtimes are served at
	// https://<subdomain>.<Domain>.
	Domain       string
	Network      string
	EntryPoint   string
	CertResolver string

	MaxHours int
	// PullImages pulls the template image before creating. Disable when
	// images are pre-seeded on the host.
	PullImages bool
	PullRetry  retry.Config

	BackendTimeout time.Duration
	PullTimeout    time.Duration
	PasswordLength int

	Now      func() time.Time
	Notifier audit.Notifier
}

// ProvisionRequest asks for a new runtime.
type ProvisionRequest struct {
	UserID    string
	Username  string
	AgentSlug string
	Hours     int
	// TaskID makes the request idempotent: a second request with the same
	// TaskID returns the runtime the first one created.
	TaskID string
}

// Handle describes a freshly provisioned runtime.
type Handle struct {
	RuntimeID string
	Subdomain string
	URL       string
	// Credential is set only for templates that expose their generated
	// password, and only on the call that created the runtime.
	Credential     string
	PaidUntil      time.Time
	CreditsCharged int64
}

// Provisioner creates runtimes: resolve, pre-check, create on the backend,
// then record the debit, the runtime and its USAGE entry in one transaction.
type Provisioner struct {
	driver
	catalog catalog.Catalog
	cfg     ProvisionerConfig
}

// NewProvisioner creates a Provisioner.
func NewProvisioner(b Backend, s *store.Store, c catalog.Catalog, cfg ProvisionerConfig) *Provisioner {
	if cfg.MaxHours <= 0 {
		cfg.MaxHours = DefaultMaxHours
	}
	if cfg.PullTimeout <= 0 {
		cfg.PullTimeout = DefaultPullTimeout
	}
	if cfg.PasswordLength <= 0 {
		cfg.PasswordLength = ident.DefaultPasswordLength
	}
	if cfg.PullRetry.MaxAttempts == 0 {
		cfg.PullRetry = retry.DefaultConfig
	}
	if cfg.PullRetry.ShouldRetry == nil {
		cfg.PullRetry.ShouldRetry = IsRetryable
	}
	cfg.PullRetry.Label = "pull"
	return &Provisioner{
		driver:  newDriver(b, s, cfg.Notifier, cfg.Now, cfg.BackendTimeout, 0),
		catalog: c,
		cfg:     cfg,
	}
}

// Validate checks a request without touching the backend or the ledger.
func (p *Provisioner) Validate(req ProvisionRequest) (catalog.Template, error) {
	tmpl, err := catalog.Resolve(p.catalog, req.AgentSlug)
	if err != nil {
		return catalog.Template{}, err
	}
	if err := validateHours(req.Hours, p.cfg.MaxHours); err != nil {
		return catalog.Template{}, err
	}
	if req.UserID == "" {
		return catalog.Template{}, fmt.Errorf("provision: user id is required")
	}
	if ident.SanitizeUsername(req.Username) == "" {
		return catalog.Template{}, fmt.Errorf("provision: username %q has no usable characters", req.Username)
	}
	return tmpl, nil
}

func validateHours(hours, limit int) error {
	if hours < 1 || hours > limit {
		return fmt.Errorf("%w: %d (allowed 1..%d)", ErrInvalidHours, hours, limit)
	}
	return nil
}

// Provision creates and starts a runtime and charges the user for it.
//
// Business failures (unknown agent, bad hours, insufficient credits) are
// detected before the backend is touched and leave the balance unchanged.
// A resource created for a debit that then loses a race is removed again;
// a resource stranded by an infrastructure fault is left for the orphan
// sweep.
func (p *Provisioner) Provision(ctx context.Context, req ProvisionRequest) (*Handle, error) {
	ctx, traceID := trace.Ensure(ctx)
	log := slog.With("trace_id", traceID, "user_id", req.UserID, "agent", req.AgentSlug)

	tmpl, err := p.Validate(req)
	if err != nil {
		return nil, err
	}

	if req.TaskID != "" {
		existing, err := p.store.GetRuntimeByTaskID(ctx, req.TaskID)
		if err == nil {
			log.Info("provision task already applied", "task_id", req.TaskID, "runtime_id", existing.ID)
			return handleFor(existing, ""), nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}

	user, err := p.store.GetUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	cost := int64(req.Hours) * tmpl.CreditsPerHour
	if !user.Bypass && user.Balance < cost {
		return nil, fmt.Errorf("%w: need %d, have %d", store.ErrInsufficientCredits, cost, user.Balance)
	}

	subdomain, err := ident.Subdomain(req.Username, tmpl.Slug)
	if err != nil {
		return nil, err
	}
	password, err := ident.Password(p.cfg.PasswordLength)
	if err != nil {
		return nil, err
	}

	if p.cfg.PullImages {
		err := retry.Do(ctx, p.cfg.PullRetry, func() error {
			return p.call(ctx, p.cfg.PullTimeout, func(ctx context.Context) error {
				return p.backend.Pull(ctx, tmpl.Image)
			})
		})
		if err != nil {
			return nil, fmt.Errorf("pull %s: %w", tmpl.Image, err)
		}
	}

	// Stamped after the pull: the orphan sweep ages resources by this label.
	params := RenderParams{
		UserID:       req.UserID,
		Subdomain:    subdomain,
		Domain:       p.cfg.Domain,
		StorageKey:   ident.StorageKey(req.UserID, tmpl.Slug),
		Password:     password,
		Network:      p.cfg.Network,
		EntryPoint:   p.cfg.EntryPoint,
		CertResolver: p.cfg.CertResolver,
		CreatedAt:    p.now().UTC(),
	}
	spec, err := Render(tmpl, params)
	if err != nil {
		return nil, err
	}
	log.Debug("rendered creation spec", "name", spec.Name, "image", spec.Image, "env", redact.Env(spec.EnvList()))

	var backendID string
	err = p.call(ctx, 0, func(ctx context.Context) error {
		id, createErr := p.backend.Create(ctx, spec)
		backendID = id
		return createErr
	})
	if err != nil {
		// Daemon errors can echo the container config back.
		log.Warn("create failed", "err", redact.String(err.Error(), password))
		return nil, fmt.Errorf("create %s: %w", spec.Name, err)
	}
	log = log.With("backend_id", backendID)

	if err := p.call(ctx, 0, func(ctx context.Context) error {
		return p.backend.Start(ctx, backendID)
	}); err != nil {
		log.Warn("start failed, removing resource", "err", redact.String(err.Error(), password))
		p.discard(ctx, backendID)
		return nil, fmt.Errorf("start %s: %w", spec.Name, err)
	}

	credential := ""
	if tmpl.ExposeCredential {
		credential = password
	}

	// Paid time starts once the runtime is actually up.
	startedAt := p.now().UTC()
	rt := &store.Runtime{
		UserID:         req.UserID,
		AgentSlug:      tmpl.Slug,
		BackendID:      sql.NullString{String: backendID, Valid: true},
		Subdomain:      subdomain,
		URL:            "https://" + params.Host(),
		CredentialHash: sql.NullString{String: hashCredential(password), Valid: true},
		CreditsCharged: cost,
		CreatedAt:      startedAt,
		PaidUntil:      startedAt.Add(time.Duration(req.Hours) * time.Hour),
		TaskID:         sql.NullString{String: req.TaskID, Valid: req.TaskID != ""},
	}
	desc := fmt.Sprintf("Launch %s for %dh", tmpl.Slug, req.Hours)
	if req.TaskID != "" {
		err = p.store.RecordTaskProvision(ctx, rt, desc, credential)
	} else {
		err = p.store.RecordProvision(ctx, rt, desc)
	}
	if err != nil {
		switch {
		case errors.Is(err, store.ErrInsufficientCredits):
			log.Info("balance changed during provisioning, removing resource")
			p.discard(ctx, backendID)
			return nil, err
		case errors.Is(err, store.ErrDuplicate) && req.TaskID != "":
			p.discard(ctx, backendID)
			existing, getErr := p.store.GetRuntimeByTaskID(ctx, req.TaskID)
			if getErr != nil {
				return nil, errors.Join(err, getErr)
			}
			return handleFor(existing, ""), nil
		default:
			log.Error("failed to record runtime; resource left for orphan sweep", "err", err)
			return nil, p.checkIntegrity(ctx, fmt.Errorf("record runtime: %w", err), req.UserID, backendID)
		}
	}

	log.Info("runtime provisioned", "runtime_id", rt.ID, "hours", req.Hours, "credits", rt.CreditsCharged)
	p.notifier.Notify(ctx, audit.Event{
		Kind:    audit.KindRuntimeProvisioned,
		UserID:  req.UserID,
		Target:  rt.ID,
		Message: fmt.Sprintf("%s for %dh (%d credits) at %s", tmpl.Slug, req.Hours, rt.CreditsCharged, rt.URL),
	})

	return handleFor(rt, credential), nil
}

func handleFor(rt *store.Runtime, credential string) *Handle {
	return &Handle{
		RuntimeID:      rt.ID,
		Subdomain:      rt.Subdomain,
		URL:            rt.URL,
		Credential:     credential,
		PaidUntil:      rt.PaidUntil,
		CreditsCharged: rt.CreditsCharged,
	}
}

func hashCredential(c string) string {
	sum := sha256.Sum256([]byte(c))
	return hex.EncodeToString(sum[:])
}
