// Package app wires the Hangar control plane: ledger store, agent catalog,
// container backend, lifecycle services, background loops and the HTTP API.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/bdobrica/Hangar/common/crypto"
	"github.com/bdobrica/Hangar/internal/hangar/audit"
	"github.com/bdobrica/Hangar/internal/hangar/catalog"
	"github.com/bdobrica/Hangar/internal/hangar/matrix"
	"github.com/bdobrica/Hangar/internal/hangar/runtime"
	"github.com/bdobrica/Hangar/internal/hangar/runtime/bridge"
	"github.com/bdobrica/Hangar/internal/hangar/runtime/docker"
	"github.com/bdobrica/Hangar/internal/hangar/store"
)

// App is the assembled control plane.
type App struct {
	config     *Config
	store      *store.Store
	reconciler *runtime.Reconciler
	tasks      *runtime.TaskRunner
	server     *Server
}

// New opens the store, loads the catalog, selects the backend and builds
// every service. Nothing runs until Run is called.
func New(config *Config) (*App, error) {
	cat, err := loadCatalog(config.CatalogPath)
	if err != nil {
		return nil, err
	}
	slog.Info("agent catalog loaded", "agents", len(cat.List()), "path", config.CatalogPath)

	backend, err := newBackend(config)
	if err != nil {
		return nil, err
	}

	slog.Info("opening database", "path", config.DatabasePath)
	st, err := store.New(config.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if config.MasterKey != "" {
		key, err := crypto.ParseKey(config.MasterKey)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("HANGAR_MASTER_KEY: %w", err)
		}
		sealer, err := crypto.NewSealer(key)
		if err != nil {
			st.Close()
			return nil, err
		}
		st.SetSealer(sealer)
		slog.Info("task credentials are sealed at rest")
	}

	notifier := newNotifier(config)
	return assemble(config, st, cat, backend, notifier), nil
}

// assemble builds the services around already constructed dependencies.
func assemble(config *Config, st *store.Store, cat catalog.Catalog, backend runtime.Backend, notifier audit.Notifier) *App {
	provisioner := runtime.NewProvisioner(backend, st, cat, runtime.ProvisionerConfig{
		Domain:         config.Domain,
		Network:        config.DockerNetwork,
		EntryPoint:     config.EntryPoint,
		CertResolver:   config.CertResolver,
		MaxHours:       config.MaxHours,
		PullImages:     config.PullImages,
		BackendTimeout: config.BackendTimeout,
		PullTimeout:    config.PullTimeout,
		Notifier:       notifier,
	})
	manager := runtime.NewManager(backend, st, cat, runtime.ManagerConfig{
		MaxHours:       config.MaxHours,
		BackendTimeout: config.BackendTimeout,
		Notifier:       notifier,
	})
	reconciler := runtime.NewReconciler(backend, st, runtime.ReconcilerConfig{
		Interval:       config.ReconcileInterval,
		OrphanGrace:    config.OrphanGrace,
		BackendTimeout: config.BackendTimeout,
		Notifier:       notifier,
	})
	tasks := runtime.NewTaskRunner(provisioner, st, runtime.TaskRunnerConfig{
		PollInterval: config.TaskPollInterval,
	})

	svc := Services{
		Store:       st,
		Catalog:     cat,
		Provisioner: provisioner,
		Manager:     manager,
		Reconciler:  reconciler,
		Tasks:       tasks,
		Notifier:    notifier,
	}
	server := NewServer(config.HTTPAddr, svc, Secrets{
		Internal: config.InternalSecret,
		Cron:     config.CronSecret,
	})
	server.LimitProvisioning(config.ProvisionRate)
	return &App{
		config:     config,
		store:      st,
		reconciler: reconciler,
		tasks:      tasks,
		server:     server,
	}
}

func loadCatalog(path string) (*catalog.Static, error) {
	if path == "" {
		return catalog.Default()
	}
	cat, err := catalog.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load agent catalog: %w", err)
	}
	return cat, nil
}

func newBackend(config *Config) (runtime.Backend, error) {
	if config.BridgeURL != "" {
		slog.Info("using remote bridge backend", "url", config.BridgeURL)
		return bridge.NewClient(config.BridgeURL, config.BridgeAPIKey), nil
	}

	adapter, err := docker.New(config.DockerNetwork)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker backend: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := adapter.EnsureNetwork(ctx); err != nil {
		slog.Warn("could not ensure Docker network; provisioning may fail", "network", config.DockerNetwork, "err", err)
	}
	slog.Info("using local Docker backend", "network", config.DockerNetwork)
	return adapter, nil
}

func newNotifier(config *Config) audit.Notifier {
	if config.AlertRoomID == "" {
		return audit.Log{}
	}
	client, err := matrix.New(config.Matrix)
	if err != nil {
		slog.Warn("Matrix alerts disabled", "err", err)
		return audit.Log{}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := client.Join(ctx, config.AlertRoomID); err != nil {
		slog.Warn("could not join alert room; notices may be rejected", "room", config.AlertRoomID, "err", err)
	}
	slog.Info("Matrix alerts enabled", "room", config.AlertRoomID)
	return audit.Multi{audit.Log{}, audit.NewMatrixNotifier(client, config.AlertRoomID)}
}

// Run serves the API and runs the background loops until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.server.Start(); err != nil {
		return err
	}

	var wg sync.WaitGroup
	if a.config.ReconcileInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.reconciler.Run(ctx)
		}()
	} else {
		slog.Info("in-process reconciler disabled; sweeps run via /v1/sweeps only")
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.tasks.Run(ctx)
	}()

	slog.Info("Hangar is running", "addr", a.config.HTTPAddr, "domain", a.config.Domain)
	<-ctx.Done()

	slog.Info("shutting down")
	a.server.Stop()
	wg.Wait()
	return nil
}

// Close releases the store.
func (a *App) Close() {
	slog.Info("closing database")
	if err := a.store.Close(); err != nil {
		slog.Warn("close database", "err", err)
	}
}
