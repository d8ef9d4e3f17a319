package runtime_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/Hangar/common/retry"
	"github.com/bdobrica/Hangar/internal/hangar/audit"
	"github.com/bdobrica/Hangar/internal/hangar/catalog"
	"github.com/bdobrica/Hangar/internal/hangar/runtime"
	"github.com/bdobrica/Hangar/internal/hangar/store"
)

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeContainer struct {
	spec    runtime.CreationSpec
	running bool
	paused  bool
	created time.Time
	logs    string
}

// fakeBackend is an in-memory Backend with per-operation error injection.
type fakeBackend struct {
	mu         sync.Mutex
	clock      *clock
	next       int
	containers map[string]*fakeContainer
	pulled     []string
	calls      map[string]int

	pullErr, createErr, startErr, stopErr, removeErr, inspectErr, listErr error
	// onPull and onCreate run after a successful pull or create, outside
	// the lock.
	onPull, onCreate func()
}

func newFakeBackend(c *clock) *fakeBackend {
	return &fakeBackend{clock: c, containers: map[string]*fakeContainer{}, calls: map[string]int{}}
}

func (f *fakeBackend) count(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeBackend) container(id string) (*fakeContainer, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	return c, ok
}

func (f *fakeBackend) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

// adopt inserts a resource as if something else had created it.
func (f *fakeBackend) adopt(id string, labels map[string]string, created time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[id] = &fakeContainer{
		spec:    runtime.CreationSpec{Name: "hangar-" + id, Labels: labels},
		running: true,
		created: created,
	}
}

func (f *fakeBackend) Pull(_ context.Context, image string) error {
	f.mu.Lock()
	f.calls["pull"]++
	if f.pullErr != nil {
		f.mu.Unlock()
		return f.pullErr
	}
	f.pulled = append(f.pulled, image)
	hook := f.onPull
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return nil
}

func (f *fakeBackend) Create(_ context.Context, spec runtime.CreationSpec) (string, error) {
	f.mu.Lock()
	f.calls["create"]++
	if f.createErr != nil {
		f.mu.Unlock()
		return "", f.createErr
	}
	f.next++
	id := fmt.Sprintf("c-%d", f.next)
	f.containers[id] = &fakeContainer{spec: spec, created: f.clock.Now(), logs: "booted " + spec.Name + "\n"}
	hook := f.onCreate
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return id, nil
}

func (f *fakeBackend) Start(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["start"]++
	if f.startErr != nil {
		return f.startErr
	}
	c, ok := f.containers[id]
	if !ok {
		return runtime.ErrNotFound
	}
	c.running = true
	return nil
}

func (f *fakeBackend) Stop(_ context.Context, id string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["stop"]++
	if f.stopErr != nil {
		return f.stopErr
	}
	c, ok := f.containers[id]
	if !ok {
		return runtime.ErrNotFound
	}
	c.running, c.paused = false, false
	return nil
}

func (f *fakeBackend) Remove(_ context.Context, id string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["remove"]++
	if f.removeErr != nil {
		return f.removeErr
	}
	if _, ok := f.containers[id]; !ok {
		return runtime.ErrNotFound
	}
	delete(f.containers, id)
	return nil
}

func (f *fakeBackend) Unpause(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["unpause"]++
	c, ok := f.containers[id]
	if !ok {
		return runtime.ErrNotFound
	}
	c.paused = false
	return nil
}

func (f *fakeBackend) Inspect(_ context.Context, id string) (runtime.State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["inspect"]++
	if f.inspectErr != nil {
		return runtime.State{}, f.inspectErr
	}
	c, ok := f.containers[id]
	if !ok {
		return runtime.State{}, runtime.ErrNotFound
	}
	status := "exited"
	switch {
	case c.paused:
		status = "paused"
	case c.running:
		status = "running"
	}
	return runtime.State{Running: c.running, Paused: c.paused, Status: status}, nil
}

func (f *fakeBackend) Logs(_ context.Context, id string, _ int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return "", runtime.ErrNotFound
	}
	return c.logs, nil
}

func (f *fakeBackend) List(_ context.Context) ([]runtime.ResourceInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["list"]++
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []runtime.ResourceInfo
	for id, c := range f.containers {
		if c.spec.Labels[runtime.LabelManaged] != runtime.ManagedValue {
			continue
		}
		out = append(out, runtime.ResourceInfo{
			ID:      id,
			Name:    c.spec.Name,
			Labels:  c.spec.Labels,
			Created: c.created,
		})
	}
	return out, nil
}

// repriced serves a catalog with one template's hourly price overridden.
type repriced struct {
	catalog.Catalog
	slug  string
	price int64
}

func (c repriced) Lookup(slug string) (catalog.Template, bool) {
	t, ok := c.Catalog.Lookup(slug)
	if ok && slug == c.slug {
		t.CreditsPerHour = c.price
	}
	return t, ok
}

// recorder collects audit events.
type recorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recorder) Notify(_ context.Context, evt audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) kinds() []audit.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.Kind
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

func (r *recorder) has(k audit.Kind) bool {
	for _, got := range r.kinds() {
		if got == k {
			return true
		}
	}
	return false
}

func testCatalog(t *testing.T) catalog.Catalog {
	t.Helper()
	c, err := catalog.New(
		catalog.Template{
			Slug: "agent-zero", Name: "Agent Zero", Family: catalog.FamilyAgentZero,
			Image: "agent0ai/agent-zero:latest", InternalPort: 80, DataPath: "/a0/usr",
			MemoryBytes: 2 << 30, NanoCPUs: 1_000_000_000, PidsLimit: 512, CreditsPerHour: 10,
		},
		catalog.Template{
			Slug: "openclaw", Name: "OpenClaw", Family: catalog.FamilyOpenClaw,
			Image: "openclaw/openclaw:latest", InternalPort: 8080, DataPath: "/data",
			CreditsPerHour: 15, ExposeCredential: true,
		},
		catalog.Template{
			Slug: "retired", Name: "Retired", Family: catalog.FamilyAgentZero,
			Image: "retired:1", InternalPort: 80, DataPath: "/data", CreditsPerHour: 1, Disabled: true,
		},
	)
	if err != nil {
		t.Fatalf("catalog.New: %v", err)
	}
	return c
}

// harness wires a Provisioner, Manager and Reconciler to one fake backend
// and one temp-file store.
type harness struct {
	clock   *clock
	backend *fakeBackend
	store   *store.Store
	events  *recorder
	prov    *runtime.Provisioner
	mgr     *runtime.Manager
	rec     *runtime.Reconciler
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "hangar-runtime-*.db")
	if err != nil {
		t.Fatalf("failed to create temp db file: %v", err)
	}
	f.Close()
	s, err := store.New(f.Name())
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	clk := newClock()
	s.SetClock(clk.Now)
	b := newFakeBackend(clk)
	ev := &recorder{}
	cat := testCatalog(t)

	return &harness{
		clock:   clk,
		backend: b,
		store:   s,
		events:  ev,
		prov: runtime.NewProvisioner(b, s, cat, runtime.ProvisionerConfig{
			Domain:     "agents.example.com",
			EntryPoint: "websecure",
			PullImages: true,
			PullRetry:  retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond},
			Now:        clk.Now,
			Notifier:   ev,
		}),
		mgr: runtime.NewManager(b, s, cat, runtime.ManagerConfig{Now: clk.Now, Notifier: ev}),
		rec: runtime.NewReconciler(b, s, runtime.ReconcilerConfig{
			OrphanGrace: 10 * time.Minute,
			Now:         clk.Now,
			Notifier:    ev,
		}),
	}
}

func (h *harness) user(t *testing.T, id string, balance int64, bypass bool) {
	t.Helper()
	err := h.store.CreateUser(context.Background(), &store.User{
		ID: id, Username: id, OpeningBalance: balance, Bypass: bypass,
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
}

func (h *harness) balance(t *testing.T, id string) int64 {
	t.Helper()
	u, err := h.store.GetUser(context.Background(), id)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	return u.Balance
}

func (h *harness) runtimeRow(t *testing.T, id string) *store.Runtime {
	t.Helper()
	rt, err := h.store.GetRuntime(context.Background(), id)
	if err != nil {
		t.Fatalf("GetRuntime: %v", err)
	}
	return rt
}

func (h *harness) provision(t *testing.T, userID, slug string, hours int) *runtime.Handle {
	t.Helper()
	handle, err := h.prov.Provision(context.Background(), runtime.ProvisionRequest{
		UserID: userID, Username: userID, AgentSlug: slug, Hours: hours,
	})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	return handle
}
