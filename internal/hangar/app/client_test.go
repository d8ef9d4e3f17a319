package app_test

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/bdobrica/Hangar/internal/hangar/api"
)

func TestClient_AgainstServer(t *testing.T) {
	h := newHarness(t, defaultSecrets())
	c := api.NewClient(h.srv.URL, internalSecret, api.WithCronSecret(cronSecret))
	ctx := context.Background()

	u, err := c.CreateUser(ctx, api.CreateUserRequest{ID: "gina", Username: "gina", OpeningBalance: 100})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if u.Balance != 100 {
		t.Errorf("opening balance = %d", u.Balance)
	}

	handle, err := c.Provision(ctx, api.ProvisionRequest{UserID: "gina", Username: "gina", AgentSlug: "agent-zero", Hours: 2})
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if handle.CreditsCharged != 20 {
		t.Errorf("charged = %d, want 20", handle.CreditsCharged)
	}

	rt, err := c.GetRuntime(ctx, handle.RuntimeID)
	if err != nil || rt.Status != "RUNNING" {
		t.Fatalf("GetRuntime = %+v, %v", rt, err)
	}

	h.clock.Advance(time.Hour)
	stop, err := c.StopRuntime(ctx, handle.RuntimeID)
	if err != nil {
		t.Fatalf("StopRuntime: %v", err)
	}
	if stop.Refund != 10 || stop.NoOp {
		t.Errorf("stop = %+v, want refund 10", stop)
	}

	v, err := c.VerifyBalance(ctx, "gina")
	if err != nil || !v.OK || v.Balance != 90 {
		t.Errorf("VerifyBalance = %+v, %v", v, err)
	}

	// Provision debit and refund credit.
	entries, err := c.Ledger(ctx, "gina", 0)
	if err != nil || len(entries) != 2 {
		t.Errorf("Ledger = %d entries, %v", len(entries), err)
	}

	sw, err := c.Sweep(ctx, api.SweepExpiry)
	if err != nil || sw.Kind != api.SweepExpiry {
		t.Errorf("Sweep = %+v, %v", sw, err)
	}

	_, err = c.ExtendRuntime(ctx, handle.RuntimeID, 1)
	var apiErr *api.Error
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusConflict {
		t.Errorf("extend stopped runtime = %v, want 409", err)
	}
	if apiErr != nil && apiErr.TraceID == "" {
		t.Error("error carries no trace id")
	}
}
