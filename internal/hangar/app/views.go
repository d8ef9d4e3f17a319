package app

import (
	"database/sql"
	"time"

	"github.com/bdobrica/Hangar/internal/hangar/api"
	"github.com/bdobrica/Hangar/internal/hangar/catalog"
	"github.com/bdobrica/Hangar/internal/hangar/runtime"
	"github.com/bdobrica/Hangar/internal/hangar/store"
)

func userView(u *store.User) api.User {
	return api.User{
		ID:             u.ID,
		Username:       u.Username,
		Balance:        u.Balance,
		OpeningBalance: u.OpeningBalance,
		Bypass:         u.Bypass,
		CreatedAt:      u.CreatedAt,
	}
}

func runtimeView(rt *store.Runtime) api.Runtime {
	return api.Runtime{
		ID:             rt.ID,
		UserID:         rt.UserID,
		AgentSlug:      rt.AgentSlug,
		BackendID:      rt.BackendID.String,
		Subdomain:      rt.Subdomain,
		URL:            rt.URL,
		Status:         string(rt.Status),
		CreditsCharged: rt.CreditsCharged,
		CreatedAt:      rt.CreatedAt,
		PaidUntil:      rt.PaidUntil,
		StoppedAt:      timePtr(rt.StoppedAt),
		TaskID:         rt.TaskID.String,
		LastError:      rt.LastError.String,
	}
}

func handleView(h *runtime.Handle) api.Handle {
	return api.Handle{
		RuntimeID:      h.RuntimeID,
		Subdomain:      h.Subdomain,
		URL:            h.URL,
		Credential:     h.Credential,
		PaidUntil:      h.PaidUntil,
		CreditsCharged: h.CreditsCharged,
	}
}

func ledgerView(e *store.LedgerEntry) api.LedgerEntry {
	return api.LedgerEntry{
		ID:          e.ID,
		Type:        string(e.Type),
		Amount:      e.Amount,
		RuntimeID:   e.RuntimeID.String,
		Description: e.Description,
		CreatedAt:   e.CreatedAt,
	}
}

func taskView(t *store.ProvisionTask) api.Task {
	return api.Task{
		ID:                t.ID,
		UserID:            t.UserID,
		AgentSlug:         t.AgentSlug,
		Hours:             t.Hours,
		Status:            string(t.Status),
		Attempts:          t.Attempts,
		RuntimeID:         t.RuntimeID.String,
		URL:               t.URL.String,
		Credential:        t.Credential.String,
		CredentialClaimed: t.CredentialClaimed,
		LastError:         t.LastError.String,
		CreatedAt:         t.CreatedAt,
		UpdatedAt:         t.UpdatedAt,
	}
}

func agentView(t catalog.Template) api.Agent {
	return api.Agent{
		Slug:           t.Slug,
		Name:           t.Name,
		Family:         string(t.Family),
		CreditsPerHour: t.CreditsPerHour,
		Active:         t.Active(),
	}
}

func sweepView(kind string, res runtime.SweepResult) api.Sweep {
	return api.Sweep{
		Kind:      kind,
		Examined:  res.Examined,
		Processed: res.Processed,
		Skipped:   res.Skipped,
		Failed:    res.Failed,
	}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
