package app

import (
	"fmt"
	"testing"
	"time"
)

func TestProvisionLimiter_Refill(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pl := newProvisionLimiter(2)
	pl.now = func() time.Time { return now }

	if !pl.Allow("alice") || !pl.Allow("alice") {
		t.Fatal("first two requests should pass")
	}
	if pl.Allow("alice") {
		t.Error("third request within the minute should be refused")
	}
	if !pl.Allow("bob") {
		t.Error("buckets are per user")
	}

	// Two per minute refills one token every 30s.
	now = now.Add(30 * time.Second)
	if !pl.Allow("alice") {
		t.Error("a refilled token should be spendable")
	}
	if pl.Allow("alice") {
		t.Error("only one token refills in 30s")
	}

	now = now.Add(time.Hour)
	if !pl.Allow("alice") || !pl.Allow("alice") || pl.Allow("alice") {
		t.Error("an idle bucket should refill to its burst and no further")
	}
}

func TestProvisionLimiter_DropsIdleUsers(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	pl := newProvisionLimiter(1)
	pl.now = func() time.Time { return now }
	for i := 0; i < maxTrackedUsers; i++ {
		pl.Allow(fmt.Sprintf("user-%d", i))
	}

	now = now.Add(2 * time.Minute)
	pl.Allow("late")
	if len(pl.users) != 1 {
		t.Errorf("idle users kept: %d", len(pl.users))
	}
	if !pl.Allow("user-1") {
		t.Error("a forgotten user should start with a full bucket")
	}
}
