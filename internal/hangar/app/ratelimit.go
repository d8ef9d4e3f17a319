package app

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// provisionLimiter hands each user a token bucket of perMinute provisioning
// requests that refills continuously over a minute.
type provisionLimiter struct {
	mu    sync.Mutex
	every rate.Limit
	burst int
	now   func() time.Time
	users map[string]*userBucket
}

type userBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// maxTrackedUsers is the map size above which idle buckets are dropped.
const maxTrackedUsers = 1024

func newProvisionLimiter(perMinute int) *provisionLimiter {
	return &provisionLimiter{
		every: rate.Every(time.Minute / time.Duration(perMinute)),
		burst: perMinute,
		now:   time.Now,
		users: make(map[string]*userBucket),
	}
}

// Allow spends one token from userID's bucket and reports whether there was
// one to spend.
func (p *provisionLimiter) Allow(userID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	b, ok := p.users[userID]
	if !ok {
		if len(p.users) >= maxTrackedUsers {
			p.dropIdle(now)
		}
		b = &userBucket{lim: rate.NewLimiter(p.every, p.burst)}
		p.users[userID] = b
	}
	b.lastSeen = now
	return b.lim.AllowN(now, 1)
}

// dropIdle forgets users whose bucket has had a full minute to refill; a new
// bucket for them starts full, which is the same state.
func (p *provisionLimiter) dropIdle(now time.Time) {
	for id, b := range p.users {
		if now.Sub(b.lastSeen) >= time.Minute {
			delete(p.users, id)
		}
	}
}
