package server

import (
	"errors"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// ErrQuotaExceeded is returned when a dealer exceeds its request rate or
// daily quota.
var ErrQuotaExceeded = errors.New("dealer quota exceeded")

// dealerQuotaCapacity bounds how many dealers are tracked at once; the least
// recently seen dealer is forgotten first.
const dealerQuotaCapacity = 10000

// DealerQuotas enforces a per-dealer request rate and daily quota.
type DealerQuotas struct {
	mu    sync.Mutex
	usage *lru.Cache[string, *dealerUsage]
	limit rate.Limit
	burst int
	daily int64
	now   func() time.Time
}

type dealerUsage struct {
	limiter *rate.Limiter
	count   int64
	resetAt time.Time
}

// NewDealerQuotas creates quotas of tokenRate requests per second (burst
// twice that) and dailyQuota requests per day. Zero disables either check.
func NewDealerQuotas(tokenRate int, dailyQuota int64) (*DealerQuotas, error) {
	cache, err := lru.New[string, *dealerUsage](dealerQuotaCapacity)
	if err != nil {
		return nil, err
	}
	q := &DealerQuotas{usage: cache, daily: dailyQuota, now: time.Now, limit: rate.Inf}
	if tokenRate > 0 {
		q.limit = rate.Limit(tokenRate)
		q.burst = tokenRate * 2
	}
	return q, nil
}

// Allow records one request for dealerID.
func (q *DealerQuotas) Allow(dealerID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	u, ok := q.usage.Get(dealerID)
	if !ok {
		u = &dealerUsage{
			limiter: rate.NewLimiter(q.limit, q.burst),
			resetAt: now.Add(24 * time.Hour),
		}
		q.usage.Add(dealerID, u)
	}

	if !u.limiter.AllowN(now, 1) {
		return ErrQuotaExceeded
	}

	if q.daily > 0 {
		if now.After(u.resetAt) {
			u.count = 0
			u.resetAt = now.Add(24 * time.Hour)
		}
		if u.count >= q.daily {
			return ErrQuotaExceeded
		}
		u.count++
	}
	return nil
}

// Usage returns the number of requests counted today for dealerID.
func (q *DealerQuotas) Usage(dealerID string) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()

	if u, ok := q.usage.Peek(dealerID); ok {
		return u.count
	}
	return 0
}
