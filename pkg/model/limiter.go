package model

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateGate bounds outbound request rate to one upstream. The limiter is
// shared by every worker hitting that upstream and is adjusted from observed
// response headers, so a server-advertised budget tightens the local rate.
type RateGate struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	store   LimiterStore // optional distributed state
	actorID string
}

// NewRateGate creates a gate allowing rpm requests per minute with the given
// burst. A nil-safe zero rpm means unlimited.
func NewRateGate(rpm int, burst int) *RateGate {
	limit := rate.Inf
	if rpm > 0 {
		limit = rate.Limit(float64(rpm) / 60.0)
	}
	if burst <= 0 {
		burst = 1
	}
	return &RateGate{limiter: rate.NewLimiter(limit, burst)}
}

// WithStore attaches a shared limiter store (e.g. Redis) consulted before
// the local limiter. Used when several processor workers share one upstream
// quota.
func (g *RateGate) WithStore(store LimiterStore, actorID string) *RateGate {
	g.store = store
	g.actorID = actorID
	return g
}

// Wait blocks until a request slot is available or ctx is done.
func (g *RateGate) Wait(ctx context.Context) error {
	if g.store != nil {
		allowed, err := g.store.Allow(ctx, g.actorID, 1)
		if err != nil {
			return fmt.Errorf("%w: limiter store: %v", ErrUnavailable, err)
		}
		if !allowed {
			return ErrRateLimited
		}
	}
	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return nil
}

// ObserveHeaders tightens the limiter from standard rate-limit response
// headers. Called on every upstream response; mutation is atomic.
func (g *RateGate) ObserveHeaders(h http.Header) {
	remaining, ok := parseIntHeader(h.Get("X-Ratelimit-Remaining-Requests"))
	if !ok {
		remaining, ok = parseIntHeader(h.Get("X-Ratelimit-Remaining"))
	}
	if !ok {
		return
	}
	resetSecs, ok := parseIntHeader(h.Get("X-Ratelimit-Reset-Requests"))
	if !ok || resetSecs <= 0 {
		resetSecs = 60
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if remaining <= 0 {
		// Hold everything until the advertised reset.
		g.limiter.SetLimit(rate.Every(time.Duration(resetSecs) * time.Second))
		return
	}
	g.limiter.SetLimit(rate.Limit(float64(remaining) / float64(resetSecs)))
}
