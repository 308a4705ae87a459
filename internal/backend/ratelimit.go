// ratelimit.go paces requests to the guided-trading backend.
//
// The backend throttles per route class and answers 429 (with a
// Retry-After header) when pushed past its budget. Client-side we don't
// model its budget; we just keep calls spaced. Each class owns a pacer:
// every call reserves the next free slot on that class's timeline and
// sleeps until its slot arrives. An idle class accrues a bounded credit,
// so the burst at the top of an orchestrator tick goes straight through
// while a sustained flood degrades to the steady spacing. 429 responses
// are handled in the HTTP layer, which honors Retry-After before the
// retry (see NewClient).
package backend

import (
	"context"
	"sync"
	"time"
)

// pacer hands out send slots on a single timeline, one per Wait call,
// spaced `every` apart. nextAt may trail the present by at most `credit`,
// which is what permits bursts after idle periods.
type pacer struct {
	mu     sync.Mutex
	every  time.Duration // steady spacing between slots
	credit time.Duration // how far nextAt may lag behind now
	nextAt time.Time     // next free slot
}

func newPacer(every time.Duration, burst int) *pacer {
	return &pacer{
		every:  every,
		credit: time.Duration(burst-1) * every,
	}
}

// Wait reserves the next slot and sleeps until it arrives, or until ctx
// is cancelled. A cancelled wait still consumed its slot; that slight
// over-spacing is harmless and keeps the reservation logic lock-once.
func (p *pacer) Wait(ctx context.Context) error {
	p.mu.Lock()
	now := time.Now()
	if floor := now.Add(-p.credit); p.nextAt.Before(floor) {
		p.nextAt = floor
	}
	slot := p.nextAt
	p.nextAt = p.nextAt.Add(p.every)
	p.mu.Unlock()

	delay := slot.Sub(now)
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RateLimiter groups pacers by backend route class. Each call waits on
// its class before making the HTTP request.
type RateLimiter struct {
	Order   *pacer // entries, cancels, exits, partial take-profit
	Read    *pacer // stats, positions, opportunities, agent context
	Control *pacer // adoption, decision log
}

// NewRateLimiter spaces each class to the backend's published budgets:
// order mutations are the scarcest, reads the cheapest. Bursts cover one
// orchestrator tick's worth of calls per class.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		Order:   newPacer(500*time.Millisecond, 10),
		Read:    newPacer(100*time.Millisecond, 60),
		Control: newPacer(250*time.Millisecond, 20),
	}
}
