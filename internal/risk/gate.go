// Package risk enforces the orchestrator's global safety budgets.
//
// The Gate tracks two pieces of cross-market state:
//
//   - Daily loss:        once today's realized PnL falls to the configured
//     (negative) limit, new entries are blocked until the figure recovers.
//     The false->true transition is reported so the orchestrator can emit
//     the block event exactly once.
//   - External cooldowns: per-market deadlines for markets that have no
//     live worker to own their cooldown (operator pauses, post-reject
//     waits that outlived the worker).
//
// Slot accounting is deliberately not here: available slots are computed
// once per tick from the worker map and only decremented within that tick.
package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Gate holds the daily-loss block and the external cooldown registry.
type Gate struct {
	mu sync.RWMutex

	blocked     bool
	blockReason string

	cooldowns map[string]time.Time // market -> deadline

	logger *slog.Logger
}

// Snapshot is the gate state projected into the UI snapshot.
type Snapshot struct {
	BlockedByDailyLoss bool                 `json:"blockedByDailyLoss"`
	BlockReason        string               `json:"blockReason,omitempty"`
	Cooldowns          map[string]time.Time `json:"cooldowns,omitempty"`
}

// NewGate creates an unblocked gate with no cooldowns.
func NewGate(logger *slog.Logger) *Gate {
	return &Gate{
		cooldowns: make(map[string]time.Time),
		logger:    logger.With("component", "risk-gate"),
	}
}

// UpdateDailyLoss applies today's realized PnL against the limit.
// Returns the current blocked state and whether this call flipped it
// from unblocked to blocked (the edge the orchestrator announces).
func (g *Gate) UpdateDailyLoss(totalPnlKrw, limitKrw float64) (blocked, transitioned bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	nowBlocked := totalPnlKrw <= limitKrw
	transitioned = nowBlocked && !g.blocked
	g.blocked = nowBlocked
	if nowBlocked {
		g.blockReason = fmt.Sprintf("daily loss %.0f KRW at or below limit %.0f KRW", totalPnlKrw, limitKrw)
	} else {
		g.blockReason = ""
	}

	if transitioned {
		g.logger.Warn("daily loss limit reached, blocking new entries",
			"pnl_krw", totalPnlKrw,
			"limit_krw", limitKrw,
		)
	}
	return nowBlocked, transitioned
}

// Blocked reports the daily-loss block and its reason.
func (g *Gate) Blocked() (bool, string) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.blocked, g.blockReason
}

// SetCooldown registers an external cooldown deadline for a market.
func (g *Gate) SetCooldown(market string, until time.Time) {
	g.mu.Lock()
	g.cooldowns[market] = until
	g.mu.Unlock()
}

// CooldownUntil returns the external cooldown deadline for a market.
func (g *Gate) CooldownUntil(market string) (time.Time, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	until, ok := g.cooldowns[market]
	return until, ok
}

// ExpireCooldowns drops every cooldown whose deadline is at or before now
// and returns the released markets.
func (g *Gate) ExpireCooldowns(now time.Time) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var expired []string
	for market, until := range g.cooldowns {
		if !until.After(now) {
			expired = append(expired, market)
			delete(g.cooldowns, market)
		}
	}
	return expired
}

// ClearCooldown removes a market's external cooldown, if any.
func (g *Gate) ClearCooldown(market string) {
	g.mu.Lock()
	delete(g.cooldowns, market)
	g.mu.Unlock()
}

// Snapshot copies the gate state for the UI.
func (g *Gate) Snapshot() Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	cooldowns := make(map[string]time.Time, len(g.cooldowns))
	for k, v := range g.cooldowns {
		cooldowns[k] = v
	}
	return Snapshot{
		BlockedByDailyLoss: g.blocked,
		BlockReason:        g.blockReason,
		Cooldowns:          cooldowns,
	}
}
