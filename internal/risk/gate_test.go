package risk

import (
	"log/slog"
	"os"
	"testing"
	"time"
)

func newTestGate() *Gate {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewGate(logger)
}

func TestDailyLossTransition(t *testing.T) {
	t.Parallel()
	g := newTestGate()

	blocked, transitioned := g.UpdateDailyLoss(-50000, -100000)
	if blocked || transitioned {
		t.Errorf("above limit: blocked=%v transitioned=%v, want false/false", blocked, transitioned)
	}

	blocked, transitioned = g.UpdateDailyLoss(-120000, -100000)
	if !blocked || !transitioned {
		t.Errorf("crossing limit: blocked=%v transitioned=%v, want true/true", blocked, transitioned)
	}

	// Staying blocked must not re-report the transition.
	blocked, transitioned = g.UpdateDailyLoss(-130000, -100000)
	if !blocked || transitioned {
		t.Errorf("still blocked: blocked=%v transitioned=%v, want true/false", blocked, transitioned)
	}

	// Recovery unblocks; the next breach transitions again.
	blocked, _ = g.UpdateDailyLoss(-20000, -100000)
	if blocked {
		t.Error("recovered: blocked = true, want false")
	}
	_, transitioned = g.UpdateDailyLoss(-100000, -100000)
	if !transitioned {
		t.Error("exact limit: transitioned = false, want true (PnL <= limit blocks)")
	}
}

func TestBlockedReason(t *testing.T) {
	t.Parallel()
	g := newTestGate()

	g.UpdateDailyLoss(-120000, -100000)
	blocked, reason := g.Blocked()
	if !blocked || reason == "" {
		t.Errorf("Blocked() = (%v, %q), want blocked with reason", blocked, reason)
	}

	g.UpdateDailyLoss(0, -100000)
	blocked, reason = g.Blocked()
	if blocked || reason != "" {
		t.Errorf("Blocked() after recovery = (%v, %q), want unblocked", blocked, reason)
	}
}

func TestCooldownExpiry(t *testing.T) {
	t.Parallel()
	g := newTestGate()

	now := time.Now()
	g.SetCooldown("KRW-BTC", now.Add(time.Minute))
	g.SetCooldown("KRW-ETH", now.Add(-time.Second))
	g.SetCooldown("KRW-SOL", now)

	expired := g.ExpireCooldowns(now)
	if len(expired) != 2 {
		t.Fatalf("expired = %v, want 2 markets", expired)
	}

	if _, ok := g.CooldownUntil("KRW-BTC"); !ok {
		t.Error("future cooldown dropped")
	}
	if _, ok := g.CooldownUntil("KRW-ETH"); ok {
		t.Error("past cooldown retained")
	}
}

func TestClearCooldown(t *testing.T) {
	t.Parallel()
	g := newTestGate()

	g.SetCooldown("KRW-BTC", time.Now().Add(time.Hour))
	g.ClearCooldown("KRW-BTC")
	if _, ok := g.CooldownUntil("KRW-BTC"); ok {
		t.Error("cooldown survived ClearCooldown")
	}
}

func TestSnapshotCopies(t *testing.T) {
	t.Parallel()
	g := newTestGate()

	g.SetCooldown("KRW-BTC", time.Now().Add(time.Hour))
	snap := g.Snapshot()
	delete(snap.Cooldowns, "KRW-BTC")

	if _, ok := g.CooldownUntil("KRW-BTC"); !ok {
		t.Error("mutating the snapshot leaked into the gate")
	}
}
