// Package worker drives a single market through the entry and
// position-management lifecycle.
//
// Each worker owns a timer and runs a cooperative tick loop:
//
//	PAUSED    — operator pause, skip everything until the deadline
//	COOLDOWN  — no new entries, but an existing position is still managed
//	MANAGING  — backend reports OPEN or PENDING_ENTRY for this market
//	SCANNING  — no position: attempt the entry path (deterministic check,
//	            LLM review, order plan, guided entry with MCP fallback)
//
// Ticks are self-serialized via a ticking flag: a tick arriving while the
// previous one is still in flight is dropped. Any error inside a tick
// transitions the worker to ERROR, sets a reject-length cooldown, and the
// loop continues on the next tick. The only terminal state is STOPPED.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"krw-autopilot/internal/backend"
	"krw-autopilot/internal/config"
	"krw-autopilot/internal/llm"
	"krw-autopilot/internal/mcp"
	"krw-autopilot/pkg/types"
)

// Callbacks push worker output into orchestrator-owned state. All are
// invoked from the worker's tick goroutine; nil members are skipped.
type Callbacks struct {
	OnState      func(types.WorkerSnapshot)
	OnEvent      func(types.TimelineEvent)
	OnOrderFlow  func(market string, kind types.OrderFlowKind)
	OnLLMCalls   func(n int)
	OnScreenshot func(mimeType, src string) string
}

// Config fixes a worker's identity and knobs at spawn time.
type Config struct {
	Market             string
	TickInterval       time.Duration
	EntryAmountKrw     decimal.Decimal
	SkipLLMEntryReview bool
	EntrySource        string

	// Focused-scalp workers bypass the global slot cap and carry
	// holding-time guards.
	Focused     bool
	WarnHolding time.Duration
	MaxHolding  time.Duration
}

// Worker is one market's state machine.
type Worker struct {
	cfg     Config
	opts    config.Options
	backend backend.API
	llm     llm.Client
	mcp     mcp.Client
	cb      Callbacks
	logger  *slog.Logger

	ticking atomic.Bool // drops re-entrant ticks

	mu            sync.Mutex
	status        types.WorkerStatus
	note          string
	startedAt     time.Time
	updatedAt     time.Time
	cooldownUntil time.Time
	pausedUntil   time.Time

	// Entry / position cycle state. Mutated only inside a tick; the
	// ticking flag makes the tick body single-writer.
	hadOpenPosition        bool
	positionOpenedAt       time.Time
	pendingEntryObservedAt time.Time
	pendingCancelIssued    bool
	pendingFallbackTried   bool
	buyFillAnnounced       bool
	holdingWarned          bool
	halfTakeProfitTaken    bool
	peakPnlPercent         float64
	lastReviewAt           time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
	now      func() time.Time
}

// New creates a worker in SCANNING state. Call Start to launch its loop.
func New(cfg Config, opts config.Options, api backend.API, llmClient llm.Client, mcpClient mcp.Client, cb Callbacks, logger *slog.Logger) *Worker {
	cfg.Market = types.NormalizeMarket(cfg.Market)
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = opts.WorkerTick
	}

	now := time.Now()
	return &Worker{
		cfg:       cfg,
		opts:      opts,
		backend:   api,
		llm:       llmClient,
		mcp:       mcpClient,
		cb:        cb,
		logger:    logger.With("component", "worker", "market", cfg.Market),
		status:    types.WorkerScanning,
		startedAt: now,
		updatedAt: now,
		stopCh:    make(chan struct{}),
		now:       time.Now,
	}
}

// Market returns the worker's normalized market identifier.
func (w *Worker) Market() string { return w.cfg.Market }

// Focused reports whether this is a focused-scalp worker.
func (w *Worker) Focused() bool { return w.cfg.Focused }

// Start launches the tick loop. The first tick runs immediately.
func (w *Worker) Start() {
	go w.run()
}

func (w *Worker) run() {
	w.logger.Info("worker started",
		"tick", w.cfg.TickInterval,
		"focused", w.cfg.Focused,
		"amount_krw", w.cfg.EntryAmountKrw,
	)

	w.Tick(context.Background())

	ticker := time.NewTicker(w.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.Tick(context.Background())
		}
	}
}

// Stop transitions the worker to STOPPED and releases its timer.
// In-flight I/O completes and its results are discarded.
func (w *Worker) Stop(reason string) {
	w.stopOnce.Do(func() {
		close(w.stopCh)
		w.setStatus(types.WorkerStopped, reason)
		w.logger.Info("worker stopped", "reason", reason)
	})
}

// Pause defers entry activity until now + d (floored at one second).
// Soft: the current tick is not interrupted.
func (w *Worker) Pause(d time.Duration, reason string) {
	if d < time.Second {
		d = time.Second
	}
	w.mu.Lock()
	w.pausedUntil = w.now().Add(d)
	w.mu.Unlock()
	w.setStatus(types.WorkerPaused, reason)
}

// Status returns the current worker status.
func (w *Worker) Status() types.WorkerStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// CooldownUntil reports the worker-owned cooldown deadline, if one is set
// in the future.
func (w *Worker) CooldownUntil() (time.Time, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cooldownUntil.After(w.now()) {
		return w.cooldownUntil, true
	}
	return time.Time{}, false
}

// Snapshot returns the externally visible worker state.
func (w *Worker) Snapshot() types.WorkerSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := types.WorkerSnapshot{
		Market:    w.cfg.Market,
		Status:    w.status,
		Note:      w.note,
		StartedAt: w.startedAt,
		UpdatedAt: w.updatedAt,
	}
	if w.cooldownUntil.After(w.now()) {
		until := w.cooldownUntil
		snap.CooldownUntil = &until
	}
	return snap
}

// Tick runs one state-machine step. Re-entrant invocations return
// immediately; errors transition to ERROR and set a reject cooldown.
func (w *Worker) Tick(ctx context.Context) {
	if !w.ticking.CompareAndSwap(false, true) {
		return
	}
	defer w.ticking.Store(false)

	select {
	case <-w.stopCh:
		return
	default:
	}

	if err := w.step(ctx); err != nil {
		w.logger.Error("tick failed", "error", err)
		w.setCooldown(w.opts.RejectCooldown)
		w.setStatus(types.WorkerError, err.Error())
		w.emitEvent(types.EventWorker, types.LevelError, "WORKER_TICK_ERROR", err.Error())
	}
}

func (w *Worker) step(ctx context.Context) error {
	now := w.now()

	w.mu.Lock()
	paused := w.pausedUntil.After(now)
	cooling := w.cooldownUntil.After(now)
	w.mu.Unlock()

	if paused {
		w.setStatus(types.WorkerPaused, w.note)
		return nil
	}

	if cooling {
		w.setStatus(types.WorkerCooldown, w.note)
		// A position opened before the cooldown still needs management.
		return w.manageExistingPosition(ctx)
	}

	pos, err := w.backend.GetPosition(ctx, w.cfg.Market)
	if err != nil {
		return err
	}

	switch {
	case pos != nil && pos.Status == types.PositionOpen:
		return w.managePosition(ctx, pos)
	case pos != nil && pos.Status == types.PositionPendingEntry:
		return w.managePendingEntry(ctx)
	case w.hadOpenPosition:
		// Position just closed: rest before re-entering.
		w.resetCycle()
		w.setCooldown(w.opts.PostExitCooldown)
		w.setStatus(types.WorkerCooldown, "post-exit cooldown")
		return nil
	default:
		return w.tryEntry(ctx)
	}
}

// manageExistingPosition manages an open position during cooldown without
// opening a new one.
func (w *Worker) manageExistingPosition(ctx context.Context) error {
	pos, err := w.backend.GetPosition(ctx, w.cfg.Market)
	if err != nil {
		return err
	}
	if pos == nil || pos.Status != types.PositionOpen {
		return nil
	}
	return w.managePosition(ctx, pos)
}

// resetCycle clears per-position state after an exit.
func (w *Worker) resetCycle() {
	w.mu.Lock()
	w.hadOpenPosition = false
	w.positionOpenedAt = time.Time{}
	w.pendingEntryObservedAt = time.Time{}
	w.pendingCancelIssued = false
	w.pendingFallbackTried = false
	w.buyFillAnnounced = false
	w.holdingWarned = false
	w.halfTakeProfitTaken = false
	w.peakPnlPercent = 0
	w.mu.Unlock()
}

func (w *Worker) setStatus(status types.WorkerStatus, note string) {
	w.mu.Lock()
	changed := w.status != status || w.note != note
	w.status = status
	w.note = note
	w.updatedAt = w.now()
	w.mu.Unlock()

	if changed && w.cb.OnState != nil {
		w.cb.OnState(w.Snapshot())
	}
}

func (w *Worker) setCooldown(d time.Duration) {
	w.mu.Lock()
	w.cooldownUntil = w.now().Add(d)
	w.mu.Unlock()
}

func (w *Worker) emitEvent(typ types.EventType, level types.EventLevel, action, detail string) {
	if w.cb.OnEvent == nil {
		return
	}
	w.cb.OnEvent(types.TimelineEvent{
		Market: w.cfg.Market,
		Type:   typ,
		Level:  level,
		Action: action,
		Detail: detail,
	})
}

func (w *Worker) emitOrderFlow(kind types.OrderFlowKind, detail string) {
	if w.cb.OnOrderFlow != nil {
		w.cb.OnOrderFlow(w.cfg.Market, kind)
	}
	w.emitEvent(types.EventOrder, types.LevelInfo, string(kind), detail)
}

func (w *Worker) countLLMCalls(n int) {
	if w.cb.OnLLMCalls != nil {
		w.cb.OnLLMCalls(n)
	}
}
