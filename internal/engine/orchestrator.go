// Package engine is the central orchestrator of the autopilot.
//
// It wires together all subsystems:
//
//  1. Each tick (10 s) fetches today's stats, open positions, and the
//     ranked opportunity shortlist from the guided-trading backend.
//  2. Candidates walk an eligibility ladder (backend grade, open
//     position, cooldowns, live worker, slot cap) and, for shortlisted
//     AUTO_PASS/BORDERLINE entries, the fine-grained agent pipeline.
//  3. Eligible candidates get a per-market Worker that owns the entry
//     and position-management lifecycle.
//  4. Global budgets (daily loss, slots, LLM soft cap) and the focused-
//     scalp fast lane are enforced here, never in workers.
//  5. All worker output funnels back through callbacks into the
//     orchestrator-owned state store and out to the UI as one snapshot.
//
// Lifecycle: New() → Start() → [ticks until Stop()] → Stop()
package engine

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"krw-autopilot/internal/agent"
	"krw-autopilot/internal/api"
	"krw-autopilot/internal/backend"
	"krw-autopilot/internal/config"
	"krw-autopilot/internal/llm"
	"krw-autopilot/internal/mcp"
	"krw-autopilot/internal/metrics"
	"krw-autopilot/internal/risk"
	"krw-autopilot/internal/store"
	"krw-autopilot/internal/worker"
	"krw-autopilot/pkg/types"
)

// Entry notional bounds in KRW. Every entry amount is clamped here.
var (
	minEntryKrw = decimal.NewFromInt(5100)
	maxEntryKrw = decimal.NewFromInt(20000)
)

// Stage scaling factors for the entry notional.
const (
	autoPassScale   = 1.15
	borderlineScale = 0.85
)

// Callbacks push orchestrator output to the embedding host (dashboard,
// logs). Nil members are skipped.
type Callbacks struct {
	OnState func(api.AutopilotState)
	OnEvent func(types.TimelineEvent)
	OnLog   func(string)
}

// Orchestrator owns the tick loop and all global autopilot state.
type Orchestrator struct {
	backend  backend.API
	llm      llm.Client
	mcp      mcp.Client
	pipeline *agent.Pipeline
	store    *store.Store
	gate     *risk.Gate
	metrics  *metrics.Metrics
	cb       Callbacks
	logger   *slog.Logger
	baseLog  *slog.Logger // root logger handed to spawned workers

	optsMu sync.RWMutex
	opts   config.Options

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}

	// workers maps market → running worker. workerStates carries the
	// latest snapshot per market for the UI.
	workersMu    sync.RWMutex
	workers      map[string]*worker.Worker
	workerStates map[string]types.WorkerSnapshot

	flowMu    sync.Mutex
	orderFlow types.OrderFlow

	budgetMu sync.Mutex
	budget   types.LLMBudget

	// Tick-owned state; guarded for snapshot readers.
	tickMu          sync.Mutex
	lastOpenMarkets map[string]struct{}
	focusedMarkets  []string
	fineCache       map[string]fineCacheEntry

	now func() time.Time
}

type fineCacheEntry struct {
	at       time.Time
	decision agent.Decision
}

// New creates and wires the orchestrator.
func New(
	opts config.Options,
	backendAPI backend.API,
	llmClient llm.Client,
	mcpClient mcp.Client,
	m *metrics.Metrics,
	cb Callbacks,
	logger *slog.Logger,
) *Orchestrator {
	o := &Orchestrator{
		backend:         backendAPI,
		llm:             llmClient,
		mcp:             mcpClient,
		pipeline:        agent.New(llmClient, logger),
		store:           store.New(),
		gate:            risk.NewGate(logger),
		metrics:         m,
		cb:              cb,
		logger:          logger.With("component", "orchestrator"),
		baseLog:         logger,
		opts:            opts.Normalized(),
		workers:         make(map[string]*worker.Worker),
		workerStates:    make(map[string]types.WorkerSnapshot),
		lastOpenMarkets: make(map[string]struct{}),
		fineCache:       make(map[string]fineCacheEntry),
		now:             time.Now,
	}
	o.budget = types.LLMBudget{DateKey: kstDateKey(o.now())}
	return o
}

// Start launches the tick loop. The first tick runs immediately.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	o.stopCh = make(chan struct{})
	stopCh := o.stopCh
	o.mu.Unlock()

	o.emitEvent(types.TimelineEvent{
		Type: types.EventSystem, Level: types.LevelInfo,
		Action: "AUTOPILOT_START", Detail: "orchestrator started",
	})

	go o.run(stopCh)
}

func (o *Orchestrator) run(stopCh chan struct{}) {
	interval := o.options().TickInterval

	o.tickSafe()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
			o.tickSafe()
		}
	}
}

// Stop cancels the tick loop, stops every worker (non-blocking for their
// in-flight I/O), and clears the worker maps. Late callbacks from
// in-flight worker ticks are tolerated: their events still land in the
// store and reach the host callbacks, while their state snapshots are
// dropped because the market is no longer registered.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	close(o.stopCh)
	o.mu.Unlock()

	// Deregister first, then stop outside the lock: worker.Stop fires the
	// state callback, which takes workersMu again.
	o.workersMu.Lock()
	stopped := make([]*worker.Worker, 0, len(o.workers))
	for market, w := range o.workers {
		stopped = append(stopped, w)
		delete(o.workers, market)
	}
	o.workerStates = make(map[string]types.WorkerSnapshot)
	o.workersMu.Unlock()

	for _, w := range stopped {
		w.Stop("orchestrator stopped")
	}

	o.tickMu.Lock()
	o.lastOpenMarkets = make(map[string]struct{})
	o.fineCache = make(map[string]fineCacheEntry)
	o.focusedMarkets = nil
	o.tickMu.Unlock()

	o.emitEvent(types.TimelineEvent{
		Type: types.EventSystem, Level: types.LevelInfo,
		Action: "AUTOPILOT_STOP", Detail: "orchestrator stopped",
	})
	o.logger.Info("orchestrator stopped")
}

// UpdateConfig swaps the runtime options atomically between ticks.
func (o *Orchestrator) UpdateConfig(opts config.Options) {
	normalized := opts.Normalized()
	o.optsMu.Lock()
	o.opts = normalized
	o.optsMu.Unlock()

	o.emitEvent(types.TimelineEvent{
		Type: types.EventSystem, Level: types.LevelInfo,
		Action: "CONFIG_UPDATED", Detail: "runtime options swapped",
	})
}

func (o *Orchestrator) options() config.Options {
	o.optsMu.RLock()
	defer o.optsMu.RUnlock()
	return o.opts
}

// PauseMarket pauses a market's worker, or registers an external
// cooldown when the market has no worker.
func (o *Orchestrator) PauseMarket(market string, d time.Duration, reason string) {
	market = types.NormalizeMarket(market)

	o.workersMu.RLock()
	w, ok := o.workers[market]
	o.workersMu.RUnlock()

	if ok {
		w.Pause(d, reason)
	} else {
		o.gate.SetCooldown(market, o.now().Add(d))
		o.store.SetCandidateStage(market, types.StageCooldown, reason)
	}

	o.emitEvent(types.TimelineEvent{
		Market: market, Type: types.EventSystem, Level: types.LevelInfo,
		Action: "MARKET_PAUSED", Detail: reason,
	})
	o.emitState()
}

// ————————————————————————————————————————————————————————————————————————
// Worker lifecycle
// ————————————————————————————————————————————————————————————————————————

// spawnWorker creates, registers, and starts a worker. The caller must
// have verified no worker exists for the market.
func (o *Orchestrator) spawnWorker(cfg worker.Config, opts config.Options) *worker.Worker {
	w := worker.New(cfg, opts, o.backend, o.llm, o.mcp, worker.Callbacks{
		OnState:      o.onWorkerState,
		OnEvent:      o.emitEvent,
		OnOrderFlow:  o.onOrderFlow,
		OnLLMCalls:   o.countLLMCalls,
		OnScreenshot: o.store.PutScreenshot,
	}, o.baseLog)

	o.workersMu.Lock()
	o.workers[w.Market()] = w
	o.workerStates[w.Market()] = w.Snapshot()
	o.workersMu.Unlock()

	w.Start()
	return w
}

// stopWorker stops and deregisters one worker.
func (o *Orchestrator) stopWorker(market, reason string) {
	o.workersMu.Lock()
	w, ok := o.workers[market]
	if ok {
		delete(o.workers, market)
		delete(o.workerStates, market)
	}
	o.workersMu.Unlock()

	if !ok {
		return
	}
	w.Stop(reason)
	o.emitEvent(types.TimelineEvent{
		Market: market, Type: types.EventWorker, Level: types.LevelInfo,
		Action: "WORKER_STOPPED", Detail: reason,
	})
}

func (o *Orchestrator) workerFor(market string) (*worker.Worker, bool) {
	o.workersMu.RLock()
	defer o.workersMu.RUnlock()
	w, ok := o.workers[market]
	return w, ok
}

// activeOpportunityWorkers counts non-focused, non-stopped workers against
// the concurrent-position cap.
func (o *Orchestrator) activeOpportunityWorkers() int {
	o.workersMu.RLock()
	defer o.workersMu.RUnlock()

	n := 0
	for _, w := range o.workers {
		if !w.Focused() && w.Status() != types.WorkerStopped {
			n++
		}
	}
	return n
}

func (o *Orchestrator) onWorkerState(snap types.WorkerSnapshot) {
	o.workersMu.Lock()
	// A STOPPED snapshot from a deregistered worker is a late callback;
	// keeping it would resurrect the market in the UI forever.
	if _, live := o.workers[snap.Market]; live {
		o.workerStates[snap.Market] = snap
	}
	o.workersMu.Unlock()
	o.emitState()
}

func (o *Orchestrator) onOrderFlow(market string, kind types.OrderFlowKind) {
	o.flowMu.Lock()
	o.orderFlow.Apply(kind)
	o.flowMu.Unlock()
	o.metrics.CountOrderFlow(kind)
}

// ————————————————————————————————————————————————————————————————————————
// Emission
// ————————————————————————————————————————————————————————————————————————

// emitEvent stores the event, mirrors it into the log ring, and pushes it
// to the host.
func (o *Orchestrator) emitEvent(evt types.TimelineEvent) {
	stored := o.store.AddEvent(evt)

	line := string(stored.Level) + " " + stored.Action
	if stored.Market != "" {
		line += " [" + stored.Market + "]"
	}
	if stored.Detail != "" {
		line += ": " + stored.Detail
	}
	o.store.AddLog(line)

	switch stored.Level {
	case types.LevelError:
		o.logger.Error(stored.Action, "market", stored.Market, "detail", stored.Detail)
	case types.LevelWarn:
		o.logger.Warn(stored.Action, "market", stored.Market, "detail", stored.Detail)
	default:
		o.logger.Info(stored.Action, "market", stored.Market, "detail", stored.Detail)
	}

	if o.cb.OnEvent != nil {
		o.cb.OnEvent(stored)
	}
	if o.cb.OnLog != nil {
		o.cb.OnLog(line)
	}
}

// emitState pushes the full snapshot to the host.
func (o *Orchestrator) emitState() {
	if o.cb.OnState == nil {
		return
	}
	o.cb.OnState(o.Snapshot())
}

// Snapshot assembles the complete UI state.
func (o *Orchestrator) Snapshot() api.AutopilotState {
	opts := o.options()

	o.mu.Lock()
	running := o.running
	o.mu.Unlock()

	candidateMap := o.store.Candidates()
	candidates := make([]types.Candidate, 0, len(candidateMap))
	for _, c := range candidateMap {
		candidates = append(candidates, c)
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})

	o.workersMu.RLock()
	workers := make([]types.WorkerSnapshot, 0, len(o.workerStates))
	for _, s := range o.workerStates {
		workers = append(workers, s)
	}
	o.workersMu.RUnlock()
	sort.Slice(workers, func(i, j int) bool {
		return workers[i].Market < workers[j].Market
	})

	o.flowMu.Lock()
	flow := o.orderFlow
	o.flowMu.Unlock()

	o.budgetMu.Lock()
	budget := o.budget
	o.budgetMu.Unlock()

	o.tickMu.Lock()
	openMarkets := make([]string, 0, len(o.lastOpenMarkets))
	for m := range o.lastOpenMarkets {
		openMarkets = append(openMarkets, m)
	}
	focused := append([]string(nil), o.focusedMarkets...)
	o.tickMu.Unlock()
	sort.Strings(openMarkets)

	blocked, blockReason := o.gate.Blocked()

	return api.AutopilotState{
		Timestamp:          o.now().UTC(),
		Running:            running,
		Enabled:            opts.Enabled,
		BlockedByDailyLoss: blocked,
		BlockReason:        blockReason,
		Candidates:         candidates,
		Workers:            workers,
		Events:             o.store.Events(),
		Logs:               o.store.Logs(),
		OrderFlow:          flow,
		Pending:            flow.Pending(),
		LLMBudget:          budget,
		FocusedMarkets:     focused,
		OpenMarkets:        openMarkets,
		Risk:               o.gate.Snapshot(),
	}
}
