package engine

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"krw-autopilot/internal/config"
	"krw-autopilot/internal/llm"
	"krw-autopilot/internal/mcp"
	"krw-autopilot/pkg/types"
)

// fakeBackend is a configurable backend.API for orchestrator tests.
type fakeBackend struct {
	mu sync.Mutex

	stats         types.TodayStats
	statsErr      error
	positions     []types.Position
	opportunities []types.Opportunity
	oppsErr       error

	oppsCalls  int
	adoptCalls int
	logCalls   int
	startCalls int
}

func (f *fakeBackend) GetTodayStats(context.Context) (*types.TodayStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	s := f.stats
	return &s, nil
}

func (f *fakeBackend) GetOpenPositions(context.Context) ([]types.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.Position(nil), f.positions...), nil
}

func (f *fakeBackend) GetAutopilotOpportunities(context.Context, string, string, types.TradingMode, int) ([]types.Opportunity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.oppsCalls++
	if f.oppsErr != nil {
		return nil, f.oppsErr
	}
	return append([]types.Opportunity(nil), f.opportunities...), nil
}

func (f *fakeBackend) GetAgentContext(context.Context, string, string, int, int, types.TradingMode) (*types.AgentContext, error) {
	return nil, errors.New("no context in test")
}

func (f *fakeBackend) GetPosition(_ context.Context, market string) (*types.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.positions {
		if f.positions[i].Market == market {
			p := f.positions[i]
			return &p, nil
		}
	}
	return nil, nil
}

func (f *fakeBackend) Start(context.Context, types.EntryRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	return nil
}

func (f *fakeBackend) CancelPending(context.Context, string) error { return nil }
func (f *fakeBackend) Stop(context.Context, string) error          { return nil }
func (f *fakeBackend) PartialTakeProfit(context.Context, string, decimal.Decimal) error {
	return nil
}

func (f *fakeBackend) AdoptPosition(context.Context, types.AdoptRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.adoptCalls++
	return nil
}

func (f *fakeBackend) LogAutopilotDecision(context.Context, any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logCalls++
	return nil
}

func (f *fakeBackend) opportunityCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.oppsCalls
}

// errLLM always fails, driving the pipeline to its fallback decision.
type errLLM struct{}

func (errLLM) RequestOneShotText(context.Context, llm.Request) (string, error) {
	return "", errors.New("gateway unavailable")
}

type noopMCP struct{}

func (noopMCP) ExecuteMcpTool(context.Context, string, map[string]any, mcp.Namespace) (*mcp.ToolResult, error) {
	return &mcp.ToolResult{}, nil
}

func testOpts() config.Options {
	return config.Options{
		Enabled:                true,
		TradingMode:            types.ModeScalp,
		AmountKrw:              10000,
		DailyLossLimitKrw:      -100000,
		MaxConcurrentPositions: 3,
		EntryPolicy:            types.PolicyBalanced,
		EntryOrderMode:         types.OrderModeAdaptive,
	}.Normalized()
}

func newTestOrchestrator(t *testing.T, b *fakeBackend, opts config.Options) *Orchestrator {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(opts, b, errLLM{}, noopMCP{}, nil, Callbacks{}, logger)
}

func autoPassOpp(market string) types.Opportunity {
	return types.Opportunity{
		Market:                market,
		Stage:                 types.StageAutoPass,
		Score:                 72,
		RecommendedEntryWin1m: 66,
		ExpectancyPct:         0.25,
		RiskReward1m:          1.5,
		EntryGapPct1m:         0.1,
	}
}

func runOneTick(t *testing.T, o *Orchestrator) {
	t.Helper()
	if err := o.runTick(context.Background(), o.options()); err != nil {
		t.Fatalf("runTick: %v", err)
	}
}

func hasEvent(o *Orchestrator, action string) int {
	n := 0
	for _, e := range o.store.Events() {
		if e.Action == action {
			n++
		}
	}
	return n
}

func TestHappyPathEntry(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{opportunities: []types.Opportunity{autoPassOpp("KRW-BTC")}}
	o := newTestOrchestrator(t, b, testOpts())

	runOneTick(t, o)

	if _, ok := o.workerFor("KRW-BTC"); !ok {
		t.Fatal("no worker spawned for KRW-BTC")
	}
	c := o.store.Candidates()["KRW-BTC"]
	if c.LocalStage != types.StageEntered {
		t.Errorf("candidate stage = %v, want ENTERED", c.LocalStage)
	}
	if hasEvent(o, "ENTERED") != 1 {
		t.Errorf("ENTERED events = %d, want 1", hasEvent(o, "ENTERED"))
	}
	if b.logCalls != 1 {
		t.Errorf("decision log calls = %d, want 1", b.logCalls)
	}
}

func TestEntryAmountScaling(t *testing.T) {
	t.Parallel()

	// AUTO_PASS: 10000 * 1.15 = 11500
	if got := entryAmountForStage(10000, types.StageAutoPass); !got.Equal(decimal.NewFromInt(11500)) {
		t.Errorf("AUTO_PASS amount = %s, want 11500", got)
	}
	// BORDERLINE: 10000 * 0.85 = 8500
	if got := entryAmountForStage(10000, types.StageBorderline); !got.Equal(decimal.NewFromInt(8500)) {
		t.Errorf("BORDERLINE amount = %s, want 8500", got)
	}
	// Clamp floor: 5000 * 0.85 = 4250 -> 5100
	if got := entryAmountForStage(5000, types.StageBorderline); !got.Equal(decimal.NewFromInt(5100)) {
		t.Errorf("floor clamp = %s, want 5100", got)
	}
	// Clamp ceiling: 30000 * 1.15 = 34500 -> 20000
	if got := entryAmountForStage(30000, types.StageAutoPass); !got.Equal(decimal.NewFromInt(20000)) {
		t.Errorf("ceiling clamp = %s, want 20000", got)
	}
}

func TestDailyLossCutoff(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{
		stats:         types.TodayStats{TotalPnlKrw: -120000},
		opportunities: []types.Opportunity{autoPassOpp("KRW-BTC")},
		positions: []types.Position{
			{Market: "KRW-ETH", Status: types.PositionOpen},
		},
	}
	o := newTestOrchestrator(t, b, testOpts())

	runOneTick(t, o)

	blocked, _ := o.gate.Blocked()
	if !blocked {
		t.Fatal("gate not blocked at -120000 vs -100000")
	}
	if b.opportunityCalls() != 0 {
		t.Errorf("opportunity calls = %d, want 0 while blocked", b.opportunityCalls())
	}
	if _, ok := o.workerFor("KRW-BTC"); ok {
		t.Error("opportunity worker spawned while blocked")
	}
	// Adoption of the already-open position still runs.
	if _, ok := o.workerFor("KRW-ETH"); !ok {
		t.Error("open position not adopted while blocked")
	}
	if hasEvent(o, "DAILY_LOSS_BLOCK") != 1 {
		t.Errorf("DAILY_LOSS_BLOCK events = %d, want 1", hasEvent(o, "DAILY_LOSS_BLOCK"))
	}

	// Second blocked tick must not re-emit the block event.
	runOneTick(t, o)
	if hasEvent(o, "DAILY_LOSS_BLOCK") != 1 {
		t.Errorf("DAILY_LOSS_BLOCK events after 2nd tick = %d, want 1", hasEvent(o, "DAILY_LOSS_BLOCK"))
	}
}

func TestSlotCap(t *testing.T) {
	t.Parallel()

	opts := testOpts()
	opts.MaxConcurrentPositions = 1
	b := &fakeBackend{opportunities: []types.Opportunity{
		autoPassOpp("KRW-BTC"),
		autoPassOpp("KRW-ETH"),
	}}
	o := newTestOrchestrator(t, b, opts)

	runOneTick(t, o)

	candidates := o.store.Candidates()
	entered, slotFull := 0, 0
	for _, c := range candidates {
		switch c.LocalStage {
		case types.StageEntered:
			entered++
		case types.StageSlotFull:
			slotFull++
		}
	}
	if entered != 1 || slotFull != 1 {
		t.Errorf("entered=%d slotFull=%d, want 1/1 (candidates: %+v)", entered, slotFull, candidates)
	}
}

func TestEligibilityLadder(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{}
	o := newTestOrchestrator(t, b, testOpts())
	now := time.Now()

	// Backend RULE_FAIL dominates.
	opp := autoPassOpp("KRW-BTC")
	opp.Stage = types.StageRuleFail
	stage, _, eligible := o.eligibility(opp, nil, 3, now)
	if stage != types.StageRuleFail || eligible {
		t.Errorf("RULE_FAIL: stage=%v eligible=%v", stage, eligible)
	}

	// Open position.
	stage, _, eligible = o.eligibility(autoPassOpp("KRW-BTC"),
		map[string]struct{}{"KRW-BTC": {}}, 3, now)
	if stage != types.StagePositionOpen || eligible {
		t.Errorf("open position: stage=%v eligible=%v", stage, eligible)
	}

	// External cooldown.
	o.gate.SetCooldown("KRW-BTC", now.Add(time.Minute))
	stage, _, eligible = o.eligibility(autoPassOpp("KRW-BTC"), nil, 3, now)
	if stage != types.StageCooldown || eligible {
		t.Errorf("cooldown: stage=%v eligible=%v", stage, eligible)
	}
	o.gate.ClearCooldown("KRW-BTC")

	// No slots.
	stage, _, eligible = o.eligibility(autoPassOpp("KRW-BTC"), nil, 0, now)
	if stage != types.StageSlotFull || eligible {
		t.Errorf("slot full: stage=%v eligible=%v", stage, eligible)
	}

	// Clean pass-through.
	stage, _, eligible = o.eligibility(autoPassOpp("KRW-BTC"), nil, 1, now)
	if stage != types.StageAutoPass || !eligible {
		t.Errorf("eligible: stage=%v eligible=%v", stage, eligible)
	}
}

func TestWorkerActiveStage(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{opportunities: []types.Opportunity{autoPassOpp("KRW-BTC")}}
	o := newTestOrchestrator(t, b, testOpts())

	runOneTick(t, o)
	if _, ok := o.workerFor("KRW-BTC"); !ok {
		t.Fatal("no worker after first tick")
	}

	// Second tick: the same shortlisted market now has a live worker.
	runOneTick(t, o)
	c := o.store.Candidates()["KRW-BTC"]
	if c.LocalStage != types.StageWorkerActive && c.LocalStage != types.StageCooldown {
		t.Errorf("stage = %v, want WORKER_ACTIVE (or COOLDOWN if the worker already errored)", c.LocalStage)
	}
}

func TestFocusedScalpSync(t *testing.T) {
	t.Parallel()

	opts := testOpts()
	opts.MaxConcurrentPositions = 1 // focused workers ignore the cap
	opts.FocusedScalpEnabled = true
	opts.FocusedScalpMarkets = []string{"btc", "ETH", "KRW-SOL", "eth"} // dup collapses
	b := &fakeBackend{}
	o := newTestOrchestrator(t, b, opts)

	runOneTick(t, o)

	for _, m := range []string{"KRW-BTC", "KRW-ETH", "KRW-SOL"} {
		w, ok := o.workerFor(m)
		if !ok {
			t.Fatalf("no focused worker for %s", m)
		}
		if !w.Focused() {
			t.Errorf("%s worker not marked focused", m)
		}
	}
	if hasEvent(o, "FOCUSED_SCALP_START") != 3 {
		t.Errorf("FOCUSED_SCALP_START events = %d, want 3", hasEvent(o, "FOCUSED_SCALP_START"))
	}

	// Remove ETH: its worker stops with the removal reason.
	opts.FocusedScalpMarkets = []string{"btc", "KRW-SOL"}
	o.UpdateConfig(opts)
	runOneTick(t, o)

	if _, ok := o.workerFor("KRW-ETH"); ok {
		t.Error("KRW-ETH worker still present after removal")
	}
	if hasEvent(o, "FOCUSED_SCALP_STOP") != 1 {
		t.Errorf("FOCUSED_SCALP_STOP events = %d, want 1", hasEvent(o, "FOCUSED_SCALP_STOP"))
	}
}

func TestResolveFocusedMarketsCap(t *testing.T) {
	t.Parallel()

	opts := testOpts()
	opts.FocusedScalpEnabled = true
	opts.FocusedScalpMarkets = []string{
		"a1", "b2", "c3", "d4", "e5", "f6", "g7", "h8", "i9", "j10", "bad market!",
	}
	focused := resolveFocusedMarkets(opts)
	if len(focused) != maxFocusedMarkets {
		t.Errorf("len(focused) = %d, want %d", len(focused), maxFocusedMarkets)
	}

	opts.FocusedScalpEnabled = false
	if got := resolveFocusedMarkets(opts); got != nil {
		t.Errorf("disabled fast lane resolved %v, want nil", got)
	}
}

func TestAdoptionSpawnsWorker(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{positions: []types.Position{
		{Market: "KRW-XRP", Status: types.PositionPendingEntry},
	}}
	o := newTestOrchestrator(t, b, testOpts())

	runOneTick(t, o)

	if _, ok := o.workerFor("KRW-XRP"); !ok {
		t.Fatal("pending-entry position not adopted")
	}
	if b.adoptCalls != 1 {
		t.Errorf("adopt calls = %d, want 1", b.adoptCalls)
	}
	if hasEvent(o, "POSITION_ADOPTED") != 1 {
		t.Errorf("POSITION_ADOPTED events = %d, want 1", hasEvent(o, "POSITION_ADOPTED"))
	}

	// Second tick: worker exists, no re-adoption.
	runOneTick(t, o)
	if b.adoptCalls != 1 {
		t.Errorf("adopt calls after 2nd tick = %d, want 1", b.adoptCalls)
	}
}

func TestFineAgentFallbackGatesChaseRisk(t *testing.T) {
	t.Parallel()

	opts := testOpts()
	opts.FineAgentEnabled = true
	opp := autoPassOpp("KRW-BTC")
	opp.EntryGapPct1m = 2.0 // fallback decision demotes to RULE_FAIL
	b := &fakeBackend{opportunities: []types.Opportunity{opp}}
	o := newTestOrchestrator(t, b, opts)

	runOneTick(t, o)

	if _, ok := o.workerFor("KRW-BTC"); ok {
		t.Fatal("worker spawned despite pipeline RULE_FAIL")
	}
	c := o.store.Candidates()["KRW-BTC"]
	if c.LocalStage != types.StageRuleFail {
		t.Errorf("stage = %v, want RULE_FAIL from pipeline", c.LocalStage)
	}
	if hasEvent(o, "FINE_AGENT_REVIEW") != 1 {
		t.Errorf("FINE_AGENT_REVIEW events = %d, want 1", hasEvent(o, "FINE_AGENT_REVIEW"))
	}
}

func TestFineAgentDecisionCache(t *testing.T) {
	t.Parallel()

	opts := testOpts()
	opts.FineAgentEnabled = true
	opp := autoPassOpp("KRW-BTC")
	opp.EntryGapPct1m = 2.0 // stays RULE_FAIL so the candidate is re-consulted
	b := &fakeBackend{opportunities: []types.Opportunity{opp}}
	o := newTestOrchestrator(t, b, opts)

	runOneTick(t, o)
	usedAfterFirst := o.budgetSnapshot().UsedToday
	if usedAfterFirst == 0 {
		t.Fatal("pipeline consult did not count against the LLM budget")
	}

	// Within the TTL the cached decision serves; no new budget spend.
	runOneTick(t, o)
	if got := o.budgetSnapshot().UsedToday; got != usedAfterFirst {
		t.Errorf("usedToday after cached tick = %d, want %d", got, usedAfterFirst)
	}
}

func TestPruneIdleWorkers(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{opportunities: []types.Opportunity{autoPassOpp("KRW-BTC")}}
	o := newTestOrchestrator(t, b, testOpts())

	runOneTick(t, o)
	if _, ok := o.workerFor("KRW-BTC"); !ok {
		t.Fatal("no worker after first tick")
	}

	// Let the worker's first tick settle so its status is prunable
	// (the test backend has no context, so it lands in ERROR/COOLDOWN).
	time.Sleep(50 * time.Millisecond)

	// Market vanishes from the shortlist and has no open position.
	b.mu.Lock()
	b.opportunities = nil
	b.mu.Unlock()
	runOneTick(t, o)

	if _, ok := o.workerFor("KRW-BTC"); ok {
		t.Error("idle worker not pruned after shortlist exclusion")
	}
	if hasEvent(o, "WORKER_STOPPED") == 0 {
		t.Error("no WORKER_STOPPED event for pruned worker")
	}
}

func TestPauseMarketWithoutWorker(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{}
	o := newTestOrchestrator(t, b, testOpts())

	o.PauseMarket("krw-btc", time.Minute, "operator pause")

	if _, ok := o.gate.CooldownUntil("KRW-BTC"); !ok {
		t.Fatal("external cooldown not registered")
	}

	// The paused market is ineligible on the next tick.
	stage, _, eligible := o.eligibility(autoPassOpp("KRW-BTC"), nil, 3, time.Now())
	if stage != types.StageCooldown || eligible {
		t.Errorf("stage=%v eligible=%v, want COOLDOWN/false", stage, eligible)
	}
}

func TestPauseMarketDelegatesToWorker(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{opportunities: []types.Opportunity{autoPassOpp("KRW-BTC")}}
	o := newTestOrchestrator(t, b, testOpts())

	runOneTick(t, o)
	w, ok := o.workerFor("KRW-BTC")
	if !ok {
		t.Fatal("no worker")
	}

	o.PauseMarket("KRW-BTC", time.Minute, "operator pause")
	if w.Status() != types.WorkerPaused {
		t.Errorf("worker status = %v, want PAUSED", w.Status())
	}
	if _, ok := o.gate.CooldownUntil("KRW-BTC"); ok {
		t.Error("external cooldown registered although worker exists")
	}
}

func TestBudgetRollover(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{}
	o := newTestOrchestrator(t, b, testOpts())

	base := time.Date(2025, 6, 1, 20, 0, 0, 0, time.UTC) // 2025-06-02 05:00 KST
	o.now = func() time.Time { return base }
	o.budget = types.LLMBudget{DateKey: kstDateKey(base)}

	o.countLLMCalls(5)
	if got := o.budgetSnapshot().UsedToday; got != 5 {
		t.Fatalf("usedToday = %d, want 5", got)
	}

	// Cross KST midnight (15:00 UTC).
	base = time.Date(2025, 6, 2, 15, 30, 0, 0, time.UTC)
	if !o.rollBudget(o.now()) {
		t.Fatal("rollBudget did not roll on KST date change")
	}
	snap := o.budgetSnapshot()
	if snap.UsedToday != 0 || snap.SoftCapWarned {
		t.Errorf("budget after roll = %+v, want zeroed", snap)
	}
}

func TestSoftCapWarnsOnce(t *testing.T) {
	t.Parallel()

	opts := testOpts()
	opts.LLMDailySoftCap = 10
	b := &fakeBackend{}
	o := newTestOrchestrator(t, b, opts)

	o.countLLMCalls(9)
	if hasEvent(o, "LLM_SOFT_CAP") != 0 {
		t.Fatal("soft cap warned below the cap")
	}

	o.countLLMCalls(2)
	if hasEvent(o, "LLM_SOFT_CAP") != 1 {
		t.Errorf("LLM_SOFT_CAP events = %d, want 1", hasEvent(o, "LLM_SOFT_CAP"))
	}

	// Calls continue and the warning does not repeat.
	o.countLLMCalls(5)
	if hasEvent(o, "LLM_SOFT_CAP") != 1 {
		t.Errorf("LLM_SOFT_CAP events = %d, want still 1", hasEvent(o, "LLM_SOFT_CAP"))
	}
	if got := o.budgetSnapshot().UsedToday; got != 16 {
		t.Errorf("usedToday = %d, want 16 (soft cap never blocks)", got)
	}
}

func TestKSTDateKey(t *testing.T) {
	t.Parallel()

	// 2025-06-01 14:59 UTC is 23:59 KST; 15:00 UTC is 00:00 KST next day.
	before := time.Date(2025, 6, 1, 14, 59, 0, 0, time.UTC)
	after := time.Date(2025, 6, 1, 15, 0, 0, 0, time.UTC)

	if got := kstDateKey(before); got != "2025-06-01" {
		t.Errorf("kstDateKey(14:59 UTC) = %s, want 2025-06-01", got)
	}
	if got := kstDateKey(after); got != "2025-06-02" {
		t.Errorf("kstDateKey(15:00 UTC) = %s, want 2025-06-02", got)
	}
}

func TestTickErrorKeepsLoopState(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{statsErr: errors.New("backend 503")}
	o := newTestOrchestrator(t, b, testOpts())

	o.tickSafe()

	if hasEvent(o, "ORCHESTRATOR_TICK_ERROR") != 1 {
		t.Errorf("ORCHESTRATOR_TICK_ERROR events = %d, want 1", hasEvent(o, "ORCHESTRATOR_TICK_ERROR"))
	}

	// Recovery: the next tick proceeds normally.
	b.mu.Lock()
	b.statsErr = nil
	b.opportunities = []types.Opportunity{autoPassOpp("KRW-BTC")}
	b.mu.Unlock()

	runOneTick(t, o)
	if _, ok := o.workerFor("KRW-BTC"); !ok {
		t.Error("worker not spawned on the tick after an error")
	}
}

func TestDisabledSkipsTick(t *testing.T) {
	t.Parallel()

	opts := testOpts()
	opts.Enabled = false
	b := &fakeBackend{opportunities: []types.Opportunity{autoPassOpp("KRW-BTC")}}
	o := newTestOrchestrator(t, b, opts)

	o.tickSafe()

	if b.opportunityCalls() != 0 {
		t.Errorf("opportunity calls = %d, want 0 while disabled", b.opportunityCalls())
	}
	if _, ok := o.workerFor("KRW-BTC"); ok {
		t.Error("worker spawned while disabled")
	}
}

func TestStopClearsWorkers(t *testing.T) {
	t.Parallel()

	b := &fakeBackend{opportunities: []types.Opportunity{autoPassOpp("KRW-BTC")}}
	o := newTestOrchestrator(t, b, testOpts())

	o.Start()
	defer o.Stop()

	// Give the immediate first tick a moment to spawn.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := o.workerFor("KRW-BTC"); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("worker never spawned after Start")
		}
		time.Sleep(10 * time.Millisecond)
	}

	o.Stop()
	if n := o.activeOpportunityWorkers(); n != 0 {
		t.Errorf("active workers after Stop = %d, want 0", n)
	}
	snap := o.Snapshot()
	if snap.Running {
		t.Error("snapshot still reports running after Stop")
	}
}
