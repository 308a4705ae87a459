package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"krw-autopilot/internal/agent"
	"krw-autopilot/internal/config"
	"krw-autopilot/internal/worker"
	"krw-autopilot/pkg/types"
)

// Worker statuses that protect a worker from idle pruning.
var pruneProtected = map[types.WorkerStatus]bool{
	types.WorkerEntering:        true,
	types.WorkerManaging:        true,
	types.WorkerPlaywrightCheck: true,
	types.WorkerPaused:          true,
}

// tickSafe runs one tick and keeps the loop alive through failures.
func (o *Orchestrator) tickSafe() {
	opts := o.options()
	if !opts.Enabled {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.TickInterval*3)
	defer cancel()

	if err := o.runTick(ctx, opts); err != nil {
		o.metrics.CountTickError()
		o.emitEvent(types.TimelineEvent{
			Type: types.EventSystem, Level: types.LevelError,
			Action: "ORCHESTRATOR_TICK_ERROR", Detail: err.Error(),
		})
	}
}

func (o *Orchestrator) runTick(ctx context.Context, opts config.Options) error {
	now := o.now()

	// 1. Roll the LLM budget on KST date change.
	if o.rollBudget(now) {
		o.emitEvent(types.TimelineEvent{
			Type: types.EventSystem, Level: types.LevelInfo,
			Action: "LLM_BUDGET_ROLLOVER", Detail: "new KST trading day",
		})
	}

	// 2. Daily loss gate.
	stats, err := o.backend.GetTodayStats(ctx)
	if err != nil {
		return fmt.Errorf("fetch today stats: %w", err)
	}
	blocked, transitioned := o.gate.UpdateDailyLoss(stats.TotalPnlKrw, opts.DailyLossLimitKrw)
	o.metrics.SetDailyLossBlocked(blocked)
	if transitioned {
		o.emitEvent(types.TimelineEvent{
			Type: types.EventSystem, Level: types.LevelWarn,
			Action: "DAILY_LOSS_BLOCK",
			Detail: fmt.Sprintf("today %.0f KRW <= limit %.0f KRW, new entries blocked", stats.TotalPnlKrw, opts.DailyLossLimitKrw),
		})
	}

	// 3. Open positions.
	positions, err := o.backend.GetOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("fetch open positions: %w", err)
	}
	openSet := make(map[string]struct{})
	for _, p := range positions {
		if p.Status == types.PositionOpen || p.Status == types.PositionPendingEntry {
			openSet[p.Market] = struct{}{}
		}
	}

	// 4. Expire external cooldowns.
	o.gate.ExpireCooldowns(now)

	// 5. Focused fast lane.
	focused := resolveFocusedMarkets(opts)
	o.syncFocusedWorkers(focused, opts)
	focusedSet := make(map[string]bool, len(focused))
	for _, m := range focused {
		focusedSet[m] = true
	}

	o.tickMu.Lock()
	o.lastOpenMarkets = openSet
	o.focusedMarkets = focused
	o.tickMu.Unlock()

	// 6. Adopt workers for positions that have none. Adoption bypasses
	// the slot cap: the position already exists and must be managed.
	for market := range openSet {
		if _, ok := o.workerFor(market); ok {
			continue
		}
		o.adoptPosition(ctx, market, opts)
	}

	// 7. Blocked by daily loss: no discovery this tick.
	if blocked {
		o.publishWorkerMetrics()
		o.emitState()
		return nil
	}

	// 8. Opportunity discovery.
	opps, err := o.backend.GetAutopilotOpportunities(ctx, opts.Interval, opts.ConfirmInterval, opts.TradingMode, opts.CandidateLimit)
	if err != nil {
		return fmt.Errorf("fetch opportunities: %w", err)
	}

	// 9-11. Gate candidates and spawn workers.
	candidates := o.gateCandidates(ctx, opps, openSet, focusedSet, opts, now)

	// 12. Decision log, best-effort.
	o.logDecisions(ctx, candidates, blocked, stats)

	// 13. Prune idle workers that fell off the shortlist.
	o.pruneIdleWorkers(candidates, openSet)

	// 14. Publish.
	o.store.ReplaceCandidates(candidates)
	o.publishCandidateMetrics(candidates)
	o.publishWorkerMetrics()
	o.emitState()
	return nil
}

// gateCandidates walks each opportunity down the eligibility ladder and
// spawns workers for the survivors. Slot accounting is per-tick: the
// available count is computed once here and only decremented below.
func (o *Orchestrator) gateCandidates(
	ctx context.Context,
	opps []types.Opportunity,
	openSet map[string]struct{},
	focusedSet map[string]bool,
	opts config.Options,
	now time.Time,
) map[string]types.Candidate {
	candidates := make(map[string]types.Candidate, len(opps))
	availableSlots := opts.MaxConcurrentPositions - o.activeOpportunityWorkers()
	fineConsults := 0

	count := 0
	for _, opp := range opps {
		if count >= opts.CandidateLimit {
			break
		}
		market := opp.Market
		if market == "" || focusedSet[market] {
			continue
		}
		count++

		c := types.Candidate{
			Opportunity: opp,
			LocalStage:  opp.Stage,
			LocalReason: opp.Reason,
			UpdatedAt:   now.UTC(),
		}

		stage, reason, eligible := o.eligibility(opp, openSet, availableSlots, now)
		c.LocalStage = stage
		if reason != "" {
			c.LocalReason = reason
		}

		if eligible && opts.FineAgentEnabled &&
			(stage == types.StageAutoPass || stage == types.StageBorderline) &&
			fineConsults < opts.FineAgentMaxPerTick {

			decision, fresh := o.consultPipeline(ctx, opp, opts, now)
			if fresh {
				fineConsults++
			}
			c.LocalStage = decision.Stage
			c.LocalReason = decision.Reason
			stage = decision.Stage
			eligible = eligible && decision.Stage != types.StageRuleFail

			o.emitEvent(types.TimelineEvent{
				Market: market, Type: types.EventLLM, Level: types.LevelInfo,
				Action: "FINE_AGENT_REVIEW",
				Detail: fmt.Sprintf("stage=%s score=%.0f confidence=%.0f: %s",
					decision.Stage, decision.Score, decision.Confidence, decision.Reason),
			})
		}

		if eligible && (stage == types.StageAutoPass || stage == types.StageBorderline) {
			amount := entryAmountForStage(opts.AmountKrw, stage)
			o.spawnWorker(worker.Config{
				Market:             market,
				EntryAmountKrw:     amount,
				SkipLLMEntryReview: stage == types.StageAutoPass,
				EntrySource:        "autopilot",
			}, opts)
			availableSlots--

			c.LocalStage = types.StageEntered
			c.LocalReason = fmt.Sprintf("worker spawned, %s KRW", amount)
			o.emitEvent(types.TimelineEvent{
				Market: market, Type: types.EventCandidate, Level: types.LevelInfo,
				Action: "ENTERED",
				Detail: fmt.Sprintf("stage %s, entry %s KRW", stage, amount),
			})
		}

		candidates[market] = c
	}
	return candidates
}

// eligibility is the per-candidate ladder. Demotions are final within a
// tick: a RULE_FAIL is never re-promoted.
func (o *Orchestrator) eligibility(
	opp types.Opportunity,
	openSet map[string]struct{},
	availableSlots int,
	now time.Time,
) (types.Stage, string, bool) {
	market := opp.Market

	if opp.Stage == types.StageRuleFail {
		return types.StageRuleFail, opp.Reason, false
	}
	if _, open := openSet[market]; open {
		return types.StagePositionOpen, "position already open", false
	}
	if until, ok := o.gate.CooldownUntil(market); ok && until.After(now) {
		return types.StageCooldown, fmt.Sprintf("external cooldown until %s", until.Format(time.TimeOnly)), false
	}
	if w, ok := o.workerFor(market); ok {
		if until, cooling := w.CooldownUntil(); cooling && until.After(now) {
			return types.StageCooldown, fmt.Sprintf("worker cooldown until %s", until.Format(time.TimeOnly)), false
		}
		return types.StageWorkerActive, "worker already active", false
	}
	if availableSlots <= 0 {
		return types.StageSlotFull, "no position slots available", false
	}
	return opp.Stage, "", true
}

// consultPipeline returns the fine-grained decision for a market, served
// from the TTL cache when fresh. fresh reports whether a pipeline run
// actually happened (cache hits do not count against the per-tick limit).
func (o *Orchestrator) consultPipeline(ctx context.Context, opp types.Opportunity, opts config.Options, now time.Time) (agent.Decision, bool) {
	ttl := opts.FineAgentDecisionTTL

	o.tickMu.Lock()
	// Purge entries stale beyond recall.
	for market, e := range o.fineCache {
		if now.Sub(e.at) > 2*ttl {
			delete(o.fineCache, market)
		}
	}
	if e, ok := o.fineCache[opp.Market]; ok && now.Sub(e.at) < ttl {
		o.tickMu.Unlock()
		return e.decision, false
	}
	o.tickMu.Unlock()

	// Context fetch is best-effort: the pipeline falls back to a derived
	// feature pack when absent.
	agentCtx, err := o.backend.GetAgentContext(ctx, opp.Market, opts.Interval, 200, 20, opts.TradingMode)
	if err != nil {
		o.logger.Warn("agent context unavailable, pipeline will derive features",
			"market", opp.Market, "error", err)
		agentCtx = nil
	}

	decision := o.pipeline.Run(ctx, agent.Options{
		Opportunity:   opp,
		Context:       agentCtx,
		TradingMode:   opts.TradingMode,
		MinConfidence: opts.MinLLMConfidence,
		Mode:          agent.Mode(opts.FineAgentMode),
	})

	calls := decision.LLMCalls
	if calls == 0 {
		calls = 1 // tally the invocation even when fully deterministic
	}
	o.countLLMCalls(calls)

	o.tickMu.Lock()
	o.fineCache[opp.Market] = fineCacheEntry{at: now, decision: decision}
	o.tickMu.Unlock()
	return decision, true
}

// adoptPosition spawns a managing worker for a position that is already
// open on the backend.
func (o *Orchestrator) adoptPosition(ctx context.Context, market string, opts config.Options) {
	if err := o.backend.AdoptPosition(ctx, types.AdoptRequest{
		Market:      market,
		Mode:        opts.TradingMode,
		Interval:    opts.Interval,
		EntrySource: "adopted",
		Notes:       "adopted by orchestrator reconciliation",
	}); err != nil {
		// Best-effort: the worker manages the position either way.
		o.logger.Warn("adopt registration failed", "market", market, "error", err)
	}

	o.spawnWorker(worker.Config{
		Market:         market,
		EntryAmountKrw: clampEntryAmountKrw(opts.AmountKrw, 1.0),
		EntrySource:    "adopted",
	}, opts)

	o.emitEvent(types.TimelineEvent{
		Market: market, Type: types.EventWorker, Level: types.LevelInfo,
		Action: "POSITION_ADOPTED", Detail: "worker spawned for already-open position",
	})
}

// pruneIdleWorkers stops non-focused workers whose market is gone from
// both the open set and the current shortlist, unless they are mid-entry,
// managing, or paused (see pruneProtected).
func (o *Orchestrator) pruneIdleWorkers(candidates map[string]types.Candidate, openSet map[string]struct{}) {
	o.workersMu.RLock()
	var toStop []string
	for market, w := range o.workers {
		if w.Focused() {
			continue
		}
		if _, open := openSet[market]; open {
			continue
		}
		if _, listed := candidates[market]; listed {
			continue
		}
		if pruneProtected[w.Status()] {
			continue
		}
		toStop = append(toStop, market)
	}
	o.workersMu.RUnlock()

	for _, market := range toStop {
		o.stopWorker(market, "high-confidence shortlist exclusion")
	}
}

// logDecisions persists a tick summary through the backend's decision
// log. Failures degrade to a WARN event.
func (o *Orchestrator) logDecisions(ctx context.Context, candidates map[string]types.Candidate, blocked bool, stats *types.TodayStats) {
	stages := make(map[string]string, len(candidates))
	for market, c := range candidates {
		stages[market] = string(c.LocalStage)
	}

	payload := map[string]any{
		"at":                 o.now().UTC(),
		"blockedByDailyLoss": blocked,
		"todayPnlKrw":        stats.TotalPnlKrw,
		"candidates":         stages,
		"llmUsedToday":       o.budgetSnapshot().UsedToday,
	}

	if err := o.backend.LogAutopilotDecision(ctx, payload); err != nil {
		o.emitEvent(types.TimelineEvent{
			Type: types.EventSystem, Level: types.LevelWarn,
			Action: "DECISION_LOG_WARN", Detail: err.Error(),
		})
	}
}

func (o *Orchestrator) publishWorkerMetrics() {
	o.workersMu.RLock()
	byStatus := make(map[types.WorkerStatus]int)
	for _, w := range o.workers {
		byStatus[w.Status()]++
	}
	o.workersMu.RUnlock()
	o.metrics.SetWorkers(byStatus)
}

func (o *Orchestrator) publishCandidateMetrics(candidates map[string]types.Candidate) {
	byStage := make(map[types.Stage]int)
	for _, c := range candidates {
		byStage[c.LocalStage]++
	}
	o.metrics.SetCandidates(byStage)
}

// entryAmountForStage scales the nominal notional by conviction:
// AUTO_PASS sizes up, BORDERLINE sizes down, both inside the hard bounds.
func entryAmountForStage(amountKrw float64, stage types.Stage) decimal.Decimal {
	factor := borderlineScale
	if stage == types.StageAutoPass {
		factor = autoPassScale
	}
	return clampEntryAmountKrw(amountKrw, factor)
}

// clampEntryAmountKrw rounds amount*factor to whole won and clamps it
// into the [5100, 20000] entry band.
func clampEntryAmountKrw(amountKrw, factor float64) decimal.Decimal {
	d := decimal.NewFromFloat(math.Round(amountKrw * factor))
	if d.LessThan(minEntryKrw) {
		return minEntryKrw
	}
	if d.GreaterThan(maxEntryKrw) {
		return maxEntryKrw
	}
	return d
}
