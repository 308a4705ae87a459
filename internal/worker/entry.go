package worker

import (
	"context"
	"fmt"
	"math"
	"time"

	"krw-autopilot/internal/llm"
	"krw-autopilot/internal/mcp"
	"krw-autopilot/pkg/types"
)

// Deterministic pre-check thresholds.
const (
	minRiskReward      = 1.05
	stopProximityRatio = 1.003 // current <= stop * ratio is too close to the stop
	tpProximityRatio   = 0.995 // current >= takeProfit * ratio leaves no room
)

// Adaptive order-plan thresholds, in percent of the recommended entry.
const (
	marketGapPct   = 0.25
	maxChaseGapPct = 1.2
)

// tryEntry walks the full entry path: context fetch, deterministic check,
// LLM review, order plan, optional UI verification, guided entry with MCP
// fallback.
func (w *Worker) tryEntry(ctx context.Context) error {
	w.setStatus(types.WorkerScanning, "fetching context")

	agentCtx, err := w.backend.GetAgentContext(ctx, w.cfg.Market, w.opts.Interval, 200, 20, w.opts.TradingMode)
	if err != nil {
		return err
	}
	if agentCtx == nil {
		return fmt.Errorf("backend returned no context for %s", w.cfg.Market)
	}
	rec := agentCtx.Chart.Recommendation

	// Deterministic check: no LLM spend on entries that are structurally
	// unattractive.
	if reason, ok := deterministicCheck(rec); !ok {
		w.emitEvent(types.EventLLM, types.LevelWarn, "LLM_REJECT", reason)
		w.setCooldown(45 * time.Second)
		w.setStatus(types.WorkerCooldown, reason)
		return nil
	}

	if !w.cfg.SkipLLMEntryReview {
		accepted, reason, cooldown := w.reviewEntry(ctx, agentCtx)
		if !accepted {
			w.emitEvent(types.EventLLM, types.LevelWarn, "LLM_REJECT", reason)
			w.setCooldown(cooldown)
			w.setStatus(types.WorkerCooldown, reason)
			return nil
		}
	}

	plan := planEntryOrder(w.opts.EntryOrderMode, rec)
	if !plan.Allow {
		w.emitEvent(types.EventWorker, types.LevelWarn, "CHASE_RISK", plan.Reason)
		w.setCooldown(45 * time.Second)
		w.setStatus(types.WorkerCooldown, plan.Reason)
		return nil
	}

	if w.opts.PlaywrightEnabled {
		w.verifyWithPlaywright(ctx)
	}

	return w.placeEntry(ctx, plan)
}

// deterministicCheck rejects entries whose recommendation is structurally
// weak: poor risk/reward, or a current price already pressed against the
// stop or the target.
func deterministicCheck(rec types.Recommendation) (string, bool) {
	if rec.RiskReward < minRiskReward {
		return fmt.Sprintf("risk/reward %.2f < %.2f", rec.RiskReward, minRiskReward), false
	}
	if rec.StopLoss > 0 && rec.CurrentPrice <= rec.StopLoss*stopProximityRatio {
		return fmt.Sprintf("price %.2f too close to stop %.2f", rec.CurrentPrice, rec.StopLoss), false
	}
	if rec.TakeProfit > 0 && rec.CurrentPrice >= rec.TakeProfit*tpProximityRatio {
		return fmt.Sprintf("price %.2f too close to target %.2f", rec.CurrentPrice, rec.TakeProfit), false
	}
	return "", true
}

// reviewEntry runs the LLM entry review and applies the policy table.
// Returns acceptance, a reason for rejections, and the reject cooldown.
func (w *Worker) reviewEntry(ctx context.Context, agentCtx *types.AgentContext) (bool, string, time.Duration) {
	w.setStatus(types.WorkerAnalyzing, "LLM entry review")

	w.countLLMCalls(1)
	raw, err := w.llm.RequestOneShotText(ctx, llm.Request{
		TradingMode: string(w.opts.TradingMode),
		Prompt:      entryReviewPrompt(w.cfg.Market, agentCtx),
	})
	if err != nil {
		// A dead gateway is a rejection, not a tick error: cool down and retry.
		return false, fmt.Sprintf("entry review unavailable: %v", err), w.opts.RejectCooldown
	}

	verdict := llm.ParseEntryVerdict(raw)
	if acceptVerdict(w.opts.EntryPolicy, verdict, w.opts.MinLLMConfidence) {
		return true, "", 0
	}

	reason := verdict.Reason
	if reason == "" {
		reason = "LLM rejected entry"
	}
	return false, reason, rejectCooldown(verdict)
}

// acceptVerdict applies the policy table.
//
//	CONSERVATIVE  approve and confidence at the gate
//	BALANCED      the above, or a LOW/MEDIUM-severity soft reject with
//	              confidence >= 40; HIGH severity always rejects
//	AGGRESSIVE    anything but HIGH severity
func acceptVerdict(policy types.EntryPolicy, v llm.EntryVerdict, minConfidence float64) bool {
	approved := v.Approve && v.Confidence >= minConfidence

	switch policy {
	case types.PolicyConservative:
		return approved
	case types.PolicyAggressive:
		return v.Severity != types.SeverityHigh
	default: // BALANCED
		if v.Severity == types.SeverityHigh {
			return false
		}
		return approved || (!v.Approve && v.Confidence >= 40)
	}
}

// rejectCooldown sizes the cooldown by severity, letting the LLM's
// suggestion override within the same bounds. HIGH: [90s, 300s],
// otherwise [45s, 120s].
func rejectCooldown(v llm.EntryVerdict) time.Duration {
	lo, hi, def := 45, 120, 60
	if v.Severity == types.SeverityHigh {
		lo, hi, def = 90, 300, 180
	}

	sec := def
	if v.SuggestedCooldownSec > 0 {
		sec = v.SuggestedCooldownSec
	}
	if sec < lo {
		sec = lo
	}
	if sec > hi {
		sec = hi
	}
	return time.Duration(sec) * time.Second
}

// planEntryOrder selects the order type from the gap between the current
// price and the recommended entry.
func planEntryOrder(mode types.EntryOrderMode, rec types.Recommendation) types.OrderPlan {
	switch mode {
	case types.OrderModeMarket:
		return types.OrderPlan{Allow: true, OrderType: types.OrderMarket}
	case types.OrderModeLimit:
		return types.OrderPlan{Allow: true, OrderType: types.OrderLimit, LimitPrice: rec.RecommendedEntry}
	}

	gap := entryGapPct(rec)
	switch {
	case gap <= marketGapPct:
		return types.OrderPlan{Allow: true, OrderType: types.OrderMarket}
	case gap <= maxChaseGapPct:
		return types.OrderPlan{Allow: true, OrderType: types.OrderLimit, LimitPrice: rec.RecommendedEntry}
	default:
		return types.OrderPlan{
			Allow:  false,
			Reason: fmt.Sprintf("gap %.2f%% > %.1f%%", gap, maxChaseGapPct),
		}
	}
}

// entryGapPct is how far the current price has run above the recommended
// entry, in percent. Never negative: a price below the recommendation is
// a zero gap.
func entryGapPct(rec types.Recommendation) float64 {
	if rec.RecommendedEntry <= 0 {
		return 0
	}
	return math.Max(0, (rec.CurrentPrice-rec.RecommendedEntry)/rec.RecommendedEntry*100)
}

// verifyWithPlaywright takes a UI screenshot as a sanity check. Failures
// warn but never block the entry.
func (w *Worker) verifyWithPlaywright(ctx context.Context) {
	if w.mcp == nil {
		return
	}
	w.setStatus(types.WorkerPlaywrightCheck, "verifying trading UI")

	result, err := w.mcp.ExecuteMcpTool(ctx, "browser_take_screenshot",
		map[string]any{"market": w.cfg.Market}, mcp.NamespacePlaywright)
	if err != nil || result.IsError {
		detail := "screenshot tool failed"
		if err != nil {
			detail = err.Error()
		} else if t := result.FirstText(); t != "" {
			detail = t
		}
		w.emitEvent(types.EventPlaywright, types.LevelWarn, "PLAYWRIGHT_WARN", detail)
		return
	}

	if img := result.FirstImage(); img != nil && w.cb.OnScreenshot != nil {
		src := img.URL
		if src == "" && img.Data != "" {
			src = "data:" + img.MimeType + ";base64," + img.Data
		}
		id := w.cb.OnScreenshot(img.MimeType, src)
		if w.cb.OnEvent != nil {
			w.cb.OnEvent(types.TimelineEvent{
				Market:       w.cfg.Market,
				Type:         types.EventPlaywright,
				Level:        types.LevelInfo,
				Action:       "PLAYWRIGHT_CHECK",
				Detail:       "UI verified before entry",
				ToolName:     "browser_take_screenshot",
				ScreenshotID: id,
			})
		}
	}
}

// placeEntry submits the guided entry, falling back to the MCP trading
// bridge when the backend refuses. A double failure is a tick error.
func (w *Worker) placeEntry(ctx context.Context, plan types.OrderPlan) error {
	w.setStatus(types.WorkerEntering, fmt.Sprintf("placing %s entry", plan.OrderType))

	req := types.EntryRequest{
		Market:       w.cfg.Market,
		AmountKrw:    w.cfg.EntryAmountKrw,
		OrderType:    plan.OrderType,
		LimitPrice:   plan.LimitPrice,
		Interval:     w.opts.Interval,
		Mode:         w.opts.TradingMode,
		EntrySource:  w.cfg.EntrySource,
		StrategyCode: strategyCode(w.cfg.Focused),
	}

	w.emitOrderFlow(types.FlowBuyRequested, fmt.Sprintf("%s %s KRW", plan.OrderType, w.cfg.EntryAmountKrw))

	if err := w.backend.Start(ctx, req); err != nil {
		w.emitEvent(types.EventOrder, types.LevelWarn, "ENTRY_FAILED", err.Error())
		if mcpErr := w.fallbackEntryByMcp(ctx, req); mcpErr != nil {
			w.emitEvent(types.EventOrder, types.LevelError, "ENTRY_FAILED", mcpErr.Error())
			return fmt.Errorf("entry failed on both paths: %w", mcpErr)
		}
	}

	w.afterEntryPlaced(plan)
	return nil
}

// afterEntryPlaced records the watchdog anchor and announces the
// optimistic fill for market orders.
func (w *Worker) afterEntryPlaced(plan types.OrderPlan) {
	w.mu.Lock()
	w.pendingEntryObservedAt = w.now()
	w.pendingCancelIssued = false
	w.pendingFallbackTried = false
	w.mu.Unlock()

	if plan.OrderType == types.OrderMarket {
		// Optimistic: the backend has not confirmed the fill yet. Marking
		// the fill announced keeps managePosition from emitting it again.
		w.mu.Lock()
		w.buyFillAnnounced = true
		w.mu.Unlock()
		w.emitOrderFlow(types.FlowBuyFilled, "market entry assumed filled")
	}

	w.setStatus(types.WorkerManaging, "entry placed")
}

// fallbackEntryByMcp retries the entry through the MCP trading bridge.
func (w *Worker) fallbackEntryByMcp(ctx context.Context, req types.EntryRequest) error {
	if w.mcp == nil {
		return fmt.Errorf("mcp fallback unavailable")
	}

	result, err := w.mcp.ExecuteMcpTool(ctx, "place_order", map[string]any{
		"market":     req.Market,
		"amountKrw":  req.AmountKrw.String(),
		"orderType":  string(req.OrderType),
		"limitPrice": req.LimitPrice,
	}, mcp.NamespaceTrading)
	if err != nil {
		return err
	}
	if result.IsError {
		return fmt.Errorf("mcp place_order: %s", result.FirstText())
	}

	w.logger.Warn("entry placed via mcp fallback")
	return nil
}

func strategyCode(focused bool) string {
	if focused {
		return "FOCUSED_SCALP"
	}
	return "AUTOPILOT"
}

func entryReviewPrompt(market string, agentCtx *types.AgentContext) string {
	rec := agentCtx.Chart.Recommendation
	ob := agentCtx.Chart.Orderbook
	return fmt.Sprintf(
		"Review this %s entry candidate.\n"+
			"current=%.2f recommendedEntry=%.2f stop=%.2f takeProfit=%.2f riskReward=%.2f\n"+
			"winRate1m=%.1f winRate10m=%.1f spreadPct=%.3f imbalance=%.2f\n"+
			`Reply with JSON only: {"approve": bool, "confidence": 0-100, "severity": "LOW|MEDIUM|HIGH", "reason": "...", "suggestedCooldownSec": int?}`,
		market,
		rec.CurrentPrice, rec.RecommendedEntry, rec.StopLoss, rec.TakeProfit, rec.RiskReward,
		rec.WinRate1m, rec.WinRate10m, ob.SpreadPct, ob.Imbalance,
	)
}
