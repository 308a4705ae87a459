package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"krw-autopilot/internal/llm"
	"krw-autopilot/pkg/types"
)

// Open-position review triggers, in unrealized PnL percent.
const (
	reviewLossTrigger     = -0.6
	reviewProfitTrigger   = 1.6
	reviewDrawdownTrigger = 0.7
)

// Deterministic exit thresholds, in unrealized PnL percent.
const (
	fastStopLossPct   = -0.8
	halfTakeProfitPct = 1.2
	fullTakeProfitPct = 2.2
)

const (
	fastStopCooldown   = 8 * time.Minute
	targetExitCooldown = 3 * time.Minute
	cancelFailCooldown = 90 * time.Second
)

var halfRatio = decimal.NewFromFloat(0.5)

// managePendingEntry watches a placed-but-unfilled order. Once the order
// has waited past the timeout it is cancelled (exactly once per pending
// cycle) and optionally retried as a market order.
func (w *Worker) managePendingEntry(ctx context.Context) error {
	w.mu.Lock()
	if w.pendingEntryObservedAt.IsZero() {
		// Adopted pending entry (spawned onto an order we did not place):
		// start the watchdog from first observation.
		w.pendingEntryObservedAt = w.now()
	}
	observedAt := w.pendingEntryObservedAt
	cancelIssued := w.pendingCancelIssued
	w.mu.Unlock()

	w.setStatus(types.WorkerManaging, "awaiting fill")

	if cancelIssued || w.now().Sub(observedAt) < w.opts.PendingEntryTimeout {
		return nil
	}

	w.mu.Lock()
	w.pendingCancelIssued = true
	w.mu.Unlock()

	if err := w.backend.CancelPending(ctx, w.cfg.Market); err != nil {
		return err
	}
	w.emitOrderFlow(types.FlowCancelled, fmt.Sprintf("pending entry timed out after %s", w.opts.PendingEntryTimeout))

	w.mu.Lock()
	fallbackTried := w.pendingFallbackTried
	w.mu.Unlock()

	if !w.opts.MarketFallbackAfterCancel || fallbackTried {
		w.setCooldown(cancelFailCooldown)
		w.setStatus(types.WorkerCooldown, "pending entry cancelled")
		return nil
	}

	w.mu.Lock()
	w.pendingFallbackTried = true
	w.mu.Unlock()

	req := types.EntryRequest{
		Market:       w.cfg.Market,
		AmountKrw:    w.cfg.EntryAmountKrw,
		OrderType:    types.OrderMarket,
		Interval:     w.opts.Interval,
		Mode:         w.opts.TradingMode,
		EntrySource:  w.cfg.EntrySource,
		StrategyCode: strategyCode(w.cfg.Focused),
	}

	w.emitOrderFlow(types.FlowBuyRequested, "market retry after cancel")
	if err := w.backend.Start(ctx, req); err != nil {
		w.emitEvent(types.EventOrder, types.LevelWarn, "ENTRY_FAILED", err.Error())
		w.setCooldown(cancelFailCooldown)
		w.setStatus(types.WorkerCooldown, "market retry failed")
		return nil
	}

	w.afterEntryPlaced(types.OrderPlan{Allow: true, OrderType: types.OrderMarket})
	return nil
}

// managePosition runs the open-position loop: peak tracking, event-driven
// LLM review, then the deterministic exits in the same tick.
func (w *Worker) managePosition(ctx context.Context, pos *types.Position) error {
	pnl := pos.UnrealizedPnlPercent

	w.mu.Lock()
	if !w.hadOpenPosition {
		w.hadOpenPosition = true
		w.positionOpenedAt = w.now()
	}
	firstFill := !w.buyFillAnnounced
	if firstFill {
		w.buyFillAnnounced = true
	}
	if pnl > w.peakPnlPercent {
		w.peakPnlPercent = pnl
	}
	peak := w.peakPnlPercent
	halfDone := w.halfTakeProfitTaken || pos.HalfTakeProfitDone
	openedAt := w.positionOpenedAt
	w.mu.Unlock()

	if firstFill {
		w.emitOrderFlow(types.FlowBuyFilled, "backend reports position open")
	}

	w.setStatus(types.WorkerManaging, fmt.Sprintf("pnl %.2f%% (peak %.2f%%)", pnl, peak))

	drawdown := peak - pnl

	if w.shouldReview(pnl, drawdown, pos.TrailingActive) {
		closed, err := w.reviewPosition(ctx, pos, peak, halfDone)
		if err != nil {
			return err
		}
		if closed {
			return nil
		}
		// The review may have taken the partial; re-read before the
		// deterministic exits decide.
		w.mu.Lock()
		halfDone = w.halfTakeProfitTaken || pos.HalfTakeProfitDone
		w.mu.Unlock()
	}

	// Focused holding-time guards run before the PnL exits: a stale
	// scalp is exited regardless of where the price sits.
	if w.cfg.Focused && w.cfg.MaxHolding > 0 && !openedAt.IsZero() {
		held := w.now().Sub(openedAt)
		if held >= w.cfg.MaxHolding {
			return w.exitPosition(ctx, fmt.Sprintf("max holding %s exceeded", w.cfg.MaxHolding), targetExitCooldown)
		}
		if held >= w.cfg.WarnHolding && w.cfg.WarnHolding > 0 {
			w.mu.Lock()
			warned := w.holdingWarned
			w.holdingWarned = true
			w.mu.Unlock()
			if !warned {
				w.emitEvent(types.EventWorker, types.LevelWarn, "FOCUSED_HOLDING_WARN",
					fmt.Sprintf("held %s, max %s", held.Round(time.Second), w.cfg.MaxHolding))
			}
		}
	}

	switch {
	case pnl <= fastStopLossPct:
		return w.exitPosition(ctx, "fast stop-loss", fastStopCooldown)
	case !halfDone && pnl >= halfTakeProfitPct:
		return w.partialTakeProfit(ctx)
	case pnl >= fullTakeProfitPct:
		return w.exitPosition(ctx, "target reached", targetExitCooldown)
	}
	return nil
}

// shouldReview gates the event-driven LLM review: only on a trigger, and
// at most once per review interval.
func (w *Worker) shouldReview(pnl, drawdown float64, trailingActive bool) bool {
	triggered := pnl <= reviewLossTrigger ||
		pnl >= reviewProfitTrigger ||
		(trailingActive && drawdown >= reviewDrawdownTrigger)
	if !triggered {
		return false
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.now().Sub(w.lastReviewAt) < w.opts.LLMReviewInterval {
		return false
	}
	w.lastReviewAt = w.now()
	return true
}

// reviewPosition asks the LLM what to do with the open position and
// applies the verdict. Review failures hold the position. closed reports
// whether the verdict fully exited the position.
func (w *Worker) reviewPosition(ctx context.Context, pos *types.Position, peak float64, halfDone bool) (closed bool, err error) {
	w.countLLMCalls(1)
	raw, err := w.llm.RequestOneShotText(ctx, llm.Request{
		TradingMode: string(w.opts.TradingMode),
		Prompt:      positionReviewPrompt(pos, peak),
	})
	if err != nil {
		w.emitEvent(types.EventLLM, types.LevelWarn, "POSITION_REVIEW_FAILED", err.Error())
		return false, nil
	}

	review := llm.ParsePositionReview(raw)
	w.emitEvent(types.EventLLM, types.LevelInfo, "POSITION_REVIEW",
		fmt.Sprintf("%s (%.0f%%): %s", review.Action, review.Confidence, review.Reason))

	switch review.Action {
	case types.ActionPartialTP:
		if halfDone {
			return false, nil
		}
		return false, w.partialTakeProfit(ctx)
	case types.ActionFullExit:
		return true, w.exitPosition(ctx, "llm full exit: "+review.Reason, w.opts.PostExitCooldown)
	default:
		return false, nil
	}
}

// partialTakeProfit sells half the position once per cycle.
func (w *Worker) partialTakeProfit(ctx context.Context) error {
	w.emitOrderFlow(types.FlowSellRequested, "partial take-profit 50%")
	if err := w.backend.PartialTakeProfit(ctx, w.cfg.Market, halfRatio); err != nil {
		return err
	}

	w.mu.Lock()
	w.halfTakeProfitTaken = true
	w.mu.Unlock()

	w.emitOrderFlow(types.FlowSellFilled, "partial take-profit 50%")
	return nil
}

// exitPosition fully closes the position and enters cooldown.
func (w *Worker) exitPosition(ctx context.Context, reason string, cooldown time.Duration) error {
	w.emitOrderFlow(types.FlowSellRequested, reason)
	if err := w.backend.Stop(ctx, w.cfg.Market); err != nil {
		return err
	}
	w.emitOrderFlow(types.FlowSellFilled, reason)

	w.resetCycle()
	w.setCooldown(cooldown)
	w.setStatus(types.WorkerCooldown, reason)
	return nil
}

func positionReviewPrompt(pos *types.Position, peak float64) string {
	return fmt.Sprintf(
		"Open %s position: pnl=%.2f%% peak=%.2f%% halfTakeProfitDone=%v trailingActive=%v.\n"+
			`Reply with JSON only: {"action": "HOLD|PARTIAL_TP|FULL_EXIT", "confidence": 0-100, "reason": "..."}`,
		pos.Market, pos.UnrealizedPnlPercent, peak, pos.HalfTakeProfitDone, pos.TrailingActive,
	)
}
