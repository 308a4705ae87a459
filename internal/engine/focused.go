package engine

import (
	"krw-autopilot/internal/config"
	"krw-autopilot/internal/worker"
	"krw-autopilot/pkg/types"
)

// The focused list is capped so a fat-fingered config cannot spawn an
// unbounded worker fleet outside the slot cap.
const maxFocusedMarkets = 8

// resolveFocusedMarkets normalizes, dedups, and caps the configured
// focused-scalp list. Returns nil when the fast lane is disabled.
func resolveFocusedMarkets(opts config.Options) []string {
	if !opts.FocusedScalpEnabled {
		return nil
	}

	seen := make(map[string]bool)
	var out []string
	for _, raw := range opts.FocusedScalpMarkets {
		m, ok := types.NormalizeFocusedMarket(raw)
		if !ok || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
		if len(out) == maxFocusedMarkets {
			break
		}
	}
	return out
}

// syncFocusedWorkers makes the focused worker set match the resolved
// list: removed markets stop their worker, new markets get a dedicated
// fast-lane worker outside the slot cap.
func (o *Orchestrator) syncFocusedWorkers(focused []string, opts config.Options) {
	want := make(map[string]bool, len(focused))
	for _, m := range focused {
		want[m] = true
	}

	// Stop focused workers whose market left the list.
	o.workersMu.RLock()
	var toStop []string
	for market, w := range o.workers {
		if w.Focused() && !want[market] {
			toStop = append(toStop, market)
		}
	}
	o.workersMu.RUnlock()

	for _, market := range toStop {
		o.emitEvent(types.TimelineEvent{
			Market: market, Type: types.EventWorker, Level: types.LevelInfo,
			Action: "FOCUSED_SCALP_STOP", Detail: "focused loop removal",
		})
		o.stopWorker(market, "focused loop removal")
	}

	// Spawn workers for newly focused markets. A market that already has
	// a worker (focused or adopted) keeps it: one worker per market.
	for _, market := range focused {
		if _, ok := o.workerFor(market); ok {
			continue
		}
		o.spawnWorker(worker.Config{
			Market:             market,
			TickInterval:       opts.FocusedScalpPollInterval,
			EntryAmountKrw:     clampEntryAmountKrw(opts.AmountKrw, 1.0),
			SkipLLMEntryReview: opts.FocusedEntryGate == config.FocusedGateFastOnly,
			EntrySource:        "focused-scalp",
			Focused:            true,
			WarnHolding:        opts.FocusedWarnHolding,
			MaxHolding:         opts.FocusedMaxHolding,
		}, opts)
		o.emitEvent(types.TimelineEvent{
			Market: market, Type: types.EventWorker, Level: types.LevelInfo,
			Action: "FOCUSED_SCALP_START", Detail: "focused fast-lane worker spawned",
		})
	}
}
