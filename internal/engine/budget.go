package engine

import (
	"fmt"
	"time"

	"krw-autopilot/pkg/types"
)

// The daily LLM counter rolls over on the KST calendar date, matching the
// exchange's trading day. Timestamps elsewhere stay UTC.
var kstLocation = func() *time.Location {
	loc, err := time.LoadLocation("Asia/Seoul")
	if err != nil {
		return time.FixedZone("KST", 9*60*60)
	}
	return loc
}()

func kstDateKey(t time.Time) string {
	return t.In(kstLocation).Format("2006-01-02")
}

// rollBudget resets the counter when the KST date key changed. Returns
// true when a rollover happened.
func (o *Orchestrator) rollBudget(now time.Time) bool {
	key := kstDateKey(now)

	o.budgetMu.Lock()
	defer o.budgetMu.Unlock()

	if o.budget.DateKey == key {
		return false
	}
	o.budget = types.LLMBudget{DateKey: key}
	return true
}

// countLLMCalls adds n to today's usage through the single accounting
// path every LLM-originating component uses. Crossing the soft cap warns
// once per day; calls are never blocked.
func (o *Orchestrator) countLLMCalls(n int) {
	if n <= 0 {
		return
	}
	opts := o.options()
	o.metrics.CountLLMCalls(n)

	o.budgetMu.Lock()
	key := kstDateKey(o.now())
	if o.budget.DateKey != key {
		o.budget = types.LLMBudget{DateKey: key}
	}
	o.budget.UsedToday += n

	warn := opts.LLMDailySoftCap > 0 &&
		o.budget.UsedToday >= opts.LLMDailySoftCap &&
		!o.budget.SoftCapWarned
	if warn {
		o.budget.SoftCapWarned = true
	}
	used := o.budget.UsedToday
	o.budgetMu.Unlock()

	if warn {
		o.metrics.CountSoftCapWarning()
		o.emitEvent(types.TimelineEvent{
			Type: types.EventLLM, Level: types.LevelWarn,
			Action: "LLM_SOFT_CAP",
			Detail: fmt.Sprintf("daily LLM usage %d reached soft cap %d; calls continue", used, opts.LLMDailySoftCap),
		})
	}
}

// budgetSnapshot returns a copy of the counter.
func (o *Orchestrator) budgetSnapshot() types.LLMBudget {
	o.budgetMu.Lock()
	defer o.budgetMu.Unlock()
	return o.budget
}
