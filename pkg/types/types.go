// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the autopilot — market
// identifiers, opportunity grades, worker states, positions, timeline
// events, and order plans. It has no dependencies on internal packages,
// so it can be imported by any layer.
package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// TradingMode selects the candle horizon and stop/target ratios the
// backend uses when computing recommendations.
type TradingMode string

const (
	ModeScalp    TradingMode = "SCALP"
	ModeSwing    TradingMode = "SWING"
	ModePosition TradingMode = "POSITION"
)

// EntryPolicy controls how strictly LLM entry verdicts are applied.
type EntryPolicy string

const (
	PolicyBalanced     EntryPolicy = "BALANCED"
	PolicyAggressive   EntryPolicy = "AGGRESSIVE"
	PolicyConservative EntryPolicy = "CONSERVATIVE"
)

// EntryOrderMode selects how entry orders are priced.
type EntryOrderMode string

const (
	OrderModeAdaptive EntryOrderMode = "ADAPTIVE"
	OrderModeMarket   EntryOrderMode = "MARKET"
	OrderModeLimit    EntryOrderMode = "LIMIT"
)

// OrderType is the concrete order kind sent to the backend.
type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
)

// Stage grades a candidate. The backend assigns AUTO_PASS, BORDERLINE, or
// RULE_FAIL; the orchestrator projects further local stages on top while
// gating (SLOT_FULL, COOLDOWN, ENTERED, ...). Within one tick a candidate
// only ever moves down this ladder — once RULE_FAIL it is never promoted.
type Stage string

const (
	StageAutoPass       Stage = "AUTO_PASS"
	StageBorderline     Stage = "BORDERLINE"
	StageRulePass       Stage = "RULE_PASS"
	StageRuleFail       Stage = "RULE_FAIL"
	StageSlotFull       Stage = "SLOT_FULL"
	StagePositionOpen   Stage = "POSITION_OPEN"
	StageWorkerActive   Stage = "WORKER_ACTIVE"
	StageCooldown       Stage = "COOLDOWN"
	StageLLMReject      Stage = "LLM_REJECT"
	StagePlaywrightWarn Stage = "PLAYWRIGHT_WARN"
	StageEntered        Stage = "ENTERED"
)

// WorkerStatus is the externally visible state of a market worker.
type WorkerStatus string

const (
	WorkerScanning        WorkerStatus = "SCANNING"
	WorkerAnalyzing       WorkerStatus = "ANALYZING"
	WorkerPlaywrightCheck WorkerStatus = "PLAYWRIGHT_CHECK"
	WorkerEntering        WorkerStatus = "ENTERING"
	WorkerManaging        WorkerStatus = "MANAGING"
	WorkerPaused          WorkerStatus = "PAUSED"
	WorkerCooldown        WorkerStatus = "COOLDOWN"
	WorkerError           WorkerStatus = "ERROR"
	WorkerStopped         WorkerStatus = "STOPPED"
)

// PositionStatus is the backend-reported lifecycle state of a position.
type PositionStatus string

const (
	PositionOpen         PositionStatus = "OPEN"
	PositionPendingEntry PositionStatus = "PENDING_ENTRY"
	PositionClosed       PositionStatus = "CLOSED"
	PositionNone         PositionStatus = "NONE"
)

// Severity grades an LLM rejection; it stretches the reject cooldown.
type Severity string

const (
	SeverityLow    Severity = "LOW"
	SeverityMedium Severity = "MEDIUM"
	SeverityHigh   Severity = "HIGH"
)

// ReviewAction is the verdict of an open-position LLM review.
type ReviewAction string

const (
	ActionHold      ReviewAction = "HOLD"
	ActionPartialTP ReviewAction = "PARTIAL_TP"
	ActionFullExit  ReviewAction = "FULL_EXIT"
)

// ————————————————————————————————————————————————————————————————————————
// Market identifiers
// ————————————————————————————————————————————————————————————————————————

// NormalizeMarket canonicalizes a market identifier: trimmed and uppercased.
// Every public entry point routes identifiers through here.
func NormalizeMarket(market string) string {
	return strings.ToUpper(strings.TrimSpace(market))
}

// NormalizeFocusedMarket canonicalizes a focused-scalp market entry.
// Bare symbols get the KRW- prefix injected ("btc" -> "KRW-BTC"); the
// symbol part must be non-empty [A-Z0-9]+. Returns ok=false for inputs
// that cannot be normalized. Idempotent: applying it twice yields the
// same result.
func NormalizeFocusedMarket(market string) (string, bool) {
	m := NormalizeMarket(market)
	if m == "" {
		return "", false
	}
	if !strings.HasPrefix(m, "KRW-") {
		m = "KRW-" + m
	}
	sym := strings.TrimPrefix(m, "KRW-")
	if sym == "" {
		return "", false
	}
	for _, r := range sym {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return "", false
		}
	}
	return m, true
}

// ————————————————————————————————————————————————————————————————————————
// Opportunities and candidates
// ————————————————————————————————————————————————————————————————————————

// Opportunity is a backend-ranked entry candidate. Immutable once fetched.
type Opportunity struct {
	Market                 string  `json:"market"`
	KoreanName             string  `json:"koreanName"`
	RecommendedEntryWin1m  float64 `json:"recommendedEntryWinRate1m"`
	RecommendedEntryWin10m float64 `json:"recommendedEntryWinRate10m"`
	MarketEntryWinRate1m   float64 `json:"marketEntryWinRate1m"`
	MarketEntryWinRate10m  float64 `json:"marketEntryWinRate10m"`
	RiskReward1m           float64 `json:"riskReward1m"`
	EntryGapPct1m          float64 `json:"entryGapPct1m"`
	ExpectancyPct          float64 `json:"expectancyPct"`
	Score                  float64 `json:"score"`
	Stage                  Stage   `json:"stage"`
	Reason                 string  `json:"reason"`
}

// Candidate is an opportunity projected into orchestrator-owned UI state
// with a local stage and reason.
type Candidate struct {
	Opportunity
	LocalStage  Stage     `json:"localStage"`
	LocalReason string    `json:"localReason"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// ————————————————————————————————————————————————————————————————————————
// Positions
// ————————————————————————————————————————————————————————————————————————

// Position is the backend's view of one market's position.
type Position struct {
	Market               string         `json:"market"`
	Status               PositionStatus `json:"status"`
	UnrealizedPnlPercent float64        `json:"unrealizedPnlPercent"`
	HalfTakeProfitDone   bool           `json:"halfTakeProfitDone"`
	TrailingActive       bool           `json:"trailingActive"`
	EntryPrice           float64        `json:"entryPrice"`
	CurrentPrice         float64        `json:"currentPrice"`
	AmountKrw            float64        `json:"amountKrw"`
	OpenedAt             time.Time      `json:"openedAt"`
}

// TodayStats is the backend's daily aggregate used for the loss cutoff.
type TodayStats struct {
	TotalPnlKrw   float64 `json:"totalPnlKrw"`
	TradeCount    int     `json:"tradeCount"`
	WinCount      int     `json:"winCount"`
	RealizedCount int     `json:"realizedCount"`
}

// ————————————————————————————————————————————————————————————————————————
// Recommendations and feature packs
// ————————————————————————————————————————————————————————————————————————

// Recommendation is the backend's price guidance for one market.
type Recommendation struct {
	CurrentPrice     float64 `json:"currentPrice"`
	RecommendedEntry float64 `json:"recommendedEntry"`
	StopLoss         float64 `json:"stopLoss"`
	TakeProfit       float64 `json:"takeProfit"`
	RiskReward       float64 `json:"riskReward"`
	WinRate1m        float64 `json:"winRate1m"`
	WinRate10m       float64 `json:"winRate10m"`
}

// OrderbookSummary is the condensed top-of-book snapshot inside a context.
type OrderbookSummary struct {
	BidTotal      float64 `json:"bidTotal"`
	AskTotal      float64 `json:"askTotal"`
	SpreadPct     float64 `json:"spreadPct"`
	Imbalance     float64 `json:"imbalance"`
	Top5Imbalance float64 `json:"top5Imbalance"`
}

// TechnicalPack carries trend-side features, scored 0-100 by the backend.
type TechnicalPack struct {
	Trend      float64 `json:"trend"`
	Pullback   float64 `json:"pullback"`
	Volatility float64 `json:"volatility"`
	RRScore    float64 `json:"rrScore"`
}

// MicrostructurePack carries order-book features.
type MicrostructurePack struct {
	SpreadPct     float64 `json:"spreadPct"`
	Imbalance     float64 `json:"imbalance"`
	Top5Imbalance float64 `json:"top5Imbalance"`
}

// ExecutionRiskPack carries fill-quality features, scored 0-100.
type ExecutionRiskPack struct {
	ChasingRisk     float64 `json:"chasingRisk"`
	PendingFillRisk float64 `json:"pendingFillRisk"`
	EntryGapPct     float64 `json:"entryGapPct"`
}

// FeaturePack is the backend's feature snapshot for one market, sliced by
// specialist role.
type FeaturePack struct {
	Technical      TechnicalPack      `json:"technical"`
	Microstructure MicrostructurePack `json:"microstructure"`
	ExecutionRisk  ExecutionRiskPack  `json:"executionRisk"`
}

// ChartContext bundles the recommendation with the order book summary.
type ChartContext struct {
	Recommendation Recommendation   `json:"recommendation"`
	Orderbook      OrderbookSummary `json:"orderbook"`
}

// AgentContext is the full feature pack + recommendation the backend
// returns for entry analysis.
type AgentContext struct {
	Market      string       `json:"market"`
	Chart       ChartContext `json:"chart"`
	FeaturePack *FeaturePack `json:"featurePack,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// OrderPlan is the worker's priced entry decision.
type OrderPlan struct {
	Allow      bool
	OrderType  OrderType
	LimitPrice float64 // set when OrderType == OrderLimit
	Reason     string
}

// EntryRequest is the payload for starting a guided entry.
type EntryRequest struct {
	Market       string          `json:"market"`
	AmountKrw    decimal.Decimal `json:"amountKrw"`
	OrderType    OrderType       `json:"orderType"`
	LimitPrice   float64         `json:"limitPrice,omitempty"`
	Interval     string          `json:"interval"`
	Mode         TradingMode     `json:"mode"`
	EntrySource  string          `json:"entrySource"`
	StrategyCode string          `json:"strategyCode"`
}

// AdoptRequest registers management of a position that is already open.
type AdoptRequest struct {
	Market      string      `json:"market"`
	Mode        TradingMode `json:"mode"`
	Interval    string      `json:"interval"`
	EntrySource string      `json:"entrySource"`
	Notes       string      `json:"notes,omitempty"`
}

// OrderFlowKind labels order lifecycle notifications from workers.
type OrderFlowKind string

const (
	FlowBuyRequested  OrderFlowKind = "BUY_REQUESTED"
	FlowBuyFilled     OrderFlowKind = "BUY_FILLED"
	FlowSellRequested OrderFlowKind = "SELL_REQUESTED"
	FlowSellFilled    OrderFlowKind = "SELL_FILLED"
	FlowCancelled     OrderFlowKind = "CANCELLED"
)

// OrderFlow aggregates order lifecycle counts per orchestrator.
type OrderFlow struct {
	BuyRequested  int `json:"buyRequested"`
	BuyFilled     int `json:"buyFilled"`
	SellRequested int `json:"sellRequested"`
	SellFilled    int `json:"sellFilled"`
	Cancelled     int `json:"cancelled"`
}

// Pending derives outstanding requests, clamped at zero so duplicate
// optimistic fill events cannot drive it negative.
func (f OrderFlow) Pending() int {
	p := f.BuyRequested + f.SellRequested - f.BuyFilled - f.SellFilled - f.Cancelled
	if p < 0 {
		return 0
	}
	return p
}

// Apply counts one order-flow notification.
func (f *OrderFlow) Apply(kind OrderFlowKind) {
	switch kind {
	case FlowBuyRequested:
		f.BuyRequested++
	case FlowBuyFilled:
		f.BuyFilled++
	case FlowSellRequested:
		f.SellRequested++
	case FlowSellFilled:
		f.SellFilled++
	case FlowCancelled:
		f.Cancelled++
	}
}

// ————————————————————————————————————————————————————————————————————————
// Timeline events and worker snapshots
// ————————————————————————————————————————————————————————————————————————

// EventType groups timeline events by origin.
type EventType string

const (
	EventSystem     EventType = "SYSTEM"
	EventCandidate  EventType = "CANDIDATE"
	EventWorker     EventType = "WORKER"
	EventPlaywright EventType = "PLAYWRIGHT"
	EventOrder      EventType = "ORDER"
	EventLLM        EventType = "LLM"
)

// EventLevel grades a timeline event.
type EventLevel string

const (
	LevelInfo  EventLevel = "INFO"
	LevelWarn  EventLevel = "WARN"
	LevelError EventLevel = "ERROR"
)

// TimelineEvent is one entry in the orchestrator's event ring.
type TimelineEvent struct {
	ID           string     `json:"id"`
	At           time.Time  `json:"at"`
	Market       string     `json:"market,omitempty"`
	Type         EventType  `json:"type"`
	Level        EventLevel `json:"level"`
	Action       string     `json:"action"`
	Detail       string     `json:"detail"`
	ToolName     string     `json:"toolName,omitempty"`
	ToolArgs     string     `json:"toolArgs,omitempty"`
	ScreenshotID string     `json:"screenshotId,omitempty"`
}

// Screenshot is a captured UI image held in the FIFO screenshot store.
// Src is a data-URI or absolute URL.
type Screenshot struct {
	ID       string    `json:"id"`
	At       time.Time `json:"at"`
	MimeType string    `json:"mimeType"`
	Src      string    `json:"src"`
}

// WorkerSnapshot is the externally visible state of one market worker.
type WorkerSnapshot struct {
	Market        string       `json:"market"`
	Status        WorkerStatus `json:"status"`
	Note          string       `json:"note"`
	StartedAt     time.Time    `json:"startedAt"`
	UpdatedAt     time.Time    `json:"updatedAt"`
	CooldownUntil *time.Time   `json:"cooldownUntil,omitempty"`
}

// LLMBudget is the orchestrator's daily LLM usage counter. DateKey is the
// KST calendar date the counter belongs to.
type LLMBudget struct {
	DateKey       string `json:"dateKey"`
	UsedToday     int    `json:"usedToday"`
	SoftCapWarned bool   `json:"softCapWarned"`
}
