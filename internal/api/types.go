package api

import (
	"time"

	"krw-autopilot/internal/risk"
	"krw-autopilot/pkg/types"
)

// AutopilotState is the complete UI snapshot pushed on every state change
// and served at /api/state.
type AutopilotState struct {
	Timestamp time.Time `json:"timestamp"`
	Running   bool      `json:"running"`
	Enabled   bool      `json:"enabled"`

	BlockedByDailyLoss bool   `json:"blockedByDailyLoss"`
	BlockReason        string `json:"blockReason,omitempty"`

	Candidates []types.Candidate      `json:"candidates"`
	Workers    []types.WorkerSnapshot `json:"workers"`
	Events     []types.TimelineEvent  `json:"events"`
	Logs       []string               `json:"logs"`

	OrderFlow types.OrderFlow `json:"orderFlow"`
	Pending   int             `json:"pending"`

	LLMBudget      types.LLMBudget `json:"llmBudget"`
	FocusedMarkets []string        `json:"focusedMarkets,omitempty"`
	OpenMarkets    []string        `json:"openMarkets,omitempty"`

	Risk risk.Snapshot `json:"risk"`
}

// StateProvider is what the dashboard needs from the orchestrator.
type StateProvider interface {
	Snapshot() AutopilotState
}

// StreamMessage is one WebSocket frame: either a full snapshot or a
// single timeline event.
type StreamMessage struct {
	Type      string               `json:"type"` // "snapshot" | "event"
	Timestamp time.Time            `json:"timestamp"`
	Snapshot  *AutopilotState      `json:"snapshot,omitempty"`
	Event     *types.TimelineEvent `json:"event,omitempty"`
}
