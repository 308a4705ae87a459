package llm

import (
	"encoding/json"
	"regexp"
	"strings"

	"krw-autopilot/pkg/types"
)

// Matches a ```json fenced block; the body is re-scanned for balance.
var reJSONFence = regexp.MustCompile("(?is)```json\\s*(.*?)\\s*```")

// ExtractJSONObject returns the first balanced {...} substring of a model
// reply. Fenced ```json blocks are preferred; otherwise the whole reply
// is scanned. String literals and escapes are respected so braces inside
// reasons do not break the balance count.
func ExtractJSONObject(s string) (string, bool) {
	if m := reJSONFence.FindStringSubmatch(s); m != nil {
		if obj, ok := scanBalanced(m[1]); ok {
			return obj, true
		}
	}
	return scanBalanced(s)
}

func scanBalanced(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == '{':
			depth++
		case c == '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// decodeLoose unmarshals the first balanced object of raw into dst.
// Returns false when no decodable object exists.
func decodeLoose(raw string, dst any) bool {
	obj, ok := ExtractJSONObject(raw)
	if !ok {
		return false
	}
	return json.Unmarshal([]byte(obj), dst) == nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// ————————————————————————————————————————————————————————————————————————
// Entry verdicts
// ————————————————————————————————————————————————————————————————————————

// EntryVerdict is the parsed reply of an entry review. Safe defaults:
// not approved, zero confidence, MEDIUM severity.
type EntryVerdict struct {
	Approve              bool
	Confidence           float64 // [0, 100]
	Severity             types.Severity
	Reason               string
	SuggestedCooldownSec int // 0 = absent
}

type rawEntryVerdict struct {
	Approve              *bool    `json:"approve"`
	Confidence           *float64 `json:"confidence"`
	Severity             string   `json:"severity"`
	Reason               string   `json:"reason"`
	SuggestedCooldownSec *int     `json:"suggestedCooldownSec"`
}

// ParseEntryVerdict recovers an EntryVerdict from a model reply. Never
// fails; an unreadable reply yields the rejecting default.
func ParseEntryVerdict(raw string) EntryVerdict {
	v := EntryVerdict{Severity: types.SeverityMedium}

	var r rawEntryVerdict
	if !decodeLoose(raw, &r) {
		v.Reason = "unparseable LLM reply"
		return v
	}

	if r.Approve != nil {
		v.Approve = *r.Approve
	}
	if r.Confidence != nil {
		v.Confidence = clamp(*r.Confidence, 0, 100)
	}
	v.Severity = ParseSeverity(r.Severity)
	v.Reason = truncate(r.Reason, 200)
	if r.SuggestedCooldownSec != nil && *r.SuggestedCooldownSec > 0 {
		v.SuggestedCooldownSec = *r.SuggestedCooldownSec
	}
	return v
}

// ParseSeverity maps a free-form severity string into the enum,
// defaulting to MEDIUM.
func ParseSeverity(s string) types.Severity {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "LOW":
		return types.SeverityLow
	case "HIGH":
		return types.SeverityHigh
	default:
		return types.SeverityMedium
	}
}

// ————————————————————————————————————————————————————————————————————————
// Position reviews
// ————————————————————————————————————————————————————————————————————————

// PositionReview is the parsed reply of an open-position review.
// Safe default: HOLD.
type PositionReview struct {
	Action     types.ReviewAction
	Confidence float64
	Reason     string
}

type rawPositionReview struct {
	Action     string   `json:"action"`
	Confidence *float64 `json:"confidence"`
	Reason     string   `json:"reason"`
}

// ParsePositionReview recovers a PositionReview from a model reply.
// Never fails; an unreadable reply holds the position.
func ParsePositionReview(raw string) PositionReview {
	v := PositionReview{Action: types.ActionHold}

	var r rawPositionReview
	if !decodeLoose(raw, &r) {
		v.Reason = "unparseable LLM reply"
		return v
	}

	switch strings.ToUpper(strings.TrimSpace(r.Action)) {
	case "PARTIAL_TP":
		v.Action = types.ActionPartialTP
	case "FULL_EXIT":
		v.Action = types.ActionFullExit
	default:
		v.Action = types.ActionHold
	}
	if r.Confidence != nil {
		v.Confidence = clamp(*r.Confidence, 0, 100)
	}
	v.Reason = truncate(r.Reason, 200)
	return v
}

// ————————————————————————————————————————————————————————————————————————
// Agent-role replies
// ————————————————————————————————————————————————————————————————————————

// RoleReply is the parsed reply of a specialist or synthesizer call.
type RoleReply struct {
	Score      float64 // [0, 100]
	Confidence float64 // [0, 100]
	Reason     string
}

type rawRoleReply struct {
	Score      *float64 `json:"score"`
	Confidence *float64 `json:"confidence"`
	Reason     string   `json:"reason"`
}

// ParseRoleReply recovers a RoleReply, clamping scores into [0, 100] and
// truncating the reason to maxReason bytes. ok is false when the reply
// held no decodable object.
func ParseRoleReply(raw string, maxReason int) (RoleReply, bool) {
	var r rawRoleReply
	if !decodeLoose(raw, &r) {
		return RoleReply{}, false
	}

	var v RoleReply
	if r.Score != nil {
		v.Score = clamp(*r.Score, 0, 100)
	}
	if r.Confidence != nil {
		v.Confidence = clamp(*r.Confidence, 0, 100)
	}
	v.Reason = truncate(r.Reason, maxReason)
	return v, true
}

// PMReply is the parsed reply of the PM stage.
type PMReply struct {
	Approve     bool
	Stage       types.Stage
	Score       float64
	Confidence  float64
	CooldownSec int // clamped [30, 300]
	OrderType   types.OrderType
	Reason      string
}

type rawPMReply struct {
	Approve     *bool    `json:"approve"`
	Stage       string   `json:"stage"`
	Score       *float64 `json:"score"`
	Confidence  *float64 `json:"confidence"`
	CooldownSec *float64 `json:"cooldownSec"`
	OrderType   string   `json:"orderType"`
	Reason      string   `json:"reason"`
}

// ParsePMReply recovers a PMReply. ok is false when the reply held no
// decodable object; field-level gaps fall back to the rejecting side.
func ParsePMReply(raw string) (PMReply, bool) {
	var r rawPMReply
	if !decodeLoose(raw, &r) {
		return PMReply{}, false
	}

	v := PMReply{
		Stage:       types.StageBorderline,
		CooldownSec: 60,
		OrderType:   types.OrderLimit,
	}
	if r.Approve != nil {
		v.Approve = *r.Approve
	}
	switch strings.ToUpper(strings.TrimSpace(r.Stage)) {
	case "AUTO_PASS":
		v.Stage = types.StageAutoPass
	case "BORDERLINE":
		v.Stage = types.StageBorderline
	case "RULE_FAIL":
		v.Stage = types.StageRuleFail
	}
	if r.Score != nil {
		v.Score = clamp(*r.Score, 0, 100)
	}
	if r.Confidence != nil {
		v.Confidence = clamp(*r.Confidence, 0, 100)
	}
	if r.CooldownSec != nil {
		v.CooldownSec = int(clamp(*r.CooldownSec, 30, 300))
	}
	if strings.EqualFold(strings.TrimSpace(r.OrderType), "MARKET") {
		v.OrderType = types.OrderMarket
	}
	v.Reason = truncate(r.Reason, 120)
	return v, true
}
