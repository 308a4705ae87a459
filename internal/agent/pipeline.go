// Package agent implements the fine-grained review pipeline the
// orchestrator consults before spawning a worker for a shortlisted
// candidate.
//
// The pipeline is a three-role cascade:
//
//  1. Specialists (TECHNICAL, MICROSTRUCTURE, EXECUTION_RISK) score their
//     slice of the feature pack. In LITE mode (default) the scores are
//     deterministic weight formulas; in FULL mode each role is one LLM
//     call.
//  2. A synthesizer LLM call merges the specialist outputs into one score.
//  3. A PM LLM call issues the final approve/stage verdict.
//
// Run never returns an error: every failure degrades to deterministic
// scoring, and an entirely broken run yields the fallback decision.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"krw-autopilot/internal/llm"
	"krw-autopilot/pkg/types"
)

// Mode selects deterministic (LITE) or LLM-backed (FULL) specialists.
type Mode string

const (
	ModeLite Mode = "LITE"
	ModeFull Mode = "FULL"
)

// Role identifies one specialist.
type Role string

const (
	RoleTechnical      Role = "TECHNICAL"
	RoleMicrostructure Role = "MICROSTRUCTURE"
	RoleExecutionRisk  Role = "EXECUTION_RISK"
)

// Options parameterize one pipeline run.
type Options struct {
	Opportunity   types.Opportunity
	Context       *types.AgentContext
	TradingMode   types.TradingMode
	Model         string
	MinConfidence float64
	Mode          Mode
}

// SpecialistOutput is one role's contribution.
type SpecialistOutput struct {
	Role       Role    `json:"role"`
	Score      float64 `json:"score"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

// Decision is the pipeline verdict. On the PM path Stage is RULE_FAIL
// whenever the candidate is not approved; a fallback decision may carry
// BORDERLINE without approval.
type Decision struct {
	Approve     bool               `json:"approve"`
	Stage       types.Stage        `json:"stage"`
	Score       float64            `json:"score"`
	Confidence  float64            `json:"confidence"`
	CooldownSec int                `json:"cooldownSec"`
	OrderType   types.OrderType    `json:"orderType"`
	Reason      string             `json:"reason"`
	Specialists []SpecialistOutput `json:"specialists,omitempty"`
	Fallback    bool               `json:"fallback,omitempty"`
	LLMCalls    int                `json:"llmCalls"`
}

// Pipeline runs the cascade. Stateless: safe to share across ticks.
type Pipeline struct {
	llm    llm.Client
	logger *slog.Logger
}

// New creates a pipeline.
func New(llmClient llm.Client, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		llm:    llmClient,
		logger: logger.With("component", "fine-agent"),
	}
}

// Deterministic confidence assigned to LITE-mode specialist scores.
const liteConfidence = 60

// Run executes the cascade and always returns a Decision.
func (p *Pipeline) Run(ctx context.Context, opts Options) Decision {
	if opts.Mode == "" {
		opts.Mode = ModeLite
	}

	var chart types.ChartContext
	var packPtr *types.FeaturePack
	if opts.Context != nil {
		chart = opts.Context.Chart
		packPtr = opts.Context.FeaturePack
	}
	pack := ResolveFeaturePack(opts.Opportunity, chart, packPtr)

	llmCalls := 0
	specialists := p.runSpecialists(ctx, opts, pack, &llmCalls)

	synth, synthOK := p.runSynthesizer(ctx, opts, pack, specialists, &llmCalls)
	if !synthOK {
		// Deterministic stand-in so the PM stage and the fallback path
		// always have a score to work from.
		synth = llm.RoleReply{
			Score:      (specialists[0].Score + specialists[1].Score + specialists[2].Score) / 3,
			Confidence: (specialists[0].Confidence + specialists[1].Confidence + specialists[2].Confidence) / 3,
			Reason:     "synthesizer unavailable, averaged specialists",
		}
	}

	pm, pmOK := p.runPM(ctx, opts, pack, specialists, synth, &llmCalls)
	if !pmOK {
		d := fallbackDecision(pack, synth.Score, synth.Confidence, opts.MinConfidence)
		d.Specialists = specialists
		d.LLMCalls = llmCalls
		p.logger.Warn("pipeline degraded to fallback decision",
			"market", opts.Opportunity.Market,
			"stage", d.Stage,
		)
		return d
	}

	approve := pm.Approve && pm.Stage != types.StageRuleFail && pm.Confidence >= opts.MinConfidence
	stage := pm.Stage
	if !approve {
		stage = types.StageRuleFail
	}

	return Decision{
		Approve:     approve,
		Stage:       stage,
		Score:       pm.Score,
		Confidence:  pm.Confidence,
		CooldownSec: pm.CooldownSec,
		OrderType:   pm.OrderType,
		Reason:      pm.Reason,
		Specialists: specialists,
		LLMCalls:    llmCalls,
	}
}

// runSpecialists produces the three role outputs. FULL mode asks the LLM
// per role and degrades to the deterministic score on any failure.
func (p *Pipeline) runSpecialists(ctx context.Context, opts Options, pack types.FeaturePack, llmCalls *int) []SpecialistOutput {
	deterministic := []SpecialistOutput{
		{Role: RoleTechnical, Score: technicalScore(pack), Confidence: liteConfidence, Reason: "weighted trend/pullback/volatility/rr"},
		{Role: RoleMicrostructure, Score: microstructureScore(pack), Confidence: liteConfidence, Reason: "spread and imbalance blend"},
		{Role: RoleExecutionRisk, Score: executionRiskScore(pack), Confidence: liteConfidence, Reason: "chasing and pending-fill risk"},
	}
	if opts.Mode != ModeFull {
		return deterministic
	}

	out := make([]SpecialistOutput, len(deterministic))
	for i, det := range deterministic {
		*llmCalls++
		raw, err := p.llm.RequestOneShotText(ctx, llm.Request{
			Model:       opts.Model,
			TradingMode: string(opts.TradingMode),
			Prompt:      specialistPrompt(det.Role, opts.Opportunity, pack),
		})
		if err != nil {
			p.logger.Warn("specialist call failed, using deterministic score",
				"role", det.Role, "error", err)
			out[i] = det
			continue
		}
		reply, ok := llm.ParseRoleReply(raw, 80)
		if !ok {
			out[i] = det
			continue
		}
		out[i] = SpecialistOutput{Role: det.Role, Score: reply.Score, Confidence: reply.Confidence, Reason: reply.Reason}
	}
	return out
}

func (p *Pipeline) runSynthesizer(ctx context.Context, opts Options, pack types.FeaturePack, specialists []SpecialistOutput, llmCalls *int) (llm.RoleReply, bool) {
	*llmCalls++
	raw, err := p.llm.RequestOneShotText(ctx, llm.Request{
		Model:       opts.Model,
		TradingMode: string(opts.TradingMode),
		Prompt:      synthesizerPrompt(opts.Opportunity, pack, specialists),
	})
	if err != nil {
		p.logger.Warn("synthesizer call failed", "market", opts.Opportunity.Market, "error", err)
		return llm.RoleReply{}, false
	}
	return llm.ParseRoleReply(raw, 120)
}

func (p *Pipeline) runPM(ctx context.Context, opts Options, pack types.FeaturePack, specialists []SpecialistOutput, synth llm.RoleReply, llmCalls *int) (llm.PMReply, bool) {
	*llmCalls++
	raw, err := p.llm.RequestOneShotText(ctx, llm.Request{
		Model:       opts.Model,
		TradingMode: string(opts.TradingMode),
		Prompt:      pmPrompt(opts.Opportunity, pack, specialists, synth),
	})
	if err != nil {
		p.logger.Warn("pm call failed", "market", opts.Opportunity.Market, "error", err)
		return llm.PMReply{}, false
	}
	return llm.ParsePMReply(raw)
}

// ————————————————————————————————————————————————————————————————————————
// Prompts
// ————————————————————————————————————————————————————————————————————————

func specialistPrompt(role Role, opp types.Opportunity, pack types.FeaturePack) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are the %s specialist reviewing a KRW crypto entry candidate.\n", role)
	fmt.Fprintf(&sb, "Market: %s (score %.1f, stage %s)\n", opp.Market, opp.Score, opp.Stage)

	switch role {
	case RoleTechnical:
		t := pack.Technical
		fmt.Fprintf(&sb, "Features: trend=%.1f pullback=%.1f volatility=%.1f rrScore=%.1f\n",
			t.Trend, t.Pullback, t.Volatility, t.RRScore)
	case RoleMicrostructure:
		m := pack.Microstructure
		fmt.Fprintf(&sb, "Features: spreadPct=%.3f imbalance=%.2f top5Imbalance=%.2f\n",
			m.SpreadPct, m.Imbalance, m.Top5Imbalance)
	case RoleExecutionRisk:
		e := pack.ExecutionRisk
		fmt.Fprintf(&sb, "Features: chasingRisk=%.1f pendingFillRisk=%.1f entryGapPct=%.2f\n",
			e.ChasingRisk, e.PendingFillRisk, e.EntryGapPct)
	}

	sb.WriteString(`Reply with JSON only: {"score": 0-100, "confidence": 0-100, "reason": "<=80 chars"}`)
	return sb.String()
}

func synthesizerPrompt(opp types.Opportunity, pack types.FeaturePack, specialists []SpecialistOutput) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Synthesize an entry score for %s from three specialist reviews.\n", opp.Market)
	for _, s := range specialists {
		fmt.Fprintf(&sb, "- %s: score=%.1f confidence=%.1f (%s)\n", s.Role, s.Score, s.Confidence, s.Reason)
	}
	fmt.Fprintf(&sb, "Entry gap %.2f%%, risk/reward %.2f, expectancy %.2f%%.\n",
		pack.ExecutionRisk.EntryGapPct, opp.RiskReward1m, opp.ExpectancyPct)
	sb.WriteString(`Reply with JSON only: {"score": 0-100, "confidence": 0-100, "reason": "<=120 chars"}`)
	return sb.String()
}

func pmPrompt(opp types.Opportunity, pack types.FeaturePack, specialists []SpecialistOutput, synth llm.RoleReply) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are the PM deciding whether to enter %s now.\n", opp.Market)
	for _, s := range specialists {
		fmt.Fprintf(&sb, "- %s: %.1f (%s)\n", s.Role, s.Score, s.Reason)
	}
	fmt.Fprintf(&sb, "Synthesizer: score=%.1f confidence=%.1f (%s)\n", synth.Score, synth.Confidence, synth.Reason)
	fmt.Fprintf(&sb, "Chasing risk %.1f, entry gap %.2f%%.\n",
		pack.ExecutionRisk.ChasingRisk, pack.ExecutionRisk.EntryGapPct)
	sb.WriteString(`Reply with JSON only: {"approve": bool, "stage": "AUTO_PASS|BORDERLINE|RULE_FAIL", ` +
		`"score": 0-100, "confidence": 0-100, "cooldownSec": 30-300, "orderType": "MARKET|LIMIT", "reason": "<=120 chars"}`)
	return sb.String()
}
