package agent

import (
	"krw-autopilot/pkg/types"
)

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ResolveFeaturePack returns the backend's feature pack when present, or
// derives one from the opportunity and chart context. The derived pack is
// coarse but keeps every downstream score defined.
func ResolveFeaturePack(opp types.Opportunity, chart types.ChartContext, pack *types.FeaturePack) types.FeaturePack {
	if pack != nil {
		return *pack
	}

	gap := opp.EntryGapPct1m
	if gap < 0 {
		gap = 0
	}

	return types.FeaturePack{
		Technical: types.TechnicalPack{
			Trend:      clamp(opp.RecommendedEntryWin1m, 0, 100),
			Pullback:   clamp(100-gap*40, 0, 100),
			Volatility: 50, // neutral when unobserved
			RRScore:    clamp(opp.RiskReward1m*40, 0, 100),
		},
		Microstructure: types.MicrostructurePack{
			SpreadPct:     chart.Orderbook.SpreadPct,
			Imbalance:     chart.Orderbook.Imbalance,
			Top5Imbalance: chart.Orderbook.Top5Imbalance,
		},
		ExecutionRisk: types.ExecutionRiskPack{
			ChasingRisk:     clamp(gap*45, 0, 100),
			PendingFillRisk: clamp(chart.Orderbook.SpreadPct*35, 0, 100),
			EntryGapPct:     gap,
		},
	}
}

// Deterministic specialist scores used in LITE mode and as the FULL-mode
// fallback when a specialist call fails.

func technicalScore(p types.FeaturePack) float64 {
	t := p.Technical
	return clamp(0.35*t.Trend+0.20*t.Pullback+0.15*t.Volatility+0.30*t.RRScore, 0, 100)
}

func microstructureScore(p types.FeaturePack) float64 {
	m := p.Microstructure
	return clamp(65-6*m.SpreadPct+18*m.Imbalance+14*m.Top5Imbalance, 0, 100)
}

func executionRiskScore(p types.FeaturePack) float64 {
	e := p.ExecutionRisk
	return clamp(100-0.55*e.ChasingRisk-0.45*e.PendingFillRisk, 0, 100)
}

// fallbackDecision grades a candidate without any LLM output: hard fails
// on chase risk, otherwise staged by the synthesized score.
func fallbackDecision(pack types.FeaturePack, synthScore, confidence, minConfidence float64) Decision {
	d := Decision{
		Score:       synthScore,
		Confidence:  confidence,
		CooldownSec: 60,
		OrderType:   types.OrderLimit,
		Fallback:    true,
	}

	switch {
	case pack.ExecutionRisk.ChasingRisk >= 70 || pack.ExecutionRisk.EntryGapPct > 1.8:
		d.Stage = types.StageRuleFail
		d.Reason = "fallback: execution risk too high"
	case synthScore >= 68 && confidence >= minConfidence:
		d.Approve = true
		d.Stage = types.StageAutoPass
		d.Reason = "fallback: strong deterministic score"
	case synthScore >= 56:
		d.Stage = types.StageBorderline
		d.Reason = "fallback: acceptable deterministic score"
	default:
		d.Stage = types.StageRuleFail
		d.Reason = "fallback: weak deterministic score"
	}
	return d
}
