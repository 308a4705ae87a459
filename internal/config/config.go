// Package config defines all configuration for the autopilot.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via AUTOPILOT_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"krw-autopilot/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Backend   BackendConfig   `mapstructure:"backend"`
	LLM       LLMConfig       `mapstructure:"llm"`
	MCP       MCPConfig       `mapstructure:"mcp"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Dashboard DashboardConfig `mapstructure:"dashboard"`
	Autopilot Options         `mapstructure:"autopilot"`
}

// BackendConfig points at the guided-trading backend.
type BackendConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

// LLMConfig points at the LLM gateway.
type LLMConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
}

// MCPConfig points at the MCP tool bridge.
type MCPConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DashboardConfig controls the web dashboard server.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Options is the runtime autopilot configuration. It is immutable per
// orchestrator tick and may be swapped atomically between ticks via
// Orchestrator.UpdateConfig.
type Options struct {
	Enabled bool `mapstructure:"enabled"`

	// Candle granularity hints forwarded to the backend.
	Interval        string `mapstructure:"interval"`
	ConfirmInterval string `mapstructure:"confirm_interval"`

	TradingMode types.TradingMode `mapstructure:"trading_mode"`

	// Nominal notional per entry, in KRW.
	AmountKrw float64 `mapstructure:"amount_krw"`

	// Negative threshold; realized PnL at or below it blocks new entries.
	DailyLossLimitKrw float64 `mapstructure:"daily_loss_limit_krw"`

	MaxConcurrentPositions int `mapstructure:"max_concurrent_positions"`
	CandidateLimit         int `mapstructure:"candidate_limit"`

	// Worker timing knobs.
	RejectCooldown      time.Duration `mapstructure:"reject_cooldown"`
	PostExitCooldown    time.Duration `mapstructure:"post_exit_cooldown"`
	PendingEntryTimeout time.Duration `mapstructure:"pending_entry_timeout"`
	WorkerTick          time.Duration `mapstructure:"worker_tick"`
	LLMReviewInterval   time.Duration `mapstructure:"llm_review_interval"`

	// Acceptance gate for LLM verdicts, 0-100.
	MinLLMConfidence float64 `mapstructure:"min_llm_confidence"`

	EntryPolicy    types.EntryPolicy    `mapstructure:"entry_policy"`
	EntryOrderMode types.EntryOrderMode `mapstructure:"entry_order_mode"`

	MarketFallbackAfterCancel bool `mapstructure:"market_fallback_after_cancel"`
	PlaywrightEnabled         bool `mapstructure:"playwright_enabled"`

	// Advisory daily LLM-call cap. Soft: crossing it warns once, never blocks.
	LLMDailySoftCap int `mapstructure:"llm_daily_soft_cap"`

	// Focused-scalp fast lane.
	FocusedScalpEnabled      bool          `mapstructure:"focused_scalp_enabled"`
	FocusedScalpMarkets      []string      `mapstructure:"focused_scalp_markets"`
	FocusedScalpPollInterval time.Duration `mapstructure:"focused_scalp_poll_interval"`
	FocusedWarnHolding       time.Duration `mapstructure:"focused_warn_holding"`
	FocusedMaxHolding        time.Duration `mapstructure:"focused_max_holding"`
	FocusedEntryGate         string        `mapstructure:"focused_entry_gate"`

	// Fine-grained agent pipeline.
	FineAgentEnabled     bool          `mapstructure:"fine_agent_enabled"`
	FineAgentMaxPerTick  int           `mapstructure:"fine_agent_max_per_tick"`
	FineAgentDecisionTTL time.Duration `mapstructure:"fine_agent_decision_ttl"`
	FineAgentMode        string        `mapstructure:"fine_agent_mode"` // LITE | FULL

	// Orchestrator cadence.
	TickInterval time.Duration `mapstructure:"tick_interval"`
}

// FocusedGateFastOnly skips the LLM entry review for focused workers.
const FocusedGateFastOnly = "FAST_ONLY"

// Fine-agent decision TTL bounds.
const (
	MinFineAgentTTL = 15 * time.Second
	MaxFineAgentTTL = 5 * time.Minute
)

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: AUTOPILOT_BACKEND_API_KEY, AUTOPILOT_LLM_API_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("AUTOPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("AUTOPILOT_BACKEND_API_KEY"); key != "" {
		cfg.Backend.APIKey = key
	}
	if key := os.Getenv("AUTOPILOT_LLM_API_KEY"); key != "" {
		cfg.LLM.APIKey = key
	}

	cfg.Autopilot = cfg.Autopilot.Normalized()
	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	if c.LLM.BaseURL == "" {
		return fmt.Errorf("llm.base_url is required")
	}
	o := c.Autopilot
	if o.AmountKrw <= 0 {
		return fmt.Errorf("autopilot.amount_krw must be > 0")
	}
	if o.DailyLossLimitKrw >= 0 {
		return fmt.Errorf("autopilot.daily_loss_limit_krw must be negative")
	}
	if o.MaxConcurrentPositions <= 0 {
		return fmt.Errorf("autopilot.max_concurrent_positions must be > 0")
	}
	switch o.TradingMode {
	case types.ModeScalp, types.ModeSwing, types.ModePosition:
	default:
		return fmt.Errorf("autopilot.trading_mode must be one of: SCALP, SWING, POSITION")
	}
	switch o.EntryPolicy {
	case types.PolicyBalanced, types.PolicyAggressive, types.PolicyConservative:
	default:
		return fmt.Errorf("autopilot.entry_policy must be one of: BALANCED, AGGRESSIVE, CONSERVATIVE")
	}
	switch o.EntryOrderMode {
	case types.OrderModeAdaptive, types.OrderModeMarket, types.OrderModeLimit:
	default:
		return fmt.Errorf("autopilot.entry_order_mode must be one of: ADAPTIVE, MARKET, LIMIT")
	}
	return nil
}

// Normalized fills defaults and clamps the timing knobs into their
// documented bounds. Called once at load and again on every config swap,
// so the orchestrator never observes out-of-range options.
func (o Options) Normalized() Options {
	if o.Interval == "" {
		o.Interval = "1m"
	}
	if o.ConfirmInterval == "" {
		o.ConfirmInterval = "10m"
	}
	if o.TradingMode == "" {
		o.TradingMode = types.ModeScalp
	}
	if o.EntryPolicy == "" {
		o.EntryPolicy = types.PolicyBalanced
	}
	if o.EntryOrderMode == "" {
		o.EntryOrderMode = types.OrderModeAdaptive
	}
	if o.CandidateLimit <= 0 {
		o.CandidateLimit = 12
	}
	if o.RejectCooldown <= 0 {
		o.RejectCooldown = 45 * time.Second
	}
	if o.PostExitCooldown <= 0 {
		o.PostExitCooldown = 90 * time.Second
	}
	if o.PendingEntryTimeout < 10*time.Second {
		o.PendingEntryTimeout = 45 * time.Second
	}
	if o.WorkerTick <= 0 {
		o.WorkerTick = 5 * time.Second
	}
	if o.LLMReviewInterval <= 0 {
		o.LLMReviewInterval = 30 * time.Second
	}
	if o.MinLLMConfidence <= 0 {
		o.MinLLMConfidence = 60
	}
	if o.LLMDailySoftCap <= 0 {
		o.LLMDailySoftCap = 300
	}
	if o.FocusedScalpPollInterval <= 0 {
		o.FocusedScalpPollInterval = 3 * time.Second
	}
	if o.FocusedWarnHolding <= 0 {
		o.FocusedWarnHolding = 10 * time.Minute
	}
	if o.FocusedMaxHolding <= 0 {
		o.FocusedMaxHolding = 25 * time.Minute
	}
	if o.FocusedEntryGate == "" {
		o.FocusedEntryGate = FocusedGateFastOnly
	}
	if o.FineAgentMaxPerTick <= 0 {
		o.FineAgentMaxPerTick = 3
	}
	if o.FineAgentDecisionTTL < MinFineAgentTTL {
		o.FineAgentDecisionTTL = MinFineAgentTTL
	}
	if o.FineAgentDecisionTTL > MaxFineAgentTTL {
		o.FineAgentDecisionTTL = MaxFineAgentTTL
	}
	if o.FineAgentMode == "" {
		o.FineAgentMode = "LITE"
	}
	if o.TickInterval <= 0 {
		o.TickInterval = 10 * time.Second
	}
	return o
}
