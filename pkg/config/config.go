package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
)

// Validation sentinels. Threshold misconfiguration is rejected at
// construction time, never discovered mid-cascade.
var (
	ErrThresholdOrder = errors.New("thresholds must satisfy prune < compact < truncate <= 1.0")
	ErrTokenWindow    = errors.New("reserved output tokens must be smaller than max tokens")
	ErrInvalidValue   = errors.New("invalid configuration value")
)

// Context controls the live-buffer token budget and the compression cascade.
type Context struct {
	MaxTokens            int     `json:"max_tokens" env:"CTXKEEPER_CONTEXT_MAX_TOKENS"`
	ReservedOutputTokens int     `json:"reserved_output_tokens" env:"CTXKEEPER_CONTEXT_RESERVED_OUTPUT_TOKENS"`
	PruneThreshold       float64 `json:"prune_threshold" env:"CTXKEEPER_CONTEXT_PRUNE_THRESHOLD"`
	CompactThreshold     float64 `json:"compact_threshold" env:"CTXKEEPER_CONTEXT_COMPACT_THRESHOLD"`
	TruncateThreshold    float64 `json:"truncate_threshold" env:"CTXKEEPER_CONTEXT_TRUNCATE_THRESHOLD"`
	MessagesToKeep       int     `json:"messages_to_keep" env:"CTXKEEPER_CONTEXT_MESSAGES_TO_KEEP"`
	PreserveRecentRounds int     `json:"preserve_recent_rounds" env:"CTXKEEPER_CONTEXT_PRESERVE_RECENT_ROUNDS"`
	CheckpointInterval   int     `json:"checkpoint_interval" env:"CTXKEEPER_CONTEXT_CHECKPOINT_INTERVAL"`
	BufferPercentage     float64 `json:"buffer_percentage" env:"CTXKEEPER_CONTEXT_BUFFER_PERCENTAGE"`
}

// Memory controls the tiered memory engine.
type Memory struct {
	MinPromotionMessages int `json:"min_promotion_messages" env:"CTXKEEPER_MEMORY_MIN_PROMOTION_MESSAGES"`
	ContextTokenBudget   int `json:"context_token_budget" env:"CTXKEEPER_MEMORY_CONTEXT_TOKEN_BUDGET"`
	SearchLimit          int `json:"search_limit" env:"CTXKEEPER_MEMORY_SEARCH_LIMIT"`
	EmbeddingCacheSize   int `json:"embedding_cache_size" env:"CTXKEEPER_MEMORY_EMBEDDING_CACHE_SIZE"`
}

// Promotion controls the persistent-memory promotion sweep.
type Promotion struct {
	StaleAfterDays   int           `json:"stale_after_days" env:"CTXKEEPER_PROMOTION_STALE_AFTER_DAYS"`
	MinAccessCount   int           `json:"min_access_count" env:"CTXKEEPER_PROMOTION_MIN_ACCESS_COUNT"`
	SweepSchedule    string        `json:"sweep_schedule" env:"CTXKEEPER_PROMOTION_SWEEP_SCHEDULE"`
	SweepPoll        time.Duration `json:"sweep_poll" env:"CTXKEEPER_PROMOTION_SWEEP_POLL"`
	SummaryTimeout   time.Duration `json:"summary_timeout" env:"CTXKEEPER_PROMOTION_SUMMARY_TIMEOUT"`
	HotTopicKeywords []string      `json:"hot_topic_keywords" env:"CTXKEEPER_PROMOTION_HOT_TOPIC_KEYWORDS"`
}

// Config is the root ctxkeeper configuration.
type Config struct {
	Workspace string    `json:"workspace" env:"CTXKEEPER_WORKSPACE"`
	Context   Context   `json:"context"`
	Memory    Memory    `json:"memory"`
	Promotion Promotion `json:"promotion"`
}

// Default returns a configuration with working defaults for a 32k window.
func Default() Config {
	return Config{
		Context: Context{
			MaxTokens:            32768,
			ReservedOutputTokens: 4096,
			PruneThreshold:       0.70,
			CompactThreshold:     0.85,
			TruncateThreshold:    0.95,
			MessagesToKeep:       6,
			PreserveRecentRounds: 3,
			CheckpointInterval:   20,
			BufferPercentage:     0.05,
		},
		Memory: Memory{
			MinPromotionMessages: 5,
			ContextTokenBudget:   4096,
			SearchLimit:          8,
			EmbeddingCacheSize:   512,
		},
		Promotion: Promotion{
			StaleAfterDays:   14,
			MinAccessCount:   3,
			SweepSchedule:    "0 * * * *",
			SweepPoll:        time.Minute,
			SummaryTimeout:   20 * time.Second,
			HotTopicKeywords: []string{"architecture", "decision", "security", "migration", "incident"},
		},
	}
}

// Load reads the JSON config file (when present) and applies CTXKEEPER_*
// environment overrides on top of defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// Missing file is fine, env overrides + defaults apply.
		default:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env overrides: %w", err)
	}

	if cfg.Workspace == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve workspace: %w", err)
		}
		cfg.Workspace = filepath.Join(home, ".ctxkeeper")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configurations that would break cascade invariants.
func (c Config) Validate() error {
	return c.Context.Validate()
}

// Validate checks the threshold ordering and token window invariants.
func (c Context) Validate() error {
	if c.MaxTokens <= 0 {
		return fmt.Errorf("%w: max_tokens must be positive, got %d", ErrInvalidValue, c.MaxTokens)
	}
	if c.ReservedOutputTokens < 0 {
		return fmt.Errorf("%w: reserved_output_tokens must not be negative, got %d", ErrInvalidValue, c.ReservedOutputTokens)
	}
	if c.ReservedOutputTokens >= c.MaxTokens {
		return fmt.Errorf("%w: reserved=%d max=%d", ErrTokenWindow, c.ReservedOutputTokens, c.MaxTokens)
	}
	if c.PruneThreshold <= 0 || c.PruneThreshold >= c.CompactThreshold ||
		c.CompactThreshold >= c.TruncateThreshold || c.TruncateThreshold > 1.0 {
		return fmt.Errorf("%w: prune=%.2f compact=%.2f truncate=%.2f",
			ErrThresholdOrder, c.PruneThreshold, c.CompactThreshold, c.TruncateThreshold)
	}
	if c.BufferPercentage < 0 || c.BufferPercentage >= 1 {
		return fmt.Errorf("%w: buffer_percentage=%.2f", ErrInvalidValue, c.BufferPercentage)
	}
	if c.MessagesToKeep < 0 || c.PreserveRecentRounds < 0 || c.CheckpointInterval < 0 {
		return fmt.Errorf("%w: counts must not be negative", ErrInvalidValue)
	}
	return nil
}
