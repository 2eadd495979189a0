package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// LLMProvider defines the backend LLM service type
type LLMProvider string

const (
	ProviderNone       LLMProvider = "none"       // No LLM, heuristic judging only
	ProviderOllama     LLMProvider = "ollama"     // Local Ollama server
	ProviderOpenRouter LLMProvider = "openrouter" // OpenRouter (default, has free tier)
	ProviderGroq       LLMProvider = "groq"       // Groq (high-speed inference)
	ProviderOpenAI     LLMProvider = "openai"     // Direct OpenAI API (official client)
	ProviderCustom     LLMProvider = "custom"     // Custom OpenAI-compatible endpoint
)

// PairMode selects what context is paired with a victim line before
// emotion classification. Pipeline-wide, not per-turn.
type PairMode string

const (
	PairNone           PairMode = "none"            // Victim line alone
	PairPrevAttacker   PairMode = "prev_attacker"   // Previous attacker line
	PairPrevVictim     PairMode = "prev_victim"     // Previous victim line
	PairThoughts       PairMode = "thoughts"        // Victim's private thoughts
	PairAttackerPair   PairMode = "attacker_pair"   // Previous attacker + previous victim
	PairThoughtsMerged PairMode = "thoughts_merged" // Previous attacker + thoughts
)

// AttachMode selects where hidden-state summaries are attached.
type AttachMode string

const (
	AttachLast  AttachMode = "last"  // Only the last victim turn of the sequence
	AttachEvery AttachMode = "every" // Every labeled victim turn
)

// Config holds global settings for the simulation core.
// All settings can be configured via environment variables or programmatically.
type Config struct {
	// === LLM Provider Configuration ===
	// Drives the attacker/victim dialogue models, the judgement scorer and
	// the guidance generator. Emotion classification prefers the local ONNX
	// model and falls back to this provider.
	LLMProvider LLMProvider // "ollama", "openrouter", "openai", "groq", "custom", "none"
	LLMAPIKey   string      // API key for cloud providers (env: VPSIM_LLM_API_KEY or provider-specific)
	LLMModel    string      // Model identifier for dialogue turns
	JudgeModel  string      // Model identifier for judge/guidance calls (defaults to LLMModel)
	LLMBaseURL  string      // Custom base URL for self-hosted or custom providers

	// === Round Control ===
	RoundLimit       int // Max rounds per run, clamped to [2,5] (default: 5)
	AttackerTurnCap  int // Max attacker turns per round (default: 15)
	VictimTurnCap    int // Max victim turns per round (default: 15)
	ReportMergeRound int // Round from which external reports are merged into guidance (default: 4)

	// === Labeling ===
	EnableEmotion     bool       // Enable per-turn emotion labeling (default: true)
	EnableHiddenState bool       // Enable hidden-state tracking over the emotion stream (default: true)
	EmotionPairMode   PairMode   // Context pairing for the classifier input (default: prev_attacker)
	HiddenStateAttach AttachMode // Where hidden-state summaries are attached (default: last)

	// === Timeouts & Retries ===
	LLMTimeoutMs      int // Timeout for one model call in milliseconds (default: 60000)
	ClassifyTimeoutMs int // Timeout for one classifier call in milliseconds (default: 15000)
	RetryBudget       int // Retries per transient external failure (default: 2)

	// === Storage ===
	PostgresDSN string // pgx pool DSN; empty = in-memory store
	RedisAddr   string // Redis address for report cache + event mirror; empty = disabled

	// === Classifier Model ===
	EmotionModelPath string // Local path to ONNX emotion model; empty = auto-detect / LLM fallback

	// === Gateway ===
	ListenAddr string // HTTP listen address (default: ":8088")
}

// NewDefaultConfig creates a Config with sensible defaults.
// All settings can be overridden via environment variables.
func NewDefaultConfig() *Config {
	return &Config{
		LLMProvider: detectLLMProvider(),
		LLMAPIKey:   GetEnv("VPSIM_LLM_API_KEY", GetEnv("GROQ_API_KEY", os.Getenv("OPENROUTER_API_KEY"))),
		LLMModel:    GetEnv("VPSIM_LLM_MODEL", "openai/gpt-4o-mini"),
		JudgeModel:  GetEnv("VPSIM_JUDGE_MODEL", ""),
		LLMBaseURL:  GetEnv("VPSIM_LLM_BASE_URL", ""),

		RoundLimit:       clampInt(GetEnvInt("VPSIM_ROUND_LIMIT", 5), 2, 5),
		AttackerTurnCap:  clampInt(GetEnvInt("VPSIM_ATTACKER_TURN_CAP", 15), 1, 60),
		VictimTurnCap:    clampInt(GetEnvInt("VPSIM_VICTIM_TURN_CAP", 15), 1, 60),
		ReportMergeRound: clampInt(GetEnvInt("VPSIM_REPORT_MERGE_ROUND", 4), 2, 5),

		EnableEmotion:     GetEnvBool("VPSIM_ENABLE_EMOTION", true),
		EnableHiddenState: GetEnvBool("VPSIM_ENABLE_HIDDEN_STATE", true),
		EmotionPairMode:   PairMode(GetEnv("VPSIM_EMOTION_PAIR_MODE", string(PairPrevAttacker))),
		HiddenStateAttach: AttachMode(GetEnv("VPSIM_HIDDEN_STATE_ATTACH", string(AttachLast))),

		LLMTimeoutMs:      GetEnvInt("VPSIM_LLM_TIMEOUT_MS", 60000),
		ClassifyTimeoutMs: GetEnvInt("VPSIM_CLASSIFY_TIMEOUT_MS", 15000),
		RetryBudget:       clampInt(GetEnvInt("VPSIM_RETRY_BUDGET", 2), 0, 2),

		PostgresDSN: GetEnv("VPSIM_POSTGRES_DSN", ""),
		RedisAddr:   GetEnv("VPSIM_REDIS_ADDR", ""),

		EmotionModelPath: GetEnv("VPSIM_EMOTION_MODEL_PATH", ""),

		ListenAddr: GetEnv("VPSIM_LISTEN_ADDR", ":8088"),
	}
}

// NewLocalConfig creates a Config for local-only operation (Ollama, no cloud keys).
func NewLocalConfig() *Config {
	cfg := NewDefaultConfig()
	cfg.LLMProvider = ProviderOllama
	cfg.LLMBaseURL = "http://localhost:11434/v1"
	cfg.LLMAPIKey = ""
	return cfg
}

// detectLLMProvider picks a provider from the environment: explicit setting
// wins, then any cloud key found, then none.
func detectLLMProvider() LLMProvider {
	if p := os.Getenv("VPSIM_LLM_PROVIDER"); p != "" {
		return LLMProvider(strings.ToLower(p))
	}
	if os.Getenv("OPENAI_API_KEY") != "" {
		return ProviderOpenAI
	}
	if os.Getenv("OPENROUTER_API_KEY") != "" {
		return ProviderOpenRouter
	}
	if os.Getenv("GROQ_API_KEY") != "" {
		return ProviderGroq
	}
	return ProviderNone
}

// LLMTimeout returns the model-call timeout as a duration.
func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutMs) * time.Millisecond
}

// ClassifyTimeout returns the classifier-call timeout as a duration.
func (c *Config) ClassifyTimeout() time.Duration {
	return time.Duration(c.ClassifyTimeoutMs) * time.Millisecond
}

// Validate checks the configuration for startup-blocking mistakes.
func (c *Config) Validate() error {
	switch c.LLMProvider {
	case ProviderNone, ProviderOllama, ProviderOpenRouter, ProviderGroq, ProviderOpenAI, ProviderCustom:
	default:
		return fmt.Errorf("unknown LLM provider %q", c.LLMProvider)
	}
	if c.LLMProvider != ProviderNone && c.LLMProvider != ProviderOllama && c.LLMAPIKey == "" {
		return fmt.Errorf("provider %q requires an API key (set VPSIM_LLM_API_KEY)", c.LLMProvider)
	}
	switch c.EmotionPairMode {
	case PairNone, PairPrevAttacker, PairPrevVictim, PairThoughts, PairAttackerPair, PairThoughtsMerged:
	default:
		return fmt.Errorf("unknown emotion pair mode %q", c.EmotionPairMode)
	}
	switch c.HiddenStateAttach {
	case AttachLast, AttachEvery:
	default:
		return fmt.Errorf("unknown hidden-state attach mode %q", c.HiddenStateAttach)
	}
	if c.RoundLimit < 2 || c.RoundLimit > 5 {
		return fmt.Errorf("round limit %d outside [2,5]", c.RoundLimit)
	}
	if c.AttackerTurnCap < 1 || c.VictimTurnCap < 1 {
		return fmt.Errorf("turn caps must be positive (attacker=%d victim=%d)", c.AttackerTurnCap, c.VictimTurnCap)
	}
	return nil
}

// GetEnv retrieves an environment variable with a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvBool retrieves a boolean environment variable
func GetEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// GetEnvInt retrieves an integer environment variable
func GetEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}

// clampInt ensures a value is within bounds
func clampInt(val, min, max int) int {
	if val < min {
		return min
	}
	if val > max {
		return max
	}
	return val
}
