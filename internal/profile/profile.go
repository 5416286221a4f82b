package profile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Profile is the configuration to start the session cache server.
type Profile struct {
	// Mode can be "prod" or "dev" or "demo"
	Mode string
	// Addr is the binding address for server
	Addr string
	// Port is the binding port for server
	Port int
	// Data is the data directory
	Data string
	// Driver is the persistence driver (file, sqlite, postgres or redis)
	Driver string
	// DSN points to where the driver stores session records.
	// For redis it is a redis:// URL.
	DSN string
	// Version is the current version of server
	Version string

	// Session Configuration
	SessionTTL               time.Duration // SESSIONCACHE_TTL (legacy: CONVERSATION_TTL_SECONDS)
	ThresholdFraction        float64       // SESSIONCACHE_THRESHOLD_FRACTION (legacy: CONVERSATION_TOKEN_THRESHOLD)
	KeepRecentPairs          int           // SESSIONCACHE_KEEP_RECENT_PAIRS (legacy: CONVERSATION_KEEP_RECENT)
	HardCeilingMultiplier    float64       // SESSIONCACHE_HARD_CEILING (default: 1.2)
	SummarizeTimeout         time.Duration // SESSIONCACHE_SUMMARIZE_TIMEOUT (default: 30s)
	PersistTimeout           time.Duration // SESSIONCACHE_PERSIST_TIMEOUT (default: 5s)
	SweepInterval            time.Duration // SESSIONCACHE_SWEEP_INTERVAL (default: 1m)
	MaxConcurrentCompactions int           // SESSIONCACHE_MAX_COMPACTIONS (default: 4)
	DefaultModel             string        // SESSIONCACHE_DEFAULT_MODEL (legacy: LLM_MODEL_NAME)
	ModelLimitsFile          string        // SESSIONCACHE_MODEL_LIMITS_FILE (default: embedded table)

	// AI Configuration
	AILLMProvider     string  // SESSIONCACHE_LLM_PROVIDER (default: openai)
	AILLMModel        string  // SESSIONCACHE_LLM_MODEL (legacy: LLM_MODEL_NAME, default: gpt-4o)
	AILLMAPIKey       string  // SESSIONCACHE_LLM_API_KEY (legacy: LLM_API_KEY, OPENAI_API_KEY)
	AILLMBaseURL      string  // SESSIONCACHE_LLM_BASE_URL (legacy: LLM_BASE_URL)
	AISummaryModel    string  // SESSIONCACHE_SUMMARY_MODEL (default: same as AILLMModel)
	AISummaryRPS      float64 // SESSIONCACHE_SUMMARY_RPS (default: 2)
	AIRateLimitRPS    float64 // SESSIONCACHE_RATE_LIMIT_RPS, per identity (default: 1)
	AIRateLimitBurst  int     // SESSIONCACHE_RATE_LIMIT_BURST (default: 5)
	AIRequestMaxBytes int     // SESSIONCACHE_MAX_TURN_BYTES (default: 32768)

	// envErrs holds malformed environment values seen by FromEnv. Validate
	// reports them, so a bad value fails startup instead of falling back.
	envErrs []error
}

func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// IsAIEnabled returns true if an LLM endpoint is configured for summaries and chat.
func (p *Profile) IsAIEnabled() bool {
	return p.AILLMAPIKey != "" || (p.AILLMProvider == "ollama" && p.AILLMBaseURL != "")
}

// getEnvOrDefault returns the environment variable value or the default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables.
// Supports both SESSIONCACHE_* (new) and the legacy variable names.
// Values already set on the profile (from flags) win over defaults but not over env.
func (p *Profile) FromEnv() {
	p.envErrs = nil
	malformed := func(key, val string, err error) {
		p.envErrs = append(p.envErrs, errors.Wrapf(err, "invalid value %q for %s", val, key))
	}
	// Helper to get env value with legacy fallback
	// Skips empty values to allow defaults to take effect
	// Returns the variable that was actually used, for error messages.
	getEnvWithFallback := func(newKey string, legacyKeys ...string) (string, string) {
		if val := os.Getenv(newKey); val != "" {
			return val, newKey
		}
		for _, key := range legacyKeys {
			if val := os.Getenv(key); val != "" {
				return val, key
			}
		}
		return "", ""
	}

	str := func(dst *string, def string, newKey string, legacyKeys ...string) {
		if val, _ := getEnvWithFallback(newKey, legacyKeys...); val != "" {
			*dst = val
		} else if *dst == "" {
			*dst = def
		}
	}
	float := func(dst *float64, def float64, newKey string, legacyKeys ...string) {
		if val, key := getEnvWithFallback(newKey, legacyKeys...); val != "" {
			f, err := strconv.ParseFloat(val, 64)
			if err == nil {
				*dst = f
				return
			}
			malformed(key, val, err)
		}
		if *dst == 0 {
			*dst = def
		}
	}
	integer := func(dst *int, def int, newKey string, legacyKeys ...string) {
		if val, key := getEnvWithFallback(newKey, legacyKeys...); val != "" {
			n, err := strconv.Atoi(val)
			if err == nil {
				*dst = n
				return
			}
			malformed(key, val, err)
		}
		if *dst == 0 {
			*dst = def
		}
	}
	duration := func(dst *time.Duration, def time.Duration, newKey string) {
		if val := os.Getenv(newKey); val != "" {
			d, err := time.ParseDuration(val)
			if err == nil {
				*dst = d
				return
			}
			malformed(newKey, val, err)
		}
		if *dst == 0 {
			*dst = def
		}
	}

	str(&p.Driver, "file", "SESSIONCACHE_DRIVER")
	str(&p.DSN, "", "SESSIONCACHE_DSN")

	// The legacy TTL is expressed in seconds.
	duration(&p.SessionTTL, 0, "SESSIONCACHE_TTL")
	if p.SessionTTL == 0 {
		p.SessionTTL = 30 * time.Minute
		if val := os.Getenv("CONVERSATION_TTL_SECONDS"); val != "" {
			if secs, err := strconv.Atoi(val); err == nil {
				p.SessionTTL = time.Duration(secs) * time.Second
			} else {
				malformed("CONVERSATION_TTL_SECONDS", val, err)
			}
		}
	}
	float(&p.ThresholdFraction, 0.8, "SESSIONCACHE_THRESHOLD_FRACTION", "CONVERSATION_TOKEN_THRESHOLD")
	integer(&p.KeepRecentPairs, 3, "SESSIONCACHE_KEEP_RECENT_PAIRS", "CONVERSATION_KEEP_RECENT")
	float(&p.HardCeilingMultiplier, 1.2, "SESSIONCACHE_HARD_CEILING")
	duration(&p.SummarizeTimeout, 30*time.Second, "SESSIONCACHE_SUMMARIZE_TIMEOUT")
	duration(&p.PersistTimeout, 5*time.Second, "SESSIONCACHE_PERSIST_TIMEOUT")
	duration(&p.SweepInterval, time.Minute, "SESSIONCACHE_SWEEP_INTERVAL")
	integer(&p.MaxConcurrentCompactions, 4, "SESSIONCACHE_MAX_COMPACTIONS")
	str(&p.ModelLimitsFile, "", "SESSIONCACHE_MODEL_LIMITS_FILE")

	str(&p.AILLMProvider, "openai", "SESSIONCACHE_LLM_PROVIDER")
	str(&p.AILLMModel, "gpt-4o", "SESSIONCACHE_LLM_MODEL", "LLM_MODEL_NAME")
	str(&p.AILLMAPIKey, "", "SESSIONCACHE_LLM_API_KEY", "LLM_API_KEY", "OPENAI_API_KEY")
	str(&p.AILLMBaseURL, defaultBaseURL(p.AILLMProvider), "SESSIONCACHE_LLM_BASE_URL", "LLM_BASE_URL")
	str(&p.AISummaryModel, p.AILLMModel, "SESSIONCACHE_SUMMARY_MODEL")
	str(&p.DefaultModel, p.AILLMModel, "SESSIONCACHE_DEFAULT_MODEL")
	float(&p.AISummaryRPS, 2, "SESSIONCACHE_SUMMARY_RPS")
	float(&p.AIRateLimitRPS, 1, "SESSIONCACHE_RATE_LIMIT_RPS")
	integer(&p.AIRateLimitBurst, 5, "SESSIONCACHE_RATE_LIMIT_BURST")
	integer(&p.AIRequestMaxBytes, 32*1024, "SESSIONCACHE_MAX_TURN_BYTES")
}

func defaultBaseURL(provider string) string {
	switch provider {
	case "deepseek":
		return "https://api.deepseek.com"
	case "ollama":
		return getEnvOrDefault("OLLAMA_HOST", "http://localhost:11434") + "/v1"
	default:
		return "https://api.openai.com/v1"
	}
}

func checkDataDir(dataDir string) (string, error) {
	// Convert to absolute path if relative path is supplied.
	if !filepath.IsAbs(dataDir) {
		relativeDir := filepath.Join(filepath.Dir(os.Args[0]), dataDir)
		absDir, err := filepath.Abs(relativeDir)
		if err != nil {
			return "", err
		}
		dataDir = absDir
	}

	// Trim trailing \ or / in case user supplies
	dataDir = strings.TrimRight(dataDir, "\\/")
	if _, err := os.Stat(dataDir); err != nil {
		return "", errors.Wrapf(err, "unable to access data folder %s", dataDir)
	}
	return dataDir, nil
}

func (p *Profile) Validate() error {
	if len(p.envErrs) > 0 {
		msgs := make([]string, 0, len(p.envErrs))
		for _, err := range p.envErrs {
			msgs = append(msgs, err.Error())
		}
		return errors.Errorf("invalid environment: %s", strings.Join(msgs, "; "))
	}

	if p.Mode != "demo" && p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "demo"
	}

	switch p.Driver {
	case "file", "sqlite", "postgres", "redis":
	case "":
		p.Driver = "file"
	default:
		return errors.Errorf("unsupported driver %q", p.Driver)
	}

	if (p.Driver == "postgres" || p.Driver == "redis") && p.DSN == "" {
		return errors.Errorf("driver %s requires a dsn", p.Driver)
	}
	if p.Driver == "postgres" || p.Driver == "redis" {
		// Network drivers do not touch the data directory.
		return nil
	}

	if p.Mode == "prod" && p.Data == "" {
		if runtime.GOOS == "windows" {
			p.Data = filepath.Join(os.Getenv("ProgramData"), "sessioncache")
			if _, err := os.Stat(p.Data); os.IsNotExist(err) {
				if err := os.MkdirAll(p.Data, 0770); err != nil {
					slog.Error("failed to create data directory", slog.String("data", p.Data), slog.String("error", err.Error()))
					return err
				}
			}
		} else {
			p.Data = "/var/opt/sessioncache"
		}
	}

	dataDir, err := checkDataDir(p.Data)
	if err != nil {
		slog.Error("failed to check dsn", slog.String("data", dataDir), slog.String("error", err.Error()))
		return err
	}

	p.Data = dataDir
	if p.DSN == "" {
		switch p.Driver {
		case "sqlite":
			p.DSN = filepath.Join(dataDir, fmt.Sprintf("sessioncache_%s.db", p.Mode))
		case "file":
			p.DSN = filepath.Join(dataDir, "sessions")
		}
	}

	return nil
}
