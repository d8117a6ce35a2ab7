package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type GreetingPolicy string

const (
	GreetingSpeakFirst   GreetingPolicy = "speak_first"
	GreetingWaitForHuman GreetingPolicy = "wait_for_human"
)

type Config struct {
	Addr string

	// Upstream AI session settings.
	GeminiAPIKey   string
	GeminiModel    string
	GeminiEndpoint string
	Voice          string

	// Postgres. Empty disables the store: the engine then runs on the
	// built-in seed catalog and default agent profile.
	DatabaseURL    string
	MigrateOnStart bool

	// Conversation timing.
	HedgeDelay      time.Duration
	AITurnTimeout   time.Duration
	TickInterval    time.Duration
	LegOpenTimeout  time.Duration
	MaxCallDuration time.Duration

	// Speech detection over the carrier leg.
	SpeechThresholdDB float64
	SpeechHangover    time.Duration
	SpeechMinBurst    time.Duration

	// Per-call queue depths.
	InboundQueue  int
	PlaybackQueue int
	AIOutQueue    int

	// Session priming cache.
	CacheMinContentBytes int
	CacheRemoteMinBytes  int
	CacheTTL             time.Duration
	CacheCreateTimeout   time.Duration

	// Call admission.
	MaxConcurrentCalls int

	// Defaults applied when the carrier start event carries no overrides.
	DefaultLanguage string
	DefaultGreeting GreetingPolicy

	// WebSocket plumbing, both carrier and test-agent surfaces.
	WSWriteTimeout     time.Duration
	WSHandshakeTimeout time.Duration
	WSMaxMessageBytes  int64

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                 envOr("CALLCORE_ADDR", ":8080"),
		GeminiAPIKey:         envOr("CALLCORE_GEMINI_API_KEY", ""),
		GeminiModel:          envOr("CALLCORE_GEMINI_MODEL", "models/gemini-2.0-flash-live-001"),
		GeminiEndpoint:       envOr("CALLCORE_GEMINI_ENDPOINT", ""),
		Voice:                envOr("CALLCORE_VOICE", "Puck"),
		DatabaseURL:          envOr("CALLCORE_DATABASE_URL", ""),
		MigrateOnStart:       envBoolOr("CALLCORE_MIGRATE_ON_START", true),
		HedgeDelay:           envDurationOr("CALLCORE_HEDGE_DELAY", 400*time.Millisecond),
		AITurnTimeout:        envDurationOr("CALLCORE_AI_TURN_TIMEOUT", 8*time.Second),
		TickInterval:         envDurationOr("CALLCORE_TICK_INTERVAL", 50*time.Millisecond),
		LegOpenTimeout:       envDurationOr("CALLCORE_LEG_OPEN_TIMEOUT", 10*time.Second),
		MaxCallDuration:      envDurationOr("CALLCORE_MAX_CALL_DURATION", 2*time.Hour),
		SpeechThresholdDB:    envFloat64Or("CALLCORE_SPEECH_THRESHOLD_DB", -35),
		SpeechHangover:       envDurationOr("CALLCORE_SPEECH_HANGOVER", 600*time.Millisecond),
		SpeechMinBurst:       envDurationOr("CALLCORE_SPEECH_MIN_BURST", 120*time.Millisecond),
		InboundQueue:         envIntOr("CALLCORE_INBOUND_QUEUE", 256),
		PlaybackQueue:        envIntOr("CALLCORE_PLAYBACK_QUEUE", 512),
		AIOutQueue:           envIntOr("CALLCORE_AI_OUT_QUEUE", 256),
		CacheMinContentBytes: envIntOr("CALLCORE_CACHE_MIN_CONTENT_BYTES", 2048),
		CacheRemoteMinBytes:  envIntOr("CALLCORE_CACHE_REMOTE_MIN_BYTES", 32768),
		CacheTTL:             envDurationOr("CALLCORE_CACHE_TTL", time.Hour),
		CacheCreateTimeout:   envDurationOr("CALLCORE_CACHE_CREATE_TIMEOUT", 20*time.Second),
		MaxConcurrentCalls:   envIntOr("CALLCORE_MAX_CONCURRENT_CALLS", 200),
		DefaultLanguage:      envOr("CALLCORE_DEFAULT_LANGUAGE", "en"),
		DefaultGreeting:      GreetingPolicy(envOr("CALLCORE_GREETING_POLICY", string(GreetingSpeakFirst))),
		WSWriteTimeout:       envDurationOr("CALLCORE_WS_WRITE_TIMEOUT", 5*time.Second),
		WSHandshakeTimeout:   envDurationOr("CALLCORE_WS_HANDSHAKE_TIMEOUT", 5*time.Second),
		WSMaxMessageBytes:    envInt64Or("CALLCORE_WS_MAX_MESSAGE_BYTES", 64*1024),
		ReadHeaderTimeout:    envDurationOr("CALLCORE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:  envDurationOr("CALLCORE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	if strings.TrimSpace(cfg.GeminiAPIKey) == "" {
		return Config{}, fmt.Errorf("CALLCORE_GEMINI_API_KEY must be set")
	}
	if strings.TrimSpace(cfg.GeminiModel) == "" {
		return Config{}, fmt.Errorf("CALLCORE_GEMINI_MODEL must not be empty")
	}
	switch cfg.DefaultGreeting {
	case GreetingSpeakFirst, GreetingWaitForHuman:
	default:
		return Config{}, fmt.Errorf("CALLCORE_GREETING_POLICY must be one of speak_first|wait_for_human")
	}
	if cfg.HedgeDelay <= 0 {
		return Config{}, fmt.Errorf("CALLCORE_HEDGE_DELAY must be > 0")
	}
	if cfg.AITurnTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLCORE_AI_TURN_TIMEOUT must be > 0")
	}
	if cfg.AITurnTimeout <= cfg.HedgeDelay {
		return Config{}, fmt.Errorf("CALLCORE_AI_TURN_TIMEOUT must be > CALLCORE_HEDGE_DELAY")
	}
	if cfg.TickInterval <= 0 {
		return Config{}, fmt.Errorf("CALLCORE_TICK_INTERVAL must be > 0")
	}
	if cfg.LegOpenTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLCORE_LEG_OPEN_TIMEOUT must be > 0")
	}
	if cfg.MaxCallDuration <= 0 {
		return Config{}, fmt.Errorf("CALLCORE_MAX_CALL_DURATION must be > 0")
	}
	if cfg.SpeechThresholdDB > 0 {
		return Config{}, fmt.Errorf("CALLCORE_SPEECH_THRESHOLD_DB must be <= 0 dBFS")
	}
	if cfg.SpeechHangover <= 0 {
		return Config{}, fmt.Errorf("CALLCORE_SPEECH_HANGOVER must be > 0")
	}
	if cfg.SpeechMinBurst <= 0 {
		return Config{}, fmt.Errorf("CALLCORE_SPEECH_MIN_BURST must be > 0")
	}
	if cfg.InboundQueue <= 0 {
		return Config{}, fmt.Errorf("CALLCORE_INBOUND_QUEUE must be > 0")
	}
	if cfg.PlaybackQueue <= 0 {
		return Config{}, fmt.Errorf("CALLCORE_PLAYBACK_QUEUE must be > 0")
	}
	if cfg.AIOutQueue <= 0 {
		return Config{}, fmt.Errorf("CALLCORE_AI_OUT_QUEUE must be > 0")
	}
	if cfg.CacheMinContentBytes <= 0 {
		return Config{}, fmt.Errorf("CALLCORE_CACHE_MIN_CONTENT_BYTES must be > 0")
	}
	if cfg.CacheRemoteMinBytes < cfg.CacheMinContentBytes {
		return Config{}, fmt.Errorf("CALLCORE_CACHE_REMOTE_MIN_BYTES must be >= CALLCORE_CACHE_MIN_CONTENT_BYTES")
	}
	if cfg.CacheTTL <= 0 {
		return Config{}, fmt.Errorf("CALLCORE_CACHE_TTL must be > 0")
	}
	if cfg.CacheCreateTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLCORE_CACHE_CREATE_TIMEOUT must be > 0")
	}
	if cfg.MaxConcurrentCalls <= 0 {
		return Config{}, fmt.Errorf("CALLCORE_MAX_CONCURRENT_CALLS must be > 0")
	}
	if strings.TrimSpace(cfg.DefaultLanguage) == "" {
		return Config{}, fmt.Errorf("CALLCORE_DEFAULT_LANGUAGE must not be empty")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLCORE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSHandshakeTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLCORE_WS_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.WSMaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("CALLCORE_WS_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("CALLCORE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("CALLCORE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}
