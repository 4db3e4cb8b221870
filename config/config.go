package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"battle-orchestrator/apperrors"
	"battle-orchestrator/observability"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

var logger = observability.NewLogger("config")

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	TopicSourceStatic = "static"
	TopicSourceNews   = "news"

	WinnerPolicySideMajority   = "side_majority"
	WinnerPolicyTopContributor = "top_contributor"
)

// Config is loaded once at startup and never mutated afterwards.
type Config struct {
	Settlement SettlementConfig
	Database   DatabaseConfig
	Server     ServerConfig
	Ledger     LedgerConfig
	Topics     TopicConfig
	Redis      RedisConfig
	NATS       NATSConfig
	Archive    ArchiveConfig
	Logging    LoggingConfig
}

// SettlementConfig governs battle cadence, point awards and payout retries.
type SettlementConfig struct {
	BattleDurationHours int             `json:"battle_duration_hours"`
	Enabled             bool            `json:"enabled"`
	PollIntervalSeconds int             `json:"poll_interval_seconds"`
	ParticipationPoints int64           `json:"participation_points"`
	WinnerPoints        int64           `json:"winner_points"`
	MaxParticipants     int             `json:"max_participants"`
	EntryFee            decimal.Decimal `json:"entry_fee"`
	WinnerPolicy        string          `json:"winner_policy"`
	PayoutMaxAttempts   int             `json:"payout_max_attempts"`
	PayoutBaseDelay     time.Duration   `json:"payout_base_delay"`
	LedgerTimeout       time.Duration   `json:"ledger_timeout"`
	ClaimLease          time.Duration   `json:"claim_lease"`
}

// BattleDuration is the fixed length of every battle.
func (s SettlementConfig) BattleDuration() time.Duration {
	return time.Duration(s.BattleDurationHours) * time.Hour
}

// MaxPayoutAttempts bounds PAYOUT_MAX_ATTEMPTS so backoff stays finite.
const MaxPayoutAttempts = 10

// MaxSettleDuration is the longest a single settlement pass can spend on the
// ledger: two operations, each with every attempt timing out plus the
// backoff between attempts.
func (s SettlementConfig) MaxSettleDuration() time.Duration {
	if s.PayoutMaxAttempts < 1 {
		return 0
	}
	backoff := s.PayoutBaseDelay * time.Duration((1<<uint(s.PayoutMaxAttempts-1))-1)
	perOp := time.Duration(s.PayoutMaxAttempts)*s.LedgerTimeout + backoff
	return 2 * perOp
}

// PollInterval is the scheduler cadence.
func (s SettlementConfig) PollInterval() time.Duration {
	return time.Duration(s.PollIntervalSeconds) * time.Second
}

type DatabaseConfig struct {
	Driver string
	URL    string
}

type ServerConfig struct {
	Port           string
	AllowedOrigins string
	GatewayToken   string
}

type LedgerConfig struct {
	URL              string
	Token            string
	PoolSyncInterval time.Duration
}

type TopicConfig struct {
	Source     string
	StaticList []string
	NewsAPIURL string
	NewsAPIKey string
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type NATSConfig struct {
	URL           string
	SubjectPrefix string
}

type ArchiveConfig struct {
	AccountID       string
	AccessKeyID     string
	AccessKeySecret string
	Bucket          string
	CDNBaseURL      string
}

// Enabled reports whether receipt archiving to R2 is configured.
func (a ArchiveConfig) Enabled() bool {
	return a.AccountID != "" && a.Bucket != ""
}

type LoggingConfig struct {
	Level string
}

// Load reads a .env file when present, then the process environment.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		logger.Info().Msg("no .env file found, reading environment variables directly")
	}
	return FromEnv()
}

// FromEnv builds a Config from the current environment only.
func FromEnv() *Config {
	return &Config{
		Settlement: SettlementConfig{
			BattleDurationHours: getEnvInt("BATTLE_DURATION_HOURS", 24),
			Enabled:             getEnvBool("BATTLES_ENABLED", true),
			PollIntervalSeconds: getEnvInt("POLL_INTERVAL_SECONDS", 60),
			ParticipationPoints: int64(getEnvInt("PARTICIPATION_POINTS", 10)),
			WinnerPoints:        int64(getEnvInt("WINNER_POINTS", 100)),
			MaxParticipants:     getEnvInt("MAX_PARTICIPANTS", 0),
			EntryFee:            getEnvDecimal("ENTRY_FEE", decimal.Zero),
			WinnerPolicy:        getEnv("WINNER_POLICY", WinnerPolicySideMajority),
			PayoutMaxAttempts:   getEnvInt("PAYOUT_MAX_ATTEMPTS", 3),
			PayoutBaseDelay:     getEnvDuration("PAYOUT_BASE_DELAY", 2*time.Second),
			LedgerTimeout:       getEnvDuration("LEDGER_TIMEOUT", 15*time.Second),
			ClaimLease:          getEnvDuration("SETTLEMENT_CLAIM_LEASE", 10*time.Minute),
		},
		Database: DatabaseConfig{
			Driver: getEnv("STORE_DRIVER", StoreDriverPostgres),
			URL:    os.Getenv("DATABASE_URL"),
		},
		Server: ServerConfig{
			Port:           getEnv("PORT", "5300"),
			AllowedOrigins: getEnv("ALLOWED_ORIGINS", "http://localhost:3000"),
			GatewayToken:   os.Getenv("GATEWAY_SERVICE_TOKEN"),
		},
		Ledger: LedgerConfig{
			URL:              os.Getenv("LEDGER_URL"),
			Token:            os.Getenv("LEDGER_TOKEN"),
			PoolSyncInterval: getEnvDuration("POOL_SYNC_INTERVAL", 30*time.Second),
		},
		Topics: TopicConfig{
			Source:     getEnv("TOPIC_SOURCE", TopicSourceStatic),
			StaticList: getEnvList("TOPIC_LIST"),
			NewsAPIURL: os.Getenv("NEWS_API_URL"),
			NewsAPIKey: os.Getenv("NEWS_API_KEY"),
		},
		Redis: RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		NATS: NATSConfig{
			URL:           os.Getenv("NATS_URL"),
			SubjectPrefix: getEnv("NATS_SUBJECT_PREFIX", "battles.events"),
		},
		Archive: ArchiveConfig{
			AccountID:       os.Getenv("CLOUDFLARE_ACCOUNT_ID"),
			AccessKeyID:     os.Getenv("R2_ACCESS_KEY_ID"),
			AccessKeySecret: os.Getenv("R2_ACCESS_KEY_SECRET"),
			Bucket:          os.Getenv("R2_BUCKET_NAME"),
			CDNBaseURL:      os.Getenv("CDN_BASE_URL"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
	}
}

// Validate checks settings that must hold for the process to start at all.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case StoreDriverPostgres:
		if c.Database.URL == "" {
			return apperrors.NewConfigurationError("DATABASE_URL_MISSING", "DATABASE_URL environment variable not set")
		}
	case StoreDriverMemory:
	default:
		return apperrors.NewConfigurationError("STORE_DRIVER_INVALID", "STORE_DRIVER must be postgres or memory")
	}

	s := c.Settlement
	if s.BattleDurationHours <= 0 {
		return apperrors.NewConfigurationError("DURATION_INVALID", "BATTLE_DURATION_HOURS must be positive")
	}
	if s.PollIntervalSeconds <= 0 {
		return apperrors.NewConfigurationError("POLL_INTERVAL_INVALID", "POLL_INTERVAL_SECONDS must be positive")
	}
	if s.ParticipationPoints < 0 || s.WinnerPoints < 0 {
		return apperrors.NewConfigurationError("POINTS_INVALID", "point awards must not be negative")
	}
	if s.MaxParticipants < 0 {
		return apperrors.NewConfigurationError("MAX_PARTICIPANTS_INVALID", "MAX_PARTICIPANTS must not be negative")
	}
	if s.EntryFee.IsNegative() {
		return apperrors.NewConfigurationError("ENTRY_FEE_INVALID", "ENTRY_FEE must not be negative")
	}
	if s.PayoutMaxAttempts < 1 || s.PayoutMaxAttempts > MaxPayoutAttempts {
		return apperrors.NewConfigurationError("PAYOUT_ATTEMPTS_INVALID",
			fmt.Sprintf("PAYOUT_MAX_ATTEMPTS must be between 1 and %d", MaxPayoutAttempts))
	}
	if s.LedgerTimeout <= 0 || s.PayoutBaseDelay < 0 {
		return apperrors.NewConfigurationError("LEDGER_TIMING_INVALID", "LEDGER_TIMEOUT must be positive and PAYOUT_BASE_DELAY not negative")
	}
	if bound := s.MaxSettleDuration(); s.ClaimLease <= bound {
		return apperrors.NewConfigurationError("CLAIM_LEASE_TOO_SHORT",
			fmt.Sprintf("SETTLEMENT_CLAIM_LEASE %s must exceed the worst-case settlement time %s", s.ClaimLease, bound))
	}
	if s.WinnerPolicy != WinnerPolicySideMajority && s.WinnerPolicy != WinnerPolicyTopContributor {
		return apperrors.NewConfigurationError("WINNER_POLICY_INVALID", "unknown WINNER_POLICY "+s.WinnerPolicy)
	}
	if !s.EntryFee.IsZero() && c.Ledger.URL == "" {
		return apperrors.NewConfigurationError("LEDGER_URL_MISSING", "LEDGER_URL is required when ENTRY_FEE is set")
	}
	return nil
}

// ValidateScheduling reports why automatic battle creation cannot run.
// A failure here disables the scheduler only.
func (c *Config) ValidateScheduling() error {
	if !c.Settlement.Enabled {
		return apperrors.NewConfigurationError("BATTLES_DISABLED", "automatic battle creation is disabled")
	}
	switch c.Topics.Source {
	case TopicSourceStatic:
		if len(c.Topics.StaticList) == 0 {
			return apperrors.NewConfigurationError("TOPIC_LIST_MISSING", "TOPIC_LIST is empty")
		}
	case TopicSourceNews:
		if c.Topics.NewsAPIURL == "" {
			return apperrors.NewConfigurationError("NEWS_API_URL_MISSING", "NEWS_API_URL is required for the news topic source")
		}
	default:
		return apperrors.NewConfigurationError("TOPIC_SOURCE_INVALID", "unknown TOPIC_SOURCE "+c.Topics.Source)
	}
	return nil
}

func invalidEnv(key, value, kind string, defaultValue interface{}) {
	logger.Warn().
		Str("key", key).
		Str("value", value).
		Str("expected", kind).
		Str("default", fmt.Sprint(defaultValue)).
		Msg("invalid environment value, using default")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		invalidEnv(key, valueStr, "integer", defaultValue)
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		invalidEnv(key, valueStr, "boolean", defaultValue)
		return defaultValue
	}
	return value
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		invalidEnv(key, valueStr, "duration", defaultValue)
		return defaultValue
	}
	return value
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := decimal.NewFromString(valueStr)
	if err != nil {
		invalidEnv(key, valueStr, "decimal", defaultValue)
		return defaultValue
	}
	return value
}

// getEnvList splits a "|"-separated list; topic titles routinely contain commas.
func getEnvList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(raw, "|") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
