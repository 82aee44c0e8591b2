package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// VenueCredentials holds API credentials for one exchange.
type VenueCredentials struct {
	Key     string
	Secret  string
	BaseURL string
	Timeout time.Duration
}

// Config holds all agent configuration loaded from environment variables.
type Config struct {
	ServiceName string
	LogLevel    string

	// Bus connection
	BaseURL    string
	AgentID    string
	EdgeSecret string

	// Execution mode gates
	Mode      string // live | dry
	Hold      bool
	LiveArmed string // must literally equal "YES" to arm live trading

	// Poll loop
	PollInterval time.Duration
	PullLimit    int

	// Bus HTTP behavior
	HTTPTimeout time.Duration
	HTTPRetries int
	HTTPBackoff time.Duration

	// Durable state
	DataDir    string
	LedgerPath string

	// Health endpoint
	HealthAddr string

	// Telemetry
	HeartbeatInterval time.Duration
	SnapshotInterval  time.Duration
	BalanceCachePath  string
	KafkaBrokers      string // optional receipt/balance mirror; empty disables

	// Policy overrides (JSON-encoded maps, see internal/policy)
	QuoteFloorsJSON string
	MinNotionalJSON string
	PrecisionJSON   string
	QuoteReserveUSD float64

	// Venue credentials
	Coinbase  VenueCredentials
	BinanceUS VenueCredentials
	Kraken    VenueCredentials
	MEXC      VenueCredentials
}

// LoadConfig loads configuration from environment variables with defaults.
// A .env file in the working directory is loaded first if present.
func LoadConfig(serviceName string) *Config {
	_ = godotenv.Load() // optional

	dataDir := getEnvAsString("EDGE_DATA_DIR", "./data")

	cfg := &Config{
		ServiceName: serviceName,
		LogLevel:    getEnvAsString("LOG_LEVEL", "info"),

		BaseURL:    strings.TrimRight(firstEnv("CLOUD_BASE_URL", "BASE_URL"), "/"),
		AgentID:    strings.TrimSpace(firstEnv("AGENT_ID", "EDGE_AGENT_ID")),
		EdgeSecret: strings.TrimSpace(firstEnv("EDGE_SECRET", "OUTBOX_SECRET")),

		Mode:      strings.ToLower(getEnvAsString("EDGE_MODE", "dry")),
		Hold:      getEnvAsBool("EDGE_HOLD", false),
		LiveArmed: strings.ToUpper(strings.TrimSpace(os.Getenv("LIVE_ARMED"))),

		PollInterval: getEnvAsDuration("EDGE_POLL_SECS", 10*time.Second),
		PullLimit:    getEnvAsInt("MAX_CMDS_PER_PULL", 10),

		HTTPTimeout: getEnvAsDuration("EDGE_HTTP_TIMEOUT_SECS", 12*time.Second),
		HTTPRetries: getEnvAsInt("EDGE_HTTP_RETRIES", 4),
		HTTPBackoff: getEnvAsDuration("EDGE_HTTP_BACKOFF_SECS", 1*time.Second),

		DataDir:    dataDir,
		LedgerPath: getEnvAsString("IDEMPOTENCY_DB_PATH", dataDir+"/edge.db"),

		HealthAddr: getEnvAsString("EDGE_HEALTH_ADDR", ":8090"),

		HeartbeatInterval: getEnvAsDuration("HEARTBEAT_SECS", 900*time.Second),
		SnapshotInterval:  getEnvAsDuration("BALANCE_SNAPSHOT_SECS", 7200*time.Second),
		BalanceCachePath:  getEnvAsString("EDGE_LAST_BALANCES_PATH", dataDir+"/last_balances.json"),
		KafkaBrokers:      getEnvAsString("EDGE_KAFKA_BROKERS", ""),

		QuoteFloorsJSON: os.Getenv("QUOTE_FLOORS_JSON"),
		MinNotionalJSON: os.Getenv("MIN_NOTIONAL_JSON"),
		PrecisionJSON:   os.Getenv("PRECISION_JSON"),
		QuoteReserveUSD: getEnvAsFloat("MIN_QUOTE_RESERVE_USD", 0),

		Coinbase: VenueCredentials{
			Key:     os.Getenv("COINBASE_API_KEY"),
			Secret:  os.Getenv("COINBASE_API_SECRET"),
			BaseURL: getEnvAsString("COINBASE_BASE_URL", "https://api.coinbase.com"),
			Timeout: getEnvAsDuration("COINBASE_TIMEOUT_S", 20*time.Second),
		},
		BinanceUS: VenueCredentials{
			Key:     os.Getenv("BINANCEUS_API_KEY"),
			Secret:  os.Getenv("BINANCEUS_API_SECRET"),
			BaseURL: getEnvAsString("BINANCEUS_BASE_URL", "https://api.binance.us"),
			Timeout: getEnvAsDuration("BINANCEUS_TIMEOUT_S", 20*time.Second),
		},
		Kraken: VenueCredentials{
			Key:     os.Getenv("KRAKEN_KEY"),
			Secret:  os.Getenv("KRAKEN_SECRET"),
			BaseURL: getEnvAsString("KRAKEN_BASE_URL", "https://api.kraken.com"),
			Timeout: getEnvAsDuration("KRAKEN_TIMEOUT_S", 15*time.Second),
		},
		MEXC: VenueCredentials{
			Key:     firstEnv("MEXC_KEY", "MEXC_API_KEY"),
			Secret:  firstEnv("MEXC_SECRET", "MEXC_API_SECRET"),
			BaseURL: getEnvAsString("MEXC_BASE_URL", "https://api.mexc.com"),
			Timeout: getEnvAsDuration("MEXC_TIMEOUT_S", 10*time.Second),
		},
	}

	if cfg.AgentID == "" {
		cfg.AgentID = "edge-local"
	}
	// Only the first id counts if a comma-separated list slipped in.
	cfg.AgentID = strings.TrimSpace(strings.SplitN(cfg.AgentID, ",", 2)[0])

	return cfg
}

// Validate enforces the startup-fatal requirements. The agent must not
// silently run without a bus endpoint or signing secret.
func (c *Config) Validate() error {
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("CLOUD_BASE_URL missing or invalid: %q", c.BaseURL)
	}
	if c.EdgeSecret == "" {
		return fmt.Errorf("EDGE_SECRET is not set")
	}
	if c.AgentID == "" {
		return fmt.Errorf("AGENT_ID is not set")
	}
	if c.Mode != "live" && c.Mode != "dry" && c.Mode != "dryrun" {
		return fmt.Errorf("EDGE_MODE must be live or dry, got %q", c.Mode)
	}
	return nil
}

// Live reports whether the process-wide mode is live.
func (c *Config) Live() bool {
	return c.Mode == "live"
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

func getEnvAsString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
		switch strings.ToLower(value) {
		case "yes", "on":
			return true
		case "no", "off":
			return false
		}
	}
	return defaultValue
}

// getEnvAsDuration reads a whole number of seconds from the environment.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
