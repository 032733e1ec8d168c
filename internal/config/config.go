package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds service configuration.
type Config struct {
	DatabaseURL string
	ServerAddr  string
	GuardRules  map[string]string

	// Embedded dev ledger node settings.
	LedgerNodeID    string
	LedgerRaftAddr  string
	LedgerDataDir   string
	LedgerBootstrap bool

	ResolveInterval time.Duration
	ExpiryInterval  time.Duration
	ApplicationTTL  time.Duration
	ShutdownTimeout time.Duration
}

// Load reads configuration from environment.
func Load() (*Config, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		user := getenv("POSTGRES_USER", "ledger")
		pass := getenv("POSTGRES_PASSWORD", "ledger_pass")
		db := getenv("POSTGRES_DB", "instrument_ledger")
		host := getenv("POSTGRES_HOST", "localhost")
		port := getenv("POSTGRES_PORT", "5432")
		sslmode := getenv("DATABASE_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, sslmode)
	}
	addr := getenv("SERVER_ADDR", "0.0.0.0:8080")

	return &Config{
		DatabaseURL:     dsn,
		ServerAddr:      addr,
		GuardRules:      guardRules(),
		LedgerNodeID:    getenv("LEDGER_NODE_ID", "node-1"),
		LedgerRaftAddr:  getenv("LEDGER_RAFT_ADDR", "127.0.0.1:9520"),
		LedgerDataDir:   getenv("LEDGER_DATA_DIR", "./data/ledger"),
		LedgerBootstrap: parseBool(getenv("LEDGER_BOOTSTRAP", "true"), true),
		ResolveInterval: parseDuration(getenv("CHAIN_RESOLVE_INTERVAL", "30s"), 30*time.Second),
		ExpiryInterval:  parseDuration(getenv("APPLICATION_EXPIRY_INTERVAL", "1h"), time.Hour),
		ApplicationTTL:  parseDuration(getenv("APPLICATION_TTL", "168h"), 168*time.Hour),
		ShutdownTimeout: parseDuration(getenv("SHUTDOWN_TIMEOUT", "15s"), 15*time.Second),
	}, nil
}

// guardRules collects business-guard expressions from GUARD_<EVENT> variables,
// e.g. GUARD_DISCOUNT="value >= 1000".
func guardRules() map[string]string {
	events := []string{
		"ISSUE", "FREEZE", "ENDORSE", "TRANSFER", "PLEDGE",
		"DISCOUNT", "FINANCE", "SPLIT", "MERGE", "CANCEL", "SETTLE",
	}
	rules := make(map[string]string)
	for _, ev := range events {
		if expr := os.Getenv("GUARD_" + ev); expr != "" {
			rules[ev] = expr
		}
	}
	return rules
}

func getenv(key, def string) string {
	val := os.Getenv(key)
	if val == "" {
		return def
	}
	return val
}

func parseDuration(val string, def time.Duration) time.Duration {
	if val == "" {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return def
	}
	return d
}

func parseBool(val string, def bool) bool {
	if val == "" {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		return def
	}
	return b
}
