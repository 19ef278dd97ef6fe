package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// DatabaseSchemePostgres is the postgres database scheme identifier
	DatabaseSchemePostgres = "postgres"
	// DatabaseSchemeDynamo selects the DynamoDB ballot table
	DatabaseSchemeDynamo = "dynamodb"

	// ChainBackendEVM talks Ethereum JSON-RPC
	ChainBackendEVM = "evm"
	// ChainBackendCometBFT talks CometBFT RPC
	ChainBackendCometBFT = "cometbft"

	// leaseMargin keeps a lease alive past the ballot deadline while the result is written
	leaseMargin = time.Minute
)

type Config struct {
	RPCURL       string
	WSURL        string // subscription endpoint (ws:// for evm, path or URL for cometbft)
	ChainBackend string // evm or cometbft
	VoteABIPath  string // empty: embedded Vote ABI

	BrokerURL     string
	QueueName     string
	ConsumerGroup string // kafka only
	Prefetch      int

	DBDialect        string // postgres or dynamodb; empty: in-memory
	DBDsn            string // DSN string passed to GORM driver, or dynamodb:// URL
	AllowMemoryStore bool   // run without DATABASE_URL (local runs only)

	RedisURL        string // optional: cross-instance in-flight lease
	LeaseTTL        time.Duration
	LeaseRetryDelay time.Duration // wait before requeueing a ballot leased elsewhere

	FunderAddress   string // empty: node's first managed account
	FundingAmount   string // whole native units
	FundingDecimals int
	FundingRate     float64 // funding transactions per second, 0 = unlimited

	ConnectivityInterval time.Duration
	MinedPollInterval    time.Duration
	BallotTimeout        time.Duration // 0 disables the deadline
	ReconnectDelay       time.Duration

	OTLPEndpoint string

	Debug bool // if true: debug level logs
	TUI   bool // if true: terminal view, logs go to worker.log
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v == "true" || v == "1" || v == "yes" || v == "on"
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		fmt.Fprintf(os.Stderr, "warning: invalid %s=%q, using %d\n", key, v, def)
		return def
	}
	return n
}

func getenvFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		fmt.Fprintf(os.Stderr, "warning: invalid %s=%q, using %g\n", key, v, def)
		return def
	}
	return f
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		fmt.Fprintf(os.Stderr, "warning: invalid %s=%q, using %s\n", key, v, def)
		return def
	}
	return d
}

// parseDatabaseURL interprets DATABASE_URL and returns (dialect, dsn).
// Supported schemes: postgres, postgresql, dynamodb.
func parseDatabaseURL(databaseURL string) (string, string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", "", err
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case DatabaseSchemePostgres, "postgresql":
		// GORM postgres driver accepts URL DSN as-is
		return DatabaseSchemePostgres, databaseURL, nil
	case DatabaseSchemeDynamo:
		if u.Host == "" {
			return "", "", fmt.Errorf("dynamodb DATABASE_URL needs a table name as host")
		}
		return DatabaseSchemeDynamo, databaseURL, nil
	default:
		return "", "", fmt.Errorf("unsupported DATABASE_URL scheme: %s", u.Scheme)
	}
}

// defaultWSURL derives the subscription endpoint from the RPC URL.
func defaultWSURL(backend, rpcURL string) string {
	if backend == ChainBackendCometBFT {
		// cometbft http client expects a separate ws endpoint path
		return "/websocket"
	}
	u, err := url.Parse(rpcURL)
	if err != nil {
		return rpcURL
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	return u.String()
}

func Load() Config {
	cfg := Config{
		RPCURL:       getenv("RPC_URL", "http://127.0.0.1:8545"),
		ChainBackend: strings.ToLower(getenv("CHAIN_BACKEND", ChainBackendEVM)),
		VoteABIPath:  os.Getenv("VOTE_ABI_PATH"),

		BrokerURL:     getenv("BROKER_URL", "amqp://localhost"),
		QueueName:     getenv("QUEUE_NAME", "ballots"),
		ConsumerGroup: getenv("CONSUMER_GROUP", "ballot-relay"),
		Prefetch:      getenvInt("PREFETCH", 1),

		RedisURL: os.Getenv("REDIS_URL"),
		LeaseTTL:        getenvDuration("LEASE_TTL", 15*time.Minute),
		LeaseRetryDelay: getenvDuration("LEASE_RETRY_DELAY", 5*time.Second),

		FunderAddress:   os.Getenv("FUNDER_ADDRESS"),
		FundingAmount:   getenv("FUNDING_AMOUNT", "10"),
		FundingDecimals: getenvInt("FUNDING_DECIMALS", 18),
		FundingRate:     getenvFloat("FUNDING_RATE", 0),

		ConnectivityInterval: getenvDuration("CONNECTIVITY_INTERVAL", 5*time.Second),
		MinedPollInterval:    getenvDuration("MINED_POLL_INTERVAL", time.Second),
		BallotTimeout:        getenvDuration("BALLOT_TIMEOUT", 10*time.Minute),
		ReconnectDelay:       getenvDuration("RECONNECT_DELAY", 3*time.Second),

		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		AllowMemoryStore: getenvBool("ALLOW_MEMORY_STORE", false),

		Debug: getenvBool("DEBUG", false),
		TUI:   getenvBool("TUI", false),
	}

	switch cfg.ChainBackend {
	case ChainBackendEVM, ChainBackendCometBFT:
	default:
		fmt.Fprintf(os.Stderr, "warning: unknown CHAIN_BACKEND %q, using %s\n", cfg.ChainBackend, ChainBackendEVM)
		cfg.ChainBackend = ChainBackendEVM
	}
	if cfg.Prefetch == 0 {
		cfg.Prefetch = 1
	}
	cfg.WSURL = getenv("WS_URL", defaultWSURL(cfg.ChainBackend, cfg.RPCURL))
	if cfg.BallotTimeout > 0 && cfg.LeaseTTL < cfg.BallotTimeout+leaseMargin {
		ttl := cfg.BallotTimeout + leaseMargin
		fmt.Fprintf(os.Stderr, "warning: LEASE_TTL=%s is shorter than BALLOT_TIMEOUT, using %s\n", cfg.LeaseTTL, ttl)
		cfg.LeaseTTL = ttl
	}

	if dbURL := strings.TrimSpace(os.Getenv("DATABASE_URL")); dbURL != "" {
		if dialect, dsn, err := parseDatabaseURL(dbURL); err == nil {
			cfg.DBDialect = dialect
			cfg.DBDsn = dsn
		} else {
			fmt.Fprintf(os.Stderr, "warning: invalid DATABASE_URL: %v\n", err)
		}
	}

	return cfg
}

// Validate rejects combinations the worker cannot run safely with.
func (c Config) Validate() error {
	if c.DBDialect == "" && !c.AllowMemoryStore {
		// an in-memory store knows no ballots, so every one would be funded and
		// submitted before failing to finalize
		return fmt.Errorf("DATABASE_URL is required (set ALLOW_MEMORY_STORE=true for local runs)")
	}
	if c.RedisURL != "" && c.BallotTimeout == 0 {
		return fmt.Errorf("REDIS_URL needs a non-zero BALLOT_TIMEOUT, a lease must outlive the ballot holding it")
	}
	return nil
}

func (c Config) String() string {
	return fmt.Sprintf("chain=%s rpc=%s broker=%s queue=%s db=%s", c.ChainBackend, c.RPCURL, maskURL(c.BrokerURL), c.QueueName, c.DBDialect)
}

// DebugString returns a human-friendly configuration string with masked secrets.
func (c Config) DebugString() string {
	return fmt.Sprintf(
		"chain=%s rpc=%s ws=%s broker=%s queue=%s prefetch=%d db=%s dsn=%s redis=%s funding=%s timeout=%s",
		c.ChainBackend,
		c.RPCURL,
		c.WSURL,
		maskURL(c.BrokerURL),
		c.QueueName,
		c.Prefetch,
		c.DBDialect,
		maskDSN(c.DBDialect, c.DBDsn),
		maskURL(c.RedisURL),
		c.FundingAmount,
		c.BallotTimeout,
	)
}

// maskURL drops the password from URL-shaped connection strings.
func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.User == nil {
		return raw
	}
	u.User = url.User(u.User.Username())
	return u.String()
}

func maskDSN(dialect, dsn string) string {
	switch strings.ToLower(dialect) {
	case DatabaseSchemePostgres:
		if u, err := url.Parse(dsn); err == nil && u.Scheme != "" {
			return maskURL(dsn)
		}
		// Fallback for DSN as key-value list
		parts := strings.Fields(dsn)
		for i, p := range parts {
			lower := strings.ToLower(p)
			if strings.HasPrefix(lower, "password=") {
				parts[i] = "password=***"
			}
		}
		return strings.Join(parts, " ")
	default:
		return dsn
	}
}
