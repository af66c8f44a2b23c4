package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"iap-coordinator/internal/options"

	"github.com/joho/godotenv"
)

// storeKeyPrefix marks env vars carrying a store public key, e.g.
// STORE_KEY_STORE_GOOGLE for the STORE_GOOGLE store
const storeKeyPrefix = "STORE_KEY_"

type Config struct {
	Server    ServerConfig
	Billing   BillingConfig
	Payload   PayloadConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	Observ    ObservabilityConfig
	RateLimit RateLimitConfig

	// Warnings lists malformed values that were replaced by their default.
	// Load runs before the logger exists, so the caller logs them.
	Warnings []string
}

type ServerConfig struct {
	Port string
	Env  string
}

type BillingConfig struct {
	Backend                 string
	CatalogFile             string
	DiscoveryTimeoutMs      int64
	CheckInventory          bool
	CheckInventoryTimeoutMs int64
	VerifyMode              string
	PreferredStores         []string
	StoreKeys               map[string]string
}

type PayloadConfig struct {
	Store string // redis, memory or none
	TTL   time.Duration
}

type DatabaseConfig struct {
	URL string // catalog comes from Postgres when set
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type KafkaConfig struct {
	Enabled       bool // forward outcomes; the remote backend needs Kafka regardless
	Brokers       []string
	CommandTopic  string
	EventTopic    string
	OutcomeTopic  string
	ConsumerGroup string
	OutcomeBuffer int
}

type ObservabilityConfig struct {
	JaegerEndpoint string
}

type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

func Load() *Config {
	_ = godotenv.Load()

	env := &envReader{}
	redisDB := env.Int("REDIS_DB", 0)
	discoveryTimeout := env.Int64("BILLING_DISCOVERY_TIMEOUT_MS", 5000)
	checkTimeout := env.Int64("BILLING_CHECK_INVENTORY_TIMEOUT_MS", 10000)
	checkInventory := env.Bool("BILLING_CHECK_INVENTORY", true)
	payloadTTL := env.Duration("PAYLOAD_TTL", 24*time.Hour)
	kafkaEnabled := env.Bool("KAFKA_ENABLED", false)
	outcomeBuffer := env.Int("KAFKA_OUTCOME_BUFFER", 256)
	rps := env.Float("RATE_LIMIT_RPS", 5)
	burst := env.Int("RATE_LIMIT_BURST", 10)

	cfg := &Config{
		Server: ServerConfig{
			Port: getEnv("PORT", "8080"),
			Env:  getEnv("ENV", "development"),
		},
		Billing: BillingConfig{
			Backend:                 getEnv("BILLING_BACKEND", "offline"),
			CatalogFile:             getEnv("BILLING_CATALOG_FILE", "catalog.yaml"),
			DiscoveryTimeoutMs:      discoveryTimeout,
			CheckInventory:          checkInventory,
			CheckInventoryTimeoutMs: checkTimeout,
			VerifyMode:              getEnv("BILLING_VERIFY_MODE", "strict"),
			PreferredStores:         splitList(getEnv("BILLING_PREFERRED_STORES", "")),
			StoreKeys:               storeKeys(os.Environ()),
		},
		Payload: PayloadConfig{
			Store: getEnv("PAYLOAD_STORE", "memory"),
			TTL:   payloadTTL,
		},
		Database: DatabaseConfig{
			URL: getEnv("DATABASE_URL", ""),
		},
		Redis: RedisConfig{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Kafka: KafkaConfig{
			Enabled:       kafkaEnabled,
			Brokers:       splitList(getEnv("KAFKA_BROKERS", "localhost:9092")),
			CommandTopic:  getEnv("KAFKA_TOPIC_BILLING_COMMANDS", "billing-commands"),
			EventTopic:    getEnv("KAFKA_TOPIC_BILLING_EVENTS", "billing-events"),
			OutcomeTopic:  getEnv("KAFKA_TOPIC_BILLING_OUTCOMES", "billing-outcomes"),
			ConsumerGroup: getEnv("KAFKA_CONSUMER_GROUP", "shopd-group"),
			OutcomeBuffer: outcomeBuffer,
		},
		Observ: ObservabilityConfig{
			JaegerEndpoint: getEnv("JAEGER_ENDPOINT", "http://localhost:14268/api/traces"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: rps,
			Burst:             burst,
		},
		Warnings: env.warnings,
	}

	return cfg
}

// OptionsBuilder converts the billing section into store options. Invalid
// values surface as errors from Build.
func (c *Config) OptionsBuilder() *options.Builder {
	b := options.NewBuilder().
		DiscoveryTimeoutMs(c.Billing.DiscoveryTimeoutMs).
		CheckInventory(c.Billing.CheckInventory).
		CheckInventoryTimeoutMs(c.Billing.CheckInventoryTimeoutMs).
		Set(options.KeyVerifyMode, c.Billing.VerifyMode)
	if len(c.Billing.StoreKeys) > 0 {
		b.Set(options.KeyStoreKeys, c.Billing.StoreKeys)
	}
	if len(c.Billing.PreferredStores) > 0 {
		b.PreferredStoreNames(c.Billing.PreferredStores...)
	}
	return b
}

// ForwardOutcomes reports whether coordinator outcomes go to Kafka
func (c *Config) ForwardOutcomes() bool {
	return c.Kafka.Enabled && len(c.Kafka.Brokers) > 0 && c.Kafka.OutcomeTopic != ""
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// envReader parses typed env vars, falling back to the default on a
// malformed value and remembering why
type envReader struct {
	warnings []string
}

func (r *envReader) lookup(key string) (string, bool) {
	val := os.Getenv(key)
	return val, val != ""
}

func (r *envReader) invalid(key, val string, def interface{}, err error) {
	r.warnings = append(r.warnings, fmt.Sprintf("invalid %s=%q, using default %v: %v", key, val, def, err))
}

func (r *envReader) Int(key string, def int) int {
	val, ok := r.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		r.invalid(key, val, def, err)
		return def
	}
	return n
}

func (r *envReader) Int64(key string, def int64) int64 {
	val, ok := r.lookup(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		r.invalid(key, val, def, err)
		return def
	}
	return n
}

func (r *envReader) Float(key string, def float64) float64 {
	val, ok := r.lookup(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		r.invalid(key, val, def, err)
		return def
	}
	return f
}

func (r *envReader) Bool(key string, def bool) bool {
	val, ok := r.lookup(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(val)
	if err != nil {
		r.invalid(key, val, def, err)
		return def
	}
	return b
}

func (r *envReader) Duration(key string, def time.Duration) time.Duration {
	val, ok := r.lookup(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		r.invalid(key, val, def, err)
		return def
	}
	return d
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func storeKeys(environ []string) map[string]string {
	keys := make(map[string]string)
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, storeKeyPrefix) || value == "" {
			continue
		}
		if store := strings.TrimPrefix(name, storeKeyPrefix); store != "" {
			keys[store] = value
		}
	}
	return keys
}
