package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")

	current *Config
	mu      sync.RWMutex
)

type Config struct {
	Environment   string
	Server        ServerConfig
	Logging       LoggingConfig
	Store         StoreConfig
	Redis         RedisConfig
	Guard         GuardConfig
	Evidence      EvidenceConfig
	Kafka         KafkaConfig
	Elasticsearch ElasticsearchConfig
	Clickhouse    ClickhouseConfig
	Scylla        ScyllaConfig
	Bucketing     BucketingConfig
	Hashing       HashingConfig
	KMS           KMSConfig
}

type ServerConfig struct {
	Port         int
	TLSPort      int
	EnableTLS    bool
	AutoCert     bool
	Domain       string
	CertFile     string
	KeyFile      string
	AutoCertDir  string
	Email        string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type LoggingConfig struct {
	Level  string
	Format string
}

// StoreConfig selects the counter backend: "redis" or "memory".
type StoreConfig struct {
	Type string
}

// RedisConfig TLS files are only read for a rediss:// URL.
type RedisConfig struct {
	URL         string
	Password    string
	DB          int
	PoolSize    int
	TLSCAFile   string
	TLSCertFile string
	TLSKeyFile  string
}

type GuardConfig struct {
	Threshold    int64
	Window       time.Duration
	StoreTimeout time.Duration
	KeyPrefix    string
	RiskLabel    string
	FailOpen     bool
	// TrustProxyHeaders derives the client IP from X-Forwarded-For and
	// X-Real-IP. Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool
}

type EvidenceConfig struct {
	Sinks        []string
	FilePath     string
	FileSync     bool
	Async        bool
	BufferSize   int
	DropIfFull   bool
	WriteTimeout time.Duration
	SealKeys     bool
}

type KafkaConfig struct {
	Brokers       []string
	EvidenceTopic string
}

type ElasticsearchConfig struct {
	URL           string
	Username      string
	Password      string
	EvidenceIndex string
}

type ClickhouseConfig struct {
	URL      string
	Username string
	Password string
	Database string
	CAFile   string
}

type ScyllaConfig struct {
	Nodes    []string
	Keyspace string
	Username string
	Password string
	CAFile   string
	CertFile string
	KeyFile  string
}

type BucketingConfig struct {
	EventBuckets int
}

type HashingConfig struct {
	Pepper        string
	PepperVersion int
}

type KMSConfig struct {
	Enabled bool
	KeyID   string
	Region  string
}

// LoadConfig reads .env (if present) and the process environment, and
// installs the result as the value returned by Get.
func LoadConfig() *Config {
	_ = godotenv.Load()

	cfg := &Config{
		Environment: getEnv("ENVIRONMENT", "development"),
		Server: ServerConfig{
			Port:         getEnvInt("SERVER_PORT", 8080),
			TLSPort:      getEnvInt("SERVER_TLS_PORT", 8443),
			EnableTLS:    getEnvBool("ENABLE_TLS", false),
			AutoCert:     getEnvBool("AUTO_CERT", false),
			Domain:       getEnv("DOMAIN", "localhost"),
			CertFile:     getEnv("CERT_FILE", ""),
			KeyFile:      getEnv("KEY_FILE", ""),
			AutoCertDir:  getEnv("AUTOCERT_DIR", "./certs"),
			Email:        getEnv("ACME_EMAIL", ""),
			ReadTimeout:  getEnvDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout: getEnvDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:  getEnvDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Store: StoreConfig{
			Type: strings.ToLower(getEnv("STORE_TYPE", "redis")),
		},
		Redis: RedisConfig{
			URL:      getEnv("REDIS_URL", "redis://localhost:6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
			PoolSize: getEnvInt("REDIS_POOL_SIZE", 50),

			TLSCAFile:   getEnv("REDIS_TLS_CA_FILE", "/app/certs/ca.crt"),
			TLSCertFile: getEnv("REDIS_TLS_CERT_FILE", "/app/certs/redis.crt"),
			TLSKeyFile:  getEnv("REDIS_TLS_KEY_FILE", "/app/certs/redis.key"),
		},
		Guard: GuardConfig{
			Threshold:    int64(getEnvInt("GUARD_THRESHOLD", 500)),
			Window:       time.Duration(getEnvInt("GUARD_WINDOW_SECONDS", 3600)) * time.Second,
			StoreTimeout: getEnvDuration("GUARD_STORE_TIMEOUT", 2*time.Second),
			KeyPrefix:    getEnv("GUARD_KEY_PREFIX", "ad_bot:"),
			RiskLabel:    getEnv("GUARD_RISK_LABEL", "HIGH"),
			FailOpen:     getEnvBool("GUARD_FAIL_OPEN", true),

			TrustProxyHeaders: getEnvBool("GUARD_TRUST_PROXY_HEADERS", false),
		},
		Evidence: EvidenceConfig{
			Sinks:        getEnvSlice("EVIDENCE_SINKS", []string{"log", "file"}),
			FilePath:     getEnv("EVIDENCE_FILE_PATH", "ad_bot_evidence.log"),
			FileSync:     getEnvBool("EVIDENCE_FILE_SYNC", false),
			Async:        getEnvBool("EVIDENCE_ASYNC", true),
			BufferSize:   getEnvInt("EVIDENCE_BUFFER_SIZE", 1024),
			DropIfFull:   getEnvBool("EVIDENCE_DROP_IF_FULL", true),
			WriteTimeout: getEnvDuration("EVIDENCE_WRITE_TIMEOUT", 5*time.Second),
			SealKeys:     getEnvBool("EVIDENCE_SEAL_KEYS", false),
		},
		Kafka: KafkaConfig{
			Brokers:       getEnvSlice("KAFKA_BROKERS", []string{"localhost:9092"}),
			EvidenceTopic: getEnv("KAFKA_EVIDENCE_TOPIC", "guard.evidence"),
		},
		Elasticsearch: ElasticsearchConfig{
			URL:           getEnv("ELASTICSEARCH_URL", "http://localhost:9200"),
			Username:      getEnv("ELASTICSEARCH_USERNAME", ""),
			Password:      getEnv("ELASTICSEARCH_PASSWORD", ""),
			EvidenceIndex: getEnv("ELASTICSEARCH_EVIDENCE_INDEX", "guard-evidence"),
		},
		Clickhouse: ClickhouseConfig{
			URL:      getEnv("CLICKHOUSE_URL", "localhost:9000"),
			Username: getEnv("CLICKHOUSE_USERNAME", "default"),
			Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			Database: getEnv("CLICKHOUSE_DATABASE", "guard"),
			CAFile:   getEnv("CLICKHOUSE_CA_FILE", ""),
		},
		Scylla: ScyllaConfig{
			Nodes:    getEnvSlice("SCYLLA_NODES", []string{"localhost:9042"}),
			Keyspace: getEnv("SCYLLA_KEYSPACE", "guard"),
			Username: getEnv("SCYLLA_USERNAME", ""),
			Password: getEnv("SCYLLA_PASSWORD", ""),
			CAFile:   getEnv("SCYLLA_CA_FILE", "/app/certs/ca.pem"),
			CertFile: getEnv("SCYLLA_CERT_FILE", "/app/certs/scylla.pem"),
			KeyFile:  getEnv("SCYLLA_KEY_FILE", "/app/certs/scylla.key"),
		},
		Bucketing: BucketingConfig{
			EventBuckets: getEnvInt("BUCKETING_EVENT_BUCKETS", 64),
		},
		Hashing: HashingConfig{
			Pepper:        getEnv("HASHING_PEPPER", "dev-only-pepper-change-me"),
			PepperVersion: getEnvInt("HASHING_PEPPER_VERSION", 1),
		},
		KMS: KMSConfig{
			Enabled: getEnvBool("KMS_ENABLED", false),
			KeyID:   getEnv("KMS_KEY_ID", ""),
			Region:  getEnv("AWS_REGION", "us-east-1"),
		},
	}

	mu.Lock()
	current = cfg
	mu.Unlock()

	return cfg
}

// Get returns the most recently loaded config, loading it on first use.
func Get() *Config {
	mu.RLock()
	cfg := current
	mu.RUnlock()
	if cfg == nil {
		return LoadConfig()
	}
	return cfg
}

func (c *Config) Validate() error {
	var problems []string

	if c.Guard.Threshold <= 0 {
		problems = append(problems, "GUARD_THRESHOLD must be positive")
	}
	if c.Guard.Window < time.Second {
		problems = append(problems, "GUARD_WINDOW_SECONDS must be at least 1")
	}
	if c.Guard.StoreTimeout < 0 {
		problems = append(problems, "GUARD_STORE_TIMEOUT must not be negative")
	}
	switch c.Store.Type {
	case "redis", "memory":
	default:
		problems = append(problems, fmt.Sprintf("unsupported STORE_TYPE %q", c.Store.Type))
	}
	if c.Evidence.WriteTimeout < 0 {
		problems = append(problems, "EVIDENCE_WRITE_TIMEOUT must not be negative")
	}
	if c.Evidence.BufferSize <= 0 {
		problems = append(problems, "EVIDENCE_BUFFER_SIZE must be positive")
	}
	for _, sink := range c.Evidence.Sinks {
		switch strings.ToLower(sink) {
		case "log", "file", "kafka", "elasticsearch", "clickhouse", "scylla":
		default:
			problems = append(problems, fmt.Sprintf("unknown evidence sink %q", sink))
		}
	}
	if c.Bucketing.EventBuckets <= 0 {
		problems = append(problems, "BUCKETING_EVENT_BUCKETS must be positive")
	}
	if c.KMS.Enabled && c.KMS.KeyID == "" {
		problems = append(problems, "KMS_KEY_ID is required when KMS_ENABLED is set")
	}
	if c.IsProduction() && c.Hashing.Pepper == "dev-only-pepper-change-me" {
		problems = append(problems, "HASHING_PEPPER must be set in production")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// HasSink reports whether the named evidence sink is enabled.
func (c *Config) HasSink(name string) bool {
	for _, s := range c.Evidence.Sinks {
		if strings.EqualFold(s, name) {
			return true
		}
	}
	return false
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

func (c *Config) GetServerAddress() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(getEnv(key, ""))
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvSlice(key string, defaultValue []string) []string {
	raw := getEnv(key, "")
	if raw == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
