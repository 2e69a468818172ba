// config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	authzErrors "github.com/dev-mohitbeniwal/echo/authz/errors"
	logger "github.com/dev-mohitbeniwal/echo/authz/logging"
)

// Configuration stores all the configurations
type Configuration struct {
	Server        ServerConfiguration        `mapstructure:"server"`
	Redis         RedisConfiguration         `mapstructure:"redis"`
	Kafka         KafkaConfiguration         `mapstructure:"kafka"`
	Elasticsearch ElasticsearchConfiguration `mapstructure:"elasticsearch"`
	Authz         AuthzConfiguration         `mapstructure:"authz"`
	Classifier    ClassifierConfiguration    `mapstructure:"classifier"`
	Policy        PolicyConfiguration        `mapstructure:"policy"`
	Invalidation  InvalidationConfiguration  `mapstructure:"invalidation"`
	Audit         AuditConfiguration         `mapstructure:"audit"`
}

// ServerConfiguration stores the port and other web server settings
type ServerConfiguration struct {
	Port            string        `mapstructure:"port"`
	LogDir          string        `mapstructure:"log_dir"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	RateLimit       int           `mapstructure:"rate_limit"`
	RateLimitPer    time.Duration `mapstructure:"rate_limit_per"`
	MaxBatchSize    int           `mapstructure:"max_batch_size"`
}

// RedisConfiguration stores data for Redis connection. An empty Addr keeps
// the shared tier in process memory.
type RedisConfiguration struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	TLS          bool          `mapstructure:"tls"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	KeyPrefix    string        `mapstructure:"key_prefix"`
}

type KafkaConfiguration struct {
	Brokers     []string `mapstructure:"brokers"`
	Topic       string   `mapstructure:"topic"`
	GroupPrefix string   `mapstructure:"group_prefix"`
}

// ElasticsearchConfiguration stores data for Elasticsearch connection
type ElasticsearchConfiguration struct {
	URL   string `mapstructure:"url"`
	Index string `mapstructure:"index"`
}

type AuthzConfiguration struct {
	L1Capacity       int                      `mapstructure:"l1_capacity"`
	L1Shards         int                      `mapstructure:"l1_shards"`
	TTL              map[string]time.Duration `mapstructure:"ttl"`
	SingleFlight     bool                     `mapstructure:"single_flight"`
	BatchConcurrency int                      `mapstructure:"batch_concurrency"`
	JanitorInterval  time.Duration            `mapstructure:"janitor_interval"`
	RevalidateRatio  float64                  `mapstructure:"revalidate_ratio"`
}

type ClassifierConfiguration struct {
	EntropyThreshold  float64 `mapstructure:"entropy_threshold"`
	EntropyMinLength  int     `mapstructure:"entropy_min_length"`
	ZThreshold        float64 `mapstructure:"z_threshold"`
	ParallelThreshold int     `mapstructure:"parallel_threshold"`
	MaxParameters     int     `mapstructure:"max_parameters"`
	MaxScanLength     int     `mapstructure:"max_scan_length"`
	BaselineDecay     float64 `mapstructure:"baseline_decay"`
}

// PolicyConfiguration selects the policy backend. RulesetVersion is only
// read for OPA; Cedar derives it from the loaded bundle.
type PolicyConfiguration struct {
	Backend        string        `mapstructure:"backend"`
	OPAURL         string        `mapstructure:"opa_url"`
	PolicyPath     string        `mapstructure:"policy_path"`
	RulesetVersion string        `mapstructure:"ruleset_version"`
	Timeout        time.Duration `mapstructure:"timeout"`
	CedarDir       string        `mapstructure:"cedar_dir"`
}

type InvalidationConfiguration struct {
	QueueSize    int           `mapstructure:"queue_size"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	RedisChannel string        `mapstructure:"redis_channel"`
}

type AuditConfiguration struct {
	Enabled   bool   `mapstructure:"enabled"`
	QueueSize int    `mapstructure:"queue_size"`
	Backend   string `mapstructure:"backend"`
}

var config *Configuration

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.log_dir", "")
	v.SetDefault("server.shutdown_timeout", "5s")
	v.SetDefault("server.rate_limit", 1000)
	v.SetDefault("server.rate_limit_per", "1s")
	v.SetDefault("server.max_batch_size", 500)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dial_timeout", "2s")
	v.SetDefault("redis.read_timeout", "20ms")
	v.SetDefault("redis.write_timeout", "20ms")
	v.SetDefault("redis.pool_size", 50)
	v.SetDefault("redis.key_prefix", "authz")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "authz-invalidations")
	v.SetDefault("kafka.group_prefix", "authz-gateway")

	v.SetDefault("elasticsearch.url", "")
	v.SetDefault("elasticsearch.index", "authz-decisions")

	v.SetDefault("authz.l1_capacity", 1000)
	v.SetDefault("authz.l1_shards", 16)
	v.SetDefault("authz.ttl.low", "300s")
	v.SetDefault("authz.ttl.medium", "120s")
	v.SetDefault("authz.ttl.high", "60s")
	v.SetDefault("authz.ttl.critical", "30s")
	v.SetDefault("authz.single_flight", false)
	v.SetDefault("authz.batch_concurrency", 16)
	v.SetDefault("authz.revalidate_ratio", 0.3)
	v.SetDefault("authz.janitor_interval", "30s")

	v.SetDefault("classifier.entropy_threshold", 4.5)
	v.SetDefault("classifier.entropy_min_length", 50)
	v.SetDefault("classifier.z_threshold", 3.0)
	v.SetDefault("classifier.parallel_threshold", 8)
	v.SetDefault("classifier.max_parameters", 256)
	v.SetDefault("classifier.max_scan_length", 16384)
	v.SetDefault("classifier.baseline_decay", 0.2)

	v.SetDefault("policy.backend", "cedar")
	v.SetDefault("policy.opa_url", "http://localhost:8181")
	v.SetDefault("policy.policy_path", "/v1/data/authz/decision")
	v.SetDefault("policy.ruleset_version", "opa-1")
	v.SetDefault("policy.timeout", "40ms")
	v.SetDefault("policy.cedar_dir", "policies")

	v.SetDefault("invalidation.queue_size", 1024)
	v.SetDefault("invalidation.max_retries", 5)
	v.SetDefault("invalidation.retry_backoff", "50ms")
	v.SetDefault("invalidation.redis_channel", "authz:invalidations")

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.queue_size", 4096)
	v.SetDefault("audit.backend", "log")
}

func InitConfig() error {
	viper.AddConfigPath("config") // path to look for the config file in
	viper.SetConfigName("config") // name of the config file (without extension)
	viper.SetConfigType("yaml")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	cfg, err := Load(viper.GetViper())
	if err != nil {
		return err
	}
	config = cfg
	return nil
}

// Load reads, defaults and validates a configuration from v. The config file
// is optional.
func Load(v *viper.Viper) (*Configuration, error) {
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			logger.Info("No config file found. Using default settings and environment variables.")
		} else {
			return nil, err
		}
	}

	var cfg Configuration
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.Debug("Configuration loaded", zap.String("policyBackend", cfg.Policy.Backend))
	return &cfg, nil
}

// Validate enforces the ranges the decision path relies on.
func (c *Configuration) Validate() error {
	cl := c.Classifier
	if cl.EntropyThreshold <= 0 || cl.EntropyThreshold > 8 {
		return fmt.Errorf("%w: classifier.entropy_threshold must be in (0, 8]", authzErrors.ErrInvalidConfig)
	}
	if cl.EntropyMinLength < 1 {
		return fmt.Errorf("%w: classifier.entropy_min_length must be positive", authzErrors.ErrInvalidConfig)
	}
	if cl.ZThreshold <= 0 {
		return fmt.Errorf("%w: classifier.z_threshold must be positive", authzErrors.ErrInvalidConfig)
	}
	if cl.BaselineDecay <= 0 || cl.BaselineDecay > 1 {
		return fmt.Errorf("%w: classifier.baseline_decay must be in (0, 1]", authzErrors.ErrInvalidConfig)
	}
	if cl.MaxParameters < 1 || cl.MaxScanLength < 1 {
		return fmt.Errorf("%w: classifier limits must be positive", authzErrors.ErrInvalidConfig)
	}
	if c.Authz.L1Capacity < 1 || c.Authz.L1Shards < 1 {
		return fmt.Errorf("%w: authz.l1_capacity and authz.l1_shards must be positive", authzErrors.ErrInvalidConfig)
	}
	if c.Authz.BatchConcurrency < 1 {
		return fmt.Errorf("%w: authz.batch_concurrency must be positive", authzErrors.ErrInvalidConfig)
	}
	if c.Authz.RevalidateRatio < 0 || c.Authz.RevalidateRatio >= 1 {
		return fmt.Errorf("%w: authz.revalidate_ratio must be in [0, 1)", authzErrors.ErrInvalidConfig)
	}
	order := []string{"low", "medium", "high", "critical"}
	prev := time.Duration(0)
	for i, name := range order {
		ttl, ok := c.Authz.TTL[name]
		if !ok || ttl <= 0 {
			return fmt.Errorf("%w: authz.ttl.%s must be positive", authzErrors.ErrInvalidConfig, name)
		}
		if i > 0 && ttl > prev {
			return fmt.Errorf("%w: authz.ttl.%s exceeds authz.ttl.%s", authzErrors.ErrInvalidConfig, name, order[i-1])
		}
		prev = ttl
	}
	if c.Policy.Timeout <= 0 {
		return fmt.Errorf("%w: policy.timeout must be positive", authzErrors.ErrInvalidConfig)
	}
	switch c.Policy.Backend {
	case "opa", "cedar":
	default:
		return fmt.Errorf("%w: unknown policy.backend %q", authzErrors.ErrInvalidConfig, c.Policy.Backend)
	}
	if c.Invalidation.QueueSize < 1 || c.Invalidation.MaxRetries < 0 {
		return fmt.Errorf("%w: invalidation queue and retry settings out of range", authzErrors.ErrInvalidConfig)
	}
	return nil
}

// GetConfig returns the loaded configuration
func GetConfig() *Configuration {
	return config
}

// GetString retrieves a string value from the configuration
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt retrieves an integer value from the configuration
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool retrieves a boolean value from the configuration
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// GetDuration retrieves a duration value from the configuration
func GetDuration(key string) time.Duration {
	return viper.GetDuration(key)
}
