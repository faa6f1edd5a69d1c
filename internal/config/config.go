package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
)

// Oracle providers accepted by ORACLE_PROVIDER.
const (
	OracleHeuristic = "heuristic"
	OracleHTTP      = "http"
	OracleOpenAI    = "openai"
)

// Channels with a gateway URL setting.
var Channels = []string{"sms", "email", "push", "webhook"}

// Config holds all service settings, populated from environment variables.
type Config struct {
	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	KafkaEnabled          bool
	KafkaBrokers          []string
	KafkaSourceTopic      string
	KafkaTransitionsTopic string
	KafkaAlertsTopic      string
	KafkaGroupID          string
	BatchSize             int
	BatchFlushInterval    time.Duration

	// Verification scoring.
	OracleProvider          string
	OracleURL               string
	OracleToken             string
	OracleCredibleLabels    []string
	OpenAIAPIKey            string
	OpenAIModel             string
	OpenAIBaseURL           string
	ScoringTimeout          time.Duration
	ScoringCacheSize        int
	CredibleThreshold       float64
	MisinformationThreshold float64
	EscalateConfidence      float64

	// Corroboration blends the oracle confidence with the mean confidence of
	// nearby recent reports of the same hazard.
	CorroborationEnabled  bool
	CorroborationAIWeight float64
	CorroborationWeight   float64
	CorroborationRadiusKm float64
	CorroborationWindow   time.Duration

	// Hotspot clustering.
	EscalationThreshold       int
	SecondEscalationThreshold int
	InactivityWindow          time.Duration
	CooldownWindow            time.Duration
	SweepInterval             time.Duration

	// Alert dispatch.
	AlertMaxAttempts    int
	AlertInitialBackoff time.Duration
	AlertMaxBackoff     time.Duration
	AlertSendTimeout    time.Duration
	ChannelWorkers      int
	ChannelRatePerSec   float64
	ChannelBurst        int
	GatewayURLs         map[string]string
	DemoMode            bool

	// Subscriber directory.
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	SubscribersFile string

	// Persistence. Empty keeps records in memory.
	DatabaseURL string

	// Pipeline shape.
	ScoringWorkers int
	ClusterShards  int
	QueueSize      int
	ClockSkew      time.Duration
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	batchSize, err := sharedcfg.ParseBatchSize()
	if err != nil {
		return nil, err
	}

	flushInterval, err := sharedcfg.ParseBatchFlushInterval()
	if err != nil {
		return nil, err
	}

	p := &parser{}
	cfg := &Config{
		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		KafkaEnabled:          p.boolean("KAFKA_ENABLED", true),
		KafkaBrokers:          sharedcfg.ParseBrokers(sharedcfg.EnvOrDefault("KAFKA_BROKERS", "localhost:9092")),
		KafkaSourceTopic:      sharedcfg.EnvOrDefault("KAFKA_SOURCE_TOPIC", "hazard-reports"),
		KafkaTransitionsTopic: sharedcfg.EnvOrDefault("KAFKA_TRANSITIONS_TOPIC", "hotspot-transitions"),
		KafkaAlertsTopic:      sharedcfg.EnvOrDefault("KAFKA_ALERTS_TOPIC", "alert-exhausted"),
		KafkaGroupID:          sharedcfg.EnvOrDefault("KAFKA_GROUP_ID", "coastal-hazard-pipeline"),
		BatchSize:             batchSize,
		BatchFlushInterval:    flushInterval,

		OracleProvider:          strings.ToLower(sharedcfg.EnvOrDefault("ORACLE_PROVIDER", OracleHeuristic)),
		OracleURL:               os.Getenv("ORACLE_URL"),
		OracleToken:             os.Getenv("ORACLE_TOKEN"),
		OracleCredibleLabels:    p.list("ORACLE_CREDIBLE_LABELS"),
		OpenAIAPIKey:            os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:             sharedcfg.EnvOrDefault("OPENAI_MODEL", "gpt-4o-mini"),
		OpenAIBaseURL:           os.Getenv("OPENAI_BASE_URL"),
		ScoringTimeout:          p.duration("SCORING_TIMEOUT", 3*time.Second),
		ScoringCacheSize:        p.integer("SCORING_CACHE_SIZE", 1000),
		CredibleThreshold:       p.float("CREDIBLE_THRESHOLD", 0.7),
		MisinformationThreshold: p.float("MISINFORMATION_THRESHOLD", 0.3),
		EscalateConfidence:      p.float("ESCALATE_CONFIDENCE", 0.85),

		CorroborationEnabled:  p.boolean("CORROBORATION_ENABLED", true),
		CorroborationAIWeight: p.float("CORROBORATION_AI_WEIGHT", 0.6),
		CorroborationWeight:   p.float("CORROBORATION_WEIGHT", 0.4),
		CorroborationRadiusKm: p.float("CORROBORATION_RADIUS_KM", 50),
		CorroborationWindow:   p.duration("CORROBORATION_WINDOW", 72*time.Hour),

		EscalationThreshold:       p.integer("ESCALATION_THRESHOLD", 3),
		SecondEscalationThreshold: p.integer("SECOND_ESCALATION_THRESHOLD", 6),
		InactivityWindow:          p.duration("INACTIVITY_WINDOW", 6*time.Hour),
		CooldownWindow:            p.duration("COOLDOWN_WINDOW", 12*time.Hour),
		SweepInterval:             p.duration("SWEEP_INTERVAL", time.Minute),

		AlertMaxAttempts:    p.integer("ALERT_MAX_ATTEMPTS", 5),
		AlertInitialBackoff: p.duration("ALERT_INITIAL_BACKOFF", time.Second),
		AlertMaxBackoff:     p.duration("ALERT_MAX_BACKOFF", 30*time.Second),
		AlertSendTimeout:    p.duration("ALERT_SEND_TIMEOUT", 10*time.Second),
		ChannelWorkers:      p.integer("CHANNEL_WORKERS", 4),
		ChannelRatePerSec:   p.float("CHANNEL_RATE_PER_SEC", 10),
		ChannelBurst:        p.integer("CHANNEL_BURST", 5),
		GatewayURLs:         gatewayURLs(),
		DemoMode:            p.boolean("DEMO_MODE", true),

		RedisAddr:       os.Getenv("REDIS_ADDR"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		RedisDB:         p.integer("REDIS_DB", 0),
		SubscribersFile: os.Getenv("SUBSCRIBERS_FILE"),

		DatabaseURL: os.Getenv("DATABASE_URL"),

		ScoringWorkers: p.integer("SCORING_WORKERS", 8),
		ClusterShards:  p.integer("CLUSTER_SHARDS", 4),
		QueueSize:      p.integer("QUEUE_SIZE", 256),
		ClockSkew:      p.duration("CLOCK_SKEW", 2*time.Minute),
	}
	if p.err != nil {
		return nil, p.err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.KafkaEnabled {
		if len(c.KafkaBrokers) == 0 {
			return errors.New("KAFKA_BROKERS is required")
		}
		if c.KafkaSourceTopic == "" {
			return errors.New("KAFKA_SOURCE_TOPIC is required")
		}
		if c.KafkaTransitionsTopic == "" {
			return errors.New("KAFKA_TRANSITIONS_TOPIC is required")
		}
	}

	switch c.OracleProvider {
	case OracleHeuristic:
	case OracleHTTP:
		if c.OracleURL == "" {
			return errors.New("ORACLE_PROVIDER is http but ORACLE_URL is not set")
		}
	case OracleOpenAI:
		if c.OpenAIAPIKey == "" {
			return errors.New("ORACLE_PROVIDER is openai but OPENAI_API_KEY is not set")
		}
	default:
		return fmt.Errorf("invalid ORACLE_PROVIDER %q", c.OracleProvider)
	}

	if c.MisinformationThreshold < 0 || c.CredibleThreshold > 1 || c.MisinformationThreshold >= c.CredibleThreshold {
		return errors.New("invalid CREDIBLE_THRESHOLD/MISINFORMATION_THRESHOLD: need 0 <= misinformation < credible <= 1")
	}
	if c.CorroborationEnabled {
		if c.CorroborationAIWeight < 0 || c.CorroborationWeight < 0 || c.CorroborationAIWeight+c.CorroborationWeight <= 0 {
			return errors.New("invalid CORROBORATION_AI_WEIGHT/CORROBORATION_WEIGHT: need non-negative weights with a positive sum")
		}
		if c.CorroborationRadiusKm <= 0 {
			return errors.New("invalid CORROBORATION_RADIUS_KM: must be positive")
		}
	}
	if c.EscalationThreshold < 1 {
		return errors.New("invalid ESCALATION_THRESHOLD: must be at least 1")
	}
	if c.SecondEscalationThreshold <= c.EscalationThreshold {
		return errors.New("invalid SECOND_ESCALATION_THRESHOLD: must exceed ESCALATION_THRESHOLD")
	}
	if c.AlertMaxAttempts < 1 {
		return errors.New("invalid ALERT_MAX_ATTEMPTS: must be at least 1")
	}
	if c.AlertInitialBackoff > c.AlertMaxBackoff {
		return errors.New("invalid ALERT_INITIAL_BACKOFF: exceeds ALERT_MAX_BACKOFF")
	}
	for name, v := range map[string]int{
		"CHANNEL_WORKERS": c.ChannelWorkers,
		"CHANNEL_BURST":   c.ChannelBurst,
		"SCORING_WORKERS": c.ScoringWorkers,
		"CLUSTER_SHARDS":  c.ClusterShards,
		"QUEUE_SIZE":      c.QueueSize,
	} {
		if v < 1 {
			return fmt.Errorf("invalid %s: must be at least 1", name)
		}
	}
	if c.ChannelRatePerSec <= 0 {
		return errors.New("invalid CHANNEL_RATE_PER_SEC: must be positive")
	}
	return nil
}

func gatewayURLs() map[string]string {
	urls := make(map[string]string)
	for _, ch := range Channels {
		if v := os.Getenv("GATEWAY_" + strings.ToUpper(ch) + "_URL"); v != "" {
			urls[ch] = v
		}
	}
	return urls
}

// parser accumulates the first parse error so Load can read every variable
// in one struct literal.
type parser struct {
	err error
}

func (p *parser) fail(key string) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s", key)
	}
}

func (p *parser) duration(key string, def time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		p.fail(key)
		return def
	}
	return d
}

func (p *parser) integer(key string, def int) int {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		p.fail(key)
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.fail(key)
		return def
	}
	return f
}

// list splits a comma-separated variable, dropping empty entries.
func (p *parser) list(key string) []string {
	var out []string
	for _, v := range strings.Split(os.Getenv(key), ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func (p *parser) boolean(key string, def bool) bool {
	s := os.Getenv(key)
	if s == "" {
		return def
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		p.fail(key)
		return def
	}
	return b
}
