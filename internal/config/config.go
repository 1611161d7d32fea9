package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Event source kinds accepted in EVENT_SOURCE.
const (
	SourceMemory    = "memory"
	SourceKafka     = "kafka"
	SourceMQTT      = "mqtt"
	SourceWebSocket = "websocket"
	SourceRedis     = "redis"
	SourceHTTP      = "http"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	EventSource      string
	ReorderWindow    time.Duration
	MaxPendingEvents int

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	SnapshotTTL   time.Duration

	KafkaBrokers         []string
	KafkaTopic           string
	KafkaGroupID         string
	KafkaViolationsTopic string

	MQTTBroker      string
	MQTTClientID    string
	MQTTTopicPrefix string

	WebSocketURL string

	RideServiceURL       string
	PollInterval         time.Duration
	PollFailureThreshold int

	OSRMEndpoint    string
	ETACacheTTL     time.Duration
	DefaultSpeedMps float64

	FCMEndpoint string
	FCMKey      string

	StripeAPIKey   string
	StripeCurrency string

	PGDSN          string
	RunMigrations  bool
	MigrationsPath string

	PolicyFile string
	LogLevel   string
}

// instanceName identifies this replica. Each replica follows its own set of
// rides, so it must see the whole event stream: a consumer group or MQTT
// client id shared between replicas would split or steal it.
func instanceName() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return "ride-tracker-" + h
	}
	return "ride-tracker-" + strconv.Itoa(os.Getpid())
}

func defaultServerConfig() ServerConfig {
	instance := instanceName()
	return ServerConfig{
		HTTPAddr:             ":8080",
		ReadTimeout:          5 * time.Second,
		WriteTimeout:         10 * time.Second,
		IdleTimeout:          120 * time.Second,
		ShutdownTimeout:      15 * time.Second,
		EventSource:          SourceMemory,
		ReorderWindow:        500 * time.Millisecond,
		MaxPendingEvents:     64,
		SnapshotTTL:          24 * time.Hour,
		KafkaTopic:           "ride-events",
		KafkaGroupID:         instance,
		KafkaViolationsTopic: "ride-integrity-violations",
		MQTTClientID:         instance,
		MQTTTopicPrefix:      "rides",
		PollInterval:         2 * time.Second,
		PollFailureThreshold: 3,
		ETACacheTTL:          30 * time.Second,
		DefaultSpeedMps:      8,
		StripeCurrency:       "usd",
		MigrationsPath:       "migrations/001_create_ride_history.sql",
		LogLevel:             "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	if v := os.Getenv("EVENT_SOURCE"); v != "" {
		cfg.EventSource = strings.ToLower(strings.TrimSpace(v))
	}
	setDurationFromEnv(&cfg.ReorderWindow, "REORDER_WINDOW", &errs)
	setIntFromEnv(&cfg.MaxPendingEvents, "REORDER_MAX_PENDING", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setIntFromEnv(&cfg.RedisDB, "REDIS_DB", &errs)
	setDurationFromEnv(&cfg.SnapshotTTL, "SNAPSHOT_TTL", &errs)

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroupID, "KAFKA_GROUP_ID")
	setStringFromEnv(&cfg.KafkaViolationsTopic, "KAFKA_VIOLATIONS_TOPIC")

	setStringFromEnv(&cfg.MQTTBroker, "MQTT_BROKER")
	setStringFromEnv(&cfg.MQTTClientID, "MQTT_CLIENT_ID")
	setStringFromEnv(&cfg.MQTTTopicPrefix, "MQTT_TOPIC_PREFIX")

	setStringFromEnv(&cfg.WebSocketURL, "RIDE_EVENTS_WS_URL")

	setStringFromEnv(&cfg.RideServiceURL, "RIDE_SERVICE_URL")
	setDurationFromEnv(&cfg.PollInterval, "POLL_INTERVAL", &errs)
	setIntFromEnv(&cfg.PollFailureThreshold, "POLL_FAILURE_THRESHOLD", &errs)

	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "ETA_DEFAULT_SPEED_MPS", &errs)

	setStringFromEnv(&cfg.FCMEndpoint, "FCM_ENDPOINT")
	cfg.FCMKey = os.Getenv("FCM_KEY")

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.StripeCurrency, "STRIPE_CURRENCY")

	cfg.PGDSN = os.Getenv("PG_DSN")
	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")
	setStringFromEnv(&cfg.MigrationsPath, "MIGRATIONS_PATH")

	setStringFromEnv(&cfg.PolicyFile, "POLICY_FILE")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	errs = append(errs, cfg.validate()...)
	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	switch c.EventSource {
	case SourceMemory:
	case SourceKafka:
		if len(c.KafkaBrokers) == 0 {
			errs = append(errs, fmt.Errorf("EVENT_SOURCE=kafka requires KAFKA_BROKERS"))
		}
	case SourceMQTT:
		if c.MQTTBroker == "" {
			errs = append(errs, fmt.Errorf("EVENT_SOURCE=mqtt requires MQTT_BROKER"))
		}
	case SourceWebSocket:
		if c.WebSocketURL == "" {
			errs = append(errs, fmt.Errorf("EVENT_SOURCE=websocket requires RIDE_EVENTS_WS_URL"))
		}
	case SourceRedis:
		if c.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("EVENT_SOURCE=redis requires REDIS_ADDR"))
		}
	case SourceHTTP:
		if c.RideServiceURL == "" {
			errs = append(errs, fmt.Errorf("EVENT_SOURCE=http requires RIDE_SERVICE_URL"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown EVENT_SOURCE %q", c.EventSource))
	}
	if c.ReorderWindow < 0 {
		errs = append(errs, fmt.Errorf("REORDER_WINDOW must be >= 0"))
	}
	if c.MaxPendingEvents <= 0 {
		errs = append(errs, fmt.Errorf("REORDER_MAX_PENDING must be > 0"))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("POLL_INTERVAL must be > 0"))
	}
	if c.PollFailureThreshold <= 0 {
		errs = append(errs, fmt.Errorf("POLL_FAILURE_THRESHOLD must be > 0"))
	}
	return errs
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
