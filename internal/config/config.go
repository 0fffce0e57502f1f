package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
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

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	ScheduleKey   string

	KafkaBrokers        []string
	KafkaLocationsTopic string
	KafkaEventsTopic    string

	PGDSN         string
	RunMigrations bool

	OfferTimeout time.Duration
	// MaxFallbackRounds of zero turns fallback re-offers off.
	MaxFallbackRounds int
	MaxDistanceKm     float64

	Push PushConfig

	OSRMURL         string
	ETACacheTTL     time.Duration
	DefaultSpeedMps float64

	StripeAPIKey    string
	PaymentCurrency string

	LogLevel  string
	LogFormat string
}

type PushConfig struct {
	Provider           string // log, fcm, apns, webhook
	FCMCredentialsFile string
	APNSKeyFile        string
	APNSKeyID          string
	APNSTeamID         string
	APNSTopic          string
	APNSProduction     bool
	WebhookURL         string
	WebhookToken       string
}

// ConsumerConfig is the location consumer's configuration.
type ConsumerConfig struct {
	KafkaBrokers  []string
	Topic         string
	GroupID       string
	PGDSN         string
	MetricsAddr   string
	MaxRetries    int
	RetryInterval time.Duration
	LogLevel      string
	LogFormat     string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:            ":8080",
		ReadTimeout:         5 * time.Second,
		WriteTimeout:        10 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     15 * time.Second,
		ScheduleKey:         "dispatch",
		KafkaLocationsTopic: "driver-locations",
		KafkaEventsTopic:    "ride-dispatch-events",
		OfferTimeout:        65 * time.Second,
		MaxFallbackRounds:   5,
		Push:                PushConfig{Provider: "log"},
		ETACacheTTL:         2 * time.Minute,
		DefaultSpeedMps:     10,
		PaymentCurrency:     "usd",
		LogLevel:            "info",
		LogFormat:           "json",
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

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setIntFromEnv(&cfg.RedisDB, "REDIS_DB", &errs)
	setStringFromEnv(&cfg.ScheduleKey, "DISPATCH_SCHEDULE_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaLocationsTopic, "KAFKA_LOCATIONS_TOPIC")
	setStringFromEnv(&cfg.KafkaEventsTopic, "KAFKA_EVENTS_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")
	setBoolFromEnv(&cfg.RunMigrations, "RUN_MIGRATIONS", &errs)

	setDurationFromEnv(&cfg.OfferTimeout, "DISPATCH_OFFER_TIMEOUT", &errs)
	setIntFromEnv(&cfg.MaxFallbackRounds, "DISPATCH_MAX_FALLBACK_ROUNDS", &errs)
	setFloatFromEnv(&cfg.MaxDistanceKm, "DISPATCH_MAX_DISTANCE_KM", &errs)

	if v := os.Getenv("PUSH_PROVIDER"); v != "" {
		cfg.Push.Provider = strings.ToLower(strings.TrimSpace(v))
	}
	setStringFromEnv(&cfg.Push.FCMCredentialsFile, "FCM_CREDENTIALS_FILE")
	setStringFromEnv(&cfg.Push.APNSKeyFile, "APNS_KEY_FILE")
	setStringFromEnv(&cfg.Push.APNSKeyID, "APNS_KEY_ID")
	setStringFromEnv(&cfg.Push.APNSTeamID, "APNS_TEAM_ID")
	setStringFromEnv(&cfg.Push.APNSTopic, "APNS_TOPIC")
	setBoolFromEnv(&cfg.Push.APNSProduction, "APNS_PRODUCTION", &errs)
	setStringFromEnv(&cfg.Push.WebhookURL, "PUSH_WEBHOOK_URL")
	cfg.Push.WebhookToken = os.Getenv("PUSH_WEBHOOK_TOKEN")

	setStringFromEnv(&cfg.OSRMURL, "OSRM_URL")
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "DEFAULT_SPEED_MPS", &errs)

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.PaymentCurrency, "PAYMENT_CURRENCY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	setStringFromEnv(&cfg.LogFormat, "LOG_FORMAT")

	if cfg.OfferTimeout <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_OFFER_TIMEOUT must be > 0"))
	}
	if cfg.MaxFallbackRounds < 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_FALLBACK_ROUNDS must be >= 0"))
	}
	if cfg.MaxDistanceKm < 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_DISTANCE_KM must be >= 0"))
	}
	if cfg.DefaultSpeedMps <= 0 {
		errs = append(errs, fmt.Errorf("DEFAULT_SPEED_MPS must be > 0"))
	}
	errs = append(errs, cfg.Push.validate()...)

	return cfg, errors.Join(errs...)
}

func (p PushConfig) validate() []error {
	var errs []error
	switch p.Provider {
	case "log":
	case "fcm":
		if p.FCMCredentialsFile == "" {
			errs = append(errs, fmt.Errorf("FCM_CREDENTIALS_FILE is required for PUSH_PROVIDER=fcm"))
		}
	case "apns":
		if p.APNSKeyFile == "" || p.APNSKeyID == "" || p.APNSTeamID == "" || p.APNSTopic == "" {
			errs = append(errs, fmt.Errorf("APNS_KEY_FILE, APNS_KEY_ID, APNS_TEAM_ID and APNS_TOPIC are required for PUSH_PROVIDER=apns"))
		}
	case "webhook":
		if p.WebhookURL == "" {
			errs = append(errs, fmt.Errorf("PUSH_WEBHOOK_URL is required for PUSH_PROVIDER=webhook"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown PUSH_PROVIDER %q", p.Provider))
	}
	return errs
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := ConsumerConfig{
		Topic:         "driver-locations",
		GroupID:       "driver-location-consumer",
		MetricsAddr:   ":9100",
		MaxRetries:    5,
		RetryInterval: 200 * time.Millisecond,
		LogLevel:      "info",
		LogFormat:     "json",
	}
	var errs []error

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.Topic, "KAFKA_LOCATIONS_TOPIC")
	setStringFromEnv(&cfg.GroupID, "KAFKA_GROUP_ID")
	cfg.PGDSN = os.Getenv("PG_DSN")
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	setIntFromEnv(&cfg.MaxRetries, "CONSUMER_MAX_RETRIES", &errs)
	setDurationFromEnv(&cfg.RetryInterval, "CONSUMER_RETRY_INTERVAL", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}
	setStringFromEnv(&cfg.LogFormat, "LOG_FORMAT")

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS is required"))
	}
	if cfg.PGDSN == "" {
		errs = append(errs, fmt.Errorf("PG_DSN is required"))
	}
	if cfg.MaxRetries <= 0 {
		errs = append(errs, fmt.Errorf("CONSUMER_MAX_RETRIES must be > 0"))
	}
	return cfg, errors.Join(errs...)
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

func setBoolFromEnv(target *bool, key string, errs *[]error) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = b
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
