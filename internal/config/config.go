package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
// Values come from environment variables (or CONFIG_FILE) with defaults that
// let the binary run locally without any infrastructure.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaRideTopic     string

	PGDSN         string
	RunMigrations bool

	JWTSecret string

	ZonePrecision         uint
	DriverLiveness        time.Duration
	PresenceSweepInterval time.Duration

	OfferWindow     time.Duration
	MaxCandidates   int
	MaxOfferRounds  int
	DefaultSpeedMps float64

	ClientQueueSize int

	LogLevel string
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:              ":8080",
		ReadTimeout:           5 * time.Second,
		WriteTimeout:          10 * time.Second,
		IdleTimeout:           120 * time.Second,
		ShutdownTimeout:       15 * time.Second,
		RedisGeoKey:           "drivers_geo",
		KafkaLocationTopic:    "driver-locations",
		KafkaRideTopic:        "ride-events",
		ZonePrecision:         6,
		DriverLiveness:        30 * time.Second,
		PresenceSweepInterval: 15 * time.Second,
		OfferWindow:           30 * time.Second,
		MaxCandidates:         5,
		MaxOfferRounds:        3,
		DefaultSpeedMps:       8,
		ClientQueueSize:       64,
		LogLevel:              "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	v, errs := newViper()

	setString(v, &cfg.HTTPAddr, "HTTP_ADDR")
	setDuration(v, &cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDuration(v, &cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDuration(v, &cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDuration(v, &cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	setString(v, &cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = v.GetString("REDIS_PASSWORD")
	setString(v, &cfg.RedisGeoKey, "REDIS_GEO_KEY")

	cfg.KafkaBrokers = splitAndTrim(v.GetString("KAFKA_BROKERS"))
	setString(v, &cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setString(v, &cfg.KafkaRideTopic, "KAFKA_RIDE_TOPIC")

	cfg.PGDSN = strings.TrimSpace(v.GetString("PG_DSN"))
	setBool(v, &cfg.RunMigrations, "MIGRATE", &errs)

	cfg.JWTSecret = v.GetString("JWT_SECRET")

	setUint(v, &cfg.ZonePrecision, "ZONE_PRECISION", &errs)
	setDuration(v, &cfg.DriverLiveness, "DRIVER_LIVENESS", &errs)
	setDuration(v, &cfg.PresenceSweepInterval, "PRESENCE_SWEEP_INTERVAL", &errs)

	setDuration(v, &cfg.OfferWindow, "OFFER_WINDOW", &errs)
	setInt(v, &cfg.MaxCandidates, "MAX_CANDIDATES", &errs)
	setInt(v, &cfg.MaxOfferRounds, "MAX_OFFER_ROUNDS", &errs)
	setFloat(v, &cfg.DefaultSpeedMps, "MATCHER_DEFAULT_SPEED_MPS", &errs)

	setInt(v, &cfg.ClientQueueSize, "CLIENT_QUEUE_SIZE", &errs)

	if lvl := v.GetString("LOG_LEVEL"); lvl != "" {
		cfg.LogLevel = strings.ToLower(lvl)
	}

	if cfg.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if cfg.MaxCandidates <= 0 {
		errs = append(errs, errors.New("MAX_CANDIDATES must be > 0"))
	}
	if cfg.MaxOfferRounds <= 0 {
		errs = append(errs, errors.New("MAX_OFFER_ROUNDS must be > 0"))
	}
	if cfg.OfferWindow <= 0 {
		errs = append(errs, errors.New("OFFER_WINDOW must be > 0"))
	}
	if cfg.ZonePrecision < 1 || cfg.ZonePrecision > 12 {
		errs = append(errs, errors.New("ZONE_PRECISION must be between 1 and 12"))
	}
	if cfg.ClientQueueSize <= 0 {
		errs = append(errs, errors.New("CLIENT_QUEUE_SIZE must be > 0"))
	}
	if cfg.PresenceSweepInterval <= 0 {
		errs = append(errs, errors.New("PRESENCE_SWEEP_INTERVAL must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig drives the kafka -> redis presence mirror.
type ConsumerConfig struct {
	MetricsAddr string

	KafkaBrokers       []string
	KafkaLocationTopic string
	KafkaGroup         string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	ApplyAttempts int
	ApplyBackoff  time.Duration

	LogLevel string
}

func defaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		MetricsAddr:        ":2112",
		KafkaBrokers:       []string{"localhost:9092"},
		KafkaLocationTopic: "driver-locations",
		KafkaGroup:         "ride-dispatch-presence-mirror",
		RedisAddr:          "localhost:6379",
		RedisGeoKey:        "drivers_geo",
		ApplyAttempts:      3,
		ApplyBackoff:       200 * time.Millisecond,
		LogLevel:           "info",
	}
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg := defaultConsumerConfig()
	v, errs := newViper()

	setString(v, &cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := splitAndTrim(v.GetString("KAFKA_BROKERS")); len(brokers) > 0 {
		cfg.KafkaBrokers = brokers
	}
	setString(v, &cfg.KafkaLocationTopic, "KAFKA_LOCATION_TOPIC")
	setString(v, &cfg.KafkaGroup, "KAFKA_GROUP")
	setString(v, &cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = v.GetString("REDIS_PASSWORD")
	setString(v, &cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setInt(v, &cfg.ApplyAttempts, "REDIS_APPLY_ATTEMPTS", &errs)
	setDuration(v, &cfg.ApplyBackoff, "REDIS_APPLY_BACKOFF", &errs)
	if lvl := v.GetString("LOG_LEVEL"); lvl != "" {
		cfg.LogLevel = strings.ToLower(lvl)
	}

	if cfg.ApplyAttempts <= 0 {
		errs = append(errs, errors.New("REDIS_APPLY_ATTEMPTS must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

// newViper reads the environment and, when CONFIG_FILE points at one, a
// config file whose keys use the same names as the variables.
func newViper() (*viper.Viper, []error) {
	var errs []error
	v := viper.New()
	v.AutomaticEnv()
	if file := strings.TrimSpace(os.Getenv("CONFIG_FILE")); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			errs = append(errs, fmt.Errorf("read CONFIG_FILE %s: %w", file, err))
		}
	}
	return v, errs
}

func setString(v *viper.Viper, target *string, key string) {
	if s := strings.TrimSpace(v.GetString(key)); s != "" {
		*target = s
	}
}

func setDuration(v *viper.Viper, target *time.Duration, key string, errs *[]error) {
	if !v.IsSet(key) {
		return
	}
	d, err := cast.ToDurationE(v.Get(key))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return
	}
	*target = d
}

func setInt(v *viper.Viper, target *int, key string, errs *[]error) {
	if !v.IsSet(key) {
		return
	}
	i, err := cast.ToIntE(v.Get(key))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return
	}
	*target = i
}

func setUint(v *viper.Viper, target *uint, key string, errs *[]error) {
	if !v.IsSet(key) {
		return
	}
	u, err := cast.ToUintE(v.Get(key))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return
	}
	*target = u
}

func setFloat(v *viper.Viper, target *float64, key string, errs *[]error) {
	if !v.IsSet(key) {
		return
	}
	f, err := cast.ToFloat64E(v.Get(key))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return
	}
	*target = f
}

func setBool(v *viper.Viper, target *bool, key string, errs *[]error) {
	if !v.IsSet(key) {
		return
	}
	b, err := cast.ToBoolE(v.Get(key))
	if err != nil {
		*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
		return
	}
	*target = b
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
