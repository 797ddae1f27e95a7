// Package config loads notifier settings from the environment, an optional
// .env file and an optional YAML file.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"

	"github.com/sweeney/truck-notifier/internal/logger"
)

type Config struct {
	HTTPAddr     string        `env:"HTTP_ADDR, default=:8080"             yaml:"http_addr"`
	LogLevel     string        `env:"LOG_LEVEL, default=info"              yaml:"log_level"`
	LogPretty    bool          `env:"LOG_PRETTY, default=false"            yaml:"log_pretty"`
	Timezone     string        `env:"TIMEZONE, default=Asia/Taipei"        yaml:"timezone"           validate:"required"`
	PollInterval time.Duration `env:"POLL_INTERVAL, default=60s"           yaml:"poll_interval"      validate:"gt=0"`
	Heartbeat    time.Duration `env:"HEARTBEAT_INTERVAL, default=15m"      yaml:"heartbeat_interval" validate:"gte=0"`
	ConfigFile   string        `env:"CONFIG_FILE"                          yaml:"-"`

	API      APIConfig      `env:", prefix=API_"   yaml:"api"`
	Tracking TrackingConfig `env:", prefix=TRACK_" yaml:"tracking"`
	Redis    RedisConfig    `env:", prefix=REDIS_" yaml:"redis"`
	MQTT     MQTTConfig     `env:", prefix=MQTT_"  yaml:"mqtt"`
	NATS     NATSConfig     `env:", prefix=NATS_"  yaml:"nats"`
}

type APIConfig struct {
	BaseURL      string        `env:"BASE_URL, default=https://crd-rubbish.epd.ntpc.gov.tw/WebAPI" yaml:"base_url"      validate:"required,url"`
	Timeout      time.Duration `env:"TIMEOUT, default=10s"                                         yaml:"timeout"       validate:"gt=0"`
	RetryCount   int           `env:"RETRY_COUNT, default=3"                                       yaml:"retry_count"   validate:"gte=1"`
	RetryDelay   time.Duration `env:"RETRY_DELAY, default=2s"                                      yaml:"retry_delay"   validate:"gte=0"`
	CacheEnabled bool          `env:"CACHE_ENABLED, default=true"                                  yaml:"cache_enabled"`
	CacheTTL     time.Duration `env:"CACHE_TTL, default=60s"                                       yaml:"cache_ttl"     validate:"gt=0"`
}

type TrackingConfig struct {
	Lat        float64  `env:"LAT"                  yaml:"lat"         validate:"required,latitude"`
	Lng        float64  `env:"LNG"                  yaml:"lng"         validate:"required,longitude"`
	TimeFilter int      `env:"TIME_FILTER, default=0" yaml:"time_filter" validate:"gte=0"`
	Week       int      `env:"WEEK, default=0"      yaml:"week"        validate:"gte=0,lte=7"`
	Routes     []string `env:"ROUTES"               yaml:"routes"`
	EnterPoint string   `env:"ENTER_POINT"          yaml:"enter_point" validate:"required,nefield=ExitPoint"`
	ExitPoint  string   `env:"EXIT_POINT"           yaml:"exit_point"  validate:"required"`

	// Strategy selects the enter rule. "arrival" waits for the enter point's
	// arrival record; "lookahead" fires Threshold stops early.
	Strategy           string `env:"STRATEGY, default=arrival"      yaml:"strategy"            validate:"oneof=arrival lookahead"`
	LookaheadThreshold int    `env:"LOOKAHEAD_THRESHOLD, default=2" yaml:"lookahead_threshold" validate:"gte=0"`
	TriggerMode        string `env:"TRIGGER_MODE, default=arriving" yaml:"trigger_mode"        validate:"oneof=arriving arrived"`
}

// RedisConfig enables the shared Redis snapshot cache when Addr is set.
type RedisConfig struct {
	Addr     string `env:"ADDR"         yaml:"addr"`
	Password string `env:"PASSWORD"     yaml:"password"`
	DB       int    `env:"DB, default=0" yaml:"db" validate:"gte=0"`
}

// MQTTConfig enables MQTT publishing when Broker is set.
type MQTTConfig struct {
	Broker     string `env:"BROKER"                        yaml:"broker"`
	ClientID   string `env:"CLIENT_ID, default=truck-notifier" yaml:"client_id"`
	BufferSize int    `env:"BUFFER_SIZE, default=100"      yaml:"buffer_size" validate:"gte=1"`
}

// NATSConfig enables NATS publishing when URL is set.
type NATSConfig struct {
	URL           string `env:"URL"                                yaml:"url"`
	SubjectPrefix string `env:"SUBJECT_PREFIX, default=garbage.truck" yaml:"subject_prefix"`
}

// Load reads .env (if present), then the environment, then CONFIG_FILE (if
// set). Keys present in the YAML file override the environment.
func Load(ctx context.Context) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if cfg.ConfigFile != "" {
		data, err := os.ReadFile(cfg.ConfigFile)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", cfg.ConfigFile, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", cfg.ConfigFile, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks field constraints, the log level and that the timezone
// exists.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			msgs := make([]string, 0, len(ve))
			for _, fe := range ve {
				msgs = append(msgs, fieldError(fe))
			}
			return fmt.Errorf("config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("config: %w", err)
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("config: timezone %q: %w", c.Timezone, err)
	}
	return nil
}

// Location returns the configured timezone. Validate must have passed.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

func fieldError(fe validator.FieldError) string {
	field := fe.Namespace()
	if i := strings.IndexByte(field, '.'); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "nefield":
		return fmt.Sprintf("%s must differ from %s", field, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, fe.Param())
	case "latitude", "longitude", "url":
		return fmt.Sprintf("%s must be a valid %s", field, fe.Tag())
	case "gt", "gte", "lte":
		return fmt.Sprintf("%s must be %s %s", field, fe.Tag(), fe.Param())
	default:
		return fmt.Sprintf("%s failed validation (%s)", field, fe.Tag())
	}
}
