// Package config loads portfoliosync settings from defaults, a YAML file
// and PORTFOLIO_ environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/lox/portfoliosync/internal/models"
)

// EnvPrefix marks environment overrides. Nested keys are separated by a
// double underscore: PORTFOLIO_API__BASE_URL sets api.base_url.
const EnvPrefix = "PORTFOLIO_"

const dateLayout = "2006-01-02"

// DefaultPaths are tried in order when no config file is given.
var DefaultPaths = []string{"config.yaml", "config.yml"}

type Config struct {
	API      APIConfig      `koanf:"api"`
	Database DatabaseConfig `koanf:"database"`
	Data     DataConfig     `koanf:"data"`
	Logging  LoggingConfig  `koanf:"logging"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Publish  PublishConfig  `koanf:"publish"`
	Schedule ScheduleConfig `koanf:"schedule"`
}

type APIConfig struct {
	BaseURL string `koanf:"base_url" validate:"omitempty,url"`
	APIKey  string `koanf:"api_key"`
	// Timeout is in seconds.
	Timeout           int           `koanf:"timeout" validate:"min=1"`
	RetryAttempts     int           `koanf:"retry_attempts" validate:"min=1,max=10"`
	RetryBaseDelay    time.Duration `koanf:"retry_base_delay" validate:"min=0"`
	RetryMaxDelay     time.Duration `koanf:"retry_max_delay" validate:"min=0"`
	RequestsPerSecond float64       `koanf:"requests_per_second" validate:"min=0"`
	BreakerFailures   uint32        `koanf:"breaker_failures"`
	BreakerTimeout    time.Duration `koanf:"breaker_timeout" validate:"min=0"`
}

type DatabaseConfig struct {
	Path                string        `koanf:"path" validate:"required"`
	KeepRawPayloads     bool          `koanf:"keep_raw_payloads"`
	RawPayloadRetention time.Duration `koanf:"raw_payload_retention" validate:"min=0"`
}

type DataConfig struct {
	StartDate  string   `koanf:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate    string   `koanf:"end_date" validate:"omitempty,datetime=2006-01-02"`
	PriceAreas []string `koanf:"price_areas"`
	Entities   []string `koanf:"entities"`
}

type LoggingConfig struct {
	Level      string `koanf:"level" validate:"oneof=debug info warn error"`
	Format     string `koanf:"format" validate:"oneof=console json"`
	File       string `koanf:"file"`
	Console    bool   `koanf:"console"`
	MaxSizeMB  int    `koanf:"max_size_mb" validate:"min=0"`
	MaxBackups int    `koanf:"max_backups" validate:"min=0"`
	MaxAgeDays int    `koanf:"max_age_days" validate:"min=0"`
	Compress   bool   `koanf:"compress"`
}

type MetricsConfig struct {
	PushgatewayURL string `koanf:"pushgateway_url" validate:"omitempty,url"`
	Job            string `koanf:"job"`
}

type PublishConfig struct {
	Enabled  bool          `koanf:"enabled"`
	Addr     string        `koanf:"addr" validate:"required_if=Enabled true"`
	User     string        `koanf:"user"`
	Password string        `koanf:"password"`
	Dir      string        `koanf:"dir"`
	Timeout  time.Duration `koanf:"timeout" validate:"min=0"`
}

type ScheduleConfig struct {
	Cron   string `koanf:"cron" validate:"required"`
	Listen string `koanf:"listen"`
	Mode   string `koanf:"mode" validate:"oneof=full incremental"`
}

// Defaults returns the configuration used before any file or environment
// override is applied.
func Defaults() *Config {
	return &Config{
		API: APIConfig{
			Timeout:           30,
			RetryAttempts:     3,
			RetryBaseDelay:    time.Second,
			RetryMaxDelay:     30 * time.Second,
			RequestsPerSecond: 5,
			BreakerFailures:   5,
			BreakerTimeout:    time.Minute,
		},
		Database: DatabaseConfig{
			Path:                "data/portfolio.db",
			RawPayloadRetention: 30 * 24 * time.Hour,
		},
		Data: DataConfig{
			StartDate: "2025-01-01",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			Console:    true,
			MaxSizeMB:  10,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
		Metrics: MetricsConfig{
			Job: "portfoliosync",
		},
		Publish: PublishConfig{
			Dir:     "/",
			Timeout: 30 * time.Second,
		},
		Schedule: ScheduleConfig{
			Cron:   "15 * * * *",
			Listen: ":9090",
			Mode:   string(models.ModeIncremental),
		},
	}
}

// Load layers defaults, the YAML file at path and the environment. An
// empty path searches DefaultPaths and tolerates no file at all; an
// explicit path must exist.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path == "" {
		path = findConfigFile()
	} else if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	if err := splitLists(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func findConfigFile() string {
	for _, p := range DefaultPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		} else if !errors.Is(err, fs.ErrNotExist) {
			return p
		}
	}
	return ""
}

// listKeys hold string lists. Environment values for them are comma
// separated.
var listKeys = []string{"data.price_areas", "data.entities"}

func splitLists(k *koanf.Koanf) error {
	for _, key := range listKeys {
		v, ok := k.Get(key).(string)
		if !ok {
			continue
		}
		var parts []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(key, parts); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	return nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("koanf"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field constraints and the relations between fields.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return fmt.Errorf("validate config: %w", err)
		}
		msgs := make([]string, 0, len(verrs))
		for _, fe := range verrs {
			key := fe.Namespace()
			if i := strings.IndexByte(key, '.'); i >= 0 {
				key = key[i+1:]
			}
			msg := fmt.Sprintf("%s: failed %q", key, fe.Tag())
			if fe.Param() != "" {
				msg = fmt.Sprintf("%s: failed %q (%s)", key, fe.Tag(), fe.Param())
			}
			msgs = append(msgs, msg)
		}
		return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
	}

	start, end, err := c.Dates()
	if err != nil {
		return err
	}
	if !end.IsZero() && end.Before(start) {
		return fmt.Errorf("invalid config: data.end_date %s is before data.start_date %s", c.Data.EndDate, c.Data.StartDate)
	}
	if _, err := models.ParseEntities(c.Data.Entities); err != nil {
		return fmt.Errorf("invalid config: data.entities: %w", err)
	}
	return nil
}

// ValidateAPI checks the settings needed to talk to the portal.
func (c *Config) ValidateAPI() error {
	var missing []string
	if c.API.BaseURL == "" {
		missing = append(missing, "api.base_url")
	}
	if c.API.APIKey == "" {
		missing = append(missing, "api.api_key")
	}
	if len(missing) > 0 {
		return fmt.Errorf("invalid config: %s required", strings.Join(missing, ", "))
	}
	return nil
}

// Dates parses data.start_date and data.end_date. A missing end date is
// returned as the zero time.
func (c *Config) Dates() (start, end time.Time, err error) {
	start, err = time.Parse(dateLayout, c.Data.StartDate)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid config: data.start_date: %w", err)
	}
	if c.Data.EndDate != "" {
		end, err = time.Parse(dateLayout, c.Data.EndDate)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid config: data.end_date: %w", err)
		}
	}
	return start, end, nil
}

// Entities returns the configured default entity set in dependency order.
func (c *Config) Entities() ([]models.EntityType, error) {
	return models.ParseEntities(c.Data.Entities)
}

func (c *APIConfig) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}
