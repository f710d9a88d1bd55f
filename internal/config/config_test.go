package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lox/portfoliosync/internal/models"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}
	if cfg.API.RetryAttempts != 3 {
		t.Errorf("API.RetryAttempts = %d, want 3", cfg.API.RetryAttempts)
	}
	if cfg.Schedule.Mode != "incremental" {
		t.Errorf("Schedule.Mode = %q, want incremental", cfg.Schedule.Mode)
	}
	if err := cfg.ValidateAPI(); err == nil {
		t.Error("ValidateAPI() should require base_url and api_key")
	}
}

func TestLoadLayersFileAndEnv(t *testing.T) {
	path := writeConfig(t, `
api:
  base_url: https://portal.example.com/api
  api_key: from-file
  retry_base_delay: 250ms
database:
  path: /tmp/portfolio.db
data:
  start_date: "2024-01-01"
  end_date: "2024-12-31"
  price_areas: [NO1]
logging:
  format: json
`)
	t.Setenv("PORTFOLIO_API__API_KEY", "from-env")
	t.Setenv("PORTFOLIO_DATA__PRICE_AREAS", "NO1, NO2")
	t.Setenv("PORTFOLIO_SCHEDULE__CRON", "0 3 * * *")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.API.BaseURL != "https://portal.example.com/api" {
		t.Errorf("API.BaseURL = %q", cfg.API.BaseURL)
	}
	if cfg.API.APIKey != "from-env" {
		t.Errorf("API.APIKey = %q, want env override", cfg.API.APIKey)
	}
	if cfg.API.RetryBaseDelay != 250*time.Millisecond {
		t.Errorf("API.RetryBaseDelay = %v", cfg.API.RetryBaseDelay)
	}
	if cfg.API.Timeout != 30 {
		t.Errorf("API.Timeout = %d, want default 30", cfg.API.Timeout)
	}
	if got := strings.Join(cfg.Data.PriceAreas, ","); got != "NO1,NO2" {
		t.Errorf("Data.PriceAreas = %v", cfg.Data.PriceAreas)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q", cfg.Logging.Format)
	}
	if cfg.Schedule.Cron != "0 3 * * *" {
		t.Errorf("Schedule.Cron = %q", cfg.Schedule.Cron)
	}
	if err := cfg.ValidateAPI(); err != nil {
		t.Errorf("ValidateAPI() = %v", err)
	}

	start, end, err := cfg.Dates()
	if err != nil {
		t.Fatal(err)
	}
	if !start.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) || !end.Equal(time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("Dates() = %v, %v", start, end)
	}
}

func TestLoadWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Database.Path != Defaults().Database.Path {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"bad start date", func(c *Config) { c.Data.StartDate = "01/02/2024" }, "data.start_date"},
		{"end before start", func(c *Config) { c.Data.StartDate = "2024-05-01"; c.Data.EndDate = "2024-04-30" }, "before"},
		{"unknown entity", func(c *Config) { c.Data.Entities = []string{"weather"} }, "data.entities"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad mode", func(c *Config) { c.Schedule.Mode = "sometimes" }, "schedule.mode"},
		{"retry attempts", func(c *Config) { c.API.RetryAttempts = 0 }, "api.retry_attempts"},
		{"publish without addr", func(c *Config) { c.Publish.Enabled = true }, "publish.addr"},
		{"bad base url", func(c *Config) { c.API.BaseURL = "not a url" }, "api.base_url"},
		{"valid range", func(c *Config) { c.Data.StartDate = "2024-01-01"; c.Data.EndDate = "2024-01-01" }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}

func TestEntities(t *testing.T) {
	cfg := Defaults()
	cfg.Data.Entities = []string{"production_day", "company"}
	got, err := cfg.Entities()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != models.EntityCompany || got[1] != models.EntityProductionDay {
		t.Errorf("Entities() = %v, want dependency order", got)
	}
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"PORTFOLIO_API__BASE_URL":            "api.base_url",
		"PORTFOLIO_DATABASE__PATH":           "database.path",
		"PORTFOLIO_LOGGING__MAX_SIZE_MB":     "logging.max_size_mb",
		"PORTFOLIO_PUBLISH__ENABLED":         "publish.enabled",
		"PORTFOLIO_METRICS__PUSHGATEWAY_URL": "metrics.pushgateway_url",
	}
	for in, want := range tests {
		if got := envKey(in); got != want {
			t.Errorf("envKey(%q) = %q, want %q", in, got, want)
		}
	}
}
