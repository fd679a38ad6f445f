package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"gopkg.in/yaml.v2"
)

const (
	productionAuthURL  = "https://auth.servicetitan.io/connect/token"
	integrationAuthURL = "https://auth-integration.servicetitan.io/connect/token"

	// integrationMarker is the BASE_URL substring designating the ServiceTitan
	// integration (non-production) environment.
	integrationMarker = "api-integration"
)

// SheetName is the name of the single sheet written to the output workbook.
const SheetName = "invoices"

// Defaults for settings not provided by the environment or the yaml file.
const (
	DefaultExcelPath         = "output/invoices.xlsx"
	DefaultStatePath         = "state/sync_state.json"
	DefaultLogPath           = "logs/app.log"
	DefaultHistoryDBPath     = "state/runs.db"
	DefaultLogLevel          = "info"
	DefaultPageSize          = 500
	DefaultRequestTimeout    = 30 * time.Second
	DefaultMaxAttempts       = 3
	DefaultRequestsPerSecond = 10.0
)

// historyDisabled is the HISTORY_DB_PATH value which turns off the run ledger.
const historyDisabled = "-"

// Config represents the entire application configuration. Credentials are only ever
// read from the environment; the optional yaml file holds non-secret tuning.
type Config struct {
	ClientID     string `yaml:"-"`
	ClientSecret string `yaml:"-"`
	TenantID     string `yaml:"-"`
	AppKey       string `yaml:"-"`
	BaseURL      string `yaml:"-"`
	AuthURL      string `yaml:"-"` // derived from BaseURL

	ExcelPath         string  `yaml:"excel_path"`
	StatePath         string  `yaml:"state_path"`
	LogPath           string  `yaml:"log_path"`
	HistoryDBPath     string  `yaml:"history_db_path"`
	SQLDir            string  `yaml:"sql_dir"` // optional replacement for the embedded ledger sql
	LogLevel          string  `yaml:"log_level"`
	PageSize          int     `yaml:"page_size"`
	MaxAttempts       int     `yaml:"max_attempts"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	RequestTimeoutStr string  `yaml:"request_timeout"`

	RequestTimeout time.Duration             // Parsed from RequestTimeoutStr
	OAuth2Config   *clientcredentials.Config // Built from the credentials and AuthURL
}

// envSettings maps environment variable names to the Config fields they set.
func (c *Config) envSettings() map[string]*string {
	return map[string]*string{
		"CLIENT_ID":       &c.ClientID,
		"CLIENT_SECRET":   &c.ClientSecret,
		"TENANT_ID":       &c.TenantID,
		"APP_KEY":         &c.AppKey,
		"BASE_URL":        &c.BaseURL,
		"EXCEL_PATH":      &c.ExcelPath,
		"STATE_PATH":      &c.StatePath,
		"LOG_PATH":        &c.LogPath,
		"HISTORY_DB_PATH": &c.HistoryDBPath,
		"SQL_DIR":         &c.SQLDir,
		"LOG_LEVEL":       &c.LogLevel,
	}
}

// Load loads and validates the configuration. A `.env` file in the working directory
// is loaded first if present, without overriding variables already set. The yaml file
// at filePath is optional; an empty filePath skips it. Environment values take
// precedence over the yaml file.
func Load(filePath string) (*Config, error) {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("failed to load .env file: %w", err)
		}
	}

	var cfg Config
	if filePath != "" {
		if _, err := os.Stat(filePath); os.IsNotExist(err) {
			return nil, fmt.Errorf("config file does not exist: %s", filePath)
		}
		configFile, err := os.ReadFile(filePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(configFile, &cfg); err != nil {
			return nil, fmt.Errorf("unable to parse YAML config file: %w", err)
		}
	}

	for name, field := range cfg.envSettings() {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*field = v
		}
	}

	if err := validateAndPrepare(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// validateAndPrepare checks for required fields, applies defaults and sets up derived
// values.
func validateAndPrepare(c *Config) error {
	// Credentials.
	if c.ClientID == "" {
		return errors.New("CLIENT_ID is missing")
	}
	if c.ClientSecret == "" {
		return errors.New("CLIENT_SECRET is missing")
	}
	if c.TenantID == "" {
		return errors.New("TENANT_ID is missing")
	}
	if c.AppKey == "" {
		return errors.New("APP_KEY is missing")
	}
	if c.BaseURL == "" {
		return errors.New("BASE_URL is missing")
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if !strings.HasPrefix(c.BaseURL, "https://") {
		return fmt.Errorf("BASE_URL must start with https://, got %q", c.BaseURL)
	}
	if c.AuthURL == "" {
		c.AuthURL = DeriveAuthURL(c.BaseURL)
	}

	// Paths.
	if c.ExcelPath == "" {
		c.ExcelPath = DefaultExcelPath
	}
	if c.StatePath == "" {
		c.StatePath = DefaultStatePath
	}
	if c.LogPath == "" {
		c.LogPath = DefaultLogPath
	}
	switch c.HistoryDBPath {
	case "":
		c.HistoryDBPath = DefaultHistoryDBPath
	case historyDisabled:
		c.HistoryDBPath = ""
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}

	// Tuning.
	if c.PageSize == 0 {
		c.PageSize = DefaultPageSize
	}
	if c.PageSize < 1 || c.PageSize > 5000 {
		return fmt.Errorf("page_size must be between 1 and 5000, got %d", c.PageSize)
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts)
	}
	if c.RequestsPerSecond == 0 {
		c.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("requests_per_second must be positive, got %v", c.RequestsPerSecond)
	}
	c.RequestTimeout = DefaultRequestTimeout
	if c.RequestTimeoutStr != "" {
		d, err := time.ParseDuration(c.RequestTimeoutStr)
		if err != nil {
			return fmt.Errorf("invalid request_timeout format: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("request_timeout must be positive, got %s", d)
		}
		c.RequestTimeout = d
	}

	c.OAuth2Config = &clientcredentials.Config{
		ClientID:     c.ClientID,
		ClientSecret: c.ClientSecret,
		TokenURL:     c.AuthURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	return nil
}

// DeriveAuthURL returns the token endpoint matching the environment designated by
// baseURL.
func DeriveAuthURL(baseURL string) string {
	if strings.Contains(baseURL, integrationMarker) {
		return integrationAuthURL
	}
	return productionAuthURL
}

// HistoryEnabled reports whether the run ledger should be written.
func (c *Config) HistoryEnabled() bool {
	return c.HistoryDBPath != ""
}
