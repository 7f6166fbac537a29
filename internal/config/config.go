package config

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"finitefield.org/storefront/internal/format"
)

const (
	defaultEnvFile      = ".env"
	defaultPort         = "8080"
	defaultReadTimeout  = 15 * time.Second
	defaultWriteTimeout = 30 * time.Second
	defaultIdleTimeout  = 120 * time.Second
	defaultAPITimeout   = 10 * time.Second
	defaultTokenHeader  = "X-CSRFToken"
	defaultTemplatesDir = "templates"
	defaultLoginPath    = "/login/"
	defaultCookieName   = "STORE_SESSION"
	defaultCurrency     = "USD"
	defaultLogLevel     = "info"
)

// Config captures runtime configuration for the storefront.
type Config struct {
	Server  ServerConfig
	CartAPI CartAPIConfig
	Web     WebConfig
	Session SessionConfig
	Log     LogConfig
}

// ServerConfig configures HTTP server parameters.
type ServerConfig struct {
	Port         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// CartAPIConfig points the cart client at the storefront API. An empty
// BaseURL selects the in-memory API.
type CartAPIConfig struct {
	BaseURL     string
	Timeout     time.Duration
	TokenHeader string
	Token       string
}

// WebConfig controls page rendering.
type WebConfig struct {
	TemplatesDir string
	DevMode      bool
	LoginPath    string
	Currency     string
}

// SessionConfig controls the signed session cookie.
type SessionConfig struct {
	CookieName string
	SigningKey string
	Secure     bool
}

// LogConfig selects the log level.
type LogConfig struct {
	Level string
}

// ValidationError is returned when required configuration fields are missing or invalid.
type ValidationError struct {
	fields []string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed: missing or invalid fields [%s]", strings.Join(e.fields, ", "))
}

// Fields returns a copy of the missing/invalid field list.
func (e *ValidationError) Fields() []string {
	out := make([]string, len(e.fields))
	copy(out, e.fields)
	return out
}

// Option customises Load behaviour.
type Option func(*loaderOptions)

type loaderOptions struct {
	envFile      string
	configFile   string
	envMap       map[string]string
	useSystemEnv bool
}

// WithEnvFile overrides the .env file path used for local overrides.
func WithEnvFile(path string) Option {
	return func(o *loaderOptions) {
		o.envFile = path
	}
}

// WithConfigFile reads a YAML file as the lowest precedence layer above defaults.
func WithConfigFile(path string) Option {
	return func(o *loaderOptions) {
		o.configFile = path
	}
}

// WithEnvMap injects an explicit key/value map for environment lookups. Values in the map
// take precedence over system environment variables.
func WithEnvMap(values map[string]string) Option {
	return func(o *loaderOptions) {
		o.envMap = values
	}
}

// WithoutSystemEnv disables reading from os.Getenv, relying only on provided maps and files.
func WithoutSystemEnv() Option {
	return func(o *loaderOptions) {
		o.useSystemEnv = false
	}
}

// Load assembles the configuration from defaults, an optional YAML file,
// .env overrides, environment variables and an explicit map, in that order.
func Load(ctx context.Context, opts ...Option) (Config, error) {
	options := loaderOptions{
		envFile:      defaultEnvFile,
		useSystemEnv: true,
	}
	for _, opt := range opts {
		opt(&options)
	}

	fileValues, err := loadYAML(options.configFile)
	if err != nil {
		return Config{}, err
	}
	dotEnvValues, err := loadDotEnv(options.envFile)
	if err != nil {
		return Config{}, err
	}

	lookup := func(key string) (string, bool) {
		if options.envMap != nil {
			if value, ok := options.envMap[key]; ok {
				return value, true
			}
		}
		if options.useSystemEnv {
			if value, ok := os.LookupEnv(key); ok {
				return value, true
			}
		}
		if value, ok := dotEnvValues[key]; ok {
			return value, true
		}
		if value, ok := fileValues[key]; ok {
			return value, true
		}
		return "", false
	}

	cfg := Config{
		Server: ServerConfig{
			Port:         stringWithDefault(lookup, "STOREFRONT_SERVER_PORT", defaultPort),
			ReadTimeout:  durationWithDefault(lookup, "STOREFRONT_SERVER_READ_TIMEOUT", defaultReadTimeout),
			WriteTimeout: durationWithDefault(lookup, "STOREFRONT_SERVER_WRITE_TIMEOUT", defaultWriteTimeout),
			IdleTimeout:  durationWithDefault(lookup, "STOREFRONT_SERVER_IDLE_TIMEOUT", defaultIdleTimeout),
		},
		CartAPI: CartAPIConfig{
			BaseURL:     strings.TrimSpace(stringWithDefault(lookup, "STOREFRONT_CART_API_BASE_URL", "")),
			Timeout:     durationWithDefault(lookup, "STOREFRONT_CART_API_TIMEOUT", defaultAPITimeout),
			TokenHeader: stringWithDefault(lookup, "STOREFRONT_CART_API_TOKEN_HEADER", defaultTokenHeader),
			Token:       stringWithDefault(lookup, "STOREFRONT_CART_API_TOKEN", ""),
		},
		Web: WebConfig{
			TemplatesDir: stringWithDefault(lookup, "STOREFRONT_WEB_TEMPLATES_DIR", defaultTemplatesDir),
			DevMode:      boolWithDefault(lookup, "STOREFRONT_WEB_DEV_MODE", false),
			LoginPath:    stringWithDefault(lookup, "STOREFRONT_WEB_LOGIN_PATH", defaultLoginPath),
			Currency:     strings.ToUpper(stringWithDefault(lookup, "STOREFRONT_WEB_CURRENCY", defaultCurrency)),
		},
		Session: SessionConfig{
			CookieName: stringWithDefault(lookup, "STOREFRONT_SESSION_COOKIE_NAME", defaultCookieName),
			SigningKey: stringWithDefault(lookup, "STOREFRONT_SESSION_SIGNING_KEY", ""),
			Secure:     boolWithDefault(lookup, "STOREFRONT_SESSION_SECURE", true),
		},
		Log: LogConfig{
			Level: strings.ToLower(stringWithDefault(lookup, "STOREFRONT_LOG_LEVEL", defaultLogLevel)),
		},
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validateConfig(cfg Config) error {
	var invalid []string

	if cfg.Server.Port == "" {
		invalid = append(invalid, "Server.Port")
	} else if _, err := strconv.Atoi(cfg.Server.Port); err != nil {
		invalid = append(invalid, "Server.Port")
	}
	if cfg.CartAPI.Timeout <= 0 {
		invalid = append(invalid, "CartAPI.Timeout")
	}
	if strings.TrimSpace(cfg.CartAPI.TokenHeader) == "" {
		invalid = append(invalid, "CartAPI.TokenHeader")
	}
	if !strings.HasPrefix(cfg.Web.LoginPath, "/") {
		invalid = append(invalid, "Web.LoginPath")
	}
	if _, err := format.ParseUnit(cfg.Web.Currency); err != nil {
		invalid = append(invalid, "Web.Currency")
	}
	if !cfg.Web.DevMode && len(cfg.Session.SigningKey) < 32 {
		invalid = append(invalid, "Session.SigningKey")
	}
	switch cfg.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		invalid = append(invalid, "Log.Level")
	}

	if len(invalid) > 0 {
		return &ValidationError{fields: invalid}
	}
	return nil
}

// fileConfig is the YAML layout accepted by WithConfigFile.
type fileConfig struct {
	Server struct {
		Port         string `yaml:"port"`
		ReadTimeout  string `yaml:"read_timeout"`
		WriteTimeout string `yaml:"write_timeout"`
		IdleTimeout  string `yaml:"idle_timeout"`
	} `yaml:"server"`
	CartAPI struct {
		BaseURL     string `yaml:"base_url"`
		Timeout     string `yaml:"timeout"`
		TokenHeader string `yaml:"token_header"`
		Token       string `yaml:"token"`
	} `yaml:"cart_api"`
	Web struct {
		TemplatesDir string `yaml:"templates_dir"`
		DevMode      *bool  `yaml:"dev_mode"`
		LoginPath    string `yaml:"login_path"`
		Currency     string `yaml:"currency"`
	} `yaml:"web"`
	Session struct {
		CookieName string `yaml:"cookie_name"`
		SigningKey string `yaml:"signing_key"`
		Secure     *bool  `yaml:"secure"`
	} `yaml:"session"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

// loadYAML flattens the file into the same keys the environment uses.
func loadYAML(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", path, err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", path, err)
	}

	values := make(map[string]string)
	set := func(key, value string) {
		if value != "" {
			values[key] = value
		}
	}
	setBool := func(key string, value *bool) {
		if value != nil {
			values[key] = strconv.FormatBool(*value)
		}
	}
	set("STOREFRONT_SERVER_PORT", fc.Server.Port)
	set("STOREFRONT_SERVER_READ_TIMEOUT", fc.Server.ReadTimeout)
	set("STOREFRONT_SERVER_WRITE_TIMEOUT", fc.Server.WriteTimeout)
	set("STOREFRONT_SERVER_IDLE_TIMEOUT", fc.Server.IdleTimeout)
	set("STOREFRONT_CART_API_BASE_URL", fc.CartAPI.BaseURL)
	set("STOREFRONT_CART_API_TIMEOUT", fc.CartAPI.Timeout)
	set("STOREFRONT_CART_API_TOKEN_HEADER", fc.CartAPI.TokenHeader)
	set("STOREFRONT_CART_API_TOKEN", fc.CartAPI.Token)
	set("STOREFRONT_WEB_TEMPLATES_DIR", fc.Web.TemplatesDir)
	setBool("STOREFRONT_WEB_DEV_MODE", fc.Web.DevMode)
	set("STOREFRONT_WEB_LOGIN_PATH", fc.Web.LoginPath)
	set("STOREFRONT_WEB_CURRENCY", fc.Web.Currency)
	set("STOREFRONT_SESSION_COOKIE_NAME", fc.Session.CookieName)
	set("STOREFRONT_SESSION_SIGNING_KEY", fc.Session.SigningKey)
	setBool("STOREFRONT_SESSION_SECURE", fc.Session.Secure)
	set("STOREFRONT_LOG_LEVEL", fc.Log.Level)
	return values, nil
}

func loadDotEnv(path string) (map[string]string, error) {
	if path == "" {
		return nil, nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		absPath = path
	}

	file, err := os.Open(absPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: unable to read %s: %w", absPath, err)
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	values := make(map[string]string)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "export "))
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		values[key] = strings.Trim(strings.TrimSpace(value), "\"'")
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("config: failed parsing %s: %w", absPath, err)
	}
	return values, nil
}

func stringWithDefault(lookup func(string) (string, bool), key, fallback string) string {
	if value, ok := lookup(key); ok && value != "" {
		return value
	}
	return fallback
}

func durationWithDefault(lookup func(string) (string, bool), key string, fallback time.Duration) time.Duration {
	if value, ok := lookup(key); ok && value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func boolWithDefault(lookup func(string) (string, bool), key string, fallback bool) bool {
	if value, ok := lookup(key); ok && value != "" {
		switch strings.ToLower(value) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return fallback
}
