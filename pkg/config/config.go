// Package config loads smartsession settings from a YAML file, .env files
// and SMARTSESSION_* environment variables, in that order of precedence
// from lowest to highest.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SMARTSESSION_"

// Backends accepted by Storage.Backend.
const (
	BackendFile   = "file"
	BackendRedis  = "redis"
	BackendSecret = "secret"
	BackendMemory = "memory"
)

type Config struct {
	OAuth    OAuth    `yaml:"oauth"`
	API      API      `yaml:"api"`
	Storage  Storage  `yaml:"storage"`
	Callback Callback `yaml:"callback"`
	Proxy    Proxy    `yaml:"proxy"`
	Log      Log      `yaml:"log"`
}

type OAuth struct {
	IssuerURL             string        `yaml:"issuer_url" validate:"omitempty,url"`
	ClientID              string        `yaml:"client_id" validate:"required"`
	AuthURL               string        `yaml:"auth_url" validate:"omitempty,url"`
	TokenURL              string        `yaml:"token_url" validate:"omitempty,url"`
	RevocationURL         string        `yaml:"revocation_url" validate:"omitempty,url"`
	LogoutURL             string        `yaml:"logout_url" validate:"omitempty,url"`
	PostLogoutRedirectURL string        `yaml:"post_logout_redirect_url" validate:"omitempty,url"`
	Scope                 string        `yaml:"scope"`
	Timeout               time.Duration `yaml:"timeout" validate:"gte=0"`
}

type API struct {
	BaseURL           string        `yaml:"base_url" validate:"required,url"`
	Timeout           time.Duration `yaml:"timeout" validate:"gte=0"`
	RateLimitRPS      float64       `yaml:"rate_limit_rps" validate:"gte=0"`
	RateLimitBurst    int           `yaml:"rate_limit_burst" validate:"gte=0"`
	InvalidationCodes []int         `yaml:"invalidation_codes"`
	Countdown         time.Duration `yaml:"countdown" validate:"gte=0"`
}

type Storage struct {
	Backend    string        `yaml:"backend" validate:"oneof=file redis secret memory"`
	Path       string        `yaml:"path"`
	RedisURL   string        `yaml:"redis_url" validate:"required_if=Backend redis"`
	RedisTTL   time.Duration `yaml:"redis_ttl" validate:"gte=0"`
	Namespace  string        `yaml:"namespace" validate:"required_if=Backend secret"`
	SecretName string        `yaml:"secret_name" validate:"required_if=Backend secret"`
	Kubeconfig string        `yaml:"kubeconfig"`

	// Keys for sealing the credential file. Base64 or raw; both or neither.
	SealSigningKey    string `yaml:"seal_signing_key" validate:"required_with=SealEncryptionKey"`
	SealEncryptionKey string `yaml:"seal_encryption_key" validate:"required_with=SealSigningKey"`
}

type Callback struct {
	Addr    string        `yaml:"addr" validate:"required,hostname_port"`
	Path    string        `yaml:"path" validate:"required,startswith=/"`
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

type Proxy struct {
	Addr           string   `yaml:"addr" validate:"required,hostname_port"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	RateLimitRPS   float64  `yaml:"rate_limit_rps" validate:"gte=0"`
	RateLimitBurst int      `yaml:"rate_limit_burst" validate:"gte=0"`
}

type Log struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		OAuth: OAuth{
			Scope:   "openid profile email",
			Timeout: 30 * time.Second,
		},
		API: API{
			Timeout:           30 * time.Second,
			InvalidationCodes: []int{101, 105},
			Countdown:         5 * time.Second,
		},
		Storage: Storage{
			Backend:  BackendFile,
			RedisTTL: 30 * 24 * time.Hour,
		},
		Callback: Callback{
			Addr:    "127.0.0.1:8000",
			Path:    "/callback",
			Timeout: 5 * time.Minute,
		},
		Proxy: Proxy{
			Addr:           "127.0.0.1:8787",
			RateLimitRPS:   10,
			RateLimitBurst: 20,
		},
		Log: Log{
			Level:  "info",
			Format: "console",
		},
	}
}

// DefaultPath returns the per-user config file location.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "smartsession", "config.yaml")
}

// Load builds the configuration. A missing file at path is an error unless
// path is the default location. envFiles are loaded with godotenv before
// overrides are applied; a .env in the working directory is always tried.
func Load(path string, envFiles ...string) (*Config, error) {
	if err := LoadEnv(envFiles...); err != nil {
		return nil, fmt.Errorf("load env files: %w", err)
	}
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			return nil, fmt.Errorf("load .env: %w", err)
		}
	}

	cfg := Default()
	if path == "" {
		path = DefaultPath()
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			path = ""
		}
	}
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadEnv loads .env files, expanding a leading ~ to the home directory.
// Variables already set in the environment win.
func LoadEnv(files ...string) error {
	for _, file := range files {
		if strings.HasPrefix(file, "~") {
			home, err := os.UserHomeDir()
			if err != nil {
				return err
			}
			file = strings.Replace(file, "~", home, 1)
		}
		if err := godotenv.Load(file); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) readFile(path string) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(content))))
	dec.KnownFields(true)
	// An empty file decodes to io.EOF and keeps the defaults.
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}
	return nil
}

// Validate checks the struct tags and field combinations.
func (c *Config) Validate() error {
	validate := validator.New()
	validate.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return fld.Tag.Get("yaml")
	})
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.OAuth.IssuerURL == "" && (c.OAuth.AuthURL == "" || c.OAuth.TokenURL == "") {
		return errors.New("invalid configuration: oauth.issuer_url or both oauth.auth_url and oauth.token_url are required")
	}
	if _, _, err := c.SealKeys(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// Scopes splits the space-separated scope string.
func (c *Config) Scopes() []string {
	return strings.Fields(c.OAuth.Scope)
}

// RedirectURL is the loopback callback URL registered with the provider.
func (c *Config) RedirectURL() string {
	return "http://" + c.Callback.Addr + c.Callback.Path
}

// SealKeys decodes the credential file keys. Both are nil when sealing is
// not configured.
func (c *Config) SealKeys() (signing, encryption []byte, err error) {
	if c.Storage.SealSigningKey == "" && c.Storage.SealEncryptionKey == "" {
		return nil, nil, nil
	}
	signing = decodeKey(c.Storage.SealSigningKey)
	encryption = decodeKey(c.Storage.SealEncryptionKey)
	if len(signing) < 32 {
		return nil, nil, errors.New("seal_signing_key must be at least 32 bytes")
	}
	if len(encryption) != 32 {
		return nil, nil, errors.New("seal_encryption_key must be exactly 32 bytes")
	}
	return signing, encryption, nil
}

func decodeKey(value string) []byte {
	if value == "" {
		return nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil {
		return decoded
	}
	return []byte(value)
}

func (c *Config) applyEnv() error {
	e := &envReader{}

	c.OAuth.IssuerURL = e.str("ISSUER_URL", c.OAuth.IssuerURL)
	c.OAuth.ClientID = e.str("CLIENT_ID", c.OAuth.ClientID)
	c.OAuth.AuthURL = e.str("AUTH_URL", c.OAuth.AuthURL)
	c.OAuth.TokenURL = e.str("TOKEN_URL", c.OAuth.TokenURL)
	c.OAuth.RevocationURL = e.str("REVOCATION_URL", c.OAuth.RevocationURL)
	c.OAuth.LogoutURL = e.str("LOGOUT_URL", c.OAuth.LogoutURL)
	c.OAuth.PostLogoutRedirectURL = e.str("POST_LOGOUT_REDIRECT_URL", c.OAuth.PostLogoutRedirectURL)
	c.OAuth.Scope = e.str("SCOPE", c.OAuth.Scope)
	c.OAuth.Timeout = e.duration("OAUTH_TIMEOUT", c.OAuth.Timeout)

	c.API.BaseURL = e.str("API_BASE_URL", c.API.BaseURL)
	c.API.Timeout = e.duration("API_TIMEOUT", c.API.Timeout)
	c.API.RateLimitRPS = e.float("API_RATE_LIMIT_RPS", c.API.RateLimitRPS)
	c.API.RateLimitBurst = e.int("API_RATE_LIMIT_BURST", c.API.RateLimitBurst)
	c.API.InvalidationCodes = e.ints("INVALIDATION_CODES", c.API.InvalidationCodes)
	c.API.Countdown = e.duration("COUNTDOWN", c.API.Countdown)

	c.Storage.Backend = e.str("STORE_BACKEND", c.Storage.Backend)
	c.Storage.Path = e.str("STORE_PATH", c.Storage.Path)
	c.Storage.RedisURL = e.str("REDIS_URL", c.Storage.RedisURL)
	c.Storage.RedisTTL = e.duration("REDIS_TTL", c.Storage.RedisTTL)
	c.Storage.Namespace = e.str("SECRET_NAMESPACE", c.Storage.Namespace)
	c.Storage.SecretName = e.str("SECRET_NAME", c.Storage.SecretName)
	c.Storage.Kubeconfig = e.str("KUBECONFIG", c.Storage.Kubeconfig)
	c.Storage.SealSigningKey = e.str("SEAL_SIGNING_KEY", c.Storage.SealSigningKey)
	c.Storage.SealEncryptionKey = e.str("SEAL_ENCRYPTION_KEY", c.Storage.SealEncryptionKey)

	c.Callback.Addr = e.str("CALLBACK_ADDR", c.Callback.Addr)
	c.Callback.Timeout = e.duration("CALLBACK_TIMEOUT", c.Callback.Timeout)

	c.Proxy.Addr = e.str("PROXY_ADDR", c.Proxy.Addr)
	c.Proxy.AllowedOrigins = e.strings("ALLOWED_ORIGINS", c.Proxy.AllowedOrigins)
	c.Proxy.RateLimitRPS = e.float("PROXY_RATE_LIMIT_RPS", c.Proxy.RateLimitRPS)
	c.Proxy.RateLimitBurst = e.int("PROXY_RATE_LIMIT_BURST", c.Proxy.RateLimitBurst)

	c.Log.Level = e.str("LOG_LEVEL", c.Log.Level)
	c.Log.Format = e.str("LOG_FORMAT", c.Log.Format)

	return e.err()
}

// envReader reads SMARTSESSION_* overrides and collects parse failures.
type envReader struct {
	errs []error
}

func (e *envReader) lookup(key string) (string, bool) {
	value := os.Getenv(EnvPrefix + key)
	return value, value != ""
}

func (e *envReader) invalid(key, kind, value string) {
	e.errs = append(e.errs, fmt.Errorf("invalid %s for %s%s: %q", kind, EnvPrefix, key, value))
}

func (e *envReader) err() error {
	return errors.Join(e.errs...)
}

func (e *envReader) str(key, defaultValue string) string {
	if value, ok := e.lookup(key); ok {
		return value
	}
	return defaultValue
}

func (e *envReader) duration(key string, defaultValue time.Duration) time.Duration {
	value, ok := e.lookup(key)
	if !ok {
		return defaultValue
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		e.invalid(key, "duration", value)
		return defaultValue
	}
	return d
}

func (e *envReader) int(key string, defaultValue int) int {
	value, ok := e.lookup(key)
	if !ok {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		e.invalid(key, "int", value)
		return defaultValue
	}
	return n
}

func (e *envReader) float(key string, defaultValue float64) float64 {
	value, ok := e.lookup(key)
	if !ok {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		e.invalid(key, "float", value)
		return defaultValue
	}
	return f
}

func (e *envReader) strings(key string, defaultValue []string) []string {
	value, ok := e.lookup(key)
	if !ok {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (e *envReader) ints(key string, defaultValue []int) []int {
	parts := e.strings(key, nil)
	if parts == nil {
		return defaultValue
	}
	out := make([]int, 0, len(parts))
	for _, part := range parts {
		n, err := strconv.Atoi(part)
		if err != nil {
			e.invalid(key, "int list", part)
			return defaultValue
		}
		out = append(out, n)
	}
	return out
}
