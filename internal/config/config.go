// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/kot-relay/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete relay configuration.
type Config struct {
	Server   ServerConfig   `toml:"server" json:"server"`
	Upstream UpstreamConfig `toml:"upstream" json:"upstream"`
	Storage  StorageConfig  `toml:"storage" json:"storage"`
	Uploads  UploadsConfig  `toml:"uploads" json:"uploads"`
	Limits   LimitsConfig   `toml:"limits" json:"limits"`
}

// ServerConfig contains HTTP listener configuration.
type ServerConfig struct {
	// Host is the interface to bind. Empty binds all interfaces.
	Host string `toml:"host" json:"host"`
	Port int    `toml:"port" json:"port"`

	// ServerURL is the public base URL used to absolutize relative upload
	// URLs sent upstream. Defaults to http://localhost:<port>.
	ServerURL string `toml:"server_url" json:"server_url"`

	// AllowedOrigins for CORS. "*" allows any origin.
	AllowedOrigins []string `toml:"allowed_origins" json:"allowed_origins"`

	// StaticDir, when set, is served at / (the built web client).
	StaticDir string `toml:"static_dir" json:"static_dir"`

	ReadTimeout  Duration `toml:"read_timeout" json:"read_timeout"`
	WriteTimeout Duration `toml:"write_timeout" json:"write_timeout"`
	IdleTimeout  Duration `toml:"idle_timeout" json:"idle_timeout"`
}

// UpstreamConfig contains completion API (OpenRouter) configuration.
type UpstreamConfig struct {
	APIKey       string `toml:"api_key" json:"api_key"`
	BaseURL      string `toml:"base_url" json:"base_url"`
	DefaultModel string `toml:"default_model" json:"default_model"`

	// Domain and AppName are sent as HTTP-Referer and X-Title.
	Domain  string `toml:"domain" json:"domain"`
	AppName string `toml:"app_name" json:"app_name"`

	// SystemPrompt is the fixed instruction that heads every request.
	SystemPrompt string `toml:"system_prompt" json:"system_prompt"`

	RequestTimeout Duration `toml:"request_timeout" json:"request_timeout"`
	Temperature    float64  `toml:"temperature" json:"temperature"`
	MaxTokens      int      `toml:"max_tokens" json:"max_tokens"`

	// WindowSize is how many recent transcript messages each request carries.
	WindowSize int `toml:"window_size" json:"window_size"`
}

// StorageConfig contains on-disk locations.
type StorageConfig struct {
	HistoryFile   string `toml:"history_file" json:"history_file"`
	SavedChatsDir string `toml:"saved_chats_dir" json:"saved_chats_dir"`
	UploadDir     string `toml:"upload_dir" json:"upload_dir"`

	// WatchSavedChats re-indexes saved sessions edited outside the process.
	WatchSavedChats bool `toml:"watch_saved_chats" json:"watch_saved_chats"`
}

// UploadsConfig contains upload limits.
type UploadsConfig struct {
	MaxFileSize      int64    `toml:"max_file_size" json:"max_file_size"`
	MaxFiles         int      `toml:"max_files" json:"max_files"`
	AllowedMIMETypes []string `toml:"allowed_mime_types" json:"allowed_mime_types"`
}

// LimitsConfig contains abuse limits.
type LimitsConfig struct {
	RateLimitRequests int      `toml:"rate_limit_requests" json:"rate_limit_requests"`
	RateLimitWindow   Duration `toml:"rate_limit_window" json:"rate_limit_window"`

	// MaxEventBytes caps a single inbound websocket frame.
	MaxEventBytes int64 `toml:"max_event_bytes" json:"max_event_bytes"`

	// MaxRequestBodyBytes caps JSON request bodies on the HTTP API.
	MaxRequestBodyBytes int64 `toml:"max_request_body_bytes" json:"max_request_body_bytes"`
}

// =============================================================================
// DURATION
// =============================================================================

// Duration wraps time.Duration so it reads and writes as "30s" in TOML and JSON.
type Duration struct {
	time.Duration
}

// NewDuration wraps d.
func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
// A bare integer is read as milliseconds.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := parseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(s)
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default configuration values.
const (
	DefaultPort           = 3001
	DefaultModel          = "anthropic/claude-3-opus:beta"
	DefaultBaseURL        = "https://openrouter.ai/api/v1"
	DefaultDomain         = "https://kot-assistant.app"
	DefaultAppName        = "Kot - Smart Assistant"
	DefaultRequestTimeout = 30 * time.Second
	DefaultMaxFileSize    = 10 * 1024 * 1024
	DefaultMaxFiles       = 5
	DefaultWindowSize     = 10
	DefaultTemperature    = 0.7
	DefaultMaxTokens      = 2000

	DefaultSystemPrompt = "You are Kot, a friendly and smart assistant. You help users with all kinds of questions, " +
		"especially programming. Always format code in ``` blocks with the language name."
)

// DefaultAllowedMIMETypes is the upload MIME allow-list.
var DefaultAllowedMIMETypes = []string{
	"image/jpeg", "image/png", "image/gif", "image/webp",
	"application/zip", "application/json", "text/plain",
	"text/html", "text/css", "application/javascript",
}

// DefaultSearchPaths are tried in order when no config path is given.
var DefaultSearchPaths = []string{"kot.toml", "kot.json"}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:           DefaultPort,
			AllowedOrigins: []string{"*"},
			ReadTimeout:    NewDuration(30 * time.Second),
			WriteTimeout:   NewDuration(120 * time.Second),
			IdleTimeout:    NewDuration(120 * time.Second),
		},
		Upstream: UpstreamConfig{
			BaseURL:        DefaultBaseURL,
			DefaultModel:   DefaultModel,
			Domain:         DefaultDomain,
			AppName:        DefaultAppName,
			SystemPrompt:   DefaultSystemPrompt,
			RequestTimeout: NewDuration(DefaultRequestTimeout),
			Temperature:    DefaultTemperature,
			MaxTokens:      DefaultMaxTokens,
			WindowSize:     DefaultWindowSize,
		},
		Storage: StorageConfig{
			HistoryFile:     "chat_history.json",
			SavedChatsDir:   "saved_chats",
			UploadDir:       "uploads",
			WatchSavedChats: true,
		},
		Uploads: UploadsConfig{
			MaxFileSize:      DefaultMaxFileSize,
			MaxFiles:         DefaultMaxFiles,
			AllowedMIMETypes: append([]string(nil), DefaultAllowedMIMETypes...),
		},
		Limits: LimitsConfig{
			RateLimitRequests:   100,
			RateLimitWindow:     NewDuration(15 * time.Minute),
			MaxEventBytes:       16 * 1024 * 1024,
			MaxRequestBodyBytes: 5 * 1024 * 1024,
		},
	}
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load builds the effective configuration.
// If path is empty, DefaultSearchPaths are tried and defaults are used when
// none exist. Environment overrides are applied after the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		for _, candidate := range DefaultSearchPaths {
			if _, err := os.Stat(candidate); err == nil {
				path = candidate
				break
			}
		}
	}

	if path != "" {
		var err error
		if strings.HasSuffix(path, ".json") {
			err = LoadJSON(cfg, path)
		} else {
			err = LoadTOML(cfg, path)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load config from %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnvOverrides(); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// LoadTOML decodes a TOML file on top of cfg.
func LoadTOML(cfg *Config, path string) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		fmt.Fprintf(os.Stderr, "Warning: unknown config keys in %s: %s\n", path, strings.Join(keys, ", "))
	}
	return nil
}

// LoadJSON decodes a JSON file on top of cfg.
func LoadJSON(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	return nil
}

// SetDefaults fills zero values left by a partial config file.
func (c *Config) SetDefaults() {
	d := Default()

	if c.Server.Port == 0 {
		c.Server.Port = d.Server.Port
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = d.Server.AllowedOrigins
	}
	if c.Server.ReadTimeout.Duration == 0 {
		c.Server.ReadTimeout = d.Server.ReadTimeout
	}
	if c.Server.WriteTimeout.Duration == 0 {
		c.Server.WriteTimeout = d.Server.WriteTimeout
	}
	if c.Server.IdleTimeout.Duration == 0 {
		c.Server.IdleTimeout = d.Server.IdleTimeout
	}

	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = d.Upstream.BaseURL
	}
	if c.Upstream.DefaultModel == "" {
		c.Upstream.DefaultModel = d.Upstream.DefaultModel
	}
	if c.Upstream.Domain == "" {
		c.Upstream.Domain = d.Upstream.Domain
	}
	if c.Upstream.AppName == "" {
		c.Upstream.AppName = d.Upstream.AppName
	}
	if c.Upstream.SystemPrompt == "" {
		c.Upstream.SystemPrompt = d.Upstream.SystemPrompt
	}
	if c.Upstream.RequestTimeout.Duration == 0 {
		c.Upstream.RequestTimeout = d.Upstream.RequestTimeout
	}
	if c.Upstream.MaxTokens == 0 {
		c.Upstream.MaxTokens = d.Upstream.MaxTokens
	}
	if c.Upstream.WindowSize == 0 {
		c.Upstream.WindowSize = d.Upstream.WindowSize
	}

	if c.Storage.HistoryFile == "" {
		c.Storage.HistoryFile = d.Storage.HistoryFile
	}
	if c.Storage.SavedChatsDir == "" {
		c.Storage.SavedChatsDir = d.Storage.SavedChatsDir
	}
	if c.Storage.UploadDir == "" {
		c.Storage.UploadDir = d.Storage.UploadDir
	}

	if c.Uploads.MaxFileSize == 0 {
		c.Uploads.MaxFileSize = d.Uploads.MaxFileSize
	}
	if c.Uploads.MaxFiles == 0 {
		c.Uploads.MaxFiles = d.Uploads.MaxFiles
	}
	if len(c.Uploads.AllowedMIMETypes) == 0 {
		c.Uploads.AllowedMIMETypes = d.Uploads.AllowedMIMETypes
	}

	if c.Limits.RateLimitRequests == 0 {
		c.Limits.RateLimitRequests = d.Limits.RateLimitRequests
	}
	if c.Limits.RateLimitWindow.Duration == 0 {
		c.Limits.RateLimitWindow = d.Limits.RateLimitWindow
	}
	if c.Limits.MaxEventBytes == 0 {
		c.Limits.MaxEventBytes = d.Limits.MaxEventBytes
	}
	if c.Limits.MaxRequestBodyBytes == 0 {
		c.Limits.MaxRequestBodyBytes = d.Limits.MaxRequestBodyBytes
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies environment variable overrides.
//
// Supported environment variables:
//   - PORT: server.port
//   - SERVER_URL: server.server_url
//   - STATIC_DIR: server.static_dir
//   - OPENROUTER_API_KEY: upstream.api_key
//   - MODEL: upstream.default_model
//   - DOMAIN: upstream.domain
//   - APP_NAME: upstream.app_name
//   - SYSTEM_PROMPT: upstream.system_prompt
//   - REQUEST_TIMEOUT: upstream.request_timeout ("30s" or milliseconds)
//   - HISTORY_FILE, SAVED_CHATS_DIR, UPLOAD_DIR: storage paths
//   - MAX_FILE_SIZE, MAX_FILES: upload limits
func (c *Config) ApplyEnvOverrides() error {
	var errs ValidateErrors

	if v := os.Getenv("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, ValidationError{Field: "PORT", Message: fmt.Sprintf("not a number: %q", v)})
		} else {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("SERVER_URL"); v != "" {
		c.Server.ServerURL = v
	}
	if v := os.Getenv("STATIC_DIR"); v != "" {
		c.Server.StaticDir = v
	}
	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		c.Upstream.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("MODEL"); v != "" {
		c.Upstream.DefaultModel = v
	}
	if v := os.Getenv("DOMAIN"); v != "" {
		c.Upstream.Domain = v
	}
	if v := os.Getenv("APP_NAME"); v != "" {
		c.Upstream.AppName = v
	}
	if v := os.Getenv("SYSTEM_PROMPT"); v != "" {
		c.Upstream.SystemPrompt = v
	}
	if v := os.Getenv("REQUEST_TIMEOUT"); v != "" {
		d, err := parseDuration(v)
		if err != nil {
			errs = append(errs, ValidationError{Field: "REQUEST_TIMEOUT", Message: err.Error()})
		} else {
			c.Upstream.RequestTimeout = NewDuration(d)
		}
	}
	if v := os.Getenv("HISTORY_FILE"); v != "" {
		c.Storage.HistoryFile = v
	}
	if v := os.Getenv("SAVED_CHATS_DIR"); v != "" {
		c.Storage.SavedChatsDir = v
	}
	if v := os.Getenv("UPLOAD_DIR"); v != "" {
		c.Storage.UploadDir = v
	}
	if v := os.Getenv("MAX_FILE_SIZE"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, ValidationError{Field: "MAX_FILE_SIZE", Message: fmt.Sprintf("not a number: %q", v)})
		} else {
			c.Uploads.MaxFileSize = n
		}
	}
	if v := os.Getenv("MAX_FILES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, ValidationError{Field: "MAX_FILES", Message: fmt.Sprintf("not a number: %q", v)})
		} else {
			c.Uploads.MaxFiles = n
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// SaveTOML writes the configuration to a TOML file with 0600 permissions.
func SaveTOML(cfg *Config, path string) error {
	var buf bytes.Buffer
	buf.WriteString("# kot-relay configuration file\n")
	buf.WriteString("# Environment variables (PORT, OPENROUTER_API_KEY, MODEL, ...) override these values.\n\n")

	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	// SECURITY: the file may hold the API key
	if err := util.AtomicWriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns any errors.
// A missing API key is not an error: the relay starts and degrades.
func (c *Config) Validate() error {
	var errs ValidateErrors

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("must be between 1 and 65535, got %d", c.Server.Port),
		})
	}
	if c.Server.ServerURL != "" {
		if u, err := url.Parse(c.Server.ServerURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, ValidationError{
				Field:   "server.server_url",
				Message: fmt.Sprintf("must be an absolute URL, got %q", c.Server.ServerURL),
			})
		}
	}

	if u, err := url.Parse(c.Upstream.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		errs = append(errs, ValidationError{
			Field:   "upstream.base_url",
			Message: fmt.Sprintf("must be an http(s) URL, got %q", c.Upstream.BaseURL),
		})
	}
	if c.Upstream.RequestTimeout.Duration < time.Second {
		errs = append(errs, ValidationError{
			Field:   "upstream.request_timeout",
			Message: "must be at least 1s",
		})
	}
	if c.Upstream.Temperature < 0 || c.Upstream.Temperature > 2 {
		errs = append(errs, ValidationError{
			Field:   "upstream.temperature",
			Message: fmt.Sprintf("must be between 0 and 2, got %.2f", c.Upstream.Temperature),
		})
	}
	if c.Upstream.MaxTokens < 1 {
		errs = append(errs, ValidationError{Field: "upstream.max_tokens", Message: "must be positive"})
	}
	if c.Upstream.WindowSize < 1 {
		errs = append(errs, ValidationError{Field: "upstream.window_size", Message: "must be positive"})
	}

	if c.Uploads.MaxFileSize < 1 {
		errs = append(errs, ValidationError{Field: "uploads.max_file_size", Message: "must be positive"})
	}
	if c.Uploads.MaxFiles < 1 {
		errs = append(errs, ValidationError{Field: "uploads.max_files", Message: "must be positive"})
	}

	if c.Limits.RateLimitRequests < 1 {
		errs = append(errs, ValidationError{Field: "limits.rate_limit_requests", Message: "must be positive"})
	}
	if c.Limits.RateLimitWindow.Duration <= 0 {
		errs = append(errs, ValidationError{Field: "limits.rate_limit_window", Message: "must be positive"})
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// IsValidationError reports whether err came from Validate or ApplyEnvOverrides.
func IsValidationError(err error) bool {
	var ve ValidateErrors
	return errors.As(err, &ve)
}

// =============================================================================
// HELPERS
// =============================================================================

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// PublicBaseURL returns the URL used to absolutize relative upload URLs.
func (c *Config) PublicBaseURL() string {
	if c.Server.ServerURL != "" {
		return strings.TrimSuffix(c.Server.ServerURL, "/")
	}
	return fmt.Sprintf("http://localhost:%d", c.Server.Port)
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Server.AllowedOrigins = append([]string(nil), c.Server.AllowedOrigins...)
	clone.Uploads.AllowedMIMETypes = append([]string(nil), c.Uploads.AllowedMIMETypes...)
	return &clone
}

// Redacted returns a copy safe to print or log.
func (c *Config) Redacted() *Config {
	safe := c.Clone()
	if safe.Upstream.APIKey != "" {
		safe.Upstream.APIKey = "[REDACTED]"
	}
	return safe
}

// String returns the redacted config as JSON.
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c.Redacted(), "", "  ")
	return string(data)
}
