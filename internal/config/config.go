// Package config provides configuration loading and validation for the
// PDS server. It uses koanf to merge environment variables with optional
// file overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config holds all configuration values for the PDS server.
type Config struct {
	// Server settings
	Port int    `koanf:"port"`
	Env  string `koanf:"env"`

	// Database
	DatabaseURL string `koanf:"database_url"`

	// Session token signing (see internal/session)
	JWTSecret         string `koanf:"jwt_secret"`          // Legacy: single secret (backward compatibility)
	JWTSecretCurrent  string `koanf:"jwt_secret_current"`  // Current signing key
	JWTSecretPrevious string `koanf:"jwt_secret_previous"` // Previous key for rotation window

	// Blob store (S3-compatible: AWS S3, Cloudflare R2, MinIO, ...)
	S3BucketName      string `koanf:"s3_bucket_name"`
	S3AccessKeyID     string `koanf:"s3_access_key_id"`
	S3SecretAccessKey string `koanf:"s3_secret_access_key"`
	S3Endpoint        string `koanf:"s3_endpoint"` // Empty selects the default AWS endpoint for the region
	S3Region          string `koanf:"s3_region"`
	S3MaxUploadSizeMB int    `koanf:"s3_max_upload_size_mb"` // Default: 5MB, matches the max declared blob size

	// Redis (per-DID write lock and distributed rate limiting)
	RedisURL string `koanf:"redis_url"` // Optional: empty selects the in-memory lock/limiter

	// Repository engine
	FirehoseBufferSize int    `koanf:"firehose_buffer_size"` // Loaded and logged only; subscribeRepos uses a fixed per-subscriber depth of 256
	SigningCurve       string `koanf:"signing_curve"`        // "p256" or "k256"; the curve used for newly created repos

	// Tracing (OpenTelemetry)
	TracingEnabled      bool    `koanf:"tracing_enabled"`       // Enable distributed tracing
	TracingExporterType string  `koanf:"tracing_exporter_type"` // Exporter type: otlp-http, otlp-grpc
	TracingOTLPEndpoint string  `koanf:"tracing_otlp_endpoint"` // OTLP endpoint URL
	TracingSampleRate   float64 `koanf:"tracing_sample_rate"`   // Sampling rate (0.0 to 1.0)
	TracingInsecure     bool    `koanf:"tracing_insecure"`      // Disable TLS for OTLP (dev only)

	// CORS (Cross-Origin Resource Sharing)
	CORSAllowedOrigins   string `koanf:"cors_allowed_origins"`   // Comma-separated list of allowed origins (no wildcards)
	CORSAllowedMethods   string `koanf:"cors_allowed_methods"`   // Comma-separated list of allowed HTTP methods
	CORSAllowedHeaders   string `koanf:"cors_allowed_headers"`   // Comma-separated list of allowed headers
	CORSAllowCredentials bool   `koanf:"cors_allow_credentials"` // Allow credentials (cookies, auth headers)
	CORSMaxAge           int    `koanf:"cors_max_age"`           // Preflight cache duration in seconds
}

// Configuration validation errors.
var (
	ErrMissingDatabaseURL     = errors.New("DATABASE_URL is required")
	ErrMissingJWTSecret       = errors.New("JWT_SECRET, or JWT_SECRET_CURRENT is required")
	ErrMissingS3BucketName    = errors.New("S3_BUCKET_NAME is required")
	ErrMissingS3AccessKeyID   = errors.New("S3_ACCESS_KEY_ID is required")
	ErrMissingS3SecretAccess  = errors.New("S3_SECRET_ACCESS_KEY is required")
	ErrInvalidPort            = errors.New("PORT must be a valid integer")
	ErrInvalidSigningCurve    = errors.New("SIGNING_CURVE must be p256 or k256")
)

// Default values for non-secret configuration.
const (
	DefaultPort                = 8080
	DefaultEnv                 = "development"
	DefaultS3MaxUploadSizeMB   = 5
	DefaultS3Region            = "auto"
	DefaultFirehoseBufferSize  = 1024
	DefaultSigningCurve        = "p256"
	DefaultTracingEnabled      = false
	DefaultTracingExporterType = "otlp-http"
	DefaultTracingSampleRate   = 0.1 // 10% sampling in production
	DefaultTracingInsecure     = false
	DefaultCORSAllowedOrigins   = ""                                         // Empty means CORS is disabled
	DefaultCORSAllowedMethods   = "GET,POST,PUT,PATCH,DELETE,OPTIONS"        // Standard REST methods
	DefaultCORSAllowedHeaders   = "Content-Type,Authorization,X-Request-ID" // Essential headers
	DefaultCORSAllowCredentials = true                                      // Allow cookies/auth by default
	DefaultCORSMaxAge           = 3600                                      // 1 hour preflight cache
)

// Load reads configuration from environment variables and an optional config file.
// Environment variables take precedence over file values.
// Returns the loaded config and a slice of validation errors (empty if valid).
// If a config file path is provided and the file cannot be loaded, an error is returned.
func Load(configFilePath string) (*Config, []error) {
	k := koanf.New(".")
	var loadErrs []error

	// Load from YAML file first if provided (lower precedence)
	if configFilePath != "" {
		if err := k.Load(file.Provider(configFilePath), yaml.Parser()); err != nil {
			return nil, []error{fmt.Errorf("failed to load config file %s: %w", configFilePath, err)}
		}
	}

	// Parse port from env, collecting error if invalid.
	// Try SUBCULT_PORT first, then PORT for backward compatibility.
	port, portErr := getEnvIntOrDefaultMulti([]string{"SUBCULT_PORT", "PORT"}, k.Int("port"), DefaultPort)
	if portErr != nil {
		loadErrs = append(loadErrs, portErr)
	}

	maxUploadSize, uploadSizeErr := getEnvIntOrDefault("S3_MAX_UPLOAD_SIZE_MB", k.Int("s3_max_upload_size_mb"), DefaultS3MaxUploadSizeMB)
	if uploadSizeErr != nil {
		loadErrs = append(loadErrs, uploadSizeErr)
	}

	firehoseBufferSize, bufErr := getEnvIntOrDefault("FIREHOSE_BUFFER_SIZE", k.Int("firehose_buffer_size"), DefaultFirehoseBufferSize)
	if bufErr != nil {
		loadErrs = append(loadErrs, bufErr)
	}

	signingCurve := strings.ToLower(getEnvOrDefault("SIGNING_CURVE", k.String("signing_curve"), DefaultSigningCurve))
	if signingCurve != "p256" && signingCurve != "k256" {
		loadErrs = append(loadErrs, ErrInvalidSigningCurve)
	}

	// Parse tracing configuration
	tracingEnabled := DefaultTracingEnabled
	if k.Exists("tracing_enabled") {
		tracingEnabled = k.Bool("tracing_enabled")
	}
	if val := os.Getenv("TRACING_ENABLED"); val != "" {
		valLower := strings.ToLower(val)
		switch valLower {
		case "true", "1", "yes", "on":
			tracingEnabled = true
		case "false", "0", "no", "off":
			tracingEnabled = false
		}
	}

	tracingSampleRate := DefaultTracingSampleRate
	if k.Exists("tracing_sample_rate") {
		tracingSampleRate = k.Float64("tracing_sample_rate")
	}
	if sampleRateStr := os.Getenv("TRACING_SAMPLE_RATE"); sampleRateStr != "" {
		parsed, err := strconv.ParseFloat(sampleRateStr, 64)
		if err != nil {
			loadErrs = append(loadErrs, fmt.Errorf("TRACING_SAMPLE_RATE must be a valid float: %w", err))
		} else {
			tracingSampleRate = parsed
		}
	}

	tracingInsecure := DefaultTracingInsecure
	if k.Exists("tracing_insecure") {
		tracingInsecure = k.Bool("tracing_insecure")
	}
	if val := os.Getenv("TRACING_INSECURE"); val != "" {
		valLower := strings.ToLower(val)
		switch valLower {
		case "true", "1", "yes", "on":
			tracingInsecure = true
		case "false", "0", "no", "off":
			tracingInsecure = false
		}
	}

	// Parse CORS configuration
	corsAllowedOrigins := getEnvOrDefault("CORS_ALLOWED_ORIGINS", k.String("cors_allowed_origins"), DefaultCORSAllowedOrigins)
	corsAllowedMethods := getEnvOrDefault("CORS_ALLOWED_METHODS", k.String("cors_allowed_methods"), DefaultCORSAllowedMethods)
	corsAllowedHeaders := getEnvOrDefault("CORS_ALLOWED_HEADERS", k.String("cors_allowed_headers"), DefaultCORSAllowedHeaders)

	corsAllowCredentials := DefaultCORSAllowCredentials
	if k.Exists("cors_allow_credentials") {
		corsAllowCredentials = k.Bool("cors_allow_credentials")
	}
	if val := os.Getenv("CORS_ALLOW_CREDENTIALS"); val != "" {
		valLower := strings.ToLower(val)
		switch valLower {
		case "true", "1", "yes", "on":
			corsAllowCredentials = true
		case "false", "0", "no", "off":
			corsAllowCredentials = false
		}
	}

	corsMaxAge, corsMaxAgeErr := getEnvIntOrDefault("CORS_MAX_AGE", k.Int("cors_max_age"), DefaultCORSMaxAge)
	if corsMaxAgeErr != nil {
		loadErrs = append(loadErrs, corsMaxAgeErr)
	}

	// Build config struct, with env vars taking precedence over file values
	cfg := &Config{
		Port:                 port,
		Env:                  getEnvOrDefaultMulti([]string{"SUBCULT_ENV", "ENV", "GO_ENV"}, k.String("env"), DefaultEnv),
		DatabaseURL:          getEnvOrKoanf("DATABASE_URL", k, "database_url"),
		JWTSecret:            getEnvOrKoanf("JWT_SECRET", k, "jwt_secret"),
		JWTSecretCurrent:     getEnvOrKoanf("JWT_SECRET_CURRENT", k, "jwt_secret_current"),
		JWTSecretPrevious:    getEnvOrKoanf("JWT_SECRET_PREVIOUS", k, "jwt_secret_previous"),
		S3BucketName:         getEnvOrKoanf("S3_BUCKET_NAME", k, "s3_bucket_name"),
		S3AccessKeyID:        getEnvOrKoanf("S3_ACCESS_KEY_ID", k, "s3_access_key_id"),
		S3SecretAccessKey:    getEnvOrKoanf("S3_SECRET_ACCESS_KEY", k, "s3_secret_access_key"),
		S3Endpoint:           getEnvOrKoanf("S3_ENDPOINT", k, "s3_endpoint"),
		S3Region:             getEnvOrDefault("S3_REGION", k.String("s3_region"), DefaultS3Region),
		S3MaxUploadSizeMB:    maxUploadSize,
		RedisURL:             getEnvOrKoanf("REDIS_URL", k, "redis_url"),
		FirehoseBufferSize:   firehoseBufferSize,
		SigningCurve:         signingCurve,
		TracingEnabled:       tracingEnabled,
		TracingExporterType:  getEnvOrDefault("TRACING_EXPORTER_TYPE", k.String("tracing_exporter_type"), DefaultTracingExporterType),
		TracingOTLPEndpoint:  getEnvOrKoanf("TRACING_OTLP_ENDPOINT", k, "tracing_otlp_endpoint"),
		TracingSampleRate:    tracingSampleRate,
		TracingInsecure:      tracingInsecure,
		CORSAllowedOrigins:   corsAllowedOrigins,
		CORSAllowedMethods:   corsAllowedMethods,
		CORSAllowedHeaders:   corsAllowedHeaders,
		CORSAllowCredentials: corsAllowCredentials,
		CORSMaxAge:           corsMaxAge,
	}

	// Validate and collect errors
	errs := cfg.Validate()
	errs = append(loadErrs, errs...)

	return cfg, errs
}

// getEnvOrKoanf returns the environment variable value if set, otherwise the koanf value.
func getEnvOrKoanf(envKey string, k *koanf.Koanf, koanfKey string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	return k.String(koanfKey)
}

// getEnvOrDefault returns the environment variable value if set, otherwise the koanf value, or default.
func getEnvOrDefault(envKey string, koanfVal string, defaultVal string) string {
	if val := os.Getenv(envKey); val != "" {
		return val
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first non-empty value found, otherwise the koanf value, or default.
func getEnvOrDefaultMulti(envKeys []string, koanfVal string, defaultVal string) string {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	if koanfVal != "" {
		return koanfVal
	}
	return defaultVal
}

// getEnvIntOrDefault returns the environment variable as int if set, otherwise the koanf value, or default.
// Returns an error if the environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefault(envKey string, koanfVal int, defaultVal int) (int, error) {
	if val := os.Getenv(envKey); val != "" {
		i, err := strconv.Atoi(val)
		if err != nil {
			return 0, fmt.Errorf("%s must be a valid integer: %w", envKey, ErrInvalidPort)
		}
		return i, nil
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// getEnvIntOrDefaultMulti tries multiple environment variable keys in order.
// Returns the first valid integer value found, otherwise the koanf value, or default.
// Returns an error if any environment variable is set but cannot be parsed as an integer.
func getEnvIntOrDefaultMulti(envKeys []string, koanfVal int, defaultVal int) (int, error) {
	for _, key := range envKeys {
		if val := os.Getenv(key); val != "" {
			i, err := strconv.Atoi(val)
			if err != nil {
				return 0, fmt.Errorf("%s must be a valid integer: %w", key, ErrInvalidPort)
			}
			return i, nil
		}
	}
	if koanfVal != 0 {
		return koanfVal, nil
	}
	return defaultVal, nil
}

// Validate checks that all required configuration values are present.
// Returns a slice of validation errors (empty if valid).
func (c *Config) Validate() []error {
	var errs []error

	if c.DatabaseURL == "" {
		errs = append(errs, ErrMissingDatabaseURL)
	}
	// Session secret validation: require either legacy JWT_SECRET or JWT_SECRET_CURRENT
	if c.JWTSecret == "" && c.JWTSecretCurrent == "" {
		errs = append(errs, ErrMissingJWTSecret)
	}

	// Blob store configuration is optional: with no S3 settings the server
	// uses an in-memory blob store. Only validate fields if any S3 value is set.
	if c.S3BucketName != "" || c.S3AccessKeyID != "" || c.S3SecretAccessKey != "" {
		if c.S3BucketName == "" {
			errs = append(errs, ErrMissingS3BucketName)
		}
		if c.S3AccessKeyID == "" {
			errs = append(errs, ErrMissingS3AccessKeyID)
		}
		if c.S3SecretAccessKey == "" {
			errs = append(errs, ErrMissingS3SecretAccess)
		}
	}

	return errs
}

// LogSummary returns a summary of the configuration suitable for logging.
// All secrets are masked to prevent accidental exposure.
func (c *Config) LogSummary() map[string]string {
	return map[string]string{
		"port":                   fmt.Sprintf("%d", c.Port),
		"env":                    c.Env,
		"database_url":           maskDatabaseURL(c.DatabaseURL),
		"jwt_secret":             maskSecret(c.JWTSecret),
		"jwt_secret_current":     maskSecret(c.JWTSecretCurrent),
		"jwt_secret_previous":    maskSecret(c.JWTSecretPrevious),
		"s3_bucket_name":         c.S3BucketName,
		"s3_access_key_id":       maskSecret(c.S3AccessKeyID),
		"s3_secret_access_key":   maskSecret(c.S3SecretAccessKey),
		"s3_endpoint":            c.S3Endpoint,
		"s3_region":              c.S3Region,
		"s3_max_upload_size_mb":  fmt.Sprintf("%d", c.S3MaxUploadSizeMB),
		"redis_url":              maskDatabaseURL(c.RedisURL),
		"firehose_buffer_size":   fmt.Sprintf("%d", c.FirehoseBufferSize),
		"signing_curve":          c.SigningCurve,
		"tracing_enabled":        fmt.Sprintf("%t", c.TracingEnabled),
		"tracing_exporter_type":  c.TracingExporterType,
		"tracing_otlp_endpoint":  c.TracingOTLPEndpoint,
		"tracing_sample_rate":    fmt.Sprintf("%.2f", c.TracingSampleRate),
		"tracing_insecure":       fmt.Sprintf("%t", c.TracingInsecure),
		"cors_allowed_origins":   c.CORSAllowedOrigins,
		"cors_allowed_methods":   c.CORSAllowedMethods,
		"cors_allowed_headers":  c.CORSAllowedHeaders,
		"cors_allow_credentials": fmt.Sprintf("%t", c.CORSAllowCredentials),
		"cors_max_age":           fmt.Sprintf("%d", c.CORSMaxAge),
	}
}

// maskSecret masks a secret value, showing only the first 4 characters followed by ****
// If the secret is shorter than 8 characters, it's fully masked.
func maskSecret(s string) string {
	if s == "" {
		return "<not set>"
	}
	if len(s) < 8 {
		return "****"
	}
	return s[:4] + "****"
}

// maskDatabaseURL masks the password in a database URL.
// Supports both postgres:// and postgresql:// schemes.
func maskDatabaseURL(s string) string {
	if s == "" {
		return "<not set>"
	}

	// Look for password pattern: user:password@host
	// Simple approach: find :// and then mask between : and @
	schemeEnd := strings.Index(s, "://")
	if schemeEnd == -1 {
		return maskSecret(s)
	}

	rest := s[schemeEnd+3:]
	atIndex := strings.Index(rest, "@")
	if atIndex == -1 {
		return s // No credentials in URL
	}

	colonIndex := strings.Index(rest[:atIndex], ":")
	if colonIndex == -1 {
		return s // No password (only username)
	}

	// Reconstruct URL with masked password
	scheme := s[:schemeEnd+3]
	user := rest[:colonIndex]
	hostAndPath := rest[atIndex:]

	return scheme + user + ":****" + hostAndPath
}

// GetJWTSecrets returns the current and previous session-signing secrets for
// rotation support, as consumed by session.NewService.
// Returns (currentSecret, previousSecret).
// For backward compatibility, if JWT_SECRET is set and JWT_SECRET_CURRENT is not,
// JWT_SECRET is used as the current secret.
func (c *Config) GetJWTSecrets() (current, previous string) {
	// Prefer JWT_SECRET_CURRENT if set
	if c.JWTSecretCurrent != "" {
		return c.JWTSecretCurrent, c.JWTSecretPrevious
	}
	// Fallback to legacy JWT_SECRET
	return c.JWTSecret, ""
}
