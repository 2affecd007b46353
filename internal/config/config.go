package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix = "IMGSTK"

	StorageBackendFilesystem = "filesystem"
	StorageBackendS3         = "s3"

	defaultHTTPAddress          = "0.0.0.0:8080"
	defaultDeliveryAddress      = "0.0.0.0:8081"
	defaultDeliveryBaseURL      = "http://localhost:8081/"
	defaultDeliveryCacheEntries = 512
	defaultDeliveryCacheTTL     = 10 * time.Minute
	defaultDatabasePath         = "imgstk.db"
	defaultLogLevel             = "info"
	defaultStorageBackend       = StorageBackendFilesystem
	defaultStoragePath          = "blobs"
	defaultS3Region             = "us-east-1"
	defaultMaxFiles             = 500
	defaultMaxFileBytes         = 20 << 20
	defaultMaxRequestBytes      = 512 << 20
	defaultUploadTimeout        = 2 * time.Minute
	defaultUploadConcurrency    = 8
	defaultUploadRatePerSecond  = 2.0
	defaultUploadRateBurst      = 10
	defaultSequenceMaxAttempts  = 5
	defaultCookieName           = "imgstk_session"
	defaultSessionTTL           = 12 * time.Hour
	defaultAllowedOrigin        = "http://localhost:8788"
)

// AppConfig captures runtime configuration for both listeners.
type AppConfig struct {
	HTTPAddress  string
	DatabasePath string
	LogLevel     string
	Delivery     DeliveryConfig
	Storage      StorageConfig
	S3           S3Config
	Upload       UploadConfig
	Sequence     SequenceConfig
	Auth         AuthConfig
	CORSOrigins  []string
}

type DeliveryConfig struct {
	Address             string
	BaseURL             string
	CacheEntries        int
	CacheTTL            time.Duration
	AllowedOriginSuffix string
}

type StorageConfig struct {
	Backend string
	Path    string
}

type S3Config struct {
	Endpoint        string
	Region          string
	Bucket          string
	AccessKeyID     string
	SecretAccessKey string
	UsePathStyle    bool
	CreateBucket    bool
}

type UploadConfig struct {
	MaxFiles        int
	MaxFileBytes    int64
	MaxRequestBytes int64
	Timeout         time.Duration
	Concurrency     int
	RatePerSecond   float64
	RateBurst       int
}

type SequenceConfig struct {
	MaxAttempts   int
	Start         int64
	AutoProvision bool
}

type AuthConfig struct {
	BasicUser     string
	BasicPass     string
	SigningSecret string
	CookieName    string
	SessionTTL    time.Duration
}

// SessionsEnabled reports whether a signing secret was configured.
func (c AuthConfig) SessionsEnabled() bool {
	return strings.TrimSpace(c.SigningSecret) != ""
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("delivery.address", defaultDeliveryAddress)
	configViper.SetDefault("delivery.base_url", defaultDeliveryBaseURL)
	configViper.SetDefault("delivery.cache_entries", defaultDeliveryCacheEntries)
	configViper.SetDefault("delivery.cache_ttl", defaultDeliveryCacheTTL)
	configViper.SetDefault("delivery.allowed_origin_suffix", "")
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("storage.backend", defaultStorageBackend)
	configViper.SetDefault("storage.path", defaultStoragePath)
	configViper.SetDefault("s3.endpoint", "")
	configViper.SetDefault("s3.region", defaultS3Region)
	configViper.SetDefault("s3.bucket", "")
	configViper.SetDefault("s3.access_key_id", "")
	configViper.SetDefault("s3.secret_access_key", "")
	configViper.SetDefault("s3.use_path_style", true)
	configViper.SetDefault("s3.create_bucket", false)
	configViper.SetDefault("upload.max_files", defaultMaxFiles)
	configViper.SetDefault("upload.max_file_bytes", defaultMaxFileBytes)
	configViper.SetDefault("upload.max_request_bytes", defaultMaxRequestBytes)
	configViper.SetDefault("upload.timeout", defaultUploadTimeout)
	configViper.SetDefault("upload.concurrency", defaultUploadConcurrency)
	configViper.SetDefault("upload.rate_per_second", defaultUploadRatePerSecond)
	configViper.SetDefault("upload.rate_burst", defaultUploadRateBurst)
	configViper.SetDefault("sequence.max_attempts", defaultSequenceMaxAttempts)
	configViper.SetDefault("sequence.start", 0)
	configViper.SetDefault("sequence.auto_provision", true)
	configViper.SetDefault("auth.basic_user", "")
	configViper.SetDefault("auth.basic_pass", "")
	configViper.SetDefault("auth.signing_secret", "")
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.session_ttl", defaultSessionTTL)
	configViper.SetDefault("cors.allowed_origins", []string{defaultAllowedOrigin})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:  configViper.GetString("http.address"),
		DatabasePath: configViper.GetString("database.path"),
		LogLevel:     configViper.GetString("log.level"),
		Delivery: DeliveryConfig{
			Address:             configViper.GetString("delivery.address"),
			BaseURL:             configViper.GetString("delivery.base_url"),
			CacheEntries:        configViper.GetInt("delivery.cache_entries"),
			CacheTTL:            configViper.GetDuration("delivery.cache_ttl"),
			AllowedOriginSuffix: strings.TrimSpace(configViper.GetString("delivery.allowed_origin_suffix")),
		},
		Storage: StorageConfig{
			Backend: strings.ToLower(strings.TrimSpace(configViper.GetString("storage.backend"))),
			Path:    configViper.GetString("storage.path"),
		},
		S3: S3Config{
			Endpoint:        configViper.GetString("s3.endpoint"),
			Region:          configViper.GetString("s3.region"),
			Bucket:          configViper.GetString("s3.bucket"),
			AccessKeyID:     configViper.GetString("s3.access_key_id"),
			SecretAccessKey: configViper.GetString("s3.secret_access_key"),
			UsePathStyle:    configViper.GetBool("s3.use_path_style"),
			CreateBucket:    configViper.GetBool("s3.create_bucket"),
		},
		Upload: UploadConfig{
			MaxFiles:        configViper.GetInt("upload.max_files"),
			MaxFileBytes:    configViper.GetInt64("upload.max_file_bytes"),
			MaxRequestBytes: configViper.GetInt64("upload.max_request_bytes"),
			Timeout:         configViper.GetDuration("upload.timeout"),
			Concurrency:     configViper.GetInt("upload.concurrency"),
			RatePerSecond:   configViper.GetFloat64("upload.rate_per_second"),
			RateBurst:       configViper.GetInt("upload.rate_burst"),
		},
		Sequence: SequenceConfig{
			MaxAttempts:   configViper.GetInt("sequence.max_attempts"),
			Start:         configViper.GetInt64("sequence.start"),
			AutoProvision: configViper.GetBool("sequence.auto_provision"),
		},
		Auth: AuthConfig{
			BasicUser:     configViper.GetString("auth.basic_user"),
			BasicPass:     configViper.GetString("auth.basic_pass"),
			SigningSecret: configViper.GetString("auth.signing_secret"),
			CookieName:    configViper.GetString("auth.cookie_name"),
			SessionTTL:    configViper.GetDuration("auth.session_ttl"),
		},
		CORSOrigins: splitOrigins(configViper.GetStringSlice("cors.allowed_origins")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadDatabase parses only what the sequence maintenance commands need.
func LoadDatabase(configViper *viper.Viper) (string, error) {
	path := strings.TrimSpace(configViper.GetString("database.path"))
	if path == "" {
		return "", fmt.Errorf("database.path is required")
	}
	return path, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.HTTPAddress) == "" {
		return fmt.Errorf("http.address is required")
	}
	if strings.TrimSpace(c.Delivery.Address) == "" {
		return fmt.Errorf("delivery.address is required")
	}
	if err := validateBaseURL(c.Delivery.BaseURL); err != nil {
		return err
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.Storage.Backend {
	case StorageBackendFilesystem:
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required for the filesystem backend")
		}
	case StorageBackendS3:
		if strings.TrimSpace(c.S3.Bucket) == "" {
			return fmt.Errorf("s3.bucket is required for the s3 backend")
		}
		if strings.TrimSpace(c.S3.Region) == "" {
			return fmt.Errorf("s3.region is required for the s3 backend")
		}
	default:
		return fmt.Errorf("storage.backend must be %q or %q, got %q", StorageBackendFilesystem, StorageBackendS3, c.Storage.Backend)
	}
	if c.Upload.MaxFiles <= 0 {
		return fmt.Errorf("upload.max_files must be positive")
	}
	if c.Upload.MaxFileBytes < 0 {
		return fmt.Errorf("upload.max_file_bytes must not be negative")
	}
	if c.Upload.MaxRequestBytes <= 0 {
		return fmt.Errorf("upload.max_request_bytes must be positive")
	}
	if c.Upload.Timeout <= 0 {
		return fmt.Errorf("upload.timeout must be positive")
	}
	if c.Upload.Concurrency <= 0 {
		return fmt.Errorf("upload.concurrency must be positive")
	}
	if c.Upload.RatePerSecond < 0 || c.Upload.RateBurst < 0 {
		return fmt.Errorf("upload.rate_per_second and upload.rate_burst must not be negative")
	}
	if c.Sequence.MaxAttempts <= 0 {
		return fmt.Errorf("sequence.max_attempts must be positive")
	}
	if c.Sequence.Start < 0 {
		return fmt.Errorf("sequence.start must not be negative")
	}
	if strings.TrimSpace(c.Auth.BasicUser) == "" || c.Auth.BasicPass == "" {
		return fmt.Errorf("auth.basic_user and auth.basic_pass are required")
	}
	if strings.TrimSpace(c.Auth.CookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if c.Auth.SessionsEnabled() && c.Auth.SessionTTL <= 0 {
		return fmt.Errorf("auth.session_ttl must be positive")
	}
	return nil
}

func validateBaseURL(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("delivery.base_url must be an absolute URL, got %q", raw)
	}
	if !strings.HasSuffix(raw, "/") {
		return fmt.Errorf("delivery.base_url must end with a slash, got %q", raw)
	}
	return nil
}

// splitOrigins accepts both list values and a single comma separated string.
func splitOrigins(values []string) []string {
	origins := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				origins = append(origins, trimmed)
			}
		}
	}
	return origins
}
