package config

import (
	"encoding/hex"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/jklint/chatterd/internal/model"
)

// Config holds every tunable of the service. Values come from defaults,
// then an optional YAML file, then CHATTERD_* environment overrides.
type Config struct {
	Env      string `yaml:"env"`
	HTTPAddr string `yaml:"http_addr"`

	DatabaseType string `yaml:"database_type"` // memory | sql | document
	DatabaseURL  string `yaml:"database_url"`

	StorageType string `yaml:"storage_type"` // local | s3
	StoragePath string `yaml:"storage_path"`
	S3Bucket    string `yaml:"s3_bucket"`
	S3Region    string `yaml:"s3_region"`

	JWTSecret            string `yaml:"jwt_secret"`
	JWTAlgorithm         string `yaml:"jwt_algorithm"`
	JWTExpirationMinutes int    `yaml:"jwt_expiration_minutes"`

	EnableEncryption bool   `yaml:"enable_encryption"`
	EncryptionKey    string `yaml:"encryption_key"`

	MaxFileSizeMB     int      `yaml:"max_file_size_mb"`
	AllowedExtensions []string `yaml:"allowed_extensions"`

	MessageEditWindowMinutes int `yaml:"message_edit_window_minutes"` // 0 = unlimited

	WebsocketPingInterval       int `yaml:"websocket_ping_interval"` // seconds
	WebsocketOutboundQueueDepth int `yaml:"websocket_outbound_queue_depth"`
	WebsocketWriteTimeout       int `yaml:"websocket_write_timeout"` // seconds
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Env:                         "dev",
		HTTPAddr:                    ":8080",
		DatabaseType:                "memory",
		StorageType:                 "local",
		StoragePath:                 "./storage",
		JWTAlgorithm:                "HS256",
		JWTExpirationMinutes:        1440,
		MaxFileSizeMB:               10,
		AllowedExtensions:           []string{"jpg", "png", "gif", "pdf", "txt", "mp4", "mp3"},
		WebsocketPingInterval:       30,
		WebsocketOutboundQueueDepth: 64,
		WebsocketWriteTimeout:       5,
	}
}

// Load builds the effective configuration. path may be empty.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, model.Wrap(model.KindConfig, "read config file", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, model.Wrap(model.KindConfig, "parse config file", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(k string, def bool) bool {
	if v := os.Getenv(k); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func (c *Config) applyEnv() {
	c.Env = env("CHATTERD_ENV", c.Env)
	c.HTTPAddr = env("CHATTERD_HTTP_ADDR", c.HTTPAddr)
	c.DatabaseType = env("CHATTERD_DATABASE_TYPE", c.DatabaseType)
	c.DatabaseURL = env("CHATTERD_DATABASE_URL", c.DatabaseURL)
	c.StorageType = env("CHATTERD_STORAGE_TYPE", c.StorageType)
	c.StoragePath = env("CHATTERD_STORAGE_PATH", c.StoragePath)
	c.S3Bucket = env("CHATTERD_S3_BUCKET", c.S3Bucket)
	c.S3Region = env("CHATTERD_S3_REGION", c.S3Region)
	c.JWTSecret = env("CHATTERD_JWT_SECRET", c.JWTSecret)
	c.JWTAlgorithm = env("CHATTERD_JWT_ALGORITHM", c.JWTAlgorithm)
	c.JWTExpirationMinutes = envInt("CHATTERD_JWT_EXPIRATION_MINUTES", c.JWTExpirationMinutes)
	c.EnableEncryption = envBool("CHATTERD_ENABLE_ENCRYPTION", c.EnableEncryption)
	c.EncryptionKey = env("CHATTERD_ENCRYPTION_KEY", c.EncryptionKey)
	c.MaxFileSizeMB = envInt("CHATTERD_MAX_FILE_SIZE_MB", c.MaxFileSizeMB)
	if v := os.Getenv("CHATTERD_ALLOWED_EXTENSIONS"); v != "" {
		c.AllowedExtensions = splitList(v)
	}
	c.MessageEditWindowMinutes = envInt("CHATTERD_MESSAGE_EDIT_WINDOW_MINUTES", c.MessageEditWindowMinutes)
	c.WebsocketPingInterval = envInt("CHATTERD_WEBSOCKET_PING_INTERVAL", c.WebsocketPingInterval)
	c.WebsocketOutboundQueueDepth = envInt("CHATTERD_WEBSOCKET_OUTBOUND_QUEUE_DEPTH", c.WebsocketOutboundQueueDepth)
	c.WebsocketWriteTimeout = envInt("CHATTERD_WEBSOCKET_WRITE_TIMEOUT", c.WebsocketWriteTimeout)
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, strings.ToLower(strings.TrimPrefix(p, ".")))
		}
	}
	return out
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return model.E(model.KindConfig, "jwt_secret is required")
	}
	if c.JWTAlgorithm != "HS256" {
		return model.Ef(model.KindConfig, "unsupported jwt_algorithm %q", c.JWTAlgorithm)
	}
	if c.JWTExpirationMinutes <= 0 {
		return model.E(model.KindConfig, "jwt_expiration_minutes must be positive")
	}
	switch c.DatabaseType {
	case "memory":
	case "sql", "document":
		if c.DatabaseURL == "" {
			return model.Ef(model.KindConfig, "database_url is required for database_type %q", c.DatabaseType)
		}
	default:
		return model.Ef(model.KindConfig, "unknown database_type %q", c.DatabaseType)
	}
	switch c.StorageType {
	case "local":
		if c.StoragePath == "" {
			return model.E(model.KindConfig, "storage_path is required for local storage")
		}
	case "s3":
		if c.S3Bucket == "" || c.S3Region == "" {
			return model.E(model.KindConfig, "s3_bucket and s3_region are required for s3 storage")
		}
	default:
		return model.Ef(model.KindConfig, "unknown storage_type %q", c.StorageType)
	}
	if c.EnableEncryption {
		if c.EncryptionKey == "" {
			return model.E(model.KindConfig, "encryption_key is required when enable_encryption is set")
		}
		key, err := hex.DecodeString(c.EncryptionKey)
		if err != nil {
			return model.E(model.KindConfig, "encryption_key must be hex")
		}
		switch len(key) {
		case 16, 24, 32:
		default:
			return model.E(model.KindConfig, "encryption_key must decode to 16, 24 or 32 bytes")
		}
	}
	if c.MaxFileSizeMB <= 0 {
		return model.E(model.KindConfig, "max_file_size_mb must be positive")
	}
	if c.WebsocketPingInterval <= 0 {
		return model.E(model.KindConfig, "websocket_ping_interval must be positive")
	}
	if c.WebsocketOutboundQueueDepth <= 0 {
		return model.E(model.KindConfig, "websocket_outbound_queue_depth must be positive")
	}
	if c.WebsocketWriteTimeout <= 0 {
		return model.E(model.KindConfig, "websocket_write_timeout must be positive")
	}
	return nil
}

// ExtensionAllowed reports whether a file extension (with or without the
// leading dot) is uploadable.
func (c *Config) ExtensionAllowed(ext string) bool {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	for _, e := range c.AllowedExtensions {
		if strings.ToLower(strings.TrimPrefix(e, ".")) == ext {
			return true
		}
	}
	return false
}

func (c *Config) MaxFileBytes() int64 { return int64(c.MaxFileSizeMB) << 20 }

func (c *Config) TokenTTL() time.Duration {
	return time.Duration(c.JWTExpirationMinutes) * time.Minute
}

// EditWindow returns the message edit window; zero means unlimited.
func (c *Config) EditWindow() time.Duration {
	return time.Duration(c.MessageEditWindowMinutes) * time.Minute
}

func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.WebsocketPingInterval) * time.Second
}

func (c *Config) WriteTimeout() time.Duration {
	return time.Duration(c.WebsocketWriteTimeout) * time.Second
}
