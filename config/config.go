package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
	yamlv3 "gopkg.in/yaml.v3"
)

// EnvPrefix is stripped from environment variables before they are mapped
// onto config keys: DANMAKU_SERVER_ADDR -> server.addr.
const EnvPrefix = "DANMAKU_"

type Config struct {
	Server      ServerConfig      `yaml:"server" koanf:"server"`
	WebSocket   WebSocketConfig   `yaml:"websocket" koanf:"websocket"`
	Annotations AnnotationsConfig `yaml:"annotations" koanf:"annotations"`
	Registry    RegistryConfig    `yaml:"registry" koanf:"registry"`
	Catalog     CatalogConfig     `yaml:"catalog" koanf:"catalog"`
	Metrics     MetricsConfig     `yaml:"metrics" koanf:"metrics"`
	Logging     LoggingConfig     `yaml:"logging" koanf:"logging"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" koanf:"addr" validate:"required"`
	TLSCert         string        `yaml:"tls_cert" koanf:"tls_cert" validate:"required_with=TLSKey"`
	TLSKey          string        `yaml:"tls_key" koanf:"tls_key" validate:"required_with=TLSCert"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" koanf:"shutdown_timeout" validate:"gte=0"`
	CORSOrigins     []string      `yaml:"cors_origins" koanf:"cors_origins"`
}

type WebSocketConfig struct {
	// MaxConnections caps concurrently open sockets; 0 disables the cap.
	MaxConnections    int           `yaml:"max_connections" koanf:"max_connections" validate:"gte=0"`
	MaxMessageSize    int64         `yaml:"max_message_size" koanf:"max_message_size" validate:"gt=0"`
	SendBuffer        int           `yaml:"send_buffer" koanf:"send_buffer" validate:"gt=0"`
	WriteWait         time.Duration `yaml:"write_wait" koanf:"write_wait" validate:"gt=0"`
	PongWait          time.Duration `yaml:"pong_wait" koanf:"pong_wait" validate:"gt=0"`
	MessagesPerSecond float64       `yaml:"messages_per_second" koanf:"messages_per_second" validate:"gte=0"`
	Burst             int           `yaml:"burst" koanf:"burst" validate:"gte=0"`
}

type AnnotationsConfig struct {
	// Mode is "partitioned" (one store per video) or "global" (one shared store).
	Mode       string `yaml:"mode" koanf:"mode" validate:"oneof=partitioned global"`
	Dir        string `yaml:"dir" koanf:"dir" validate:"required"`
	GlobalFile string `yaml:"global_file" koanf:"global_file" validate:"required"`
	Dedup      bool   `yaml:"dedup" koanf:"dedup"`
}

type RegistryConfig struct {
	Persist bool   `yaml:"persist" koanf:"persist"`
	Path    string `yaml:"path" koanf:"path" validate:"required_if=Persist true"`
}

type CatalogConfig struct {
	Dir              string `yaml:"dir" koanf:"dir" validate:"required"`
	IndexFile        string `yaml:"index_file" koanf:"index_file" validate:"required"`
	PublicPath       string `yaml:"public_path" koanf:"public_path" validate:"required,startswith=/,endswith=/"`
	MaxUploadBytes   int64  `yaml:"max_upload_bytes" koanf:"max_upload_bytes" validate:"gt=0"`
	UploadsPerMinute int    `yaml:"uploads_per_minute" koanf:"uploads_per_minute" validate:"gte=0"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" koanf:"enabled"`
	Path    string `yaml:"path" koanf:"path" validate:"required_if=Enabled true"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" koanf:"level" validate:"oneof=trace debug info warn error disabled"`
	Format string `yaml:"format" koanf:"format" validate:"oneof=json console"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
			CORSOrigins:     []string{"*"},
		},
		WebSocket: WebSocketConfig{
			MaxConnections:    1000,
			MaxMessageSize:    64 * 1024,
			SendBuffer:        256,
			WriteWait:         10 * time.Second,
			PongWait:          60 * time.Second,
			MessagesPerSecond: 20,
			Burst:             40,
		},
		Annotations: AnnotationsConfig{
			Mode:       "partitioned",
			Dir:        "data/annotations",
			GlobalFile: "annotations.json",
		},
		Registry: RegistryConfig{
			Path: "data/registry",
		},
		Catalog: CatalogConfig{
			Dir:              "data/uploads",
			IndexFile:        "videos.json",
			PublicPath:       "/uploads/",
			MaxUploadBytes:   2 << 30,
			UploadsPerMinute: 10,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load layers defaults, the optional yml file at path and DANMAKU_* env vars,
// in that order of precedence.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	if err := splitListFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// envKey maps DANMAKU_WEBSOCKET_MAX_CONNECTIONS to websocket.max_connections.
// Section names never contain an underscore, so only the first one is a separator.
func envKey(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
	section, field, ok := strings.Cut(key, "_")
	if !ok {
		return section
	}
	return section + "." + field
}

var listFields = []string{"server.cors_origins"}

// splitListFields turns comma separated env values into slices.
func splitListFields(k *koanf.Koanf) error {
	for _, path := range listFields {
		raw, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		var items []string
		for _, item := range strings.Split(raw, ",") {
			if item = strings.TrimSpace(item); item != "" {
				items = append(items, item)
			}
		}
		if err := k.Set(path, items); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

func (c *Config) Validate() error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Dump renders the effective configuration as yml.
func Dump(cfg *Config) ([]byte, error) {
	out, err := yamlv3.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode config: %w", err)
	}
	return out, nil
}
