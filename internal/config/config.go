// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Finalverse Contributors

// Package config loads process configuration. Sources are layered, each
// overriding the previous one: built-in defaults, a YAML file, FINALVERSE_*
// environment variables, then command-line flags that were set explicitly.
package config

import (
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
)

// CodeInvalidConfig marks configuration that fails to load or validate.
const CodeInvalidConfig = "INVALID_CONFIG"

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "FINALVERSE_"

// Config is the whole process configuration.
type Config struct {
	Log       LogConfig       `koanf:"log" envPrefix:"LOG_"`
	Core      CoreConfig      `koanf:"core" envPrefix:"CORE_"`
	Gateway   GatewayConfig   `koanf:"gateway" envPrefix:"GATEWAY_"`
	Bus       BusConfig       `koanf:"bus" envPrefix:"BUS_"`
	Sandbox   SandboxConfig   `koanf:"sandbox" envPrefix:"SANDBOX_"`
	Behavior  BehaviorConfig  `koanf:"behavior" envPrefix:"BEHAVIOR_"`
	Telemetry TelemetryConfig `koanf:"telemetry" envPrefix:"TELEMETRY_"`

	// Plugins holds free-form settings per service plugin, read through
	// the plugin registry.
	Plugins map[string]map[string]any `koanf:"plugins" env:"-"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `koanf:"level" env:"LEVEL"`
	Format string `koanf:"format" env:"FORMAT"`
}

// CoreConfig configures the core process.
type CoreConfig struct {
	HTTPAddr    string   `koanf:"http_addr" env:"HTTP_ADDR"`
	GRPCAddr    string   `koanf:"grpc_addr" env:"GRPC_ADDR"`
	MetricsAddr string   `koanf:"metrics_addr" env:"METRICS_ADDR"`
	PluginDir   string   `koanf:"plugin_dir" env:"PLUGIN_DIR"`
	Builtins    []string `koanf:"builtins" env:"BUILTINS" envSeparator:","`
}

// GatewayConfig configures the gateway process. AllowedOrigins are glob
// patterns matched against the Origin header of upgrade requests; empty
// admits every origin.
type GatewayConfig struct {
	Addr           string   `koanf:"addr" env:"ADDR"`
	MetricsAddr    string   `koanf:"metrics_addr" env:"METRICS_ADDR"`
	PluginDir      string   `koanf:"plugin_dir" env:"PLUGIN_DIR"`
	AllowedOrigins []string `koanf:"allowed_origins" env:"ALLOWED_ORIGINS" envSeparator:","`
}

// BusConfig selects the event bus transport.
type BusConfig struct {
	Transport      string        `koanf:"transport" env:"TRANSPORT"`
	NATSURL        string        `koanf:"nats_url" env:"NATS_URL"`
	ConnectRetries uint64        `koanf:"connect_retries" env:"CONNECT_RETRIES"`
	ConnectBackoff time.Duration `koanf:"connect_backoff" env:"CONNECT_BACKOFF"`
	BufferSize     int           `koanf:"buffer_size" env:"BUFFER_SIZE"`
}

// SandboxConfig bounds sandboxed modules.
type SandboxConfig struct {
	MemoryLimitPages uint32        `koanf:"memory_limit_pages" env:"MEMORY_LIMIT_PAGES"`
	CallTimeout      time.Duration `koanf:"call_timeout" env:"CALL_TIMEOUT"`
}

// BehaviorConfig configures behavior plugins.
type BehaviorConfig struct {
	Dir             string        `koanf:"dir" env:"DIR"`
	DeliveryTimeout time.Duration `koanf:"delivery_timeout" env:"DELIVERY_TIMEOUT"`
}

// TelemetryConfig configures trace export. An empty endpoint disables it.
type TelemetryConfig struct {
	Endpoint string `koanf:"endpoint" env:"ENDPOINT"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info", Format: "json"},
		Core: CoreConfig{
			HTTPAddr:    "127.0.0.1:8080",
			GRPCAddr:    "127.0.0.1:9000",
			MetricsAddr: "127.0.0.1:9100",
			PluginDir:   "plugins/native",
		},
		Gateway: GatewayConfig{
			Addr:        "127.0.0.1:8081",
			MetricsAddr: "127.0.0.1:9101",
			PluginDir:   "plugins/connections",
		},
		Bus: BusConfig{
			Transport:      "local",
			NATSURL:        "nats://127.0.0.1:4222",
			ConnectRetries: 5,
			ConnectBackoff: 200 * time.Millisecond,
			BufferSize:     256,
		},
		Sandbox: SandboxConfig{
			MemoryLimitPages: 256,
			CallTimeout:      time.Second,
		},
		Behavior: BehaviorConfig{
			Dir:             "plugins/behaviors",
			DeliveryTimeout: 5 * time.Second,
		},
	}
}

// Load builds the configuration. path may be empty. flagKeys maps flag
// names in fs to configuration keys; only flags set on the command line
// override. fs may be nil.
func Load(path string, fs *pflag.FlagSet, flagKeys map[string]string) (*Config, error) {
	cfg := Default()

	if path != "" {
		k := koanf.New(".")
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.Code(CodeInvalidConfig).In("config").With("path", path).Wrapf(err, "load config file")
		}
		if err := k.Unmarshal("", &cfg); err != nil {
			return nil, oops.Code(CodeInvalidConfig).In("config").With("path", path).Wrapf(err, "decode config file")
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, oops.Code(CodeInvalidConfig).In("config").Wrapf(err, "parse environment")
	}

	if fs != nil && len(flagKeys) > 0 {
		k := koanf.New(".")
		provider := posflag.ProviderWithFlag(fs, ".", nil, func(f *pflag.Flag) (string, any) {
			key, ok := flagKeys[f.Name]
			if !ok || !f.Changed {
				return "", nil
			}
			return key, posflag.FlagVal(fs, f)
		})
		if err := k.Load(provider, nil); err != nil {
			return nil, oops.Code(CodeInvalidConfig).In("config").Wrapf(err, "load flags")
		}
		if err := k.Unmarshal("", &cfg); err != nil {
			return nil, oops.Code(CodeInvalidConfig).In("config").Wrapf(err, "decode flags")
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values the loaders cannot.
func (c *Config) Validate() error {
	invalid := func(key, format string, args ...any) error {
		return oops.Code(CodeInvalidConfig).In("config").With("key", key).Errorf(format, args...)
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log.level", "log level must be debug, info, warn or error, got %q", c.Log.Level)
	}
	if c.Log.Format != "json" && c.Log.Format != "text" {
		return invalid("log.format", "log format must be 'json' or 'text', got %q", c.Log.Format)
	}
	if c.Core.GRPCAddr == "" {
		return invalid("core.grpc_addr", "grpc address is required")
	}
	if c.Core.HTTPAddr == "" {
		return invalid("core.http_addr", "http address is required")
	}
	if c.Gateway.Addr == "" {
		return invalid("gateway.addr", "gateway address is required")
	}
	switch c.Bus.Transport {
	case "local":
	case "nats":
		if c.Bus.NATSURL == "" {
			return invalid("bus.nats_url", "nats transport needs a url")
		}
	default:
		return invalid("bus.transport", "bus transport must be 'local' or 'nats', got %q", c.Bus.Transport)
	}
	if c.Bus.BufferSize < 0 {
		return invalid("bus.buffer_size", "buffer size must not be negative")
	}
	if c.Sandbox.CallTimeout < 0 {
		return invalid("sandbox.call_timeout", "call timeout must not be negative")
	}
	if c.Sandbox.MemoryLimitPages > 65536 {
		return invalid("sandbox.memory_limit_pages", "memory limit exceeds 65536 pages (4 GiB)")
	}
	if c.Behavior.DeliveryTimeout <= 0 {
		return invalid("behavior.delivery_timeout", "delivery timeout must be positive")
	}
	return nil
}

// PluginConfig returns the settings under plugins.<name>. The map is a
// copy; a plugin with no settings gets an empty map.
func (c *Config) PluginConfig(name string) map[string]any {
	out := make(map[string]any, len(c.Plugins[name]))
	for k, v := range c.Plugins[name] {
		out[k] = v
	}
	return out
}
