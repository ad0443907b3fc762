// Package config loads the warmcache CLI configuration.
//
// Sources in order of precedence:
//  1. Environment variables (WARMCACHE_*, e.g. WARMCACHE_LOGGING_LEVEL)
//  2. Configuration file (YAML)
//  3. Default values
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/meigma/warmcache"
	whttp "github.com/meigma/warmcache/http"
	"github.com/meigma/warmcache/preload"
	"github.com/meigma/warmcache/slideshow"
	"github.com/meigma/warmcache/worker"
)

// EnvPrefix prefixes environment overrides.
const EnvPrefix = "WARMCACHE"

// Config is the CLI configuration.
type Config struct {
	// Origin is the site the worker serves, e.g. https://cafe.example/.
	Origin string `mapstructure:"origin" validate:"required,url" yaml:"origin"`

	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Worker  WorkerConfig  `mapstructure:"worker" yaml:"worker"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	Preload PreloadConfig `mapstructure:"preload" yaml:"preload"`
	Network NetworkConfig `mapstructure:"network" yaml:"network"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error" yaml:"level"`
	Format string `mapstructure:"format" validate:"required,oneof=text json" yaml:"format"`
}

// ServerConfig controls the serve command.
type ServerConfig struct {
	Listen          string        `mapstructure:"listen" validate:"required,hostname_port" yaml:"listen"`
	MetricsPath     string        `mapstructure:"metrics_path" validate:"omitempty,startswith=/" yaml:"metrics_path"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0" yaml:"shutdown_timeout"`
}

// WorkerConfig names the generations and what they hold.
type WorkerConfig struct {
	ShellTag      string   `mapstructure:"shell_tag" validate:"required" yaml:"shell_tag"`
	ImageTag      string   `mapstructure:"image_tag" validate:"required,nefield=ShellTag" yaml:"image_tag"`
	ShellManifest []string `mapstructure:"shell_manifest" validate:"dive,required" yaml:"shell_manifest"`
	ImageManifest []string `mapstructure:"image_manifest" validate:"dive,required" yaml:"image_manifest"`
	MaxEntryBytes ByteSize `mapstructure:"max_entry_bytes" validate:"gte=0" yaml:"max_entry_bytes"`
}

// StorageConfig selects the generation store. MaxBytes applies to the
// memory and disk backends.
type StorageConfig struct {
	Backend  string   `mapstructure:"backend" validate:"required,oneof=memory disk badger" yaml:"backend"`
	Path     string   `mapstructure:"path" validate:"required_unless=Backend memory" yaml:"path"`
	MaxBytes ByteSize `mapstructure:"max_bytes" validate:"gte=0" yaml:"max_bytes"`
}

// PreloadConfig controls image preloading and the slideshow.
type PreloadConfig struct {
	Backgrounds       []string      `mapstructure:"backgrounds" validate:"dive,required" yaml:"backgrounds"`
	HighPriorityCount int           `mapstructure:"high_priority_count" validate:"gte=0" yaml:"high_priority_count"`
	Concurrency       int           `mapstructure:"concurrency" validate:"gte=0" yaml:"concurrency"`
	LoadingTimeout    time.Duration `mapstructure:"loading_timeout" validate:"gte=0" yaml:"loading_timeout"`
	Interval          time.Duration `mapstructure:"interval" validate:"gt=0" yaml:"interval"`
	FadeDelay         time.Duration `mapstructure:"fade_delay" validate:"gte=0,ltfield=Interval" yaml:"fade_delay"`
}

// NetworkConfig shapes traffic to the origin.
type NetworkConfig struct {
	Timeout   time.Duration `mapstructure:"timeout" validate:"gte=0" yaml:"timeout"`
	Latency   time.Duration `mapstructure:"latency" validate:"gte=0" yaml:"latency"`
	Bandwidth ByteSize      `mapstructure:"bandwidth" validate:"gte=0" yaml:"bandwidth"`
}

// ByteSize is a size in bytes that also decodes from strings like "32MiB".
type ByteSize int64

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Origin: "http://localhost:8000/",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Listen:          "127.0.0.1:8080",
			MetricsPath:     "/metrics",
			ShutdownTimeout: 10 * time.Second,
		},
		Worker: WorkerConfig{
			ShellTag:      warmcache.DefaultShellTag,
			ImageTag:      warmcache.DefaultImageTag,
			ShellManifest: append([]string(nil), warmcache.DefaultShellManifest...),
			ImageManifest: append([]string(nil), warmcache.DefaultImageManifest...),
			MaxEntryBytes: ByteSize(worker.DefaultMaxEntryBytes),
		},
		Storage: StorageConfig{
			Backend: "disk",
			Path:    filepath.Join(cacheDir(), "generations"),
		},
		Preload: PreloadConfig{
			Backgrounds:       append([]string(nil), warmcache.DefaultBackgrounds...),
			HighPriorityCount: preload.DefaultHighPriorityCount,
			LoadingTimeout:    preload.DefaultLoadingTimeout,
			Interval:          slideshow.DefaultInterval,
			FadeDelay:         slideshow.DefaultFadeDelay,
		},
		Network: NetworkConfig{
			Timeout: 30 * time.Second,
		},
	}
}

// WorkerConfig returns the worker.Config described by c.
func (c *Config) WorkerConfig() worker.Config {
	return worker.Config{
		ShellTag:      c.Worker.ShellTag,
		ImageTag:      c.Worker.ImageTag,
		ShellManifest: append([]string(nil), c.Worker.ShellManifest...),
		ImageManifest: append([]string(nil), c.Worker.ImageManifest...),
		BaseURL:       c.Origin,
	}
}

// Load reads configuration from path, the environment and defaults.
// An empty path uses the default location; a missing default file is not
// an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, Default())

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || (!errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(decodeHooks())); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	normalize(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cfg against its struct constraints.
func Validate(cfg *Config) error {
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if err := cfg.WorkerConfig().Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Save writes cfg to path as YAML, creating parent directories.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(header), data...), 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Init writes the default configuration to path. An existing file is only
// replaced when force is set.
func Init(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config %s already exists (use --force to overwrite)", path)
		}
	}
	return Save(Default(), path)
}

const header = `# warmcache configuration
# Every key can be overridden with a WARMCACHE_ environment variable,
# e.g. WARMCACHE_LOGGING_LEVEL=debug or WARMCACHE_STORAGE_BACKEND=badger.
`

// DefaultPath returns $XDG_CONFIG_HOME/warmcache/config.yaml.
func DefaultPath() string {
	return filepath.Join(configDir(), "config.yaml")
}

func configDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "warmcache")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".config", "warmcache")
}

func cacheDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "warmcache")
	}
	return filepath.Join(os.TempDir(), "warmcache")
}

func normalize(cfg *Config) {
	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	cfg.Logging.Format = strings.ToLower(cfg.Logging.Format)
	cfg.Storage.Backend = strings.ToLower(cfg.Storage.Backend)
}

// setDefaults registers every key so environment overrides apply even
// without a config file.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("origin", d.Origin)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.metrics_path", d.Server.MetricsPath)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("worker.shell_tag", d.Worker.ShellTag)
	v.SetDefault("worker.image_tag", d.Worker.ImageTag)
	v.SetDefault("worker.shell_manifest", d.Worker.ShellManifest)
	v.SetDefault("worker.image_manifest", d.Worker.ImageManifest)
	v.SetDefault("worker.max_entry_bytes", int64(d.Worker.MaxEntryBytes))
	v.SetDefault("storage.backend", d.Storage.Backend)
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("storage.max_bytes", int64(d.Storage.MaxBytes))
	v.SetDefault("preload.backgrounds", d.Preload.Backgrounds)
	v.SetDefault("preload.high_priority_count", d.Preload.HighPriorityCount)
	v.SetDefault("preload.concurrency", d.Preload.Concurrency)
	v.SetDefault("preload.loading_timeout", d.Preload.LoadingTimeout)
	v.SetDefault("preload.interval", d.Preload.Interval)
	v.SetDefault("preload.fade_delay", d.Preload.FadeDelay)
	v.SetDefault("network.timeout", d.Network.Timeout)
	v.SetDefault("network.latency", d.Network.Latency)
	v.SetDefault("network.bandwidth", int64(d.Network.Bandwidth))
}

func decodeHooks() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		byteSizeDecodeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// byteSizeDecodeHook accepts plain numbers and strings like "512k" or "32MiB".
func byteSizeDecodeHook() mapstructure.DecodeHookFunc {
	return func(_ reflect.Type, to reflect.Type, data any) (any, error) {
		if to != reflect.TypeOf(ByteSize(0)) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			s := strings.TrimSpace(v)
			if s == "" || s == "0" {
				return ByteSize(0), nil
			}
			n, err := whttp.ParseBytes(s)
			if err != nil {
				return nil, err
			}
			return ByteSize(n), nil
		case int:
			return ByteSize(v), nil
		case int64:
			return ByteSize(v), nil
		case uint64:
			return ByteSize(v), nil
		case float64:
			return ByteSize(v), nil
		default:
			return data, nil
		}
	}
}
