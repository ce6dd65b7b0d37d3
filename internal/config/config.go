package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the full jot configuration, loadable from a YAML file with
// environment variable overrides (prefix JOT_, dots become underscores).
type Config struct {
	// Dir is the directory journal files live in.
	Dir string `mapstructure:"dir"`

	Log     LogConfig     `mapstructure:"log"`
	Journal JournalConfig `mapstructure:"journal"`
	Rotate  RotateConfig  `mapstructure:"rotate"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// JournalConfig controls file creation and the size policy. Zero size
// limits are derived from the filesystem at open time.
type JournalConfig struct {
	Compress          bool   `mapstructure:"compress"`
	CompressThreshold uint64 `mapstructure:"compress_threshold"`

	// SealKeyFile, when set, enables sealing with the key read from this
	// file.
	SealKeyFile string `mapstructure:"seal_key_file"`

	MaxUse   uint64 `mapstructure:"max_use"`
	MaxSize  uint64 `mapstructure:"max_size"`
	MinSize  uint64 `mapstructure:"min_size"`
	KeepFree uint64 `mapstructure:"keep_free"`
	MaxFiles uint64 `mapstructure:"max_files"`
}

// RotateConfig controls when rotation is suggested.
type RotateConfig struct {
	MaxFileAge time.Duration `mapstructure:"max_file_age"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Dir: "/var/log/jot",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Journal: JournalConfig{
			Compress:          true,
			CompressThreshold: 512,
		},
		Rotate: RotateConfig{
			MaxFileAge: 30 * 24 * time.Hour,
		},
	}
}

// Load reads the configuration from path (optional, empty means defaults
// plus environment only).
func Load(path string) (*Config, error) {
	v := viper.New()

	def := Default()
	v.SetDefault("dir", def.Dir)
	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("log.format", def.Log.Format)
	v.SetDefault("journal.compress", def.Journal.Compress)
	v.SetDefault("journal.compress_threshold", def.Journal.CompressThreshold)
	v.SetDefault("rotate.max_file_age", def.Rotate.MaxFileAge)

	v.SetEnvPrefix("JOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "config: read %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "config: unmarshal")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the engine cannot honor.
func (c *Config) Validate() error {
	if c.Dir == "" {
		return errors.New("config: dir must not be empty")
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return errors.Errorf("config: unknown log format %q", c.Log.Format)
	}
	if c.Journal.MaxSize > 0 && c.Journal.MinSize > c.Journal.MaxSize {
		return errors.New("config: journal.min_size exceeds journal.max_size")
	}
	if c.Rotate.MaxFileAge < 0 {
		return errors.New("config: rotate.max_file_age must not be negative")
	}
	return nil
}
