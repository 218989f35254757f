package main

import (
	stderrors "errors"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// config is the CLI configuration after merging defaults, the config file,
// environment variables and flags, in increasing priority.
type config struct {
	ScratchDir       string   `mapstructure:"scratch_dir"`
	SearchPaths      []string `mapstructure:"search_paths"`
	LogLevel         string   `mapstructure:"log_level"`
	MemoryLimitPages uint32   `mapstructure:"memory_limit_pages"`
}

func defaultConfig() *config {
	return &config{
		ScratchDir:  filepath.Join(os.TempDir(), "influence"),
		SearchPaths: []string{"."},
		LogLevel:    "warn",
	}
}

var flagKeys = map[string]string{
	"scratch_dir":        "scratch-dir",
	"search_paths":       "search-path",
	"log_level":          "log-level",
	"memory_limit_pages": "memory-limit-pages",
}

func loadConfig(flags *pflag.FlagSet) (*config, error) {
	v := viper.New()

	defaults := defaultConfig()
	v.SetDefault("scratch_dir", defaults.ScratchDir)
	v.SetDefault("search_paths", defaults.SearchPaths)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("memory_limit_pages", defaults.MemoryLimitPages)

	v.SetEnvPrefix("INFLUENCE")
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("influence")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "influence"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !stderrors.As(err, &notFound) {
			return nil, err
		}
	}

	for key, name := range flagKeys {
		if f := flags.Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return nil, err
			}
		}
	}

	var cfg config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// newLogger writes to stderr. Debug uses the development encoder.
func newLogger(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	var zc zap.Config
	if lvl == zapcore.DebugLevel {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
		zc.Encoding = "console"
		zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	return zc.Build()
}
