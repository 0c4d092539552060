package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Tunable limits named in SPEC_FULL.md §6; exported so the engine can
// reference them without importing viper.
const (
	MaxRunChunkExecutionLimitMs = 900_000
	MaxRunYieldedExecutions     = 10_000
	RunChunkExecutionBufferMs   = 10_000
	TotalCachedTaskByteLimit    = 3_500_000
	NoopTaskSetSize             = 100_000
	RunChunkExecutionMinMs      = 10_000
)

// RCConfig holds the application configuration.
type RCConfig struct {
	Database struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"database"`

	Server struct {
		Host string `mapstructure:"host"`
		Port int    `mapstructure:"port"`
	} `mapstructure:"server"`

	Queue struct {
		Host     string `mapstructure:"host"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"queue"`

	// Engine holds the coordinator's own tunables that aren't fixed
	// constants (spec.md §3, §6).
	Engine struct {
		MaxWorkers int `mapstructure:"max_workers"`

		// BlockedOrgSlugs is consulted by the Execute Driver's
		// preflight check (spec.md §4.C, "If the process configuration
		// marks the run's organisation as blocked").
		BlockedOrgSlugs []string `mapstructure:"blocked_org_slugs"`

		// AcceptLegacyResumeTaskID keeps honouring the deprecated
		// run.resumeTaskId field; see DESIGN.md Open Question 1.
		AcceptLegacyResumeTaskID bool `mapstructure:"accept_legacy_resume_task_id"`
	} `mapstructure:"engine"`

	// DependencySweep configures the supplemented dependency-resume
	// sweep (SPEC_FULL.md §4).
	DependencySweep struct {
		Enabled         bool `mapstructure:"enabled"`
		IntervalSeconds int  `mapstructure:"interval_seconds"`
	} `mapstructure:"dependency_sweep"`

	LogLevel zerolog.Level `mapstructure:"log_level"`
}

// LoadConfig reads the configuration from a file or environment
// variables.
func LoadConfig(configPaths ...string) (*RCConfig, error) {
	if path, exists := os.LookupEnv("RC_CONFIG_PATH"); exists {
		configPaths = append(configPaths, path)
	}
	for _, path := range configPaths {
		fi, err := os.Stat(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		} else if err != nil {
			return nil, err
		}
		mode := fi.Mode()
		switch {
		case mode.IsRegular():
			v := newViper()
			v.SetConfigFile(path)
			config, err := readConfig(v, path)
			if err != nil {
				continue
			}
			return config, nil

		case mode.IsDir():
			v := newViper()
			v.AddConfigPath(path)
			v.SetConfigName("config")
			v.SetConfigType("yaml")
			config, err := readConfig(v, path)
			if err != nil {
				continue
			}
			return config, nil
		}
	}

	v := newViper()
	v.AddConfigPath(".")
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	cwd, _ := os.Getwd()

	config, err := readConfig(v, cwd)
	if err != nil {
		return nil, err
	}
	return config, nil
}

func newViper() *viper.Viper {
	v := viper.New()

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "runcoordinator")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)

	v.SetDefault("queue.host", "localhost:6379")
	v.SetDefault("queue.password", "redis")
	v.SetDefault("queue.db", 0)

	v.SetDefault("engine.max_workers", 10)
	v.SetDefault("engine.blocked_org_slugs", []string{})
	v.SetDefault("engine.accept_legacy_resume_task_id", true)

	v.SetDefault("dependency_sweep.enabled", true)
	v.SetDefault("dependency_sweep.interval_seconds", 30)

	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("RC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// spec.md §6 names the literal env var BLOCKED_ORGS (no RC_ prefix);
	// bind it directly rather than relying on the RC_ENGINE_* mapping.
	_ = v.BindEnv("engine.blocked_org_slugs", "BLOCKED_ORGS")

	return v
}

func readConfig(v *viper.Viper, path string) (*RCConfig, error) {
	var config RCConfig

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("path", path).Msg("could not read config file")
		return nil, err
	}
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToSliceHookFunc(","),
		mapstructure.TextUnmarshallerHookFunc(),
	)
	if err := v.Unmarshal(&config, viper.DecodeHook(decodeHook)); err != nil {
		log.Warn().Str("path", path).Msg("could not unmarshal config")
		return nil, err
	}

	return &config, nil
}

// GetDatabaseURL returns a formatted database connection string.
func (c *RCConfig) GetDatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Name,
		c.Database.SSLMode,
	)
}

// IsOrgBlocked reports whether slug matches any entry in
// Engine.BlockedOrgSlugs (populated from BLOCKED_ORGS), substring-matched
// per spec.md §6 ("substring-matched list of organisation ids that are
// cancelled on first encounter") rather than an exact match.
func (c *RCConfig) IsOrgBlocked(slug string) bool {
	for _, s := range c.Engine.BlockedOrgSlugs {
		if s != "" && strings.Contains(slug, s) {
			return true
		}
	}
	return false
}
