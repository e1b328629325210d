// Package config loads swarm configuration from swarm.yaml and the
// environment. Environment variables use the SWARM_ prefix with dots replaced
// by underscores, e.g. SWARM_SWARM_QUORUMTHRESHOLD or the explicit bindings
// below.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type (
	// Config is the root configuration for a swarm process.
	Config struct {
		Swarm    *Swarm    `mapstructure:"swarm"`
		Store    *Store    `mapstructure:"store"`
		Executor *Executor `mapstructure:"executor"`
		Intake   *Intake   `mapstructure:"intake"`
		Status   *Status   `mapstructure:"status"`
		Logger   *Logger   `mapstructure:"logger"`
	}

	// Swarm holds the orchestration and consensus tunables.
	Swarm struct {
		MaxSlotsPerDomain   int     `mapstructure:"maxSlotsPerDomain"`
		QuorumThreshold     float64 `mapstructure:"quorumThreshold"`
		VotingDeadlineMs    int64   `mapstructure:"votingDeadlineMs"`
		MaxAttempts         int     `mapstructure:"maxAttempts"`
		HeartbeatIntervalMs int64   `mapstructure:"heartbeatIntervalMs"`
		StatusIntervalMs    int64   `mapstructure:"statusIntervalMs"`
		ScheduleIntervalMs  int64   `mapstructure:"scheduleIntervalMs"`
		ExecTimeoutMs       int64   `mapstructure:"execTimeoutMs"`
		Secret              string  `mapstructure:"secret"`
	}

	// Store selects and configures the durable task/vote store backend.
	Store struct {
		Driver   string `mapstructure:"driver"`
		Path     string `mapstructure:"path"`
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Database string `mapstructure:"database"`
		SSLMode  string `mapstructure:"sslmode"`
	}

	// Executor selects how domain workers run task payloads. The http kind
	// posts each payload to an external endpoint; scripted runs the in-process
	// demo executor.
	Executor struct {
		Kind     string `mapstructure:"kind"`
		Endpoint string `mapstructure:"endpoint"`
	}

	// Intake configures the optional AMQP task feed.
	Intake struct {
		Enabled bool   `mapstructure:"enabled"`
		URL     string `mapstructure:"url"`
		Queue   string `mapstructure:"queue"`
	}

	// Status configures where swarm status snapshots are published.
	Status struct {
		Sink     string `mapstructure:"sink"`
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		TTLSec   int    `mapstructure:"ttlSec"`
	}

	// Logger configures the zap logger.
	Logger struct {
		Level    string `mapstructure:"level"`
		Encoding string `mapstructure:"encoding"`
	}
)

// New reads swarm.yaml (working directory, ./config, or ~/.spek-swarm) and the
// environment, then unmarshals into a Config. A missing config file is not an
// error; missing keys fall back to defaults.
func New() (*Config, error) {
	viper.SetConfigName("swarm")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("$HOME/.spek-swarm")

	viper.AutomaticEnv()
	viper.SetEnvPrefix("swarm")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults()
	bindEnvKeys()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	config := &Config{}
	if err := viper.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return config, nil
}

func setDefaults() {
	viper.SetDefault("swarm.maxSlotsPerDomain", 4)
	viper.SetDefault("swarm.quorumThreshold", 0.67)
	viper.SetDefault("swarm.votingDeadlineMs", 120000)
	viper.SetDefault("swarm.maxAttempts", 3)
	viper.SetDefault("swarm.heartbeatIntervalMs", 30000)
	viper.SetDefault("swarm.statusIntervalMs", 15000)
	viper.SetDefault("swarm.scheduleIntervalMs", 1000)
	viper.SetDefault("swarm.execTimeoutMs", 30000)
	viper.SetDefault("swarm.secret", "spek-swarm-dev-secret")

	viper.SetDefault("store.driver", "sqlite")
	viper.SetDefault("store.path", ".spek-swarm/swarm.db")
	viper.SetDefault("store.sslmode", "disable")

	viper.SetDefault("executor.kind", "scripted")
	viper.SetDefault("executor.endpoint", "http://localhost:8090/execute")

	viper.SetDefault("intake.enabled", false)
	viper.SetDefault("intake.queue", "swarm.tasks")

	viper.SetDefault("status.sink", "log")
	viper.SetDefault("status.ttlSec", 60)

	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.encoding", "json")
}

func bindEnvKeys() {
	viper.BindEnv("swarm.secret", "SWARM_SECRET")
	viper.BindEnv("swarm.quorumThreshold", "SWARM_QUORUM_THRESHOLD")
	viper.BindEnv("swarm.maxAttempts", "SWARM_MAX_ATTEMPTS")

	viper.BindEnv("store.driver", "SWARM_STORE_DRIVER")
	viper.BindEnv("store.path", "SWARM_STORE_PATH")
	viper.BindEnv("store.host", "PGHOST")
	viper.BindEnv("store.port", "PGPORT")
	viper.BindEnv("store.user", "PGUSER")
	viper.BindEnv("store.password", "PGPASSWORD")
	viper.BindEnv("store.database", "PGDATABASE")

	viper.BindEnv("executor.kind", "SWARM_EXECUTOR_KIND")
	viper.BindEnv("executor.endpoint", "SWARM_EXECUTOR_ENDPOINT")

	viper.BindEnv("intake.url", "SWARM_AMQP_URL")
	viper.BindEnv("status.addr", "SWARM_REDIS_ADDR")
	viper.BindEnv("status.password", "SWARM_REDIS_PASSWORD")

	viper.BindEnv("logger.level", "SWARM_LOG_LEVEL")
}
