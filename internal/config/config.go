// Package config is the hierarchical configuration loader:
// command-line flags override environment variables override a config
// file override built-in defaults. Environment keys use a
// double-underscore hierarchy separator (EXEC_API__PORT).
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// CycleConfig bounds learning-loop cycle duration and cadence.
type CycleConfig struct {
	MinDurationMinutes     int `mapstructure:"min_duration_minutes"`
	MaxDurationMinutes     int `mapstructure:"max_duration_minutes"`
	ScheduleIntervalMinutes int `mapstructure:"schedule_interval_minutes"`
}

// ResilienceConfig configures the health monitor's stall detection
// and restart policy.
type ResilienceConfig struct {
	MaxRestartAttempts   int `mapstructure:"max_restart_attempts"`
	StallWarningMinutes  int `mapstructure:"stall_warning_minutes"`
	StallCriticalMinutes int `mapstructure:"stall_critical_minutes"`
}

// ToolsConfig configures the Agent Invoker's Tool Executor.
type ToolsConfig struct {
	DefaultTimeoutSeconds int `mapstructure:"default_timeout_seconds"`
	CacheTtlSeconds       int `mapstructure:"cache_ttl_seconds"`
	MaxRetries            int `mapstructure:"max_retries"`
	MaxRetryDelaySeconds  int `mapstructure:"max_retry_delay_seconds"`
}

// OllamaConfig configures a local-model LLM backend.
type OllamaConfig struct {
	BaseUrl        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// AgentConfig configures one named agent role (planner, researcher,
// analyst, synthesizer, evaluator).
type AgentConfig struct {
	Model          string  `mapstructure:"model"`
	Temperature    float64 `mapstructure:"temperature"`
	MaxTokens      int     `mapstructure:"max_tokens"`
	TimeoutMinutes int     `mapstructure:"timeout_minutes"`
	MaxRetries     int     `mapstructure:"max_retries"`
	MaxIterations  int     `mapstructure:"max_iterations"`
}

// StorageConfig configures where cycle artifacts, memory, and
// position/trade state live on disk.
type StorageConfig struct {
	BasePath               string `mapstructure:"base_path"`
	CyclesPath             string `mapstructure:"cycles_path"`
	MemoryPath             string `mapstructure:"memory_path"`
	ArchiveRetentionCount  int    `mapstructure:"archive_retention_count"`
}

// StrategyConfig configures the strategy-document hot-reload watcher.
type StrategyConfig struct {
	WatchPath                string `mapstructure:"watch_path"`
	ReloadLatencyMs           int    `mapstructure:"reload_latency_ms"`
	ValidityCheckIntervalMs   int    `mapstructure:"validity_check_interval_ms"`
}

// ApiConfig configures the operator and runner HTTP surfaces.
type ApiConfig struct {
	Host   string `mapstructure:"host"`
	Port   int    `mapstructure:"port"`
	ApiKey string `mapstructure:"api_key"`
}

// Config is the full hierarchical configuration tree.
type Config struct {
	Cycle      CycleConfig            `mapstructure:"cycle"`
	Resilience ResilienceConfig       `mapstructure:"resilience"`
	Tools      ToolsConfig            `mapstructure:"tools"`
	Ollama     OllamaConfig           `mapstructure:"ollama"`
	Agents     map[string]AgentConfig `mapstructure:"agents"`
	Storage    StorageConfig          `mapstructure:"storage"`
	Strategy   StrategyConfig         `mapstructure:"strategy"`
	Api        ApiConfig              `mapstructure:"api"`
}

// defaultAgentConfig is applied to any agent role absent from the
// config file or environment.
func defaultAgentConfig() AgentConfig {
	return AgentConfig{
		Model:          "llama3",
		Temperature:    0.2,
		MaxTokens:      4096,
		TimeoutMinutes: 5,
		MaxRetries:     3,
		MaxIterations:  50,
	}
}

// agentRoles are the fixed set of learning-loop agent roles that
// always receive a default entry even if unconfigured.
var agentRoles = []string{"planner", "researcher", "analyst", "synthesizer", "evaluator"}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cycle.min_duration_minutes", 5)
	v.SetDefault("cycle.max_duration_minutes", 120)
	v.SetDefault("cycle.schedule_interval_minutes", 60)

	v.SetDefault("resilience.max_restart_attempts", 3)
	v.SetDefault("resilience.stall_warning_minutes", 15)
	v.SetDefault("resilience.stall_critical_minutes", 30)

	v.SetDefault("tools.default_timeout_seconds", 20)
	v.SetDefault("tools.cache_ttl_seconds", 0)
	v.SetDefault("tools.max_retries", 3)
	v.SetDefault("tools.max_retry_delay_seconds", 30)

	v.SetDefault("ollama.base_url", "http://localhost:11434")
	v.SetDefault("ollama.timeout_seconds", 60)

	d := defaultAgentConfig()
	for _, role := range agentRoles {
		prefix := "agents." + role + "."
		v.SetDefault(prefix+"model", d.Model)
		v.SetDefault(prefix+"temperature", d.Temperature)
		v.SetDefault(prefix+"max_tokens", d.MaxTokens)
		v.SetDefault(prefix+"timeout_minutes", d.TimeoutMinutes)
		v.SetDefault(prefix+"max_retries", d.MaxRetries)
		v.SetDefault(prefix+"max_iterations", d.MaxIterations)
	}

	v.SetDefault("storage.base_path", "./data")
	v.SetDefault("storage.cycles_path", "./data/cycles")
	v.SetDefault("storage.memory_path", "./data/memory")
	v.SetDefault("storage.archive_retention_count", 10)

	v.SetDefault("strategy.watch_path", "./strategy.json")
	v.SetDefault("strategy.reload_latency_ms", 500)
	v.SetDefault("strategy.validity_check_interval_ms", 1000)

	v.SetDefault("api.host", "0.0.0.0")
	v.SetDefault("api.port", 8080)
	v.SetDefault("api.api_key", "")
}

// Flags is the small flag surface: a config file path plus host/port
// overrides. No interactive CLI beyond these.
type Flags struct {
	ConfigPath string
	Host       string
	Port       int
}

// BindFlags registers the flag surface onto fs, to be parsed by the
// caller before Load runs.
func BindFlags(fs *pflag.FlagSet) *Flags {
	f := &Flags{}
	fs.StringVar(&f.ConfigPath, "config", "", "path to config file (yaml/json/toml)")
	fs.StringVar(&f.Host, "host", "", "override api.host")
	fs.IntVar(&f.Port, "port", 0, "override api.port")
	return f
}

// Load builds the final Config from flags > environment > config file
// > defaults. envPrefix namespaces environment variables (e.g.
// EXEC_API__PORT for api.port under prefix "EXEC").
func Load(envPrefix string, flags *Flags) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "__"))
	v.AutomaticEnv()

	if flags != nil && flags.ConfigPath != "" {
		v.SetConfigFile(flags.ConfigPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("config: read %s: %w", flags.ConfigPath, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}

	if flags != nil {
		if flags.Host != "" {
			cfg.Api.Host = flags.Host
		}
		if flags.Port != 0 {
			cfg.Api.Port = flags.Port
		}
	}

	if cfg.Agents == nil {
		cfg.Agents = map[string]AgentConfig{}
	}
	for _, role := range agentRoles {
		if _, ok := cfg.Agents[role]; !ok {
			cfg.Agents[role] = defaultAgentConfig()
		}
	}

	return cfg, nil
}
