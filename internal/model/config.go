package model

type Config struct {
	Project    ProjectConfig    `yaml:"project"`
	Worker     WorkerConfig     `yaml:"worker"`
	Sessions   SessionsConfig   `yaml:"sessions"`
	Planner    PlannerConfig    `yaml:"planner"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Verify     VerifyConfig     `yaml:"verify"`
	Context    ContextConfig    `yaml:"context"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ProjectConfig struct {
	Name string `yaml:"name"`
	Root string `yaml:"root"`
}

// WorkerConfig describes how worker subprocesses are launched.
type WorkerConfig struct {
	Command string `yaml:"command"`
	Model   string `yaml:"model,omitempty"`
	UsePTY  bool   `yaml:"use_pty"`
}

type SessionsConfig struct {
	MaxConcurrent          int `yaml:"max_concurrent"`
	StartupTimeoutSec      int `yaml:"startup_timeout_sec"`
	PromptTimeoutSec       int `yaml:"prompt_timeout_sec"`
	HealthCheckIntervalSec int `yaml:"health_check_interval_sec"`
	MaxHistoryLines        int `yaml:"max_history_lines"`
}

type PlannerConfig struct {
	GenerationTimeoutSec int `yaml:"generation_timeout_sec"`
}

type SupervisorConfig struct {
	MaxRetries            int `yaml:"max_retries"`
	CheckpointIntervalSec int `yaml:"checkpoint_interval_sec"`
	MonitorIntervalSec    int `yaml:"monitor_interval_sec"`
}

type VerifyConfig struct {
	TimeoutSec int      `yaml:"timeout_sec"`
	Checks     []string `yaml:"checks,omitempty"`
}

type ContextConfig struct {
	MaxTokens int `yaml:"max_tokens"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns the configuration used when no config file exists.
// Individual zero values are also filled in by ApplyDefaults after unmarshal.
func DefaultConfig() Config {
	var cfg Config
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Worker.Command == "" {
		c.Worker.Command = "claude"
	}
	if c.Sessions.MaxConcurrent == 0 {
		c.Sessions.MaxConcurrent = 3
	}
	if c.Sessions.StartupTimeoutSec == 0 {
		c.Sessions.StartupTimeoutSec = 60
	}
	if c.Sessions.PromptTimeoutSec == 0 {
		c.Sessions.PromptTimeoutSec = 300
	}
	if c.Sessions.HealthCheckIntervalSec == 0 {
		c.Sessions.HealthCheckIntervalSec = 5
	}
	if c.Sessions.MaxHistoryLines == 0 {
		c.Sessions.MaxHistoryLines = 500
	}
	if c.Planner.GenerationTimeoutSec == 0 {
		c.Planner.GenerationTimeoutSec = 120
	}
	if c.Supervisor.MaxRetries == 0 {
		c.Supervisor.MaxRetries = 5
	}
	if c.Supervisor.CheckpointIntervalSec == 0 {
		c.Supervisor.CheckpointIntervalSec = 7200
	}
	if c.Supervisor.MonitorIntervalSec == 0 {
		c.Supervisor.MonitorIntervalSec = 60
	}
	if c.Verify.TimeoutSec == 0 {
		c.Verify.TimeoutSec = 300
	}
	if c.Context.MaxTokens == 0 {
		c.Context.MaxTokens = 150_000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}
