// File: internal/config/config.go
package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger   LoggerConfig   `mapstructure:"logger" yaml:"logger"`
	Browser  BrowserConfig  `mapstructure:"browser" yaml:"browser"`
	Chat     ChatConfig     `mapstructure:"chat" yaml:"chat"`
	Recovery RecoveryConfig `mapstructure:"recovery" yaml:"recovery"`
	Runs     RunsConfig     `mapstructure:"runs" yaml:"runs"`
}

// LoggerConfig controls the zap logger setup.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// BrowserConfig holds settings for the controlled Chrome instance.
type BrowserConfig struct {
	// ProfileDir is the dedicated automation profile. It is a
	// single-writer resource per automation identity; a human's own
	// profile must never be pointed at here.
	ProfileDir string `mapstructure:"profile_dir" yaml:"profile_dir"`

	ExecPath          string        `mapstructure:"exec_path" yaml:"exec_path"`
	Args              []string      `mapstructure:"args" yaml:"args"`
	DebugPort         int           `mapstructure:"debug_port" yaml:"debug_port"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
}

// ChatConfig describes how to read and drive the remote conversational UI.
// Selectors and bounds are configuration, not code: the remote interface
// changes shape over time and these are the knobs that track it.
type ChatConfig struct {
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`

	// Selectors for the structural elements of the transcript.
	TurnSelector       string `mapstructure:"turn_selector" yaml:"turn_selector"`
	TurnNumberAttr     string `mapstructure:"turn_number_attr" yaml:"turn_number_attr"`
	UserRoleSelector   string `mapstructure:"user_role_selector" yaml:"user_role_selector"`
	ReplyRoleSelector  string `mapstructure:"reply_role_selector" yaml:"reply_role_selector"`
	InputSelector      string `mapstructure:"input_selector" yaml:"input_selector"`
	SendButtonSelector string `mapstructure:"send_button_selector" yaml:"send_button_selector"`
	FileInputSelector  string `mapstructure:"file_input_selector" yaml:"file_input_selector"`

	// StopLabels mark the control that indicates an in-flight generation.
	StopLabels []string `mapstructure:"stop_labels" yaml:"stop_labels"`
	// CompletionSelector matches the reply-finished affordance, scoped
	// to a single turn (e.g. a copy button).
	CompletionSelector string `mapstructure:"completion_selector" yaml:"completion_selector"`

	// LoginSelector and ChallengeSelector detect the two needs-human walls.
	LoginSelector     string `mapstructure:"login_selector" yaml:"login_selector"`
	ChallengeSelector string `mapstructure:"challenge_selector" yaml:"challenge_selector"`

	// ReplyLookahead bounds the scan for the reply turn above the
	// expected position. Empirically 3 on the current remote UI; an
	// observation, not a structural guarantee.
	ReplyLookahead int `mapstructure:"reply_lookahead" yaml:"reply_lookahead"`

	PollInterval    time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	StabilityWindow time.Duration `mapstructure:"stability_window" yaml:"stability_window"`
	FailedGrace     time.Duration `mapstructure:"failed_grace" yaml:"failed_grace"`
	ReplyTimeout    time.Duration `mapstructure:"reply_timeout" yaml:"reply_timeout"`
	ConfirmTimeout  time.Duration `mapstructure:"confirm_timeout" yaml:"confirm_timeout"`

	// MaxAttachments is the remote-side attachment count limit; files
	// past it are inlined into the prompt as text.
	MaxAttachments int `mapstructure:"max_attachments" yaml:"max_attachments"`
}

// RecoveryConfig tunes the browser recovery controller.
type RecoveryConfig struct {
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	ReloadTimeout time.Duration `mapstructure:"reload_timeout" yaml:"reload_timeout"`
	// TerminateWait bounds the wait after a graceful terminate signal
	// before a force kill is even considered.
	TerminateWait time.Duration `mapstructure:"terminate_wait" yaml:"terminate_wait"`
}

// RunsConfig locates the run record directory shared with the status and
// cancel processes.
type RunsConfig struct {
	Dir               string        `mapstructure:"dir" yaml:"dir"`
	CancelPoll        time.Duration `mapstructure:"cancel_poll" yaml:"cancel_poll"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
}

// SetDefaults registers every default value with viper. Called before
// ReadInConfig so a missing config file still yields a usable Config.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "promptpilot")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)

	v.SetDefault("browser.debug_port", 9339)
	v.SetDefault("browser.navigation_timeout", 90*time.Second)

	v.SetDefault("chat.turn_selector", "[data-turn-index]")
	v.SetDefault("chat.turn_number_attr", "data-turn-index")
	v.SetDefault("chat.user_role_selector", `[data-role="user"]`)
	v.SetDefault("chat.reply_role_selector", `[data-role="assistant"]`)
	v.SetDefault("chat.input_selector", `[contenteditable="true"][data-testid="prompt-input"]`)
	v.SetDefault("chat.send_button_selector", `button[data-testid="send"]`)
	v.SetDefault("chat.file_input_selector", `input[type="file"]`)
	v.SetDefault("chat.stop_labels", []string{"stop", "update"})
	v.SetDefault("chat.completion_selector", `button[data-testid="copy-reply"]`)
	v.SetDefault("chat.login_selector", `[data-testid="login-form"]`)
	v.SetDefault("chat.challenge_selector", `[data-testid="verification-challenge"]`)
	v.SetDefault("chat.reply_lookahead", 3)
	v.SetDefault("chat.poll_interval", 750*time.Millisecond)
	v.SetDefault("chat.stability_window", 2*time.Second)
	v.SetDefault("chat.failed_grace", 30*time.Second)
	v.SetDefault("chat.reply_timeout", 10*time.Minute)
	v.SetDefault("chat.confirm_timeout", 20*time.Second)
	v.SetDefault("chat.max_attachments", 10)

	v.SetDefault("recovery.probe_timeout", 5*time.Second)
	v.SetDefault("recovery.reload_timeout", 30*time.Second)
	v.SetDefault("recovery.terminate_wait", 10*time.Second)

	v.SetDefault("runs.cancel_poll", time.Second)
	v.SetDefault("runs.heartbeat_interval", 30*time.Second)
}

// Load reads configuration from file, environment and defaults into a
// validated Config.
func Load(v *viper.Viper) (*Config, error) {
	cfg, err := LoadUnvalidated(v)
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadUnvalidated is Load without the operational validation. Commands
// that only read or mark run records (status, cancel) use it; they need
// the runs directory but not a reachable chat UI.
func LoadUnvalidated(v *viper.Viper) (*Config, error) {
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.applyDerivedDefaults(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDerivedDefaults fills paths that depend on the user's home dir.
func (c *Config) applyDerivedDefaults() error {
	home, err := homedir.Dir()
	if err != nil {
		return fmt.Errorf("failed to resolve home directory: %w", err)
	}
	if c.Browser.ProfileDir == "" {
		c.Browser.ProfileDir = filepath.Join(home, ".promptpilot", "profile")
	}
	if c.Runs.Dir == "" {
		c.Runs.Dir = filepath.Join(home, ".promptpilot", "runs")
	}
	return nil
}

// Validate rejects configurations the engine cannot operate under.
func (c *Config) Validate() error {
	if c.Chat.BaseURL == "" {
		return fmt.Errorf("chat.base_url is required")
	}
	if !strings.HasPrefix(c.Chat.BaseURL, "http://") && !strings.HasPrefix(c.Chat.BaseURL, "https://") {
		return fmt.Errorf("chat.base_url must include a scheme: %q", c.Chat.BaseURL)
	}
	if c.Chat.ReplyLookahead < 0 {
		return fmt.Errorf("chat.reply_lookahead must be >= 0, got %d", c.Chat.ReplyLookahead)
	}
	if c.Chat.StabilityWindow <= 0 {
		return fmt.Errorf("chat.stability_window must be positive")
	}
	if c.Chat.FailedGrace <= 0 {
		return fmt.Errorf("chat.failed_grace must be positive")
	}
	return nil
}
