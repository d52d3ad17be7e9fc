package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"agentguard/internal/anomaly"
)

// Config is the root configuration for agentguard.
type Config struct {
	General    GeneralConfig    `json:"general"`
	Channels   ChannelsConfig   `json:"channels"`
	Policy     PolicyConfig     `json:"policy"`
	Audit      AuditConfig      `json:"audit"`
	Store      StoreConfig      `json:"store"`
	AutoRevoke AutoRevokeConfig `json:"autoRevoke"`
	Tools      ToolsConfig      `json:"tools"`
	API        APIConfig        `json:"api"`
	Metrics    MetricsConfig    `json:"metrics"`
}

type GeneralConfig struct {
	Workspace          string `json:"workspace"`
	DataDir            string `json:"dataDir"`
	LogLevel           string `json:"logLevel"`
	LogFile            string `json:"logFile,omitempty"` // optional log file path
	MaxConcurrentCalls int    `json:"maxConcurrentCalls"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord,omitempty"`
	Slack    SlackConfig    `json:"slack,omitempty"`
	CLI      CLIConfig      `json:"cli"`
}

type DiscordConfig struct {
	Enabled bool   `json:"enabled"`
	Token   string `json:"token"`
	GuildID string `json:"guildId,omitempty"` // optional: restrict to specific guild
}

type SlackConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"botToken"`
	AppToken string `json:"appToken"` // required for Socket Mode
}

type TelegramConfig struct {
	Enabled   bool           `json:"enabled"`
	Token     string         `json:"token"`
	AllowFrom FlexStringList `json:"allowFrom"`
	ParseMode string         `json:"parseMode"`
}

// FlexStringList is a []string that can unmarshal from JSON arrays containing
// both strings and numbers (e.g. ["123", 456] both become "123", "456").
type FlexStringList []string

func (f *FlexStringList) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	result := make([]string, 0, len(raw))
	for _, item := range raw {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			result = append(result, s)
			continue
		}
		var n float64
		if err := json.Unmarshal(item, &n); err == nil {
			result = append(result, strconv.FormatInt(int64(n), 10))
			continue
		}
		result = append(result, string(item))
	}
	*f = result
	return nil
}

type CLIConfig struct {
	Enabled bool   `json:"enabled"`
	User    string `json:"user"` // sender id for terminal input
}

// PolicyConfig points at the tier policy YAML document.
type PolicyConfig struct {
	Path      string `json:"path"`
	Watch     bool   `json:"watch"`     // reload on file change
	Bootstrap bool   `json:"bootstrap"` // write a template on first miss
}

type AuditConfig struct {
	Path        string `json:"path"`
	BufferSize  int    `json:"bufferSize"`
	SideChannel string `json:"sideChannel"` // "stderr" | "stdout" | file path
}

type StoreConfig struct {
	DBPath string `json:"dbPath"`
}

type AutoRevokeConfig struct {
	Enabled         bool              `json:"enabled"`
	BufferSize      int               `json:"bufferSize"`
	SuppressMinutes int               `json:"suppressMinutes"` // -1 disables suppression
	DisabledRules   []string          `json:"disabledRules,omitempty"`
	Actions         map[string]string `json:"actions,omitempty"` // rule id -> action override
	OperatorChannel string            `json:"operatorChannel,omitempty"`
	OperatorChatID  string            `json:"operatorChatId,omitempty"`
}

type ToolsConfig struct {
	Shell ShellToolConfig `json:"shell"`
	Files FilesToolConfig `json:"files"`
}

type ShellToolConfig struct {
	Enabled         bool     `json:"enabled"`
	Timeout         int      `json:"timeout"`
	MaxOutputBytes  int      `json:"maxOutputBytes"`
	BlockedPatterns []string `json:"blockedPatterns"`
}

type FilesToolConfig struct {
	Enabled bool `json:"enabled"`
}

// APIConfig configures the operator HTTP API.
type APIConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
	APIKey  string `json:"apiKey,omitempty"`
}

// MetricsConfig configures the Prometheus endpoint on the API server.
type MetricsConfig struct {
	Enabled  bool   `json:"enabled"`
	Endpoint string `json:"endpoint"`
}

// DefaultConfigDir returns the default config directory (~/.agentguard).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agentguard"
	}
	return filepath.Join(home, ".agentguard")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	if err := Normalize(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalize expands ~/ paths and validates cfg. Load applies it to every
// file it reads; callers running on Defaults() apply it themselves.
func Normalize(cfg *Config) error {
	cfg.expandPaths()
	if err := Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	return nil
}

func (c *Config) expandPaths() {
	for _, p := range []*string{
		&c.General.Workspace,
		&c.General.DataDir,
		&c.General.LogFile,
		&c.Policy.Path,
		&c.Audit.Path,
		&c.Store.DBPath,
	} {
		*p = ExpandPath(*p)
	}
	if c.Audit.SideChannel != "stderr" && c.Audit.SideChannel != "stdout" {
		c.Audit.SideChannel = ExpandPath(c.Audit.SideChannel)
	}
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

// Save writes cfg as indented JSON. The file may hold bot tokens, so it is
// created owner-only.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}
	if cfg.General.MaxConcurrentCalls < 1 || cfg.General.MaxConcurrentCalls > 100 {
		errs = append(errs, "general.maxConcurrentCalls must be between 1 and 100")
	}

	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token == "" {
		errs = append(errs, "channels.telegram.token is required when telegram is enabled")
	}
	if cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token == "" {
		errs = append(errs, "channels.discord.token is required when discord is enabled")
	}
	if cfg.Channels.Slack.Enabled && (cfg.Channels.Slack.BotToken == "" || cfg.Channels.Slack.AppToken == "") {
		errs = append(errs, "channels.slack.botToken and appToken are required when slack is enabled")
	}

	if cfg.Audit.Path == "" {
		errs = append(errs, "audit.path is required")
	}
	if cfg.Audit.BufferSize < 1 {
		errs = append(errs, "audit.bufferSize must be >= 1")
	}
	if cfg.Store.DBPath == "" {
		errs = append(errs, "store.dbPath is required")
	}

	if cfg.AutoRevoke.BufferSize < 1 {
		errs = append(errs, "autoRevoke.bufferSize must be >= 1")
	}
	for rule, action := range cfg.AutoRevoke.Actions {
		if !anomaly.Action(action).Valid() {
			errs = append(errs, fmt.Sprintf("autoRevoke.actions.%s: unknown action %q", rule, action))
		}
	}
	if (cfg.AutoRevoke.OperatorChannel == "") != (cfg.AutoRevoke.OperatorChatID == "") {
		errs = append(errs, "autoRevoke.operatorChannel and operatorChatId must be set together")
	}

	if cfg.Tools.Shell.Timeout < 1 {
		errs = append(errs, "tools.shell.timeout must be >= 1")
	}
	if cfg.API.Port < 0 || cfg.API.Port > 65535 {
		errs = append(errs, "api.port must be between 0 and 65535")
	}
	if cfg.Metrics.Enabled && !strings.HasPrefix(cfg.Metrics.Endpoint, "/") {
		errs = append(errs, "metrics.endpoint must start with /")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
