package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			Workspace:          "~/.agentguard/workspace",
			DataDir:            "~/.agentguard",
			LogLevel:           "info",
			MaxConcurrentCalls: 5,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				Enabled:   false,
				ParseMode: "Markdown",
			},
			CLI: CLIConfig{
				Enabled: true,
				User:    "local",
			},
		},
		Policy: PolicyConfig{
			Path:      "~/.agentguard/policy.yaml",
			Watch:     true,
			Bootstrap: true,
		},
		Audit: AuditConfig{
			Path:        "~/.agentguard/audit.jsonl",
			BufferSize:  1000,
			SideChannel: "stderr",
		},
		Store: StoreConfig{
			DBPath: "~/.agentguard/agentguard.db",
		},
		AutoRevoke: AutoRevokeConfig{
			Enabled:         true,
			BufferSize:      100,
			SuppressMinutes: 10,
		},
		Tools: ToolsConfig{
			Shell: ShellToolConfig{
				Enabled:         true,
				Timeout:         30,
				MaxOutputBytes:  65536,
				BlockedPatterns: defaultBlockedPatterns(),
			},
			Files: FilesToolConfig{
				Enabled: true,
			},
		},
		API: APIConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    9090,
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Endpoint: "/metrics",
		},
	}
}

// defaultBlockedPatterns are refused regardless of tier or confirmation.
func defaultBlockedPatterns() []string {
	return []string{
		"rm -rf /",
		"rm -rf /*",
		"mkfs",
		"dd if=",
		":(){:|:&};:",
		"chmod -R 777 /",
		"mv /* /dev/null",
	}
}
