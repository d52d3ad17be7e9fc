package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"

	"agentguard/internal/config"

	"github.com/spf13/cobra"
)

const (
	launchdLabel = "com.agentguard.serve"
	systemdUnit  = "agentguard.service"
)

// service describes the installed background process. The daemon has no
// terminal, so serve always runs with the CLI channel off.
type service struct {
	Label   string
	Exec    string
	Config  string
	LogPath string
	ErrLog  string
}

func daemonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Manage the agentguard background service",
	}
	cmd.AddCommand(installDaemonCmd(), uninstallDaemonCmd())
	return cmd
}

func installDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Install 'agentguard serve' as a user service (launchd/systemd)",
		Long:  "Generates and installs a service file that runs 'agentguard serve --no-cli' at login and restarts it on failure.",
		RunE: func(cmd *cobra.Command, args []string) error {
			execPath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("cannot determine executable path: %w", err)
			}
			logDir := filepath.Join(config.DefaultConfigDir(), "logs")
			svc := service{
				Label:   launchdLabel,
				Exec:    execPath,
				Config:  resolveConfigPath(),
				LogPath: filepath.Join(logDir, "agentguard.log"),
				ErrLog:  filepath.Join(logDir, "agentguard-error.log"),
			}

			path, tmpl, err := servicePath()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(logDir, 0o700); err != nil {
				return err
			}
			if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
				return err
			}
			f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
			if err != nil {
				return err
			}
			if err := renderService(f, tmpl, svc); err != nil {
				f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Daemon installed: %s\n", path)
			if runtime.GOOS == "darwin" {
				fmt.Fprintf(out, "To start: launchctl load %s\n", path)
				fmt.Fprintf(out, "To stop:  launchctl unload %s\n", path)
			} else {
				fmt.Fprintf(out, "To start:  systemctl --user start agentguard\n")
				fmt.Fprintf(out, "To enable: systemctl --user enable agentguard\n")
				fmt.Fprintf(out, "To stop:   systemctl --user stop agentguard\n")
			}
			return nil
		},
	}
}

func uninstallDaemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Remove the agentguard user service",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _, err := servicePath()
			if err != nil {
				return err
			}
			if err := os.Remove(path); err != nil {
				return fmt.Errorf("remove service file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Daemon uninstalled: %s\n", path)
			return nil
		},
	}
}

// servicePath returns where the service file lives on this OS and the
// template that renders it.
func servicePath() (string, *template.Template, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", nil, err
	}
	switch runtime.GOOS {
	case "darwin":
		return filepath.Join(home, "Library", "LaunchAgents", launchdLabel+".plist"), launchdTemplate, nil
	case "linux":
		return filepath.Join(home, ".config", "systemd", "user", systemdUnit), systemdTemplate, nil
	default:
		return "", nil, fmt.Errorf("unsupported OS: %s (supported: darwin, linux)", runtime.GOOS)
	}
}

func renderService(w io.Writer, tmpl *template.Template, svc service) error {
	if err := tmpl.Execute(w, svc); err != nil {
		return fmt.Errorf("render service file: %w", err)
	}
	return nil
}

// quoteArg quotes a systemd ExecStart argument containing spaces.
func quoteArg(s string) string {
	if !strings.ContainsAny(s, " \t\"") {
		return s
	}
	return `"` + strings.ReplaceAll(s, `"`, `\"`) + `"`
}

var launchdTemplate = template.Must(template.New("launchd").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.Exec}}</string>
        <string>serve</string>
        <string>--no-cli</string>
        <string>--config</string>
        <string>{{.Config}}</string>
    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{.LogPath}}</string>
    <key>StandardErrorPath</key>
    <string>{{.ErrLog}}</string>
</dict>
</plist>
`))

var systemdTemplate = template.Must(template.New("systemd").Funcs(template.FuncMap{"q": quoteArg}).Parse(`[Unit]
Description=agentguard tool-call control plane
After=network-online.target

[Service]
Type=simple
ExecStart={{q .Exec}} serve --no-cli --config {{q .Config}}
Restart=on-failure
RestartSec=5
NoNewPrivileges=true
UMask=0077

[Install]
WantedBy=default.target
`))
