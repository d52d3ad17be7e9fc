package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"

	"agentguard/internal/domain"
)

// ChatCommand represents a parsed chat command.
type ChatCommand struct {
	Name string   // command name without "/"
	Args []string // arguments after the command
	Raw  string   // original full text
	Rest string   // text after the command name, untouched
}

// ParseCommand checks if a message starts with "/" and parses it into a ChatCommand.
// Returns nil if the message is not a command.
func ParseCommand(text string) *ChatCommand {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return nil
	}

	parts := strings.Fields(text)
	if len(parts) == 0 {
		return nil
	}

	name := strings.ToLower(strings.TrimPrefix(parts[0], "/"))
	// Telegram appends the bot name in groups: /run@guard_bot
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return nil
	}

	var args []string
	if len(parts) > 1 {
		args = parts[1:]
	}
	return &ChatCommand{
		Name: name,
		Args: args,
		Raw:  text,
		Rest: strings.TrimSpace(text[len(parts[0]):]),
	}
}

// HandleCommand processes a chat command and returns the reply.
func (l *Loop) HandleCommand(ctx context.Context, cmd *ChatCommand, msg domain.InboundMessage) string {
	switch cmd.Name {
	case "help":
		return helpText()

	case "status":
		return l.statusText()

	case "uptime":
		return fmt.Sprintf("Uptime: %s", time.Since(l.started).Round(time.Second))

	case "version":
		return fmt.Sprintf("agentguard %s (%s/%s, Go %s)", version, runtime.GOOS, runtime.GOARCH, runtime.Version())

	case "whoami":
		return fmt.Sprintf("Channel: %s\nUser: %s\nChat: %s\nGroup: %v", msg.Channel, msg.SenderID, msg.ChatID, msg.IsGroup)

	case "tools":
		return l.toolsText()

	case "policy":
		if len(cmd.Args) == 0 {
			return "Usage: /policy <tool>"
		}
		return l.policyText(cmd.Args[0])

	case "run":
		if len(cmd.Args) == 0 {
			return "Usage: /run <tool> {json params}"
		}
		name := normalizeToolName(cmd.Args[0])
		params, err := parseParams(strings.TrimSpace(cmd.Rest[len(cmd.Args[0]):]))
		if err != nil {
			return fmt.Sprintf("invalid params: %v", err)
		}
		return l.invoke(ctx, msg, name, params)

	case "sh":
		if cmd.Rest == "" {
			return "Usage: /sh <command>"
		}
		return l.invoke(ctx, msg, "shell", map[string]any{"command": cmd.Rest})

	default:
		return fmt.Sprintf("Unknown command /%s. Send /help for the list.", cmd.Name)
	}
}

// version is set by the build system. Default fallback.
var version = "dev"

// SetVersion sets the version string used by commands.
func SetVersion(v string) {
	version = v
}

func helpText() string {
	return `**agentguard commands**

/run <tool> {json} - invoke a tool through the guard
/sh <command> - shorthand for /run shell
/tools - list tools with their level and tier
/policy <tool> - show the resolved policy for a tool
/whoami - show your channel identity
/status - show guard status
/uptime - show uptime
/version - show version info

Calls that need confirmation prompt in this chat. Reply yes or no,
or the code from the prompt when one is given.`
}

func (l *Loop) statusText() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "**agentguard %s**\n\n", version)
	fmt.Fprintf(&sb, "Tools: %d registered\n", len(l.tools.Names()))
	if doc := l.guard.Policy().Document(); doc != nil {
		fmt.Fprintf(&sb, "Policy entries: %d\n", len(doc.Tools))
	}
	fmt.Fprintf(&sb, "Uptime: %s\n", time.Since(l.started).Round(time.Second))
	fmt.Fprintf(&sb, "Runtime: %s/%s, Go %s\n", runtime.GOOS, runtime.GOARCH, runtime.Version())
	return sb.String()
}

func (l *Loop) toolsText() string {
	defs := l.tools.Definitions()
	var sb strings.Builder
	fmt.Fprintf(&sb, "**Tools** (%d)\n\n", len(defs))
	for _, d := range defs {
		pol := l.guard.Policy().Resolve(d.Name)
		fmt.Fprintf(&sb, "• **%s** [%s, tier %s] %s\n", d.Name, d.Level, pol.Tier, d.Description)
	}
	return sb.String()
}

func (l *Loop) policyText(name string) string {
	pol := l.guard.Policy().Resolve(normalizeToolName(name))
	data, err := json.MarshalIndent(pol, "", "  ")
	if err != nil {
		return fmt.Sprintf("cannot render policy: %v", err)
	}
	return "```\n" + string(data) + "\n```"
}
