package main

import (
	"fmt"
	"strconv"
	"strings"

	"agentguard/internal/policy"

	"github.com/spf13/cobra"
)

func policyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage the tier policy document",
	}
	cmd.AddCommand(policyInitCmd(), policyValidateCmd(), policyCheckCmd())
	return cmd
}

// policyFile returns the path argument or the configured policy path.
func policyFile(args []string) (string, error) {
	if len(args) > 0 {
		return args[0], nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.Policy.Path, nil
}

func policyInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init [file]",
		Short: "Write the policy template unless the file exists",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := policyFile(args)
			if err != nil {
				return err
			}
			created, err := policy.WriteTemplate(path)
			if err != nil {
				return err
			}
			if !created {
				fmt.Fprintf(cmd.OutOrStdout(), "policy already exists: %s\n", path)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "policy template written: %s\n", path)
			return nil
		},
	}
}

func policyValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [file]",
		Short: "Parse and validate a policy document",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := policyFile(args)
			if err != nil {
				return err
			}
			doc, err := policy.LoadFile(path)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (%d tools, %d wildcards, fallback %s)\n",
				path, len(doc.Tools), len(doc.Wildcards), fallbackTier(doc))
			return nil
		},
	}
}

func fallbackTier(doc *policy.Document) string {
	if doc.Fallback == nil {
		return "built-in"
	}
	return doc.Fallback.Tier.String()
}

func policyCheckCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "check <tool> [param=value ...]",
		Short: "Show the resolved policy for a tool call",
		Long: `Resolves a tool against the policy document the way the guard does,
including parameter escalation. Numeric values are compared against
escalation thresholds, e.g.: agentguard policy check transfer amount=5000`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" {
				var err error
				if file, err = policyFile(nil); err != nil {
					return err
				}
			}
			params, err := parseParamArgs(args[1:])
			if err != nil {
				return err
			}
			engine, err := policy.NewEngine(policy.EngineConfig{Path: file, Logger: logger})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), engine.ResolveCall(args[0], params))
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "policy file (default: policy.path from config)")
	return cmd
}

// parseParamArgs turns key=value pairs into call parameters. Values that
// parse as numbers or booleans keep that type.
func parseParamArgs(args []string) (map[string]any, error) {
	params := make(map[string]any, len(args))
	for _, kv := range args {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid parameter %q: want key=value", kv)
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			params[k] = f
		} else if b, err := strconv.ParseBool(v); err == nil {
			params[k] = b
		} else {
			params[k] = v
		}
	}
	return params, nil
}
