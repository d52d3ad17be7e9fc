package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"agentguard/internal/audit"
	"agentguard/internal/domain"

	"github.com/spf13/cobra"
)

func auditCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the audit log",
	}
	cmd.PersistentFlags().StringVarP(&file, "file", "f", "", "audit log (default: audit.path from config)")

	resolve := func() (string, error) {
		if file != "" {
			return file, nil
		}
		cfg, err := loadConfig()
		if err != nil {
			return "", err
		}
		return cfg.Audit.Path, nil
	}

	cmd.AddCommand(auditQueryCmd(resolve), auditStatsCmd(resolve), auditVerifyCmd(resolve))
	return cmd
}

func auditQueryCmd(resolve func() (string, error)) *cobra.Command {
	var (
		tool, user, result, tier, since string
		limit                           int
		asJSON                          bool
	)
	cmd := &cobra.Command{
		Use:   "query",
		Short: "List merged audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolve()
			if err != nil {
				return err
			}
			filter := audit.Filter{Tool: tool, User: user, Result: audit.Result(result), Limit: limit}
			if tier != "" {
				t, err := domain.ParseTier(tier)
				if err != nil {
					return err
				}
				filter.Tier = &t
			}
			if filter.Since, err = parseSince(since); err != nil {
				return err
			}
			entries, err := audit.Query(path, filter)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), entries)
			}
			return printEntries(cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().StringVar(&tool, "tool", "", "filter by tool")
	cmd.Flags().StringVar(&user, "user", "", "filter by user")
	cmd.Flags().StringVar(&result, "result", "", "filter by result (success, denied, timeout, error, escalated, emergency-stopped, pending)")
	cmd.Flags().StringVar(&tier, "tier", "", "filter by effective tier (1, 2, 3, none)")
	cmd.Flags().StringVar(&since, "since", "", "only entries newer than a duration (24h) or RFC 3339 time")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "most recent entries to show (0 = all)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func auditStatsCmd(resolve func() (string, error)) *cobra.Command {
	var since string
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Summarize the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolve()
			if err != nil {
				return err
			}
			from, err := parseSince(since)
			if err != nil {
				return err
			}
			stats, err := audit.GetStats(path, from, time.Time{})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "only entries newer than a duration (24h) or RFC 3339 time")
	return cmd
}

func auditVerifyCmd(resolve func() (string, error)) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the audit log hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := resolve()
			if err != nil {
				return err
			}
			res := audit.Verify(path)
			if !res.Valid {
				return fmt.Errorf("audit log %s: chain broken at line %d: %s", path, res.ErrorLine, res.Error)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: chain intact (%d lines)\n", path, res.Lines)
			return nil
		},
	}
}

// parseSince accepts a duration back from now or an RFC 3339 time.
func parseSince(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(v); err == nil {
		return time.Now().Add(-d), nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("--since: want a duration or RFC 3339 time, got %q", v)
	}
	return t, nil
}

func printEntries(w io.Writer, entries []audit.Entry) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TIME\tTOOL\tTIER\tUSER\tRESULT\tREASON")
	for _, e := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.TS.Local().Format(time.DateTime), e.Tool, e.EffectiveTier, e.User, e.Result, oneLine(e.Reason, 60))
	}
	return tw.Flush()
}

func oneLine(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) > n {
		return s[:n-3] + "..."
	}
	return s
}
