package anomaly

import (
	"fmt"
	"time"

	"agentguard/internal/audit"
	"agentguard/internal/domain"
)

// Default rule ids.
const (
	RuleConsecutiveDenials = "consecutive-denials"
	RuleSignErrors         = "sign-errors"
	RuleErrorRate          = "error-rate"
	RuleTier1Burst         = "tier1-burst"
)

// DefaultRules returns the built-in rule table.
func DefaultRules() []Rule {
	return []Rule{
		{
			ID:          RuleConsecutiveDenials,
			Description: "three denials in a row",
			Severity:    SeverityHigh,
			Action:      ActionRevokeSessionKey,
			Check:       ConsecutiveResults(audit.ResultDenied, 3),
		},
		{
			ID:          RuleSignErrors,
			Description: "five or more failed signing operations within ten minutes",
			Severity:    SeverityCritical,
			Action:      ActionEmergencyStop,
			Check:       LevelErrorsWithin(domain.LevelSign, 5, 10*time.Minute),
		},
		{
			ID:          RuleErrorRate,
			Description: "half or more of the last ten calls failed",
			Severity:    SeverityMedium,
			Action:      ActionNotify,
			Check:       ErrorRate(10, 0.5),
		},
		{
			ID:          RuleTier1Burst,
			Description: "more than five tier 1 operations within an hour",
			Severity:    SeverityMedium,
			Action:      ActionNotify,
			Check:       TierBurst(domain.Tier1, 5, time.Hour),
		},
	}
}

// ConsecutiveResults fires when the newest n entries of the window all have
// result, whoever made the calls.
func ConsecutiveResults(result audit.Result, n int) CheckFunc {
	return func(entries []audit.Entry, _ time.Time) (bool, string) {
		if n <= 0 || len(entries) < n {
			return false, ""
		}
		for _, e := range entries[len(entries)-n:] {
			if e.Result != result {
				return false, ""
			}
		}
		return true, fmt.Sprintf("%d consecutive %s results", n, result)
	}
}

// LevelErrorsWithin fires when at least n errors at level occurred in the
// trailing window.
func LevelErrorsWithin(level domain.SecurityLevel, n int, window time.Duration) CheckFunc {
	return func(entries []audit.Entry, now time.Time) (bool, string) {
		since := now.Add(-window)
		count := 0
		for _, e := range entries {
			if e.SecurityLevel == level && e.Result == audit.ResultError && !e.TS.Before(since) {
				count++
			}
		}
		if count < n {
			return false, ""
		}
		return true, fmt.Sprintf("%d %s-level errors in the last %s", count, level, window)
	}
}

// ErrorRate fires when the share of errors among the last n entries is at
// least ratio. It stays quiet until n entries exist.
func ErrorRate(n int, ratio float64) CheckFunc {
	return func(entries []audit.Entry, _ time.Time) (bool, string) {
		if len(entries) < n {
			return false, ""
		}
		errs := 0
		for _, e := range entries[len(entries)-n:] {
			if e.Result == audit.ResultError {
				errs++
			}
		}
		if float64(errs) < ratio*float64(n) {
			return false, ""
		}
		return true, fmt.Sprintf("%d of the last %d calls failed", errs, n)
	}
}

// TierBurst fires when more than n entries with effective tier t fall in
// the trailing window.
func TierBurst(t domain.Tier, n int, window time.Duration) CheckFunc {
	return func(entries []audit.Entry, now time.Time) (bool, string) {
		since := now.Add(-window)
		count := 0
		for _, e := range entries {
			if e.EffectiveTier == t && !e.TS.Before(since) {
				count++
			}
		}
		if count <= n {
			return false, ""
		}
		return true, fmt.Sprintf("%d tier %s operations in the last %s", count, t, window)
	}
}
