package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"time"

	"agentguard/internal/domain"
)

// ReadRecords parses every well-formed line of the log. A missing file
// yields no records.
func ReadRecords(path string) ([]Record, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	var records []Record
	scanner := newScanner(f)
	for scanner.Scan() {
		var rec Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue // skip malformed lines
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan audit log: %w", err)
	}
	return records, nil
}

// Filter selects merged entries. Zero fields match everything.
type Filter struct {
	Tool   string
	User   string
	Result Result
	Tier   *domain.Tier
	Since  time.Time
	Until  time.Time
	Limit  int // keep the most recent Limit entries
}

func (f Filter) match(e Entry) bool {
	if f.Tool != "" && e.Tool != f.Tool {
		return false
	}
	if f.User != "" && e.User != f.User {
		return false
	}
	if f.Result != "" && e.Result != f.Result {
		return false
	}
	if f.Tier != nil && e.EffectiveTier != *f.Tier {
		return false
	}
	if !f.Since.IsZero() && e.TS.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && e.TS.After(f.Until) {
		return false
	}
	return true
}

// Query reads the log at path, merges intents with outcomes and filters.
func Query(path string, filter Filter) ([]Entry, error) {
	records, err := ReadRecords(path)
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range Merge(records) {
		if filter.match(e) {
			out = append(out, e)
		}
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[len(out)-filter.Limit:]
	}
	return out, nil
}

// Stats summarizes merged entries in a time range.
type Stats struct {
	From                time.Time      `json:"from,omitzero"`
	To                  time.Time      `json:"to,omitzero"`
	Total               int            `json:"total"`
	ByResult            map[Result]int `json:"byResult"`
	ByTool              map[string]int `json:"byTool"`
	ByTier              map[string]int `json:"byTier"`
	Confirmations       int            `json:"confirmations"`
	Approved            int            `json:"approved"`
	AvgConfirmLatencyMs int64          `json:"avgConfirmLatencyMs"`
	AvgDurationMs       int64          `json:"avgDurationMs"`
	FirstTS             time.Time      `json:"firstTs,omitzero"`
	LastTS              time.Time      `json:"lastTs,omitzero"`
	TopTools            []ToolCount    `json:"topTools,omitempty"`
}

type ToolCount struct {
	Tool  string `json:"tool"`
	Count int    `json:"count"`
}

// GetStats reads path and summarizes entries with from <= ts <= to.
// Zero bounds are open.
func GetStats(path string, from, to time.Time) (*Stats, error) {
	entries, err := Query(path, Filter{Since: from, Until: to})
	if err != nil {
		return nil, err
	}
	return Summarize(entries, from, to), nil
}

// Summarize computes Stats over already merged entries.
func Summarize(entries []Entry, from, to time.Time) *Stats {
	s := &Stats{
		From:     from,
		To:       to,
		ByResult: make(map[Result]int),
		ByTool:   make(map[string]int),
		ByTier:   make(map[string]int),
	}
	var latency, duration int64
	var finished int
	for _, e := range entries {
		s.Total++
		s.ByResult[e.Result]++
		s.ByTool[e.Tool]++
		s.ByTier[e.EffectiveTier.String()]++
		if e.Confirmation != nil && e.Confirmation.Required {
			s.Confirmations++
			latency += e.Confirmation.LatencyMs
			if e.Confirmation.Approved {
				s.Approved++
			}
		}
		if e.Result.Terminal() {
			finished++
			duration += e.DurationMs
		}
		if s.FirstTS.IsZero() || e.TS.Before(s.FirstTS) {
			s.FirstTS = e.TS
		}
		if e.TS.After(s.LastTS) {
			s.LastTS = e.TS
		}
	}
	if s.Confirmations > 0 {
		s.AvgConfirmLatencyMs = latency / int64(s.Confirmations)
	}
	if finished > 0 {
		s.AvgDurationMs = duration / int64(finished)
	}

	for tool, n := range s.ByTool {
		s.TopTools = append(s.TopTools, ToolCount{Tool: tool, Count: n})
	}
	sort.Slice(s.TopTools, func(i, j int) bool {
		if s.TopTools[i].Count != s.TopTools[j].Count {
			return s.TopTools[i].Count > s.TopTools[j].Count
		}
		return s.TopTools[i].Tool < s.TopTools[j].Tool
	})
	if len(s.TopTools) > 10 {
		s.TopTools = s.TopTools[:10]
	}
	return s
}
