package audit

import (
	"testing"
	"time"

	"agentguard/internal/domain"
)

func intentRec(id string, ts time.Time, tool string) Record {
	return Record{Kind: KindIntent, ID: id, TS: ts, Result: ResultPending, Intent: &Intent{
		Tool: tool, Tier: domain.Tier2, EffectiveTier: domain.Tier2, User: "u1",
	}}
}

func outcomeRec(id string, result Result) Record {
	return Record{Kind: KindOutcome, ID: id, Result: result, Outcome: &Outcome{Result: result, DurationMs: 10}}
}

func TestMerge(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	entries := Merge([]Record{
		intentRec("a", t0, "shell"),
		outcomeRec("orphan", ResultSuccess),
		intentRec("b", t0.Add(time.Second), "write_file"),
		outcomeRec("a", ResultDenied),
		outcomeRec("a", ResultSuccess),
	})
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].ID != "a" || entries[0].Result != ResultDenied {
		t.Fatalf("first outcome should win: %+v", entries[0])
	}
	if entries[1].Result != ResultPending {
		t.Fatalf("unfinalized entry should stay pending: %+v", entries[1])
	}
}

func TestFilterAndSummarize(t *testing.T) {
	t0 := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	entries := Merge([]Record{
		intentRec("a", t0, "shell"),
		outcomeRec("a", ResultSuccess),
		intentRec("b", t0.Add(time.Minute), "shell"),
		outcomeRec("b", ResultDenied),
		intentRec("c", t0.Add(2*time.Minute), "write_file"),
		outcomeRec("c", ResultSuccess),
	})

	f := Filter{Tool: "shell", Result: ResultSuccess}
	var n int
	for _, e := range entries {
		if f.match(e) {
			n++
		}
	}
	if n != 1 {
		t.Fatalf("filter matched %d, want 1", n)
	}

	s := Summarize(entries, time.Time{}, time.Time{})
	if s.Total != 3 || s.ByResult[ResultSuccess] != 2 || s.ByTool["shell"] != 2 {
		t.Fatalf("unexpected stats %+v", s)
	}
	if s.TopTools[0].Tool != "shell" || s.AvgDurationMs != 10 {
		t.Fatalf("unexpected stats %+v", s)
	}
	if !s.FirstTS.Equal(t0) || !s.LastTS.Equal(t0.Add(2*time.Minute)) {
		t.Fatalf("range %v..%v", s.FirstTS, s.LastTS)
	}
}

func TestQuery_MissingFile(t *testing.T) {
	entries, err := Query(t.TempDir()+"/none.jsonl", Filter{})
	if err != nil || len(entries) != 0 {
		t.Fatalf("entries=%v err=%v", entries, err)
	}
}
