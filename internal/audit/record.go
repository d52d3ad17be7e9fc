// Package audit records every tool-call attempt in two phases: an intent
// line before execution and an outcome line after. Lines are never
// rewritten; readers join the two by id.
package audit

import (
	"time"

	"agentguard/internal/domain"
)

// Result is the terminal (or pending) state of an audited call.
type Result string

const (
	ResultPending          Result = "pending"
	ResultSuccess          Result = "success"
	ResultDenied           Result = "denied"
	ResultTimeout          Result = "timeout"
	ResultError            Result = "error"
	ResultEscalated        Result = "escalated"
	ResultEmergencyStopped Result = "emergency-stopped"
)

func (r Result) Terminal() bool {
	switch r {
	case ResultSuccess, ResultDenied, ResultTimeout, ResultError, ResultEscalated, ResultEmergencyStopped:
		return true
	}
	return false
}

// Kind distinguishes the two record types in the log.
type Kind string

const (
	KindIntent  Kind = "intent"
	KindOutcome Kind = "outcome"
)

// Confirmation describes the human confirmation step of a call.
type Confirmation struct {
	Required    bool                       `json:"required"`
	Channel     domain.ConfirmationChannel `json:"channel,omitempty"`
	Transport   string                     `json:"transport,omitempty"`
	RequestedAt time.Time                  `json:"requestedAt,omitzero"`
	RespondedAt time.Time                  `json:"respondedAt,omitzero"`
	Approved    bool                       `json:"approved"`
	Approver    string                     `json:"approver,omitempty"`
	Status      string                     `json:"status,omitempty"`
	LatencyMs   int64                      `json:"latencyMs,omitempty"`
}

// Intent holds the immutable fields written by PreLog.
type Intent struct {
	Tool          string               `json:"tool"`
	Tier          domain.Tier          `json:"tier"`
	EffectiveTier domain.Tier          `json:"effectiveTier"`
	SecurityLevel domain.SecurityLevel `json:"securityLevel"`
	User          string               `json:"user"`
	Channel       string               `json:"channel"`
	Params        map[string]any       `json:"params,omitempty"`
	SessionKeyID  string               `json:"sessionKeyId,omitempty"`
	Confirmation  *Confirmation        `json:"confirmation,omitempty"`
}

// Outcome holds the terminal fields written by Finalize.
type Outcome struct {
	Result       Result        `json:"result"`
	Reason       string        `json:"reason,omitempty"`
	Error        string        `json:"error,omitempty"`
	DurationMs   int64         `json:"durationMs"`
	ChainID      string        `json:"chainId,omitempty"`
	TxHash       string        `json:"txHash,omitempty"`
	Confirmation *Confirmation `json:"confirmation,omitempty"`
}

// Record is one line of the audit log.
type Record struct {
	Kind     Kind      `json:"kind"`
	ID       string    `json:"id"`
	TS       time.Time `json:"ts"`
	Result   Result    `json:"result,omitempty"`
	Intent   *Intent   `json:"intent,omitempty"`
	Outcome  *Outcome  `json:"outcome,omitempty"`
	PrevHash string    `json:"prev_hash"`
}

// Entry is the merged read-side view of one call.
type Entry struct {
	ID            string               `json:"id"`
	TS            time.Time            `json:"ts"`
	Tool          string               `json:"tool"`
	Tier          domain.Tier          `json:"tier"`
	EffectiveTier domain.Tier          `json:"effectiveTier"`
	SecurityLevel domain.SecurityLevel `json:"securityLevel"`
	User          string               `json:"user"`
	Channel       string               `json:"channel"`
	Params        map[string]any       `json:"params,omitempty"`
	Result        Result               `json:"result"`
	Reason        string               `json:"reason,omitempty"`
	Error         string               `json:"error,omitempty"`
	DurationMs    int64                `json:"durationMs,omitempty"`
	ChainID       string               `json:"chainId,omitempty"`
	TxHash        string               `json:"txHash,omitempty"`
	Confirmation  *Confirmation        `json:"confirmation,omitempty"`
	SessionKeyID  string               `json:"sessionKeyId,omitempty"`
	FinalizedAt   time.Time            `json:"finalizedAt,omitzero"`
}

// Merge joins intent and outcome records by id, in intent order. The first
// outcome for an id wins; outcomes without an intent are ignored.
func Merge(records []Record) []Entry {
	entries := make([]Entry, 0, len(records))
	index := make(map[string]int, len(records))

	for _, rec := range records {
		switch rec.Kind {
		case KindIntent:
			if rec.Intent == nil {
				continue
			}
			if _, dup := index[rec.ID]; dup {
				continue
			}
			index[rec.ID] = len(entries)
			entries = append(entries, fromIntent(rec))
		case KindOutcome:
			i, ok := index[rec.ID]
			if !ok || rec.Outcome == nil || entries[i].Result.Terminal() {
				continue
			}
			applyOutcome(&entries[i], rec.TS, rec.Outcome)
		}
	}
	return entries
}

func fromIntent(rec Record) Entry {
	in := rec.Intent
	return Entry{
		ID:            rec.ID,
		TS:            rec.TS,
		Tool:          in.Tool,
		Tier:          in.Tier,
		EffectiveTier: in.EffectiveTier,
		SecurityLevel: in.SecurityLevel,
		User:          in.User,
		Channel:       in.Channel,
		Params:        in.Params,
		Result:        ResultPending,
		Confirmation:  in.Confirmation,
		SessionKeyID:  in.SessionKeyID,
	}
}

func applyOutcome(e *Entry, ts time.Time, out *Outcome) {
	e.Result = out.Result
	e.Reason = out.Reason
	e.Error = out.Error
	e.DurationMs = out.DurationMs
	e.ChainID = out.ChainID
	e.TxHash = out.TxHash
	if out.Confirmation != nil {
		e.Confirmation = out.Confirmation
	}
	e.FinalizedAt = ts
}
