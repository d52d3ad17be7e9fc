package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"agentguard/internal/domain"

	"github.com/google/uuid"
)

// DefaultBufferSize bounds the in-memory buffer used while degraded.
const DefaultBufferSize = 1000

// Partial is what the caller knows before a tool runs.
type Partial struct {
	Tool          string
	Tier          domain.Tier
	EffectiveTier domain.Tier
	SecurityLevel domain.SecurityLevel
	User          string
	Channel       string
	Params        map[string]any // redacted before it is stored
	SessionKeyID  string
	Confirmation  *Confirmation
}

// PreLogResult reports whether the intent reached durable storage.
type PreLogResult struct {
	OK  bool
	ID  string
	Err error
}

// Extra carries optional outcome fields for Finalize.
type Extra struct {
	Error        string
	Duration     time.Duration
	ChainID      string
	TxHash       string
	Confirmation *Confirmation
}

// Config configures a Logger.
type Config struct {
	Sink        Sink
	BufferSize  int       // default DefaultBufferSize
	SideChannel io.Writer // receives buffered records while degraded; default os.Stderr
	Logger      *slog.Logger
	Now         func() time.Time
	OnDegraded  func(degraded bool)
}

// Logger is the two-phase audit writer. Writes are serialized so that
// records reach the sink in the order they were accepted.
type Logger struct {
	mu       sync.Mutex
	sink     Sink
	buf      []*Record
	max      int
	dropped  uint64
	degraded bool
	pending  map[string]*Record

	side       io.Writer
	logger     *slog.Logger
	now        func() time.Time
	onDegraded func(bool)
}

func New(cfg Config) (*Logger, error) {
	if cfg.Sink == nil {
		return nil, errors.New("audit: sink is required")
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.SideChannel == nil {
		cfg.SideChannel = os.Stderr
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Logger{
		sink:       cfg.Sink,
		max:        cfg.BufferSize,
		pending:    make(map[string]*Record),
		side:       cfg.SideChannel,
		logger:     cfg.Logger,
		now:        cfg.Now,
		onDegraded: cfg.OnDegraded,
	}, nil
}

// PreLog writes a pending intent record. It never returns an error to the
// caller directly: OK=false means the record could not be stored and is
// buffered for later, and the caller must decide whether to proceed.
func (l *Logger) PreLog(p Partial) PreLogResult {
	rec := &Record{
		Kind:   KindIntent,
		ID:     newID(),
		TS:     l.now().UTC(),
		Result: ResultPending,
		Intent: &Intent{
			Tool:          p.Tool,
			Tier:          p.Tier,
			EffectiveTier: p.EffectiveTier,
			SecurityLevel: p.SecurityLevel,
			User:          p.User,
			Channel:       p.Channel,
			Params:        Redact(p.Params),
			SessionKeyID:  p.SessionKeyID,
			Confirmation:  p.Confirmation,
		},
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.pending[rec.ID] = rec
	if err := l.writeLocked(rec); err != nil {
		return PreLogResult{ID: rec.ID, Err: err}
	}
	return PreLogResult{OK: true, ID: rec.ID}
}

// Finalize writes the terminal outcome for id and returns the merged entry.
// An id that is unknown or already finalized is ignored and ok is false.
func (l *Logger) Finalize(id string, result Result, reason string, extra *Extra) (Entry, bool) {
	if !result.Terminal() {
		l.logger.Warn("audit finalize with non-terminal result", "id", id, "result", result)
		return Entry{}, false
	}
	out := &Outcome{Result: result, Reason: reason}
	if extra != nil {
		out.Error = extra.Error
		out.DurationMs = extra.Duration.Milliseconds()
		out.ChainID = extra.ChainID
		out.TxHash = extra.TxHash
		out.Confirmation = extra.Confirmation
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	intent, ok := l.pending[id]
	if !ok {
		l.logger.Warn("audit finalize for unknown or finalized id", "id", id, "result", result)
		return Entry{}, false
	}
	delete(l.pending, id)

	rec := &Record{
		Kind:    KindOutcome,
		ID:      id,
		TS:      l.now().UTC(),
		Result:  result,
		Outcome: out,
	}
	if err := l.writeLocked(rec); err != nil {
		l.logger.Warn("audit finalize buffered", "id", id, "error", err)
	}

	entry := fromIntent(*intent)
	applyOutcome(&entry, rec.TS, out)
	return entry, true
}

// IsDegraded reports whether records are being held in memory.
func (l *Logger) IsDegraded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.degraded
}

// Buffered returns the number of records waiting for the sink.
func (l *Logger) Buffered() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buf)
}

// Dropped returns how many buffered records were discarded because the
// buffer was full.
func (l *Logger) Dropped() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

// PendingCount returns how many intents await Finalize.
func (l *Logger) PendingCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Flush tries to drain the buffer without writing a new record.
func (l *Logger) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.flushLocked(); err != nil {
		return err
	}
	l.setDegradedLocked(false)
	return nil
}

// Close flushes what it can and closes the sink.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.flushLocked(); err != nil {
		l.logger.Error("audit close with unflushed records", "buffered", len(l.buf), "error", err)
	}
	return l.sink.Close()
}

// writeLocked flushes the buffer in order, then writes rec. On any failure
// rec is buffered behind whatever is still waiting.
func (l *Logger) writeLocked(rec *Record) error {
	if err := l.flushLocked(); err != nil {
		l.bufferLocked(rec)
		return err
	}
	if err := l.sink.Write(rec); err != nil {
		l.bufferLocked(rec)
		return err
	}
	l.setDegradedLocked(false)
	return nil
}

func (l *Logger) flushLocked() error {
	for len(l.buf) > 0 {
		if err := l.sink.Write(l.buf[0]); err != nil {
			return fmt.Errorf("audit: flush buffered record %s: %w", l.buf[0].ID, err)
		}
		l.buf[0] = nil
		l.buf = l.buf[1:]
	}
	l.buf = nil
	return nil
}

func (l *Logger) bufferLocked(rec *Record) {
	if len(l.buf) >= l.max {
		l.buf[0] = nil
		l.buf = l.buf[1:]
		l.dropped++
	}
	l.buf = append(l.buf, rec)
	l.setDegradedLocked(true)

	if line, err := json.Marshal(rec); err == nil {
		fmt.Fprintf(l.side, "audit-degraded %s\n", line)
	}
}

func (l *Logger) setDegradedLocked(v bool) {
	if l.degraded == v {
		return
	}
	l.degraded = v
	if v {
		l.logger.Error("audit log degraded, buffering records in memory")
	} else {
		l.logger.Info("audit log recovered")
	}
	if l.onDegraded != nil {
		l.onDegraded(v)
	}
}

// newID returns a time-sortable UUIDv7.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
