// Package gate implements the write-gate: a caller blocks on a pending
// confirmation until a matching chat reply arrives, the timeout fires, or a
// newer request for the same key supersedes it.
package gate

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"agentguard/internal/domain"
)

// AnyUser as Key.User lets any sender in the conversation answer, subject to
// the waiter's accept filter.
const AnyUser = "*"

// Key identifies one pending confirmation. Channel is always part of the
// key, so a reply on one channel can never satisfy a waiter on another.
type Key struct {
	Channel string
	Target  string // conversation target: group id, or the sender for direct chats
	User    string
}

// Status says how a wait ended.
type Status string

const (
	StatusReplied    Status = "replied"
	StatusTimeout    Status = "timeout"
	StatusSuperseded Status = "superseded"
	StatusCancelled  Status = "cancelled"
)

// Reply is the result of a wait. Text is empty for every status except
// StatusReplied.
type Reply struct {
	Text   string
	From   string
	Status Status
	At     time.Time
}

// OK reports whether a human actually answered.
func (r Reply) OK() bool { return r.Status == StatusReplied }

// AcceptFunc filters which inbound messages may resolve a waiter. It runs
// with the gate lock held and must not call back into the Gate.
type AcceptFunc func(msg domain.InboundMessage) bool

// Option configures a registration.
type Option func(*waiter)

// WithAccept restricts which messages resolve the waiter.
func WithAccept(fn AcceptFunc) Option {
	return func(w *waiter) { w.accept = fn }
}

type waiter struct {
	key      Key
	ch       chan Reply
	timer    *time.Timer
	accept   AcceptFunc
	resolved bool
}

// Waiter is the caller's handle on one registration.
type Waiter struct {
	g *Gate
	w *waiter
}

// Key returns the key the waiter is registered under.
func (h *Waiter) Key() Key { return h.w.key }

// Wait blocks until the waiter resolves or ctx is done. Call it once.
func (h *Waiter) Wait(ctx context.Context) Reply {
	select {
	case r := <-h.w.ch:
		return r
	case <-ctx.Done():
		h.g.cancel(h.w)
		return <-h.w.ch
	}
}

// Cancel resolves the waiter as cancelled if it is still pending.
func (h *Waiter) Cancel() { h.g.cancel(h.w) }

// Config configures a Gate.
type Config struct {
	Logger *slog.Logger
	Now    func() time.Time
}

// Gate owns the waiter map. At most one waiter exists per key.
type Gate struct {
	mu      sync.Mutex
	waiters map[Key]*waiter
	logger  *slog.Logger
	now     func() time.Time
}

func New(cfg Config) *Gate {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Gate{
		waiters: make(map[Key]*waiter),
		logger:  logger,
		now:     now,
	}
}

// Register adds a waiter for key. An existing waiter for the same key is
// resolved as superseded and removed before the new one is inserted.
// A timeout <= 0 disables the timer.
func (g *Gate) Register(key Key, timeout time.Duration, opts ...Option) *Waiter {
	w := &waiter{key: key, ch: make(chan Reply, 1)}
	for _, opt := range opts {
		opt(w)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if old, ok := g.waiters[key]; ok {
		g.logger.Debug("confirmation superseded", "channel", key.Channel, "target", key.Target, "user", key.User)
		g.resolveLocked(old, Reply{Status: StatusSuperseded, At: g.now()})
	}
	g.waiters[key] = w
	if timeout > 0 {
		w.timer = time.AfterFunc(timeout, func() { g.expire(w) })
	}
	return &Waiter{g: g, w: w}
}

// WaitForReply registers a waiter and blocks on it.
func (g *Gate) WaitForReply(ctx context.Context, key Key, timeout time.Duration, opts ...Option) Reply {
	return g.Register(key, timeout, opts...).Wait(ctx)
}

// TryRoute hands an inbound message to a matching waiter. It tries the
// exact sender first, then an AnyUser waiter for the same conversation.
// It reports whether the message was consumed.
func (g *Gate) TryRoute(msg domain.InboundMessage) bool {
	target := domain.ConversationTarget(msg)
	keys := [2]Key{
		{Channel: msg.Channel, Target: target, User: msg.SenderID},
		{Channel: msg.Channel, Target: target, User: AnyUser},
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, k := range keys {
		w, ok := g.waiters[k]
		if !ok {
			continue
		}
		if w.accept != nil && !w.accept(msg) {
			continue
		}
		g.resolveLocked(w, Reply{
			Text:   msg.Content,
			From:   msg.SenderID,
			Status: StatusReplied,
			At:     g.now(),
		})
		return true
	}
	return false
}

// Pending returns the number of outstanding waiters.
func (g *Gate) Pending() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.waiters)
}

// PendingKeys lists outstanding keys in no particular order.
func (g *Gate) PendingKeys() []Key {
	g.mu.Lock()
	defer g.mu.Unlock()
	keys := make([]Key, 0, len(g.waiters))
	for k := range g.waiters {
		keys = append(keys, k)
	}
	return keys
}

func (g *Gate) expire(w *waiter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if w.resolved {
		return
	}
	g.logger.Debug("confirmation timed out", "channel", w.key.Channel, "target", w.key.Target, "user", w.key.User)
	g.resolveLocked(w, Reply{Status: StatusTimeout, At: g.now()})
}

func (g *Gate) cancel(w *waiter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if w.resolved {
		return
	}
	g.resolveLocked(w, Reply{Status: StatusCancelled, At: g.now()})
}

// resolveLocked delivers r exactly once, stops the timer and removes the
// waiter if it still owns its key. g.mu must be held.
func (g *Gate) resolveLocked(w *waiter, r Reply) {
	if w.resolved {
		return
	}
	w.resolved = true
	if w.timer != nil {
		w.timer.Stop()
	}
	if cur, ok := g.waiters[w.key]; ok && cur == w {
		delete(g.waiters, w.key)
	}
	w.ch <- r
}
