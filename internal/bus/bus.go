package bus

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"agentguard/internal/domain"
)

const publishTimeout = 10 * time.Second

// Interceptor sees every inbound message before it is queued. Returning
// true consumes the message. The write-gate uses it to catch confirmation
// replies.
type Interceptor func(msg domain.InboundMessage) bool

// InMemoryBus is a Go-channel based message bus for in-process communication.
type InMemoryBus struct {
	inbound     chan domain.InboundMessage
	handlers    map[string]func(domain.OutboundMessage)
	interceptor Interceptor
	events      *EventBus
	mu          sync.RWMutex
	closed      bool
	logger      *slog.Logger
}

// New creates a new InMemoryBus with the given buffer size.
func New(bufferSize int, logger *slog.Logger) *InMemoryBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &InMemoryBus{
		inbound:  make(chan domain.InboundMessage, bufferSize),
		handlers: make(map[string]func(domain.OutboundMessage)),
		logger:   logger,
	}
}

// SetInterceptor installs fn ahead of the inbound queue.
func (b *InMemoryBus) SetInterceptor(fn Interceptor) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.interceptor = fn
}

// SetEvents makes the bus emit message.received for queued messages.
func (b *InMemoryBus) SetEvents(events *EventBus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = events
}

// Publish hands msg to the interceptor, or queues it. It blocks up to 10
// seconds if the queue is full instead of dropping.
func (b *InMemoryBus) Publish(msg domain.InboundMessage) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.logger.Warn("attempted to publish to closed bus")
		return
	}
	if b.interceptor != nil && b.interceptor(msg) {
		b.logger.Debug("inbound message consumed by interceptor", "channel", msg.Channel, "sender", msg.SenderID)
		return
	}
	if b.events != nil {
		b.events.Emit(Event{
			Type:    EventMessageReceived,
			Source:  msg.Channel,
			Payload: map[string]any{"chatId": msg.ChatID, "sender": msg.SenderID, "group": msg.IsGroup},
		})
	}

	select {
	case b.inbound <- msg:
	default:
		b.logger.Warn("inbound bus full, waiting...", "channel", msg.Channel, "sender", msg.SenderID)
		timer := time.NewTimer(publishTimeout)
		defer timer.Stop()
		select {
		case b.inbound <- msg:
			b.logger.Info("message delivered after wait", "channel", msg.Channel)
		case <-timer.C:
			b.logger.Error("message dropped: bus full for 10s",
				"channel", msg.Channel,
				"sender", msg.SenderID,
			)
		}
	}
}

func (b *InMemoryBus) Subscribe() <-chan domain.InboundMessage {
	return b.inbound
}

func (b *InMemoryBus) SendOutbound(msg domain.OutboundMessage) {
	b.mu.RLock()
	handler, ok := b.handlers[msg.Channel]
	b.mu.RUnlock()

	if !ok {
		b.logger.Warn("no handler registered for channel", "channel", msg.Channel)
		return
	}
	handler(msg)
}

func (b *InMemoryBus) OnOutbound(channelName string, handler func(domain.OutboundMessage)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[channelName] = handler
}

func (b *InMemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.closed {
		b.closed = true
		close(b.inbound)
	}
}
