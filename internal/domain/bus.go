package domain

// MessageBus routes messages between chat channels and the guard.
// Inbound replies to confirmation prompts are consumed before they reach subscribers.
type MessageBus interface {
	Publish(msg InboundMessage)
	Subscribe() <-chan InboundMessage
	SendOutbound(msg OutboundMessage)
	OnOutbound(channelName string, handler func(OutboundMessage))
	Close()
}
