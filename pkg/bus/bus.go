package bus

import (
	"errors"
	"sync/atomic"
)

// ErrBusClosed is returned by publish methods after Close.
var ErrBusClosed = errors.New("message bus closed")

// MessageBus carries messages between platform channels and the relay
// engine. Inbound flows channel -> engine, outbound flows engine ->
// channels.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage
	done     chan struct{}
	closed   atomic.Bool
}

func NewMessageBus(bufferSize int) *MessageBus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &MessageBus{
		inbound:  make(chan InboundMessage, bufferSize),
		outbound: make(chan OutboundMessage, bufferSize),
		done:     make(chan struct{}),
	}
}

// PublishInbound enqueues a message received from a platform channel.
func (b *MessageBus) PublishInbound(msg InboundMessage) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	select {
	case b.inbound <- msg:
		return nil
	case <-b.done:
		return ErrBusClosed
	}
}

// ConsumeInbound returns the channel the relay engine reads from.
func (b *MessageBus) ConsumeInbound() <-chan InboundMessage {
	return b.inbound
}

// PublishOutbound enqueues a message for delivery by a platform channel.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) error {
	if b.closed.Load() {
		return ErrBusClosed
	}
	select {
	case b.outbound <- msg:
		return nil
	case <-b.done:
		return ErrBusClosed
	}
}

// SubscribeOutbound returns the channel the dispatcher reads from.
func (b *MessageBus) SubscribeOutbound() <-chan OutboundMessage {
	return b.outbound
}

// Done is closed when the bus shuts down.
func (b *MessageBus) Done() <-chan struct{} {
	return b.done
}

// Close shuts the bus down. Pending publishes unblock with ErrBusClosed.
func (b *MessageBus) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.done)
	}
}
