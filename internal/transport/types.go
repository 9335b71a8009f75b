// Package transport defines the chat-transport contract the engine
// consumes. The engine is transport-agnostic; Telegram is one adapter.
package transport

import "context"

// Update is an inbound message from the transport.
type Update struct {
	Message *Message
}

type Message struct {
	ID           int
	ChatID       int64
	FromID       int64
	FromUsername string
	Text         string
	// VoiceRef is the transport's opaque reference to a voice note
	// attached to the message ("" when absent).
	VoiceRef string
}

// Sender is the outbound surface the delivery dispatcher needs.
// Failures are retried by the dispatcher, not the adapter.
type Sender interface {
	SendText(ctx context.Context, ownerID int64, text string) error
	SendVoice(ctx context.Context, ownerID int64, voiceRef string) error
}

// Adapter is a full transport: outbound sends plus inbound update polling.
type Adapter interface {
	Sender

	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}
