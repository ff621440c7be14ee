// Package connector abstracts the chat platforms operators reach the bot
// through.
package connector

import (
	"context"
	"time"
)

// Connector is one chat platform (Telegram, Slack).
type Connector interface {
	// Name returns the connector type (e.g., "telegram", "slack").
	Name() string
	// Start begins listening for inbound messages. Blocks until context is cancelled.
	Start(ctx context.Context) error
	// Stop gracefully shuts down the connector.
	Stop() error
	// Send delivers an outbound message to the external platform.
	Send(ctx context.Context, msg OutboundMessage) error
}

// OutboundMessage is a plain-text message sent to a chat.
type OutboundMessage struct {
	ChatID  string // Platform-specific chat identifier
	Content string
}

// InboundMessage is a message received from a chat platform.
type InboundMessage struct {
	Channel   string    // Connector name (e.g., "telegram")
	SenderID  string    // Platform-specific sender identifier
	ChatID    string    // Platform-specific chat identifier
	ChatTitle string    // Human-readable chat name, when the platform has one
	Content   string    // Message text
	SentAt    time.Time // Platform timestamp; zero when unknown
}

// InboundHandler processes messages received from chat platforms.
type InboundHandler func(ctx context.Context, msg InboundMessage) error

// TextSender adapts a Connector to the plain-text send surface the router
// and pipelines use.
type TextSender struct {
	Connector Connector
}

func (s TextSender) Send(ctx context.Context, chatID, text string) error {
	return s.Connector.Send(ctx, OutboundMessage{ChatID: chatID, Content: text})
}
