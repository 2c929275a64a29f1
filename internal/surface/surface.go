// Package surface defines the contract between the routing core and the
// conversation platform the dialogs actually live on. The core never talks
// to the platform API directly; it issues these calls and classifies the
// failures the platform reports.
package surface

import (
	"context"
)

// Client is the outbound half of a conversation surface. Message and thread
// ids are platform-scoped; a zero thread id addresses the chat root.
type Client interface {
	// SendMessage posts text to a chat and returns the new message id.
	SendMessage(ctx context.Context, chatID int64, text string) (int64, error)
	// SendMessageTo posts text into a specific thread of a chat.
	SendMessageTo(ctx context.Context, chatID, threadID int64, text string) (int64, error)
	// SendReply posts text as a reply to an existing message.
	SendReply(ctx context.Context, chatID, replyToMessageID int64, text string) (int64, error)
	// CopyMessage re-posts a message into another chat without a forward
	// header. A zero toThreadID targets the chat root.
	CopyMessage(ctx context.Context, fromChatID, messageID, toChatID, toThreadID int64) (int64, error)
	// ForwardMessage forwards a message with its origin header intact.
	ForwardMessage(ctx context.Context, fromChatID, messageID, toChatID int64) (int64, error)

	EditMessageText(ctx context.Context, chatID, messageID int64, text string) error
	EditMessageCaption(ctx context.Context, chatID, messageID int64, caption string) error
	DeleteMessage(ctx context.Context, chatID, messageID int64) error
	PinMessage(ctx context.Context, chatID, messageID int64) error

	// CreateThread opens a named thread in a chat and returns its id.
	CreateThread(ctx context.Context, chatID int64, name string) (int64, error)
	ReopenThread(ctx context.Context, chatID, threadID int64) error
	CloseThread(ctx context.Context, chatID, threadID int64) error
	RenameThread(ctx context.Context, chatID, threadID int64, name string) error
}
