package domain

import (
	"context"
	"time"
)

// ConversationStore is the durable message history.
type ConversationStore interface {
	// GetMessageByID returns ErrMessageNotFound when id is unknown.
	GetMessageByID(ctx context.Context, id string) (*Message, error)
	// UpdateMessage replaces the stored message with the same ID.
	UpdateMessage(ctx context.Context, msg Message) error
	SaveMessages(ctx context.Context, msgs []Message) error
	GetMessagesByConversation(ctx context.Context, conversationID string) ([]Message, error)
	DeleteMessagesBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// ApprovalStore persists each conversation's always-approved keys.
type ApprovalStore interface {
	LoadApprovals(ctx context.Context, conversationID string) ([]string, error)
	AddApproval(ctx context.Context, conversationID, key string) error
	RemoveApproval(ctx context.Context, conversationID, key string) error
}
