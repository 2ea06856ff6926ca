package repositories

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// ChatAccess answers whether a user may observe a chat.
type ChatAccess interface {
	IsParticipant(ctx context.Context, chatID int, userID int) (bool, error)
}

// ChatRepo is a read-only sqlx view over the chats table owned by the chat service.
type ChatRepo struct {
	db *sqlx.DB
}

// NewChatRepo constructs a ChatRepo.
func NewChatRepo(db *sqlx.DB) *ChatRepo {
	return &ChatRepo{db: db}
}

// IsParticipant checks whether a user belongs to the chat.
func (r *ChatRepo) IsParticipant(ctx context.Context, chatID int, userID int) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM chats WHERE id=$1 AND (user1_id=$2 OR user2_id=$2))`, chatID, userID)
	return exists, err
}
