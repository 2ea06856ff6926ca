package repositories

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
)

// BanChecker reports whether a user is barred from opening connections.
type BanChecker interface {
	IsBanned(ctx context.Context, userID int) (bool, error)
}

// UserRepo reads moderation state from the users table.
type UserRepo struct {
	db *sqlx.DB
}

func NewUserRepo(db *sqlx.DB) *UserRepo {
	return &UserRepo{db: db}
}

// IsBanned returns false for unknown users; the auth service owns existence.
func (r *UserRepo) IsBanned(ctx context.Context, userID int) (bool, error) {
	var banned bool
	err := r.db.GetContext(ctx, &banned, `SELECT is_banned FROM users WHERE id=$1`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return banned, err
}
