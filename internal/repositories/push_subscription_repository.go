package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"realtime-service/internal/models"
)

var ErrSubscriptionNotFound = errors.New("push subscription not found")

// PushSubscriptionStore abstracts durable push endpoint persistence.
type PushSubscriptionStore interface {
	Subscribe(ctx context.Context, userID int, desc models.EndpointDescriptor) (models.PushSubscription, error)
	Unsubscribe(ctx context.Context, userID int, endpoint string) error
	UnsubscribeAll(ctx context.Context, userID int) (int64, error)
	ListActive(ctx context.Context, userID int) ([]models.PushSubscription, error)
	Deactivate(ctx context.Context, id int) error
	MarkUsed(ctx context.Context, id int) error
}

// PushSubscriptionRepo is a sqlx implementation of PushSubscriptionStore.
type PushSubscriptionRepo struct {
	db *sqlx.DB
}

// NewPushSubscriptionRepo constructs a PushSubscriptionRepo.
func NewPushSubscriptionRepo(db *sqlx.DB) *PushSubscriptionRepo {
	return &PushSubscriptionRepo{db: db}
}

const subscriptionColumns = `id, user_id, kind, endpoint, p256dh, auth, active, created_at, updated_at, last_used_at`

// Subscribe records the endpoint for the user, reactivating it if it was seen before.
func (r *PushSubscriptionRepo) Subscribe(ctx context.Context, userID int, desc models.EndpointDescriptor) (models.PushSubscription, error) {
	var sub models.PushSubscription
	query := `INSERT INTO push_subscriptions (user_id, kind, endpoint, p256dh, auth, active)
        VALUES ($1, $2, $3, $4, $5, TRUE)
        ON CONFLICT (user_id, endpoint) DO UPDATE
        SET kind=EXCLUDED.kind, p256dh=EXCLUDED.p256dh, auth=EXCLUDED.auth, active=TRUE, updated_at=NOW()
        RETURNING ` + subscriptionColumns
	if err := r.db.GetContext(ctx, &sub, query, userID, desc.Kind, desc.Endpoint, desc.Keys.P256dh, desc.Keys.Auth); err != nil {
		return models.PushSubscription{}, fmt.Errorf("upsert push subscription: %w", err)
	}
	return sub, nil
}

// Unsubscribe deactivates one endpoint. Rows are kept for auditing.
func (r *PushSubscriptionRepo) Unsubscribe(ctx context.Context, userID int, endpoint string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE push_subscriptions SET active=FALSE, updated_at=NOW() WHERE user_id=$1 AND endpoint=$2 AND active`, userID, endpoint)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// UnsubscribeAll deactivates every endpoint of the user and returns how many changed.
func (r *PushSubscriptionRepo) UnsubscribeAll(ctx context.Context, userID int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `UPDATE push_subscriptions SET active=FALSE, updated_at=NOW() WHERE user_id=$1 AND active`, userID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListActive returns the user's active endpoints, oldest first.
func (r *PushSubscriptionRepo) ListActive(ctx context.Context, userID int) ([]models.PushSubscription, error) {
	subs := []models.PushSubscription{}
	err := r.db.SelectContext(ctx, &subs, `SELECT `+subscriptionColumns+` FROM push_subscriptions WHERE user_id=$1 AND active ORDER BY id`, userID)
	return subs, err
}

// Deactivate marks an endpoint the provider reported as gone.
func (r *PushSubscriptionRepo) Deactivate(ctx context.Context, id int) error {
	_, err := r.db.ExecContext(ctx, `UPDATE push_subscriptions SET active=FALSE, updated_at=NOW() WHERE id=$1`, id)
	return err
}

func (r *PushSubscriptionRepo) MarkUsed(ctx context.Context, id int) error {
	_, err := r.db.ExecContext(ctx, `UPDATE push_subscriptions SET last_used_at=NOW() WHERE id=$1`, id)
	return err
}
