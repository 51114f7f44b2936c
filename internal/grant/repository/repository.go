package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/examly/internal/grant/domain"
	"github.com/smallbiznis/examly/internal/identity"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

const oneTimeColumns = `id, user_id, guest_session_id, exam_id, source_invoice_id, granted_at, consumed_at`

const subscriptionColumns = `id, user_id, source_invoice_id, starts_at, ends_at, status, cancelled_at, created_at`

func (r *repo) InsertOneTime(ctx context.Context, db *gorm.DB, grant *domain.OneTimeGrant) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO one_time_grants (`+oneTimeColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (source_invoice_id) DO NOTHING`,
		grant.ID,
		grant.UserID,
		grant.GuestSessionID,
		grant.ExamID,
		grant.SourceInvoiceID,
		grant.GrantedAt,
		grant.ConsumedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindOneTimeBySource(ctx context.Context, db *gorm.DB, invoiceID string) (*domain.OneTimeGrant, error) {
	return r.findOneTime(ctx, db, `source_invoice_id = ?`, invoiceID)
}

func (r *repo) FindOneTimeByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.OneTimeGrant, error) {
	return r.findOneTime(ctx, db, `id = ?`, id)
}

func (r *repo) FindUnconsumed(ctx context.Context, db *gorm.DB, owner identity.Identity, examID int64) (*domain.OneTimeGrant, error) {
	predicate, args := owner.Predicate()
	args = append(args, examID)
	return r.findOneTime(ctx, db, predicate+` AND exam_id = ? AND consumed_at IS NULL
		AND NOT EXISTS (
			SELECT 1 FROM attempts a
			WHERE a.grant_id = one_time_grants.id AND a.finished_at IS NULL
		)
		ORDER BY granted_at ASC, id ASC`, args...)
}

func (r *repo) findOneTime(ctx context.Context, db *gorm.DB, where string, args ...interface{}) (*domain.OneTimeGrant, error) {
	var item domain.OneTimeGrant
	err := db.WithContext(ctx).Raw(
		`SELECT `+oneTimeColumns+` FROM one_time_grants WHERE `+where+` LIMIT 1`,
		args...,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) Consume(ctx context.Context, db *gorm.DB, id snowflake.ID, consumedAt time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE one_time_grants
		 SET consumed_at = ?
		 WHERE id = ? AND consumed_at IS NULL`,
		consumedAt,
		id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) InsertSubscription(ctx context.Context, db *gorm.DB, sub *domain.Subscription) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO subscriptions (`+subscriptionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (source_invoice_id) DO NOTHING`,
		sub.ID,
		sub.UserID,
		sub.SourceInvoiceID,
		sub.StartsAt,
		sub.EndsAt,
		sub.Status,
		sub.CancelledAt,
		sub.CreatedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) FindSubscriptionBySource(ctx context.Context, db *gorm.DB, invoiceID string) (*domain.Subscription, error) {
	return r.findSubscription(ctx, db, `source_invoice_id = ?`, invoiceID)
}

func (r *repo) FindActiveSubscription(ctx context.Context, db *gorm.DB, userID int64, at time.Time) (*domain.Subscription, error) {
	return r.findSubscription(ctx, db,
		`user_id = ? AND status = ? AND starts_at <= ? AND ends_at > ? ORDER BY ends_at DESC`,
		userID, domain.SubscriptionActive, at, at,
	)
}

func (r *repo) findSubscription(ctx context.Context, db *gorm.DB, where string, args ...interface{}) (*domain.Subscription, error) {
	var item domain.Subscription
	err := db.WithContext(ctx).Raw(
		`SELECT `+subscriptionColumns+` FROM subscriptions WHERE `+where+` LIMIT 1`,
		args...,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) CloseActiveSubscriptions(ctx context.Context, db *gorm.DB, userID int64, at time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE subscriptions
		 SET status = CASE WHEN ends_at <= ? THEN ? ELSE ? END,
			cancelled_at = ?
		 WHERE user_id = ? AND status = ?`,
		at,
		domain.SubscriptionExpired,
		domain.SubscriptionCancelled,
		at,
		userID,
		domain.SubscriptionActive,
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
