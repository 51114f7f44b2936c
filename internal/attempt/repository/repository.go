package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/examly/internal/attempt/domain"
	"github.com/smallbiznis/examly/internal/identity"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertAttempt(ctx context.Context, db *gorm.DB, attempt *domain.Attempt) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO attempts (
			id, user_id, guest_session_id, exam_id, entitlement_kind,
			grant_id, started_at, finished_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		attempt.ID,
		attempt.UserID,
		attempt.GuestSessionID,
		attempt.ExamID,
		attempt.EntitlementKind,
		attempt.GrantID,
		attempt.StartedAt,
		attempt.FinishedAt,
	).Error
}

func (r *repo) FindAttempt(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Attempt, error) {
	var item domain.Attempt
	err := db.WithContext(ctx).Raw(
		`SELECT id, user_id, guest_session_id, exam_id, entitlement_kind,
			grant_id, started_at, finished_at
		 FROM attempts
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FinishAttempt(ctx context.Context, db *gorm.DB, id snowflake.ID, finishedAt time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE attempts
		 SET finished_at = ?
		 WHERE id = ? AND finished_at IS NULL`,
		finishedAt,
		id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repo) CountStartedSince(ctx context.Context, db *gorm.DB, owner identity.Identity, since time.Time) (int64, error) {
	predicate, args := owner.Predicate()
	args = append(args, since)

	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM attempts WHERE `+predicate+` AND started_at >= ?`,
		args...,
	).Scan(&count).Error
	return count, err
}

func (r *repo) CountOralOpenings(ctx context.Context, db *gorm.DB, identityKey, accessDay string) (int64, error) {
	var count int64
	err := db.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM oral_access_logs
		 WHERE identity_key = ? AND access_day = ?`,
		identityKey,
		accessDay,
	).Scan(&count).Error
	return count, err
}

func (r *repo) InsertOralSlot(ctx context.Context, db *gorm.DB, entry *domain.OralAccessLog) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`INSERT INTO oral_access_logs (
			id, identity_key, user_id, guest_session_id, exam_id,
			access_day, slot, opened_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (identity_key, access_day, slot) DO NOTHING`,
		entry.ID,
		entry.IdentityKey,
		entry.UserID,
		entry.GuestSessionID,
		entry.ExamID,
		entry.AccessDay,
		entry.Slot,
		entry.OpenedAt,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}
