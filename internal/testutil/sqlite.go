// Package testutil opens throwaway SQLite databases carrying the production
// schema for repository and service tests.
package testutil

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var dbSeq atomic.Int64

var schema = []string{
	`CREATE TABLE exams (
		id BIGINT PRIMARY KEY,
		title TEXT NOT NULL,
		exam_type TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at DATETIME NOT NULL
	)`,
	`CREATE TABLE invoices (
		invoice_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		user_id BIGINT,
		guest_session_id TEXT,
		exam_id BIGINT,
		amount BIGINT NOT NULL,
		payment_system_code TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'created',
		gateway_reference TEXT,
		gateway_payload TEXT,
		paid_at DATETIME,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE one_time_grants (
		id BIGINT PRIMARY KEY,
		user_id BIGINT,
		guest_session_id TEXT,
		exam_id BIGINT NOT NULL,
		source_invoice_id TEXT NOT NULL,
		granted_at DATETIME NOT NULL,
		consumed_at DATETIME
	)`,
	`CREATE UNIQUE INDEX ux_one_time_grants_source_invoice ON one_time_grants(source_invoice_id)`,
	`CREATE TABLE subscriptions (
		id BIGINT PRIMARY KEY,
		user_id BIGINT NOT NULL,
		source_invoice_id TEXT NOT NULL,
		starts_at DATETIME NOT NULL,
		ends_at DATETIME NOT NULL,
		status TEXT NOT NULL,
		cancelled_at DATETIME,
		created_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_subscriptions_source_invoice ON subscriptions(source_invoice_id)`,
	`CREATE UNIQUE INDEX ux_subscriptions_user_starts ON subscriptions(user_id, starts_at)`,
	`CREATE UNIQUE INDEX ux_subscriptions_one_active ON subscriptions(user_id) WHERE status = 'ACTIVE'`,
	`CREATE TABLE attempts (
		id BIGINT PRIMARY KEY,
		user_id BIGINT,
		guest_session_id TEXT,
		exam_id BIGINT NOT NULL,
		entitlement_kind TEXT NOT NULL,
		grant_id BIGINT,
		started_at DATETIME NOT NULL,
		finished_at DATETIME
	)`,
	`CREATE UNIQUE INDEX ux_attempts_open_grant ON attempts(grant_id) WHERE grant_id IS NOT NULL AND finished_at IS NULL`,
	`CREATE TABLE oral_access_logs (
		id BIGINT PRIMARY KEY,
		identity_key TEXT NOT NULL,
		user_id BIGINT,
		guest_session_id TEXT,
		exam_id BIGINT NOT NULL,
		access_day TEXT NOT NULL,
		slot INT NOT NULL,
		opened_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_oral_access_logs_slot ON oral_access_logs(identity_key, access_day, slot)`,
}

// OpenDB returns a private in-memory database with the schema applied. The
// pool holds a single connection so concurrent tests serialize on SQLite
// instead of failing with SQLITE_LOCKED.
func OpenDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_%d_%d?mode=memory&cache=shared", time.Now().UnixNano(), dbSeq.Add(1))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("apply schema: %v", err)
		}
	}
	return db
}

// SeedExam inserts an active exam of the given type ("TEST" or "ORAL").
func SeedExam(t testing.TB, db *gorm.DB, id int64, examType string) {
	t.Helper()
	err := db.Exec(
		`INSERT INTO exams (id, title, exam_type, is_active, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, fmt.Sprintf("exam-%d", id), examType, true, time.Now().UTC(),
	).Error
	if err != nil {
		t.Fatalf("seed exam: %v", err)
	}
}

// Count returns the number of rows in table matching where.
func Count(t testing.TB, db *gorm.DB, table, where string, args ...interface{}) int64 {
	t.Helper()
	query := "SELECT COUNT(1) FROM " + table
	if where != "" {
		query += " WHERE " + where
	}
	var count int64
	if err := db.Raw(query, args...).Scan(&count).Error; err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return count
}
