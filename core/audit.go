package core

import (
	"context"
	"database/sql"
	"fmt"
)

// AuditLog records room identifiers for after-the-fact abuse handling. Only
// the opaque room id is ever written; membership, key material and message
// content are out of its reach by construction.
type AuditLog interface {
	RoomCreated(ctx context.Context, roomID string) error
}

// NopAuditLog discards audit records. Used when no audit store is configured
// and in tests that do not care about auditing.
type NopAuditLog struct{}

func (NopAuditLog) RoomCreated(context.Context, string) error { return nil }

// SQLiteAuditLog persists room creations to the rooms table.
type SQLiteAuditLog struct {
	db *sql.DB
}

func NewSQLiteAuditLog(db *sql.DB) *SQLiteAuditLog {
	return &SQLiteAuditLog{db: db}
}

func (l *SQLiteAuditLog) RoomCreated(ctx context.Context, roomID string) error {
	query := `INSERT INTO rooms (room_id) VALUES (@room_id)`
	if _, err := l.db.ExecContext(ctx, query, sql.Named("room_id", roomID)); err != nil {
		return fmt.Errorf("ExecContext(insert room): %w", err)
	}
	return nil
}
