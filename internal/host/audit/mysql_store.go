package audit

import (
	"context"
	"database/sql"

	appErr "hostbox/pkg/errors"
)

// MySQLStore persists audit entries in MySQL.
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore wraps an open database handle and ensures the table exists.
func NewMySQLStore(ctx context.Context, db *sql.DB) (*MySQLStore, error) {
	const ddl = `
CREATE TABLE IF NOT EXISTS audit_entries (
    id         VARCHAR(36)  PRIMARY KEY,
    tenant     VARCHAR(64)  NOT NULL,
    slot       VARCHAR(36)  NOT NULL,
    path       VARCHAR(512) NOT NULL DEFAULT '',
    action     VARCHAR(32)  NOT NULL,
    reason     TEXT         NOT NULL,
    created_at DATETIME(3)  NOT NULL,
    INDEX idx_slot_created (slot, created_at),
    INDEX idx_tenant_created (tenant, created_at)
)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "ensure audit table failed")
	}
	return &MySQLStore{db: db}, nil
}

func (s *MySQLStore) Append(ctx context.Context, e Entry) error {
	const q = `INSERT INTO audit_entries (id, tenant, slot, path, action, reason, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`
	if _, err := s.db.ExecContext(ctx, q, e.ID, e.Tenant, e.Slot, e.Path, string(e.Action), e.Reason, e.CreatedAt); err != nil {
		return appErr.Wrapf(err, appErr.AuditAppendFailed, "insert audit entry failed")
	}
	return nil
}

func (s *MySQLStore) ListBySlot(ctx context.Context, slotID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	const q = `SELECT id, tenant, slot, path, action, reason, created_at
FROM audit_entries WHERE slot = ? ORDER BY created_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, q, slotID, limit)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.DatabaseError, "query audit entries failed")
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var action string
		if err := rows.Scan(&e.ID, &e.Tenant, &e.Slot, &e.Path, &action, &e.Reason, &e.CreatedAt); err != nil {
			return nil, appErr.Wrapf(err, appErr.DatabaseError, "scan audit entry failed")
		}
		e.Action = Action(action)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, appErr.Wrap(err, appErr.DatabaseError)
	}
	return out, nil
}

func (s *MySQLStore) Close() error {
	return s.db.Close()
}
