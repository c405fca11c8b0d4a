package telemetry

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"

	"github.com/edgeflow/scada-acquisition/internal/domain"
)

// AuditLogger persists completed writes to a MySQL audit table.
// A logging failure is surfaced to the caller to log, but must never fail
// the write itself — callers invoke this after the write has already
// completed.
type AuditLogger struct {
	db *sql.DB
}

// NewAuditLogger opens a pooled connection to dsn and ensures the audit
// table exists.
func NewAuditLogger(dsn string) (*AuditLogger, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("telemetry: open mysql: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("telemetry: ping mysql: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS write_audit (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		device_key VARCHAR(255) NOT NULL,
		address INT NOT NULL,
		priority VARCHAR(16) NOT NULL,
		ok BOOLEAN NOT NULL,
		error TEXT,
		request_id BIGINT NOT NULL,
		completed_at_ms BIGINT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("telemetry: create audit table: %w", err)
	}
	return &AuditLogger{db: db}, nil
}

// Log records rec.
func (a *AuditLogger) Log(ctx context.Context, rec domain.WriteAuditRecord) error {
	_, err := a.db.ExecContext(ctx,
		`INSERT INTO write_audit (device_key, address, priority, ok, error, request_id, completed_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.DeviceKey, rec.Address, rec.Priority.String(), rec.OK, rec.Error, rec.RequestID, rec.CompletedAtMs)
	return err
}

func (a *AuditLogger) Close() error { return a.db.Close() }
