// Package auditstore mirrors eventrouter skip decisions and closed
// borrower trails into a durable SQL store, adapted from the teacher's
// services/otc-gateway/models package (gorm models + AutoMigrate) and
// main.go's postgres/sqlite dial switch. Writes are best-effort: a store
// failure is logged and never propagated. Writes run synchronously on the
// caller's goroutine, so a slow database delays the caller.
package auditstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"liquidator/internal/eventrouter"
)

// AuditEvent is the durable row mirroring an eventrouter.AuditEntry.
type AuditEvent struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Borrower    string    `gorm:"size:64;index"`
	Reason      string    `gorm:"size:64;index"`
	EventKind   string    `gorm:"size:32"`
	BlockNumber uint64    `gorm:"index"`
	OccurredAt  time.Time `gorm:"index"`
	CreatedAt   time.Time
}

// ClosedBorrower is a terminal snapshot recorded when the event router
// removes a borrower from the registry (a new borrower below the minimum
// debt, or raced out of a liquidation attempt).
type ClosedBorrower struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey"`
	Borrower    string    `gorm:"size:64;uniqueIndex"`
	FinalState  string    `gorm:"size:32"`
	ClosedAt    time.Time `gorm:"index"`
	Exported    bool      `gorm:"index"`
}

// AutoMigrate creates or updates the audit schema.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&AuditEvent{}, &ClosedBorrower{})
}

// Dial opens a gorm connection: dsn prefixed with "postgres://",
// "postgresql://" or "host=" dials Postgres, anything else is treated as a sqlite
// file path or DSN (matching the teacher's server_test.go sqlite fallback
// used for local/dev deployments).
func Dial(dsn string) (*gorm.DB, error) {
	if isPostgres(dsn) {
		return gorm.Open(postgres.Open(dsn), &gorm.Config{})
	}
	return gorm.Open(sqlite.Open(dsn), &gorm.Config{})
}

func isPostgres(dsn string) bool {
	for _, prefix := range []string{"postgres://", "postgresql://", "host="} {
		if len(dsn) >= len(prefix) && dsn[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}

// Store persists audit trail entries; each write completes before the call
// that made it returns.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// New wraps an already-migrated gorm.DB.
func New(db *gorm.DB, logger *slog.Logger) *Store {
	return &Store{db: db, logger: logger}
}

// Record implements eventrouter.AuditSink. It writes the row synchronously
// on the router's goroutine, so a slow database delays event processing for
// the length of the write; failures are logged and swallowed, never
// returned. The row reuses entry.ID when it parses as a UUID and gets a
// fresh one otherwise.
func (s *Store) Record(entry eventrouter.AuditEntry) {
	if s == nil || s.db == nil {
		return
	}
	id, err := uuid.Parse(entry.ID)
	if err != nil {
		id = uuid.New()
	}
	row := AuditEvent{
		ID:          id,
		Borrower:    entry.Borrower,
		Reason:      string(entry.Reason),
		EventKind:   entry.Event.Kind.String(),
		BlockNumber: entry.Event.BlockNumber,
		OccurredAt:  entry.At,
		CreatedAt:   entry.At,
	}
	if err := s.db.WithContext(context.Background()).Create(&row).Error; err != nil && s.logger != nil {
		s.logger.Warn("auditstore: record failed", "error", err, "borrower", entry.Borrower)
	}
}

// RecordClosed upserts a terminal snapshot for a borrower leaving the
// registry, to be picked up by the periodic parquet exporter.
func (s *Store) RecordClosed(ctx context.Context, borrower, finalState string, at time.Time) {
	if s == nil || s.db == nil {
		return
	}
	row := ClosedBorrower{ID: uuid.New(), Borrower: borrower, FinalState: finalState, ClosedAt: at}
	err := s.db.WithContext(ctx).
		Where("borrower = ?", borrower).
		Assign(ClosedBorrower{FinalState: finalState, ClosedAt: at}).
		FirstOrCreate(&row).Error
	if err != nil && s.logger != nil {
		s.logger.Warn("auditstore: record closed failed", "error", err, "borrower", borrower)
	}
}

// UnexportedSince returns closed-borrower rows not yet exported to parquet.
func (s *Store) UnexportedSince(ctx context.Context, limit int) ([]ClosedBorrower, error) {
	var rows []ClosedBorrower
	err := s.db.WithContext(ctx).Where("exported = ?", false).Order("closed_at asc").Limit(limit).Find(&rows).Error
	return rows, err
}

// MarkExported flags rows as exported after a successful parquet flush.
func (s *Store) MarkExported(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&ClosedBorrower{}).Where("id in ?", ids).Update("exported", true).Error
}
