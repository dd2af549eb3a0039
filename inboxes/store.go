// Package inboxes implements the secondary store client for ephemeral
// inbox provisioning. Ephemeral inboxes are created on demand for
// whitelisted recipients that have no private mailbox; creation is
// idempotent per address.
package inboxes

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/migadu/hato/config"
	"github.com/migadu/hato/logger"
	"github.com/migadu/hato/pkg/metrics"
)

// EphemeralInbox is one auto-provisioned inbox, keyed by its address.
type EphemeralInbox struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	EmailAddress string    `gorm:"uniqueIndex;not null"`
	CreatedAt    time.Time
}

func (EphemeralInbox) TableName() string {
	return "ephemeral_inboxes"
}

type Store struct {
	db *gorm.DB
}

// New opens the secondary store and ensures the inbox table exists.
func New(cfg *config.InboxStoreConfig) (*Store, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open inbox store: %w", err)
	}
	return NewWithDB(db)
}

// NewWithDB wraps an already opened gorm handle. Used by tests with an
// in-memory database.
func NewWithDB(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&EphemeralInbox{}); err != nil {
		return nil, fmt.Errorf("failed to migrate inbox store: %w", err)
	}
	return &Store{db: db}, nil
}

// Ping probes the underlying connection for liveness.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetOrCreate returns the inbox for address, creating it when absent.
// Two concurrent calls for the same address converge on one row: the
// loser of the insert race re-reads the winner's inbox.
func (s *Store) GetOrCreate(ctx context.Context, address string) (*EphemeralInbox, error) {
	address = strings.ToLower(strings.TrimSpace(address))
	if address == "" {
		return nil, fmt.Errorf("inbox address must not be empty")
	}

	var inbox EphemeralInbox
	err := s.db.WithContext(ctx).Where("email_address = ?", address).First(&inbox).Error
	if err == nil {
		return &inbox, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("failed to look up inbox %s: %w", address, err)
	}

	inbox = EphemeralInbox{
		ID:           uuid.New(),
		EmailAddress: address,
	}
	err = s.db.WithContext(ctx).Create(&inbox).Error
	if err == nil {
		metrics.InboxesCreatedTotal.Inc()
		logger.Info("ephemeral inbox created", "address", address, "id", inbox.ID)
		return &inbox, nil
	}
	if !isUniqueViolation(err) {
		return nil, fmt.Errorf("failed to create inbox %s: %w", address, err)
	}

	// Lost the race; the concurrent creator's row is authoritative.
	if err := s.db.WithContext(ctx).Where("email_address = ?", address).First(&inbox).Error; err != nil {
		return nil, fmt.Errorf("failed to re-read inbox %s after conflict: %w", address, err)
	}
	return &inbox, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	// The sqlite driver used in tests reports the violation as a plain
	// error string.
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint") || strings.Contains(msg, "duplicate key")
}
