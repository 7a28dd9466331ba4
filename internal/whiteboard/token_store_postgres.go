package whiteboard

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresTokenTableName        = "whiteboard_accounts"
	postgresTokenOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresTokenStore persists token records in a single Postgres table. The
// schema is created lazily on first use.
type PostgresTokenStore struct {
	dsn       string
	tableName string
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresTokenStore(dsn string) (*PostgresTokenStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresTokenStore{
		dsn:       dsn,
		tableName: postgresTokenTableName,
		openDB:    sql.Open,
	}, nil
}

func (s *PostgresTokenStore) Load(ctx context.Context, accountID string) (*TokenRecord, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresTokenOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(
		"SELECT access_token, refresh_token, token_expiry FROM %s WHERE account_id = $1",
		postgresQuoteIdentifier(s.tableName),
	)
	var record TokenRecord
	err := s.db.QueryRowContext(opCtx, query, accountID).Scan(
		&record.AccessToken,
		&record.RefreshToken,
		&record.Expiry,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (s *PostgresTokenStore) Save(ctx context.Context, accountID string, record TokenRecord) error {
	if err := s.ensureReady(); err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, postgresTokenOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`INSERT INTO %s (account_id, access_token, refresh_token, token_expiry, updated_at)
VALUES ($1, $2, $3, $4, NOW())
ON CONFLICT (account_id) DO UPDATE SET
	access_token = EXCLUDED.access_token,
	refresh_token = EXCLUDED.refresh_token,
	token_expiry = EXCLUDED.token_expiry,
	updated_at = NOW()`, postgresQuoteIdentifier(s.tableName))
	_, err := s.db.ExecContext(opCtx, query, accountID, record.AccessToken, record.RefreshToken, record.Expiry.UTC())
	return err
}

func (s *PostgresTokenStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresTokenStore) ensureReady() error {
	s.initOnce.Do(func() {
		db, err := s.openDB("postgres", s.dsn)
		if err != nil {
			s.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresTokenOperationTimeout)
		defer cancel()
		schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	account_id TEXT PRIMARY KEY,
	access_token TEXT NOT NULL,
	refresh_token TEXT NOT NULL,
	token_expiry TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`, postgresQuoteIdentifier(s.tableName))
		if _, err := db.ExecContext(ctx, schema); err != nil {
			_ = db.Close()
			s.initErr = err
			return
		}
		s.db = db
	})
	return s.initErr
}

func postgresQuoteIdentifier(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}
