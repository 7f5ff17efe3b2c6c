// Package postgres provides a PostgreSQL-backed record store. TTL expiry is
// modeled with an expires_at column: expired rows read as absent and a
// cleanup routine removes them.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/remlab/remlab/pkg/store"
)

// psql builds queries with $n placeholders.
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// notExpired filters out rows whose TTL has lapsed.
var notExpired = sq.Expr("(expires_at IS NULL OR expires_at > NOW())")

// Store implements store.Store on a *sql.DB.
type Store struct {
	db     *sql.DB
	cancel context.CancelFunc
	done   chan struct{}
}

// New wraps an open database handle. Run the embedded migrations before
// first use (see pkg/database/migrate).
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Get retrieves a record. Returns nil, nil when absent or expired.
func (s *Store) Get(ctx context.Context, key string) (*store.Record, error) {
	query, args, err := psql.Select("value", "version").
		From("records").
		Where(sq.Eq{"key": key}).
		Where(notExpired).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building get query: %w", err)
	}

	var rec store.Record
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&rec.Value, &rec.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil //nolint:nilnil // Store contract specifies nil,nil for not-found
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get %s: %v", store.ErrUnavailable, key, err)
	}
	return &rec, nil
}

// Set writes a value unconditionally. An expired row restarts at version 1.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	query := `
		INSERT INTO records (key, value, version, expires_at)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			version = CASE
				WHEN records.expires_at IS NOT NULL AND records.expires_at <= NOW() THEN 1
				ELSE records.version + 1
			END,
			expires_at = EXCLUDED.expires_at
	`
	if _, err := s.db.ExecContext(ctx, query, key, value, deadline(ttl)); err != nil {
		return fmt.Errorf("%w: set %s: %v", store.ErrUnavailable, key, err)
	}
	return nil
}

// Delete removes a key.
func (s *Store) Delete(ctx context.Context, key string) error {
	query, args, err := psql.Delete("records").Where(sq.Eq{"key": key}).ToSql()
	if err != nil {
		return fmt.Errorf("building delete query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: delete %s: %v", store.ErrUnavailable, key, err)
	}
	return nil
}

// ConditionalSet writes value only when the record's version matches.
func (s *Store) ConditionalSet(ctx context.Context, key string, value []byte, expectedVersion int64, ttl time.Duration) error {
	if expectedVersion == 0 {
		ok, err := s.SetIfAbsent(ctx, key, value, ttl)
		if err != nil {
			return err
		}
		if !ok {
			return store.ErrVersionMismatch
		}
		return nil
	}

	query := `
		UPDATE records
		SET value = $3, version = version + 1, expires_at = $4
		WHERE key = $1 AND version = $2
		  AND (expires_at IS NULL OR expires_at > NOW())
	`
	res, err := s.db.ExecContext(ctx, query, key, expectedVersion, value, deadline(ttl))
	if err != nil {
		return fmt.Errorf("%w: cas %s: %v", store.ErrUnavailable, key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: cas %s: %v", store.ErrUnavailable, key, err)
	}
	if affected == 0 {
		return store.ErrVersionMismatch
	}
	return nil
}

// SetIfAbsent atomically writes value only when no live row exists. An
// expired row is cleared in the same transaction so the slot is reusable.
func (s *Store) SetIfAbsent(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%w: begin setnx %s: %v", store.ErrUnavailable, key, err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM records WHERE key = $1 AND expires_at IS NOT NULL AND expires_at <= NOW()`, key); err != nil {
		return false, fmt.Errorf("%w: clearing expired %s: %v", store.ErrUnavailable, key, err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO records (key, value, version, expires_at)
		VALUES ($1, $2, 1, $3)
		ON CONFLICT (key) DO NOTHING
	`, key, value, deadline(ttl))
	if err != nil {
		return false, fmt.Errorf("%w: setnx %s: %v", store.ErrUnavailable, key, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: setnx %s: %v", store.ErrUnavailable, key, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("%w: commit setnx %s: %v", store.ErrUnavailable, key, err)
	}
	return affected > 0, nil
}

// Expire resets the key's TTL.
func (s *Store) Expire(ctx context.Context, key string, ttl time.Duration) error {
	query, args, err := psql.Update("records").
		Set("expires_at", deadline(ttl)).
		Where(sq.Eq{"key": key}).
		Where(notExpired).
		ToSql()
	if err != nil {
		return fmt.Errorf("building expire query: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("%w: expire %s: %v", store.ErrUnavailable, key, err)
	}
	return nil
}

// Scan returns all live keys beginning with prefix.
func (s *Store) Scan(ctx context.Context, prefix string) ([]string, error) {
	query, args, err := psql.Select("key").
		From("records").
		Where(sq.Like{"key": likePattern(prefix)}).
		Where(notExpired).
		OrderBy("key").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building scan query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: scan %s: %v", store.ErrUnavailable, prefix, err)
	}
	defer func() { _ = rows.Close() }()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("scanning key row: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: iterating scan rows: %v", store.ErrUnavailable, err)
	}
	return keys, nil
}

// Cleanup removes expired rows.
func (s *Store) Cleanup(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM records WHERE expires_at IS NOT NULL AND expires_at <= NOW()`); err != nil {
		return fmt.Errorf("%w: cleanup: %v", store.ErrUnavailable, err)
	}
	return nil
}

// StartCleanupRoutine starts a background goroutine that periodically removes
// expired rows. The goroutine is stopped when Close is called.
func (s *Store) StartCleanupRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Cleanup(ctx); err != nil {
					slog.Warn("record cleanup failed", "error", err)
				}
			}
		}
	}()
}

// Close stops the cleanup goroutine. The database handle is owned by the
// caller and is not closed here.
func (s *Store) Close() error {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
	return nil
}

// deadline converts a TTL into an absolute expiry, or nil for no expiry.
func deadline(ttl time.Duration) any {
	if ttl == 0 {
		return nil
	}
	return time.Now().Add(ttl)
}

// likePattern escapes LIKE metacharacters in the prefix.
func likePattern(prefix string) string {
	escaped := ""
	for _, r := range prefix {
		if r == '%' || r == '_' || r == '\\' {
			escaped += "\\"
		}
		escaped += string(r)
	}
	return escaped + "%"
}

// Verify interface compliance.
var _ store.Store = (*Store)(nil)
