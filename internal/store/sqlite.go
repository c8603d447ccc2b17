package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	_ "github.com/mattn/go-sqlite3"
	"github.com/suremq/suremq-go/contracts"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore is a durable MessageStore backed by SQLite. A record is
// committed before Enqueue returns, so a crash between Enqueue and
// acknowledgment re-delivers on the next drain instead of losing the
// message.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
	clk    clock.Clock
}

// SQLiteStoreOption configures the SQLite store
type SQLiteStoreOption func(*SQLiteStore)

// WithSQLiteLogger sets the logger
func WithSQLiteLogger(logger *slog.Logger) SQLiteStoreOption {
	return func(s *SQLiteStore) {
		s.logger = logger
	}
}

// WithSQLiteClock sets the clock used for record timestamps
func WithSQLiteClock(clk clock.Clock) SQLiteStoreOption {
	return func(s *SQLiteStore) {
		s.clk = clk
	}
}

// NewSQLiteStore opens (creating if necessary) the store at dbPath.
func NewSQLiteStore(dbPath string, opts ...SQLiteStoreOption) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, &StoreError{Op: "open", Err: err}
	}

	// A single connection avoids "database is locked" errors under
	// concurrent sweep/drain/send access
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{
		db:     db,
		logger: slog.Default(),
		clk:    clock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Info("message store opened", "path", dbPath, "journalMode", "WAL")
	return s, nil
}

// initSchema creates the schema on first open
func (s *SQLiteStore) initSchema() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return &StoreError{Op: "init-schema", Err: err}
	}

	if version == 0 {
		if _, err := s.db.Exec(schemaSQL); err != nil {
			return &StoreError{Op: "init-schema", Err: err}
		}
		s.logger.Info("message store schema initialized", "version", 1)
	}
	return nil
}

// Enqueue implements MessageStore
func (s *SQLiteStore) Enqueue(ctx context.Context, out contracts.Outbound, maxRetries int) (*Record, error) {
	if err := out.Validate(); err != nil {
		return nil, &StoreError{Op: "enqueue", Err: err}
	}

	rec := NewRecord(out, maxRetries, s.clk.Now())
	if rec.Payload == nil {
		// A nil slice would insert NULL into the NOT NULL payload column
		rec.Payload = []byte{}
	}

	var expires int64
	if !rec.ExpiresAt.IsZero() {
		expires = rec.ExpiresAt.UnixNano()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO outbound_messages (
			id, topic, payload, delivery_level, retain, state, reason,
			created_at, expires_at, retry_count, max_retries
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Topic, rec.Payload, int(rec.DeliveryLevel), boolToInt(rec.Retain),
		string(rec.State), rec.Reason, rec.CreatedAt.UnixNano(), expires,
		rec.RetryCount, rec.MaxRetries,
	)
	if err != nil {
		return nil, &StoreError{Op: "enqueue", RecordID: rec.ID, Err: err}
	}
	return rec, nil
}

// DrainPending implements MessageStore
func (s *SQLiteStore) DrainPending(ctx context.Context, limit int) ([]*Record, error) {
	now := s.clk.Now().UnixNano()
	query := `
		SELECT id, topic, payload, delivery_level, retain, state, reason,
		       created_at, expires_at, retry_count, max_retries
		FROM outbound_messages
		WHERE (state = ? OR (state = ? AND retry_count < max_retries))
		  AND (expires_at = 0 OR expires_at > ?)
		ORDER BY created_at ASC`
	args := []interface{}{string(StatePending), string(StateFailed), now}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &StoreError{Op: "drain", Err: err}
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, &StoreError{Op: "drain", Err: err}
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, &StoreError{Op: "drain", Err: err}
	}
	return out, nil
}

// MarkSent implements MessageStore
func (s *SQLiteStore) MarkSent(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbound_messages SET state = ? WHERE id = ? AND state = ?`,
		string(StateSent), id, string(StatePending))
	if err != nil {
		return &StoreError{Op: "mark-sent", RecordID: id, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &StoreError{Op: "mark-sent", RecordID: id, Err: err}
	}
	if n == 0 {
		if _, err := s.Get(ctx, id); err != nil {
			return err
		}
		return &StoreError{Op: "mark-sent", RecordID: id, Err: ErrInvalidTransition}
	}
	return nil
}

// MarkAcknowledged implements MessageStore
func (s *SQLiteStore) MarkAcknowledged(ctx context.Context, id string) error {
	// Idempotent: unknown ids and already-terminal records are a no-op
	_, err := s.db.ExecContext(ctx,
		`UPDATE outbound_messages SET state = ?, reason = '' WHERE id = ? AND state NOT IN (?, ?)`,
		string(StateAcknowledged), id, string(StateAcknowledged), string(StateExpired))
	if err != nil {
		return &StoreError{Op: "mark-acknowledged", RecordID: id, Err: err}
	}
	return nil
}

// MarkFailed implements MessageStore
func (s *SQLiteStore) MarkFailed(ctx context.Context, id string, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbound_messages SET state = ?, reason = ? WHERE id = ? AND state NOT IN (?, ?)`,
		string(StateFailed), reason, id, string(StateAcknowledged), string(StateExpired))
	if err != nil {
		return &StoreError{Op: "mark-failed", RecordID: id, Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &StoreError{Op: "mark-failed", RecordID: id, Err: err}
	}
	if n == 0 {
		if _, gerr := s.Get(ctx, id); gerr != nil {
			return gerr
		}
		return &StoreError{Op: "mark-failed", RecordID: id, Err: ErrInvalidTransition}
	}
	return nil
}

// IncrementRetry implements MessageStore
func (s *SQLiteStore) IncrementRetry(ctx context.Context, id string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, &StoreError{Op: "increment-retry", RecordID: id, Err: err}
	}
	defer tx.Rollback()

	var state string
	var retryCount, maxRetries int
	err = tx.QueryRowContext(ctx,
		`SELECT state, retry_count, max_retries FROM outbound_messages WHERE id = ?`, id).
		Scan(&state, &retryCount, &maxRetries)
	if errors.Is(err, sql.ErrNoRows) {
		return false, &StoreError{Op: "increment-retry", RecordID: id, Err: ErrRecordNotFound}
	}
	if err != nil {
		return false, &StoreError{Op: "increment-retry", RecordID: id, Err: err}
	}

	if MessageState(state).Terminal() || MessageState(state) == StateSent {
		return false, &StoreError{Op: "increment-retry", RecordID: id, Err: ErrInvalidTransition}
	}

	if retryCount >= maxRetries {
		_, err = tx.ExecContext(ctx,
			`UPDATE outbound_messages SET state = ?, reason = CASE WHEN reason = '' THEN 'retry limit reached' ELSE reason END WHERE id = ?`,
			string(StateFailed), id)
		if err != nil {
			return false, &StoreError{Op: "increment-retry", RecordID: id, Err: err}
		}
		if err := tx.Commit(); err != nil {
			return false, &StoreError{Op: "increment-retry", RecordID: id, Err: err}
		}
		return false, nil
	}

	_, err = tx.ExecContext(ctx,
		`UPDATE outbound_messages SET state = ?, retry_count = retry_count + 1 WHERE id = ?`,
		string(StatePending), id)
	if err != nil {
		return false, &StoreError{Op: "increment-retry", RecordID: id, Err: err}
	}
	if err := tx.Commit(); err != nil {
		return false, &StoreError{Op: "increment-retry", RecordID: id, Err: err}
	}
	return true, nil
}

// RequeueSent implements MessageStore
func (s *SQLiteStore) RequeueSent(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE outbound_messages SET state = ? WHERE state = ?`,
		string(StatePending), string(StateSent))
	if err != nil {
		return 0, &StoreError{Op: "requeue-sent", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &StoreError{Op: "requeue-sent", Err: err}
	}
	return int(n), nil
}

// SweepExpired implements MessageStore
func (s *SQLiteStore) SweepExpired(ctx context.Context, now time.Time) ([]*Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, topic, payload, delivery_level, retain, state, reason,
		       created_at, expires_at, retry_count, max_retries
		FROM outbound_messages
		WHERE state NOT IN (?, ?) AND expires_at > 0 AND expires_at <= ?
		ORDER BY created_at ASC`,
		string(StateAcknowledged), string(StateExpired), now.UnixNano())
	if err != nil {
		return nil, &StoreError{Op: "sweep", Err: err}
	}

	var expired []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, &StoreError{Op: "sweep", Err: err}
		}
		expired = append(expired, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, &StoreError{Op: "sweep", Err: err}
	}
	rows.Close()

	if len(expired) == 0 {
		return nil, nil
	}

	for _, rec := range expired {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE outbound_messages SET state = ?, reason = 'ttl elapsed' WHERE id = ?`,
			string(StateExpired), rec.ID); err != nil {
			return nil, &StoreError{Op: "sweep", RecordID: rec.ID, Err: err}
		}
		rec.State = StateExpired
		rec.Reason = "ttl elapsed"
	}
	return expired, nil
}

// PurgeTerminal implements MessageStore
func (s *SQLiteStore) PurgeTerminal(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.clk.Now().Add(-olderThan).UnixNano()
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM outbound_messages
		WHERE created_at < ?
		  AND (state IN (?, ?) OR (state = ? AND retry_count >= max_retries))`,
		cutoff, string(StateAcknowledged), string(StateExpired), string(StateFailed))
	if err != nil {
		return 0, &StoreError{Op: "purge", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, &StoreError{Op: "purge", Err: err}
	}
	return int(n), nil
}

// Get implements MessageStore
func (s *SQLiteStore) Get(ctx context.Context, id string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, topic, payload, delivery_level, retain, state, reason,
		       created_at, expires_at, retry_count, max_retries
		FROM outbound_messages WHERE id = ?`, id)

	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &StoreError{Op: "get", RecordID: id, Err: ErrRecordNotFound}
	}
	if err != nil {
		return nil, &StoreError{Op: "get", RecordID: id, Err: err}
	}
	return rec, nil
}

// Stats implements MessageStore
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM outbound_messages GROUP BY state`)
	if err != nil {
		return Stats{}, &StoreError{Op: "stats", Err: err}
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var state string
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return Stats{}, &StoreError{Op: "stats", Err: err}
		}
		switch MessageState(state) {
		case StatePending:
			st.Pending = count
		case StateSent:
			st.Sent = count
		case StateAcknowledged:
			st.Acknowledged = count
		case StateFailed:
			st.Failed = count
		case StateExpired:
			st.Expired = count
		}
	}
	if err := rows.Err(); err != nil {
		return Stats{}, &StoreError{Op: "stats", Err: err}
	}
	return st, nil
}

// Close implements MessageStore
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return &StoreError{Op: "close", Err: err}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var level, retain int
	var state string
	var created, expires int64

	err := row.Scan(&rec.ID, &rec.Topic, &rec.Payload, &level, &retain, &state,
		&rec.Reason, &created, &expires, &rec.RetryCount, &rec.MaxRetries)
	if err != nil {
		return nil, err
	}

	rec.DeliveryLevel = contracts.DeliveryLevel(level)
	rec.Retain = retain != 0
	rec.State = MessageState(state)
	rec.CreatedAt = time.Unix(0, created)
	if expires > 0 {
		rec.ExpiresAt = time.Unix(0, expires)
	}
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
