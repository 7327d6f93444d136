package syncqueue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var ErrEntryNotFound = errors.New("sync queue entry not found")

const schema = `
CREATE TABLE IF NOT EXISTS sync_queue (
	seq             INTEGER PRIMARY KEY AUTOINCREMENT,
	id              TEXT NOT NULL UNIQUE,
	type            TEXT NOT NULL,
	payload         BLOB NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	max_retries     INTEGER NOT NULL,
	state           TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	next_attempt_at INTEGER NOT NULL,
	last_error      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sync_queue_state_seq ON sync_queue (state, seq);
`

// storage persists entries in a single SQLite file. Times are unix millis.
type storage struct {
	sqlDB *sql.DB
}

func openStorage(path string) (*storage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sync queue path is required")
	}
	cleanPath := filepath.Clean(path)
	if dir := filepath.Dir(cleanPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sync queue dir: %w", err)
		}
	}
	dsn := "file:" + cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One writer; keeps FIFO claims serialized.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(schema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("create sync queue schema: %w", err)
	}
	return &storage{sqlDB: sqlDB}, nil
}

func (s *storage) close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// insert is idempotent on id: a second insert with the same id is a no-op.
func (s *storage) insert(ctx context.Context, e Entry) (bool, error) {
	res, err := s.sqlDB.ExecContext(ctx, `
INSERT OR IGNORE INTO sync_queue (id, type, payload, attempts, max_retries, state, created_at, next_attempt_at, last_error)
VALUES (?, ?, ?, 0, ?, ?, ?, ?, '')
`,
		e.ID,
		e.Type,
		[]byte(e.Payload),
		e.MaxRetries,
		string(StatePending),
		e.CreatedAt.UTC().UnixMilli(),
		e.CreatedAt.UTC().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("insert sync entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert sync entry: %w", err)
	}
	return n == 1, nil
}

// resetInFlight returns entries interrupted by a crash to pending.
func (s *storage) resetInFlight(ctx context.Context) (int64, error) {
	res, err := s.sqlDB.ExecContext(ctx, `UPDATE sync_queue SET state = ? WHERE state = ?`, string(StatePending), string(StateInFlight))
	if err != nil {
		return 0, fmt.Errorf("reset in-flight entries: %w", err)
	}
	return res.RowsAffected()
}

// head returns the oldest non-failed entry.
func (s *storage) head(ctx context.Context) (*Entry, error) {
	row := s.sqlDB.QueryRowContext(ctx, selectEntry+`
WHERE state != ?
ORDER BY seq ASC
LIMIT 1
`, string(StateFailed))
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (s *storage) get(ctx context.Context, id string) (*Entry, error) {
	row := s.sqlDB.QueryRowContext(ctx, selectEntry+` WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEntryNotFound
	}
	return e, err
}

func (s *storage) setState(ctx context.Context, id string, state State) error {
	_, err := s.sqlDB.ExecContext(ctx, `UPDATE sync_queue SET state = ? WHERE id = ?`, string(state), id)
	if err != nil {
		return fmt.Errorf("set sync entry state: %w", err)
	}
	return nil
}

func (s *storage) recordFailure(ctx context.Context, id string, attempts int, state State, next time.Time, lastError string) error {
	_, err := s.sqlDB.ExecContext(ctx, `
UPDATE sync_queue
SET attempts = ?, state = ?, next_attempt_at = ?, last_error = ?
WHERE id = ?
`, attempts, string(state), next.UTC().UnixMilli(), lastError, id)
	if err != nil {
		return fmt.Errorf("record sync failure: %w", err)
	}
	return nil
}

func (s *storage) delete(ctx context.Context, id string) error {
	_, err := s.sqlDB.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete sync entry: %w", err)
	}
	return nil
}

// deleteFailed removes id only if it is failed; false means nothing matched.
func (s *storage) deleteFailed(ctx context.Context, id string) (bool, error) {
	res, err := s.sqlDB.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ? AND state = ?`, id, string(StateFailed))
	if err != nil {
		return false, fmt.Errorf("discard sync entry: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// requeueFailed moves a failed entry back to pending with attempts reset.
// It keeps its seq, so it drains in its original position.
func (s *storage) requeueFailed(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.sqlDB.ExecContext(ctx, `
UPDATE sync_queue
SET state = ?, attempts = 0, next_attempt_at = ?, last_error = ''
WHERE id = ? AND state = ?
`, string(StatePending), now.UTC().UnixMilli(), id, string(StateFailed))
	if err != nil {
		return false, fmt.Errorf("retry sync entry: %w", err)
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *storage) listByState(ctx context.Context, state State) ([]Entry, error) {
	rows, err := s.sqlDB.QueryContext(ctx, selectEntry+`
WHERE state = ?
ORDER BY seq ASC
`, string(state))
	if err != nil {
		return nil, fmt.Errorf("list sync entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sync entries: %w", err)
	}
	return out, nil
}

func (s *storage) counts(ctx context.Context) (pending, failed int, err error) {
	err = s.sqlDB.QueryRowContext(ctx, `
SELECT
	COALESCE(SUM(CASE WHEN state != ? THEN 1 ELSE 0 END), 0),
	COALESCE(SUM(CASE WHEN state = ? THEN 1 ELSE 0 END), 0)
FROM sync_queue
`, string(StateFailed), string(StateFailed)).Scan(&pending, &failed)
	if err != nil {
		return 0, 0, fmt.Errorf("count sync entries: %w", err)
	}
	return pending, failed, nil
}

const selectEntry = `
SELECT seq, id, type, payload, attempts, max_retries, state, created_at, next_attempt_at, last_error
FROM sync_queue`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var (
		e         Entry
		payload   []byte
		state     string
		createdAt int64
		nextAt    int64
	)
	if err := row.Scan(&e.Seq, &e.ID, &e.Type, &payload, &e.Attempts, &e.MaxRetries, &state, &createdAt, &nextAt, &e.LastError); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan sync entry: %w", err)
	}
	e.Payload = payload
	e.State = State(state)
	e.CreatedAt = time.UnixMilli(createdAt).UTC()
	e.NextAttemptAt = time.UnixMilli(nextAt).UTC()
	return &e, nil
}
