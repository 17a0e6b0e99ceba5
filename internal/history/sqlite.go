package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS dispatch_attempts (
  id          TEXT PRIMARY KEY,
  event_id    TEXT NOT NULL,
  rule        TEXT NOT NULL,
  target      TEXT NOT NULL,
  status_code INTEGER,
  result      TEXT NOT NULL,
  error       TEXT,
  outcome     TEXT NOT NULL,
  created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dispatch_attempts_created
  ON dispatch_attempts(created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_dispatch_attempts_event
  ON dispatch_attempts(event_id, created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_dispatch_attempts_rule
  ON dispatch_attempts(rule, target, created_at DESC, id DESC);
`

// SQLiteStore persists the attempt trail in a local sqlite database.
type SQLiteStore struct {
	db *sql.DB

	nowFn           func() time.Time
	retentionMaxAge time.Duration
	pruneInterval   time.Duration
	pruneMu         sync.Mutex
	lastPrune       time.Time
}

var _ Store = (*SQLiteStore)(nil)

type SQLiteOption func(*SQLiteStore)

func WithSQLiteNowFunc(now func() time.Time) SQLiteOption {
	return func(s *SQLiteStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

// WithSQLiteRetention drops attempts older than maxAge, checked at most once
// per pruneInterval.
func WithSQLiteRetention(maxAge, pruneInterval time.Duration) SQLiteOption {
	return func(s *SQLiteStore) {
		if maxAge > 0 {
			s.retentionMaxAge = maxAge
		}
		if pruneInterval > 0 {
			s.pruneInterval = pruneInterval
		}
	}
}

func NewSQLiteStore(dbPath string, opts ...SQLiteOption) (*SQLiteStore, error) {
	dbPath = strings.TrimSpace(dbPath)
	if dbPath == "" {
		return nil, errors.New("empty db path")
	}

	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:            db,
		nowFn:         time.Now,
		pruneInterval: time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	ctx := context.Background()

	var journalMode string
	if err := s.db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL;").Scan(&journalMode); err != nil {
		return fmt.Errorf("sqlite: set journal_mode=wal: %w", err)
	}
	if strings.ToLower(journalMode) != "wal" {
		return fmt.Errorf("sqlite: journal_mode=%q, want wal", journalMode)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout=5000;"); err != nil {
		return fmt.Errorf("sqlite: set busy_timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("sqlite: create schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Record(attempt Attempt) error {
	normalizeAttempt(&attempt, s.nowFn)
	s.maybePrune()

	var statusCode any
	if attempt.StatusCode > 0 {
		statusCode = attempt.StatusCode
	}
	var errVal any
	if attempt.Error != "" {
		errVal = attempt.Error
	}

	_, err := s.db.ExecContext(context.Background(), `
INSERT INTO dispatch_attempts (
  id, event_id, rule, target, status_code, result, error, outcome, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
		attempt.ID,
		attempt.EventID,
		attempt.Rule,
		attempt.Target,
		statusCode,
		attempt.Result,
		errVal,
		string(attempt.Outcome),
		attempt.CreatedAt.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) List(req ListRequest) (ListResponse, error) {
	limit := clampLimit(req.Limit)

	query := `
SELECT id, event_id, rule, target, status_code, result, error, outcome, created_at
FROM dispatch_attempts
WHERE 1 = 1`
	args := make([]any, 0, 6)
	if req.Rule != "" {
		query += " AND rule = ?"
		args = append(args, req.Rule)
	}
	if req.Target != "" {
		query += " AND target = ?"
		args = append(args, req.Target)
	}
	if req.EventID != "" {
		query += " AND event_id = ?"
		args = append(args, req.EventID)
	}
	if req.Outcome != "" {
		query += " AND outcome = ?"
		args = append(args, string(req.Outcome))
	}
	if !req.Before.IsZero() {
		query += " AND created_at < ?"
		args = append(args, req.Before.UnixNano())
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(context.Background(), query, args...)
	if err != nil {
		return ListResponse{}, err
	}
	defer rows.Close()

	items := make([]Attempt, 0, limit)
	for rows.Next() {
		item, err := scanAttempt(rows)
		if err != nil {
			return ListResponse{}, err
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return ListResponse{}, err
	}
	return ListResponse{Items: items}, nil
}

func (s *SQLiteStore) Stats() (Stats, error) {
	rows, err := s.db.QueryContext(context.Background(), `
SELECT outcome, COUNT(*) FROM dispatch_attempts GROUP BY outcome;
`)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()

	var st Stats
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			return Stats{}, err
		}
		st.Total += n
		switch Outcome(outcome) {
		case OutcomeDelivered:
			st.Delivered += n
		case OutcomeFailed:
			st.Failed += n
		}
	}
	return st, rows.Err()
}

func (s *SQLiteStore) maybePrune() {
	if s.retentionMaxAge <= 0 {
		return
	}
	now := s.nowFn()

	s.pruneMu.Lock()
	if !s.lastPrune.IsZero() && now.Sub(s.lastPrune) < s.pruneInterval {
		s.pruneMu.Unlock()
		return
	}
	s.lastPrune = now
	s.pruneMu.Unlock()

	cutoff := now.Add(-s.retentionMaxAge).UnixNano()
	_, _ = s.db.ExecContext(context.Background(),
		"DELETE FROM dispatch_attempts WHERE created_at < ?;", cutoff)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(r rowScanner) (Attempt, error) {
	var item Attempt
	var createdAtNanos int64
	var statusCode sql.NullInt64
	var errText sql.NullString
	var outcome string

	if err := r.Scan(
		&item.ID,
		&item.EventID,
		&item.Rule,
		&item.Target,
		&statusCode,
		&item.Result,
		&errText,
		&outcome,
		&createdAtNanos,
	); err != nil {
		return Attempt{}, err
	}
	if statusCode.Valid {
		item.StatusCode = int(statusCode.Int64)
	}
	if errText.Valid {
		item.Error = errText.String
	}
	item.Outcome = Outcome(outcome)
	item.CreatedAt = time.Unix(0, createdAtNanos).UTC()
	return item, nil
}
