package history

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS dispatch_attempts (
  id          TEXT PRIMARY KEY,
  event_id    TEXT NOT NULL,
  rule        TEXT NOT NULL,
  target      TEXT NOT NULL,
  status_code INTEGER,
  result      TEXT NOT NULL,
  error       TEXT,
  outcome     TEXT NOT NULL,
  created_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_dispatch_attempts_created
  ON dispatch_attempts(created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_dispatch_attempts_event
  ON dispatch_attempts(event_id, created_at DESC, id DESC);
CREATE INDEX IF NOT EXISTS idx_dispatch_attempts_rule
  ON dispatch_attempts(rule, target, created_at DESC, id DESC);
`

// PostgresStore persists the attempt trail in postgres, for deployments where
// several rulepost instances share one trail.
type PostgresStore struct {
	db *sql.DB

	nowFn           func() time.Time
	retentionMaxAge time.Duration
	pruneInterval   time.Duration
	pruneMu         sync.Mutex
	lastPrune       time.Time
}

var _ Store = (*PostgresStore)(nil)

type PostgresOption func(*PostgresStore)

func WithPostgresNowFunc(now func() time.Time) PostgresOption {
	return func(s *PostgresStore) {
		if now != nil {
			s.nowFn = now
		}
	}
}

func WithPostgresRetention(maxAge, pruneInterval time.Duration) PostgresOption {
	return func(s *PostgresStore) {
		if maxAge > 0 {
			s.retentionMaxAge = maxAge
		}
		if pruneInterval > 0 {
			s.pruneInterval = pruneInterval
		}
	}
}

func NewPostgresStore(dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty postgres dsn")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := &PostgresStore{
		db:            db,
		nowFn:         time.Now,
		pruneInterval: time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) Record(attempt Attempt) error {
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
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9);
`,
		attempt.ID,
		attempt.EventID,
		attempt.Rule,
		attempt.Target,
		statusCode,
		attempt.Result,
		errVal,
		string(attempt.Outcome),
		attempt.CreatedAt,
	)
	return err
}

func (s *PostgresStore) List(req ListRequest) (ListResponse, error) {
	limit := clampLimit(req.Limit)

	query := `
SELECT id, event_id, rule, target, status_code, result, error, outcome, created_at
FROM dispatch_attempts
WHERE 1 = 1`
	args := make([]any, 0, 6)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if req.Rule != "" {
		query += " AND rule = " + arg(req.Rule)
	}
	if req.Target != "" {
		query += " AND target = " + arg(req.Target)
	}
	if req.EventID != "" {
		query += " AND event_id = " + arg(req.EventID)
	}
	if req.Outcome != "" {
		query += " AND outcome = " + arg(string(req.Outcome))
	}
	if !req.Before.IsZero() {
		query += " AND created_at < " + arg(req.Before)
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT " + arg(limit)

	rows, err := s.db.QueryContext(context.Background(), query, args...)
	if err != nil {
		return ListResponse{}, err
	}
	defer rows.Close()

	items := make([]Attempt, 0, limit)
	for rows.Next() {
		var item Attempt
		var statusCode sql.NullInt64
		var errText sql.NullString
		var outcome string
		var createdAt time.Time

		if err := rows.Scan(
			&item.ID,
			&item.EventID,
			&item.Rule,
			&item.Target,
			&statusCode,
			&item.Result,
			&errText,
			&outcome,
			&createdAt,
		); err != nil {
			return ListResponse{}, err
		}
		if statusCode.Valid {
			item.StatusCode = int(statusCode.Int64)
		}
		if errText.Valid {
			item.Error = errText.String
		}
		item.Outcome = Outcome(outcome)
		item.CreatedAt = createdAt.UTC()
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return ListResponse{}, err
	}
	return ListResponse{Items: items}, nil
}

func (s *PostgresStore) Stats() (Stats, error) {
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

func (s *PostgresStore) maybePrune() {
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

	cutoff := now.Add(-s.retentionMaxAge)
	_, _ = s.db.ExecContext(context.Background(),
		"DELETE FROM dispatch_attempts WHERE created_at < $1;", cutoff)
}
