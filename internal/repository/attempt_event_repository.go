package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-gateway/internal/model"
)

// ErrSnapshotNotFound is returned when an attempt has no stored snapshot.
var ErrSnapshotNotFound = errors.New("snapshot not found")

var attemptEventColumns = []string{
	"id", "attempt_id", "subject", "kind", "from_status", "to_status", "trigger", "detail", "recorded_at",
}

// AttemptEventRepository persists the attempt journal.
type AttemptEventRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptEventRepository creates a new AttemptEventRepository.
func NewAttemptEventRepository(pool *pgxpool.Pool) *AttemptEventRepository {
	return &AttemptEventRepository{pool: pool}
}

// CopyEvents bulk-inserts a batch with COPY.
func (r *AttemptEventRepository) CopyEvents(ctx context.Context, events []model.AttemptEvent) error {
	_, err := r.pool.CopyFrom(ctx,
		pgx.Identifier{"attempt_events"},
		attemptEventColumns,
		pgx.CopyFromSlice(len(events), func(i int) ([]any, error) {
			e := events[i]
			return []any{e.ID, e.AttemptID, e.Subject, string(e.Kind),
				nullable(e.FromStatus), nullable(e.ToStatus), nullable(e.Trigger), detail(e.Detail), e.RecordedAt}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copy attempt events: %w", err)
	}
	return nil
}

// InsertEvent inserts one event, ignoring duplicates of an already stored id.
func (r *AttemptEventRepository) InsertEvent(ctx context.Context, e model.AttemptEvent) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO attempt_events (id, attempt_id, subject, kind, from_status, to_status, trigger, detail, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9)
		 ON CONFLICT (id) DO NOTHING`,
		e.ID, e.AttemptID, e.Subject, string(e.Kind),
		nullable(e.FromStatus), nullable(e.ToStatus), nullable(e.Trigger), detail(e.Detail), e.RecordedAt,
	)
	return err
}

// ListByAttempt returns the journal of one attempt in recording order.
func (r *AttemptEventRepository) ListByAttempt(ctx context.Context, attemptID string, limit int) ([]model.AttemptEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, attempt_id, subject, kind, COALESCE(from_status, ''), COALESCE(to_status, ''),
		        COALESCE(trigger, ''), detail, recorded_at
		 FROM attempt_events
		 WHERE attempt_id = $1
		 ORDER BY recorded_at ASC
		 LIMIT $2`, attemptID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.AttemptEvent
	for rows.Next() {
		var e model.AttemptEvent
		var kind string
		if err := rows.Scan(&e.ID, &e.AttemptID, &e.Subject, &kind, &e.FromStatus, &e.ToStatus,
			&e.Trigger, &e.Detail, &e.RecordedAt); err != nil {
			return nil, err
		}
		e.Kind = model.EventKind(kind)
		events = append(events, e)
	}
	return events, rows.Err()
}

// UpsertSnapshot stores the latest locked ledger of an attempt.
func (r *AttemptEventRepository) UpsertSnapshot(ctx context.Context, s model.AnswerSnapshot) error {
	flags := s.Flags
	if flags == nil {
		flags = []int{}
	}
	answers := s.Answers
	if len(answers) == 0 {
		answers = []byte("{}")
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO attempt_snapshots (attempt_id, evaluation_id, subject, status, answers, flags, locked_at)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)
		 ON CONFLICT (attempt_id) DO UPDATE
		 SET status = EXCLUDED.status, answers = EXCLUDED.answers, flags = EXCLUDED.flags,
		     locked_at = EXCLUDED.locked_at, updated_at = NOW()`,
		s.AttemptID, s.EvaluationID, s.Subject, s.Status, string(answers), flags, s.LockedAt,
	)
	return err
}

// GetSnapshot loads the stored snapshot of an attempt.
func (r *AttemptEventRepository) GetSnapshot(ctx context.Context, attemptID string) (*model.AnswerSnapshot, error) {
	s := &model.AnswerSnapshot{}
	err := r.pool.QueryRow(ctx,
		`SELECT attempt_id, evaluation_id, subject, status, answers, flags, locked_at
		 FROM attempt_snapshots WHERE attempt_id = $1`, attemptID,
	).Scan(&s.AttemptID, &s.EvaluationID, &s.Subject, &s.Status, &s.Answers, &s.Flags, &s.LockedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSnapshotNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return s, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func detail(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
