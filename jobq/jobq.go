// Package jobq is a durable priority queue with visibility timeouts, backed
// by SQLite.
//
// A claimed job is hidden for the visibility duration. The holder acks it
// when done; if the holder dies the job reappears and can be claimed again.
// Claims take the visible job with the highest priority, and within a
// priority the one published first.
//
// Each operation is a single SQL statement, so the table itself is the only
// lock: slow work (assessment calls, storage I/O) never runs inside it.
//
// Schema (applied with dbopen.WithSchema(jobq.Schema)):
//
//	CREATE TABLE IF NOT EXISTS jobq_jobs (
//	    id          TEXT PRIMARY KEY,
//	    queue       TEXT NOT NULL DEFAULT '',
//	    priority    INTEGER NOT NULL DEFAULT 0,
//	    seq         INTEGER NOT NULL,
//	    payload     BLOB,
//	    visible_at  INTEGER NOT NULL DEFAULT 0,  -- ms since epoch
//	    created_at  INTEGER NOT NULL,            -- ms since epoch
//	    attempts    INTEGER NOT NULL DEFAULT 0
//	);
package jobq

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"
)

// Schema is the queue DDL.
const Schema = `
CREATE TABLE IF NOT EXISTS jobq_jobs (
    id          TEXT PRIMARY KEY,
    queue       TEXT NOT NULL DEFAULT '',
    priority    INTEGER NOT NULL DEFAULT 0,
    seq         INTEGER NOT NULL,
    payload     BLOB,
    visible_at  INTEGER NOT NULL DEFAULT 0,
    created_at  INTEGER NOT NULL,
    attempts    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_jobq_claim ON jobq_jobs (queue, priority DESC, seq);
`

// Job is a row in the queue.
type Job struct {
	ID        string
	Queue     string
	Priority  int
	Payload   []byte
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
}

// Options configures a queue handle.
type Options struct {
	// Queue is the logical queue name; several queues can share the table.
	Queue string
	// Visibility is how long a claimed job stays hidden. Default: 5m.
	Visibility time.Duration
	// Now overrides the clock.
	Now    func() time.Time
	Logger *slog.Logger
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 5 * time.Minute
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Q is a queue handle.
type Q struct {
	db    *sql.DB
	opts  Options
	ready chan struct{}
}

// New returns a handle on db. The table must exist.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts, ready: make(chan struct{}, 1)}
}

// Ready is signalled after every Publish and Nack in this process so a
// consumer can claim without waiting for its next poll.
func (q *Q) Ready() <-chan struct{} { return q.ready }

func (q *Q) notify() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Publish adds a job that becomes visible after delay. Publishing an ID that
// is already queued replaces it and moves it to the back of its priority.
func (q *Q) Publish(ctx context.Context, id string, priority int, payload []byte, delay time.Duration) error {
	now := q.opts.Now()
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO jobq_jobs (id, queue, priority, seq, payload, visible_at, created_at, attempts)
		VALUES (?, ?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM jobq_jobs), ?, ?, ?, 0)
		ON CONFLICT(id) DO UPDATE SET
			queue = excluded.queue,
			priority = excluded.priority,
			seq = excluded.seq,
			payload = excluded.payload,
			visible_at = excluded.visible_at`,
		id, q.opts.Queue, priority, payload, now.Add(delay).UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return err
	}
	q.notify()
	return nil
}

const jobColumns = `id, queue, priority, payload, visible_at, created_at, attempts`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var j Job
	var visAt, creAt int64
	if err := row.Scan(&j.ID, &j.Queue, &j.Priority, &j.Payload, &visAt, &creAt, &j.Attempts); err != nil {
		return nil, err
	}
	j.VisibleAt = time.UnixMilli(visAt)
	j.CreatedAt = time.UnixMilli(creAt)
	return &j, nil
}

// Claim hides and returns the next visible job: highest priority first, then
// publish order. It returns nil, nil when nothing is visible.
func (q *Q) Claim(ctx context.Context) (*Job, error) {
	now := q.opts.Now()
	j, err := scanJob(q.db.QueryRowContext(ctx, `
		UPDATE jobq_jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM jobq_jobs
			WHERE queue = ? AND visible_at <= ?
			ORDER BY priority DESC, seq ASC
			LIMIT 1
		)
		RETURNING `+jobColumns,
		now.Add(q.opts.Visibility).UnixMilli(), q.opts.Queue, now.UnixMilli(),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// Get returns a job without claiming it, or nil if it is not queued.
func (q *Q) Get(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(q.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobq_jobs WHERE id = ? AND queue = ?`, id, q.opts.Queue))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return j, err
}

// Ack deletes a processed job.
func (q *Q) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM jobq_jobs WHERE id = ? AND queue = ?`, id, q.opts.Queue)
	return err
}

// Remove deletes a job whether or not it is claimed and reports whether it
// was present.
func (q *Q) Remove(ctx context.Context, id string) (bool, error) {
	res, err := q.db.ExecContext(ctx,
		`DELETE FROM jobq_jobs WHERE id = ? AND queue = ?`, id, q.opts.Queue)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Nack gives up a claim: the job becomes visible again after delay and keeps
// its place in publish order.
func (q *Q) Nack(ctx context.Context, id string, delay time.Duration) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE jobq_jobs SET visible_at = ? WHERE id = ? AND queue = ?`,
		q.opts.Now().Add(delay).UnixMilli(), id, q.opts.Queue)
	if err == nil {
		q.notify()
	}
	return err
}

// Extend keeps a claimed job hidden for extra more time.
func (q *Q) Extend(ctx context.Context, id string, extra time.Duration) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE jobq_jobs SET visible_at = ? WHERE id = ? AND queue = ?`,
		q.opts.Now().Add(extra).UnixMilli(), id, q.opts.Queue)
	return err
}

// Len returns the number of jobs, visible or not.
func (q *Q) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobq_jobs WHERE queue = ?`, q.opts.Queue).Scan(&n)
	return n, err
}
