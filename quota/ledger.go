// Package quota is the per-tenant usage ledger. Work reserves its word and
// character cost with Hold before it starts; the reservation is later either
// committed (the work completed) or released (it failed or was cancelled).
//
// For a tenant and cycle, committed plus held never exceeds the plan
// allowance, and a reservation settles exactly once.
package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Sendient/ai-detector-sub001/dbopen"
	"github.com/Sendient/ai-detector-sub001/idgen"
)

// Schema is the ledger DDL, applied with dbopen.WithSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS quota_reservations (
    id          TEXT PRIMARY KEY,
    tenant_id   TEXT NOT NULL,
    cycle       TEXT NOT NULL,
    words       INTEGER NOT NULL,
    chars       INTEGER NOT NULL,
    state       TEXT NOT NULL DEFAULT 'held',
    unlimited   INTEGER NOT NULL DEFAULT 0,
    reference   TEXT NOT NULL DEFAULT '',
    created_at  INTEGER NOT NULL,
    updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_quota_tenant_cycle ON quota_reservations (tenant_id, cycle, state);
CREATE INDEX IF NOT EXISTS idx_quota_reference ON quota_reservations (reference) WHERE reference != '';
`

// State of a reservation.
type State string

const (
	StateHeld      State = "held"
	StateCommitted State = "committed"
	StateReleased  State = "released"
)

var (
	// ErrQuotaExceeded is returned by Hold when the request does not fit.
	ErrQuotaExceeded = errors.New("quota: exceeded")
	// ErrReservationSettled is returned when committing a released
	// reservation or releasing a committed one.
	ErrReservationSettled = errors.New("quota: reservation already settled")
	// ErrReservationNotFound is returned for unknown reservation IDs.
	ErrReservationNotFound = errors.New("quota: reservation not found")
)

// Reservation is a snapshot of one ledger entry.
type Reservation struct {
	ID        string    `json:"id"`
	TenantID  string    `json:"tenant_id"`
	Cycle     Cycle     `json:"cycle"`
	Words     int64     `json:"words"`
	Chars     int64     `json:"chars"`
	State     State     `json:"state"`
	Unlimited bool      `json:"unlimited"`
	Reference string    `json:"reference,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Usage summarizes a tenant's cycle.
type Usage struct {
	TenantID       string `json:"tenant_id"`
	Cycle          Cycle  `json:"cycle"`
	Plan           Plan   `json:"plan"`
	CommittedWords int64  `json:"committed_words"`
	CommittedChars int64  `json:"committed_chars"`
	HeldWords      int64  `json:"held_words"`
	HeldChars      int64  `json:"held_chars"`
}

// Ledger owns the quota_reservations table. Other components only call its
// methods.
type Ledger struct {
	db     *sql.DB
	plans  PlanSource
	newID  idgen.Generator
	now    func() time.Time
	logger *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithIDGenerator overrides reservation ID generation.
func WithIDGenerator(g idgen.Generator) Option { return func(l *Ledger) { l.newID = g } }

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(l *Ledger) { l.now = now } }

// WithLogger sets the logger.
func WithLogger(log *slog.Logger) Option { return func(l *Ledger) { l.logger = log } }

// NewLedger returns a ledger over db, which must carry Schema.
func NewLedger(db *sql.DB, plans PlanSource, opts ...Option) *Ledger {
	l := &Ledger{
		db:     db,
		plans:  plans,
		newID:  idgen.Prefixed("rsv_", idgen.Default),
		now:    time.Now,
		logger: slog.Default(),
		locks:  make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// lockFor returns the in-process mutex of a tenant+cycle. Atomicity across
// processes comes from the Hold transaction alone.
func (l *Ledger) lockFor(tenantID string, cycle Cycle) *sync.Mutex {
	key := tenantID + "|" + string(cycle)
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	return m
}

// Hold reserves words and chars against the tenant's allowance for cycle.
// It fails with ErrQuotaExceeded when committed + held + requested would
// exceed the allowance on either axis. Unlimited plans always succeed; their
// hold is recorded for audit.
func (l *Ledger) Hold(ctx context.Context, tenantID string, cycle Cycle, words, chars int64) (*Reservation, error) {
	return l.HoldFor(ctx, "", tenantID, cycle, words, chars)
}

// HoldFor is Hold keyed by the work it pays for, typically a document ID.
// While a held or committed reservation with the same reference exists it is
// returned instead of a new one, so re-running an interrupted admission does
// not reserve twice.
func (l *Ledger) HoldFor(ctx context.Context, reference, tenantID string, cycle Cycle, words, chars int64) (*Reservation, error) {
	if words < 0 || chars < 0 {
		return nil, fmt.Errorf("quota: negative request (%d words, %d chars)", words, chars)
	}
	plan, err := l.plans.PlanLimits(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("quota: plan lookup for %s: %w", tenantID, err)
	}

	m := l.lockFor(tenantID, cycle)
	m.Lock()
	defer m.Unlock()

	now := l.now()
	r := &Reservation{
		ID:        l.newID(),
		TenantID:  tenantID,
		Cycle:     cycle,
		Words:     words,
		Chars:     chars,
		State:     StateHeld,
		Unlimited: plan.Unlimited,
		Reference: reference,
		CreatedAt: now,
		UpdatedAt: now,
	}

	var existing string
	err = dbopen.RunTx(ctx, l.db, func(tx *sql.Tx) error {
		if reference != "" {
			err := tx.QueryRowContext(ctx, `
				SELECT id FROM quota_reservations
				WHERE reference = ? AND tenant_id = ? AND state IN ('held', 'committed')
				LIMIT 1`, reference, tenantID).Scan(&existing)
			if err == nil {
				return nil
			}
			if !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("quota: lookup reference: %w", err)
			}
		}
		if !plan.Unlimited {
			var usedWords, usedChars int64
			err := tx.QueryRowContext(ctx, `
				SELECT COALESCE(SUM(words), 0), COALESCE(SUM(chars), 0)
				FROM quota_reservations
				WHERE tenant_id = ? AND cycle = ? AND state IN ('held', 'committed')`,
				tenantID, string(cycle)).Scan(&usedWords, &usedChars)
			if err != nil {
				return fmt.Errorf("quota: sum usage: %w", err)
			}
			if usedWords+words > plan.WordAllowance || usedChars+chars > plan.CharAllowance {
				return fmt.Errorf("%w: tenant %s cycle %s: %d/%d words and %d/%d chars in use, %d words and %d chars requested",
					ErrQuotaExceeded, tenantID, cycle, usedWords, plan.WordAllowance,
					usedChars, plan.CharAllowance, words, chars)
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO quota_reservations (id, tenant_id, cycle, words, chars, state, unlimited, reference, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 'held', ?, ?, ?, ?)`,
			r.ID, tenantID, string(cycle), words, chars, boolInt(plan.Unlimited), reference,
			now.UnixMilli(), now.UnixMilli())
		if err != nil {
			return fmt.Errorf("quota: insert reservation: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if existing != "" {
		return l.Get(ctx, existing)
	}

	l.logger.Debug("quota: hold", "id", r.ID, "tenant", tenantID, "cycle", cycle,
		"words", words, "chars", chars, "unlimited", plan.Unlimited)
	return r, nil
}

// Commit marks a held reservation as consumed. Committing twice is a no-op.
func (l *Ledger) Commit(ctx context.Context, id string) error {
	return l.settle(ctx, id, StateCommitted)
}

// Release returns a held reservation to the allowance. Releasing twice is a
// no-op.
func (l *Ledger) Release(ctx context.Context, id string) error {
	return l.settle(ctx, id, StateReleased)
}

func (l *Ledger) settle(ctx context.Context, id string, to State) error {
	return dbopen.RunTx(ctx, l.db, func(tx *sql.Tx) error {
		var cur string
		err := tx.QueryRowContext(ctx,
			`SELECT state FROM quota_reservations WHERE id = ?`, id).Scan(&cur)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrReservationNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("quota: read reservation: %w", err)
		}
		switch State(cur) {
		case to:
			return nil
		case StateHeld:
		default:
			return fmt.Errorf("%w: %s is %s, cannot become %s", ErrReservationSettled, id, cur, to)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE quota_reservations SET state = ?, updated_at = ? WHERE id = ? AND state = 'held'`,
			string(to), l.now().UnixMilli(), id)
		if err != nil {
			return fmt.Errorf("quota: settle %s: %w", id, err)
		}
		l.logger.Debug("quota: settled", "id", id, "state", to)
		return nil
	})
}

// Get returns a reservation snapshot.
func (l *Ledger) Get(ctx context.Context, id string) (*Reservation, error) {
	var r Reservation
	var cycle, state string
	var unlimited int
	var created, updated int64
	err := l.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, cycle, words, chars, state, unlimited, reference, created_at, updated_at
		FROM quota_reservations WHERE id = ?`, id).
		Scan(&r.ID, &r.TenantID, &cycle, &r.Words, &r.Chars, &state, &unlimited, &r.Reference, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrReservationNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("quota: get %s: %w", id, err)
	}
	r.Cycle = Cycle(cycle)
	r.State = State(state)
	r.Unlimited = unlimited != 0
	r.CreatedAt = time.UnixMilli(created)
	r.UpdatedAt = time.UnixMilli(updated)
	return &r, nil
}

// Usage returns committed and held totals for a tenant's cycle with its
// current plan.
func (l *Ledger) Usage(ctx context.Context, tenantID string, cycle Cycle) (*Usage, error) {
	plan, err := l.plans.PlanLimits(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("quota: plan lookup for %s: %w", tenantID, err)
	}
	u := &Usage{TenantID: tenantID, Cycle: cycle, Plan: plan}
	rows, err := l.db.QueryContext(ctx, `
		SELECT state, COALESCE(SUM(words), 0), COALESCE(SUM(chars), 0)
		FROM quota_reservations
		WHERE tenant_id = ? AND cycle = ? AND state IN ('held', 'committed')
		GROUP BY state`, tenantID, string(cycle))
	if err != nil {
		return nil, fmt.Errorf("quota: usage: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var words, chars int64
		if err := rows.Scan(&state, &words, &chars); err != nil {
			return nil, err
		}
		if State(state) == StateCommitted {
			u.CommittedWords, u.CommittedChars = words, chars
		} else {
			u.HeldWords, u.HeldChars = words, chars
		}
	}
	return u, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
