// Package ledger stores durable per-repository bookkeeping of update runs.
//
// One RunRecord is kept per GitHub repository id.
// It records when the repository was last processed and which pull requests
// were opened by helperbot recently.
// The timestamp drives the at-most-one-run-per-day throttle, the pull request
// numbers are used to recognize the bot's own PRs when stale ones are closed.
package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
	"go.uber.org/zap"
	sqlite "modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"

	"github.com/repo-helper/helperbot/internal/logfields"
)

const loggerName = "ledger"

// maxRecentPRs bounds the per-repository history of pull request numbers.
const maxRecentPRs = 10

// maxWriteAttempts bounds how often a write is retried when the database
// reports a locking conflict.
const maxWriteAttempts = 10

const writeRetryInitialInterval = 10 * time.Millisecond

const schema = `
CREATE TABLE IF NOT EXISTS repositories (
	id INTEGER PRIMARY KEY,
	owner TEXT NOT NULL,
	name TEXT NOT NULL,
	last_run_at INTEGER NOT NULL DEFAULT 0,
	recent_pr_numbers TEXT NOT NULL DEFAULT '[]'
);
`

// RunRecord is the persisted state of one repository.
type RunRecord struct {
	ID    int64
	Owner string
	Name  string
	// LastRunAt is the time of the last run that reached the pull request
	// decision step. The zero value means the repository was never
	// processed.
	LastRunAt time.Time
	// RecentPRNumbers contains up to maxRecentPRs pull request numbers
	// opened by helperbot, newest first.
	RecentPRNumbers []int
}

func (r *RunRecord) FullName() string {
	return fmt.Sprintf("%s/%s", r.Owner, r.Name)
}

// HasRecentPR returns true when prNumber is in the record's pull request
// history.
func (r *RunRecord) HasRecentPR(prNumber int) bool {
	for _, nr := range r.RecentPRNumbers {
		if nr == prNumber {
			return true
		}
	}

	return false
}

// Ledger provides access to the RunRecord storage.
// All write operations are retried on lock contention, other storage errors
// fail immediately.
type Ledger struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens or creates the SQLite database at path and applies the schema.
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 100"); err != nil {
		return nil, errors.Join(err, db.Close())
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, errors.Join(fmt.Errorf("applying schema failed: %w", err), db.Close())
	}

	return &Ledger{
		db:     db,
		logger: zap.L().Named(loggerName),
	}, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

// GetOrCreate returns the RunRecord for the repository id, creating it when
// the repository is encountered for the first time.
// Owner and name of an existing record are updated in place so that renames
// and transfers are tracked.
func (l *Ledger) GetOrCreate(ctx context.Context, id int64, owner, name string) (*RunRecord, error) {
	err := l.withWriteRetry(ctx, func() error {
		_, err := l.db.ExecContext(ctx, `
			INSERT INTO repositories (id, owner, name)
			VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				owner = excluded.owner,
				name = excluded.name
		`, id, owner, name)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("upserting repository record failed: %w", err)
	}

	return l.get(ctx, id)
}

func (l *Ledger) get(ctx context.Context, id int64) (*RunRecord, error) {
	var rec RunRecord
	var lastRunAt int64
	var prNumbersJSON string

	row := l.db.QueryRowContext(ctx, `
		SELECT id, owner, name, last_run_at, recent_pr_numbers
		FROM repositories WHERE id = ?
	`, id)

	err := row.Scan(&rec.ID, &rec.Owner, &rec.Name, &lastRunAt, &prNumbersJSON)
	if err != nil {
		return nil, err
	}

	if lastRunAt != 0 {
		rec.LastRunAt = time.Unix(lastRunAt, 0)
	}

	if err := json.Unmarshal([]byte(prNumbersJSON), &rec.RecentPRNumbers); err != nil {
		return nil, fmt.Errorf("decoding recent_pr_numbers of repository %d failed: %w", id, err)
	}

	return &rec, nil
}

// IsDue returns true when an update run should be started for the record.
// A repository is due when force is set, when it was never processed or when
// the last run happened on an earlier calendar day than now.
func IsDue(rec *RunRecord, force bool, now time.Time) bool {
	if force {
		return true
	}

	if rec.LastRunAt.IsZero() {
		return true
	}

	y1, m1, d1 := rec.LastRunAt.Date()
	y2, m2, d2 := now.Date()

	return y1 != y2 || m1 != m2 || d1 != d2
}

// RecordPROpened prepends prNumber to the record's pull request history and
// truncates it to the newest maxRecentPRs entries.
// The stored history is re-read and rewritten in one transaction, concurrent
// writers of the same repository can not overwrite each other's entries.
func (l *Ledger) RecordPROpened(ctx context.Context, rec *RunRecord, prNumber int) error {
	var numbers []int

	err := l.withWriteRetry(ctx, func() error {
		tx, err := l.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		var storedJSON string

		err = tx.QueryRowContext(ctx, `
			SELECT recent_pr_numbers FROM repositories WHERE id = ?
		`, rec.ID).Scan(&storedJSON)
		if err != nil {
			return err
		}

		var stored []int
		if err := json.Unmarshal([]byte(storedJSON), &stored); err != nil {
			return fmt.Errorf("decoding recent_pr_numbers of repository %d failed: %w", rec.ID, err)
		}

		numbers = append([]int{prNumber}, stored...)
		if len(numbers) > maxRecentPRs {
			numbers = numbers[:maxRecentPRs]
		}

		encoded, err := json.Marshal(numbers)
		if err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE repositories SET recent_pr_numbers = ? WHERE id = ?
		`, string(encoded), rec.ID); err != nil {
			return err
		}

		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("storing pull request number failed: %w", err)
	}

	rec.RecentPRNumbers = numbers

	l.logger.Debug(
		"pull request number recorded",
		logfields.Event("ledger_pr_recorded"),
		logfields.Repository(rec.Name),
		logfields.RepositoryOwner(rec.Owner),
		logfields.PullRequest(prNumber),
	)

	return nil
}

// RecordRunCompleted sets the last-run timestamp of the record.
func (l *Ledger) RecordRunCompleted(ctx context.Context, rec *RunRecord, at time.Time) error {
	err := l.withWriteRetry(ctx, func() error {
		_, err := l.db.ExecContext(ctx, `
			UPDATE repositories SET last_run_at = ? WHERE id = ?
		`, at.Unix(), rec.ID)
		return err
	})
	if err != nil {
		return fmt.Errorf("storing last-run timestamp failed: %w", err)
	}

	rec.LastRunAt = at

	return nil
}

// withWriteRetry runs op and retries it with exponential backoff while it
// fails with a locking conflict, up to maxWriteAttempts attempts.
// Non-conflict errors are returned immediately.
func (l *Ledger) withWriteRetry(ctx context.Context, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = writeRetryInitialInterval

	for attempt := 1; ; attempt++ {
		err := op()
		if err == nil {
			return nil
		}

		if !isContentionErr(err) {
			return err
		}

		if attempt == maxWriteAttempts {
			return fmt.Errorf("giving up after %d attempts: %w", maxWriteAttempts, err)
		}

		retryIn := bo.NextBackOff()

		l.logger.Debug(
			"ledger write failed with lock contention, retrying",
			logfields.Event("ledger_write_contention"),
			zap.Int("attempt", attempt),
			zap.Duration("retry_in", retryIn),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryIn):
		}
	}
}

func isContentionErr(err error) bool {
	var sqliteErr *sqlite.Error

	if !errors.As(err, &sqliteErr) {
		return false
	}

	switch sqliteErr.Code() & 0xff {
	case sqlitelib.SQLITE_BUSY, sqlitelib.SQLITE_LOCKED:
		return true
	}

	return false
}
