package ledger

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	return openTestLedgerAt(t, filepath.Join(t.TempDir(), "helperbot.sqlite"))
}

func openTestLedgerAt(t *testing.T, path string) *Ledger {
	t.Helper()
	t.Cleanup(zap.ReplaceGlobals(zaptest.NewLogger(t).Named(t.Name())))

	ledger, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, ledger.Close()) })

	return ledger
}

// lockDatabase opens a second connection to the database at path and holds an
// exclusive write transaction on it until the returned function is called.
func lockDatabase(t *testing.T, path string) func() {
	t.Helper()

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)

	conn, err := db.Conn(context.Background())
	require.NoError(t, err)

	_, err = conn.ExecContext(context.Background(), "BEGIN IMMEDIATE")
	require.NoError(t, err)

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
			_ = conn.Close()
			_ = db.Close()
		})
	}
	t.Cleanup(unlock)

	return unlock
}

func TestGetOrCreateIsIdempotent(t *testing.T) {
	ledger := openTestLedger(t)
	ctx := context.Background()

	rec, err := ledger.GetOrCreate(ctx, 42, "acme", "widgets")
	require.NoError(t, err)
	assert.Equal(t, int64(42), rec.ID)
	assert.Equal(t, "acme/widgets", rec.FullName())
	assert.True(t, rec.LastRunAt.IsZero())
	assert.Empty(t, rec.RecentPRNumbers)

	require.NoError(t, ledger.RecordPROpened(ctx, rec, 101))

	// same id with changed owner/name updates in place, history survives
	rec2, err := ledger.GetOrCreate(ctx, 42, "acme-inc", "widgets-ng")
	require.NoError(t, err)
	assert.Equal(t, "acme-inc/widgets-ng", rec2.FullName())
	assert.Equal(t, []int{101}, rec2.RecentPRNumbers)
}

func TestIsDue(t *testing.T) {
	now := time.Date(2024, time.March, 1, 15, 4, 5, 0, time.UTC)

	testcases := []struct {
		name      string
		lastRunAt time.Time
		force     bool
		expected  bool
	}{
		{name: "neverRan", expected: true},
		{name: "sameDay", lastRunAt: now.Add(-2 * time.Hour), expected: false},
		{name: "previousDay", lastRunAt: now.AddDate(0, 0, -1), expected: true},
		{name: "sameDayAndMonthPreviousYear", lastRunAt: now.AddDate(-1, 0, 0), expected: true},
		{name: "forcedSameDay", lastRunAt: now.Add(-time.Minute), force: true, expected: true},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			rec := RunRecord{ID: 1, LastRunAt: tc.lastRunAt}
			assert.Equal(t, tc.expected, IsDue(&rec, tc.force, now))
		})
	}
}

func TestRecentPRNumbersAreBounded(t *testing.T) {
	ledger := openTestLedger(t)
	ctx := context.Background()

	rec, err := ledger.GetOrCreate(ctx, 1, "acme", "widgets")
	require.NoError(t, err)

	for nr := 1; nr <= 11; nr++ {
		require.NoError(t, ledger.RecordPROpened(ctx, rec, nr))
	}

	expected := []int{11, 10, 9, 8, 7, 6, 5, 4, 3, 2}
	assert.Equal(t, expected, rec.RecentPRNumbers)

	// the persisted state matches the in-memory record
	stored, err := ledger.GetOrCreate(ctx, 1, "acme", "widgets")
	require.NoError(t, err)
	assert.Equal(t, expected, stored.RecentPRNumbers)
}

func TestRecordRunCompletedIsPersisted(t *testing.T) {
	ledger := openTestLedger(t)
	ctx := context.Background()

	rec, err := ledger.GetOrCreate(ctx, 7, "acme", "widgets")
	require.NoError(t, err)

	at := time.Date(2024, time.June, 10, 8, 0, 0, 0, time.UTC)
	require.NoError(t, ledger.RecordRunCompleted(ctx, rec, at))

	stored, err := ledger.GetOrCreate(ctx, 7, "acme", "widgets")
	require.NoError(t, err)
	assert.Equal(t, at.Unix(), stored.LastRunAt.Unix())
	assert.False(t, IsDue(stored, false, at.Add(time.Hour)))
}

func TestWriteSucceedsAfterLockIsReleased(t *testing.T) {
	path := filepath.Join(t.TempDir(), "helperbot.sqlite")
	ledger := openTestLedgerAt(t, path)
	ctx := context.Background()

	rec, err := ledger.GetOrCreate(ctx, 3, "acme", "widgets")
	require.NoError(t, err)

	unlock := lockDatabase(t, path)
	time.AfterFunc(150*time.Millisecond, unlock)

	at := time.Date(2024, time.June, 10, 8, 0, 0, 0, time.UTC)
	require.NoError(t, ledger.RecordRunCompleted(ctx, rec, at))

	stored, err := ledger.GetOrCreate(ctx, 3, "acme", "widgets")
	require.NoError(t, err)
	assert.Equal(t, at.Unix(), stored.LastRunAt.Unix())
}

func TestWriteGivesUpWhenLockIsHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "helperbot.sqlite")
	ledger := openTestLedgerAt(t, path)
	ctx := context.Background()

	rec, err := ledger.GetOrCreate(ctx, 3, "acme", "widgets")
	require.NoError(t, err)

	// never released while the writes run
	lockDatabase(t, path)

	err = ledger.RecordRunCompleted(ctx, rec, time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "giving up after 10 attempts")
	assert.True(t, rec.LastRunAt.IsZero())
}

func TestWriteFailsFastOnNonContentionError(t *testing.T) {
	ledger := openTestLedger(t)

	calls := 0
	wantErr := errors.New("disk I/O error")

	err := ledger.withWriteRetry(context.Background(), func() error {
		calls++
		return wantErr
	})

	require.ErrorIs(t, err, wantErr)
	assert.Equal(t, 1, calls)

	// sqlite errors other than BUSY/LOCKED are not treated as contention
	_, err = ledger.db.Exec(`INSERT INTO repositories (id) VALUES (1)`)
	require.Error(t, err)
	assert.False(t, isContentionErr(err))
}

func TestRecordPROpenedMergesConcurrentHistories(t *testing.T) {
	path := filepath.Join(t.TempDir(), "helperbot.sqlite")
	ledgerA := openTestLedgerAt(t, path)
	ledgerB := openTestLedgerAt(t, path)
	ctx := context.Background()

	// both read the record before either writes
	recA, err := ledgerA.GetOrCreate(ctx, 9, "acme", "widgets")
	require.NoError(t, err)
	recB, err := ledgerB.GetOrCreate(ctx, 9, "acme", "widgets")
	require.NoError(t, err)

	require.NoError(t, ledgerA.RecordPROpened(ctx, recA, 101))
	require.NoError(t, ledgerB.RecordPROpened(ctx, recB, 102))

	assert.Equal(t, []int{102, 101}, recB.RecentPRNumbers)

	stored, err := ledgerA.GetOrCreate(ctx, 9, "acme", "widgets")
	require.NoError(t, err)
	assert.Equal(t, []int{102, 101}, stored.RecentPRNumbers)
}
