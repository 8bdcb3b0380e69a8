package state

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/megannissel/invest-routedem-tfa-range/internal/testutil"
	"github.com/megannissel/invest-routedem-tfa-range/pkg/core"
)

func newMockStore(t *testing.T) (*SQLiteStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	store := NewSQLiteStoreFromDB(db, testutil.NewTestLogger(t))
	t.Cleanup(func() {
		mock.ExpectClose()
		_ = store.Close()
		assert.NoError(t, mock.ExpectationsWereMet())
	})
	return store, mock
}

var runCols = []string{"id", "workspace", "options", "status", "started_at", "completed_at", "error"}

func TestSQLiteStore_DatabaseErrors(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(mock sqlmock.Sqlmock)
		call      func(s *SQLiteStore) error
		errMsg    string
	}{
		{
			name: "create run",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO runs").WillReturnError(assert.AnError)
			},
			call: func(s *SQLiteStore) error {
				_, err := s.CreateRun("/ws", "")
				return err
			},
			errMsg: "failed to create run",
		},
		{
			name: "list runs",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("SELECT (.+) FROM runs").WillReturnError(assert.AnError)
			},
			call: func(s *SQLiteStore) error {
				_, err := s.ListRuns(5)
				return err
			},
			errMsg: "failed to list runs",
		},
		{
			name: "complete run",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("UPDATE runs SET status").WillReturnError(assert.AnError)
			},
			call: func(s *SQLiteStore) error {
				return s.CompleteRun("r1", core.RunStatusCompleted, "")
			},
			errMsg: "failed to complete run",
		},
		{
			name: "record task run",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO task_runs").WillReturnError(assert.AnError)
			},
			call: func(s *SQLiteStore) error {
				return s.RecordTaskRun(&core.TaskRun{RunID: "r1", TaskKey: "fill_pits"})
			},
			errMsg: "failed to record task run fill_pits",
		},
		{
			name: "put cache entry",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO task_cache").WillReturnError(assert.AnError)
			},
			call: func(s *SQLiteStore) error {
				return s.PutCacheEntry(&core.CacheEntry{Key: "slope"})
			},
			errMsg: "failed to put cache entry",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store, mock := newMockStore(t)
			tt.setupMock(mock)

			err := tt.call(store)
			require.Error(t, err)
			assert.ErrorIs(t, err, assert.AnError)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestSQLiteStore_CompleteRun_NoRowsAffected(t *testing.T) {
	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE runs SET status").WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.CompleteRun("gone", core.RunStatusFailed, "boom")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStore_CorruptRows(t *testing.T) {
	t.Run("bad timestamp", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("SELECT (.+) FROM runs").
			WillReturnRows(sqlmock.NewRows(runCols).AddRow("r1", "/ws", "{}", "completed", "yesterday", nil, nil))

		_, err := store.ListRuns(1)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid timestamp")
	})

	t.Run("bad cache outputs", func(t *testing.T) {
		store, mock := newMockStore(t)
		mock.ExpectQuery("SELECT (.+) FROM task_cache").
			WillReturnRows(sqlmock.NewRows([]string{"task_key", "stage", "input_digest", "outputs", "completed_at"}).
				AddRow("slope", "slope", "abc", "not json", formatTime(time.Now())))

		_, err := store.GetCacheEntry("slope")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "corrupt cache entry slope")
	})
}
