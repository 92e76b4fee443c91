package storage

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/require"

	"tasklist-api/domain"
)

func newMockStorage(t *testing.T) (*Storage, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	s := NewWithDB(db)
	s.maxElapsed = 200 * time.Millisecond
	return s, mock
}

var taskRowColumns = []string{"id", "description", "value_cents", "deadline", "display_order"}

func TestConfigDSN(t *testing.T) {
	cfg := Config{Host: "db", Port: 3306, User: "app", Password: "secret", Database: "tasks", TLS: true}
	parsed, err := mysql.ParseDSN(cfg.DSN(cfg.Database))
	require.NoError(t, err)
	require.Equal(t, "db:3306", parsed.Addr)
	require.Equal(t, "tasks", parsed.DBName)
	require.True(t, parsed.ParseTime)
	require.True(t, parsed.ClientFoundRows)
	require.Equal(t, "true", parsed.TLSConfig)

	bare, err := mysql.ParseDSN(cfg.DSN(""))
	require.NoError(t, err)
	require.Empty(t, bare.DBName)
}

func TestListScansRows(t *testing.T) {
	s, mock := newMockStorage(t)
	mock.ExpectQuery("SELECT " + taskColumns + " FROM tasks ORDER BY display_order ASC").
		WillReturnRows(sqlmock.NewRows(taskRowColumns).
			AddRow(int64(7), "Pay rent", int64(150000), "2025-03-01", 1).
			AddRow(int64(3), "Call mom", int64(1250), time.Date(2025, 4, 2, 0, 0, 0, 0, time.UTC), 2))

	tasks, err := s.List(context.Background())
	require.NoError(t, err)
	require.Equal(t, []domain.Task{
		{ID: 7, Description: "Pay rent", Value: 150000, Deadline: domain.Date{Year: 2025, Month: 3, Day: 1}, Position: 1},
		{ID: 3, Description: "Call mom", Value: 1250, Deadline: domain.Date{Year: 2025, Month: 4, Day: 2}, Position: 2},
	}, tasks)
}

func TestListEmptyIsNotNil(t *testing.T) {
	s, mock := newMockStorage(t)
	mock.ExpectQuery("SELECT " + taskColumns + " FROM tasks ORDER BY display_order ASC").
		WillReturnRows(sqlmock.NewRows(taskRowColumns))

	tasks, err := s.List(context.Background())
	require.NoError(t, err)
	require.NotNil(t, tasks)
	require.Empty(t, tasks)
}

func TestSearchEscapesLikeMetacharacters(t *testing.T) {
	s, mock := newMockStorage(t)
	mock.ExpectQuery("SELECT "+taskColumns+" FROM tasks WHERE description LIKE ? ORDER BY display_order ASC").
		WithArgs(`%50\% off\_now%`).
		WillReturnRows(sqlmock.NewRows(taskRowColumns))

	_, err := s.Search(context.Background(), "50% off_now")
	require.NoError(t, err)
}

func TestGetMissingIsNotFound(t *testing.T) {
	s, mock := newMockStorage(t)
	mock.ExpectQuery("SELECT " + taskColumns + " FROM tasks WHERE id = ?").
		WithArgs(int64(9)).
		WillReturnError(sql.ErrNoRows)

	_, err := s.Get(context.Background(), 9)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateFields(t *testing.T) {
	s, mock := newMockStorage(t)
	const update = "UPDATE tasks SET description = ?, value_cents = ?, deadline = ? WHERE id = ?"
	mock.ExpectExec(update).
		WithArgs("renamed", int64(1000), "2025-03-01", int64(4)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(update).
		WithArgs("renamed", int64(1000), "2025-03-01", int64(5)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, s.UpdateFields(context.Background(), 4, fields("renamed")))
	require.ErrorIs(t, s.UpdateFields(context.Background(), 5, fields("renamed")), domain.ErrNotFound)
}

func TestCountRetriesBadConnection(t *testing.T) {
	s, mock := newMockStorage(t)
	mock.ExpectQuery("SELECT COUNT(*) FROM tasks").WillReturnError(mysql.ErrInvalidConn)
	mock.ExpectQuery("SELECT COUNT(*) FROM tasks").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	n, err := s.Count(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestCountWrapsPermanentFailure(t *testing.T) {
	s, mock := newMockStorage(t)
	mock.ExpectQuery("SELECT COUNT(*) FROM tasks").WillReturnError(errors.New("syntax error"))

	_, err := s.Count(context.Background())
	var se *domain.StoreError
	require.ErrorAs(t, err, &se)
	require.Equal(t, "count", se.Op)
}

func TestAtomicallyCommitsPositionWrites(t *testing.T) {
	s, mock := newMockStorage(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT display_order FROM tasks WHERE id = ?").
		WithArgs(int64(2)).
		WillReturnRows(sqlmock.NewRows([]string{"display_order"}).AddRow(3))
	mock.ExpectQuery("SELECT id, display_order FROM tasks WHERE display_order BETWEEN ? AND ? ORDER BY display_order DESC, id DESC").
		WithArgs(1, 3).
		WillReturnRows(sqlmock.NewRows([]string{"id", "display_order"}).AddRow(int64(2), 3).AddRow(int64(5), 2))
	mock.ExpectExec("UPDATE tasks SET display_order = ? WHERE id = ?").
		WithArgs(4, int64(2)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.Atomically(context.Background(), func(tx domain.Positions) error {
		ctx := context.Background()
		pos, err := tx.GetPosition(ctx, 2)
		require.NoError(t, err)
		require.Equal(t, 3, pos)

		slots, err := tx.QueryByPositionRange(ctx, 1, 3, domain.Descending)
		require.NoError(t, err)
		require.Equal(t, []domain.Slot{{ID: 2, Position: 3}, {ID: 5, Position: 2}}, slots)

		n, err := tx.SetPosition(ctx, 2, 4)
		require.NoError(t, err)
		require.Equal(t, int64(1), n)
		return nil
	})
	require.NoError(t, err)
}

func TestReadSnapshotReadsAndRollsBack(t *testing.T) {
	s, mock := newMockStorage(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id, display_order FROM tasks WHERE display_order BETWEEN ? AND ? ORDER BY display_order ASC, id ASC").
		WithArgs(1, 10).
		WillReturnRows(sqlmock.NewRows([]string{"id", "display_order"}).AddRow(int64(3), 1).AddRow(int64(1), 2))
	mock.ExpectRollback()

	var slots []domain.Slot
	err := s.ReadSnapshot(context.Background(), func(tx domain.Positions) error {
		var err error
		slots, err = tx.QueryByPositionRange(context.Background(), 1, 10, domain.Ascending)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, []domain.Slot{{ID: 3, Position: 1}, {ID: 1, Position: 2}}, slots)
}

func TestAtomicallyRollsBackOnError(t *testing.T) {
	s, mock := newMockStorage(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT display_order FROM tasks WHERE id = ?").
		WithArgs(int64(8)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := s.Atomically(context.Background(), func(tx domain.Positions) error {
		_, err := tx.GetPosition(context.Background(), 8)
		return err
	})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAtomicallyRetriesDeadlock(t *testing.T) {
	s, mock := newMockStorage(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO tasks (description, value_cents, deadline, display_order) VALUES (?, ?, ?, ?)").
		WillReturnError(&mysql.MySQLError{Number: errLockDeadlock, Message: "Deadlock found"})
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO tasks (description, value_cents, deadline, display_order) VALUES (?, ?, ?, ?)").
		WithArgs("a", int64(1000), "2025-03-01", 1).
		WillReturnResult(sqlmock.NewResult(11, 1))
	mock.ExpectCommit()

	var attempts int
	var id int64
	err := s.Atomically(context.Background(), func(tx domain.Positions) error {
		attempts++
		var err error
		id, err = tx.Insert(context.Background(), fields("a"), 1)
		return err
	})
	require.NoError(t, err)
	require.Equal(t, 2, attempts)
	require.Equal(t, int64(11), id)
}

func TestAtomicallyDoesNotRetryCommitFailure(t *testing.T) {
	s, mock := newMockStorage(t)
	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM tasks WHERE id = ?").
		WithArgs(int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit().WillReturnError(mysql.ErrInvalidConn)

	var attempts int
	err := s.Atomically(context.Background(), func(tx domain.Positions) error {
		attempts++
		_, err := tx.Delete(context.Background(), 1)
		return err
	})
	require.ErrorIs(t, err, mysql.ErrInvalidConn)
	require.Equal(t, 1, attempts)
}

func TestEnsureSchema(t *testing.T) {
	s, mock := newMockStorage(t)
	mock.ExpectExec(createTasksTable).WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, s.EnsureSchema(context.Background()))
}

func TestIsRetryableTxError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"deadlock", &mysql.MySQLError{Number: errLockDeadlock}, true},
		{"lock wait", &mysql.MySQLError{Number: errLockWaitTimeout}, true},
		{"duplicate", &mysql.MySQLError{Number: 1062}, false},
		{"gone away", errors.New("MySQL server has gone away"), true},
		{"commit", &commitError{err: mysql.ErrInvalidConn}, false},
		{"other", errors.New("boom"), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, isRetryableTxError(tc.err))
		})
	}
}
