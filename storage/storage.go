package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"
	log "github.com/sirupsen/logrus"

	"tasklist-api/domain"
)

// Config describes how to reach the MySQL server.
type Config struct {
	Host              string
	Port              int
	User              string
	Password          string
	Database          string
	TLS               bool
	MaxOpenConns      int
	MaxIdleConns      int
	ConnMaxLifetime   time.Duration
	ConnectMaxElapsed time.Duration
}

// DSN builds the driver connection string. An empty database selects none,
// which is what schema bootstrap needs before the database exists.
func (c Config) DSN(database string) string {
	mc := mysql.NewConfig()
	mc.User = c.User
	mc.Passwd = c.Password
	mc.Net = "tcp"
	mc.Addr = net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
	mc.DBName = database
	mc.ParseTime = true
	// Report matched rather than changed rows so an UPDATE writing the value
	// already stored still counts as a hit.
	mc.ClientFoundRows = true
	if c.TLS {
		mc.TLSConfig = "true"
	}
	return mc.FormatDSN()
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Storage is the MySQL task store.
type Storage struct {
	db         *sql.DB
	maxElapsed time.Duration
}

// Open connects to MySQL, retrying with exponential backoff until the server
// answers a ping or ConnectMaxElapsed passes.
func Open(ctx context.Context, cfg Config) (*Storage, error) {
	db, err := sql.Open("mysql", cfg.DSN(cfg.Database))
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	attempt := 0
	err = backoff.Retry(func() error {
		attempt++
		perr := db.PingContext(ctx)
		if perr != nil {
			log.WithError(perr).WithField("attempt", attempt).Warn("mysql not reachable yet")
		}
		return perr
	}, backoff.WithContext(newRetryBackoff(cfg.ConnectMaxElapsed), ctx))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("connect mysql at %s:%d: %w", cfg.Host, cfg.Port, err)
	}
	log.WithFields(log.Fields{"host": cfg.Host, "database": cfg.Database}).Info("connected to mysql")
	return &Storage{db: db, maxElapsed: defaultRetryMaxElapsed}, nil
}

// NewWithDB wraps an already opened handle.
func NewWithDB(db *sql.DB) *Storage {
	return &Storage{db: db, maxElapsed: defaultRetryMaxElapsed}
}

// Ping checks that the server is reachable.
func (s *Storage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) withRetry(ctx context.Context, op func() error) error {
	return retry(ctx, newRetryBackoff(s.maxElapsed), isRetryableError, op)
}

// Atomically runs fn inside a serializable transaction. Deadlocks and lost
// connections before commit restart the transaction from scratch.
func (s *Storage) Atomically(ctx context.Context, fn func(domain.Positions) error) error {
	return retry(ctx, newRetryBackoff(txRetryMaxElapsed), isRetryableTxError, func() error {
		return s.runTxOnce(ctx, fn)
	})
}

func (s *Storage) runTxOnce(ctx context.Context, fn func(domain.Positions) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if r := recover(); r != nil {
			_ = tx.Rollback()
			panic(r)
		}
	}()

	if err := fn(sqlPositions{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return &commitError{err: err}
	}
	return nil
}

// ReadSnapshot runs fn in a read-only REPEATABLE READ transaction. InnoDB
// serves its plain SELECTs from a consistent snapshot without row locks.
func (s *Storage) ReadSnapshot(ctx context.Context, fn func(domain.Positions) error) error {
	return s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
		if err != nil {
			return fmt.Errorf("begin snapshot: %w", err)
		}
		defer func() { _ = tx.Rollback() }()
		return fn(sqlPositions{q: tx})
	})
}

const taskColumns = "id, description, value_cents, deadline, display_order"

func (s *Storage) List(ctx context.Context) ([]domain.Task, error) {
	return s.queryTasks(ctx, "list", "SELECT "+taskColumns+" FROM tasks ORDER BY display_order ASC")
}

// Search matches term literally anywhere in the description.
func (s *Storage) Search(ctx context.Context, term string) ([]domain.Task, error) {
	return s.queryTasks(ctx, "search",
		"SELECT "+taskColumns+" FROM tasks WHERE description LIKE ? ORDER BY display_order ASC",
		"%"+escapeLike(term)+"%")
}

func (s *Storage) Count(ctx context.Context) (int, error) {
	var n int
	err := s.withRetry(ctx, func() error {
		return s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&n)
	})
	return n, domain.WrapStore("count", err)
}

func (s *Storage) Get(ctx context.Context, id int64) (domain.Task, error) {
	var t domain.Task
	err := s.withRetry(ctx, func() error {
		row := s.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
		return row.Scan(&t.ID, &t.Description, &t.Value, &t.Deadline, &t.Position)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, domain.ErrNotFound
	}
	return t, domain.WrapStore("get", err)
}

func (s *Storage) UpdateFields(ctx context.Context, id int64, fields domain.TaskFields) error {
	var n int64
	err := s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			"UPDATE tasks SET description = ?, value_cents = ?, deadline = ? WHERE id = ?",
			fields.Description, fields.Value, fields.Deadline, id)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return domain.WrapStore("update", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *Storage) queryTasks(ctx context.Context, op, query string, args ...any) ([]domain.Task, error) {
	var tasks []domain.Task
	err := s.withRetry(ctx, func() error {
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		tasks = []domain.Task{}
		for rows.Next() {
			var t domain.Task
			if err := rows.Scan(&t.ID, &t.Description, &t.Value, &t.Deadline, &t.Position); err != nil {
				return err
			}
			tasks = append(tasks, t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, domain.WrapStore(op, err)
	}
	return tasks, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// sqlPositions implements domain.Positions on a transaction.
type sqlPositions struct{ q querier }

func (p sqlPositions) GetPosition(ctx context.Context, id int64) (int, error) {
	var pos int
	err := p.q.QueryRowContext(ctx, "SELECT display_order FROM tasks WHERE id = ?", id).Scan(&pos)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	return pos, err
}

func (p sqlPositions) CountAll(ctx context.Context) (int, error) {
	var n int
	err := p.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks").Scan(&n)
	return n, err
}

func (p sqlPositions) MaxPosition(ctx context.Context) (int, error) {
	var n int
	err := p.q.QueryRowContext(ctx, "SELECT COALESCE(MAX(display_order), 0) FROM tasks").Scan(&n)
	return n, err
}

func (p sqlPositions) QueryByPositionRange(ctx context.Context, lo, hi int, dir domain.Direction) ([]domain.Slot, error) {
	query := fmt.Sprintf(
		"SELECT id, display_order FROM tasks WHERE display_order BETWEEN ? AND ? ORDER BY display_order %[1]s, id %[1]s",
		dir)
	rows, err := p.q.QueryContext(ctx, query, lo, hi)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Slot
	for rows.Next() {
		var s domain.Slot
		if err := rows.Scan(&s.ID, &s.Position); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p sqlPositions) SetPosition(ctx context.Context, id int64, position int) (int64, error) {
	res, err := p.q.ExecContext(ctx, "UPDATE tasks SET display_order = ? WHERE id = ?", position, id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (p sqlPositions) Insert(ctx context.Context, fields domain.TaskFields, position int) (int64, error) {
	res, err := p.q.ExecContext(ctx,
		"INSERT INTO tasks (description, value_cents, deadline, display_order) VALUES (?, ?, ?, ?)",
		fields.Description, fields.Value, fields.Deadline, position)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (p sqlPositions) Delete(ctx context.Context, id int64) (int64, error) {
	res, err := p.q.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
