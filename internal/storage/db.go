package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

//go:embed schema.sql
var schema string

// MySQL error numbers the repositories react to.
const (
	errDuplicateEntry   = 1062
	errRowIsReferenced  = 1451
	errRowIsReferenced2 = 1217
	errLockWaitTimeout  = 1205
	errDeadlockDetected = 1213
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

type txState struct {
	tx          *sql.Tx
	afterCommit []func(context.Context)
	savepoints  int
}

// DB wraps a MySQL/TiDB connection pool. Transactions travel in the context so
// repositories called inside DB.Tx join the open transaction.
type DB struct {
	db *sql.DB
}

// NewDB opens and pings a MySQL/TiDB connection pool.
func NewDB(ctx context.Context, dsn string, maxOpenConns int) (*DB, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(5)

	return &DB{db: db}, nil
}

// WrapDB adapts an existing pool, e.g. one produced by sqlmock.
func WrapDB(db *sql.DB) *DB {
	return &DB{db: db}
}

// Close closes the database connection
func (d *DB) Close() error {
	return d.db.Close()
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (d *DB) Migrate(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "mysql.migrate")
	defer span.End()

	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			span.RecordError(err)
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func (d *DB) conn(ctx context.Context) querier {
	if st := txFrom(ctx); st != nil {
		return st.tx
	}
	return d.db
}

// Tx runs fn inside a transaction. When ctx already carries one, fn joins it.
// Callbacks registered with AfterCommit run once the outermost transaction commits.
func (d *DB) Tx(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	if txFrom(ctx) != nil {
		return fn(ctx)
	}

	ctx, span := tracer.Start(ctx, "mysql.tx")
	defer span.End()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	st := &txState{tx: tx}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(context.WithValue(ctx, txKey{}, st)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			span.RecordError(rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	for _, f := range st.afterCommit {
		f(ctx)
	}
	return nil
}

// Savepoint runs fn so that its writes can be undone without aborting the
// enclosing transaction. Without an enclosing transaction it behaves like Tx.
func (d *DB) Savepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	st := txFrom(ctx)
	if st == nil {
		return d.Tx(ctx, fn)
	}

	st.savepoints++
	name := fmt.Sprintf("sp_%d", st.savepoints)
	hooks := len(st.afterCommit)

	if _, err := st.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to create savepoint: %w", err)
	}
	if err := fn(ctx); err != nil {
		if _, rbErr := st.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return errors.Join(err, fmt.Errorf("failed to roll back savepoint: %w", rbErr))
		}
		st.afterCommit = st.afterCommit[:hooks]
		return err
	}
	if _, err := st.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	return nil
}

// AfterCommit defers f until the transaction in ctx commits. Outside a
// transaction f runs immediately.
func AfterCommit(ctx context.Context, f func(context.Context)) {
	if st := txFrom(ctx); st != nil {
		st.afterCommit = append(st.afterCommit, f)
		return
	}
	f(ctx)
}

// InTransaction reports whether ctx carries an open transaction.
func InTransaction(ctx context.Context) bool {
	return txFrom(ctx) != nil
}

func txFrom(ctx context.Context) *txState {
	st, _ := ctx.Value(txKey{}).(*txState)
	return st
}

func mysqlErrorNumber(err error) uint16 {
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number
	}
	return 0
}

// IsDuplicateEntry reports a unique-constraint violation.
func IsDuplicateEntry(err error) bool {
	return mysqlErrorNumber(err) == errDuplicateEntry
}

// IsForeignKeyViolation reports a delete blocked by a referencing row.
func IsForeignKeyViolation(err error) bool {
	n := mysqlErrorNumber(err)
	return n == errRowIsReferenced || n == errRowIsReferenced2
}

// IsRetryable reports lock wait timeouts and deadlocks.
func IsRetryable(err error) bool {
	n := mysqlErrorNumber(err)
	return n == errLockWaitTimeout || n == errDeadlockDetected
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
