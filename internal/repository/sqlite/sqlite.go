// Package sqlite implements the repository.Store contract on an embedded
// SQLite database.
//
// Each collection is a table holding the JSON document plus the integer
// columns the workflow filters on (id, user_id, post_id). Those columns are
// indexed, so the join and the cascade stay index lookups.
//
// WHY SQLITE?
// It is the embedded backend: one file, no server to run, good enough for
// local development and small deployments. modernc.org/sqlite is a pure Go
// translation of SQLite, so the store needs no C toolchain (CGO_ENABLED=0
// builds keep working). Use ":memory:" for a throwaway database in tests.
//
// CONCURRENCY:
// SQLite allows many readers but a single writer per file. Two settings make
// concurrent HTTP requests queue up instead of failing with SQLITE_BUSY:
//   - busy_timeout: a connection that finds the file locked waits up to the
//     store timeout for the lock instead of returning "database is locked".
//   - _txlock=immediate: RunInTx takes the write lock at BEGIN. A deferred
//     transaction that reads first and writes later can hit a lock upgrade
//     that busy_timeout cannot wait out, because the other writer is waiting
//     on it in turn.
//
// WAL mode lets readers keep going while a writer holds the lock.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "modernc.org/sqlite"

	"github.com/sakif/userfeed/internal/apperror"
	"github.com/sakif/userfeed/internal/model"
	"github.com/sakif/userfeed/internal/repository"
)

// compile-time check that *DB implements repository.Store
var _ repository.Store = (*DB)(nil)

// DefaultTimeout bounds a single statement when New is given zero.
const DefaultTimeout = 5 * time.Second

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB wraps a sql.DB connection pool. A DB returned to a RunInTx callback is
// bound to that transaction instead of the pool.
type DB struct {
	conn    *sql.DB
	q       querier
	inTx    bool
	timeout time.Duration

	users    *table[model.User]
	posts    *table[model.Post]
	comments *table[model.Comment]
}

// New opens the database at dbPath and creates the tables if needed.
//
// dbPath examples:
//   - "data/userfeed.db"  → file-based database (persistent)
//   - ":memory:"          → in-memory database, lost on close
func New(dbPath string, timeout time.Duration) (*DB, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	conn, err := sql.Open("sqlite", dsn(dbPath, timeout))
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}

	// Every connection to ":memory:" is a separate database.
	if dbPath == ":memory:" {
		conn.SetMaxOpenConns(1)
	}

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: setting WAL mode: %w", err)
	}

	db := newDB(conn, conn, false, timeout)

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return db, nil
}

// dsn appends the connection options to dbPath. Every connection the pool
// opens runs the pragmas, so they hold for the whole pool, not just the
// first connection.
//
// Example: "data/userfeed.db?_pragma=busy_timeout%285000%29&_txlock=immediate"
func dsn(dbPath string, timeout time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", timeout.Milliseconds()))
	q.Set("_txlock", "immediate")
	return dbPath + "?" + q.Encode()
}

func newDB(conn *sql.DB, q querier, inTx bool, timeout time.Duration) *DB {
	return &DB{
		conn:    conn,
		q:       q,
		inTx:    inTx,
		timeout: timeout,
		users: &table[model.User]{
			q: q, name: repository.UsersCollection, resource: "user", timeout: timeout,
			columns: map[string]string{repository.FieldID: "id"},
			keyCols: []string{"id"},
			keys:    func(u model.User) []any { return []any{u.ID} },
		},
		posts: &table[model.Post]{
			q: q, name: repository.PostsCollection, resource: "post", timeout: timeout,
			columns: map[string]string{repository.FieldID: "id", repository.FieldUserID: "user_id"},
			keyCols: []string{"id", "user_id"},
			keys:    func(p model.Post) []any { return []any{p.ID, p.UserID} },
		},
		comments: &table[model.Comment]{
			q: q, name: repository.CommentsCollection, resource: "comment", timeout: timeout,
			columns: map[string]string{repository.FieldID: "id", repository.FieldPostID: "post_id"},
			keyCols: []string{"id", "post_id"},
			keys:    func(c model.Comment) []any { return []any{c.ID, c.PostID} },
		},
	}
}

func (db *DB) Users() repository.Collection[model.User]       { return db.users }
func (db *DB) Posts() repository.Collection[model.Post]       { return db.posts }
func (db *DB) Comments() repository.Collection[model.Comment] { return db.comments }

// RunInTx runs fn inside one SQLite transaction. Nested calls reuse the
// outer transaction.
func (db *DB) RunInTx(ctx context.Context, fn func(ctx context.Context, tx repository.Store) error) error {
	if db.inTx {
		return fn(ctx, db)
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return apperror.StorageUnavailable("sqlite: beginning transaction", err)
	}

	if err := fn(ctx, newDB(db.conn, tx, true, db.timeout)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return apperror.StorageUnavailable("sqlite: committing transaction", err)
	}
	return nil
}

// Ping verifies the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, db.timeout)
	defer cancel()
	return db.conn.PingContext(ctx)
}

// Close closes the connection pool. Closing a transaction-bound DB is a no-op.
func (db *DB) Close(context.Context) error {
	if db.inTx {
		return nil
	}
	return db.conn.Close()
}

// migrate creates the three collection tables. CREATE ... IF NOT EXISTS is
// safe to run on every start.
func (db *DB) migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id  INTEGER PRIMARY KEY,
			doc TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("creating users table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS posts (
			id      INTEGER PRIMARY KEY,
			user_id INTEGER NOT NULL,
			doc     TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_posts_user_id ON posts(user_id);
	`)
	if err != nil {
		return fmt.Errorf("creating posts table: %w", err)
	}

	_, err = db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS comments (
			id      INTEGER PRIMARY KEY,
			post_id INTEGER NOT NULL,
			doc     TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_comments_post_id ON comments(post_id);
	`)
	if err != nil {
		return fmt.Errorf("creating comments table: %w", err)
	}

	return nil
}
