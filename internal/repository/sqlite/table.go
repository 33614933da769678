package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlitedrv "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sakif/userfeed/internal/apperror"
	"github.com/sakif/userfeed/internal/repository"
)

// insertBatch caps the rows of one multi-row INSERT, well below SQLite's
// bound-variable limit.
const insertBatch = 500

// table is one collection: a JSON doc column plus the filterable key columns.
//
// STORAGE LAYOUT:
// The whole document is stored as JSON in `doc`, exactly as the API returns
// it. The few fields the workflow filters on are copied into real INTEGER
// columns, so lookups use indexes instead of json_extract():
//
//	posts
//	  id      INTEGER PRIMARY KEY   ← post.id
//	  user_id INTEGER (indexed)     ← post.userId
//	  doc     TEXT                  ← {"id":10,"userId":1,"title":...}
//
// Reading never looks at the key columns; the struct is decoded from doc.
type table[T any] struct {
	q        querier
	name     string
	resource string
	timeout  time.Duration

	// columns maps filter field names to SQL columns.
	columns map[string]string
	// keyCols are written on insert, in the order keys returns them.
	keyCols []string
	keys    func(T) []any
}

func (t *table[T]) InsertOne(ctx context.Context, doc T) error {
	return t.InsertMany(ctx, []T{doc})
}

// InsertMany writes docs in as few statements as the batch size allows.
// Each statement is atomic; a failure in a later batch keeps earlier ones.
func (t *table[T]) InsertMany(ctx context.Context, docs []T) error {
	if len(docs) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	for start := 0; start < len(docs); start += insertBatch {
		end := min(start+insertBatch, len(docs))
		batch := docs[start:end]

		row := "(" + strings.Repeat("?, ", len(t.keyCols)) + "?)"
		rows := make([]string, len(batch))
		args := make([]any, 0, len(batch)*(len(t.keyCols)+1))
		for i, doc := range batch {
			raw, err := json.Marshal(doc)
			if err != nil {
				return fmt.Errorf("sqlite: encoding %s: %w", t.resource, err)
			}
			rows[i] = row
			args = append(args, t.keys(doc)...)
			args = append(args, string(raw))
		}

		query := fmt.Sprintf(`INSERT INTO %s (%s, doc) VALUES %s`,
			t.name, strings.Join(t.keyCols, ", "), strings.Join(rows, ", "))
		if _, err := t.q.ExecContext(ctx, query, args...); err != nil {
			if isUniqueViolation(err) {
				if len(batch) == 1 {
					return apperror.Conflict(t.resource, t.keys(batch[0])[0])
				}
				ids := make([]any, len(batch))
				for i, doc := range batch {
					ids[i] = t.keys(doc)[0]
				}
				return apperror.Conflict(t.resource, fmt.Sprintf("among %v", ids))
			}
			return apperror.StorageUnavailable("sqlite: inserting into "+t.name, err)
		}
	}

	return nil
}

func (t *table[T]) FindOne(ctx context.Context, f repository.Filter) (T, error) {
	var zero T

	where, args, err := t.where(f)
	if err != nil {
		return zero, err
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var raw string
	err = t.q.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT doc FROM %s%s ORDER BY id LIMIT 1`, t.name, where),
		args...,
	).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return zero, apperror.NotFound(t.resource, describe(f))
		}
		return zero, apperror.StorageUnavailable("sqlite: finding "+t.resource, err)
	}

	var doc T
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return zero, fmt.Errorf("sqlite: decoding %s: %w", t.resource, err)
	}
	return doc, nil
}

// Find returns every match ordered by id. Rows are always closed before
// returning, so a single-connection pool never deadlocks on a follow-up query.
func (t *table[T]) Find(ctx context.Context, f repository.Filter) ([]T, error) {
	where, args, err := t.where(f)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	rows, err := t.q.QueryContext(ctx,
		fmt.Sprintf(`SELECT doc FROM %s%s ORDER BY id`, t.name, where),
		args...,
	)
	if err != nil {
		return nil, apperror.StorageUnavailable("sqlite: listing "+t.name, err)
	}
	defer rows.Close()

	docs := make([]T, 0)
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, apperror.StorageUnavailable("sqlite: scanning "+t.resource, err)
		}
		var doc T
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			return nil, fmt.Errorf("sqlite: decoding %s: %w", t.resource, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, apperror.StorageUnavailable("sqlite: iterating "+t.name, err)
	}

	return docs, nil
}

func (t *table[T]) Count(ctx context.Context, f repository.Filter) (int64, error) {
	where, args, err := t.where(f)
	if err != nil {
		return 0, err
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	var n int64
	err = t.q.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s%s`, t.name, where), args...,
	).Scan(&n)
	if err != nil {
		return 0, apperror.StorageUnavailable("sqlite: counting "+t.name, err)
	}
	return n, nil
}

// DeleteOne removes the lowest-id match. DELETE ... LIMIT is a compile-time
// option in SQLite, so the row is picked with a subquery.
func (t *table[T]) DeleteOne(ctx context.Context, f repository.Filter) (int64, error) {
	where, args, err := t.where(f)
	if err != nil {
		return 0, err
	}
	return t.exec(ctx, "deleting from "+t.name,
		fmt.Sprintf(`DELETE FROM %s WHERE id IN (SELECT id FROM %s%s ORDER BY id LIMIT 1)`,
			t.name, t.name, where),
		args...)
}

func (t *table[T]) DeleteMany(ctx context.Context, f repository.Filter) (int64, error) {
	where, args, err := t.where(f)
	if err != nil {
		return 0, err
	}
	return t.exec(ctx, "deleting from "+t.name,
		fmt.Sprintf(`DELETE FROM %s%s`, t.name, where), args...)
}

func (t *table[T]) exec(ctx context.Context, op, query string, args ...any) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	result, err := t.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, apperror.StorageUnavailable("sqlite: "+op, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, apperror.StorageUnavailable("sqlite: checking rows affected", err)
	}
	return n, nil
}

// where renders f as a WHERE clause. Field names come from a fixed map, so
// they never reach the SQL text unchecked.
func (t *table[T]) where(f repository.Filter) (string, []any, error) {
	if f.IsAll() {
		return "", nil, nil
	}

	col, ok := t.columns[f.Field]
	if !ok {
		return "", nil, fmt.Errorf("sqlite: %s cannot be filtered by %q", t.name, f.Field)
	}

	if len(f.Values) == 0 {
		return " WHERE 0", nil, nil
	}

	args := make([]any, len(f.Values))
	for i, v := range f.Values {
		args[i] = v
	}

	if !f.IsIn() {
		return fmt.Sprintf(" WHERE %s = ?", col), args, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(args)), ", ")
	return fmt.Sprintf(" WHERE %s IN (%s)", col, placeholders), args, nil
}

func isUniqueViolation(err error) bool {
	var se *sqlitedrv.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() {
	case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
		return true
	}
	return false
}

// describe renders the filter value for NotFound messages.
func describe(f repository.Filter) string {
	if len(f.Values) == 1 && !f.IsIn() {
		return fmt.Sprint(f.Values[0])
	}
	return fmt.Sprint(f.Values)
}
