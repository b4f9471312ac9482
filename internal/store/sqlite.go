// Package store is the local embedded store: collection-scoped CRUD and
// query over SQLite. Rows are stored as JSON documents with a surrogate
// rowid primary key; business-key uniqueness is enforced with expression
// indexes over json_extract, so the surrogate id never leaks into upsert
// semantics.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/clinicware/syncd/internal/schema"
	"github.com/clinicware/syncd/internal/shared/types"
)

// Op is a predicate operator.
type Op string

const (
	OpEq  Op = "="
	OpGte Op = ">="
	OpLte Op = "<="
)

// Pred is one predicate in a conjunction.
type Pred struct {
	Col string
	Op  Op
	Val interface{}
}

// Store is a SQLite-backed document store, one table per collection.
// Concurrent writers rely on SQLite's transaction isolation; row conflicts
// resolve last-write-wins.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the store at path and ensures every registered
// collection has its table and business-key index. Use ":memory:" in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	s := &Store{db: db}
	for _, c := range schema.All() {
		if err := s.ensure(c); err != nil {
			db.Close()
			return nil, err
		}
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) ensure(c *schema.Collection) error {
	ddl := fmt.Sprintf(
		"CREATE TABLE IF NOT EXISTS %s (id INTEGER PRIMARY KEY AUTOINCREMENT, doc TEXT NOT NULL)", c.Name)
	if _, err := s.db.Exec(ddl); err != nil {
		return fmt.Errorf("create table %s: %w", c.Name, err)
	}
	if len(c.Keys) == 0 {
		return nil
	}
	exprs := make([]string, len(c.Keys))
	for i, k := range c.Keys {
		exprs[i] = fmt.Sprintf("json_extract(doc,'$.%s')", k)
	}
	idx := fmt.Sprintf(
		"CREATE UNIQUE INDEX IF NOT EXISTS %s_bkey ON %s (%s)",
		c.Name, c.Name, strings.Join(exprs, ", "))
	if _, err := s.db.Exec(idx); err != nil {
		return fmt.Errorf("create index %s_bkey: %w", c.Name, err)
	}
	return nil
}

// querier abstracts *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Tx is a transaction-scoped view of the store.
type Tx struct {
	tx *sql.Tx
}

// Do runs fn inside a transaction, committing on nil and rolling back on
// error.
func (s *Store) Do(ctx context.Context, fn func(tx *Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	if err := fn(&Tx{tx: tx}); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func whereClause(preds []Pred) (string, []interface{}) {
	if len(preds) == 0 {
		return "", nil
	}
	parts := make([]string, len(preds))
	args := make([]interface{}, len(preds))
	for i, p := range preds {
		if p.Col == "id" {
			// Surrogate key lives in the rowid column, not the document.
			parts[i] = fmt.Sprintf("id %s ?", p.Op)
		} else {
			parts[i] = fmt.Sprintf("json_extract(doc,'$.%s') %s ?", p.Col, p.Op)
		}
		args[i] = p.Val
	}
	return " WHERE " + strings.Join(parts, " AND "), args
}

func add(ctx context.Context, q querier, coll string, row types.Row) (int64, error) {
	doc, err := json.Marshal(row)
	if err != nil {
		return 0, fmt.Errorf("encode row: %w", err)
	}
	res, err := q.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s (doc) VALUES (?)", coll), string(doc))
	if err != nil {
		return 0, fmt.Errorf("insert into %s: %w", coll, err)
	}
	return res.LastInsertId()
}

func query(ctx context.Context, q querier, coll string, preds []Pred) ([]types.Row, error) {
	where, args := whereClause(preds)
	rows, err := q.QueryContext(ctx, fmt.Sprintf("SELECT id, doc FROM %s%s ORDER BY id", coll, where), args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", coll, err)
	}
	defer rows.Close()

	var out []types.Row
	for rows.Next() {
		var id int64
		var doc string
		if err := rows.Scan(&id, &doc); err != nil {
			return nil, err
		}
		var row types.Row
		if err := json.Unmarshal([]byte(doc), &row); err != nil {
			return nil, fmt.Errorf("decode row %d in %s: %w", id, coll, err)
		}
		row["id"] = id
		out = append(out, row)
	}
	return out, rows.Err()
}

func updateWhere(ctx context.Context, q querier, coll string, preds []Pred, patch types.Row) ([]types.Row, error) {
	matched, err := query(ctx, q, coll, preds)
	if err != nil {
		return nil, err
	}
	updated := make([]types.Row, 0, len(matched))
	for _, row := range matched {
		id := row["id"].(int64)
		next := row.Clone()
		for k, v := range patch {
			next[k] = v
		}
		delete(next, "id")
		doc, err := json.Marshal(next)
		if err != nil {
			return nil, fmt.Errorf("encode row: %w", err)
		}
		if _, err := q.ExecContext(ctx,
			fmt.Sprintf("UPDATE %s SET doc = ? WHERE id = ?", coll), string(doc), id); err != nil {
			return nil, fmt.Errorf("update %s id=%d: %w", coll, id, err)
		}
		next["id"] = id
		updated = append(updated, next)
	}
	return updated, nil
}

func deleteWhere(ctx context.Context, q querier, coll string, preds []Pred) (int64, error) {
	where, args := whereClause(preds)
	res, err := q.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s%s", coll, where), args...)
	if err != nil {
		return 0, fmt.Errorf("delete from %s: %w", coll, err)
	}
	return res.RowsAffected()
}

// Add inserts a row and returns its surrogate id.
func (s *Store) Add(ctx context.Context, coll string, row types.Row) (int64, error) {
	return add(ctx, s.db, coll, row)
}

// Query returns rows matching the predicate conjunction, surrogate id set.
func (s *Store) Query(ctx context.Context, coll string, preds []Pred) ([]types.Row, error) {
	return query(ctx, s.db, coll, preds)
}

// UpdateWhere applies patch to every matching row and returns the updated
// rows.
func (s *Store) UpdateWhere(ctx context.Context, coll string, preds []Pred, patch types.Row) ([]types.Row, error) {
	return updateWhere(ctx, s.db, coll, preds, patch)
}

// DeleteWhere removes matching rows and returns the count.
func (s *Store) DeleteWhere(ctx context.Context, coll string, preds []Pred) (int64, error) {
	return deleteWhere(ctx, s.db, coll, preds)
}

// Tx-scoped variants.

func (t *Tx) Add(ctx context.Context, coll string, row types.Row) (int64, error) {
	return add(ctx, t.tx, coll, row)
}

func (t *Tx) Query(ctx context.Context, coll string, preds []Pred) ([]types.Row, error) {
	return query(ctx, t.tx, coll, preds)
}

func (t *Tx) UpdateWhere(ctx context.Context, coll string, preds []Pred, patch types.Row) ([]types.Row, error) {
	return updateWhere(ctx, t.tx, coll, preds, patch)
}

func (t *Tx) DeleteWhere(ctx context.Context, coll string, preds []Pred) (int64, error) {
	return deleteWhere(ctx, t.tx, coll, preds)
}
