// Package backend is the uniform data-access facade over the local embedded
// store and the remote relational store. Callers never see which backend is
// active; every operation returns a typed result or a typed failure, never
// a panic across the boundary.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/clinicware/syncd/internal/schema"
	"github.com/clinicware/syncd/internal/shared/types"
)

var (
	// ErrUnsupported marks an operation the active backend cannot serve
	// (e.g. remote procedure calls against the local store). Surfaced
	// immediately; serving wrong data is worse than failing visibly.
	ErrUnsupported = errors.New("backend: operation not supported")

	// ErrNotConfigured marks missing remote credentials.
	ErrNotConfigured = errors.New("backend: remote credentials not configured")
)

// OpError is a backend operation failure with the original cause attached
// for logging. Call sites branch on it instead of catching panics.
type OpError struct {
	Backend    string
	Op         string
	Collection string
	Err        error
}

func (e *OpError) Error() string {
	if e.Collection != "" {
		return fmt.Sprintf("%s %s %s: %v", e.Backend, e.Op, e.Collection, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Backend, e.Op, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

func opErr(backend, op, collection string, err error) error {
	return &OpError{Backend: backend, Op: op, Collection: collection, Err: err}
}

// Change is one row-level change delivered by Subscribe.
type Change struct {
	Collection string    `json:"collection"`
	Kind       string    `json:"kind"` // INSERT, UPDATE, DELETE
	Row        types.Row `json:"row,omitempty"`
	Old        types.Row `json:"old,omitempty"`
}

// ChangeHandler receives row-level changes. Handlers must be idempotent;
// the stream is at-least-once.
type ChangeHandler func(Change)

// Subscription is a handle for an open change stream.
type Subscription interface {
	Unsubscribe()
}

// inertSubscription is returned where no push stream exists.
type inertSubscription struct{}

func (inertSubscription) Unsubscribe() {}

// Backend is the dual-implementation data-access contract. Filters are
// conjunctions of equality (or, for SelectRange, inclusive range)
// predicates; disjunction is an explicit non-feature.
type Backend interface {
	// Name returns "local" or "remote".
	Name() string

	Insert(ctx context.Context, collection string, row types.Row) (types.Row, error)

	// Upsert inserts or updates each row, deciding per row on the business
	// key named by conflictKeys. Surrogate ids are never valid conflict
	// keys. An empty conflictKeys defaults to the collection's declared
	// business key.
	Upsert(ctx context.Context, collection string, rows []types.Row, conflictKeys []string) ([]types.Row, error)

	Update(ctx context.Context, collection string, match types.Filter, patch types.Row) ([]types.Row, error)

	Remove(ctx context.Context, collection string, match types.Filter) (int64, error)

	SelectWhere(ctx context.Context, collection string, filters types.Filter, columns []string) ([]types.Row, error)

	// SelectRange returns rows with from <= column <= to (inclusive).
	SelectRange(ctx context.Context, collection, column string, from, to interface{}, columns []string) ([]types.Row, error)

	// Call invokes a named remote procedure. Local returns ErrUnsupported.
	Call(ctx context.Context, proc string, params map[string]interface{}) (interface{}, error)

	// Subscribe registers a push handler for row-level changes. Local
	// returns an inert handle: there is no push for a local-only store.
	Subscribe(collection string, handler ChangeHandler) (Subscription, error)

	Close() error
}

// resolveKeys validates conflictKeys against the schema registry, applying
// the declared business key as the default.
func resolveKeys(c *schema.Collection, conflictKeys []string) ([]string, error) {
	if len(conflictKeys) == 0 {
		conflictKeys = c.Keys
	} else {
		norm := make([]string, len(conflictKeys))
		for i, k := range conflictKeys {
			norm[i] = schema.NormalizeColumn(k)
		}
		conflictKeys = norm
	}
	if len(conflictKeys) == 0 {
		return nil, fmt.Errorf("collection %s has no business key; upsert not allowed", c.Name)
	}
	if !c.HasKey(conflictKeys) {
		return nil, fmt.Errorf("conflict keys %v do not match business key %v of %s", conflictKeys, c.Keys, c.Name)
	}
	return conflictKeys, nil
}

// normalizeRow maps legacy column spellings to canonical snake_case and
// rejects columns the schema does not declare.
func normalizeRow(c *schema.Collection, row types.Row) (types.Row, error) {
	out := make(types.Row, len(row))
	for k, v := range row {
		nk := schema.NormalizeColumn(k)
		if nk == "id" {
			// Surrogate keys stay backend-internal.
			continue
		}
		if !c.HasColumn(nk) {
			return nil, fmt.Errorf("unknown column %q on %s", k, c.Name)
		}
		out[nk] = v
	}
	return out, nil
}

// project trims rows to the requested column set. A nil or empty set means
// all columns.
func project(rows []types.Row, columns []string) []types.Row {
	if len(columns) == 0 {
		return rows
	}
	out := make([]types.Row, len(rows))
	for i, row := range rows {
		p := make(types.Row, len(columns))
		for _, col := range columns {
			col = schema.NormalizeColumn(col)
			if v, ok := row[col]; ok {
				p[col] = v
			}
		}
		out[i] = p
	}
	return out
}
