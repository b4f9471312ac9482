package backend

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/clinicware/syncd/internal/infrastructure/logging"
	"github.com/clinicware/syncd/internal/schema"
	"github.com/clinicware/syncd/internal/shared/types"
	"github.com/clinicware/syncd/internal/store"
)

// Local serves the data contract from the embedded SQLite store. Multi-row
// upsert is emulated as lookup-then-update-or-add per row inside one
// transaction; the store has no native ON CONFLICT path for JSON documents.
type Local struct {
	store  *store.Store
	logger *logging.Logger
}

// NewLocal creates the local backend over an opened store.
func NewLocal(s *store.Store, logger *logging.Logger) *Local {
	if logger == nil {
		logger = logging.NewDefault()
	}
	return &Local{store: s, logger: logger}
}

func (l *Local) Name() string { return "local" }

// Store exposes the underlying embedded store for wiring (mode flag
// persistence reads it directly so the flag survives backend swaps).
func (l *Local) Store() *store.Store { return l.store }

func (l *Local) Insert(ctx context.Context, collection string, row types.Row) (types.Row, error) {
	c, err := schema.Resolve(collection)
	if err != nil {
		return nil, opErr("local", "insert", collection, err)
	}
	norm, err := normalizeRow(c, row)
	if err != nil {
		return nil, opErr("local", "insert", c.Name, err)
	}
	id, err := l.store.Add(ctx, c.Name, norm)
	if err != nil {
		return nil, opErr("local", "insert", c.Name, err)
	}
	out := norm.Clone()
	out["id"] = id
	return out, nil
}

func (l *Local) Upsert(ctx context.Context, collection string, rows []types.Row, conflictKeys []string) ([]types.Row, error) {
	c, err := schema.Resolve(collection)
	if err != nil {
		return nil, opErr("local", "upsert", collection, err)
	}
	keys, err := resolveKeys(c, conflictKeys)
	if err != nil {
		return nil, opErr("local", "upsert", c.Name, err)
	}

	out := make([]types.Row, 0, len(rows))
	err = l.store.Do(ctx, func(tx *store.Tx) error {
		for _, row := range rows {
			norm, err := normalizeRow(c, row)
			if err != nil {
				return err
			}
			preds := make([]store.Pred, 0, len(keys))
			for _, k := range keys {
				v, ok := norm[k]
				if !ok {
					return fmt.Errorf("row missing conflict key %q", k)
				}
				preds = append(preds, store.Pred{Col: k, Op: store.OpEq, Val: v})
			}
			existing, err := tx.Query(ctx, c.Name, preds)
			if err != nil {
				return err
			}
			if len(existing) > 0 {
				updated, err := tx.UpdateWhere(ctx, c.Name, preds, norm)
				if err != nil {
					return err
				}
				out = append(out, updated...)
				continue
			}
			id, err := tx.Add(ctx, c.Name, norm)
			if err != nil {
				return err
			}
			added := norm.Clone()
			added["id"] = id
			out = append(out, added)
		}
		return nil
	})
	if err != nil {
		return nil, opErr("local", "upsert", c.Name, err)
	}
	return out, nil
}

func (l *Local) Update(ctx context.Context, collection string, match types.Filter, patch types.Row) ([]types.Row, error) {
	c, err := schema.Resolve(collection)
	if err != nil {
		return nil, opErr("local", "update", collection, err)
	}
	norm, err := normalizeRow(c, patch)
	if err != nil {
		return nil, opErr("local", "update", c.Name, err)
	}
	preds, err := matchPreds(c, match)
	if err != nil {
		return nil, opErr("local", "update", c.Name, err)
	}
	rows, err := l.store.UpdateWhere(ctx, c.Name, preds, norm)
	if err != nil {
		return nil, opErr("local", "update", c.Name, err)
	}
	return rows, nil
}

func (l *Local) Remove(ctx context.Context, collection string, match types.Filter) (int64, error) {
	c, err := schema.Resolve(collection)
	if err != nil {
		return 0, opErr("local", "remove", collection, err)
	}
	preds, err := matchPreds(c, match)
	if err != nil {
		return 0, opErr("local", "remove", c.Name, err)
	}
	count, err := l.store.DeleteWhere(ctx, c.Name, preds)
	if err != nil {
		return 0, opErr("local", "remove", c.Name, err)
	}
	return count, nil
}

func (l *Local) SelectWhere(ctx context.Context, collection string, filters types.Filter, columns []string) ([]types.Row, error) {
	c, err := schema.Resolve(collection)
	if err != nil {
		return nil, opErr("local", "select", collection, err)
	}
	preds, err := matchPreds(c, filters)
	if err != nil {
		return nil, opErr("local", "select", c.Name, err)
	}
	rows, err := l.store.Query(ctx, c.Name, preds)
	if err != nil {
		return nil, opErr("local", "select", c.Name, err)
	}
	return project(rows, columns), nil
}

func (l *Local) SelectRange(ctx context.Context, collection, column string, from, to interface{}, columns []string) ([]types.Row, error) {
	c, err := schema.Resolve(collection)
	if err != nil {
		return nil, opErr("local", "select_range", collection, err)
	}
	col := schema.NormalizeColumn(column)
	if !c.HasColumn(col) {
		return nil, opErr("local", "select_range", c.Name, fmt.Errorf("unknown column %q", column))
	}
	preds := []store.Pred{
		{Col: col, Op: store.OpGte, Val: from},
		{Col: col, Op: store.OpLte, Val: to},
	}
	rows, err := l.store.Query(ctx, c.Name, preds)
	if err != nil {
		return nil, opErr("local", "select_range", c.Name, err)
	}
	return project(rows, columns), nil
}

func (l *Local) Call(ctx context.Context, proc string, params map[string]interface{}) (interface{}, error) {
	return nil, opErr("local", "call", "", fmt.Errorf("%w: rpc %q", ErrUnsupported, proc))
}

func (l *Local) Subscribe(collection string, handler ChangeHandler) (Subscription, error) {
	// No server push for a local-only store.
	l.logger.Debug("subscribe is a no-op on the local backend", zap.String("collection", collection))
	return inertSubscription{}, nil
}

func (l *Local) Close() error {
	return l.store.Close()
}

func matchPreds(c *schema.Collection, match types.Filter) ([]store.Pred, error) {
	preds := make([]store.Pred, 0, len(match))
	for k, v := range match {
		nk := schema.NormalizeColumn(k)
		if nk != "id" && !c.HasColumn(nk) {
			return nil, fmt.Errorf("unknown filter column %q", k)
		}
		preds = append(preds, store.Pred{Col: nk, Op: store.OpEq, Val: v})
	}
	return preds, nil
}
