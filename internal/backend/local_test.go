package backend

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicware/syncd/internal/shared/types"
	"github.com/clinicware/syncd/internal/store"
)

func newTestLocal(t *testing.T) *Local {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	l := NewLocal(s, nil)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestLocalInsertNormalizesColumns(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()

	row, err := l.Insert(ctx, "patients", types.Row{"pid": "P001", "heightCm": 94})
	require.NoError(t, err)
	assert.Contains(t, row, "height_cm")
	assert.NotContains(t, row, "heightCm")
	assert.Contains(t, row, "id")
}

func TestLocalInsertRejectsUnknownColumn(t *testing.T) {
	l := newTestLocal(t)
	_, err := l.Insert(context.Background(), "patients", types.Row{"pid": "P001", "favorite_color": "blue"})
	require.Error(t, err)
	var opErr *OpError
	require.ErrorAs(t, err, &opErr)
	assert.Equal(t, "insert", opErr.Op)
}

func TestLocalUpsertIsIdempotentOnBusinessKey(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()

	first, err := l.Upsert(ctx, "patients",
		[]types.Row{{"pid": "P001", "name": "Asha"}}, []string{"pid"})
	require.NoError(t, err)
	require.Len(t, first, 1)

	second, err := l.Upsert(ctx, "patients",
		[]types.Row{{"pid": "P001", "name": "Asha K"}}, []string{"pid"})
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0]["id"], second[0]["id"], "same business key updates in place")

	rows, err := l.SelectWhere(ctx, "patients", types.Filter{"pid": "P001"}, nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Asha K", rows[0]["name"])
}

func TestLocalUpsertDefaultsToDeclaredKey(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()

	_, err := l.Upsert(ctx, "pharmacy_items",
		[]types.Row{{"sku": "PARA-250", "stock": 10}}, nil)
	require.NoError(t, err)
	_, err = l.Upsert(ctx, "pharmacy_items",
		[]types.Row{{"sku": "PARA-250", "stock": 8}}, nil)
	require.NoError(t, err)

	rows, err := l.SelectWhere(ctx, "pharmacy_items", nil, nil)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestLocalUpsertRejectsSurrogateKey(t *testing.T) {
	l := newTestLocal(t)
	_, err := l.Upsert(context.Background(), "patients",
		[]types.Row{{"pid": "P001"}}, []string{"id"})
	assert.Error(t, err, "surrogate ids are never valid conflict keys")
}

func TestLocalUpsertRejectsKeylessCollection(t *testing.T) {
	l := newTestLocal(t)
	_, err := l.Upsert(context.Background(), "vouchers",
		[]types.Row{{"type": "receipt", "amount": 50}}, nil)
	assert.Error(t, err, "collections without a business key are insert-only")
}

func TestLocalSelectRangeInclusiveBounds(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()

	dates := []string{"2023-12-31", "2024-01-03", "2024-01-07", "2024-01-08"}
	for i, d := range dates {
		_, err := l.Insert(ctx, "appointments", types.Row{"date": d, "token": i + 1})
		require.NoError(t, err)
	}

	rows, err := l.SelectRange(ctx, "appointments", "date", "2024-01-01", "2024-01-07", nil)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "2024-01-03", rows[0]["date"])
	assert.Equal(t, "2024-01-07", rows[1]["date"], "the upper bound is included")
}

func TestLocalSelectWhereProjectsColumns(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()

	_, err := l.Insert(ctx, "patients", types.Row{"pid": "P001", "name": "Asha", "phone": "9000000001"})
	require.NoError(t, err)

	rows, err := l.SelectWhere(ctx, "patients", nil, []string{"pid", "name"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, types.Row{"pid": "P001", "name": "Asha"}, rows[0])
}

func TestLocalCallUnsupported(t *testing.T) {
	l := newTestLocal(t)
	_, err := l.Call(context.Background(), "monthly_report", nil)
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestLocalSubscribeIsInert(t *testing.T) {
	l := newTestLocal(t)
	sub, err := l.Subscribe("patients", func(Change) { t.Fatal("no push on local") })
	require.NoError(t, err)
	sub.Unsubscribe()
}

func TestLocalAliasCollectionResolves(t *testing.T) {
	l := newTestLocal(t)
	ctx := context.Background()

	_, err := l.Insert(ctx, "labTests", types.Row{"code": "HB", "price": 180})
	require.NoError(t, err)
	rows, err := l.SelectWhere(ctx, "lab_tests", types.Filter{"code": "HB"}, nil)
	require.NoError(t, err)
	assert.Len(t, rows, 1, "alias and canonical name address the same table")
}
