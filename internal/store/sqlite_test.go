package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicware/syncd/internal/shared/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAddAndQuery(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Add(ctx, "patients", types.Row{"pid": "P001", "name": "Asha"})
	require.NoError(t, err)
	assert.Positive(t, id)

	rows, err := s.Query(ctx, "patients", []Pred{{Col: "pid", Op: OpEq, Val: "P001"}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "Asha", rows[0]["name"])
	assert.Equal(t, id, rows[0]["id"])
}

func TestQueryBySurrogateID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Add(ctx, "vouchers", types.Row{"type": "receipt", "amount": 100})
	require.NoError(t, err)

	rows, err := s.Query(ctx, "vouchers", []Pred{{Col: "id", Op: OpEq, Val: id}})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "receipt", rows[0]["type"])
}

func TestBusinessKeyUnique(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Add(ctx, "patients", types.Row{"pid": "P001", "name": "Asha"})
	require.NoError(t, err)
	_, err = s.Add(ctx, "patients", types.Row{"pid": "P001", "name": "Imposter"})
	assert.Error(t, err, "duplicate pid must violate the business-key index")
}

func TestCompoundBusinessKeyUnique(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Add(ctx, "appointments", types.Row{"date": "2024-01-05", "token": 1})
	require.NoError(t, err)
	_, err = s.Add(ctx, "appointments", types.Row{"date": "2024-01-05", "token": 2})
	require.NoError(t, err, "same date, different token is a distinct entity")
	_, err = s.Add(ctx, "appointments", types.Row{"date": "2024-01-05", "token": 1})
	assert.Error(t, err)
}

func TestUpdateWhere(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Add(ctx, "slots", types.Row{"date": "2024-01-05", "token": 1, "appt_status": "pending"})
	require.NoError(t, err)

	updated, err := s.UpdateWhere(ctx, "slots",
		[]Pred{{Col: "token", Op: OpEq, Val: 1}},
		types.Row{"appt_status": "approved"})
	require.NoError(t, err)
	require.Len(t, updated, 1)
	assert.Equal(t, "approved", updated[0]["appt_status"])
	assert.Equal(t, "2024-01-05", updated[0]["date"], "untouched columns survive the patch")

	rows, err := s.Query(ctx, "slots", nil)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "approved", rows[0]["appt_status"])
}

func TestUpdateWhereNoMatch(t *testing.T) {
	s := openTestStore(t)
	updated, err := s.UpdateWhere(context.Background(), "slots",
		[]Pred{{Col: "token", Op: OpEq, Val: 99}}, types.Row{"appt_status": "done"})
	require.NoError(t, err)
	assert.Empty(t, updated)
}

func TestDeleteWhere(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		_, err := s.Add(ctx, "appointments", types.Row{"date": "2024-01-05", "token": i})
		require.NoError(t, err)
	}
	count, err := s.DeleteWhere(ctx, "appointments", []Pred{{Col: "token", Op: OpEq, Val: 2}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	rows, err := s.Query(ctx, "appointments", nil)
	require.NoError(t, err)
	assert.Len(t, rows, 2)
}

func TestRangePredicatesInclusive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, date := range []string{"2024-01-01", "2024-01-05", "2024-01-10"} {
		_, err := s.Add(ctx, "appointments", types.Row{"date": date, "token": i + 1})
		require.NoError(t, err)
	}
	rows, err := s.Query(ctx, "appointments", []Pred{
		{Col: "date", Op: OpGte, Val: "2024-01-01"},
		{Col: "date", Op: OpLte, Val: "2024-01-05"},
	})
	require.NoError(t, err)
	assert.Len(t, rows, 2, "both endpoints are included")
}

func TestDoRollsBackOnError(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	err := s.Do(ctx, func(tx *Tx) error {
		if _, err := tx.Add(ctx, "patients", types.Row{"pid": "P100"}); err != nil {
			return err
		}
		return assert.AnError
	})
	require.ErrorIs(t, err, assert.AnError)

	rows, err := s.Query(ctx, "patients", nil)
	require.NoError(t, err)
	assert.Empty(t, rows, "failed transaction leaves nothing behind")
}
