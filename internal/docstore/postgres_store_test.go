package docstore_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/milepay/internal/apperr"
	"github.com/mbd888/milepay/internal/docstore"
	"github.com/mbd888/milepay/internal/testutil"
)

type item struct {
	ID       string   `json:"id"`
	Owner    string   `json:"owner"`
	Sequence int      `json:"sequence"`
	Members  []string `json:"members"`
	N        int      `json:"n"`
}

func TestPostgresStore_RoundTripAndFind(t *testing.T) {
	db := testutil.PGTest(t)

	s := docstore.NewPostgresStore(db)
	ctx := context.Background()

	err := s.RunTx(ctx, func(ctx context.Context, tx docstore.Tx) error {
		for _, it := range []item{
			{ID: "b", Owner: "alice", Sequence: 2, Members: []string{"u1", "u2"}},
			{ID: "a", Owner: "alice", Sequence: 1, Members: []string{"u2"}},
			{ID: "c", Owner: "bob", Sequence: 3, Members: []string{"u1"}},
		} {
			if err := tx.Insert("items", it.ID, it); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)

	got, err := docstore.FindAs[item](ctx, s, docstore.Query{
		Collection: "items",
		Filters:    []docstore.Filter{docstore.Where("owner", "alice")},
		OrderBy:    "sequence",
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].ID)
	assert.Equal(t, "b", got[1].ID)

	got, err = docstore.FindAs[item](ctx, s, docstore.Query{
		Collection: "items",
		Filters:    []docstore.Filter{docstore.Contains("members", "u1")},
		OrderBy:    "sequence",
		Desc:       true,
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c", got[0].ID)

	_, err = s.Get(ctx, "items", "zzz")
	assert.ErrorIs(t, err, docstore.ErrNotFound)
}

func TestPostgresStore_ConcurrentIncrements(t *testing.T) {
	db := testutil.PGTest(t)

	s := docstore.NewPostgresStore(db).WithRetry(50, 2*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, s.RunTx(ctx, func(ctx context.Context, tx docstore.Tx) error {
		return tx.Insert("items", "ctr", item{ID: "ctr"})
	}))

	const workers = 10
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.RunTx(ctx, func(ctx context.Context, tx docstore.Tx) error {
				it, err := docstore.GetAs[item](ctx, tx, "items", "ctr")
				if err != nil {
					return err
				}
				it.N++
				return tx.Update("items", "ctr", it)
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	it, err := docstore.GetAs[item](ctx, s, "items", "ctr")
	require.NoError(t, err)
	assert.Equal(t, workers, it.N)
}

func TestPostgresStore_StaleWriteSurfacesConcurrentModification(t *testing.T) {
	db := testutil.PGTest(t)

	s := docstore.NewPostgresStore(db).WithRetry(2, time.Millisecond)
	ctx := context.Background()
	require.NoError(t, s.RunTx(ctx, func(ctx context.Context, tx docstore.Tx) error {
		return tx.Insert("items", "x", item{ID: "x"})
	}))

	err := s.RunTx(ctx, func(ctx context.Context, tx docstore.Tx) error {
		it, err := docstore.GetAs[item](ctx, tx, "items", "x")
		if err != nil {
			return err
		}
		if err := s.RunTx(ctx, func(ctx context.Context, other docstore.Tx) error {
			o, err := docstore.GetAs[item](ctx, other, "items", "x")
			if err != nil {
				return err
			}
			o.N = 99
			return other.Update("items", "x", o)
		}); err != nil {
			return err
		}
		it.N = 1
		return tx.Update("items", "x", it)
	})
	assert.True(t, apperr.HasCode(err, apperr.ConcurrentModification))
}
