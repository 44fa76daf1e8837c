package store

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/incidentdesk/backend/internal/errors"
)

// backends returns a fresh instance of every Store implementation.
func backends(t *testing.T) map[string]Store {
	t.Helper()

	sq, err := NewSQLiteStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })

	bg, err := NewBadgerStore(InMemoryBadgerConfig())
	require.NoError(t, err)
	t.Cleanup(func() { bg.Close() })

	return map[string]Store{"sqlite": sq, "badger": bg}
}

func TestStoreContract(t *testing.T) {
	for name, s := range backends(t) {
		s := s
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			t.Run("get missing", func(t *testing.T) {
				_, err := s.Get(ctx, "p1", "missing")
				assert.True(t, errors.Is(err, ErrNotFound))
			})

			t.Run("put get roundtrip", func(t *testing.T) {
				require.NoError(t, s.Put(ctx, "p1", "k1", []byte("hello")))
				e, err := s.Get(ctx, "p1", "k1")
				require.NoError(t, err)
				assert.Equal(t, "k1", e.Key)
				assert.Equal(t, []byte("hello"), e.Value)
				assert.False(t, e.UpdatedAt.IsZero())
			})

			t.Run("overwrite", func(t *testing.T) {
				require.NoError(t, s.Put(ctx, "p1", "k2", []byte("a")))
				require.NoError(t, s.Put(ctx, "p1", "k2", []byte("b")))
				e, err := s.Get(ctx, "p1", "k2")
				require.NoError(t, err)
				assert.Equal(t, []byte("b"), e.Value)
			})

			t.Run("list ordered with predicate", func(t *testing.T) {
				for _, k := range []string{"c", "a", "b"} {
					require.NoError(t, s.Put(ctx, "p2", k, []byte(strings.ToUpper(k))))
				}
				all, err := s.List(ctx, "p2", nil)
				require.NoError(t, err)
				require.Len(t, all, 3)
				assert.Equal(t, "a", all[0].Key)
				assert.Equal(t, "c", all[2].Key)

				some, err := s.List(ctx, "p2", func(e Entry) bool { return e.Key != "b" })
				require.NoError(t, err)
				assert.Len(t, some, 2)
			})

			t.Run("partition prefix does not leak", func(t *testing.T) {
				require.NoError(t, s.Put(ctx, "cache:inc", "x", []byte("1")))
				require.NoError(t, s.Put(ctx, "cache:incidents", "y", []byte("2")))
				got, err := s.List(ctx, "cache:inc", nil)
				require.NoError(t, err)
				require.Len(t, got, 1)
				assert.Equal(t, "x", got[0].Key)
			})

			t.Run("delete", func(t *testing.T) {
				require.NoError(t, s.Put(ctx, "p3", "k", []byte("v")))
				require.NoError(t, s.Delete(ctx, "p3", "k"))
				_, err := s.Get(ctx, "p3", "k")
				assert.True(t, errors.Is(err, ErrNotFound))
				assert.NoError(t, s.Delete(ctx, "p3", "k"))
			})

			t.Run("clear partition", func(t *testing.T) {
				require.NoError(t, s.Put(ctx, "p4", "a", []byte("1")))
				require.NoError(t, s.Put(ctx, "p4", "b", []byte("2")))
				require.NoError(t, s.Put(ctx, "p5", "a", []byte("3")))
				require.NoError(t, s.ClearPartition(ctx, "p4"))

				left, err := s.List(ctx, "p4", nil)
				require.NoError(t, err)
				assert.Empty(t, left)
				other, err := s.List(ctx, "p5", nil)
				require.NoError(t, err)
				assert.Len(t, other, 1)
			})

			t.Run("empty key rejected", func(t *testing.T) {
				err := s.Put(ctx, "p1", "", []byte("v"))
				assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
			})
		})
	}
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := NewSQLiteStore(dir)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, PartitionOutbox, "op-1", []byte(`{"id":"op-1"}`)))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(dir)
	require.NoError(t, err)
	defer s.Close()
	e, err := s.Get(ctx, PartitionOutbox, "op-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"op-1"}`, string(e.Value))
}

func TestBadgerStore_SurvivesReopen(t *testing.T) {
	cfg := DefaultBadgerConfig(t.TempDir())
	cfg.GCInterval = 0
	ctx := context.Background()

	s, err := NewBadgerStore(cfg)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, PartitionOutbox, "op-1", []byte("v")))
	require.NoError(t, s.Close())

	s, err = NewBadgerStore(cfg)
	require.NoError(t, err)
	defer s.Close()
	e, err := s.Get(ctx, PartitionOutbox, "op-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), e.Value)
}

func TestNewBadgerStore_RequiresPath(t *testing.T) {
	_, err := NewBadgerStore(BadgerConfig{})
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestDecodeValue_Corrupt(t *testing.T) {
	_, _, err := decodeValue([]byte{1, 2})
	assert.Error(t, err)
}
