package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/userfeed/internal/apperror"
	"github.com/sakif/userfeed/internal/model"
)

// nopStore satisfies Store for handle tests; none of its methods are called.
type nopStore struct{ closed bool }

func (s *nopStore) Users() Collection[model.User]       { return nil }
func (s *nopStore) Posts() Collection[model.Post]       { return nil }
func (s *nopStore) Comments() Collection[model.Comment] { return nil }
func (s *nopStore) RunInTx(ctx context.Context, fn func(context.Context, Store) error) error {
	return fn(ctx, s)
}
func (s *nopStore) Ping(context.Context) error  { return nil }
func (s *nopStore) Close(context.Context) error { s.closed = true; return nil }

func TestHandle_NotConnected(t *testing.T) {
	h := NewHandle()

	s, err := h.Store()
	assert.Nil(t, s)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrStorage))
	assert.NoError(t, h.Close(context.Background()))
}

func TestHandle_SetOnce(t *testing.T) {
	first, second := &nopStore{}, &nopStore{}
	h := NewHandle()

	assert.True(t, h.Set(first))
	assert.False(t, h.Set(second))

	s, err := h.Store()
	require.NoError(t, err)
	assert.Same(t, first, s)

	require.NoError(t, h.Close(context.Background()))
	assert.True(t, first.closed)
	assert.False(t, second.closed)
}

func TestFilters(t *testing.T) {
	assert.True(t, All().IsAll())

	eq := Eq(FieldUserID, 3)
	assert.False(t, eq.IsAll())
	assert.False(t, eq.IsIn())
	assert.Equal(t, []int{3}, eq.Values)

	in := In(FieldPostID, []int{1, 2})
	assert.True(t, in.IsIn())
	assert.Equal(t, FieldPostID, in.Field)
}
