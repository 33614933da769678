package mongodb_test

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/sakif/userfeed/internal/apperror"
	"github.com/sakif/userfeed/internal/model"
	"github.com/sakif/userfeed/internal/repository"
	"github.com/sakif/userfeed/internal/repository/mongodb/mongotest"
)

func TestMain(m *testing.M) {
	os.Exit(mongotest.Run(m))
}

func TestStore_Integration(t *testing.T) {
	s := mongotest.NewStore(t, false)
	ctx := context.Background()

	user := model.User{
		ID:      1,
		Name:    "Leanne Graham",
		Email:   "Sincere@april.biz",
		Address: model.Document{"city": "Gwenborough", "geo": map[string]any{"lat": "-37.3159"}},
	}
	require.NoError(t, s.Users().InsertOne(ctx, user))
	require.NoError(t, s.Posts().InsertMany(ctx, []model.Post{
		{ID: 10, UserID: 1, Title: "a"},
		{ID: 11, UserID: 1, Title: "b"},
		{ID: 20, UserID: 2, Title: "c"},
	}))
	require.NoError(t, s.Comments().InsertMany(ctx, []model.Comment{
		{ID: 100, PostID: 10},
		{ID: 101, PostID: 11},
		{ID: 200, PostID: 20},
	}))

	t.Run("find one decodes nested documents as maps", func(t *testing.T) {
		got, err := s.Users().FindOne(ctx, repository.Eq(repository.FieldID, 1))
		require.NoError(t, err)
		assert.Equal(t, "Leanne Graham", got.Name)
		geo, ok := got.Address["geo"].(bson.M)
		require.True(t, ok, "geo decoded as %T", got.Address["geo"])
		assert.Equal(t, "-37.3159", geo["lat"])
	})

	t.Run("not found", func(t *testing.T) {
		_, err := s.Users().FindOne(ctx, repository.Eq(repository.FieldID, 999))
		assert.True(t, errors.Is(err, apperror.ErrNotFound))
	})

	t.Run("duplicate id is a conflict", func(t *testing.T) {
		err := s.Users().InsertOne(ctx, model.User{ID: 1, Name: "again"})
		assert.True(t, errors.Is(err, apperror.ErrConflict))
	})

	t.Run("membership filter", func(t *testing.T) {
		comments, err := s.Comments().Find(ctx, repository.In(repository.FieldPostID, []int{10, 11}))
		require.NoError(t, err)
		require.Len(t, comments, 2)
		assert.Equal(t, 100, comments[0].ID)
		assert.Equal(t, 101, comments[1].ID)
	})

	t.Run("run in tx without transactions runs directly", func(t *testing.T) {
		err := s.RunInTx(ctx, func(ctx context.Context, tx repository.Store) error {
			_, err := tx.Posts().DeleteMany(ctx, repository.Eq(repository.FieldUserID, 2))
			return err
		})
		require.NoError(t, err)

		n, err := s.Posts().Count(ctx, repository.All())
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)
	})

	t.Run("delete many", func(t *testing.T) {
		n, err := s.Comments().DeleteMany(ctx, repository.All())
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)
	})
}

// seedChain stores user 1 with posts 10, 11 and their comments.
func seedChain(t *testing.T, s repository.Store) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.Users().InsertOne(ctx, model.User{ID: 1, Name: "Leanne Graham"}))
	require.NoError(t, s.Posts().InsertMany(ctx, []model.Post{
		{ID: 10, UserID: 1},
		{ID: 11, UserID: 1},
	}))
	require.NoError(t, s.Comments().InsertMany(ctx, []model.Comment{
		{ID: 100, PostID: 10},
		{ID: 101, PostID: 10},
		{ID: 110, PostID: 11},
	}))
}

func TestRunInTx_Transactions(t *testing.T) {
	t.Run("rolls back on error", func(t *testing.T) {
		s := mongotest.NewStore(t, true)
		seedChain(t, s)
		ctx := context.Background()
		boom := errors.New("boom")

		err := s.RunInTx(ctx, func(ctx context.Context, tx repository.Store) error {
			if _, err := tx.Comments().DeleteMany(ctx, repository.All()); err != nil {
				return err
			}
			if _, err := tx.Posts().DeleteMany(ctx, repository.All()); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		posts, err := s.Posts().Count(ctx, repository.All())
		require.NoError(t, err)
		assert.Equal(t, int64(2), posts)
		comments, err := s.Comments().Count(ctx, repository.All())
		require.NoError(t, err)
		assert.Equal(t, int64(3), comments)
	})

	t.Run("commits", func(t *testing.T) {
		s := mongotest.NewStore(t, true)
		seedChain(t, s)
		ctx := context.Background()

		err := s.RunInTx(ctx, func(ctx context.Context, tx repository.Store) error {
			if _, err := tx.Comments().DeleteMany(ctx, repository.All()); err != nil {
				return err
			}
			_, err := tx.Users().DeleteOne(ctx, repository.Eq(repository.FieldID, 1))
			return err
		})
		require.NoError(t, err)

		users, err := s.Users().Count(ctx, repository.All())
		require.NoError(t, err)
		assert.Zero(t, users)
		comments, err := s.Comments().Count(ctx, repository.All())
		require.NoError(t, err)
		assert.Zero(t, comments)
	})

	t.Run("nested call joins the outer transaction", func(t *testing.T) {
		s := mongotest.NewStore(t, true)
		seedChain(t, s)
		ctx := context.Background()
		boom := errors.New("boom")

		err := s.RunInTx(ctx, func(ctx context.Context, tx repository.Store) error {
			if err := tx.RunInTx(ctx, func(ctx context.Context, inner repository.Store) error {
				_, err := inner.Posts().DeleteMany(ctx, repository.All())
				return err
			}); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		posts, err := s.Posts().Count(ctx, repository.All())
		require.NoError(t, err)
		assert.Equal(t, int64(2), posts)
	})
}
