package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/userfeed/internal/apperror"
	"github.com/sakif/userfeed/internal/model"
	"github.com/sakif/userfeed/internal/repository"
	"github.com/sakif/userfeed/internal/repository/sqlite"
)

// =========================================================================
// FAKE FETCHER
// =========================================================================

// fakeFetcher serves a fixed data set and can fail on chosen calls.
type fakeFetcher struct {
	users    []model.User
	posts    map[int][]model.Post    // by user id
	comments map[int][]model.Comment // by post id

	usersErr       error
	failCommentsOf int // post id whose comments fetch fails
	rejected       int // reported on every Users call

	calls []string
}

func (f *fakeFetcher) Users(context.Context) ([]model.User, int, error) {
	f.calls = append(f.calls, "users")
	if f.usersErr != nil {
		return nil, 0, f.usersErr
	}
	return f.users, f.rejected, nil
}

func (f *fakeFetcher) PostsByUser(_ context.Context, userID int) ([]model.Post, int, error) {
	f.calls = append(f.calls, fmt.Sprintf("posts?userId=%d", userID))
	return f.posts[userID], 0, nil
}

func (f *fakeFetcher) CommentsByPost(_ context.Context, postID int) ([]model.Comment, int, error) {
	f.calls = append(f.calls, fmt.Sprintf("comments?postId=%d", postID))
	if postID == f.failCommentsOf {
		return nil, 0, apperror.UpstreamUnavailable("upstream: fetching comments", errors.New("connection reset"))
	}
	return f.comments[postID], 0, nil
}

// newFixture returns two users; user 1 has posts 10 and 11, user 2 has post 20.
func newFixture() *fakeFetcher {
	return &fakeFetcher{
		users: []model.User{
			{ID: 1, Name: "Leanne Graham", Username: "Bret", Address: model.Document{"city": "Gwenborough"}},
			{ID: 2, Name: "Ervin Howell", Username: "Antonette"},
		},
		posts: map[int][]model.Post{
			1: {{ID: 10, UserID: 1, Title: "a"}, {ID: 11, UserID: 1, Title: "b"}},
			2: {{ID: 20, UserID: 2, Title: "c"}},
		},
		comments: map[int][]model.Comment{
			10: {{ID: 100, PostID: 10}, {ID: 101, PostID: 10}},
			11: {{ID: 110, PostID: 11}},
			20: {{ID: 200, PostID: 20}},
		},
	}
}

// =========================================================================
// TEST HELPERS
// =========================================================================

func newTestService(t *testing.T, f Fetcher, opts ...Option) (*UserService, *sqlite.DB) {
	t.Helper()
	db, err := sqlite.New(":memory:", 0)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close(context.Background()) })

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewUserService(repository.Connected(db), f, logger, opts...), db
}

func userIDs(t *testing.T, db *sqlite.DB) []int {
	t.Helper()
	users, err := db.Users().Find(context.Background(), repository.All())
	require.NoError(t, err)
	ids := make([]int, len(users))
	for i, u := range users {
		ids[i] = u.ID
	}
	sort.Ints(ids)
	return ids
}

type counter interface {
	Count(ctx context.Context, f repository.Filter) (int64, error)
}

func count(t *testing.T, c counter, f repository.Filter) int64 {
	t.Helper()
	n, err := c.Count(context.Background(), f)
	require.NoError(t, err)
	return n
}

// =========================================================================
// LOAD TESTS
// =========================================================================

func TestLoad_InsertsUsersPostsComments(t *testing.T) {
	f := newFixture()
	f.rejected = 1
	svc, db := newTestService(t, f)
	ctx := context.Background()

	res, err := svc.Load(ctx)
	require.NoError(t, err)

	assert.NotEmpty(t, res.RunID)
	assert.Equal(t, SeedSkipExisting, res.Mode)
	assert.Equal(t, 2, res.UsersInserted)
	assert.Equal(t, 0, res.UsersSkipped)
	assert.Equal(t, 3, res.PostsInserted)
	assert.Equal(t, 4, res.CommentsInserted)
	assert.Equal(t, 1, res.Rejected)

	assert.Equal(t, []int{1, 2}, userIDs(t, db))
	assert.Equal(t, int64(3), count(t, db.Posts(), repository.All()))
	assert.Equal(t, int64(4), count(t, db.Comments(), repository.All()))

	// Sequential, in upstream order: user, its posts, then each post's comments.
	assert.Equal(t, []string{
		"users",
		"posts?userId=1", "comments?postId=10", "comments?postId=11",
		"posts?userId=2", "comments?postId=20",
	}, f.calls)
}

func TestLoad_IsIdempotent(t *testing.T) {
	f := newFixture()
	svc, db := newTestService(t, f)
	ctx := context.Background()

	_, err := svc.Load(ctx)
	require.NoError(t, err)
	first := userIDs(t, db)

	res, err := svc.Load(ctx)
	require.NoError(t, err)

	assert.Equal(t, first, userIDs(t, db))
	assert.Equal(t, 0, res.UsersInserted)
	assert.Equal(t, 2, res.UsersSkipped)
	assert.Equal(t, int64(3), count(t, db.Posts(), repository.All()))
	assert.Equal(t, int64(4), count(t, db.Comments(), repository.All()))
}

func TestLoad_SkipsExistingUserWithoutRefreshing(t *testing.T) {
	f := newFixture()
	svc, db := newTestService(t, f)
	ctx := context.Background()

	require.NoError(t, db.Users().InsertOne(ctx, model.User{ID: 1, Name: "local copy"}))

	res, err := svc.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.UsersInserted)
	assert.Equal(t, 1, res.UsersSkipped)

	u, err := db.Users().FindOne(ctx, repository.Eq(repository.FieldID, 1))
	require.NoError(t, err)
	assert.Equal(t, "local copy", u.Name)

	assert.Zero(t, count(t, db.Posts(), repository.Eq(repository.FieldUserID, 1)))
	assert.NotContains(t, f.calls, "posts?userId=1")
}

func TestLoad_ReplaceModeReloadsEverything(t *testing.T) {
	f := newFixture()
	svc, db := newTestService(t, f, WithSeedMode(SeedReplace))
	ctx := context.Background()

	require.NoError(t, db.Users().InsertOne(ctx, model.User{ID: 1, Name: "stale"}))
	require.NoError(t, db.Users().InsertOne(ctx, model.User{ID: 99, Name: "gone upstream"}))

	res, err := svc.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.UsersInserted)
	assert.Equal(t, []int{1, 2}, userIDs(t, db))

	u, err := db.Users().FindOne(ctx, repository.Eq(repository.FieldID, 1))
	require.NoError(t, err)
	assert.Equal(t, "Leanne Graham", u.Name)

	// A second replace run ends in the same state.
	_, err = svc.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2}, userIDs(t, db))
	assert.Equal(t, int64(3), count(t, db.Posts(), repository.All()))
}

func TestLoad_PartialFailureLeavesEarlierWrites(t *testing.T) {
	f := newFixture()
	f.failCommentsOf = 11
	svc, db := newTestService(t, f)
	ctx := context.Background()

	res, err := svc.Load(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrUpstream))

	// User 1 and both posts are in; only post 10's comments made it.
	assert.Equal(t, []int{1}, userIDs(t, db))
	assert.Equal(t, int64(2), count(t, db.Posts(), repository.All()))
	assert.Equal(t, int64(2), count(t, db.Comments(), repository.All()))
	assert.Equal(t, 1, res.UsersInserted)
	assert.Equal(t, 2, res.CommentsInserted)

	// A retry skips user 1, so its missing comments are not repaired.
	f.failCommentsOf = 0
	res, err = svc.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.UsersSkipped)
	assert.Zero(t, count(t, db.Comments(), repository.Eq(repository.FieldPostID, 11)))
}

func TestLoad_UpstreamUsersFailure(t *testing.T) {
	f := newFixture()
	f.usersErr = apperror.UpstreamUnavailable("upstream: fetching users", errors.New("dial tcp: refused"))
	svc, db := newTestService(t, f)

	_, err := svc.Load(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrUpstream))
	assert.Empty(t, userIDs(t, db))
}

// =========================================================================
// GET BY ID TESTS
// =========================================================================

func TestGetByID_JoinsPostsAndComments(t *testing.T) {
	svc, _ := newTestService(t, newFixture())
	ctx := context.Background()
	_, err := svc.Load(ctx)
	require.NoError(t, err)

	agg, err := svc.GetByID(ctx, 1)
	require.NoError(t, err)

	assert.Equal(t, 1, agg.ID)
	assert.Equal(t, "Bret", agg.Username)
	require.Len(t, agg.Posts, 2)
	for _, p := range agg.Posts {
		for _, c := range p.Comments {
			assert.Equal(t, p.ID, c.PostID)
		}
	}
	assert.Len(t, agg.Posts[0].Comments, 2)
	assert.Len(t, agg.Posts[1].Comments, 1)
}

func TestGetByID_SingleChainScenario(t *testing.T) {
	f := &fakeFetcher{
		users:    []model.User{{ID: 1, Name: "one"}},
		posts:    map[int][]model.Post{1: {{ID: 10, UserID: 1}}},
		comments: map[int][]model.Comment{10: {{ID: 100, PostID: 10}}},
	}
	svc, _ := newTestService(t, f)
	ctx := context.Background()
	_, err := svc.Load(ctx)
	require.NoError(t, err)

	agg, err := svc.GetByID(ctx, 1)
	require.NoError(t, err)

	want := &model.UserAggregate{
		User: model.User{ID: 1, Name: "one"},
		Posts: []model.PostWithComments{
			{Post: model.Post{ID: 10, UserID: 1}, Comments: []model.Comment{{ID: 100, PostID: 10}}},
		},
	}
	assert.Equal(t, want, agg)
}

func TestGetByID_UserWithoutPosts(t *testing.T) {
	svc, db := newTestService(t, newFixture())
	ctx := context.Background()
	require.NoError(t, db.Users().InsertOne(ctx, model.User{ID: 5, Name: "quiet"}))

	agg, err := svc.GetByID(ctx, 5)
	require.NoError(t, err)
	assert.NotNil(t, agg.Posts)
	assert.Empty(t, agg.Posts)
}

func TestGetByID_NotFound(t *testing.T) {
	svc, _ := newTestService(t, newFixture())

	agg, err := svc.GetByID(context.Background(), 999)
	assert.Nil(t, agg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrNotFound))
}

func TestGetByID_InvalidID(t *testing.T) {
	svc, _ := newTestService(t, newFixture())

	_, err := svc.GetByID(context.Background(), 0)
	assert.True(t, errors.Is(err, apperror.ErrValidation))
}

// =========================================================================
// DELETE TESTS
// =========================================================================

func TestDelete_Cascades(t *testing.T) {
	svc, db := newTestService(t, newFixture())
	ctx := context.Background()
	_, err := svc.Load(ctx)
	require.NoError(t, err)

	require.NoError(t, svc.Delete(ctx, 1))

	assert.Equal(t, []int{2}, userIDs(t, db))
	assert.Zero(t, count(t, db.Posts(), repository.Eq(repository.FieldUserID, 1)))
	assert.Zero(t, count(t, db.Comments(), repository.In(repository.FieldPostID, []int{10, 11})))

	// User 2's data is untouched.
	assert.Equal(t, int64(1), count(t, db.Posts(), repository.All()))
	assert.Equal(t, int64(1), count(t, db.Comments(), repository.All()))
}

func TestDeleteAndCreate_ConcurrentOnFileDatabase(t *testing.T) {
	db, err := sqlite.New(filepath.Join(t.TempDir(), "userfeed.db"), 30*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close(context.Background()) })
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	svc := NewUserService(repository.Connected(db), newFixture(), logger)
	ctx := context.Background()

	const n = 100
	for i := 1; i <= n; i++ {
		require.NoError(t, db.Users().InsertOne(ctx, model.User{ID: i, Name: "user"}))
		require.NoError(t, db.Posts().InsertOne(ctx, model.Post{ID: i, UserID: i}))
		require.NoError(t, db.Comments().InsertOne(ctx, model.Comment{ID: i, PostID: i}))
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2*n)
	for i := 1; i <= n; i++ {
		wg.Add(2)
		go func(id int) {
			defer wg.Done()
			errs <- svc.Delete(ctx, id)
		}(i)
		go func(id int) {
			defer wg.Done()
			errs <- svc.Create(ctx, &model.User{ID: 1000 + id, Name: "created"})
		}(i)
	}
	wg.Wait()
	close(errs)

	failed := 0
	for err := range errs {
		if err != nil {
			failed++
			t.Log(err)
		}
	}
	assert.Zero(t, failed, "failed operations")
	assert.Equal(t, int64(n), count(t, db.Users(), repository.All()))
	assert.Zero(t, count(t, db.Posts(), repository.All()))
	assert.Zero(t, count(t, db.Comments(), repository.All()))
}

func TestDelete_NotFound(t *testing.T) {
	svc, _ := newTestService(t, newFixture())

	err := svc.Delete(context.Background(), 42)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrNotFound))
}

func TestDeleteAll_EmptiesEverything(t *testing.T) {
	svc, db := newTestService(t, newFixture())
	ctx := context.Background()
	_, err := svc.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, db.Comments().InsertOne(ctx, model.Comment{ID: 999, PostID: 12345}))

	require.NoError(t, svc.DeleteAll(ctx))

	assert.Zero(t, count(t, db.Users(), repository.All()))
	assert.Zero(t, count(t, db.Posts(), repository.All()))
	assert.Zero(t, count(t, db.Comments(), repository.All()))
}

// =========================================================================
// CREATE TESTS
// =========================================================================

func TestCreate_Success(t *testing.T) {
	svc, db := newTestService(t, newFixture())
	ctx := context.Background()

	user := &model.User{ID: 11, Name: "New", Company: model.Document{"name": "Acme"}}
	require.NoError(t, svc.Create(ctx, user))

	got, err := db.Users().FindOne(ctx, repository.Eq(repository.FieldID, 11))
	require.NoError(t, err)
	assert.Equal(t, "Acme", got.Company["name"])
}

func TestCreate_Conflict(t *testing.T) {
	svc, db := newTestService(t, newFixture())
	ctx := context.Background()
	require.NoError(t, svc.Create(ctx, &model.User{ID: 1, Name: "original"}))

	err := svc.Create(ctx, &model.User{ID: 1, Name: "impostor"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrConflict))

	got, err := db.Users().FindOne(ctx, repository.Eq(repository.FieldID, 1))
	require.NoError(t, err)
	assert.Equal(t, "original", got.Name)
}

func TestCreate_Validation(t *testing.T) {
	svc, _ := newTestService(t, newFixture())

	assert.True(t, errors.Is(svc.Create(context.Background(), nil), apperror.ErrValidation))
	assert.True(t, errors.Is(svc.Create(context.Background(), &model.User{Name: "no id"}), apperror.ErrValidation))
}

// =========================================================================
// NOT CONNECTED
// =========================================================================

func TestStoreNotConnected(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	svc := NewUserService(repository.NewHandle(), newFixture(), logger)
	ctx := context.Background()

	_, err := svc.Load(ctx)
	assert.True(t, errors.Is(err, apperror.ErrStorage))
	_, err = svc.GetByID(ctx, 1)
	assert.True(t, errors.Is(err, apperror.ErrStorage))
	assert.True(t, errors.Is(svc.Delete(ctx, 1), apperror.ErrStorage))
	assert.True(t, errors.Is(svc.DeleteAll(ctx), apperror.ErrStorage))
	assert.True(t, errors.Is(svc.Create(ctx, &model.User{ID: 1}), apperror.ErrStorage))
	_, err = svc.Snapshot(ctx)
	assert.True(t, errors.Is(err, apperror.ErrStorage))
}

func TestParseSeedMode(t *testing.T) {
	m, err := ParseSeedMode("replace")
	require.NoError(t, err)
	assert.Equal(t, SeedReplace, m)

	_, err = ParseSeedMode("merge")
	assert.Error(t, err)
}
