// Package service holds the aggregation workflow: seeding from the upstream
// source, the user/posts/comments join and the cascading deletes.
//
// The service takes its collaborators as interfaces (a StoreProvider and a
// Fetcher) and knows nothing about HTTP, MongoDB or SQLite. Every failure
// from a collaborator is returned to the caller; nothing is retried and a
// failure part way through a multi-step operation leaves the steps before it
// applied.
//
// SEED FLOW:
//
//	GET /users                      → for each user, in upstream order:
//	  skip if already stored           (skip-existing mode)
//	  insert user
//	  GET /posts?userId={id}        → insert all posts
//	    GET /comments?postId={id}   → insert all comments, post by post
//
// Requests are sequential, so inserts and log lines follow upstream order.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rs/xid"

	"github.com/sakif/userfeed/internal/apperror"
	"github.com/sakif/userfeed/internal/metrics"
	"github.com/sakif/userfeed/internal/model"
	"github.com/sakif/userfeed/internal/repository"
)

// StoreProvider hands out the connected store, or a StorageUnavailable
// error before the connection is up. *repository.Handle implements it.
type StoreProvider interface {
	Store() (repository.Store, error)
}

// Fetcher reads seed data. Each call also returns how many records failed
// validation and were dropped.
type Fetcher interface {
	Users(ctx context.Context) ([]model.User, int, error)
	PostsByUser(ctx context.Context, userID int) ([]model.Post, int, error)
	CommentsByPost(ctx context.Context, postID int) ([]model.Comment, int, error)
}

// SeedMode selects how Load treats users that already exist.
type SeedMode string

const (
	// SeedSkipExisting inserts only users missing locally, with their posts
	// and comments. Known users are left untouched.
	SeedSkipExisting SeedMode = "skip-existing"
	// SeedReplace empties all three collections and reloads everything.
	SeedReplace SeedMode = "replace"
)

// ParseSeedMode accepts the names of the SeedMode constants.
func ParseSeedMode(s string) (SeedMode, error) {
	switch m := SeedMode(s); m {
	case SeedSkipExisting, SeedReplace:
		return m, nil
	}
	return "", fmt.Errorf("unknown seed mode %q (want %q or %q)", s, SeedSkipExisting, SeedReplace)
}

// LoadResult counts what one seed run did.
type LoadResult struct {
	RunID            string   `json:"runId"`
	Mode             SeedMode `json:"mode"`
	UsersInserted    int      `json:"usersInserted"`
	UsersSkipped     int      `json:"usersSkipped"`
	PostsInserted    int      `json:"postsInserted"`
	CommentsInserted int      `json:"commentsInserted"`
	Rejected         int      `json:"rejected"`
}

// Snapshot is the full content of the three collections.
type Snapshot struct {
	Users    []model.User    `json:"users"`
	Posts    []model.Post    `json:"posts"`
	Comments []model.Comment `json:"comments"`
}

type UserService struct {
	stores  StoreProvider
	fetcher Fetcher
	mode    SeedMode
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option customises a UserService.
type Option func(*UserService)

// WithSeedMode overrides the default SeedSkipExisting.
func WithSeedMode(m SeedMode) Option {
	return func(s *UserService) { s.mode = m }
}

// WithMetrics records seed counters on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *UserService) { s.metrics = m }
}

func NewUserService(stores StoreProvider, fetcher Fetcher, logger *slog.Logger, opts ...Option) *UserService {
	s := &UserService{
		stores:  stores,
		fetcher: fetcher,
		mode:    SeedSkipExisting,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Load seeds the store from the upstream source, one user at a time in
// upstream order: the user, then its posts, then each post's comments.
//
// There is no transaction around a user's documents. On error the returned
// result still counts what was written before the failure, and that user may
// be stored without some of its posts or comments. A later skip-existing run
// will not repair it, because the user already exists.
func (s *UserService) Load(ctx context.Context) (*LoadResult, error) {
	result := &LoadResult{RunID: xid.New().String(), Mode: s.mode}
	log := s.logger.With(slog.String("run", result.RunID), slog.String("mode", string(s.mode)))

	store, err := s.stores.Store()
	if err != nil {
		return result, err
	}

	if s.mode == SeedReplace {
		if err := deleteAll(ctx, store); err != nil {
			return result, fmt.Errorf("clearing collections before reload: %w", err)
		}
		log.Info("collections cleared for reload")
	}

	users, rejected, err := s.fetcher.Users(ctx)
	if err != nil {
		return result, fmt.Errorf("fetching users: %w", err)
	}
	result.Rejected += rejected

	for _, u := range users {
		if s.mode == SeedSkipExisting {
			n, err := store.Users().Count(ctx, repository.Eq(repository.FieldID, u.ID))
			if err != nil {
				return result, fmt.Errorf("checking user %d: %w", u.ID, err)
			}
			if n > 0 {
				result.UsersSkipped++
				s.metrics.IncSkippedUsers()
				log.Debug("user already present, skipping", slog.Int("userId", u.ID))
				continue
			}
		}

		if err := store.Users().InsertOne(ctx, u); err != nil {
			// Another run inserted the user between the check and the insert.
			if s.mode == SeedSkipExisting && errors.Is(err, apperror.ErrConflict) {
				result.UsersSkipped++
				s.metrics.IncSkippedUsers()
				continue
			}
			return result, fmt.Errorf("inserting user %d: %w", u.ID, err)
		}
		result.UsersInserted++
		s.metrics.AddInserted(repository.UsersCollection, 1)

		if err := s.loadPosts(ctx, store, u.ID, result); err != nil {
			log.Error("seed stopped part way through a user",
				slog.Int("userId", u.ID),
				slog.String("error", err.Error()),
			)
			return result, err
		}

		log.Info("user seeded", slog.Int("userId", u.ID), slog.String("name", u.Name))
	}

	log.Info("seed finished",
		slog.Int("usersInserted", result.UsersInserted),
		slog.Int("usersSkipped", result.UsersSkipped),
		slog.Int("postsInserted", result.PostsInserted),
		slog.Int("commentsInserted", result.CommentsInserted),
		slog.Int("rejected", result.Rejected),
	)
	return result, nil
}

func (s *UserService) loadPosts(ctx context.Context, store repository.Store, userID int, result *LoadResult) error {
	posts, rejected, err := s.fetcher.PostsByUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("fetching posts of user %d: %w", userID, err)
	}
	result.Rejected += rejected

	if err := store.Posts().InsertMany(ctx, posts); err != nil {
		return fmt.Errorf("inserting posts of user %d: %w", userID, err)
	}
	result.PostsInserted += len(posts)
	s.metrics.AddInserted(repository.PostsCollection, len(posts))

	for _, p := range posts {
		comments, rejected, err := s.fetcher.CommentsByPost(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("fetching comments of post %d: %w", p.ID, err)
		}
		result.Rejected += rejected

		if err := store.Comments().InsertMany(ctx, comments); err != nil {
			return fmt.Errorf("inserting comments of post %d: %w", p.ID, err)
		}
		result.CommentsInserted += len(comments)
		s.metrics.AddInserted(repository.CommentsCollection, len(comments))
	}

	return nil
}

// Snapshot reads the three collections in full.
func (s *UserService) Snapshot(ctx context.Context) (*Snapshot, error) {
	store, err := s.stores.Store()
	if err != nil {
		return nil, err
	}

	users, err := store.Users().Find(ctx, repository.All())
	if err != nil {
		return nil, fmt.Errorf("listing users: %w", err)
	}
	posts, err := store.Posts().Find(ctx, repository.All())
	if err != nil {
		return nil, fmt.Errorf("listing posts: %w", err)
	}
	comments, err := store.Comments().Find(ctx, repository.All())
	if err != nil {
		return nil, fmt.Errorf("listing comments: %w", err)
	}

	return &Snapshot{Users: users, Posts: posts, Comments: comments}, nil
}

// GetByID returns the user with its posts, each carrying its comments.
// Comments are fetched in one membership query and grouped in memory.
// Returns apperror.ErrNotFound if the user doesn't exist.
func (s *UserService) GetByID(ctx context.Context, id int) (*model.UserAggregate, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}

	store, err := s.stores.Store()
	if err != nil {
		return nil, err
	}

	user, err := store.Users().FindOne(ctx, repository.Eq(repository.FieldID, id))
	if err != nil {
		return nil, err
	}

	posts, err := store.Posts().Find(ctx, repository.Eq(repository.FieldUserID, id))
	if err != nil {
		return nil, fmt.Errorf("listing posts of user %d: %w", id, err)
	}

	byPost := make(map[int][]model.Comment, len(posts))
	if len(posts) > 0 {
		comments, err := store.Comments().Find(ctx, repository.In(repository.FieldPostID, postIDs(posts)))
		if err != nil {
			return nil, fmt.Errorf("listing comments of user %d: %w", id, err)
		}
		for _, c := range comments {
			byPost[c.PostID] = append(byPost[c.PostID], c)
		}
	}

	agg := &model.UserAggregate{
		User:  user,
		Posts: make([]model.PostWithComments, len(posts)),
	}
	for i, p := range posts {
		comments := byPost[p.ID]
		if comments == nil {
			comments = []model.Comment{}
		}
		agg.Posts[i] = model.PostWithComments{Post: p, Comments: comments}
	}

	return agg, nil
}

// Delete removes the user, its posts and their comments, children first.
// Post ids are resolved by userId before anything is deleted. The store runs
// the three deletes in one transaction when it can.
// Returns apperror.ErrNotFound if the user doesn't exist.
func (s *UserService) Delete(ctx context.Context, id int) error {
	if err := validateID(id); err != nil {
		return err
	}

	store, err := s.stores.Store()
	if err != nil {
		return err
	}

	var posts, comments int64
	err = store.RunInTx(ctx, func(ctx context.Context, tx repository.Store) error {
		if _, err := tx.Users().FindOne(ctx, repository.Eq(repository.FieldID, id)); err != nil {
			return err
		}

		owned, err := tx.Posts().Find(ctx, repository.Eq(repository.FieldUserID, id))
		if err != nil {
			return fmt.Errorf("listing posts of user %d: %w", id, err)
		}

		if comments, err = tx.Comments().DeleteMany(ctx, repository.In(repository.FieldPostID, postIDs(owned))); err != nil {
			return fmt.Errorf("deleting comments of user %d: %w", id, err)
		}
		if posts, err = tx.Posts().DeleteMany(ctx, repository.Eq(repository.FieldUserID, id)); err != nil {
			return fmt.Errorf("deleting posts of user %d: %w", id, err)
		}
		if _, err := tx.Users().DeleteOne(ctx, repository.Eq(repository.FieldID, id)); err != nil {
			return fmt.Errorf("deleting user %d: %w", id, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("user deleted",
		slog.Int("userId", id),
		slog.Int64("posts", posts),
		slog.Int64("comments", comments),
	)
	return nil
}

// DeleteAll empties all three collections.
func (s *UserService) DeleteAll(ctx context.Context) error {
	store, err := s.stores.Store()
	if err != nil {
		return err
	}

	if err := deleteAll(ctx, store); err != nil {
		return err
	}

	s.logger.Info("all users deleted")
	return nil
}

// Create inserts user unless one with the same id exists.
// Returns apperror.ErrConflict in that case; the stored user is unchanged.
func (s *UserService) Create(ctx context.Context, user *model.User) error {
	if user == nil {
		return apperror.ValidationFailed("body", "user is required")
	}
	if err := validateID(user.ID); err != nil {
		return err
	}

	store, err := s.stores.Store()
	if err != nil {
		return err
	}

	n, err := store.Users().Count(ctx, repository.Eq(repository.FieldID, user.ID))
	if err != nil {
		return fmt.Errorf("checking user %d: %w", user.ID, err)
	}
	if n > 0 {
		return apperror.Conflict("user", user.ID)
	}

	if err := store.Users().InsertOne(ctx, *user); err != nil {
		if errors.Is(err, apperror.ErrConflict) {
			return apperror.Conflict("user", user.ID)
		}
		s.logger.Error("failed to create user",
			slog.Int("userId", user.ID),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("creating user %d: %w", user.ID, err)
	}

	s.logger.Info("user created", slog.Int("userId", user.ID), slog.String("name", user.Name))
	return nil
}

func deleteAll(ctx context.Context, store repository.Store) error {
	return store.RunInTx(ctx, func(ctx context.Context, tx repository.Store) error {
		if _, err := tx.Comments().DeleteMany(ctx, repository.All()); err != nil {
			return fmt.Errorf("deleting comments: %w", err)
		}
		if _, err := tx.Posts().DeleteMany(ctx, repository.All()); err != nil {
			return fmt.Errorf("deleting posts: %w", err)
		}
		if _, err := tx.Users().DeleteMany(ctx, repository.All()); err != nil {
			return fmt.Errorf("deleting users: %w", err)
		}
		return nil
	})
}

func validateID(id int) error {
	if id <= 0 {
		return apperror.ValidationFailed("id", "user id must be a positive integer")
	}
	return nil
}

func postIDs(posts []model.Post) []int {
	ids := make([]int, len(posts))
	for i, p := range posts {
		ids[i] = p.ID
	}
	return ids
}
