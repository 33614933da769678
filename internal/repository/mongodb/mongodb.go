// Package mongodb implements the repository.Store contract on MongoDB.
//
// The three collections keep the documents exactly as they come from the
// upstream source. Integer ids stay the identity key; MongoDB's own _id is
// generated and never read back.
package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/sakif/userfeed/internal/apperror"
	"github.com/sakif/userfeed/internal/model"
	"github.com/sakif/userfeed/internal/repository"
)

var _ repository.Store = (*Store)(nil)

// Config holds the connection settings.
type Config struct {
	URI      string
	Database string
	// Transactions wraps RunInTx in a session transaction. It needs a
	// replica set or sharded cluster; a standalone server rejects it.
	Transactions bool
	// Timeout bounds every single operation.
	Timeout time.Duration
}

// Store is a connected MongoDB database.
type Store struct {
	client  *mongo.Client
	db      *mongo.Database
	useTx   bool
	timeout time.Duration

	users    *collection[model.User]
	posts    *collection[model.Post]
	comments *collection[model.Comment]
}

// New connects, pings the primary and creates the indexes the join and the
// cascade rely on.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	// Nested documents inside opaque fields decode as maps, not bson.D
	// key/value slices, so they serialize back to JSON objects.
	opts := options.Client().
		ApplyURI(cfg.URI).
		SetBSONOptions(&options.BSONOptions{DefaultDocumentM: true})

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb: connecting: %w", err)
	}

	if err := client.Ping(connectCtx, readpref.Primary()); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongodb: pinging %s: %w", cfg.Database, err)
	}

	s := newStore(client, cfg)
	if err := s.ensureIndexes(ctx); err != nil {
		client.Disconnect(context.Background())
		return nil, err
	}

	return s, nil
}

func newStore(client *mongo.Client, cfg Config) *Store {
	db := client.Database(cfg.Database)
	return &Store{
		client:   client,
		db:       db,
		useTx:    cfg.Transactions,
		timeout:  cfg.Timeout,
		users:    newCollection[model.User](db, repository.UsersCollection, "user", cfg.Timeout),
		posts:    newCollection[model.Post](db, repository.PostsCollection, "post", cfg.Timeout),
		comments: newCollection[model.Comment](db, repository.CommentsCollection, "comment", cfg.Timeout),
	}
}

func (s *Store) Users() repository.Collection[model.User]       { return s.users }
func (s *Store) Posts() repository.Collection[model.Post]       { return s.posts }
func (s *Store) Comments() repository.Collection[model.Comment] { return s.comments }

// RunInTx runs fn in a multi-document transaction when transactions are
// enabled. fn must use the context it is handed; the session rides on it.
// Without transactions fn runs directly and a failure part way through
// leaves the earlier statements applied.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx repository.Store) error) error {
	if !s.useTx || mongo.SessionFromContext(ctx) != nil {
		return fn(ctx, s)
	}

	sess, err := s.client.StartSession()
	if err != nil {
		return apperror.StorageUnavailable("mongodb: starting session", err)
	}
	defer sess.EndSession(context.Background())

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (any, error) {
		return nil, fn(sc, s)
	})
	return err
}

func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.client.Ping(ctx, readpref.Primary())
}

func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

// ensureIndexes is idempotent: creating an existing index with the same
// keys and options is a no-op on the server.
func (s *Store) ensureIndexes(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	unique := func(field string) mongo.IndexModel {
		return mongo.IndexModel{
			Keys:    bson.D{{Key: field, Value: 1}},
			Options: options.Index().SetUnique(true),
		}
	}

	indexes := map[string][]mongo.IndexModel{
		repository.UsersCollection: {unique(repository.FieldID)},
		repository.PostsCollection: {
			unique(repository.FieldID),
			{Keys: bson.D{{Key: repository.FieldUserID, Value: 1}}},
		},
		repository.CommentsCollection: {
			unique(repository.FieldID),
			{Keys: bson.D{{Key: repository.FieldPostID, Value: 1}}},
		},
	}

	for name, models := range indexes {
		if _, err := s.db.Collection(name).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("mongodb: creating %s indexes: %w", name, err)
		}
	}
	return nil
}
