package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sakif/userfeed/internal/apperror"
	"github.com/sakif/userfeed/internal/repository"
)

type collection[T any] struct {
	c        *mongo.Collection
	resource string
	timeout  time.Duration
}

func newCollection[T any](db *mongo.Database, name, resource string, timeout time.Duration) *collection[T] {
	return &collection[T]{
		c:        db.Collection(name),
		resource: resource,
		timeout:  timeout,
	}
}

func (c *collection[T]) InsertOne(ctx context.Context, doc T) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if _, err := c.c.InsertOne(ctx, doc); err != nil {
		return c.writeErr("inserting", err)
	}
	return nil
}

// InsertMany is ordered: the server stops at the first failing document and
// keeps the ones before it.
func (c *collection[T]) InsertMany(ctx context.Context, docs []T) error {
	if len(docs) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	batch := make([]any, len(docs))
	for i := range docs {
		batch[i] = docs[i]
	}

	if _, err := c.c.InsertMany(ctx, batch); err != nil {
		return c.writeErr("inserting many", err)
	}
	return nil
}

func (c *collection[T]) FindOne(ctx context.Context, f repository.Filter) (T, error) {
	var doc T

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err := c.c.FindOne(ctx, toBSON(f), options.FindOne().SetSort(byID)).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return doc, apperror.NotFound(c.resource, describe(f))
		}
		return doc, apperror.StorageUnavailable("mongodb: finding "+c.resource, err)
	}
	return doc, nil
}

func (c *collection[T]) Find(ctx context.Context, f repository.Filter) ([]T, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cur, err := c.c.Find(ctx, toBSON(f), options.Find().SetSort(byID))
	if err != nil {
		return nil, apperror.StorageUnavailable("mongodb: listing "+c.c.Name(), err)
	}

	docs := make([]T, 0)
	if err := cur.All(ctx, &docs); err != nil {
		return nil, apperror.StorageUnavailable("mongodb: reading "+c.c.Name(), err)
	}
	return docs, nil
}

func (c *collection[T]) Count(ctx context.Context, f repository.Filter) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	n, err := c.c.CountDocuments(ctx, toBSON(f))
	if err != nil {
		return 0, apperror.StorageUnavailable("mongodb: counting "+c.c.Name(), err)
	}
	return n, nil
}

func (c *collection[T]) DeleteOne(ctx context.Context, f repository.Filter) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.c.DeleteOne(ctx, toBSON(f))
	if err != nil {
		return 0, apperror.StorageUnavailable("mongodb: deleting from "+c.c.Name(), err)
	}
	return res.DeletedCount, nil
}

func (c *collection[T]) DeleteMany(ctx context.Context, f repository.Filter) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	res, err := c.c.DeleteMany(ctx, toBSON(f))
	if err != nil {
		return 0, apperror.StorageUnavailable("mongodb: deleting from "+c.c.Name(), err)
	}
	return res.DeletedCount, nil
}

func (c *collection[T]) writeErr(op string, err error) error {
	if mongo.IsDuplicateKeyError(err) {
		return &apperror.AppError{
			Err:     apperror.ErrConflict,
			Message: c.resource + " already exists",
			Cause:   err,
		}
	}
	return apperror.StorageUnavailable(fmt.Sprintf("mongodb: %s %s", op, c.c.Name()), err)
}

var byID = bson.D{{Key: repository.FieldID, Value: 1}}

// toBSON translates a Filter into a query document. Document field names
// match the Filter field names, so no mapping is needed.
func toBSON(f repository.Filter) bson.M {
	switch {
	case f.IsAll():
		return bson.M{}
	case f.IsIn():
		values := f.Values
		if values == nil {
			values = []int{}
		}
		return bson.M{f.Field: bson.M{"$in": values}}
	default:
		return bson.M{f.Field: f.Values[0]}
	}
}

func describe(f repository.Filter) string {
	if len(f.Values) == 1 && !f.IsIn() {
		return fmt.Sprint(f.Values[0])
	}
	return fmt.Sprint(f.Values)
}
