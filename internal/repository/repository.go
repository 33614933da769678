// Package repository defines the persistence contract the workflow runs on.
//
// A Store exposes three named collections (users, posts, comments). Each
// collection supports insert, find and delete with a Filter that is either
// empty (match everything), an equality predicate or a set-membership
// predicate. Nothing richer is needed by the service layer, which keeps the
// MongoDB and SQLite implementations small and interchangeable.
//
// WHY ONE GENERIC COLLECTION INTERFACE?
// Users, posts and comments are all "a document with an integer id, looked
// up by one integer field". Instead of three near-identical repository
// interfaces (UserRepository, PostRepository, ...), Collection[T] is written
// once and instantiated three times:
//
//	store.Users()    // Collection[model.User]
//	store.Posts()    // Collection[model.Post]
//	store.Comments() // Collection[model.Comment]
//
// Each backend then implements one generic type as well (sqlite.table[T],
// mongodb.collection[T]).
package repository

import (
	"context"

	"github.com/sakif/userfeed/internal/model"
)

// Collection names shared by every implementation.
const (
	UsersCollection    = "users"
	PostsCollection    = "posts"
	CommentsCollection = "comments"
)

// Filter field names, spelled as they appear in the stored documents.
const (
	FieldID     = "id"
	FieldUserID = "userId"
	FieldPostID = "postId"
)

// Filter selects documents by a single integer field. The zero Filter
// matches every document.
//
// Build one with the constructors instead of a struct literal:
//
//	repository.All()                               // every document
//	repository.Eq(repository.FieldUserID, 1)      // userId == 1
//	repository.In(repository.FieldPostID, postIDs) // postId in postIDs
//
// The backends translate it: a WHERE clause in SQLite, a bson filter in
// MongoDB. Field names are the JSON names, not SQL column names; each
// backend maps them and rejects fields it does not index.
type Filter struct {
	Field  string
	Values []int
	in     bool
}

// All matches every document in a collection.
func All() Filter { return Filter{} }

// Eq matches documents whose field equals v.
func Eq(field string, v int) Filter {
	return Filter{Field: field, Values: []int{v}}
}

// In matches documents whose field is one of vs. An empty set matches nothing.
func In(field string, vs []int) Filter {
	return Filter{Field: field, Values: vs, in: true}
}

// IsAll reports whether f matches every document.
func (f Filter) IsAll() bool { return f.Field == "" }

// IsIn reports whether f is a set-membership predicate.
func (f Filter) IsIn() bool { return f.in }

// Collection is the per-collection half of the gateway.
// FindOne returns an apperror.ErrNotFound error when nothing matches.
type Collection[T any] interface {
	InsertOne(ctx context.Context, doc T) error
	InsertMany(ctx context.Context, docs []T) error
	FindOne(ctx context.Context, f Filter) (T, error)
	Find(ctx context.Context, f Filter) ([]T, error)
	Count(ctx context.Context, f Filter) (int64, error)
	DeleteOne(ctx context.Context, f Filter) (int64, error)
	DeleteMany(ctx context.Context, f Filter) (int64, error)
}

// Store is a connected document store.
type Store interface {
	Users() Collection[model.User]
	Posts() Collection[model.Post]
	Comments() Collection[model.Comment]

	// RunInTx runs fn with a Store and context bound to one transaction
	// when the backend supports it. Otherwise fn runs against the plain
	// store and its statements are not atomic as a group.
	RunInTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}
