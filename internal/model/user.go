// Package model defines the data structures used throughout the application.
package model

// Document is a nested value passed through without a schema, such as a
// user's address or company block.
type Document map[string]any

// User is identified by an externally assigned integer id. Address and
// Company are stored verbatim; nothing validates their shape.
type User struct {
	ID       int      `json:"id"                bson:"id"`
	Name     string   `json:"name"              bson:"name"`
	Username string   `json:"username"          bson:"username"`
	Email    string   `json:"email"             bson:"email"`
	Address  Document `json:"address,omitempty" bson:"address,omitempty"`
	Phone    string   `json:"phone,omitempty"   bson:"phone,omitempty"`
	Website  string   `json:"website,omitempty" bson:"website,omitempty"`
	Company  Document `json:"company,omitempty" bson:"company,omitempty"`
}

// UserAggregate is a user joined in memory with its posts and their comments.
// It is a read model only and is never stored.
type UserAggregate struct {
	User
	Posts []PostWithComments `json:"posts"`
}

// PostWithComments is a post carrying the comments whose postId matches it.
type PostWithComments struct {
	Post
	Comments []Comment `json:"comments"`
}
