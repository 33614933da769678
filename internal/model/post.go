package model

// Post belongs to the user referenced by UserID. The reference is not
// enforced by the store.
type Post struct {
	ID     int    `json:"id"     bson:"id"`
	UserID int    `json:"userId" bson:"userId"`
	Title  string `json:"title"  bson:"title"`
	Body   string `json:"body"   bson:"body"`
}

// Comment belongs to the post referenced by PostID.
type Comment struct {
	ID     int    `json:"id"     bson:"id"`
	PostID int    `json:"postId" bson:"postId"`
	Name   string `json:"name"   bson:"name"`
	Email  string `json:"email"  bson:"email"`
	Body   string `json:"body"   bson:"body"`
}
