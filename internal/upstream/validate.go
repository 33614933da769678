package upstream

import (
	"fmt"
	"strings"

	"github.com/sakif/userfeed/internal/model"
)

func validateUser(u model.User) error {
	if u.ID <= 0 {
		return fmt.Errorf("user id %d is not positive", u.ID)
	}
	if strings.TrimSpace(u.Name) == "" {
		return fmt.Errorf("user %d has no name", u.ID)
	}
	return nil
}

// validatePost also checks the post belongs to the user it was requested for.
func validatePost(p model.Post, userID int) error {
	if p.ID <= 0 {
		return fmt.Errorf("post id %d is not positive", p.ID)
	}
	if p.UserID != userID {
		return fmt.Errorf("post %d has userId %d, want %d", p.ID, p.UserID, userID)
	}
	return nil
}

func validateComment(c model.Comment, postID int) error {
	if c.ID <= 0 {
		return fmt.Errorf("comment id %d is not positive", c.ID)
	}
	if c.PostID != postID {
		return fmt.Errorf("comment %d has postId %d, want %d", c.ID, c.PostID, postID)
	}
	return nil
}
