package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/userfeed/internal/apperror"
	"github.com/sakif/userfeed/internal/model"
	"github.com/sakif/userfeed/internal/service"
)

// maxBodyBytes caps the PUT /users request body.
const maxBodyBytes = 1 << 20

// UserWorkflow is the part of service.UserService the handlers call.
type UserWorkflow interface {
	Load(ctx context.Context) (*service.LoadResult, error)
	Snapshot(ctx context.Context) (*service.Snapshot, error)
	GetByID(ctx context.Context, id int) (*model.UserAggregate, error)
	Delete(ctx context.Context, id int) error
	DeleteAll(ctx context.Context) error
	Create(ctx context.Context, user *model.User) error
}

// UserHandler maps the user endpoints onto the workflow. It parses input,
// calls one workflow method and writes the result; no business rules live here.
type UserHandler struct {
	users  UserWorkflow
	logger *slog.Logger
}

func NewUserHandler(users UserWorkflow, logger *slog.Logger) *UserHandler {
	return &UserHandler{users: users, logger: logger}
}

// LoadResponse is the body of GET /load: a post-seed snapshot of all three
// collections plus the seed counters.
type LoadResponse struct {
	Message  string              `json:"message"`
	Users    []model.User        `json:"users"`
	Posts    []model.Post        `json:"posts"`
	Comments []model.Comment     `json:"comments"`
	Stats    *service.LoadResult `json:"stats"`
}

// HandleLoad seeds from upstream and returns the resulting collections.
//
// HTTP: GET /load
func (h *UserHandler) HandleLoad(w http.ResponseWriter, r *http.Request) {
	result, err := h.users.Load(r.Context())
	if err != nil {
		// A duplicate key while seeding means upstream data collided with
		// stored data. The caller sent nothing that conflicts, so it is a
		// server failure, not a 409.
		if errors.Is(err, apperror.ErrConflict) {
			h.logger.Error("load failed", slog.String("error", err.Error()))
			writeErrorAs(w, http.StatusInternalServerError, "internal_error", err)
			return
		}
		h.logFailure("load failed", err)
		writeError(w, err)
		return
	}

	snap, err := h.users.Snapshot(r.Context())
	if err != nil {
		h.logFailure("reading collections after load failed", err)
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, LoadResponse{
		Message:  "Data loaded successfully",
		Users:    snap.Users,
		Posts:    snap.Posts,
		Comments: snap.Comments,
		Stats:    result,
	})
}

// HandleDeleteAll empties users, posts and comments.
//
// HTTP: DELETE /users
func (h *UserHandler) HandleDeleteAll(w http.ResponseWriter, r *http.Request) {
	if err := h.users.DeleteAll(r.Context()); err != nil {
		h.logFailure("delete all failed", err)
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// HandleDelete removes one user with its posts and comments.
//
// HTTP: DELETE /users/{userId}
func (h *UserHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := userIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	if err := h.users.Delete(r.Context(), id); err != nil {
		h.logFailure("delete failed", err, slog.Int("userId", id))
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// HandleGet returns the user with nested posts and comments.
//
// HTTP: GET /users/{userId}
func (h *UserHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id, err := userIDParam(r)
	if err != nil {
		writeError(w, err)
		return
	}

	agg, err := h.users.GetByID(r.Context(), id)
	if err != nil {
		h.logFailure("get failed", err, slog.Int("userId", id))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, agg)
}

// HandleCreate stores a new user from the JSON body. Nested fields such as
// address and company are kept as sent.
//
// HTTP: PUT /users
func (h *UserHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var user model.User
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&user); err != nil {
		h.logger.Warn("invalid user JSON", slog.String("error", err.Error()))
		writeError(w, apperror.ValidationFailed("body", "invalid JSON body"))
		return
	}

	if err := h.users.Create(r.Context(), &user); err != nil {
		h.logFailure("create failed", err, slog.Int("userId", user.ID))
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

func userIDParam(r *http.Request) (int, error) {
	raw := chi.URLParam(r, "userId")
	id, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperror.ValidationFailed("userId", "userId must be an integer")
	}
	return id, nil
}

// logFailure logs server-side failures. Client errors (validation, not
// found, conflict) are normal responses and are left to the access log.
func (h *UserHandler) logFailure(msg string, err error, attrs ...any) {
	if status, _ := errorStatus(err); status < http.StatusInternalServerError {
		return
	}
	if errors.Is(err, context.Canceled) {
		return
	}
	h.logger.Error(msg, append(attrs, slog.String("error", err.Error()))...)
}
