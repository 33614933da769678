// Package upstream fetches seed data from a jsonplaceholder-style REST API.
//
// Three read-only endpoints are consumed:
//
//	GET {base}/users
//	GET {base}/posts?userId={id}
//	GET {base}/comments?postId={id}
//
// Every record is checked before it is handed out. Malformed records are
// logged and counted, never returned.
package upstream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/sakif/userfeed/internal/apperror"
	"github.com/sakif/userfeed/internal/metrics"
	"github.com/sakif/userfeed/internal/model"
)

// DefaultBaseURL is the public API the original data set comes from.
const DefaultBaseURL = "https://jsonplaceholder.typicode.com"

// maxBodyBytes caps a single response body.
const maxBodyBytes = 16 << 20

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client is safe for concurrent use.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option customises a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithMetrics records request counts and latencies on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// New creates a Client. timeout bounds each request, not a whole seed run.
func New(baseURL string, timeout time.Duration, logger *slog.Logger, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		timeout: timeout,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Users lists every upstream user. The second result is the number of
// records rejected by validation.
func (c *Client) Users(ctx context.Context) ([]model.User, int, error) {
	var raw []model.User
	if err := c.get(ctx, "users", nil, &raw); err != nil {
		return nil, 0, err
	}

	users := make([]model.User, 0, len(raw))
	for _, u := range raw {
		if err := validateUser(u); err != nil {
			c.reject("users", err)
			continue
		}
		users = append(users, u)
	}
	return users, len(raw) - len(users), nil
}

// PostsByUser lists the posts of userID.
func (c *Client) PostsByUser(ctx context.Context, userID int) ([]model.Post, int, error) {
	var raw []model.Post
	q := url.Values{"userId": {strconv.Itoa(userID)}}
	if err := c.get(ctx, "posts", q, &raw); err != nil {
		return nil, 0, err
	}

	posts := make([]model.Post, 0, len(raw))
	for _, p := range raw {
		if err := validatePost(p, userID); err != nil {
			c.reject("posts", err)
			continue
		}
		posts = append(posts, p)
	}
	return posts, len(raw) - len(posts), nil
}

// CommentsByPost lists the comments of postID.
func (c *Client) CommentsByPost(ctx context.Context, postID int) ([]model.Comment, int, error) {
	var raw []model.Comment
	q := url.Values{"postId": {strconv.Itoa(postID)}}
	if err := c.get(ctx, "comments", q, &raw); err != nil {
		return nil, 0, err
	}

	comments := make([]model.Comment, 0, len(raw))
	for _, cm := range raw {
		if err := validateComment(cm, postID); err != nil {
			c.reject("comments", err)
			continue
		}
		comments = append(comments, cm)
	}
	return comments, len(raw) - len(comments), nil
}

// get issues one GET and decodes a JSON array into out.
func (c *Client) get(ctx context.Context, resource string, q url.Values, out any) (err error) {
	start := time.Now()
	defer func() {
		outcome := metrics.OutcomeOK
		if err != nil {
			outcome = metrics.OutcomeError
		}
		c.metrics.ObserveUpstream(resource, outcome, time.Since(start))
	}()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	u := c.baseURL + "/" + resource
	if len(q) > 0 {
		u += "?" + q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("upstream: building request for %s: %w", resource, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return apperror.UpstreamUnavailable("upstream: fetching "+resource, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apperror.UpstreamUnavailable(
			fmt.Sprintf("upstream: fetching %s: unexpected status %d", resource, resp.StatusCode), nil)
	}

	dec := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes))
	if err := dec.Decode(out); err != nil {
		return apperror.UpstreamUnavailable("upstream: decoding "+resource, err)
	}

	c.logger.Debug("upstream fetched",
		slog.String("resource", resource),
		slog.String("query", q.Encode()),
		slog.Duration("duration", time.Since(start)),
	)
	return nil
}

func (c *Client) reject(collection string, err error) {
	c.metrics.AddRejected(collection, 1)
	c.logger.Warn("rejected upstream record",
		slog.String("collection", collection),
		slog.String("reason", err.Error()),
	)
}
