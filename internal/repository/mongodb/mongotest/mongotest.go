// Package mongotest provides a MongoDB server for integration tests.
//
// HOW IT WORKS:
// The first test that asks for a server starts one, and every later test in
// the same test binary shares it. Each test still gets its own database, so
// tests never see each other's documents.
//
//   - MONGODB_TEST_URI set: that server is used as is.
//   - Otherwise a throwaway mongo container is started through the Docker
//     Engine API. It runs as a single-node replica set so that
//     multi-document transactions work, and it is removed when the test
//     binary exits (see Run).
//   - Neither available, or -short given: the test is skipped.
//
// A package using it wires Run into TestMain:
//
//	func TestMain(m *testing.M) {
//	    os.Exit(mongotest.Run(m))
//	}
package mongotest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/rs/xid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/sakif/userfeed/internal/repository/mongodb"
)

const (
	mongoImage  = "mongo:7"
	replicaSet  = "rs0"
	bootTimeout = 2 * time.Minute
)

// server is the shared, lazily started MongoDB.
var server struct {
	once    sync.Once
	uri     string
	skip    string // non-empty: tests are skipped with this reason
	err     error
	cleanup func()
}

// Run runs the tests and then removes the container, if one was started.
func Run(m *testing.M) int {
	code := m.Run()
	if server.cleanup != nil {
		server.cleanup()
	}
	return code
}

// URI returns the connection string of the shared server.
func URI(t testing.TB) string {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping MongoDB integration test in -short mode")
	}

	server.once.Do(func() {
		server.uri, server.skip, server.err = start()
	})
	if server.skip != "" {
		t.Skip(server.skip)
	}
	if server.err != nil {
		t.Fatalf("starting MongoDB: %v", server.err)
	}
	return server.uri
}

// NewStore connects a mongodb.Store to a fresh database on the shared
// server. The database is dropped when the test finishes. With transactions
// set, the test is skipped unless the server is a replica set member.
func NewStore(t testing.TB, transactions bool) *mongodb.Store {
	t.Helper()
	uri := URI(t)
	ctx := context.Background()

	admin, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("connecting to %s: %v", uri, err)
	}
	t.Cleanup(func() { admin.Disconnect(context.Background()) })

	if transactions {
		var hello struct {
			SetName string `bson:"setName"`
		}
		if err := admin.Database("admin").RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&hello); err != nil {
			t.Fatalf("hello: %v", err)
		}
		if hello.SetName == "" {
			t.Skip("MongoDB server is not a replica set member; transactions are unavailable")
		}
	}

	database := "userfeed_test_" + xid.New().String()
	s, err := mongodb.New(ctx, mongodb.Config{
		URI:          uri,
		Database:     database,
		Transactions: transactions,
		Timeout:      10 * time.Second,
	})
	if err != nil {
		t.Fatalf("connecting store: %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		_ = admin.Database(database).Drop(ctx)
		_ = s.Close(ctx)
	})
	return s
}

// start returns the server URI, or a skip reason when no server can be had.
func start() (uri, skip string, err error) {
	if uri := os.Getenv("MONGODB_TEST_URI"); uri != "" {
		return uri, "", nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), bootTimeout)
	defer cancel()

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return "", fmt.Sprintf("docker client unavailable: %v", err), nil
	}
	if _, err := cli.Ping(ctx); err != nil {
		cli.Close()
		return "", fmt.Sprintf("docker daemon unreachable: %v", err), nil
	}

	reader, err := cli.ImagePull(ctx, mongoImage, image.PullOptions{})
	if err != nil {
		cli.Close()
		return "", fmt.Sprintf("pulling %s: %v", mongoImage, err), nil
	}
	io.Copy(io.Discard, reader)
	reader.Close()

	// The image EXPOSEs 27017, so publishing all ports maps it to a free
	// host port without listing it explicitly.
	resp, err := cli.ContainerCreate(ctx,
		&container.Config{
			Image:  mongoImage,
			Cmd:    []string{"--replSet", replicaSet, "--bind_ip_all"},
			Labels: map[string]string{"userfeed.test": "true"},
		},
		&container.HostConfig{PublishAllPorts: true},
		nil, nil, "userfeed-test-"+xid.New().String(),
	)
	if err != nil {
		cli.Close()
		return "", "", fmt.Errorf("creating mongo container: %w", err)
	}
	server.cleanup = func() {
		rmCtx, rmCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer rmCancel()
		_ = cli.ContainerRemove(rmCtx, resp.ID, container.RemoveOptions{Force: true})
		cli.Close()
	}

	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return "", "", fmt.Errorf("starting mongo container: %w", err)
	}

	inspect, err := cli.ContainerInspect(ctx, resp.ID)
	if err != nil {
		return "", "", fmt.Errorf("inspecting mongo container: %w", err)
	}

	var port string
	for p, bindings := range inspect.NetworkSettings.Ports {
		if string(p) == "27017/tcp" && len(bindings) > 0 {
			port = bindings[0].HostPort
		}
	}
	if port == "" {
		return "", "", errors.New("mongo container has no published 27017/tcp port")
	}

	// The replica set member is registered as localhost:27017, which is
	// only valid inside the container. A direct connection skips replica
	// set discovery, so the host-side port keeps working.
	uri = fmt.Sprintf("mongodb://127.0.0.1:%s/?directConnection=true", port)
	if err := initiateReplicaSet(ctx, uri); err != nil {
		return "", "", err
	}
	return uri, "", nil
}

// initiateReplicaSet waits for mongod to accept connections, turns it into a
// one-member replica set and waits until it is writable primary.
func initiateReplicaSet(ctx context.Context, uri string) error {
	c, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", uri, err)
	}
	defer c.Disconnect(context.Background())
	admin := c.Database("admin")

	if err := poll(ctx, func() error { return c.Ping(ctx, nil) }); err != nil {
		return fmt.Errorf("waiting for mongod: %w", err)
	}

	cfg := bson.D{
		{Key: "_id", Value: replicaSet},
		{Key: "members", Value: bson.A{
			bson.D{{Key: "_id", Value: 0}, {Key: "host", Value: "localhost:27017"}},
		}},
	}
	err = admin.RunCommand(ctx, bson.D{{Key: "replSetInitiate", Value: cfg}}).Err()
	var cmdErr mongo.CommandError
	if err != nil && !(errors.As(err, &cmdErr) && cmdErr.Name == "AlreadyInitialized") {
		return fmt.Errorf("replSetInitiate: %w", err)
	}

	err = poll(ctx, func() error {
		var hello struct {
			IsWritablePrimary bool `bson:"isWritablePrimary"`
		}
		if err := admin.RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&hello); err != nil {
			return err
		}
		if !hello.IsWritablePrimary {
			return errors.New("not primary yet")
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("waiting for primary: %w", err)
	}
	return nil
}

// poll calls fn every half second until it succeeds or ctx ends.
func poll(ctx context.Context, fn func() error) error {
	for {
		err := fn()
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w (last error: %v)", ctx.Err(), err)
		case <-time.After(500 * time.Millisecond):
		}
	}
}
