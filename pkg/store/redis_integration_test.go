//go:build integration

package store

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupRedis starts a Redis container and returns a client
func setupRedis(t *testing.T) (*redis.Client, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections"),
	}

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start Redis container: %v", err)
	}

	endpoint, err := redisContainer.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("Failed to get Redis endpoint: %v", err)
	}

	client := redis.NewClient(&redis.Options{
		Addr: endpoint,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("Failed to connect to Redis: %v", err)
	}

	cleanup := func() {
		client.Close()
		redisContainer.Terminate(ctx)
	}

	return client, cleanup
}

func TestRedisStore_Integration_SetGet(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	s := NewRedisStore(redisClient)
	ctx := context.Background()

	if _, err := s.Get(ctx, KeyCategoryMetadata); !errors.Is(err, ErrNotFound) {
		t.Errorf("Get on empty store = %v, want ErrNotFound", err)
	}

	payload := []byte(`{"updatedAt":1735689600000,"categories":[]}`)
	if err := s.Set(ctx, KeyCategoryMetadata, payload); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	got, err := s.Get(ctx, KeyCategoryMetadata)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != string(payload) {
		t.Errorf("Get() = %q, want %q", got, payload)
	}

	// Overwrite replaces the previous value.
	if err := s.Set(ctx, KeyCategoryMetadata, []byte(`{}`)); err != nil {
		t.Fatalf("Set() overwrite error = %v", err)
	}
	got, err = s.Get(ctx, KeyCategoryMetadata)
	if err != nil {
		t.Fatalf("Get() after overwrite error = %v", err)
	}
	if string(got) != `{}` {
		t.Errorf("Get() after overwrite = %q, want {}", got)
	}
}

func TestRedisStore_Integration_KeysIsolated(t *testing.T) {
	redisClient, cleanup := setupRedis(t)
	defer cleanup()

	s := NewRedisStore(redisClient)
	ctx := context.Background()

	if err := s.Set(ctx, KeyCategoryGroups, []byte(`[{"id":"a"}]`)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.Set(ctx, KeyTagIcons, []byte(`{"icons":{}}`)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	groups, err := s.Get(ctx, KeyCategoryGroups)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(groups) != `[{"id":"a"}]` {
		t.Errorf("Keys must not collide, got %q", groups)
	}
}
