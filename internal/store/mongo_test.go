package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"wiggletrack/internal/model"

	"github.com/google/uuid"
)

// Runs against a real server when MONGO_TEST_URI is set.
func TestMongoProductStore_Integration(t *testing.T) {
	uri := os.Getenv("MONGO_TEST_URI")
	if uri == "" {
		t.Skip("MONGO_TEST_URI not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	s, err := ConnectMongo(ctx, uri, "wiggletrack_test_"+uuid.NewString()[:8])
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		_ = s.collection.Database().Drop(context.Background())
		_ = s.Close(context.Background())
	})
	if err := s.EnsureIndexes(ctx); err != nil {
		t.Fatalf("indexes: %v", err)
	}

	id := uuid.NewString()
	url := fmt.Sprintf("https://www.wiggle.com/%s", id)
	p := &model.Product{ID: id, URL: url, Active: true, CreatedAt: time.Now().UTC()}
	if err := s.Create(ctx, p); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, &model.Product{ID: uuid.NewString(), URL: url}); !errors.Is(err, ErrDuplicateURL) {
		t.Fatalf("expected ErrDuplicateURL, got %v", err)
	}

	a, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b, _ := s.GetByURL(ctx, url)
	a.Name = "first"
	if err := s.Update(ctx, a); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := s.Update(ctx, b); !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("expected ErrConcurrentModification, got %v", err)
	}

	refs, err := s.ListActive(ctx)
	if err != nil || len(refs) != 1 || refs[0].URL != url {
		t.Fatalf("list = %+v, %v", refs, err)
	}
	if _, err := s.Get(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
