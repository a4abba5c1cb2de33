package jobcache_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/carevox/carevox/internal/jobcache"
	"github.com/carevox/carevox/pkg/storage"
)

func newTestCache(t *testing.T, opts ...jobcache.Option) (*jobcache.Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return jobcache.New(client, opts...), mr
}

func TestSetGetRoundTrip(t *testing.T) {
	t.Parallel()
	cache, _ := newTestCache(t)
	ctx := context.Background()

	transcript := "hello there"
	job := storage.Job{
		ID:         "job-1",
		Type:       storage.TypeBatch,
		Status:     storage.StatusTranscribed,
		Transcript: &transcript,
		Metadata:   map[string]any{"audio_format": "mp3"},
	}
	if err := cache.Set(ctx, job); err != nil {
		t.Fatalf("Set: %v", err)
	}

	got, err := cache.Get(ctx, "job-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.ID != job.ID || got.Status != job.Status {
		t.Errorf("round trip: want %s/%s, got %s/%s", job.ID, job.Status, got.ID, got.Status)
	}
	if got.Transcript == nil || *got.Transcript != transcript {
		t.Errorf("transcript: want %q, got %v", transcript, got.Transcript)
	}
	if got.Metadata["audio_format"] != "mp3" {
		t.Errorf("metadata: got %v", got.Metadata)
	}
}

func TestGetMiss(t *testing.T) {
	t.Parallel()
	cache, _ := newTestCache(t)

	_, err := cache.Get(context.Background(), "absent")
	if !errors.Is(err, jobcache.ErrMiss) {
		t.Errorf("want ErrMiss, got %v", err)
	}
}

func TestKeyPrefix(t *testing.T) {
	t.Parallel()
	cache, mr := newTestCache(t)
	ctx := context.Background()

	if err := cache.Set(ctx, storage.Job{ID: "abc", Type: storage.TypeRealtime, Status: storage.StatusPending}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !mr.Exists("job:med:abc") {
		t.Errorf("expected key job:med:abc, have %v", mr.Keys())
	}
}

func TestCustomPrefix(t *testing.T) {
	t.Parallel()
	cache, mr := newTestCache(t, jobcache.WithPrefix("job:test"))
	ctx := context.Background()

	if err := cache.Set(ctx, storage.Job{ID: "xyz", Type: storage.TypeBatch, Status: storage.StatusPending}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !mr.Exists("job:test:xyz") {
		t.Errorf("expected key job:test:xyz, have %v", mr.Keys())
	}
}

func TestTTLExpiry(t *testing.T) {
	t.Parallel()
	cache, mr := newTestCache(t, jobcache.WithTTL(time.Minute))
	ctx := context.Background()

	if err := cache.Set(ctx, storage.Job{ID: "short", Type: storage.TypeBatch, Status: storage.StatusPending}); err != nil {
		t.Fatalf("Set: %v", err)
	}

	mr.FastForward(2 * time.Minute)

	_, err := cache.Get(ctx, "short")
	if !errors.Is(err, jobcache.ErrMiss) {
		t.Errorf("after TTL: want ErrMiss, got %v", err)
	}
}

func TestDelete(t *testing.T) {
	t.Parallel()
	cache, _ := newTestCache(t)
	ctx := context.Background()

	if err := cache.Set(ctx, storage.Job{ID: "gone", Type: storage.TypeBatch, Status: storage.StatusPending}); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := cache.Delete(ctx, "gone"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := cache.Get(ctx, "gone"); !errors.Is(err, jobcache.ErrMiss) {
		t.Errorf("after delete: want ErrMiss, got %v", err)
	}

	// Deleting an absent entry is not an error.
	if err := cache.Delete(ctx, "never-there"); err != nil {
		t.Errorf("Delete absent: %v", err)
	}
}
