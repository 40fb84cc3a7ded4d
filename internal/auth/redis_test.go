package auth

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"

	"learnhub.org/internal/ids"
)

func newRedisTestStore(t *testing.T) *RedisRenewalStore {
	t.Helper()
	addr := os.Getenv("LEARNHUB_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LEARNHUB_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { _ = client.Close() })
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	return NewRedisRenewalStore(client, nil)
}

func redisCredential(subject string, now time.Time) *RenewalCredential {
	token, _ := newRenewalToken()
	return &RenewalCredential{
		ID:        ids.NewAt(now),
		SubjectID: subject,
		TokenHash: HashRenewalToken(token),
		ExpiresAt: now.Add(time.Hour),
		CreatedAt: now,
	}
}

func TestRedisRotateExactlyOnce(t *testing.T) {
	store := newRedisTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	subject := "redis-" + ids.New()

	orig := redisCredential(subject, now)
	if err := store.Create(ctx, orig); err != nil {
		t.Fatalf("Create: %v", err)
	}

	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		replays   atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Rotate(ctx, orig.TokenHash, now, func(_ context.Context, _ UserStore, old RenewalCredential) (*RenewalCredential, error) {
				return redisCredential(old.SubjectID, now), nil
			})
			switch {
			case err == nil:
				successes.Add(1)
			case errors.Is(err, ErrRenewalReplayed):
				replays.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if successes.Load() != 1 || replays.Load() != 7 {
		t.Fatalf("expected 1 success and 7 replays, got %d/%d", successes.Load(), replays.Load())
	}

	n, err := store.RevokeSubject(ctx, subject, now)
	if err != nil {
		t.Fatalf("RevokeSubject: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected the single live replacement to be revoked, got %d", n)
	}
}

func TestRedisRevokeAndRestore(t *testing.T) {
	store := newRedisTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	c := redisCredential("redis-"+ids.New(), now)
	if err := store.Create(ctx, c); err != nil {
		t.Fatalf("Create: %v", err)
	}

	// A failing replacement leaves the credential usable.
	_, err := store.Rotate(ctx, c.TokenHash, now, func(context.Context, UserStore, RenewalCredential) (*RenewalCredential, error) {
		return nil, ErrInvalidOrConsumedRenewal
	})
	if !errors.Is(err, ErrInvalidOrConsumedRenewal) {
		t.Fatalf("expected rejection from next, got %v", err)
	}

	if err := store.Revoke(ctx, c.TokenHash, now); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	_, err = store.Rotate(ctx, c.TokenHash, now, func(_ context.Context, _ UserStore, old RenewalCredential) (*RenewalCredential, error) {
		return redisCredential(old.SubjectID, now), nil
	})
	if !errors.Is(err, ErrRenewalRevoked) {
		t.Fatalf("expected ErrRenewalRevoked, got %v", err)
	}
	if _, err := store.Rotate(ctx, "missing-hash", now, nil); !errors.Is(err, ErrInvalidOrConsumedRenewal) {
		t.Fatalf("expected rejection of unknown hash, got %v", err)
	}
}

func TestRedisRevokeKeepsConsumedCredentialReplayable(t *testing.T) {
	store := newRedisTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)
	subject := "redis-" + ids.New()

	orig := redisCredential(subject, now)
	if err := store.Create(ctx, orig); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.Rotate(ctx, orig.TokenHash, now, func(_ context.Context, _ UserStore, old RenewalCredential) (*RenewalCredential, error) {
		return redisCredential(old.SubjectID, now), nil
	}); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	// Logging out with the already rotated token must not hide its reuse.
	if err := store.Revoke(ctx, orig.TokenHash, now.Add(time.Second)); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	old, err := store.Rotate(ctx, orig.TokenHash, now.Add(2*time.Second), func(context.Context, UserStore, RenewalCredential) (*RenewalCredential, error) {
		t.Fatal("next must not run for a consumed credential")
		return nil, nil
	})
	if !errors.Is(err, ErrRenewalReplayed) {
		t.Fatalf("expected ErrRenewalReplayed, got %v", err)
	}
	if old.SubjectID != subject || old.ConsumedAt == nil || !old.ConsumedAt.Equal(now) {
		t.Fatalf("unexpected replayed credential %+v", old)
	}
}
