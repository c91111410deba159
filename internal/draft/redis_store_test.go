package draft

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"creditauth/api/internal/workflow"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://"+s.Addr(), time.Hour)
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store, s
}

func TestNewRedisStore(t *testing.T) {
	store, _ := setupTestRedis(t)
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewRedisStoreInvalidURL(t *testing.T) {
	if _, err := NewRedisStore("not-a-url", time.Hour); err == nil {
		t.Fatal("expected error for invalid url")
	}
}

func TestSaveAndLoadWorkingCopy(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	data := workflow.NewAuthorizationData()
	data.Applicant.FullName = "Ana Torres"
	data.Months[1].Payroll = decimal.NewFromInt(12000)
	if err := store.SaveWorkingCopy(ctx, "request:auth_1:user:advisor-1", data); err != nil {
		t.Fatalf("SaveWorkingCopy failed: %v", err)
	}

	got, found, err := store.LoadWorkingCopy(ctx, "request:auth_1:user:advisor-1")
	if err != nil {
		t.Fatalf("LoadWorkingCopy failed: %v", err)
	}
	if !found {
		t.Fatal("expected working copy to be found")
	}
	if got.Applicant.FullName != "Ana Torres" {
		t.Errorf("expected applicant name Ana Torres, got %q", got.Applicant.FullName)
	}
	if !got.Months[1].Payroll.Equal(decimal.NewFromInt(12000)) {
		t.Errorf("expected payroll 12000, got %s", got.Months[1].Payroll)
	}
}

func TestLoadMissingWorkingCopy(t *testing.T) {
	store, _ := setupTestRedis(t)
	_, found, err := store.LoadWorkingCopy(context.Background(), "nope")
	if err != nil {
		t.Fatalf("LoadWorkingCopy failed: %v", err)
	}
	if found {
		t.Fatal("expected no working copy")
	}
}

func TestWorkingCopyExpires(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()
	if err := store.SaveWorkingCopy(ctx, "k", workflow.NewAuthorizationData()); err != nil {
		t.Fatalf("SaveWorkingCopy failed: %v", err)
	}

	s.FastForward(2 * time.Hour)

	_, found, err := store.LoadWorkingCopy(ctx, "k")
	if err != nil {
		t.Fatalf("LoadWorkingCopy failed: %v", err)
	}
	if found {
		t.Fatal("expected working copy to expire")
	}
}

func TestDiscard(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()
	if err := store.SaveWorkingCopy(ctx, "k", workflow.NewAuthorizationData()); err != nil {
		t.Fatalf("SaveWorkingCopy failed: %v", err)
	}
	if err := store.Discard(ctx, "k"); err != nil {
		t.Fatalf("Discard failed: %v", err)
	}
	if s.Exists("draft:k") {
		t.Fatal("expected key to be deleted")
	}
}

func TestCreateLockIsExclusive(t *testing.T) {
	store, _ := setupTestRedis(t)
	ctx := context.Background()

	release, err := store.ObtainCreateLock(ctx, "application:promoter-1")
	if err != nil {
		t.Fatalf("ObtainCreateLock failed: %v", err)
	}

	if _, err := store.ObtainCreateLock(ctx, "application:promoter-1"); !errors.Is(err, ErrCreateInProgress) {
		t.Fatalf("expected ErrCreateInProgress, got %v", err)
	}

	if err := release(ctx); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	again, err := store.ObtainCreateLock(ctx, "application:promoter-1")
	if err != nil {
		t.Fatalf("expected lock after release, got %v", err)
	}
	_ = again(ctx)
}

func TestCreateLockExpires(t *testing.T) {
	store, s := setupTestRedis(t)
	ctx := context.Background()
	if _, err := store.ObtainCreateLock(ctx, "k"); err != nil {
		t.Fatalf("ObtainCreateLock failed: %v", err)
	}
	s.FastForward(createLease + time.Second)
	if _, err := store.ObtainCreateLock(ctx, "k"); err != nil {
		t.Fatalf("expected expired lock to be obtainable, got %v", err)
	}
}

func TestNewRedisStoreWithClientDefaultsTTL(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	store := NewRedisStoreWithClient(client, 0)
	defer store.Close()
	if store.ttl != defaultTTL {
		t.Fatalf("expected default ttl %s, got %s", defaultTTL, store.ttl)
	}
}
