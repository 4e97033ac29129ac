package config

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisSource_DeliversSnapshotOnAnnounce(t *testing.T) {
	rdb := newTestRedis(t)

	want := &Config{Env: "test"}
	src := NewRedisSource(rdb, "instance-1", func() (*Config, error) {
		return want, nil
	}, nil)
	defer src.Close()

	// Subscription is established asynchronously; retry the publish until
	// the snapshot arrives.
	deadline := time.After(5 * time.Second)
	for {
		if err := Announce(context.Background(), rdb, "test"); err != nil {
			t.Fatalf("announce: %v", err)
		}
		select {
		case got := <-src.Snapshots():
			if got != want {
				t.Fatalf("got snapshot %p, want %p", got, want)
			}
			return
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatal("no snapshot delivered")
		}
	}
}

func TestRedisSource_RejectsInvalidSnapshot(t *testing.T) {
	rdb := newTestRedis(t)

	src := NewRedisSource(rdb, "instance-1", func() (*Config, error) {
		return nil, errors.New("validation failed")
	}, nil)
	defer src.Close()

	for i := 0; i < 3; i++ {
		_ = Announce(context.Background(), rdb, "test")
		time.Sleep(50 * time.Millisecond)
	}

	select {
	case cfg := <-src.Snapshots():
		if cfg != nil {
			t.Fatalf("invalid snapshot delivered: %+v", cfg)
		}
	default:
	}
}

func TestRedisSource_CloseClosesSnapshots(t *testing.T) {
	rdb := newTestRedis(t)

	src := NewRedisSource(rdb, "instance-1", func() (*Config, error) {
		return &Config{}, nil
	}, nil)

	if err := src.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	select {
	case _, ok := <-src.Snapshots():
		if ok {
			t.Fatal("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Fatal("snapshot channel not closed")
	}
}
