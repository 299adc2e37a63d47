package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestRateLimiterAllow(t *testing.T) {
	_, rdb := newRedis(t)
	rl := NewRateLimiter(rdb, 2)
	now := time.Date(2026, 2, 13, 10, 0, 0, 0, time.UTC)

	for i, want := range []bool{true, true, false} {
		allowed, used, resetAt, err := rl.Allow(context.Background(), "user-1", now)
		if err != nil {
			t.Fatalf("allow#%d: %v", i+1, err)
		}
		if allowed != want || used != int64(i+1) {
			t.Fatalf("call %d: allowed=%v used=%d", i+1, allowed, used)
		}
		if !resetAt.Equal(now.Add(time.Hour)) {
			t.Fatalf("unexpected reset %s", resetAt)
		}
	}

	allowed, _, _, err := rl.Allow(context.Background(), "user-2", now)
	if err != nil || !allowed {
		t.Fatalf("other user should not share the window: %v %v", allowed, err)
	}
	allowed, _, _, err = rl.Allow(context.Background(), "user-1", now.Add(time.Hour))
	if err != nil || !allowed {
		t.Fatalf("next window should admit again: %v %v", allowed, err)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	_, rdb := newRedis(t)
	rl := NewRateLimiter(rdb, 0)
	for i := 0; i < 5; i++ {
		if allowed, _, _, err := rl.Allow(context.Background(), "u", time.Now()); err != nil || !allowed {
			t.Fatalf("disabled limiter denied: %v %v", allowed, err)
		}
	}
}

func TestDeduplicator(t *testing.T) {
	mr, rdb := newRedis(t)
	d := NewDeduplicator(rdb, time.Minute)
	ctx := context.Background()

	first, err := d.MarkFirst(ctx, "agent-1", "key-1")
	if err != nil || !first {
		t.Fatalf("first mark: %v %v", first, err)
	}
	again, err := d.MarkFirst(ctx, "agent-1", "key-1")
	if err != nil || again {
		t.Fatalf("second mark should be a duplicate: %v %v", again, err)
	}
	other, err := d.MarkFirst(ctx, "agent-2", "key-1")
	if err != nil || !other {
		t.Fatalf("keys are scoped per agent: %v %v", other, err)
	}

	mr.FastForward(2 * time.Minute)
	expired, err := d.MarkFirst(ctx, "agent-1", "key-1")
	if err != nil || !expired {
		t.Fatalf("key should expire: %v %v", expired, err)
	}

	if err := d.Forget(ctx, "agent-1", "key-1"); err != nil {
		t.Fatalf("forget: %v", err)
	}
	if ok, _ := d.MarkFirst(ctx, "agent-1", "key-1"); !ok {
		t.Fatal("forgotten key should be accepted again")
	}
}

func TestStreamQueueRoundTrip(t *testing.T) {
	_, rdb := newRedis(t)
	q := NewStreamQueue(rdb, "test:webhooks", "test-group", "c1", 10*time.Millisecond)
	ctx := context.Background()

	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if err := q.EnsureGroup(ctx); err != nil {
		t.Fatalf("ensure group twice: %v", err)
	}

	job, err := q.Enqueue(ctx, WebhookJob{Secret: "sec", Payload: json.RawMessage(`{"field1":"hi"}`)})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if job.JobID == "" || job.EnqueuedAt.IsZero() {
		t.Fatalf("job id and time should be filled: %+v", job)
	}

	got, err := q.Read(ctx, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != 1 || got[0].Job.JobID != job.JobID || got[0].Job.Secret != "sec" {
		t.Fatalf("unexpected deliveries %+v", got)
	}
	if string(got[0].Job.Payload) != `{"field1":"hi"}` {
		t.Fatalf("unexpected payload %s", got[0].Job.Payload)
	}

	if err := q.Ack(ctx, got[0].ID); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if n := rdb.XLen(ctx, "test:webhooks").Val(); n != 0 {
		t.Fatalf("expected acked entry removed, stream len %d", n)
	}

	empty, err := q.Read(ctx, 10)
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty read, got %v %v", empty, err)
	}
}
