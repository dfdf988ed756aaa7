package queue

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"content-publisher/internal/config"
)

func newTestQueue(t *testing.T) *RedisQueue {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisQueue(client, config.Config{ScheduledKey: "test:scheduled", DLQName: "test:dlq"})
}

func TestClaimDue_OnlyReturnsDueJobsOnce(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	now := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

	if err := q.Schedule(ctx, "past", now.Add(-time.Minute)); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	_ = q.Schedule(ctx, "now", now)
	_ = q.Schedule(ctx, "future", now.Add(time.Hour))

	ids, err := q.ClaimDue(ctx, now, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(ids) != 2 || ids[0] != "past" || ids[1] != "now" {
		t.Fatalf("expected [past now], got %v", ids)
	}

	ids, _ = q.ClaimDue(ctx, now, 10)
	if len(ids) != 0 {
		t.Fatalf("expected due jobs to be claimed once, got %v", ids)
	}

	depth, _ := q.Depth(ctx)
	if depth != 1 {
		t.Fatalf("expected future job to remain, depth=%d", depth)
	}
}

func TestClaimDue_RespectsLimit(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	now := time.Now()
	for _, id := range []string{"a", "b", "c"} {
		_ = q.Schedule(ctx, id, now.Add(-time.Second))
	}
	ids, err := q.ClaimDue(ctx, now, 2)
	if err != nil || len(ids) != 2 {
		t.Fatalf("expected 2 ids got %v err=%v", ids, err)
	}
}

func TestScheduleOverwritesAndUnschedule(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	first := time.UnixMilli(1_700_000_000_000)
	second := first.Add(time.Hour)

	_ = q.Schedule(ctx, "job", first)
	_ = q.Schedule(ctx, "job", second)
	at, ok, err := q.ScheduledAt(ctx, "job")
	if err != nil || !ok || !at.Equal(second) {
		t.Fatalf("expected %v got %v ok=%v err=%v", second, at, ok, err)
	}

	_ = q.Unschedule(ctx, "job")
	if _, ok, _ := q.ScheduledAt(ctx, "job"); ok {
		t.Fatalf("expected job to be unscheduled")
	}
}

func TestDeadLetterAndRevive(t *testing.T) {
	ctx := context.Background()
	q := newTestQueue(t)
	_ = q.Schedule(ctx, "j1", time.Now())

	if err := q.DeadLetter(ctx, "j1"); err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	_ = q.DeadLetter(ctx, "j1")
	_ = q.DeadLetter(ctx, "j2")

	items, _ := q.DLQPeek(ctx, 10)
	if len(items) != 2 || items[0] != "j2" || items[1] != "j1" {
		t.Fatalf("unexpected dlq contents %v", items)
	}
	if depth, _ := q.Depth(ctx); depth != 0 {
		t.Fatalf("dead-lettered job should leave the due index")
	}

	_ = q.Revive(ctx, "j1")
	items, _ = q.DLQPeek(ctx, 10)
	if len(items) != 1 || items[0] != "j2" {
		t.Fatalf("unexpected dlq contents after revive %v", items)
	}
}
