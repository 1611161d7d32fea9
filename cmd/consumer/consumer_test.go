package main

import (
	"context"
	"errors"
	"testing"
	"time"
)

// fakeAppender implements RedisAppender for tests
type fakeAppender struct {
	failPush    int // number of times to fail RPush before succeeding
	failExpire  int // number of times to fail Expire before succeeding
	pushCalls   int
	expireCalls int
	pushed      map[string][][]byte
	ttl         time.Duration
}

func (f *fakeAppender) RPush(ctx context.Context, key string, value []byte) error {
	f.pushCalls++
	if f.pushCalls <= f.failPush {
		return errors.New("rpush fail")
	}
	if f.pushed == nil {
		f.pushed = make(map[string][][]byte)
	}
	f.pushed[key] = append(f.pushed[key], value)
	return nil
}

func (f *fakeAppender) Expire(ctx context.Context, key string, ttl time.Duration) error {
	f.expireCalls++
	if f.expireCalls <= f.failExpire {
		return errors.New("expire fail")
	}
	f.ttl = ttl
	return nil
}

func TestAppendWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeAppender{failPush: 1, failExpire: 1}
	start := time.Now()
	err := appendWithRetry(context.Background(), f, "r1", []byte(`{"ride_id":"r1","seq":1,"phase":"driver_assigned"}`), time.Hour, 4, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if got := len(f.pushed["ride:events:r1"]); got != 1 {
		t.Fatalf("expected exactly one pushed event, got %d", got)
	}
	if f.expireCalls != 2 || f.ttl != time.Hour {
		t.Fatalf("expected expire retried once with ttl 1h, got calls=%d ttl=%s", f.expireCalls, f.ttl)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
}

func TestAppendWithRetry_DoesNotDuplicatePushWhenExpireFails(t *testing.T) {
	f := &fakeAppender{failExpire: 2}
	if err := appendWithRetry(context.Background(), f, "r1", []byte("x"), time.Hour, 3, time.Millisecond); err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if f.pushCalls != 1 {
		t.Fatalf("expected a single RPush, got %d", f.pushCalls)
	}
}

func TestAppendWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeAppender{failPush: 5}
	if err := appendWithRetry(context.Background(), f, "r1", []byte("x"), time.Hour, 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if len(f.pushed) != 0 {
		t.Fatalf("nothing should have been pushed")
	}
}

func TestAppendWithRetry_StopsOnCancel(t *testing.T) {
	f := &fakeAppender{failPush: 5}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := appendWithRetry(ctx, f, "r1", []byte("x"), time.Hour, 3, time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
