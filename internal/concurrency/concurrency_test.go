package concurrency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestWithLock_SerializesSameKey(t *testing.T) {
	t.Parallel()

	s := New()
	var active int32
	var maxObserved int32
	var wg sync.WaitGroup

	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.WithLock(context.Background(), "session-1", func(ctx context.Context) error {
				n := atomic.AddInt32(&active, 1)
				for {
					m := atomic.LoadInt32(&maxObserved)
					if n <= m || atomic.CompareAndSwapInt32(&maxObserved, m, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
		}()
	}
	wg.Wait()

	if maxObserved != 1 {
		t.Errorf("max concurrent holders of same key = %d, want 1", maxObserved)
	}
}

func TestWithLock_DistinctKeysDoNotBlock(t *testing.T) {
	t.Parallel()

	s := New()
	release := make(chan struct{})
	started := make(chan struct{})

	go func() {
		_ = s.WithLock(context.Background(), "key-a", func(ctx context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started

	done := make(chan struct{})
	go func() {
		_ = s.WithLock(context.Background(), "key-b", func(ctx context.Context) error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("WithLock on distinct key blocked on unrelated key's holder")
	}

	close(release)
}

func TestWithLock_PropagatesError(t *testing.T) {
	t.Parallel()

	s := New()
	wantErr := errors.New("boom")
	err := s.WithLock(context.Background(), "k", func(ctx context.Context) error {
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("WithLock error = %v, want %v", err, wantErr)
	}
}

func TestWithLock_ReleasesEntryAfterUse(t *testing.T) {
	t.Parallel()

	s := New()
	_ = s.WithLock(context.Background(), "transient", func(ctx context.Context) error { return nil })
	if got := s.Len(); got != 0 {
		t.Errorf("Len() after release = %d, want 0", got)
	}
}

func TestWithLock_ContextPassedThrough(t *testing.T) {
	t.Parallel()

	s := New()
	type ctxKey struct{}
	ctx := context.WithValue(context.Background(), ctxKey{}, "value")
	var seen any
	_ = s.WithLock(ctx, "k", func(ctx context.Context) error {
		seen = ctx.Value(ctxKey{})
		return nil
	})
	if seen != "value" {
		t.Errorf("fn did not receive caller's context value, got %v", seen)
	}
}
