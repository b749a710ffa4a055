package speaker

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestKeyedExecutor_SerializesPerKey(t *testing.T) {
	t.Parallel()

	exec := NewKeyedExecutor()
	ctx := context.Background()

	var (
		mu      sync.Mutex
		active  int
		maxSeen int
	)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = exec.Do(ctx, "same-key", func(context.Context) error {
				mu.Lock()
				active++
				if active > maxSeen {
					maxSeen = active
				}
				mu.Unlock()

				time.Sleep(time.Millisecond)

				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("max concurrent executions for one key = %d, want 1", maxSeen)
	}
}

func TestKeyedExecutor_DifferentKeysRunConcurrently(t *testing.T) {
	t.Parallel()

	exec := NewKeyedExecutor()
	ctx := context.Background()

	release := make(chan struct{})
	firstRunning := make(chan struct{})

	go func() {
		_ = exec.Do(ctx, "a", func(context.Context) error {
			close(firstRunning)
			<-release
			return nil
		})
	}()
	<-firstRunning

	// A different key must not wait for "a".
	done := make(chan struct{})
	go func() {
		_ = exec.Do(ctx, "b", func(context.Context) error { return nil })
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("key b blocked behind key a")
	}
	close(release)
}

func TestKeyedExecutor_CancelWhileWaiting(t *testing.T) {
	t.Parallel()

	exec := NewKeyedExecutor()

	release := make(chan struct{})
	running := make(chan struct{})
	go func() {
		_ = exec.Do(context.Background(), "k", func(context.Context) error {
			close(running)
			<-release
			return nil
		})
	}()
	<-running

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := exec.Do(ctx, "k", func(context.Context) error {
		t.Error("fn ran despite cancelled context")
		return nil
	})
	if err != context.Canceled {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	close(release)
}
