package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

type collector struct {
	mu    sync.Mutex
	paths []string
}

func (c *collector) sink(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.paths = append(c.paths, path)
}

func (c *collector) snapshot() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.paths))
	copy(out, c.paths)
	return out
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestMonitor_ReportsWrites(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "do@test.com")
	if err := os.MkdirAll(sub, 0o755); err != nil {
		t.Fatal(err)
	}

	c := &collector{}
	m, err := NewMonitor(Config{Root: root, Debounce: 20 * time.Millisecond, Sink: c.sink})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()

	if err := os.WriteFile(filepath.Join(sub, "t.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	ok := waitFor(t, 2*time.Second, func() bool {
		for _, p := range c.snapshot() {
			if p == "do@test.com/t.txt" {
				return true
			}
		}
		return false
	})
	cancel()
	<-done
	if !ok {
		t.Fatalf("write not reported, got %v", c.snapshot())
	}
}

func TestMonitor_DebouncesBursts(t *testing.T) {
	root := t.TempDir()
	c := &collector{}
	m, err := NewMonitor(Config{Root: root, Debounce: 100 * time.Millisecond, Sink: c.sink})
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()

	target := filepath.Join(root, "burst.txt")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(target, []byte{byte(i)}, 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	waitFor(t, 2*time.Second, func() bool { return len(c.snapshot()) >= 1 })
	// Let any stray timers fire before counting.
	time.Sleep(200 * time.Millisecond)
	cancel()
	<-done

	if got := len(c.snapshot()); got != 1 {
		t.Fatalf("expected a single debounced notification, got %d", got)
	}
}
