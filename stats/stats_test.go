package stats

import (
	"context"
	"expvar"
	"sync"
	"testing"
	"time"
)

func TestRunFlushes(t *testing.T) {
	var mu sync.Mutex
	flushes := 0
	var last string

	s := New(10*time.Millisecond, func(m *expvar.Map) {
		mu.Lock()
		defer mu.Unlock()
		flushes++
		last = m.String()
	})
	s.Add("batchesComplete", 3)

	ctx, cancel := context.WithCancel(context.TODO())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	time.Sleep(35 * time.Millisecond)
	cancel()
	<-done

	mu.Lock()
	defer mu.Unlock()
	if flushes < 2 {
		t.Errorf("Expected at least 2 flushes, got %d", flushes)
	}
	if last == "" || last == "{}" {
		t.Errorf("Expected counters in the flushed map, got %q", last)
	}
}

func TestNilFlush(t *testing.T) {
	s := New(5*time.Millisecond, nil)
	s.Add("retries", 1)

	ctx, cancel := context.WithCancel(context.TODO())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	time.Sleep(15 * time.Millisecond)
	cancel()
	<-done

	if s.Get("retries") == nil {
		t.Error("Expected the counter to be readable through the map")
	}
}
