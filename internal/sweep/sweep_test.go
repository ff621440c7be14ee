package sweep

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/wirebot-io/wirebot/internal/pipeline"
)

func TestAddAndFire(t *testing.T) {
	var mu sync.Mutex
	var runs int

	s := New(nil)
	err := s.Add("tickets", "@every 1s", func(ctx context.Context) (pipeline.Summary, error) {
		mu.Lock()
		runs++
		mu.Unlock()
		return pipeline.Summary{Processed: 1}, nil
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if s.Count() != 1 {
		t.Fatalf("Count = %d, want 1", s.Count())
	}

	s.cron.Start()
	time.Sleep(1500 * time.Millisecond)
	<-s.cron.Stop().Done()

	mu.Lock()
	defer mu.Unlock()
	if runs == 0 {
		t.Fatal("sweep never fired")
	}
}

func TestInvalidSchedule(t *testing.T) {
	s := New(nil)
	err := s.Add("bad", "not a schedule", func(context.Context) (pipeline.Summary, error) {
		return pipeline.Summary{}, nil
	})
	if err == nil {
		t.Fatal("expected an error for a bad cron expression")
	}
	if s.Count() != 0 {
		t.Fatalf("Count = %d after failed Add", s.Count())
	}
}

func TestOverlappingFiringSkipped(t *testing.T) {
	block := make(chan struct{})
	var mu sync.Mutex
	var runs int

	s := New(nil)
	job := func(ctx context.Context) (pipeline.Summary, error) {
		mu.Lock()
		runs++
		mu.Unlock()
		<-block
		return pipeline.Summary{}, nil
	}

	done := make(chan struct{})
	go func() {
		s.fire("slow", job)
		close(done)
	}()

	// Wait for the first firing to be holding the slot.
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := runs
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("first firing never started")
		}
		time.Sleep(5 * time.Millisecond)
	}

	s.fire("slow", job) // should return immediately without running the job

	mu.Lock()
	if runs != 1 {
		t.Fatalf("runs = %d, want 1", runs)
	}
	mu.Unlock()

	close(block)
	<-done
}

func TestTrigger(t *testing.T) {
	fired := make(chan struct{})
	s := New(nil)
	s.Register("tickets", func(ctx context.Context) (pipeline.Summary, error) {
		close(fired)
		return pipeline.Summary{}, nil
	})

	if err := s.Trigger("tickets"); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("triggered sweep never ran")
	}

	if err := s.Trigger("nope"); err == nil {
		t.Fatal("expected an error for an unregistered sweep")
	}
}

func TestReplaceSchedule(t *testing.T) {
	s := New(nil)
	noop := func(context.Context) (pipeline.Summary, error) { return pipeline.Summary{}, nil }

	if err := s.Add("tickets", "@every 1h", noop); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add("tickets", "@every 2h", noop); err != nil {
		t.Fatalf("re-Add: %v", err)
	}
	if s.Count() != 1 {
		t.Fatalf("Count = %d, want 1 after replacement", s.Count())
	}
}
