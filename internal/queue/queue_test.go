package queue

import (
	"context"
	"testing"
	"time"

	"runbox/internal/executor"
)

func TestSubmitDeliversJob(t *testing.T) {
	t.Parallel()

	m := NewManager(4)
	job := &Job{
		ID:     "job-1",
		Unit:   executor.InlineSource("python", "x = 1"),
		Result: make(chan executor.Outcome, 1),
		Ctx:    context.Background(),
	}

	go m.Submit(job)

	select {
	case got := <-m.NextJob():
		if got != job {
			t.Fatalf("received different job: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatalf("job never delivered")
	}
}

func TestSubmitBuffersUpToCapacity(t *testing.T) {
	t.Parallel()

	m := NewManager(2)
	done := make(chan struct{})
	go func() {
		m.Submit(&Job{ID: "a"})
		m.Submit(&Job{ID: "b"})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Submit blocked below capacity")
	}
}
