package memory

import (
	"context"
	"testing"
	"time"

	"github.com/jkaninda/datagate/internal/domain"
)

func TestNewJanitor_Schedule(t *testing.T) {
	s := NewInMemoryStore(time.Minute, 0, discardLogger())
	for _, sched := range []string{"", "@every 30s", "*/5 * * * *"} {
		if _, err := NewJanitor(s, sched, discardLogger()); err != nil {
			t.Errorf("NewJanitor(%q): %v", sched, err)
		}
	}
	if _, err := NewJanitor(s, "every minute", discardLogger()); err == nil {
		t.Error("expected error for invalid schedule")
	}
}

func TestJanitor_RunOnceAndStop(t *testing.T) {
	clock := &fakeClock{now: time.Unix(5000, 0)}
	s := NewInMemoryStore(time.Minute, 0, discardLogger(), WithClock(clock.Now))
	s.Append(context.Background(), domain.NewSessionKey("u1", "a"), userMsg("hi"))

	j, err := NewJanitor(s, "@every 1h", discardLogger())
	if err != nil {
		t.Fatalf("NewJanitor: %v", err)
	}
	stop, err := j.Start(context.Background())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer stop()

	if n := j.RunOnce(clock.Now()); n != 0 {
		t.Errorf("fresh session swept: %d", n)
	}
	clock.Advance(2 * time.Minute)
	if n := j.RunOnce(clock.Now()); n != 1 {
		t.Errorf("RunOnce removed %d, want 1", n)
	}
}
