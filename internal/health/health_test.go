package health

import (
	"context"
	"testing"
	"time"

	"github.com/jordanhubbard/keymux/internal/events"
)

func TestTrackerLatencyAndErrorRate(t *testing.T) {
	tr := NewTracker()

	tr.RecordSuccess("k1", 100)
	if got := tr.AvgLatencyMs("k1"); got != 100 {
		t.Errorf("avg = %v, want 100 after first sample", got)
	}
	tr.RecordSuccess("k1", 200)
	if got := tr.AvgLatencyMs("k1"); got <= 100 || got >= 200 {
		t.Errorf("avg = %v, want between the samples", got)
	}

	tr.RecordError("k1", "provider")
	tr.RecordError("k1", "network")
	if got := tr.ErrorRate("k1"); got != 0.5 {
		t.Errorf("error rate = %v, want 0.5 (2 of 4)", got)
	}

	s := tr.GetStats("k1")
	if s.LastError != "network" || s.TotalRequests != 4 {
		t.Errorf("stats = %+v", s)
	}

	// Unknown keys are zero-valued, not nil.
	if tr.AvgLatencyMs("nope") != 0 || tr.ErrorRate("nope") != 0 {
		t.Error("unknown key should report zeros")
	}
}

func TestCacheProbesOncePerTTL(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewCache(WithTTL(30*time.Second), WithNowFunc(func() time.Time { return now }))

	probes := 0
	probe := func(context.Context) Status {
		probes++
		return StatusHealthy
	}

	for i := 0; i < 5; i++ {
		if got := c.Get(context.Background(), "openai", probe); got != StatusHealthy {
			t.Fatalf("status = %s", got)
		}
	}
	if probes != 1 {
		t.Errorf("probes = %d, want 1 inside the TTL", probes)
	}

	now = now.Add(31 * time.Second)
	c.Get(context.Background(), "openai", probe)
	if probes != 2 {
		t.Errorf("probes = %d, want 2 after expiry", probes)
	}

	c.Invalidate("openai")
	c.Get(context.Background(), "openai", probe)
	if probes != 3 {
		t.Errorf("probes = %d, want 3 after Invalidate", probes)
	}
}

func TestCachePublishesOnChange(t *testing.T) {
	bus := events.NewBus()
	sub := bus.Subscribe(8)
	defer bus.Unsubscribe(sub)

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c := NewCache(
		WithTTL(time.Second),
		WithNowFunc(func() time.Time { return now }),
		WithEventBus(bus),
	)

	status := StatusHealthy
	probe := func(context.Context) Status { return status }

	c.Get(context.Background(), "openai", probe)
	e := <-sub.C
	if e.Type != events.EventHealthChange || e.NewState != "healthy" {
		t.Errorf("event = %+v", e)
	}

	// Same status on re-probe: no event.
	now = now.Add(2 * time.Second)
	c.Get(context.Background(), "openai", probe)
	select {
	case e := <-sub.C:
		t.Errorf("unexpected event %+v for unchanged status", e)
	default:
	}

	// Status change: event with old and new.
	now = now.Add(2 * time.Second)
	status = StatusDown
	c.Get(context.Background(), "openai", probe)
	e = <-sub.C
	if e.OldState != "healthy" || e.NewState != "down" {
		t.Errorf("transition = %s -> %s, want healthy -> down", e.OldState, e.NewState)
	}
}
