package engine_test

import (
	"testing"

	"github.com/seantiz/cauldron/internal/engine"
	"github.com/seantiz/cauldron/internal/model"
)

func event(exp, run string) engine.RunEvent {
	return engine.RunEvent{ExperimentID: exp, RunID: run, Status: model.StatusCompleted}
}

func TestEventBrokerSingleSubscriber(t *testing.T) {
	b := engine.NewEventBroker()
	ch, unsub := b.Subscribe("e1")
	defer unsub()

	runs := []string{"r1", "r2", "r3"}
	for _, r := range runs {
		b.Publish(event("e1", r))
	}
	b.Close("e1")

	var got []string
	for ev := range ch {
		got = append(got, ev.RunID)
	}

	if len(got) != len(runs) {
		t.Fatalf("got %d events, want %d", len(got), len(runs))
	}
	for i, r := range got {
		if r != runs[i] {
			t.Errorf("event[%d] = %q, want %q", i, r, runs[i])
		}
	}
}

func TestEventBrokerMultipleSubscribers(t *testing.T) {
	b := engine.NewEventBroker()
	ch1, unsub1 := b.Subscribe("e1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("e1")
	defer unsub2()

	b.Publish(event("e1", "r1"))
	b.Close("e1")

	for i, ch := range []<-chan engine.RunEvent{ch1, ch2} {
		var n int
		for range ch {
			n++
		}
		if n != 1 {
			t.Errorf("subscriber %d got %d events, want 1", i, n)
		}
	}
}

func TestEventBrokerIsolation(t *testing.T) {
	b := engine.NewEventBroker()
	ch, unsub := b.Subscribe("e1")
	defer unsub()

	b.Publish(event("e2", "other"))
	b.Publish(event("e1", "mine"))
	b.Close("e1")

	var got []string
	for ev := range ch {
		got = append(got, ev.RunID)
	}
	if len(got) != 1 || got[0] != "mine" {
		t.Errorf("got %v, want [mine]", got)
	}
}

func TestEventBrokerLateSubscriber(t *testing.T) {
	b := engine.NewEventBroker()
	b.Close("e1")

	ch, unsub := b.Subscribe("e1")
	defer unsub()

	if _, ok := <-ch; ok {
		t.Error("late subscriber channel should be closed")
	}
}

func TestEventBrokerDropsForSlowSubscriber(t *testing.T) {
	b := engine.NewEventBroker()
	ch, unsub := b.Subscribe("e1")
	defer unsub()

	for range 200 {
		b.Publish(event("e1", "r"))
	}
	b.Close("e1")

	var n int
	for range ch {
		n++
	}
	if n == 0 || n >= 200 {
		t.Errorf("received %d events, want buffer-bounded delivery", n)
	}
}

func TestEventBrokerUnsubscribe(t *testing.T) {
	b := engine.NewEventBroker()
	ch, unsub := b.Subscribe("e1")
	unsub()

	b.Publish(event("e1", "r1"))

	select {
	case ev := <-ch:
		t.Errorf("received %+v after unsubscribe", ev)
	default:
	}
}
