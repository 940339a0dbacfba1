package engine

import (
	"sync"

	"github.com/seantiz/cauldron/internal/model"
)

// subscriberBufferSize is the channel buffer for each event subscriber.
// Events are dropped if a subscriber falls this far behind.
const subscriberBufferSize = 64

// RunEvent reports that one run of an experiment reached a terminal state.
type RunEvent struct {
	ExperimentID  string `json:"experiment_id"`
	RunID         string `json:"run_id"`
	Backend       string `json:"backend"`
	Model         string `json:"model"`
	TestCaseIndex int    `json:"test_case_index"`
	Status        string `json:"status"`
	DurationMS    *int64 `json:"duration_ms,omitempty"`
	Error         string `json:"error,omitempty"`
}

func newRunEvent(r *model.Run) RunEvent {
	return RunEvent{
		ExperimentID:  r.ExperimentID,
		RunID:         r.ID,
		Backend:       r.Backend,
		Model:         r.Model,
		TestCaseIndex: r.TestCaseIndex,
		Status:        r.Status,
		DurationMS:    r.DurationMS,
		Error:         r.Error,
	}
}

// EventBroker fans out run events per experiment to subscribers and is safe
// for concurrent use.
//
// A finished experiment is remembered so a subscriber arriving after the last
// run gets a closed channel instead of one that never delivers. Only the most
// recent finished experiments are remembered; the API checks the stored
// status before subscribing, which covers anything older.
type EventBroker struct {
	mu     sync.Mutex
	live   map[string]map[chan RunEvent]struct{}
	done   map[string]struct{}
	order  []string
	retain int
}

// NewEventBroker creates a broker that remembers up to
// defaultFinishedRetention finished experiments.
func NewEventBroker() *EventBroker {
	return newEventBroker(defaultFinishedRetention)
}

const defaultFinishedRetention = 1024

func newEventBroker(retain int) *EventBroker {
	return &EventBroker{
		live:   make(map[string]map[chan RunEvent]struct{}),
		done:   make(map[string]struct{}),
		retain: retain,
	}
}

// Subscribe returns a channel of run events for experimentID and a function
// that cancels the subscription. The channel is closed when the experiment
// finishes, or immediately if it already has.
func (b *EventBroker) Subscribe(experimentID string) (<-chan RunEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan RunEvent, subscriberBufferSize)
	if _, finished := b.done[experimentID]; finished {
		close(ch)
		return ch, func() {}
	}

	subs := b.live[experimentID]
	if subs == nil {
		subs = make(map[chan RunEvent]struct{})
		b.live[experimentID] = subs
	}
	subs[ch] = struct{}{}

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if cur, ok := b.live[experimentID]; ok {
			delete(cur, ch)
			if len(cur) == 0 {
				delete(b.live, experimentID)
			}
		}
	}
}

// Publish delivers ev to every subscriber of its experiment. A subscriber
// whose buffer is full misses the event.
func (b *EventBroker) Publish(ev RunEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.live[ev.ExperimentID] {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close marks experimentID finished and closes its subscriber channels.
func (b *EventBroker) Close(experimentID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for ch := range b.live[experimentID] {
		close(ch)
	}
	delete(b.live, experimentID)

	if _, ok := b.done[experimentID]; ok {
		return
	}
	b.done[experimentID] = struct{}{}
	b.order = append(b.order, experimentID)
	if len(b.order) > b.retain {
		delete(b.done, b.order[0])
		b.order = b.order[1:]
	}
}
