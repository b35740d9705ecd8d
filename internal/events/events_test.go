package events

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testManager() (*Manager, *Bus) {
	log := zerolog.New(nil).Level(zerolog.Disabled)
	bus := NewBus(log)
	return NewManager(bus, log), bus
}

func TestBus_SubscribeReceivesEvents(t *testing.T) {
	mgr, bus := testManager()

	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	mgr.EmitTyped(SessionCreated, "session", &SessionEventData{
		SessionID: "session_x",
		Mode:      "sampling",
		Status:    "created",
		Total:     100,
		Timestamp: time.Now(),
	})

	select {
	case ev := <-ch:
		assert.Equal(t, SessionCreated, ev.Type)
		assert.Equal(t, "session", ev.Module)
		assert.Equal(t, "session_x", ev.Data["session_id"])
	case <-time.After(time.Second):
		t.Fatal("expected event on subscriber channel")
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	_, bus := testManager()

	ch, unsubscribe := bus.Subscribe()
	require.Equal(t, 1, bus.SubscriberCount())

	unsubscribe()
	assert.Equal(t, 0, bus.SubscriberCount())

	_, open := <-ch
	assert.False(t, open)
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	_, bus := testManager()

	// Subscriber that never drains; emits must not block.
	_, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			bus.Emit(BatchProgress, "engine", map[string]interface{}{"current": i})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("emit blocked on slow subscriber")
	}
}

func TestProgressReporter_Throttles(t *testing.T) {
	mgr, bus := testManager()
	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	pr := NewProgressReporter(mgr, "session_x")

	// Rapid-fire intermediate reports: only the first passes the throttle.
	for i := 1; i < 50; i++ {
		pr.Report(i, 100, "working")
	}

	received := drain(ch)
	assert.Equal(t, 1, len(received))
}

func TestProgressReporter_CompletionBypassesThrottle(t *testing.T) {
	mgr, bus := testManager()
	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	pr := NewProgressReporter(mgr, "session_x")

	pr.Report(1, 100, "working")
	pr.Report(100, 100, "done") // terminal update must get through

	received := drain(ch)
	require.Equal(t, 2, len(received))
	assert.EqualValues(t, 100, received[1].Data["current"])
}

func TestProgressReporter_UnthrottledAlwaysEmits(t *testing.T) {
	mgr, bus := testManager()
	ch, unsubscribe := bus.Subscribe()
	defer unsubscribe()

	pr := NewProgressReporter(mgr, "session_x")

	pr.ReportUnthrottled(25, 100, "milestone")
	pr.ReportUnthrottled(50, 100, "milestone")

	assert.Equal(t, 2, len(drain(ch)))
}

func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-time.After(50 * time.Millisecond):
			return out
		}
	}
}
