package streaming

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingReplaySince(t *testing.T) {
	r := newRing(3)
	// Push 4 events, which will overwrite the first
	for i := 0; i < 4; i++ {
		r.push(Event{Seq: uint64(i)})
	}
	evs := r.since(0)
	require.Len(t, evs, 3)
	assert.Equal(t, uint64(1), evs[0].Seq)
	assert.Equal(t, uint64(3), evs[2].Seq)

	evs = r.since(2)
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(2), evs[0].Seq)
}

func TestHubDeliversAndReplays(t *testing.T) {
	h := NewHub(8)
	ch := h.Subscribe("case-1", 4)

	h.Publish("case-1", Event{Type: EventState, From: "CREATED", To: "RESOLVING"})
	h.Publish("case-2", Event{Type: EventState})

	evt := <-ch
	assert.Equal(t, "case-1", evt.CaseID)
	assert.Equal(t, "RESOLVING", evt.To)
	assert.Equal(t, uint64(0), evt.Seq)
	assert.False(t, evt.Timestamp.IsZero())
	assert.Len(t, ch, 0, "other cases are not delivered")

	h.Unsubscribe("case-1", ch)
	_, open := <-ch
	assert.False(t, open)
	h.Unsubscribe("case-1", ch)

	h.Publish("case-1", Event{Type: EventDone})
	replay := h.ReplaySince("case-1", 1)
	require.Len(t, replay, 1)
	assert.Equal(t, EventDone, replay[0].Type)

	h.Forget("case-1")
	assert.Nil(t, h.ReplaySince("case-1", 0))
}

func TestHubDropsForSlowSubscribers(t *testing.T) {
	h := NewHub(4)
	ch := h.Subscribe("c", 1)
	h.Publish("c", Event{Type: EventState})
	h.Publish("c", Event{Type: EventState})
	assert.Len(t, ch, 1)
	h.Unsubscribe("c", ch)
}
