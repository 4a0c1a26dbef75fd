package pubsub

import (
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oziev02/commentsync/internal/domain"
)

func newTestHub(buffer int) *Hub {
	return NewHub(buffer, prometheus.NewRegistry(), slog.New(slog.DiscardHandler))
}

func TestHub_PublishReachesThreadSubscribersOnly(t *testing.T) {
	h := newTestHub(4)
	a := h.Subscribe("t1")
	b := h.Subscribe("t1")
	other := h.Subscribe("t2")

	h.Publish("t1", domain.Event{Op: domain.EventInsert, Record: domain.Comment{ID: 1}})

	for _, s := range []*Subscription{a, b} {
		select {
		case ev := <-s.Events():
			assert.Equal(t, int64(1), ev.Record.ID)
		default:
			t.Fatal("subscriber missed the event")
		}
	}
	assert.Empty(t, other.Events())
	assert.Equal(t, 2, h.Subscribers("t1"))
	assert.Equal(t, 3.0, testutil.ToFloat64(h.subscribers))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.published))
}

func TestHub_SlowSubscriberIsDropped(t *testing.T) {
	h := newTestHub(1)
	slow := h.Subscribe("t1")

	h.Publish("t1", domain.Event{Op: domain.EventInsert})
	h.Publish("t1", domain.Event{Op: domain.EventUpdate})

	assert.True(t, slow.Dropped())
	assert.Equal(t, 0, h.Subscribers("t1"))
	assert.Equal(t, 1.0, testutil.ToFloat64(h.dropped))

	ev, ok := <-slow.Events()
	require.True(t, ok)
	assert.Equal(t, domain.EventInsert, ev.Op)
	_, ok = <-slow.Events()
	assert.False(t, ok)

	slow.Close()
	assert.Equal(t, 0.0, testutil.ToFloat64(h.subscribers))
}

func TestSubscription_CloseIsIdempotent(t *testing.T) {
	h := newTestHub(1)
	s := h.Subscribe("t1")

	s.Close()
	s.Close()

	_, ok := <-s.Events()
	assert.False(t, ok)
	assert.False(t, s.Dropped())
	assert.Equal(t, 0, h.Subscribers("t1"))
	h.Publish("t1", domain.Event{Op: domain.EventDelete})
}
