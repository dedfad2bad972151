package eventbus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New()
	ch := b.Subscribe(4)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Name: Event5MinStatisticsGenerated, StatisticIDs: []string{"sensor.energy"}, StartTS: 300})

	select {
	case ev := <-ch:
		assert.Equal(t, Event5MinStatisticsGenerated, ev.Name)
		assert.Equal(t, []string{"sensor.energy"}, ev.StatisticIDs)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestPublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	defer b.Unsubscribe(ch)

	b.Publish(Event{Name: "a"})
	done := make(chan struct{})
	go func() {
		b.Publish(Event{Name: "b"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on full subscriber channel")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	ch := b.Subscribe(1)
	b.Unsubscribe(ch)
	_, ok := <-ch
	require.False(t, ok)
}
