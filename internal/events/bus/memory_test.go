package bus

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubjectMatches(t *testing.T) {
	cases := []struct {
		subject, pattern string
		want             bool
	}{
		{"webhook.session.created", "webhook.session.created", true},
		{"webhook.session.created", "webhook.>", true},
		{"webhook.session.created", "webhook.*.created", true},
		{"webhook.session.created", "webhook.*", false},
		{"webhook", "webhook.>", false},
		{"session.created", "webhook.>", false},
		{"a.b", "a.b.c", false},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, subjectMatches(c.subject, c.pattern), "%s vs %s", c.subject, c.pattern)
	}
}

func TestPublishDeliversInOrder(t *testing.T) {
	b := NewMemoryEventBus(nil)
	var got []string
	_, err := b.Subscribe("webhook.>", func(ctx context.Context, e *Event) error {
		got = append(got, e.Type)
		return nil
	})
	require.NoError(t, err)

	for _, typ := range []string{"webhook.a", "webhook.b", "webhook.c"} {
		require.NoError(t, b.Publish(context.Background(), typ, NewEvent(typ, "test", nil)))
	}
	assert.Equal(t, []string{"webhook.a", "webhook.b", "webhook.c"}, got)
}

func TestQueueGroupDeliversToOneMember(t *testing.T) {
	b := NewMemoryEventBus(nil)
	counts := make([]int, 2)
	for i := 0; i < 2; i++ {
		i := i
		_, err := b.QueueSubscribe("jobs.*", "workers", func(ctx context.Context, e *Event) error {
			counts[i]++
			return nil
		})
		require.NoError(t, err)
	}

	for i := 0; i < 4; i++ {
		require.NoError(t, b.Publish(context.Background(), "jobs.run", NewEvent("jobs.run", "test", nil)))
	}
	assert.Equal(t, 4, counts[0]+counts[1], "each event delivered exactly once")
	assert.Equal(t, counts[0], counts[1], "round-robin between members")
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := NewMemoryEventBus(nil)
	calls := 0
	sub, err := b.Subscribe("x", func(ctx context.Context, e *Event) error {
		calls++
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(context.Background(), "x", NewEvent("x", "test", nil)))
	require.NoError(t, sub.Unsubscribe())
	assert.False(t, sub.IsValid())
	require.NoError(t, b.Publish(context.Background(), "x", NewEvent("x", "test", nil)))
	assert.Equal(t, 1, calls)
}

func TestClosedBusRejectsUse(t *testing.T) {
	b := NewMemoryEventBus(nil)
	b.Close()
	assert.False(t, b.IsConnected())
	assert.Error(t, b.Publish(context.Background(), "x", NewEvent("x", "test", nil)))
	_, err := b.Subscribe("x", func(ctx context.Context, e *Event) error { return nil })
	assert.Error(t, err)
}
