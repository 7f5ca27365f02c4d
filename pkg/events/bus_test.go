package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBusPublishSubscribe(t *testing.T) {
	b := NewBus()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe(Unfiltered())
	defer b.Unsubscribe(sub)

	b.Publish(New(KindAgentConnected, "hello"))

	select {
	case d := <-sub.C():
		assert.Equal(t, KindAgentConnected, d.Event.Kind)
		assert.Equal(t, uint64(0), d.Lagged)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestBusFilteredSubscriberIgnoresNonMatching(t *testing.T) {
	b := NewBus()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe(EventIs(KindReconcileComplete))
	defer b.Unsubscribe(sub)

	b.Publish(New(KindAgentConnected, "ignored"))
	b.Publish(New(KindReconcileComplete, "matched"))

	select {
	case d := <-sub.C():
		assert.Equal(t, KindReconcileComplete, d.Event.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestSubscriberLaggedNotification(t *testing.T) {
	b := &Bus{capacity: 1, eventCh: make(chan Event, 1), stopCh: make(chan struct{}), subscribers: make(map[*Subscriber]bool)}
	sub := b.Subscribe(Unfiltered())

	// Fill the subscriber's buffer directly, then force a drop.
	sub.deliver(New(KindAgentConnected, "1"))
	sub.deliver(New(KindAgentConnected, "2")) // dropped, buffer full

	require.Equal(t, uint64(1), sub.lagged)

	<-sub.C() // drain the first delivery, freeing a slot
	sub.deliver(New(KindAgentConnected, "3"))

	d := <-sub.C()
	assert.Equal(t, uint64(1), d.Lagged)
}
