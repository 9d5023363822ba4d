package events

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nugget/meshview/internal/metrics"
)

// recv waits briefly for one event on ch.
func recv(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		if !ok {
			t.Fatal("subscription closed")
		}
		return e
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return Event{}
	}
}

func TestNilBusIsInert(t *testing.T) {
	var b *Bus
	b.Publish(NewEvent(SourceSensors, KindSensorUpdated, nil))
	if b.SubscriberCount() != 0 || b.Dropped() != 0 {
		t.Errorf("nil bus reports %d subscribers, %d dropped", b.SubscriberCount(), b.Dropped())
	}
}

func TestPublishFansOut(t *testing.T) {
	b := New()
	subs := make([]<-chan Event, 3)
	for i := range subs {
		subs[i] = b.Subscribe(4)
		defer b.Unsubscribe(subs[i])
	}

	b.Publish(NewEvent(SourceTopology, KindTopologyChanged, map[string]any{"node": "A"}))
	b.Publish(NewEvent(SourcePackets, KindPacketLogged, nil))

	for i, ch := range subs {
		first, second := recv(t, ch), recv(t, ch)
		if first.Kind != KindTopologyChanged || first.Data["node"] != "A" || first.Timestamp.IsZero() {
			t.Errorf("subscriber %d first event = %+v", i, first)
		}
		if second.Source != SourcePackets {
			t.Errorf("subscriber %d second event = %+v, want packets in order", i, second)
		}
	}
}

func TestSlowSubscriberDrops(t *testing.T) {
	b := New()
	slow := b.Subscribe(1)
	fast := b.Subscribe(8)
	defer b.Unsubscribe(slow)
	defer b.Unsubscribe(fast)

	before := testutil.ToFloat64(metrics.BusDropped)
	for _, kind := range []string{KindAnimationStart, KindAnimationFrame, KindAnimationEnd} {
		b.Publish(NewEvent(SourceAnimation, kind, nil))
	}

	if got := recv(t, slow); got.Kind != KindAnimationStart {
		t.Errorf("slow subscriber kept %q, want the oldest event", got.Kind)
	}
	select {
	case e := <-slow:
		t.Errorf("slow subscriber got extra event %+v", e)
	default:
	}
	for range 3 {
		recv(t, fast)
	}

	if b.Dropped() != 2 {
		t.Errorf("Dropped() = %d, want 2", b.Dropped())
	}
	if got := testutil.ToFloat64(metrics.BusDropped) - before; got != 2 {
		t.Errorf("bus dropped metric grew by %v, want 2", got)
	}
}

func TestUnsubscribeClosesOnce(t *testing.T) {
	b := New()
	gone := b.Subscribe(1)
	kept := b.Subscribe(1)
	defer b.Unsubscribe(kept)

	b.Unsubscribe(gone)
	b.Unsubscribe(gone)
	if _, open := <-gone; open {
		t.Error("channel still open after Unsubscribe")
	}
	if n := b.SubscriberCount(); n != 1 {
		t.Errorf("SubscriberCount() = %d, want 1", n)
	}

	b.Publish(NewEvent(SourceBroker, KindLinkUp, map[string]any{"link": "sniffer"}))
	if got := recv(t, kept); got.Data["link"] != "sniffer" {
		t.Errorf("remaining subscriber got %+v", got)
	}
}

func TestConcurrentPublishers(t *testing.T) {
	b := New()
	ch := b.Subscribe(64)

	var received int
	drained := make(chan struct{})
	go func() {
		for range ch {
			received++
		}
		close(drained)
	}()

	var wg sync.WaitGroup
	for p := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for step := range 100 {
				b.Publish(NewEvent(SourceAnimation, KindAnimationFrame,
					map[string]any{"publisher": p, "step": step}))
			}
		}()
	}
	wg.Wait()
	b.Unsubscribe(ch)
	<-drained

	if total := uint64(received) + b.Dropped(); total != 800 {
		t.Errorf("received %d + dropped %d = %d, want 800", received, b.Dropped(), total)
	}
}
