package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeSnapshot(t *testing.T) {
	bus := NewBus(Options{})

	bus.Publish(Event{Type: TypePrinterConnected, Serial: "00M09A123456789"})
	bus.Publish(Event{Type: TypePrinterConnected, Serial: "00M09A987654321"})
	bus.Publish(Event{Type: TypePrinterDisconnected, Serial: "00M09A987654321"})
	bus.Publish(Event{Type: TypeDeviceConnected})
	bus.Publish(Event{Type: TypeWeight, Payload: Weight{Grams: 850.5, Stable: true}})
	bus.Publish(Event{Type: TypeTagDetected, Payload: Tag{TagID: "04:AB:CD:EF:12:34:56", TagType: "ntag215"}})

	sub := bus.Subscribe(nil)
	defer sub.Close()

	first := <-sub.Events()
	require.Equal(t, TypeInitialState, first.Type)
	snap, ok := first.Payload.(InitialState)
	require.True(t, ok)

	assert.Equal(t, map[string]bool{"00M09A123456789": true, "00M09A987654321": false}, snap.Printers)
	assert.True(t, snap.Device.Connected)
	require.NotNil(t, snap.Device.LastWeight)
	assert.Equal(t, 850.5, *snap.Device.LastWeight)
	assert.True(t, snap.Device.WeightStable)
	require.NotNil(t, snap.Device.CurrentTagID)
	assert.Equal(t, "04:AB:CD:EF:12:34:56", *snap.Device.CurrentTagID)

	// Events published before the subscription must not arrive again as
	// deltas. The next delivery is whatever is published after.
	bus.Publish(Event{Type: TypeTagRemoved})
	next := <-sub.Events()
	assert.Equal(t, TypeTagRemoved, next.Type)
}

func TestSnapshotAtomicity(t *testing.T) {
	bus := NewBus(Options{})

	// Hammer the bus with sequential weight updates while subscribers attach
	// concurrently. Every subscriber's first delta must directly follow the
	// weight its snapshot reflects: no gap, no overlap.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 1; i <= 200; i++ {
			bus.Publish(Event{Type: TypeWeight, Payload: Weight{Grams: float64(i)}})
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sub := bus.Subscribe(nil)
			defer sub.Close()

			first := <-sub.Events()
			if !assert.Equal(t, TypeInitialState, first.Type) {
				return
			}
			snap, ok := first.Payload.(InitialState)
			if !assert.True(t, ok) {
				return
			}
			var last float64
			if snap.Device.LastWeight != nil {
				last = *snap.Device.LastWeight
			}

			select {
			case e, ok := <-sub.Events():
				if !ok {
					return
				}
				if assert.Equal(t, TypeWeight, e.Type) {
					assert.Equal(t, last+1, e.Payload.(Weight).Grams)
				}
			case <-done:
			}
		}()
	}
	wg.Wait()
}

func TestSubscriberOrdering(t *testing.T) {
	bus := NewBus(Options{})
	sub := bus.Subscribe(nil)
	defer sub.Close()

	first := <-sub.Events()
	require.Equal(t, TypeInitialState, first.Type)

	const n = 50
	for i := 0; i < n; i++ {
		bus.Publish(Event{Type: TypeWeight, Payload: Weight{Grams: float64(i)}})
	}
	for i := 0; i < n; i++ {
		e := <-sub.Events()
		require.Equal(t, TypeWeight, e.Type)
		assert.Equal(t, float64(i), e.Payload.(Weight).Grams)
	}
}

func TestSubscriberFilter(t *testing.T) {
	bus := NewBus(Options{})
	sub := bus.Subscribe(func(e Event) bool { return e.Type == TypePrinterState })
	defer sub.Close()

	bus.Publish(Event{Type: TypeWeight, Payload: Weight{Grams: 1}})
	bus.Publish(Event{Type: TypePrinterState, Serial: "a", Payload: PrinterState{State: "s"}})
	bus.Publish(Event{Type: TypeTagRemoved})
	bus.Publish(Event{Type: TypePrinterState, Serial: "b", Payload: PrinterState{State: "s"}})

	e := <-sub.Events()
	assert.Equal(t, TypePrinterState, e.Type)
	assert.Equal(t, "a", e.Serial)
	e = <-sub.Events()
	assert.Equal(t, TypePrinterState, e.Type)
	assert.Equal(t, "b", e.Serial)
}

func TestSlowConsumerDrops(t *testing.T) {
	bus := NewBus(Options{QueueDepth: 4})
	sub := bus.Subscribe(nil)
	defer sub.Close()

	first := <-sub.Events()
	require.Equal(t, TypeInitialState, first.Type)

	// Overflow the queue without draining, then account for everything: the
	// events that survived plus a single marker covering the ones that didn't.
	const n = 10
	for i := 0; i < n; i++ {
		bus.Publish(Event{Type: TypeWeight, Payload: Weight{Grams: float64(i)}})
	}

	var delivered, markers, lost int
	timeout := time.After(time.Second)
drain:
	for delivered+lost < n {
		select {
		case e, ok := <-sub.Events():
			require.True(t, ok)
			switch e.Type {
			case TypeSlowConsumer:
				markers++
				lost += e.Payload.(SlowConsumer).Lost
			case TypeWeight:
				delivered++
			}
		case <-timeout:
			break drain
		}
	}

	assert.Equal(t, n, delivered+lost)
	assert.Equal(t, 1, markers, "one overflow episode yields one marker")
	assert.Greater(t, lost, 0)
	// The queue plus the single in-flight slot bounds what can survive.
	assert.LessOrEqual(t, delivered, 4+1)
}

func TestSlowConsumerEviction(t *testing.T) {
	bus := NewBus(Options{QueueDepth: 2, EvictionDrops: 3, EvictionWindow: 30 * time.Second})
	sub := bus.Subscribe(nil)
	defer sub.Close()

	burst := func() { // enough to guarantee overflow past queue + in-flight
		for i := 0; i < 6; i++ {
			bus.Publish(Event{Type: TypeWeight, Payload: Weight{Grams: float64(i)}})
		}
	}
	drainUntilMarker := func() bool {
		timeout := time.After(time.Second)
		for {
			select {
			case e, ok := <-sub.Events():
				if !ok {
					return false
				}
				if e.Type == TypeSlowConsumer {
					return true
				}
			case <-timeout:
				t.Fatal("timed out waiting for slow_consumer marker")
			}
		}
	}

	burst()
	require.True(t, drainUntilMarker())
	burst()
	require.True(t, drainUntilMarker())

	// Third overflow episode within the window: evicted, channel closes.
	burst()
	timeout := time.After(time.Second)
	for {
		select {
		case _, ok := <-sub.Events():
			if !ok {
				assert.True(t, sub.Evicted())
				assert.Equal(t, 0, bus.SubscriberCount())
				return
			}
		case <-timeout:
			t.Fatal("subscription was not evicted after third overflow")
		}
	}
}

func TestPublisherNeverBlocks(t *testing.T) {
	bus := NewBus(Options{QueueDepth: 8})

	// A subscriber that never drains must not stall the publisher or starve
	// one that does.
	stuck := bus.Subscribe(nil)
	defer stuck.Close()
	healthy := bus.Subscribe(nil)
	defer healthy.Close()

	type result struct {
		delivered int
		lost      int
	}
	collected := make(chan result)
	go func() {
		var r result
		for r.delivered+r.lost < 1000 {
			e, ok := <-healthy.Events()
			if !ok {
				break
			}
			switch e.Type {
			case TypeSlowConsumer:
				r.lost += e.Payload.(SlowConsumer).Lost
			case TypeWeight:
				r.delivered++
			}
		}
		collected <- r
	}()

	start := time.Now()
	for i := 0; i < 1000; i++ {
		bus.Publish(Event{Type: TypeWeight, Payload: Weight{Grams: float64(i)}})
	}
	assert.Less(t, time.Since(start), 2*time.Second)

	select {
	case r := <-collected:
		assert.Equal(t, 1000, r.delivered+r.lost)
	case <-time.After(5 * time.Second):
		t.Fatal("healthy subscriber never accounted for all events")
	}
}

func TestTrackerPrinterRemoval(t *testing.T) {
	bus := NewBus(Options{})

	bus.Publish(Event{Type: TypePrinterConnected, Serial: "p1"})
	bus.Publish(Event{Type: TypePrinterState, Serial: "p1", Payload: PrinterState{State: "snapshot"}})
	bus.Publish(Event{Type: TypePrinterRemoved, Serial: "p1"})

	sub := bus.Subscribe(nil)
	defer sub.Close()
	first := <-sub.Events()
	snap := first.Payload.(InitialState)
	assert.Empty(t, snap.Printers)
	assert.Empty(t, snap.States)
}

func TestEvictionWindowExpiry(t *testing.T) {
	// Overflow episodes older than the window must not count toward eviction.
	bus := NewBus(Options{QueueDepth: 2, EvictionDrops: 3, EvictionWindow: 50 * time.Millisecond})
	sub := bus.Subscribe(nil)
	defer sub.Close()

	for episode := 0; episode < 5; episode++ {
		for i := 0; i < 6; i++ {
			bus.Publish(Event{Type: TypeWeight, Payload: Weight{Grams: float64(i)}})
		}
		timeout := time.After(time.Second)
		sawMarker := false
		for !sawMarker {
			select {
			case e, ok := <-sub.Events():
				require.True(t, ok, "subscriber evicted on episode %d despite expired window", episode)
				if e.Type == TypeSlowConsumer {
					sawMarker = true
				}
			case <-timeout:
				t.Fatal("no marker")
			}
		}
		time.Sleep(60 * time.Millisecond) // let the window expire between episodes
	}
	assert.False(t, sub.Evicted())
}

