package events

import (
	"log/slog"
	"sync"
	"time"
)

const (
	DefaultQueueDepth     = 256
	DefaultEvictionDrops  = 3
	DefaultEvictionWindow = 30 * time.Second
)

type Options struct {
	// QueueDepth bounds each subscriber's outbound queue.
	QueueDepth int
	// EvictionDrops is how many slow_consumer markers within EvictionWindow
	// get a subscriber evicted.
	EvictionDrops  int
	EvictionWindow time.Duration
}

func (o *Options) withDefaults() Options {
	opts := *o
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = DefaultQueueDepth
	}
	if opts.EvictionDrops <= 0 {
		opts.EvictionDrops = DefaultEvictionDrops
	}
	if opts.EvictionWindow <= 0 {
		opts.EvictionWindow = DefaultEvictionWindow
	}
	return opts
}

// Bus broadcasts events to any number of subscribers without ever blocking
// the publisher. Each subscriber owns a bounded queue; overflow drops the
// oldest entries and surfaces the loss as a slow_consumer marker.
//
// The bus also folds every published event into a last-known snapshot so that
// Subscribe can hand new subscribers a consistent initial_state: the snapshot
// reflects exactly the events published before the subscription, and every
// event published after is delivered to the queue. No gap, no overlap.
type Bus struct {
	mu      sync.Mutex // held before any Subscription lock
	subs    map[*Subscription]struct{}
	tracker tracker
	opts    Options
}

func NewBus(opts Options) *Bus {
	return &Bus{
		subs:    make(map[*Subscription]struct{}),
		tracker: newTracker(),
		opts:    opts.withDefaults(),
	}
}

// Publish fans the event out to every matching subscriber. Never blocks.
func (b *Bus) Publish(e Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tracker.fold(e)
	for sub := range b.subs {
		if evicted := sub.enqueue(e); evicted {
			delete(b.subs, sub)
		}
	}
}

// Subscribe registers a new subscriber. Its first delivered event is an
// initial_state snapshot, unless the filter rejects it. A nil filter accepts
// everything. Callers must Close the subscription when done.
func (b *Bus) Subscribe(filter func(Event) bool) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		bus:    b,
		filter: filter,
		depth:  b.opts.QueueDepth,
		out:    make(chan Event),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	sub.enqueue(Event{Type: TypeInitialState, Payload: b.tracker.snapshot()})
	b.subs[sub] = struct{}{}
	go sub.pump()
	return sub
}

// SubscriberCount returns the number of live subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Bus) remove(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, sub)
}

// Subscription is one subscriber's bounded view of the bus. Events are read
// from Events(); the channel is closed when the subscription is closed or
// the subscriber is evicted for falling too far behind.
type Subscription struct {
	bus    *Bus
	filter func(Event) bool
	depth  int

	mu      sync.Mutex
	queue   []Event
	lost    int // dropped since the last slow_consumer marker
	markers []time.Time
	evicted bool
	closed  bool

	out  chan Event
	wake chan struct{}
	done chan struct{}
}

func (s *Subscription) Events() <-chan Event { return s.out }

// Evicted reports whether the subscription was closed by the bus for being
// too slow, rather than by its owner.
func (s *Subscription) Evicted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evicted
}

func (s *Subscription) Close() {
	s.bus.remove(s)
	s.terminate()
}

func (s *Subscription) terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

// enqueue is called with the bus lock held. It reports whether the
// subscriber was evicted so the bus can drop its registration.
func (s *Subscription) enqueue(e Event) bool {
	if s.filter != nil && !s.filter(e) {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.evicted {
		return false
	}

	if len(s.queue) >= s.depth {
		s.queue = s.queue[1:]
		if s.lost == 0 {
			// First drop of a new overflow episode.
			now := time.Now()
			s.markers = append(s.markers, now)
			s.pruneMarkersLocked(now)
			if len(s.markers) >= s.bus.opts.EvictionDrops {
				slog.Warn("evicting slow event subscriber", "overflows", len(s.markers), "window", s.bus.opts.EvictionWindow)
				s.evicted = true
				s.closed = true
				s.queue = nil
				close(s.done)
				return true
			}
		}
		s.lost++
	}

	s.queue = append(s.queue, e)
	select {
	case s.wake <- struct{}{}:
	default:
	}
	return false
}

func (s *Subscription) pruneMarkersLocked(now time.Time) {
	cutoff := now.Add(-s.bus.opts.EvictionWindow)
	kept := s.markers[:0]
	for _, t := range s.markers {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.markers = kept
}

// pump moves events from the queue to the outbound channel. It is the only
// place a subscription blocks; the publisher never does. A pending loss
// marker is delivered before the surviving queue entries so the consumer sees
// the gap where it happened.
func (s *Subscription) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		var e Event
		switch {
		case s.closed:
			s.mu.Unlock()
			return
		case s.lost > 0:
			e = Event{Type: TypeSlowConsumer, Payload: SlowConsumer{Lost: s.lost}}
			s.lost = 0
		case len(s.queue) > 0:
			e = s.queue[0]
			s.queue = s.queue[1:]
		default:
			s.mu.Unlock()
			select {
			case <-s.wake:
			case <-s.done:
				return
			}
			continue
		}
		s.mu.Unlock()

		select {
		case s.out <- e:
		case <-s.done:
			return
		}
	}
}
