package appregistry

import "sync"

// Subscription delivers registry events to one listener in FIFO order.
// Events are queued without bound so a slow listener never blocks
// registry mutations; Close tears the subscription down and is safe to
// call concurrently with delivery.
type Subscription struct {
	registry *Registry
	out      chan Event
	signal   chan struct{}
	done     chan struct{}

	mu        sync.Mutex
	queue     []Event
	closeOnce sync.Once
}

// Subscribe registers a new listener. The caller must Close the
// subscription when done; the event channel is closed afterwards.
func (r *Registry) Subscribe() *Subscription {
	sub := &Subscription{
		registry: r,
		out:      make(chan Event),
		signal:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}

	r.mu.Lock()
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	go sub.pump()
	return sub
}

// Events returns the delivery channel. It is closed after Close.
func (s *Subscription) Events() <-chan Event {
	return s.out
}

// Close unregisters the listener. Queued but undelivered events are
// dropped.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.registry.mu.Lock()
		delete(s.registry.subs, s)
		s.registry.mu.Unlock()

		close(s.done)
	})
}

// push queues an event. Called with the registry mutex held, which is
// what serializes events into per-listener FIFO order.
func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *Subscription) pump() {
	defer close(s.out)

	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}

		for {
			s.mu.Lock()
			if len(s.queue) == 0 {
				s.mu.Unlock()
				break
			}
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.out <- ev:
			case <-s.done:
				return
			}
		}
	}
}
