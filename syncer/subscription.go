package syncer

import "sync"

// ErrorSubscription delivers sync error reports to one listener in
// FIFO order. Reports are queued without bound so a slow listener
// never blocks reconciliation.
type ErrorSubscription struct {
	engine *Engine
	out    chan SyncError
	signal chan struct{}
	done   chan struct{}

	mu        sync.Mutex
	queue     []SyncError
	closeOnce sync.Once
}

// SubscribeErrors registers a new error listener. The caller must
// Close the subscription when done; the channel is closed afterwards.
func (e *Engine) SubscribeErrors() *ErrorSubscription {
	sub := &ErrorSubscription{
		engine: e,
		out:    make(chan SyncError),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	e.mu.Lock()
	e.subs[sub] = struct{}{}
	e.mu.Unlock()

	go sub.pump()
	return sub
}

// Errors returns the delivery channel. It is closed after Close.
func (s *ErrorSubscription) Errors() <-chan SyncError {
	return s.out
}

// Close unregisters the listener. Queued but undelivered reports are
// dropped.
func (s *ErrorSubscription) Close() {
	s.closeOnce.Do(func() {
		s.engine.mu.Lock()
		delete(s.engine.subs, s)
		s.engine.mu.Unlock()

		close(s.done)
	})
}

// push queues a report. Called with the engine mutex held, which
// serializes reports into per-listener FIFO order.
func (s *ErrorSubscription) push(serr SyncError) {
	s.mu.Lock()
	s.queue = append(s.queue, serr)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *ErrorSubscription) pump() {
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
			serr := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()

			select {
			case s.out <- serr:
			case <-s.done:
				return
			}
		}
	}
}
