package memtransport

import (
	"context"
	"sync"
)

// subscription delivers values to fn in push order on its own goroutine.
// Pushing never blocks the network.
type subscription[T any] struct {
	fn     func(T)
	notify chan struct{}
	done   chan struct{}
	once   sync.Once
	onEnd  func()

	mu    sync.Mutex
	queue []T
}

func newSubscription[T any](ctx context.Context, fn func(T), onEnd func()) *subscription[T] {
	s := &subscription[T]{
		fn:     fn,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		onEnd:  onEnd,
	}
	go s.run()
	context.AfterFunc(ctx, func() { _ = s.End() })
	return s
}

func (s *subscription[T]) push(v T) {
	s.mu.Lock()
	s.queue = append(s.queue, v)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *subscription[T]) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.notify:
		}

		s.mu.Lock()
		batch := s.queue
		s.queue = nil
		s.mu.Unlock()

		for _, v := range batch {
			select {
			case <-s.done:
				return
			default:
			}
			s.fn(v)
		}
	}
}

// End stops delivery. It is safe to call more than once.
func (s *subscription[T]) End() error {
	s.once.Do(func() {
		close(s.done)
		if s.onEnd != nil {
			s.onEnd()
		}
	})
	return nil
}
