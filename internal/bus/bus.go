// Package bus carries order state messages between the processes taking
// part in a swap. Every subscriber sees every message in publish order.
package bus

import (
	"context"
	"errors"
	"sync"

	"github.com/lnswap/lnswapd/internal/order"
)

// ErrClosed is returned after Close.
var ErrClosed = errors.New("bus closed")

// Bus publishes and delivers order state messages.
type Bus interface {
	Publish(ctx context.Context, m *order.Message) error
	// Subscribe returns a channel of every message published after the
	// call. The channel is closed when ctx ends or the bus is closed.
	Subscribe(ctx context.Context) (<-chan *order.Message, error)
	Close() error
}

// hub fans messages out to subscribers. Each subscriber has its own
// unbounded queue so a slow reader never blocks a publisher.
type hub struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[*subscriber]struct{})}
}

func (h *hub) subscribe(ctx context.Context) (<-chan *order.Message, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}

	s := newSubscriber()
	h.subs[s] = struct{}{}
	go s.run(ctx)
	go func() {
		select {
		case <-ctx.Done():
		case <-s.stopped:
		}
		h.mu.Lock()
		delete(h.subs, s)
		h.mu.Unlock()
		s.stop()
	}()
	return s.out, nil
}

func (h *hub) broadcast(m *order.Message) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	for s := range h.subs {
		msg := *m
		s.push(&msg)
	}
	return nil
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for s := range h.subs {
		s.stop()
		delete(h.subs, s)
	}
}

type subscriber struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*order.Message
	done    bool
	out     chan *order.Message
	stopped chan struct{}
	once    sync.Once
}

func newSubscriber() *subscriber {
	s := &subscriber{
		out:     make(chan *order.Message),
		stopped: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *subscriber) push(m *order.Message) {
	s.mu.Lock()
	if !s.done {
		s.queue = append(s.queue, m)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscriber) stop() {
	s.once.Do(func() {
		s.mu.Lock()
		s.done = true
		s.cond.Broadcast()
		s.mu.Unlock()
		close(s.stopped)
	})
}

func (s *subscriber) run(ctx context.Context) {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.done {
			s.cond.Wait()
		}
		if s.done {
			s.mu.Unlock()
			return
		}
		m := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- m:
		case <-ctx.Done():
			return
		case <-s.stopped:
			return
		}
	}
}

// Memory is an in-process bus.
type Memory struct {
	hub *hub
}

// NewMemory creates an in-process bus.
func NewMemory() *Memory {
	return &Memory{hub: newHub()}
}

// Publish validates m and delivers it to every subscriber.
func (b *Memory) Publish(ctx context.Context, m *order.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	return b.hub.broadcast(m)
}

func (b *Memory) Subscribe(ctx context.Context) (<-chan *order.Message, error) {
	return b.hub.subscribe(ctx)
}

func (b *Memory) Close() error {
	b.hub.close()
	return nil
}
