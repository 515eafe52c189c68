// Package events implements the wallet-wide notification channel. Any
// component may publish; every subscriber receives its own copy. Publishing
// never blocks: a subscriber whose buffer is full misses the event.
package events

import (
	"sync"
)

const defaultSubscriberBuffer = 100

type Publisher[T any] struct {
	mu          sync.RWMutex
	subscribers map[int]chan T
	nextID      int
	bufferSize  int
	closed      bool
}

func NewPublisher[T any]() *Publisher[T] {
	return &Publisher[T]{
		subscribers: make(map[int]chan T),
		bufferSize:  defaultSubscriberBuffer,
	}
}

// Subscribe registers a new subscriber and returns its receive channel
// together with an unsubscribe function. The channel is closed on
// unsubscribe and on publisher Close.
func (p *Publisher[T]) Subscribe() (<-chan T, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		ch := make(chan T)
		close(ch)
		return ch, func() {}
	}

	id := p.nextID
	p.nextID++

	ch := make(chan T, p.bufferSize)
	p.subscribers[id] = ch

	unsubscribe := func() {
		p.mu.Lock()
		defer p.mu.Unlock()

		if sub, ok := p.subscribers[id]; ok {
			delete(p.subscribers, id)
			close(sub)
		}
	}

	return ch, unsubscribe
}

// Publish delivers the event to all current subscribers without blocking.
func (p *Publisher[T]) Publish(event T) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return
	}

	for _, ch := range p.subscribers {
		select {
		case ch <- event:
		default:
			// subscriber is not keeping up, drop the event for it
		}
	}
}

func (p *Publisher[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true

	for id, ch := range p.subscribers {
		delete(p.subscribers, id)
		close(ch)
	}
}
