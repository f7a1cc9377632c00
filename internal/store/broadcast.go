package store

import "sync"

// Broadcaster holds the latest value of T and fans it out to subscribers.
// Listeners run synchronously on the publishing goroutine, after the lock is
// released, so a listener may read the value back without deadlocking.
type Broadcaster[T any] struct {
	mu        sync.Mutex
	value     T
	listeners map[int]func(T)
	nextID    int
}

func NewBroadcaster[T any](initial T) *Broadcaster[T] {
	return &Broadcaster[T]{value: initial, listeners: make(map[int]func(T))}
}

func (b *Broadcaster[T]) Get() T {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value
}

// Update applies fn to the current value under the lock, publishes the
// result and returns it.
func (b *Broadcaster[T]) Update(fn func(T) T) T {
	b.mu.Lock()
	b.value = fn(b.value)
	v := b.value
	ls := make([]func(T), 0, len(b.listeners))
	for _, l := range b.listeners {
		ls = append(ls, l)
	}
	b.mu.Unlock()

	for _, l := range ls {
		l(v)
	}
	return v
}

// Subscribe registers fn and returns a function that removes it.
func (b *Broadcaster[T]) Subscribe(fn func(T)) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, id)
			b.mu.Unlock()
		})
	}
}
