// Package observe provides small in-process observables that replace ambient
// globals for cross-component facts such as "a recording is in progress".
package observe

import "sync"

// Value holds a value of type T and notifies subscribers when it changes.
type Value[T comparable] struct {
	mu      sync.Mutex
	current T
	nextID  int
	subs    map[int]chan T
}

// NewValue returns a Value initialized to initial.
func NewValue[T comparable](initial T) *Value[T] {
	return &Value[T]{current: initial, subs: make(map[int]chan T)}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.current
}

// Set stores value and notifies subscribers if it differs from the current
// one. Slow subscribers only ever see the latest value.
func (v *Value[T]) Set(value T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.current == value {
		return
	}
	v.current = value
	for _, ch := range v.subs {
		select {
		case <-ch:
		default:
		}
		ch <- value
	}
}

// Subscribe returns a channel that receives changes and a function that
// detaches it. The channel is closed on detach.
func (v *Value[T]) Subscribe() (<-chan T, func()) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.subs == nil {
		v.subs = make(map[int]chan T)
	}
	id := v.nextID
	v.nextID++
	ch := make(chan T, 1)
	v.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			v.mu.Lock()
			defer v.mu.Unlock()
			delete(v.subs, id)
			close(ch)
		})
	}
}

// Subscribers reports the number of attached subscribers.
func (v *Value[T]) Subscribers() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.subs)
}
