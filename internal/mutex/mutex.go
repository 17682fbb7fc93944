// Package mutex serializes work on shared keys such as image names and cache directories.
package mutex

import (
	"context"
	"sync"
	"time"
)

// Manager hands out exclusive access per key. Each acquisition queues
// behind the previous holder's completion signal; unrelated keys never wait
// on each other.
type Manager struct {
	mu    sync.Mutex
	tails map[string]chan struct{}

	// OnAcquire, when set, is told how long a caller waited for key.
	OnAcquire func(key string, waited time.Duration)
}

func NewManager() *Manager {
	return &Manager{tails: map[string]chan struct{}{}}
}

// Exclusive runs fn while holding key. The key is released when fn returns,
// error or not. If ctx ends while waiting, fn is not run.
func (m *Manager) Exclusive(ctx context.Context, key string, fn func() error) error {
	start := time.Now()
	m.mu.Lock()
	prev := m.tails[key]
	done := make(chan struct{})
	m.tails[key] = done
	m.mu.Unlock()

	release := func() {
		m.mu.Lock()
		if m.tails[key] == done {
			delete(m.tails, key)
		}
		m.mu.Unlock()
		close(done)
	}

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			// keep the queue intact: our slot frees once the holder ahead is done
			go func() {
				<-prev
				release()
			}()
			return ctx.Err()
		}
	}
	defer release()

	if m.OnAcquire != nil {
		m.OnAcquire(key, time.Since(start))
	}
	return fn()
}

// Held reports how many keys currently have a holder or waiters.
func (m *Manager) Held() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tails)
}
