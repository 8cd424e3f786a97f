// Package notify wakes long-polling workers when work becomes ready on a
// queue. Delivery is best effort: pollers always fall back to their own
// re-check interval, so a lost notification only costs latency.
package notify

import "sync"

// Notifier publishes and subscribes to per-queue readiness signals.
type Notifier interface {
	Notify(queue string)
	// Subscribe returns a channel that receives at least one value after any
	// Notify for queue, and a function that releases the subscription.
	Subscribe(queue string) (<-chan struct{}, func())
}

// Local fans notifications out to subscribers inside one process.
type Local struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func NewLocal() *Local {
	return &Local{subs: make(map[string]map[chan struct{}]struct{})}
}

func (l *Local) Notify(queue string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ch := range l.subs[queue] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (l *Local) Subscribe(queue string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	l.mu.Lock()
	if l.subs[queue] == nil {
		l.subs[queue] = make(map[chan struct{}]struct{})
	}
	l.subs[queue][ch] = struct{}{}
	l.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			delete(l.subs[queue], ch)
			if len(l.subs[queue]) == 0 {
				delete(l.subs, queue)
			}
		})
	}
}

// Subscribers returns the number of live subscriptions for queue.
func (l *Local) Subscribers(queue string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.subs[queue])
}
