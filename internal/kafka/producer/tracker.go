package producer

import "sync"

// tracker maps correlation tokens to the handlers awaiting their broker
// outcome. A token resolves at most once. A resolved token stays counted
// until its handler has returned.
type tracker struct {
	mu      sync.Mutex
	pending map[string]AckHandler
	running int
}

func newTracker() *tracker {
	return &tracker{pending: make(map[string]AckHandler)}
}

func (t *tracker) register(id string, h AckHandler) {
	t.mu.Lock()
	t.pending[id] = h
	t.mu.Unlock()
}

func (t *tracker) resolve(id string) (AckHandler, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	h, ok := t.pending[id]
	if ok {
		delete(t.pending, id)
		t.running++
	}
	return h, ok
}

func (t *tracker) done() {
	t.mu.Lock()
	t.running--
	t.mu.Unlock()
}

func (t *tracker) forget(id string) {
	t.mu.Lock()
	delete(t.pending, id)
	t.mu.Unlock()
}

func (t *tracker) size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending) + t.running
}

// drain drops every pending handler and reports how many there were.
func (t *tracker) drain() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.pending)
	t.pending = make(map[string]AckHandler)
	return n
}
