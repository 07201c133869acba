package service

import "sync"

// actor runs the work posted for one session strictly in order. A drain
// goroutine exists only while the mailbox is non-empty.
type actor struct {
	mu      sync.Mutex
	queue   []func()
	running bool
}

func (a *actor) post(fn func()) {
	a.mu.Lock()
	a.queue = append(a.queue, fn)
	if a.running {
		a.mu.Unlock()
		return
	}
	a.running = true
	a.mu.Unlock()

	go a.drain()
}

func (a *actor) drain() {
	for {
		a.mu.Lock()
		if len(a.queue) == 0 {
			a.running = false
			a.mu.Unlock()
			return
		}
		fn := a.queue[0]
		a.queue[0] = nil
		a.queue = a.queue[1:]
		a.mu.Unlock()

		fn()
	}
}

// call runs fn on the mailbox and waits for it to return
func (a *actor) call(fn func()) {
	done := make(chan struct{})
	a.post(func() {
		defer close(done)
		fn()
	})
	<-done
}

// flush blocks until everything posted before the call has run
func (a *actor) flush() {
	a.call(func() {})
}

// actors maps session ids to their mailbox
type actors struct {
	mu sync.Mutex
	m  map[int64]*actor
}

func newActors() *actors {
	return &actors{m: make(map[int64]*actor)}
}

func (a *actors) get(sessionID int64) *actor {
	a.mu.Lock()
	defer a.mu.Unlock()
	act, ok := a.m[sessionID]
	if !ok {
		act = &actor{}
		a.m[sessionID] = act
	}
	return act
}

func (a *actors) post(sessionID int64, fn func()) {
	a.get(sessionID).post(fn)
}
