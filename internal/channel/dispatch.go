// ABOUTME: Ordered single-goroutine task queue for handler and watcher callbacks
// ABOUTME: Unbounded so the read loop never blocks on slow handlers

package channel

import "sync"

type dispatcher struct {
	mu      sync.Mutex
	tasks   []func()
	stopped bool
	wake    chan struct{}
	quit    chan struct{}
	done    chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *dispatcher) push(fn func()) {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.tasks = append(d.tasks, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// stop runs the tasks already queued and exits. It does not wait, so it is
// safe to call from inside a task.
func (d *dispatcher) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	close(d.quit)
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		select {
		case <-d.wake:
			d.drain()
		case <-d.quit:
			d.drain()
			return
		}
	}
}

func (d *dispatcher) drain() {
	for {
		d.mu.Lock()
		if len(d.tasks) == 0 {
			d.mu.Unlock()
			return
		}
		fn := d.tasks[0]
		d.tasks[0] = nil
		d.tasks = d.tasks[1:]
		d.mu.Unlock()

		fn()
	}
}
