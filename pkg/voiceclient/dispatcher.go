package voiceclient

import "sync"

// Dispatcher runs posted functions one at a time, in post order, on a single
// goroutine. State touched only from dispatched functions needs no locking.
//
// Post never blocks, so it is safe to call from audio and network callbacks.
type Dispatcher struct {
	mu      sync.Mutex
	pending []func()
	stopped bool

	wake chan struct{}
	quit chan struct{}
	done chan struct{}
}

// NewDispatcher starts a dispatcher goroutine.
func NewDispatcher() *Dispatcher {
	d := &Dispatcher{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	go d.loop()
	return d
}

func (d *Dispatcher) loop() {
	defer close(d.done)
	for {
		select {
		case <-d.quit:
			return
		case <-d.wake:
		}
		for {
			d.mu.Lock()
			if d.stopped || len(d.pending) == 0 {
				d.mu.Unlock()
				break
			}
			fn := d.pending[0]
			d.pending[0] = nil
			d.pending = d.pending[1:]
			d.mu.Unlock()
			fn()
		}
	}
}

// Post queues fn. It reports false if the dispatcher is stopped, in which
// case fn never runs.
func (d *Dispatcher) Post(fn func()) bool {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return false
	}
	d.pending = append(d.pending, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the dispatcher and waits for it. It reports false if fn did
// not run because the dispatcher stopped first. Call must not be used from a
// dispatched function.
func (d *Dispatcher) Call(fn func()) bool {
	ran := make(chan struct{})
	if !d.Post(func() {
		fn()
		close(ran)
	}) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-d.done:
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}
}

// Stop prevents further dispatch. The function currently running, if any,
// completes; queued functions are dropped. Stop does not wait and may be
// called from a dispatched function. Idempotent.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.stopped = true
	d.pending = nil
	close(d.quit)
}

// Done is closed once the dispatcher goroutine has exited.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }
