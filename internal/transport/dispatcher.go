package transport

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/zkauth/fsid/common/log"
)

// delivery is a message handed from a consumer goroutine to the event loop.
type delivery struct {
	tag  string
	body []byte
	// commit, when set, runs once the message reached its handler.
	commit func()
}

// dispatcher is the event loop shared by all Session implementations: each
// consumer goroutine pushes into an unbuffered inbox, and process hands the
// messages to the registered handlers on the caller's goroutine.
type dispatcher struct {
	log   log.Logger
	clock clockwork.Clock

	mu       sync.Mutex
	handlers map[string]Handler

	inbox chan delivery

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

func newDispatcher(l log.Logger, clock clockwork.Clock) *dispatcher {
	return &dispatcher{
		log:      l,
		clock:    clock,
		handlers: make(map[string]Handler),
		inbox:    make(chan delivery),
		closed:   make(chan struct{}),
	}
}

func (d *dispatcher) register(tag string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[tag] = h
}

func (d *dispatcher) unregister(tag string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.handlers[tag]; !ok {
		return false
	}
	delete(d.handlers, tag)
	return true
}

func (d *dispatcher) handler(tag string) (Handler, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.handlers[tag]
	return h, ok
}

// push blocks until the event loop takes dl. It returns false when stop is
// closed or the dispatcher shut down first.
func (d *dispatcher) push(dl delivery, stop <-chan struct{}) bool {
	select {
	case d.inbox <- dl:
		return true
	case <-stop:
		return false
	case <-d.closed:
		return false
	}
}

// shutdown makes every pending and future process call return err.
func (d *dispatcher) shutdown(err error) {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closeErr = err
		d.mu.Unlock()
		close(d.closed)
	})
}

func (d *dispatcher) isClosed() bool {
	select {
	case <-d.closed:
		return true
	default:
		return false
	}
}

func (d *dispatcher) err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closeErr == nil {
		return ErrSessionClosed
	}
	return d.closeErr
}

func (d *dispatcher) process(ctx context.Context, timeout time.Duration) (bool, error) {
	if d.isClosed() {
		return false, d.err()
	}

	timer := d.clock.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-d.closed:
			return false, d.err()
		case <-timer.Chan():
			return false, nil
		case dl := <-d.inbox:
			h, ok := d.handler(dl.tag)
			if !ok {
				d.log.Debugw("dropping message for cancelled consumer", "consumer", dl.tag)
				continue
			}
			if dl.commit != nil {
				dl.commit()
			}
			h(ctx, dl.body)
			return true, nil
		}
	}
}
