package statenotifier

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
)

const listenerQueueSize = 16

var (
	// ErrClosed is returned by Subscribe once the notifier has been closed.
	ErrClosed error = errors.New("state notifier is closed")

	// ErrNilListener is returned by Subscribe when no callback is given.
	ErrNilListener error = errors.New("listener must not be nil")
)

// Handle identifies a subscription and is used to cancel it.
type Handle uint64

// Listener receives state transitions. Calls for a single listener never overlap
// and arrive in publication order.
type Listener func(State)

type subscriber struct {
	listener Listener
	queue    chan State
	done     chan struct{}
	exited   chan struct{}
}

func (s *subscriber) run() {
	defer close(s.exited)

	for {
		select {
		case <-s.done:
			return
		case state := <-s.queue:
			s.listener(state)
		}
	}
}

// Notifier fans power state transitions out to subscribed listeners. Each
// listener owns a queue and a delivery goroutine, so a slow listener delays only
// itself once its queue has room.
type Notifier struct {
	mu          sync.Mutex
	subscribers map[Handle]*subscriber
	nextHandle  Handle
	closed      bool

	current atomic.Int32
	log     logr.Logger
}

func NewNotifier(log logr.Logger, initial State) *Notifier {
	n := &Notifier{
		subscribers: make(map[Handle]*subscriber),
		log:         log,
	}
	n.current.Store(int32(initial))

	return n
}

// Current returns the most recently published state.
func (n *Notifier) Current() State {
	return State(n.current.Load())
}

func (n *Notifier) Subscribe(listener Listener) (Handle, error) {
	if listener == nil {
		return 0, ErrNilListener
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return 0, ErrClosed
	}

	n.nextHandle++
	handle := n.nextHandle
	sub := &subscriber{
		listener: listener,
		queue:    make(chan State, listenerQueueSize),
		done:     make(chan struct{}),
		exited:   make(chan struct{}),
	}
	n.subscribers[handle] = sub
	go sub.run()

	n.log.V(5).Info("listener subscribed", "handle", handle)
	return handle, nil
}

// Unsubscribe cancels the subscription and waits for an in-flight callback of
// that listener to return. It must not be called from inside the listener.
// Unknown handles are ignored.
func (n *Notifier) Unsubscribe(handle Handle) {
	n.mu.Lock()
	sub, found := n.subscribers[handle]
	delete(n.subscribers, handle)
	n.mu.Unlock()

	if !found {
		n.log.V(5).Info("listener already unsubscribed", "handle", handle)
		return
	}

	close(sub.done)
	<-sub.exited
	n.log.V(5).Info("listener unsubscribed", "handle", handle)
}

// Publish records state as current and queues it for every listener.
func (n *Notifier) Publish(state State) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		n.log.V(4).Info("dropping state published after close", "state", state)
		return
	}

	n.current.Store(int32(state))
	n.log.V(4).Info("publishing power state", "state", state, "listeners", len(n.subscribers))

	for _, sub := range n.subscribers {
		select {
		case sub.queue <- state:
		case <-sub.exited:
		}
	}
}

// Close unsubscribes every listener. Later Subscribe calls fail with ErrClosed.
func (n *Notifier) Close() {
	n.mu.Lock()
	n.closed = true
	subs := n.subscribers
	n.subscribers = make(map[Handle]*subscriber)
	n.mu.Unlock()

	for _, sub := range subs {
		close(sub.done)
		<-sub.exited
	}
}
