// Package bus implements the dual-channel message transport (C6): an
// EventBus for host-to-container pub/sub fan-out filtered by topic prefix,
// and a Router for correlated request/response exchange between a
// container's connection identity and the host. Both run over stdlib Unix
// domain datagram sockets; no library in the reference pack offers a
// message-queue transport, so this is the one deliberate stdlib-only
// exception (see the design ledger).
package bus

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/fred-drake/carapace/internal/carapace/envelope"
)

// ErrNotBound is returned by Publish and Send when the bus has not been
// bound to a socket address yet, or has already been closed.
var ErrNotBound = errors.New("bus: not bound")

// ErrAlreadyBound is returned by Bind when called a second time on the same
// EventBus.
var ErrAlreadyBound = errors.New("bus: already bound")

const maxDatagramSize = 65507

// subscriber is one registered listener for a topic prefix.
type subscriber struct {
	topicPrefix string
	addr        *net.UnixAddr
}

// Subscription is returned by Subscribe; closing it removes the
// subscriber. Close is idempotent, matching the pack's subscription
// lifecycle convention.
type Subscription interface {
	Close() error
}

type subscription struct {
	bus  *EventBus
	sub  *subscriber
	once sync.Once
}

func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		for i, sub := range s.bus.subscribers {
			if sub == s.sub {
				s.bus.subscribers = append(s.bus.subscribers[:i], s.bus.subscribers[i+1:]...)
				break
			}
		}
	})
	return nil
}

// EventBus fans published envelopes out to every subscriber whose topic
// prefix matches, over a single bound Unix datagram socket.
type EventBus struct {
	mu          sync.RWMutex
	conn        *net.UnixConn
	bound       bool
	closed      bool
	subscribers []*subscriber
}

// New creates an unbound EventBus. Bind must be called before Publish.
func New() *EventBus {
	return &EventBus{}
}

// Bind opens the Unix datagram socket at address. It is idempotent-error:
// calling Bind twice on the same EventBus returns ErrAlreadyBound without
// disturbing the existing binding.
func (b *EventBus) Bind(address string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.bound {
		return ErrAlreadyBound
	}
	addr, err := net.ResolveUnixAddr("unixgram", address)
	if err != nil {
		return fmt.Errorf("bus: resolve address %q: %w", address, err)
	}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		return fmt.Errorf("bus: bind %q: %w", address, err)
	}
	b.conn = conn
	b.bound = true
	return nil
}

// Subscribe registers addr to receive every envelope whose topic starts
// with topicPrefix. An empty topicPrefix matches every topic.
func (b *EventBus) Subscribe(topicPrefix string, addr *net.UnixAddr) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrNotBound
	}
	sub := &subscriber{topicPrefix: topicPrefix, addr: addr}
	b.subscribers = append(b.subscribers, sub)
	return &subscription{bus: b, sub: sub}, nil
}

// Publish writes env to every subscriber whose topic prefix matches
// env.Topic. It fails with ErrNotBound if the bus has not been bound yet or
// has been closed. Delivery to one subscriber failing does not stop
// delivery to the rest; the first error encountered is returned once all
// sends have been attempted.
func (b *EventBus) Publish(env envelope.Envelope) error {
	b.mu.RLock()
	if !b.bound || b.closed {
		b.mu.RUnlock()
		return ErrNotBound
	}
	conn := b.conn
	targets := make([]*net.UnixAddr, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if strings.HasPrefix(env.Topic, sub.topicPrefix) {
			targets = append(targets, sub.addr)
		}
	}
	b.mu.RUnlock()

	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("bus: marshal envelope: %w", err)
	}
	if len(data) > maxDatagramSize {
		return fmt.Errorf("bus: envelope exceeds max datagram size %d bytes", maxDatagramSize)
	}

	var firstErr error
	for _, addr := range targets {
		if _, err := conn.WriteToUnix(data, addr); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("bus: publish to %s: %w", addr, err)
		}
	}
	return firstErr
}

// Close releases the bound socket. It is safe to call on an unbound bus.
func (b *EventBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}

// Router pairs outbound requests to a container connection with the
// correlated response, over a second Unix datagram socket dedicated to
// request/response traffic (the "dealer" side of the dual-channel bus).
type Router struct {
	mu      sync.Mutex
	conn    *net.UnixConn
	bound   bool
	closed  bool
	pending map[string]chan envelope.Envelope
}

// NewRouter creates an unbound Router.
func NewRouter() *Router {
	return &Router{pending: make(map[string]chan envelope.Envelope)}
}

// Bind opens the Router's datagram socket and starts the background read
// loop that demultiplexes incoming responses by correlation id.
func (r *Router) Bind(address string) error {
	r.mu.Lock()
	if r.bound {
		r.mu.Unlock()
		return ErrAlreadyBound
	}
	addr, err := net.ResolveUnixAddr("unixgram", address)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("bus: resolve address %q: %w", address, err)
	}
	conn, err := net.ListenUnixgram("unixgram", addr)
	if err != nil {
		r.mu.Unlock()
		return fmt.Errorf("bus: bind %q: %w", address, err)
	}
	r.conn = conn
	r.bound = true
	r.mu.Unlock()

	go r.readLoop()
	return nil
}

func (r *Router) readLoop() {
	buf := make([]byte, maxDatagramSize)
	for {
		n, _, err := r.conn.ReadFromUnix(buf)
		if err != nil {
			return
		}
		var env envelope.Envelope
		dec := json.NewDecoder(bytes.NewReader(buf[:n]))
		if err := dec.Decode(&env); err != nil {
			continue
		}
		r.mu.Lock()
		ch, ok := r.pending[env.Correlation]
		if ok {
			delete(r.pending, env.Correlation)
		}
		r.mu.Unlock()
		if ok {
			ch <- env
		}
	}
}

// Send transmits req to dest and blocks until a response with a matching
// Correlation arrives or the context-free timeout elapses. Closing the
// Router does not wake a pending Send; it returns once its timeout elapses.
// A req with an empty Correlation can never be matched back and is
// rejected.
func (r *Router) Send(req envelope.Envelope, dest *net.UnixAddr, timeout time.Duration) (envelope.Envelope, error) {
	if req.Correlation == "" {
		return envelope.Envelope{}, fmt.Errorf("bus: request has no correlation id")
	}

	r.mu.Lock()
	if !r.bound || r.closed {
		r.mu.Unlock()
		return envelope.Envelope{}, ErrNotBound
	}
	ch := make(chan envelope.Envelope, 1)
	r.pending[req.Correlation] = ch
	conn := r.conn
	r.mu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		r.forget(req.Correlation)
		return envelope.Envelope{}, fmt.Errorf("bus: marshal envelope: %w", err)
	}
	if _, err := conn.WriteToUnix(data, dest); err != nil {
		r.forget(req.Correlation)
		return envelope.Envelope{}, fmt.Errorf("bus: send to %s: %w", dest, err)
	}

	select {
	case resp := <-ch:
		return resp, nil
	case <-time.After(timeout):
		r.forget(req.Correlation)
		return envelope.Envelope{}, fmt.Errorf("bus: timed out waiting for response to %q", req.Correlation)
	}
}

func (r *Router) forget(correlation string) {
	r.mu.Lock()
	delete(r.pending, correlation)
	r.mu.Unlock()
}

// Close releases the bound socket and makes later Send calls fail with
// ErrNotBound. Pending Send calls are not woken; each returns when its own
// timeout elapses. It is safe to call on an unbound Router.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
