package transport

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("transport closed")

// Delivery is one operation as it travels between nodes. Author is the
// node id the sender claims wrote it.
type Delivery struct {
	Raw    []byte
	Author string
}

// Transport moves operations between nodes. Discovery, sync and retries
// belong to the implementation.
type Transport interface {
	Deliveries() <-chan Delivery
	Broadcast(ctx context.Context, d Delivery) error
}

// Bus is an in-process full mesh. Every endpoint receives what any other
// endpoint broadcasts.
type Bus struct {
	mu    sync.Mutex
	peers map[string]*Endpoint
}

func NewBus() *Bus {
	return &Bus{
		peers: make(map[string]*Endpoint),
	}
}

// Join attaches a node to the bus. Joining twice with the same id replaces
// the earlier endpoint.
func (b *Bus) Join(nodeID string, buffer int) *Endpoint {
	e := &Endpoint{
		nodeID:     nodeID,
		bus:        b,
		deliveries: make(chan Delivery, buffer),
		done:       make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.peers[nodeID]; ok {
		old.closeOnce.Do(func() { close(old.done) })
	}
	b.peers[nodeID] = e
	return e
}

func (b *Bus) others(nodeID string) []*Endpoint {
	b.mu.Lock()
	defer b.mu.Unlock()

	peers := make([]*Endpoint, 0, len(b.peers))
	for id, e := range b.peers {
		if id != nodeID {
			peers = append(peers, e)
		}
	}
	return peers
}

type Endpoint struct {
	nodeID     string
	bus        *Bus
	deliveries chan Delivery
	done       chan struct{}
	closeOnce  sync.Once
}

func (e *Endpoint) Deliveries() <-chan Delivery {
	return e.deliveries
}

// Broadcast hands d to every other endpoint, waiting for queue space.
// Closed peers are skipped.
func (e *Endpoint) Broadcast(ctx context.Context, d Delivery) error {
	select {
	case <-e.done:
		return ErrClosed
	default:
	}

	for _, peer := range e.bus.others(e.nodeID) {
		select {
		case peer.deliveries <- d:
		case <-peer.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Close detaches the endpoint from the bus.
func (e *Endpoint) Close() {
	e.closeOnce.Do(func() { close(e.done) })

	e.bus.mu.Lock()
	defer e.bus.mu.Unlock()
	if e.bus.peers[e.nodeID] == e {
		delete(e.bus.peers, e.nodeID)
	}
}
