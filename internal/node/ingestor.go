package node

import (
	"context"
	"fmt"
	"sync"

	"github.com/regionmesh/regiond/internal/transport"
)

// Ingestor feeds transport deliveries into a Service one at a time, so
// operations of one author are applied in the order they arrive.
type Ingestor struct {
	service   *Service
	transport transport.Transport

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewIngestor(service *Service, t transport.Transport) *Ingestor {
	return &Ingestor{
		service:   service,
		transport: t,
	}
}

func (i *Ingestor) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.running {
		return fmt.Errorf("ingestor already running")
	}

	i.running = true
	i.stopCh = make(chan struct{})
	i.wg.Add(1)

	go i.receiveLoop(ctx, i.stopCh)

	return nil
}

func (i *Ingestor) Stop() {
	i.mu.Lock()
	if !i.running {
		i.mu.Unlock()
		return
	}
	close(i.stopCh)
	i.running = false
	i.mu.Unlock()

	i.wg.Wait()
}

func (i *Ingestor) receiveLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer i.wg.Done()

	deliveries := i.transport.Deliveries()
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			i.service.HandleIncomingOperation(ctx, d.Raw, d.Author)
		}
	}
}
