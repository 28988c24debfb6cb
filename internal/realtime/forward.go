package realtime

import (
	"context"

	"github.com/regionmesh/regiond/internal/projection"
)

// Sink is the outbound side of one connected client.
type Sink interface {
	Send(ctx context.Context, ev projection.ClientEvent) error
}

// Forward copies a subscription into sink until the context ends, the
// subscription is closed or a send fails. The subscription is closed on
// return; other subscribers are unaffected.
func Forward(ctx context.Context, sub *Subscription, sink Sink) error {
	defer sub.Close()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := sink.Send(ctx, ev); err != nil {
				return err
			}
		}
	}
}
