package projection

import (
	"context"
	"log/slog"

	"github.com/regionmesh/regiond/internal/event"
)

// Dispatcher applies envelopes to the projections and derives the client
// events describing the resulting state.
type Dispatcher struct {
	store  *Store
	logger *slog.Logger
}

func NewDispatcher(store *Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:  store,
		logger: logger,
	}
}

// Dispatch runs the handler for the envelope's payload. Database errors are
// logged and yield no events; the envelope stays in the log and a rebuild
// repairs the projections.
func (d *Dispatcher) Dispatch(ctx context.Context, env *event.Envelope) []ClientEvent {
	var (
		events []ClientEvent
		err    error
	)

	switch p := env.Payload.(type) {
	case event.NodeAnnounced:
		events, err = d.handleNodeAnnounced(ctx, env.Header, p)
	case event.NodeUpdated:
		events, err = d.handleNodeUpdated(ctx, env.Header, p)
	case event.NodeStatusPosted:
		events, err = d.handleNodeStatusPosted(ctx, env.Header, p)
	case event.AppRepoAdded:
		events, err = d.handleAppRepoAdded(ctx, env.Header, p)
	case event.AppRegistered:
		events, err = d.handleAppRegistered(ctx, env.Header, p)
	case event.Unknown:
		d.logger.Debug("Skipping unknown payload",
			"tag", p.Tag,
			"version", p.Version,
			"deprecated", p.Deprecated,
			"operation_id", env.Header.OperationID)
		return nil
	default:
		d.logger.Warn("No handler for payload",
			"type", env.Payload.Type(),
			"operation_id", env.Header.OperationID)
		return nil
	}

	if err != nil {
		d.logger.Error("Projection write failed",
			"type", env.Payload.Type(),
			"author", env.Header.AuthorNodeID,
			"operation_id", env.Header.OperationID,
			"error", err)
		return nil
	}

	return events
}
