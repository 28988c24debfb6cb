package projection

import (
	"context"
	"errors"

	"github.com/regionmesh/regiond/internal/event"
)

func (d *Dispatcher) handleNodeAnnounced(ctx context.Context, h event.Header, p event.NodeAnnounced) ([]ClientEvent, error) {
	err := d.store.AnnounceNode(ctx, Node{
		ID:             h.AuthorNodeID,
		Name:           p.Name,
		PublicIPv4:     p.PublicIPv4,
		DomainLocal:    p.DomainLocal,
		DomainInternet: p.DomainInternet,
	})
	if err != nil {
		return nil, err
	}
	return d.nodeEvents(ctx, h.AuthorNodeID)
}

func (d *Dispatcher) handleNodeUpdated(ctx context.Context, h event.Header, p event.NodeUpdated) ([]ClientEvent, error) {
	err := d.store.UpsertNode(ctx, Node{
		ID:             h.AuthorNodeID,
		Name:           p.Name,
		PublicIPv4:     p.PublicIPv4,
		DomainLocal:    p.DomainLocal,
		DomainInternet: p.DomainInternet,
	})
	if err != nil {
		return nil, err
	}
	return d.nodeEvents(ctx, h.AuthorNodeID)
}

func (d *Dispatcher) handleNodeStatusPosted(ctx context.Context, h event.Header, p event.NodeStatusPosted) ([]ClientEvent, error) {
	state := p.State
	if !state.Valid() {
		state = event.StatusUnknown
	}
	postedAt := int64(h.Timestamp)

	err := d.store.AddStatusHistory(ctx, NodeStatusHistory{
		OperationID: h.OperationID,
		NodeID:      h.AuthorNodeID,
		Text:        p.Text,
		State:       string(state),
		PostedAt:    postedAt,
	})
	if err != nil {
		return nil, err
	}

	err = d.store.SetCurrentStatus(ctx, CurrentNodeStatus{
		NodeID:   h.AuthorNodeID,
		Text:     p.Text,
		State:    string(state),
		PostedAt: postedAt,
	})
	if err != nil {
		return nil, err
	}

	return d.nodeEvents(ctx, h.AuthorNodeID)
}

func (d *Dispatcher) handleAppRepoAdded(ctx context.Context, h event.Header, p event.AppRepoAdded) ([]ClientEvent, error) {
	err := d.store.UpsertApp(ctx, App{
		Name:          p.Name,
		RepositoryURL: p.RepositoryURL,
		Description:   p.Description,
		AddedBy:       h.AuthorNodeID,
		AddedAt:       int64(h.Timestamp),
	})
	if err != nil {
		return nil, err
	}

	app, err := d.store.GetApp(ctx, p.Name)
	if err != nil {
		return nil, err
	}
	return []ClientEvent{appRepoUpdated(app)}, nil
}

func (d *Dispatcher) handleAppRegistered(ctx context.Context, h event.Header, p event.AppRegistered) ([]ClientEvent, error) {
	err := d.store.UpsertInstallation(ctx, AppInstallation{
		AppName: p.AppName,
		NodeID:  h.AuthorNodeID,
		Version: p.Version,
	})
	if err != nil {
		return nil, err
	}

	app, err := d.store.GetRegionApp(ctx, p.AppName)
	if err != nil {
		return nil, err
	}
	return []ClientEvent{regionAppUpdated(app)}, nil
}

// nodeEvents reads the node back. A status posted before the node announced
// itself has no node row yet and produces no event.
func (d *Dispatcher) nodeEvents(ctx context.Context, nodeID string) ([]ClientEvent, error) {
	node, err := d.store.GetNode(ctx, nodeID)
	if errors.Is(err, ErrNotFound) {
		d.logger.Debug("Node not announced yet", "node_id", nodeID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return []ClientEvent{nodeUpdated(node)}, nil
}
