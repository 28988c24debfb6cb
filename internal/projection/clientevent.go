package projection

type ClientEventType string

const (
	ClientNodeUpdated      ClientEventType = "node_updated"
	ClientRegionAppUpdated ClientEventType = "region_app_updated"
	ClientAppRepoUpdated   ClientEventType = "app_repo_updated"
)

// ClientEvent is the outward notification pushed to browsers. It always
// carries state read back from the projections after a write, and exactly
// one of Node, App and AppRepo is set according to Type.
type ClientEvent struct {
	Type    ClientEventType `json:"type"`
	Node    *NodeProjection `json:"node,omitempty"`
	App     *RegionApp      `json:"app,omitempty"`
	AppRepo *App            `json:"app_repo,omitempty"`
}

func nodeUpdated(node *NodeProjection) ClientEvent {
	return ClientEvent{Type: ClientNodeUpdated, Node: node}
}

func regionAppUpdated(app *RegionApp) ClientEvent {
	return ClientEvent{Type: ClientRegionAppUpdated, App: app}
}

func appRepoUpdated(app *App) ClientEvent {
	return ClientEvent{Type: ClientAppRepoUpdated, AppRepo: app}
}
