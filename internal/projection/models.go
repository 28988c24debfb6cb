package projection

// Node is a row of the node directory.
type Node struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	PublicIPv4     string `json:"public_ipv4,omitempty"`
	DomainLocal    string `json:"domain_local,omitempty"`
	DomainInternet string `json:"domain_internet,omitempty"`
}

// NodeProjection is a node joined with its current status.
type NodeProjection struct {
	Node
	StatusText  string `json:"status_text,omitempty"`
	StatusState string `json:"status_state,omitempty"`
}

// CurrentNodeStatus is overwritten by every status a node posts.
type CurrentNodeStatus struct {
	NodeID   string `json:"node_id"`
	Text     string `json:"text"`
	State    string `json:"state"`
	PostedAt int64  `json:"posted_at"`
}

// NodeStatusHistory is written once per status operation.
type NodeStatusHistory struct {
	OperationID string `json:"operation_id"`
	NodeID      string `json:"node_id"`
	Text        string `json:"text"`
	State       string `json:"state"`
	PostedAt    int64  `json:"posted_at"`
}

// App is an application repository published to the region catalog.
type App struct {
	Name          string `json:"name"`
	RepositoryURL string `json:"repository_url"`
	Description   string `json:"description,omitempty"`
	AddedBy       string `json:"added_by"`
	AddedAt       int64  `json:"added_at"`
}

type AppInstallation struct {
	AppName string `json:"app_name"`
	NodeID  string `json:"node_id"`
	Version string `json:"version"`
}

// RegionApp lists the nodes of the region running an application.
type RegionApp struct {
	Name          string            `json:"name"`
	Installations []AppInstallation `json:"installations"`
}
