package event

// Type tags a payload variant on the wire.
type Type string

const (
	TypeNodeAnnounced    Type = "node_announced"
	TypeNodeUpdated      Type = "node_updated"
	TypeNodeStatusPosted Type = "node_status_posted"
	TypeAppRepoAdded     Type = "app_repo_added"
	TypeAppRegistered    Type = "app_registered"
)

// Tags that older nodes produced and that are no longer applied.
var deprecatedTags = map[string]struct{}{
	"node_heartbeat":   {},
	"app_unregistered": {},
}

// Payload is a domain event. The set of variants is closed; Unknown stands
// in for anything this node cannot interpret.
type Payload interface {
	Type() Type
}

type NodeAnnounced struct {
	Name           string `codec:"name"`
	PublicIPv4     string `codec:"public_ipv4,omitempty"`
	DomainLocal    string `codec:"domain_local,omitempty"`
	DomainInternet string `codec:"domain_internet,omitempty"`
}

func (NodeAnnounced) Type() Type { return TypeNodeAnnounced }

type NodeUpdated struct {
	Name           string `codec:"name"`
	PublicIPv4     string `codec:"public_ipv4,omitempty"`
	DomainLocal    string `codec:"domain_local,omitempty"`
	DomainInternet string `codec:"domain_internet,omitempty"`
}

func (NodeUpdated) Type() Type { return TypeNodeUpdated }

type StatusState string

const (
	StatusOK       StatusState = "ok"
	StatusDegraded StatusState = "degraded"
	StatusDown     StatusState = "down"
	StatusUnknown  StatusState = "unknown"
)

func (s StatusState) Valid() bool {
	switch s {
	case StatusOK, StatusDegraded, StatusDown, StatusUnknown:
		return true
	}
	return false
}

type NodeStatusPosted struct {
	Text  string      `codec:"text"`
	State StatusState `codec:"state"`
}

func (NodeStatusPosted) Type() Type { return TypeNodeStatusPosted }

// AppRepoAdded publishes an application repository to the region catalog.
type AppRepoAdded struct {
	Name          string `codec:"name"`
	RepositoryURL string `codec:"repository_url"`
	Description   string `codec:"description,omitempty"`
}

func (AppRepoAdded) Type() Type { return TypeAppRepoAdded }

// AppRegistered records that the authoring node runs an application.
type AppRegistered struct {
	AppName string `codec:"app_name"`
	Version string `codec:"version"`
}

func (AppRegistered) Type() Type { return TypeAppRegistered }

// Unknown holds a payload whose tag this node does not understand. It is
// only ever produced by Decode.
type Unknown struct {
	Tag        string
	Version    uint
	Body       []byte
	Deprecated bool
}

func (u Unknown) Type() Type { return Type(u.Tag) }
