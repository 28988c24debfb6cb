package projection

import (
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/regionmesh/regiond/internal/event"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envelope(author, opID string, ts uint64, p event.Payload) *event.Envelope {
	return &event.Envelope{
		Header: event.Header{
			AuthorNodeID: author,
			Timestamp:    ts,
			OperationID:  opID,
		},
		Payload: p,
	}
}

func tableDigests(t *testing.T, store *Store) map[string]string {
	t.Helper()

	digests := make(map[string]string)
	for _, table := range Tables {
		root, _, err := store.TableDigest(context.Background(), table)
		require.NoError(t, err)
		digests[table] = root
	}
	return digests
}

func TestDispatchIdempotentReplay(t *testing.T) {
	history := []*event.Envelope{
		envelope("node-1", "op-1", 1000, event.NodeAnnounced{Name: "alpha"}),
		envelope("node-1", "op-2", 2000, event.NodeUpdated{Name: "alpha", PublicIPv4: "1.2.3.4"}),
		envelope("node-1", "op-3", 3000, event.NodeStatusPosted{Text: "ok", State: event.StatusOK}),
		envelope("node-2", "op-4", 1500, event.AppRepoAdded{Name: "forge", RepositoryURL: "https://example.org/forge.git"}),
		envelope("node-1", "op-5", 4000, event.AppRegistered{AppName: "forge", Version: "1.0"}),
	}

	replay := func(store *Store) {
		d := NewDispatcher(store, nil)
		for _, env := range history {
			d.Dispatch(context.Background(), env)
		}
	}

	first := newTestStore(t)
	replay(first)

	second := newTestStore(t)
	replay(second)

	assert.Equal(t, tableDigests(t, first), tableDigests(t, second))

	nodes, err := first.ListNodes(context.Background())
	require.NoError(t, err)
	require.Len(t, nodes, 1)
	assert.Equal(t, Node{ID: "node-1", Name: "alpha", PublicIPv4: "1.2.3.4"}, nodes[0].Node)

	before := tableDigests(t, first)
	replay(first)
	assert.Equal(t, before, tableDigests(t, first), "replaying over existing rows must not change them")
}

func TestDispatchStatusDedupVersusOverwrite(t *testing.T) {
	store := newTestStore(t)
	d := NewDispatcher(store, nil)
	ctx := context.Background()

	d.Dispatch(ctx, envelope("node-1", "op-1", 1000, event.NodeAnnounced{Name: "alpha"}))
	d.Dispatch(ctx, envelope("node-1", "op-status", 2000, event.NodeStatusPosted{Text: "ok", State: event.StatusOK}))
	events := d.Dispatch(ctx, envelope("node-1", "op-status", 3000, event.NodeStatusPosted{Text: "ok", State: event.StatusDegraded}))

	history, err := store.StatusHistory(ctx, "node-1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, string(event.StatusOK), history[0].State)

	current, err := store.GetCurrentStatus(ctx, "node-1")
	require.NoError(t, err)
	assert.Equal(t, string(event.StatusDegraded), current.State)
	assert.Equal(t, int64(3000), current.PostedAt)

	require.Len(t, events, 1)
	assert.Equal(t, ClientNodeUpdated, events[0].Type)
	assert.Equal(t, string(event.StatusDegraded), events[0].Node.StatusState)
}

func TestDispatchClientEvents(t *testing.T) {
	store := newTestStore(t)
	d := NewDispatcher(store, nil)
	ctx := context.Background()

	t.Run("StatusBeforeAnnounce", func(t *testing.T) {
		events := d.Dispatch(ctx, envelope("node-9", "op-0", 10, event.NodeStatusPosted{Text: "booting", State: "weird"}))
		assert.Empty(t, events)

		status, err := store.GetCurrentStatus(ctx, "node-9")
		require.NoError(t, err)
		assert.Equal(t, string(event.StatusUnknown), status.State)
	})

	t.Run("NodeAnnounced", func(t *testing.T) {
		events := d.Dispatch(ctx, envelope("node-9", "op-1", 20, event.NodeAnnounced{Name: "ninth", DomainInternet: "ninth.example.org"}))
		require.Len(t, events, 1)
		assert.Equal(t, ClientNodeUpdated, events[0].Type)
		assert.Equal(t, "ninth", events[0].Node.Name)
		assert.Equal(t, "booting", events[0].Node.StatusText)
	})

	t.Run("AppRepoAdded", func(t *testing.T) {
		events := d.Dispatch(ctx, envelope("node-9", "op-2", 30, event.AppRepoAdded{Name: "forge", RepositoryURL: "https://example.org/forge.git"}))
		require.Len(t, events, 1)
		assert.Equal(t, ClientAppRepoUpdated, events[0].Type)
		assert.Equal(t, "node-9", events[0].AppRepo.AddedBy)
	})

	t.Run("AppRegisteredFromReadBack", func(t *testing.T) {
		d.Dispatch(ctx, envelope("node-8", "op-3", 40, event.AppRegistered{AppName: "forge", Version: "2.0"}))
		events := d.Dispatch(ctx, envelope("node-9", "op-4", 50, event.AppRegistered{AppName: "forge", Version: "2.1"}))

		require.Len(t, events, 1)
		assert.Equal(t, ClientRegionAppUpdated, events[0].Type)
		assert.Len(t, events[0].App.Installations, 2)
	})

	t.Run("UnknownIsNoop", func(t *testing.T) {
		before := tableDigests(t, store)
		events := d.Dispatch(ctx, envelope("node-9", "op-5", 60, event.Unknown{Tag: "node_heartbeat", Version: 1, Deprecated: true}))
		assert.Empty(t, events)
		assert.Equal(t, before, tableDigests(t, store))
	})
}

func TestDispatchWriteErrorYieldsNoEvents(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	d := NewDispatcher(New(db, DialectPostgres), nil)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO nodes")).
		WithArgs("node-1", "alpha", "", "", "").
		WillReturnError(errors.New("connection reset by peer"))

	events := d.Dispatch(ctx, envelope("node-1", "op-1", 1000, event.NodeAnnounced{Name: "alpha"}))
	assert.Empty(t, events)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO apps")).
		WithArgs("forge", "https://example.org/forge.git", "", "node-1", int64(2000)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT name, repository_url, description, added_by, added_at FROM apps WHERE name = $1")).
		WithArgs("forge").
		WillReturnRows(sqlmock.NewRows([]string{"name", "repository_url", "description", "added_by", "added_at"}).
			AddRow("forge", "https://example.org/forge.git", "", "node-1", int64(2000)))

	events = d.Dispatch(ctx, envelope("node-1", "op-2", 2000, event.AppRepoAdded{Name: "forge", RepositoryURL: "https://example.org/forge.git"}))
	require.Len(t, events, 1)
	assert.Equal(t, "forge", events[0].AppRepo.Name)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestClientEventJSON(t *testing.T) {
	data, err := json.Marshal(nodeUpdated(&NodeProjection{Node: Node{ID: "node-1", Name: "alpha"}, StatusState: "ok"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"node_updated","node":{"id":"node-1","name":"alpha","status_state":"ok"}}`, string(data))

	data, err = json.Marshal(regionAppUpdated(&RegionApp{Name: "forge", Installations: []AppInstallation{}}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"region_app_updated","app":{"name":"forge","installations":[]}}`, string(data))
}
