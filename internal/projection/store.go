package projection

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/regionmesh/regiond/internal/hash"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("not found")

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// Tables lists the projection tables in the order they are created.
var Tables = []string{"nodes", "current_node_statuses", "node_statuses", "apps", "app_installations"}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS nodes (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		public_ipv4 TEXT NOT NULL DEFAULT '',
		domain_local TEXT NOT NULL DEFAULT '',
		domain_internet TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS current_node_statuses (
		node_id TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		state TEXT NOT NULL,
		posted_at BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS node_statuses (
		operation_id TEXT PRIMARY KEY,
		node_id TEXT NOT NULL,
		text TEXT NOT NULL,
		state TEXT NOT NULL,
		posted_at BIGINT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS node_statuses_node_idx ON node_statuses (node_id, posted_at)`,
	`CREATE TABLE IF NOT EXISTS apps (
		name TEXT PRIMARY KEY,
		repository_url TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		added_by TEXT NOT NULL,
		added_at BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS app_installations (
		app_name TEXT NOT NULL,
		node_id TEXT NOT NULL,
		version TEXT NOT NULL,
		PRIMARY KEY (app_name, node_id)
	)`,
}

// digestQueries select every column of a table in primary key order.
var digestQueries = map[string]string{
	"nodes":                 "SELECT id, name, public_ipv4, domain_local, domain_internet FROM nodes ORDER BY id",
	"current_node_statuses": "SELECT node_id, text, state, posted_at FROM current_node_statuses ORDER BY node_id",
	"node_statuses":         "SELECT operation_id, node_id, text, state, posted_at FROM node_statuses ORDER BY operation_id",
	"apps":                  "SELECT name, repository_url, description, added_by, added_at FROM apps ORDER BY name",
	"app_installations":     "SELECT app_name, node_id, version FROM app_installations ORDER BY app_name, node_id",
}

// Store holds the relational read models. Every write is a single idempotent
// statement.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects to a postgres (pgx) or sqlite (modernc) database.
func Open(dialect Dialect, dsn string) (*Store, error) {
	var driver string
	switch dialect {
	case DialectPostgres:
		driver = "pgx"
	case DialectSQLite:
		driver = "sqlite"
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", dialect)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}

	return New(db, dialect), nil
}

func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate projections: %w", err)
		}
	}
	return nil
}

// Reset empties every projection table ahead of a replay.
func (s *Store) Reset(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin reset: %w", err)
	}
	defer tx.Rollback()

	for _, table := range Tables {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reset: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders into $N for postgres.
func (s *Store) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}

	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) exec(ctx context.Context, query string, args ...interface{}) error {
	_, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	return err
}

// AnnounceNode creates the node row. An existing row only takes the new
// name; addresses stay as last updated.
func (s *Store) AnnounceNode(ctx context.Context, node Node) error {
	err := s.exec(ctx, `INSERT INTO nodes (id, name, public_ipv4, domain_local, domain_internet)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET name = excluded.name`,
		node.ID, node.Name, node.PublicIPv4, node.DomainLocal, node.DomainInternet)
	if err != nil {
		return fmt.Errorf("failed to announce node %s: %w", node.ID, err)
	}
	return nil
}

// UpsertNode writes every field of the node row.
func (s *Store) UpsertNode(ctx context.Context, node Node) error {
	err := s.exec(ctx, `INSERT INTO nodes (id, name, public_ipv4, domain_local, domain_internet)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			public_ipv4 = excluded.public_ipv4,
			domain_local = excluded.domain_local,
			domain_internet = excluded.domain_internet`,
		node.ID, node.Name, node.PublicIPv4, node.DomainLocal, node.DomainInternet)
	if err != nil {
		return fmt.Errorf("failed to upsert node %s: %w", node.ID, err)
	}
	return nil
}

// SetCurrentStatus overwrites the node's current status regardless of
// posted_at.
func (s *Store) SetCurrentStatus(ctx context.Context, status CurrentNodeStatus) error {
	err := s.exec(ctx, `INSERT INTO current_node_statuses (node_id, text, state, posted_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (node_id) DO UPDATE SET
			text = excluded.text,
			state = excluded.state,
			posted_at = excluded.posted_at`,
		status.NodeID, status.Text, status.State, status.PostedAt)
	if err != nil {
		return fmt.Errorf("failed to set current status of %s: %w", status.NodeID, err)
	}
	return nil
}

// AddStatusHistory inserts a history row once per operation id.
func (s *Store) AddStatusHistory(ctx context.Context, status NodeStatusHistory) error {
	err := s.exec(ctx, `INSERT INTO node_statuses (operation_id, node_id, text, state, posted_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (operation_id) DO NOTHING`,
		status.OperationID, status.NodeID, status.Text, status.State, status.PostedAt)
	if err != nil {
		return fmt.Errorf("failed to record status %s: %w", status.OperationID, err)
	}
	return nil
}

// UpsertApp keeps the app row with the highest (added_at, added_by), so
// nodes that apply the same additions in a different order agree.
func (s *Store) UpsertApp(ctx context.Context, app App) error {
	err := s.exec(ctx, `INSERT INTO apps (name, repository_url, description, added_by, added_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			repository_url = excluded.repository_url,
			description = excluded.description,
			added_by = excluded.added_by,
			added_at = excluded.added_at
		WHERE (excluded.added_at, excluded.added_by) >= (apps.added_at, apps.added_by)`,
		app.Name, app.RepositoryURL, app.Description, app.AddedBy, app.AddedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert app %s: %w", app.Name, err)
	}
	return nil
}

func (s *Store) UpsertInstallation(ctx context.Context, inst AppInstallation) error {
	err := s.exec(ctx, `INSERT INTO app_installations (app_name, node_id, version)
		VALUES (?, ?, ?)
		ON CONFLICT (app_name, node_id) DO UPDATE SET version = excluded.version`,
		inst.AppName, inst.NodeID, inst.Version)
	if err != nil {
		return fmt.Errorf("failed to upsert installation of %s on %s: %w", inst.AppName, inst.NodeID, err)
	}
	return nil
}

const nodeProjectionQuery = `SELECT n.id, n.name, n.public_ipv4, n.domain_local, n.domain_internet, s.text, s.state
	FROM nodes n LEFT JOIN current_node_statuses s ON s.node_id = n.id`

func scanNodeProjection(row interface{ Scan(...interface{}) error }) (*NodeProjection, error) {
	var (
		node        NodeProjection
		text, state sql.NullString
	)
	if err := row.Scan(&node.ID, &node.Name, &node.PublicIPv4, &node.DomainLocal, &node.DomainInternet, &text, &state); err != nil {
		return nil, err
	}
	node.StatusText = text.String
	node.StatusState = state.String
	return &node, nil
}

func (s *Store) GetNode(ctx context.Context, id string) (*NodeProjection, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(nodeProjectionQuery+" WHERE n.id = ?"), id)
	node, err := scanNodeProjection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read node %s: %w", id, err)
	}
	return node, nil
}

func (s *Store) ListNodes(ctx context.Context) ([]*NodeProjection, error) {
	rows, err := s.db.QueryContext(ctx, nodeProjectionQuery+" ORDER BY n.name, n.id")
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	nodes := make([]*NodeProjection, 0)
	for rows.Next() {
		node, err := scanNodeProjection(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}

func (s *Store) GetCurrentStatus(ctx context.Context, nodeID string) (*CurrentNodeStatus, error) {
	var status CurrentNodeStatus
	err := s.db.QueryRowContext(ctx,
		s.rebind("SELECT node_id, text, state, posted_at FROM current_node_statuses WHERE node_id = ?"), nodeID).
		Scan(&status.NodeID, &status.Text, &status.State, &status.PostedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("status of %s: %w", nodeID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read status of %s: %w", nodeID, err)
	}
	return &status, nil
}

// StatusHistory returns a node's statuses, oldest first.
func (s *Store) StatusHistory(ctx context.Context, nodeID string) ([]NodeStatusHistory, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind("SELECT operation_id, node_id, text, state, posted_at FROM node_statuses WHERE node_id = ? ORDER BY posted_at, operation_id"),
		nodeID)
	if err != nil {
		return nil, fmt.Errorf("failed to read status history of %s: %w", nodeID, err)
	}
	defer rows.Close()

	history := make([]NodeStatusHistory, 0)
	for rows.Next() {
		var h NodeStatusHistory
		if err := rows.Scan(&h.OperationID, &h.NodeID, &h.Text, &h.State, &h.PostedAt); err != nil {
			return nil, fmt.Errorf("failed to scan status: %w", err)
		}
		history = append(history, h)
	}
	return history, rows.Err()
}

func (s *Store) GetApp(ctx context.Context, name string) (*App, error) {
	var app App
	err := s.db.QueryRowContext(ctx,
		s.rebind("SELECT name, repository_url, description, added_by, added_at FROM apps WHERE name = ?"), name).
		Scan(&app.Name, &app.RepositoryURL, &app.Description, &app.AddedBy, &app.AddedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("app %s: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read app %s: %w", name, err)
	}
	return &app, nil
}

func (s *Store) ListApps(ctx context.Context) ([]*App, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name, repository_url, description, added_by, added_at FROM apps ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list apps: %w", err)
	}
	defer rows.Close()

	apps := make([]*App, 0)
	for rows.Next() {
		var app App
		if err := rows.Scan(&app.Name, &app.RepositoryURL, &app.Description, &app.AddedBy, &app.AddedAt); err != nil {
			return nil, fmt.Errorf("failed to scan app: %w", err)
		}
		apps = append(apps, &app)
	}
	return apps, rows.Err()
}

// GetRegionApp lists the installations of an application. An application
// nobody runs has an empty installation list.
func (s *Store) GetRegionApp(ctx context.Context, name string) (*RegionApp, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind("SELECT app_name, node_id, version FROM app_installations WHERE app_name = ? ORDER BY node_id"), name)
	if err != nil {
		return nil, fmt.Errorf("failed to read installations of %s: %w", name, err)
	}
	defer rows.Close()

	app := &RegionApp{Name: name, Installations: make([]AppInstallation, 0)}
	for rows.Next() {
		var inst AppInstallation
		if err := rows.Scan(&inst.AppName, &inst.NodeID, &inst.Version); err != nil {
			return nil, fmt.Errorf("failed to scan installation: %w", err)
		}
		app.Installations = append(app.Installations, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read installations of %s: %w", name, err)
	}
	return app, nil
}

// TableDigest returns a Merkle root over the rows of one projection table
// and the row count. Equal projections give equal roots on either dialect.
func (s *Store) TableDigest(ctx context.Context, table string) (string, int, error) {
	query, ok := digestQueries[table]
	if !ok {
		return "", 0, fmt.Errorf("unknown projection table: %s", table)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return "", 0, fmt.Errorf("failed to query %s: %w", table, err)
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return "", 0, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}

	tree := hash.NewMerkleTree()
	values := make([]string, len(columns))
	dest := make([]interface{}, len(columns))
	for i := range values {
		dest[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return "", 0, fmt.Errorf("failed to read row of %s: %w", table, err)
		}
		tree.AddLeafHash(hash.CalculateString(strings.Join(values, "\x1f")))
	}
	if err := rows.Err(); err != nil {
		return "", 0, fmt.Errorf("error iterating %s: %w", table, err)
	}

	return tree.GetRoot(), tree.LeafCount(), nil
}
