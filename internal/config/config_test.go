package config

import (
	"bytes"
	"os"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	tmpfile, err := os.CreateTemp("", "regiond-test-*.yaml")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Remove(tmpfile.Name()) })

	if _, err := tmpfile.Write([]byte(content)); err != nil {
		t.Fatal(err)
	}
	if err := tmpfile.Close(); err != nil {
		t.Fatal(err)
	}
	return tmpfile.Name()
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
node:
  name: alpha
  data_dir: /tmp/data

database:
  host: localhost
  port: 5432
  database: region
  user: regiond
  password: ${REGIOND_TEST_DB_PASSWORD}

realtime:
  listen_addr: 127.0.0.1:9090

alerts:
  enabled: false
`)

	t.Setenv("REGIOND_TEST_DB_PASSWORD", "s3cret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Node.Name != "alpha" {
		t.Errorf("expected node.name=alpha, got %s", cfg.Node.Name)
	}
	if cfg.Node.LogID != "region" {
		t.Errorf("expected default log id, got %s", cfg.Node.LogID)
	}
	if cfg.Database.Driver != "postgres" {
		t.Errorf("expected default driver postgres, got %s", cfg.Database.Driver)
	}
	if cfg.Database.Password != "s3cret" {
		t.Errorf("expected expanded password, got %s", cfg.Database.Password)
	}
	if cfg.Realtime.ListenAddr != "127.0.0.1:9090" {
		t.Errorf("expected listen addr 127.0.0.1:9090, got %s", cfg.Realtime.ListenAddr)
	}
	if cfg.Realtime.BufferSize != 32 {
		t.Errorf("expected default buffer size 32, got %d", cfg.Realtime.BufferSize)
	}
	if cfg.Node.StoragePath() != "/tmp/data/oplog.db" {
		t.Errorf("unexpected storage path %s", cfg.Node.StoragePath())
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/regiond.yaml"); err == nil {
		t.Error("expected error for missing config file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{
			name: "valid postgres config",
			config: Config{
				Database: DatabaseConfig{
					Host:     "localhost",
					Database: "region",
					User:     "regiond",
				},
				Node: NodeConfig{DataDir: "/data"},
			},
			wantErr: false,
		},
		{
			name: "postgres dsn only",
			config: Config{
				Database: DatabaseConfig{DSN: "postgres://regiond@localhost/region"},
				Node:     NodeConfig{DataDir: "/data"},
			},
			wantErr: false,
		},
		{
			name: "sqlite",
			config: Config{
				Database: DatabaseConfig{Driver: "sqlite"},
				Node:     NodeConfig{DataDir: "/data"},
			},
			wantErr: false,
		},
		{
			name: "missing database host",
			config: Config{
				Database: DatabaseConfig{
					Database: "region",
					User:     "regiond",
				},
				Node: NodeConfig{DataDir: "/data"},
			},
			wantErr: true,
		},
		{
			name: "missing data dir",
			config: Config{
				Database: DatabaseConfig{Driver: "sqlite"},
			},
			wantErr: true,
		},
		{
			name: "unknown driver",
			config: Config{
				Database: DatabaseConfig{Driver: "mysql"},
				Node:     NodeConfig{DataDir: "/data"},
			},
			wantErr: true,
		},
		{
			name: "alerts without webhook",
			config: Config{
				Database: DatabaseConfig{Driver: "sqlite"},
				Node:     NodeConfig{DataDir: "/data"},
				Alerts:   AlertsConfig{Enabled: true},
			},
			wantErr: true,
		},
		{
			name: "bad verify interval",
			config: Config{
				Database: DatabaseConfig{Driver: "sqlite"},
				Node:     NodeConfig{DataDir: "/data"},
				Verify:   VerifyConfig{Interval: "often"},
			},
			wantErr: true,
		},
		{
			name: "bad log level",
			config: Config{
				Database: DatabaseConfig{Driver: "sqlite"},
				Node:     NodeConfig{DataDir: "/data"},
				Logging:  LoggingConfig{Level: "chatty"},
			},
			wantErr: true,
		},
		{
			name: "bad log format",
			config: Config{
				Database: DatabaseConfig{Driver: "sqlite"},
				Node:     NodeConfig{DataDir: "/data"},
				Logging:  LoggingConfig{Format: "xml"},
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateDefaults(t *testing.T) {
	cfg := Config{
		Database: DatabaseConfig{Driver: "sqlite"},
		Node:     NodeConfig{DataDir: "/data"},
		Verify:   VerifyConfig{Interval: "5m"},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	if cfg.Database.DSN != "/data/projections.db" {
		t.Errorf("expected sqlite dsn in data dir, got %s", cfg.Database.DSN)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "text" {
		t.Errorf("unexpected logging defaults: %+v", cfg.Logging)
	}
	if cfg.Verify.VerifyInterval() != 5*time.Minute {
		t.Errorf("expected 5m verify interval, got %v", cfg.Verify.VerifyInterval())
	}
}

func TestConnectionString(t *testing.T) {
	db := DatabaseConfig{
		Host:     "localhost",
		Port:     5432,
		Database: "testdb",
		User:     "testuser",
		Password: "testpass",
	}

	connStr := db.ConnectionString()
	expected := "host=localhost port=5432 dbname=testdb user=testuser password=testpass sslmode=disable"

	if connStr != expected {
		t.Errorf("ConnectionString() = %v, want %v", connStr, expected)
	}

	db.DSN = "postgres://regiond@localhost/region"
	if db.ConnectionString() != db.DSN {
		t.Errorf("expected DSN to win, got %s", db.ConnectionString())
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer

	logger := (&LoggingConfig{Level: "warn", Format: "json"}).NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "seq", 3)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info message should be filtered: %s", out)
	}
	if !strings.Contains(out, `"msg":"shown"`) || !strings.Contains(out, `"seq":3`) {
		t.Errorf("expected JSON warn record, got: %s", out)
	}
}
