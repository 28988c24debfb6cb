package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/regionmesh/regiond/internal/alert"
	"github.com/regionmesh/regiond/internal/node"
	"github.com/regionmesh/regiond/internal/oplog"
	"github.com/regionmesh/regiond/internal/projection"
)

const (
	lastAuditAtKey     = "last_audit_at"
	lastAuditResultKey = "last_audit_result"
)

type AlertSender interface {
	SendChainBrokenAlert(author, logID string, seqNum uint64, reason string) error
	SendProjectionDriftAlert(table, expected, actual string) error
	SendSystemAlert(title, message string, severity alert.Severity) error
}

// MetadataStore records the outcome of the last audit.
type MetadataStore interface {
	SetMetadata(key, value string) error
}

// Auditor re-verifies every stored log and compares the live projections
// against a replay of the log into a scratch database.
type Auditor struct {
	log         *oplog.Log
	projections *projection.Store
	metadata    MetadataStore
	logger      *slog.Logger

	mu      sync.Mutex
	alerts  AlertSender
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

func NewAuditor(log *oplog.Log, projections *projection.Store, metadata MetadataStore, logger *slog.Logger) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		log:         log,
		projections: projections,
		metadata:    metadata,
		logger:      logger,
	}
}

func (a *Auditor) SetAlertManager(alerts AlertSender) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.alerts = alerts
}

func (a *Auditor) alerter() AlertSender {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.alerts
}

// VerifyChains checks every stored log and returns the number of logs
// checked. All logs are checked even after a failure; the first failure is
// returned.
func (a *Auditor) VerifyChains() (int, error) {
	refs, err := a.log.Logs()
	if err != nil {
		return 0, err
	}

	var firstErr error
	for _, ref := range refs {
		err := a.log.VerifyChain(ref.Author, ref.LogID)
		if err == nil {
			a.logger.Debug("Log verified", "author", ref.Author, "log_id", ref.LogID, "length", ref.Length)
			continue
		}

		a.logger.Error("Log verification failed",
			"author", ref.Author,
			"log_id", ref.LogID,
			"error", err)

		if ve := oplog.AsVerificationError(err); ve != nil {
			if alerts := a.alerter(); alerts != nil {
				if aerr := alerts.SendChainBrokenAlert(ve.Author, ve.LogID, ve.SeqNum, ve.Reason); aerr != nil {
					a.logger.Error("Failed to send alert", "error", aerr)
				}
			}
		}

		if firstErr == nil {
			firstErr = err
		}
	}

	return len(refs), firstErr
}

// CheckProjections replays the log into a scratch sqlite database and
// compares every table digest with the live projections.
func (a *Auditor) CheckProjections(ctx context.Context) ([]*DriftError, error) {
	dir, err := os.MkdirTemp("", "regiond-audit-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch dir: %w", err)
	}
	defer os.RemoveAll(dir)

	scratch, err := projection.Open(projection.DialectSQLite, filepath.Join(dir, "replay.db"))
	if err != nil {
		return nil, err
	}
	defer scratch.Close()

	if err := scratch.Migrate(ctx); err != nil {
		return nil, err
	}

	if _, err := node.Replay(ctx, a.log, projection.NewDispatcher(scratch, a.logger), a.logger); err != nil {
		return nil, err
	}

	drifts := make([]*DriftError, 0)
	for _, table := range projection.Tables {
		replayed, _, err := scratch.TableDigest(ctx, table)
		if err != nil {
			return nil, err
		}
		live, _, err := a.projections.TableDigest(ctx, table)
		if err != nil {
			return nil, err
		}

		if replayed == live {
			continue
		}

		drift := &DriftError{Table: table, Replayed: replayed, Live: live}
		drifts = append(drifts, drift)

		a.logger.Warn("Projection drift detected",
			"table", table,
			"replayed", shortRoot(replayed),
			"live", shortRoot(live))

		if alerts := a.alerter(); alerts != nil {
			if aerr := alerts.SendProjectionDriftAlert(table, replayed, live); aerr != nil {
				a.logger.Error("Failed to send alert", "error", aerr)
			}
		}
	}

	return drifts, nil
}

// Audit runs both checks and records the outcome.
func (a *Auditor) Audit(ctx context.Context) error {
	logs, chainErr := a.VerifyChains()

	drifts, projErr := a.CheckProjections(ctx)
	if projErr != nil {
		if alerts := a.alerter(); alerts != nil {
			if aerr := alerts.SendSystemAlert("Projection Audit Failed", projErr.Error(), alert.SeverityWarning); aerr != nil {
				a.logger.Error("Failed to send alert", "error", aerr)
			}
		}
	}

	errs := []error{chainErr, projErr}
	for _, d := range drifts {
		errs = append(errs, d)
	}
	err := errors.Join(errs...)

	result := "ok"
	if err != nil {
		result = err.Error()
	}
	if a.metadata != nil {
		if merr := a.metadata.SetMetadata(lastAuditAtKey, time.Now().UTC().Format(time.RFC3339)); merr != nil {
			a.logger.Error("Failed to record audit", "error", merr)
		}
		if merr := a.metadata.SetMetadata(lastAuditResultKey, result); merr != nil {
			a.logger.Error("Failed to record audit", "error", merr)
		}
	}

	a.logger.Info("Audit finished", "logs", logs, "drifted_tables", len(drifts), "ok", err == nil)
	return err
}

// Start runs Audit every interval until Stop or ctx ends.
func (a *Auditor) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("audit interval must be positive")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return fmt.Errorf("auditor already running")
	}
	a.running = true
	a.stopCh = make(chan struct{})
	a.wg.Add(1)

	go a.auditLoop(ctx, interval, a.stopCh)
	return nil
}

func (a *Auditor) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	close(a.stopCh)
	a.running = false
	a.mu.Unlock()

	a.wg.Wait()
}

func (a *Auditor) auditLoop(ctx context.Context, interval time.Duration, stopCh <-chan struct{}) {
	defer a.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if err := a.Audit(ctx); err != nil {
				a.logger.Error("Audit failed", "error", err)
			}
		}
	}
}
