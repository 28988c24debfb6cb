package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/regionmesh/regiond/internal/event"
	"github.com/regionmesh/regiond/internal/oplog"
	"github.com/regionmesh/regiond/internal/projection"
	"github.com/regionmesh/regiond/internal/realtime"
	"github.com/regionmesh/regiond/internal/transport"
)

// Alerter is notified about operations rejected by verification.
type Alerter interface {
	SendRejectedOperationAlert(author, logID string, seqNum uint64, reason string) error
}

// Service ties the operation log to the projections and the realtime hub.
type Service struct {
	log         *oplog.Log
	signer      *oplog.Signer
	logID       string
	projections *projection.Store
	dispatcher  *projection.Dispatcher
	hub         *realtime.Hub
	logger      *slog.Logger

	mu        sync.RWMutex
	transport transport.Transport
	alerter   Alerter

	// ingestMu serialises verify, insert and dispatch of remote operations.
	ingestMu sync.Mutex
	pending  *pendingOps
}

func NewService(log *oplog.Log, signer *oplog.Signer, projections *projection.Store, hub *realtime.Hub, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		log:         log,
		signer:      signer,
		logID:       oplog.DefaultLogID,
		projections: projections,
		dispatcher:  projection.NewDispatcher(projections, logger),
		hub:         hub,
		logger:      logger,
		pending:     newPendingOps(DefaultPendingLimit),
	}
}

// SetLogID selects the log local events are appended to.
func (s *Service) SetLogID(logID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logID = logID
}

// SetTransport registers where locally appended operations are sent.
func (s *Service) SetTransport(t transport.Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transport = t
}

func (s *Service) SetAlertManager(a Alerter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerter = a
}

// NodeID is the hex public key this node signs with.
func (s *Service) NodeID() string {
	return s.signer.PublicKey()
}

// PublishLocalEvent appends payload to the local log, applies it to the
// projections, publishes the resulting client events and hands the
// operation to the transport.
func (s *Service) PublishLocalEvent(ctx context.Context, payload event.Payload) (*oplog.Operation, error) {
	body, err := event.Encode(payload)
	if err != nil {
		return nil, &PublishError{Err: err}
	}

	s.mu.RLock()
	logID := s.logID
	s.mu.RUnlock()

	// Dispatch and broadcast run under the append permit so projections and
	// peers see this node's operations in seq order.
	op, err := s.log.AppendFunc(ctx, s.signer, logID, body, func(op *oplog.Operation) {
		s.logger.Info("Event published",
			"type", payload.Type(),
			"seq", op.Header.SeqNum,
			"operation_id", op.Hash)

		env := &event.Envelope{Header: envelopeHeader(op), Payload: payload}
		s.hub.Publish(s.dispatcher.Dispatch(ctx, env))

		s.broadcast(ctx, op)
	})
	if err != nil {
		return nil, &PublishError{Err: err}
	}

	return op, nil
}

func (s *Service) broadcast(ctx context.Context, op *oplog.Operation) {
	s.mu.RLock()
	t := s.transport
	s.mu.RUnlock()

	if t == nil {
		return
	}

	err := t.Broadcast(ctx, transport.Delivery{Raw: op.Bytes(), Author: op.Author()})
	if err != nil {
		s.logger.Warn("Failed to broadcast operation",
			"operation_id", op.Hash,
			"seq", op.Header.SeqNum,
			"error", err)
	}
}

// HandleIncomingOperation processes an operation delivered by the
// transport. Nothing is returned: invalid operations are logged and
// dropped, and processing of later operations is unaffected.
func (s *Service) HandleIncomingOperation(ctx context.Context, raw []byte, authorNodeID string) {
	s.report(s.ingest(ctx, raw, authorNodeID), authorNodeID)
}

func (s *Service) report(err error, authorNodeID string) {
	if err == nil {
		return
	}

	if errors.Is(err, oplog.ErrDuplicate) {
		s.logger.Debug("Operation already known", "author", authorNodeID)
		return
	}

	if ve := oplog.AsVerificationError(err); ve != nil {
		s.logger.Warn("Rejected incoming operation",
			"author", ve.Author,
			"log_id", ve.LogID,
			"seq", ve.SeqNum,
			"reason", ve.Reason)

		s.mu.RLock()
		a := s.alerter
		s.mu.RUnlock()
		if a != nil {
			if err := a.SendRejectedOperationAlert(ve.Author, ve.LogID, ve.SeqNum, ve.Reason); err != nil {
				s.logger.Error("Failed to send alert", "error", err)
			}
		}
		return
	}

	s.logger.Error("Failed to handle incoming operation", "author", authorNodeID, "error", err)
}

// ingest decodes and checks the claimed author, then applies the operation.
// An operation ahead of the local head is held until its predecessors
// arrive; applying an operation releases any held successors.
func (s *Service) ingest(ctx context.Context, raw []byte, authorNodeID string) error {
	op, err := oplog.Decode(raw)
	if err != nil {
		return &oplog.VerificationError{Author: authorNodeID, Reason: err.Error()}
	}

	if op.Author() != authorNodeID {
		return &oplog.VerificationError{
			Author: authorNodeID,
			LogID:  op.Header.LogID(),
			SeqNum: op.Header.SeqNum,
			Reason: fmt.Sprintf("operation signed by %s", op.Author()),
		}
	}

	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()

	err = s.apply(ctx, op)
	if errors.Is(err, oplog.ErrMissingPredecessor) {
		if !s.pending.hold(op) {
			return fmt.Errorf("pending buffer full, dropping seq %d: %w", op.Header.SeqNum, err)
		}
		s.logger.Debug("Operation held until predecessor arrives",
			"author", op.Author(),
			"seq", op.Header.SeqNum,
			"pending", s.pending.len())
		return nil
	}
	if err != nil {
		return err
	}

	for next := s.pending.next(op); next != nil; next = s.pending.next(next) {
		if err := s.apply(ctx, next); err != nil {
			s.report(err, next.Author())
			break
		}
	}
	return nil
}

// apply verifies, persists and dispatches a single operation. The payload is
// decoded ahead of persisting so corrupt bodies never enter the log.
func (s *Service) apply(ctx context.Context, op *oplog.Operation) error {
	if err := s.log.Verify(op); err != nil {
		return err
	}

	var (
		env *event.Envelope
		err error
	)
	if len(op.Body) > 0 {
		env, err = event.Open(envelopeHeader(op), op.Body)
		if err != nil {
			return &oplog.VerificationError{
				Author: op.Author(),
				LogID:  op.Header.LogID(),
				SeqNum: op.Header.SeqNum,
				Reason: err.Error(),
			}
		}
	}

	if err := s.log.Insert(op); err != nil {
		return err
	}

	s.logger.Debug("Operation accepted",
		"author", op.Author(),
		"seq", op.Header.SeqNum,
		"operation_id", op.Hash)

	if env != nil {
		s.hub.Publish(s.dispatcher.Dispatch(ctx, env))
	}
	return nil
}

// SubscribeClientEvents registers a listener for client events.
func (s *Service) SubscribeClientEvents() *realtime.Subscription {
	return s.hub.Subscribe()
}

// Rebuild empties the projections and replays every stored operation. No
// client events are published. It returns the number of operations applied.
func (s *Service) Rebuild(ctx context.Context) (int, error) {
	if err := s.projections.Reset(ctx); err != nil {
		return 0, err
	}

	applied, err := Replay(ctx, s.log, s.dispatcher, s.logger)
	if err != nil {
		return applied, err
	}

	s.logger.Info("Projections rebuilt", "operations", applied)
	return applied, nil
}

// Replay dispatches every stored operation in (author, log id, seq) order
// and discards the resulting client events.
func Replay(ctx context.Context, log *oplog.Log, dispatcher *projection.Dispatcher, logger *slog.Logger) (int, error) {
	if logger == nil {
		logger = slog.Default()
	}

	applied := 0
	err := log.Operations(func(op *oplog.Operation) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if len(op.Body) == 0 {
			return nil
		}

		env, err := event.Open(envelopeHeader(op), op.Body)
		if err != nil {
			logger.Warn("Skipping undecodable operation",
				"author", op.Author(),
				"seq", op.Header.SeqNum,
				"error", err)
			return nil
		}

		dispatcher.Dispatch(ctx, env)
		applied++
		return nil
	})
	if err != nil {
		return applied, fmt.Errorf("failed to replay log: %w", err)
	}
	return applied, nil
}

func envelopeHeader(op *oplog.Operation) event.Header {
	return event.Header{
		AuthorNodeID: op.Author(),
		Timestamp:    op.Header.Timestamp,
		OperationID:  op.Hash,
	}
}
