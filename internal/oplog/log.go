package oplog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/regionmesh/regiond/internal/hash"
	"github.com/regionmesh/regiond/internal/storage"
)

// Store is the durable log storage the operation log is built on.
type Store interface {
	LatestOperation(author, logID string) (*storage.Entry, error)
	GetOperation(author, logID string, seqNum uint64) (*storage.Entry, error)
	InsertOperation(entry *storage.Entry) error
	ForEachOperation(author, logID string, fn func(*storage.Entry) error) error
	ForEach(fn func(*storage.Entry) error) error
}

type Log struct {
	store  Store
	clock  func() time.Time
	logger *slog.Logger
}

func NewLog(store Store, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		store:  store,
		clock:  time.Now,
		logger: logger,
	}
}

// WithClock overrides clock for testing.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// Append signs body as the next entry of the signer's log. Concurrent
// callers sharing a signer are serialised from reading the chain head until
// the entry is persisted, so seq nums are never duplicated or skipped. A
// failed call leaves no trace in the store.
func (l *Log) Append(ctx context.Context, signer *Signer, logID string, body []byte) (*Operation, error) {
	return l.AppendFunc(ctx, signer, logID, body, nil)
}

// AppendFunc is Append with a callback that runs on the persisted operation
// before the permit is released. Callbacks of one signer therefore run one
// at a time in seq order.
func (l *Log) AppendFunc(ctx context.Context, signer *Signer, logID string, body []byte, apply func(*Operation)) (*Operation, error) {
	if err := validateLogID(logID); err != nil {
		return nil, err
	}

	if err := signer.acquire(ctx); err != nil {
		return nil, fmt.Errorf("failed to acquire append permit: %w", err)
	}
	defer signer.release()

	author := signer.PublicKey()

	header := Header{
		Version:   HeaderVersion,
		PublicKey: author,
		Timestamp: uint64(l.clock().UnixMilli()),
	}
	header.setLogID(logID)

	latest, err := l.store.LatestOperation(author, logID)
	switch {
	case err == nil:
		header.SeqNum = latest.SeqNum + 1
		header.Backlink = latest.Hash
	case errors.Is(err, storage.ErrNotFound):
	default:
		return nil, fmt.Errorf("failed to read chain head: %w", err)
	}

	if len(body) > 0 {
		header.PayloadHash = hash.CalculateBytes(body)
		header.PayloadSize = uint64(len(body))
	} else {
		body = nil
	}

	signed, err := header.signingBytes()
	if err != nil {
		return nil, err
	}
	header.Signature = signer.Sign(signed)

	op, err := newOperation(header, body)
	if err != nil {
		return nil, err
	}

	if err := l.store.InsertOperation(l.entryFor(op)); err != nil {
		return nil, fmt.Errorf("failed to persist operation: %w", err)
	}

	l.logger.Debug("Operation appended",
		"author", shortKey(author),
		"log_id", logID,
		"seq", header.SeqNum,
		"operation_id", op.Hash)

	if apply != nil {
		apply(op)
	}

	return op, nil
}

// Verify gates an operation before it may be dispatched. It returns a
// *VerificationError for invalid operations, ErrDuplicate for ones the
// local log already holds and ErrMissingPredecessor for valid operations
// that are ahead of the local head.
func (l *Log) Verify(op *Operation) error {
	if err := op.checkIntegrity(); err != nil {
		return err
	}

	author, logID, seq := op.Author(), op.Header.LogID(), op.Header.SeqNum

	latest, err := l.store.LatestOperation(author, logID)
	if errors.Is(err, storage.ErrNotFound) {
		if seq != 0 {
			return missingPredecessor(op, 0)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read chain head: %w", err)
	}

	switch {
	case seq <= latest.SeqNum:
		stored, err := l.store.GetOperation(author, logID, seq)
		if errors.Is(err, storage.ErrNotFound) {
			return newVerificationError(op, "sequence number below a gap in the local log")
		}
		if err != nil {
			return fmt.Errorf("failed to read stored operation: %w", err)
		}
		if stored.Hash == op.Hash {
			return ErrDuplicate
		}
		return newVerificationError(op, fmt.Sprintf("fork: seq %d already holds %s", seq, stored.Hash))
	case seq == latest.SeqNum+1:
		if op.Header.Backlink != latest.Hash {
			return newVerificationError(op, fmt.Sprintf("backlink mismatch: expected %s, got %s", latest.Hash, op.Header.Backlink))
		}
	default:
		return missingPredecessor(op, latest.SeqNum+1)
	}

	return nil
}

// Insert persists an operation received from another node. Callers verify
// first.
func (l *Log) Insert(op *Operation) error {
	err := l.store.InsertOperation(l.entryFor(op))
	if errors.Is(err, storage.ErrExists) {
		return ErrDuplicate
	}
	if errors.Is(err, storage.ErrConflict) {
		return newVerificationError(op, err.Error())
	}
	if err != nil {
		return fmt.Errorf("failed to persist operation: %w", err)
	}
	return nil
}

func (l *Log) entryFor(op *Operation) *storage.Entry {
	return &storage.Entry{
		Author: op.Author(),
		LogID:  op.Header.LogID(),
		SeqNum: op.Header.SeqNum,
		Hash:   op.Hash,
		Raw:    op.Bytes(),
	}
}

// LogRef names one author's log.
type LogRef struct {
	Author string
	LogID  string
	Length int
	Head   string
}

// Logs lists every log in the store.
func (l *Log) Logs() ([]LogRef, error) {
	refs := make([]LogRef, 0)
	index := make(map[string]int)

	err := l.store.ForEach(func(e *storage.Entry) error {
		key := e.Author + "/" + e.LogID
		i, ok := index[key]
		if !ok {
			i = len(refs)
			index[key] = i
			refs = append(refs, LogRef{Author: e.Author, LogID: e.LogID})
		}
		refs[i].Length++
		refs[i].Head = e.Hash
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list logs: %w", err)
	}

	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Author != refs[j].Author {
			return refs[i].Author < refs[j].Author
		}
		return refs[i].LogID < refs[j].LogID
	})
	return refs, nil
}

// VerifyChain re-verifies a stored log end to end: signatures, payloads,
// contiguous seq nums from 0 and backlinks.
func (l *Log) VerifyChain(author, logID string) error {
	var prev *Operation

	err := l.store.ForEachOperation(author, logID, func(e *storage.Entry) error {
		op, err := Decode(e.Raw)
		if err != nil {
			return &VerificationError{Author: author, LogID: logID, SeqNum: e.SeqNum, Reason: err.Error()}
		}
		if err := op.checkIntegrity(); err != nil {
			return err
		}
		if op.Hash != e.Hash || op.Header.SeqNum != e.SeqNum || op.Author() != author || op.Header.LogID() != logID {
			return newVerificationError(op, "stored entry does not match its operation")
		}

		if prev == nil {
			if op.Header.SeqNum != 0 {
				return newVerificationError(op, "log does not start at seq 0")
			}
		} else {
			if op.Header.SeqNum != prev.Header.SeqNum+1 {
				return newVerificationError(op, fmt.Sprintf("gap after seq %d", prev.Header.SeqNum))
			}
			if op.Header.Backlink != prev.Hash {
				return newVerificationError(op, fmt.Sprintf("hash chain broken: expected backlink %s, got %s", prev.Hash, op.Header.Backlink))
			}
		}

		prev = op
		return nil
	})

	return err
}

// Operations decodes every stored operation in (author, log id, seq) order.
func (l *Log) Operations(fn func(*Operation) error) error {
	return l.store.ForEach(func(e *storage.Entry) error {
		op, err := Decode(e.Raw)
		if err != nil {
			return fmt.Errorf("failed to decode stored operation %s/%s/%d: %w", shortKey(e.Author), e.LogID, e.SeqNum, err)
		}
		return fn(op)
	})
}

// Digest returns a Merkle root over every stored operation hash.
func (l *Log) Digest() (string, int, error) {
	tree := hash.NewMerkleTree()
	err := l.store.ForEach(func(e *storage.Entry) error {
		tree.AddLeafHash(e.Hash)
		return nil
	})
	if err != nil {
		return "", 0, fmt.Errorf("failed to compute digest: %w", err)
	}
	return tree.GetRoot(), tree.LeafCount(), nil
}

func validateLogID(logID string) error {
	if logID == "" {
		return fmt.Errorf("log id is required")
	}
	if strings.ContainsRune(logID, 0) {
		return fmt.Errorf("log id must not contain NUL bytes")
	}
	return nil
}
