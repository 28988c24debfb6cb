package oplog

import (
	"errors"
	"fmt"
)

// ErrDuplicate marks an operation that is already part of the local log.
var ErrDuplicate = errors.New("operation already known")

// ErrMissingPredecessor marks a valid operation whose earlier entries have
// not been received yet.
var ErrMissingPredecessor = errors.New("missing predecessor")

func missingPredecessor(op *Operation, next uint64) error {
	return fmt.Errorf("%w: author %s log %s seq %d, expected seq %d",
		ErrMissingPredecessor, shortKey(op.Author()), op.Header.LogID(), op.Header.SeqNum, next)
}

type VerificationError struct {
	Author string
	LogID  string
	SeqNum uint64
	Reason string
}

func (e *VerificationError) Error() string {
	return fmt.Sprintf("operation rejected: author %s log %s seq %d: %s",
		shortKey(e.Author), e.LogID, e.SeqNum, e.Reason)
}

func newVerificationError(op *Operation, reason string) *VerificationError {
	return &VerificationError{
		Author: op.Header.PublicKey,
		LogID:  op.Header.LogID(),
		SeqNum: op.Header.SeqNum,
		Reason: reason,
	}
}

func IsVerificationError(err error) bool {
	var ve *VerificationError
	return errors.As(err, &ve)
}

func AsVerificationError(err error) *VerificationError {
	var ve *VerificationError
	if errors.As(err, &ve) {
		return ve
	}
	return nil
}

func shortKey(key string) string {
	if len(key) > 16 {
		return key[:16]
	}
	return key
}
