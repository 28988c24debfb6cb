package verify

import (
	"errors"
	"fmt"
)

// DriftError reports a projection table whose rows differ from a fresh
// replay of the operation log.
type DriftError struct {
	Table    string
	Replayed string
	Live     string
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("projection drift detected on table %s (replayed: %s, live: %s)",
		e.Table, shortRoot(e.Replayed), shortRoot(e.Live))
}

func IsDriftError(err error) bool {
	var de *DriftError
	return errors.As(err, &de)
}

func AsDriftError(err error) *DriftError {
	var de *DriftError
	if errors.As(err, &de) {
		return de
	}
	return nil
}

func shortRoot(root string) string {
	if root == "" {
		return "<empty>"
	}
	if len(root) > 16 {
		return root[:16]
	}
	return root
}
