package node

import (
	"errors"
	"fmt"
)

// PublishError is returned when a local event could not be appended. The
// log is unchanged when it is returned.
type PublishError struct {
	Err error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("failed to publish event: %v", e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

func IsPublishError(err error) bool {
	var pe *PublishError
	return errors.As(err, &pe)
}
