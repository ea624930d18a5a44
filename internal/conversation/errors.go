// ABOUTME: Error taxonomy surfaced by the conversation manager
// ABOUTME: NotFound, InvalidArgument and PersistenceError wrapping durable-store failures

package conversation

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound means the conversation is neither cached nor stored.
	ErrNotFound = errors.New("conversation not found")

	// ErrInvalidArgument rejects malformed input such as a non-system
	// message passed to AddSystemMessage.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrPersistence matches every PersistenceError via errors.Is.
	ErrPersistence = errors.New("persistence failure")
)

// PersistenceError reports a failed durable read or write. The cache may
// already reflect the change when Op is "append".
type PersistenceError struct {
	Op             string
	ConversationID string
	Err            error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s conversation %s: %v", e.Op, e.ConversationID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Is matches ErrPersistence.
func (e *PersistenceError) Is(target error) bool {
	return target == ErrPersistence
}

func persistenceErr(op, id string, err error) error {
	return &PersistenceError{Op: op, ConversationID: id, Err: err}
}

func invalidArg(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}
