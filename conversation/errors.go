package conversation

import (
	"errors"
	"fmt"

	"github.com/BaSui01/convoflow/types"
)

// ErrNotFound is matched with errors.Is for unknown conversation ids.
var ErrNotFound = errors.New("conversation not found")

func notFound(id string) error {
	return types.NewError(types.ErrNotFound, fmt.Sprintf("conversation %s", id)).WithCause(ErrNotFound)
}

// InvalidTransitionError is returned by UpdatePhase for an edge outside the
// phase graph. It unwraps to a VALIDATION *types.Error.
type InvalidTransitionError struct {
	ConversationID string
	From           types.Phase
	To             types.Phase
	Err            error
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("conversation %s: invalid phase transition %s -> %s", e.ConversationID, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return e.Err }
