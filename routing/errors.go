package routing

import (
	"fmt"
	"strings"

	"github.com/BaSui01/convoflow/types"
)

// RoutingDecisionError is returned when the model never produced a usable
// JSON answer within the attempt ceiling.
type RoutingDecisionError struct {
	Operation string
	Attempts  int
	// Raw is the last response received.
	Raw string
	Err error
}

func (e *RoutingDecisionError) Error() string {
	return fmt.Sprintf("%s: no valid decision after %d attempts: %v", e.Operation, e.Attempts, e.Err)
}

// Unwrap exposes the ROUTING_DECISION code and the last parse failure.
func (e *RoutingDecisionError) Unwrap() error {
	return types.NewError(types.ErrRoutingDecision, e.Operation+" failed").WithCause(e.Err)
}

// UnknownAgentError names an agent the model proposed that is not part of
// the project.
type UnknownAgentError struct {
	Name  string
	Valid []string
}

func (e *UnknownAgentError) Error() string {
	return fmt.Sprintf("unknown agent %q (available: %s)", e.Name, strings.Join(e.Valid, ", "))
}

// Unwrap classifies the error as VALIDATION.
func (e *UnknownAgentError) Unwrap() error {
	return types.NewValidationError("unknown agent %q", e.Name)
}

// formatError is a structural problem with an otherwise decodable response.
// It triggers a retry, unlike business-rule violations.
type formatError struct {
	msg string
}

func (e *formatError) Error() string { return e.msg }

func formatErrorf(format string, args ...any) error {
	return &formatError{msg: fmt.Sprintf(format, args...)}
}
