// internal/oracle/oracle.go
// The decision oracle is the external capability that proposes the next
// interface action given the goal and the observable state. It is modeled as
// a single narrow interface rather than a hierarchy: the underlying mechanism
// (a vision/planning model) cannot be decomposed further without losing
// information, so callers mock this one seam in tests.
package oracle

import (
	"context"
	"errors"
	"fmt"

	"github.com/xkilldash9x/waypoint-cli/api/schemas"
)

// ErrUnavailable signals that the oracle cannot be reached at all. The
// orchestrator treats it as fatal for the task; no retry policy lives here.
var ErrUnavailable = errors.New("decision oracle unavailable")

// ErrMalformedResponse signals that the oracle answered but the answer could
// not be parsed into a decision. Non-fatal: the orchestrator rejects the step
// and continues.
var ErrMalformedResponse = errors.New("decision oracle returned a malformed response")

// Request carries everything the oracle needs for one decision.
type Request struct {
	Goal     string                 // The natural-language objective.
	Snapshot schemas.StateSnapshot  // Current observable state.
	History  []schemas.ActionRecord // Trimmed recent history, oldest first.
	Guidance schemas.Guidance       // Learned advice for this (host, category).
}

// Oracle proposes the next action. At most one decision is returned per call.
type Oracle interface {
	Decide(ctx context.Context, req Request) (schemas.Decision, error)
}

// proposableTypes are the action types the oracle contract permits. Anything
// else in a response is malformed.
var proposableTypes = map[schemas.ActionType]bool{
	schemas.ActionNavigate: true,
	schemas.ActionClick:    true,
	schemas.ActionTypeText: true,
	schemas.ActionWait:     true,
	schemas.ActionKeyboard: true,
	schemas.ActionDone:     true,
	schemas.ActionFail:     true,
}

// ValidateDecision checks that a parsed decision satisfies the oracle
// contract: a known proposable type, and a target where the type requires one.
func ValidateDecision(d schemas.Decision) error {
	if !proposableTypes[d.Type] {
		return fmt.Errorf("%w: unsupported action type %q", ErrMalformedResponse, d.Type)
	}
	switch d.Type {
	case schemas.ActionNavigate, schemas.ActionClick, schemas.ActionTypeText:
		if d.Target == "" {
			return fmt.Errorf("%w: action %s requires a target", ErrMalformedResponse, d.Type)
		}
	}
	return nil
}
