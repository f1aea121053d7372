package routing

import (
	"fmt"
	"strings"
	"time"

	"github.com/af-corp/rudder/internal/types"
)

// AttemptRecord captures one dispatch attempt. Records exist for the
// duration of a single cycle and are carried on terminal failures so
// operators can see what was tried.
type AttemptRecord struct {
	ModelID string
	Attempt int
	Outcome types.Outcome
	Start   time.Time
	Elapsed time.Duration
	Err     error
}

// NoRuleMatchedError means no routing rule's predicate was satisfied and the
// ruleset declares no default for the task type. A configuration gap, never
// retried.
type NoRuleMatchedError struct {
	TaskType       types.TaskType
	RuleSetVersion string
}

func (e *NoRuleMatchedError) Error() string {
	return fmt.Sprintf("no routing rule matched for task %s (ruleset %s)", e.TaskType, e.RuleSetVersion)
}

// DroppedCandidate names a candidate removed during validation and why.
type DroppedCandidate struct {
	ModelID string
	Reason  string
}

// NoEligibleModelError means a rule matched but every candidate failed
// capability or cost validation. Distinct from NoRuleMatchedError so
// operators can tell "no policy" from "policy too strict".
type NoEligibleModelError struct {
	TaskType types.TaskType
	Dropped  []DroppedCandidate
}

func (e *NoEligibleModelError) Error() string {
	if len(e.Dropped) == 0 {
		return fmt.Sprintf("no eligible model for task %s", e.TaskType)
	}
	parts := make([]string, 0, len(e.Dropped))
	for _, d := range e.Dropped {
		parts = append(parts, d.ModelID+": "+d.Reason)
	}
	return fmt.Sprintf("no eligible model for task %s (%s)", e.TaskType, strings.Join(parts, "; "))
}

// UnboundProviderError marks a candidate whose provider has no configured
// client. It appears in attempt trails as a rejected outcome.
type UnboundProviderError struct {
	Provider types.Provider
	ModelID  string
}

func (e *UnboundProviderError) Error() string {
	return fmt.Sprintf("no client configured for provider %s (model %s)", e.Provider, e.ModelID)
}

// ExhaustedError means every candidate was tried and every retry spent. It
// carries the full attempt trail.
type ExhaustedError struct {
	Attempts []AttemptRecord
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all candidates exhausted after %d attempts%s", len(e.Attempts), e.trail())
}

func (e *ExhaustedError) trail() string {
	if len(e.Attempts) == 0 {
		return ""
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s#%d=%s", a.ModelID, a.Attempt, a.Outcome))
	}
	return " (" + strings.Join(parts, ", ") + ")"
}

// FinalOutcome returns the outcome of the last attempt. A rejected final
// outcome distinguishes "bad request" from "all backends unavailable".
func (e *ExhaustedError) FinalOutcome() types.Outcome {
	if len(e.Attempts) == 0 {
		return ""
	}
	return e.Attempts[len(e.Attempts)-1].Outcome
}

// MostlyThrottled reports whether at least half the attempts were throttled,
// in which case the failure is a quota condition worth retrying later.
func (e *ExhaustedError) MostlyThrottled() bool {
	if len(e.Attempts) == 0 {
		return false
	}
	throttled := 0
	for _, a := range e.Attempts {
		if a.Outcome == types.OutcomeThrottled {
			throttled++
		}
	}
	return throttled*2 >= len(e.Attempts)
}

// DeadlineExceededError means the caller-supplied deadline passed mid-cycle.
// It carries the attempts made before the deadline and unwraps to the
// context error.
type DeadlineExceededError struct {
	Attempts []AttemptRecord
	Err      error
}

func (e *DeadlineExceededError) Error() string {
	return fmt.Sprintf("deadline exceeded after %d attempts: %v", len(e.Attempts), e.Err)
}

func (e *DeadlineExceededError) Unwrap() error { return e.Err }
