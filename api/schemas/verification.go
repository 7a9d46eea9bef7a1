// api/schemas/verification.go
package schemas

import "time"

// VerificationStatus is the verifier's three-way classification of a finished
// task. It is derived from the rubric score, never asserted directly.
type VerificationStatus string

const (
	VerificationSuccess VerificationStatus = "SUCCESS"
	VerificationPartial VerificationStatus = "PARTIAL"
	VerificationFailure VerificationStatus = "FAILURE"
)

// GoalCategory is the coarse intent bucket a goal is classified into. The
// category decides which kinds of evidence the rubric expects to see.
type GoalCategory string

const (
	CategoryCreation     GoalCategory = "CREATION"
	CategoryModification GoalCategory = "MODIFICATION"
	CategoryDeletion     GoalCategory = "DELETION"
	CategorySearch       GoalCategory = "SEARCH"
	CategoryOther        GoalCategory = "OTHER"
)

// EvidenceSnapshot is the set of signals the verifier collected from a task
// history. It is embedded in the result so every score is auditable against
// the raw evidence it was computed from.
type EvidenceSnapshot struct {
	Category             GoalCategory       `json:"category"`              // Intent bucket the goal was classified into.
	DistinctFingerprints int                `json:"distinct_fingerprints"` // Navigation depth: unique states touched.
	ActionCounts         map[ActionType]int `json:"action_counts"`         // Executed (non-rejected) actions by type.
	PositiveIndicators   []string           `json:"positive_indicators"`   // Generic success phrases seen in captured page text.
	NegativeIndicators   []string           `json:"negative_indicators"`   // Generic failure phrases seen in captured page text.
	FinalStateChanged    bool               `json:"final_state_changed"`   // Whether the final fingerprint differs from the initial one.
	BudgetExceeded       bool               `json:"budget_exceeded"`       // Whether the step budget or the clock forced the loop to exit.
	Elapsed              time.Duration      `json:"elapsed"`
}

// VerificationResult is the final, evidence-based judgment of goal completion.
// Exactly one is produced per task, after execution ends, and it is immutable.
type VerificationResult struct {
	TaskID     string             `json:"task_id"`
	Status     VerificationStatus `json:"status"`
	Score      int                `json:"score"`   // Completion percentage on the 0-100 rubric.
	Reasons    []string           `json:"reasons"` // Every contributing and detracting rubric component, in fixed order.
	Evidence   EvidenceSnapshot   `json:"evidence"`
	ComputedAt time.Time          `json:"computed_at"`
}
