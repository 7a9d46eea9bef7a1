// api/schemas/knowledge.go
package schemas

import "time"

// KnowledgeKey identifies a KnowledgeEntry: one entry exists per target host
// and goal category.
type KnowledgeKey struct {
	Host     string       `json:"host"`
	Category GoalCategory `json:"category"`
}

// String renders the key in the form used as the document-store primary key.
func (k KnowledgeKey) String() string {
	return k.Host + "|" + string(k.Category)
}

// SequenceStep is one abstracted step of a remembered action sequence. Typed
// values are deliberately dropped so sequences generalize across runs.
type SequenceStep struct {
	Type   ActionType `json:"type"`
	Target string     `json:"target"`
}

// SuccessfulSequence is a full action sequence that previously completed a
// task for this key, with a reinforcement count incremented each time the same
// sequence succeeds again.
type SuccessfulSequence struct {
	Steps         []SequenceStep `json:"steps"`
	Reinforcement int            `json:"reinforcement"`
	LastSeen      time.Time      `json:"last_seen"`
}

// FailurePattern counts how often a given terminal action signature preceded a
// failed verification, with optional advisory text surfaced as guidance.
type FailurePattern struct {
	Signature string `json:"signature"` // (action type | target) of the failing terminal action.
	Count     int    `json:"count"`
	Advice    string `json:"advice,omitempty"`
}

// RecoveryStrategy pairs a stuck signature with a probe that has previously
// broken the loop. SuccessCount increases only when applying the probe is
// followed by a fingerprint change.
type RecoveryStrategy struct {
	StuckSignature string   `json:"stuck_signature"` // Signature of the repeating action that caused the stall.
	Probe          Decision `json:"probe"`
	SuccessCount   int      `json:"success_count"`
}

// SiteQuirks captures per-site behavioral adjustments discovered across runs.
type SiteQuirks struct {
	MinSettle time.Duration `json:"min_settle,omitempty"` // Minimum wait before reading state after an action.
	Notes     []string      `json:"notes,omitempty"`
}

// KnowledgeStats aggregates outcomes for the key.
type KnowledgeStats struct {
	Attempts          int `json:"attempts"`
	Successes         int `json:"successes"`
	TotalSuccessSteps int `json:"total_success_steps"` // Sum of history lengths over successful runs.
}

// KnowledgeEntry is the persisted record of everything learned about one
// (host, category) pair. It is mutated only at task completion and flushed to
// durable storage as a single document.
type KnowledgeEntry struct {
	Key        KnowledgeKey         `json:"key"`
	Sequences  []SuccessfulSequence `json:"sequences,omitempty"`
	Failures   []FailurePattern     `json:"failures,omitempty"`
	Recoveries []RecoveryStrategy   `json:"recoveries,omitempty"`
	Quirks     SiteQuirks           `json:"quirks,omitempty"`
	Stats      KnowledgeStats       `json:"stats"`
	UpdatedAt  time.Time            `json:"updated_at"`
}

// Guidance is the advisory bundle the learner hands the orchestrator before
// each oracle call. Everything in it is best-effort memory, never a command.
type Guidance struct {
	SuggestedNext []SequenceStep     `json:"suggested_next,omitempty"` // Historically successful next steps for this position, best first.
	Warnings      []string           `json:"warnings,omitempty"`       // Advisory text derived from known failure patterns.
	Recoveries    []RecoveryStrategy `json:"recoveries,omitempty"`     // Strategies matching this key, for the loop detector.
	Quirks        SiteQuirks         `json:"quirks,omitempty"`
}

// IsEmpty reports whether the guidance carries no usable advice.
func (g Guidance) IsEmpty() bool {
	return len(g.SuggestedNext) == 0 && len(g.Warnings) == 0 && len(g.Recoveries) == 0 &&
		g.Quirks.MinSettle == 0 && len(g.Quirks.Notes) == 0
}
