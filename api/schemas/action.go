// api/schemas/action.go
package schemas

import (
	"fmt"
	"time"
)

// ActionType is the structured vocabulary of steps the decision oracle can
// propose and the action executor can perform.
type ActionType string

const (
	ActionNavigate ActionType = "NAVIGATE"  // Load a URL.
	ActionClick    ActionType = "CLICK"     // Locate an element and click it.
	ActionTypeText ActionType = "TYPE_TEXT" // Locate an input and type a value into it.
	ActionWait     ActionType = "WAIT"      // Pause to let the page settle.
	ActionKeyboard ActionType = "KEYBOARD"  // Send a keyboard shortcut to the page.
	ActionBack     ActionType = "BACK"      // Navigate backward in session history. Used by recovery probes, never proposed by the oracle.
	ActionDone     ActionType = "DONE"      // Terminal signal: the oracle believes the goal is achieved.
	ActionFail     ActionType = "FAIL"      // Terminal signal: the oracle believes the goal cannot be achieved.
)

// Decision is a single next step proposed by the decision oracle, or selected
// internally as a recovery probe.
type Decision struct {
	Type      ActionType `json:"type"`                // What to do.
	Target    string     `json:"target,omitempty"`    // Element descriptor (CSS selector or visible text) or a URL for NAVIGATE.
	Value     string     `json:"value,omitempty"`     // Text to type, key chord to send, or wait duration.
	Rationale string     `json:"rationale,omitempty"` // The oracle's stated reason for the choice.
}

// ActionOutcome records how executing a decision went.
type ActionOutcome string

const (
	OutcomeSuccess  ActionOutcome = "SUCCESS"  // The executor performed the action.
	OutcomeFailed   ActionOutcome = "FAILED"   // The executor attempted the action and it failed, even after the local retry.
	OutcomeRejected ActionOutcome = "REJECTED" // The decision was malformed or unsupported and was never executed.
)

// StateFingerprint is a comparable summary of observable interface state. Two
// fingerprints are equal when the canonical location and the coarse content
// signature both match; the orchestrator and loop detector use this to decide
// whether an action changed anything.
type StateFingerprint struct {
	URL         string `json:"url"`          // Canonicalized page location.
	ContentHash uint64 `json:"content_hash"` // xxhash of the page's visible text.
}

// Equal reports whether two fingerprints describe the same observable state.
func (fp StateFingerprint) Equal(other StateFingerprint) bool {
	return fp.URL == other.URL && fp.ContentHash == other.ContentHash
}

// IsZero reports whether the fingerprint has never been populated.
func (fp StateFingerprint) IsZero() bool {
	return fp.URL == "" && fp.ContentHash == 0
}

func (fp StateFingerprint) String() string {
	return fmt.Sprintf("%s#%016x", fp.URL, fp.ContentHash)
}

// StateSnapshot is the richer observation returned by the executor alongside a
// fingerprint. VisibleText is truncated at capture time; it feeds indicator
// extraction and the oracle prompt, not equality checks.
type StateSnapshot struct {
	URL         string           `json:"url"`
	Title       string           `json:"title"`
	VisibleText string           `json:"visible_text"`
	Fingerprint StateFingerprint `json:"fingerprint"`
	CapturedAt  time.Time        `json:"captured_at"`
}

// ActionRecord is one logged step of an execution's history. Records are
// appended by the orchestrator only, are immutable once written, and are
// strictly ordered per task by Step.
type ActionRecord struct {
	Step            int              `json:"step"`             // Zero-based index within the task history.
	Type            ActionType       `json:"type"`             // The action performed (or rejected).
	Target          string           `json:"target,omitempty"` // Element descriptor or URL the action addressed.
	Value           string           `json:"value,omitempty"`  // Typed text, key chord, or wait duration.
	Outcome         ActionOutcome    `json:"outcome"`
	ErrorCode       string           `json:"error_code,omitempty"` // Structured failure reason when Outcome is FAILED or REJECTED.
	Probe           bool             `json:"probe,omitempty"`      // True when the step was a loop-recovery probe rather than an oracle decision.
	PreFingerprint  StateFingerprint `json:"pre_fingerprint"`
	PostFingerprint StateFingerprint `json:"post_fingerprint"`
	PageExcerpt     string           `json:"page_excerpt,omitempty"` // Truncated visible text captured after the action, for evidence scoring.
	Timestamp       time.Time        `json:"timestamp"`
}

// Signature is the (action type, target) pair used for loop detection and for
// keying learned failure patterns and recovery strategies.
func (r ActionRecord) Signature() string {
	return string(r.Type) + "|" + r.Target
}

// ChangedState reports whether the action left the page in a different
// observable state than it found it.
func (r ActionRecord) ChangedState() bool {
	return !r.PreFingerprint.Equal(r.PostFingerprint)
}
