// internal/verifier/verifier.go
// The task verifier replaces per-site completion checks with a generic,
// evidence-based score. Score is a pure function of its input: identical
// evidence always produces the identical score, status and reasons list, so
// every judgment can be audited after the fact.
package verifier

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/xkilldash9x/waypoint-cli/api/schemas"
	"github.com/xkilldash9x/waypoint-cli/internal/config"
)

// Input is everything the rubric considers. The verifier never touches the
// live session; all evidence was captured during execution.
type Input struct {
	TaskID             string
	Goal               string
	History            []schemas.ActionRecord
	InitialFingerprint schemas.StateFingerprint
	FinalFingerprint   schemas.StateFingerprint
	Elapsed            time.Duration
	BudgetExceeded     bool // Step budget or wall clock forced the loop to exit.
}

// categoryKeywords drives goal classification. Matches are counted per
// category; the category with the most hits wins, ties broken by the fixed
// order below.
var categoryKeywords = map[schemas.GoalCategory][]string{
	schemas.CategoryCreation:     {"create", "add", "new", "register", "sign up", "signup", "submit", "post", "compose", "write", "book", "order", "schedule"},
	schemas.CategoryModification: {"edit", "update", "change", "modify", "rename", "configure", "set ", "enable", "disable", "upload"},
	schemas.CategoryDeletion:     {"delete", "remove", "clear", "cancel", "unsubscribe", "archive", "close account"},
	schemas.CategorySearch:       {"search", "find", "look up", "browse", "read", "view", "show", "list", "check", "what is", "how many"},
}

// categoryPriority fixes tie-breaking so classification is deterministic.
var categoryPriority = []schemas.GoalCategory{
	schemas.CategoryDeletion,
	schemas.CategoryCreation,
	schemas.CategoryModification,
	schemas.CategorySearch,
}

// expectedActions maps each category to the action types whose presence
// counts as category-appropriate coverage.
var expectedActions = map[schemas.GoalCategory][]schemas.ActionType{
	schemas.CategoryCreation:     {schemas.ActionTypeText, schemas.ActionClick, schemas.ActionNavigate},
	schemas.CategoryModification: {schemas.ActionClick, schemas.ActionTypeText},
	schemas.CategoryDeletion:     {schemas.ActionClick},
	schemas.CategorySearch:       {schemas.ActionNavigate, schemas.ActionTypeText},
	schemas.CategoryOther:        {schemas.ActionNavigate, schemas.ActionClick},
}

// Generic textual indicators scanned for in captured page excerpts. Order is
// fixed; the evidence lists preserve it so reasons are reproducible.
var positiveIndicators = []string{
	"success", "thank you", "created", "saved", "completed", "confirmed",
	"welcome", "added", "updated", "deleted", "removed", "submitted",
	"order placed", "scheduled",
}

var negativeIndicators = []string{
	"error", "failed", "invalid", "not found", "denied", "forbidden",
	"try again", "something went wrong", "captcha", "unauthorized",
	"rate limit", "session expired",
}

// Classify buckets a goal into an intent category by keyword analysis.
func Classify(goal string) schemas.GoalCategory {
	lower := strings.ToLower(goal)
	counts := make(map[schemas.GoalCategory]int)
	for cat, words := range categoryKeywords {
		for _, w := range words {
			if strings.Contains(lower, w) {
				counts[cat]++
			}
		}
	}

	best := schemas.CategoryOther
	bestCount := 0
	for _, cat := range categoryPriority {
		if counts[cat] > bestCount {
			best, bestCount = cat, counts[cat]
		}
	}
	return best
}

// Verifier scores finished task histories on the configured rubric.
type Verifier struct {
	cfg config.VerifierConfig
}

// New builds a verifier. Zero-valued weights fall back to the canonical
// 20/30/25/25 split with thresholds at 70/40.
func New(cfg config.VerifierConfig) *Verifier {
	w := &cfg.Weights
	if w.Depth+w.Coverage+w.Positive+w.Negative != 100 {
		*w = config.RubricWeights{Depth: 20, Coverage: 30, Positive: 25, Negative: 25, NegativePenalty: 10}
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 70
	}
	if cfg.PartialThreshold <= 0 {
		cfg.PartialThreshold = 40
	}
	return &Verifier{cfg: cfg}
}

// Score computes the verification result for a finished task. It is
// deterministic and side-effect free apart from the ComputedAt timestamp.
func (v *Verifier) Score(in Input) schemas.VerificationResult {
	w := v.cfg.Weights
	category := Classify(in.Goal)
	evidence := v.collectEvidence(category, in)

	reasons := make([]string, 0, 8)
	reasons = append(reasons, fmt.Sprintf("goal classified as %s", category))

	// Component 1: navigation depth.
	depth := evidence.DistinctFingerprints
	depthPts := 0
	if depth > 1 {
		step := w.Depth / 4
		depthPts = (depth - 1) * step
		if depthPts > w.Depth {
			depthPts = w.Depth
		}
		reasons = append(reasons, fmt.Sprintf("navigation depth %d distinct states: +%d/%d", depth, depthPts, w.Depth))
	} else {
		reasons = append(reasons, fmt.Sprintf("no navigation depth, execution never left its initial state: +0/%d", w.Depth))
	}

	// Component 2: category-appropriate action coverage.
	expected := expectedActions[category]
	matched := 0
	for _, at := range expected {
		if evidence.ActionCounts[at] > 0 {
			matched++
		}
	}
	coveragePts := 0
	if len(expected) > 0 {
		coveragePts = w.Coverage * matched / len(expected)
	}
	reasons = append(reasons, fmt.Sprintf("action coverage for %s (%d/%d expected types): +%d/%d",
		category, matched, len(expected), coveragePts, w.Coverage))

	// Component 3: positive content indicators.
	positivePts := 0
	if n := len(evidence.PositiveIndicators); n > 0 {
		positivePts = n * (w.Positive / 2)
		if positivePts > w.Positive {
			positivePts = w.Positive
		}
		reasons = append(reasons, fmt.Sprintf("positive indicators [%s]: +%d/%d",
			strings.Join(evidence.PositiveIndicators, ", "), positivePts, w.Positive))
	} else {
		reasons = append(reasons, fmt.Sprintf("no positive content indicators captured: +0/%d", w.Positive))
	}

	// Component 4: absence of negative indicators.
	negativePts := w.Negative
	if n := len(evidence.NegativeIndicators); n > 0 {
		negativePts = w.Negative - n*w.NegativePenalty
		if negativePts < 0 {
			negativePts = 0
		}
		reasons = append(reasons, fmt.Sprintf("negative indicators [%s]: -%d each, +%d/%d",
			strings.Join(evidence.NegativeIndicators, ", "), w.NegativePenalty, negativePts, w.Negative))
	} else {
		reasons = append(reasons, fmt.Sprintf("no negative indicators: +%d/%d", negativePts, w.Negative))
	}

	score := depthPts + coveragePts + positivePts + negativePts

	// No observable progress hard-caps the attainable score below the partial
	// threshold: no amount of activity on a frozen page can count as success.
	if depth <= 1 && !evidence.FinalStateChanged {
		if len(in.History) <= 1 {
			score = 0
			reasons = append(reasons, "no progress: a single ineffective action scores zero")
		} else if limit := v.cfg.PartialThreshold - 1; score > limit {
			score = limit
			reasons = append(reasons, fmt.Sprintf("no progress: score capped at %d", limit))
		} else {
			reasons = append(reasons, "no progress: execution never changed the interface state")
		}
	}

	if evidence.BudgetExceeded {
		reasons = append(reasons, "budget exceeded: execution was cut off before a terminal signal")
	}

	status := schemas.VerificationFailure
	switch {
	case score >= v.cfg.SuccessThreshold:
		status = schemas.VerificationSuccess
	case score >= v.cfg.PartialThreshold:
		status = schemas.VerificationPartial
	}
	reasons = append(reasons, fmt.Sprintf("total score %d/100: %s", score, status))

	return schemas.VerificationResult{
		TaskID:     in.TaskID,
		Status:     status,
		Score:      score,
		Reasons:    reasons,
		Evidence:   evidence,
		ComputedAt: time.Now().UTC(),
	}
}

// collectEvidence gathers the rubric's raw signals from the history.
func (v *Verifier) collectEvidence(category schemas.GoalCategory, in Input) schemas.EvidenceSnapshot {
	distinct := make(map[schemas.StateFingerprint]struct{})
	if !in.InitialFingerprint.IsZero() {
		distinct[in.InitialFingerprint] = struct{}{}
	}

	actionCounts := make(map[schemas.ActionType]int)
	var textParts []string
	for _, rec := range in.History {
		if !rec.PostFingerprint.IsZero() {
			distinct[rec.PostFingerprint] = struct{}{}
		}
		if rec.Outcome == schemas.OutcomeSuccess {
			actionCounts[rec.Type]++
		}
		if rec.PageExcerpt != "" {
			textParts = append(textParts, strings.ToLower(rec.PageExcerpt))
		}
	}
	text := strings.Join(textParts, "\n")

	return schemas.EvidenceSnapshot{
		Category:             category,
		DistinctFingerprints: len(distinct),
		ActionCounts:         actionCounts,
		PositiveIndicators:   matchIndicators(text, positiveIndicators),
		NegativeIndicators:   matchIndicators(text, negativeIndicators),
		FinalStateChanged:    !in.FinalFingerprint.Equal(in.InitialFingerprint),
		BudgetExceeded:       in.BudgetExceeded,
		Elapsed:              in.Elapsed,
	}
}

// matchIndicators returns the indicators present in text, sorted so the
// evidence lists and reasons are reproducible.
func matchIndicators(text string, indicators []string) []string {
	var found []string
	for _, ind := range indicators {
		if strings.Contains(text, ind) {
			found = append(found, ind)
		}
	}
	sort.Strings(found)
	return found
}
