package verifier

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/waypoint-cli/api/schemas"
	"github.com/xkilldash9x/waypoint-cli/internal/config"
)

func defaultVerifier() *Verifier {
	return New(config.VerifierConfig{
		Weights:          config.RubricWeights{Depth: 20, Coverage: 30, Positive: 25, Negative: 25, NegativePenalty: 10},
		SuccessThreshold: 70,
		PartialThreshold: 40,
	})
}

func fp(url string, hash uint64) schemas.StateFingerprint {
	return schemas.StateFingerprint{URL: url, ContentHash: hash}
}

func record(t schemas.ActionType, target string, post schemas.StateFingerprint, excerpt string) schemas.ActionRecord {
	return schemas.ActionRecord{
		Type:            t,
		Target:          target,
		Outcome:         schemas.OutcomeSuccess,
		PostFingerprint: post,
		PageExcerpt:     excerpt,
	}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		goal string
		want schemas.GoalCategory
	}{
		{"Create a new account on the forum", schemas.CategoryCreation},
		{"Delete my saved payment method", schemas.CategoryDeletion},
		{"Update the shipping address on my profile", schemas.CategoryModification},
		{"Search for wireless headphones under $50", schemas.CategorySearch},
		{"Do the thing", schemas.CategoryOther},
		// More creation hits than deletion hits.
		{"Remove the old post and add a new one", schemas.CategoryCreation},
		// Equal hits resolve by fixed priority, deletion first.
		{"delete or create", schemas.CategoryDeletion},
	}
	for _, tc := range cases {
		t.Run(tc.goal, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.goal))
		})
	}
}

func TestScoreSearchPartial(t *testing.T) {
	v := defaultVerifier()
	initial := fp("https://shop.example.com", 1)

	res := v.Score(Input{
		TaskID: "t1",
		Goal:   "search for blue widgets",
		History: []schemas.ActionRecord{
			record(schemas.ActionNavigate, "https://shop.example.com/catalog", fp("https://shop.example.com/catalog", 2), ""),
			record(schemas.ActionNavigate, "https://shop.example.com/catalog?q=widgets", fp("https://shop.example.com/catalog", 3), ""),
		},
		InitialFingerprint: initial,
		FinalFingerprint:   fp("https://shop.example.com/catalog", 3),
	})

	// Depth 3 states: +10. Coverage 1/2 expected types: +15. No positives: +0.
	// No negatives: +25.
	assert.Equal(t, 50, res.Score)
	assert.Equal(t, schemas.VerificationPartial, res.Status)
	assert.Equal(t, schemas.CategorySearch, res.Evidence.Category)
	assert.Equal(t, 3, res.Evidence.DistinctFingerprints)
}

func TestScoreCreationSuccess(t *testing.T) {
	v := defaultVerifier()
	initial := fp("https://app.example.com", 1)

	res := v.Score(Input{
		TaskID: "t2",
		Goal:   "create a new account",
		History: []schemas.ActionRecord{
			record(schemas.ActionNavigate, "https://app.example.com/signup", fp("https://app.example.com/signup", 2), ""),
			record(schemas.ActionTypeText, "#email", fp("https://app.example.com/signup", 3), ""),
			record(schemas.ActionClick, "#register", fp("https://app.example.com/welcome", 4), "thank you for registering"),
		},
		InitialFingerprint: initial,
		FinalFingerprint:   fp("https://app.example.com/welcome", 4),
	})

	// Depth 4 states: +15. Coverage 3/3 expected types: +30. One positive
	// indicator: +12. No negatives: +25.
	assert.Equal(t, 82, res.Score)
	assert.Equal(t, schemas.VerificationSuccess, res.Status)
	assert.True(t, res.Evidence.FinalStateChanged)
	assert.Contains(t, res.Evidence.PositiveIndicators, "thank you")
}

func TestScoreNoProgress(t *testing.T) {
	v := defaultVerifier()
	page := fp("https://example.com/form", 9)

	t.Run("single ineffective action scores zero", func(t *testing.T) {
		res := v.Score(Input{
			Goal:               "submit the form",
			History:            []schemas.ActionRecord{record(schemas.ActionClick, "#submit", page, "")},
			InitialFingerprint: page,
			FinalFingerprint:   page,
		})
		assert.Equal(t, 0, res.Score)
		assert.Equal(t, schemas.VerificationFailure, res.Status)
	})

	t.Run("busy but frozen is capped below partial", func(t *testing.T) {
		history := make([]schemas.ActionRecord, 0, 5)
		for i := 0; i < 5; i++ {
			history = append(history, record(schemas.ActionClick, "#submit", page, "please complete the form"))
		}
		res := v.Score(Input{
			Goal:               "create a new listing",
			History:            history,
			InitialFingerprint: page,
			FinalFingerprint:   page,
		})
		assert.Less(t, res.Score, 40, "a frozen page can never reach the partial threshold")
		assert.Equal(t, schemas.VerificationFailure, res.Status)
		assert.False(t, res.Evidence.FinalStateChanged)
	})
}

func TestScoreNegativeIndicators(t *testing.T) {
	v := defaultVerifier()
	initial := fp("https://example.com", 1)
	clean := v.Score(Input{
		Goal: "update my profile",
		History: []schemas.ActionRecord{
			record(schemas.ActionClick, "#edit", fp("https://example.com/edit", 2), "profile editor"),
			record(schemas.ActionTypeText, "#name", fp("https://example.com/edit", 3), "profile editor"),
		},
		InitialFingerprint: initial,
		FinalFingerprint:   fp("https://example.com/edit", 3),
	})
	dirty := v.Score(Input{
		Goal: "update my profile",
		History: []schemas.ActionRecord{
			record(schemas.ActionClick, "#edit", fp("https://example.com/edit", 2), "profile editor"),
			record(schemas.ActionTypeText, "#name", fp("https://example.com/edit", 3), "error: invalid value"),
		},
		InitialFingerprint: initial,
		FinalFingerprint:   fp("https://example.com/edit", 3),
	})

	require.NotEmpty(t, dirty.Evidence.NegativeIndicators)
	assert.Less(t, dirty.Score, clean.Score, "observed failure text must never raise the score")
}

func TestScoreBudgetExceededIsReportedNotPunished(t *testing.T) {
	v := defaultVerifier()
	in := Input{
		Goal: "search for something",
		History: []schemas.ActionRecord{
			record(schemas.ActionNavigate, "https://example.com/a", fp("https://example.com/a", 2), ""),
			record(schemas.ActionNavigate, "https://example.com/b", fp("https://example.com/b", 3), ""),
		},
		InitialFingerprint: fp("https://example.com", 1),
		FinalFingerprint:   fp("https://example.com/b", 3),
	}

	without := v.Score(in)
	in.BudgetExceeded = true
	with := v.Score(in)

	assert.Equal(t, without.Score, with.Score, "exhaustion is evidence, not a deduction")
	assert.True(t, with.Evidence.BudgetExceeded)
	assert.Contains(t, with.Reasons[len(with.Reasons)-2], "budget exceeded")
}

func TestScoreIsDeterministic(t *testing.T) {
	v := defaultVerifier()
	in := Input{
		TaskID: "t3",
		Goal:   "create a new issue and add a comment",
		History: []schemas.ActionRecord{
			record(schemas.ActionNavigate, "https://tracker.example.com/new", fp("https://tracker.example.com/new", 2), ""),
			record(schemas.ActionTypeText, "#title", fp("https://tracker.example.com/new", 3), ""),
			record(schemas.ActionClick, "#save", fp("https://tracker.example.com/issue/7", 4), "issue created successfully"),
		},
		InitialFingerprint: fp("https://tracker.example.com", 1),
		FinalFingerprint:   fp("https://tracker.example.com/issue/7", 4),
		Elapsed:            42 * time.Second,
	}

	first := v.Score(in)
	second := v.Score(in)
	diff := cmp.Diff(first, second, cmpopts.IgnoreFields(schemas.VerificationResult{}, "ComputedAt"))
	assert.Empty(t, diff, "identical evidence must produce identical judgments")
}

func TestRejectedActionsCarryNoEvidence(t *testing.T) {
	v := defaultVerifier()
	page := fp("https://example.com", 1)
	res := v.Score(Input{
		Goal: "search the docs",
		History: []schemas.ActionRecord{
			{Outcome: schemas.OutcomeRejected, ErrorCode: "MALFORMED_DECISION", PostFingerprint: page},
			record(schemas.ActionNavigate, "https://example.com/docs", fp("https://example.com/docs", 2), ""),
		},
		InitialFingerprint: page,
		FinalFingerprint:   fp("https://example.com/docs", 2),
	})

	assert.Zero(t, res.Evidence.ActionCounts[""], "rejected steps must not count as executed actions")
	assert.Equal(t, 1, res.Evidence.ActionCounts[schemas.ActionNavigate])
}

func TestNewFallsBackToCanonicalWeights(t *testing.T) {
	v := New(config.VerifierConfig{Weights: config.RubricWeights{Depth: 50, Coverage: 10, Positive: 10, Negative: 10}})
	res := v.Score(Input{Goal: "check the page", History: nil})
	// Only the shape matters here: a verifier built from invalid weights must
	// still produce scores on the 0-100 scale.
	assert.GreaterOrEqual(t, res.Score, 0)
	assert.LessOrEqual(t, res.Score, 100)
}
