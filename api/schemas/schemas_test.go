package schemas

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestStateFingerprint(t *testing.T) {
	a := StateFingerprint{URL: "https://example.com/a", ContentHash: 42}
	b := StateFingerprint{URL: "https://example.com/a", ContentHash: 42}
	c := StateFingerprint{URL: "https://example.com/a", ContentHash: 43}

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.IsZero())
	assert.True(t, StateFingerprint{}.IsZero())
	assert.Equal(t, "https://example.com/a#000000000000002a", a.String())
}

func TestActionRecord(t *testing.T) {
	rec := ActionRecord{
		Type:            ActionClick,
		Target:          "#submit",
		PreFingerprint:  StateFingerprint{URL: "https://example.com", ContentHash: 1},
		PostFingerprint: StateFingerprint{URL: "https://example.com", ContentHash: 2},
	}
	assert.Equal(t, "CLICK|#submit", rec.Signature())
	assert.True(t, rec.ChangedState())

	rec.PostFingerprint = rec.PreFingerprint
	assert.False(t, rec.ChangedState())
}

func TestKnowledgeKeyString(t *testing.T) {
	key := KnowledgeKey{Host: "app.example.com", Category: CategoryCreation}
	assert.Equal(t, "app.example.com|CREATION", key.String())
}

func TestGuidanceIsEmpty(t *testing.T) {
	assert.True(t, Guidance{}.IsEmpty())
	assert.False(t, Guidance{Warnings: []string{"w"}}.IsEmpty())
	assert.False(t, Guidance{Quirks: SiteQuirks{MinSettle: time.Second}}.IsEmpty())
	assert.False(t, Guidance{SuggestedNext: []SequenceStep{{Type: ActionClick}}}.IsEmpty())
}
