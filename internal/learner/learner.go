// internal/learner/learner.go
// The workflow learner is the cross-run memory: per (host, category) it keeps
// successful action sequences, failure patterns, recovery strategies and site
// quirks, and serves them back as guidance to future executions.
//
// Consistency model: per-action updates are in-memory only; the durable
// KnowledgeEntry is mutated exactly once, at task completion, under a per-key
// lock (single writer per key). Guidance reads work from the snapshot loaded
// when the session started, so they may be one completion stale but never see
// a partial write. Learning is best-effort throughout: a store failure is
// logged and reported, and must never fail the task that triggered it.
package learner

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/waypoint-cli/api/schemas"
	"github.com/xkilldash9x/waypoint-cli/internal/config"
	"github.com/xkilldash9x/waypoint-cli/internal/store"
	"github.com/xkilldash9x/waypoint-cli/internal/verifier"
)

// ErrUnknownExecution is returned for operations against an execution ID that
// was never started or has already completed.
var ErrUnknownExecution = errors.New("unknown learner execution")

// recoveryWin buffers a probe that demonstrably changed the fingerprint; it
// is applied to the durable entry at completion time.
type recoveryWin struct {
	stuckSig string
	probe    schemas.Decision
}

// session is the in-memory state of one running task's learning.
type session struct {
	id      string
	task    schemas.Task
	key     schemas.KnowledgeKey
	records []schemas.ActionRecord
	entry   *schemas.KnowledgeEntry // Snapshot loaded at start; nil when the key is new.
	wins    []recoveryWin
}

// Learner owns the knowledge store lifecycle for all concurrent tasks.
type Learner struct {
	cfg    config.LearnerConfig
	logger *zap.Logger
	store  store.KnowledgeStore

	mu       sync.Mutex
	sessions map[string]*session
	keyLocks map[string]*sync.Mutex
}

// New builds a learner over the given store.
func New(cfg config.LearnerConfig, st store.KnowledgeStore, logger *zap.Logger) *Learner {
	if cfg.MaxSequences <= 0 {
		cfg.MaxSequences = 10
	}
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 25
	}
	if cfg.MaxRecoveries <= 0 {
		cfg.MaxRecoveries = 10
	}
	return &Learner{
		cfg:      cfg,
		logger:   logger.Named("learner"),
		store:    st,
		sessions: make(map[string]*session),
		keyLocks: make(map[string]*sync.Mutex),
	}
}

// Start opens a learning session for the task and returns its execution ID.
// The key's current knowledge is loaded once here; a missing entry or a store
// failure degrades to empty guidance.
func (l *Learner) Start(ctx context.Context, task schemas.Task) (string, error) {
	key, err := KeyFor(task)
	if err != nil {
		return "", err
	}

	entry, err := l.store.Load(ctx, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		l.logger.Warn("Failed to load knowledge entry, starting without guidance.",
			zap.String("key", key.String()), zap.Error(err))
		entry = nil
	}

	s := &session{
		id:    uuid.New().String(),
		task:  task,
		key:   key,
		entry: entry,
	}

	l.mu.Lock()
	l.sessions[s.id] = s
	l.mu.Unlock()

	l.logger.Debug("Learning session opened.",
		zap.String("execution_id", s.id),
		zap.String("key", key.String()),
		zap.Bool("has_history", entry != nil))
	return s.id, nil
}

// RecordAction appends one action record to the session. In-memory only; no
// durable write happens per action.
func (l *Learner) RecordAction(executionID string, rec schemas.ActionRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.sessions[executionID]; ok {
		s.records = append(s.records, rec)
	}
}

// RecordRecoveryWin buffers a probe success for durable reinforcement at
// completion. Only called when the probe was followed by a fingerprint
// change; a no-op probe never reaches here.
func (l *Learner) RecordRecoveryWin(executionID, stuckSignature string, probe schemas.Decision) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s, ok := l.sessions[executionID]; ok {
		s.wins = append(s.wins, recoveryWin{stuckSig: stuckSignature, probe: probe})
	}
}

// Guidance assembles learned advice for the session's current position:
// ranked next steps from successful sequences, warnings from failure
// patterns, matching recovery strategies and site quirks.
func (l *Learner) Guidance(executionID string) schemas.Guidance {
	l.mu.Lock()
	s, ok := l.sessions[executionID]
	var position int
	var entry *schemas.KnowledgeEntry
	if ok {
		position = len(s.records)
		entry = s.entry
	}
	l.mu.Unlock()

	if !ok || entry == nil {
		return schemas.Guidance{}
	}

	var g schemas.Guidance
	g.SuggestedNext = suggestNext(entry.Sequences, position)
	for _, f := range entry.Failures {
		if f.Count >= 2 {
			warning := fmt.Sprintf("action %q has preceded failure %d times on this site", f.Signature, f.Count)
			if f.Advice != "" {
				warning += ": " + f.Advice
			}
			g.Warnings = append(g.Warnings, warning)
		}
	}
	g.Recoveries = append(g.Recoveries, entry.Recoveries...)
	g.Quirks = entry.Quirks
	return g
}

// suggestNext ranks candidate next steps: for each remembered sequence long
// enough to have a step at this position, take that step, keep the highest
// reinforcement per distinct step.
func suggestNext(sequences []schemas.SuccessfulSequence, position int) []schemas.SequenceStep {
	type ranked struct {
		step  schemas.SequenceStep
		score int
	}
	best := make(map[string]ranked)
	for _, seq := range sequences {
		if position >= len(seq.Steps) {
			continue
		}
		step := seq.Steps[position]
		k := string(step.Type) + "|" + step.Target
		if cur, ok := best[k]; !ok || seq.Reinforcement > cur.score {
			best[k] = ranked{step: step, score: seq.Reinforcement}
		}
	}

	out := make([]ranked, 0, len(best))
	for _, r := range best {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].score != out[j].score {
			return out[i].score > out[j].score
		}
		return out[i].step.Target < out[j].step.Target
	})

	steps := make([]schemas.SequenceStep, 0, len(out))
	for _, r := range out {
		steps = append(steps, r.step)
	}
	return steps
}

// Complete closes the session and folds its outcome into the durable entry:
// successful runs promote their sequence, failed runs reinforce the failing
// pattern, buffered recovery wins reinforce or create strategies. The entry
// is then flushed to the store. Returns the flush error for visibility only;
// callers must treat it as non-fatal.
func (l *Learner) Complete(ctx context.Context, executionID string, result schemas.VerificationResult) error {
	l.mu.Lock()
	s, ok := l.sessions[executionID]
	if ok {
		delete(l.sessions, executionID)
	}
	keyLock := l.lockFor(s)
	l.mu.Unlock()

	if !ok {
		return ErrUnknownExecution
	}

	// Single writer per key: read-modify-write under the key's lock.
	keyLock.Lock()
	defer keyLock.Unlock()

	entry, err := l.store.Load(ctx, s.key)
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		entry = &schemas.KnowledgeEntry{Key: s.key}
	default:
		// Never rebuild the document from a single run: saving over an
		// unreadable entry would discard everything learned for this key.
		l.logger.Warn("Knowledge entry unreadable at completion; learning from this run is lost.",
			zap.String("key", s.key.String()), zap.Error(err))
		return fmt.Errorf("knowledge entry reload failed: %w", err)
	}

	now := time.Now().UTC()
	entry.Stats.Attempts++

	if result.Status == schemas.VerificationSuccess {
		entry.Stats.Successes++
		entry.Stats.TotalSuccessSteps += len(s.records)
		l.promoteSequence(entry, s.records, now)
	} else {
		l.recordFailure(entry, s.records)
	}

	for _, win := range s.wins {
		l.reinforceRecovery(entry, win)
	}

	entry.UpdatedAt = now

	if err := l.store.Save(ctx, entry); err != nil {
		l.logger.Warn("Failed to flush knowledge entry; learning from this run is lost.",
			zap.String("key", s.key.String()), zap.Error(err))
		return fmt.Errorf("knowledge store flush failed: %w", err)
	}

	l.logger.Debug("Learning session completed.",
		zap.String("execution_id", executionID),
		zap.String("key", s.key.String()),
		zap.String("status", string(result.Status)))
	return nil
}

// promoteSequence adds (or reinforces) the run's successful action sequence,
// evicting the least-reinforced sequence beyond capacity.
func (l *Learner) promoteSequence(entry *schemas.KnowledgeEntry, records []schemas.ActionRecord, now time.Time) {
	steps := abstractSteps(records)
	if len(steps) == 0 {
		return
	}

	for i := range entry.Sequences {
		if equalSteps(entry.Sequences[i].Steps, steps) {
			entry.Sequences[i].Reinforcement++
			entry.Sequences[i].LastSeen = now
			return
		}
	}

	entry.Sequences = append(entry.Sequences, schemas.SuccessfulSequence{
		Steps:         steps,
		Reinforcement: 1,
		LastSeen:      now,
	})

	if len(entry.Sequences) > l.cfg.MaxSequences {
		weakest := 0
		for i := range entry.Sequences {
			if entry.Sequences[i].Reinforcement < entry.Sequences[weakest].Reinforcement ||
				(entry.Sequences[i].Reinforcement == entry.Sequences[weakest].Reinforcement &&
					entry.Sequences[i].LastSeen.Before(entry.Sequences[weakest].LastSeen)) {
				weakest = i
			}
		}
		entry.Sequences = append(entry.Sequences[:weakest], entry.Sequences[weakest+1:]...)
	}
}

// recordFailure increments the count for the terminal failing-action
// signature of an unsuccessful run.
func (l *Learner) recordFailure(entry *schemas.KnowledgeEntry, records []schemas.ActionRecord) {
	sig := terminalSignature(records)
	if sig == "" {
		return
	}

	for i := range entry.Failures {
		if entry.Failures[i].Signature == sig {
			entry.Failures[i].Count++
			return
		}
	}

	entry.Failures = append(entry.Failures, schemas.FailurePattern{Signature: sig, Count: 1})

	if len(entry.Failures) > l.cfg.MaxFailures {
		weakest := 0
		for i := range entry.Failures {
			if entry.Failures[i].Count < entry.Failures[weakest].Count {
				weakest = i
			}
		}
		entry.Failures = append(entry.Failures[:weakest], entry.Failures[weakest+1:]...)
	}
}

// reinforceRecovery bumps the matching strategy or creates it with count 1.
// A WAIT probe that worked also ratchets up the site's minimum settle quirk.
func (l *Learner) reinforceRecovery(entry *schemas.KnowledgeEntry, win recoveryWin) {
	for i := range entry.Recoveries {
		r := &entry.Recoveries[i]
		if r.StuckSignature == win.stuckSig && r.Probe.Type == win.probe.Type &&
			r.Probe.Target == win.probe.Target && r.Probe.Value == win.probe.Value {
			r.SuccessCount++
			l.maybeLearnSettle(entry, win.probe)
			return
		}
	}

	entry.Recoveries = append(entry.Recoveries, schemas.RecoveryStrategy{
		StuckSignature: win.stuckSig,
		Probe:          win.probe,
		SuccessCount:   1,
	})
	l.maybeLearnSettle(entry, win.probe)

	if len(entry.Recoveries) > l.cfg.MaxRecoveries {
		weakest := 0
		for i := range entry.Recoveries {
			if entry.Recoveries[i].SuccessCount < entry.Recoveries[weakest].SuccessCount {
				weakest = i
			}
		}
		entry.Recoveries = append(entry.Recoveries[:weakest], entry.Recoveries[weakest+1:]...)
	}
}

// maybeLearnSettle records that this site needs time to settle when a pure
// wait probe is what broke a stall.
func (l *Learner) maybeLearnSettle(entry *schemas.KnowledgeEntry, probe schemas.Decision) {
	if probe.Type != schemas.ActionWait {
		return
	}
	if d, err := time.ParseDuration(probe.Value); err == nil && d > entry.Quirks.MinSettle {
		entry.Quirks.MinSettle = d
	}
}

// lockFor returns the per-key mutex, creating it on first use. Caller must
// hold l.mu. A nil session yields a throwaway lock.
func (l *Learner) lockFor(s *session) *sync.Mutex {
	if s == nil {
		return &sync.Mutex{}
	}
	k := s.key.String()
	if _, ok := l.keyLocks[k]; !ok {
		l.keyLocks[k] = &sync.Mutex{}
	}
	return l.keyLocks[k]
}

// KeyFor derives the knowledge key for a task: entry-point host crossed with
// the goal's intent category.
func KeyFor(task schemas.Task) (schemas.KnowledgeKey, error) {
	u, err := url.Parse(task.EntryURL)
	if err != nil || u.Hostname() == "" {
		return schemas.KnowledgeKey{}, fmt.Errorf("cannot derive knowledge key from entry URL %q", task.EntryURL)
	}
	return schemas.KnowledgeKey{
		Host:     u.Hostname(),
		Category: verifier.Classify(task.Goal),
	}, nil
}

// abstractSteps projects executed records onto the value-free sequence form.
// Probes and rejected or failed actions are dropped; they are incident
// response, not the workflow.
func abstractSteps(records []schemas.ActionRecord) []schemas.SequenceStep {
	steps := make([]schemas.SequenceStep, 0, len(records))
	for _, r := range records {
		if r.Probe || r.Outcome != schemas.OutcomeSuccess {
			continue
		}
		steps = append(steps, schemas.SequenceStep{Type: r.Type, Target: r.Target})
	}
	return steps
}

func equalSteps(a, b []schemas.SequenceStep) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// terminalSignature is the signature of the last failed action, or of the
// last action overall when none failed outright.
func terminalSignature(records []schemas.ActionRecord) string {
	for i := len(records) - 1; i >= 0; i-- {
		if records[i].Outcome == schemas.OutcomeFailed {
			return records[i].Signature()
		}
	}
	if len(records) > 0 {
		return records[len(records)-1].Signature()
	}
	return ""
}
