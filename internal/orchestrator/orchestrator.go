// internal/orchestrator/orchestrator.go
// The orchestrator drives one task end to end: it opens a browser session,
// alternates oracle decisions with recovery probes under the loop detector,
// records every attempt, and hands the finished history to the verifier. Its
// contract with the caller is that Run always produces a verification result
// over whatever was executed, even when the run died on a fatal error; the
// error reports why execution stopped, the result reports what the evidence
// supports.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/waypoint-cli/api/schemas"
	"github.com/xkilldash9x/waypoint-cli/internal/config"
	"github.com/xkilldash9x/waypoint-cli/internal/executor"
	"github.com/xkilldash9x/waypoint-cli/internal/loopdetect"
	"github.com/xkilldash9x/waypoint-cli/internal/oracle"
	"github.com/xkilldash9x/waypoint-cli/internal/verifier"
)

// Learner is the cross-run memory seam the orchestrator reports into. A nil
// or failed learner never affects task outcome.
type Learner interface {
	Start(ctx context.Context, task schemas.Task) (string, error)
	RecordAction(executionID string, rec schemas.ActionRecord)
	RecordRecoveryWin(executionID, stuckSignature string, probe schemas.Decision)
	Guidance(executionID string) schemas.Guidance
	Complete(ctx context.Context, executionID string, result schemas.VerificationResult) error
}

// Orchestrator executes tasks. It is safe for concurrent Run calls; all
// per-run state lives in the run struct.
type Orchestrator struct {
	cfg         config.OrchestratorConfig
	detectorCfg config.DetectorConfig
	lookback    int // History window sent to the oracle per decision.

	newSession executor.Factory
	oracle     oracle.Oracle
	verifier   *verifier.Verifier
	learner    Learner
	logger     *zap.Logger
}

// New wires an orchestrator from its collaborators.
func New(
	cfg config.OrchestratorConfig,
	detectorCfg config.DetectorConfig,
	oracleCfg config.OracleConfig,
	newSession executor.Factory,
	decide oracle.Oracle,
	verify *verifier.Verifier,
	learn Learner,
	logger *zap.Logger,
) *Orchestrator {
	lookback := oracleCfg.HistoryLookback
	if lookback <= 0 {
		lookback = 10
	}
	return &Orchestrator{
		cfg:         cfg,
		detectorCfg: detectorCfg,
		lookback:    lookback,
		newSession:  newSession,
		oracle:      decide,
		verifier:    verify,
		learner:     learn,
		logger:      logger.Named("orchestrator"),
	}
}

// run is the mutable state of one task execution.
type run struct {
	task    schemas.Task
	execID  string // Learner session; empty when learning is disabled for this run.
	session executor.Executor
	det     *loopdetect.Detector

	history  []schemas.ActionRecord
	lastSnap schemas.StateSnapshot
	initial  schemas.StateFingerprint
	started  time.Time
}

// Run executes the task to a terminal state and scores it. The returned
// result is always populated; a non-nil error means execution stopped on a
// fatal condition (oracle unreachable, unrecoverable loop, dead session) or
// cancellation rather than running its course. Hitting the wall-clock
// timeout is not fatal: the partial history is scored with its budget
// marked exceeded.
func (o *Orchestrator) Run(ctx context.Context, task schemas.Task) (schemas.VerificationResult, error) {
	timeout := task.Timeout
	if timeout <= 0 {
		timeout = o.cfg.TaskTimeout
	}
	parent := ctx
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := o.logger.With(zap.String("task_id", task.ID), zap.String("goal", task.Goal))
	log.Info("Task execution starting.", zap.String("entry_url", task.EntryURL))

	r := &run{
		task:    task,
		det:     loopdetect.New(o.detectorCfg, log),
		started: time.Now(),
	}

	if o.learner != nil {
		execID, err := o.learner.Start(ctx, task)
		if err != nil {
			log.Warn("Learning disabled for this run.", zap.Error(err))
		} else {
			r.execID = execID
		}
	}

	session, err := o.newSession(ctx)
	if err != nil {
		res := o.finish(r, false, log)
		return res, fmt.Errorf("failed to open browser session: %w", err)
	}
	r.session = session
	// Release the browser promptly even when ctx is already dead.
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		if cerr := session.Close(closeCtx); cerr != nil {
			log.Warn("Browser session close failed.", zap.Error(cerr))
		}
	}()

	fatal := o.loop(ctx, r, log)

	// A wall-clock expiry is budget evidence, not a failure: the verifier
	// scores whatever history exists. Cancellation from above stays fatal.
	timedOut := errors.Is(fatal, context.DeadlineExceeded) && parent.Err() == nil
	if timedOut {
		log.Info("Task timed out; scoring the partial history.",
			zap.Duration("timeout", timeout), zap.Int("steps_executed", len(r.history)))
		fatal = nil
	}

	budgetExceeded := fatal == nil &&
		(timedOut || (len(r.history) >= o.maxSteps(task) && !o.isDone(r)))
	res := o.finish(r, budgetExceeded, log)

	if fatal != nil {
		log.Warn("Task execution aborted.", zap.Error(fatal), zap.Int("steps_executed", len(r.history)))
		return res, fatal
	}
	log.Info("Task execution finished.",
		zap.Int("steps_executed", len(r.history)),
		zap.String("verdict", string(res.Status)),
		zap.Int("score", res.Score))
	return res, nil
}

// loop is the per-step state machine. It returns nil when execution ran to a
// terminal decision or exhausted its step budget, and the fatal error
// otherwise. Cancellation is honored at step boundaries only; an in-flight
// browser action is interrupted by the context it runs under.
func (o *Orchestrator) loop(ctx context.Context, r *run, log *zap.Logger) error {
	maxSteps := o.maxSteps(r.task)

	// The entry navigation is step 1 and seeds the initial fingerprint.
	entry := schemas.Decision{
		Type:      schemas.ActionNavigate,
		Target:    r.task.EntryURL,
		Rationale: "open the task entry point",
	}
	rec, err := o.execute(ctx, r, entry, false)
	if err != nil {
		return err
	}
	r.initial = rec.PostFingerprint
	if rec.Outcome != schemas.OutcomeSuccess {
		return fmt.Errorf("entry navigation failed with %s", rec.ErrorCode)
	}

	for len(r.history) < maxSteps {
		if err := ctx.Err(); err != nil {
			return err
		}

		var decision schemas.Decision
		probe := false

		if r.det.IsStuck() {
			stuckSig := r.det.StuckSignature()
			p, perr := r.det.NextProbe(o.guidance(r).Recoveries)
			if perr != nil {
				return perr
			}
			decision = p
			probe = true
			log.Info("Running recovery probe.",
				zap.String("probe_type", string(p.Type)),
				zap.String("stuck_signature", stuckSig))
		} else {
			d, derr := o.decide(ctx, r)
			if derr != nil {
				if errors.Is(derr, oracle.ErrMalformedResponse) {
					// A wasted step: record the rejection and keep going.
					o.observe(r, o.rejectedRecord(r, derr))
					continue
				}
				if errors.Is(derr, oracle.ErrUnavailable) {
					return derr
				}
				return fmt.Errorf("oracle decision failed: %w", derr)
			}
			decision = d
		}

		switch decision.Type {
		case schemas.ActionDone:
			log.Info("Oracle declared the goal reached.", zap.String("rationale", decision.Rationale))
			o.observe(r, o.terminalRecord(r, decision))
			return nil
		case schemas.ActionFail:
			log.Warn("Oracle declared the goal unreachable.", zap.String("rationale", decision.Rationale))
			o.observe(r, o.terminalRecord(r, decision))
			return nil
		}

		stuckSig := r.det.StuckSignature()
		rec, err := o.execute(ctx, r, decision, probe)
		if err != nil {
			return err
		}

		if probe && rec.ChangedState() && r.execID != "" {
			o.learner.RecordRecoveryWin(r.execID, stuckSig, decision)
		}
	}
	return nil
}

// decide asks the oracle for the next action over the trimmed history and
// current guidance.
func (o *Orchestrator) decide(ctx context.Context, r *run) (schemas.Decision, error) {
	history := r.history
	if len(history) > o.lookback {
		history = history[len(history)-o.lookback:]
	}
	return o.oracle.Decide(ctx, oracle.Request{
		Goal:     r.task.Goal,
		Snapshot: r.lastSnap,
		History:  history,
		Guidance: o.guidance(r),
	})
}

func (o *Orchestrator) guidance(r *run) schemas.Guidance {
	if r.execID == "" {
		return schemas.Guidance{}
	}
	return o.learner.Guidance(r.execID)
}

// execute performs one decision against the session, retrying a missed
// element once with text-based targeting, and folds the outcome into the
// history, the detector and the learner. Only a dead session or cancellation
// is returned as an error.
func (o *Orchestrator) execute(ctx context.Context, r *run, d schemas.Decision, probe bool) (schemas.ActionRecord, error) {
	pre := r.lastSnap.Fingerprint

	snap, err := o.perform(ctx, r, d, executor.CSS(d.Target))
	if err != nil && executor.CodeOf(err) == executor.ErrCodeElementNotFound && retriable(d.Type) {
		o.logger.Debug("Element not found, retrying with text targeting.",
			zap.String("task_id", r.task.ID), zap.String("target", d.Target))
		snap, err = o.perform(ctx, r, d, executor.Text(d.Target))
	}

	rec := schemas.ActionRecord{
		Step:           len(r.history) + 1,
		Type:           d.Type,
		Target:         d.Target,
		Value:          d.Value,
		Probe:          probe,
		PreFingerprint: pre,
		Timestamp:      time.Now().UTC(),
	}

	if err != nil {
		if errors.Is(err, executor.ErrSessionClosed) {
			return rec, executor.ErrSessionClosed
		}
		if ctx.Err() != nil {
			return rec, ctx.Err()
		}
		rec.Outcome = schemas.OutcomeFailed
		rec.ErrorCode = string(executor.CodeOf(err))
		// Best-effort post-failure state; the page may well have moved.
		if after, rerr := r.session.ReadState(ctx); rerr == nil {
			snap = after
		} else {
			snap = r.lastSnap
		}
	} else {
		rec.Outcome = schemas.OutcomeSuccess
		// Sites with a learned settle quirk get extra time before the
		// post-action state is trusted.
		if settle := o.guidance(r).Quirks.MinSettle; settle > 0 && d.Type != schemas.ActionWait {
			if werr := r.session.Wait(ctx, settle); werr == nil {
				if after, rerr := r.session.ReadState(ctx); rerr == nil {
					snap = after
				}
			}
		}
	}

	rec.PostFingerprint = snap.Fingerprint
	rec.PageExcerpt = snap.VisibleText
	r.lastSnap = snap

	o.observe(r, rec)
	return rec, nil
}

// perform dispatches a decision to the matching executor primitive.
func (o *Orchestrator) perform(ctx context.Context, r *run, d schemas.Decision, loc executor.Locator) (schemas.StateSnapshot, error) {
	switch d.Type {
	case schemas.ActionNavigate:
		return r.session.Navigate(ctx, d.Target)
	case schemas.ActionBack:
		return r.session.NavigateBack(ctx)
	case schemas.ActionClick:
		return r.session.Click(ctx, loc)
	case schemas.ActionTypeText:
		return r.session.TypeText(ctx, loc, d.Value)
	case schemas.ActionKeyboard:
		return r.session.SendKeys(ctx, d.Value)
	case schemas.ActionWait:
		if err := r.session.Wait(ctx, loopdetect.ProbeDelay(d)); err != nil {
			return schemas.StateSnapshot{}, err
		}
		return r.session.ReadState(ctx)
	default:
		return schemas.StateSnapshot{}, fmt.Errorf("unexecutable action type %q", d.Type)
	}
}

// observe appends a record to the history and fans it out to the detector and
// the learner.
func (o *Orchestrator) observe(r *run, rec schemas.ActionRecord) {
	r.history = append(r.history, rec)
	r.det.Observe(rec)
	if r.execID != "" {
		o.learner.RecordAction(r.execID, rec)
	}
}

// rejectedRecord charges a malformed oracle response against the step budget.
func (o *Orchestrator) rejectedRecord(r *run, err error) schemas.ActionRecord {
	return schemas.ActionRecord{
		Step:            len(r.history) + 1,
		Outcome:         schemas.OutcomeRejected,
		ErrorCode:       "MALFORMED_DECISION",
		PreFingerprint:  r.lastSnap.Fingerprint,
		PostFingerprint: r.lastSnap.Fingerprint,
		Timestamp:       time.Now().UTC(),
	}
}

// terminalRecord captures a DONE or FAIL declaration in the history so the
// verifier sees how the run ended.
func (o *Orchestrator) terminalRecord(r *run, d schemas.Decision) schemas.ActionRecord {
	return schemas.ActionRecord{
		Step:            len(r.history) + 1,
		Type:            d.Type,
		Outcome:         schemas.OutcomeSuccess,
		PreFingerprint:  r.lastSnap.Fingerprint,
		PostFingerprint: r.lastSnap.Fingerprint,
		PageExcerpt:     r.lastSnap.VisibleText,
		Timestamp:       time.Now().UTC(),
	}
}

// finish scores the run and closes the learning session.
func (o *Orchestrator) finish(r *run, budgetExceeded bool, log *zap.Logger) schemas.VerificationResult {
	res := o.verifier.Score(verifier.Input{
		TaskID:             r.task.ID,
		Goal:               r.task.Goal,
		History:            r.history,
		InitialFingerprint: r.initial,
		FinalFingerprint:   r.lastSnap.Fingerprint,
		Elapsed:            time.Since(r.started),
		BudgetExceeded:     budgetExceeded,
	})

	if r.execID != "" {
		// Flush on a fresh context so an expired task deadline cannot lose
		// the run's learning.
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer flushCancel()
		if err := o.learner.Complete(flushCtx, r.execID, res); err != nil {
			log.Warn("Learning flush failed; task outcome unaffected.", zap.Error(err))
		}
	}
	return res
}

func (o *Orchestrator) maxSteps(task schemas.Task) int {
	if task.MaxSteps > 0 {
		return task.MaxSteps
	}
	return o.cfg.MaxSteps
}

// isDone reports whether the history ended on a terminal declaration.
func (o *Orchestrator) isDone(r *run) bool {
	if len(r.history) == 0 {
		return false
	}
	last := r.history[len(r.history)-1].Type
	return last == schemas.ActionDone || last == schemas.ActionFail
}

func retriable(t schemas.ActionType) bool {
	return t == schemas.ActionClick || t == schemas.ActionTypeText
}
