// internal/loopdetect/detector.go
// The loop detector watches a single task's action history for non-progress
// and drives bounded recovery probing. It is an explicit finite-state machine:
//
//	Normal -> Stuck -> Recovering -> Normal        (a probe changed the state)
//	                              -> Unrecoverable (probe budget exhausted)
//
// A detector instance belongs to exactly one orchestrator run and is not safe
// for concurrent use.
package loopdetect

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/xkilldash9x/waypoint-cli/api/schemas"
	"github.com/xkilldash9x/waypoint-cli/internal/config"
)

// Phase is the detector's position in its state machine.
type Phase string

const (
	PhaseNormal        Phase = "NORMAL"
	PhaseStuck         Phase = "STUCK"
	PhaseRecovering    Phase = "RECOVERING"
	PhaseUnrecoverable Phase = "UNRECOVERABLE"
)

// ErrUnrecoverable is returned once the probe budget is exhausted without a
// fingerprint change. The orchestrator aborts the task on it.
var ErrUnrecoverable = errors.New("loop recovery probes exhausted without a state change")

// genericProbes is the fallback sequence applied when no learned strategy
// matches: a keyboard-shortcut probe, a short wait-and-retry, then backward
// navigation.
var genericProbes = []schemas.Decision{
	{Type: schemas.ActionKeyboard, Value: "Escape", Rationale: "generic probe: dismiss overlay"},
	{Type: schemas.ActionWait, Value: "2s", Rationale: "generic probe: let pending work settle"},
	{Type: schemas.ActionBack, Rationale: "generic probe: back out of a dead end"},
}

// Detector implements the stall FSM for one task execution.
type Detector struct {
	cfg    config.DetectorConfig
	logger *zap.Logger

	phase  Phase
	window []schemas.StateFingerprint // Recent post-action fingerprints, newest last.

	// Counters since the last observed fingerprint change.
	sigCounts    map[string]int
	distinctSigs map[string]struct{}

	probesUsed  int
	triedProbes map[string]bool
	stuckSig    string // Signature frozen at the moment the stall was flagged.
}

// New builds a detector with defaults filled in for unset config values.
func New(cfg config.DetectorConfig, logger *zap.Logger) *Detector {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 8
	}
	if cfg.RepeatLimit <= 0 {
		cfg.RepeatLimit = 2
	}
	if cfg.ProbeBudget <= 0 {
		cfg.ProbeBudget = 2
	}
	if cfg.MinDistinct <= 0 {
		cfg.MinDistinct = 2
	}
	return &Detector{
		cfg:          cfg,
		logger:       logger.Named("loop_detector"),
		phase:        PhaseNormal,
		sigCounts:    make(map[string]int),
		distinctSigs: make(map[string]struct{}),
		triedProbes:  make(map[string]bool),
	}
}

// Phase returns the detector's current state.
func (d *Detector) Phase() Phase { return d.phase }

// StuckSignature is the (type, target) signature of the action held
// responsible for the stall. Valid once IsStuck has returned true.
func (d *Detector) StuckSignature() string { return d.stuckSig }

// Observe feeds one completed action record into the detector. A fingerprint
// change resets the stall counters; while recovering it also closes the
// recovery episode successfully.
func (d *Detector) Observe(rec schemas.ActionRecord) {
	if d.phase == PhaseUnrecoverable {
		return
	}

	if rec.ChangedState() {
		d.resetCounters()
		if d.phase == PhaseStuck || d.phase == PhaseRecovering {
			d.logger.Debug("State changed, recovery complete.", zap.Int("probes_used", d.probesUsed))
			d.endEpisode()
		}
		d.window = d.window[:0]
		d.window = append(d.window, rec.PostFingerprint)
		return
	}

	sig := rec.Signature()
	d.sigCounts[sig]++
	d.distinctSigs[sig] = struct{}{}

	d.window = append(d.window, rec.PostFingerprint)
	if len(d.window) > d.cfg.WindowSize {
		d.window = d.window[1:]
	}
}

// IsStuck reports whether the execution has stopped making progress. It fires
// when either the last WindowSize fingerprints are identical despite at least
// MinDistinct distinct action attempts, or the same (type, target) pair has
// repeated RepeatLimit times since the last fingerprint change.
func (d *Detector) IsStuck() bool {
	switch d.phase {
	case PhaseUnrecoverable:
		return true
	case PhaseStuck, PhaseRecovering:
		return true
	}

	if sig, n := d.maxRepeat(); n >= d.cfg.RepeatLimit {
		d.flagStuck(sig, fmt.Sprintf("same action repeated %d times without effect", n))
		return true
	}

	if len(d.window) >= d.cfg.WindowSize && d.windowFrozen() && len(d.distinctSigs) >= d.cfg.MinDistinct {
		sig, _ := d.maxRepeat()
		d.flagStuck(sig, fmt.Sprintf("%d consecutive unchanged fingerprints across %d distinct actions",
			len(d.window), len(d.distinctSigs)))
		return true
	}
	return false
}

// NextProbe selects the next recovery action: the highest-success-count
// learned strategy matching the stuck signature that has not been tried this
// episode, falling back to the generic probe list. It returns
// ErrUnrecoverable once the probe budget is spent.
func (d *Detector) NextProbe(strategies []schemas.RecoveryStrategy) (schemas.Decision, error) {
	if d.phase == PhaseUnrecoverable {
		return schemas.Decision{}, ErrUnrecoverable
	}
	if d.probesUsed >= d.cfg.ProbeBudget {
		d.phase = PhaseUnrecoverable
		d.logger.Warn("Probe budget exhausted, escalating.",
			zap.Int("budget", d.cfg.ProbeBudget),
			zap.String("stuck_signature", d.stuckSig))
		return schemas.Decision{}, ErrUnrecoverable
	}

	d.phase = PhaseRecovering
	d.probesUsed++

	if probe, ok := d.bestStrategy(strategies); ok {
		d.triedProbes[probeKey(probe)] = true
		d.logger.Info("Applying learned recovery probe.",
			zap.String("stuck_signature", d.stuckSig),
			zap.String("probe_type", string(probe.Type)))
		return probe, nil
	}

	for _, probe := range genericProbes {
		if d.triedProbes[probeKey(probe)] {
			continue
		}
		d.triedProbes[probeKey(probe)] = true
		d.logger.Info("Applying generic recovery probe.",
			zap.String("stuck_signature", d.stuckSig),
			zap.String("probe_type", string(probe.Type)))
		return probe, nil
	}

	// Every candidate was already tried; treat as budget exhaustion.
	d.phase = PhaseUnrecoverable
	return schemas.Decision{}, ErrUnrecoverable
}

// bestStrategy picks the untried matching strategy with the highest success
// count.
func (d *Detector) bestStrategy(strategies []schemas.RecoveryStrategy) (schemas.Decision, bool) {
	best := -1
	var probe schemas.Decision
	for _, s := range strategies {
		if s.StuckSignature != d.stuckSig {
			continue
		}
		if d.triedProbes[probeKey(s.Probe)] {
			continue
		}
		if s.SuccessCount > best {
			best = s.SuccessCount
			probe = s.Probe
		}
	}
	return probe, best >= 0
}

func (d *Detector) flagStuck(sig, why string) {
	d.phase = PhaseStuck
	d.stuckSig = sig
	d.logger.Warn("Execution appears stuck.",
		zap.String("signature", sig),
		zap.String("trigger", why))
}

func (d *Detector) maxRepeat() (string, int) {
	var sig string
	max := 0
	for s, n := range d.sigCounts {
		if n > max {
			sig, max = s, n
		}
	}
	return sig, max
}

func (d *Detector) windowFrozen() bool {
	for i := 1; i < len(d.window); i++ {
		if !d.window[i].Equal(d.window[0]) {
			return false
		}
	}
	return true
}

func (d *Detector) resetCounters() {
	d.sigCounts = make(map[string]int)
	d.distinctSigs = make(map[string]struct{})
}

func (d *Detector) endEpisode() {
	d.phase = PhaseNormal
	d.probesUsed = 0
	d.triedProbes = make(map[string]bool)
	d.stuckSig = ""
}

// probeKey identifies a probe for per-episode dedup.
func probeKey(p schemas.Decision) string {
	return string(p.Type) + "|" + p.Target + "|" + p.Value
}

// ProbeDelay parses a WAIT probe's value into a duration, defaulting to two
// seconds when absent or invalid.
func ProbeDelay(p schemas.Decision) time.Duration {
	if p.Type != schemas.ActionWait || p.Value == "" {
		return 2 * time.Second
	}
	d, err := time.ParseDuration(p.Value)
	if err != nil || d <= 0 {
		return 2 * time.Second
	}
	return d
}
