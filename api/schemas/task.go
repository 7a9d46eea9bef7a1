// api/schemas/task.go
package schemas

import (
	"time"
)

// TaskStatus tracks a task through the scheduler's lifecycle. Transitions are
// one-way: Queued -> Running -> {Completed | Failed | Cancelled}.
type TaskStatus string

const (
	TaskQueued    TaskStatus = "QUEUED"    // Accepted but waiting for an execution slot.
	TaskRunning   TaskStatus = "RUNNING"   // An orchestrator is actively driving the task.
	TaskCompleted TaskStatus = "COMPLETED" // Execution finished and was scored by the verifier.
	TaskFailed    TaskStatus = "FAILED"    // A fatal error aborted execution before scoring could certify success.
	TaskCancelled TaskStatus = "CANCELLED" // Cancelled by the caller, either while queued or at a step boundary.
)

// Task is the unit of work the scheduler admits and the orchestrator executes.
// It carries the natural-language goal, the entry point into the target site,
// and the budgets that bound execution.
type Task struct {
	ID          string        `json:"id"`        // Unique identifier, assigned at submission.
	Goal        string        `json:"goal"`      // Natural-language description of what to accomplish.
	EntryURL    string        `json:"entry_url"` // URL where execution begins.
	MaxSteps    int           `json:"max_steps"` // Hard cap on orchestration steps.
	Timeout     time.Duration `json:"timeout"`   // Wall-clock budget for the whole task.
	Status      TaskStatus    `json:"status"`    // Current lifecycle state.
	SubmittedAt time.Time     `json:"submitted_at"`
	StartedAt   time.Time     `json:"started_at,omitempty"`
	FinishedAt  time.Time     `json:"finished_at,omitempty"`
}
