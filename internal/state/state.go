// Package state persists a ledger of merge runs in SQLite. Every merge
// records what was asked for, how far it got, and how long each output
// tensor took, so past runs can be inspected after the fact.
package state

import "time"

// RunStatus is the lifecycle state of a merge run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// MergeRun is one recorded invocation of the merge pipeline.
type MergeRun struct {
	ID         string
	Method     string
	OutPath    string
	Status     RunStatus
	TotalTasks int
	// Tensors is the number of output tensors recorded so far.
	Tensors     int
	StartedAt   time.Time
	CompletedAt *time.Time
	Error       string
}

// TensorStatus records how one output tensor finished.
type TensorStatus string

const (
	TensorStatusSaved TensorStatus = "saved"
	// TensorStatusSkipped marks an optional weight that was absent from
	// every input model.
	TensorStatusSkipped TensorStatus = "skipped"
	TensorStatusFailed  TensorStatus = "failed"
)

// TensorRun is the per-tensor detail row of a merge run.
type TensorRun struct {
	RunID        string
	Tensor       string
	Status       TensorStatus
	Milliseconds int64
}
