package model

import (
	"slices"
	"time"
)

// Checkpoint records step progress for a long-running multi-step operation
// so it can resume after a crash. One checkpoint exists per operation,
// merge-updated after each step.
type Checkpoint struct {
	// OperationID identifies the logical long-running operation.
	OperationID string `json:"operationId"`

	// Step is the most recently completed step.
	Step string `json:"step"`

	// CompletedSteps lists every completed step in the order the caller
	// saved them. The set only grows and never holds duplicates.
	CompletedSteps []string `json:"completedSteps"`

	// Data is a key/value snapshot merged across saves, available to the
	// resuming caller.
	Data map[string]any `json:"data"`

	// LastUpdated is stamped on every save and drives cleanup cutoffs.
	LastUpdated time.Time `json:"lastUpdated"`
}

// Completed reports whether the named step has already been recorded.
// Resuming callers skip steps for which this returns true; replaying a
// completed step must be idempotent at the business layer.
func (c *Checkpoint) Completed(step string) bool {
	return slices.Contains(c.CompletedSteps, step)
}

// MarkCompleted records the step, preserving order and uniqueness, and
// moves the working pointer to it.
func (c *Checkpoint) MarkCompleted(step string, now time.Time) {
	if !c.Completed(step) {
		c.CompletedSteps = append(c.CompletedSteps, step)
	}
	c.Step = step
	c.LastUpdated = now
}

// MergeData folds the given keys into the checkpoint data snapshot,
// overwriting existing keys.
func (c *Checkpoint) MergeData(data map[string]any) {
	if len(data) == 0 {
		return
	}
	if c.Data == nil {
		c.Data = make(map[string]any, len(data))
	}
	for k, v := range data {
		c.Data[k] = v
	}
}
