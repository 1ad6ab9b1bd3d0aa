// Package orchestrator implements the workflow state machine: it creates
// workflow records, consumes completion messages, advances workflows stage
// by stage with fan-out accounting, retries failed tasks and rescues stuck
// workflows with a periodic janitor sweep.
//
// Routing authority lives here exclusively. Workers report produced_by on
// their completions and never choose the next queue.
package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"veritas.evalgo.org/common"
	"veritas.evalgo.org/queue"
)

// FanOut selects how many downstream tasks a stage produces.
type FanOut int

const (
	// FanOutUnit publishes exactly one task for the stage.
	FanOutUnit FanOut = iota

	// FanOutPerItem publishes one task per item in the previous stage's
	// output list.
	FanOutPerItem
)

// StageDescriptor describes one named pipeline step.
type StageDescriptor struct {
	// Name is the canonical stage name (extraction, transformation,
	// verification).
	Name string

	// RoutingKey is published to when the workflow enters this stage.
	RoutingKey string

	// FanOut selects UNIT or PER_ITEM task production.
	FanOut FanOut

	// ItemsKey names the stage-output list enumerated under PER_ITEM.
	ItemsKey string

	// ItemField names the task payload field each item is published as.
	ItemField string

	// MaxAttempts is the per-stage attempt budget.
	MaxAttempts int

	// Timeout is the deadline for a single task attempt.
	Timeout time.Duration
}

// Registry maps workflow types to stage lists and stage names to their
// descriptors. The table is static; stages are immutable after a workflow
// is created.
type Registry struct {
	stages    map[string]StageDescriptor
	workflows map[string][]string
}

// NewRegistry builds the standard pipeline table.
func NewRegistry(maxAttempts int, stageTimeout time.Duration) *Registry {
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	if stageTimeout == 0 {
		stageTimeout = 5 * time.Minute
	}

	return &Registry{
		stages: map[string]StageDescriptor{
			common.StageExtraction: {
				Name:        common.StageExtraction,
				RoutingKey:  queue.KeyExtraction,
				FanOut:      FanOutUnit,
				MaxAttempts: maxAttempts,
				Timeout:     stageTimeout,
			},
			common.StageTransformation: {
				Name:        common.StageTransformation,
				RoutingKey:  queue.KeyTransformation,
				FanOut:      FanOutPerItem,
				ItemsKey:    "article_ids",
				ItemField:   "article_id",
				MaxAttempts: maxAttempts,
				Timeout:     stageTimeout,
			},
			common.StageVerification: {
				Name:        common.StageVerification,
				RoutingKey:  queue.KeyVerification,
				FanOut:      FanOutUnit,
				MaxAttempts: maxAttempts,
				Timeout:     stageTimeout,
			},
		},
		workflows: map[string][]string{
			"extract":           {common.StageExtraction},
			"extract_transform": {common.StageExtraction, common.StageTransformation},
			"transform_only":    {common.StageTransformation},
			"verify":            {common.StageVerification},
		},
	}
}

// ErrUnknownWorkflowType is returned for workflow types outside the table.
// The API maps it to a 400 response.
var ErrUnknownWorkflowType = errors.New("unknown workflow type")

// Stages resolves a workflow type to its ordered stage list.
func (r *Registry) Stages(workflowType string) ([]string, error) {
	stages, ok := r.workflows[workflowType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownWorkflowType, workflowType)
	}
	out := make([]string, len(stages))
	copy(out, stages)
	return out, nil
}

// Stage returns the descriptor for a stage name.
func (r *Registry) Stage(name string) (StageDescriptor, bool) {
	stage, ok := r.stages[name]
	return stage, ok
}

// WorkflowTypes lists the supported workflow type names.
func (r *Registry) WorkflowTypes() []string {
	types := make([]string, 0, len(r.workflows))
	for name := range r.workflows {
		types = append(types, name)
	}
	return types
}
