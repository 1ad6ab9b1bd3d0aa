package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"veritas.evalgo.org/common"
	"veritas.evalgo.org/db"
)

// RunJanitor periodically sweeps for RUNNING workflows that have not been
// touched for stuckAfter. A stuck workflow's current stage tasks were lost
// somewhere between publish and completion; the sweep republishes them with
// a bumped attempt number, or fails the workflow with STAGE_TIMEOUT once
// the stage's attempt budget is spent.
func (o *Orchestrator) RunJanitor(ctx context.Context, interval, stuckAfter time.Duration) error {
	if interval == 0 {
		interval = time.Minute
	}
	if stuckAfter == 0 {
		stuckAfter = 15 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	o.logger.WithFields(logrus.Fields{
		"interval":    interval,
		"stuck_after": stuckAfter,
	}).Info("Janitor sweep started")

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := o.Sweep(ctx, stuckAfter); err != nil {
				o.logger.WithError(err).Error("Janitor sweep failed")
			}
		}
	}
}

// Sweep runs one pass over stuck workflows.
func (o *Orchestrator) Sweep(ctx context.Context, stuckAfter time.Duration) error {
	stuck, err := o.store.ListStuck(time.Now().UTC().Add(-stuckAfter))
	if err != nil {
		return fmt.Errorf("failed to list stuck workflows: %w", err)
	}

	for _, record := range stuck {
		if err := o.rescue(ctx, record); err != nil {
			o.logger.WithError(err).WithField("correlation_id", record.CorrelationID).Error("Failed to rescue stuck workflow")
		}
	}
	return nil
}

// rescue republishes or fails one stuck workflow under compare-and-set. A
// version conflict means the workflow moved on its own; nothing to do then.
func (o *Orchestrator) rescue(ctx context.Context, record *db.WorkflowRecord) error {
	log := o.logger.WithFields(logrus.Fields{
		"correlation_id": record.CorrelationID,
		"stage":          record.CurrentStage(),
	})

	stage, ok := o.registry.Stage(record.CurrentStage())
	if !ok {
		return o.failStuck(record, fmt.Sprintf("stuck on unregistered stage %q", record.CurrentStage()))
	}

	next := record.Clone()
	ensureMaps(next)

	attempts := next.AttemptsPerStage[stage.Name]
	if attempts >= stage.MaxAttempts {
		log.WithField("attempts", attempts).Warn("Stuck workflow exhausted its attempt budget")
		return o.failStuck(record, fmt.Sprintf("stage %s produced no completion after %d attempts", stage.Name, attempts))
	}

	next.AttemptsPerStage[stage.Name] = attempts + 1
	tasks := o.outstandingTasks(next, stage)

	err := o.store.CompareAndSet(next.CorrelationID, record.Version, next)
	if errors.Is(err, db.ErrConflict) {
		log.Debug("Stuck workflow moved on its own, skipping")
		return nil
	}
	if err != nil {
		return err
	}

	log.WithFields(logrus.Fields{
		"tasks":   len(tasks),
		"attempt": attempts + 2,
	}).Info("Republishing tasks for stuck workflow")
	o.publishAll(ctx, tasks, false)
	return nil
}

// failStuck marks a stuck workflow FAILED with STAGE_TIMEOUT.
func (o *Orchestrator) failStuck(record *db.WorkflowRecord, message string) error {
	next := record.Clone()
	next.Status = db.StatusFailed
	next.LastError = &db.LastError{
		Stage:   record.CurrentStage(),
		Kind:    string(common.KindStageTimeout),
		Message: message,
	}

	err := o.store.CompareAndSet(next.CorrelationID, record.Version, next)
	if errors.Is(err, db.ErrConflict) {
		return nil
	}
	return err
}

// outstandingTasks rebuilds the task messages still owed by the current
// stage. Under PER_ITEM, children whose results already arrived are skipped.
func (o *Orchestrator) outstandingTasks(record *db.WorkflowRecord, stage StageDescriptor) []outbound {
	attempt := record.AttemptsPerStage[stage.Name] + 1
	source := stageSource(record)

	if stage.FanOut == FanOutPerItem {
		results := childResults(record)
		var tasks []outbound
		for _, item := range stringList(source[stage.ItemsKey]) {
			if _, done := results[item]; done {
				continue
			}
			tasks = append(tasks, outbound{
				routingKey: stage.RoutingKey,
				msg: &common.TaskMessage{
					SchemaVersion: common.SchemaVersion,
					CorrelationID: record.CorrelationID,
					Task:          stage.Name,
					Attempt:       attempt,
					ChildKey:      item,
					Payload:       map[string]interface{}{stage.ItemField: item},
				},
			})
		}
		return tasks
	}

	return []outbound{{
		routingKey: stage.RoutingKey,
		msg: &common.TaskMessage{
			SchemaVersion: common.SchemaVersion,
			CorrelationID: record.CorrelationID,
			Task:          stage.Name,
			Attempt:       attempt,
			Payload:       source,
		},
	}}
}
