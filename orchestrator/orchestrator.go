package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"veritas.evalgo.org/common"
	"veritas.evalgo.org/db"
	"veritas.evalgo.org/queue"
)

// Config holds the orchestrator dependencies and tunables.
type Config struct {
	// Bus is the shared message bus client
	Bus *queue.Bus

	// Store is the durable workflow store
	Store *db.WorkflowStore

	// Registry is the workflow type table
	Registry *Registry

	// RetryBackoff delays the republish of a retried task (default 5s)
	RetryBackoff time.Duration

	// CASRetries bounds the reload-and-retry loop on version conflicts
	// (default 5)
	CASRetries int

	// Logger for orchestrator events
	Logger *logrus.Entry
}

// Orchestrator owns the workflow state machine. It is the only writer of
// workflow records and the only component that decides routing: workers
// report what they produced and the orchestrator picks the next queue.
type Orchestrator struct {
	bus      *queue.Bus
	store    *db.WorkflowStore
	registry *Registry
	logger   *logrus.Entry

	retryBackoff time.Duration
	casRetries   int

	wg sync.WaitGroup
}

// New creates an orchestrator.
func New(config Config) *Orchestrator {
	if config.RetryBackoff == 0 {
		config.RetryBackoff = 5 * time.Second
	}
	if config.CASRetries == 0 {
		config.CASRetries = 5
	}
	logger := config.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Orchestrator{
		bus:          config.Bus,
		store:        config.Store,
		registry:     config.Registry,
		logger:       logger.WithField("component", "orchestrator"),
		retryBackoff: config.RetryBackoff,
		casRetries:   config.CASRetries,
	}
}

// outbound is one task ready to be published.
type outbound struct {
	routingKey string
	msg        *common.TaskMessage
}

// StartWorkflow creates a workflow record and publishes its first stage
// task(s). The record is created before publishing; if the publish cannot be
// confirmed the creation is rolled back and ErrBusUnavailable is returned so
// the caller can report the request as not accepted.
//
// A non-empty idempotencyKey makes creation replay-safe: a key seen before
// returns the correlation id of the workflow it originally created.
func (o *Orchestrator) StartWorkflow(ctx context.Context, workflowType string, payload map[string]interface{}, idempotencyKey string) (string, error) {
	stages, err := o.registry.Stages(workflowType)
	if err != nil {
		return "", err
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}

	correlationID := uuid.New().String()

	if idempotencyKey != "" {
		existing, err := o.store.PutIdempotencyKey(idempotencyKey, correlationID)
		if errors.Is(err, db.ErrConflict) {
			o.logger.WithFields(logrus.Fields{
				"idempotency_key": idempotencyKey,
				"correlation_id":  existing,
			}).Info("Replayed workflow creation")
			return existing, nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to store idempotency key: %w", err)
		}
	}

	record := &db.WorkflowRecord{
		CorrelationID:    correlationID,
		Stages:           stages,
		CurrentIndex:     0,
		InitialPayload:   payload,
		StageOutput:      map[string]interface{}{},
		Status:           db.StatusRunning,
		AttemptsPerStage: map[string]int{},
	}

	tasks, err := o.enterStage(record)
	if err != nil {
		return "", err
	}

	if err := o.store.Create(record); err != nil {
		return "", fmt.Errorf("failed to create workflow record: %w", err)
	}

	for _, task := range tasks {
		if err := o.publish(ctx, task); err != nil {
			// Roll back so a failed accept leaves no trace.
			if delErr := o.store.Delete(correlationID); delErr != nil {
				o.logger.WithError(delErr).WithField("correlation_id", correlationID).Error("Failed to roll back workflow record")
			}
			if idempotencyKey != "" {
				if delErr := o.store.DeleteIdempotencyKey(idempotencyKey); delErr != nil {
					o.logger.WithError(delErr).Error("Failed to roll back idempotency key")
				}
			}
			return "", err
		}
	}

	o.logger.WithFields(logrus.Fields{
		"correlation_id": correlationID,
		"workflow_type":  workflowType,
		"stages":         stages,
	}).Info("Started workflow")
	return correlationID, nil
}

// Cancel marks a workflow CANCELLED. Completions for a cancelled workflow
// are dropped and no further tasks are published.
func (o *Orchestrator) Cancel(id string) error {
	for i := 0; i < o.casRetries; i++ {
		record, err := o.store.Load(id)
		if err != nil {
			return err
		}
		if record.Status.Terminal() {
			return nil
		}

		next := record.Clone()
		next.Status = db.StatusCancelled
		next.PendingChildren = 0

		err = o.store.CompareAndSet(id, record.Version, next)
		if errors.Is(err, db.ErrConflict) {
			continue
		}
		if err == nil {
			o.logger.WithField("correlation_id", id).Info("Cancelled workflow")
		}
		return err
	}
	return fmt.Errorf("failed to cancel %s: %w", id, db.ErrConflict)
}

// Wait blocks until all delayed republish goroutines have finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Run consumes the completion queue until the context is cancelled. When
// the delivery stream closes it reconnects and resumes.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.wg.Wait()

	for {
		deliveries, err := o.bus.Consume(ctx, queue.QueueCompletion)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.logger.WithError(err).Warn("Completion consume failed, retrying")
			continue
		}

		o.logger.WithField("queue", queue.QueueCompletion).Info("Consuming completions")

		open := true
		for open {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case delivery, ok := <-deliveries:
				if !ok {
					open = false
					break
				}
				o.HandleDelivery(ctx, delivery)
			}
		}
	}
}

// HandleDelivery processes one completion delivery and settles it. A body
// that cannot be parsed is dead-lettered and acked; a handling error nacks
// with requeue so the broker redelivers.
func (o *Orchestrator) HandleDelivery(ctx context.Context, delivery amqp.Delivery) {
	msg, err := common.ParseCompletion(delivery.Body)
	if err != nil {
		o.logger.WithError(err).Warn("Dead-lettering unparseable completion")
		if pubErr := o.bus.PublishDead(ctx, delivery.Body, err.Error(), 1); pubErr != nil {
			o.logger.WithError(pubErr).Error("Failed to dead-letter completion")
		}
		delivery.Ack(false)
		return
	}

	if err := o.handleCompletion(ctx, msg); err != nil {
		o.logger.WithError(err).WithField("correlation_id", msg.CorrelationID).Error("Completion handling failed, requeueing")
		delivery.Nack(false, true)
		return
	}
	delivery.Ack(false)
}

// handleCompletion applies one completion to its workflow record under a
// compare-and-set loop. Completions for unknown, terminal or already-passed
// stages are dropped: at-least-once delivery makes duplicates and stragglers
// normal, not errors.
func (o *Orchestrator) handleCompletion(ctx context.Context, msg *common.CompletionMessage) error {
	log := o.logger.WithFields(logrus.Fields{
		"correlation_id": msg.CorrelationID,
		"produced_by":    msg.ProducedBy,
		"status":         msg.Status,
	})

	for i := 0; i < o.casRetries; i++ {
		record, err := o.store.Load(msg.CorrelationID)
		if errors.Is(err, db.ErrNotFound) {
			log.Warn("Dropping completion for unknown workflow")
			return nil
		}
		if err != nil {
			return err
		}

		if record.Status.Terminal() {
			log.Debug("Dropping completion for terminal workflow")
			return nil
		}
		if msg.ProducedBy != record.CurrentStage() {
			log.WithField("current_stage", record.CurrentStage()).Debug("Dropping stale completion")
			return nil
		}

		next := record.Clone()
		ensureMaps(next)

		var tasks []outbound
		delayed := false

		switch msg.Status {
		case common.StatusTaskSucceeded:
			applied, err := o.applySuccess(next, msg)
			if err != nil {
				return err
			}
			if !applied {
				log.Debug("Dropping duplicate child completion")
				return nil
			}
			if next.PendingChildren == 0 {
				next.CurrentIndex++
				tasks, err = o.enterStage(next)
				if err != nil {
					return err
				}
			}

		case common.StatusTaskFailed:
			tasks, delayed = o.applyFailure(next, msg, log)
		}

		err = o.store.CompareAndSet(next.CorrelationID, record.Version, next)
		if errors.Is(err, db.ErrConflict) {
			log.Debug("Lost record version race, reloading")
			continue
		}
		if err != nil {
			return err
		}

		if next.Status == db.StatusSucceeded {
			log.Info("Workflow succeeded")
		}
		if next.Status == db.StatusFailed {
			log.WithField("error", next.LastError).Warn("Workflow failed")
		}

		o.publishAll(ctx, tasks, delayed)
		return nil
	}

	return fmt.Errorf("gave up on completion for %s after %d version conflicts", msg.CorrelationID, o.casRetries)
}

// applySuccess merges a task_succeeded payload into the record and decrements
// the pending-children counter. Returns false for a duplicate child
// completion, which must not decrement twice.
func (o *Orchestrator) applySuccess(record *db.WorkflowRecord, msg *common.CompletionMessage) (bool, error) {
	stage, ok := o.registry.Stage(msg.ProducedBy)
	if !ok {
		return false, fmt.Errorf("completion from unregistered stage %q", msg.ProducedBy)
	}

	if stage.FanOut == FanOutPerItem {
		results := childResults(record)
		if _, done := results[msg.ChildKey]; done {
			return false, nil
		}
		results[msg.ChildKey] = msg.Payload
		record.StageOutput["results"] = results
	} else {
		for key, value := range msg.Payload {
			record.StageOutput[key] = value
		}
	}

	if record.PendingChildren > 0 {
		record.PendingChildren--
	}
	return true, nil
}

// applyFailure applies the retry policy for a task_failed completion:
// retryable kinds are republished with a bumped attempt number until the
// stage's attempt budget is spent, everything else fails the workflow.
func (o *Orchestrator) applyFailure(record *db.WorkflowRecord, msg *common.CompletionMessage, log *logrus.Entry) ([]outbound, bool) {
	taskErr := common.ErrorFromPayload(msg.Payload)
	stage, ok := o.registry.Stage(msg.ProducedBy)
	if !ok {
		record.Status = db.StatusFailed
		record.LastError = &db.LastError{
			Stage:   msg.ProducedBy,
			Kind:    string(common.KindPoisonMessage),
			Message: fmt.Sprintf("completion from unregistered stage %q", msg.ProducedBy),
		}
		return nil, false
	}

	record.AttemptsPerStage[stage.Name]++
	attempts := record.AttemptsPerStage[stage.Name]

	if taskErr.Kind.Retryable() && attempts < stage.MaxAttempts {
		log.WithFields(logrus.Fields{
			"kind":    taskErr.Kind,
			"attempt": attempts + 1,
		}).Info("Retrying failed task")
		return o.retryTasks(record, stage, msg.ChildKey), true
	}

	record.Status = db.StatusFailed
	record.LastError = &db.LastError{
		Stage:   stage.Name,
		Kind:    string(taskErr.Kind),
		Message: taskErr.Message,
	}
	return nil, false
}

// retryTasks rebuilds the task message(s) for a retry of the current stage.
// Under PER_ITEM only the failed child is republished.
func (o *Orchestrator) retryTasks(record *db.WorkflowRecord, stage StageDescriptor, childKey string) []outbound {
	attempt := record.AttemptsPerStage[stage.Name] + 1

	if stage.FanOut == FanOutPerItem {
		return []outbound{{
			routingKey: stage.RoutingKey,
			msg: &common.TaskMessage{
				SchemaVersion: common.SchemaVersion,
				CorrelationID: record.CorrelationID,
				Task:          stage.Name,
				Attempt:       attempt,
				ChildKey:      childKey,
				Payload:       map[string]interface{}{stage.ItemField: childKey},
			},
		}}
	}

	return []outbound{{
		routingKey: stage.RoutingKey,
		msg: &common.TaskMessage{
			SchemaVersion: common.SchemaVersion,
			CorrelationID: record.CorrelationID,
			Task:          stage.Name,
			Attempt:       attempt,
			Payload:       stageSource(record),
		},
	}}
}

// enterStage positions the record on its current stage and builds its tasks.
// A PER_ITEM stage with no items is trivially complete and is skipped; a
// record that runs past its last stage is marked SUCCEEDED.
//
// The caller persists the record before publishing the returned tasks.
func (o *Orchestrator) enterStage(record *db.WorkflowRecord) ([]outbound, error) {
	ensureMaps(record)

	for record.CurrentIndex < len(record.Stages) {
		name := record.Stages[record.CurrentIndex]
		stage, ok := o.registry.Stage(name)
		if !ok {
			return nil, fmt.Errorf("workflow %s references unregistered stage %q", record.CorrelationID, name)
		}

		attempt := record.AttemptsPerStage[name] + 1
		source := stageSource(record)

		if stage.FanOut == FanOutPerItem {
			items := stringList(source[stage.ItemsKey])
			if len(items) == 0 {
				record.CurrentIndex++
				continue
			}

			record.PendingChildren = len(items)
			tasks := make([]outbound, 0, len(items))
			for _, item := range items {
				tasks = append(tasks, outbound{
					routingKey: stage.RoutingKey,
					msg: &common.TaskMessage{
						SchemaVersion: common.SchemaVersion,
						CorrelationID: record.CorrelationID,
						Task:          name,
						Attempt:       attempt,
						ChildKey:      item,
						Payload:       map[string]interface{}{stage.ItemField: item},
					},
				})
			}
			return tasks, nil
		}

		record.PendingChildren = 1
		return []outbound{{
			routingKey: stage.RoutingKey,
			msg: &common.TaskMessage{
				SchemaVersion: common.SchemaVersion,
				CorrelationID: record.CorrelationID,
				Task:          name,
				Attempt:       attempt,
				Payload:       source,
			},
		}}, nil
	}

	record.Status = db.StatusSucceeded
	record.PendingChildren = 0
	return nil, nil
}

// publishAll publishes tasks after the state transition is committed. A
// publish that cannot be confirmed leaves the workflow waiting; the janitor
// sweep republishes stuck stages, so the failure is logged and absorbed.
func (o *Orchestrator) publishAll(ctx context.Context, tasks []outbound, delayed bool) {
	if len(tasks) == 0 {
		return
	}

	if !delayed {
		for _, task := range tasks {
			if err := o.publish(ctx, task); err != nil {
				o.logger.WithError(err).WithFields(logrus.Fields{
					"correlation_id": task.msg.CorrelationID,
					"routing_key":    task.routingKey,
				}).Warn("Task publish failed, janitor sweep will republish")
			}
		}
		return
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		select {
		case <-ctx.Done():
			return
		case <-time.After(o.retryBackoff):
		}
		for _, task := range tasks {
			if err := o.publish(context.Background(), task); err != nil {
				o.logger.WithError(err).WithFields(logrus.Fields{
					"correlation_id": task.msg.CorrelationID,
					"routing_key":    task.routingKey,
				}).Warn("Retry publish failed, janitor sweep will republish")
			}
		}
	}()
}

// publish serializes and publishes one task with confirmation.
func (o *Orchestrator) publish(ctx context.Context, task outbound) error {
	body, err := json.Marshal(task.msg)
	if err != nil {
		return fmt.Errorf("failed to marshal task message: %w", err)
	}
	return o.bus.Publish(ctx, task.routingKey, body)
}

// stageSource returns the payload feeding the current stage: the initial
// payload for stage 0, the previous stage's output afterwards.
func stageSource(record *db.WorkflowRecord) map[string]interface{} {
	if record.CurrentIndex == 0 {
		return record.InitialPayload
	}
	return record.StageOutput
}

// childResults returns the fan-out accumulator, creating it on first use.
func childResults(record *db.WorkflowRecord) map[string]interface{} {
	if results, ok := record.StageOutput["results"].(map[string]interface{}); ok {
		return results
	}
	return map[string]interface{}{}
}

// ensureMaps guards against nil maps on records deserialized from storage.
func ensureMaps(record *db.WorkflowRecord) {
	if record.InitialPayload == nil {
		record.InitialPayload = map[string]interface{}{}
	}
	if record.StageOutput == nil {
		record.StageOutput = map[string]interface{}{}
	}
	if record.AttemptsPerStage == nil {
		record.AttemptsPerStage = map[string]int{}
	}
}

// stringList converts a JSON-typed list value into a string slice.
func stringList(value interface{}) []string {
	switch list := value.(type) {
	case []string:
		return list
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
