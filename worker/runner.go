// Package worker provides the shared consume-execute-report loop for the
// pipeline workers. A worker owns one queue, runs its executor with a bounded
// number of concurrent slots and reports every terminal outcome to the
// orchestrator as a completion message. Workers never decide routing.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"

	"veritas.evalgo.org/common"
	"veritas.evalgo.org/db"
	"veritas.evalgo.org/queue"
)

// Executor runs one task to a terminal outcome. Execution must be idempotent
// or guarded: at-least-once delivery means the same task can run twice.
type Executor interface {
	// Stage returns the stage name this executor serves. It is stamped on
	// completions as produced_by.
	Stage() string

	// Execute performs the task and returns the success payload. Failures
	// should be classified TaskErrors; anything else is treated as
	// TRANSIENT_UPSTREAM.
	Execute(ctx context.Context, task *common.TaskMessage) (map[string]interface{}, error)
}

// Config holds the worker dependencies and tunables.
type Config struct {
	// Bus is the shared message bus client
	Bus *queue.Bus

	// Queue is the durable queue this worker consumes
	Queue string

	// Executor performs the work
	Executor Executor

	// Seen guards against re-executing a task whose ack was lost
	Seen db.SeenGuard

	// Concurrency bounds in-flight executions (default 4)
	Concurrency int

	// Timeout bounds one execution (default 5m)
	Timeout time.Duration

	// Logger for worker events
	Logger *logrus.Entry
}

// Runner is the generic worker loop.
type Runner struct {
	bus      *queue.Bus
	queue    string
	executor Executor
	seen     db.SeenGuard
	timeout  time.Duration
	logger   *logrus.Entry

	slots chan struct{}
	wg    sync.WaitGroup
}

// New creates a worker runner.
func New(config Config) *Runner {
	if config.Concurrency <= 0 {
		config.Concurrency = 4
	}
	if config.Timeout == 0 {
		config.Timeout = 5 * time.Minute
	}
	logger := config.Logger
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}

	return &Runner{
		bus:      config.Bus,
		queue:    config.Queue,
		executor: config.Executor,
		seen:     config.Seen,
		timeout:  config.Timeout,
		logger: logger.WithFields(logrus.Fields{
			"component": "worker",
			"stage":     config.Executor.Stage(),
		}),
		slots: make(chan struct{}, config.Concurrency),
	}
}

// Run consumes the worker's queue until the context is cancelled. Deliveries
// are handled on bounded concurrent slots; when the delivery stream closes
// the loop reconnects and resumes. On shutdown Run waits for in-flight
// handlers to settle before returning, so the caller may close the bus.
func (r *Runner) Run(ctx context.Context) error {
	defer r.wg.Wait()

	for {
		deliveries, err := r.bus.Consume(ctx, r.queue)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.WithError(err).Warn("Task consume failed, retrying")
			continue
		}

		r.logger.WithField("queue", r.queue).Info("Consuming tasks")

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

				select {
				case r.slots <- struct{}{}:
				case <-ctx.Done():
					return ctx.Err()
				}
				r.wg.Add(1)
				go func(d amqp.Delivery) {
					defer r.wg.Done()
					defer func() { <-r.slots }()
					r.HandleDelivery(ctx, d)
				}(delivery)
			}
		}
	}
}

// HandleDelivery executes one task delivery and settles it.
//
// Settlement rules: a task that reached a terminal outcome (success or
// classified failure) is acked only after its completion publish is
// confirmed; a completion that cannot be published leaves the task
// unacked so the broker redelivers it. Unparseable bodies and tasks for
// the wrong stage are dead-lettered and acked.
func (r *Runner) HandleDelivery(ctx context.Context, delivery amqp.Delivery) {
	task, err := common.ParseTask(delivery.Body)
	if err != nil {
		r.deadLetter(ctx, delivery, err.Error())
		return
	}
	if task.Task != r.executor.Stage() {
		r.deadLetter(ctx, delivery, fmt.Sprintf("task %q delivered to %s worker", task.Task, r.executor.Stage()))
		return
	}

	log := r.logger.WithFields(logrus.Fields{
		"correlation_id": task.CorrelationID,
		"attempt":        task.Attempt,
		"child_key":      task.ChildKey,
	})

	// A task already executed whose ack was lost must not run twice.
	dedupKey := task.DedupKey()
	if seen, err := r.seen.Seen(ctx, dedupKey); err != nil {
		log.WithError(err).Warn("Dedup lookup failed, executing anyway")
	} else if seen {
		log.Info("Skipping already-executed task")
		delivery.Ack(false)
		return
	}

	execCtx, cancel := context.WithTimeout(ctx, r.timeout)
	payload, execErr := r.executor.Execute(execCtx, task)
	timedOut := errors.Is(execCtx.Err(), context.DeadlineExceeded)
	cancel()

	// Settlement must outlive shutdown cancellation: a task that finished
	// executing still gets its completion published and its ack delivered.
	settleCtx := context.Background()

	if execErr != nil {
		// An execution cut short by shutdown is neither a success nor a
		// stage failure; requeue it untouched.
		if ctx.Err() != nil && !timedOut {
			log.Info("Shutdown interrupted execution, requeueing task")
			delivery.Nack(false, true)
			return
		}

		taskErr := common.AsTaskError(execErr)
		if timedOut {
			taskErr = common.NewTaskError(common.KindStageTimeout, "execution exceeded %s: %v", r.timeout, execErr)
		}
		log.WithField("kind", taskErr.Kind).WithError(execErr).Warn("Task failed")

		if err := r.publishCompletion(settleCtx, task, common.StatusTaskFailed, taskErr.ErrorPayload()); err != nil {
			log.WithError(err).Error("Failed to publish failure completion, leaving task for redelivery")
			delivery.Nack(false, true)
			return
		}
		delivery.Ack(false)
		return
	}

	if err := r.publishCompletion(settleCtx, task, common.StatusTaskSucceeded, payload); err != nil {
		log.WithError(err).Error("Failed to publish completion, leaving task for redelivery")
		delivery.Nack(false, true)
		return
	}

	// Remember after the completion is confirmed so a crash in between
	// re-executes rather than losing the result.
	if err := r.seen.Remember(settleCtx, dedupKey); err != nil {
		log.WithError(err).Warn("Failed to record dedup key")
	}

	delivery.Ack(false)
	log.Info("Task completed")
}

// publishCompletion emits a confirmed completion message for this task.
func (r *Runner) publishCompletion(ctx context.Context, task *common.TaskMessage, status string, payload map[string]interface{}) error {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	body, err := json.Marshal(&common.CompletionMessage{
		SchemaVersion: common.SchemaVersion,
		CorrelationID: task.CorrelationID,
		ProducedBy:    r.executor.Stage(),
		Status:        status,
		ChildKey:      task.ChildKey,
		Payload:       payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal completion: %w", err)
	}
	return r.bus.Publish(ctx, queue.KeyCompletion, body)
}

// deadLetter routes a poison delivery to the dead-letter queue and acks it.
func (r *Runner) deadLetter(ctx context.Context, delivery amqp.Delivery, reason string) {
	r.logger.WithField("reason", reason).Warn("Dead-lettering poison task")
	if err := r.bus.PublishDead(ctx, delivery.Body, reason, 1); err != nil {
		r.logger.WithError(err).Error("Failed to dead-letter task")
	}
	delivery.Ack(false)
}
