package worker

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veritas.evalgo.org/common"
	"veritas.evalgo.org/db"
	"veritas.evalgo.org/queue"
)

// stubExecutor counts executions and returns canned results.
type stubExecutor struct {
	mu      sync.Mutex
	calls   int
	payload map[string]interface{}
	err     error
	block   time.Duration

	// ignoreCancel makes the block run to completion regardless of the
	// context, like an executor mid side effect.
	ignoreCancel bool
}

func (s *stubExecutor) Stage() string { return "extraction" }

func (s *stubExecutor) Execute(ctx context.Context, task *common.TaskMessage) (map[string]interface{}, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()

	if s.block > 0 {
		if s.ignoreCancel {
			time.Sleep(s.block)
		} else {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(s.block):
			}
		}
	}
	return s.payload, s.err
}

func (s *stubExecutor) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func quietLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(logger)
}

func newTestRunner(t *testing.T, executor Executor, timeout time.Duration) (*Runner, *queue.MockAMQPChannel) {
	t.Helper()

	bus, channel, _ := queue.NewMockBus(queue.Config{
		URL:            "amqp://test",
		ConfirmTimeout: time.Second,
		Logger:         quietLogger(),
	})
	require.NoError(t, bus.Connect(context.Background()))
	t.Cleanup(func() { bus.Close() })

	return New(Config{
		Bus:      bus,
		Queue:    queue.QueueExtraction,
		Executor: executor,
		Seen:     db.NewMemorySeenGuard(0),
		Timeout:  timeout,
		Logger:   quietLogger(),
	}), channel
}

func taskBody(t *testing.T, task *common.TaskMessage) []byte {
	t.Helper()
	body, err := json.Marshal(task)
	require.NoError(t, err)
	return body
}

func testTask(attempt int) *common.TaskMessage {
	return &common.TaskMessage{
		SchemaVersion: common.SchemaVersion,
		CorrelationID: "wf-1",
		Task:          "extraction",
		Attempt:       attempt,
		Payload:       map[string]interface{}{"sources": []interface{}{"x"}},
	}
}

func deliver(body []byte) (amqp.Delivery, *queue.MockAcknowledger) {
	ack := &queue.MockAcknowledger{}
	return amqp.Delivery{Acknowledger: ack, DeliveryTag: 1, Body: body}, ack
}

func lastCompletion(t *testing.T, channel *queue.MockAMQPChannel) *common.CompletionMessage {
	t.Helper()
	bodies := channel.PublishedTo(queue.KeyCompletion)
	require.NotEmpty(t, bodies)
	msg, err := common.ParseCompletion(bodies[len(bodies)-1])
	require.NoError(t, err)
	return msg
}

// TestHandleDelivery_Success tests the execute-report-ack path
func TestHandleDelivery_Success(t *testing.T) {
	executor := &stubExecutor{payload: map[string]interface{}{"article_count": float64(2)}}
	runner, channel := newTestRunner(t, executor, 0)

	delivery, ack := deliver(taskBody(t, testTask(1)))
	runner.HandleDelivery(context.Background(), delivery)

	assert.Equal(t, 1, executor.callCount())

	msg := lastCompletion(t, channel)
	assert.Equal(t, common.StatusTaskSucceeded, msg.Status)
	assert.Equal(t, "extraction", msg.ProducedBy)
	assert.Equal(t, "wf-1", msg.CorrelationID)
	assert.Equal(t, float64(2), msg.Payload["article_count"])

	acked, nacked, _ := ack.State()
	assert.True(t, acked)
	assert.False(t, nacked)
}

// TestHandleDelivery_DedupSkip tests that a redelivered executed task does
// not run twice
func TestHandleDelivery_DedupSkip(t *testing.T) {
	executor := &stubExecutor{payload: map[string]interface{}{}}
	runner, channel := newTestRunner(t, executor, 0)
	ctx := context.Background()

	body := taskBody(t, testTask(1))

	first, _ := deliver(body)
	runner.HandleDelivery(ctx, first)

	second, ack := deliver(body)
	runner.HandleDelivery(ctx, second)

	assert.Equal(t, 1, executor.callCount())
	assert.Len(t, channel.PublishedTo(queue.KeyCompletion), 1)

	acked, _, _ := ack.State()
	assert.True(t, acked)

	// A higher attempt number is a fresh execution, not a duplicate.
	third, _ := deliver(taskBody(t, testTask(2)))
	runner.HandleDelivery(ctx, third)
	assert.Equal(t, 2, executor.callCount())
}

// TestHandleDelivery_Failure tests the classified failure report
func TestHandleDelivery_Failure(t *testing.T) {
	executor := &stubExecutor{err: common.NewTaskError(common.KindBadInput, "unknown source")}
	runner, channel := newTestRunner(t, executor, 0)

	delivery, ack := deliver(taskBody(t, testTask(1)))
	runner.HandleDelivery(context.Background(), delivery)

	msg := lastCompletion(t, channel)
	assert.Equal(t, common.StatusTaskFailed, msg.Status)
	taskErr := common.ErrorFromPayload(msg.Payload)
	assert.Equal(t, common.KindBadInput, taskErr.Kind)
	assert.Equal(t, "unknown source", taskErr.Message)

	acked, _, _ := ack.State()
	assert.True(t, acked)
}

// TestHandleDelivery_Timeout tests the deadline classification
func TestHandleDelivery_Timeout(t *testing.T) {
	executor := &stubExecutor{block: time.Second}
	runner, channel := newTestRunner(t, executor, 10*time.Millisecond)

	delivery, _ := deliver(taskBody(t, testTask(1)))
	runner.HandleDelivery(context.Background(), delivery)

	msg := lastCompletion(t, channel)
	assert.Equal(t, common.StatusTaskFailed, msg.Status)
	taskErr := common.ErrorFromPayload(msg.Payload)
	assert.Equal(t, common.KindStageTimeout, taskErr.Kind)
}

// TestHandleDelivery_Poison tests dead-lettering of unparseable bodies
func TestHandleDelivery_Poison(t *testing.T) {
	executor := &stubExecutor{}
	runner, channel := newTestRunner(t, executor, 0)

	delivery, ack := deliver([]byte("{not json"))
	runner.HandleDelivery(context.Background(), delivery)

	assert.Equal(t, 0, executor.callCount())
	assert.Len(t, channel.PublishedTo(queue.KeyDead), 1)
	assert.Empty(t, channel.PublishedTo(queue.KeyCompletion))

	acked, _, _ := ack.State()
	assert.True(t, acked)
}

// TestHandleDelivery_WrongStage tests dead-lettering of misrouted tasks
func TestHandleDelivery_WrongStage(t *testing.T) {
	executor := &stubExecutor{}
	runner, channel := newTestRunner(t, executor, 0)

	task := testTask(1)
	task.Task = "verification"
	delivery, ack := deliver(taskBody(t, task))
	runner.HandleDelivery(context.Background(), delivery)

	assert.Equal(t, 0, executor.callCount())
	assert.Len(t, channel.PublishedTo(queue.KeyDead), 1)

	acked, _, _ := ack.State()
	assert.True(t, acked)
}

// TestRun_DrainsInFlightOnShutdown tests that cancellation waits for the
// running handler and its completion before returning
func TestRun_DrainsInFlightOnShutdown(t *testing.T) {
	executor := &stubExecutor{
		payload:      map[string]interface{}{"article_count": float64(1)},
		block:        200 * time.Millisecond,
		ignoreCancel: true,
	}
	runner, channel := newTestRunner(t, executor, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(done)
	}()

	channel.Deliver(queue.QueueExtraction, taskBody(t, testTask(1)))

	// Shut down while the handler is mid-flight.
	require.Eventually(t, func() bool { return executor.callCount() == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}

	// The in-flight task settled before Run returned.
	msg := lastCompletion(t, channel)
	assert.Equal(t, common.StatusTaskSucceeded, msg.Status)
	assert.Equal(t, float64(1), msg.Payload["article_count"])
}

// TestRun_ShutdownInterruptedExecutionRequeues tests that a cancelled
// execution is requeued rather than reported failed
func TestRun_ShutdownInterruptedExecutionRequeues(t *testing.T) {
	executor := &stubExecutor{block: time.Second}
	runner, channel := newTestRunner(t, executor, 5*time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	delivery, ack := deliver(taskBody(t, testTask(1)))

	done := make(chan struct{})
	go func() {
		runner.HandleDelivery(ctx, delivery)
		close(done)
	}()

	require.Eventually(t, func() bool { return executor.callCount() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	assert.Empty(t, channel.PublishedTo(queue.KeyCompletion))
	acked, nacked, requeue := ack.State()
	assert.False(t, acked)
	assert.True(t, nacked)
	assert.True(t, requeue)
}

// TestHandleDelivery_CompletionPublishFails tests that an unreportable task
// stays unacked for redelivery
func TestHandleDelivery_CompletionPublishFails(t *testing.T) {
	executor := &stubExecutor{payload: map[string]interface{}{}}
	runner, channel := newTestRunner(t, executor, 0)
	channel.PublishErr = amqp.ErrClosed

	delivery, ack := deliver(taskBody(t, testTask(1)))
	runner.HandleDelivery(context.Background(), delivery)

	acked, nacked, requeue := ack.State()
	assert.False(t, acked)
	assert.True(t, nacked)
	assert.True(t, requeue)

	// The dedup key was not recorded, so the redelivery executes again.
	channel.PublishErr = nil
	require.NoError(t, runner.bus.Connect(context.Background()))
	redelivery, ack2 := deliver(taskBody(t, testTask(1)))
	runner.HandleDelivery(context.Background(), redelivery)

	assert.Equal(t, 2, executor.callCount())
	acked, _, _ = ack2.State()
	assert.True(t, acked)
}
