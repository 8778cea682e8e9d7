package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/TradingAgent/internal/pkg/metrics"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestNewQueue(t *testing.T) {
	_, client := newTestRedis(t)
	tests := []struct {
		name            string
		workers         int
		expectedWorkers int
	}{
		{"Valid worker count", 5, 5},
		{"Zero workers", 0, 3},
		{"Negative workers", -1, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			queue := NewQueue(client, tt.workers)

			assert.NotNil(t, queue)
			assert.Equal(t, tt.expectedWorkers, queue.workers)
			assert.NotNil(t, queue.stopCh)
			assert.False(t, queue.running)
			assert.Equal(t, DefaultRetryDelay, queue.retryDelay)
			assert.Equal(t, DefaultJobTimeout, queue.jobTimeout)
		})
	}
}

func TestQueueEnqueueAndProcess(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	queue := NewQueue(client, 1)

	var seen []string
	queue.Register(JobTypeReconcilePayment, func(_ context.Context, job *Job) error {
		seen = append(seen, job.Payload["provider_payment_id"].(string))
		return nil
	})

	job, err := queue.Enqueue(ctx, JobTypeReconcilePayment, ReconcilePaymentJobPayload{PaymentID: 1, ProviderPaymentID: "pi_1"}.ToMap())
	require.NoError(t, err)

	depth, err := queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, Depth{Pending: 1}, depth)

	next, err := queue.next(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.ID, next.ID)
	queue.process(ctx, next)

	assert.Equal(t, []string{"pi_1"}, seen)

	// Completed jobs keep only their counter
	assert.False(t, mr.Exists(JobKeyPrefix+job.ID))
	depth, err = queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, Depth{Completed: 1}, depth)
}

func TestQueueSchedulesRetryInDelayedSet(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()
	queue := NewQueue(client, 1)
	queue.retryDelay = time.Minute
	queue.Register(JobTypeReconcilePayment, func(context.Context, *Job) error {
		return errors.New("provider unavailable")
	})

	job, err := queue.Enqueue(ctx, JobTypeReconcilePayment, ReconcilePaymentJobPayload{PaymentID: 2, ProviderPaymentID: "pi_2"}.ToMap())
	require.NoError(t, err)

	next, err := queue.next(ctx)
	require.NoError(t, err)
	queue.process(ctx, next)

	stored, err := queue.load(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusRetrying, stored.Status)
	assert.Equal(t, 1, stored.RetryCount)
	assert.Equal(t, "provider unavailable", stored.ErrorMsg)

	depth, err := queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, Depth{Delayed: 1}, depth)

	// Not due yet
	n, err := queue.promoteDue(ctx, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = queue.promoteDue(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	depth, err = queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, Depth{Pending: 1}, depth)
}

func TestQueueGivesUpAfterMaxRetries(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()
	queue := NewQueue(client, 1)

	job, err := queue.Enqueue(ctx, JobType("unknown"), map[string]interface{}{})
	require.NoError(t, err)
	job.MaxRetries = 0

	queue.process(ctx, job)

	stored, err := queue.load(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, JobStatusFailed, stored.Status)
	assert.Contains(t, stored.ErrorMsg, "unknown job type")

	depth, err := queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth.Failed)
	assert.Equal(t, int64(0), depth.Delayed)
}

func TestQueueRecoversStuckJob(t *testing.T) {
	mr, client := newTestRedis(t)
	ctx := context.Background()
	queue := NewQueue(client, 1)

	job, err := queue.Enqueue(ctx, JobTypeReconcilePayment, map[string]interface{}{})
	require.NoError(t, err)
	next, err := queue.next(ctx)
	require.NoError(t, err)

	// A worker took the job and died before finishing it.
	next.MarkAsProcessing()
	queue.save(ctx, next)
	mr.Lpush(ProcessingKey, "orphan")

	require.NoError(t, queue.recoverStuck(ctx, time.Now()))
	depth, err := queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, Depth{Processing: 1}, depth, "fresh jobs stay in processing")

	require.NoError(t, queue.recoverStuck(ctx, time.Now().Add(DefaultStuckAfter+time.Minute)))
	depth, err = queue.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, Depth{Pending: 1}, depth)

	raw, err := mr.Get(JobKeyPrefix + job.ID)
	require.NoError(t, err)
	var stored Job
	require.NoError(t, json.Unmarshal([]byte(raw), &stored))
	assert.Equal(t, JobStatusPending, stored.Status)
}

func TestQueueTickPublishesDepth(t *testing.T) {
	_, client := newTestRedis(t)
	ctx := context.Background()
	queue := NewQueue(client, 1)

	for i := 0; i < 2; i++ {
		_, err := queue.Enqueue(ctx, JobTypeReconcilePayment, map[string]interface{}{})
		require.NoError(t, err)
	}
	queue.tick(ctx, time.Now())

	assert.Equal(t, float64(2), testutil.ToFloat64(metrics.JobQueueJobs.WithLabelValues("pending")))
	assert.Equal(t, float64(0), testutil.ToFloat64(metrics.JobQueueJobs.WithLabelValues("processing")))
}

func TestQueueStartStop(t *testing.T) {
	_, client := newTestRedis(t)
	queue := NewQueue(client, 2)

	done := make(chan string, 1)
	queue.Register(JobTypeReconcilePayment, func(_ context.Context, job *Job) error {
		done <- job.ID
		return nil
	})
	queue.Start()
	defer queue.Stop()

	job, err := queue.Enqueue(context.Background(), JobTypeReconcilePayment, ReconcilePaymentJobPayload{PaymentID: 3, ProviderPaymentID: "pi_3"}.ToMap())
	require.NoError(t, err)

	select {
	case id := <-done:
		assert.Equal(t, job.ID, id)
	case <-time.After(3 * time.Second):
		t.Fatal("job was not processed")
	}
}
