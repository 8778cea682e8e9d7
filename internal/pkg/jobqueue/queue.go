package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/TradingAgent/internal/pkg/cache"
	"github.com/ManuelReschke/TradingAgent/internal/pkg/metrics"
)

const (
	keyPrefix = "billing:jobs:"

	JobKeyPrefix  = keyPrefix + "job:"
	PendingKey    = keyPrefix + "pending"
	ProcessingKey = keyPrefix + "processing"
	// DelayedKey is a sorted set of job IDs scored by the unix millisecond
	// at which the retry becomes due.
	DelayedKey = keyPrefix + "delayed"
	StatsKey   = keyPrefix + "stats"

	DefaultMaxRetries  = 3
	JobTTL             = 24 * time.Hour
	DefaultRetryDelay  = time.Minute
	DefaultJobTimeout  = 2 * time.Minute
	DefaultStuckAfter  = 10 * time.Minute
	maintenanceEvery   = 15 * time.Second
	dequeueBlockPeriod = time.Second
)

// Handler processes one job. A returned error marks the job failed and
// schedules a retry while attempts remain.
type Handler func(ctx context.Context, job *Job) error

// Depth is a point-in-time view of the queue, shared by all instances
// using the same Redis.
type Depth struct {
	Pending    int64
	Processing int64
	Delayed    int64
	Completed  int64
	Failed     int64
}

// Queue runs background jobs from Redis lists. Retries wait in a sorted set
// instead of in process timers, so they survive a restart.
type Queue struct {
	client     *redis.Client
	workers    int
	stopCh     chan struct{}
	wg         sync.WaitGroup
	mu         sync.Mutex
	running    bool
	handlers   map[JobType]Handler
	retryDelay time.Duration
	jobTimeout time.Duration
	stuckAfter time.Duration
}

// NewQueue creates a job queue. A nil client falls back to the shared cache
// client.
func NewQueue(client *redis.Client, workers int) *Queue {
	if workers <= 0 {
		workers = 3
	}
	if client == nil {
		client = cache.GetClient()
	}

	return &Queue{
		client:     client,
		workers:    workers,
		stopCh:     make(chan struct{}),
		handlers:   make(map[JobType]Handler),
		retryDelay: DefaultRetryDelay,
		jobTimeout: DefaultJobTimeout,
		stuckAfter: DefaultStuckAfter,
	}
}

// Register binds a handler to a job type. Register before Start.
func (q *Queue) Register(jobType JobType, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[jobType] = h
}

// Client exposes the underlying Redis client.
func (q *Queue) Client() *redis.Client {
	return q.client
}

func (q *Queue) handler(jobType JobType) (Handler, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	h, ok := q.handlers[jobType]
	return h, ok
}

func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}
	q.running = true
	log.Infof("[JobQueue] Starting %d workers", q.workers)

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
	q.wg.Add(1)
	go q.maintain(maintenanceEvery)
}

func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	log.Info("[JobQueue] Stopping workers...")
	close(q.stopCh)
	q.running = false
	q.mu.Unlock()

	q.wg.Wait()
	log.Info("[JobQueue] All workers stopped")
}

// Enqueue stores the job and pushes it onto the pending list.
func (q *Queue) Enqueue(ctx context.Context, jobType JobType, payload map[string]interface{}) (*Job, error) {
	now := time.Now()
	job := &Job{
		ID:         uuid.New().String(),
		Type:       jobType,
		Status:     JobStatusPending,
		Payload:    payload,
		CreatedAt:  now,
		UpdatedAt:  now,
		MaxRetries: DefaultMaxRetries,
	}

	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, JobKeyPrefix+job.ID, data, JobTTL)
	pipe.LPush(ctx, PendingKey, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	log.Infof("[JobQueue] Enqueued job %s (%s)", job.ID, job.Type)
	return job, nil
}

// Depth reads list sizes and the completed/failed totals in one round trip.
func (q *Queue) Depth(ctx context.Context) (Depth, error) {
	pipe := q.client.Pipeline()
	pending := pipe.LLen(ctx, PendingKey)
	processing := pipe.LLen(ctx, ProcessingKey)
	delayed := pipe.ZCard(ctx, DelayedKey)
	stats := pipe.HGetAll(ctx, StatsKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Depth{}, err
	}

	d := Depth{
		Pending:    pending.Val(),
		Processing: processing.Val(),
		Delayed:    delayed.Val(),
	}
	for status, raw := range stats.Val() {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		switch JobStatus(status) {
		case JobStatusCompleted:
			d.Completed = n
		case JobStatusFailed:
			d.Failed = n
		}
	}
	return d, nil
}

func (q *Queue) worker(id int) {
	defer q.wg.Done()
	log.Debugf("[JobQueue] Worker %d started", id)

	ctx := context.Background()
	for {
		select {
		case <-q.stopCh:
			log.Debugf("[JobQueue] Worker %d stopping", id)
			return
		default:
		}

		job, err := q.next(ctx)
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				log.Errorf("[JobQueue] Worker %d: dequeue failed: %v", id, err)
				time.Sleep(time.Second)
			}
			continue
		}
		q.process(ctx, job)
	}
}

// next moves one job ID from pending to processing and loads it. Orphaned
// IDs are dropped from the processing list.
func (q *Queue) next(ctx context.Context) (*Job, error) {
	id, err := q.client.BRPopLPush(ctx, PendingKey, ProcessingKey, dequeueBlockPeriod).Result()
	if err != nil {
		return nil, err
	}

	job, err := q.load(ctx, id)
	if err != nil {
		q.client.LRem(ctx, ProcessingKey, 1, id)
		return nil, fmt.Errorf("job %s: %w", id, err)
	}
	return job, nil
}

func (q *Queue) process(ctx context.Context, job *Job) {
	job.MarkAsProcessing()
	q.save(ctx, job)

	err := q.run(ctx, job)
	switch {
	case err == nil:
		log.Infof("[JobQueue] Job %s completed", job.ID)
		q.complete(ctx, job)
	default:
		log.Errorf("[JobQueue] Job %s failed: %v", job.ID, err)
		job.MarkAsFailed(err.Error())
		if job.IsRetryable() {
			q.scheduleRetry(ctx, job)
		} else {
			log.Errorf("[JobQueue] Job %s gave up after %d attempts", job.ID, job.RetryCount)
			q.save(ctx, job)
			q.countResult(ctx, JobStatusFailed)
		}
	}

	if err := q.client.LRem(ctx, ProcessingKey, 1, job.ID).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to remove job %s from processing: %v", job.ID, err)
	}
}

func (q *Queue) run(ctx context.Context, job *Job) error {
	h, ok := q.handler(job.Type)
	if !ok {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	jctx, cancel := context.WithTimeout(ctx, q.jobTimeout)
	defer cancel()
	return h(jctx, job)
}

// complete drops the job body; only the counter remains.
func (q *Queue) complete(ctx context.Context, job *Job) {
	job.MarkAsCompleted()
	if err := q.client.Del(ctx, JobKeyPrefix+job.ID).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to remove completed job %s: %v", job.ID, err)
	}
	q.countResult(ctx, JobStatusCompleted)
}

// scheduleRetry backs off linearly with the attempt number.
func (q *Queue) scheduleRetry(ctx context.Context, job *Job) {
	job.MarkAsRetrying()
	q.save(ctx, job)

	due := time.Now().Add(q.retryDelay * time.Duration(job.RetryCount))
	if err := q.client.ZAdd(ctx, DelayedKey, redis.Z{Score: float64(due.UnixMilli()), Member: job.ID}).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to schedule retry for job %s: %v", job.ID, err)
		return
	}
	log.Infof("[JobQueue] Job %s retry %d/%d due at %s", job.ID, job.RetryCount, job.MaxRetries, due.Format(time.RFC3339))
}

// maintain promotes due retries, recovers stuck jobs and publishes the
// queue depth.
func (q *Queue) maintain(every time.Duration) {
	defer q.wg.Done()
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-q.stopCh:
			return
		case now := <-ticker.C:
			q.tick(ctx, now)
		}
	}
}

func (q *Queue) tick(ctx context.Context, now time.Time) {
	if n, err := q.promoteDue(ctx, now); err != nil {
		log.Errorf("[JobQueue] Promoting retries failed: %v", err)
	} else if n > 0 {
		log.Debugf("[JobQueue] Promoted %d due retries", n)
	}
	if err := q.recoverStuck(ctx, now); err != nil {
		log.Errorf("[JobQueue] Stuck job scan failed: %v", err)
	}
	q.recordDepth(ctx)
}

// promoteDue moves retries whose time has come back to pending. ZRem
// decides the winner when several instances race for the same ID.
func (q *Queue) promoteDue(ctx context.Context, now time.Time) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, DelayedKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, DelayedKey, id).Result()
		if err != nil {
			return promoted, err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.LPush(ctx, PendingKey, id).Err(); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// recoverStuck requeues jobs that stayed in processing longer than
// stuckAfter, which happens when a worker dies mid-job.
func (q *Queue) recoverStuck(ctx context.Context, now time.Time) error {
	ids, err := q.client.LRange(ctx, ProcessingKey, 0, -1).Result()
	if err != nil {
		return err
	}

	for _, id := range ids {
		job, err := q.load(ctx, id)
		if err != nil || job.Status != JobStatusProcessing {
			q.client.LRem(ctx, ProcessingKey, 1, id)
			continue
		}

		started := job.UpdatedAt
		if job.ProcessedAt != nil {
			started = *job.ProcessedAt
		}
		if now.Sub(started) <= q.stuckAfter {
			continue
		}

		log.Warnf("[JobQueue] Recovering stuck job %s (%s) after %s", job.ID, job.Type, now.Sub(started))
		job.Status = JobStatusPending
		job.ErrorMsg = "recovered after worker stall"
		job.UpdatedAt = now
		q.save(ctx, job)
		if removed, err := q.client.LRem(ctx, ProcessingKey, 1, id).Result(); err == nil && removed > 0 {
			q.client.RPush(ctx, PendingKey, id)
		}
	}
	return nil
}

func (q *Queue) recordDepth(ctx context.Context) {
	d, err := q.Depth(ctx)
	if err != nil {
		log.Warnf("[JobQueue] Reading queue depth failed: %v", err)
		return
	}
	metrics.JobQueueJobs.WithLabelValues("pending").Set(float64(d.Pending))
	metrics.JobQueueJobs.WithLabelValues("processing").Set(float64(d.Processing))
	metrics.JobQueueJobs.WithLabelValues("delayed").Set(float64(d.Delayed))
	metrics.JobQueueJobs.WithLabelValues("completed").Set(float64(d.Completed))
	metrics.JobQueueJobs.WithLabelValues("failed").Set(float64(d.Failed))
}

func (q *Queue) load(ctx context.Context, id string) (*Job, error) {
	data, err := q.client.Get(ctx, JobKeyPrefix+id).Bytes()
	if err != nil {
		return nil, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

func (q *Queue) save(ctx context.Context, job *Job) {
	data, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Failed to marshal job %s: %v", job.ID, err)
		return
	}
	if err := q.client.Set(ctx, JobKeyPrefix+job.ID, data, JobTTL).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to save job %s: %v", job.ID, err)
	}
}

func (q *Queue) countResult(ctx context.Context, status JobStatus) {
	if err := q.client.HIncrBy(ctx, StatsKey, string(status), 1).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job stats: %v", err)
	}
}
