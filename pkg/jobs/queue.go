package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrQueueStopped is returned by Enqueue once the queue is not accepting work.
var ErrQueueStopped = errors.New("queue not running")

// Job represents a queued background task. Jobs sharing a Lane run one at a
// time in the order they were enqueued.
type Job struct {
	ID       string
	Type     string
	Lane     string
	Payload  interface{}
	Attempt  int
	Enqueued time.Time
}

// Handler processes a job.
type Handler func(context.Context, Job) error

// FailureHandler receives a job whose last error was not retried.
type FailureHandler func(context.Context, Job, error)

// QueueConfig configures lane behaviour.
type QueueConfig struct {
	MaxRetries    int
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	IdleTimeout   time.Duration
	Retryable     func(error) bool
	OnFailure     FailureHandler
	OnLaneChange  func(active int)
	Logger        *zap.Logger
}

type lane struct {
	key     string
	pending []Job
	wake    chan struct{}
}

// Queue is an in-memory dispatcher with one goroutine per active lane.
// Lanes are created on first Enqueue and exit after IdleTimeout without work.
type Queue struct {
	name    string
	handler Handler

	maxRetries    int
	retryDelay    time.Duration
	maxRetryDelay time.Duration
	idleTimeout   time.Duration
	retryable     func(error) bool
	onFailure     FailureHandler
	onLaneChange  func(active int)
	logger        *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	lanes   map[string]*lane
	started bool
	stopped bool
}

// NewQueue builds a new queue with the provided handler.
func NewQueue(name string, handler Handler, cfg QueueConfig) *Queue {
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 100 * time.Millisecond
	}
	if cfg.MaxRetryDelay < cfg.RetryDelay {
		cfg.MaxRetryDelay = cfg.RetryDelay
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	if cfg.Retryable == nil {
		cfg.Retryable = func(error) bool { return false }
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Queue{
		name:          name,
		handler:       handler,
		maxRetries:    cfg.MaxRetries,
		retryDelay:    cfg.RetryDelay,
		maxRetryDelay: cfg.MaxRetryDelay,
		idleTimeout:   cfg.IdleTimeout,
		retryable:     cfg.Retryable,
		onFailure:     cfg.OnFailure,
		onLaneChange:  cfg.OnLaneChange,
		logger:        cfg.Logger,
		lanes:         make(map[string]*lane),
	}
}

// Start enables Enqueue. Safe to call once.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started {
		return
	}
	q.ctx, q.cancel = context.WithCancel(ctx)
	q.started = true
	q.logger.Sugar().Infow("queue started", "queue", q.name)
}

// Stop cancels lanes and waits for them to exit. Jobs still pending are dropped.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started || q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	q.cancel()
	q.mu.Unlock()
	q.wg.Wait()
	q.logger.Sugar().Infow("queue stopped", "queue", q.name)
}

// Enqueue appends a job to its lane without blocking on the lane's progress.
func (q *Queue) Enqueue(job Job) error {
	if job.Lane == "" {
		return fmt.Errorf("queue %s: job %s has no lane", q.name, job.ID)
	}
	if job.Enqueued.IsZero() {
		job.Enqueued = time.Now().UTC()
	}

	q.mu.Lock()
	if !q.started || q.stopped || q.ctx.Err() != nil {
		q.mu.Unlock()
		return fmt.Errorf("queue %s: %w", q.name, ErrQueueStopped)
	}
	l, ok := q.lanes[job.Lane]
	if !ok {
		l = &lane{key: job.Lane, wake: make(chan struct{}, 1)}
		q.lanes[job.Lane] = l
		q.wg.Add(1)
		go q.runLane(l)
	}
	l.pending = append(l.pending, job)
	active := len(q.lanes)
	q.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	if !ok && q.onLaneChange != nil {
		q.onLaneChange(active)
	}
	return nil
}

// Cancel removes a job that has not been picked up yet. It reports false when
// the job is unknown or already running.
func (q *Queue) Cancel(laneKey, jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[laneKey]
	if !ok {
		return false
	}
	for i, job := range l.pending {
		if job.ID == jobID {
			l.pending = append(l.pending[:i], l.pending[i+1:]...)
			return true
		}
	}
	return false
}

// Position returns the 1-based place of a waiting job in its lane, or 0.
func (q *Queue) Position(laneKey, jobID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	l, ok := q.lanes[laneKey]
	if !ok {
		return 0
	}
	for i, job := range l.pending {
		if job.ID == jobID {
			return i + 1
		}
	}
	return 0
}

// Lanes reports the number of lanes with a running goroutine.
func (q *Queue) Lanes() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lanes)
}

func (q *Queue) runLane(l *lane) {
	defer q.wg.Done()
	idle := time.NewTimer(q.idleTimeout)
	defer idle.Stop()

	for {
		if job, ok := q.next(l); ok {
			q.process(job)
			continue
		}

		if !idle.Stop() {
			select {
			case <-idle.C:
			default:
			}
		}
		idle.Reset(q.idleTimeout)

		select {
		case <-q.ctx.Done():
			q.retire(l)
			return
		case <-l.wake:
		case <-idle.C:
			if q.retireIfIdle(l) {
				return
			}
		}
	}
}

func (q *Queue) next(l *lane) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ctx.Err() != nil || len(l.pending) == 0 {
		return Job{}, false
	}
	job := l.pending[0]
	l.pending[0] = Job{}
	l.pending = l.pending[1:]
	return job, true
}

func (q *Queue) retireIfIdle(l *lane) bool {
	q.mu.Lock()
	if len(l.pending) > 0 {
		q.mu.Unlock()
		return false
	}
	delete(q.lanes, l.key)
	active := len(q.lanes)
	q.mu.Unlock()
	if q.onLaneChange != nil {
		q.onLaneChange(active)
	}
	return true
}

func (q *Queue) retire(l *lane) {
	q.mu.Lock()
	delete(q.lanes, l.key)
	q.mu.Unlock()
}

// process runs a job to completion. Retries happen inside the lane so later
// jobs of the same lane never overtake an earlier one.
func (q *Queue) process(job Job) {
	for {
		err := q.invoke(job)
		if err == nil {
			return
		}
		if !q.retryable(err) || job.Attempt >= q.maxRetries {
			q.fail(job, err)
			return
		}
		job.Attempt++
		delay := q.backoff(job.Attempt)
		q.logger.Sugar().Warnw("job failed, retrying", "queue", q.name, "lane", job.Lane, "job_id", job.ID, "type", job.Type, "attempt", job.Attempt, "delay", delay, "error", err)

		timer := time.NewTimer(delay)
		select {
		case <-q.ctx.Done():
			timer.Stop()
			q.fail(job, fmt.Errorf("%w: %v", q.ctx.Err(), err))
			return
		case <-timer.C:
		}
	}
}

func (q *Queue) invoke(job Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job %s panicked: %v", job.ID, r)
		}
	}()
	return q.handler(q.ctx, job)
}

func (q *Queue) fail(job Job, err error) {
	q.logger.Sugar().Errorw("job failed", "queue", q.name, "lane", job.Lane, "job_id", job.ID, "type", job.Type, "attempt", job.Attempt, "error", err)
	if q.onFailure == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			q.logger.Sugar().Errorw("failure handler panicked", "queue", q.name, "job_id", job.ID, "panic", r)
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	q.onFailure(ctx, job, err)
}

func (q *Queue) backoff(attempt int) time.Duration {
	delay := q.retryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= q.maxRetryDelay {
			return q.maxRetryDelay
		}
	}
	return delay
}
