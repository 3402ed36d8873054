package queue

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kapu/outlier-scout-go/internal/constants"
	"github.com/kapu/outlier-scout-go/internal/service/metrics"
	"github.com/kapu/outlier-scout-go/pkg/errors"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"
)

var (
	ErrUnknownQueue   = stderrors.New("unknown queue")
	ErrUnknownJobType = stderrors.New("no handler registered for job type")
	ErrJobNotFound    = stderrors.New("queue job not found")
	ErrNotRetryable   = stderrors.New("only failed jobs can be retried")
	ErrJobActive      = stderrors.New("job is being processed")
	ErrStopped        = stderrors.New("queue manager is shut down")
	ErrDuplicateJob   = stderrors.New("queue job id already in use")
)

// Handler processes one job. A returned error is classified with
// errors.Classify: only transient failures are retried.
type Handler func(ctx context.Context, job *Job) error

type Config struct {
	Concurrency        map[string]int
	HistoryLimit       int
	DefaultMaxAttempts int
	DefaultBackoff     Backoff
}

func DefaultConfig() Config {
	concurrency := make(map[string]int, len(constants.QueueConcurrency))
	for name, n := range constants.QueueConcurrency {
		concurrency[name] = n
	}
	return Config{
		Concurrency:        concurrency,
		HistoryLimit:       constants.Retention.QueueHistory,
		DefaultMaxAttempts: constants.RetryConfig.MaxAttempts,
		DefaultBackoff:     DefaultBackoff(),
	}
}

// Manager owns the named queues and their worker pools.
type Manager struct {
	cfg    Config
	logger *zap.Logger
	now    func() time.Time

	queues map[string]*queueState
	names  []string

	mu       sync.RWMutex
	handlers map[string]Handler
	index    map[string]*queueState

	runMu   sync.Mutex
	running bool
	stopped bool
	cancel  context.CancelFunc
	wg      conc.WaitGroup
}

func NewManager(cfg Config, logger *zap.Logger) *Manager {
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = constants.Retention.QueueHistory
	}
	if cfg.DefaultMaxAttempts <= 0 {
		cfg.DefaultMaxAttempts = constants.RetryConfig.MaxAttempts
	}
	if cfg.DefaultBackoff.Delay <= 0 {
		cfg.DefaultBackoff = DefaultBackoff()
	}

	m := &Manager{
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		queues:   make(map[string]*queueState, len(cfg.Concurrency)),
		handlers: make(map[string]Handler),
		index:    make(map[string]*queueState),
	}
	for name, n := range cfg.Concurrency {
		if n <= 0 {
			n = 1
		}
		m.queues[name] = newQueueState(name, n)
		m.names = append(m.names, name)
	}
	sort.Strings(m.names)
	return m
}

// Register binds a handler to a job type on a queue.
func (m *Manager) Register(queueName, jobType string, handler Handler) error {
	if _, ok := m.queues[queueName]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[handlerKey(queueName, jobType)] = handler
	return nil
}

func (m *Manager) Enqueue(ctx context.Context, queueName, jobType string, payload any, opts Options) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	q, ok := m.queues[queueName]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}
	if m.handler(queueName, jobType) == nil {
		return "", fmt.Errorf("%w: %s/%s", ErrUnknownJobType, queueName, jobType)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal %s payload: %w", jobType, err)
	}

	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}

	now := m.now()
	job := &Job{
		ID:          id,
		Queue:       queueName,
		Type:        jobType,
		Payload:     raw,
		Priority:    opts.Priority,
		State:       StateWaiting,
		MaxAttempts: opts.MaxAttempts,
		Backoff:     m.cfg.DefaultBackoff,
		CreatedAt:   now,
		ProcessAt:   now,
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = m.cfg.DefaultMaxAttempts
	}
	if opts.Backoff != nil {
		job.Backoff = *opts.Backoff
	}

	m.mu.Lock()
	if _, exists := m.index[job.ID]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}
	m.index[job.ID] = q
	m.mu.Unlock()

	if opts.Delay > 0 {
		job.ProcessAt = now.Add(opts.Delay)
		m.schedule(q, job)
	} else {
		q.push(job)
	}

	m.logger.Debug("Job enqueued",
		zap.String("queue", queueName),
		zap.String("type", jobType),
		zap.String("job_id", job.ID),
		zap.Int("priority", job.Priority),
		zap.Duration("delay", opts.Delay),
	)
	return job.ID, nil
}

// Get returns a copy of the job, wherever it is in its lifecycle.
func (m *Manager) Get(jobID string) (*Job, error) {
	q := m.lookup(jobID)
	if q == nil {
		return nil, ErrJobNotFound
	}
	job := q.find(jobID)
	if job == nil {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// Retry moves a failed job back to waiting with a fresh attempt budget.
func (m *Manager) Retry(jobID string) error {
	q := m.lookup(jobID)
	if q == nil {
		return ErrJobNotFound
	}
	if err := q.retry(jobID); err != nil {
		return err
	}
	m.logger.Info("Job retried manually", zap.String("queue", q.name), zap.String("job_id", jobID))
	return nil
}

// Remove drops a job that is not currently being processed.
func (m *Manager) Remove(jobID string) error {
	q := m.lookup(jobID)
	if q == nil {
		return ErrJobNotFound
	}
	if err := q.remove(jobID); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.index, jobID)
	m.mu.Unlock()
	return nil
}

func (m *Manager) Stats(queueName string) (Stats, error) {
	q, ok := m.queues[queueName]
	if !ok {
		return Stats{}, fmt.Errorf("%w: %s", ErrUnknownQueue, queueName)
	}
	return q.stats(), nil
}

func (m *Manager) AllStats() []Stats {
	out := make([]Stats, 0, len(m.names))
	for _, name := range m.names {
		out = append(out, m.queues[name].stats())
	}
	return out
}

// Start launches the worker pools. Workers stop when ctx ends or on Shutdown.
func (m *Manager) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.stopped {
		return ErrStopped
	}
	if m.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true

	for _, name := range m.names {
		q := m.queues[name]
		for i := 0; i < q.concurrency; i++ {
			m.wg.Go(func() { m.work(runCtx, q) })
		}
		m.logger.Info("Queue workers started", zap.String("queue", name), zap.Int("concurrency", q.concurrency))
	}
	return nil
}

// Shutdown stops the workers and waits for in-flight handlers to return.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.runMu.Lock()
	m.stopped = true
	cancel := m.cancel
	m.runMu.Unlock()

	if cancel != nil {
		cancel()
	}
	for _, name := range m.names {
		m.queues[name].stopWake()
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("Queue workers stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) work(ctx context.Context, q *queueState) {
	for ctx.Err() == nil {
		job := q.dequeue(m.now())
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-q.wake:
			}
			continue
		}
		m.process(ctx, q, job)
	}
}

func (m *Manager) process(ctx context.Context, q *queueState, job *Job) {
	handler := m.handler(job.Queue, job.Type)

	metrics.JobsActive.WithLabelValues(q.name).Inc()
	defer metrics.JobsActive.WithLabelValues(q.name).Dec()

	var err error
	if handler == nil {
		err = errors.NewServiceError("no handler registered", "queue", job.Type, ErrUnknownJobType)
	} else {
		var pc panics.Catcher
		pc.Try(func() { err = handler(ctx, job.clone()) })
		if r := pc.Recovered(); r != nil {
			m.logger.Error("Job handler panicked",
				zap.String("queue", job.Queue),
				zap.String("type", job.Type),
				zap.String("job_id", job.ID),
				zap.String("panic", r.String()),
			)
			err = errors.NewServiceError("handler panicked", "queue", job.Type, r.AsError())
		}
	}

	if err == nil {
		m.pruneIndex(q.complete(job.ID, m.now(), m.cfg.HistoryLimit))
		metrics.JobsProcessed.WithLabelValues(q.name, job.Type, "completed").Inc()
		return
	}

	now := m.now()
	dueAt, retried, pruned := q.fail(job.ID, err, now, m.cfg.HistoryLimit)
	m.pruneIndex(pruned)
	if retried {
		m.logger.Warn("Job failed, retry scheduled",
			zap.String("queue", job.Queue),
			zap.String("type", job.Type),
			zap.String("job_id", job.ID),
			zap.Int("attempt", job.Attempt()),
			zap.Duration("retry_in", dueAt.Sub(now)),
			zap.Error(err),
		)
		m.armTimer(q, dueAt)
		metrics.JobsProcessed.WithLabelValues(q.name, job.Type, "retried").Inc()
		return
	}

	m.logger.Error("Job failed",
		zap.String("queue", job.Queue),
		zap.String("type", job.Type),
		zap.String("job_id", job.ID),
		zap.Int("attempt", job.Attempt()),
		zap.String("kind", string(errors.Classify(err))),
		zap.Error(err),
	)
	metrics.JobsProcessed.WithLabelValues(q.name, job.Type, "failed").Inc()
}

func (m *Manager) schedule(q *queueState, job *Job) {
	q.delay(job)
	m.armTimer(q, job.ProcessAt)
}

// armTimer wakes the queue's promoter at the given due time. Each queue keeps
// a single timer, re-armed for the next delayed job after every promotion.
func (m *Manager) armTimer(q *queueState, at time.Time) {
	q.armWake(at, m.now(), func() {
		if next, ok := q.promote(m.now()); ok {
			m.armTimer(q, next)
		}
	})
}

func (m *Manager) handler(queueName, jobType string) Handler {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.handlers[handlerKey(queueName, jobType)]
}

func (m *Manager) lookup(jobID string) *queueState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.index[jobID]
}

func (m *Manager) pruneIndex(ids []string) {
	if len(ids) == 0 {
		return
	}
	m.mu.Lock()
	for _, id := range ids {
		delete(m.index, id)
	}
	m.mu.Unlock()
}

func handlerKey(queueName, jobType string) string {
	return queueName + "/" + jobType
}
