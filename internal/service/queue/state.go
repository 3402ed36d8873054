package queue

import (
	"sort"
	"sync"
	"time"

	"github.com/kapu/outlier-scout-go/pkg/errors"
)

// queueState holds one queue's jobs. Every transition happens under mu.
type queueState struct {
	name        string
	concurrency int

	mu        sync.Mutex
	seq       uint64
	waiting   []*Job
	delayed   map[string]*Job
	active    map[string]*Job
	history   []*Job
	completed int64
	failed    int64

	wake chan struct{}

	// one timer promotes delayed jobs; it is always armed for the earliest due time
	timer    *time.Timer
	timerAt  time.Time
	timerGen uint64
	closed   bool
}

func newQueueState(name string, concurrency int) *queueState {
	return &queueState{
		name:        name,
		concurrency: concurrency,
		delayed:     make(map[string]*Job),
		active:      make(map[string]*Job),
		wake:        make(chan struct{}, 1),
	}
}

func (q *queueState) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// insertLocked keeps waiting ordered by priority (high first), then arrival.
func (q *queueState) insertLocked(job *Job) {
	q.seq++
	job.seq = q.seq
	job.State = StateWaiting

	i := sort.Search(len(q.waiting), func(i int) bool {
		w := q.waiting[i]
		return w.Priority < job.Priority || (w.Priority == job.Priority && w.seq > job.seq)
	})
	q.waiting = append(q.waiting, nil)
	copy(q.waiting[i+1:], q.waiting[i:])
	q.waiting[i] = job
}

func (q *queueState) push(job *Job) {
	q.mu.Lock()
	q.insertLocked(job)
	q.mu.Unlock()
	q.signal()
}

func (q *queueState) delay(job *Job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job.State = StateDelayed
	q.delayed[job.ID] = job
}

// dequeue claims the head of the queue. Two workers never receive the same job.
func (q *queueState) dequeue(now time.Time) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.waiting) == 0 {
		return nil
	}
	job := q.waiting[0]
	q.waiting[0] = nil
	q.waiting = q.waiting[1:]

	started := now
	job.State = StateActive
	job.StartedAt = &started
	q.active[job.ID] = job

	// pass the wake-up on so idle workers pick up the rest
	if len(q.waiting) > 0 {
		q.signal()
	}
	return job.clone()
}

// complete finishes an active job and returns the ids pruned from the history.
func (q *queueState) complete(id string, now time.Time, limit int) []string {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.active[id]
	if !ok {
		return nil
	}
	delete(q.active, id)

	finished := now
	job.State = StateCompleted
	job.FinishedAt = &finished
	job.LastError = ""
	job.ErrorKind = ""
	q.history = append(q.history, job)
	q.completed++
	return q.pruneLocked(limit)
}

// fail records a failed attempt and either delays the job for a retry or moves
// it to the history as failed, returning the ids pruned from the history. A
// retried job is due at the returned time.
func (q *queueState) fail(id string, err error, now time.Time, limit int) (time.Time, bool, []string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.active[id]
	if !ok {
		return time.Time{}, false, nil
	}
	delete(q.active, id)

	retry := job.WillRetry(err)
	job.Attempts++
	job.LastError = err.Error()
	job.ErrorKind = errors.Classify(err)

	if retry {
		wait := job.Backoff.Next(job.Attempts)
		job.State = StateDelayed
		job.ProcessAt = now.Add(wait)
		q.delayed[job.ID] = job
		return job.ProcessAt, true, nil
	}

	finished := now
	job.State = StateFailed
	job.FinishedAt = &finished
	q.history = append(q.history, job)
	q.failed++
	return time.Time{}, false, q.pruneLocked(limit)
}

// promote moves due delayed jobs to waiting. It returns the due time of the
// next delayed job, if any is left.
func (q *queueState) promote(now time.Time) (time.Time, bool) {
	q.mu.Lock()

	promoted := 0
	var next time.Time
	for id, job := range q.delayed {
		if !job.ProcessAt.After(now) {
			delete(q.delayed, id)
			q.insertLocked(job)
			promoted++
			continue
		}
		if next.IsZero() || job.ProcessAt.Before(next) {
			next = job.ProcessAt
		}
	}
	q.mu.Unlock()

	if promoted > 0 {
		q.signal()
	}
	if next.IsZero() {
		return time.Time{}, false
	}
	return next, true
}

// armWake makes sure fire runs no later than at. An armed timer that is due
// earlier is kept; a later one is replaced.
func (q *queueState) armWake(at, now time.Time, fire func()) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	if q.timer != nil {
		if !at.Before(q.timerAt) {
			return
		}
		q.timer.Stop()
	}

	q.timerGen++
	gen := q.timerGen
	q.timerAt = at
	q.timer = time.AfterFunc(at.Sub(now), func() {
		q.mu.Lock()
		if gen != q.timerGen || q.closed {
			q.mu.Unlock()
			return
		}
		q.timer = nil
		q.timerAt = time.Time{}
		q.mu.Unlock()
		fire()
	})
}

// stopWake disarms the timer for good. Delayed jobs stay delayed.
func (q *queueState) stopWake() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	q.timerGen++
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
		q.timerAt = time.Time{}
	}
}

func (q *queueState) timerArmed() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.timerAt, q.timer != nil
}

func (q *queueState) retry(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.historyIndexLocked(id)
	if i < 0 {
		if q.isPendingLocked(id) {
			return ErrNotRetryable
		}
		return ErrJobNotFound
	}
	job := q.history[i]
	if job.State != StateFailed {
		return ErrNotRetryable
	}

	q.history = append(q.history[:i], q.history[i+1:]...)
	job.Attempts = 0
	job.LastError = ""
	job.ErrorKind = ""
	job.StartedAt = nil
	job.FinishedAt = nil
	q.insertLocked(job)
	q.signal()
	return nil
}

func (q *queueState) remove(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.active[id]; ok {
		return ErrJobActive
	}
	if _, ok := q.delayed[id]; ok {
		delete(q.delayed, id)
		return nil
	}
	for i, job := range q.waiting {
		if job.ID == id {
			q.waiting = append(q.waiting[:i], q.waiting[i+1:]...)
			return nil
		}
	}
	if i := q.historyIndexLocked(id); i >= 0 {
		q.history = append(q.history[:i], q.history[i+1:]...)
		return nil
	}
	return ErrJobNotFound
}

func (q *queueState) find(id string) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	if job, ok := q.active[id]; ok {
		return job.clone()
	}
	if job, ok := q.delayed[id]; ok {
		return job.clone()
	}
	for _, job := range q.waiting {
		if job.ID == id {
			return job.clone()
		}
	}
	if i := q.historyIndexLocked(id); i >= 0 {
		return q.history[i].clone()
	}
	return nil
}

// pruneLocked trims the history to limit entries, oldest first, and returns
// the removed ids.
func (q *queueState) pruneLocked(limit int) []string {
	excess := len(q.history) - limit
	if excess <= 0 {
		return nil
	}
	ids := make([]string, 0, excess)
	for _, job := range q.history[:excess] {
		ids = append(ids, job.ID)
	}
	q.history = append([]*Job(nil), q.history[excess:]...)
	return ids
}

func (q *queueState) stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Queue:       q.name,
		Concurrency: q.concurrency,
		Waiting:     len(q.waiting),
		Active:      len(q.active),
		Delayed:     len(q.delayed),
		Completed:   q.completed,
		Failed:      q.failed,
	}
}

func (q *queueState) historyIndexLocked(id string) int {
	for i, job := range q.history {
		if job.ID == id {
			return i
		}
	}
	return -1
}

func (q *queueState) isPendingLocked(id string) bool {
	if _, ok := q.active[id]; ok {
		return true
	}
	if _, ok := q.delayed[id]; ok {
		return true
	}
	for _, job := range q.waiting {
		if job.ID == id {
			return true
		}
	}
	return false
}
