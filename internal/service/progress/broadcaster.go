package progress

import (
	"context"
	"sync"

	"github.com/kapu/outlier-scout-go/internal/constants"
	"github.com/kapu/outlier-scout-go/internal/domain"
	"github.com/kapu/outlier-scout-go/internal/service/metrics"
	"go.uber.org/zap"
)

// Broadcaster fans progress events out to the observers of one analysis.
// Publish never waits on a subscriber, and with no subscribers it is a no-op:
// events are not kept for late subscribers.
type Broadcaster interface {
	Publish(ctx context.Context, analysisID string, event domain.ProgressEvent) error
	Subscribe(ctx context.Context, analysisID string) (*Subscription, error)
}

// Subscription delivers events for one analysis in publish order. The channel
// is closed after Close, after the subscribe context ends, or when the
// subscriber fell too far behind and was dropped.
type Subscription struct {
	AnalysisID string

	box     *mailbox
	onClose func()
	once    sync.Once
}

func (s *Subscription) Events() <-chan domain.ProgressEvent {
	return s.box.out
}

func (s *Subscription) Close() {
	s.once.Do(func() {
		s.box.close()
		if s.onClose != nil {
			s.onClose()
		}
	})
}

// mailbox is an unbounded-until-limit queue drained by its own goroutine, so
// the publisher only ever appends under a short lock.
type mailbox struct {
	mu      sync.Mutex
	queue   []domain.ProgressEvent
	limit   int
	closed  bool
	signal  chan struct{}
	done    chan struct{}
	out     chan domain.ProgressEvent
	dropped bool
}

func newMailbox(limit int) *mailbox {
	if limit <= 0 {
		limit = constants.Retention.ProgressBuffer
	}
	m := &mailbox{
		limit:  limit,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
		out:    make(chan domain.ProgressEvent),
	}
	go m.drain()
	return m
}

// push reports false when the mailbox is closed or has just overflowed.
func (m *mailbox) push(event domain.ProgressEvent) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	if len(m.queue) >= m.limit {
		m.dropped = true
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, event)
	m.mu.Unlock()

	select {
	case m.signal <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox) isDropped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dropped
}

func (m *mailbox) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	close(m.done)
}

func (m *mailbox) drain() {
	defer close(m.out)
	for {
		m.mu.Lock()
		if len(m.queue) == 0 {
			m.mu.Unlock()
			select {
			case <-m.signal:
				continue
			case <-m.done:
				return
			}
		}
		event := m.queue[0]
		m.queue = m.queue[1:]
		m.mu.Unlock()

		select {
		case m.out <- event:
		case <-m.done:
			return
		}
	}
}

// MemoryBroadcaster serves subscribers inside this process.
type MemoryBroadcaster struct {
	mu     sync.RWMutex
	subs   map[string]map[int]*Subscription
	nextID int
	limit  int
	logger *zap.Logger
}

func NewMemoryBroadcaster(limit int, logger *zap.Logger) *MemoryBroadcaster {
	return &MemoryBroadcaster{
		subs:   make(map[string]map[int]*Subscription),
		limit:  limit,
		logger: logger,
	}
}

func (b *MemoryBroadcaster) Publish(_ context.Context, analysisID string, event domain.ProgressEvent) error {
	b.mu.RLock()
	targets := make([]*Subscription, 0, len(b.subs[analysisID]))
	for _, sub := range b.subs[analysisID] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	for _, sub := range targets {
		if !sub.box.push(event) && sub.box.isDropped() {
			b.logger.Warn("Progress subscriber fell behind, dropping",
				zap.String("analysis_id", analysisID))
			metrics.ProgressDropped.Inc()
			sub.Close()
		}
	}
	return nil
}

func (b *MemoryBroadcaster) Subscribe(ctx context.Context, analysisID string) (*Subscription, error) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &Subscription{
		AnalysisID: analysisID,
		box:        newMailbox(b.limit),
	}
	sub.onClose = func() { b.remove(analysisID, id) }
	if b.subs[analysisID] == nil {
		b.subs[analysisID] = make(map[int]*Subscription)
	}
	b.subs[analysisID][id] = sub
	b.mu.Unlock()

	context.AfterFunc(ctx, sub.Close)
	return sub, nil
}

func (b *MemoryBroadcaster) remove(analysisID string, id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[analysisID], id)
	if len(b.subs[analysisID]) == 0 {
		delete(b.subs, analysisID)
	}
}

// SubscriberCount is the number of live subscriptions for analysisID.
func (b *MemoryBroadcaster) SubscriberCount(analysisID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[analysisID])
}
