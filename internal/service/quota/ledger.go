package quota

import (
	"context"
	"sync"
	"time"

	"github.com/kapu/outlier-scout-go/internal/util"
	"go.uber.org/zap"
)

// Ledger tracks consumption of the finite daily external-API budget.
// Reserve must be a single atomic check-and-increment: two concurrent callers
// can never both succeed when the budget only covers one of them.
type Ledger interface {
	Reserve(ctx context.Context, operation string, cost int) (bool, error)
	ResetIfDue(ctx context.Context) (bool, error)
	Status(ctx context.Context) (Status, error)
}

// Status is a snapshot of the current budget period.
type Status struct {
	Budget      int            `json:"budget"`
	Consumed    int            `json:"consumed"`
	Remaining   int            `json:"remaining"`
	ByOperation map[string]int `json:"by_operation"`
	ResetAt     time.Time      `json:"reset_at"`
}

// Config holds the ledger's budget period settings.
type Config struct {
	DailyBudget  int
	Location     *time.Location
	LowWatermark int
}

// MemoryLedger is a process-local ledger.
type MemoryLedger struct {
	budget       int
	lowWatermark int
	loc          *time.Location
	now          func() time.Time
	logger       *zap.Logger

	mu          sync.Mutex
	consumed    int
	byOperation map[string]int
	resetAt     time.Time
}

type MemoryOption func(*MemoryLedger)

// WithClock replaces the ledger's time source.
func WithClock(now func() time.Time) MemoryOption {
	return func(l *MemoryLedger) {
		l.now = now
	}
}

func NewMemoryLedger(cfg Config, logger *zap.Logger, opts ...MemoryOption) *MemoryLedger {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	l := &MemoryLedger{
		budget:       cfg.DailyBudget,
		lowWatermark: cfg.LowWatermark,
		loc:          cfg.Location,
		now:          time.Now,
		logger:       logger,
		byOperation:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.resetAt = util.NextMidnight(l.now(), l.loc)

	logger.Info("Quota ledger initialized",
		zap.String("backend", "memory"),
		zap.Int("budget", l.budget),
		zap.Time("resetAt", l.resetAt))

	return l
}

func (l *MemoryLedger) Reserve(_ context.Context, operation string, cost int) (bool, error) {
	if cost < 0 {
		cost = 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.resetIfDueLocked()

	if cost > l.budget-l.consumed {
		l.logger.Warn("Quota reservation rejected",
			zap.String("operation", operation),
			zap.Int("cost", cost),
			zap.Int("remaining", l.budget-l.consumed),
			zap.Time("resetAt", l.resetAt))
		return false, nil
	}

	l.consumed += cost
	l.byOperation[operation] += cost
	remaining := l.budget - l.consumed

	l.logger.Debug("Quota reserved",
		zap.String("operation", operation),
		zap.Int("cost", cost),
		zap.Int("consumed", l.consumed),
		zap.Int("remaining", remaining))

	if l.lowWatermark > 0 && remaining < l.lowWatermark && remaining+cost >= l.lowWatermark {
		l.logger.Warn("Quota running low",
			zap.Int("remaining", remaining),
			zap.Time("resetAt", l.resetAt))
	}

	return true, nil
}

func (l *MemoryLedger) ResetIfDue(_ context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.resetIfDueLocked(), nil
}

// resetIfDueLocked must be called with mu held.
func (l *MemoryLedger) resetIfDueLocked() bool {
	now := l.now()
	if now.Before(l.resetAt) {
		return false
	}

	l.consumed = 0
	l.byOperation = make(map[string]int)
	for !now.Before(l.resetAt) {
		l.resetAt = l.resetAt.AddDate(0, 0, 1)
	}

	l.logger.Info("Quota period reset", zap.Time("nextReset", l.resetAt))
	return true
}

func (l *MemoryLedger) Status(_ context.Context) (Status, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.resetIfDueLocked()

	byOp := make(map[string]int, len(l.byOperation))
	for op, used := range l.byOperation {
		byOp[op] = used
	}

	return Status{
		Budget:      l.budget,
		Consumed:    l.consumed,
		Remaining:   l.budget - l.consumed,
		ByOperation: byOp,
		ResetAt:     l.resetAt,
	}, nil
}
