package quota

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/kapu/outlier-scout-go/internal/util"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisKeyPrefix = "outlier:quota"

// reserveScript checks remaining budget and debits it in one server-side step.
// KEYS[1] consumed counter, KEYS[2] per-operation hash.
// ARGV[1] budget, ARGV[2] cost, ARGV[3] operation, ARGV[4] expire-at (unix seconds).
var reserveScript = redis.NewScript(`
local consumed = tonumber(redis.call('GET', KEYS[1]) or '0')
local budget = tonumber(ARGV[1])
local cost = tonumber(ARGV[2])

if consumed + cost > budget then
	return {0, consumed}
end

local total = redis.call('INCRBY', KEYS[1], cost)
redis.call('HINCRBY', KEYS[2], ARGV[3], cost)
redis.call('EXPIREAT', KEYS[1], ARGV[4])
redis.call('EXPIREAT', KEYS[2], ARGV[4])
return {1, total}
`)

// RedisLedger shares one budget across every process pointed at the same Redis.
// The budget period is part of the key, so a new period starts from zero
// without any process having to clear the old counter.
type RedisLedger struct {
	client       redis.UniversalClient
	budget       int
	lowWatermark int
	loc          *time.Location
	now          func() time.Time
	logger       *zap.Logger

	mu         sync.Mutex
	lastPeriod string
}

func NewRedisLedger(client redis.UniversalClient, cfg Config, logger *zap.Logger) *RedisLedger {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	l := &RedisLedger{
		client:       client,
		budget:       cfg.DailyBudget,
		lowWatermark: cfg.LowWatermark,
		loc:          cfg.Location,
		now:          time.Now,
		logger:       logger,
	}
	l.lastPeriod = util.PeriodKey(l.now(), l.loc)

	logger.Info("Quota ledger initialized",
		zap.String("backend", "redis"),
		zap.Int("budget", l.budget),
		zap.String("period", l.lastPeriod))

	return l
}

// WithClock replaces the ledger's time source.
func (l *RedisLedger) WithClock(now func() time.Time) *RedisLedger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
	l.lastPeriod = util.PeriodKey(now(), l.loc)
	return l
}

func (l *RedisLedger) keys(period string) (string, string) {
	return fmt.Sprintf("%s:%s:consumed", redisKeyPrefix, period),
		fmt.Sprintf("%s:%s:ops", redisKeyPrefix, period)
}

func (l *RedisLedger) Reserve(ctx context.Context, operation string, cost int) (bool, error) {
	if cost < 0 {
		cost = 0
	}
	now, _ := l.advance()
	consumedKey, opsKey := l.keys(util.PeriodKey(now, l.loc))
	resetAt := util.NextMidnight(now, l.loc)
	expireAt := resetAt.Add(24 * time.Hour).Unix()

	res, err := reserveScript.Run(ctx, l.client, []string{consumedKey, opsKey},
		l.budget, cost, operation, expireAt).Int64Slice()
	if err != nil {
		l.logger.Error("Quota reservation failed", zap.String("operation", operation), zap.Error(err))
		return false, fmt.Errorf("quota reserve: %w", err)
	}
	if len(res) != 2 {
		return false, fmt.Errorf("quota reserve: unexpected reply %v", res)
	}

	consumed := int(res[1])
	if res[0] != 1 {
		l.logger.Warn("Quota reservation rejected",
			zap.String("operation", operation),
			zap.Int("cost", cost),
			zap.Int("remaining", l.budget-consumed),
			zap.Time("resetAt", resetAt))
		return false, nil
	}

	remaining := l.budget - consumed
	l.logger.Debug("Quota reserved",
		zap.String("operation", operation),
		zap.Int("cost", cost),
		zap.Int("consumed", consumed),
		zap.Int("remaining", remaining))

	if l.lowWatermark > 0 && remaining < l.lowWatermark && remaining+cost >= l.lowWatermark {
		l.logger.Warn("Quota running low",
			zap.Int("remaining", remaining),
			zap.Time("resetAt", resetAt))
	}

	return true, nil
}

// ResetIfDue notices a period rollover. Counters of the new period start at
// zero by construction, so this only advances local bookkeeping.
func (l *RedisLedger) ResetIfDue(_ context.Context) (bool, error) {
	_, rolled := l.advance()
	return rolled, nil
}

// advance reads the clock and records a period rollover under mu, so callers
// never race WithClock.
func (l *RedisLedger) advance() (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	period := util.PeriodKey(now, l.loc)
	if period == l.lastPeriod {
		return now, false
	}

	l.logger.Info("Quota period reset",
		zap.String("previous", l.lastPeriod),
		zap.String("current", period))
	l.lastPeriod = period
	return now, true
}

func (l *RedisLedger) Status(ctx context.Context) (Status, error) {
	now, _ := l.advance()
	consumedKey, opsKey := l.keys(util.PeriodKey(now, l.loc))

	consumed, err := l.client.Get(ctx, consumedKey).Int()
	if err != nil && err != redis.Nil {
		return Status{}, fmt.Errorf("quota status: %w", err)
	}

	rawOps, err := l.client.HGetAll(ctx, opsKey).Result()
	if err != nil {
		return Status{}, fmt.Errorf("quota status: %w", err)
	}

	byOp := make(map[string]int, len(rawOps))
	for op, v := range rawOps {
		if n, convErr := strconv.Atoi(v); convErr == nil {
			byOp[op] = n
		}
	}

	return Status{
		Budget:      l.budget,
		Consumed:    consumed,
		Remaining:   l.budget - consumed,
		ByOperation: byOp,
		ResetAt:     util.NextMidnight(now, l.loc),
	}, nil
}
