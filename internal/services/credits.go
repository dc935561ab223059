package services

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/papergloss/backend/internal/domain"
	"github.com/papergloss/backend/internal/platform/logger"
)

// CreditService enforces limited-use credentials. One use is consumed per
// session start, never per segment. The decrement is atomic so a single-use
// code cannot be double-spent by concurrent requests.
type CreditService interface {
	// Admit consumes one use of the credential. ErrCredentialUnknown if the
	// code was never granted, ErrUsageExhausted if no uses remain.
	Admit(ctx context.Context, code string) error
	// Refund returns one use, for sessions that failed to start after
	// admission.
	Refund(ctx context.Context, code string) error
	// Grant sets the remaining-use count for a code (admin path).
	Grant(ctx context.Context, code string, uses int) error
	// Remaining reports the current remaining-use count.
	Remaining(ctx context.Context, code string) (int, error)
}

// creditCommander is the slice of the redis client the service needs; tests
// substitute a fake.
type creditCommander interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Decr(ctx context.Context, key string) *redis.IntCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Get(ctx context.Context, key string) *redis.StringCmd
}

type creditService struct {
	log *logger.Logger
	rdb creditCommander
}

func NewCreditService(rdb *redis.Client, log *logger.Logger) CreditService {
	return &creditService{
		log: log.With("service", "CreditService"),
		rdb: rdb,
	}
}

func creditKey(code string) string {
	return "credit:uses:" + code
}

func (s *creditService) Admit(ctx context.Context, code string) error {
	key := creditKey(code)
	exists, err := s.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("credit lookup: %w", err)
	}
	if exists == 0 {
		return domain.ErrCredentialUnknown
	}
	// DECR is the admission point: going negative means someone else spent
	// the last use first, so put it back and refuse.
	remaining, err := s.rdb.Decr(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("credit decrement: %w", err)
	}
	if remaining < 0 {
		if _, rerr := s.rdb.Incr(ctx, key).Result(); rerr != nil {
			s.log.Error("credit restore after refused admit failed", "code", code, "error", rerr)
		}
		return domain.ErrUsageExhausted
	}
	s.log.Info("credential use consumed", "remaining", remaining)
	return nil
}

func (s *creditService) Refund(ctx context.Context, code string) error {
	if _, err := s.rdb.Incr(ctx, creditKey(code)).Result(); err != nil {
		return fmt.Errorf("credit refund: %w", err)
	}
	return nil
}

func (s *creditService) Grant(ctx context.Context, code string, uses int) error {
	if uses < 0 {
		return fmt.Errorf("grant: uses must be >= 0")
	}
	if err := s.rdb.Set(ctx, creditKey(code), uses, 0).Err(); err != nil {
		return fmt.Errorf("credit grant: %w", err)
	}
	return nil
}

func (s *creditService) Remaining(ctx context.Context, code string) (int, error) {
	v, err := s.rdb.Get(ctx, creditKey(code)).Int()
	if err == redis.Nil {
		return 0, domain.ErrCredentialUnknown
	}
	if err != nil {
		return 0, fmt.Errorf("credit read: %w", err)
	}
	return v, nil
}
