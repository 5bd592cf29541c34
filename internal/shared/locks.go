package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultLockTTL bounds how long a crashed holder can block a period.
const DefaultLockTTL = 10 * time.Minute

// PeriodLockKey builds the redis key guarding a fiscal period close.
func PeriodLockKey(cooperativeID, periodID int64) string {
	return fmt.Sprintf("ledger:coop:%d:period:%d:close", cooperativeID, periodID)
}

// releaseScript deletes the key only while it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// PeriodLocker is a redis mutex keyed by cooperative and period.
type PeriodLocker struct {
	client redis.UniversalClient
	ttl    time.Duration
}

// NewPeriodLocker constructs a PeriodLocker. A non-positive ttl uses DefaultLockTTL.
func NewPeriodLocker(client redis.UniversalClient, ttl time.Duration) *PeriodLocker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	return &PeriodLocker{client: client, ttl: ttl}
}

// TryLock attempts to take the lock without waiting.
func (l *PeriodLocker) TryLock(ctx context.Context, cooperativeID, periodID int64) (func(), bool, error) {
	if l == nil || l.client == nil {
		return nil, false, errors.New("period locker not initialised")
	}
	key := PeriodLockKey(cooperativeID, periodID)
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("shared: lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = releaseScript.Run(ctx, l.client, []string{key}, token).Err()
	}
	return release, true, nil
}
