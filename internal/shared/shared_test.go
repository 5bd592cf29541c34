package shared

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestPeriodLockerExcludesSecondHolder(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	locker := NewPeriodLocker(client, time.Minute)
	release, ok, err := locker.TryLock(ctx, 1, 10)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, mr.Exists(PeriodLockKey(1, 10)))

	_, ok, err = locker.TryLock(ctx, 1, 10)
	require.NoError(t, err)
	require.False(t, ok)

	// other periods are independent
	otherRelease, ok, err := locker.TryLock(ctx, 1, 11)
	require.NoError(t, err)
	require.True(t, ok)
	otherRelease()

	release()
	require.False(t, mr.Exists(PeriodLockKey(1, 10)))

	_, ok, err = locker.TryLock(ctx, 1, 10)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPeriodLockerReleaseKeepsForeignToken(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker := NewPeriodLocker(client, time.Second)
	release, ok, err := locker.TryLock(context.Background(), 2, 5)
	require.NoError(t, err)
	require.True(t, ok)

	// lock expired and was taken by someone else
	mr.FastForward(2 * time.Second)
	require.NoError(t, mr.Set(PeriodLockKey(2, 5), "other-holder"))

	release()
	value, err := mr.Get(PeriodLockKey(2, 5))
	require.NoError(t, err)
	require.Equal(t, "other-holder", value)
}

func TestPeriodLockerDefaultTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	_, ok, err := NewPeriodLocker(client, 0).TryLock(context.Background(), 3, 4)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, DefaultLockTTL, mr.TTL(PeriodLockKey(3, 4)))
}

type recordingExec struct {
	sql  string
	args []any
	err  error
}

func (r *recordingExec) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	r.sql = sql
	r.args = args
	return pgconn.NewCommandTag("INSERT 0 1"), r.err
}

func TestAuditLoggerRecord(t *testing.T) {
	db := &recordingExec{}
	logger := NewAuditLogger(db)

	require.Error(t, logger.Record(context.Background(), AuditLog{Action: "fiscal_period.close"}))

	err := logger.Record(context.Background(), AuditLog{
		Action:   "fiscal_period.close",
		Entity:   "fiscal_period",
		EntityID: "12",
		Meta:     map[string]any{"forced": true},
	})
	require.NoError(t, err)
	require.Contains(t, db.sql, "INSERT INTO audit_logs")
	require.Nil(t, db.args[0].(*int64))
	var meta map[string]any
	require.NoError(t, json.Unmarshal(db.args[4].([]byte), &meta))
	require.Equal(t, true, meta["forced"])
	require.Nil(t, db.args[5].(*time.Time))
}

func TestIdempotencyConflict(t *testing.T) {
	db := &recordingExec{}
	store := NewIdempotencyStore(db)
	require.NoError(t, store.CheckAndInsert(context.Background(), "run-1", "period_close"))

	db.err = &pgconn.PgError{Code: "23505"}
	require.ErrorIs(t, store.CheckAndInsert(context.Background(), "run-1", "period_close"), ErrIdempotencyConflict)

	require.Error(t, store.CheckAndInsert(context.Background(), "", "period_close"))
}

func TestIdempotencyRelease(t *testing.T) {
	db := &recordingExec{}
	store := NewIdempotencyStore(db)
	require.NoError(t, store.Release(context.Background(), "run-1", "period_close"))
	require.Contains(t, db.sql, "DELETE FROM idempotency_keys")
	require.Equal(t, []any{"run-1", "period_close"}, db.args)

	var missing *IdempotencyStore
	require.Error(t, missing.Release(context.Background(), "run-1", "period_close"))
}
