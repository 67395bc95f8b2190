package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redismock/v9"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scoreResult struct {
	AccountID   int64   `json:"account_id"`
	Probability float64 `json:"probability"`
}

func TestGetOrComputeHit(t *testing.T) {
	db, mock := redismock.NewClientMock()
	manager := NewManager(db)

	key := Keys.Score(42)
	mock.ExpectGet(key).SetVal(`{"account_id":42,"probability":0.91}`)

	computed := false
	var result scoreResult
	err := manager.GetOrCompute(context.Background(), key, time.Minute, &result, func(ctx context.Context) (interface{}, error) {
		computed = true
		return nil, nil
	})

	require.NoError(t, err)
	assert.False(t, computed, "compute function should not run on a cache hit")
	assert.Equal(t, int64(42), result.AccountID)
	assert.InDelta(t, 0.91, result.Probability, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrComputeMiss(t *testing.T) {
	db, mock := redismock.NewClientMock()
	manager := NewManager(db)

	key := Keys.Score(7)
	payload := `{"account_id":7,"probability":0.12}`
	mock.ExpectGet(key).RedisNil()
	mock.ExpectGet(key).RedisNil()
	mock.ExpectSet(key, payload, time.Minute).SetVal("OK")

	var result scoreResult
	err := manager.GetOrCompute(context.Background(), key, time.Minute, &result, func(ctx context.Context) (interface{}, error) {
		return scoreResult{AccountID: 7, Probability: 0.12}, nil
	})

	require.NoError(t, err)
	assert.Equal(t, int64(7), result.AccountID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOrComputeRedisDownFallsBackToMemory(t *testing.T) {
	db, mock := redismock.NewClientMock()
	manager := NewManager(db)

	key := Keys.Explanation(3)
	down := errors.New("connection refused")
	mock.ExpectGet(key).SetErr(down)
	mock.ExpectGet(key).SetErr(down)
	mock.ExpectSet(key, `{"account_id":3,"probability":0.88}`, time.Minute).SetErr(down)
	// Second lookup also fails against redis and must be served locally.
	mock.ExpectGet(key).SetErr(down)

	calls := 0
	compute := func(ctx context.Context) (interface{}, error) {
		calls++
		return scoreResult{AccountID: 3, Probability: 0.88}, nil
	}

	var first scoreResult
	require.NoError(t, manager.GetOrCompute(context.Background(), key, time.Minute, &first, compute))

	var second scoreResult
	require.NoError(t, manager.GetOrCompute(context.Background(), key, time.Minute, &second, compute))

	assert.Equal(t, 1, calls, "second call should be served from the in-process store")
	assert.Equal(t, first, second)
}

func TestGetOrComputeSingleFlight(t *testing.T) {
	manager := NewManager(nil)

	key := Keys.Score(99)
	release := make(chan struct{})
	var calls int32

	const callers = 10
	var wg sync.WaitGroup
	results := make([]scoreResult, callers)
	errs := make([]error, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = manager.GetOrCompute(context.Background(), key, time.Minute, &results[i], func(ctx context.Context) (interface{}, error) {
				atomic.AddInt32(&calls, 1)
				<-release
				return scoreResult{AccountID: 99, Probability: 0.5}, nil
			})
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls), "compute function must run exactly once per key")
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, scoreResult{AccountID: 99, Probability: 0.5}, results[i])
	}
}

func TestGetOrComputeCallerCancellation(t *testing.T) {
	manager := NewManager(nil)

	key := Keys.Score(5)
	release := make(chan struct{})

	started := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		var result scoreResult
		done <- manager.GetOrCompute(context.Background(), key, time.Minute, &result, func(ctx context.Context) (interface{}, error) {
			close(started)
			<-release
			return scoreResult{AccountID: 5, Probability: 0.7}, nil
		})
	}()
	<-started

	// An impatient caller joins the flight and then abandons it.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var abandoned scoreResult
	err := manager.GetOrCompute(ctx, key, time.Minute, &abandoned, func(ctx context.Context) (interface{}, error) {
		t.Fatal("second compute must not run while a flight is in progress")
		return nil, nil
	})
	assert.ErrorIs(t, err, context.Canceled)

	// The original computation is unaffected by the abandoned caller.
	close(release)
	require.NoError(t, <-done)

	var cached scoreResult
	found, err := manager.Get(context.Background(), key, &cached)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(5), cached.AccountID)
}

func TestGetOrComputeError(t *testing.T) {
	manager := NewManager(nil)

	wantErr := errors.New("model unavailable")
	var result scoreResult
	err := manager.GetOrCompute(context.Background(), Keys.Score(1), time.Minute, &result, func(ctx context.Context) (interface{}, error) {
		return nil, wantErr
	})
	assert.ErrorIs(t, err, wantErr)

	// Errors are not cached.
	found, err := manager.Get(context.Background(), Keys.Score(1), &result)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestMemoryStoreTTL(t *testing.T) {
	store := newMemoryStore()
	store.set("k", "v", 10*time.Millisecond)

	_, ok := store.get("k")
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = store.get("k")
	assert.False(t, ok, "expired entries must not be served")
}

func TestCacheKeys(t *testing.T) {
	assert.Equal(t, "score:42", Keys.Score(42))
	assert.Equal(t, "explanation:42", Keys.Explanation(42))
	assert.Equal(t, "score", kindOf(Keys.Score(1)))
	assert.Equal(t, "explanation", kindOf(Keys.Explanation(1)))
}

var _ RedisClient = (*redis.Client)(nil)
