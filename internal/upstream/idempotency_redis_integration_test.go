//go:build integration

package upstream_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"sovereign/internal/upstream"
	"sovereign/pkg/testutil/containers"
)

type RedisIdempotencySuite struct {
	suite.Suite
	redis *containers.RedisContainer
	store *upstream.RedisIdempotency
}

func TestRedisIdempotencySuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(RedisIdempotencySuite))
}

func (s *RedisIdempotencySuite) SetupSuite() {
	mgr := containers.GetManager()
	s.redis = mgr.GetRedis(s.T())
	s.store = upstream.NewRedisIdempotency(s.redis.Client)
}

func (s *RedisIdempotencySuite) SetupTest() {
	s.Require().NoError(s.redis.FlushAll(context.Background()))
}

func (s *RedisIdempotencySuite) TestConcurrentReserveHasOneWinner() {
	ctx := context.Background()
	key := upstream.Key("sess-1", "mint")

	var wg sync.WaitGroup
	var winners atomic.Int32
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.store.Reserve(ctx, key, time.Minute)
			s.NoError(err)
			if ok {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), winners.Load())
}

func (s *RedisIdempotencySuite) TestLifecycle() {
	ctx := context.Background()
	key := upstream.Key("sess-1", "trustline")

	entry, err := s.store.Lookup(ctx, key)
	s.Require().NoError(err)
	s.Equal(upstream.EntryUnknown, entry.State)

	ok, err := s.store.Reserve(ctx, key, time.Minute)
	s.Require().NoError(err)
	s.True(ok)

	entry, err = s.store.Lookup(ctx, key)
	s.Require().NoError(err)
	s.Equal(upstream.EntryInFlight, entry.State)

	s.Require().NoError(s.store.Complete(ctx, key, []byte(`{"tx_hash":"T"}`), time.Minute))
	s.Require().NoError(s.store.Release(ctx, key))

	entry, err = s.store.Lookup(ctx, key)
	s.Require().NoError(err)
	s.Equal(upstream.EntryDone, entry.State)
	s.JSONEq(`{"tx_hash":"T"}`, string(entry.Result))
}

func (s *RedisIdempotencySuite) TestReleaseFreesInFlightKey() {
	ctx := context.Background()
	key := upstream.Key("sess-2", "mint")

	ok, err := s.store.Reserve(ctx, key, time.Minute)
	s.Require().NoError(err)
	s.Require().True(ok)
	s.Require().NoError(s.store.Release(ctx, key))

	ok, err = s.store.Reserve(ctx, key, time.Minute)
	s.Require().NoError(err)
	s.True(ok)
}
