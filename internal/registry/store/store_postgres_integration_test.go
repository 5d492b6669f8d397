//go:build integration

package store_test

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"sovereign/internal/registry/models"
	"sovereign/internal/registry/service"
	"sovereign/internal/registry/store"
	dErrors "sovereign/pkg/domain-errors"
	"sovereign/pkg/testutil/containers"
)

type PostgresRegistrySuite struct {
	suite.Suite
	postgres *containers.PostgresContainer
	redis    *containers.RedisContainer
	store    *store.PostgresStore
	service  *service.Service
}

func TestPostgresRegistrySuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	suite.Run(t, new(PostgresRegistrySuite))
}

func (s *PostgresRegistrySuite) SetupSuite() {
	mgr := containers.GetManager()
	s.postgres = mgr.GetPostgres(s.T())
	s.redis = mgr.GetRedis(s.T())
	s.store = store.NewPostgres(s.postgres.DB)
	s.service = service.New(s.store, service.WithCache(store.NewRedisCache(s.redis.Client, time.Minute)))
}

func (s *PostgresRegistrySuite) SetupTest() {
	ctx := context.Background()
	s.Require().NoError(s.postgres.TruncateTables(ctx, "registrations"))
	s.Require().NoError(s.redis.FlushAll(ctx))
}

// TestConcurrentRegisterSingleWinner verifies the locked head row serializes claims.
func (s *PostgresRegistrySuite) TestConcurrentRegisterSingleWinner() {
	ctx := context.Background()
	const goroutines = 20

	var wg sync.WaitGroup
	var successCount, conflictCount atomic.Int32
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.service.Register(ctx, "contested", fmt.Sprintf("%064x", i+1), "h")
			switch {
			case err == nil:
				successCount.Add(1)
			case dErrors.HasCode(err, dErrors.CodeConflict):
				conflictCount.Add(1)
			}
		}(i)
	}
	wg.Wait()

	s.Equal(int32(1), successCount.Load())
	s.Equal(int32(goroutines-1), conflictCount.Load())
}

func (s *PostgresRegistrySuite) TestChainSurvivesRoundTrip() {
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := s.service.Register(ctx, fmt.Sprintf("ns-%d", i), strings.Repeat("ab", 32), "h")
		s.Require().NoError(err)
	}

	report, err := s.service.VerifyChain(ctx)
	s.Require().NoError(err)
	s.True(report.Valid)
	s.Equal(int64(3), report.Length)

	head, err := s.store.Head(ctx)
	s.Require().NoError(err)
	s.Equal(int64(3), head.Sequence)
}

func (s *PostgresRegistrySuite) TestConflictReportsExistingController() {
	ctx := context.Background()
	controllerA := strings.Repeat("a1", 32)
	_, err := s.service.Register(ctx, "77.x", controllerA, "hashA")
	s.Require().NoError(err)

	_, err = s.service.Register(ctx, "77.x", strings.Repeat("b2", 32), "hashB")
	de, ok := dErrors.As(err)
	s.Require().True(ok)
	s.Equal(dErrors.CodeConflict, de.Code)
	s.Equal(controllerA, de.Details["existing_controller"])
}

func (s *PostgresRegistrySuite) TestCheckPopulatesCache() {
	ctx := context.Background()
	_, err := s.service.Register(ctx, "cached", strings.Repeat("a1", 32), "h")
	s.Require().NoError(err)

	ttl, err := s.redis.TTL(ctx, "registry:ns:cached")
	s.Require().NoError(err)
	s.Positive(ttl)

	res, err := s.service.Check(ctx, "cached")
	s.Require().NoError(err)
	s.True(res.Exists)
	s.Equal(models.GenesisCommitment, res.Registration.PreviousCommitment)
}
