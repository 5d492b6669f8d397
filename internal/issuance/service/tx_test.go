package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	certmodels "sovereign/internal/certificate/models"
	certstore "sovereign/internal/certificate/store"
	raritymodels "sovereign/internal/rarity/models"
	raritystore "sovereign/internal/rarity/store"
	registrystore "sovereign/internal/registry/store"
	dErrors "sovereign/pkg/domain-errors"
	"sovereign/pkg/platform/sentinel"
)

func TestMemoryTxRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	ledger := raritystore.NewInMemory(raritymodels.DefaultPolicy())
	records := certstore.NewInMemory()
	tx := NewMemoryTx(Stores{Ledger: ledger, Registry: registrystore.NewInMemory(), Records: records}, nil)

	boom := errors.New("registry unavailable")
	err := tx.RunInTx(ctx, func(ctx context.Context, stores Stores) error {
		if _, err := stores.Ledger.Consume(ctx, raritymodels.TierEpic); err != nil {
			return err
		}
		if err := stores.Records.Save(ctx, &certmodels.Record{ContentHash: "h1", SessionID: "s1"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	sold, err := ledger.SoldCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, sold)
	_, err = records.FindBySession(ctx, "s1")
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestMemoryTxCommitsOnSuccess(t *testing.T) {
	ctx := context.Background()
	ledger := raritystore.NewInMemory(raritymodels.DefaultPolicy())
	records := certstore.NewInMemory()
	tx := NewMemoryTx(Stores{Ledger: ledger, Registry: registrystore.NewInMemory(), Records: records}, nil)

	err := tx.RunInTx(ctx, func(ctx context.Context, stores Stores) error {
		if _, err := stores.Ledger.Consume(ctx, raritymodels.TierEpic); err != nil {
			return err
		}
		return stores.Records.Save(ctx, &certmodels.Record{ContentHash: "h1", SessionID: "s1"})
	})
	require.NoError(t, err)

	sold, err := ledger.SoldCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, sold)
}

func TestMemoryTxRejectsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	tx := NewMemoryTx(Stores{}, nil)
	err := tx.RunInTx(ctx, func(context.Context, Stores) error {
		t.Fatal("fn must not run")
		return nil
	})
	assert.True(t, dErrors.HasCode(err, dErrors.CodeTimeout))
}
