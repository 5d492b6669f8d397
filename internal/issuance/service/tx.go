package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	certmodels "sovereign/internal/certificate/models"
	certsvc "sovereign/internal/certificate/service"
	raritymodels "sovereign/internal/rarity/models"
	raritysvc "sovereign/internal/rarity/service"
	registrysvc "sovereign/internal/registry/service"
	dErrors "sovereign/pkg/domain-errors"
)

// defaultIssuanceTxTimeout is the maximum duration of one issuance unit of work.
const defaultIssuanceTxTimeout = 5 * time.Second

// Stores are the stores an issuance writes to in one unit of work.
type Stores struct {
	Ledger   raritysvc.Ledger
	Registry registrysvc.Store
	Records  certsvc.RecordStore
}

// IssuanceTx runs fn so that the quota, record and registry writes it makes
// commit together or not at all. Postgres implementations carry the SQL
// transaction in ctx; the in-memory one holds a lock and undoes on failure.
type IssuanceTx interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, stores Stores) error) error
}

type releaser interface {
	Release(ctx context.Context, tier raritymodels.TierName) error
}

type deleter interface {
	Delete(ctx context.Context, contentHash string) error
}

// memoryIssuanceTx serializes issuances behind one mutex and journals quota
// consumption and record saves so a failed unit of work can be undone. Registry
// inserts are not journaled; fn must perform the registry insert last.
type memoryIssuanceTx struct {
	mu      sync.Mutex
	stores  Stores
	timeout time.Duration
	logger  *slog.Logger
}

// NewMemoryTx returns the in-memory IssuanceTx. The ledger should implement
// Release and the record store Delete, otherwise failed units of work leak.
func NewMemoryTx(stores Stores, logger *slog.Logger) IssuanceTx {
	if logger == nil {
		logger = slog.Default()
	}
	return &memoryIssuanceTx{stores: stores, logger: logger}
}

func (t *memoryIssuanceTx) RunInTx(ctx context.Context, fn func(ctx context.Context, stores Stores) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	timeout := t.timeout
	if timeout == 0 {
		timeout = defaultIssuanceTxTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}

	j := &journal{}
	stores := Stores{
		Ledger:   &journaledLedger{Ledger: t.stores.Ledger, journal: j},
		Registry: t.stores.Registry,
		Records:  &journaledRecords{RecordStore: t.stores.Records, journal: j},
	}
	if err := fn(ctx, stores); err != nil {
		j.rollback(context.WithoutCancel(ctx), t.logger)
		return err
	}
	return nil
}

type journal struct {
	undo []func(ctx context.Context) error
}

func (j *journal) record(fn func(ctx context.Context) error) {
	j.undo = append(j.undo, fn)
}

func (j *journal) rollback(ctx context.Context, logger *slog.Logger) {
	for i := len(j.undo) - 1; i >= 0; i-- {
		if err := j.undo[i](ctx); err != nil {
			logger.ErrorContext(ctx, "issuance rollback step failed", "error", err)
		}
	}
}

type journaledLedger struct {
	raritysvc.Ledger
	journal *journal
}

func (l *journaledLedger) Consume(ctx context.Context, tier raritymodels.TierName) (raritymodels.Reservation, error) {
	res, err := l.Ledger.Consume(ctx, tier)
	if err != nil {
		return res, err
	}
	if r, ok := l.Ledger.(releaser); ok {
		l.journal.record(func(ctx context.Context) error {
			return r.Release(ctx, tier)
		})
	}
	return res, nil
}

type journaledRecords struct {
	certsvc.RecordStore
	journal *journal
}

func (r *journaledRecords) Save(ctx context.Context, rec *certmodels.Record) error {
	if err := r.RecordStore.Save(ctx, rec); err != nil {
		return err
	}
	if d, ok := r.RecordStore.(deleter); ok {
		hash := rec.ContentHash
		r.journal.record(func(ctx context.Context) error {
			return d.Delete(ctx, hash)
		})
	}
	return nil
}
