package main

import (
	"context"
	"database/sql"
	"time"

	issuancesvc "sovereign/internal/issuance/service"
	dErrors "sovereign/pkg/domain-errors"
	txcontext "sovereign/pkg/platform/tx"
)

const defaultIssuanceTxTimeout = 5 * time.Second

// issuancePostgresTx opens one SQL transaction per issuance. The Postgres
// stores pick it up from ctx, so the quota, record and registry writes commit
// together.
type issuancePostgresTx struct {
	db      *sql.DB
	stores  issuancesvc.Stores
	timeout time.Duration
}

func newIssuancePostgresTx(db *sql.DB, stores issuancesvc.Stores) *issuancePostgresTx {
	return &issuancePostgresTx{db: db, stores: stores}
}

func (t *issuancePostgresTx) RunInTx(ctx context.Context, fn func(ctx context.Context, stores issuancesvc.Stores) error) error {
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

	tx, err := t.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(txcontext.WithTx(ctx, tx), t.stores); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	return nil
}
