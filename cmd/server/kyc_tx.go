package main

import (
	"context"
	"database/sql"
	"time"

	"kycgate/internal/kyc/ports"
	dErrors "kycgate/pkg/domain-errors"
	txcontext "kycgate/pkg/platform/tx"
)

const defaultKYCTxTimeout = 5 * time.Second

// kycPostgresTx runs fn inside a SQL transaction carried by the context.
// Postgres stores pick it up via txcontext.Pick. Audit entries raised inside
// fn are written after commit, outside the transaction, and dropped on
// rollback.
type kycPostgresTx struct {
	db      *sql.DB
	timeout time.Duration
}

func newKYCPostgresTx(db *sql.DB, timeout time.Duration) *kycPostgresTx {
	return &kycPostgresTx{db: db, timeout: timeout}
}

func (t *kycPostgresTx) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeTimeout, "transaction aborted: context cancelled")
	}
	if _, nested := txcontext.From(ctx); nested {
		return fn(ctx)
	}

	parent := ctx
	timeout := t.timeout
	if timeout == 0 {
		timeout = defaultKYCTxTimeout
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	ctx, batch := ports.DeferAudit(ctx)
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := fn(txcontext.WithTx(ctx, tx)); err != nil {
		batch.Discard()
		return err
	}
	if err := tx.Commit(); err != nil {
		batch.Discard()
		return err
	}
	batch.Flush(parent)
	return nil
}
