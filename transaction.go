package norm

import (
	"context"
	"database/sql"
)

// Tx wraps an open sql.Tx for use with Model.WithTx.
type Tx struct {
	Tx *sql.Tx
}

// Transaction runs fn inside a transaction on the global database. The
// transaction is rolled back when fn returns an error or panics, committed
// otherwise.
func Transaction(ctx context.Context, fn func(tx *Tx) error) error {
	return TransactionOn(ctx, GlobalDB, fn)
}

// TransactionOn runs fn inside a transaction on the given database.
func TransactionOn(ctx context.Context, db *sql.DB, fn func(tx *Tx) error) error {
	if db == nil {
		return ErrNilDatabase
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}

	nTx := &Tx{Tx: tx}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(nTx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// WithTx binds the model to an open transaction. All reads and writes go
// through the transaction's connection.
func (m *Model[T]) WithTx(tx *Tx) *Model[T] {
	m.tx = tx.Tx
	return m
}
