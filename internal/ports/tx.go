package ports

import "context"

// Transactor runs fn as one unit of work. Repositories reached through the
// ctx passed to fn join that unit.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// TxFunc adapts a function to Transactor.
type TxFunc func(ctx context.Context, fn func(ctx context.Context) error) error

func (f TxFunc) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return f(ctx, fn)
}

// NoTx runs fn directly.
var NoTx Transactor = TxFunc(func(ctx context.Context, fn func(ctx context.Context) error) error { return fn(ctx) })
