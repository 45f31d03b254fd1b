package db

import (
	"context"

	dom "github.com/cuihairu/countersign/internal/ports"
	"gorm.io/gorm"
)

type txKey struct{}

// Conn returns the transaction carried by ctx, or gdb outside one.
func Conn(ctx context.Context, gdb *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return gdb.WithContext(ctx)
}

// InTx runs fn in a transaction on gdb. Nested calls join the outer transaction.
func InTx(ctx context.Context, gdb *gorm.DB, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return gdb.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txKey{}, tx))
	})
}

// Transactor exposes InTx as a dom.Transactor.
func Transactor(gdb *gorm.DB) dom.Transactor {
	return dom.TxFunc(func(ctx context.Context, fn func(ctx context.Context) error) error {
		return InTx(ctx, gdb, fn)
	})
}
