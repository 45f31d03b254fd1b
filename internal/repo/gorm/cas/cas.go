// Package cas implements the status-guarded conditional update every state
// transition in the store goes through.
package cas

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// DefaultColumn is the guarded column when Op.Column is empty.
const DefaultColumn = "status"

// Op describes one compare-and-swap: rows of Model matching Where whose Column
// currently holds one of From get Set applied, in a single UPDATE statement.
type Op struct {
	Model  any
	Where  map[string]any
	Column string
	From   []string
	Set    map[string]any
}

// Result reports the outcome of a Swap. Swapped=false means the guard did not
// hold (lost race, wrong status, missing row); it is not an error.
type Result struct {
	Swapped      bool
	RowsAffected int64
}

var errEmptyOp = errors.New("cas: op requires model, where, from and set")

// Swap executes op against db.
func Swap(ctx context.Context, db *gorm.DB, op Op) (Result, error) {
	if op.Model == nil || len(op.Where) == 0 || len(op.From) == 0 || len(op.Set) == 0 {
		return Result{}, errEmptyOp
	}
	col := op.Column
	if col == "" {
		col = DefaultColumn
	}
	tx := db.WithContext(ctx).Model(op.Model).Where(op.Where).Where(col+" IN ?", op.From).Updates(op.Set)
	if tx.Error != nil {
		return Result{}, tx.Error
	}
	return Result{Swapped: tx.RowsAffected > 0, RowsAffected: tx.RowsAffected}, nil
}
