package approvals

import (
	"context"
	"sync"

	dom "github.com/cuihairu/countersign/internal/ports"
)

// Serial is the in-memory dom.Transactor. Units of work run one at a time;
// there is no rollback, a failed unit keeps the writes it made.
type Serial struct{ mu sync.Mutex }

type serialKey struct{}

var _ dom.Transactor = (*Serial)(nil)

func (s *Serial) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(serialKey{}) == s {
		return fn(ctx)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(context.WithValue(ctx, serialKey{}, s))
}
