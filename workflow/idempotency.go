package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mmdatafocus/stock_engine/config"
	"github.com/mmdatafocus/stock_engine/docstore"
	"github.com/mmdatafocus/stock_engine/models"
)

// Enqueuer is the part of the offline sync queue the write paths need.
type Enqueuer interface {
	EnqueueWithID(ctx context.Context, id, entryType string, payload any, maxRetries int) (created bool, err error)
}

var queueIDNamespace = uuid.MustParse("5f0f2c4e-8a7d-4f6b-9c61-2d7c0b1f7a10")

// queueEntryID derives a stable queue id from the write's idempotency key, so
// the same write handed to the queue twice is stored once.
func queueEntryID(entryType string, scope models.Scope, key string) string {
	return uuid.NewSHA1(queueIDNamespace, []byte(entryType+"|"+scope.String()+"|"+key)).String()
}

// movementKey namespaces a client idempotency key by movement reason, so a
// receipt never collides with an order or an adjustment that reused the key.
func movementKey(reason models.MovementReason, key string) string {
	return string(reason) + ":" + key
}

// errMovementRace is a duplicate movement key hit inside a transaction: a
// concurrent apply of the same write committed first.
var errMovementRace = errors.New("movement recorded by a concurrent write")

func appendMovement(ctx context.Context, tx docstore.Tx, scope models.Scope, m *models.StockMovement) error {
	err := tx.AppendMovement(ctx, scope, m)
	if errors.Is(err, models.ErrAlreadyApplied) {
		return fmt.Errorf("%w: %v", errMovementRace, err)
	}
	return err
}

type sleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// retryConflicts runs fn until it stops failing with ErrConcurrencyConflict
// or policy.MaxAttempts is used up. The last error is returned.
func retryConflicts(ctx context.Context, policy config.RetryPolicy, sleep sleepFunc, fn func() error) error {
	attempts := max(policy.MaxAttempts, 1)
	for attempt := 1; ; attempt++ {
		err := fn()
		if !errors.Is(err, models.ErrConcurrencyConflict) || attempt >= attempts {
			return err
		}
		if serr := sleep(ctx, policy.Backoff(attempt)); serr != nil {
			return err
		}
	}
}
