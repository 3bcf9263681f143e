package broker

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kingtrader/optionsengine/internal/errs"
	"github.com/kingtrader/optionsengine/pkg/types"
)

// RetryAdapter wraps an Adapter with the retry policy for transient
// broker failures: up to MaxExecutionRetries attempts spaced
// RetrySpacing apart, each wait cancellable via ctx. Non-transient
// rejections surface immediately so the executor rolls back without
// retrying.
type RetryAdapter struct {
	log   *zap.Logger
	inner Adapter
}

func NewRetryAdapter(log *zap.Logger, inner Adapter) *RetryAdapter {
	return &RetryAdapter{log: log.Named("broker-retry"), inner: inner}
}

func (r *RetryAdapter) retry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < errs.MaxExecutionRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(errs.RetrySpacing):
			}
			r.log.Warn("retrying broker call", zap.String("op", op), zap.Int("attempt", attempt+1))
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if execErr, ok := lastErr.(*errs.ExecutionError); ok && !execErr.Transient {
			return lastErr
		}
	}
	return lastErr
}

func (r *RetryAdapter) PlaceMarket(ctx context.Context, instrument types.Instrument, signedQty int) (OrderID, error) {
	var id OrderID
	err := r.retry(ctx, "place_market", func() error {
		var callErr error
		id, callErr = r.inner.PlaceMarket(ctx, instrument, signedQty)
		return callErr
	})
	return id, err
}

func (r *RetryAdapter) PlaceLimit(ctx context.Context, instrument types.Instrument, signedQty int, price decimal.Decimal) (OrderID, error) {
	var id OrderID
	err := r.retry(ctx, "place_limit", func() error {
		var callErr error
		id, callErr = r.inner.PlaceLimit(ctx, instrument, signedQty, price)
		return callErr
	})
	return id, err
}

func (r *RetryAdapter) Cancel(ctx context.Context, id OrderID) error {
	return r.retry(ctx, "cancel", func() error {
		return r.inner.Cancel(ctx, id)
	})
}

func (r *RetryAdapter) QueryOrder(ctx context.Context, id OrderID) (OrderStatus, error) {
	var st OrderStatus
	err := r.retry(ctx, "query_order", func() error {
		var callErr error
		st, callErr = r.inner.QueryOrder(ctx, id)
		return callErr
	})
	return st, err
}

func (r *RetryAdapter) Fills() <-chan FillEvent { return r.inner.Fills() }
