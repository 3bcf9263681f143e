package execution

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/kingtrader/optionsengine/internal/idgen"
	"github.com/kingtrader/optionsengine/internal/store"
	"github.com/kingtrader/optionsengine/pkg/types"
)

// Reconcile implements crash recovery: on process start, every persisted
// group id advances the group-id counter, and every persisted OrderGroup
// not in a terminal state is rolled back from its persisted record: each
// leg recorded in Filled gets a reversing market order and the group is
// marked rolled_back. Orders still open at the broker are not cancelled;
// the persisted record carries no broker order ids. This runs once,
// before the engine accepts new bars.
func Reconcile(ctx context.Context, log *zap.Logger, st *store.Store, exec *Executor, now time.Time) error {
	keys, err := st.ListNamespace("order_groups")
	if err != nil {
		return err
	}

	for _, key := range keys {
		var group types.OrderGroup
		found, err := st.Get(key, &group)
		if err != nil || !found {
			continue
		}
		idgen.SeedGroupSequence(group.GroupID)
		if group.Status.IsTerminal() {
			continue
		}

		log.Warn("reconciling non-terminal order group from prior run",
			zap.Int64("groupId", group.GroupID), zap.String("status", string(group.Status)))

		// The in-memory executor has no live groupState for a group
		// recovered from disk (the process restarted), so reconciliation
		// works from the persisted record alone: it flattens the legs
		// recorded as filled and does not query or cancel orders at the
		// broker.
		group.Status = types.GroupRollingBack
		if err := st.Put(key, group); err != nil {
			log.Error("failed persisting reconciliation status", zap.Error(err))
		}

		for _, fl := range group.Filled {
			negated := -fl.Leg.Quantity
			if _, err := exec.adapter.PlaceMarket(ctx, fl.Leg.Instrument, negated); err != nil {
				log.Error("reconciliation flatten order failed", zap.Error(err),
					zap.String("instrument", fl.Leg.Instrument.Key))
			}
		}

		group.Status = types.GroupRolledBack
		if err := st.Put(key, group); err != nil {
			log.Error("failed persisting reconciled group", zap.Error(err))
		}
	}
	return nil
}
