// Package changepoller implements the ChangePoller: it advances a
// high-water mark over the change table and fans the newly discovered
// changes out on the "changes" SubscriptionBus, so that a cluster of
// coordinators sharing one database each discover changes written by
// peers without every scheduler polling independently (§4.3).
package changepoller

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/buildforge/coordinator/internal/bus"
	"github.com/buildforge/coordinator/internal/coordmodel"
	"github.com/buildforge/coordinator/internal/db"
	"github.com/buildforge/coordinator/internal/metrics"
	"github.com/buildforge/coordinator/internal/statestore"
)

// stateKey is the StateStore key under which the mark is persisted.
const stateKey = "last_processed_change"

// ChangePoller owns the in-memory high-water mark and the single durable
// objectid it is keyed under. It is re-entrancy-protected: Poll must not
// be invoked concurrently with itself (§5's "the poller is
// re-entrancy-protected by returning its outstanding future to the timer,
// which will not re-fire until that future resolves").
type ChangePoller struct {
	conn      db.Connector
	store     *statestore.StateStore
	objectid  int64
	changes   *bus.Bus
	logger    *slog.Logger

	mu   sync.Mutex
	mark *int64 // nil means "not yet loaded from StateStore"
}

// New returns a ChangePoller. objectid is the coordinator's own durable
// object id, already resolved via StateStore.GetObjectID(MasterClassTag, ...).
func New(conn db.Connector, store *statestore.StateStore, objectid int64, changes *bus.Bus, logger *slog.Logger) *ChangePoller {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChangePoller{
		conn:     conn,
		store:    store,
		objectid: objectid,
		changes:  changes,
		logger:   logger.With("component", "changepoller"),
	}
}

// Poll runs one invocation of the algorithm in §4.3. If a previous
// invocation is still in flight, Poll returns immediately without doing
// anything (the timer must not re-fire concurrently; this is the backstop
// for callers that don't already serialise themselves).
func (p *ChangePoller) Poll(ctx context.Context) error {
	if !p.mu.TryLock() {
		metrics.ChangePollerRuns.WithLabelValues("skipped_inflight").Inc()
		return nil
	}
	defer p.mu.Unlock()

	dirty := false

	if p.mark == nil {
		loaded, err := p.loadMark(ctx)
		if err != nil {
			metrics.ChangePollerRuns.WithLabelValues("error").Inc()
			return err
		}
		if loaded == nil {
			// Empty StateStore: catch up to the current tip without
			// re-delivering historical changes (§4.3 step 1; Open
			// Question 2 resolved as "suppress catch-up").
			latest, err := p.conn.GetLatestChangeid(ctx)
			if err != nil {
				metrics.ChangePollerRuns.WithLabelValues("error").Inc()
				return err
			}
			if latest == 0 {
				// Empty database: nothing to mark yet, try again next tick.
				metrics.ChangePollerRuns.WithLabelValues("empty").Inc()
				return nil
			}
			loaded = &latest
			dirty = true
		}
		p.mark = loaded
	}

	delivered := 0
	for {
		next := *p.mark + 1
		change, err := p.conn.GetChange(ctx, next)
		if err == db.ErrNotFound {
			break
		}
		if err != nil {
			metrics.ChangePollerRuns.WithLabelValues("error").Inc()
			return err
		}

		p.changes.Deliver(toCoordmodelChange(change))
		*p.mark = next
		dirty = true
		delivered++
		metrics.ChangePollerDelivered.Inc()
	}

	if dirty {
		if err := p.store.SetState(ctx, p.objectid, stateKey, *p.mark); err != nil {
			metrics.ChangePollerRuns.WithLabelValues("error").Inc()
			return err
		}
		metrics.ChangePollerLastMark.Set(float64(*p.mark))
	}

	if delivered > 0 {
		metrics.ChangePollerRuns.WithLabelValues("delivered").Inc()
	} else {
		metrics.ChangePollerRuns.WithLabelValues("empty").Inc()
	}
	return nil
}

func (p *ChangePoller) loadMark(ctx context.Context) (*int64, error) {
	var mark int64
	ok, err := p.store.GetState(ctx, p.objectid, stateKey, &mark)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &mark, nil
}

func toCoordmodelChange(c db.ChangeRecord) coordmodel.Change {
	var props map[string]interface{}
	if len(c.Properties) > 0 {
		_ = json.Unmarshal(c.Properties, &props)
	}
	return coordmodel.Change{
		ChangeID:   c.ChangeID,
		Who:        c.Who,
		Comments:   c.Comments,
		Branch:     c.Branch,
		Revision:   c.Revision,
		Properties: props,
		When:       c.When,
	}
}
