package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/buildforge/coordinator/internal/bus"
	"github.com/buildforge/coordinator/internal/coordmodel"
	"github.com/buildforge/coordinator/internal/db"
)

// ErrNoDatabase is returned by the write entry points when no database has
// been attached yet (the initial config load failed or has not run).
var ErrNoDatabase = fmt.Errorf("coordinator: no database attached")

// AddChange writes a new change to the database and, unless db_poll_interval
// is configured (in which case only the ChangePoller delivers it, so every
// master observes it exactly once regardless of which one it arrived at),
// delivers it on the changes bus immediately (§4.6).
func (c *Coordinator) AddChange(ctx context.Context, change coordmodel.Change) (coordmodel.Change, error) {
	c.mu.Lock()
	conn := c.dbConn
	c.mu.Unlock()
	if conn == nil {
		return coordmodel.Change{}, ErrNoDatabase
	}

	props, err := json.Marshal(change.Properties)
	if err != nil {
		return coordmodel.Change{}, err
	}
	if change.When.IsZero() {
		change.When = time.Now()
	}

	id, err := conn.InsertChange(ctx, db.ChangeRecord{
		Who:        change.Who,
		Comments:   change.Comments,
		Branch:     change.Branch,
		Revision:   change.Revision,
		Properties: props,
		When:       change.When,
	})
	if err != nil {
		return coordmodel.Change{}, err
	}
	change.ChangeID = id

	if !c.pollIntervalSet() {
		c.changes.Deliver(change)
	}
	return change, nil
}

// AddBuildset writes a new buildset request to the database and delivers
// (bsid, buildset) on the buildset-additions bus (§4.6).
func (c *Coordinator) AddBuildset(ctx context.Context, buildset coordmodel.Buildset) (int64, error) {
	c.mu.Lock()
	conn := c.dbConn
	c.mu.Unlock()
	if conn == nil {
		return 0, ErrNoDatabase
	}

	props, err := json.Marshal(buildset.Properties)
	if err != nil {
		return 0, err
	}
	stamp, err := json.Marshal(buildset.SourceStamp)
	if err != nil {
		return 0, err
	}
	if buildset.When.IsZero() {
		buildset.When = time.Now()
	}

	bsid, err := conn.InsertBuildset(ctx, db.BuildsetRecord{
		SourceStamp: string(stamp),
		Reason:      buildset.Reason,
		Builders:    buildset.Builders,
		Properties:  props,
		Submitted:   buildset.When,
	})
	if err != nil {
		return 0, err
	}
	buildset.BSID = bsid

	c.additions.Deliver(buildset)
	return bsid, nil
}

// BuildsetComplete records a buildset's terminal result and delivers the
// completion locally (§4.6: peers learn of completion via their own
// observation of database state, not this bus).
func (c *Coordinator) BuildsetComplete(ctx context.Context, bsid int64, result int) error {
	c.mu.Lock()
	conn := c.dbConn
	c.mu.Unlock()
	if conn == nil {
		return ErrNoDatabase
	}
	if err := conn.CompleteBuildset(ctx, bsid, result); err != nil {
		return err
	}
	c.completions.Deliver(coordmodel.BuildsetCompletion{BSID: bsid, Result: result})
	return nil
}

// SubscribeToChanges registers an observer on the changes bus.
func (c *Coordinator) SubscribeToChanges(observer bus.Observer) bus.Handle {
	return c.changes.Subscribe(observer)
}

// SubscribeToBuildsets registers an observer on the buildset-additions bus.
func (c *Coordinator) SubscribeToBuildsets(observer bus.Observer) bus.Handle {
	return c.additions.Subscribe(observer)
}

// SubscribeToBuildsetCompletions registers an observer on the completion bus.
func (c *Coordinator) SubscribeToBuildsetCompletions(observer bus.Observer) bus.Handle {
	return c.completions.Subscribe(observer)
}

func (c *Coordinator) pollIntervalSet() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.poller != nil && c.dbPollIntervalSet
}
