package reconciler

import (
	"context"

	"github.com/buildforge/coordinator/internal/coordmodel"
)

// WorkerRegistry is the out-of-scope "PB manager" collaborator (§1): the
// worker-facing RPC transport that owns slave connections and their
// attachment to builders. The Reconciler only needs to hand it the
// current slave/builder view after each reconfiguration step that
// touches either.
type WorkerRegistry interface {
	// SetIdentity propagates the coordinator's own identity so a worker
	// can detect a coordinator restart mid-build (§12: "master incarnation
	// exposed to slaves at attach time").
	SetIdentity(masterName, masterIncarnation string)

	// ReconcileSlaves applies the add/remove/update diff for the slave set.
	ReconcileSlaves(ctx context.Context, specs []coordmodel.SlaveSpec) ([]coordmodel.Slave, error)

	// RefreshBuilders hands the registry the full ordered builder list
	// after any add/remove/update (§4.5.1, last bullet).
	RefreshBuilders(ctx context.Context, builders []*coordmodel.Builder) error
}

// SchedulerRegistry performs its own add/remove/update diff over scheduler
// specs (§4.5 step 6); the core only starts/stops the result and validates
// builder references at load time.
type SchedulerRegistry interface {
	Reconcile(ctx context.Context, specs []coordmodel.SchedulerSpec) (map[string]coordmodel.Scheduler, error)
}

// ChangeSourceFactory builds one ChangeSource from its spec.
type ChangeSourceFactory func(spec coordmodel.ChangeSourceSpec) (coordmodel.ChangeSource, error)

// StatusTargetFactory builds one StatusTarget from its spec.
type StatusTargetFactory func(spec coordmodel.StatusTargetSpec) (coordmodel.StatusTarget, error)

// StatusHandleFactory builds the StatusHandle a new Builder is constructed
// over (§4.5.1: "status_handle_for(name, basedir, category)").
type StatusHandleFactory func(builderName, basedir, category string) coordmodel.StatusHandle

// DebugClient registers/unregisters the debug credential against the
// worker-listener endpoint (§4.5 step 8).
type DebugClient interface {
	Register(ctx context.Context, password, endpoint string) error
	Unregister(ctx context.Context) error
}

// RemoteShell is the optional debug remote-shell listener (§3's
// RemoteShellSpec).
type RemoteShell interface {
	coordmodel.Lifecycle
}

// RemoteShellFactory builds a RemoteShell from its spec.
type RemoteShellFactory func(spec coordmodel.RemoteShellSpec) (RemoteShell, error)

// DBFactory constructs and starts the database connector for the given
// URL the first time a ConfigModel is applied (§4.5 step 1). Subsequent
// applies reuse the already-attached connector (db_url is write-once).
type DBFactory func(ctx context.Context, dbURL string) (DBHandle, error)

// DBHandle is everything the Reconciler needs from the attached database.
type DBHandle interface {
	coordmodel.Lifecycle
	IsCurrent(ctx context.Context) (bool, error)
}
