package coordmodel

import "context"

// Lifecycle is the explicit start/stop contract every long-lived component
// in the LiveGraph supports, replacing the teacher's implicit
// service-tree parent/child acquisition.
type Lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Slave is a configured worker connection slot, owned by the (external,
// out-of-scope) worker registry. The core only needs its name and
// liveness to drive builder attachment bookkeeping.
type Slave interface {
	Lifecycle
	Name() string
	Attached() bool
}

// ChangeSource discovers changes and feeds them to the coordinator's
// addChange entry point; concrete polling/webhook implementations are an
// external collaborator, the core only manages the interface and its
// lifecycle.
type ChangeSource interface {
	Lifecycle
	Name() string
}

// StatusTarget consumes status events (bus deliveries) for external
// reporting. Kind distinguishes status-target variants the Reconciler must
// tell apart (e.g. "websocket" vs "http"), replacing duck-typing.
type StatusTarget interface {
	Lifecycle
	Name() string
	Kind() string
}

// Scheduler turns changes into buildsets via the Control façade. The
// scheduler registry (external collaborator) performs its own add/
// remove/update diff per §4.5 step 6; the core only needs to start/stop it
// and to validate builder references at config-load time.
type Scheduler interface {
	Lifecycle
	Name() string
	BuilderNames() []string
}

// Builder is a named pipeline from build request to executed build. The
// Reconciler owns its lifecycle and identity; the worker-pool execution
// semantics are the (external, out-of-scope) BotMaster builder-runtime.
type Builder struct {
	Spec         BuilderSpec
	StatusHandle StatusHandle
}

// StatusHandle is the narrow status-reporting surface a Builder keeps
// across a config-driven replacement ("consumeTheSoulOfYourPredecessor"):
// the new Builder is built over the *same* handle so historical status
// stays addressable under one identity.
type StatusHandle interface {
	BuilderName() string
	BaseDir() string
	Category() string
	Reinit(horizons Horizons)
	Notify(marker string)
}

// TransferState hands old's status handle to the Builder that replaces it
// and records a "config updated" marker on that handle. The status handle
// is the only state carried over: Builder holds no worker attachments, so
// none are transferred.
func (b *Builder) TransferState(old *Builder) {
	b.StatusHandle = old.StatusHandle
	b.StatusHandle.Notify("config updated")
}
