package coordmodel

// LiveGraph is the mutable registry the Reconciler edits. Entries are born
// when a ConfigModel first introduces them, mutated in place when their
// spec changes, and disowned/torn down when removed. It is mutated only
// from the Reconciler's step sequence (§5 shared-resource policy).
type LiveGraph struct {
	Builders      map[string]*Builder
	StatusTargets map[string]StatusTarget
	Schedulers    map[string]Scheduler
	ChangeSources map[string]ChangeSource
	Slaves        map[string]Slave

	RemoteShellSpec *RemoteShellSpec
	DebugPassword   string

	// Configured is true once the Reconciler has completed a full
	// application of some ConfigModel (§4.5: "has been configured").
	Configured bool
}

// NewLiveGraph returns an empty graph.
func NewLiveGraph() *LiveGraph {
	return &LiveGraph{
		Builders:      make(map[string]*Builder),
		StatusTargets: make(map[string]StatusTarget),
		Schedulers:    make(map[string]Scheduler),
		ChangeSources: make(map[string]ChangeSource),
		Slaves:        make(map[string]Slave),
	}
}

// Clone makes a shallow copy of the graph's maps, used by the Reconciler to
// stage a replacement graph that is only swapped in on full success (no
// partial apply, per §7).
func (g *LiveGraph) Clone() *LiveGraph {
	clone := &LiveGraph{
		Builders:        make(map[string]*Builder, len(g.Builders)),
		StatusTargets:   make(map[string]StatusTarget, len(g.StatusTargets)),
		Schedulers:      make(map[string]Scheduler, len(g.Schedulers)),
		ChangeSources:   make(map[string]ChangeSource, len(g.ChangeSources)),
		Slaves:          make(map[string]Slave, len(g.Slaves)),
		RemoteShellSpec: g.RemoteShellSpec,
		DebugPassword:   g.DebugPassword,
		Configured:      g.Configured,
	}
	for k, v := range g.Builders {
		clone.Builders[k] = v
	}
	for k, v := range g.StatusTargets {
		clone.StatusTargets[k] = v
	}
	for k, v := range g.Schedulers {
		clone.Schedulers[k] = v
	}
	for k, v := range g.ChangeSources {
		clone.ChangeSources[k] = v
	}
	for k, v := range g.Slaves {
		clone.Slaves[k] = v
	}
	return clone
}
