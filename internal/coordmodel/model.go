package coordmodel

import "time"

// Reserved slave names that collide with internal connection roles.
var ReservedSlaveNames = map[string]bool{
	"debug":  true,
	"change": true,
	"status": true,
}

// LogCompressionMethod is the enum of supported log-compression algorithms.
type LogCompressionMethod string

const (
	LogCompressionBZ2  LogCompressionMethod = "bz2"
	LogCompressionGZip LogCompressionMethod = "gz"
)

// LockID is the identity of a lock referenced by name from a builder spec or
// a build-factory step. Two references that share a Name must resolve to
// the same LockID; the ConfigLoader rejects a config where they don't.
type LockID struct {
	Name string
	// Scope distinguishes two same-named locks declared independently
	// (e.g. one scoped to a builder, one global); identical Name+Scope is
	// the same identity, identical Name with differing Scope is the
	// conflict the validator must catch.
	Scope string
}

// SlaveSpec describes one configured worker connection slot.
type SlaveSpec struct {
	Name       string
	Properties map[string]interface{}
	MaxBuilds  int
}

// BuildFactoryStep is one step of a builder's build factory; the only part
// the core cares about is which locks the step claims, for the lock-identity
// consistency check.
type BuildFactoryStep struct {
	Name  string
	Locks []LockID
}

// BuildFactory is the ordered sequence of steps a builder runs per build.
type BuildFactory struct {
	Steps []BuildFactoryStep
}

// Horizons bounds how much history a builder retains.
type Horizons struct {
	EventHorizon int
	LogHorizon   int
	BuildHorizon int
}

// BuilderSpec describes one configured builder.
type BuilderSpec struct {
	Name       string
	BuildDir   string
	SlaveDir   string
	SlaveNames []string
	Category   string
	Factory    BuildFactory
	Horizons   Horizons
	Properties map[string]interface{}
}

// CompareToSetup reports whether b differs from other in any way that
// requires tearing down and replacing the live Builder. Equal configuration
// (including factory/locks/horizons) means "leave untouched".
func (b BuilderSpec) CompareToSetup(other BuilderSpec) bool {
	if b.BuildDir != other.BuildDir || b.SlaveDir != other.SlaveDir || b.Category != other.Category {
		return true
	}
	if b.Horizons != other.Horizons {
		return true
	}
	if len(b.SlaveNames) != len(other.SlaveNames) {
		return true
	}
	for i := range b.SlaveNames {
		if b.SlaveNames[i] != other.SlaveNames[i] {
			return true
		}
	}
	if len(b.Factory.Steps) != len(other.Factory.Steps) {
		return true
	}
	for i := range b.Factory.Steps {
		if b.Factory.Steps[i].Name != other.Factory.Steps[i].Name {
			return true
		}
		if len(b.Factory.Steps[i].Locks) != len(other.Factory.Steps[i].Locks) {
			return true
		}
		for j := range b.Factory.Steps[i].Locks {
			if b.Factory.Steps[i].Locks[j] != other.Factory.Steps[i].Locks[j] {
				return true
			}
		}
	}
	return false
}

// SchedulerSpec describes one configured scheduler.
type SchedulerSpec struct {
	Name         string
	BuilderNames []string
	Properties   map[string]interface{}
}

// ChangeSourceSpec describes one configured change ingress.
type ChangeSourceSpec struct {
	Name       string
	Kind       string
	Properties map[string]interface{}
}

// StatusTargetSpec describes one configured status consumer.
type StatusTargetSpec struct {
	Name       string
	Kind       string // e.g. "websocket", "http"
	Properties map[string]interface{}
}

// Caps holds the global resource caps.
type Caps struct {
	EventHorizon         int
	LogHorizon           int
	BuildHorizon         int
	ChangeHorizon        int
	BuildCacheSize       int
	ChangeCacheSize      int
	LogCompressionLimit  int
	LogCompressionMethod LogCompressionMethod
	LogMaxSize           int
	LogMaxTailSize       int
}

// MergeRequestsFunc decides whether two pending build requests for the same
// builder should be merged into one. A nil func or DisableMergeReqs
// means "never merge".
type MergeRequestsFunc func(builder string, a, b interface{}) bool

// PrioritizeBuildersFunc orders the pending builders before dispatch.
type PrioritizeBuildersFunc func(builders []string) []string

// ConfigModel is the immutable, validated, normalised result of a
// successful ConfigLoader.Load call.
type ConfigModel struct {
	ProjectName string
	ProjectURL  string
	ExternalURL string

	SlavePortnum string // normalised to "tcp:<port>"

	Slaves        []SlaveSpec
	Builders      []BuilderSpec
	Schedulers    []SchedulerSpec
	ChangeSources []ChangeSourceSpec
	StatusTargets []StatusTargetSpec

	Properties map[string]interface{}
	Caps       Caps

	MergeRequests      MergeRequestsFunc
	DisableMergeReqs   bool
	PrioritizeBuilders PrioritizeBuildersFunc

	DBURL          string
	DBPollInterval time.Duration // zero means unset / non-multi-master
	MultiMaster    bool

	DebugPassword string
	RemoteShell   *RemoteShellSpec
}

// RemoteShellSpec describes the optional debug remote-shell listener.
type RemoteShellSpec struct {
	Endpoint string
	Port     int
}

// BuilderByName returns the spec with the given name, or ok=false.
func (m *ConfigModel) BuilderByName(name string) (BuilderSpec, bool) {
	for _, b := range m.Builders {
		if b.Name == name {
			return b, true
		}
	}
	return BuilderSpec{}, false
}
