package configloader

import "github.com/buildforge/coordinator/internal/coordmodel"

// hookRegistry is the compiled-in set of mergeRequests/prioritizeBuilders
// implementations the artifact can reference by name. The Python source
// lets `master.cfg` bind an arbitrary callable; a statically typed
// ConfigModel can't express that, so the artifact instead names a hook
// that the operator has registered in the coordinator binary before
// start-up (see RegisterMergeRequestsHook/RegisterPrioritizeBuildersHook
// below).
type hookRegistry struct {
	MergeRequests      map[string]coordmodel.MergeRequestsFunc
	PrioritizeBuilders map[string]coordmodel.PrioritizeBuildersFunc
}

// HookRegistry is the process-wide table ConfigLoader consults when an
// artifact names a mergeRequests/prioritizeBuilders hook.
var HookRegistry = &hookRegistry{
	MergeRequests:      map[string]coordmodel.MergeRequestsFunc{},
	PrioritizeBuilders: map[string]coordmodel.PrioritizeBuildersFunc{},
}

// RegisterMergeRequestsHook makes fn available to the artifact under name.
func RegisterMergeRequestsHook(name string, fn coordmodel.MergeRequestsFunc) {
	HookRegistry.MergeRequests[name] = fn
}

// RegisterPrioritizeBuildersHook makes fn available to the artifact under name.
func RegisterPrioritizeBuildersHook(name string, fn coordmodel.PrioritizeBuildersFunc) {
	HookRegistry.PrioritizeBuilders[name] = fn
}
