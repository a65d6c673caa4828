package configloader

import (
	"fmt"
	"strings"
	"time"

	"github.com/buildforge/coordinator/internal/coordmodel"
)

var deprecatedKeyMessages = map[string]string{
	"sources": "c['sources'] is deprecated as of 0.7.6 and is no longer accepted; " +
		"use c['change_source'] instead",
	"bots": "c['bots'] is deprecated as of 0.7.6 and is no longer accepted; " +
		"use c['slaves'] instead",
	"interlocks": "c['interlocks'] is no longer accepted",
}

// safeTranslate turns a builder name into a filesystem-safe build
// directory the way the source's buildbot.util.safeTranslate does:
// anything outside [A-Za-z0-9._-] becomes an underscore.
func safeTranslate(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// priorState is what the loader needs to know from the last successful
// load, to enforce write-once fields (§3: db_url, db_poll_interval).
type priorState struct {
	loaded         bool
	dbURL          string
	dbPollInterval time.Duration
}

// buildModel runs every §3 invariant over fc and, on success, returns the
// normalised ConfigModel. On any failure it returns a *coordmodel.ConfigSchemaError
// and the caller must leave the live graph untouched.
func buildModel(fc *fileConfig, rawKeys map[string]bool, prior priorState) (*coordmodel.ConfigModel, error) {
	for key, msg := range deprecatedKeyMessages {
		if rawKeys[key] {
			return nil, coordmodel.NewSchemaError(key, "%s", msg)
		}
	}

	portnum, err := normalizeSlavePortnum(fc.SlavePortnum)
	if err != nil {
		return nil, err
	}

	slaves, err := buildSlaves(fc.Slaves)
	if err != nil {
		return nil, err
	}
	slaveNames := make(map[string]bool, len(slaves))
	for _, s := range slaves {
		slaveNames[s.Name] = true
	}

	builders, locks, err := buildBuilders(fc.Builders, fc.EventHorizon, fc.LogHorizon, fc.BuildHorizon, slaveNames)
	if err != nil {
		return nil, err
	}
	_ = locks // lock identity consistency already enforced inside buildBuilders

	builderNames := make(map[string]bool, len(builders))
	for _, b := range builders {
		builderNames[b.Name] = true
	}

	schedulers, err := buildSchedulers(fc.Schedulers, builderNames, fc.MultiMaster)
	if err != nil {
		return nil, err
	}

	changeSources, err := buildChangeSources(fc.ChangeSource)
	if err != nil {
		return nil, err
	}

	statusTargets, err := buildStatusTargets(fc.Status)
	if err != nil {
		return nil, err
	}

	caps, err := buildCaps(fc)
	if err != nil {
		return nil, err
	}

	dbURL := fc.DBURL
	if dbURL == "" {
		dbURL = "sqlite:///state.sqlite"
	}
	var pollInterval time.Duration
	if fc.DBPollInterval != nil {
		if *fc.DBPollInterval < 0 {
			return nil, coordmodel.NewSchemaError("db_poll_interval", "must be a non-negative integer number of seconds")
		}
		pollInterval = time.Duration(*fc.DBPollInterval) * time.Second
	}

	if prior.loaded {
		if prior.dbURL != dbURL {
			return nil, coordmodel.NewSchemaError("db_url", "cannot change db_url after the master has started (was %q, got %q)", prior.dbURL, dbURL)
		}
		if prior.dbPollInterval != pollInterval {
			return nil, coordmodel.NewSchemaError("db_poll_interval", "cannot change db_poll_interval after the master has started")
		}
	}

	mergeFn, disableMerge, err := buildMergeRequests(fc.MergeRequests)
	if err != nil {
		return nil, err
	}

	model := &coordmodel.ConfigModel{
		ProjectName: fc.ProjectName,
		ProjectURL:  fc.ProjectURL,
		ExternalURL: fc.BuildbotURL,

		SlavePortnum: portnum,

		Slaves:        slaves,
		Builders:      builders,
		Schedulers:    schedulers,
		ChangeSources: changeSources,
		StatusTargets: statusTargets,

		Properties: fc.Properties,
		Caps:       caps,

		MergeRequests:      mergeFn,
		DisableMergeReqs:   disableMerge,
		PrioritizeBuilders: buildPrioritizeBuilders(fc.PrioritizeBuilders),

		DBURL:          dbURL,
		DBPollInterval: pollInterval,
		MultiMaster:    fc.MultiMaster,

		DebugPassword: fc.DebugPassword,
	}
	if fc.Manhole != nil {
		model.RemoteShell = &coordmodel.RemoteShellSpec{Endpoint: fc.Manhole.Endpoint, Port: fc.Manhole.Port}
	}
	return model, nil
}

func normalizeSlavePortnum(raw interface{}) (string, error) {
	switch v := raw.(type) {
	case string:
		if v == "" {
			return "", coordmodel.NewSchemaError("slavePortnum", "must not be empty")
		}
		return v, nil
	case int:
		return fmt.Sprintf("tcp:%d", v), nil
	case int64:
		return fmt.Sprintf("tcp:%d", v), nil
	case float64: // viper/yaml decode bare integers as float64 via interface{}
		return fmt.Sprintf("tcp:%d", int64(v)), nil
	default:
		return "", coordmodel.NewSchemaError("slavePortnum", "must be an int or a string, got %T", raw)
	}
}

func buildSlaves(in []slaveConfig) ([]coordmodel.SlaveSpec, error) {
	seen := make(map[string]bool, len(in))
	out := make([]coordmodel.SlaveSpec, 0, len(in))
	for _, s := range in {
		if s.Name == "" {
			return nil, coordmodel.NewSchemaError("slaves", "slave name must not be empty")
		}
		if coordmodel.ReservedSlaveNames[s.Name] {
			return nil, coordmodel.NewSchemaError("slaves", "reserved name %q used for a slave", s.Name)
		}
		if seen[s.Name] {
			return nil, coordmodel.NewSchemaError("slaves", "duplicate slave name %q", s.Name)
		}
		seen[s.Name] = true
		out = append(out, coordmodel.SlaveSpec{Name: s.Name, Properties: s.Properties, MaxBuilds: s.MaxBuilds})
	}
	return out, nil
}

func buildBuilders(in []builderConfig, globalEvent, globalLog, globalBuild *int, slaveNames map[string]bool) ([]coordmodel.BuilderSpec, map[string]coordmodel.LockID, error) {
	seenNames := make(map[string]bool, len(in))
	seenDirs := make(map[string]string, len(in)) // builddir -> owning builder name
	lockIdentities := make(map[string]coordmodel.LockID)
	out := make([]coordmodel.BuilderSpec, 0, len(in))

	for _, b := range in {
		if b.Name == "" {
			return nil, nil, coordmodel.NewSchemaError("builders", "builder name must not be empty")
		}
		if strings.HasPrefix(b.Name, "_") {
			return nil, nil, coordmodel.NewSchemaError("builders", "builder name %q must not start with '_'", b.Name)
		}
		if seenNames[b.Name] {
			return nil, nil, coordmodel.NewSchemaError("builders", "duplicate builder name %q", b.Name)
		}
		seenNames[b.Name] = true

		builddir := b.BuildDir
		if builddir == "" {
			builddir = safeTranslate(b.Name)
		}
		if owner, ok := seenDirs[builddir]; ok {
			return nil, nil, coordmodel.NewSchemaError("builders", "builddir %q used by both %q and %q", builddir, owner, b.Name)
		}
		seenDirs[builddir] = b.Name

		slavedir := b.SlaveDir
		if slavedir == "" {
			slavedir = builddir
		}

		for _, sn := range b.SlaveNames {
			if !slaveNames[sn] {
				return nil, nil, coordmodel.NewSchemaError("builders", "builder %q references undeclared slave %q", b.Name, sn)
			}
		}

		factory, err := buildFactory(b.Name, b.Factory, lockIdentities)
		if err != nil {
			return nil, nil, err
		}

		horizons := coordmodel.Horizons{
			EventHorizon: intOr(b.EventHorizon, intOr(globalEvent, 50)),
			LogHorizon:   intOr(b.LogHorizon, intOr(globalLog, 0)),
			BuildHorizon: intOr(b.BuildHorizon, intOr(globalBuild, 0)),
		}

		out = append(out, coordmodel.BuilderSpec{
			Name:       b.Name,
			BuildDir:   builddir,
			SlaveDir:   slavedir,
			SlaveNames: append([]string(nil), b.SlaveNames...),
			Category:   b.Category,
			Factory:    factory,
			Horizons:   horizons,
			Properties: b.Properties,
		})
	}
	return out, lockIdentities, nil
}

func buildFactory(builderName string, steps []buildStepConfig, identities map[string]coordmodel.LockID) (coordmodel.BuildFactory, error) {
	factory := coordmodel.BuildFactory{Steps: make([]coordmodel.BuildFactoryStep, 0, len(steps))}
	for _, step := range steps {
		locks := make([]coordmodel.LockID, 0, len(step.Locks))
		for _, l := range step.Locks {
			id := coordmodel.LockID{Name: l.Name, Scope: l.Scope}
			if existing, ok := identities[l.Name]; ok {
				if existing != id {
					return coordmodel.BuildFactory{}, coordmodel.NewSchemaError("builders",
						"lock %q used with inconsistent identity: builder %q declares scope %q, another declares scope %q",
						l.Name, builderName, l.Scope, existing.Scope)
				}
			} else {
				identities[l.Name] = id
			}
			locks = append(locks, id)
		}
		factory.Steps = append(factory.Steps, coordmodel.BuildFactoryStep{Name: step.Name, Locks: locks})
	}
	return factory, nil
}

func buildSchedulers(in []schedulerConfig, builderNames map[string]bool, multiMaster bool) ([]coordmodel.SchedulerSpec, error) {
	seen := make(map[string]bool, len(in))
	out := make([]coordmodel.SchedulerSpec, 0, len(in))
	for _, s := range in {
		if s.Name == "" {
			return nil, coordmodel.NewSchemaError("schedulers", "scheduler name must not be empty")
		}
		if seen[s.Name] {
			return nil, coordmodel.NewSchemaError("schedulers", "duplicate scheduler name %q", s.Name)
		}
		seen[s.Name] = true
		if !multiMaster {
			for _, bn := range s.Builders {
				if !builderNames[bn] {
					return nil, coordmodel.NewSchemaError("schedulers", "scheduler %q references undeclared builder %q", s.Name, bn)
				}
			}
		}
		out = append(out, coordmodel.SchedulerSpec{Name: s.Name, BuilderNames: append([]string(nil), s.Builders...), Properties: s.Properties})
	}
	return out, nil
}

func buildChangeSources(in []changeSourceConfig) ([]coordmodel.ChangeSourceSpec, error) {
	seen := make(map[string]bool, len(in))
	out := make([]coordmodel.ChangeSourceSpec, 0, len(in))
	for _, c := range in {
		if seen[c.Name] {
			return nil, coordmodel.NewSchemaError("change_source", "duplicate change source name %q", c.Name)
		}
		seen[c.Name] = true
		out = append(out, coordmodel.ChangeSourceSpec{Name: c.Name, Kind: c.Kind, Properties: c.Properties})
	}
	return out, nil
}

func buildStatusTargets(in []statusConfig) ([]coordmodel.StatusTargetSpec, error) {
	seen := make(map[string]bool, len(in))
	out := make([]coordmodel.StatusTargetSpec, 0, len(in))
	for _, s := range in {
		if seen[s.Name] {
			return nil, coordmodel.NewSchemaError("status", "duplicate status target name %q", s.Name)
		}
		seen[s.Name] = true
		out = append(out, coordmodel.StatusTargetSpec{Name: s.Name, Kind: s.Kind, Properties: s.Properties})
	}
	return out, nil
}

func buildCaps(fc *fileConfig) (coordmodel.Caps, error) {
	method := coordmodel.LogCompressionMethod(fc.LogCompressionMethod)
	if method == "" {
		method = coordmodel.LogCompressionBZ2
	}
	if method != coordmodel.LogCompressionBZ2 && method != coordmodel.LogCompressionGZip {
		return coordmodel.Caps{}, coordmodel.NewSchemaError("logCompressionMethod", "must be 'bz2' or 'gz', got %q", fc.LogCompressionMethod)
	}
	return coordmodel.Caps{
		EventHorizon:         intOr(fc.EventHorizon, 50),
		LogHorizon:           intOr(fc.LogHorizon, 0),
		BuildHorizon:         intOr(fc.BuildHorizon, 0),
		ChangeHorizon:        intOr(fc.ChangeHorizon, 0),
		BuildCacheSize:       intOr(fc.BuildCacheSize, 0),
		ChangeCacheSize:      intOr(fc.ChangeCacheSize, 0),
		LogCompressionLimit:  intOr(fc.LogCompressionLimit, 4*1024),
		LogCompressionMethod: method,
		LogMaxSize:           intOr(fc.LogMaxSize, 0),
		LogMaxTailSize:       intOr(fc.LogMaxTailSize, 0),
	}, nil
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func buildMergeRequests(name string) (coordmodel.MergeRequestsFunc, bool, error) {
	if name == "" {
		return nil, false, nil
	}
	if name == "false" || name == "False" {
		return nil, true, nil
	}
	fn, ok := HookRegistry.MergeRequests[name]
	if !ok {
		return nil, false, coordmodel.NewSchemaError("mergeRequests", "no registered merge-requests hook named %q", name)
	}
	return fn, false, nil
}

func buildPrioritizeBuilders(name string) coordmodel.PrioritizeBuildersFunc {
	if name == "" {
		return nil
	}
	return HookRegistry.PrioritizeBuilders[name]
}
