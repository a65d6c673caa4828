// Package configloader parses the coordinator's configuration artifact
// (YAML, by default "<basedir>/master.cfg") into a validated, normalised
// coordmodel.ConfigModel (§4.4). It reads the artifact with
// github.com/spf13/viper, decodes it into an intermediate struct tree
// with gopkg.in/yaml.v3 backing viper's decode step, applies structural
// tag validation with github.com/go-playground/validator/v10, and then
// runs the hand-written business-rule validation in validate.go that
// enforces §3's invariants.
package configloader

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/buildforge/coordinator/internal/coordmodel"
)

// DefaultArtifactName is the file the Loader reads relative to basedir
// when no explicit path is given (§6).
const DefaultArtifactName = "master.cfg"

// Loader reads and validates the configuration artifact. It remembers
// the db_url/db_poll_interval from the last successful load so that a
// later load attempting to change either is rejected (§3, §8 property 7).
type Loader struct {
	basedir  string
	logger   *slog.Logger
	validate *validator.Validate

	mu    sync.Mutex
	prior priorState
}

// New returns a Loader rooted at basedir (the coordinator's absolute base
// directory, made available to the artifact environment as §6 describes).
func New(basedir string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		basedir:  basedir,
		logger:   logger.With("component", "configloader"),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// ArtifactPath returns the default artifact path under the loader's basedir.
func (l *Loader) ArtifactPath() string {
	return filepath.Join(l.basedir, DefaultArtifactName)
}

// Load reads and validates the artifact at path. When checkOnly is true it
// returns the ConfigModel without recording write-once state (used by the
// `checkconfig` CLI subcommand, which must be side-effect free). On any
// failure the returned error is one of coordmodel's typed config errors
// and no state is mutated.
func (l *Loader) Load(ctx context.Context, path string, checkOnly bool) (*coordmodel.ConfigModel, error) {
	if path == "" {
		path = l.ArtifactPath()
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.Set("basedir", l.basedir)

	if err := v.ReadInConfig(); err != nil {
		return nil, &coordmodel.ConfigSyntaxError{Path: path, Cause: err}
	}

	var fc fileConfig
	if err := v.Unmarshal(&fc); err != nil {
		return nil, &coordmodel.ConfigSyntaxError{Path: path, Cause: err}
	}

	if err := requireKeys(v); err != nil {
		return nil, err
	}
	warnUnknownKeys(l.logger, v)

	if err := l.validate.Struct(&fc); err != nil {
		return nil, coordmodel.NewSchemaError("", "artifact failed structural validation: %v", err)
	}

	l.mu.Lock()
	prior := l.prior
	l.mu.Unlock()

	model, err := buildModel(&fc, rawKeySet(v), prior)
	if err != nil {
		return nil, err
	}

	if checkOnly {
		return model, nil
	}

	l.mu.Lock()
	l.prior = priorState{loaded: true, dbURL: model.DBURL, dbPollInterval: model.DBPollInterval}
	l.mu.Unlock()

	return model, nil
}

func requireKeys(v interface{ IsSet(string) bool }) error {
	for _, key := range []string{"schedulers", "builders", "slavePortnum", "slaves"} {
		if !v.IsSet(key) {
			return coordmodel.NewSchemaError(key, "config dictionary must have a '%s' key", key)
		}
	}
	return nil
}

var knownTopLevelKeys = map[string]bool{
	"slaves": true, "change_source": true, "schedulers": true, "builders": true,
	"mergeRequests": true, "slavePortnum": true, "debugPassword": true,
	"logCompressionLimit": true, "manhole": true, "status": true,
	"projectName": true, "projectURL": true, "buildbotURL": true,
	"properties": true, "prioritizeBuilders": true, "eventHorizon": true,
	"buildCacheSize": true, "changeCacheSize": true, "logHorizon": true,
	"buildHorizon": true, "changeHorizon": true, "logMaxSize": true,
	"logMaxTailSize": true, "logCompressionMethod": true, "db_url": true,
	"multiMaster": true, "db_poll_interval": true,
	// deprecated keys are "known" in the sense that they're recognised and
	// rejected with a specific message, not silently warned about.
	"sources": true, "bots": true, "interlocks": true,
}

func warnUnknownKeys(logger *slog.Logger, v *viper.Viper) {
	for _, key := range v.AllKeys() {
		top := key
		if idx := indexOfDot(key); idx >= 0 {
			top = key[:idx]
		}
		if !knownTopLevelKeys[top] && top != "basedir" {
			logger.Warn("unknown key defined in config dictionary", "key", top)
		}
	}
}

func indexOfDot(s string) int {
	for i, r := range s {
		if r == '.' {
			return i
		}
	}
	return -1
}

func rawKeySet(v *viper.Viper) map[string]bool {
	out := make(map[string]bool)
	for _, key := range v.AllKeys() {
		top := key
		if idx := indexOfDot(key); idx >= 0 {
			top = key[:idx]
		}
		out[top] = true
	}
	return out
}

