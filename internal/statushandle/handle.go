// Package statushandle provides the default in-memory StatusHandle: the
// narrow status-reporting surface a Builder keeps across a config-driven
// replacement so that historical status stays addressable under one
// identity (§4.5.1, "consumeTheSoulOfYourPredecessor").
package statushandle

import (
	"log/slog"
	"sync"
	"time"

	"github.com/buildforge/coordinator/internal/coordmodel"
)

// Marker is one lifecycle notification recorded against a builder's
// status handle (e.g. "master started", "config updated").
type Marker struct {
	Text string
	At   time.Time
}

// Handle is the default StatusHandle implementation: an in-memory,
// append-only list of markers (never trimmed) plus the current horizons,
// logged through slog the way the
// teacher's components thread a logger through their constructors.
type Handle struct {
	name     string
	basedir  string
	category string
	logger   *slog.Logger

	mu       sync.Mutex
	horizons coordmodel.Horizons
	markers  []Marker
}

var _ coordmodel.StatusHandle = (*Handle)(nil)

// New returns a Handle for the named builder.
func New(name, basedir, category string, logger *slog.Logger) *Handle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handle{
		name:     name,
		basedir:  basedir,
		category: category,
		logger:   logger.With("component", "statushandle", "builder", name),
	}
}

func (h *Handle) BuilderName() string { return h.name }
func (h *Handle) BaseDir() string     { return h.basedir }
func (h *Handle) Category() string    { return h.category }

// Reinit applies new log/event/build horizons so updated caps take effect
// without tearing down the handle (§4.5.1: "independently of change,
// invoke per-builder status re-initialisation with the current log caps").
func (h *Handle) Reinit(horizons coordmodel.Horizons) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.horizons = horizons
}

// Notify records a marker and logs it.
func (h *Handle) Notify(marker string) {
	h.mu.Lock()
	h.markers = append(h.markers, Marker{Text: marker, At: time.Now()})
	h.mu.Unlock()
	h.logger.Info("status marker", "marker", marker)
}

// Markers returns a copy of the recorded markers, oldest first.
func (h *Handle) Markers() []Marker {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Marker, len(h.markers))
	copy(out, h.markers)
	return out
}

// Horizons returns the handle's current caps.
func (h *Handle) Horizons() coordmodel.Horizons {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.horizons
}
