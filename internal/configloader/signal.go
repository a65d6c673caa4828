package configloader

import (
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/buildforge/coordinator/internal/metrics"
)

// reloadDebounceWindow bounds how often a burst of SIGHUPs can queue a
// reload; the limiter, not a timestamp comparison, absorbs the burst.
const reloadDebounceWindow = 2 * time.Second

// Reloader turns SIGHUP into reload requests on a channel the coordinator's
// own event loop drains on its next tick (§4.4: "the reload is deferred to
// the next scheduler tick so it never runs inside the signal handler").
// Repeated SIGHUPs in quick succession (an operator double-tapping `kill
// -HUP`) are debounced with a token-bucket limiter rather than an ad hoc
// timestamp comparison, so a burst collapses to one queued reload instead
// of piling up.
type Reloader struct {
	requests chan struct{}
	limiter  *rate.Limiter
	logger   *slog.Logger

	mu      sync.Mutex
	sigCh   chan os.Signal
	stopped bool
}

// NewReloader returns a Reloader that has not yet started listening.
func NewReloader(logger *slog.Logger) *Reloader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reloader{
		requests: make(chan struct{}, 1),
		limiter:  rate.NewLimiter(rate.Every(reloadDebounceWindow), 1),
		logger:   logger.With("component", "configloader.reloader"),
	}
}

// Requests is the channel the coordinator selects on; a reload is due
// whenever a value arrives. The channel is buffered to 1 so a signal
// received while a reload is already pending doesn't block the handler.
func (r *Reloader) Requests() <-chan struct{} {
	return r.requests
}

// Start installs the SIGHUP handler and starts the goroutine that turns
// signals into reload requests. A second call while installed does nothing.
func (r *Reloader) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sigCh != nil {
		return
	}
	r.sigCh = make(chan os.Signal, 1)
	signal.Notify(r.sigCh, syscall.SIGHUP)
	go r.run()
}

// Stop removes the signal handler.
func (r *Reloader) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sigCh == nil || r.stopped {
		return
	}
	signal.Stop(r.sigCh)
	r.stopped = true
	close(r.sigCh)
}

func (r *Reloader) run() {
	for range r.sigCh {
		metrics.SignalReloadsTotal.WithLabelValues("received").Inc()
		if !r.limiter.Allow() {
			metrics.SignalReloadsTotal.WithLabelValues("debounced").Inc()
			continue
		}
		select {
		case r.requests <- struct{}{}:
			metrics.SignalReloadsTotal.WithLabelValues("queued").Inc()
		default:
			// A reload is already pending; nothing more to do.
			metrics.SignalReloadsTotal.WithLabelValues("debounced").Inc()
		}
	}
}
