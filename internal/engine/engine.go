package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/v2ray-connector/internal/orchestrator"
	"github.com/v2ray-connector/internal/remote"
	"github.com/v2ray-connector/internal/selection"
	"github.com/v2ray-connector/internal/storage"
	"github.com/v2ray-connector/internal/types"
)

// ErrNoCandidates reports an empty catalog: the subscription fetch worked but
// produced nothing to test. Recoverable, not a crash.
var ErrNoCandidates = errors.New("subscription returned no candidates")

// State is the externally visible connection state.
//
// Disconnected -> Connecting -> Testing -> Connected
//      ^              |            |          |
//      +--------------+------------+----------+
//
// Connecting falls back to Disconnected when the catalog is empty or
// unavailable; Testing falls back when every batch is exhausted. Connected
// returns to Disconnected on toggle. All transitions happen through Toggle
// and the run it spawns; nothing else advances state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateTesting      State = "testing"
	StateConnected    State = "connected"
)

// gaugeValue maps states onto the metrics gauge.
func gaugeValue(s State) float64 {
	switch s {
	case StateConnecting:
		return 1
	case StateTesting:
		return 2
	case StateConnected:
		return 3
	default:
		return 0
	}
}

// Catalog fetches the candidate list for a subscription URL.
type Catalog interface {
	FetchCatalog(ctx context.Context, subscriptionURL string) ([]types.Candidate, error)
}

// Runner drives one batch-probing run. Satisfied by orchestrator.Runner.
type Runner interface {
	Run(ctx context.Context, candidates []types.Candidate, onProgress func(types.ProgressSnapshot)) ([]types.ProbeResult, types.ProgressSnapshot, error)
}

// Observer receives run lifecycle accounting. Implemented by the metrics
// collector; may be nil.
type Observer interface {
	RecordRun(outcome string, duration time.Duration)
	SetConnectionState(state float64)
	SetSelectionLatency(latencyMs int64)
}

// Status is the read model handed to the view layer.
type Status struct {
	State       State                  `json:"state"`
	Progress    types.ProgressSnapshot `json:"progress"`
	Selection   *types.ProbeResult     `json:"selection,omitempty"`
	LastFailure string                 `json:"last_failure,omitempty"`
}

// Engine is the connection state machine. Toggle is the single mutation
// entry point; while a run is in flight (Connecting or Testing) further
// toggles are ignored, which guarantees at most one run at a time without
// any locking beyond the state mutex.
type Engine struct {
	catalog  Catalog
	runner   Runner
	store    storage.Store
	observer Observer

	defaultSubscriptionURL string

	mu          sync.Mutex
	state       State
	progress    types.ProgressSnapshot
	selection   *types.ProbeResult
	lastFailure string
	runCancel   context.CancelFunc

	wg sync.WaitGroup
}

func New(catalog Catalog, runner Runner, store storage.Store, observer Observer, defaultSubscriptionURL string) *Engine {
	return &Engine{
		catalog:                catalog,
		runner:                 runner,
		store:                  store,
		observer:               observer,
		defaultSubscriptionURL: defaultSubscriptionURL,
		state:                  StateDisconnected,
	}
}

// Restore loads the persisted selection, if any, and enters Connected with it
// without issuing a single probe call. Called once on process start.
func (e *Engine) Restore() {
	sel, err := e.store.LoadSelection()
	if err != nil {
		log.Warnf("Failed to load persisted selection: %v (starting disconnected)", err)
		return
	}
	if sel == nil {
		return
	}

	e.mu.Lock()
	e.selection = sel
	e.setStateLocked(StateConnected)
	e.mu.Unlock()

	log.Infof("Restored selection %s (%s %s:%d, %dms), starting connected",
		sel.ConfigID, sel.Protocol, sel.Server, sel.Port, sel.LatencyMs)
}

// Status returns a copy of the current read model.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.statusLocked()
}

func (e *Engine) statusLocked() Status {
	st := Status{
		State:       e.state,
		Progress:    e.progress,
		LastFailure: e.lastFailure,
	}
	if e.selection != nil {
		sel := *e.selection
		st.Selection = &sel
	}
	return st
}

// Toggle flips the connection. From Disconnected it starts a run; from
// Connected it disconnects and erases the persisted selection. While a run is
// active the call is a no-op (ignored, not queued) and the current status is
// returned unchanged.
func (e *Engine) Toggle() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case StateConnecting, StateTesting:
		log.Debug("Toggle ignored: run already in flight")
		return e.statusLocked()

	case StateConnected:
		if err := e.store.DeleteSelection(); err != nil {
			// Non-fatal: the state transition happens regardless.
			log.Warnf("Failed to delete persisted selection: %v", err)
		}
		e.selection = nil
		e.progress = types.ProgressSnapshot{}
		e.lastFailure = ""
		e.setStateLocked(StateDisconnected)
		log.Info("Disconnected")
		return e.statusLocked()

	default: // StateDisconnected
		e.progress = types.ProgressSnapshot{}
		e.selection = nil
		e.lastFailure = ""
		e.setStateLocked(StateConnecting)

		ctx, cancel := context.WithCancel(context.Background())
		e.runCancel = cancel
		e.wg.Add(1)
		go e.run(ctx)

		return e.statusLocked()
	}
}

// ClearLocalData erases the persisted selection and, when currently
// connected, drops back to Disconnected. Server-side data is purged by the
// caller through the remote client.
func (e *Engine) ClearLocalData() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.store.DeleteSelection(); err != nil {
		log.Warnf("Failed to delete persisted selection: %v", err)
	}
	if err := e.store.DeleteSubscriptionURL(); err != nil {
		log.Warnf("Failed to delete persisted subscription URL: %v", err)
	}

	if e.state == StateConnected {
		e.selection = nil
		e.progress = types.ProgressSnapshot{}
		e.setStateLocked(StateDisconnected)
	}
}

// Shutdown cancels any in-flight run and waits for it to wind down.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.runCancel != nil {
		e.runCancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) setStateLocked(next State) {
	e.state = next
	if e.observer != nil {
		e.observer.SetConnectionState(gaugeValue(next))
	}
}

// subscriptionURL resolves the URL for this run: the persisted record when
// present, the configured default otherwise.
func (e *Engine) subscriptionURL() string {
	url, err := e.store.LoadSubscriptionURL()
	if err != nil {
		log.Warnf("Failed to load subscription URL: %v (using default)", err)
		return e.defaultSubscriptionURL
	}
	if url == "" {
		return e.defaultSubscriptionURL
	}
	return url
}

// run executes one full connection attempt. It owns the Connecting and
// Testing states and always terminates in Connected or Disconnected.
func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()
	start := time.Now()

	subURL := e.subscriptionURL()
	log.Infof("Run started, fetching catalog from subscription %s", subURL)

	candidates, err := e.catalog.FetchCatalog(ctx, subURL)
	if err != nil {
		log.Errorf("Catalog fetch failed: %v", err)
		e.finishRun(start, StateDisconnected, nil, "catalog_unavailable", "subscription source is unavailable")
		return
	}
	if len(candidates) == 0 {
		log.Warn("Catalog is empty, nothing to test")
		e.finishRun(start, StateDisconnected, nil, "no_candidates", ErrNoCandidates.Error())
		return
	}

	e.mu.Lock()
	e.setStateLocked(StateTesting)
	e.mu.Unlock()

	successes, _, err := e.runner.Run(ctx, candidates, e.onProgress)
	if err != nil {
		switch {
		case errors.Is(err, context.Canceled):
			log.Info("Run canceled")
			e.finishRun(start, StateDisconnected, nil, "canceled", "")
		case errors.Is(err, orchestrator.ErrAllBatchesExhausted):
			log.Warn("All batches exhausted, no working candidate found")
			e.finishRun(start, StateDisconnected, nil, "exhausted", "no working candidate found")
		case errors.Is(err, remote.ErrProbeServiceUnavailable):
			log.Errorf("Probe service failed: %v", err)
			e.finishRun(start, StateDisconnected, nil, "probe_unavailable", "testing service is unavailable")
		default:
			log.Errorf("Run failed: %v", err)
			e.finishRun(start, StateDisconnected, nil, "error", "connection run failed")
		}
		return
	}

	best, ok := selection.Best(successes)
	if !ok {
		// The runner only returns early on a successful batch, so this
		// indicates a contract violation rather than a normal outcome.
		log.Error("Runner returned without successes and without error")
		e.finishRun(start, StateDisconnected, nil, "error", "connection run failed")
		return
	}

	if err := e.store.SaveSelection(&best); err != nil {
		// Non-fatal: the connection still happens, it just won't survive a
		// restart.
		log.Warnf("Failed to persist selection: %v", err)
	}

	log.Infof("Connected via %s (%s %s:%d, %dms)",
		best.ConfigID, best.Protocol, best.Server, best.Port, best.LatencyMs)
	e.finishRun(start, StateConnected, &best, "connected", "")
}

func (e *Engine) onProgress(p types.ProgressSnapshot) {
	e.mu.Lock()
	e.progress = p
	e.mu.Unlock()
}

func (e *Engine) finishRun(start time.Time, final State, sel *types.ProbeResult, outcome, failure string) {
	e.mu.Lock()
	e.selection = sel
	e.lastFailure = failure
	e.runCancel = nil
	e.setStateLocked(final)
	e.mu.Unlock()

	if e.observer != nil {
		e.observer.RecordRun(outcome, time.Since(start))
		if sel != nil {
			e.observer.SetSelectionLatency(sel.LatencyMs)
		}
	}
}
