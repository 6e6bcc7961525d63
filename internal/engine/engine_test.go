package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/v2ray-connector/internal/orchestrator"
	"github.com/v2ray-connector/internal/types"
)

// --- fakes ---

type memStore struct {
	mu        sync.Mutex
	url       string
	selection *types.ProbeResult

	saveErr   error
	deleteErr error

	deletes int
}

func (m *memStore) SaveSubscriptionURL(url string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.url = url
	return nil
}

func (m *memStore) LoadSubscriptionURL() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.url, nil
}

func (m *memStore) DeleteSubscriptionURL() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.url = ""
	return nil
}

func (m *memStore) SaveSelection(result *types.ProbeResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	cp := *result
	m.selection = &cp
	return nil
}

func (m *memStore) LoadSelection() (*types.ProbeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.selection == nil {
		return nil, nil
	}
	cp := *m.selection
	return &cp, nil
}

func (m *memStore) DeleteSelection() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deletes++
	if m.deleteErr != nil {
		return m.deleteErr
	}
	m.selection = nil
	return nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) storedSelection() *types.ProbeResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selection
}

type fakeCatalog struct {
	mu         sync.Mutex
	candidates []types.Candidate
	err        error
	calls      int
	lastURL    string
}

func (f *fakeCatalog) FetchCatalog(ctx context.Context, subscriptionURL string) ([]types.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastURL = subscriptionURL
	return f.candidates, f.err
}

func (f *fakeCatalog) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// fakeRunner returns canned results, optionally blocking until released so
// tests can observe the Testing state.
type fakeRunner struct {
	mu        sync.Mutex
	successes []types.ProbeResult
	progress  types.ProgressSnapshot
	err       error
	release   chan struct{} // nil means return immediately
	calls     int
}

func (f *fakeRunner) Run(ctx context.Context, candidates []types.Candidate, onProgress func(types.ProgressSnapshot)) ([]types.ProbeResult, types.ProgressSnapshot, error) {
	f.mu.Lock()
	f.calls++
	release := f.release
	f.mu.Unlock()

	if onProgress != nil {
		onProgress(f.progress)
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return nil, f.progress, ctx.Err()
		}
	}
	return f.successes, f.progress, f.err
}

func (f *fakeRunner) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func candidates(n int) []types.Candidate {
	out := make([]types.Candidate, n)
	for i := range out {
		out[i] = types.Candidate(fmt.Sprintf("%d", i))
	}
	return out
}

func waitForState(t *testing.T, e *Engine, want State) Status {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		st := e.Status()
		if st.State == want {
			return st
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %q, last state %q", want, e.Status().State)
	return Status{}
}

// --- tests ---

func TestToggle_SuccessfulRunConnectsAndPersists(t *testing.T) {
	store := &memStore{}
	catalog := &fakeCatalog{candidates: candidates(10)}
	runner := &fakeRunner{
		successes: []types.ProbeResult{
			{ConfigID: "slow", Success: true, LatencyMs: 400},
			{ConfigID: "fast", Success: true, LatencyMs: 120},
		},
		progress: types.ProgressSnapshot{BatchIndex: 1, BatchCount: 1, BatchSize: 50, TestedTotal: 10, SuccessTotal: 2},
	}

	eng := New(catalog, runner, store, nil, "https://sub.example/default")

	st := eng.Toggle()
	assert.Equal(t, StateConnecting, st.State)

	st = waitForState(t, eng, StateConnected)
	require.NotNil(t, st.Selection)
	assert.Equal(t, "fast", st.Selection.ConfigID)
	assert.Empty(t, st.LastFailure)
	assert.Equal(t, 10, st.Progress.TestedTotal)

	stored := store.storedSelection()
	require.NotNil(t, stored)
	assert.Equal(t, "fast", stored.ConfigID)

	assert.Equal(t, "https://sub.example/default", catalog.lastURL)
}

func TestToggle_UsesPersistedSubscriptionURL(t *testing.T) {
	store := &memStore{url: "https://sub.example/custom"}
	catalog := &fakeCatalog{candidates: candidates(1)}
	runner := &fakeRunner{successes: []types.ProbeResult{{ConfigID: "a", Success: true, LatencyMs: 1}}}

	eng := New(catalog, runner, store, nil, "https://sub.example/default")
	eng.Toggle()
	waitForState(t, eng, StateConnected)

	assert.Equal(t, "https://sub.example/custom", catalog.lastURL)
}

func TestToggle_EmptyCatalogReportsNoCandidates(t *testing.T) {
	store := &memStore{}
	catalog := &fakeCatalog{} // empty list, no error
	runner := &fakeRunner{}

	eng := New(catalog, runner, store, nil, "https://sub.example/default")
	eng.Toggle()

	st := waitForState(t, eng, StateDisconnected)
	assert.Equal(t, "subscription returned no candidates", st.LastFailure)
	// Testing is never entered: the runner must not have been invoked.
	assert.Equal(t, 0, runner.callCount())
}

func TestToggle_CatalogFailureReturnsToDisconnected(t *testing.T) {
	store := &memStore{}
	catalog := &fakeCatalog{err: errors.New("HTTP 502")}
	runner := &fakeRunner{}

	eng := New(catalog, runner, store, nil, "https://sub.example/default")
	eng.Toggle()

	st := waitForState(t, eng, StateDisconnected)
	assert.Equal(t, "subscription source is unavailable", st.LastFailure)
	assert.Equal(t, 0, runner.callCount())
}

func TestToggle_ExhaustedRunReportsNoWorkingCandidate(t *testing.T) {
	store := &memStore{}
	catalog := &fakeCatalog{candidates: candidates(100)}
	runner := &fakeRunner{err: orchestrator.ErrAllBatchesExhausted}

	eng := New(catalog, runner, store, nil, "https://sub.example/default")
	eng.Toggle()

	st := waitForState(t, eng, StateDisconnected)
	assert.Equal(t, "no working candidate found", st.LastFailure)
	assert.Nil(t, st.Selection)
	assert.Nil(t, store.storedSelection())
}

func TestToggle_IgnoredWhileRunInFlight(t *testing.T) {
	store := &memStore{}
	catalog := &fakeCatalog{candidates: candidates(10)}
	runner := &fakeRunner{
		successes: []types.ProbeResult{{ConfigID: "a", Success: true, LatencyMs: 5}},
		progress:  types.ProgressSnapshot{BatchIndex: 1, BatchCount: 1, BatchSize: 50},
		release:   make(chan struct{}),
	}

	eng := New(catalog, runner, store, nil, "https://sub.example/default")
	eng.Toggle()
	waitForState(t, eng, StateTesting)

	// Wait for the runner's initial progress snapshot to land so the
	// comparison below is stable.
	deadline := time.Now().Add(2 * time.Second)
	for eng.Status().Progress.BatchIndex == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}

	before := eng.Status()
	st := eng.Toggle() // must be ignored, not queued
	assert.Equal(t, StateTesting, st.State)
	assert.Equal(t, before.Progress, st.Progress)
	assert.Equal(t, 1, runner.callCount())
	assert.Equal(t, 1, catalog.callCount())

	close(runner.release)
	waitForState(t, eng, StateConnected)
	assert.Equal(t, 1, runner.callCount())
}

func TestToggle_ConnectedDisconnectsAndErasesSelection(t *testing.T) {
	store := &memStore{}
	catalog := &fakeCatalog{candidates: candidates(10)}
	runner := &fakeRunner{successes: []types.ProbeResult{{ConfigID: "a", Success: true, LatencyMs: 5}}}

	eng := New(catalog, runner, store, nil, "https://sub.example/default")
	eng.Toggle()
	waitForState(t, eng, StateConnected)
	require.NotNil(t, store.storedSelection())

	st := eng.Toggle()
	assert.Equal(t, StateDisconnected, st.State)
	assert.Nil(t, st.Selection)
	assert.Nil(t, store.storedSelection())
}

func TestRestore_ReconnectsWithoutProbing(t *testing.T) {
	saved := types.ProbeResult{
		ConfigID: "persisted", Protocol: "vless", Server: "1.2.3.4", Port: 443,
		Success: true, LatencyMs: 88,
	}
	store := &memStore{selection: &saved}
	catalog := &fakeCatalog{}
	runner := &fakeRunner{}

	eng := New(catalog, runner, store, nil, "https://sub.example/default")
	eng.Restore()

	st := eng.Status()
	assert.Equal(t, StateConnected, st.State)
	require.NotNil(t, st.Selection)
	assert.Equal(t, saved, *st.Selection)

	// Restore never talks to the network.
	assert.Equal(t, 0, catalog.callCount())
	assert.Equal(t, 0, runner.callCount())
}

func TestRestore_NothingPersistedStaysDisconnected(t *testing.T) {
	eng := New(&fakeCatalog{}, &fakeRunner{}, &memStore{}, nil, "https://sub.example/default")
	eng.Restore()
	assert.Equal(t, StateDisconnected, eng.Status().State)
}

func TestToggle_PersistenceFailureDoesNotBlockConnection(t *testing.T) {
	store := &memStore{saveErr: errors.New("disk full")}
	catalog := &fakeCatalog{candidates: candidates(10)}
	runner := &fakeRunner{successes: []types.ProbeResult{{ConfigID: "a", Success: true, LatencyMs: 5}}}

	eng := New(catalog, runner, store, nil, "https://sub.example/default")
	eng.Toggle()

	st := waitForState(t, eng, StateConnected)
	require.NotNil(t, st.Selection)
	assert.Nil(t, store.storedSelection())
}

func TestToggle_DeleteFailureStillDisconnects(t *testing.T) {
	saved := types.ProbeResult{ConfigID: "persisted", Success: true, LatencyMs: 1}
	store := &memStore{selection: &saved, deleteErr: errors.New("io error")}

	eng := New(&fakeCatalog{}, &fakeRunner{}, store, nil, "https://sub.example/default")
	eng.Restore()
	require.Equal(t, StateConnected, eng.Status().State)

	st := eng.Toggle()
	assert.Equal(t, StateDisconnected, st.State)
	assert.Equal(t, 1, store.deletes)
}

func TestClearLocalData_DisconnectsWhenConnected(t *testing.T) {
	saved := types.ProbeResult{ConfigID: "persisted", Success: true, LatencyMs: 1}
	store := &memStore{selection: &saved, url: "https://sub.example/custom"}

	eng := New(&fakeCatalog{}, &fakeRunner{}, store, nil, "https://sub.example/default")
	eng.Restore()
	require.Equal(t, StateConnected, eng.Status().State)

	eng.ClearLocalData()

	st := eng.Status()
	assert.Equal(t, StateDisconnected, st.State)
	assert.Nil(t, st.Selection)
	assert.Nil(t, store.storedSelection())

	url, err := store.LoadSubscriptionURL()
	require.NoError(t, err)
	assert.Empty(t, url)
}

func TestShutdown_CancelsInFlightRun(t *testing.T) {
	store := &memStore{}
	catalog := &fakeCatalog{candidates: candidates(10)}
	runner := &fakeRunner{release: make(chan struct{})} // blocks until canceled

	eng := New(catalog, runner, store, nil, "https://sub.example/default")
	eng.Toggle()
	waitForState(t, eng, StateTesting)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, eng.Shutdown(ctx))

	waitForState(t, eng, StateDisconnected)
}
