package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/artpar/convoy/internal/core/compose"
	"github.com/artpar/convoy/internal/core/deployment"
	"github.com/artpar/convoy/internal/shell/docker"
	"github.com/artpar/convoy/internal/shell/store"
)

// =============================================================================
// Fake Substrate
// =============================================================================

// serviceBehavior programs how the fake substrate treats one service.
type serviceBehavior struct {
	launchErr      error
	launchFailures int // reject this many launches, then succeed
	launchDelay    time.Duration
	probeExit      int
	inspect        docker.ContainerStatus // default running
	exitCode       int
}

type fakeSubstrate struct {
	mu        sync.Mutex
	behaviors map[string]*serviceBehavior
	byService map[string]string // service -> live container ID
	nextID    int

	launches    []string // service names in launch order
	attempts    []string // every launch call, including rejected ones
	removals    []string
	stops       []string
	inFlight    int
	maxInFlight int
}

func newFakeSubstrate() *fakeSubstrate {
	return &fakeSubstrate{
		behaviors: make(map[string]*serviceBehavior),
		byService: make(map[string]string),
	}
}

func (f *fakeSubstrate) behavior(service string) *serviceBehavior {
	b, ok := f.behaviors[service]
	if !ok {
		b = &serviceBehavior{inspect: docker.ContainerStatusRunning}
		f.behaviors[service] = b
	}
	return b
}

// program sets a service's behavior before the test runs.
func (f *fakeSubstrate) program(service string, mutate func(*serviceBehavior)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mutate(f.behavior(service))
}

func (f *fakeSubstrate) Launch(ctx context.Context, plan deployment.ContainerPlan) (docker.ProcessHandle, error) {
	f.mu.Lock()
	b := f.behavior(plan.Service)
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	delay := b.launchDelay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			f.mu.Lock()
			f.inFlight--
			f.mu.Unlock()
			return docker.ProcessHandle{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight--
	f.attempts = append(f.attempts, plan.Service)
	if b.launchErr != nil {
		return docker.ProcessHandle{}, b.launchErr
	}
	if b.launchFailures > 0 {
		b.launchFailures--
		return docker.ProcessHandle{}, fmt.Errorf("launch rejected for %s", plan.Service)
	}
	f.nextID++
	id := fmt.Sprintf("ctr-%s-%d", plan.Service, f.nextID)
	f.byService[plan.Service] = id
	f.launches = append(f.launches, plan.Service)
	return docker.ProcessHandle{Service: plan.Service, ContainerID: id}, nil
}

func (f *fakeSubstrate) Stop(_ context.Context, h docker.ProcessHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops = append(f.stops, h.Service)
	return nil
}

func (f *fakeSubstrate) Remove(_ context.Context, h docker.ProcessHandle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removals = append(f.removals, h.Service)
	delete(f.byService, h.Service)
	return nil
}

func (f *fakeSubstrate) Probe(_ context.Context, h docker.ProcessHandle, _ []string) (int, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.behavior(h.Service)
	if b.probeExit != 0 {
		return b.probeExit, "probe failed", nil
	}
	return 0, "ok", nil
}

func (f *fakeSubstrate) Inspect(_ context.Context, h docker.ProcessHandle) (*docker.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byService[h.Service] != h.ContainerID {
		return nil, docker.ErrContainerNotFound
	}
	b := f.behavior(h.Service)
	return &docker.ContainerInfo{
		ID:       h.ContainerID,
		Status:   b.inspect,
		ExitCode: b.exitCode,
	}, nil
}

func (f *fakeSubstrate) Lookup(_ context.Context, service string) (docker.ProcessHandle, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.byService[service]
	if !ok {
		return docker.ProcessHandle{}, false, nil
	}
	return docker.ProcessHandle{Service: service, ContainerID: id}, true, nil
}

func (f *fakeSubstrate) launchOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.launches...)
}

func (f *fakeSubstrate) removalOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removals...)
}

func (f *fakeSubstrate) launchCount(service string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.launches {
		if s == service {
			n++
		}
	}
	return n
}

func (f *fakeSubstrate) attemptCount(service string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.attempts {
		if s == service {
			n++
		}
	}
	return n
}

func (f *fakeSubstrate) stopCount(service string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.stops {
		if s == service {
			n++
		}
	}
	return n
}

// plant registers a live container directly, as if left by an earlier run.
func (f *fakeSubstrate) plant(service, containerID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byService[service] = containerID
}

// =============================================================================
// Fake Resources
// =============================================================================

// fakeResources mirrors the real resource manager's contract: ensures are
// idempotent per identity, so volumes records each distinct creation once
// while volumeCalls counts every caller.
type fakeResources struct {
	mu              sync.Mutex
	networks        []string
	volumes         []string
	volumeCalls     map[string]int
	removedNets     bool
	removedVolumes  bool
	ensureVolumeErr error
}

func (f *fakeResources) EnsureNetwork(_ context.Context, net compose.Network) (docker.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networks = append(f.networks, net.Name)
	return docker.Handle{Kind: docker.ResourceNetwork, Name: net.Name}, nil
}

func (f *fakeResources) EnsureDefaultNetwork(context.Context) (docker.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.networks = append(f.networks, "default")
	return docker.Handle{Kind: docker.ResourceNetwork, Name: "default"}, nil
}

func (f *fakeResources) EnsureVolume(_ context.Context, vol compose.Volume) (docker.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ensureVolumeErr != nil {
		return docker.Handle{}, f.ensureVolumeErr
	}
	if f.volumeCalls == nil {
		f.volumeCalls = make(map[string]int)
	}
	f.volumeCalls[vol.Name]++
	if f.volumeCalls[vol.Name] == 1 {
		f.volumes = append(f.volumes, vol.Name)
	}
	return docker.Handle{Kind: docker.ResourceVolume, Name: vol.Name}, nil
}

func (f *fakeResources) ensureCalls(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.volumeCalls[name]
}

func (f *fakeResources) RemoveVolumes(context.Context, []compose.Volume) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedVolumes = true
	return nil
}

func (f *fakeResources) RemoveNetworks(context.Context, []compose.Network) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removedNets = true
	return nil
}

// =============================================================================
// Fake History Store
// =============================================================================

// fakeHistory implements store.Store in memory; only the slices the
// orchestrator reads are faithful.
type fakeHistory struct {
	mu          sync.Mutex
	runs        []store.Run
	states      map[string][]store.ServiceRecord // runID -> records
	transitions []store.Transition
}

func newFakeHistory() *fakeHistory {
	return &fakeHistory{states: make(map[string][]store.ServiceRecord)}
}

func (f *fakeHistory) CreateRun(_ context.Context, run *store.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, *run)
	return nil
}

func (f *fakeHistory) FinishRun(_ context.Context, id, outcome string, finishedAt time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.runs {
		if f.runs[i].ID == id {
			f.runs[i].Outcome = outcome
			f.runs[i].FinishedAt = &finishedAt
			return nil
		}
	}
	return store.ErrNotFound
}

func (f *fakeHistory) GetRun(_ context.Context, id string) (*store.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.runs {
		if f.runs[i].ID == id {
			run := f.runs[i]
			return &run, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeHistory) GetLatestRun(_ context.Context, project string) (*store.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.runs) - 1; i >= 0; i-- {
		if f.runs[i].Project == project {
			run := f.runs[i]
			return &run, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeHistory) ListRuns(_ context.Context, project string, _ store.ListOptions) ([]store.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Run
	for _, run := range f.runs {
		if run.Project == project {
			out = append(out, run)
		}
	}
	return out, nil
}

func (f *fakeHistory) UpsertServiceState(_ context.Context, rec *store.ServiceRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	records := f.states[rec.RunID]
	for i := range records {
		if records[i].Service == rec.Service {
			records[i] = *rec
			return nil
		}
	}
	f.states[rec.RunID] = append(records, *rec)
	return nil
}

func (f *fakeHistory) ListServiceStates(_ context.Context, runID string) ([]store.ServiceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]store.ServiceRecord(nil), f.states[runID]...), nil
}

func (f *fakeHistory) RecordTransition(_ context.Context, t *store.Transition) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t.ID = int64(len(f.transitions) + 1)
	f.transitions = append(f.transitions, *t)
	return nil
}

func (f *fakeHistory) ListTransitions(_ context.Context, runID, service string, _ store.ListOptions) ([]store.Transition, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Transition
	for _, t := range f.transitions {
		if t.RunID != runID {
			continue
		}
		if service != "" && t.Service != service {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeHistory) WithTx(_ context.Context, fn func(store.Store) error) error {
	return fn(f)
}

func (f *fakeHistory) Close() error { return nil }

// =============================================================================
// Transition Collector
// =============================================================================

type recordedTransition struct {
	service string
	from    RuntimeState
	to      RuntimeState
	detail  string
}

type transitionCollector struct {
	mu          sync.Mutex
	transitions []recordedTransition
}

func (c *transitionCollector) notify(service string, from, to RuntimeState, detail string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transitions = append(c.transitions, recordedTransition{service, from, to, detail})
}

func (c *transitionCollector) reached(service string, state RuntimeState) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.transitions {
		if t.service == service && t.to == state {
			return true
		}
	}
	return false
}

func (c *transitionCollector) last(service string) (recordedTransition, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.transitions) - 1; i >= 0; i-- {
		if c.transitions[i].service == service {
			return c.transitions[i], true
		}
	}
	return recordedTransition{}, false
}
