package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/convoy/internal/core/compose"
	"github.com/artpar/convoy/internal/core/deployment"
	"github.com/artpar/convoy/internal/core/monitoring"
	"github.com/artpar/convoy/internal/shell/docker"
	"github.com/artpar/convoy/internal/shell/store"
)

// =============================================================================
// Orchestrator
// =============================================================================

// Orchestrator owns every service's RuntimeState and all lifecycle
// concurrency: per-service startup tasks, health monitor tasks, and restart
// supervision. Independent services start concurrently; a service starts
// only after all its dependencies are ready and its resources are ensured.
type Orchestrator struct {
	cfg       Config
	spec      *compose.StackSpec
	graph     *deployment.ServiceGraph
	substrate Substrate
	resources Resources
	recorder  *Recorder
	logger    *slog.Logger

	runtimes map[string]*serviceRuntime
	recCtx   context.Context

	// wg tracks monitor and supervisor goroutines, which outlive Up.
	wg sync.WaitGroup
}

// New creates an orchestrator for one resolved stack. recorder may be nil.
func New(cfg Config, spec *compose.StackSpec, graph *deployment.ServiceGraph, substrate Substrate, resources Resources, recorder *Recorder, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		cfg:       cfg.withDefaults(),
		spec:      spec,
		graph:     graph,
		substrate: substrate,
		resources: resources,
		recorder:  recorder,
		logger:    logger.With("component", "orchestrator"),
		runtimes:  make(map[string]*serviceRuntime),
		recCtx:    context.Background(),
	}
}

// =============================================================================
// Per-Service Runtime
// =============================================================================

// serviceRuntime is one service's mutable lifecycle state. The state field
// is written only through Orchestrator.setState.
type serviceRuntime struct {
	svc       compose.Service
	plan      deployment.ContainerPlan
	probePlan *deployment.ProbePlan
	probeCmd  []string // nil when probing is disabled

	ready     chan struct{} // closed when the service becomes ready
	gone      chan struct{} // closed when the service can never become ready
	readyOnce sync.Once
	goneOnce  sync.Once
	readyMu   sync.Mutex // orders markReady against markGone

	mu       sync.Mutex
	state    RuntimeState
	detail   string
	handle   docker.ProcessHandle
	restarts int
	stopReq  bool
	err      error
	monitor  *healthMonitor
}

// markReady and markGone serialize on readyMu and each yields to the other:
// at most one of the two channels ever closes, so a dependent's select never
// races two closed channels.
func (rt *serviceRuntime) markReady() {
	rt.readyMu.Lock()
	defer rt.readyMu.Unlock()
	select {
	case <-rt.gone:
	default:
		rt.readyOnce.Do(func() { close(rt.ready) })
	}
}

func (rt *serviceRuntime) markGone() {
	rt.readyMu.Lock()
	defer rt.readyMu.Unlock()
	select {
	case <-rt.ready:
	default:
		rt.goneOnce.Do(func() { close(rt.gone) })
	}
}

func (rt *serviceRuntime) setHandle(h docker.ProcessHandle) {
	rt.mu.Lock()
	rt.handle = h
	rt.mu.Unlock()
}

func (rt *serviceRuntime) handleSnapshot() docker.ProcessHandle {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.handle
}

func (rt *serviceRuntime) currentState() RuntimeState {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

func (rt *serviceRuntime) requestStop() {
	rt.mu.Lock()
	rt.stopReq = true
	rt.mu.Unlock()
	rt.markGone()
}

func (rt *serviceRuntime) stopRequested() bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.stopReq
}

func (rt *serviceRuntime) setError(err error) {
	rt.mu.Lock()
	if rt.err == nil {
		rt.err = err
	}
	rt.mu.Unlock()
}

func (rt *serviceRuntime) status() ServiceStatus {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	st := ServiceStatus{
		Service:     rt.svc.Name,
		Role:        rt.svc.Role,
		State:       rt.state,
		ContainerID: rt.handle.ContainerID,
		Restarts:    rt.restarts,
		Detail:      rt.detail,
	}
	if rt.monitor != nil {
		st.Health = rt.monitor.State()
	}
	return st
}

// =============================================================================
// Startup
// =============================================================================

// Up brings the whole stack up. It returns once every service has either
// become ready or definitively failed to. Monitor and supervision goroutines
// keep running under ctx after Up returns; use Wait to join them.
func (o *Orchestrator) Up(ctx context.Context) (*UpResult, error) {
	o.recCtx = context.WithoutCancel(ctx)

	// Shared networks are ensured up front; their creation failure is fatal
	// to the whole run.
	if _, err := o.resources.EnsureDefaultNetwork(ctx); err != nil {
		return nil, err
	}
	for _, net := range o.spec.Networks {
		if _, err := o.resources.EnsureNetwork(ctx, net); err != nil {
			return nil, err
		}
	}

	order := o.graph.StartOrder()
	for _, svc := range order {
		rt := &serviceRuntime{
			svc:   svc,
			plan:  deployment.BuildContainerPlan(deployment.BuildContainerPlanParams{Project: o.cfg.Project, Service: svc}),
			ready: make(chan struct{}),
			gone:  make(chan struct{}),
			state: StatePending,
		}
		rt.probePlan = rt.plan.HealthCheck
		if rt.probePlan != nil {
			if cmd, ok := monitoring.ProbeCommand(rt.probePlan.Test); ok {
				rt.probeCmd = cmd
			} else {
				rt.probePlan = nil
			}
		}
		o.runtimes[svc.Name] = rt
	}

	o.logger.Info("starting stack", "project", o.cfg.Project, "services", len(order))

	var startWG sync.WaitGroup
	for _, svc := range order {
		rt := o.runtimes[svc.Name]
		startWG.Add(1)
		go func(rt *serviceRuntime) {
			defer startWG.Done()
			o.startService(ctx, rt)
		}(rt)
	}
	startWG.Wait()

	result := o.snapshot()
	err := o.firstError(order)
	o.recorder.Finish(o.recCtx, runOutcome(result, err))
	if err != nil {
		o.logger.Error("stack startup incomplete", "project", o.cfg.Project, "error", err)
	} else {
		o.logger.Info("stack started", "project", o.cfg.Project)
	}
	return result, err
}

// startService is one service's lifecycle task: wait for dependencies,
// ensure resources, launch, then hand off to monitoring and supervision.
func (o *Orchestrator) startService(ctx context.Context, rt *serviceRuntime) {
	defer rt.markGone() // no-op when the service became ready

	if !o.awaitDependencies(ctx, rt) {
		return
	}

	o.setState(rt, StateStarting, "")

	// Named volume mounts are ensured here. Services sharing a volume hit
	// the resource manager concurrently; it serializes per identity.
	for _, mnt := range rt.svc.Volumes {
		if mnt.Type != compose.VolumeMountTypeVolume {
			continue
		}
		vol := o.declaredVolume(mnt.Source)
		if vol == nil {
			continue
		}
		if _, err := o.resources.EnsureVolume(ctx, *vol); err != nil {
			rt.setError(err)
			o.setState(rt, StateFailed, err.Error())
			return
		}
	}

	if ctx.Err() != nil {
		// Cancelled before launch. Ensured resources are released, never
		// destroyed; the runtime stays short of Running.
		rt.setError(ctx.Err())
		o.setState(rt, StateStopped, "cancelled before launch")
		return
	}

	handle, err := o.launchWithPolicy(ctx, rt)
	if err != nil {
		err = fmt.Errorf("%w: %s: %v", ErrLaunchFailed, rt.svc.Name, err)
		rt.setError(err)
		o.setState(rt, StateFailed, err.Error())
		return
	}
	rt.setHandle(handle)
	o.setState(rt, StateRunning, "")

	if rt.probeCmd == nil {
		// No healthcheck declared: Running is ready.
		rt.markReady()
		o.superviseAsync(ctx, rt)
		return
	}

	o.setState(rt, StateHealthChecking, "")

	rt.mu.Lock()
	rt.monitor = newHealthMonitor(rt.svc.Name, handle, *rt.probePlan, rt.probeCmd, o.substrate, func(state monitoring.ProbeState, output string) {
		o.onVerdict(rt, state, output)
	}, o.logger)
	monitor := rt.monitor
	rt.mu.Unlock()

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		monitor.Run(ctx)
	}()
	o.superviseAsync(ctx, rt)

	// An Unhealthy verdict is not final while the restart policy can still
	// recycle the container; dependents give up only on a terminal
	// supervisor outcome or when the startup window expires.
	window := time.NewTimer(o.cfg.DependencyTimeout)
	defer window.Stop()
	select {
	case <-rt.ready:
	case <-rt.gone:
		rt.setError(fmt.Errorf("%s never became healthy", rt.svc.Name))
	case <-window.C:
		rt.setError(fmt.Errorf("%s never became healthy", rt.svc.Name))
	case <-ctx.Done():
		rt.setError(ctx.Err())
	}
}

// launchWithPolicy launches the container, retrying rejected launches under
// the service's restart policy. A `never` policy gets a single attempt;
// `on-failure` retries up to the restart cap; `unless-stopped` retries until
// the context is cancelled.
func (o *Orchestrator) launchWithPolicy(ctx context.Context, rt *serviceRuntime) (docker.ProcessHandle, error) {
	attempt := 0
	for {
		handle, err := o.substrate.Launch(ctx, rt.plan)
		if err == nil {
			return handle, nil
		}
		if ctx.Err() != nil || rt.stopRequested() {
			return docker.ProcessHandle{}, err
		}

		switch rt.svc.Restart {
		case compose.RestartOnFailure:
			if attempt >= o.cfg.MaxRestarts {
				return docker.ProcessHandle{}, err
			}
		case compose.RestartUnlessStopped:
		default: // never
			return docker.ProcessHandle{}, err
		}

		delay := restartDelay(o.cfg.RestartBackoffBase, o.cfg.RestartBackoffMax, attempt)
		attempt++
		o.logger.Warn("launch rejected, retrying", "service", rt.svc.Name, "delay", delay, "error", err)
		o.setState(rt, StateStarting, "retrying launch")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return docker.ProcessHandle{}, err
		}
	}
}

// awaitDependencies blocks until every dependency is ready. On timeout or
// dependency failure the service stays Pending.
func (o *Orchestrator) awaitDependencies(ctx context.Context, rt *serviceRuntime) bool {
	deps := o.graph.Dependencies(rt.svc.Name)
	if len(deps) == 0 {
		return true
	}

	timer := time.NewTimer(o.cfg.DependencyTimeout)
	defer timer.Stop()

	for _, dep := range deps {
		depRT := o.runtimes[dep]
		select {
		case <-depRT.ready:
		case <-depRT.gone:
			err := fmt.Errorf("%w: %s", ErrDependencyFailed, dep)
			rt.setError(err)
			o.setState(rt, StatePending, err.Error())
			return false
		case <-timer.C:
			err := fmt.Errorf("%w: %s waiting for %s", ErrDependencyTimeout, rt.svc.Name, dep)
			rt.setError(err)
			o.setState(rt, StatePending, err.Error())
			return false
		case <-ctx.Done():
			rt.setError(ctx.Err())
			return false
		}
	}
	return true
}

// onVerdict receives Healthy/Unhealthy verdict changes from a monitor task.
func (o *Orchestrator) onVerdict(rt *serviceRuntime, state monitoring.ProbeState, output string) {
	switch state {
	case monitoring.ProbeHealthy:
		o.setState(rt, StateHealthy, "")
		rt.markReady()
	case monitoring.ProbeUnhealthy:
		o.setState(rt, StateUnhealthy, truncateDetail(output))
	}
}

// =============================================================================
// Restart Supervision
// =============================================================================

func (o *Orchestrator) superviseAsync(ctx context.Context, rt *serviceRuntime) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.supervise(ctx, rt)
	}()
}

// supervise watches one service's container and applies the restart policy
// when it exits or turns unhealthy.
func (o *Orchestrator) supervise(ctx context.Context, rt *serviceRuntime) {
	logger := o.logger.With("component", "supervisor", "service", rt.svc.Name)
	ticker := time.NewTicker(o.cfg.SupervisePoll)
	defer ticker.Stop()

	lastStart := time.Now()
	backoffStep := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if rt.stopRequested() {
			return
		}

		info, err := o.substrate.Inspect(ctx, rt.handleSnapshot())
		if err != nil {
			if errors.Is(err, docker.ErrContainerNotFound) {
				logger.Warn("container disappeared")
				o.setState(rt, StateStopped, "container removed externally")
				rt.markGone()
				return
			}
			logger.Warn("failed to inspect container", "error", err)
			continue
		}

		exited := info.Status == docker.ContainerStatusExited || info.Status == docker.ContainerStatusDead
		unhealthy := rt.currentState() == StateUnhealthy

		if !exited && !unhealthy {
			if time.Since(lastStart) > o.cfg.StableAfter {
				backoffStep = 0
			}
			continue
		}

		// Terminal outcomes close the dependency gate so blocked dependents
		// fail over immediately instead of waiting out their timeout.
		switch rt.svc.Restart {
		case compose.RestartOnFailure:
			if exited && info.ExitCode == 0 {
				o.setState(rt, StateStopped, "")
				rt.markGone()
				return
			}
			if rt.restartCount() >= o.cfg.MaxRestarts {
				o.setState(rt, StateFailed, "restart limit reached")
				rt.markGone()
				return
			}
		case compose.RestartUnlessStopped:
			// Always restart, no cap.
		default: // never
			if !exited {
				// Unhealthy but running: the verdict stands, nothing to do.
				continue
			}
			if info.ExitCode == 0 {
				o.setState(rt, StateStopped, "")
			} else {
				o.setState(rt, StateFailed, fmt.Sprintf("exited with code %d", info.ExitCode))
			}
			rt.markGone()
			return
		}

		delay := restartDelay(o.cfg.RestartBackoffBase, o.cfg.RestartBackoffMax, backoffStep)
		backoffStep++
		logger.Info("restarting service", "delay", delay, "exited", exited, "exit_code", info.ExitCode)

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if rt.stopRequested() {
			return
		}

		if !exited {
			// Unhealthy but still running: recycle the container.
			if err := o.substrate.Stop(ctx, rt.handleSnapshot()); err != nil {
				logger.Warn("failed to stop unhealthy container", "error", err)
			}
		}

		o.setState(rt, StateStarting, "restart")
		handle, err := o.substrate.Launch(ctx, rt.plan)
		if err != nil {
			logger.Warn("restart launch failed", "error", err)
			o.setState(rt, StateFailed, err.Error())
			// A rejected relaunch spends an attempt, so on-failure still
			// hits its cap instead of retrying forever.
			rt.incRestarts()
			continue
		}
		rt.setHandle(handle)
		rt.incRestarts()
		lastStart = time.Now()

		rt.mu.Lock()
		monitor := rt.monitor
		rt.mu.Unlock()
		if monitor != nil {
			monitor.Rebind(handle)
			o.setState(rt, StateHealthChecking, "")
		} else {
			o.setState(rt, StateRunning, "")
		}
	}
}

func (rt *serviceRuntime) restartCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.restarts
}

func (rt *serviceRuntime) incRestarts() {
	rt.mu.Lock()
	rt.restarts++
	rt.mu.Unlock()
}

// restartDelay computes the bounded exponential restart delay.
func restartDelay(base, max time.Duration, step int) time.Duration {
	d := base
	for i := 0; i < step; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}

// =============================================================================
// Shutdown
// =============================================================================

// Wait blocks until all monitor and supervision goroutines have returned,
// which happens when the Up context is cancelled.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Down stops and removes the stack's containers in reverse topological
// order. With removeVolumes it also removes the project's named volumes and
// networks, which otherwise persist across runs. Down works without a prior
// in-process Up: containers are discovered by label.
func (o *Orchestrator) Down(ctx context.Context, removeVolumes bool) error {
	var firstErr error

	for _, svc := range o.graph.StopOrder() {
		rt := o.runtimes[svc.Name]
		if rt != nil {
			rt.requestStop()
		}

		handle, ok, err := o.lookupHandle(ctx, rt, svc.Name)
		if err != nil {
			o.logger.Warn("failed to look up container", "service", svc.Name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !ok {
			continue
		}

		o.transition(rt, svc, StateStopping, "")
		if err := o.substrate.Remove(ctx, handle); err != nil {
			o.logger.Warn("failed to remove container", "service", svc.Name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		o.transition(rt, svc, StateStopped, "")
		o.logger.Info("stopped service", "service", svc.Name)
	}

	if removeVolumes {
		if err := o.resources.RemoveNetworks(ctx, o.spec.Networks); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := o.resources.RemoveVolumes(ctx, o.spec.Volumes); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}

// lookupHandle resolves a service's container handle from the in-process
// runtime when present, falling back to a label lookup.
func (o *Orchestrator) lookupHandle(ctx context.Context, rt *serviceRuntime, service string) (docker.ProcessHandle, bool, error) {
	if rt != nil {
		if h := rt.handleSnapshot(); h.ContainerID != "" {
			return h, true, nil
		}
	}
	return o.substrate.Lookup(ctx, service)
}

// transition applies a state change for Down, which must also work for
// services with no in-process runtime.
func (o *Orchestrator) transition(rt *serviceRuntime, svc compose.Service, to RuntimeState, detail string) {
	if rt != nil {
		o.setState(rt, to, detail)
		return
	}
	if o.cfg.Notify != nil {
		o.cfg.Notify(svc.Name, "", to, detail)
	}
	o.recorder.Transition(o.recCtx, ServiceStatus{Service: svc.Name, Role: svc.Role}, "", to, detail)
}

// =============================================================================
// Status
// =============================================================================

// Status reports the current state of every declared service: live container
// state merged with the last recorded run. history may be nil.
func Status(ctx context.Context, spec *compose.StackSpec, substrate Substrate, history store.Store, project string) ([]ServiceStatus, error) {
	var recorded map[string]store.ServiceRecord
	if history != nil {
		if run, err := history.GetLatestRun(ctx, project); err == nil {
			if states, err := history.ListServiceStates(ctx, run.ID); err == nil {
				recorded = make(map[string]store.ServiceRecord, len(states))
				for _, s := range states {
					recorded[s.Service] = s
				}
			}
		}
	}

	statuses := make([]ServiceStatus, 0, len(spec.Services))
	for _, svc := range spec.Services {
		status := ServiceStatus{Service: svc.Name, Role: svc.Role, State: StateStopped}

		if rec, ok := recorded[svc.Name]; ok {
			status.State = RuntimeState(rec.State)
			status.ContainerID = rec.ContainerID
			status.Detail = rec.Detail
		}

		handle, ok, err := substrate.Lookup(ctx, svc.Name)
		if err != nil {
			return nil, err
		}
		if !ok {
			// Nothing live: a recorded terminal state stands, anything
			// else collapses to Stopped.
			if status.State != StateFailed {
				status.State = StateStopped
			}
			statuses = append(statuses, status)
			continue
		}

		info, err := substrate.Inspect(ctx, handle)
		if err != nil {
			if errors.Is(err, docker.ErrContainerNotFound) {
				statuses = append(statuses, status)
				continue
			}
			return nil, err
		}

		status.ContainerID = info.ID
		switch info.Status {
		case docker.ContainerStatusRunning, docker.ContainerStatusPaused:
			// A recorded health verdict for this same container refines
			// plain "running".
			if rec, ok := recorded[svc.Name]; ok && rec.ContainerID == info.ID &&
				(rec.State == string(StateHealthy) || rec.State == string(StateUnhealthy)) {
				status.State = RuntimeState(rec.State)
			} else {
				status.State = StateRunning
			}
		case docker.ContainerStatusCreated, docker.ContainerStatusRestarting:
			status.State = StateStarting
		case docker.ContainerStatusExited:
			if info.ExitCode == 0 {
				status.State = StateStopped
			} else {
				status.State = StateFailed
				status.Detail = fmt.Sprintf("exited with code %d", info.ExitCode)
			}
		case docker.ContainerStatusDead, docker.ContainerStatusRemoving:
			status.State = StateFailed
		}

		statuses = append(statuses, status)
	}

	return statuses, nil
}

// StackHealth folds per-service runtime states into one stack-level verdict.
// Stopped and pending services carry no health signal and are left out; a
// stack with nothing running reports unknown.
func StackHealth(statuses []ServiceStatus) monitoring.StackHealth {
	states := make([]monitoring.ProbeState, 0, len(statuses))
	for _, s := range statuses {
		switch s.State {
		case StateHealthy, StateRunning:
			states = append(states, monitoring.ProbeHealthy)
		case StateUnhealthy, StateFailed:
			states = append(states, monitoring.ProbeUnhealthy)
		case StateStarting, StateHealthChecking:
			states = append(states, monitoring.ProbeProbing)
		}
	}
	return monitoring.AggregateHealth(states)
}

// =============================================================================
// Internals
// =============================================================================

// setState is the single write path for RuntimeState.
func (o *Orchestrator) setState(rt *serviceRuntime, to RuntimeState, detail string) {
	rt.mu.Lock()
	from := rt.state
	rt.state = to
	rt.detail = detail
	rt.mu.Unlock()

	if from == to && detail == "" {
		return
	}

	o.logger.Debug("service state changed", "service", rt.svc.Name, "from", from, "to", to, "detail", detail)
	if o.cfg.Notify != nil {
		o.cfg.Notify(rt.svc.Name, from, to, detail)
	}
	o.recorder.Transition(o.recCtx, rt.status(), from, to, detail)
}

// snapshot collects every service's status in start order.
func (o *Orchestrator) snapshot() *UpResult {
	result := &UpResult{}
	for _, svc := range o.graph.StartOrder() {
		result.Services = append(result.Services, o.runtimes[svc.Name].status())
	}
	return result
}

// firstError returns the root-cause error: the earliest failed service in
// start order, preferring causes over the dependency failures they induce.
func (o *Orchestrator) firstError(order []compose.Service) error {
	var depErr error
	for _, svc := range order {
		rt := o.runtimes[svc.Name]
		rt.mu.Lock()
		err := rt.err
		rt.mu.Unlock()
		if err == nil {
			continue
		}
		if errors.Is(err, ErrDependencyFailed) || errors.Is(err, ErrDependencyTimeout) {
			if depErr == nil {
				depErr = err
			}
			continue
		}
		return err
	}
	return depErr
}

// runOutcome maps an Up result to a recorded run outcome.
func runOutcome(result *UpResult, err error) string {
	if err == nil {
		return store.RunOutcomeHealthy
	}
	ready := 0
	for _, s := range result.Services {
		switch s.State {
		case StateRunning, StateHealthy:
			ready++
		}
	}
	if ready == 0 {
		return store.RunOutcomeFailed
	}
	return store.RunOutcomeDegraded
}

// declaredVolume finds a top-level volume declaration by name.
func (o *Orchestrator) declaredVolume(name string) *compose.Volume {
	for i := range o.spec.Volumes {
		if o.spec.Volumes[i].Name == name {
			return &o.spec.Volumes[i]
		}
	}
	return nil
}

func truncateDetail(s string) string {
	const max = 200
	if len(s) > max {
		return s[:max]
	}
	return s
}
