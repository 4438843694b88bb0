package docker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// fakeClient is an in-memory Client for exercising the launcher and resource
// manager without a daemon. Error fields, when set, are returned by the
// corresponding operation.
type fakeClient struct {
	mu sync.Mutex

	containers map[string]*fakeContainer
	networks   map[string]string // name -> id
	volumes    map[string]bool
	images     map[string]bool

	nextID int

	createNetworkCalls   int
	createVolumeCalls    int
	createContainerCalls int
	pullCalls            []string

	createNetworkErr   error
	createVolumeErr    error
	createContainerErr error
	startErr           error
	stopErr            error
	removeErr          error
	listErr            error
	probeResult        *ProbeResult
	probeErr           error
}

type fakeContainer struct {
	spec    ContainerSpec
	status  ContainerStatus
	exit    int
	started time.Time
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		containers: make(map[string]*fakeContainer),
		networks:   make(map[string]string),
		volumes:    make(map[string]bool),
		images:     make(map[string]bool),
	}
}

func (f *fakeClient) CreateContainer(_ context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createContainerCalls++
	if f.createContainerErr != nil {
		return "", f.createContainerErr
	}
	f.nextID++
	id := fmt.Sprintf("ctr-%04d-%s", f.nextID, strings.Repeat("f", 58))
	f.containers[id] = &fakeContainer{spec: spec, status: ContainerStatusCreated}
	return id, nil
}

func (f *fakeClient) StartContainer(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return f.startErr
	}
	c, ok := f.containers[id]
	if !ok {
		return ErrContainerNotFound
	}
	if c.status == ContainerStatusRunning {
		return ErrContainerAlreadyRunning
	}
	c.status = ContainerStatusRunning
	c.started = time.Now()
	return nil
}

func (f *fakeClient) StopContainer(_ context.Context, id string, _ *time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	c, ok := f.containers[id]
	if !ok {
		return ErrContainerNotFound
	}
	if c.status != ContainerStatusRunning {
		return ErrContainerNotRunning
	}
	c.status = ContainerStatusExited
	return nil
}

func (f *fakeClient) RemoveContainer(_ context.Context, id string, _ RemoveOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	if _, ok := f.containers[id]; !ok {
		return ErrContainerNotFound
	}
	delete(f.containers, id)
	return nil
}

func (f *fakeClient) InspectContainer(_ context.Context, id string) (*ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[id]
	if !ok {
		return nil, ErrContainerNotFound
	}
	return &ContainerInfo{
		ID:       id,
		Name:     c.spec.Name,
		Image:    c.spec.Image,
		Status:   c.status,
		Labels:   c.spec.Labels,
		ExitCode: c.exit,
	}, nil
}

func (f *fakeClient) ListContainers(_ context.Context, opts ListOptions) ([]ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []ContainerInfo
	for id, c := range f.containers {
		if label, ok := opts.Filters["label"]; ok {
			k, v, _ := strings.Cut(label, "=")
			if c.spec.Labels[k] != v {
				continue
			}
		}
		if !opts.All && c.status != ContainerStatusRunning {
			continue
		}
		out = append(out, ContainerInfo{
			ID:     id,
			Name:   c.spec.Name,
			Image:  c.spec.Image,
			Status: c.status,
			Labels: c.spec.Labels,
		})
	}
	return out, nil
}

func (f *fakeClient) ExecProbe(_ context.Context, id string, _ []string) (*ProbeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.probeErr != nil {
		return nil, f.probeErr
	}
	if _, ok := f.containers[id]; !ok {
		return nil, ErrContainerNotFound
	}
	if f.probeResult != nil {
		return f.probeResult, nil
	}
	return &ProbeResult{ExitCode: 0}, nil
}

func (f *fakeClient) CreateNetwork(_ context.Context, spec NetworkSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createNetworkCalls++
	if f.createNetworkErr != nil {
		return "", f.createNetworkErr
	}
	if _, ok := f.networks[spec.Name]; ok {
		return "", ErrNetworkAlreadyExists
	}
	f.nextID++
	id := fmt.Sprintf("net-%04d", f.nextID)
	f.networks[spec.Name] = id
	return id, nil
}

func (f *fakeClient) RemoveNetwork(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.networks[name]; !ok {
		return ErrNetworkNotFound
	}
	delete(f.networks, name)
	return nil
}

func (f *fakeClient) CreateVolume(_ context.Context, spec VolumeSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createVolumeCalls++
	if f.createVolumeErr != nil {
		return "", f.createVolumeErr
	}
	f.volumes[spec.Name] = true
	return spec.Name, nil
}

func (f *fakeClient) RemoveVolume(_ context.Context, name string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.volumes[name] {
		return ErrVolumeNotFound
	}
	delete(f.volumes, name)
	return nil
}

func (f *fakeClient) PullImage(_ context.Context, image string, _ PullOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pullCalls = append(f.pullCalls, image)
	f.images[image] = true
	return nil
}

func (f *fakeClient) ImageExists(_ context.Context, image string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[image], nil
}

func (f *fakeClient) Ping(context.Context) error { return nil }
func (f *fakeClient) Close() error               { return nil }

func (f *fakeClient) containerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

func (f *fakeClient) containerStatus(id string) ContainerStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[id]; ok {
		return c.status
	}
	return ""
}
