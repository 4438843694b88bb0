package docker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/artpar/convoy/internal/core/compose"
	"github.com/artpar/convoy/internal/core/deployment"
)

// =============================================================================
// Resource Lifecycle Manager
// =============================================================================

// ErrResourceCreate marks a failed creation of a shared named resource.
// Resource creation failure is fatal to the run; it is surfaced, not retried.
var ErrResourceCreate = errors.New("resource creation failed")

// ResourceKind distinguishes the two kinds of shared named resources.
type ResourceKind string

const (
	ResourceNetwork ResourceKind = "network"
	ResourceVolume  ResourceKind = "volume"
)

// Handle identifies an ensured resource. Handles are shared: every caller
// ensuring the same identity observes the same handle.
type Handle struct {
	Kind ResourceKind
	Name string // project-namespaced name
	ID   string // substrate identifier
}

// ResourceManager owns creation and reuse of shared named resources scoped
// to a project namespace, independent of any service's lifecycle.
//
// Ensure calls for a given identity are strictly serialized: the first caller
// creates, concurrent callers block until creation completes and then receive
// the same handle. Resources are created at most once per run and reused on
// restart; the manager never deletes anything on the startup/shutdown path.
type ResourceManager struct {
	docker  Client
	project string
	logger  *slog.Logger

	mu      sync.Mutex
	entries map[string]*resourceEntry
}

type resourceEntry struct {
	done   chan struct{}
	handle Handle
	err    error
}

// NewResourceManager creates a resource manager for one project namespace.
func NewResourceManager(docker Client, project string, logger *slog.Logger) *ResourceManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResourceManager{
		docker:  docker,
		project: project,
		logger:  logger.With("component", "resources"),
		entries: make(map[string]*resourceEntry),
	}
}

// EnsureNetwork ensures the named network exists, creating it on first call.
// External networks are taken as-is under their bare name and never created.
func (m *ResourceManager) EnsureNetwork(ctx context.Context, net compose.Network) (Handle, error) {
	name := deployment.NetworkName(m.project, net.Name)
	if net.External {
		name = net.Name
		return Handle{Kind: ResourceNetwork, Name: name, ID: name}, nil
	}

	return m.ensure(ctx, ResourceNetwork, name, func(ctx context.Context) (string, error) {
		id, err := m.docker.CreateNetwork(ctx, NetworkSpec{
			Name:     name,
			Driver:   net.Driver,
			Internal: net.Internal,
			Labels: map[string]string{
				deployment.LabelManaged: "true",
				deployment.LabelProject: m.project,
			},
		})
		if err != nil {
			// Left over from an earlier run: reuse, never recreate.
			if errors.Is(err, ErrNetworkAlreadyExists) {
				m.logger.Debug("network already exists, reusing", "network", name)
				return name, nil
			}
			return "", err
		}
		return id, nil
	})
}

// EnsureDefaultNetwork ensures the project's default network, joined by
// services that declare no networks of their own.
func (m *ResourceManager) EnsureDefaultNetwork(ctx context.Context) (Handle, error) {
	name := deployment.DefaultNetworkName(m.project)
	return m.ensure(ctx, ResourceNetwork, name, func(ctx context.Context) (string, error) {
		id, err := m.docker.CreateNetwork(ctx, NetworkSpec{
			Name: name,
			Labels: map[string]string{
				deployment.LabelManaged: "true",
				deployment.LabelProject: m.project,
			},
		})
		if err != nil {
			if errors.Is(err, ErrNetworkAlreadyExists) {
				m.logger.Debug("network already exists, reusing", "network", name)
				return name, nil
			}
			return "", err
		}
		return id, nil
	})
}

// EnsureVolume ensures the named volume exists, creating it on first call.
// Volume data outlives services, runs, and redeployments; the manager never
// auto-deletes a volume.
func (m *ResourceManager) EnsureVolume(ctx context.Context, vol compose.Volume) (Handle, error) {
	name := deployment.VolumeName(m.project, vol.Name)
	if vol.External {
		name = vol.Name
		return Handle{Kind: ResourceVolume, Name: name, ID: name}, nil
	}

	return m.ensure(ctx, ResourceVolume, name, func(ctx context.Context) (string, error) {
		// VolumeCreate is idempotent by name on the daemon side.
		return m.docker.CreateVolume(ctx, VolumeSpec{
			Name:   name,
			Driver: vol.Driver,
			Labels: map[string]string{
				deployment.LabelManaged: "true",
				deployment.LabelProject: m.project,
			},
		})
	})
}

// ensure serializes creation per resource identity.
func (m *ResourceManager) ensure(ctx context.Context, kind ResourceKind, name string, create func(context.Context) (string, error)) (Handle, error) {
	key := string(kind) + "/" + name

	m.mu.Lock()
	if entry, ok := m.entries[key]; ok {
		m.mu.Unlock()
		select {
		case <-entry.done:
			return entry.handle, entry.err
		case <-ctx.Done():
			return Handle{}, ctx.Err()
		}
	}

	entry := &resourceEntry{done: make(chan struct{})}
	m.entries[key] = entry
	m.mu.Unlock()

	id, err := create(ctx)
	if err != nil {
		entry.err = fmt.Errorf("%w: %s %s: %v", ErrResourceCreate, kind, name, err)
	} else {
		entry.handle = Handle{Kind: kind, Name: name, ID: id}
		m.logger.Debug("ensured resource", "kind", kind, "name", name)
	}
	close(entry.done)

	return entry.handle, entry.err
}

// =============================================================================
// Explicit Removal (outside the startup/shutdown path)
// =============================================================================

// RemoveVolumes deletes the project's named volumes. This is the explicit
// deletion path; normal shutdown never reaches it.
func (m *ResourceManager) RemoveVolumes(ctx context.Context, volumes []compose.Volume) error {
	var firstErr error
	for _, vol := range volumes {
		if vol.External {
			continue
		}
		name := deployment.VolumeName(m.project, vol.Name)
		if err := m.docker.RemoveVolume(ctx, name, false); err != nil {
			if errors.Is(err, ErrVolumeNotFound) {
				continue
			}
			m.logger.Warn("failed to remove volume", "volume", name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		m.logger.Info("removed volume", "volume", name)
	}
	return firstErr
}

// RemoveNetworks deletes the project's networks, including the default one.
func (m *ResourceManager) RemoveNetworks(ctx context.Context, networks []compose.Network) error {
	var firstErr error
	names := []string{deployment.DefaultNetworkName(m.project)}
	for _, net := range networks {
		if net.External {
			continue
		}
		names = append(names, deployment.NetworkName(m.project, net.Name))
	}
	for _, name := range names {
		if err := m.docker.RemoveNetwork(ctx, name); err != nil {
			if errors.Is(err, ErrNetworkNotFound) {
				continue
			}
			m.logger.Warn("failed to remove network", "network", name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		m.logger.Info("removed network", "network", name)
	}
	return firstErr
}
