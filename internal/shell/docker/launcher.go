package docker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/artpar/convoy/internal/core/deployment"
)

// =============================================================================
// Launcher - Execution Substrate Adapter
// =============================================================================

// ProcessHandle identifies a launched unit of work.
type ProcessHandle struct {
	Service     string
	ContainerID string
}

// Launcher turns container plans into running containers. It is the only
// component that talks to the substrate about individual services; shared
// resources belong to the ResourceManager.
type Launcher struct {
	docker      Client
	project     string
	logger      *slog.Logger
	stopTimeout time.Duration
}

// NewLauncher creates a launcher for one project.
func NewLauncher(docker Client, project string, stopTimeout time.Duration, logger *slog.Logger) *Launcher {
	if logger == nil {
		logger = slog.Default()
	}
	if stopTimeout == 0 {
		stopTimeout = 10 * time.Second
	}
	return &Launcher{
		docker:      docker,
		project:     project,
		logger:      logger.With("component", "launcher"),
		stopTimeout: stopTimeout,
	}
}

// Launch creates and starts the container for a plan. A stopped container
// left over from an earlier run of the same project is reused rather than
// recreated, preserving its attachments.
func (l *Launcher) Launch(ctx context.Context, plan deployment.ContainerPlan) (ProcessHandle, error) {
	if exists, _ := l.docker.ImageExists(ctx, plan.Image); !exists {
		l.logger.Info("pulling image", "image", plan.Image, "service", plan.Service)
		if err := l.docker.PullImage(ctx, plan.Image, PullOptions{}); err != nil {
			l.logger.Warn("failed to pull image, trying anyway", "image", plan.Image, "error", err)
		}
	}

	containerID, err := l.findExisting(ctx, plan.Service)
	if err != nil {
		return ProcessHandle{}, err
	}

	if containerID == "" {
		spec := buildContainerSpec(plan)
		containerID, err = l.docker.CreateContainer(ctx, spec)
		if err != nil {
			return ProcessHandle{}, fmt.Errorf("create container for %s: %w", plan.Service, err)
		}
		l.logger.Debug("created container", "service", plan.Service, "container_id", shortID(containerID))
	} else {
		l.logger.Debug("reusing existing container", "service", plan.Service, "container_id", shortID(containerID))
	}

	if err := l.docker.StartContainer(ctx, containerID); err != nil {
		if !errors.Is(err, ErrContainerAlreadyRunning) {
			return ProcessHandle{}, fmt.Errorf("start container for %s: %w", plan.Service, err)
		}
	}
	l.logger.Debug("started container", "service", plan.Service, "container_id", shortID(containerID))

	return ProcessHandle{Service: plan.Service, ContainerID: containerID}, nil
}

// Stop stops the container behind a handle. The container itself is kept so
// a later run can reuse it; Remove is the destructive variant.
func (l *Launcher) Stop(ctx context.Context, h ProcessHandle) error {
	timeout := l.stopTimeout
	err := l.docker.StopContainer(ctx, h.ContainerID, &timeout)
	if err != nil && !errors.Is(err, ErrContainerNotRunning) && !errors.Is(err, ErrContainerNotFound) {
		return err
	}
	return nil
}

// Remove stops and removes the container behind a handle. Named volumes are
// never removed here; they outlive every container.
func (l *Launcher) Remove(ctx context.Context, h ProcessHandle) error {
	_ = l.Stop(ctx, h)
	err := l.docker.RemoveContainer(ctx, h.ContainerID, RemoveOptions{Force: true, RemoveVolumes: false})
	if err != nil && !errors.Is(err, ErrContainerNotFound) {
		return err
	}
	return nil
}

// Probe runs a health probe command inside the service's container.
func (l *Launcher) Probe(ctx context.Context, h ProcessHandle, cmd []string) (int, string, error) {
	res, err := l.docker.ExecProbe(ctx, h.ContainerID, cmd)
	if err != nil {
		return -1, "", err
	}
	return res.ExitCode, res.Output, nil
}

// Inspect reports the live container state behind a handle.
func (l *Launcher) Inspect(ctx context.Context, h ProcessHandle) (*ContainerInfo, error) {
	return l.docker.InspectContainer(ctx, h.ContainerID)
}

// Lookup finds the container for a service from any earlier run, so stop and
// status work without in-process state.
func (l *Launcher) Lookup(ctx context.Context, service string) (ProcessHandle, bool, error) {
	containerID, err := l.findExisting(ctx, service)
	if err != nil {
		return ProcessHandle{}, false, err
	}
	if containerID == "" {
		return ProcessHandle{}, false, nil
	}
	return ProcessHandle{Service: service, ContainerID: containerID}, true, nil
}

// findExisting looks up a container from an earlier run of this project.
func (l *Launcher) findExisting(ctx context.Context, service string) (string, error) {
	containers, err := l.docker.ListContainers(ctx, ListOptions{
		All: true,
		Filters: map[string]string{
			"label": fmt.Sprintf("%s=%s", deployment.LabelProject, l.project),
		},
	})
	if err != nil {
		return "", err
	}
	for _, c := range containers {
		if c.Labels[deployment.LabelService] == service {
			return c.ID, nil
		}
	}
	return "", nil
}

// buildContainerSpec converts a pure container plan into a substrate spec.
func buildContainerSpec(plan deployment.ContainerPlan) ContainerSpec {
	spec := ContainerSpec{
		Name:           plan.Name,
		Image:          plan.Image,
		Command:        plan.Command,
		Entrypoint:     plan.Entrypoint,
		Env:            plan.Env,
		Labels:         plan.Labels,
		Networks:       plan.Networks,
		NetworkAliases: make(map[string][]string, len(plan.Networks)),
		Devices:        plan.Devices,
		Resources: ResourceLimits{
			CPULimit:    plan.Resources.CPULimit,
			MemoryLimit: plan.Resources.MemoryLimit,
		},
	}

	for _, net := range plan.Networks {
		spec.NetworkAliases[net] = plan.Aliases
	}

	for _, p := range plan.Ports {
		spec.Ports = append(spec.Ports, PortBinding{
			ContainerPort: p.ContainerPort,
			HostPort:      p.HostPort,
			Protocol:      p.Protocol,
			HostIP:        p.HostIP,
		})
	}

	for _, v := range plan.Volumes {
		spec.Volumes = append(spec.Volumes, VolumeMount{
			Source:   v.Source,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
		})
	}

	return spec
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
