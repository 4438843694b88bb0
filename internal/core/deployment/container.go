package deployment

import (
	"time"

	"github.com/artpar/convoy/internal/core/compose"
)

// =============================================================================
// Container Plan Building Functions
// =============================================================================

// Probe defaults applied when the declaration leaves a field unset.
const (
	DefaultProbeInterval = 30 * time.Second
	DefaultProbeTimeout  = 30 * time.Second
	DefaultProbeRetries  = 3
)

// BuildContainerPlan builds a ContainerPlan from a resolved service.
//
// It expects the service to have gone through ResolveSpec already; no
// substitution happens here. The function:
//   - generates the container name using ContainerName()
//   - prefixes named volumes and networks with the project namespace
//   - registers the bare service name as a network alias on every attached
//     network, giving dependents name-based addressing
//   - parses health check durations, applying defaults for unset fields
//   - carries device reservations through untouched
func BuildContainerPlan(params BuildContainerPlanParams) ContainerPlan {
	svc := params.Service

	plan := ContainerPlan{
		Service:    svc.Name,
		Name:       ContainerName(params.Project, svc.Name),
		Image:      svc.Image,
		Command:    svc.Command,
		Entrypoint: svc.Entrypoint,
		Env:        make(map[string]string, len(svc.Environment)),
		Labels: map[string]string{
			LabelManaged: "true",
			LabelProject: params.Project,
			LabelService: svc.Name,
			LabelRole:    string(svc.Role),
		},
		Aliases: []string{svc.Name},
		Devices: svc.Devices,
	}

	for k, v := range svc.Environment {
		plan.Env[k] = v
	}

	// Networks: project-scoped names; a service with no declared networks
	// joins the project default network.
	if len(svc.Networks) == 0 {
		plan.Networks = []string{DefaultNetworkName(params.Project)}
	} else {
		for _, net := range svc.Networks {
			plan.Networks = append(plan.Networks, NetworkName(params.Project, net))
		}
	}

	// Port bindings
	for _, p := range svc.Ports {
		plan.Ports = append(plan.Ports, PortPlan{
			ContainerPort: int(p.Target),
			HostPort:      int(p.Published),
			Protocol:      p.Protocol,
			HostIP:        p.HostIP,
		})
	}

	// Volume mounts
	for _, v := range svc.Volumes {
		source := v.Source
		if v.Type == compose.VolumeMountTypeVolume {
			source = VolumeName(params.Project, v.Source)
		}
		plan.Volumes = append(plan.Volumes, VolumePlan{
			Source:   source,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
		})
	}

	// Health check
	if svc.HealthCheck != nil {
		plan.HealthCheck = BuildProbePlan(svc.HealthCheck)
	}

	// Resource limits
	if svc.Resources.CPULimit > 0 {
		plan.Resources.CPULimit = svc.Resources.CPULimit
	}
	if svc.Resources.MemoryLimit > 0 {
		plan.Resources.MemoryLimit = svc.Resources.MemoryLimit
	}

	// Copy service labels
	for k, v := range svc.Labels {
		plan.Labels[k] = v
	}

	return plan
}

// BuildProbePlan converts a healthcheck declaration into a probe plan with
// parsed durations and defaults applied.
func BuildProbePlan(hc *compose.HealthCheck) *ProbePlan {
	plan := &ProbePlan{
		Test:     hc.Test,
		Interval: DefaultProbeInterval,
		Timeout:  DefaultProbeTimeout,
		Retries:  DefaultProbeRetries,
	}
	if hc.Retries > 0 {
		plan.Retries = hc.Retries
	}
	if hc.Interval != "" {
		if d, err := time.ParseDuration(hc.Interval); err == nil && d > 0 {
			plan.Interval = d
		}
	}
	if hc.Timeout != "" {
		if d, err := time.ParseDuration(hc.Timeout); err == nil && d > 0 {
			plan.Timeout = d
		}
	}
	if hc.StartPeriod != "" {
		if d, err := time.ParseDuration(hc.StartPeriod); err == nil && d > 0 {
			plan.StartPeriod = d
		}
	}
	return plan
}
