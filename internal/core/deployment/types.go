package deployment

import (
	"time"

	"github.com/artpar/convoy/internal/core/compose"
)

// =============================================================================
// Container Plan Types
// =============================================================================

// ContainerPlan is the fully materialized launch instruction for one service,
// ready for the execution substrate. It is the pure output of planning.
type ContainerPlan struct {
	Service     string
	Name        string
	Image       string
	Command     []string
	Entrypoint  []string
	Env         map[string]string
	Labels      map[string]string
	Ports       []PortPlan
	Volumes     []VolumePlan
	Networks    []string
	Aliases     []string // name-based addressing on every attached network
	Resources   ResourcePlan
	Devices     []compose.DeviceRequest
	HealthCheck *ProbePlan
}

// PortPlan represents a planned port binding.
type PortPlan struct {
	ContainerPort int
	HostPort      int
	Protocol      string
	HostIP        string
}

// VolumePlan represents a planned volume mount.
type VolumePlan struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ResourcePlan represents resource limits passed to the substrate.
type ResourcePlan struct {
	CPULimit    float64
	MemoryLimit int64
}

// ProbePlan is a health check descriptor with parsed durations.
type ProbePlan struct {
	Test        []string
	Interval    time.Duration
	Timeout     time.Duration
	Retries     int
	StartPeriod time.Duration
}

// =============================================================================
// Builder Parameter Types
// =============================================================================

// BuildContainerPlanParams contains all inputs for building a container plan.
type BuildContainerPlanParams struct {
	Project string
	Service compose.Service
}

// =============================================================================
// Convoy Container Labels
// =============================================================================

// Label keys used for convoy container identification.
const (
	LabelManaged = "com.convoy.managed"
	LabelProject = "com.convoy.project"
	LabelService = "com.convoy.service"
	LabelRole    = "com.convoy.role"
)
