package compose

// =============================================================================
// StackSpec - Main Output Type
// =============================================================================

// StackSpec represents a fully parsed stack declaration.
// This is the Convoy-specific representation, decoupled from compose-go types.
type StackSpec struct {
	Services []Service `json:"services"`
	Networks []Network `json:"networks,omitempty"`
	Volumes  []Volume  `json:"volumes,omitempty"`
}

// Service returns the service with the given name, or nil.
func (s *StackSpec) Service(name string) *Service {
	for i := range s.Services {
		if s.Services[i].Name == name {
			return &s.Services[i]
		}
	}
	return nil
}

// =============================================================================
// Service Types
// =============================================================================

// Service represents a single service declaration.
// After variable resolution (deployment.ResolveSpec) the struct is treated
// as immutable.
type Service struct {
	Name        string            `json:"name"`
	Role        ServiceRole       `json:"role,omitempty"`
	Image       string            `json:"image"`
	Command     []string          `json:"command,omitempty"`
	Entrypoint  []string          `json:"entrypoint,omitempty"`
	Ports       []Port            `json:"ports,omitempty"`
	Environment map[string]string `json:"environment,omitempty"`
	Volumes     []VolumeMount     `json:"volumes,omitempty"`
	Networks    []string          `json:"networks,omitempty"`
	DependsOn   []string          `json:"depends_on,omitempty"`
	Restart     RestartPolicy     `json:"restart,omitempty"`
	Resources   ServiceResources  `json:"resources"`
	Devices     []DeviceRequest   `json:"devices,omitempty"`
	HealthCheck *HealthCheck      `json:"healthcheck,omitempty"`
	Labels      map[string]string `json:"labels,omitempty"`
}

// ServiceRole identifies what kind of workload a service is.
// The set is closed; anything not declared is an opaque workload.
type ServiceRole string

const (
	RoleModelServing ServiceRole = "model-serving"
	RoleVectorDB     ServiceRole = "vector-db"
	RoleWeb          ServiceRole = "web"
	RoleObjectStore  ServiceRole = "object-store"
	RoleOpaque       ServiceRole = "opaque"
)

// LabelRole is the service label that declares the role.
const LabelRole = "convoy.role"

// Valid reports whether the role is one of the known roles.
func (r ServiceRole) Valid() bool {
	switch r {
	case RoleModelServing, RoleVectorDB, RoleWeb, RoleObjectStore, RoleOpaque:
		return true
	}
	return false
}

// Port represents a port mapping.
type Port struct {
	Target    uint32 `json:"target"`              // Container port
	Published uint32 `json:"published,omitempty"` // Host port (0 = dynamic)
	Protocol  string `json:"protocol,omitempty"`  // tcp, udp
	HostIP    string `json:"host_ip,omitempty"`   // Bind IP; 127.0.0.1 gives a loopback-only endpoint
}

// VolumeMount represents a volume mount in a service.
type VolumeMount struct {
	Type     VolumeMountType `json:"type"`   // bind, volume, tmpfs
	Source   string          `json:"source"` // Path or volume name
	Target   string          `json:"target"` // Container path
	ReadOnly bool            `json:"readonly"`
}

// VolumeMountType represents the type of volume mount.
type VolumeMountType string

const (
	VolumeMountTypeBind   VolumeMountType = "bind"
	VolumeMountTypeVolume VolumeMountType = "volume"
	VolumeMountTypeTmpfs  VolumeMountType = "tmpfs"
)

// ServiceResources represents resource limits/reservations for a service.
type ServiceResources struct {
	CPULimit          float64 `json:"cpu_limit"`
	CPUReservation    float64 `json:"cpu_reservation"`
	MemoryLimit       int64   `json:"memory_limit"`       // Bytes
	MemoryReservation int64   `json:"memory_reservation"` // Bytes
}

// DeviceRequest represents a declared device reservation (e.g. GPUs).
// Convoy does not interpret it; it is passed through to the execution
// substrate as-is.
type DeviceRequest struct {
	Driver       string   `json:"driver,omitempty"` // e.g. "nvidia"
	Count        int      `json:"count,omitempty"`  // -1 = all
	Capabilities []string `json:"capabilities,omitempty"`
}

// RestartPolicy represents the restart policy.
type RestartPolicy string

const (
	RestartNever         RestartPolicy = "never"
	RestartOnFailure     RestartPolicy = "on-failure"
	RestartUnlessStopped RestartPolicy = "unless-stopped"
)

// HealthCheck represents health check configuration.
// Durations are kept as strings at the parse boundary and converted when the
// probe policy is built.
type HealthCheck struct {
	Test        []string `json:"test"`
	Interval    string   `json:"interval,omitempty"`
	Timeout     string   `json:"timeout,omitempty"`
	Retries     int      `json:"retries,omitempty"`
	StartPeriod string   `json:"start_period,omitempty"`
}

// =============================================================================
// Network Types
// =============================================================================

// Network represents a named network declaration.
// Every service attached to a network can address every other attached
// service by its name; absence from a network is the only isolation
// primitive.
type Network struct {
	Name     string            `json:"name"`
	Driver   string            `json:"driver,omitempty"`
	External bool              `json:"external"`
	Internal bool              `json:"internal"`
	Labels   map[string]string `json:"labels,omitempty"`
}

// =============================================================================
// Volume Types
// =============================================================================

// Volume represents a named volume declaration. Volume data outlives any
// individual service's lifecycle.
type Volume struct {
	Name     string            `json:"name"`
	Driver   string            `json:"driver,omitempty"`
	External bool              `json:"external"`
	Labels   map[string]string `json:"labels,omitempty"`
}
