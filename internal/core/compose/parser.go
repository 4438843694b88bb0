package compose

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Parser Functions
// =============================================================================

// ParseStackSpec parses compose YAML into a StackSpec.
// This is a pure function - no I/O, no side effects.
//
// Interpolation is left to the deployment package's parameter resolver, so
// `${VAR}` placeholders survive parsing untouched.
func ParseStackSpec(yamlContent string) (*StackSpec, error) {
	if strings.TrimSpace(yamlContent) == "" {
		return nil, ErrEmptyInput
	}

	project, err := loadProject(yamlContent)
	if err != nil {
		return nil, err
	}

	if err := checkUnsupportedFeatures(project); err != nil {
		return nil, err
	}

	if len(project.Services) == 0 {
		return nil, ErrNoServices
	}

	spec := &StackSpec{
		Services: make([]Service, 0, len(project.Services)),
		Networks: make([]Network, 0, len(project.Networks)),
		Volumes:  make([]Volume, 0, len(project.Volumes)),
	}

	for _, svc := range project.Services {
		converted, err := convertService(svc)
		if err != nil {
			return nil, err
		}
		spec.Services = append(spec.Services, converted)
	}

	// compose-go hands services back as a map; restore the declaration order
	// from the raw document so downstream ordering is reproducible.
	order := declarationOrder(yamlContent)
	sort.SliceStable(spec.Services, func(a, b int) bool {
		return order[spec.Services[a].Name] < order[spec.Services[b].Name]
	})

	for name, net := range project.Networks {
		spec.Networks = append(spec.Networks, convertNetwork(name, net))
	}
	sort.Slice(spec.Networks, func(a, b int) bool { return spec.Networks[a].Name < spec.Networks[b].Name })

	for name, vol := range project.Volumes {
		spec.Volumes = append(spec.Volumes, convertVolume(name, vol))
	}
	sort.Slice(spec.Volumes, func(a, b int) bool { return spec.Volumes[a].Name < spec.Volumes[b].Name })

	if err := validatePorts(spec.Services); err != nil {
		return nil, err
	}
	if err := validateResourceRefs(spec); err != nil {
		return nil, err
	}
	if err := validateVolumeUsage(spec.Services); err != nil {
		return nil, err
	}

	return spec, nil
}

// declarationOrder maps each service name to its position in the raw
// document's services block. yaml.Node preserves key order where plain map
// decoding does not.
func declarationOrder(yamlContent string) map[string]int {
	order := make(map[string]int)

	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(yamlContent), &doc); err != nil || len(doc.Content) == 0 {
		return order
	}

	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return order
	}
	for i := 0; i+1 < len(root.Content); i += 2 {
		if root.Content[i].Value != "services" {
			continue
		}
		services := root.Content[i+1]
		if services.Kind != yaml.MappingNode {
			return order
		}
		for j := 0; j+1 < len(services.Content); j += 2 {
			order[services.Content[j].Value] = j / 2
		}
		return order
	}
	return order
}

// loadProject loads a compose project using compose-go.
func loadProject(yamlContent string) (*types.Project, error) {
	// Parse YAML into a map first to give a clearer syntax error
	var dict map[string]interface{}
	if err := yaml.Unmarshal([]byte(yamlContent), &dict); err != nil {
		return nil, NewParseError("", "invalid YAML syntax", ErrInvalidYAML)
	}
	if dict == nil {
		return nil, NewParseError("", "invalid YAML syntax", ErrInvalidYAML)
	}

	project, err := loader.LoadWithContext(context.Background(), types.ConfigDetails{
		ConfigFiles: []types.ConfigFile{
			{
				Content: []byte(yamlContent),
				Config:  dict,
			},
		},
	}, func(opts *loader.Options) {
		opts.SetProjectName("convoy-temp", false)
		opts.SkipValidation = false
		// Placeholders are resolved later against the loaded variable set,
		// with convoy's own default/fallback semantics.
		opts.SkipInterpolation = true
		// Don't resolve paths since we're in-memory
		opts.SkipNormalization = true
		opts.SkipExtends = true
	})
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "dependency cycle detected") {
			return nil, NewParseError("", "circular dependency detected", ErrCircularDependency)
		}
		if strings.Contains(errStr, "image") && strings.Contains(errStr, "build") {
			return nil, NewParseError("", "service must have an image", ErrServiceNoImage)
		}
		return nil, NewParseError("", errStr, ErrInvalidYAML)
	}

	return project, nil
}

// checkUnsupportedFeatures rejects declaration features convoy does not run.
func checkUnsupportedFeatures(project *types.Project) error {
	if len(project.Secrets) > 0 {
		return NewParseError("secrets", "secrets are not supported", ErrUnsupportedFeature)
	}
	if len(project.Configs) > 0 {
		return NewParseError("configs", "configs are not supported", ErrUnsupportedFeature)
	}
	for _, svc := range project.Services {
		if svc.Build != nil {
			return NewParseError("services."+svc.Name+".build", "image builds are not supported", ErrUnsupportedFeature)
		}
		if svc.Extends != nil && svc.Extends.File != "" {
			return NewParseError("services."+svc.Name+".extends", "extends is not supported", ErrUnsupportedFeature)
		}
	}
	return nil
}

// convertService converts a compose-go service to our Service type.
func convertService(svc types.ServiceConfig) (Service, error) {
	service := Service{
		Name:        svc.Name,
		Image:       svc.Image,
		Command:     svc.Command,
		Entrypoint:  svc.Entrypoint,
		Environment: make(map[string]string),
		Labels:      make(map[string]string),
		Networks:    make([]string, 0),
		DependsOn:   make([]string, 0),
	}

	if service.Image == "" {
		return Service{}, NewParseError("services."+svc.Name, "service must have an image", ErrServiceNoImage)
	}

	// Ports
	for _, p := range svc.Ports {
		var published uint32
		if p.Published != "" {
			pub, err := strconv.ParseUint(p.Published, 10, 32)
			if err == nil {
				published = uint32(pub)
			}
		}
		service.Ports = append(service.Ports, Port{
			Target:    p.Target,
			Published: published,
			Protocol:  p.Protocol,
			HostIP:    p.HostIP,
		})
	}

	// Environment
	for k, v := range svc.Environment {
		if v != nil {
			service.Environment[k] = *v
		}
	}

	// Volumes
	for _, v := range svc.Volumes {
		mount := VolumeMount{
			Source:   v.Source,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
		}
		switch v.Type {
		case "bind":
			mount.Type = VolumeMountTypeBind
		case "volume":
			mount.Type = VolumeMountTypeVolume
		case "tmpfs":
			mount.Type = VolumeMountTypeTmpfs
		default:
			// Infer type from source
			if strings.HasPrefix(v.Source, "./") || strings.HasPrefix(v.Source, "/") || strings.HasPrefix(v.Source, "~") {
				mount.Type = VolumeMountTypeBind
			} else {
				mount.Type = VolumeMountTypeVolume
			}
		}
		service.Volumes = append(service.Volumes, mount)
	}

	// Networks and DependsOn come back as maps; sort for reproducibility.
	for net := range svc.Networks {
		service.Networks = append(service.Networks, net)
	}
	sort.Strings(service.Networks)

	for dep := range svc.DependsOn {
		service.DependsOn = append(service.DependsOn, dep)
	}
	sort.Strings(service.DependsOn)

	service.Restart = convertRestartPolicy(svc.Restart)

	// Labels + role
	for k, v := range svc.Labels {
		service.Labels[k] = v
	}
	role, err := convertRole(svc.Name, service.Labels[LabelRole])
	if err != nil {
		return Service{}, err
	}
	service.Role = role

	// HealthCheck
	if svc.HealthCheck != nil && !svc.HealthCheck.Disable {
		service.HealthCheck = &HealthCheck{
			Test: svc.HealthCheck.Test,
		}
		if svc.HealthCheck.Retries != nil {
			service.HealthCheck.Retries = int(*svc.HealthCheck.Retries)
		}
		if svc.HealthCheck.Interval != nil {
			service.HealthCheck.Interval = svc.HealthCheck.Interval.String()
		}
		if svc.HealthCheck.Timeout != nil {
			service.HealthCheck.Timeout = svc.HealthCheck.Timeout.String()
		}
		if svc.HealthCheck.StartPeriod != nil {
			service.HealthCheck.StartPeriod = svc.HealthCheck.StartPeriod.String()
		}
	}

	// Resources
	// Note: compose-go's NanoCPUs is misnamed - it's actually the CPU count as float32
	if svc.Deploy != nil && svc.Deploy.Resources.Limits != nil {
		limits := svc.Deploy.Resources.Limits
		service.Resources.CPULimit = float64(limits.NanoCPUs)
		service.Resources.MemoryLimit = int64(limits.MemoryBytes)
	}
	if svc.Deploy != nil && svc.Deploy.Resources.Reservations != nil {
		reservations := svc.Deploy.Resources.Reservations
		service.Resources.CPUReservation = float64(reservations.NanoCPUs)
		service.Resources.MemoryReservation = int64(reservations.MemoryBytes)

		// Device reservations (e.g. GPUs) pass through to the substrate.
		for _, dev := range reservations.Devices {
			service.Devices = append(service.Devices, DeviceRequest{
				Driver:       dev.Driver,
				Count:        int(dev.Count),
				Capabilities: dev.Capabilities,
			})
		}
	}

	return service, nil
}

// convertRestartPolicy maps compose restart strings onto convoy's closed enum.
// "always" has no distinct meaning on a single host without a daemon that
// outlives the run, so it collapses into unless-stopped.
func convertRestartPolicy(restart string) RestartPolicy {
	switch restart {
	case "on-failure":
		return RestartOnFailure
	case "always", "unless-stopped":
		return RestartUnlessStopped
	default:
		return RestartNever
	}
}

// convertRole validates the convoy.role label; missing means opaque.
func convertRole(serviceName, label string) (ServiceRole, error) {
	if label == "" {
		return RoleOpaque, nil
	}
	role := ServiceRole(label)
	if !role.Valid() {
		return "", NewParseError(
			"services."+serviceName+".labels."+LabelRole,
			fmt.Sprintf("unknown role %q", label),
			ErrInvalidRole,
		)
	}
	return role, nil
}

// convertNetwork converts a compose-go network to our Network type.
func convertNetwork(name string, net types.NetworkConfig) Network {
	return Network{
		Name:     name,
		Driver:   net.Driver,
		External: bool(net.External),
		Internal: net.Internal,
		Labels:   net.Labels,
	}
}

// convertVolume converts a compose-go volume to our Volume type.
func convertVolume(name string, vol types.VolumeConfig) Volume {
	return Volume{
		Name:     name,
		Driver:   vol.Driver,
		External: bool(vol.External),
		Labels:   vol.Labels,
	}
}

// validatePorts validates all port configurations.
func validatePorts(services []Service) error {
	for _, svc := range services {
		for i, port := range svc.Ports {
			field := fmt.Sprintf("services.%s.ports[%d]", svc.Name, i)
			if port.Target == 0 {
				return NewParseError(field, "target port cannot be 0", ErrServiceInvalidPort)
			}
			if port.Target > 65535 {
				return NewParseError(field, "target port must be <= 65535", ErrServiceInvalidPort)
			}
			if port.Published > 65535 {
				return NewParseError(field, "published port must be <= 65535", ErrServiceInvalidPort)
			}
		}
	}
	return nil
}

// validateResourceRefs checks that every named volume and network a service
// references is declared in the top-level resource sets.
func validateResourceRefs(spec *StackSpec) error {
	volumes := make(map[string]bool, len(spec.Volumes))
	for _, v := range spec.Volumes {
		volumes[v.Name] = true
	}
	networks := make(map[string]bool, len(spec.Networks))
	for _, n := range spec.Networks {
		networks[n.Name] = true
	}

	for _, svc := range spec.Services {
		for _, m := range svc.Volumes {
			if m.Type != VolumeMountTypeVolume {
				continue
			}
			if !volumes[m.Source] {
				return NewParseError(
					"services."+svc.Name+".volumes",
					fmt.Sprintf("volume %q is not declared", m.Source),
					ErrUndeclaredVolume,
				)
			}
		}
		for _, net := range svc.Networks {
			if !networks[net] {
				return NewParseError(
					"services."+svc.Name+".networks",
					fmt.Sprintf("network %q is not declared", net),
					ErrUndeclaredNetwork,
				)
			}
		}
	}
	return nil
}

// validateVolumeUsage rejects conflicting uses of the same named volume.
// Two services mounting one volume at different container paths is treated
// as a declaration error rather than silently picking one.
func validateVolumeUsage(services []Service) error {
	targets := make(map[string]string) // volume name -> target path
	owners := make(map[string]string)  // volume name -> first service
	for _, svc := range services {
		for _, m := range svc.Volumes {
			if m.Type != VolumeMountTypeVolume {
				continue
			}
			if prev, ok := targets[m.Source]; ok && prev != m.Target {
				return NewParseError(
					"services."+svc.Name+".volumes",
					fmt.Sprintf("volume %q mounted at %q here but at %q in service %q",
						m.Source, m.Target, prev, owners[m.Source]),
					ErrResourceConflict,
				)
			}
			targets[m.Source] = m.Target
			owners[m.Source] = svc.Name
		}
	}
	return nil
}

// =============================================================================
// Variable Extraction
// =============================================================================

// variablePlaceholderRegex matches ${VAR_NAME} or ${VAR_NAME:-default}
var variablePlaceholderRegex = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-[^}]*)?\}`)

// ExtractVariables extracts variable placeholders (${VAR_NAME}) from raw YAML
// content, before any substitution. Returns unique variable names without the
// ${} wrapper, in order of first appearance.
func ExtractVariables(yamlContent string) []string {
	seen := make(map[string]bool)
	var vars []string

	matches := variablePlaceholderRegex.FindAllStringSubmatch(yamlContent, -1)
	for _, match := range matches {
		if len(match) >= 2 {
			varName := match[1]
			if !seen[varName] {
				seen[varName] = true
				vars = append(vars, varName)
			}
		}
	}

	return vars
}
