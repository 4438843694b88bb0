package deployment

import "fmt"

// =============================================================================
// Resource Naming Functions
// =============================================================================

// Resource names carry the project namespace so that two independently-run
// stacks never collide even when they declare resources with the same bare
// name.

// NetworkName generates a network name scoped to a project.
// Pattern: convoy_{project}_{networkName}
//
// Example:
//
//	NetworkName("rag", "backend") // returns "convoy_rag_backend"
func NetworkName(project, networkName string) string {
	return fmt.Sprintf("convoy_%s_%s", project, networkName)
}

// DefaultNetworkName generates the name of a project's default network,
// used by services that declare no networks of their own.
// Pattern: convoy_{project}
func DefaultNetworkName(project string) string {
	return fmt.Sprintf("convoy_%s", project)
}

// VolumeName generates a volume name scoped to a project.
// Pattern: convoy_{project}_{volumeName}
//
// Example:
//
//	VolumeName("rag", "models") // returns "convoy_rag_models"
func VolumeName(project, volumeName string) string {
	return fmt.Sprintf("convoy_%s_%s", project, volumeName)
}

// ContainerName generates a container name for a service in a project.
// Pattern: convoy_{project}_{serviceName}
//
// Example:
//
//	ContainerName("rag", "web") // returns "convoy_rag_web"
func ContainerName(project, serviceName string) string {
	return fmt.Sprintf("convoy_%s_%s", project, serviceName)
}
