package compose

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// ParseStackSpec Tests
// =============================================================================

func TestParseStackSpec_Minimal(t *testing.T) {
	yaml := `
services:
  api:
    image: api:1.0
`
	spec, err := ParseStackSpec(yaml)
	require.NoError(t, err)
	require.Len(t, spec.Services, 1)
	assert.Equal(t, "api", spec.Services[0].Name)
	assert.Equal(t, "api:1.0", spec.Services[0].Image)
	assert.Equal(t, RoleOpaque, spec.Services[0].Role)
	assert.Equal(t, RestartNever, spec.Services[0].Restart)
}

func TestParseStackSpec_Empty(t *testing.T) {
	_, err := ParseStackSpec("")
	assert.ErrorIs(t, err, ErrEmptyInput)

	_, err = ParseStackSpec("   \n  ")
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestParseStackSpec_InvalidYAML(t *testing.T) {
	_, err := ParseStackSpec("services:\n  api:\n   image: [unclosed")
	assert.ErrorIs(t, err, ErrInvalidYAML)
}

func TestParseStackSpec_NoServices(t *testing.T) {
	_, err := ParseStackSpec("volumes:\n  data:\n")
	require.Error(t, err)
}

func TestParseStackSpec_MissingImage(t *testing.T) {
	yaml := `
services:
  api:
    command: ["serve"]
`
	_, err := ParseStackSpec(yaml)
	assert.ErrorIs(t, err, ErrServiceNoImage)
}

func TestParseStackSpec_DeclarationOrderPreserved(t *testing.T) {
	yaml := `
services:
  zeta:
    image: z:1
  alpha:
    image: a:1
  mid:
    image: m:1
`
	spec, err := ParseStackSpec(yaml)
	require.NoError(t, err)
	require.Len(t, spec.Services, 3)
	assert.Equal(t, "zeta", spec.Services[0].Name)
	assert.Equal(t, "alpha", spec.Services[1].Name)
	assert.Equal(t, "mid", spec.Services[2].Name)
}

func TestParseStackSpec_InterpolationLeftAlone(t *testing.T) {
	yaml := `
services:
  api:
    image: api:1.0
    environment:
      DB_URL: postgres://${DB_HOST}/app
      PORT: "${PORT:-8080}"
`
	spec, err := ParseStackSpec(yaml)
	require.NoError(t, err)
	// Placeholders survive parsing; the parameter resolver owns them.
	assert.Equal(t, "postgres://${DB_HOST}/app", spec.Services[0].Environment["DB_URL"])
	assert.Equal(t, "${PORT:-8080}", spec.Services[0].Environment["PORT"])
}

func TestParseStackSpec_Ports(t *testing.T) {
	yaml := `
services:
  web:
    image: nginx:1.27
    ports:
      - "8080:80"
      - "127.0.0.1:9090:90"
`
	spec, err := ParseStackSpec(yaml)
	require.NoError(t, err)
	require.Len(t, spec.Services[0].Ports, 2)

	p := spec.Services[0].Ports[0]
	assert.Equal(t, uint32(80), p.Target)
	assert.Equal(t, uint32(8080), p.Published)

	loopback := spec.Services[0].Ports[1]
	assert.Equal(t, "127.0.0.1", loopback.HostIP)
}

func TestParseStackSpec_DependsOn(t *testing.T) {
	yaml := `
services:
  web:
    image: web:1
    depends_on:
      - api
  api:
    image: api:1
`
	spec, err := ParseStackSpec(yaml)
	require.NoError(t, err)
	web := spec.Service("web")
	require.NotNil(t, web)
	assert.Equal(t, []string{"api"}, web.DependsOn)
}

func TestParseStackSpec_CycleDetectedAtLoad(t *testing.T) {
	yaml := `
services:
  a:
    image: a:1
    depends_on: [b]
  b:
    image: b:1
    depends_on: [a]
`
	_, err := ParseStackSpec(yaml)
	assert.ErrorIs(t, err, ErrCircularDependency)
}

func TestParseStackSpec_Roles(t *testing.T) {
	yaml := `
services:
  llm:
    image: vllm:0.6
    labels:
      convoy.role: model-serving
  qdrant:
    image: qdrant:1.12
    labels:
      convoy.role: vector-db
  plain:
    image: busybox:1.36
`
	spec, err := ParseStackSpec(yaml)
	require.NoError(t, err)
	assert.Equal(t, RoleModelServing, spec.Service("llm").Role)
	assert.Equal(t, RoleVectorDB, spec.Service("qdrant").Role)
	assert.Equal(t, RoleOpaque, spec.Service("plain").Role)
}

func TestParseStackSpec_UnknownRole(t *testing.T) {
	yaml := `
services:
  api:
    image: api:1
    labels:
      convoy.role: database
`
	_, err := ParseStackSpec(yaml)
	assert.ErrorIs(t, err, ErrInvalidRole)
}

func TestParseStackSpec_RestartPolicies(t *testing.T) {
	yaml := `
services:
  a:
    image: a:1
    restart: "no"
  b:
    image: b:1
    restart: on-failure
  c:
    image: c:1
    restart: unless-stopped
  d:
    image: d:1
    restart: always
`
	spec, err := ParseStackSpec(yaml)
	require.NoError(t, err)
	assert.Equal(t, RestartNever, spec.Service("a").Restart)
	assert.Equal(t, RestartOnFailure, spec.Service("b").Restart)
	assert.Equal(t, RestartUnlessStopped, spec.Service("c").Restart)
	// "always" has no distinct meaning here; it collapses to unless-stopped.
	assert.Equal(t, RestartUnlessStopped, spec.Service("d").Restart)
}

func TestParseStackSpec_HealthCheck(t *testing.T) {
	yaml := `
services:
  api:
    image: api:1
    healthcheck:
      test: ["CMD", "curl", "-f", "http://localhost/health"]
      interval: 10s
      timeout: 3s
      retries: 5
      start_period: 40s
`
	spec, err := ParseStackSpec(yaml)
	require.NoError(t, err)

	hc := spec.Service("api").HealthCheck
	require.NotNil(t, hc)
	assert.Equal(t, []string{"CMD", "curl", "-f", "http://localhost/health"}, hc.Test)
	assert.Equal(t, "10s", hc.Interval)
	assert.Equal(t, "3s", hc.Timeout)
	assert.Equal(t, 5, hc.Retries)
	assert.Equal(t, "40s", hc.StartPeriod)
}

func TestParseStackSpec_VolumesAndNetworks(t *testing.T) {
	yaml := `
services:
  db:
    image: postgres:16
    volumes:
      - data:/var/lib/postgresql/data
      - /host/init:/docker-entrypoint-initdb.d
    networks:
      - backend
volumes:
  data:
networks:
  backend:
`
	spec, err := ParseStackSpec(yaml)
	require.NoError(t, err)

	db := spec.Service("db")
	require.Len(t, db.Volumes, 2)
	assert.Equal(t, VolumeMountTypeVolume, db.Volumes[0].Type)
	assert.Equal(t, "data", db.Volumes[0].Source)
	assert.Equal(t, VolumeMountTypeBind, db.Volumes[1].Type)
	assert.Equal(t, []string{"backend"}, db.Networks)

	require.Len(t, spec.Volumes, 1)
	assert.Equal(t, "data", spec.Volumes[0].Name)
	require.Len(t, spec.Networks, 1)
	assert.Equal(t, "backend", spec.Networks[0].Name)
}

func TestParseStackSpec_UndeclaredVolume(t *testing.T) {
	yaml := `
services:
  db:
    image: postgres:16
    volumes:
      - data:/var/lib/postgresql/data
`
	_, err := ParseStackSpec(yaml)
	assert.ErrorIs(t, err, ErrUndeclaredVolume)
}

func TestParseStackSpec_UndeclaredNetwork(t *testing.T) {
	yaml := `
services:
  api:
    image: api:1
    networks:
      - ghost
`
	_, err := ParseStackSpec(yaml)
	assert.ErrorIs(t, err, ErrUndeclaredNetwork)
}

func TestParseStackSpec_ConflictingVolumeTargets(t *testing.T) {
	yaml := `
services:
  a:
    image: a:1
    volumes:
      - shared:/data
  b:
    image: b:1
    volumes:
      - shared:/other
volumes:
  shared:
`
	_, err := ParseStackSpec(yaml)
	assert.ErrorIs(t, err, ErrResourceConflict)
}

func TestParseStackSpec_SharedVolumeSameTarget(t *testing.T) {
	yaml := `
services:
  a:
    image: a:1
    volumes:
      - shared:/data
  b:
    image: b:1
    volumes:
      - shared:/data
volumes:
  shared:
`
	_, err := ParseStackSpec(yaml)
	assert.NoError(t, err)
}

func TestParseStackSpec_SecretsUnsupported(t *testing.T) {
	yaml := `
services:
  api:
    image: api:1
secrets:
  token:
    file: ./token.txt
`
	_, err := ParseStackSpec(yaml)
	assert.ErrorIs(t, err, ErrUnsupportedFeature)
}

func TestParseStackSpec_BuildUnsupported(t *testing.T) {
	yaml := `
services:
  api:
    image: api:1
    build: .
`
	_, err := ParseStackSpec(yaml)
	assert.ErrorIs(t, err, ErrUnsupportedFeature)
}

func TestParseStackSpec_DeviceReservations(t *testing.T) {
	yaml := `
services:
  llm:
    image: vllm:0.6
    deploy:
      resources:
        reservations:
          devices:
            - driver: nvidia
              count: 1
              capabilities: ["gpu"]
`
	spec, err := ParseStackSpec(yaml)
	require.NoError(t, err)

	devices := spec.Service("llm").Devices
	require.Len(t, devices, 1)
	assert.Equal(t, "nvidia", devices[0].Driver)
	assert.Equal(t, 1, devices[0].Count)
	assert.Equal(t, []string{"gpu"}, devices[0].Capabilities)
}

func TestParseStackSpec_ResourceLimits(t *testing.T) {
	yaml := `
services:
  api:
    image: api:1
    deploy:
      resources:
        limits:
          cpus: "1.5"
          memory: 512M
`
	spec, err := ParseStackSpec(yaml)
	require.NoError(t, err)

	res := spec.Service("api").Resources
	assert.InDelta(t, 1.5, res.CPULimit, 0.001)
	assert.Equal(t, int64(512*1024*1024), res.MemoryLimit)
}

// =============================================================================
// ExtractVariables Tests
// =============================================================================

func TestExtractVariables(t *testing.T) {
	yaml := `
services:
  api:
    image: api:${TAG:-latest}
    environment:
      DB_URL: postgres://${DB_HOST}:${DB_PORT:-5432}/app
      AGAIN: ${DB_HOST}
`
	vars := ExtractVariables(yaml)
	assert.Equal(t, []string{"TAG", "DB_HOST", "DB_PORT"}, vars)
}

func TestExtractVariables_None(t *testing.T) {
	assert.Empty(t, ExtractVariables("services:\n  a:\n    image: x\n"))
}
