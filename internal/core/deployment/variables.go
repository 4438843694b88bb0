package deployment

import (
	"errors"
	"fmt"
	"strings"

	"github.com/artpar/convoy/internal/core/compose"
)

// =============================================================================
// Variable Substitution Functions
// =============================================================================

var (
	// ErrUnterminatedReference is returned for an unbalanced "${" reference.
	ErrUnterminatedReference = errors.New("unterminated variable reference")

	// ErrMalformedReference is returned for a reference that is neither
	// ${NAME} nor ${NAME:-DEFAULT}.
	ErrMalformedReference = errors.New("malformed variable reference")

	// ErrRecursiveDefault is returned when a default expands a variable that
	// is already being expanded in the current chain.
	ErrRecursiveDefault = errors.New("recursive variable default")
)

// SubstituteError reports where in a value substitution failed.
type SubstituteError struct {
	Value   string // the raw value being resolved
	Name    string // variable name, if one was parsed
	Message string
	Err     error
}

func (e *SubstituteError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("resolving %q: variable %q: %s", e.Value, e.Name, e.Message)
	}
	return fmt.Sprintf("resolving %q: %s", e.Value, e.Message)
}

func (e *SubstituteError) Unwrap() error { return e.Err }

// Substitute replaces ${NAME} and ${NAME:-DEFAULT} references with values
// from the variable set.
//
// Behavior:
//   - ${NAME} - the value if present, otherwise the empty string
//   - ${NAME:-DEFAULT} - the value if present and non-empty, otherwise DEFAULT
//   - DEFAULT may itself contain ${...} references; they are resolved in the
//     same single pass. A default that expands a variable already being
//     expanded is an error rather than an infinite loop.
//   - an unbalanced "${" is an error, never silently ignored
//
// A regex cannot handle nested braces inside defaults, so this is a
// hand-written left-to-right scanner.
func Substitute(value string, variables map[string]string) (string, error) {
	return substitute(value, variables, nil)
}

func substitute(value string, variables map[string]string, expanding []string) (string, error) {
	var b strings.Builder
	i := 0
	for i < len(value) {
		if value[i] != '$' || i+1 >= len(value) || value[i+1] != '{' {
			b.WriteByte(value[i])
			i++
			continue
		}

		name, def, hasDefault, width, err := parseReference(value[i:])
		if err != nil {
			return "", &SubstituteError{Value: value, Name: name, Message: err.Error(), Err: err}
		}

		val, present := variables[name]
		switch {
		case !hasDefault:
			// Absent resolves to the empty string, matching permissive
			// shell-style substitution.
			b.WriteString(val)
		case present && val != "":
			b.WriteString(val)
		default:
			for _, active := range expanding {
				if active == name {
					return "", &SubstituteError{
						Value:   value,
						Name:    name,
						Message: "default refers back to a variable being expanded",
						Err:     ErrRecursiveDefault,
					}
				}
			}
			resolved, err := substitute(def, variables, append(expanding, name))
			if err != nil {
				return "", err
			}
			b.WriteString(resolved)
		}
		i += width
	}
	return b.String(), nil
}

// parseReference parses a reference starting at "${". It returns the variable
// name, the raw default (if any), and the total width of the reference
// including the closing brace. Braces inside the default are tracked so that
// nested references survive intact.
func parseReference(s string) (name, def string, hasDefault bool, width int, err error) {
	// s starts with "${"
	i := 2
	start := i
	for i < len(s) && isNameChar(s[i], i == start) {
		i++
	}
	name = s[start:i]
	if name == "" {
		return "", "", false, 0, ErrMalformedReference
	}
	if i >= len(s) {
		return name, "", false, 0, ErrUnterminatedReference
	}

	switch {
	case s[i] == '}':
		return name, "", false, i + 1, nil
	case strings.HasPrefix(s[i:], ":-"):
		i += 2
	default:
		// Some other operator; convoy supports only ${NAME} and ${NAME:-DEF}
		return name, "", false, 0, ErrMalformedReference
	}

	depth := 1
	defStart := i
	for i < len(s) {
		if s[i] == '$' && i+1 < len(s) && s[i+1] == '{' {
			depth++
			i += 2
			continue
		}
		if s[i] == '}' {
			depth--
			if depth == 0 {
				return name, s[defStart:i], true, i + 1, nil
			}
		}
		i++
	}
	return name, "", true, 0, ErrUnterminatedReference
}

func isNameChar(c byte, first bool) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		return true
	case c >= '0' && c <= '9':
		return !first
	}
	return false
}

// =============================================================================
// Spec Resolution
// =============================================================================

// ResolveSpec applies variable substitution to every string field of every
// service that is a substitution target: the image reference, command,
// entrypoint, environment values, bind-mount sources, and the healthcheck
// command. Structural fields (counts, enums, ports) and named-volume sources
// (identifiers validated against the top-level declarations) are never
// substitution targets.
//
// The input spec is not modified; the returned spec is fully materialized and
// treated as immutable from here on.
func ResolveSpec(spec *compose.StackSpec, variables map[string]string) (*compose.StackSpec, error) {
	resolved := &compose.StackSpec{
		Services: make([]compose.Service, len(spec.Services)),
		Networks: append([]compose.Network(nil), spec.Networks...),
		Volumes:  append([]compose.Volume(nil), spec.Volumes...),
	}

	for i, svc := range spec.Services {
		out := svc

		img, err := Substitute(svc.Image, variables)
		if err != nil {
			return nil, fmt.Errorf("service %s: image: %w", svc.Name, err)
		}
		out.Image = img

		out.Command = make([]string, len(svc.Command))
		for j, arg := range svc.Command {
			v, err := Substitute(arg, variables)
			if err != nil {
				return nil, fmt.Errorf("service %s: command: %w", svc.Name, err)
			}
			out.Command[j] = v
		}

		out.Entrypoint = make([]string, len(svc.Entrypoint))
		for j, arg := range svc.Entrypoint {
			v, err := Substitute(arg, variables)
			if err != nil {
				return nil, fmt.Errorf("service %s: entrypoint: %w", svc.Name, err)
			}
			out.Entrypoint[j] = v
		}

		out.Environment = make(map[string]string, len(svc.Environment))
		for k, raw := range svc.Environment {
			v, err := Substitute(raw, variables)
			if err != nil {
				return nil, fmt.Errorf("service %s: environment %s: %w", svc.Name, k, err)
			}
			out.Environment[k] = v
		}

		out.Volumes = append([]compose.VolumeMount(nil), svc.Volumes...)
		for j, mnt := range svc.Volumes {
			if mnt.Type != compose.VolumeMountTypeBind {
				continue
			}
			src, err := Substitute(mnt.Source, variables)
			if err != nil {
				return nil, fmt.Errorf("service %s: volume %s: %w", svc.Name, mnt.Target, err)
			}
			out.Volumes[j].Source = src
		}

		if svc.HealthCheck != nil {
			hc := *svc.HealthCheck
			hc.Test = make([]string, len(svc.HealthCheck.Test))
			for j, arg := range svc.HealthCheck.Test {
				v, err := Substitute(arg, variables)
				if err != nil {
					return nil, fmt.Errorf("service %s: healthcheck: %w", svc.Name, err)
				}
				hc.Test[j] = v
			}
			out.HealthCheck = &hc
		}

		resolved.Services[i] = out
	}

	return resolved, nil
}
