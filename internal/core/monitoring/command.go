package monitoring

// ProbeCommand converts a declared healthcheck test into the argv to execute
// inside the container. The first element selects the form:
//
//	["CMD", ...]      exec form, remaining elements are the argv
//	["CMD-SHELL", s]  shell form, wrapped in /bin/sh -c
//	["NONE"]          probing disabled
//
// A list without a recognized marker is treated as an exec form already.
// The second return value reports whether probing is enabled at all.
func ProbeCommand(test []string) ([]string, bool) {
	if len(test) == 0 {
		return nil, false
	}
	switch test[0] {
	case "NONE":
		return nil, false
	case "CMD":
		if len(test) == 1 {
			return nil, false
		}
		return test[1:], true
	case "CMD-SHELL":
		if len(test) == 1 {
			return nil, false
		}
		return []string{"/bin/sh", "-c", test[1]}, true
	default:
		return test, true
	}
}
