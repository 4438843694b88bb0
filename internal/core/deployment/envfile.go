package deployment

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// =============================================================================
// Variable Source Parsing
// =============================================================================

// ParseVariables reads a KEY=VALUE variable source.
//
// Rules:
//   - one pair per line
//   - lines starting with '#' and blank lines are ignored
//   - later duplicate keys overwrite earlier ones
//   - surrounding single or double quotes on the value are stripped
//
// The returned set is loaded once at process start and read-only afterwards.
func ParseVariables(r io.Reader) (map[string]string, error) {
	vars := make(map[string]string)

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, found := strings.Cut(line, "=")
		if !found {
			return nil, fmt.Errorf("line %d: expected KEY=VALUE, got %q", lineNo, line)
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, fmt.Errorf("line %d: empty variable name", lineNo)
		}

		vars[key] = unquote(strings.TrimSpace(value))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return vars, nil
}

func unquote(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
