package androidcfg

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// RewriteProperties applies appConfig to the key=value file at path. A line
// starting with "<key>=" is replaced whole; unknown keys are appended. The
// file and its parent directories are created when missing. Unrelated lines
// keep their content and order. An empty appConfig is a no-op.
func RewriteProperties(path string, appConfig map[string]string) error {
	if len(appConfig) == 0 {
		return nil
	}

	var lines []string
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		lines = strings.Split(strings.TrimRight(string(data), "\n"), "\n")
		if len(lines) == 1 && lines[0] == "" {
			lines = nil
		}
	case os.IsNotExist(err):
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return fmt.Errorf("create properties dir: %w", err)
		}
	default:
		return fmt.Errorf("read properties %s: %w", path, err)
	}

	seen := map[string]bool{}
	for i, line := range lines {
		for key, value := range appConfig {
			if strings.HasPrefix(line, key+"=") {
				lines[i] = key + "=" + value
				seen[key] = true
				break
			}
		}
	}

	missing := make([]string, 0, len(appConfig))
	for key := range appConfig {
		if !seen[key] {
			missing = append(missing, key)
		}
	}
	sort.Strings(missing)
	for _, key := range missing {
		lines = append(lines, key+"="+appConfig[key])
	}

	out := strings.Join(lines, "\n") + "\n"
	if err := os.WriteFile(path, []byte(out), 0o644); err != nil {
		return fmt.Errorf("write properties %s: %w", path, err)
	}
	return nil
}
