package androidcfg

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"git.home.luguber.info/inful/apkbuilder/internal/logfields"
)

// ScrubGradle removes version lines from the build.gradle at path so the
// gradle build cannot override values just written into the manifest. Lines
// containing "versionCode " are dropped when scrubCode is set, and lines
// containing "versionName " when scrubName is set. A missing file is skipped.
func ScrubGradle(path string, scrubCode, scrubName bool) error {
	if !scrubCode && !scrubName {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			slog.Warn("build.gradle not found, skipping version scrub", logfields.Path(path))
			return nil
		}
		return fmt.Errorf("read gradle file %s: %w", path, err)
	}

	lines := strings.Split(string(data), "\n")
	kept := lines[:0]
	for _, line := range lines {
		if scrubCode && strings.Contains(line, "versionCode ") {
			continue
		}
		if scrubName && strings.Contains(line, "versionName ") {
			continue
		}
		kept = append(kept, line)
	}

	if err := os.WriteFile(path, []byte(strings.Join(kept, "\n")), 0o644); err != nil {
		return fmt.Errorf("write gradle file %s: %w", path, err)
	}
	return nil
}
