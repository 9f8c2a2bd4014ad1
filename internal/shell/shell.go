// Package shell executes build commands through scratch scripts.
//
// Commands are materialized to a throwaway script under the cache tmp
// directory and run with the system shell, so multi-command pipelines and
// redirections behave exactly as they would in a terminal. Build commands
// may run for a long time; callers that need liveness guarantees watch the
// job record instead of the process.
package shell

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/apkbuilder/internal/logfields"
)

// Runner executes commands in a fixed working directory.
type Runner struct {
	dir         string // working directory for the command
	tmpDir      string // scratch directory for script files
	androidHome string // exported as ANDROID_HOME
}

// NewRunner returns a Runner that executes commands in dir, using tmpDir for
// scratch scripts.
func NewRunner(dir, tmpDir, androidHome string) *Runner {
	return &Runner{dir: dir, tmpDir: tmpDir, androidHome: androidHome}
}

// Run writes command to a scratch script, executes it and returns the
// trimmed stdout. A non-zero exit reports the captured stderr as the error.
// The scratch script is removed on every exit path.
func (r *Runner) Run(command string) (string, error) {
	if err := os.MkdirAll(r.tmpDir, 0o750); err != nil {
		return "", fmt.Errorf("create scratch dir %s: %w", r.tmpDir, err)
	}

	script := filepath.Join(r.tmpDir, uuid.NewString()+".sh")
	if err := os.WriteFile(script, []byte(command), 0o700); err != nil {
		return "", fmt.Errorf("write scratch script: %w", err)
	}
	defer func() {
		if err := os.Remove(script); err != nil {
			slog.Warn("remove scratch script failed", logfields.Path(script), logfields.Error(err))
		}
	}()

	slog.Debug("shell run", logfields.Path(r.dir), slog.String("command", command))

	cmd := exec.Command("sh", script)
	cmd.Dir = r.dir
	cmd.Env = append(os.Environ(), "ANDROID_HOME="+r.androidHome)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		slog.Warn("shell command failed", slog.String("stderr", msg))
		return "", fmt.Errorf("%s", msg)
	}

	return strings.TrimSpace(stdout.String()), nil
}
