package shell

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRunner(t *testing.T) (*Runner, string) {
	t.Helper()
	dir := t.TempDir()
	tmp := filepath.Join(dir, "tmp")
	return NewRunner(dir, tmp, "/opt/android-sdk"), tmp
}

func TestRunCapturesStdout(t *testing.T) {
	r, _ := newTestRunner(t)

	out, err := r.Run("echo hello")
	require.NoError(t, err)
	assert.Equal(t, "hello", out)
}

func TestRunWorkingDirectory(t *testing.T) {
	r, _ := newTestRunner(t)

	out, err := r.Run("pwd")
	require.NoError(t, err)
	assert.Equal(t, r.dir, out)
}

func TestRunInjectsAndroidHome(t *testing.T) {
	r, _ := newTestRunner(t)

	out, err := r.Run("echo $ANDROID_HOME")
	require.NoError(t, err)
	assert.Equal(t, "/opt/android-sdk", out)
}

func TestRunFailureReportsStderr(t *testing.T) {
	r, _ := newTestRunner(t)

	_, err := r.Run("echo oops >&2; exit 3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oops")
}

func TestRunRemovesScratchScript(t *testing.T) {
	r, tmp := newTestRunner(t)

	_, err := r.Run("true")
	require.NoError(t, err)
	_, err = r.Run("exit 1")
	require.Error(t, err)

	entries, err := os.ReadDir(tmp)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch scripts must be removed on success and failure")
}

func TestRunMultiCommand(t *testing.T) {
	r, _ := newTestRunner(t)

	log := filepath.Join(t.TempDir(), "out.log")
	_, err := r.Run("echo first > " + log + " && echo second")
	require.NoError(t, err)

	data, err := os.ReadFile(log)
	require.NoError(t, err)
	assert.Equal(t, "first\n", string(data))
}
