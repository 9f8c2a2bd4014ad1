package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	s := Defaults()

	assert.Equal(t, uint16(7002), s.Port)
	assert.Equal(t, "192.168.2.36:27017", s.MongoAddr)
	assert.Equal(t, "192.168.2.36:6379", s.RedisAddr)
	assert.True(t, s.UploadEnabled)
	assert.False(t, s.DingEnabled)
	assert.Equal(t, ".mdm_build", filepath.Base(s.CacheHome))
}

func TestCacheLayout(t *testing.T) {
	s := Defaults()
	s.CacheHome = "/var/cache/apk"

	assert.Equal(t, "/var/cache/apk/tmp", s.TmpDir())
	assert.Equal(t, "/var/cache/apk/apps/abc", s.SourcePath("abc"))
	assert.Equal(t, "/var/cache/apk/logs/abc.txt", s.LogPath("abc"))
}

func TestWorkerID(t *testing.T) {
	s := Defaults()
	s.IP = "192.168.2.40"

	assert.Equal(t, "192.168.2.40-"+Version, s.WorkerID())
}

func TestWorkerRole(t *testing.T) {
	var s Settings
	assert.True(t, s.Worker(), "default hybrid deployment builds")

	s.Manager = true
	assert.False(t, s.Worker(), "plain manager never builds")

	s.ManagerBuild = true
	assert.True(t, s.Worker(), "manager-build subscribes too")
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "settings.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 8080\nmongo: db1:27017\nding: true\n"), 0o644))

	s := Defaults()
	require.NoError(t, s.LoadFile(path))

	assert.Equal(t, uint16(8080), s.Port)
	assert.Equal(t, "db1:27017", s.MongoAddr)
	assert.True(t, s.DingEnabled)
	// Untouched fields keep their defaults.
	assert.Equal(t, DefaultRedisAddr, s.RedisAddr)
}

func TestLoadFileMissingIsNoop(t *testing.T) {
	s := Defaults()
	require.NoError(t, s.LoadFile(filepath.Join(t.TempDir(), "nope.yaml")))
	assert.Equal(t, uint16(7002), s.Port)
}

func TestLoadFileMalformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: [oops"), 0o644))

	s := Defaults()
	assert.Error(t, s.LoadFile(path))
}
