package testing_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anireap/anireap/internal/config"
	testutil "github.com/anireap/anireap/internal/testing"
)

func loadYAML(t *testing.T, cfg config.Config) (config.Config, error) {
	t.Helper()

	tmpFile := filepath.Join(t.TempDir(), "anireap.yaml")
	require.NoError(t, os.WriteFile(tmpFile, []byte(testutil.ConfigToYAML(t, cfg)), 0600))

	return config.Load(config.LoadOptions{ConfigFile: tmpFile})
}

func TestValidConfig(t *testing.T) {
	loaded, err := loadYAML(t, testutil.ValidConfig(t))
	require.NoError(t, err, "ValidConfig should produce a valid config")

	assert.NotEmpty(t, loaded.Server.Listen)
	assert.Equal(t, "qbittorrent", loaded.Downloader.Type)
	assert.Equal(t, "adminadmin", loaded.Downloader.Password)
	assert.True(t, loaded.Mirror.Enabled)
	assert.Equal(t, "alist", loaded.Mirror.Backend)
	assert.Equal(t, "alist-token", loaded.Mirror.Token)
	assert.Equal(t, config.DefaultMirrorPoll, loaded.Mirror.PollInterval)
	assert.Equal(t, 3*time.Second, loaded.Mirror.RefreshDelay)
	assert.NotEmpty(t, loaded.Subscriptions.File)
}

func TestValidRcloneConfig(t *testing.T) {
	loaded, err := loadYAML(t, testutil.ValidRcloneConfig(t))
	require.NoError(t, err, "ValidRcloneConfig should produce a valid config")

	assert.Equal(t, "rclone", loaded.Mirror.Backend)
	assert.Equal(t, "nas.example.com", loaded.Mirror.Rclone.SSH.Host)
	assert.False(t, loaded.Mirror.Rclone.SSH.IgnoreHostKey)
	assert.NotEmpty(t, loaded.Mirror.Rclone.SSH.KnownHostsFile)
}

func TestDownloaderConfig(t *testing.T) {
	cfg := testutil.DownloaderConfig("http://127.0.0.1:1")

	assert.Equal(t, "http://127.0.0.1:1", cfg.URL)
	assert.True(t, cfg.WatchErrorTorrent)
	assert.Equal(t, 3, cfg.VerifyAttempts)
	assert.Equal(t, time.Millisecond, cfg.VerifyInterval)
}

func TestCreateTestSSHFiles(t *testing.T) {
	files := testutil.CreateTestSSHFiles(t)

	info, err := os.Stat(files.KeyFile)
	require.NoError(t, err, "key file should exist")
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm(), "key file should have 0600 permissions")

	_, err = os.Stat(files.KnownHostsFile)
	require.NoError(t, err, "known_hosts file should exist")

	assert.Equal(t, files.TempDir, filepath.Dir(files.KeyFile))
	assert.Equal(t, files.TempDir, filepath.Dir(files.KnownHostsFile))
}

func TestConfigToYAML(t *testing.T) {
	yamlContent := testutil.ConfigToYAML(t, testutil.ValidConfig(t))

	assert.Contains(t, yamlContent, "server:")
	assert.Contains(t, yamlContent, "downloader:")
	assert.Contains(t, yamlContent, "mirror:")
	assert.Contains(t, yamlContent, "subscriptions:")
}

func TestFakeHash(t *testing.T) {
	a, b := testutil.FakeHash(), testutil.FakeHash()

	assert.Len(t, a, 40)
	assert.Regexp(t, "^[0-9a-f]{40}$", a)
	assert.NotEqual(t, a, b)
}
