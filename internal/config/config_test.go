package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/madmin", cfg.DataDir)
	assert.Equal(t, 10*time.Second, cfg.Firewall.CommandTimeout)
	assert.False(t, cfg.Firewall.Mock)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "madmin.yaml")
	content := `
data_dir: /tmp/madmin-test
firewall:
  rules_v4: /tmp/madmin-test/rules.v4
  command_timeout: 5s
  mock: true
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/madmin-test", cfg.DataDir)
	assert.Equal(t, "/tmp/madmin-test/rules.v4", cfg.Firewall.RulesV4)
	assert.Equal(t, 5*time.Second, cfg.Firewall.CommandTimeout)
	assert.True(t, cfg.Firewall.Mock)
	assert.Equal(t, "debug", cfg.Logging.Level)

	// Fields absent from the file keep their defaults.
	assert.Equal(t, "/etc/madmin/iptables/rules.v6", cfg.Firewall.RulesV6)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "madmin.yaml")
	require.NoError(t, os.WriteFile(path, []byte("firewall: [not a map"), 0644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestEnsureDirs(t *testing.T) {
	base := t.TempDir()
	cfg := Default()
	cfg.DataDir = filepath.Join(base, "data")
	cfg.Firewall.RulesV4 = filepath.Join(base, "iptables", "rules.v4")
	cfg.Firewall.RulesV6 = filepath.Join(base, "iptables", "rules.v6")
	cfg.Logging.Path = filepath.Join(base, "log", "madmin.log")

	require.NoError(t, cfg.EnsureDirs())

	for _, dir := range []string{cfg.DataDir, filepath.Join(base, "iptables"), filepath.Join(base, "log")} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}
}
