package mae

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "mae.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
switchdev: true
switch_port_id: 9
poll_interval: 50ms
rx_burst: 16
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.True(t, cfg.Switchdev)
	assert.Equal(t, uint32(9), cfg.SwitchPortID)
	assert.Equal(t, 50*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, uint32(16), cfg.RxBurst)

	// Omitted keys fall back to the defaults.
	def := DefaultConfig()
	assert.Equal(t, def.RefillLevel, cfg.RefillLevel)
	assert.Equal(t, def.StreamPacketSize, cfg.StreamPacketSize)
	assert.Equal(t, def.LogLevel, cfg.LogLevel)
}

func TestLoadConfigOmittedPollIntervalDisablesCounters(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, "switchdev: false\n"))
	require.NoError(t, err)
	assert.Zero(t, cfg.PollInterval)
}

func TestLoadConfigRejectsMalformedInput(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "rx_burst: [oops\n"))
	assert.Error(t, err)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestConfigValidation(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "rx_burst: 128\nrefill_level: 4\n"))
	assert.Error(t, err)

	_, err = LoadConfig(writeConfig(t, "stream_packet_size: 8\n"))
	assert.Error(t, err)
}
