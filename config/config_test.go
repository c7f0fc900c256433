package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Meander-Cloud/go-buzzer/config"
)

func TestTimingDefaults(t *testing.T) {
	c := &config.Config{Role: config.RoleHost, DeviceName: "host"}
	require.NoError(t, c.Validate())

	timing := c.Timing()
	assert.Equal(t, config.BuzzWindow, timing.BuzzWindow)
	assert.Equal(t, time.Millisecond*500, timing.BuzzWindow)
	assert.Equal(t, config.DefaultPayloadSize, timing.DefaultPayloadSize)
	assert.Equal(t, config.TargetPayloadSize, timing.TargetPayloadSize)
	assert.Equal(t, config.SyncSampleCount, timing.SyncSampleCount)
	assert.Equal(t, config.ServiceName, c.GetServiceName())
	assert.Equal(t, config.RoleHost, c.GetLogPrefix())
}

func TestTimingOverrides(t *testing.T) {
	c := &config.Config{
		Role:            config.RolePlayer,
		DeviceName:      "p1",
		BuzzWindow:      30,
		SyncSampleCount: 2,
		LogPrefix:       "custom",
	}
	timing := c.Timing()
	assert.Equal(t, time.Millisecond*30, timing.BuzzWindow)
	assert.Equal(t, uint8(2), timing.SyncSampleCount)
	assert.Equal(t, "custom", c.GetLogPrefix())
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]*config.Config{
		"nil":            nil,
		"missing role":   {DeviceName: "x"},
		"unknown role":   {Role: "spectator", DeviceName: "x"},
		"missing name":   {Role: config.RoleHost},
		"payload order":  {Role: config.RoleHost, DeviceName: "x", DefaultPayloadSize: 100, TargetPayloadSize: 50},
		"liveness order": {Role: config.RoleHost, DeviceName: "x", HeartbeatInterval: 500, LivenessThreshold: 400},
		"duplicate peer": {Role: config.RoleHost, DeviceName: "x", PeerAddressList: []string{"a:1", "a:1"}},
	}
	for name, c := range cases {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, c.Validate())
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "buzzer.yaml")
	data := []byte("role: player\ndeviceName: Alice\nbuzzWindow: 250\nautoAdvertise: true\npeerAddressList:\n  - 10.0.0.2:7420\n")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	c, err := config.Load(path)
	require.NoError(t, err)
	require.NoError(t, c.Validate())
	assert.Equal(t, config.RolePlayer, c.Role)
	assert.Equal(t, "Alice", c.DeviceName)
	assert.True(t, c.AutoAdvertise)
	assert.Equal(t, []string{"10.0.0.2:7420"}, c.PeerAddressList)
	assert.Equal(t, time.Millisecond*250, c.Timing().BuzzWindow)

	_, err = config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
