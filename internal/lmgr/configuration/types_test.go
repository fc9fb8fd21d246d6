package configuration

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	commonconfig "github.com/whamcloud/lmgr/internal/common/config"
	"github.com/whamcloud/lmgr/internal/scheduler"
)

const bundledConfig = "../../../config/lmgr"

func TestBundledConfig(t *testing.T) {
	var config Configuration
	_, err := commonconfig.LoadConfig(&config, bundledConfig, nil)
	require.NoError(t, err)

	assert.Equal(t, scheduler.DefaultConfig(), config.Scheduler)
	assert.Equal(t, PostgresBackend, config.Database.Backend)
	assert.Equal(t, "5432", config.Postgres.Connection["port"])
	assert.Equal(t, uint16(50051), config.Grpc.Port)
	assert.Equal(t, 20*time.Second, config.Grpc.KeepaliveParams.Timeout)
	assert.False(t, config.Redis.Enabled())
	assert.Equal(t, 60*time.Second, config.Notifications.LongPollTimeout)
	assert.Equal(t, 100*time.Millisecond, config.Notifications.CoalesceWindow)
	assert.Equal(t, AgentConfig{
		SessionWaitTimeout:  30 * time.Second,
		CancelledCallExpiry: 10 * time.Minute,
		ContactTimeout:      30 * time.Second,
		ContactPollInterval: 10 * time.Second,
		StartupDelay:        30 * time.Second,
	}, config.Agent)
}

func TestConfigOverrides(t *testing.T) {
	override := filepath.Join(t.TempDir(), "override.yaml")
	require.NoError(t, os.WriteFile(override, []byte("database:\n  backend: memory\nredis:\n  addrs: redis-0:6379,redis-1:6379\n"), 0o644))

	var config Configuration
	_, err := commonconfig.LoadConfig(&config, bundledConfig, []string{override})
	require.NoError(t, err)
	assert.Equal(t, MemoryBackend, config.Database.Backend)
	assert.Equal(t, []string{"redis-0:6379", "redis-1:6379"}, config.Redis.Addrs)
	assert.Equal(t, 8, config.Scheduler.WorkerPoolSize)
}

func TestValidate(t *testing.T) {
	tests := map[string]struct {
		modify func(*Configuration)
		valid  bool
	}{
		"defaults": {
			modify: func(*Configuration) {},
			valid:  true,
		},
		"unknown backend": {
			modify: func(c *Configuration) { c.Database.Backend = "sqlite" },
		},
		"no workers": {
			modify: func(c *Configuration) { c.Scheduler.WorkerPoolSize = 0 },
		},
		"no grpc port": {
			modify: func(c *Configuration) { c.Grpc.Port = 0 },
		},
		"zero contact timeout": {
			modify: func(c *Configuration) { c.Agent.ContactTimeout = 0 },
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			var config Configuration
			_, err := commonconfig.LoadConfig(&config, bundledConfig, nil)
			require.NoError(t, err)
			tc.modify(&config)
			if tc.valid {
				assert.NoError(t, config.Validate())
			} else {
				assert.Error(t, config.Validate())
			}
		})
	}
}
