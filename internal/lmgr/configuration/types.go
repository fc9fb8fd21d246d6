package configuration

import (
	"time"

	commonconfig "github.com/whamcloud/lmgr/internal/common/config"
	"github.com/whamcloud/lmgr/internal/common/database"
	mgrgrpc "github.com/whamcloud/lmgr/internal/common/grpc"
	"github.com/whamcloud/lmgr/internal/common/logging"
	"github.com/whamcloud/lmgr/internal/scheduler"
)

const (
	PostgresBackend = "postgres"
	MemoryBackend   = "memory"
)

type Configuration struct {
	Logging logging.Config
	// Health checks
	Http HttpConfig
	// Prometheus metrics
	Metrics MetricsConfig
	// Command façade and agent bus share this server
	Grpc     mgrgrpc.Config
	Database DatabaseConfig
	// Only read when Database.Backend is postgres
	Postgres database.PostgresConfig
	// Host contact store. Contacts are kept in memory when no addresses are given.
	Redis         commonconfig.RedisConfig
	Scheduler     scheduler.Config
	Notifications NotificationsConfig
	Agent         AgentConfig
	Pruner        PrunerConfig
}

type HttpConfig struct {
	Port uint16 `validate:"required"`
}

type MetricsConfig struct {
	Port uint16 `validate:"required"`
}

type DatabaseConfig struct {
	Backend string `validate:"oneof=postgres memory"`
}

type NotificationsConfig struct {
	// How long wait_for_changes blocks when the caller gives no timeout
	LongPollTimeout time.Duration `validate:"gt=0"`
	// Bursts of writes to a table within this window wake waiters once
	CoalesceWindow time.Duration
	// How often table timestamps are written back to the database
	PersistInterval time.Duration `validate:"gt=0"`
}

type AgentConfig struct {
	// How long an RPC waits for the host's action runner session before failing with session_lost
	SessionWaitTimeout time.Duration `validate:"gt=0"`
	// How long ids of cancelled calls are remembered so that late replies are not reported as errors
	CancelledCallExpiry time.Duration `validate:"gt=0"`
	ContactTimeout      time.Duration `validate:"gt=0"`
	ContactPollInterval time.Duration `validate:"gt=0"`
	// Contact is not marked lost until this long after startup, giving agents time to reconnect
	StartupDelay time.Duration
	// Sqlite file that keeps contact times when redis is not configured. Empty keeps them in memory.
	ContactDatabasePath string
}

type PrunerConfig struct {
	// Zero disables the background pruner; the pruneDatabase command still works.
	Interval            time.Duration
	KeepAfterCompletion time.Duration `validate:"gt=0"`
	BatchSize           int           `validate:"gt=0"`
	Timeout             time.Duration `validate:"gt=0"`
}

func (c Configuration) Validate() error {
	return commonconfig.Validate(c)
}
