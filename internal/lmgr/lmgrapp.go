package lmgr

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-redis/redis"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/whamcloud/lmgr/internal/agent/bus"
	"github.com/whamcloud/lmgr/internal/agent/contact"
	"github.com/whamcloud/lmgr/internal/agent/rpc"
	"github.com/whamcloud/lmgr/internal/agent/transport"
	"github.com/whamcloud/lmgr/internal/common/app"
	dbcommon "github.com/whamcloud/lmgr/internal/common/database"
	mgrgrpc "github.com/whamcloud/lmgr/internal/common/grpc"
	"github.com/whamcloud/lmgr/internal/common/health"
	"github.com/whamcloud/lmgr/internal/common/logging"
	"github.com/whamcloud/lmgr/internal/common/mgrcontext"
	"github.com/whamcloud/lmgr/internal/common/serve"
	"github.com/whamcloud/lmgr/internal/common/task"
	"github.com/whamcloud/lmgr/internal/lmgr/configuration"
	"github.com/whamcloud/lmgr/internal/lustre"
	"github.com/whamcloud/lmgr/internal/scheduler"
	"github.com/whamcloud/lmgr/internal/scheduler/database"
	"github.com/whamcloud/lmgr/internal/scheduler/locks"
	"github.com/whamcloud/lmgr/internal/scheduler/model"
	"github.com/whamcloud/lmgr/internal/scheduler/notify"
	"github.com/whamcloud/lmgr/internal/scheduler/objectcache"
	"github.com/whamcloud/lmgr/internal/server"
	"github.com/whamcloud/lmgr/pkg/api"
)

const metricsPrefix = "lmgr_"

// Run sets up the manager and runs it until a SIGTERM is received
func Run(config configuration.Configuration) error {
	if err := logging.ApplyConfig(config.Logging); err != nil {
		return err
	}
	g, ctx := mgrcontext.ErrGroup(app.CreateContextWithShutdown())
	realClock := clock.RealClock{}
	registerer := prometheus.DefaultRegisterer

	//////////////////////////////////////////////////////////////////////////
	// Health Checks
	//////////////////////////////////////////////////////////////////////////
	mux := http.NewServeMux()
	startupCompleteCheck := health.NewStartupCompleteChecker()
	healthChecks := health.NewMultiChecker(startupCompleteCheck)
	health.SetupHttpMux(mux, healthChecks)
	shutdownHttpServer := serve.ServeHttp(config.Http.Port, mux)
	defer shutdownHttpServer()
	shutdownMetricsServer := serve.ServeMetrics(config.Metrics.Port)
	defer shutdownMetricsServer()

	// Services are started together once everything has been set up and recovery has completed.
	var services []func() error

	//////////////////////////////////////////////////////////////////////////
	// State machine
	//////////////////////////////////////////////////////////////////////////
	stateMachine, stepRegistry, err := lustre.NewRegistries()
	if err != nil {
		return errors.WithMessage(err, "error creating registries")
	}

	//////////////////////////////////////////////////////////////////////////
	// Database setup (postgres and redis)
	//////////////////////////////////////////////////////////////////////////
	log.Infof("Setting up %s repository", config.Database.Backend)
	repo, closeRepo, err := createRepository(config, stateMachine.Classes(), healthChecks)
	if err != nil {
		return err
	}
	defer closeRepo()

	contacts, closeContacts, err := createContactRepository(config, healthChecks)
	if err != nil {
		return err
	}
	defer closeContacts()

	//////////////////////////////////////////////////////////////////////////
	// Agent bus
	//////////////////////////////////////////////////////////////////////////
	log.Info("Setting up agent bus")
	agentBus := bus.New(contacts, realClock, registerer)
	dispatcher := rpc.NewDispatcher(agentBus, config.Agent.SessionWaitTimeout, realClock, registerer)
	dispatcher.SetCancelledCallExpiry(config.Agent.CancelledCallExpiry)

	//////////////////////////////////////////////////////////////////////////
	// Scheduler
	//////////////////////////////////////////////////////////////////////////
	log.Info("Setting up scheduler")
	fabric := notify.NewFabric(realClock, config.Notifications.CoalesceWindow)
	cache, err := objectcache.New(repo, fabric)
	if err != nil {
		return errors.WithMessage(err, "error creating object cache")
	}
	s, err := scheduler.New(
		stateMachine,
		stepRegistry,
		repo,
		cache,
		locks.NewManager(),
		fabric,
		dispatcher,
		config.Scheduler,
		realClock,
		registerer,
	)
	if err != nil {
		return errors.WithMessage(err, "error creating scheduler")
	}
	if err := s.Recover(ctx); err != nil {
		return errors.WithMessage(err, "error recovering scheduler state")
	}
	s.OnRemoved(forgetRemovedHosts(agentBus))
	services = append(services, func() error { return s.Run(ctx) })

	//////////////////////////////////////////////////////////////////////////
	// gRPC
	//////////////////////////////////////////////////////////////////////////
	grpcServer := mgrgrpc.CreateGrpcServer(config.Grpc.KeepaliveParams, config.Grpc.KeepaliveEnforcementPolicy)
	defer grpcServer.GracefulStop()
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", config.Grpc.Port))
	if err != nil {
		return errors.WithMessage(err, "error setting up gRPC server")
	}
	api.RegisterManagerServer(grpcServer, server.NewManagerServer(s, fabric, config.Notifications.LongPollTimeout))
	transport.NewServer(agentBus).Register(grpcServer)
	services = append(services, func() error {
		log.Infof("Manager api listening on %s", lis.Addr())
		return grpcServer.Serve(lis)
	})
	services = append(services, mgrgrpc.CreateShutdownHandler(ctx, 5*time.Second, grpcServer))

	//////////////////////////////////////////////////////////////////////////
	// Background tasks
	//////////////////////////////////////////////////////////////////////////
	taskManager := task.NewBackgroundTaskManager(metricsPrefix, registerer, realClock)
	defer func() {
		if taskManager.StopAll(5 * time.Second) {
			log.Warn("Background tasks didn't stop within 5s")
		}
	}()
	taskManager.Register(func() { fabric.Persist(ctx, repo) }, config.Notifications.PersistInterval, "persist_table_timestamps")
	checker := contact.NewChecker(contacts, s, config.Agent.ContactTimeout, config.Agent.StartupDelay, realClock)
	taskManager.Register(checker.Task(ctx), config.Agent.ContactPollInterval, "check_host_contact")
	if config.Pruner.Interval > 0 {
		taskManager.Register(pruneTask(ctx, repo, config.Pruner, realClock), config.Pruner.Interval, "prune_database")
	}

	// Start all services and wait for them to complete
	for _, service := range services {
		g.Go(service)
	}
	startupCompleteCheck.MarkComplete()
	return g.Wait()
}

type contactRepository interface {
	bus.ContactRecorder
	contact.Store
}

// forgetRemovedHosts drops the sessions and queued messages of hosts once they have been removed.
func forgetRemovedHosts(agentBus *bus.Bus) scheduler.RemovalListener {
	return func(ctx *mgrcontext.Context, obj *model.StatefulObject) {
		if obj.Ref.Class != lustre.Host {
			return
		}
		fqdn := obj.StringAttr(lustre.AttrFqdn)
		if fqdn == "" {
			return
		}
		ctx.Log.Infof("Host %s removed, ending its agent sessions", fqdn)
		agentBus.RemoveHost(ctx, fqdn)
	}
}

func createRepository(config configuration.Configuration, classes []model.Class, checks *health.MultiChecker) (database.Repository, func(), error) {
	switch config.Database.Backend {
	case configuration.MemoryBackend:
		log.Warn("Using the in-memory repository; nothing will survive a restart")
		return database.NewMemoryRepository(), func() {}, nil
	case configuration.PostgresBackend:
		db, err := dbcommon.OpenPgxPool(config.Postgres)
		if err != nil {
			return nil, nil, errors.WithMessage(err, "error opening connection to postgres")
		}
		checks.Add(postgresCheck(db))
		return database.NewPostgresRepository(db, classes), db.Close, nil
	default:
		return nil, nil, errors.Errorf("unknown database backend %q", config.Database.Backend)
	}
}

func postgresCheck(db *pgxpool.Pool) health.Checker {
	return health.FuncChecker(func() error {
		ctx, cancel := mgrcontext.WithTimeout(mgrcontext.Background(), 2*time.Second)
		defer cancel()
		return errors.WithMessage(db.Ping(ctx), "postgres")
	})
}

func createContactRepository(config configuration.Configuration, checks *health.MultiChecker) (contactRepository, func(), error) {
	if !config.Redis.Enabled() {
		path := config.Agent.ContactDatabasePath
		if path == "" {
			log.Info("No redis configured, host contact times are kept in memory")
			return database.NewMemoryContactRepository(), func() {}, nil
		}
		log.Infof("No redis configured, host contact times are kept in %s", path)
		contacts, closeContacts, err := database.NewSQLiteContactRepository(path)
		if err != nil {
			return nil, nil, errors.WithMessage(err, "error opening contact database")
		}
		checks.Add(health.FuncChecker(contacts.Ping))
		return contacts, closeContacts, nil
	}
	redisClient := redis.NewUniversalClient(config.Redis.AsUniversalOptions())
	checks.Add(health.FuncChecker(func() error {
		return errors.WithMessage(redisClient.Ping().Err(), "redis")
	}))
	return database.NewRedisContactRepository(redisClient), func() {
		if err := redisClient.Close(); err != nil {
			log.WithError(errors.WithStack(err)).Warnf("Redis client didn't close down cleanly")
		}
	}, nil
}

func pruneTask(ctx *mgrcontext.Context, repo database.Repository, config configuration.PrunerConfig, clock clock.Clock) func() {
	return func() {
		pruneCtx, cancel := mgrcontext.WithTimeout(ctx, config.Timeout)
		defer cancel()
		if _, err := database.PruneDb(pruneCtx, repo, config.KeepAfterCompletion, config.BatchSize, clock); err != nil {
			logging.WithStacktrace(ctx.Log, err).Warn("Failed to prune database")
		}
	}
}
