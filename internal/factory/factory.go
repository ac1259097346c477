package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"prodflow-access/internal/audit"
	"prodflow-access/internal/bucketing"
	"prodflow-access/internal/client"
	"prodflow-access/internal/config"
	"prodflow-access/internal/csrf"
	"prodflow-access/internal/gateway"
	"prodflow-access/internal/handler"
	"prodflow-access/internal/hashing"
	"prodflow-access/internal/permission"
	"prodflow-access/internal/ratelimit"
	"prodflow-access/internal/service"
	"prodflow-access/internal/session"
	"prodflow-access/internal/store"
	"prodflow-access/internal/tls"
	"prodflow-access/internal/util"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config     *config.Config
	tlsManager *tls.Manager

	// Clients
	redisClient      *client.RedisClient
	scyllaClient     *store.ScyllaClient
	kafkaProducer    *client.KafkaProducer
	esClient         *client.ESClient
	clickhouseClient *client.ClickHouseClient

	// Core components
	directory      store.DirectoryStore
	memoryLimStore *ratelimit.MemoryStore
	clickhouseSink *audit.ClickHouseSink
	auditLogger    *audit.Logger
	auditSearcher  *audit.ESIndexer
	verifier       *session.Verifier
	csrfCodec      *csrf.Codec
	securityGW     *gateway.Gateway
	engine         *permission.Engine

	// Handlers
	authHandler  *handler.AuthHandler
	adminHandler *handler.AdminHandler
	permHandler  *handler.PermissionHandler

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory creates and initializes all application dependencies
func NewFactory() (*Factory, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, err
	}

	util.Init(cfg.Server.Environment, cfg.Logging.Level, cfg.Logging.Format)

	f := &Factory{
		config: cfg,
		closed: make(chan struct{}),
	}

	if cfg.TLS.Enabled {
		f.tlsManager = tls.NewManager(cfg.TLS)
	}

	if err := f.initializeClients(); err != nil {
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}
	if err := f.initializeComponents(); err != nil {
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Server.Environment),
		util.Bool("tls_enabled", cfg.TLS.Enabled),
		util.Bool("scylla_enabled", cfg.Scylla.Enabled),
		util.Bool("redis_enabled", cfg.Redis.Enabled),
	)
	return f, nil
}

// initializeClients initializes the external service clients with
// health checks. Missing optional backends degrade rather than fail
// outside production.
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	if f.config.Redis.Enabled {
		if rc, err := client.NewRedisClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else {
			f.redisClient = rc
			if err := f.redisClient.HealthCheck(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("redis health check: %w", err))
			} else {
				util.Info("Redis client initialized and healthy")
			}
		}
	}

	if f.config.Scylla.Enabled {
		if sc, err := store.NewScyllaClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("scylla: %w", err))
		} else {
			f.scyllaClient = sc
			if err := f.scyllaClient.HealthCheck(); err != nil {
				initErrors = append(initErrors, fmt.Errorf("scylla health check: %w", err))
			} else {
				util.Info("ScyllaDB client initialized and healthy")
			}
		}
	}

	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	if f.config.Elastic.Enabled {
		if es, err := client.NewElasticsearchClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("elasticsearch: %w", err))
		} else {
			f.esClient = es
			if err := f.esClient.HealthCheck(); err != nil {
				initErrors = append(initErrors, fmt.Errorf("elasticsearch health check: %w", err))
			} else {
				util.Info("Elasticsearch client initialized and healthy")
			}
		}
	}

	if f.config.ClickHouse.Enabled {
		if ch, err := client.NewClickHouseClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = ch
			if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
				initErrors = append(initErrors, fmt.Errorf("clickhouse health check: %w", err))
			} else {
				util.Info("ClickHouse client initialized and healthy")
			}
		}
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}
	return nil
}

// initializeComponents wires the directory store, security gateway and
// services on top of whichever clients came up.
func (f *Factory) initializeComponents() error {
	sec := f.config.Security

	if f.scyllaClient != nil {
		buckets := bucketing.NewManager(f.config.Scylla.NumBuckets)
		f.directory = store.NewScyllaStore(f.scyllaClient, buckets)
		util.Info("Directory store backed by ScyllaDB")
	} else {
		f.directory = store.NewMemoryStore()
		util.Warn("Directory store running in memory - data will not survive restarts")
	}

	var sessionCache *session.Cache
	if f.redisClient != nil {
		sessionCache = session.NewCache(f.redisClient, sec.SessionCacheTTL)
	}

	factoryNet := session.NewFactoryNetwork(sec.FactoryIPs, sec.FactoryCIDRs)

	verifierOpts := []session.VerifierOption{
		session.WithFactoryNetwork(factoryNet),
	}
	if sessionCache != nil {
		verifierOpts = append(verifierOpts, session.WithCache(sessionCache))
	}
	f.verifier = session.NewVerifier(f.directory, verifierOpts...)

	codec, err := csrf.NewCodec(sec.CSRFSecret, csrf.WithValidity(sec.CSRFTokenTTL))
	if err != nil {
		return err
	}
	f.csrfCodec = codec

	var limStore ratelimit.Store
	if f.redisClient != nil {
		limStore = ratelimit.NewRedisStore(f.redisClient)
	} else {
		f.memoryLimStore = ratelimit.NewMemoryStore()
		f.memoryLimStore.StartSweeper(time.Minute)
		limStore = f.memoryLimStore
	}
	loginLimiter := ratelimit.NewLimiter(limStore, sec.LoginMaxAttempts, sec.LoginWindow, sec.LoginBlock)
	apiLimiter := ratelimit.NewLimiter(limStore, sec.APIMaxRequests, sec.APIWindow, sec.APIBlock)

	var auditOpts []audit.LoggerOption
	if f.clickhouseClient != nil {
		f.clickhouseSink = audit.NewClickHouseSink(f.clickhouseClient)
		auditOpts = append(auditOpts, audit.WithMirror(f.clickhouseSink))
	}
	if f.kafkaProducer != nil {
		auditOpts = append(auditOpts, audit.WithMirror(audit.NewKafkaSink(f.kafkaProducer, f.config.Kafka.Topic)))
	}
	if f.esClient != nil {
		f.auditSearcher = audit.NewESIndexer(f.esClient, f.config.Elastic.Index)
		auditOpts = append(auditOpts, audit.WithMirror(f.auditSearcher))
	}
	f.auditLogger = audit.NewLogger(f.directory, auditOpts...)

	f.engine = permission.NewEngine(f.directory)
	permAdmin := permission.NewAdmin(f.directory, f.auditLogger)

	f.securityGW = gateway.New(f.verifier, f.csrfCodec)

	hasher := hashing.NewHasher(hashing.DefaultCost)

	authOpts := []service.AuthOption{
		service.WithFactoryNetwork(factoryNet),
		service.WithSessionTTL(sec.SessionTTL),
		service.WithLockoutPolicy(sec.LockoutThreshold, sec.LockoutDuration),
	}
	if sessionCache != nil {
		authOpts = append(authOpts, service.WithSessionCache(sessionCache))
	}
	authSvc := service.NewAuthService(f.directory, hasher, f.auditLogger, authOpts...)

	adminOpts := []service.AdminOption{}
	if f.auditSearcher != nil {
		adminOpts = append(adminOpts, service.WithAuditSearcher(f.auditSearcher))
	}
	adminSvc := service.NewAdminService(f.directory, permAdmin, f.auditLogger, hasher, adminOpts...)

	f.authHandler = handler.NewAuthHandler(f.securityGW, authSvc, loginLimiter, apiLimiter,
		sec.SessionTTL, f.config.IsProduction() || f.config.TLS.Enabled, f.config.IsProduction())
	f.adminHandler = handler.NewAdminHandler(f.securityGW, adminSvc, apiLimiter, f.config.IsProduction())
	f.permHandler = handler.NewPermissionHandler(f.securityGW, f.engine, apiLimiter, f.config.IsProduction())

	return nil
}

// ==============================
// Health Checks
// ==============================

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.config.Redis.Enabled {
		if f.redisClient != nil {
			if err := f.redisClient.HealthCheck(ctx); err != nil {
				healthErrors["redis"] = err
			}
		} else {
			healthErrors["redis"] = fmt.Errorf("redis client not initialized")
		}
	}

	if f.config.Scylla.Enabled {
		if f.scyllaClient != nil {
			if err := f.scyllaClient.HealthCheck(); err != nil {
				healthErrors["scylla"] = err
			}
		} else {
			healthErrors["scylla"] = fmt.Errorf("scylla client not initialized")
		}
	}

	if f.esClient != nil {
		if err := f.esClient.HealthCheck(); err != nil {
			healthErrors["elasticsearch"] = err
		}
	}
	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}
	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}
	return healthErrors
}

func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	return len(healthErrors) == 0
}

// ==============================
// Shutdown
// ==============================

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.clickhouseSink != nil {
			f.clickhouseSink.Close()
			util.Info("ClickHouse audit sink flushed and closed")
		}
		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}
		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}
		if f.memoryLimStore != nil {
			f.memoryLimStore.Stop()
		}
		if f.scyllaClient != nil {
			f.scyllaClient.Close()
			util.Info("ScyllaDB client closed")
		}
		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		util.Sync()
		util.Info("Factory shutdown completed")
	})
	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

// ==============================
// Getters
// ==============================

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) TLSManager() *tls.Manager {
	return f.tlsManager
}

func (f *Factory) AuthHandler() *handler.AuthHandler {
	return f.authHandler
}

func (f *Factory) AdminHandler() *handler.AdminHandler {
	return f.adminHandler
}

func (f *Factory) PermissionHandler() *handler.PermissionHandler {
	return f.permHandler
}

func (f *Factory) PermissionEngine() *permission.Engine {
	return f.engine
}

func (f *Factory) SecurityGateway() *gateway.Gateway {
	return f.securityGW
}

func (f *Factory) Directory() store.DirectoryStore {
	return f.directory
}
