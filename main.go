package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dev-mohitbeniwal/echo/authz/audit"
	"github.com/dev-mohitbeniwal/echo/authz/config"
	"github.com/dev-mohitbeniwal/echo/authz/controller"
	"github.com/dev-mohitbeniwal/echo/authz/db"
	logger "github.com/dev-mohitbeniwal/echo/authz/logging"
	"github.com/dev-mohitbeniwal/echo/authz/middleware"
	"github.com/dev-mohitbeniwal/echo/authz/pdp/cache"
	"github.com/dev-mohitbeniwal/echo/authz/pdp/classifier"
	"github.com/dev-mohitbeniwal/echo/authz/pdp/engine"
	"github.com/dev-mohitbeniwal/echo/authz/pdp/invalidation"
	"github.com/dev-mohitbeniwal/echo/authz/pdp/policy"
	"github.com/dev-mohitbeniwal/echo/authz/router"
	"github.com/dev-mohitbeniwal/echo/authz/service"
	"github.com/dev-mohitbeniwal/echo/authz/util"
)

func main() {
	// Initialize configuration
	if err := config.InitConfig(); err != nil {
		log.Fatalf("Failed to initialize config: %v", err)
	}
	cfg := config.GetConfig()

	// Initialize logger
	logger.InitLogger(cfg.Server.LogDir)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Redis. Without it the shared tier and rate limiter stay local.
	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		client, err := db.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			logger.Warn("Redis unavailable, continuing without shared tier", zap.Error(err))
		} else {
			redisClient = client
			defer db.CloseRedis(redisClient)
		}
	}

	// Initialize EventBus
	eventBus := util.NewEventBus()
	eventBus.Start(ctx)

	// Decision cache
	ttl, err := cache.TTLPolicyFromMap(cfg.Authz.TTL)
	if err != nil {
		logger.Fatal("Invalid TTL policy", zap.Error(err))
	}
	cacheOpts := cache.DefaultOptions()
	cacheOpts.L1Capacity = cfg.Authz.L1Capacity
	cacheOpts.L1Shards = cfg.Authz.L1Shards
	cacheOpts.TTL = ttl
	cacheOpts.KeyPrefix = cfg.Redis.KeyPrefix
	cacheOpts.RevalidateRatio = cfg.Authz.RevalidateRatio
	decisions, err := cache.NewTieredCache(cache.NewSharedStore(ctx, redisClient), cacheOpts)
	if err != nil {
		logger.Fatal("Failed to initialize decision cache", zap.Error(err))
	}
	defer decisions.Close()
	janitor := cache.NewJanitor(decisions, cfg.Authz.JanitorInterval)
	janitor.Start(ctx)

	// Classifier
	clsCfg := classifier.DefaultConfig()
	clsCfg.EntropyThreshold = cfg.Classifier.EntropyThreshold
	clsCfg.EntropyMinLength = cfg.Classifier.EntropyMinLength
	clsCfg.ZThreshold = cfg.Classifier.ZThreshold
	clsCfg.ParallelThreshold = cfg.Classifier.ParallelThreshold
	clsCfg.MaxParameters = cfg.Classifier.MaxParameters
	clsCfg.MaxScanLength = cfg.Classifier.MaxScanLength
	cls, err := classifier.New(clsCfg)
	if err != nil {
		logger.Fatal("Failed to initialize classifier", zap.Error(err))
	}

	// Policy backend
	var evaluator policy.Evaluator
	var reload service.PolicyReloader
	switch cfg.Policy.Backend {
	case "opa":
		evaluator = policy.NewOPAClient(cfg.Policy.OPAURL, cfg.Policy.PolicyPath, cfg.Policy.RulesetVersion, &http.Client{})
	default:
		cedarEngine := policy.NewCedarEngine()
		if err := cedarEngine.LoadDir(cfg.Policy.CedarDir, ""); err != nil {
			logger.Fatal("Failed to load Cedar policies", zap.Error(err), zap.String("dir", cfg.Policy.CedarDir))
		}
		evaluator = cedarEngine
		reload = func(ctx context.Context) (string, error) {
			if err := cedarEngine.LoadDir(cfg.Policy.CedarDir, ""); err != nil {
				return "", err
			}
			return cedarEngine.RulesetVersion(), nil
		}
	}
	adapter := policy.NewAdapter(evaluator, cfg.Policy.Timeout)

	// Audit
	opts := []engine.Option{
		engine.WithBaselines(classifier.NewInMemoryBaselines(cfg.Classifier.BaselineDecay)),
		engine.WithSingleFlight(cfg.Authz.SingleFlight),
		engine.WithBatchConcurrency(cfg.Authz.BatchConcurrency),
		engine.WithRevalidation(cfg.Authz.RevalidateRatio > 0),
	}
	var auditSink *audit.AsyncSink
	if cfg.Audit.Enabled {
		auditSink = audit.NewAsyncSink(newAuditRepository(cfg), cfg.Audit.QueueSize)
		opts = append(opts, engine.WithAuditSink(auditSink))
	}
	orchestrator := engine.NewOrchestrator(cls, decisions, adapter, opts...)

	// Invalidation: every transport feeds the same bus
	busOpts := invalidation.DefaultOptions()
	busOpts.QueueSize = cfg.Invalidation.QueueSize
	busOpts.MaxRetries = cfg.Invalidation.MaxRetries
	busOpts.RetryBackoff = cfg.Invalidation.RetryBackoff
	bus := invalidation.NewBus(decisions, busOpts)
	bus.Start(ctx)

	local := invalidation.NewLocalSource(eventBus, cfg.Invalidation.QueueSize)
	sources := []invalidation.Source{local}
	closers := []io.Closer{local}
	var broadcasters []invalidation.Broadcaster
	if redisClient != nil {
		src, err := invalidation.NewRedisSource(ctx, redisClient, cfg.Invalidation.RedisChannel)
		if err != nil {
			logger.Warn("Redis invalidation channel unavailable", zap.Error(err))
		} else {
			sources = append(sources, src)
			closers = append(closers, src)
		}
		broadcasters = append(broadcasters, invalidation.NewRedisBroadcaster(redisClient, cfg.Invalidation.RedisChannel))
	}
	if len(cfg.Kafka.Brokers) > 0 {
		kafkaCfg := invalidation.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			GroupID: invalidation.InstanceGroupID(cfg.Kafka.GroupPrefix),
		}
		src, err := invalidation.NewKafkaSource(kafkaCfg)
		if err != nil {
			logger.Fatal("Failed to initialize Kafka source", zap.Error(err))
		}
		sources = append(sources, src)
		closers = append(closers, src)
		pub, err := invalidation.NewKafkaBroadcaster(kafkaCfg)
		if err != nil {
			logger.Fatal("Failed to initialize Kafka broadcaster", zap.Error(err))
		}
		broadcasters = append(broadcasters, pub)
		closers = append(closers, pub)
	}
	for _, src := range sources {
		go func(src invalidation.Source) {
			if err := bus.Run(ctx, src); err != nil && ctx.Err() == nil {
				logger.Error("Invalidation source stopped", zap.Error(err))
			}
		}(src)
	}

	// Initialize services
	authzService := service.NewAuthzService(service.Dependencies{
		Orchestrator: orchestrator,
		Cache:        decisions,
		Janitor:      janitor,
		Adapter:      adapter,
		Bus:          bus,
		Publisher:    invalidation.NewPublisher(eventBus, broadcasters...),
		Events:       eventBus,
		Validation:   util.NewValidationUtil(cfg.Server.MaxBatchSize),
		AuditSink:    auditSink,
		Reload:       reload,
	})

	// Initialize controllers
	controllers := controller.InitializeControllers(authzService)

	// Set up Gin
	gin.SetMode(gin.ReleaseMode)
	var limiter middleware.Limiter
	if redisClient != nil {
		limiter = db.NewRateLimiter(redisClient, cfg.Redis.KeyPrefix+":ratelimit")
	}
	engineRouter := router.SetupRouter(controllers, limiter, cfg.Server.RateLimit, cfg.Server.RateLimitPer)

	// Set up the server
	server := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: engineRouter,
	}

	// Start the server in a goroutine
	go func() {
		logger.Info("Starting server",
			zap.String("port", cfg.Server.Port),
			zap.String("policyBackend", cfg.Policy.Backend),
			zap.String("rulesetVersion", adapter.RulesetVersion()))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal to gracefully shut down the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	orchestrator.WaitRefreshes()
	for _, c := range closers {
		if err := c.Close(); err != nil {
			logger.Warn("Failed to close invalidation transport", zap.Error(err))
		}
	}
	if err := bus.Close(shutdownCtx); err != nil {
		logger.Warn("Invalidation bus did not drain", zap.Error(err))
	}
	cancel()
	janitor.Stop()
	if auditSink != nil {
		if err := auditSink.Close(shutdownCtx); err != nil {
			logger.Warn("Audit sink did not drain", zap.Error(err))
		}
	}

	logger.Info("Server exiting")
}

func newAuditRepository(cfg *config.Configuration) audit.Repository {
	if cfg.Audit.Backend != "elasticsearch" {
		return audit.LogRepository{}
	}
	repo, err := audit.NewElasticsearchRepository(cfg.Elasticsearch.URL, cfg.Elasticsearch.Index)
	if err != nil {
		logger.Error("Elasticsearch unavailable, audit records go to the log", zap.Error(err))
		return audit.LogRepository{}
	}
	return repo
}
