package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/malcare/internal/auth"
	"github.com/example/malcare/internal/cache"
	"github.com/example/malcare/internal/config"
	"github.com/example/malcare/internal/events"
	"github.com/example/malcare/internal/grpcclient"
	"github.com/example/malcare/internal/handlers"
	"github.com/example/malcare/internal/inference"
	"github.com/example/malcare/internal/logging"
	"github.com/example/malcare/internal/metrics"
	"github.com/example/malcare/internal/observability"
	"github.com/example/malcare/internal/repository"
	"github.com/example/malcare/internal/settlement"
	"github.com/example/malcare/internal/usecase"
	"github.com/example/malcare/internal/wallet"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, err := logging.NewLogger(cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	shutdownTracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		ServiceName: "malcare",
		Environment: cfg.Env,
		Exporter:    cfg.TraceExporter,
		Endpoint:    cfg.TraceEndpoint,
		Insecure:    cfg.TraceInsecure,
		SampleRatio: cfg.TraceSampleRatio,
	}, logger)
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	defer shutdownTracing(context.Background()) //nolint:errcheck

	db := initDatabase(ctx, cfg, logger)
	repo := repository.NewPredictionRepository(db, logger)
	if err := repo.AutoMigrate(ctx); err != nil {
		logger.Fatal("auto migrate failed", zap.Error(err))
	}

	kv := initCache(ctx, cfg, logger)

	inferenceAddr := cfg.ResolvedInferenceAddr()
	client := grpcclient.New(grpcclient.Options{
		Addr:        inferenceAddr,
		DialTimeout: cfg.InferenceDialTimeout,
	}, logger)
	defer client.Close() //nolint:errcheck
	if err := client.Connect(); err != nil {
		// Every prediction reports the backend as unavailable until restart.
		logger.Error("inference backend initialization failed", zap.String("addr", inferenceAddr), zap.Error(err))
	}
	pipeline := inference.NewPipeline(client,
		inference.WithStageThreshold(cfg.StageThreshold),
		inference.WithCallTimeout(cfg.InferenceCallTimeout),
	)

	rewards, err := settlement.NewRandomReward(cfg.RewardMin, cfg.RewardMax, nil)
	if err != nil {
		logger.Fatal("invalid reward policy", zap.Error(err))
	}
	settler := initSettler(cfg, logger)

	publisher := initPublisher(cfg, logger)
	if closer, ok := publisher.(io.Closer); ok {
		defer closer.Close() //nolint:errcheck
	}
	metricsManager := metrics.NewManager()

	uc := usecase.NewPredictionUseCase(usecase.Dependencies{
		Repository: repo,
		Classifier: pipeline,
		Rewards:    rewards,
		Settler:    settler,
		Cache:      kv,
		Publisher:  publisher,
		Metrics:    metricsManager,
	}, usecase.Options{
		DefaultEncoding: cfg.DefaultEncoding,
		HistoryTTL:      cfg.HistoryCacheTTL,
		PayoutTimeout:   cfg.PayoutTimeout,
		PublishTimeout:  cfg.KafkaPublishTimeout,
	}, logger)

	routes := handlers.Routes{
		Predictions: uc,
		Wallets:     wallet.NewStore(kv),
		Auth:        auth.JWTMiddleware(cfg.JWTSecret, cfg.JWTAudience, auth.NewCacheRevoker(kv)),
		Logger:      logger,
	}
	if cfg.RateLimitRPS > 0 {
		routes.SubmitLimiter = handlers.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst).Middleware()
	}
	if !cfg.IsLocal() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := newRouter(routes, metricsManager)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("MalCare API listening", zap.String("addr", cfg.Addr), zap.String("inference_addr", inferenceAddr))
	if err := serveHTTPServer(server, cfg.ShutdownTimeout, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func newRouter(routes handlers.Routes, metricsManager *metrics.Manager) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware("malcare"), metricsManager.GinMiddleware())
	r.MaxMultipartMemory = handlers.MaxUploadSize

	routes.Metrics = metricsManager.Handler()
	handlers.RegisterRoutes(r, routes)
	return r
}

func initDatabase(ctx context.Context, cfg *config.Config, logger *zap.Logger) *gorm.DB {
	db, err := repository.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseDSN, logger)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	return db
}

func initCache(ctx context.Context, cfg *config.Config, logger *zap.Logger) cache.Cache {
	if cfg.RedisAddr == "" {
		logger.Warn("redis address not configured, using in-process cache")
		return cache.NewMemory()
	}

	redisCtx, redisCancel := context.WithTimeout(ctx, 5*time.Second)
	defer redisCancel()

	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(redisCtx).Err(); err != nil {
		logger.Fatal("redis connection failed", zap.Error(err))
	}
	return cache.NewRedisCache(client, logger)
}

func initSettler(cfg *config.Config, logger *zap.Logger) settlement.Settler {
	if cfg.Settler == "stripe" {
		settler, err := settlement.NewStripeSettler(cfg.StripeAPIKey, cfg.StripeCurrency, float64(cfg.StripeUnitScale))
		if err != nil {
			logger.Fatal("stripe settler init failed", zap.Error(err))
		}
		return settler
	}
	return settlement.MockSettler{Latency: cfg.PayoutLatency}
}

func initPublisher(cfg *config.Config, logger *zap.Logger) events.Publisher {
	if len(cfg.KafkaBrokers) == 0 {
		return events.Nop{}
	}
	return events.NewKafkaPublisher(events.NewWriter(cfg.KafkaBrokers, cfg.KafkaTopic), logger)
}

func serveHTTPServer(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger) error {
	return serveHTTPServerWithOptions(server, shutdownTimeout, logger, nil, nil)
}

func serveHTTPServerWithOptions(server *http.Server, shutdownTimeout time.Duration, logger *zap.Logger, listener net.Listener, signalCh <-chan os.Signal) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if listener != nil {
			err = server.Serve(listener)
		} else {
			err = server.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		errCh <- err
	}()

	var (
		sigCh       <-chan os.Signal
		stopSignals func()
	)

	if signalCh != nil {
		sigCh = signalCh
		stopSignals = func() {}
	} else {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		sigCh = ch
		stopSignals = func() {
			signal.Stop(ch)
		}
	}
	defer stopSignals()

	select {
	case err := <-errCh:
		return err
	case sig, ok := <-sigCh:
		if !ok {
			return <-errCh
		}
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return <-errCh
	}
}
