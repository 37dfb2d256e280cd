package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"

	"github.com/xela07ax/spaceai-verdict-kernel/internal/audit"
	"github.com/xela07ax/spaceai-verdict-kernel/internal/gateway"
	"github.com/xela07ax/spaceai-verdict-kernel/internal/infra"
	"github.com/xela07ax/spaceai-verdict-kernel/internal/infra/auth"
	"github.com/xela07ax/spaceai-verdict-kernel/internal/policy"
	"github.com/xela07ax/spaceai-verdict-kernel/internal/repository/postgres"
	"github.com/xela07ax/spaceai-verdict-kernel/internal/scope"
	"github.com/xela07ax/spaceai-verdict-kernel/internal/signing"
	"github.com/xela07ax/spaceai-verdict-kernel/internal/telemetry"
)

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	// Контекст для управления жизненным циклом фоновых горутин
	// При SIGINT/SIGTERM cancel() остановит слушателей и цикл ротации
	appCtx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// 2. Метрики и наблюдатели
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)
	observers := telemetry.Multi{metrics, telemetry.NewLogObserver(logger)}

	// 3. Redis (опционально): сигналы обновления политик и ротации ключей
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
	}

	// 4. Сервис подписи. Без ключей ядро не стартует.
	keyStore, err := signing.NewFileKeyStore(cfg.Signing.KeyDir)
	if err != nil {
		logger.Fatal("key store", zap.Error(err))
	}
	signingObservers := observers
	if rdb != nil {
		signingObservers = append(telemetry.Multi{infra.NewRotationPublisher(rdb, logger)}, observers...)
	}
	signer, err := signing.NewService(keyStore, signing.Config{
		RotationWindow: cfg.Signing.RotationWindow,
		CheckInterval:  cfg.Signing.CheckInterval,
		Retained:       cfg.Signing.RetainedKeys,
	}, signingObservers, logger)
	if err != nil {
		logger.Fatal("signing service", zap.Error(err))
	}
	go signer.Run(appCtx)

	// 5. Postgres (опционально): документы политик и журнал решений
	var (
		policyRepo   *postgres.PolicyRepo
		auditStorage audit.Storage = audit.NewLogStorage(logger)
	)
	if cfg.Database.URL != "" {
		db, err := postgres.Open(appCtx, cfg.Database.URL, postgres.Options{
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		})
		if err != nil {
			logger.Fatal("postgres", zap.Error(err))
		}
		defer db.Close()

		if cfg.Database.Migrate {
			if err := postgres.Migrate(appCtx, db); err != nil {
				logger.Fatal("postgres migrate", zap.Error(err))
			}
		}
		policyRepo = postgres.NewPolicyRepo(db)
		auditStorage = postgres.NewAuditRepo(db)
	}

	// 6. Политики: бандл при старте, затем БД и подписка на обновления
	engine := policy.NewEngine(observers, logger)
	var repo policy.PolicyRepository
	if policyRepo != nil {
		repo = policyRepo
	}
	registry := policy.NewRegistry(engine, repo, rdb, nil, logger)
	if cfg.Policy.BundlePath != "" {
		if err := registry.LoadBundle(cfg.Policy.BundlePath); err != nil {
			logger.Fatal("policy bundle", zap.Error(err))
		}
	}
	if err := registry.Refresh(appCtx); err != nil {
		logger.Fatal("initial policy load", zap.Error(err))
	}
	go registry.StartListener(appCtx)

	// 7. Журнал и нотариус. Запись в БД идет через rate limit -> CB -> retry.
	trail := audit.NewTrail(
		audit.NewReliableStorage(auditStorage, audit.ReliabilityConfig{
			Attempts:        cfg.Audit.RetryAttempts,
			WriteTimeout:    cfg.Audit.WriteTimeout,
			BreakerFailures: cfg.Audit.BreakerFailures,
			BreakerTimeout:  cfg.Audit.BreakerTimeout,
		}),
		audit.TrailConfig{
			BufferSize:    cfg.Audit.BufferSize,
			BatchSize:     cfg.Audit.BatchSize,
			FlushInterval: cfg.Audit.FlushInterval,
		},
		metrics.AuditBufferFill,
		logger,
	)
	trail.Start()
	notary := audit.NewNotary(signer, trail, cfg.Signing.Source, logger)

	// 8. Core (единый пайплайн для HTTP и gRPC)
	kernel := scope.NewKernel(observers, logger)
	core := gateway.NewCore(kernel, registry, notary, logger)

	var policies *gateway.PolicyService
	if policyRepo != nil {
		policies = gateway.NewPolicyService(policyRepo, rdb, registry, nil)
	}
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit.RPS), cfg.RateLimit.Burst)

	// Операторские токены: без ключа админские маршруты закрыты
	admin := gateway.AdminAuth{Scope: cfg.Auth.AdminScope}
	if cfg.Auth.PublicKeyPath != "" {
		validator, err := auth.LoadValidator(cfg.Auth.PublicKeyPath)
		if err != nil {
			logger.Fatal("operator auth", zap.Error(err))
		}
		admin.Validator = validator
	} else {
		logger.Warn("auth.public_key_path is empty: key rotation API and policy admin are disabled")
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      gateway.NewServer(core, signer, policies, admin, limiter, logger),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 9. gRPC сервер
	grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(gateway.UnaryTraceInterceptor()))
	gateway.NewGRPCDecisionServer(core).Register(grpcSrv)

	go func() {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			logger.Fatal("failed to listen gRPC", zap.Error(err))
		}
		logger.Info("gRPC server started", zap.String("addr", cfg.GRPC.Addr))
		if err := grpcSrv.Serve(lis); err != nil {
			logger.Fatal("failed to serve gRPC", zap.Error(err))
		}
	}()

	// 10. Экспортируем метрики для Prometheus
	metricsSrv := &http.Server{
		Addr:    cfg.Metrics.Addr,
		Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics listener", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("verdict kernel started",
			zap.String("addr", srv.Addr),
			zap.String("key_id", signer.CurrentKeyID()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	// 11. Graceful Shutdown
	<-appCtx.Done() // Ждем сигнал
	logger.Info("verdict kernel stopping...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
	grpcSrv.GracefulStop()
	_ = metricsSrv.Shutdown(shutdownCtx)

	// Новых решений больше нет: дописываем журнал
	trail.Stop()
	logger.Info("verdict kernel exited properly")
}
