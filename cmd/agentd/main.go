package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/xela07ax/agentledger/internal/app"
	"github.com/xela07ax/agentledger/internal/audit"
	"github.com/xela07ax/agentledger/internal/connectors"
	"github.com/xela07ax/agentledger/internal/console/handler"
	"github.com/xela07ax/agentledger/internal/console/server"
	"github.com/xela07ax/agentledger/internal/console/service"
	"github.com/xela07ax/agentledger/internal/engine"
	"github.com/xela07ax/agentledger/internal/eventsource"
	"github.com/xela07ax/agentledger/internal/infra"
	"github.com/xela07ax/agentledger/internal/infra/auth"
	"github.com/xela07ax/agentledger/internal/repository/redisstore"
)

func main() {
	configDir := flag.String("config", "", "directory with config.yaml")
	flag.Parse()

	cfg, err := infra.LoadConfig(*configDir)
	if err != nil {
		// логгера еще нет
		os.Stderr.WriteString("agentd: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger := infra.NewLogger(cfg.Logger, "agentd")
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("agentd failed", zap.Error(err))
	}
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	// Контекст для управления жизненным циклом фоновых горутин
	// SIGTERM/SIGINT отменяет его и запускает graceful shutdown
	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Инфраструктура и ресурсы
	stores, err := app.OpenStores(appCtx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := stores.Close(); err != nil {
			logger.Warn("failed to close stores", zap.Error(err))
		}
	}()

	// Метрики
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	engineMetrics := engine.NewMetrics(reg)

	// 2. Журнал: уведомления идут через ту же защиту, что и коннектор
	var publisher eventsource.EventPublisher
	if stores.Redis != nil && cfg.Redis.Notify {
		publisher = engine.NewReliablePublisher(redisstore.NewPublisher(stores.Redis), cfg.Engine, engineMetrics, logger)
	}
	repo := app.NewRepository(stores, cfg, publisher, eventsource.NewMetrics(reg), logger)

	// Аудит команд пачками
	trail := audit.NewTrail(stores.Audit, audit.Config{
		BufferSize:    cfg.Engine.AuditBufferSize,
		BatchSize:     cfg.Engine.AuditBatchSize,
		FlushInterval: cfg.Engine.AuditFlushInterval,
	}, logger)
	trail.Start()
	defer trail.Stop()

	// 3. Execution Layer (Исполнение + Надежность)
	var invoker engine.CapabilityInvoker = &connectors.MockConnector{}
	if cfg.Connector.Address != "" {
		conn, err := connectors.Dial(cfg.Connector.Address)
		if err != nil {
			return err
		}
		defer conn.Close()
		invoker = connectors.NewGRPCAdapter(conn)
	} else {
		logger.Warn("connector.address is empty, capabilities are served by the mock connector")
	}
	safeInvoker := engine.NewReliabilityWrapper(invoker, cfg.Engine, engineMetrics, logger)
	gateway := engine.NewGateway(safeInvoker, trail, engineMetrics, logger)

	// L1 кэш статусов, живет на уведомлениях Redis
	var rdbNotify = stores.Redis
	if !cfg.Redis.Notify {
		rdbNotify = nil
	}
	cache := engine.NewStatusCache(rdbNotify, repo, engineMetrics, logger)
	cache.StartListener(appCtx)

	// 4. API
	agentService := service.NewAgentService(repo, gateway, cache, trail, engineMetrics, cfg.Engine.ConflictRetries, logger)
	agentHandler := handler.NewAgentHandler(agentService, logger)

	var validator auth.TokenValidator
	if cfg.Auth.Enabled {
		pub, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
		if err != nil {
			return err
		}
		validator = auth.NewBaseValidator(pub, cfg.Auth.Issuer)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      server.NewConsoleServer(logger, validator, reg, agentHandler),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("agentd started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// 5. Graceful Shutdown
	select {
	case <-appCtx.Done():
	case err := <-errCh:
		return err
	}
	logger.Info("agentd stopping...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	logger.Info("agentd exited properly", zap.Int64("audit_dropped", trail.Dropped()))
	return nil
}
