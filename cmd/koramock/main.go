package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/xela07ax/kora-agent-sdk/internal/infra"
	"github.com/xela07ax/kora-agent-sdk/internal/mockapi"
	"github.com/xela07ax/kora-agent-sdk/internal/policy"
	"github.com/xela07ax/kora-agent-sdk/kora"
)

func main() {
	// 1. Конфигурация и логгер
	cfg, err := infra.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer logger.Sync()

	// 2. Журнал решений (файл или stdout)
	journalSink := os.Stdout
	if cfg.Server.JournalPath != "" {
		f, err := os.OpenFile(cfg.Server.JournalPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.Fatal("failed to open journal file", zap.Error(err))
		}
		defer f.Close()
		journalSink = f
	}

	// 3. Метрики
	reg := prometheus.NewRegistry()

	// 4. Сборка эмулятора
	srv, err := mockapi.NewServer(mockapi.Config{
		AdminKeyHash:    cfg.Server.AdminKeyHash,
		ScanTokenSecret: cfg.Server.ScanTokenSecret,
		JournalSink:     journalSink,
		Logger:          logger,
		Registry:        reg,
	})
	if err != nil {
		logger.Fatal("failed to build emulator", zap.Error(err))
	}
	defer srv.Close()

	// 5. Dev-bootstrap: демо-агент и демо-мандат, чтобы SDK можно было
	// гонять против эмулятора сразу после запуска. Секрет печатается
	// один раз в лог — эмулятор не для прода.
	secret, publicKey, err := kora.MintAgentKey("agent_demo")
	if err != nil {
		logger.Fatal("failed to mint demo agent key", zap.Error(err))
	}
	srv.RegisterAgent("agent_demo", publicKey)

	demoPolicy := policy.Config{
		DailyLimitCents:        kora.DefaultSandboxDailyLimitCents,
		MonthlyLimitCents:      kora.DefaultSandboxMonthlyLimitCents,
		Currency:               kora.DefaultSandboxCurrency,
		PerTransactionMaxCents: cfg.Sandbox.PerTransactionMaxCents,
		AllowedVendors:         cfg.Sandbox.AllowedVendors,
	}
	if cfg.Sandbox.DailyLimitCents > 0 {
		demoPolicy.DailyLimitCents = cfg.Sandbox.DailyLimitCents
	}
	if cfg.Sandbox.MonthlyLimitCents > 0 {
		demoPolicy.MonthlyLimitCents = cfg.Sandbox.MonthlyLimitCents
	}
	if cfg.Sandbox.Currency != "" {
		demoPolicy.Currency = cfg.Sandbox.Currency
	}
	srv.CreateMandate("mandate_demo", demoPolicy)

	logger.Info("demo credentials minted",
		zap.String("agent_id", "agent_demo"),
		zap.String("mandate_id", "mandate_demo"),
		zap.String("agent_secret", secret),
		zap.String("notary_public_key", srv.NotaryPublicKey()),
	)

	// 6. Экспорт метрик на отдельном порту
	go func() {
		addr := fmt.Sprintf(":%d", cfg.Server.MetricsPort)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		logger.Info("metrics exporter started", zap.String("addr", addr))
		if err := http.ListenAndServe(addr, mux); err != nil {
			logger.Error("metrics exporter stopped", zap.Error(err))
		}
	}()

	// 7. HTTP-сервер эмулятора
	httpSrv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      srv,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// 8. Graceful Shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("koramock started", zap.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen failed", zap.Error(err))
		}
	}()

	<-stop
	logger.Info("koramock stopping...")

	// Даем 5 секунд на завершение запросов
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Fatal("server shutdown failed", zap.Error(err))
	}
	logger.Info("koramock exited properly")
}
