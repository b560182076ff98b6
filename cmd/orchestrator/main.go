package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/t77yq/agentpool/internal/config"
	"github.com/t77yq/agentpool/internal/discovery"
	"github.com/t77yq/agentpool/internal/events"
	"github.com/t77yq/agentpool/internal/handler"
	"github.com/t77yq/agentpool/internal/intake"
	"github.com/t77yq/agentpool/internal/monitor"
	"github.com/t77yq/agentpool/internal/orchestrator"
	"github.com/t77yq/agentpool/internal/platform"
	"github.com/t77yq/agentpool/internal/storage"
	"github.com/t77yq/agentpool/internal/supervisor"
)

const shutdownTimeout = 30 * time.Second

// cronLogger adapts zap.Logger to cron.Logger
type cronLogger struct {
	logger *zap.Logger
}

func (l *cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, zap.Any("details", keysAndValues))
}

func (l *cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, zap.Error(err), zap.Any("details", keysAndValues))
}

func connectNATS(cfg config.NATSConfig, name string, logger *zap.Logger) (*nats.Conn, error) {
	opts := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.ConnectTimeout),
		nats.PingInterval(20 * time.Second),
		nats.MaxPingsOutstanding(5),
		nats.ReconnectBufSize(5 * 1024 * 1024),
		nats.DrainTimeout(30 * time.Second),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			logger.Error("NATS connection error",
				zap.String("subject", subject),
				zap.Error(err))
		}),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("NATS disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("NATS reconnected",
				zap.String("url", nc.ConnectedUrl()))
		}),
	}

	retries := cfg.ConnectRetries
	if retries <= 0 {
		retries = 1
	}

	var nc *nats.Conn
	var err error
	for i := 0; i < retries; i++ {
		nc, err = nats.Connect(strings.Join(cfg.URLs, ","), opts...)
		if err == nil {
			return nc, nil
		}
		logger.Warn("Failed to connect to NATS, retrying...",
			zap.Int("attempt", i+1),
			zap.Error(err))
		time.Sleep(time.Second * time.Duration(i+1))
	}
	return nil, err
}

func main() {
	configPath := flag.String("config", "", "path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := cfg.Log.NewLogger()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	// Components run on ctx until shutdown has finished; the signal only
	// starts the shutdown sequence.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	shutdownCh := make(chan struct{})
	go func() {
		sig := <-sigCh
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
		close(shutdownCh)
	}()

	var publisher events.Publisher = events.Nop{}
	var nc *nats.Conn
	var js nats.JetStreamContext
	if cfg.NATS.Enabled {
		nc, err = connectNATS(cfg.NATS, cfg.App.Name, logger)
		if err != nil {
			logger.Fatal("Failed to connect to NATS after retries", zap.Error(err))
		}
		defer nc.Close()

		logger.Info("Connected to NATS successfully",
			zap.String("url", nc.ConnectedUrl()))

		js, err = nc.JetStream()
		if err != nil {
			logger.Fatal("Failed to create JetStream context", zap.Error(err))
		}

		natsPublisher, err := events.NewNATSPublisher(js, logger)
		if err != nil {
			logger.Fatal("Failed to set up event stream", zap.Error(err))
		}
		publisher = natsPublisher
	}

	var history *storage.SQLiteTaskHistory
	var historyRecorder orchestrator.HistoryRecorder
	if cfg.Storage.Path != "" {
		history, err = storage.NewSQLiteTaskHistory(logger, cfg.Storage.Path)
		if err != nil {
			logger.Fatal("Failed to create task history storage", zap.Error(err))
		}
		defer history.Close()
		historyRecorder = history
	}

	sup, err := supervisor.New(cfg.SupervisorConfig(), logger)
	if err != nil {
		logger.Fatal("Failed to create supervisor", zap.Error(err))
	}
	sup.Start(ctx)

	var packages []discovery.PackageManager
	if cfg.Discovery.NPM {
		packages = append(packages, discovery.NewNPMManager(discovery.ExecRunner{}))
	}
	if cfg.Discovery.Docker {
		docker, err := discovery.NewDockerManager()
		if err != nil {
			logger.Warn("Docker discovery disabled", zap.Error(err))
		} else {
			packages = append(packages, docker)
		}
	}

	services, err := discovery.New(cfg.DiscoveryConfig(), discovery.Deps{
		Runner:    discovery.ExecRunner{},
		Packages:  packages,
		Publisher: publisher,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create service discovery", zap.Error(err))
	}
	found, err := services.Discover(ctx)
	if err != nil {
		logger.Warn("Initial service discovery failed", zap.Error(err))
	}
	logger.Info("Services discovered",
		zap.Int("valid", len(found)),
		zap.Int("rejected", len(services.Rejected())))
	if err := services.Start(ctx); err != nil {
		logger.Fatal("Failed to start service discovery", zap.Error(err))
	}

	executor := orchestrator.NewDefaultExecutor(sup, logger)
	if cfg.Handlers.HTTP {
		executor.RegisterHandler("http_request", handler.NewHTTPRequestHandler(logger))
	}
	if cfg.Handlers.WorkspaceDir != "" {
		files, err := handler.NewFileOperationHandler(logger, cfg.Handlers.WorkspaceDir)
		if err != nil {
			logger.Fatal("Failed to create file handler", zap.Error(err))
		}
		executor.RegisterHandler("file_operation", files)
	}
	executor.RegisterHandler("service_probe", handler.NewServiceProbeHandler(logger, services))

	core, err := orchestrator.New(cfg.OrchestratorConfig(), orchestrator.Deps{
		Processes: sup,
		Executor:  executor,
		Platform:  platform.NewHostProvider(logger),
		Publisher: publisher,
		History:   historyRecorder,
	}, logger)
	if err != nil {
		logger.Fatal("Failed to create orchestrator", zap.Error(err))
	}
	core.Start(ctx)

	result, err := core.Initialize(ctx, cfg.Pool.Size, cfg.Pool.MaxAgents)
	if err != nil {
		logger.Fatal("Failed to initialize agent pool", zap.Error(err))
	}
	logger.Info("Agent pool initialized",
		zap.Int("agents", result.To),
		zap.Int("failed", result.Failed),
		zap.Ints("batches", result.Batches))

	alerts := monitor.NewAlertManager(logger, publisher)
	alerts.AddChannel("log", monitor.NewLogChannel(logger))
	for _, rule := range cfg.AlertRules() {
		if err := alerts.AddRule(rule); err != nil {
			logger.Warn("Skipping alert rule", zap.String("name", rule.Name), zap.Error(err))
		}
	}

	healthMonitor := monitor.NewHealthMonitor(cfg.MonitorConfig(), core, sup, sup, publisher, alerts, logger)
	healthMonitor.Start(ctx)

	var taskIntake *intake.Intake
	if js != nil && cfg.NATS.Intake {
		taskIntake = intake.New(js, intake.CoreSubmitter(core), publisher, logger)
		if err := taskIntake.Start(ctx); err != nil {
			logger.Fatal("Failed to start task intake", zap.Error(err))
		}
	}

	var cleanup *cron.Cron
	if history != nil && cfg.Storage.Retention > 0 {
		cl := &cronLogger{logger: logger.Named("cron")}
		cleanup = cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl)))
		_, err := cleanup.AddFunc(cfg.Storage.CleanupSchedule, func() {
			cutoff := time.Now().Add(-cfg.Storage.Retention)
			if _, err := history.DeleteBefore(ctx, cutoff); err != nil {
				logger.Error("Failed to cleanup old task history", zap.Error(err))
			}
		})
		if err != nil {
			logger.Fatal("Invalid history cleanup schedule",
				zap.String("schedule", cfg.Storage.CleanupSchedule),
				zap.Error(err))
		}
		cleanup.Start()
	}

	logger.Info("Orchestrator running", zap.String("name", cfg.App.Name))

	// Wait for shutdown signal
	<-shutdownCh

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if taskIntake != nil {
		taskIntake.Unsubscribe()
	}
	if cleanup != nil {
		<-cleanup.Stop().Done()
	}
	healthMonitor.Stop()
	services.Stop()

	status, _ := core.Status(shutdownCtx)
	logger.Info("Stopping agent pool",
		zap.Int("active", status.Active),
		zap.Int("running", status.Running),
		zap.Int("queued", status.Queued))

	if err := core.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Orchestrator shutdown incomplete", zap.Error(err))
	}
	if taskIntake != nil {
		if err := taskIntake.Stop(shutdownCtx); err != nil {
			logger.Warn("Shutdown timeout reached, some task results were not published", zap.Error(err))
		}
	}
	sup.Shutdown(shutdownCtx)

	if nc != nil {
		if err := nc.Drain(); err != nil {
			logger.Warn("Failed to drain NATS connection", zap.Error(err))
		}
	}

	cancel()
	logger.Info("Orchestrator shut down gracefully")
}
