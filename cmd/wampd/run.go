package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"WAMP-Orchestrator/examples/plugins/builtin"
	"WAMP-Orchestrator/internal/api"
	"WAMP-Orchestrator/internal/broker"
	"WAMP-Orchestrator/internal/config"
	"WAMP-Orchestrator/internal/observability/alerting"
	"WAMP-Orchestrator/internal/observability/metrics"
	"WAMP-Orchestrator/internal/storage/mysql"
	"WAMP-Orchestrator/pkg/logger"
	"WAMP-Orchestrator/pkg/plugin"
	"WAMP-Orchestrator/pkg/wamp"
)

func runDaemon(ctx context.Context, configPath string, rejoinDelay time.Duration) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return fmt.Errorf("初始化日志失败: %w", err)
	}
	defer logger.Sync()
	log := logger.Named("wampd")

	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return fmt.Errorf("创建数据目录失败: %w", err)
	}

	backend, err := openBackend(cfg.Broker)
	if err != nil {
		return err
	}
	defer backend.Close()

	ledger, err := openLedger(ctx, cfg)
	if err != nil {
		return err
	}
	if ledger != nil {
		defer ledger.Close()
	}

	collector := metrics.NewCollector()
	execOpts := []plugin.ExecutorOption{plugin.WithExecutorObserver(collector)}
	if ledger != nil {
		execOpts = append(execOpts, plugin.WithRecorder(mysql.NewRecorder(ledger)))
	}

	// 主题告警需要管理器当前的会话，管理器构造完成后再绑定。
	topic := &alerting.TopicNotifier{Topic: cfg.Alerting.Topic}
	notifiers := []alerting.Notifier{&alerting.LogNotifier{}}
	if !cfg.Alerting.DisableTopic {
		notifiers = append(notifiers, topic)
	}
	opts := append(builtin.Options(),
		plugin.WithManagerExecutor(plugin.NewExecutor(execOpts...)),
		plugin.WithObserver(collector),
		plugin.WithNotReadyHandler(alerting.NotReadyHandler(alerting.NewFanout(notifiers...))),
	)
	mgr, err := plugin.NewManager(cfg.Plugins, opts...)
	if err != nil {
		return err
	}
	topic.Source = mgr
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = mgr.Close(closeCtx)
	}()

	apiOpts := []api.Option{api.WithMetrics(collector, collector.Handler())}
	if ledger != nil {
		apiOpts = append(apiOpts, api.WithLedger(ledger))
	}
	server := api.NewServer(cfg.Server.Address, mgr, apiOpts...)
	go func() {
		if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error("状态 API 异常退出", slog.Any("error", err))
		}
	}()
	if cfg.Server.MetricsAddress != "" {
		go func() {
			if err := metrics.StartServer(ctx, cfg.Server.MetricsAddress, collector.Handler()); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("指标服务异常退出", slog.Any("error", err))
			}
		}()
	}

	log.Info("wampd 已启动",
		slog.String("broker", cfg.Broker.Driver),
		slog.String("ledger", cfg.Ledger.Driver),
		slog.String("address", cfg.Server.Address),
		slog.Int("plugins", len(mgr.Plugins())))

	for {
		if err := serveSession(ctx, backend, mgr, cfg.Session.Options()); err != nil {
			return err
		}
		if ctx.Err() != nil || rejoinDelay <= 0 {
			return nil
		}
		log.Info("会话已结束，准备重新加入", slog.Duration("delay", rejoinDelay))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(rejoinDelay):
		}
	}
}

// serveSession 打开会话、加入全部插件并阻塞到会话结束或上下文取消。
func serveSession(ctx context.Context, backend broker.Backend, mgr *plugin.Manager, opts broker.SessionOptions) error {
	log := logger.Named("wampd")
	session, err := backend.Open(ctx, opts)
	if err != nil {
		return fmt.Errorf("打开会话失败: %w", err)
	}
	if err := mgr.Join(ctx, session, broker.DetailsOf(session, opts)); err != nil {
		// 单个插件失败不影响其他插件，错误已经通过 OnNotReady 与告警上报。
		log.Warn("部分插件未就绪", slog.Any("error", err))
	}
	select {
	case <-session.Done():
	case <-ctx.Done():
		leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = session.Leave(leaveCtx, wamp.URISystemShutdown)
	}
	mgr.Leave()
	return nil
}

func openBackend(cfg config.BrokerConfig) (broker.Backend, error) {
	switch cfg.Driver {
	case config.BrokerMemory:
		return broker.NewRouter(), nil
	case config.BrokerRedis:
		return broker.NewRedisBackend(cfg.Redis)
	case config.BrokerRabbitMQ:
		return broker.NewRabbitMQBackend(cfg.RabbitMQ)
	default:
		return nil, fmt.Errorf("未知的会话后端: %s", cfg.Driver)
	}
}

func openLedger(ctx context.Context, cfg *config.Config) (mysql.RegistrationRepository, error) {
	switch cfg.Ledger.Driver {
	case config.LedgerNone:
		return nil, nil
	case config.LedgerMemory:
		return mysql.NewMemoryRegistrationRepository(cfg.Runtime.DataDir)
	case config.LedgerMySQL:
		return mysql.NewSQLRegistrationRepository(ctx, cfg.Ledger.MySQL)
	default:
		return nil, fmt.Errorf("未知的登记簿驱动: %s", cfg.Ledger.Driver)
	}
}

func listFactories(w io.Writer) error {
	for _, name := range builtin.Names() {
		if _, err := fmt.Fprintln(w, name); err != nil {
			return err
		}
	}
	return nil
}
