package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tradejournal/api"
	"tradejournal/chart"
	"tradejournal/config"
	"tradejournal/exchange"
	"tradejournal/journal"
	"tradejournal/mcp"
	"tradejournal/monitor"
	"tradejournal/notify"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP control surface and the closed-trade monitor",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, _ []string) error {
	loadDotEnv()

	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openJournal(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	renderer, err := chart.NewRenderer(chart.Config{
		Dir:       cfg.Chart.Dir,
		Timeframe: cfg.Chart.Timeframe,
		Candles:   cfg.Chart.Candles,
		Width:     cfg.Chart.Width,
		Height:    cfg.Chart.Height,
	}, logger.Named("chart"))
	if err != nil {
		return fmt.Errorf("failed to create chart renderer: %w", err)
	}

	critic := mcp.New(mcp.Config{
		APIKey:     cfg.AI.APIKey,
		Model:      cfg.AI.Model,
		BaseURL:    cfg.AI.BaseURL,
		Timeframe:  cfg.Chart.Describe(),
		Timeout:    cfg.AI.Timeout(),
		MaxRetries: cfg.AI.MaxRetries,
	}, logger.Named("critic"))

	notifier, err := openNotifiers(cfg, logger)
	if err != nil {
		return err
	}
	defer notifier.Close()

	var permissions monitor.PermissionChecker
	if cfg.Exchange.SkipPermissions {
		logger.Warn("⚠️ API key permission check disabled")
	} else {
		permissions = exchange.NewPermissionVerifier(cfg.Exchange.PermissionsURL, 0)
	}

	mon, err := monitor.New(monitor.Options{
		Gateways:     binanceGateways(cfg.Exchange, logger),
		Permissions:  permissions,
		Charts:       renderer,
		Critic:       critic,
		Journal:      store,
		Notifier:     notifier,
		PollInterval: cfg.PollInterval(),
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create monitor: %w", err)
	}

	server := api.NewServer(mon, store, renderer.Dir(), cfg.APIServerPort, logger.Named("api"))
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	logger.Info("✓ tradejournal ready",
		zap.Int("port", cfg.APIServerPort),
		zap.Strings("symbols", cfg.Exchange.Symbols),
		zap.String("journal", cfg.Journal.CSVPath),
		zap.Bool("ai_critique", critic.Enabled()),
		zap.Int("notifiers", notifier.Len()))

	select {
	case <-ctx.Done():
		logger.Info("📴 shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("api server failed", zap.Error(err))
			mon.Stop()
			return err
		}
	}

	mon.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("api server shutdown", zap.Error(err))
	}
	select {
	case <-mon.Done():
	case <-shutdownCtx.Done():
		logger.Warn("monitor did not stop before the shutdown deadline")
	}
	logger.Info("✅ shutdown complete")
	return nil
}

func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "⚠️  Failed to load .env file: %v\n", err)
	}
}

// openJournal CSV journal, mirrored to SQL when a driver is configured
func openJournal(ctx context.Context, cfg *config.Config, logger *zap.Logger) (journal.Store, error) {
	csvStore, err := journal.NewCSVStore(cfg.Journal.CSVPath, cfg.Journal.CacheTTL(), logger.Named("journal"))
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if cfg.Journal.SQLDriver == "" {
		return journal.NewMulti(csvStore, logger), nil
	}

	sqlStore, err := journal.NewSQLStore(ctx, cfg.Journal.SQLDriver, cfg.Journal.SQLDSN, logger.Named("journal_sql"))
	if err != nil {
		csvStore.Close()
		return nil, fmt.Errorf("failed to open sql journal: %w", err)
	}
	return journal.NewMulti(csvStore, logger, sqlStore), nil
}

func openNotifiers(cfg *config.Config, logger *zap.Logger) (*notify.Multi, error) {
	var sinks []notify.Notifier
	if cfg.Notify.TelegramBotToken != "" {
		tg, err := notify.NewTelegramNotifier(cfg.Notify.TelegramBotToken, cfg.Notify.TelegramChatID)
		if err != nil {
			return nil, fmt.Errorf("failed to create telegram notifier: %w", err)
		}
		sinks = append(sinks, tg)
		logger.Info("📣 telegram notifications enabled", zap.Int64("chat_id", cfg.Notify.TelegramChatID))
	}
	if len(cfg.Notify.KafkaBrokers) > 0 {
		kp, err := notify.NewKafkaPublisher(cfg.Notify.KafkaBrokers, cfg.Notify.KafkaTopic)
		if err != nil {
			return nil, fmt.Errorf("failed to create kafka publisher: %w", err)
		}
		sinks = append(sinks, kp)
		logger.Info("📣 kafka notifications enabled", zap.String("topic", cfg.Notify.KafkaTopic))
	}
	return notify.NewMulti(sinks...), nil
}

func binanceGateways(cfg config.ExchangeConfig, logger *zap.Logger) monitor.GatewayFactory {
	return func(ctx context.Context, creds monitor.Credentials) (exchange.Gateway, error) {
		gw, err := exchange.NewBinanceGateway(ctx, exchange.BinanceConfig{
			APIKey:            creds.APIKey,
			SecretKey:         creds.SecretKey,
			BaseURL:           cfg.BaseURL,
			Symbols:           cfg.Symbols,
			RecentFillLimit:   cfg.RecentFillLimit,
			OrderLookback:     cfg.OrderLookback,
			RequestsPerSecond: cfg.RequestsPerSecond,
		}, logger)
		if err != nil {
			return nil, err
		}
		return gw, nil
	}
}
