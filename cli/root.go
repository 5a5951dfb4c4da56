package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"tradejournal/config"
)

var rootCmd = &cobra.Command{
	Use:   "tradejournal",
	Short: "Closed-trade journal monitor for Binance USDⓈ-M futures",
	Long: `tradejournal watches an exchange account for newly closed orders and
journals each one with reconstructed entry/exit prices, leverage, PnL and ROI,
a candlestick chart and an AI critique of the chart.

Examples:
  tradejournal serve --config config.yaml
  tradejournal journal recent -n 5
  tradejournal journal stats`,
	SilenceUsage: true,
}

var configFile string

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", config.DefaultFile, "config file (JSON or YAML)")
}

// newLogger production JSON or development console logger at the configured level
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log_level: %w", err)
	}

	zc := zap.NewProductionConfig()
	if cfg.LogFormat == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
