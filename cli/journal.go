package cli

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tradejournal/config"
	"tradejournal/journal"
	"tradejournal/models"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Inspect the trade journal",
	Long: `Read the CSV trade journal without starting the monitor.

Subcommands:
  recent  - List the most recent journaled trades
  stats   - Aggregate win rate, PnL and ROI

Examples:
  tradejournal journal recent -n 5
  tradejournal journal stats --file record/trading_journal.csv`,
}

var journalRecentCmd = &cobra.Command{
	Use:   "recent",
	Short: "List the most recent journaled trades, newest first",
	Args:  cobra.NoArgs,
	RunE:  runJournalRecent,
}

var journalStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show journal statistics",
	Args:  cobra.NoArgs,
	RunE:  runJournalStats,
}

var (
	journalFile  string
	recentNumber int
)

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalRecentCmd)
	journalCmd.AddCommand(journalStatsCmd)

	journalCmd.PersistentFlags().StringVarP(&journalFile, "file", "f", "", "journal CSV (default from config)")
	journalRecentCmd.Flags().IntVarP(&recentNumber, "number", "n", 10, "number of trades to show")
}

func openJournalFile() (*journal.CSVStore, error) {
	path := journalFile
	if path == "" {
		loadDotEnv()
		cfg, err := config.LoadConfig(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load configuration: %w", err)
		}
		path = cfg.Journal.CSVPath
	}
	store, err := journal.NewCSVStore(path, 0, zap.NewNop())
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	return store, nil
}

func runJournalRecent(cmd *cobra.Command, _ []string) error {
	if recentNumber <= 0 {
		return fmt.Errorf("-n must be positive")
	}
	store, err := openJournalFile()
	if err != nil {
		return err
	}
	defer store.Close()

	recs, err := store.Recent(cmd.Context(), recentNumber)
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}
	if len(recs) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No trades journaled yet")
		return nil
	}
	return writeRecords(cmd.OutOrStdout(), recs)
}

func writeRecords(out io.Writer, recs []models.TradeRecord) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tORDER\tSYMBOL\tSIDE\tLEV\tENTRY\tEXIT\tPNL\tROI\tRESULT")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\tx%g\t%g\t%g\t%g\t%s\t%s\n",
			r.Time.Format("2006-01-02 15:04:05"), r.OrderID, r.Symbol, r.Side, r.Leverage,
			r.EntryPrice, r.ExitPrice, r.PnL, journal.FormatROI(r.ROI), r.Result)
	}
	return w.Flush()
}

func runJournalStats(cmd *cobra.Command, _ []string) error {
	store, err := openJournalFile()
	if err != nil {
		return err
	}
	defer store.Close()

	stats, err := store.Stats(cmd.Context())
	if err != nil {
		return fmt.Errorf("read journal: %w", err)
	}
	return writeStats(cmd.OutOrStdout(), stats)
}

func writeStats(out io.Writer, s *journal.Statistics) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Trades\t%d\n", s.TotalTrades)
	fmt.Fprintf(w, "Wins / Losses\t%d / %d\n", s.Wins, s.Losses)
	fmt.Fprintf(w, "Win rate\t%.2f%%\n", s.WinRate)
	fmt.Fprintf(w, "Total PnL\t%.4f\n", s.TotalPnL)
	fmt.Fprintf(w, "Avg PnL\t%.4f\n", s.AvgPnL)
	fmt.Fprintf(w, "Avg ROI\t%s\n", journal.FormatROI(s.AvgROI))
	fmt.Fprintf(w, "Best / Worst PnL\t%.4f / %.4f\n", s.BestPnL, s.WorstPnL)
	fmt.Fprintf(w, "Profit factor\t%.2f\n", s.ProfitFactor)
	if s.BestSymbol != "" {
		fmt.Fprintf(w, "Best / Worst symbol\t%s / %s\n", s.BestSymbol, s.WorstSymbol)
	}

	symbols := make([]string, 0, len(s.BySymbol))
	for sym := range s.BySymbol {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	for _, sym := range symbols {
		st := s.BySymbol[sym]
		fmt.Fprintf(w, "  %s\t%d trades, win rate %.2f%%, PnL %.4f\n", sym, st.Trades, st.WinRate, st.TotalPnL)
	}
	return w.Flush()
}
