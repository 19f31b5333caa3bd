package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"

	json "github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gregtusar/papertrader/api"
	"github.com/gregtusar/papertrader/internal/config"
	"github.com/gregtusar/papertrader/pkg/binance"
	"github.com/gregtusar/papertrader/pkg/cache"
	"github.com/gregtusar/papertrader/pkg/metrics"
	"github.com/gregtusar/papertrader/pkg/models"
	"github.com/gregtusar/papertrader/pkg/secrets"
	"github.com/gregtusar/papertrader/pkg/simexchange"
	"github.com/gregtusar/papertrader/pkg/terminal"
)

var (
	cfgFile    string
	jsonOutput bool
	logger     *logrus.Logger
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "papertrader",
		Short: "Paper-trading terminal engine",
		Long:  `Streams market data, keeps positions and wallets in sync with the simulated exchange, and serves the terminal API`,
		Run:   runTerminal,
	}
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")

	positionsCmd := &cobra.Command{
		Use:   "positions",
		Short: "Print open positions with live P&L",
		Run:   runPositions,
	}
	positionsCmd.Flags().BoolVar(&jsonOutput, "json", false, "print JSON instead of a table")
	rootCmd.AddCommand(positionsCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func setup() *config.Config {
	logger = logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := config.Load(cfgFile)
	if err != nil {
		logger.WithError(err).Fatal("Failed to load configuration")
	}

	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		logger.WithError(err).Error("Invalid log level, using INFO")
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	if cfg.Logging.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.WithError(err).Fatal("Failed to open log file")
		}
		logger.SetOutput(f)
	}
	return cfg
}

// tokenSource picks the backend session token: an explicit token, a token
// file, or a GCP secret.
func tokenSource(ctx context.Context, cfg *config.Config) (simexchange.TokenSource, func(), error) {
	noop := func() {}
	switch {
	case cfg.Backend.Token != "":
		return simexchange.StaticToken(cfg.Backend.Token), noop, nil
	case cfg.Backend.TokenFile != "":
		return simexchange.NewFileToken(cfg.Backend.TokenFile), noop, nil
	case cfg.GCP.UseSecrets:
		sm, err := secrets.NewGCPSecretManager(ctx, cfg.GCP.ProjectID, logger)
		if err != nil {
			return nil, noop, fmt.Errorf("failed to create secret manager: %w", err)
		}
		closeFn := func() {
			if err := sm.Close(); err != nil {
				logger.WithError(err).Warn("Failed to close secret manager")
			}
		}
		return simexchange.NewSecretToken(sm, cfg.GCP.SecretNames.BackendToken), closeFn, nil
	default:
		return nil, noop, fmt.Errorf("no backend token configured: set backend.token, backend.token_file or gcp.use_secrets")
	}
}

func newClients(ctx context.Context, cfg *config.Config) (*simexchange.Client, *binance.RESTClient, func()) {
	tokens, closeTokens, err := tokenSource(ctx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to set up backend credentials")
	}

	backend := simexchange.NewClient(cfg.Backend.BaseURL, tokens, logger, simexchange.WithTimeout(cfg.Backend.Timeout))
	market := binance.NewRESTClient(cfg.Market.RESTURL, logger,
		binance.WithRateLimit(cfg.Market.RequestsPerSecond, cfg.Market.Burst))
	return backend, market, closeTokens
}

func runTerminal(cmd *cobra.Command, args []string) {
	cfg := setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	backend, market, closeTokens := newClients(ctx, cfg)
	defer closeTokens()

	feed := binance.NewFeed(cfg.Market.StreamURL, logger,
		binance.WithFeedMetrics(m),
		binance.WithDepthLevels(cfg.Terminal.Depth),
		binance.WithPingInterval(cfg.Feed.PingInterval))

	tc := cfg.Terminal
	reconciler := terminal.NewReconciler(backend, terminal.NewTickStore(), tc.FailureThreshold, logger, m,
		terminal.WithMarkPrices(market, tc.MarkPriceMaxAge))

	deps := terminal.SessionDeps{
		Feed:       feed,
		OrderBook:  terminal.NewOrderBook(market, tc.Symbol, tc.Depth, tc.FailureThreshold, logger, m),
		Candles:    terminal.NewCandleStore(market, tc.CandleLimit, tc.FailureThreshold, logger, m),
		Reconciler: reconciler,
		OrderEntry: terminal.NewOrderEntry(backend, reconciler, terminal.OrderEntryConfig{
			Symbol:          tc.Symbol,
			MarginAsset:     tc.MarginAsset,
			DefaultLeverage: tc.DefaultLeverage,
			MaxLeverage:     tc.MaxLeverage,
		}, logger, m),
	}

	if cfg.Cache.RedisURL != "" {
		snapshots, err := cache.NewSnapshotCache(ctx, cfg.Cache.RedisURL, cfg.Cache.TTL, logger)
		if err != nil {
			logger.WithError(err).Warn("Snapshot cache disabled")
		} else {
			defer snapshots.Close()
			deps.Publisher = snapshots
		}
	}

	session := terminal.NewSession(deps, terminal.SessionConfig{
		Symbol:            tc.Symbol,
		Interval:          tc.Interval,
		OrderBookPoll:     tc.OrderBookPoll,
		ReconcileInterval: tc.ReconcileInterval,
		StaleAfter:        cfg.Feed.StaleAfter,
		TickerRetry:       terminal.RetryPolicy{Initial: cfg.Feed.TickerBackoffMin, Max: cfg.Feed.TickerBackoffMax},
		KlineRetry:        terminal.RetryPolicy{Initial: cfg.Feed.KlineBackoffMin, Max: cfg.Feed.KlineBackoffMax},
		PublishInterval:   cfg.Feed.PublishInterval,
		FailureThreshold:  tc.FailureThreshold,
	}, logger, m)

	if err := session.Start(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to start terminal session")
	}

	apiServer := api.NewServer(session, reg, logger, strconv.Itoa(cfg.Server.Port))
	go func() {
		if err := apiServer.Start(ctx); err != nil {
			logger.WithError(err).Fatal("Failed to start API server")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.WithFields(logrus.Fields{
		"symbol":   tc.Symbol,
		"interval": tc.Interval,
		"port":     cfg.Server.Port,
	}).Info("Paper trader is running. Press Ctrl+C to stop.")

	<-sigChan
	logger.Info("Received shutdown signal")

	session.Close()
	cancel()

	logger.Info("Paper trader stopped")
}

func runPositions(cmd *cobra.Command, args []string) {
	cfg := setup()
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Backend.Timeout*3)
	defer cancel()

	backend, market, closeTokens := newClients(ctx, cfg)
	defer closeTokens()

	reconciler := terminal.NewReconciler(backend, nil, cfg.Terminal.FailureThreshold, logger, nil,
		terminal.WithMarkPrices(market, 0))
	if err := reconciler.Refresh(ctx); err != nil {
		snap := cachedSnapshot(ctx, cfg)
		if snap == nil {
			logger.WithError(err).Fatal("Failed to fetch account state")
		}
		logger.WithError(err).WithField("generated_at", snap.GeneratedAt).
			Warn("Backend unreachable, showing last cached snapshot")
		printPositions(snap.Positions, snap.Wallets)
		return
	}
	reconciler.RefreshMarks(ctx)

	printPositions(reconciler.Positions(), reconciler.Wallets())
}

// cachedSnapshot returns the last snapshot the terminal published for the
// configured symbol, or nil when there is no cache or nothing cached.
func cachedSnapshot(ctx context.Context, cfg *config.Config) *terminal.Snapshot {
	if cfg.Cache.RedisURL == "" {
		return nil
	}
	snapshots, err := cache.NewSnapshotCache(ctx, cfg.Cache.RedisURL, cfg.Cache.TTL, logger)
	if err != nil {
		logger.WithError(err).Warn("Snapshot cache unavailable")
		return nil
	}
	defer snapshots.Close()

	snap, err := snapshots.Get(ctx, cfg.Terminal.Symbol)
	if err != nil {
		logger.WithError(err).Warn("Failed to read cached snapshot")
		return nil
	}
	return snap
}

func printPositions(positions []models.PositionView, wallets []models.WalletBalance) {
	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(positions); err != nil {
			logger.WithError(err).Fatal("Failed to encode positions")
		}
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSYMBOL\tSIDE\tQTY\tENTRY\tMARK\tLEV\tMARGIN\tPNL\tPNL%")
	for _, p := range positions {
		fmt.Fprintf(w, "%d\t%s\t%s\t%g\t%.2f\t%s\t%dx\t%.2f\t%s\t%s\n",
			p.ID, p.Symbol, p.Side, p.Quantity, p.EntryPrice, formatOptional(p.MarkPrice), p.Leverage, p.MarginUsed,
			formatOptional(p.UnrealizedPnl), formatOptional(p.UnrealizedPnlPercent))
	}
	w.Flush()

	for _, wb := range wallets {
		fmt.Printf("%s balance %.4f (locked %.4f)\n", wb.Asset, wb.Balance, wb.LockedBalance)
	}
}

// formatOptional prints "-" for a figure that is still pending.
func formatOptional(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}
