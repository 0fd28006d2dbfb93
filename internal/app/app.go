package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"fairwatch/internal/alerting"
	"fairwatch/internal/api"
	"fairwatch/internal/bus"
	"fairwatch/internal/config"
	"fairwatch/internal/detector"
	"fairwatch/internal/ingest"
	"fairwatch/internal/normalize"
	"fairwatch/internal/rollup"
	"fairwatch/internal/seedsource"
	"fairwatch/internal/service"
	"fairwatch/internal/session"
	"fairwatch/internal/storage"
	"fairwatch/internal/storage/postgres"
	"fairwatch/internal/storage/sqlite"
	"fairwatch/internal/trust"
	"fairwatch/internal/version"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
	}
	return nil
}

// openStore opens the configured backend and applies its migrations.
func (a *App) openStore(ctx context.Context) (storage.Store, func(), error) {
	switch a.Config.Storage.Driver {
	case "postgres":
		pool, err := postgres.NewPool(ctx, a.Config.Storage)
		if err != nil {
			return nil, nil, err
		}
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, err
		}
		store := postgres.NewStore(pool)
		return store, func() { store.Close() }, nil
	default:
		store, err := sqlite.Open(ctx, a.Config.Storage.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	}
}

func (a *App) detectorOptions() detector.Options {
	c := a.Config.Detector
	gradeOpts := detector.DefaultGraderOptions()
	if c.ClusterWindow > 0 {
		gradeOpts.ClusterWindow = c.ClusterWindow
	}
	if c.ClusterWinMultiple > 0 {
		gradeOpts.WinMultiple = c.ClusterWinMultiple
	}
	if c.ClusterDensity > 0 {
		gradeOpts.DensityTrigger = c.ClusterDensity
	}
	if c.MinTaggedForSkew > 0 {
		gradeOpts.MinSkewSample = c.MinTaggedForSkew
	}
	return detector.Options{
		WindowSize:        c.WindowSize,
		MinSpins:          c.MinSpins,
		BaselineRTP:       c.BaselineRTP,
		RtpHighDrift:      c.RtpHighDrift,
		RtpLowDrift:       c.RtpLowDrift,
		VolHighRatio:      c.VolHighRatio,
		VolLowRatio:       c.VolLowRatio,
		RuleBreakingScore: c.RuleBreakingScore,
		SnapshotWindow:    time.Duration(c.SnapshotWindowHours) * time.Hour,
		Grader:            detector.NewDefaultGrader(gradeOpts),
	}
}

func (a *App) newDetector(store storage.Store) *detector.Detector {
	return detector.New(a.detectorOptions(), detector.Stores{Outcomes: store, Snapshots: store, Anomalies: store}, a.Logger)
}

func (a *App) newAlertManager() *alerting.Manager {
	c := a.Config.Alerting
	return alerting.NewManager(alerting.Options{
		Cooldown:          c.Cooldown,
		DedupWindow:       c.DedupWindow,
		HistoryRetention:  c.HistoryRetention,
		MultiWindow:       c.MultiWindow,
		MultiCount:        c.MultiCount,
		CriticalThreshold: c.CriticalThreshold,
	}, a.Logger)
}

func (a *App) newRollup(pub bus.Publisher) *rollup.Aggregator {
	return rollup.New(rollup.Options{Dir: a.Config.Rollup.Dir, SnapshotInterval: a.Config.Rollup.SnapshotInterval}, pub, a.Logger)
}

// newScorer builds the trust engines and restores them from the store.
// Overrides force a rollup snapshot when an aggregator is given.
func (a *App) newScorer(ctx context.Context, store storage.TrustStore, pub bus.Publisher, agg *rollup.Aggregator) (*trust.Scorer, error) {
	opts := trust.ScorerOptions{}
	if agg != nil {
		opts.OnOverride = agg.ForceSnapshot
	}
	scorer := trust.NewScorer(a.Config.Trust, opts, store, pub, a.Logger)
	if err := scorer.Load(ctx); err != nil {
		return nil, fmt.Errorf("load trust records: %w", err)
	}
	return scorer, nil
}

func (a *App) newSeedSource() seedsource.Source {
	c := a.Config.Chain
	switch {
	case c.RPCURL != "":
		return seedsource.NewBlockHashSource(seedsource.ChainOptions{RPCURL: c.RPCURL, Timeout: c.RequestTimeout}, a.Logger)
	case c.RevealBaseURL != "":
		ua := c.UserAgent
		if ua == "" {
			ua = version.UserAgent()
		}
		return seedsource.NewRevealFetcher(seedsource.RevealOptions{BaseURL: c.RevealBaseURL, Timeout: c.RequestTimeout, UserAgent: ua}, a.Logger)
	}
	return nil
}

// Run executes the long-running ingestion and scoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	admitter, err := session.NewAdmitter(session.Options{
		PublicKey:     a.Config.Session.PublicKey,
		AllowUnsigned: a.Config.Session.AllowUnsigned,
		Production:    a.Config.App.IsProduction(),
	}, a.Logger)
	if err != nil {
		return err
	}

	events := bus.New(a.Logger)
	agg := a.newRollup(events)
	agg.Subscribe(events)

	scorer, err := a.newScorer(ctx, store, events, agg)
	if err != nil {
		return err
	}
	scorer.Subscribe(events)

	if notifier := a.newNotifier(); notifier != nil {
		alerting.Forward(events, notifier, a.Logger)
	} else {
		a.Logger.Warn().Msg("no notification channel configured; escalations are only logged")
	}

	det := a.newDetector(store)
	alerts := a.newAlertManager()
	normalizer := normalize.New(normalize.DefaultRegistry(), normalize.Options{WinCeiling: a.Config.Ingest.WinCeiling}, a.Logger)
	pipeline := ingest.NewPipeline(admitter, normalizer, store, det, alerts, events,
		ingest.Options{WriteRetries: a.Config.Ingest.WriteRetries, RetryBackoff: a.Config.Ingest.RetryBackoff}, a.Logger)
	stream := ingest.NewStreamHandler(pipeline, ingest.StreamOptions{
		ReadTimeout:     a.Config.Ingest.ReadTimeout,
		WriteDeadline:   a.Config.Ingest.WriteDeadline,
		MaxMessageBytes: a.Config.Ingest.MaxMessageKB << 10,
	}, a.Logger)

	source := a.newSeedSource()
	if chain, ok := source.(*seedsource.BlockHashSource); ok {
		defer chain.Close()
	}

	mode := gin.DebugMode
	if a.Config.App.IsProduction() {
		mode = gin.ReleaseMode
	}
	router := api.New(api.Deps{
		Pipeline:  pipeline,
		Stream:    stream,
		Admitter:  admitter,
		Auditor:   seedsource.NewAuditor(store, source, a.Logger),
		Scorer:    scorer,
		Alerts:    alerts,
		Bus:       events,
		Anomalies: store,
		Seeds:     store,
	}, a.Logger).Router(api.Options{Pprof: a.Config.Server.Pprof, Mode: mode})

	srv := &http.Server{Addr: a.Config.Server.Addr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}
	svc := service.New(a.Config, service.Deps{
		Scorer:   scorer,
		Rollup:   agg,
		Detector: det,
		Pipeline: pipeline,
		Admitter: admitter,
		Locker:   locker,
	}, a.Logger)

	var wg sync.WaitGroup
	errc := make(chan error, 1)
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.Logger.Info().Str("addr", srv.Addr).Msg("http listener starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- fmt.Errorf("http server: %w", err)
			cancel()
		}
	}()
	go func() {
		defer wg.Done()
		if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			a.Logger.Error().Err(err).Msg("service terminated with error")
		}
	}()

	<-ctx.Done()
	shutdownCtx, stop := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.Logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	wg.Wait()

	select {
	case err := <-errc:
		return err
	default:
	}
	a.Logger.Info().Msg("fairwatch stopped")
	return nil
}

// ExportOptions hold parameters for exporting metric snapshots.
type ExportOptions struct {
	Casino    string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Casino string
	What   string
	Limit  int
}

// ImportOptions configure a CSV import.
type ImportOptions struct {
	Path   string
	Casino string
	DryRun bool
}

// RecomputeOptions configure snapshot recomputation.
type RecomputeOptions struct {
	Casino string
	From   time.Time
	To     time.Time
}
