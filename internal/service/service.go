package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"rehoboam/internal/alerting"
	"rehoboam/internal/collector"
	"rehoboam/internal/config"
	"rehoboam/internal/detector"
	"rehoboam/internal/fetcher"
	"rehoboam/internal/inference"
	"rehoboam/internal/logging"
	"rehoboam/internal/model"
	"rehoboam/internal/orchestrator"
	"rehoboam/internal/predictor"
	"rehoboam/internal/profiler"
	"rehoboam/internal/storage"
)

// Persistence is everything the engine writes to the database.
type Persistence interface {
	storage.SnapshotStore
	storage.AlertStore
	storage.ReportStore
	storage.DivergenceStore
}

// Options carry the optional collaborators of the engine.
type Options struct {
	// Store is nil when no database is configured.
	Store Persistence
	// Locker guards the orchestrator cycle across instances.
	Locker storage.AdvisoryLocker
	// Notifier receives alert, divergence and intervention notifications.
	Notifier alerting.Notifier
	// Completer overrides the inference backend built from configuration.
	Completer inference.Completer
	// Sources replace the sources built from configuration.
	Sources []collector.Source
}

// Engine wires the five actors together.
type Engine struct {
	cfg    *config.Config
	logger zerolog.Logger

	Collector    *collector.Collector
	Profiler     *profiler.Profiler
	Detector     *detector.Detector
	Predictor    *predictor.Predictor
	Orchestrator *orchestrator.Orchestrator
	Analyzer     *inference.Analyzer
	Events       *collector.EventQueue

	sources  []collector.Source
	store    Persistence
	notifier alerting.Notifier
	channels []string
	closers  []func()
}

// New constructs the engine from configuration.
func New(cfg *config.Config, opts Options, logger zerolog.Logger) (*Engine, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	e := &Engine{
		cfg:      cfg,
		logger:   logging.Component(logger, "service"),
		store:    opts.Store,
		notifier: opts.Notifier,
		channels: cfg.Alerting.Channels,
	}
	if e.notifier == nil || !cfg.Alerting.Enabled {
		e.notifier = alerting.NewLogNotifier(logger)
	}
	e.notifier = alerting.NewThrottle(e.notifier, model.ParseSeverity(cfg.Alerting.MinSeverity), cfg.Alerting.Cooldown, logger)

	completer := opts.Completer
	if completer == nil {
		completer = BuildCompleter(cfg.Inference, logger)
	}
	e.Analyzer = inference.NewAnalyzer(completer, cfg.Inference.Timeout, logger)

	e.Profiler = profiler.New(profiler.Options{
		Interval:    cfg.Profiler.Interval,
		HistorySize: cfg.Profiler.HistorySize,
		Rules: profiler.AnomalyRules{
			Thresholds: profiler.Thresholds{
				MinRiskSamples:  cfg.Profiler.MinRiskSamples,
				MinStyleSamples: cfg.Profiler.MinStyleSamples,
				FrequencyPeriod: cfg.Profiler.FrequencyPeriod,
				AnomalyZScore:   cfg.Profiler.AnomalyZScore,
			},
			StabilityFloor:   cfg.Profiler.StabilityFloor,
			RiskShiftTrigger: cfg.Profiler.RiskShiftTrigger,
		},
	}, logger)

	e.Detector = detector.New(detector.Options{
		Interval:        cfg.Detector.Interval,
		DedupWindow:     cfg.Detector.DedupWindow,
		Rules:           DetectorRules(cfg.Detector),
		ResolvedHistory: cfg.Detector.ResolvedHistory,
		Responder:       &alertResponder{engine: e, log: detector.LogResponder{Logger: e.logger}},
	}, logger)

	e.Predictor = predictor.New(predictor.Options{
		MaxCacheTTL:      cfg.Predictor.MaxCacheTTL,
		DeadZone:         cfg.Predictor.DeadZone,
		ResearchCooldown: cfg.Predictor.ResearchCooldown,
		ResearchTimeout:  cfg.Predictor.ResearchTimeout,
		DefaultTimeframe: cfg.Predictor.DefaultTimeframe,
	}, e.Analyzer, logger)

	e.Collector = collector.New(collector.Options{
		Interval:      cfg.Collector.Interval,
		SourceTimeout: cfg.Collector.SourceTimeout,
		LogSize:       cfg.Collector.LogSize,
	}, logger)

	deps := orchestrator.Deps{
		Profiler:  e.Profiler,
		Detector:  e.Detector,
		Predictor: e.Predictor,
		Snapshots: e.Collector,
		Analyzer:  e.Analyzer,
		Observer:  &observer{engine: e},
	}
	if opts.Locker != nil && cfg.Database.AdvisoryLockKey != 0 {
		deps.Locker = opts.Locker
	}
	e.Orchestrator = orchestrator.New(orchestrator.Options{
		Interval:            cfg.Orchestrator.Interval,
		DivergenceThreshold: cfg.Orchestrator.DivergenceThreshold,
		OutcomeWindow:       cfg.Orchestrator.OutcomeWindow,
		PatternWindow:       cfg.Orchestrator.PatternWindow,
		ReportHistory:       cfg.Orchestrator.ReportHistory,
		ForecastTimeframe:   cfg.Orchestrator.ForecastTimeframe,
		EventBuffer:         cfg.Collector.EventQueue,
		LockKey:             cfg.Database.AdvisoryLockKey,
	}, deps, logger)

	e.Events = collector.NewEventQueue(cfg.Collector.EventQueue)
	e.sources = opts.Sources
	if e.sources == nil {
		e.sources = e.buildSources()
	}
	return e, nil
}

// Run runs every actor until ctx is cancelled. Sources and the snapshot sink are
// registered once the collector is serving.
func (e *Engine) Run(ctx context.Context) error {
	defer e.close()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.Profiler.Run(ctx) })
	g.Go(func() error { return e.Detector.Run(ctx) })
	g.Go(func() error { return e.Predictor.Run(ctx) })
	g.Go(func() error { return e.Orchestrator.Run(ctx) })
	g.Go(func() error { return e.Collector.Run(ctx) })
	g.Go(func() error {
		if err := e.register(ctx); err != nil {
			return err
		}
		e.logger.Info().
			Int("sources", len(e.sources)).
			Dur("collector_interval", e.cfg.Collector.Interval).
			Dur("orchestrator_interval", e.cfg.Orchestrator.Interval).
			Msg("surveillance engine started")
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (e *Engine) register(ctx context.Context) error {
	for _, src := range e.sources {
		if err := e.Collector.Register(ctx, src); err != nil {
			return fmt.Errorf("register source %s: %w", src.Name(), err)
		}
	}
	return e.Collector.AddSink(ctx, collector.SinkFunc(e.deliver))
}

// deliver fans a snapshot out to the detector, the orchestrator and storage.
func (e *Engine) deliver(snap collector.Snapshot) {
	if !e.Detector.Ingest(snap.MarketSnapshots()) {
		e.logger.Warn().Str("snapshot", snap.ID).Msg("detector inbox full; market data dropped")
	}
	e.Orchestrator.Deliver(snap)

	if e.store == nil {
		return
	}
	rec, err := storage.SnapshotFromCollector(snap)
	if err != nil {
		e.logger.Error().Err(err).Str("snapshot", snap.ID).Msg("failed to convert snapshot")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.store.InsertSnapshot(ctx, rec); err != nil {
		e.logger.Error().Err(err).Str("snapshot", snap.ID).Msg("failed to persist snapshot")
	}
}

// Trigger requests an immediate collection and analysis cycle.
func (e *Engine) Trigger() {
	e.Collector.TriggerCollection()
	e.Orchestrator.TriggerAnalysis()
}

// SubmitEvent queues a behavior event for the next collection cycle.
func (e *Engine) SubmitEvent(ev model.BehaviorEvent) error {
	return e.Events.Enqueue(ev)
}

// Feedback resolves an alert and records the resolution.
func (e *Engine) Feedback(ctx context.Context, alertID string, confirmed bool) (detector.Alert, error) {
	alert, err := e.Detector.Feedback(ctx, alertID, confirmed)
	if err != nil {
		return detector.Alert{}, err
	}
	e.persistAlert(ctx, alert)
	return alert, nil
}

func (e *Engine) persistAlert(ctx context.Context, alert detector.Alert) {
	if e.store == nil {
		return
	}
	rec, err := storage.AlertFromDetector(alert)
	if err != nil {
		e.logger.Error().Err(err).Str("alert", alert.ID).Msg("failed to convert alert")
		return
	}
	if err := e.store.UpsertAlert(ctx, rec); err != nil {
		e.logger.Error().Err(err).Str("alert", alert.ID).Msg("failed to persist alert record")
	}
}

func (e *Engine) notify(ctx context.Context, note alerting.Notification) {
	if err := e.notifier.Notify(ctx, note); err != nil {
		e.logger.Error().Err(err).Str("kind", string(note.Kind)).Str("subject", note.Subject).Msg("failed to dispatch alert")
	}
}

func (e *Engine) close() {
	for _, c := range e.closers {
		c()
	}
}

// BuildCompleter returns the OpenAI completer when inference is enabled, else Disabled.
func BuildCompleter(cfg config.InferenceConfig, logger zerolog.Logger) inference.Completer {
	if !cfg.Enabled || cfg.APIKey == "" {
		return inference.Disabled{}
	}
	return inference.NewOpenAI(inference.OpenAIOptions{
		APIKey:  cfg.APIKey,
		BaseURL: cfg.BaseURL,
		Model:   cfg.Model,
	}, logger)
}

// DetectorRules maps configuration onto detector thresholds.
func DetectorRules(cfg config.DetectorConfig) detector.Rules {
	return detector.Rules{
		VolumeThreshold:      cfg.VolumeThreshold,
		PriceThreshold:       cfg.PriceThreshold,
		PriceVolumeConfirm:   cfg.PriceVolumeConfirm,
		PumpPriceFloor:       cfg.PumpPriceFloor,
		PumpVolumeFloor:      cfg.PumpVolumeFloor,
		CoordinationAccounts: cfg.CoordinationAccounts,
		CoordinationWindow:   cfg.CoordinationWindow,
		WashRatioThreshold:   cfg.WashRatioThreshold,
		WashWindow:           cfg.WashWindow,
		SpoofSizeMultiple:    cfg.SpoofSizeMultiple,
		SpoofCancelWindow:    cfg.SpoofCancelWindow,
		SpoofCancelRatio:     cfg.SpoofCancelRatio,
	}
}

func (e *Engine) buildSources() []collector.Source {
	cfg := e.cfg
	sources := []collector.Source{e.Events}
	if cfg.Market.Enabled {
		ticker := fetcher.NewTicker(fetcher.TickerOptions{
			BaseURL:        cfg.Market.BaseURL,
			Timeout:        cfg.Market.RequestTimeout,
			RequestsPerSec: cfg.Market.RequestsPerSec,
			MaxRetryTime:   cfg.Market.MaxRetryTime,
			UserAgent:      cfg.Market.UserAgent,
		}, e.logger)
		sources = append(sources, collector.NewMarketSource(ticker, cfg.Market.Symbols, 0))
	}
	if cfg.Onchain.Enabled {
		vault := fetcher.NewVault(fetcher.VaultOptions{
			RPCURL:       cfg.Onchain.RPCURL,
			VaultAddress: cfg.Onchain.VaultAddress,
			Timeout:      cfg.Onchain.RequestTimeout,
		}, e.logger)
		e.closers = append(e.closers, vault.Close)
		sources = append(sources, collector.NewVaultSource(vault, cfg.Onchain.Symbol))
	}
	if cfg.Sentiment.Enabled {
		sources = append(sources, collector.NewSentimentSource(e.Analyzer, collector.StaticHeadlines(cfg.Sentiment.Headlines)))
	}
	return sources
}
