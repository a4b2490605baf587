package app

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"deal-radar/internal/alerting"
	"deal-radar/internal/analysis"
	"deal-radar/internal/config"
	"deal-radar/internal/fetcher"
	"deal-radar/internal/metrics"
	"deal-radar/internal/monitor"
	"deal-radar/internal/prediction"
	"deal-radar/internal/scoring"
	"deal-radar/internal/service"
	"deal-radar/internal/storage"
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

func (a *App) newFetcher() fetcher.PriceFetcher {
	return fetcher.NewSearch(fetcher.SearchOptions{
		BaseURL:   a.Config.Source.BaseURL,
		APIKey:    a.Config.Source.APIKey,
		Timeout:   a.Config.Source.RequestTimeout,
		UserAgent: a.Config.Source.UserAgent,
	}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	cfg := a.Config.Alerting

	var notifiers []alerting.Notifier
	if cfg.Telegram.Enabled {
		notifiers = append(notifiers, alerting.NewTelegramNotifier(
			cfg.Telegram.BotToken, cfg.Telegram.ChatID, cfg.Telegram.APIBase, 10*time.Second, a.Logger))
	}
	if cfg.Slack.Enabled {
		notifiers = append(notifiers, alerting.NewSlackNotifier(
			cfg.Slack.WebhookURL, cfg.Slack.Channel, cfg.Slack.Username, cfg.Slack.IconEmoji, 10*time.Second, a.Logger))
	}
	if cfg.Email.Enabled {
		notifiers = append(notifiers, alerting.NewEmailNotifier(cfg.Email, a.Logger))
	}

	switch len(notifiers) {
	case 0:
		return nil
	case 1:
		return notifiers[0]
	default:
		return alerting.NewMulti(a.Logger, notifiers...)
	}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) requireStore(ctx context.Context) (*storage.Store, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, errors.New("database.dsn not configured")
	}
	return store, closeStore, nil
}

func (a *App) newRunner(store *storage.Store, pf fetcher.PriceFetcher, notifier alerting.Notifier) (*service.Runner, *prediction.Engine) {
	engine := prediction.NewEngine(a.Config.Prediction, a.Config.Analysis, a.Logger)
	runner := service.NewRunner(
		a.Config,
		pf,
		service.Stores{Products: store, Samples: store, Alerts: store, Predictions: store},
		analysis.NewAnalyzer(a.Config.Analysis),
		scoring.NewScorer(a.Config.Scoring),
		engine,
		notifier,
		a.Logger,
	)
	return runner, engine
}

// Run executes the long-running monitoring loop.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.requireStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if key := a.Config.Monitor.AdvisoryLockKey; key != 0 {
		unlock, acquired, lockErr := store.TryAdvisoryLock(ctx, key)
		if lockErr != nil {
			return lockErr
		}
		if !acquired {
			return errors.New("advisory lock held elsewhere; another instance is running")
		}
		defer unlock()
	}

	notifier := a.newNotifier()
	if notifier == nil {
		a.Logger.Warn().Msg("no alert channel configured; alerts will only be persisted")
	}

	runner, _ := a.newRunner(store, a.newFetcher(), notifier)

	mon := monitor.New(monitor.Options{
		Config:     a.Config.Monitor,
		Products:   runner,
		Check:      runner.CheckProduct,
		Status:     store.UpdateProductStatus,
		OnDegraded: runner.EmitDegraded,
	}, a.Logger)

	var stopMetrics func(context.Context) error
	if a.Config.Metrics.Enabled {
		stopMetrics = metrics.Serve(a.Config.Metrics.ListenAddr, a.Logger)
	}

	var maintenance *cron.Cron
	if a.Config.Maintenance.Enabled {
		maintenance = cron.New()
		_, cronErr := maintenance.AddFunc(a.Config.Maintenance.CronSpec, func() {
			if err := a.runMaintenance(context.Background(), store); err != nil {
				a.Logger.Error().Err(err).Msg("maintenance run failed")
			}
		})
		if cronErr != nil {
			return fmt.Errorf("schedule maintenance: %w", cronErr)
		}
		maintenance.Start()
		defer maintenance.Stop()
	}

	a.Logger.Info().
		Dur("tick_interval", a.Config.Monitor.TickInterval).
		Int("max_concurrent_checks", a.Config.Monitor.MaxConcurrentChecks).
		Msg("starting monitoring loop")

	ticker := time.NewTicker(a.Config.Monitor.TickInterval)
	defer ticker.Stop()

	if err := mon.Tick(ctx, time.Now()); err != nil {
		a.Logger.Error().Err(err).Msg("tick failed")
	}

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case now := <-ticker.C:
			if err := mon.Tick(ctx, now); err != nil {
				a.Logger.Error().Err(err).Msg("tick failed")
			}
		}
	}

	a.Logger.Info().Msg("draining in-flight checks")
	if err := mon.Shutdown(true); err != nil {
		a.Logger.Warn().Err(err).Msg("shutdown drain incomplete")
	}

	if stopMetrics != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := stopMetrics(shutdownCtx); err != nil {
			a.Logger.Warn().Err(err).Msg("metrics shutdown failed")
		}
	}

	a.Logger.Info().Msg("monitoring loop stopped")
	return nil
}

// runMaintenance prunes samples and alerts past the retention window.
func (a *App) runMaintenance(ctx context.Context, store *storage.Store) error {
	cutoff := time.Now().UTC().AddDate(0, 0, -a.Config.Maintenance.RetentionDays)

	removed, err := store.DeleteSamplesBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("prune samples: %w", err)
	}
	if err := store.DeleteAlertsBefore(ctx, cutoff); err != nil {
		return fmt.Errorf("prune alerts: %w", err)
	}

	a.Logger.Info().Time("cutoff", cutoff).Int64("samples_removed", removed).Msg("maintenance complete")
	return nil
}

// ExportOptions hold parameters for exporting a product's history.
type ExportOptions struct {
	ProductID string
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	ProductID string
	Limit     int
}

// PredictOptions configure the predict command.
type PredictOptions struct {
	ProductID string
	Horizon   int
}
