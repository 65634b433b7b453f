package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"dhan-tracker/internal/broker"
	"dhan-tracker/internal/config"
	apperrors "dhan-tracker/internal/errors"
	"dhan-tracker/internal/notify"
	"dhan-tracker/internal/quote"
	"dhan-tracker/internal/resilience"
	"dhan-tracker/internal/security"
	"dhan-tracker/internal/store"
	"dhan-tracker/internal/stream"
	"dhan-tracker/internal/trading"
)

// App holds the application dependencies. Fields left nil are built from
// Config on first use.
type App struct {
	Config    *config.Config
	ConfigDir string
	Logger    zerolog.Logger

	Store       store.DataStore
	Credentials security.CredentialStore
	Audit       *security.AuditLogger
	Notifier    *notify.MultiNotifier
	Breakers    *resilience.Registry
	Events      *stream.Hub

	Gateway    broker.Gateway
	Quotes     quote.Provider
	History    quote.Provider
	Reconciler *trading.Reconciler
	Monitor    *trading.TriggerMonitor
}

// NewApp creates an App that loads everything lazily.
func NewApp(logger zerolog.Logger) *App {
	return &App{Logger: logger}
}

// loadConfig reads configuration unless it was injected.
func (a *App) loadConfig() error {
	if a.Config != nil {
		return nil
	}
	cfg, err := config.Load(a.ConfigDir)
	if err != nil {
		return err
	}
	a.Config = cfg
	return nil
}

// connect builds the broker, quote and persistence stack.
func (a *App) connect(ctx context.Context) error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	cfg := a.Config

	if err := a.openStore(); err != nil {
		return err
	}
	if a.Credentials == nil {
		a.Credentials = a.credentialStore()
	}

	if a.Audit == nil && cfg.Security.AuditEnabled {
		auditCfg := security.DefaultAuditConfig()
		if cfg.Security.AuditDir != "" {
			auditCfg.LogDir = cfg.Security.AuditDir
		}
		audit, err := security.NewAuditLogger(auditCfg)
		if err != nil {
			a.Logger.Warn().Err(err).Msg("Audit log unavailable")
		} else {
			a.Audit = audit
		}
	}

	if a.Notifier == nil {
		a.Notifier = notify.NewMultiNotifier(&cfg.Notifications)
	}
	if a.Breakers == nil {
		a.Breakers = resilience.NewRegistry(resilience.DefaultCircuitBreakerConfig())
	}
	if a.Events == nil {
		a.Events = stream.NewHub(a.Logger)
	}

	if a.Gateway == nil {
		g, err := a.buildGateway(ctx)
		if err != nil {
			return err
		}
		a.Gateway = g
	}
	if a.Quotes == nil {
		a.Quotes, a.History = a.buildQuotes(ctx)
	}

	if a.Reconciler == nil {
		r := trading.NewReconciler(a.Gateway, a.Quotes, cfg.OrchestratorConfig(), a.Logger).
			WithAudit(a.Audit)
		if a.History != nil {
			r = r.WithHistory(a.History)
		}
		var runs trading.RunRecorder
		if a.Store != nil {
			runs = a.Store
		}
		a.Reconciler = r.WithRecorder(stream.RecordPasses(a.Events, runs))
	}

	if a.Monitor == nil {
		var triggers trading.TriggerStore
		if a.Store != nil {
			triggers = a.Store
		}
		sink := stream.TapTriggers(a.Events, trading.NewSink(triggers, a.Notifier, a.Logger))
		a.Monitor = trading.NewTriggerMonitor(a.Gateway, triggers, sink, cfg.Protection.Strategy, a.Logger)
	}

	return nil
}

// openStore opens the SQLite database. A store that cannot be opened is
// logged and left nil; history and token persistence are then unavailable.
func (a *App) openStore() error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	if a.Store != nil || a.Config.Store.DBPath == "" {
		return nil
	}
	db, err := store.NewSQLiteStore(a.Config.Store.DBPath)
	if err != nil {
		a.Logger.Warn().Err(err).Msg("Failed to initialize store, history and token persistence unavailable")
		return nil
	}
	a.Store = db
	a.Logger.Debug().Str("path", a.Config.Store.DBPath).Msg("SQLite store initialized")
	return nil
}

// credentialStore layers the database over the environment and the
// credentials file, so a renewed token wins over the one it replaced.
func (a *App) credentialStore() security.CredentialStore {
	fromFile := security.NewMemoryStore()
	creds := a.Config.Credentials
	for name, value := range map[string]string{
		security.DhanAccessToken:    creds.Dhan.AccessToken,
		security.UpstoxAccessToken:  creds.Upstox.AccessToken,
		security.ZerodhaAccessToken: creds.Zerodha.AccessToken,
	} {
		if value != "" {
			_ = fromFile.SetToken(context.Background(), security.Token{Name: name, Value: value})
		}
	}

	var layers []security.CredentialStore
	if a.Store != nil {
		layers = append(layers, a.Store)
	} else {
		layers = append(layers, security.NewMemoryStore())
	}
	layers = append(layers, security.DefaultEnvStore(), fromFile)
	return security.NewLayeredStore(layers...)
}

func (a *App) token(ctx context.Context, name string) string {
	t, err := a.Credentials.GetToken(ctx, name)
	if err != nil {
		return ""
	}
	return t.Value
}

func (a *App) buildGateway(ctx context.Context) (broker.Gateway, error) {
	cfg := a.Config
	if cfg.IsPaperMode() {
		paper := broker.NewPaperGateway()
		live, err := a.liveGateway(ctx)
		if err != nil {
			a.Logger.Warn().Err(err).Msg("Paper mode without broker credentials: starting from an empty book")
			return paper, nil
		}
		if err := seedPaper(ctx, paper, live); err != nil {
			a.Logger.Warn().Err(err).Msg("Failed to copy the live portfolio into paper mode")
		}
		a.Logger.Info().Str("source", live.Name()).Msg("Paper gateway seeded from live portfolio")
		return paper, nil
	}
	return a.liveGateway(ctx)
}

func (a *App) liveGateway(ctx context.Context) (broker.Gateway, error) {
	cfg := a.Config
	switch cfg.Trading.Broker {
	case "zerodha":
		return broker.NewZerodhaGateway(broker.ZerodhaConfig{
			APIKey:            cfg.Credentials.Zerodha.APIKey,
			APISecret:         cfg.Credentials.Zerodha.APISecret,
			AccessToken:       a.token(ctx, security.ZerodhaAccessToken),
			Timeout:           cfg.HTTP.Timeout,
			RequestsPerSecond: cfg.HTTP.RequestsPerSecond,
		}, a.Logger)
	case "dhan", "":
		return broker.NewDhanGateway(broker.DhanConfig{
			BaseURL:           cfg.HTTP.DhanBaseURL,
			ClientID:          cfg.Credentials.Dhan.ClientID,
			AccessToken:       a.token(ctx, security.DhanAccessToken),
			Timeout:           cfg.HTTP.Timeout,
			RequestsPerSecond: cfg.HTTP.RequestsPerSecond,
		}, a.Logger)
	}
	return nil, apperrors.NewConfigurationError("trading.broker", fmt.Sprintf("unknown broker %q", cfg.Trading.Broker))
}

// buildQuotes returns the last-price chain and the history provider. Every
// upstream runs behind its own circuit breaker.
func (a *App) buildQuotes(ctx context.Context) (quote.Provider, quote.Provider) {
	cfg := a.Config
	guard := func(p quote.Provider) quote.Provider {
		return quote.Guard(p, a.Breakers.Get(p.Name()).WithTripFilter(quoteOutage))
	}

	upstox := guard(quote.NewUpstoxProvider(cfg.HTTP.UpstoxBaseURL, a.token(ctx, security.UpstoxAccessToken), cfg.HTTP.Timeout, a.Logger))
	chain := quote.FirstSuccess(
		guard(quote.NewBrokerFeed(a.Gateway)),
		guard(quote.NewNSEProvider(cfg.HTTP.NSEBaseURL, cfg.HTTP.Timeout, a.Logger)),
		upstox,
	)
	return chain, upstox
}

// quoteOutage reports whether a quote failure says something about the
// upstream rather than the instrument or the caller.
func quoteOutage(err error) bool {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, apperrors.ErrSymbolNotFound),
		errors.Is(err, apperrors.ErrUnsupported):
		return false
	}
	return true
}

// seedPaper copies holdings, prices and resting protection from a live
// account into a paper book.
func seedPaper(ctx context.Context, paper *broker.PaperGateway, live broker.Gateway) error {
	holdings, err := live.ListHoldings(ctx)
	if err != nil {
		return err
	}
	for _, h := range holdings {
		paper.SetHolding(h)
	}

	prices, err := live.LastPrices(ctx, holdings)
	if err != nil {
		return err
	}
	for id, p := range prices {
		paper.SetPrice(id, p)
	}

	orders, err := live.ListStopOrders(ctx)
	if err != nil {
		return err
	}
	for _, o := range orders {
		if o.IsProtective() {
			paper.AddStopOrder(o)
		}
	}
	return nil
}

// Close releases the store and the audit log.
func (a *App) Close() error {
	var errs []error
	if a.Audit != nil {
		errs = append(errs, a.Audit.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	return errors.Join(errs...)
}
