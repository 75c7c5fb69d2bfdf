package app

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/mevengine/internal/chainfeed"
	"github.com/alanyoungcy/mevengine/internal/domain"
	"github.com/alanyoungcy/mevengine/internal/engine"
	"github.com/alanyoungcy/mevengine/internal/notify"
	"github.com/alanyoungcy/mevengine/internal/risk"
	"github.com/alanyoungcy/mevengine/internal/server"
	"github.com/alanyoungcy/mevengine/internal/server/handler"
	"github.com/alanyoungcy/mevengine/internal/server/ws"
)

// shutdownGrace bounds the HTTP server's graceful shutdown.
const shutdownGrace = 10 * time.Second

// EngineMode runs detection, scheduling and execution, plus the API when
// enabled. dryRun routes every submission through bundle simulation.
func (a *App) EngineMode(ctx context.Context, deps *Dependencies, dryRun bool) error {
	started := time.Now()
	p, err := a.buildPipeline(ctx, deps, dryRun)
	if err != nil {
		return err
	}
	defer p.close()
	defer p.coordinator.Wait()

	mode := ModeEngine
	if dryRun {
		mode = ModeDryRun
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, run := range p.runners {
		g.Go(func() error { return run(gctx) })
	}
	g.Go(func() error { return deps.Events.Run(gctx) })
	if deps.Notifier.Enabled() {
		fwd := notify.NewForwarder(deps.Events, deps.Notifier, a.logger)
		g.Go(func() error { return fwd.Run(gctx) })
	}
	g.Go(func() error { return p.engine.Run(gctx) })
	g.Go(func() error { return a.housekeeping(gctx, p.engine, deps) })

	if a.cfg.Server.Enabled {
		hub := ws.NewHub(ws.StreamSource{Stream: deps.Events, Buffer: 256}, a.cfg.Server.CORSOrigins, a.logger, ws.Config{
			Mode:      mode,
			StartedAt: started,
			Status:    a.hubStatus(mode, started, p.engine.GetPortfolioState, deps),
		})
		srv := a.server(p.engine, p.engine.GetPortfolioState, p.feeds.Statuses, hub, deps, mode)
		g.Go(func() error { return hub.Run(gctx) })
		g.Go(func() error { return srv.Serve(gctx, shutdownGrace) })
	}

	a.logger.Info("app: engine running", slog.String("mode", mode))
	return g.Wait()
}

// APIMode serves queries and control without detecting. Portfolio reads go
// to the store so a separate engine process's commits stay visible.
func (a *App) APIMode(ctx context.Context, deps *Dependencies) error {
	started := time.Now()
	api := &apiEngine{open: func(ctx context.Context) (*engine.Engine, error) {
		return a.queryEngine(ctx, deps)
	}}
	eng, err := api.open(ctx)
	if err != nil {
		return err
	}
	api.Engine = eng
	api.state = storeState(ctx, deps.Portfolio, eng.GetPortfolioState, a.logger)

	var source ws.Source = ws.StreamSource{Stream: deps.Events, Buffer: 256}
	if deps.SignalBus != nil {
		source = ws.BusSource{Bus: deps.SignalBus, Logger: a.logger}
	}
	hub := ws.NewHub(source, a.cfg.Server.CORSOrigins, a.logger, ws.Config{
		Mode:      ModeAPI,
		StartedAt: started,
		Status:    a.hubStatus(ModeAPI, started, api.state, deps),
	})
	srv := a.server(api, api.state, nil, hub, deps, ModeAPI)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return deps.Events.Run(gctx) })
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return srv.Serve(gctx, shutdownGrace) })

	a.logger.Info("app: api running", slog.Int("port", a.cfg.Server.Port))
	return g.Wait()
}

// queryEngine builds an engine over the stores only, with the portfolio
// loaded fresh from its store.
func (a *App) queryEngine(ctx context.Context, deps *Dependencies) (*engine.Engine, error) {
	assessor := risk.NewAssessor(usdPairs(a.cfg.Chains))
	portfolio, err := risk.LoadPortfolio(ctx, deps.Portfolio, assessor, riskLimits(a.cfg.Risk), a.logger)
	if err != nil {
		return nil, err
	}
	return engine.New(engine.Config{}, engine.Deps{
		Assessor:      assessor,
		Portfolio:     portfolio,
		Opportunities: deps.Opportunities,
		Audit:         deps.Audit,
		Events:        deps.Events,
		Metrics:       deps.Metrics,
		Logger:        a.logger,
	})
}

// apiEngine serves queries from a long-lived engine and applies each
// control operation to a portfolio reloaded from the store, so the version
// check sees what a separate engine process committed.
type apiEngine struct {
	*engine.Engine
	open  func(ctx context.Context) (*engine.Engine, error)
	state func() domain.PortfolioState
}

func (e *apiEngine) GetPortfolioState() domain.PortfolioState { return e.state() }

func (e *apiEngine) Halt(ctx context.Context, caller string) (bool, error) {
	fresh, err := e.open(ctx)
	if err != nil {
		return false, err
	}
	return fresh.Halt(ctx, caller)
}

func (e *apiEngine) Resume(ctx context.Context, caller string) (bool, error) {
	fresh, err := e.open(ctx)
	if err != nil {
		return false, err
	}
	return fresh.Resume(ctx, caller)
}

func (e *apiEngine) UpdateRiskLimits(ctx context.Context, caller string, limits domain.RiskLimits) (bool, error) {
	fresh, err := e.open(ctx)
	if err != nil {
		return false, err
	}
	return fresh.UpdateRiskLimits(ctx, caller, limits)
}

// storeState reads the persisted portfolio, falling back to fallback when
// the store cannot be read.
func storeState(ctx context.Context, store domain.PortfolioStore, fallback func() domain.PortfolioState, logger *slog.Logger) func() domain.PortfolioState {
	return func() domain.PortfolioState {
		lctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		state, err := store.Load(lctx)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				logger.Warn("app: portfolio read failed", slog.String("error", err.Error()))
			}
			return fallback()
		}
		return state
	}
}

func (a *App) hubStatus(mode string, started time.Time, state func() domain.PortfolioState, deps *Dependencies) func() ws.Status {
	return func() ws.Status {
		return ws.Status{
			Mode:          mode,
			UptimeSeconds: int64(time.Since(started).Seconds()),
			TradingHalted: state().TradingHalted,
			LastSeq:       deps.Events.Seq(),
		}
	}
}

// controlEngine is what the server needs from the engine.
type controlEngine interface {
	handler.StatusSource
	handler.OpportunityQuerier
	handler.Controller
}

func (a *App) server(eng controlEngine, state func() domain.PortfolioState, feeds func() []chainfeed.FeedStatusView, hub *ws.Hub, deps *Dependencies, mode string) *server.Server {
	handlers := server.Handlers{
		Health:        handler.NewHealthHandler(eng, feeds, deps.Probes, mode, a.logger),
		Opportunities: handler.NewOpportunityHandler(eng, a.logger),
		Portfolio:     handler.NewPortfolioHandler(state),
		Control:       handler.NewControlHandler(eng, a.logger),
		Events:        handler.NewEventsHandler(deps.Events),
	}
	if deps.Audit != nil {
		handlers.Audit = handler.NewAuditHandler(deps.Audit, a.logger)
	}
	if deps.BlobReader != nil {
		handlers.Archive = handler.NewArchiveHandler(deps.BlobReader, a.logger)
	}
	return server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		JWTSecret:   a.cfg.Server.JWTSecret,
		RateLimit:   a.cfg.Server.RateLimit,
	}, handlers, server.Options{
		Hub:      hub,
		Limiter:  deps.RateLimiter,
		Gatherer: deps.Registry,
	}, a.logger)
}
