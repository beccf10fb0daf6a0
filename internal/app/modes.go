package app

import (
	"context"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/quantara-dev/perpbot/internal/blob/s3"
	"github.com/quantara-dev/perpbot/internal/domain"
	"github.com/quantara-dev/perpbot/internal/engine"
	"github.com/quantara-dev/perpbot/internal/exchange/binance"
	"github.com/quantara-dev/perpbot/internal/risk"
	"github.com/quantara-dev/perpbot/internal/server"
	"github.com/quantara-dev/perpbot/internal/server/handler"
	"github.com/quantara-dev/perpbot/internal/strategy"
)

// TradeMode runs the trading loop, the websocket mark price feed, and (when
// enabled) the trade archiver. The monitor API is not started; use full mode
// for both.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)
	if err := a.startTrading(ctx, g, deps); err != nil {
		return err
	}
	return waitGroup(g)
}

// MonitorMode serves the read-only HTTP API against the shared stores. It
// submits no orders and can run beside a trade-mode process.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)
	a.startServer(ctx, g, deps)
	return waitGroup(g)
}

// FullMode runs trading and the monitor API in one process.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	g, ctx := errgroup.WithContext(ctx)
	if err := a.startTrading(ctx, g, deps); err != nil {
		return err
	}
	a.startServer(ctx, g, deps)
	return waitGroup(g)
}

// startTrading assembles the risk engine, strategy, state machine, and
// scheduler, and launches the trading goroutines on g.
func (a *App) startTrading(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	tc := a.cfg.Trade

	riskCfg := risk.Config{
		SLPercentage:          tc.SLPercentage,
		TrailingActivationPct: tc.TrailingActivationPct,
		Filters: domain.SymbolFilters{
			StepSize:    tc.StepSize,
			MinQuantity: tc.MinQuantity,
		},
	}
	// The conservative variant trades a fixed size; the aggressive variant
	// sizes from balance and enforces a holding limit.
	if strings.ToLower(tc.Strategy) == "aggressive" {
		riskCfg.RiskPercentage = tc.RiskPercentage
		riskCfg.MaxHolding = time.Duration(tc.MaxHoldingHours) * time.Hour
	} else {
		riskCfg.FixedQuantity = tc.Quantity
	}
	riskEngine := risk.NewEngine(riskCfg, a.logger)

	strat, err := strategy.New(tc.Strategy, strategy.Params{
		RSIPeriod:       tc.RSIPeriod,
		RSIOversold:     tc.RSIOversold,
		RSIOverbought:   tc.RSIOverbought,
		BollingerPeriod: tc.BollingerPeriod,
		BollingerStdDev: tc.BollingerStdDev,
	})
	if err != nil {
		return err
	}

	machine := engine.NewMachine(
		tc.Symbol,
		deps.Gateway,
		deps.PositionStore,
		deps.TradeStore,
		riskEngine,
		deps.Notifier,
		a.logger,
	)

	scheduler := engine.NewScheduler(
		engine.SchedulerConfig{
			Symbol:            tc.Symbol,
			Interval:          tc.Interval,
			CandleLimit:       tc.CandleLimit,
			CycleInterval:     tc.CycleInterval.Duration,
			FlattenOnShutdown: tc.FlattenOnShutdown,
		},
		machine, strat, riskEngine,
		deps.Gateway, deps.StatusStore, deps.OutcomeBus, deps.PriceCache,
		a.logger,
	)

	g.Go(func() error {
		return scheduler.Run(ctx)
	})

	// Websocket mark price feed keeps the price cache fresh between cycles.
	feed := binance.NewMarkPriceFeed(deps.WsURL, tc.Symbol, func(ctx context.Context, symbol string, price float64, ts time.Time) {
		if err := deps.PriceCache.SetPrice(ctx, symbol, price, ts); err != nil {
			a.logger.Warn("price cache update failed")
		}
	}, a.logger)
	g.Go(func() error {
		return feed.Run(ctx)
	})

	if a.cfg.Archive.Enabled && deps.BlobWriter != nil {
		retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour
		archiver := s3blob.NewArchiver(deps.BlobWriter, deps.TradeStore, retention, a.logger)
		interval := a.cfg.Archive.Interval.Duration
		g.Go(func() error {
			return archiver.Run(ctx, interval)
		})
	}
	return nil
}

// startServer launches the monitor HTTP API on g, including graceful
// shutdown when ctx is cancelled.
func (a *App) startServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	if !a.cfg.Server.Enabled {
		a.logger.Info("monitor server disabled")
		return
	}

	checks := map[string]handler.Pinger{
		"postgres": pingerFunc(deps.PostgresPing),
		"redis":    pingerFunc(deps.RedisPing),
	}

	srv := server.NewServer(
		server.Config{
			Port:   a.cfg.Server.Port,
			APIKey: a.cfg.Server.APIKey,
		},
		server.Handlers{
			Health:   handler.NewHealthHandler(checks, a.logger),
			Status:   handler.NewStatusHandler(deps.StatusStore, deps.OutcomeBus, a.cfg.Mode, a.cfg.Trade.Strategy, a.cfg.Trade.Symbol, a.logger),
			Position: handler.NewPositionHandler(deps.PositionStore, deps.PriceCache, a.cfg.Trade.Symbol, a.logger),
			Trades:   handler.NewTradeHandler(deps.TradeStore, a.cfg.Trade.Symbol, a.logger),
		},
		a.logger,
	)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// waitGroup maps context cancellation to a clean exit.
func waitGroup(g *errgroup.Group) error {
	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// pingerFunc adapts a plain function to the handler.Pinger interface.
type pingerFunc func(ctx context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error {
	if f == nil {
		return nil
	}
	return f(ctx)
}
