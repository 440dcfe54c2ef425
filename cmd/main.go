package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"go-workflow-status/internal/application/facade"
	"go-workflow-status/internal/infrastructure/clock"
	"go-workflow-status/internal/infrastructure/config"
	"go-workflow-status/internal/infrastructure/hub"
	"go-workflow-status/internal/infrastructure/logger"
	"go-workflow-status/internal/infrastructure/poller"
	"go-workflow-status/internal/infrastructure/router"
	"go-workflow-status/internal/infrastructure/server"
	"go-workflow-status/internal/infrastructure/telemetry"
	"go-workflow-status/internal/infrastructure/transport"
	"go-workflow-status/internal/observer"
)

func main() {
	cfg, opts, err := config.Load(os.Args[0], os.Args[1:])
	if errors.Is(err, pflag.ErrHelp) {
		return
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if opts.PrintConfig {
		if err := cfg.Dump(os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	ctx := context.Background()
	sctx := WithSignal(ctx)

	log := logger.NewLogrusLogger(cfg.Logger())
	clk := clock.Real()
	metrics := telemetry.Global()

	dialer := transport.NewWebSocketDialer(nil, cfg.Backend.WriteTimeout, cfg.Backend.PongTimeout)
	conn := transport.NewConnection(transport.Options{
		URL:          cfg.Backend.WebSocketURL,
		Backoff:      cfg.Backoff(),
		DialTimeout:  cfg.Backend.DialTimeout,
		PingInterval: cfg.Backend.PingInterval,
	}, dialer, clk, log)
	topics := router.New(conn, log)

	fetcher := poller.NewHTTPFetcher(cfg.Backend.StatusURL, cfg.Poll.FetchTimeout, cfg.Poll.RatePerSec, cfg.Poll.Burst)
	engine := poller.NewEngine(fetcher, clk, cfg.PollOptions(), log, poller.WithMetrics(metrics))
	registry := observer.NewRegistry(topics, engine, clk, observer.Config{
		Resilient: cfg.Observer.Resilient,
		Poll:      cfg.PollOptions(),
		Retention: cfg.Observer.Retention,
		Metrics:   metrics,
	}, log)

	hubInstance := hub.New(log)
	if err := hubInstance.Start(ctx); err != nil {
		log.Errorf("failed to start hub: %v", err)
		return
	}

	relay := facade.NewStatusRelayApplicationService(registry, hubInstance, topics, log)
	if err := relay.Start(); err != nil {
		log.Errorf("failed to start relay: %v", err)
		return
	}

	handler := InitRouter(hubInstance, relay, log)
	httpSrv := server.NewHTTPServer(cfg.HTTP.Addr, handler)
	app := newApplication(log, httpSrv, hubInstance, relay, topics, engine, cfg.HTTP.ShutdownTimeout)
	log.Infof("status relay listening on %s, backend %s", cfg.HTTP.Addr, cfg.Backend.WebSocketURL)
	if err := app.Run(sctx); err != nil {
		log.Errorf("failed to run application: %v", err)
	}
}

type Application struct {
	logger          logger.Logger
	httpSrv         server.Server
	hub             *hub.Hub
	relay           *facade.StatusRelayApplicationService
	router          *router.Router
	poller          *poller.Engine
	shutdownTimeout time.Duration
}

func newApplication(
	logger logger.Logger,
	httpSrv *server.HTTPServer,
	hubInstance *hub.Hub,
	relay *facade.StatusRelayApplicationService,
	topics *router.Router,
	engine *poller.Engine,
	shutdownTimeout time.Duration,
) *Application {
	return &Application{
		logger:          logger.WithField("app", "status-relay"),
		httpSrv:         httpSrv,
		hub:             hubInstance,
		relay:           relay,
		router:          topics,
		poller:          engine,
		shutdownTimeout: shutdownTimeout,
	}
}

func (app *Application) Run(ctx context.Context) error {
	eg := errgroup.Group{}

	eg.Go(func() error {
		return app.httpSrv.Start(ctx)
	})

	eg.Go(func() error {
		<-ctx.Done()

		gracefulshutdownCtx, cancel := context.WithTimeout(
			context.Background(),
			app.shutdownTimeout,
		)
		defer cancel()

		// observations first so nothing is published into a stopping hub
		app.relay.Close()
		app.poller.StopAll()
		app.router.Shutdown()

		if err := app.hub.Stop(gracefulshutdownCtx); err != nil {
			app.logger.Errorf("failed to stop hub: %v", err)
		}

		return app.httpSrv.Stop(gracefulshutdownCtx)
	})

	return eg.Wait()
}

func WithSignal(pctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(pctx)

	go func() {
		sigc := make(chan os.Signal, 1)
		signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)

		<-sigc

		cancel()
	}()

	return ctx
}
