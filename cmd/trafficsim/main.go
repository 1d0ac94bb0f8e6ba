package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/dreamware/trafficnet/internal/api"
	"github.com/dreamware/trafficnet/internal/config"
	"github.com/dreamware/trafficnet/internal/eventlog"
	"github.com/dreamware/trafficnet/internal/logging"
	"github.com/dreamware/trafficnet/internal/simulation"
	"github.com/dreamware/trafficnet/internal/storage"
	"github.com/dreamware/trafficnet/internal/telemetry"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (default $"+config.EnvFile+")")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fx.New(newApp(cfg, clock.New())).Run()
}

// newApp wires the process: logger, log broker, simulation, API and HTTP server.
func newApp(cfg config.Config, clk clock.Clock) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(
			func() clock.Clock { return clk },
			newLogger,
		),
		fx.WithLogger(func(log *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: log.Named("fx")}
		}),
		fx.Module("trafficsim",
			fx.Provide(
				newBroker,
				newSimulation,
				newAPI,
				newHTTPServer,
			),
			fx.Invoke(registerLifecycle),
		),
	)
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	return logging.New(cfg.LogLevel, cfg.LogFormat)
}

func newBroker(cfg config.Config, clk clock.Clock, log *zap.Logger) (*eventlog.Broker, error) {
	history, err := storage.NewMemoryStore[eventlog.Entry](cfg.HistorySize)
	if err != nil {
		return nil, fmt.Errorf("log history: %w", err)
	}
	return eventlog.NewBroker(history,
		eventlog.WithClock(clk),
		eventlog.WithLogger(log.Named("events")),
	), nil
}

func newSimulation(cfg config.Config, clk clock.Clock, log *zap.Logger, broker *eventlog.Broker) (*simulation.Simulation, error) {
	return simulation.New(cfg,
		simulation.WithClock(clk),
		simulation.WithLogger(log),
		simulation.WithSink(broker),
	)
}

func newAPI(sim *simulation.Simulation, broker *eventlog.Broker, log *zap.Logger) *api.Server {
	return api.NewServer(sim, broker, log.Named("api"))
}

// server is the HTTP listener of the process.
type server struct {
	http *http.Server
	log  *zap.Logger

	mu   sync.Mutex
	addr net.Addr
}

func newHTTPServer(cfg config.Config, a *api.Server, log *zap.Logger) *server {
	return &server{
		http: &http.Server{
			Addr:              cfg.Listen,
			Handler:           a.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log.Named("http"),
	}
}

// Addr returns the bound address once started.
func (s *server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

func (s *server) start() error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.http.Addr, err)
	}
	s.mu.Lock()
	s.addr = ln.Addr()
	s.mu.Unlock()

	go func() {
		s.log.Info("listening", zap.Stringer("addr", ln.Addr()))
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("serve", zap.Error(err))
		}
	}()
	return nil
}

func (s *server) stop(ctx context.Context) error {
	err := s.http.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		err = multierr.Append(err, s.http.Close())
	}
	return err
}

type lifecycleParams struct {
	fx.In

	LC     fx.Lifecycle
	Sim    *simulation.Simulation
	Broker *eventlog.Broker
	Server *server
	Log    *zap.Logger
}

// registerLifecycle starts the simulation before the listener and stops them
// in reverse. The simulation gets its own context because the start context
// expires once startup is over.
func registerLifecycle(p lifecycleParams) {
	runCtx, cancel := context.WithCancel(context.Background())

	p.LC.Append(fx.Hook{
		OnStart: func(context.Context) error {
			telemetry.SetBuildInfo(version, p.Sim.Session())
			p.Log.Info("starting simulation", zap.String("version", version), zap.String("session", p.Sim.Session()))
			return p.Sim.Start(runCtx)
		},
		OnStop: func(context.Context) error {
			p.Sim.Stop()
			p.Broker.Close()
			cancel()
			return nil
		},
	})
	p.LC.Append(fx.Hook{
		OnStart: func(context.Context) error {
			return p.Server.start()
		},
		OnStop: func(ctx context.Context) error {
			return p.Server.stop(ctx)
		},
	})
}
