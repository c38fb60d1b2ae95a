package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/nexora/kit/admin"
	"github.com/nexora/kit/auth"
	"github.com/nexora/kit/config"
	"github.com/nexora/kit/health"
	"github.com/nexora/kit/observe"
	"github.com/nexora/kit/resilience"
)

const shutdownTimeout = 10 * time.Second

// NewServeCmd creates the serve command.
func NewServeCmd() *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve health, metrics and the admin API",
		Long: `serve applies the configuration to a policy registry and exposes
/healthz, /readyz, /health and /metrics. With admin.enabled it also serves
the /resilience admin API. The file is reloaded when it changes or on SIGHUP.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Admin.Addr
			}
			return runServe(cmd.Context(), cfg, addr, cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default admin.addr)")
	return cmd
}

// server is the wired server state behind serve.
type server struct {
	registry *resilience.Registry
	observer observe.Observer
	logger   observe.Logger
	watcher  *config.Watcher
	breakers *health.BreakerChecker
	gauges   metric.Registration
	handler  http.Handler
}

// newServer builds the registry, telemetry and HTTP handler for cfg. When
// path is set the file is watched and reloaded.
func newServer(ctx context.Context, cfg *config.Config, path string, logOut io.Writer) (*server, error) {
	promReg := prometheus.NewRegistry()
	obs, err := observe.NewObserver(ctx, cfg.Observe,
		observe.WithPrometheusRegisterer(promReg),
		observe.WithLogWriter(logOut),
	)
	if err != nil {
		return nil, fmt.Errorf("observability: %w", err)
	}
	rt := &server{observer: obs, logger: obs.Logger()}

	_, metrics, err := observe.MiddlewareFromObserver(obs)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}
	rt.registry = resilience.NewRegistry(resilience.WithEventSink(resilience.MultiSink{
		observe.NewLogSink(rt.logger),
		metrics,
	}))
	if rt.gauges, err = observe.ObserveBreakers(metrics, rt.registry); err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}

	rt.breakers = health.NewBreakerChecker(rt.registry, health.WithCritical(cfg.Health.Critical...))
	applier := config.NewApplier(rt.registry, errorCatalog())

	var reload func(context.Context) error
	if path != "" {
		rt.watcher, err = config.NewWatcher(path, applier, config.WithLogger(rt.logger))
		if err != nil {
			_ = rt.Close(ctx)
			return nil, err
		}
		reload = func(context.Context) error { return rt.watcher.Reload() }
	} else if _, err := applier.Apply(cfg); err != nil {
		_ = rt.Close(ctx)
		return nil, err
	}

	agg := health.NewAggregator(health.AggregatorConfig{Timeout: cfg.Health.Timeout})
	agg.Register(rt.breakers.Name(), rt.breakers)

	mux := http.NewServeMux()
	health.RegisterHandlers(mux, agg)
	mux.Handle("GET /metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))

	if cfg.Admin.Enabled {
		key, err := signingKey(ctx, cfg)
		if err != nil {
			_ = rt.Close(ctx)
			return nil, fmt.Errorf("admin signing key: %w", err)
		}
		opts := []admin.Option{
			admin.WithLogger(rt.logger),
			admin.WithAuth(
				auth.NewJWTAuthenticator(jwtConfig(cfg), auth.NewStaticKeyProvider(key)),
				cfg.Admin.JWT.Role,
			),
		}
		if reload != nil {
			opts = append(opts, admin.WithReloader(reload))
		}
		mux.Handle("/resilience/", admin.NewServer(rt.registry, opts...))
	}

	rt.handler = mux
	return rt, nil
}

// follow keeps the critical breaker set in step with reloaded files.
func (rt *server) follow(ctx context.Context) {
	if rt.watcher == nil {
		return
	}
	updates := rt.watcher.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg := <-updates:
			rt.breakers.SetCritical(cfg.Health.Critical)
		}
	}
}

// Close stops the watcher, the breaker gauges and the telemetry providers.
func (rt *server) Close(ctx context.Context) error {
	var errs []error
	if rt.watcher != nil {
		errs = append(errs, rt.watcher.Close())
	}
	if rt.gauges != nil {
		errs = append(errs, rt.gauges.Unregister())
	}
	if rt.observer != nil {
		errs = append(errs, rt.observer.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

func runServe(ctx context.Context, cfg *config.Config, addr string, logOut io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newServer(ctx, cfg, configPath, logOut)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = rt.Close(shutdownCtx)
	}()

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	srv := &http.Server{
		Addr:              addr,
		Handler:           rt.handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		rt.logger.Info(gctx, "listening", observe.Field{Key: "addr", Value: addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		rt.follow(gctx)
		return nil
	})
	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				if rt.watcher == nil {
					rt.logger.Warn(gctx, "reload requested without a config file")
					continue
				}
				if err := rt.watcher.Reload(); err != nil {
					rt.logger.Error(gctx, "configuration reload failed", observe.Field{Key: "error", Value: err.Error()})
				}
			}
		}
	})
	return g.Wait()
}
