package commands

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/nexora/kit/config"
	"github.com/nexora/kit/observe"
	"github.com/nexora/kit/resilience"
)

type probeOptions struct {
	operation string
	headers   []string
	count     int
	interval  time.Duration
}

// NewProbeCmd creates the probe command.
func NewProbeCmd() *cobra.Command {
	opts := probeOptions{}

	cmd := &cobra.Command{
		Use:   "probe URL",
		Short: "Send GET requests through an operation's policies",
		Long: `probe sends GET requests to URL as the named operation, so the
configured breaker, retry, timeout, rate limiter and bulkhead apply. Header
values may be secret references.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return runProbe(cmd.Context(), cfg, args[0], opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&opts.operation, "operation", "probe", "Operation name the requests run as")
	cmd.Flags().StringArrayVarP(&opts.headers, "header", "H", nil, "Request header as Name=Value (repeatable)")
	cmd.Flags().IntVar(&opts.count, "count", 1, "Number of requests")
	cmd.Flags().DurationVar(&opts.interval, "interval", 0, "Pause between requests")
	return cmd
}

func runProbe(ctx context.Context, cfg *config.Config, url string, opts probeOptions, out, logOut io.Writer) error {
	if opts.count < 1 {
		return fmt.Errorf("--count must be at least 1")
	}
	if err := config.ValidateOperationName(opts.operation); err != nil {
		return fmt.Errorf("--operation: %w", err)
	}

	header, err := probeHeaders(ctx, cfg, opts.headers)
	if err != nil {
		return err
	}

	obs, err := observe.NewObserver(ctx, cfg.Observe,
		observe.WithPrometheusRegisterer(prometheus.NewRegistry()),
		observe.WithLogWriter(logOut),
		observe.WithoutGlobalProviders(),
	)
	if err != nil {
		return fmt.Errorf("observability: %w", err)
	}
	defer func() { _ = obs.Shutdown(context.Background()) }()

	mw, metrics, err := observe.MiddlewareFromObserver(obs)
	if err != nil {
		return err
	}
	reg := resilience.NewRegistry(resilience.WithEventSink(resilience.MultiSink{
		observe.NewLogSink(obs.Logger()),
		metrics,
	}))
	if _, err := config.Apply(reg, cfg, errorCatalog()); err != nil {
		return err
	}

	exec := mw.Wrap(observe.ProtectedExecutor(reg))
	meta := observe.OperationMeta{Name: opts.operation, Service: cfg.Observe.ServiceName, Version: cfg.Observe.Version}
	client := &http.Client{}

	failed := 0
	for i := 1; i <= opts.count; i++ {
		if i > 1 && opts.interval > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(opts.interval):
			}
		}

		// An attempt abandoned by the time limiter may still finish later.
		var last atomic.Value
		last.Store("")
		start := time.Now()
		err := exec(ctx, meta, func(ctx context.Context) error {
			s, err := probeOnce(ctx, client, url, header)
			last.Store(s)
			return err
		})
		elapsed := time.Since(start).Round(time.Millisecond)
		status := last.Load().(string)

		line := fmt.Sprintf("%d: %s in %s", i, status, elapsed)
		if err != nil {
			failed++
			line = fmt.Sprintf("%d: %s after %s", i, resilience.Classify(err), elapsed)
			if status != "" {
				line += " (last " + status + ")"
			}
			line += ": " + err.Error()
		}
		if cb, ok := reg.CircuitBreaker(opts.operation); ok {
			line += " [breaker " + cb.State().String() + "]"
		}
		fmt.Fprintln(out, line)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d probes failed", failed, opts.count)
	}
	return nil
}

// probeOnce sends one GET. Transport errors and 5xx responses are failures.
func probeOnce(ctx context.Context, client *http.Client, url string, header http.Header) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header = header.Clone()

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", errTransport, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= http.StatusInternalServerError {
		return resp.Status, fmt.Errorf("%w: %s", errServerError, resp.Status)
	}
	return resp.Status, nil
}

// probeHeaders parses Name=Value pairs and resolves secret references in
// the values.
func probeHeaders(ctx context.Context, cfg *config.Config, pairs []string) (http.Header, error) {
	raw := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid header %q: want Name=Value", pair)
		}
		raw[name] = value
	}

	resolver, err := newResolver(cfg)
	if err != nil {
		return nil, err
	}
	resolved, err := resolver.ResolveMap(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("resolve headers: %w", err)
	}

	header := make(http.Header, len(resolved))
	for name, value := range resolved {
		header.Set(name, value)
	}
	return header, nil
}
