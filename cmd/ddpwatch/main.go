// Command ddpwatch connects to a DDP server, prints the live contents of its
// publications and calls its methods.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/lightforgemedia/go-ddp/pkg/client"
	"github.com/lightforgemedia/go-ddp/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

var version = "dev"

var (
	configPath   string
	flagURL      string
	flagLogLevel string
	flagLogFile  string
	flagNoColor  bool
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath, "Path to the configuration file")
	rootCmd.PersistentFlags().StringVarP(&flagURL, "url", "u", "", "DDP server URL (ws:// or wss://), overrides the config file")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&flagLogFile, "log-file", "", "Write logs to this rotated file instead of stderr")
	rootCmd.PersistentFlags().BoolVar(&flagNoColor, "no-color", false, "Disable coloured output")

	rootCmd.AddCommand(watchCmd, callCmd, versionCmd)
}

var (
	rootCmd = &cobra.Command{
		Use:           "ddpwatch",
		Short:         "Watch and call a DDP server",
		Long:          `ddpwatch subscribes to DDP publications and prints collection changes as they arrive.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	watchCmd = &cobra.Command{
		Use:   "watch [publication...]",
		Short: "Subscribe to publications and print collection events",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(args)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			w := &watcher{cfg: a.cfg, cli: a.newClient(), logger: a.logger, p: newPrinter(cmd.OutOrStdout())}
			defer w.cli.Close()
			return w.run(ctx)
		},
	}

	callCmd = &cobra.Command{
		Use:   "call METHOD [PARAM...]",
		Short: "Call a method and print its result",
		Long:  `Each PARAM is parsed as EJSON; anything that is not valid JSON is sent as a string.`,
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(nil)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			ctx, cancel := context.WithTimeout(ctx, a.cfg.CallTimeout)
			defer cancel()

			cli := a.newClient()
			defer cli.Close()
			if err := cli.Connect(ctx); err != nil {
				return err
			}
			return runCall(ctx, cli, args[0], args[1:], cmd.OutOrStdout())
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of ddpwatch",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ddpwatch version %s\n", version)
		},
	}
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, color.RedString("error: %v", err))
		os.Exit(1)
	}
}

// app holds what every subcommand needs: the merged configuration, the
// logger and the optional metrics endpoint.
type app struct {
	cfg     *Config
	logger  *slog.Logger
	metrics *metrics.Metrics
	closers []io.Closer
}

func newApp(publications []string) (*app, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	applyFlags(cfg, publications)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.NoColor {
		color.NoColor = true
	}

	logger, logCloser, err := newLogger(cfg.Logger)
	if err != nil {
		return nil, fmt.Errorf("creating logger: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, closers: []io.Closer{logCloser}}

	if cfg.MetricsAddr != "" {
		if err := a.serveMetrics(cfg.MetricsAddr); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

func applyFlags(cfg *Config, publications []string) {
	if flagURL != "" {
		cfg.URL = flagURL
	}
	if flagLogLevel != "" {
		cfg.Logger.Level = flagLogLevel
	}
	if flagLogFile != "" {
		cfg.Logger.FilePath = flagLogFile
	}
	if flagNoColor {
		cfg.NoColor = true
	}
	for _, name := range publications {
		cfg.Subscriptions = append(cfg.Subscriptions, SubscriptionConfig{Name: name})
	}
}

func (a *app) newClient() *client.Client {
	return client.New(a.cfg.URL,
		client.WithLogger(a.logger),
		client.WithRetryDelay(a.cfg.RetryDelay),
		client.WithPingInterval(a.cfg.PingInterval),
		client.WithObserverQueueLimit(a.cfg.QueueLimit),
		client.WithMetrics(a.metrics),
	)
}

func (a *app) serveMetrics(addr string) error {
	a.metrics = metrics.New("ddpwatch")
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if err := a.metrics.Register(reg); err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server stopped", "addr", addr, "error", err)
		}
	}()
	a.logger.Info("serving metrics", "addr", addr)
	a.closers = append(a.closers, closerFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}))
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
