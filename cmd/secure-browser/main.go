// Package main provides the secure-browser client: a login window gated by
// a remote authentication server, followed by a policy-governed browsing
// session.
package main

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
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"

	"github.com/entrhq/secure-browser/pkg/authclient"
	"github.com/entrhq/secure-browser/pkg/browser"
	"github.com/entrhq/secure-browser/pkg/capture"
	"github.com/entrhq/secure-browser/pkg/config"
	"github.com/entrhq/secure-browser/pkg/console"
	"github.com/entrhq/secure-browser/pkg/logging"
	"github.com/entrhq/secure-browser/pkg/orchestrator"
)

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run returns the process exit status.
func run(args []string, stdout, stderr io.Writer) int {
	cli, err := parseFlags(args, stderr)
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 2
	}
	if cli.ShowHelp {
		printHelp(stdout, cli.flagSet)
		return 0
	}
	if cli.ShowVersion {
		fmt.Fprintf(stdout, "secure-browser v%s\n", version)
		return 0
	}

	cfg, err := loadConfig(cli)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 2
	}

	level, err := console.ParseLevel(cfg.Logging.Verbosity)
	if err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 2
	}
	reporter := console.NewReporter(stdout, level)

	logging.SetLogDirectory(cfg.Logging.Dir)
	logger, err := logging.NewLogger("cli")
	if err != nil {
		reporter.Warningf("File logging unavailable, logging to stderr: %v", err)
	}
	defer logger.Close()
	mirrorDebugLog(logger, level, err, stderr)

	// Create context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Infof("Received %s, shutting down", sig)
			reporter.Infof("\nShutting down gracefully...")
			cancel()
		case <-ctx.Done():
		}
	}()

	reporter.Header("Secure Browser v" + version)
	reporter.Verbosef("Authentication server: %s", cfg.ServerURL)
	reporter.Debugf("Run ID: %s", logger.SessionID())
	if path := logger.LogPath(); path != "" {
		reporter.Verbosef("Log file: %s", path)
	}

	err = execute(ctx, cfg, logger, reporter)
	return exitCode(err)
}

// execute wires the components together and runs the flow once.
func execute(ctx context.Context, cfg *config.Config, logger *logging.Logger, reporter *console.Reporter) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	browserMetrics := browser.NewMetrics(registry)
	orchestratorMetrics := orchestrator.NewMetrics(registry)

	if cfg.Metrics.Addr != "" {
		stop := serveMetrics(cfg.Metrics.Addr, registry, logger)
		defer stop()
		reporter.Verbosef("Metrics: http://%s/metrics", cfg.Metrics.Addr)
	}

	client, err := authclient.New(cfg.ServerURL,
		authclient.WithTimeout(cfg.HTTP.Timeout),
		authclient.WithLogger(logger.With("authclient")),
	)
	if err != nil {
		reporter.Errorf("%v", err)
		return err
	}

	if cfg.Browser.InstallDrivers {
		reporter.Step("Installing browser drivers")
	}
	engine := browser.NewPlaywrightEngine(browser.PlaywrightOptions{
		InstallDrivers: cfg.Browser.InstallDrivers,
		Logger:         logger.With("playwright"),
	})
	if err := engine.Start(); err != nil {
		reporter.Errorf("Starting browser engine: %v", err)
		return err
	}
	defer func() {
		if err := engine.Stop(); err != nil {
			logger.Warnf("Stopping browser engine: %v", err)
		}
	}()

	capturer := capture.New(
		capture.WithTimeout(cfg.Capture.Timeout),
		capture.WithLogger(logger.With("capture")),
	)

	orch := orchestrator.New(engine, capturer, client,
		orchestrator.Config{
			NavigationTimeout: cfg.Browser.NavigationTimeout,
			ProfileDir:        cfg.Browser.ProfileDir,
			Headless:          cfg.Browser.Headless,
		},
		orchestrator.WithLogger(logger.With("orchestrator")),
		orchestrator.WithMetrics(orchestratorMetrics),
		orchestrator.WithObserver(reporter.Observe),
		orchestrator.WithSessionOptions(
			browser.WithLogger(logger.With("browser")),
			browser.WithMetrics(browserMetrics),
			browser.WithCloseTimeout(cfg.Browser.CloseTimeout),
		),
	)

	err = orch.Run(ctx)
	reporter.Summary(orch.State(), err)
	return err
}

// exitCode maps the result of a run to the process exit status. Rejected or
// malformed logins are ordinary outcomes, not faults.
func exitCode(err error) int {
	if err == nil || orchestrator.IsExpectedFailure(err) {
		return 0
	}
	return 1
}

// mirrorDebugLog copies the run log to stderr at debug verbosity. A logger
// that already fell back to stderr is left alone.
func mirrorDebugLog(logger *logging.Logger, level console.Level, fileErr error, stderr io.Writer) {
	if level >= console.LevelDebug && fileErr == nil {
		logger.Mirror(stderr)
	}
}

func serveMetrics(addr string, registry *prometheus.Registry, logger logging.Interface) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("Metrics server: %v", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
