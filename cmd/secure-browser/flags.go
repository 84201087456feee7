package main

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/pflag"

	"github.com/entrhq/secure-browser/pkg/config"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigFile        string
	ServerURL         string
	ProfileDir        string
	LogDir            string
	Verbosity         string
	MetricsAddr       string
	CaptureTimeout    time.Duration
	NavigationTimeout time.Duration
	HTTPTimeout       time.Duration
	InstallDrivers    bool
	Headless          bool
	ShowVersion       bool
	ShowHelp          bool

	flagSet *pflag.FlagSet
}

func parseFlags(args []string, stderr io.Writer) (*CLIConfig, error) {
	cli := &CLIConfig{}
	defaults := config.DefaultConfig()

	flagSet := pflag.NewFlagSet("secure-browser", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.StringVarP(&cli.ConfigFile, "config", "c", "", "path to configuration file (YAML)")
	flagSet.StringVar(&cli.ServerURL, "server-url", defaults.ServerURL, "base URL of the authentication server")
	flagSet.StringVar(&cli.ProfileDir, "profile-dir", defaults.Browser.ProfileDir, "browser profile directory for non-incognito sessions")
	flagSet.StringVar(&cli.LogDir, "log-dir", "", "directory for log files (default ~/.secure-browser/logs)")
	flagSet.StringVarP(&cli.Verbosity, "verbosity", "v", defaults.Logging.Verbosity, "console verbosity: quiet, normal, verbose or debug")
	flagSet.StringVar(&cli.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flagSet.DurationVar(&cli.CaptureTimeout, "capture-timeout", defaults.Capture.Timeout, "how long to wait for the login form to be submitted")
	flagSet.DurationVar(&cli.NavigationTimeout, "navigation-timeout", defaults.Browser.NavigationTimeout, "navigation timeout when the policy sets none")
	flagSet.DurationVar(&cli.HTTPTimeout, "http-timeout", defaults.HTTP.Timeout, "timeout for requests to the authentication server")
	flagSet.BoolVar(&cli.InstallDrivers, "install-drivers", false, "download the Playwright driver and Chromium before starting")
	flagSet.BoolVar(&cli.Headless, "headless", false, "run browsers without a window")
	flagSet.BoolVar(&cli.ShowVersion, "version", false, "show version and exit")
	flagSet.BoolVarP(&cli.ShowHelp, "help", "h", false, "show help")

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return nil, fmt.Errorf("unexpected argument: %s", rest[0])
	}

	cli.flagSet = flagSet
	return cli, nil
}

// loadConfig builds the effective configuration: the config file (or the
// defaults) with every explicitly set flag applied on top.
func loadConfig(cli *CLIConfig) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if cli.ConfigFile != "" {
		loaded, err := config.Load(cli.ConfigFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	changed := func(name string) bool {
		return cli.flagSet != nil && cli.flagSet.Changed(name)
	}

	if changed("server-url") {
		cfg.ServerURL = cli.ServerURL
	}
	if changed("profile-dir") {
		cfg.Browser.ProfileDir = cli.ProfileDir
	}
	if changed("log-dir") {
		cfg.Logging.Dir = cli.LogDir
	}
	if changed("verbosity") {
		cfg.Logging.Verbosity = cli.Verbosity
	}
	if changed("metrics-addr") {
		cfg.Metrics.Addr = cli.MetricsAddr
	}
	if changed("capture-timeout") {
		cfg.Capture.Timeout = cli.CaptureTimeout
	}
	if changed("navigation-timeout") {
		cfg.Browser.NavigationTimeout = cli.NavigationTimeout
	}
	if changed("http-timeout") {
		cfg.HTTP.Timeout = cli.HTTPTimeout
	}
	if changed("install-drivers") {
		cfg.Browser.InstallDrivers = cli.InstallDrivers
	}
	if changed("headless") {
		cfg.Browser.Headless = cli.Headless
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func printHelp(w io.Writer, flagSet *pflag.FlagSet) {
	fmt.Fprintf(w, `Secure Browser - credential-gated browser sessions

Opens a login window, verifies the submitted credentials with the
authentication server and, once accepted, opens a browser session
configured by the server's policy. The session runs until interrupted
with Ctrl+C.

Usage:
  secure-browser [flags]

Examples:
  # Use a local authentication server
  secure-browser --server-url http://localhost:8080

  # Load settings from a file and show every state change
  secure-browser --config secure-browser.yaml --verbosity debug

Flags:
`)
	flagSet.SetOutput(w)
	flagSet.PrintDefaults()
}
