package main

import (
	"flag"
	"time"

	"jobbroker/lib/config"
)

const (
	commandName = "jobbrokerd"

	defaultListenNetwork       = "tcp"
	defaultListenAddress       = "0.0.0.0:4730"
	defaultTimeoutSweepPeriod  = time.Second
	defaultAcceptErrorCooldown = 100 * time.Millisecond
	defaultAdminEnabled        = true
)

// newConfigFromFlags parses argv, optionally loads a YAML config file named
// by -config, applies package defaults for anything still unset, then lets
// any flag explicitly passed on the command line win over both the file and
// the defaults.
func newConfigFromFlags(argv []string) (*config.Config, error) {
	flagSet := flag.NewFlagSet(commandName, flag.ExitOnError)

	var configFile string
	var listenAddress string
	var metricsListenAddress string
	var timeoutSweepPeriod time.Duration
	var adminEnabled bool

	flagSet.StringVar(
		&configFile,
		"config",
		"",
		"path to optional YAML config file")
	flagSet.StringVar(
		&listenAddress,
		"listen-address",
		"",
		"listen address as host:port for the job protocol and admin protocol")
	flagSet.StringVar(
		&metricsListenAddress,
		"metrics-listen-address",
		"",
		"Prometheus /metrics listen address as host:port; empty disables metrics")
	flagSet.DurationVar(
		&timeoutSweepPeriod,
		"timeout-sweep-period",
		0,
		"how often running jobs are checked against their worker-declared deadline")
	flagSet.BoolVar(
		&adminEnabled,
		"admin-enabled",
		defaultAdminEnabled,
		"whether non-loopback connections may issue admin commands (status/workers/version/shutdown)")

	if err := flagSet.Parse(argv[1:]); err != nil {
		return nil, err
	}

	adminEnabledSet := false
	flagSet.Visit(func(f *flag.Flag) {
		if f.Name == "admin-enabled" {
			adminEnabledSet = true
		}
	})

	var cfg *config.Config
	if configFile != "" {
		loaded, err := config.Load(configFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = &config.Config{AdminEnabled: defaultAdminEnabled}
	}

	if cfg.ListenNetwork == "" {
		cfg.ListenNetwork = defaultListenNetwork
	}
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListenAddress
	}
	if cfg.TimeoutSweepPeriod.Duration() <= 0 {
		cfg.TimeoutSweepPeriod = config.Duration(defaultTimeoutSweepPeriod)
	}
	if cfg.AcceptErrorCooldown.Duration() <= 0 {
		cfg.AcceptErrorCooldown = config.Duration(defaultAcceptErrorCooldown)
	}

	if listenAddress != "" {
		cfg.ListenAddress = listenAddress
	}
	if metricsListenAddress != "" {
		cfg.MetricsListenAddress = metricsListenAddress
	}
	if timeoutSweepPeriod > 0 {
		cfg.TimeoutSweepPeriod = config.Duration(timeoutSweepPeriod)
	}
	if adminEnabledSet {
		cfg.AdminEnabled = adminEnabled
	}

	return cfg, nil
}
