package main

// ---------------------------------------------------------------------------
// cmd_up.go - run the simulation engine and API server in the foreground
// ---------------------------------------------------------------------------

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/1sec-project/socsim/internal/api"
	"github.com/1sec-project/socsim/internal/core"
)

type upOptions struct {
	configPath string
	logLevel   string
	dryRun     bool
	quiet      bool
}

func cmdUp(args []string) {
	var opts upOptions
	fs := flag.NewFlagSet("up", flag.ExitOnError)
	fs.StringVar(&opts.configPath, "config", defaultConfigPath, "Config file path")
	fs.StringVar(&opts.logLevel, "log-level", "", "Log level override: debug, info, warn, error")
	fs.BoolVar(&opts.dryRun, "dry-run", false, "Validate config and dataset, then exit")
	fs.BoolVar(&opts.quiet, "quiet", false, "Suppress banner and non-essential output")
	fs.BoolVar(&opts.quiet, "q", false, "Suppress banner and non-essential output")
	noColor := fs.Bool("no-color", false, "Disable color output")
	fs.Parse(args)

	if *noColor {
		os.Setenv("NO_COLOR", "1")
	}
	opts.configPath = envConfig(opts.configPath)

	// say prints progress lines unless --quiet.
	say := func(mark, format string, a ...interface{}) {
		if !opts.quiet {
			fmt.Fprintf(os.Stderr, mark+" "+format+"\n", a...)
		}
	}
	if !opts.quiet {
		fmt.Fprint(os.Stderr, bannerText())
	}

	cfg := loadValidConfig(opts.configPath, opts.quiet)
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}
	if opts.dryRun {
		cfg.Bus.Enabled = false
		cfg.Persistence.Backend = "memory"
	}

	engine, err := core.NewEngine(cfg)
	if err != nil {
		errorf("creating engine: %v", err)
	}
	if opts.dryRun {
		fmt.Printf("%s Config valid. %d devices, %d playbooks, %d users.\n", green("✓"),
			len(engine.Dataset.Devices()), len(engine.Dataset.Playbooks()), len(engine.Dataset.Users()))
		_ = engine.Shutdown()
		return
	}

	srv := api.NewServer(engine)
	if err := srv.Start(); err != nil {
		errorf("starting API server: %v", err)
	}
	if err := engine.Start(); err != nil {
		_ = srv.Stop()
		errorf("starting engine: %v", err)
	}

	feed, bus := dim("stopped"), dim("disabled")
	if engine.Feed.Running() {
		feed = green(fmt.Sprintf("running x%d", cfg.Generator.Speed))
	}
	if engine.Bus != nil {
		bus = green("connected")
	}
	say(green("✓"), "socsim on %s:%d, live feed %s, bus %s, persistence %s",
		cfg.Server.Host, cfg.Server.Port, feed, bus, cfg.Persistence.Backend)
	say(dim("▸"), "Press Ctrl+C to stop")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	say("\n"+dim("▸"), "Shutting down...")
	if err := srv.Stop(); err != nil {
		warnf("stopping API server: %v", err)
	}
	if err := engine.Shutdown(); err != nil {
		warnf("shutdown: %v", err)
	}
	say(green("✓"), "socsim stopped.")
}

// loadValidConfig loads the config and exits on validation errors. Warnings
// are printed unless quiet.
func loadValidConfig(path string, quiet bool) *core.Config {
	cfg, err := core.LoadConfig(path)
	if err != nil {
		errorf("loading config: %v", err)
	}
	warnings, errs := cfg.Validate()
	if !quiet {
		for _, w := range warnings {
			fmt.Fprintf(os.Stderr, "%s %s\n", yellow("⚠"), w)
		}
	}
	for _, e := range errs {
		fmt.Fprintf(os.Stderr, "%s %s\n", red("✗"), e)
	}
	if len(errs) > 0 {
		errorf("config has %d error(s)", len(errs))
	}
	return cfg
}
