// Command gemcaps runs the Gemini protocol server: it loads servers/*.yml
// and handlers/*.yml from a config root, binds one TLS listener per
// server, and dispatches requests to the configured handlers until
// interrupted.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	getopt "github.com/pborman/getopt/v2"

	"github.com/CPunch/gemcaps/internal/cache"
	"github.com/CPunch/gemcaps/internal/config"
	"github.com/CPunch/gemcaps/internal/logging"
	"github.com/CPunch/gemcaps/internal/metrics"
	"github.com/CPunch/gemcaps/internal/router"

	_ "github.com/CPunch/gemcaps/internal/handler/file"
)

const version = "0.1.0"

func main() {
	os.Exit(run())
}

func run() int {
	logLevel := logging.LevelInfo
	colors := true
	verbose := false
	configRoot, _ := os.Getwd()
	showVersion := false
	metricsListen := ""
	cacheSizeBytes := int64(64 * 1024 * 1024)

	getopt.FlagLong(&logLevel, "log", 'l', "log level: debug|info|warn|error|none")
	getopt.FlagLong(&colors, "colors", 0, "colorize log output")
	getopt.FlagLong(&verbose, "verbose", 'v', "shorthand for --log=debug")
	getopt.FlagLong(&configRoot, "config", 'c', "config root directory")
	getopt.FlagLong(&showVersion, "version", 'V', "print the version and exit")
	getopt.FlagLong(&metricsListen, "metrics-listen", 0, "address to expose Prometheus metrics on (disabled if empty)")
	getopt.FlagLong(&cacheSizeBytes, "cache-size-bytes", 0, "response cache size bound in bytes (0 disables the bound)")
	getopt.Parse()

	if showVersion {
		fmt.Println("gemcaps", version)
		return 0
	}

	log, err := logging.Init("gemcaps", logging.Options{Level: logLevel, Colors: colors, Verbose: verbose})
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		return 1
	}

	mc := metrics.New()

	loader := config.NewLoader(configRoot, log)
	servers, err := loader.LoadServers()
	if err != nil {
		log.Error().Err(err).Msg("errors while loading servers/*.yml")
	}
	if len(servers) == 0 {
		log.Fatal().Msg("no listeners loaded, nothing to serve")
		return 1
	}

	respCache := cache.New(cacheSizeBytes)
	respCache.SetMetrics(mc)
	bindings, err := loader.LoadHandlers(servers, config.Deps{
		Cache: respCache,
		Log:   log,
	})
	if err != nil {
		log.Error().Err(err).Msg("errors while loading handlers/*.yml")
	}

	manager := router.NewManager(servers, bindings, log, mc)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if metricsListen != "" {
		go func() {
			if err := metrics.Serve(ctx, metricsListen, mc, log.With().Str("component", "metrics").Logger()); err != nil {
				log.Error().Err(err).Msg("metrics listener exited")
			}
		}()
	}

	log.Info().Int("listeners", manager.Listeners()).Msg("starting")
	if err := manager.ListenAndServe(ctx); err != nil {
		log.Error().Err(err).Msg("server exited with errors")
		return 1
	}
	return 0
}
