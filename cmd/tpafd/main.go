// Command tpafd runs the service-discovery broker: one domain server per
// listen URI, with configuration drawn from the environment.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	_ "go.uber.org/automaxprocs"

	"github.com/Ericsson/tpaf/internal/config"
	"github.com/Ericsson/tpaf/internal/logging"
	"github.com/Ericsson/tpaf/internal/metrics"
	"github.com/Ericsson/tpaf/internal/server"
)

func main() {
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [<domain-addr> ...]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Listen addresses are URIs such as ws://127.0.0.1:4711.\n")
		fmt.Fprintf(os.Stderr, "All other settings are read from TPAF_* environment variables.\n")
	}
	flag.Parse()

	cfg, err := config.Load(flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", os.Args[0], err)
		os.Exit(1)
	}

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := m.Serve(cfg.MetricsAddr); err != nil {
				log.Error().Err(err).Msg("Metrics endpoint failed")
			}
		}()
	}

	servers := make([]*server.Server, 0, len(cfg.ListenURIs))
	for _, uri := range cfg.ListenURIs {
		servers = append(servers, server.New(uri, cfg, log, m))
	}

	for _, s := range servers {
		if err := s.Start(); err != nil {
			log.Error().Err(err).Msg("Unable to start server")
			for _, started := range servers {
				started.Stop()
			}
			os.Exit(1)
		}
	}

	log.Info().Strs("domains", cfg.ListenURIs).Msg("tpafd started")

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	sig := <-signals

	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	for _, s := range servers {
		s.Stop()
	}
}
