// ddsserver serves an archive of DCP messages to DDS clients.
package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/drpcorg/dds/archive"
	"github.com/drpcorg/dds/config"
	"github.com/drpcorg/dds/search"
	"github.com/drpcorg/dds/server"
	"github.com/drpcorg/dds/utils"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "ddsserver: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath, archiveDir, metricsAddr string
	var listen []string
	var maxClients int
	var disabled bool

	flags := pflag.NewFlagSet("ddsserver", pflag.ContinueOnError)
	flags.StringVarP(&configPath, "config", "c", "", "YAML config file, reread every refresh_interval")
	flags.StringSliceVarP(&listen, "listen", "l", nil, "listen addresses, tcp://host:port or tls://host:port")
	flags.StringVar(&archiveDir, "archive", "", "archive directory")
	flags.StringVar(&metricsAddr, "metrics", "", "serve prometheus metrics on this address")
	flags.IntVar(&maxClients, "max-clients", 0, "client ceiling")
	flags.BoolVar(&disabled, "disabled", false, "start with connections refused")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return err
	}

	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}
	if flags.Changed("listen") {
		cfg.Listen = listen
	}
	if flags.Changed("archive") {
		cfg.ArchiveDir = archiveDir
	}
	if flags.Changed("metrics") {
		cfg.MetricsAddr = metricsAddr
	}
	if flags.Changed("max-clients") {
		cfg.MaxClients = maxClients
	}
	if disabled {
		cfg.Enabled = false
	}

	var log utils.Logger
	if cfg.LogFile.Path != "" {
		fl, closer := utils.NewFileLogger(cfg.LogFile, cfg.Level())
		defer closer.Close()
		log = fl
	} else {
		log = utils.NewDefaultLogger(cfg.Level())
	}

	arch, err := archive.Open(cfg.ArchiveDir, archive.Options{CacheSize: cfg.CacheSize, Logger: log})
	if err != nil {
		return err
	}
	defer arch.Close()

	opts := []server.ServerOpt{
		&server.ConfigOpt{Config: cfg.Server()},
		&server.ReapIntervalOpt{Interval: cfg.ReapInterval},
	}
	if cfg.TLSCert != "" {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCert, cfg.TLSKey)
		if err != nil {
			return err
		}
		opts = append(opts, &server.TlsConfigOpt{Config: &tls.Config{Certificates: []tls.Certificate{cert}}})
	}
	srv := server.NewServer(log, server.Deps{
		Source:   search.NewEngine(arch),
		Waiter:   arch,
		Markers:  arch,
		Netlists: arch,
		Stats:    arch.Stats,
	}, opts...)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), archive.NewCollector(arch))
	if err := srv.Metrics().Register(reg); err != nil {
		return err
	}

	log.Info("ddsserver: starting", "archive", cfg.ArchiveDir, "listen", cfg.Listen,
		"max_clients", cfg.MaxClients, "enabled", cfg.Enabled,
		"proxied_session_timeout", cfg.Facade.ProxiedSessionTimeout,
		"heartbeat_peer_timeout", cfg.Facade.HeartbeatPeerTimeout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	for _, addr := range cfg.Listen {
		if err := srv.Listen(addr); err != nil {
			srv.Close()
			return fmt.Errorf("listen %s: %w", addr, err)
		}
	}
	g.Go(func() error {
		srv.Run(ctx)
		return nil
	})
	if configPath != "" {
		refresher := config.NewRefresher(log, configPath, cfg.RefreshInterval, srv)
		g.Go(func() error { return refresher.Run(ctx) })
	}
	if cfg.MetricsAddr != "" {
		hs := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux(reg),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			if err := hs.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return hs.Shutdown(sctx)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		log.Info("ddsserver: shutting down")
		return srv.Close()
	})
	return g.Wait()
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "OK")
	})
	return mux
}
