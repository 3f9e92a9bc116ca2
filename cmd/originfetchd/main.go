package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/cloudflare/tableflip"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/omalloc/originfetch/cache"
	"github.com/omalloc/originfetch/conf"
	"github.com/omalloc/originfetch/contrib/config"
	"github.com/omalloc/originfetch/contrib/config/provider/file"
	"github.com/omalloc/originfetch/contrib/log"
	"github.com/omalloc/originfetch/server"
)

var (
	flagConf    string = "config.yaml"
	flagVerbose bool

	Version string = "no-set"
	GitHash string = "no-set"
	Built   string = "0"
)

func init() {
	flag.StringVar(&flagConf, "c", "config.yaml", "config file path")
	flag.BoolVar(&flagVerbose, "v", false, "enable verbose log")

	log.SetLogger(log.With(log.DefaultLogger, "ts", log.Timestamp(time.RFC3339), "pid", os.Getpid()))

	prometheus.Unregister(collectors.NewGoCollector())
	registerer := prometheus.WrapRegistererWithPrefix("originfetch_", prometheus.DefaultRegisterer)
	registerer.MustRegister(collectors.NewGoCollector(collectors.WithGoCollectorMemStatsMetricsDisabled()))
}

func main() {
	flag.Parse()

	c := config.New[conf.Bootstrap](config.WithSource(file.NewSource(flagConf)))
	defer c.Close()

	bc := &conf.Bootstrap{}
	if err := c.Scan(bc); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	if bc.Logger != nil && bc.Logger.Path != "" {
		zl := log.NewZapLogger(bc.Logger.Path, bc.Logger.MaxSize, bc.Logger.MaxAge, bc.Logger.MaxBackups, bc.Logger.Compress, log.ParseLevel(bc.Logger.Level))
		log.SetLogger(log.With(zl, "ts", log.Timestamp(time.RFC3339), "pid", os.Getpid()))
	}

	stopTimeout := 120 * time.Second

	flip, err := tableflip.New(tableflip.Options{
		PIDFile:        bc.PidFile,
		UpgradeTimeout: stopTimeout,
	})
	if err != nil {
		log.Fatalf("failed to init tableflip: %v", err)
	}
	defer flip.Stop()

	if !flip.HasParent() {
		if strings.HasSuffix(bc.Server.Addr, ".sock") {
			_ = os.Remove(bc.Server.Addr)
		}
	}

	var store *cache.Store
	if bc.Cache != nil && bc.Cache.Dir != "" {
		codec := cache.CBORCodec()
		if bc.Cache.Codec == "json" {
			codec = cache.JSONCodec()
		}

		var tuning cache.Tuning
		if err := bc.Cache.DecodeOptions(&tuning); err != nil {
			log.Warnf("failed to decode cache options: %v", err)
		}

		store, err = cache.OpenTuned(bc.Cache.Dir, codec, tuning)
		if err != nil {
			log.Fatalf("failed to open cache store: %v", err)
		}
		defer store.Close()
	}

	srv := server.NewServer(flip, bc, store)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	if err := flip.Ready(); err != nil {
		log.Fatalf("tableflip ready failed: %v", err)
	}

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)

	for {
		select {
		case <-ctx.Done():
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
			_ = srv.Stop(shutdownCtx)
			shutdownCancel()
			<-flip.Exit()
			return
		case <-sighup:
			log.Infof("received SIGHUP, upgrading")
			if err := flip.Upgrade(); err != nil {
				log.Errorf("upgrade failed: %v", err)
			}
		case err := <-errCh:
			if err != nil {
				log.Errorf("server exited: %v", err)
			}
			<-flip.Exit()
			return
		}
	}
}
