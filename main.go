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
	"golang.org/x/sync/errgroup"

	"github.com/omalloc/scangate/conf"
	"github.com/omalloc/scangate/contrib/config"
	"github.com/omalloc/scangate/contrib/config/provider/env"
	"github.com/omalloc/scangate/contrib/config/provider/file"
	"github.com/omalloc/scangate/contrib/log"
	"github.com/omalloc/scangate/forward"
	"github.com/omalloc/scangate/gateway"
	"github.com/omalloc/scangate/icap"
	"github.com/omalloc/scangate/server"
)

var (
	// flagConf is the config flag.
	flagConf string = "config.yaml"
	// flagVerbose is the verbose flag.
	flagVerbose bool

	// Version is the version of the app.
	Version string = "no-set"
	GitHash string = "no-set"
	Built   string = "0"
)

const stopTimeout = 120 * time.Second

func init() {
	// init flag
	flag.StringVar(&flagConf, "c", "config.yaml", "config file path")
	flag.BoolVar(&flagVerbose, "v", false, "enable verbose log")

	// init prometheus
	prometheus.Unregister(collectors.NewGoCollector())
	registerer := prometheus.WrapRegistererWithPrefix("sg_scangate_", prometheus.DefaultRegisterer)
	registerer.MustRegister(collectors.NewGoCollector(collectors.WithGoCollectorMemStatsMetricsDisabled()))
}

func main() {
	flag.Parse()

	c := config.New[conf.Bootstrap](config.WithSource(
		env.NewSource(),
		file.NewSource(flagConf, true),
	))
	defer c.Close()

	bc := conf.Default()
	if err := c.Scan(bc); err != nil {
		log.Fatal(err)
	}

	switch {
	case flagVerbose:
		bc.Logger.Level = "debug"
	case !bc.Icap.LogTraffic && os.Getenv("LOG_LEVEL") == "":
		// with traffic logging off only errors are emitted
		bc.Logger.Level = "error"
	}
	log.Init(bc.Logger)
	defer func() { _ = log.Sync() }()

	if err := run(bc); err != nil {
		log.Fatal(err)
	}
}

func run(bc *conf.Bootstrap) error {
	// graceful upgrade
	flip, err := tableflip.New(tableflip.Options{
		PIDFile:        bc.PidFile,
		UpgradeTimeout: stopTimeout,
	})
	if err != nil {
		return err
	}

	// graceful upgrade if we have not parent process
	// remove unix socket file.
	if !flip.HasParent() {
		if strings.HasSuffix(bc.Server.Addr, ".sock") {
			_ = os.Remove(bc.Server.Addr) // remove unix socket
		}
	}

	log.Infof("starting scangate version=%s git=%s icap=%s:%d backend=%s://%s",
		Version, GitHash, bc.Icap.Host, bc.Icap.Port, bc.Backend.Protocol, bc.Backend.Authority())

	pipe := gateway.New(bc, icap.New(bc.Icap), forward.New(bc.Backend))
	srv := server.NewServer(flip, bc, pipe)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// SIGUSR2 swaps in a freshly exec'd binary
	go func() {
		upgrade := make(chan os.Signal, 1)
		signal.Notify(upgrade, syscall.SIGUSR2)
		for range upgrade {
			if err := flip.Upgrade(); err != nil {
				log.Errorf("binary upgrade failed: %v", err)
			}
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Start(gctx)
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-flip.Exit():
		}
		stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
		defer cancel()
		return srv.Stop(stopCtx)
	})

	return g.Wait()
}
