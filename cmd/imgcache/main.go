package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"imgcache/internal/imgcache"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "keygen" {
		key, err := imgcache.GenerateKey()
		if err != nil {
			fmt.Fprintf(os.Stderr, "generate key: %v\n", err)
			os.Exit(1)
		}
		fmt.Println(key)
		return
	}

	var configPath string
	flag.StringVarP(&configPath, "config", "c", getenvDefault("IMGCACHE_CONFIG", "/etc/imgcache/imgcache.yaml"), "path to imgcache.yaml")
	flag.Parse()

	log := logrus.New()

	cfg, err := imgcache.LoadConfig(configPath)
	if err != nil {
		log.WithError(err).Fatal("load config")
	}
	if err := setupLogger(log, cfg.Logging); err != nil {
		log.WithError(err).Fatal("configure logging")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store *imgcache.ObjectStore
		neg   *imgcache.NegativeCache
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s, err := imgcache.OpenObjectStore(gctx, cfg.Store, log)
		if err != nil {
			return fmt.Errorf("object store: %w", err)
		}
		store = s
		return nil
	})
	g.Go(func() error {
		n, err := imgcache.OpenNegativeCache(cfg.NegativeCache, log)
		if err != nil {
			return fmt.Errorf("negative cache: %w", err)
		}
		if err := n.Ping(gctx); err != nil {
			log.WithError(err).Warn("negative cache unreachable, lookups will fail open")
		}
		neg = n
		return nil
	})
	if err := g.Wait(); err != nil {
		log.WithError(err).Fatal("init backends")
	}
	defer neg.Close()

	origin := imgcache.NewOriginFetcher(cfg.Origin, log)
	defer origin.Close()

	svc, err := imgcache.NewService(neg, store, origin, imgcache.ServiceOptions{
		WriteBack:  cfg.WriteBack,
		StatsEvery: cfg.Logging.StatsEveryDur(),
		Log:        log,
	})
	if err != nil {
		log.WithError(err).Fatal("init service")
	}
	defer svc.Close()

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Handler:           imgcache.NewHandler(svc, log),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeoutDur(),
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		log.WithError(err).Fatalf("listen %s", cfg.Server.Addr)
	}

	go func() {
		log.WithField("config", cfg.String()).Infof("imgcache listening on %s, store=%s", cfg.Server.Addr, store)
		var err error
		if cfg.Server.TLSEnabled() {
			err = srv.ServeTLS(ln, cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("server error")
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeoutDur())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("shutdown")
	}

	svc.Close()
	final := log.WithField("component", "stats")
	for _, l := range svc.Latency().All() {
		final.Info(l.String())
	}
	final.WithField("writeDropped", svc.Stats().WriteDropped).Info("drained write-backs")
}

func setupLogger(log *logrus.Logger, cfg imgcache.LoggingConfig) error {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return err
	}
	log.SetLevel(level)
	if cfg.Format == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}

func getenvDefault(name, def string) string {
	v := os.Getenv(name)
	if v == "" {
		return def
	}
	return v
}
