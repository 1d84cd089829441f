package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mithril-labs/mithril-proxy/audit"
	"github.com/mithril-labs/mithril-proxy/bridge"
	"github.com/mithril-labs/mithril-proxy/config"
	"github.com/mithril-labs/mithril-proxy/detector"
	"github.com/mithril-labs/mithril-proxy/proxy"
	"github.com/mithril-labs/mithril-proxy/proxy/session"
	"github.com/mithril-labs/mithril-proxy/secrets"
)

const (
	envListenAddr     = "LISTEN_ADDR"
	envLogLevel       = "LOG_LEVEL"
	defaultListenAddr = ":8080"

	shutdownTimeout = 15 * time.Second
)

func main() {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if v := os.Getenv(envLogLevel); v != "" {
		if level, err := logrus.ParseLevel(v); err == nil {
			log.SetLevel(level)
		}
	}

	if err := run(log); err != nil {
		log.Fatalf("startup failed: %v", err)
	}
}

func run(log *logrus.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	destinations, err := config.Load(ctx, config.ResolvePath())
	if err != nil {
		return err
	}
	if err := destinations.ValidateCommands(); err != nil {
		return err
	}
	log.Infof("loaded %d destinations", len(destinations.Names()))

	secretStore, err := secrets.Load(ctx, secrets.ResolvePath(), os.Getenv(secrets.EnvSecretsKey))
	if err != nil {
		return err
	}

	auditor, auditCloser, err := audit.Open(audit.ResolvePath(), audit.OptionsFromEnv()...)
	if err != nil {
		return err
	}
	defer auditCloser.Close()

	patterns := detector.NewPatternStore(detector.ResolvePatternsDir(), log)
	loaded := patterns.Load(ctx)
	log.Infof("loaded %d detection patterns", loaded)
	go func() {
		if err := patterns.Watch(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Warnf("pattern directory watch unavailable: %v", err)
		}
	}()
	scanner := detector.New(patterns, detector.OptionsFromEnv(log)...)

	bridgeOptions := append(bridge.ManagerOptionsFromEnv(),
		bridge.WithSecrets(secretStore),
		bridge.WithManagerLogger(log))
	bridges := bridge.NewManager(bridgeOptions...)
	hub := bridge.NewSSEHub(bridge.WithHubSecrets(secretStore), bridge.WithHubLogger(log))

	server := proxy.New(destinations,
		proxy.WithDetector(scanner),
		proxy.WithPatterns(patterns),
		proxy.WithAuditor(auditor),
		proxy.WithBridges(bridges),
		proxy.WithSSEHub(hub),
		proxy.WithSessionStore(session.FromEnv()),
		proxy.WithLogger(log))

	addr := os.Getenv(envListenAddr)
	if addr == "" {
		addr = defaultListenAddr
	}
	httpServer := &http.Server{Addr: addr, Handler: server.Handler()}

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	go func() {
		for range reload {
			n := patterns.Load(ctx)
			log.Infof("reloaded %d detection patterns", n)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	errs := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", addr)
		errs <- httpServer.ListenAndServe()
	}()

	select {
	case sig := <-stop:
		log.Infof("received %s, shutting down", sig)
	case err := <-errs:
		return err
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warnf("http shutdown: %v", err)
	}
	server.Shutdown(shutdownCtx)
	return nil
}
