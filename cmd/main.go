// Command agentcore wires the Agent Registry, Agent Session, Web Gateway,
// and Listener into one running node and serves HTTP surface
// on API_PORT. Grounded on cmd/main.go startup sequence: read
// environment/config, connect optional collaborators with warn-and-degrade
// where the domain allows it, fail fast on anything that cannot be served
// without, build the router, serve, and wait for SIGINT/SIGTERM to drain
// gracefully.
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/openacd/agentcore/internal/authstore"
	"github.com/openacd/agentcore/internal/cache"
	"github.com/openacd/agentcore/internal/clusterbus"
	"github.com/openacd/agentcore/internal/config"
	"github.com/openacd/agentcore/internal/listener"
	"github.com/openacd/agentcore/internal/logger"
	"github.com/openacd/agentcore/internal/registry"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger.Initialize(cfg.LogLevel, cfg.LogPretty)
	log := logger.Listener()
	log.Info().Str("node_id", cfg.NodeID).Msg("starting agent session core")

	c, err := cache.New(cache.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Enabled:  cfg.RedisAddr != "",
	})
	if err != nil {
		log.Fatal().Err(err).Msg("connect redis: the registry's login lease has no durable backing without it")
	}
	if !c.Enabled() {
		log.Warn().Msg("REDIS_ADDR not set: registry login leases are node-local only, multi-node races are not linearized")
	}

	store, err := authstore.Open(cfg.PostgresDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("connect directory database: logins cannot be authenticated without it")
	}
	defer store.Close()

	bus, err := clusterbus.Connect(cfg.NATSURL, cfg.NodeID)
	if err != nil {
		log.Fatal().Err(err).Msg("connect cluster bus")
	}
	if !bus.Enabled() {
		log.Warn().Msg("NATS_URL not set: presence, blab, and kick do not fan out across nodes")
	} else {
		defer bus.Close()
	}

	reg := registry.New(cfg.NodeID, c, bus, cfg.RegistryLeaseTTL)
	go reg.Run()
	defer reg.Stop()

	sweeper := registry.NewSweeper(reg, cfg.RegistrySweepCron)
	if err := sweeper.Start(); err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.RegistrySweepCron).Msg("start registry lease sweep")
	}
	defer sweeper.Stop()

	l := listener.New(cfg, reg, store)

	srv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: l.Engine(),

		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	if cfg.TLSCertFile != "" && cfg.RequireClientCert {
		srv.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	go func() {
		if cfg.TLSCertFile != "" && cfg.TLSKeyFile != "" {
			log.Info().Str("port", cfg.HTTPPort).Msg("listening (TLS)")
			if err := srv.ListenAndServeTLS(cfg.TLSCertFile, cfg.TLSKeyFile); err != nil && err != http.ErrServerClosed {
				log.Fatal().Err(err).Msg("https server")
			}
			return
		}
		log.Warn().Msg("TLS_CERT_FILE/TLS_KEY_FILE not set: serving plain HTTP")
		log.Info().Str("port", cfg.HTTPPort).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("forced shutdown")
	}
}
