// Command academy-exchange runs the HTTP exchange server from a YAML or
// JSON config file.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/proxystore/academy/pkg/config"
	"github.com/proxystore/academy/pkg/exchange/cloud"
	"github.com/proxystore/academy/pkg/logging"
	"github.com/proxystore/academy/pkg/tracing"
)

func main() {
	configPath := flag.String("config", "", "path to the serving config (YAML or JSON)")
	flag.Parse()
	if *configPath == "" {
		log.Fatal("--config is required")
	}

	serving := cloud.DefaultServingConfig()
	if err := config.LoadWithEnv(*configPath, "ACADEMY", &serving); err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := serving.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger := logging.NewLogger(logging.Config{
		Level:      logging.ParseLevel(serving.LogLevel),
		File:       serving.LogFile,
		JSONOutput: serving.LogFile != "",
	})

	ctx := context.Background()
	if err := tracing.Initialize(ctx, serving.Tracing); err != nil {
		logger.Errorf("failed to initialize tracing: %v", err)
		os.Exit(1)
	}

	server, err := cloud.NewServer(serving, logger)
	if err != nil {
		logger.Errorf("failed to build exchange server: %v", err)
		os.Exit(1)
	}

	var ops *cloud.OpsServer
	if serving.Ops.Port > 0 {
		var authenticator cloud.Authenticator
		if serving.Auth != nil {
			authenticator, err = cloud.NewAuthenticator(serving.Auth)
			if err != nil {
				logger.Errorf("failed to build authenticator: %v", err)
				os.Exit(1)
			}
		}
		ops = cloud.NewOpsServer(server, authenticator, logger)
		go func() {
			if err := ops.ListenAndServe(serving.Ops); err != nil {
				logger.Errorf("ops listener failed: %v", err)
			}
		}()
	}

	errs := make(chan error, 1)
	go func() { errs <- server.ListenAndServe() }()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigs:
		logger.Infof("received %s, shutting down", sig)
	case err := <-errs:
		if err != nil {
			logger.Errorf("exchange server failed: %v", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if ops != nil {
		_ = ops.Shutdown(shutdownCtx)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("shutdown failed: %v", err)
	}
	_ = tracing.Shutdown(shutdownCtx)
	logger.Infof("exchange closed")
}
