package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/pbxlink/datev-connector/internal/service"
)

func main() {
	configPath := flag.String("config", "/etc/datev-connector/datev-connector.yaml", "Path to config file")
	flag.Parse()

	// A local .env is optional; deployment environments set real variables.
	_ = godotenv.Load()

	// Level comes from the config (or DATEVCONN_LOG_LEVEL) inside service.New.
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.WithField("signal", sig).Info("shutting down")
		cancel()
	}()

	conn, err := service.New(service.Options{
		ConfigPath: *configPath,
		Log:        logrus.NewEntry(log),
	})
	if err != nil {
		log.WithError(err).Fatal("starting connector")
	}
	defer conn.Close()

	if err := conn.Run(ctx); err != nil && ctx.Err() == nil {
		log.WithError(err).Fatal("connector stopped")
	}

	log.Info("shutdown complete")
}
