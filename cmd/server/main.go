// The chatline server hosts the durable call-record API, the websocket
// signal relay, web-push delivery and an embedded TURN relay.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mpetrov/chatline/internal/broker"
	"github.com/mpetrov/chatline/internal/config"
	"github.com/mpetrov/chatline/internal/handlers"
	"github.com/mpetrov/chatline/internal/push"
	"github.com/mpetrov/chatline/internal/store"
	"github.com/mpetrov/chatline/internal/turn"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	if err := run(logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	cfg, err := config.Load(logger)
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		return err
	}

	turnServer, err := turn.Start(turn.Options{
		Port:     cfg.TURNPort,
		Realm:    cfg.TURNRealm,
		PublicIP: cfg.TURNPublicIP,
	}, logger)
	if err != nil {
		return err
	}
	defer turnServer.Close()
	logger.Info("turn relay started", "port", cfg.TURNPort, "realm", cfg.TURNRealm)

	sender := push.NewSender(st, push.VAPIDKeys{
		PublicKey:  cfg.VAPID.PublicKey,
		PrivateKey: cfg.VAPID.PrivateKey,
		Subject:    cfg.VAPID.Subject,
	}, logger)
	if !sender.Enabled() {
		logger.Warn("web push disabled, no VAPID keys configured")
	}

	h := handlers.New(cfg, st, broker.NewHub(), sender, turnServer, logger)

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := h.Router(slogGinLogger(logger))

	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "port", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return err
	}
	return nil
}
