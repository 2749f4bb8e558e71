// Package handlers implements the HTTP and websocket surface of the server:
// authentication, the call record API, push subscription management and the
// ephemeral signal relay.
package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mpetrov/chatline/internal/broker"
	"github.com/mpetrov/chatline/internal/config"
	"github.com/mpetrov/chatline/internal/push"
	"github.com/mpetrov/chatline/internal/store"
	"github.com/mpetrov/chatline/internal/turn"
)

type Handlers struct {
	config *config.Config
	store  *store.Store
	hub    *broker.Hub
	push   *push.Sender
	turn   *turn.Server
	log    *slog.Logger

	wsUpgrader websocket.Upgrader
	nowFn      func() time.Time
}

func New(cfg *config.Config, st *store.Store, hub *broker.Hub, sender *push.Sender, turnServer *turn.Server, log *slog.Logger) *Handlers {
	return &Handlers{
		config: cfg,
		store:  st,
		hub:    hub,
		push:   sender,
		turn:   turnServer,
		log:    log,
		wsUpgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		nowFn: time.Now,
	}
}
