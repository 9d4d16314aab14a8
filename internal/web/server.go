// Package web is the hub's HTTP surface: account endpoints issuing bearer
// tokens, avatar upload and download, push subscription registration, and
// the websocket sync endpoint remote clients attach to.
package web

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/hehehe1cracka/empathic-space-hub/internal/auth"
	"github.com/hehehe1cracka/empathic-space-hub/internal/avatars"
	"github.com/hehehe1cracka/empathic-space-hub/internal/gateway"
	"github.com/hehehe1cracka/empathic-space-hub/internal/notify"
	"github.com/hehehe1cracka/empathic-space-hub/internal/remote"
)

type Server struct {
	server *http.Server
	wg     sync.WaitGroup
}

func NewServer(authSvc *auth.Service, gw gateway.Gateway, avatarStore *avatars.Store, push *notify.Sender, addr, baseURL string) *Server {
	h := &handlers{
		auth:    authSvc,
		gw:      gw,
		avatars: avatarStore,
		push:    push,
		sync:    remote.NewServer(gw),
		baseURL: baseURL,
		upgrader: &websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Allow all origins for now
			},
		},
	}

	if addr == "" {
		addr = ":8080"
	}

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: h.routes(),
		},
	}
}

func (s *Server) Start() error {
	slog.Info("server started", "addr", s.server.Addr)
	s.wg.Add(1)
	defer s.wg.Done()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	defer s.wg.Wait()
	return s.server.Shutdown(ctx)
}
