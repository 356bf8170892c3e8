// Package server wires the relay and the signaling hub onto one HTTP
// server: /ws speaks the command-relay protocol, /signal the call-signaling
// protocol.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/umdomby/esplink/internal/relay"
	"github.com/umdomby/esplink/internal/server/middleware"
	"github.com/umdomby/esplink/internal/signal"
	"github.com/umdomby/esplink/pkg/config"
	"github.com/umdomby/esplink/pkg/devicedir"
	"github.com/umdomby/esplink/pkg/transport"
)

type App struct {
	logger     *slog.Logger
	registry   *relay.Registry
	router     *relay.Router
	supervisor *relay.Supervisor
	hub        *signal.Hub
	wg         sync.WaitGroup
	http       *http.Server
	config     *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, directory devicedir.Directory) *App {
	registry := relay.NewRegistry(logger)
	router := relay.NewRouter(logger, registry, directory)
	supervisor := relay.NewSupervisor(logger, registry, cfg.Relay.ProbeInterval)
	hub := signal.NewHub(logger)

	app := &App{
		logger:     logger,
		registry:   registry,
		router:     router,
		supervisor: supervisor,
		hub:        hub,
		config:     cfg,
		ctx:        rootCtx,
	}

	connCounter := registry.CountByAddr
	connCycler := func(addr string) {
		oldest, found := registry.OldestByAddr(addr)
		if found {
			logger.Info("Cycling connection: closing oldest", "addr", addr, "connID", oldest.ID)
			oldest.Transport.Close(errors.New("connection cycled by new connection"))
		}
	}

	common := []middleware.Middleware{
		middleware.RequestMetadataMiddleware(),
		middleware.NewRequestLogger(app.logger),
	}
	relayChain := append(common, middleware.NewConnectionLimiter(
		logger,
		connCounter,
		connCycler,
		cfg.Server.ConnectionLimit,
	))
	if cfg.Server.Auth.JWTSecret != "" {
		relayChain = append(relayChain, middleware.NewAuthMiddleware(logger, cfg.Server.Auth.JWTSecret))
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", middleware.Chain(http.HandlerFunc(app.relayHandler), relayChain...))
	mux.Handle("/signal", middleware.Chain(http.HandlerFunc(app.signalHandler), common...))

	app.http = &http.Server{Addr: cfg.Server.Address, Handler: mux, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app
}

func (a *App) Run() error {
	go a.supervisor.Run(a.ctx)

	go func() {
		var err error
		if a.config.Server.TLS.CertFile != "" && a.config.Server.TLS.KeyFile != "" {
			a.logger.Info("Server starting with TLS", slog.String("addr", a.http.Addr))
			err = a.http.ListenAndServeTLS(a.config.Server.TLS.CertFile, a.config.Server.TLS.KeyFile)
		} else {
			a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
			err = a.http.ListenAndServe()
		}
		if err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) relayHandler(w http.ResponseWriter, r *http.Request) {
	conn, reqMeta, ok := a.accept(w, r)
	if !ok {
		return
	}

	stateConn, err := a.registry.Register(conn.ID(), conn, reqMeta.IP)
	if err != nil {
		a.logger.Error("Failed to register connection", slog.Any("error", err))
		conn.Close(err)
		return
	}
	conn.SetOnMessageHandler(a.router.HandleMessage)
	conn.SetOnCloseHandler(a.router.HandleClose)

	a.router.HandleConnect(stateConn)
	conn.Run()
	<-conn.Done()
}

func (a *App) signalHandler(w http.ResponseWriter, r *http.Request) {
	conn, _, ok := a.accept(w, r)
	if !ok {
		return
	}

	a.hub.HandleConnect(conn.ID(), conn)
	conn.SetOnMessageHandler(a.hub.HandleMessage)
	conn.SetOnCloseHandler(a.hub.HandleClose)

	conn.Run()
	<-conn.Done()
}

func (a *App) accept(w http.ResponseWriter, r *http.Request) (*transport.Connection, *middleware.RequestMetadata, bool) {
	reqMeta, _ := middleware.ReqMetadataFrom(r.Context())

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return nil, nil, false
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig{ReadTimeout: a.config.Transport.ReadTimeout},
		nil,
		nil,
		a.logger,
	)
	return conn, reqMeta, true
}

// graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// close all active WebSocket connections.
	a.logger.Info("Closing all active connections...")
	for _, conn := range a.registry.Snapshot() {
		conn.Transport.Close(errors.New("graceful shutdown"))
	}

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}
