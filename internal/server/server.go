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
	"github.com/google/uuid"

	"github.com/mealmesh/mealmesh/internal/auth"
	"github.com/mealmesh/mealmesh/internal/coordinator"
	"github.com/mealmesh/mealmesh/internal/metrics"
	"github.com/mealmesh/mealmesh/internal/router"
	"github.com/mealmesh/mealmesh/internal/server/middleware"
	"github.com/mealmesh/mealmesh/internal/store"
	"github.com/mealmesh/mealmesh/pkg/config"
	"github.com/mealmesh/mealmesh/pkg/state"
	"github.com/mealmesh/mealmesh/pkg/state/statemanager"
	"github.com/mealmesh/mealmesh/pkg/transport"
)

// App wires the coordination layer together: one explicitly constructed
// registry instance owned here, injected into the router and coordinator. No
// process-wide singletons.
type App struct {
	logger      *slog.Logger
	registry    state.Registry
	router      *router.Router
	coordinator *coordinator.Coordinator
	metrics     *metrics.Metrics
	wg          sync.WaitGroup
	http        *http.Server
	config      *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, orders store.OrderStore, verifier auth.Verifier) *App {
	m := metrics.New()
	registry := statemanager.NewInMemoryRegistry(logger)
	eventRouter := router.New(logger, registry, m)
	coord := coordinator.New(logger, orders, eventRouter, registry, m)

	app := &App{
		logger:      logger,
		registry:    registry,
		router:      eventRouter,
		coordinator: coord,
		metrics:     m,
		config:      cfg,
		ctx:         rootCtx,
	}

	mux := http.NewServeMux()

	// Cycler closes the oldest connection when a participant is over the cap.
	connCycler := func(participantID string) {
		oldest, found := registry.FindOldestParticipantConnection(participantID)
		if found {
			logger.Info("cycling connection: closing oldest",
				slog.String("participantID", participantID),
				slog.String("connID", oldest.ID.String()),
			)
			oldest.Transport.Close(errors.New("connection cycled by new connection"))
		}
	}

	authed := func(h http.Handler) http.Handler {
		return middleware.Chain(h,
			middleware.RequestMetadataMiddleware(),
			middleware.NewRequestLogger(logger),
			middleware.NewAuthMiddleware(logger, verifier),
		)
	}

	mux.Handle("/ws", middleware.Chain(http.HandlerFunc(app.upgradeHandler),
		middleware.RequestMetadataMiddleware(),
		middleware.NewRequestLogger(logger),
		middleware.NewAuthMiddleware(logger, verifier),
		middleware.NewConnectionLimiter(
			logger,
			registry.ParticipantConnectionCount,
			connCycler,
			cfg.Server.ConnectionLimit,
		),
	))

	api := newAPI(logger, coord, orders)
	mux.Handle("POST /api/orders", authed(http.HandlerFunc(api.createOrder)))
	mux.Handle("PUT /api/orders/{id}/status", authed(http.HandlerFunc(api.updateOrderStatus)))
	mux.Handle("GET /api/orders/{id}", authed(http.HandlerFunc(api.getOrder)))
	mux.Handle("GET /api/my-orders", authed(http.HandlerFunc(api.listMyOrders)))
	mux.HandleFunc("GET /api/health", api.health)
	mux.Handle("GET /metrics", m.Handler())

	app.http = &http.Server{
		Addr:    cfg.Server.Address,
		Handler: mux,
		BaseContext: func(l net.Listener) context.Context {
			return app.ctx
		},
	}

	return app
}

// Coordinator exposes the order coordinator for callers embedding the App.
func (a *App) Coordinator() *coordinator.Coordinator {
	return a.coordinator
}

func (a *App) Run() error {
	go func() {
		a.logger.Info("server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, ok := middleware.ReqMetadataFrom(r.Context())
	if !ok || reqMeta.ParticipantID == "" {
		// Auth middleware admits no one without an identity; this is belt
		// and suspenders against a misordered chain.
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("participantID", reqMeta.ParticipantID),
		slog.String("role", string(reqMeta.Role)),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("failed to accept websocket connection", slog.Any("error", err))
		return
	}

	// Handlers go in at construction: the connection limiter's cycler may
	// Close this connection at any moment after Admit, and teardown must
	// always reach the registry. Remove tolerates ids it has never seen, so
	// an admission failure after a racing Close stays consistent.
	a.metrics.ConnectionsActive.Inc()
	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		a.config.Transport,
		a.coordinator.HandleMessage,
		func(id uuid.UUID, err error) {
			connLogger.Info("removing connection due to closure", slog.String("connID", id.String()))
			a.metrics.ConnectionsActive.Dec()
			if rErr := a.registry.Remove(id); rErr != nil {
				connLogger.Error("failed to remove connection from registry", slog.Any("error", rErr))
			}
		},
		a.logger,
	)

	if _, err := a.registry.Admit(conn, reqMeta.IP, reqMeta.ParticipantID, reqMeta.Role); err != nil {
		connLogger.Error("failed to admit connection", slog.Any("error", err))
		conn.Close(err)
		return
	}

	connLogger.Info("participant connection fully established")
	conn.Run()
	<-conn.Done()
}

// Shutdown runs the graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// close all active WebSocket connections.
	a.logger.Info("closing all active connections...")
	participants, err := a.registry.AllParticipants()
	if err != nil {
		a.logger.Error(err.Error())
		return err
	}
	for _, p := range participants {
		for _, conn := range p.Connections {
			conn.Transport.Close(errors.New("graceful shutdown"))
		}
	}

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("server shut down gracefully.")
	return nil
}
