// Package main runs the EchoNote sync core as a localhost server for
// the desktop shell: REST on the listen address, push events over /ws,
// Prometheus metrics on a second loopback port.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tomoike/echonote-core/cmd/desktop/handlers"
	"github.com/tomoike/echonote-core/internal/config"
	"github.com/tomoike/echonote-core/internal/db"
	"github.com/tomoike/echonote-core/internal/events"
	"github.com/tomoike/echonote-core/internal/logging"
	"github.com/tomoike/echonote-core/internal/metrics"
	"github.com/tomoike/echonote-core/internal/sync"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.InitDefault()
		logging.Fatal("load configuration", logging.Err(err))
	}

	if err := logging.Init(logging.Config{
		Level:      cfg.LogLevel,
		Format:     cfg.LogFormat,
		OutputPath: cfg.LogPath,
	}); err != nil {
		logging.InitDefault()
		logging.Warn("logger init failed, using defaults", logging.Err(err))
	}
	defer logging.Sync()

	database, err := db.Open(cfg.DatabasePath())
	if err != nil {
		logging.Fatal("open database", logging.Err(err))
	}
	defer database.Close()

	if err := db.NewMigrator(database.DB).Up(); err != nil {
		logging.Fatal("apply migrations", logging.Err(err))
	}

	repo := db.NewRepository(database.DB)
	bus := events.NewBroadcaster()

	manager := sync.NewManager(repo, bus, cfg)
	defer manager.Close()

	// A stored session brings the sync stack up without the user
	// re-entering credentials. Failure here is not fatal; the shell
	// shows the sign-in screen instead.
	if err := manager.Restore(); err != nil {
		logging.Warn("session restore failed", logging.Err(err))
	}

	hub := NewWSHub(bus)
	defer hub.Stop()

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           logging.Middleware(metrics.Middleware(newMux(repo, manager, hub))),
		ReadHeaderTimeout: 10 * time.Second,
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metrics.Handler())
	metricsSrv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           metricsMux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logging.Info("metrics listening", logging.String("addr", cfg.MetricsAddr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("metrics server", logging.Err(err))
		}
	}()

	go func() {
		logging.Info("sync core listening", logging.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal("http server", logging.Err(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logging.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.Error("http shutdown", logging.Err(err))
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logging.Error("metrics shutdown", logging.Err(err))
	}
}

// newMux wires every route of the local API.
func newMux(repo *db.Repository, manager *sync.Manager, hub *WSHub) *http.ServeMux {
	sessionHandler := handlers.NewSessionHandler(manager)
	notesHandler := handlers.NewNotesHandler(repo, manager)
	foldersHandler := handlers.NewFoldersHandler(repo, manager)
	actionsHandler := handlers.NewActionsHandler(repo, manager)
	syncHandler := handlers.NewSyncHandler(manager)
	uploadsHandler := handlers.NewUploadsHandler(repo, manager)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok","service":"echonote-core"}`))
	})

	mux.HandleFunc("POST /session/sign-in", sessionHandler.SignIn)
	mux.HandleFunc("POST /session/sign-out", sessionHandler.SignOut)
	mux.HandleFunc("GET /session", sessionHandler.Current)

	mux.HandleFunc("GET /notes", notesHandler.List)
	mux.HandleFunc("POST /notes", notesHandler.Create)
	mux.HandleFunc("GET /notes/{id}", notesHandler.Get)
	mux.HandleFunc("PATCH /notes/{id}", notesHandler.Update)
	mux.HandleFunc("DELETE /notes/{id}", notesHandler.Delete)

	mux.HandleFunc("GET /folders", foldersHandler.List)
	mux.HandleFunc("POST /folders", foldersHandler.Create)
	mux.HandleFunc("PATCH /folders/{id}", foldersHandler.Update)
	mux.HandleFunc("DELETE /folders/{id}", foldersHandler.Delete)

	mux.HandleFunc("GET /actions", actionsHandler.List)
	mux.HandleFunc("POST /actions", actionsHandler.Create)
	mux.HandleFunc("PATCH /actions/{id}", actionsHandler.Update)
	mux.HandleFunc("DELETE /actions/{id}", actionsHandler.Delete)

	mux.HandleFunc("GET /sync/status", syncHandler.Status)
	mux.HandleFunc("POST /sync/trigger", syncHandler.Trigger)
	mux.HandleFunc("POST /sync/full", syncHandler.Full)

	mux.HandleFunc("POST /uploads", uploadsHandler.Queue)
	mux.HandleFunc("GET /uploads", uploadsHandler.List)

	mux.HandleFunc("GET /ws", HandleWebSocket(hub))

	return mux
}
