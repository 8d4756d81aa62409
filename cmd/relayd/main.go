package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/unidesk/unidesk/collab-go/internal/config"
	"github.com/unidesk/unidesk/collab-go/internal/relay"
	"github.com/unidesk/unidesk/collab-go/internal/store"
	"github.com/unidesk/unidesk/collab-go/internal/typeid"
)

func main() {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		slog.Error("open snapshot store", "backend", cfg.StoreBackend, "error", err)
		os.Exit(1)
	}
	defer st.Close()

	metrics := &relay.Metrics{}
	registry := relay.NewRegistry(st, relay.RegistryConfig{
		LogCap:        cfg.OperationLogCap,
		IdleGrace:     cfg.RoomIdleGrace,
		SweepInterval: cfg.RoomSweepInterval,
		MaxIdleAge:    cfg.RoomMaxIdleAge,
	}, metrics)
	hub := relay.NewHub(registry, metrics)
	go hub.Run()
	go registry.Run(ctx)

	verifier := relay.NewTokenVerifier(cfg.JoinTokenSecret)
	origins := strings.Split(cfg.AllowedOrigins, ",")

	r := mux.NewRouter()

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	r.HandleFunc("/metrics", metrics.Handler(registry)).Methods("GET")

	// WebSocket endpoint
	r.HandleFunc("/ws/doc/{documentId}", func(w http.ResponseWriter, r *http.Request) {
		handleWebSocket(w, r, hub, verifier, origins)
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down relay")

		// Stop the hub first so every live room snapshot is persisted
		hub.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("relay starting", "addr", addr, "store", cfg.StoreBackend)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.StoreBackend {
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.DatabaseURL)
	case "redis":
		return store.NewRedisStore(ctx, cfg.RedisAddr)
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}

func handleWebSocket(w http.ResponseWriter, r *http.Request, hub *relay.Hub, verifier *relay.TokenVerifier, origins []string) {
	vars := mux.Vars(r)
	documentID := vars["documentId"]

	var userID, userName string
	if verifier != nil {
		token := r.URL.Query().Get("token")
		if token == "" {
			http.Error(w, "missing token", http.StatusUnauthorized)
			return
		}
		var err error
		userID, userName, err = verifier.Verify(token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
	} else {
		userID = r.URL.Query().Get("userId")
		userName = r.URL.Query().Get("userName")
	}
	if userID == "" {
		userID = "anon-" + uuid.New().String()[:8]
	}
	if userName == "" {
		userName = "Anonymous"
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: origins,
	})
	if err != nil {
		slog.Error("websocket accept", "error", err)
		return
	}

	client := relay.NewClient(hub, conn, typeid.NewConnectionID(), userID, userName, documentID)
	hub.Register(client)

	ctx := r.Context()
	go client.WritePump(ctx)
	client.ReadPump(ctx)
}
