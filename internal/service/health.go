package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// healthPort is the loopback health endpoint port.
const healthPort = 9100

// healthServer serves /healthz on loopback for process supervisors.
type healthServer struct {
	server    *http.Server
	startedAt time.Time
}

func newHealthServer() *healthServer {
	hs := &healthServer{startedAt: time.Now()}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", hs.handleHealthz)
	hs.server = &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", healthPort),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return hs
}

func (hs *healthServer) start() {
	go func() {
		if err := hs.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health endpoint failed", "error", err)
		}
	}()
}

func (hs *healthServer) stop(ctx context.Context) {
	_ = hs.server.Shutdown(ctx)
}

func (hs *healthServer) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":   "ok",
		"uptimeMs": time.Since(hs.startedAt).Milliseconds(),
	})
}
