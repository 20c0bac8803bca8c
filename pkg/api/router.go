// Package api is the HTTP surface: the websocket upgrade, channel history
// fetches, upload grants, file-message ingestion and the backend-only user
// profile upsert. Liveness, readiness and metrics ride the same listener.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"chatrelay/pkg/auth"
	"chatrelay/pkg/bus"
	"chatrelay/pkg/chatlog"
	"chatrelay/pkg/gateway"
	"chatrelay/pkg/store"
	"chatrelay/pkg/uploads"
)

// Deps are the wired components the handlers reach.
type Deps struct {
	Hub *gateway.Hub
	Log *chatlog.Log
	Bus bus.Bus
	// Signer is nil when uploads are not configured; the presign endpoints
	// then answer 404.
	Signer *uploads.Signer
	Sec    auth.SecConfig
}

var deps Deps

// Handler builds the full HTTP handler.
func Handler(d Deps) http.Handler {
	deps = d
	r := mux.NewRouter()

	r.HandleFunc("/healthz", healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", readyz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/ws", d.Hub.ServeWS).Methods(http.MethodGet)

	user := r.PathPrefix("/v1").Subrouter()
	user.Use(auth.RequireUser(d.Sec))
	user.HandleFunc("/channels/{channelID}/messages", listChannelMessages).Methods(http.MethodGet)
	user.HandleFunc("/channels/{channelID}/files", createFileMessage).Methods(http.MethodPost)
	user.HandleFunc("/uploads/presign", presignUpload).Methods(http.MethodPost)

	backend := r.PathPrefix("/v1/backend").Subrouter()
	backend.Use(auth.RequireBackend(d.Sec))
	backend.HandleFunc("/users/{id}", upsertUser).Methods(http.MethodPut)

	c := cors.New(cors.Options{
		AllowedOrigins:   d.Sec.AllowedOrigins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Authorization", "Content-Type", "X-API-Key", "X-User-ID", "X-User-Signature"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}

func healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func readyz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !store.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"status":"not ready"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ready"}`))
}
