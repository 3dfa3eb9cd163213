package handler

import (
	"net/http"

	"github.com/frontdesklabs/call-engine/internal/broker"
	"github.com/frontdesklabs/call-engine/internal/config"
	"github.com/frontdesklabs/call-engine/internal/ingress"
	"github.com/frontdesklabs/call-engine/internal/registry"
	"github.com/gorilla/mux"
)

// SetupRoutes wires the HTTP surface: the provider webhook, the media
// websocket, the dashboard query endpoint, and health.
func SetupRoutes(cfg *config.EngineConfig, webhook *ingress.Handler, recording *ingress.RecordingHandler, reg *registry.Registry, brk *broker.Broker) *mux.Router {
	router := mux.NewRouter()
	router.Use(CORSMiddleware)
	router.Use(LoggingMiddleware)

	callHandler := NewCallHandler(reg, brk, cfg.InstanceID)
	mediaHandler := NewMediaHandler(brk)

	router.HandleFunc("/health", callHandler.Health).Methods("GET")

	router.HandleFunc("/webhooks/telephony", webhook.HandleWebhook).Methods("POST")
	router.HandleFunc("/webhooks/telephony/recording", recording.HandleRecording).Methods("POST")

	router.HandleFunc("/media/{callID}", mediaHandler.ServeMedia).Methods("GET")

	guarded := APIKeyMiddleware(cfg.APISecretKey)
	router.Handle("/calls/{callID}",
		guarded(http.HandlerFunc(callHandler.GetCall))).Methods("GET")

	return router
}
