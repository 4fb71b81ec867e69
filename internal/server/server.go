// Package server wires the HTTP surface: the device WebSocket, the
// provisioning handshake, the notification webhook and health probes.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/softwind/echowire/internal/ota"
	"github.com/softwind/echowire/internal/scheduler"
	"github.com/softwind/echowire/internal/session"
)

// Options carries the composed subsystems. OTA and Scheduler may be nil in
// stripped-down deployments; their routes then answer 404.
type Options struct {
	// AuthToken guards /ws. Empty disables the check.
	AuthToken string

	SessionDeps session.Deps
	Devices     ota.DeviceRegistry
	OTA         *ota.Handler
	Scheduler   *scheduler.Scheduler

	// Ready probes gate /health/ready (database ping, cache ping).
	Ready []func(ctx context.Context) error
}

type Server struct {
	opts     Options
	baseCtx  context.Context
	upgrader websocket.Upgrader
}

// New builds the server. Sessions created by /ws live on baseCtx, not on
// the upgrade request's context.
func New(baseCtx context.Context, opts Options) *Server {
	return &Server{
		opts:    opts,
		baseCtx: baseCtx,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Devices are not browsers; there is no origin to trust.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.handleWS)
	if s.opts.OTA != nil {
		r.Post("/ota", s.opts.OTA.HandleOTA)
		r.Post("/ota/activate", s.opts.OTA.HandleActivate)
	}
	if s.opts.Scheduler != nil {
		r.Post("/agents/{id}/webhook", s.handleWebhook)
	}
	r.Get("/health", s.handleHealth)
	r.Get("/health/live", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	r.Get("/health/ready", s.handleReady)
	return r
}

// handleWS authenticates and upgrades a device connection. Failures are
// rejected before the upgrade so an unauthenticated client never sees a
// WebSocket handshake succeed.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.opts.AuthToken != "" && bearerToken(r) != s.opts.AuthToken {
		slog.Warn("ws: rejected connection with bad token", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	mac := deviceMAC(r)
	if mac == "" {
		http.Error(w, "missing device id", http.StatusBadRequest)
		return
	}

	uuid, err := s.opts.Devices.FindByMAC(r.Context(), mac)
	if err != nil {
		if errors.Is(err, ota.ErrDeviceNotFound) {
			slog.Warn("ws: rejected unprovisioned device", "mac", mac)
			http.Error(w, "device not activated", http.StatusForbidden)
			return
		}
		slog.Error("ws: device lookup failed", "mac", mac, "error", err)
		http.Error(w, "registry unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("ws: upgrade failed", "mac", mac, "error", err)
		return
	}

	sess := session.New(s.opts.SessionDeps, conn, mac, uuid.String())
	sess.Run(s.baseCtx)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func deviceMAC(r *http.Request) string {
	if mac := r.Header.Get("Device-Id"); mac != "" {
		return mac
	}
	return r.URL.Query().Get("device-id")
}

type webhookRequest struct {
	DeviceMAC string `json:"device_mac"`
	UseLLM    bool   `json:"useLLM"`
	Title     string `json:"title"`
	Content   string `json:"content"`
}

// handleWebhook funnels external pushes into the notification router.
// Delivery follows the scheduler's ladder: the live session first, then
// the MQTT broker when the device is offline.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "id")

	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.DeviceMAC == "" || req.Content == "" {
		http.Error(w, "device_mac and content are required", http.StatusBadRequest)
		return
	}

	err := s.opts.Scheduler.Push(req.DeviceMAC, scheduler.Notification{
		UseLLM:  req.UseLLM,
		Title:   req.Title,
		Content: req.Content,
	})
	if err != nil {
		if errors.Is(err, scheduler.ErrUndeliverable) {
			http.Error(w, "device not connected", http.StatusNotFound)
			return
		}
		http.Error(w, "delivery failed", http.StatusInternalServerError)
		return
	}

	slog.Info("webhook: notification delivered", "agent", agentID, "mac", req.DeviceMAC, "use_llm", req.UseLLM)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.opts.SessionDeps.Sessions.Len(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	for _, probe := range s.opts.Ready {
		if err := probe(ctx); err != nil {
			slog.Warn("health: readiness probe failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "unavailable",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("server: response encode failed", "error", err)
	}
}
