// Package ota implements the first-contact provisioning handshake for
// unclaimed devices: activation codes, challenges and the polling flow.
package ota

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/softwind/echowire/internal/cache"
)

const (
	// ActivationTTL bounds how long an unconsumed code stays valid.
	ActivationTTL = 24 * time.Hour
	// challengeLen is the number of base64 chars of SHA-256(code) the
	// device echoes back during binding.
	challengeLen = 32

	activationTimeoutMs = 30_000
)

// Config carries what a registered device needs to connect.
type Config struct {
	WebSocketURL string
	AuthToken    string

	MQTTBroker   string
	MQTTUsername string
}

// Bundle is the cached activation state for one MAC.
type Bundle struct {
	Code       string          `json:"code"`
	MAC        string          `json:"mac"`
	Descriptor json.RawMessage `json:"descriptor"`
	CreatedAt  time.Time       `json:"created_at"`
}

func macKey(mac string) string   { return "ota:mac:" + mac }
func codeKey(code string) string { return "ota:code:" + code }

// Challenge derives the activation challenge: the first 32 base64 chars
// of SHA-256(code).
func Challenge(code string) string {
	sum := sha256.Sum256([]byte(code))
	encoded := base64.StdEncoding.EncodeToString(sum[:])
	if len(encoded) > challengeLen {
		encoded = encoded[:challengeLen]
	}
	return encoded
}

// NewCode draws a 6-digit decimal code uniformly at random.
func NewCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate activation code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}

// Handler serves POST /ota and POST /ota/activate.
type Handler struct {
	cache    cache.Store
	registry DeviceRegistry
	cfg      Config
}

func NewHandler(store cache.Store, registry DeviceRegistry, cfg Config) *Handler {
	return &Handler{cache: store, registry: registry, cfg: cfg}
}

type otaRequest struct {
	MACAddress string `json:"mac_address"`
}

// HandleOTA answers first contact: known MACs get connection config,
// unknown MACs get an activation code + challenge.
func (h *Handler) HandleOTA(w http.ResponseWriter, r *http.Request) {
	body := json.RawMessage{}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var req otaRequest
	_ = json.Unmarshal(body, &req)
	mac := req.MACAddress
	if mac == "" {
		mac = r.Header.Get("Device-Id")
	}
	if mac == "" {
		http.Error(w, "missing device mac", http.StatusBadRequest)
		return
	}

	ctx := r.Context()

	if _, err := h.registry.FindByMAC(ctx, mac); err == nil {
		h.writeJSON(w, http.StatusOK, h.configResponse())
		return
	} else if !errors.Is(err, ErrDeviceNotFound) {
		slog.Error("ota: device lookup failed", "mac", mac, "error", err)
		http.Error(w, "registry unavailable", http.StatusServiceUnavailable)
		return
	}

	bundle, err := h.activationFor(ctx, mac, body)
	if err != nil {
		// Activation state fails closed: without the cache we cannot
		// guarantee code uniqueness.
		slog.Error("ota: activation storage failed", "mac", mac, "error", err)
		http.Error(w, "activation unavailable", http.StatusServiceUnavailable)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"activation": map[string]any{
			"code":       bundle.Code,
			"challenge":  Challenge(bundle.Code),
			"timeout_ms": activationTimeoutMs,
		},
	})
}

// activationFor returns the existing unexpired bundle for the MAC or
// creates a new one, keeping (code, MAC) unique via the reverse index.
func (h *Handler) activationFor(ctx context.Context, mac string, descriptor json.RawMessage) (*Bundle, error) {
	var existing Bundle
	if err := h.cache.GetJSON(ctx, macKey(mac), &existing); err == nil {
		return &existing, nil
	} else if !errors.Is(err, cache.ErrNotFound) {
		return nil, err
	}

	for attempt := 0; attempt < 5; attempt++ {
		code, err := NewCode()
		if err != nil {
			return nil, err
		}

		// The reverse index claims the code; SetNX keeps codes unique
		// across unexpired entries.
		claimed, err := h.cache.SetNX(ctx, codeKey(code), mac, ActivationTTL)
		if err != nil {
			return nil, err
		}
		if !claimed {
			continue
		}

		bundle := &Bundle{
			Code:       code,
			MAC:        mac,
			Descriptor: descriptor,
			CreatedAt:  time.Now().UTC(),
		}
		if err := h.cache.SetJSON(ctx, macKey(mac), bundle, ActivationTTL); err != nil {
			return nil, err
		}

		slog.Info("ota: activation code issued", "mac", mac)
		return bundle, nil
	}
	return nil, fmt.Errorf("could not allocate a unique activation code")
}

type activateRequest struct {
	MACAddress string `json:"mac_address"`
}

// HandleActivate is the device's poll: 200 once the MAC is registered,
// 202 while the activation entry is still alive, 404 otherwise.
func (h *Handler) HandleActivate(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.MACAddress == "" {
		mac := r.Header.Get("Device-Id")
		if mac == "" {
			http.Error(w, "missing device mac", http.StatusBadRequest)
			return
		}
		req.MACAddress = mac
	}

	ctx := r.Context()

	if _, err := h.registry.FindByMAC(ctx, req.MACAddress); err == nil {
		// Bound. Drop any leftover activation state.
		h.consume(ctx, req.MACAddress)
		h.writeJSON(w, http.StatusOK, h.configResponse())
		return
	} else if !errors.Is(err, ErrDeviceNotFound) {
		slog.Error("ota: device lookup failed", "mac", req.MACAddress, "error", err)
		http.Error(w, "registry unavailable", http.StatusServiceUnavailable)
		return
	}

	var bundle Bundle
	err := h.cache.GetJSON(ctx, macKey(req.MACAddress), &bundle)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, cache.ErrNotFound):
		http.Error(w, "no pending activation", http.StatusNotFound)
	default:
		slog.Error("ota: activation lookup failed", "mac", req.MACAddress, "error", err)
		http.Error(w, "activation unavailable", http.StatusServiceUnavailable)
	}
}

// consume deletes both directions of the activation mapping.
func (h *Handler) consume(ctx context.Context, mac string) {
	var bundle Bundle
	if err := h.cache.GetJSON(ctx, macKey(mac), &bundle); err == nil {
		_ = h.cache.Delete(ctx, codeKey(bundle.Code))
	}
	_ = h.cache.Delete(ctx, macKey(mac))
}

func (h *Handler) configResponse() map[string]any {
	resp := map[string]any{
		"websocket": map[string]any{
			"url":   h.cfg.WebSocketURL,
			"token": h.cfg.AuthToken,
		},
	}
	if h.cfg.MQTTBroker != "" {
		resp["mqtt"] = map[string]any{
			"endpoint": h.cfg.MQTTBroker,
			"username": h.cfg.MQTTUsername,
		}
	}
	return resp
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("ota: response encode failed", "error", err)
	}
}
