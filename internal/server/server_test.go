package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softwind/echowire/internal/ota"
	"github.com/softwind/echowire/internal/scheduler"
	"github.com/softwind/echowire/internal/session"
)

type fakeDevices struct {
	known map[string]uuid.UUID
}

func (f fakeDevices) FindByMAC(_ context.Context, mac string) (uuid.UUID, error) {
	if id, ok := f.known[mac]; ok {
		return id, nil
	}
	return uuid.Nil, ota.ErrDeviceNotFound
}

func newTestServer(opts Options) *httptest.Server {
	if opts.SessionDeps.Sessions == nil {
		opts.SessionDeps.Sessions = session.NewRegistry()
	}
	srv := New(context.Background(), opts)
	return httptest.NewServer(srv.Handler())
}

func TestWSRejectsBadToken(t *testing.T) {
	ts := newTestServer(Options{AuthToken: "secret", Devices: fakeDevices{}})
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/ws", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	req.Header.Set("Device-Id", "AA:BB:CC:DD:EE:FF")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestWSRequiresDeviceID(t *testing.T) {
	ts := newTestServer(Options{Devices: fakeDevices{}})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/ws")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWSRejectsUnprovisionedDevice(t *testing.T) {
	ts := newTestServer(Options{Devices: fakeDevices{}})
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/ws", nil)
	req.Header.Set("Device-Id", "AA:BB:CC:DD:EE:FF")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestWebhookValidation(t *testing.T) {
	sched := scheduler.New(nil, session.NewRegistry(), nil)
	ts := newTestServer(Options{Devices: fakeDevices{}, Scheduler: sched})
	defer ts.Close()

	// Missing content.
	resp, err := http.Post(ts.URL+"/agents/agent-1/webhook", "application/json",
		strings.NewReader(`{"device_mac":"AA:BB:CC:DD:EE:FF"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Device offline: webhooks never fall back to MQTT.
	resp, err = http.Post(ts.URL+"/agents/agent-1/webhook", "application/json",
		strings.NewReader(`{"device_mac":"AA:BB:CC:DD:EE:FF","content":"hi"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(Options{Devices: fakeDevices{}})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/health/live")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestReadinessProbeFailure(t *testing.T) {
	failing := func(context.Context) error { return assert.AnError }
	ts := newTestServer(Options{Devices: fakeDevices{}, Ready: []func(context.Context) error{failing}})
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health/ready")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
