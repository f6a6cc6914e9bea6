package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/callcore/internal/channel"
	"firestige.xyz/callcore/internal/msrp"
)

func serve(t *testing.T, h *Handlers, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	r := mux.NewRouter()
	h.Mount(r)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return rec, body
}

func TestHealth(t *testing.T) {
	reg := channel.NewRegistry(channel.Options{})
	reg.Create("sofia/a")

	rec, body := serve(t, New(reg, nil), "/api/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(1), body["channels"])
	assert.Equal(t, false, body["msrp"])
}

func TestChannels(t *testing.T) {
	reg := channel.NewRegistry(channel.Options{})
	a := reg.Create("sofia/a")
	reg.Create("sofia/b")
	h := New(reg, nil)

	rec, body := serve(t, h, "/api/channels")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["count"])

	rec, body = serve(t, h, "/api/channels/"+a.UUID())
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, a.UUID(), body["uuid"])
	assert.Equal(t, "sofia/a", body["name"])
	assert.Equal(t, "CS_NEW", body["state"])

	rec, body = serve(t, h, "/api/channels/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, body["error"], "missing")
}

func TestSessions(t *testing.T) {
	reg := channel.NewRegistry(channel.Options{})

	rec, _ := serve(t, New(reg, nil), "/api/sessions")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	cfg := msrp.DefaultConfig()
	cfg.ListenIP = "127.0.0.1"
	cfg.ListenPort = 0
	cfg.ListenSSLPort = -1
	e, err := msrp.NewEngine(cfg)
	require.NoError(t, err)
	require.NoError(t, e.Start(context.Background()))
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	}()
	_, err = e.NewSession("call-1", false)
	require.NoError(t, err)

	rec, body := serve(t, New(reg, e), "/api/sessions")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["count"])
	sessions := body["sessions"].([]any)
	assert.Equal(t, "call-1", sessions[0].(map[string]any)["call_id"])
}
