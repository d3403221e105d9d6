package status

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"dedicated-matchmaker/config"
	"dedicated-matchmaker/hoster"
	"dedicated-matchmaker/queues"
	"dedicated-matchmaker/registry"
	"dedicated-matchmaker/ticket"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeded(t *testing.T) (*registry.Registry, *registry.ServerRecord) {
	t.Helper()
	reg := registry.New(registry.NewMemoryStore(), hoster.NewStatic(map[string]config.RegionHost{"NAE": {Address: "10.0.0.1", Port: 7777}}), 7777, time.Minute)
	tk := &ticket.Ticket{AccountID: "a1", BucketID: "Live:_:NAE:solo", Region: "NAE", Season: 3, Playlist: "solo"}
	rec, _, err := reg.Admit(context.Background(), tk, "a1")
	require.NoError(t, err)
	return reg, rec
}

func TestSetter_Apply(t *testing.T) {
	ctx := context.Background()
	reg, rec := seeded(t)
	s := NewSetter(reg)

	tests := []struct {
		name      string
		upd       queues.StatusUpdate
		want      registry.Status
		wantErrIs error
	}{
		{"online", queues.StatusUpdate{SessionID: rec.SessionID, Status: "online"}, registry.StatusOnline, nil},
		{"maintenance", queues.StatusUpdate{SessionID: rec.SessionID, Status: "MAINTENANCE"}, registry.StatusMaintenance, nil},
		{"invalid status", queues.StatusUpdate{SessionID: rec.SessionID, Status: "ready"}, "", ErrInvalidStatus},
		{"unknown session", queues.StatusUpdate{SessionID: "nope", Status: "ONLINE"}, "", registry.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := s.Apply(ctx, &tt.upd)
			if tt.wantErrIs != nil {
				assert.True(t, eris.Is(err, tt.wantErrIs), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, out.Status)
		})
	}
}

func TestSetter_Handle(t *testing.T) {
	ctx := context.Background()
	reg, rec := seeded(t)
	s := NewSetter(reg)

	assert.NoError(t, s.Handle(ctx, &queues.StatusUpdate{SessionID: "nope", Status: "ONLINE"}))
	assert.NoError(t, s.Handle(ctx, &queues.StatusUpdate{SessionID: rec.SessionID, Status: "sideways"}))
	assert.NoError(t, s.Handle(ctx, &queues.StatusUpdate{SessionID: rec.SessionID, Status: "ONLINE"}))

	got, err := reg.Refresh(ctx, rec.Key())
	require.NoError(t, err)
	assert.Equal(t, registry.StatusOnline, got.Status)
}

func TestRegister(t *testing.T) {
	reg, rec := seeded(t)
	mux := http.NewServeMux()
	Register(mux, NewSetter(reg), "tok")

	tests := []struct {
		name     string
		method   string
		path     string
		auth     string
		body     string
		wantCode int
	}{
		{"set online", http.MethodPost, "/admin/servers/" + rec.SessionID + "/status", "Bearer tok", `{"status":"ONLINE"}`, http.StatusOK},
		{"missing token", http.MethodPost, "/admin/servers/" + rec.SessionID + "/status", "", `{"status":"ONLINE"}`, http.StatusUnauthorized},
		{"wrong token", http.MethodPost, "/admin/servers/" + rec.SessionID + "/status", "Bearer nope", `{"status":"ONLINE"}`, http.StatusUnauthorized},
		{"invalid status", http.MethodPost, "/admin/servers/" + rec.SessionID + "/status", "Bearer tok", `{"status":"READY"}`, http.StatusBadRequest},
		{"invalid body", http.MethodPost, "/admin/servers/" + rec.SessionID + "/status", "Bearer tok", `status=ONLINE`, http.StatusBadRequest},
		{"unknown session", http.MethodPost, "/admin/servers/nope/status", "Bearer tok", `{"status":"ONLINE"}`, http.StatusNotFound},
		{"get record", http.MethodGet, "/admin/servers/" + rec.SessionID, "Bearer tok", "", http.StatusOK},
		{"get unknown", http.MethodGet, "/admin/servers/nope", "Bearer tok", "", http.StatusNotFound},
		{"wrong method", http.MethodGet, "/admin/servers/" + rec.SessionID + "/status", "Bearer tok", "", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rr := httptest.NewRecorder()
			mux.ServeHTTP(rr, req)
			assert.Equal(t, tt.wantCode, rr.Code, rr.Body.String())
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/admin/servers/"+rec.SessionID, nil)
	req.Header.Set("Authorization", "Bearer tok")
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	var got registry.ServerRecord
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &got))
	assert.Equal(t, registry.StatusOnline, got.Status)
}

func TestRegister_OpenWithoutToken(t *testing.T) {
	reg, rec := seeded(t)
	mux := http.NewServeMux()
	Register(mux, NewSetter(reg), "")

	req := httptest.NewRequest(http.MethodPost, "/admin/servers/"+rec.SessionID+"/status", strings.NewReader(`{"status":"maintenance"}`))
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusOK, rr.Code)
}
