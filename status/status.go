package status

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"dedicated-matchmaker/queues"
	"dedicated-matchmaker/registry"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"
)

var ErrInvalidStatus = eris.New("invalid server status")

// Registry is the part of the server registry the status-set path writes to.
type Registry interface {
	SetStatus(ctx context.Context, sessionID string, status registry.Status) (*registry.ServerRecord, error)
	GetBySessionID(ctx context.Context, sessionID string) (*registry.ServerRecord, error)
}

// Setter flips server record status on behalf of operators and the hosting layer.
type Setter struct {
	reg Registry
}

func NewSetter(reg Registry) *Setter {
	return &Setter{reg: reg}
}

func (s *Setter) Apply(ctx context.Context, upd *queues.StatusUpdate) (*registry.ServerRecord, error) {
	st, ok := registry.ParseStatus(upd.Status)
	if !ok {
		return nil, eris.Wrapf(ErrInvalidStatus, "%q", upd.Status)
	}
	rec, err := s.reg.SetStatus(ctx, upd.SessionID, st)
	if err != nil {
		return nil, err
	}
	log.Info().Str("sessionId", upd.SessionID).Str("status", string(st)).Str("reason", upd.Reason).Msg("status: server status set")
	return rec, nil
}

// Handle is the subscriber callback. Only failures a redelivery could fix are returned.
func (s *Setter) Handle(ctx context.Context, upd *queues.StatusUpdate) error {
	_, err := s.Apply(ctx, upd)
	switch {
	case err == nil:
		return nil
	case eris.Is(err, ErrInvalidStatus), eris.Is(err, registry.ErrNotFound):
		log.Warn().Err(err).Str("sessionId", upd.SessionID).Msg("status: dropping status update")
		return nil
	default:
		return err
	}
}

type statusBody struct {
	Status string `json:"status"`
	Reason string `json:"reason,omitempty"`
}

// Register mounts the admin routes. An empty token leaves them open.
func Register(mux *http.ServeMux, s *Setter, token string) {
	mux.HandleFunc("POST /admin/servers/{sessionId}/status", authorized(token, func(w http.ResponseWriter, r *http.Request) {
		var body statusBody
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&body); err != nil {
			http.Error(w, "invalid body", http.StatusBadRequest)
			return
		}
		rec, err := s.Apply(r.Context(), &queues.StatusUpdate{SessionID: r.PathValue("sessionId"), Status: body.Status, Reason: body.Reason})
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, rec)
	}))
	mux.HandleFunc("GET /admin/servers/{sessionId}", authorized(token, func(w http.ResponseWriter, r *http.Request) {
		rec, err := s.reg.GetBySessionID(r.Context(), r.PathValue("sessionId"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, rec)
	}))
}

func authorized(token string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token != "" {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case eris.Is(err, ErrInvalidStatus):
		http.Error(w, "invalid status", http.StatusBadRequest)
	case eris.Is(err, registry.ErrNotFound):
		http.Error(w, "server not found", http.StatusNotFound)
	default:
		log.Error().Err(err).Msg("status: admin request failed")
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("status: response write failed")
	}
}
