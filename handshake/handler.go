package handshake

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"dedicated-matchmaker/metrics"
	"dedicated-matchmaker/registry"
	"dedicated-matchmaker/sessions"
	"dedicated-matchmaker/ticket"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 8192
	attachTimeout  = 5 * time.Second
	heartbeat      = "ping"

	resultReady  = "ready"
	resultFailed = "failed"
)

// Registry records which match a dedicated server took for a server record.
type Registry interface {
	AttachMatch(ctx context.Context, sessionID, matchID string) (*registry.ServerRecord, error)
}

// Handler accepts dedicated server processes. It has no read timeout of its own: a session
// lives exactly as long as its connection.
type Handler struct {
	codec *ticket.Codec
	dir   *sessions.Directory
	reg   Registry

	upgrader websocket.Upgrader
	base     context.Context
	stop     context.CancelFunc
	conns    sync.WaitGroup
}

func NewHandler(codec *ticket.Codec, dir *sessions.Directory, reg Registry) *Handler {
	base, stop := context.WithCancel(context.Background())
	return &Handler{
		codec: codec,
		dir:   dir,
		reg:   reg,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		base: base,
		stop: stop,
	}
}

type outbound struct {
	Name string `json:"name"`
	Data any    `json:"data"`
}

type inbound struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

type assignMatchResult struct {
	MatchID string `json:"matchId"`
	Result  string `json:"result"`
}

// parseAssignMatchResult accepts only a well formed AssignMatchResult message.
func parseAssignMatchResult(b []byte) (*assignMatchResult, bool) {
	var in inbound
	if err := json.Unmarshal(b, &in); err != nil || in.Name != "AssignMatchResult" || len(in.Payload) == 0 {
		return nil, false
	}
	var res assignMatchResult
	if err := json.Unmarshal(in.Payload, &res); err != nil || res.MatchID == "" {
		return nil, false
	}
	if res.Result != resultReady && res.Result != resultFailed {
		return nil, false
	}
	return &res, true
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	env, st, err := Decode(h.codec, r.Header.Get("Authorization"))
	if err != nil {
		log.Info().Err(err).Str("remote", r.RemoteAddr).Msg("handshake: upgrade rejected")
		code := ticket.StatusCode(err)
		http.Error(w, http.StatusText(code), code)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("sessionId", st.SessionID).Msg("handshake: upgrade failed")
		return
	}

	h.conns.Add(1)
	defer h.conns.Done()
	metrics.Connections.WithLabelValues("handshake").Inc()
	defer metrics.Connections.WithLabelValues("handshake").Dec()

	h.serve(ws, env, st)
}

func (h *Handler) serve(ws *websocket.Conn, env *Envelope, st *SessionTicket) {
	connID := newID()
	matchID := newID()
	logger := log.With().Str("sessionId", st.SessionID).Str("matchId", matchID).Str("bucket", env.BucketID).Logger()

	var writeMu sync.Mutex
	var closeOnce sync.Once
	closeWith := func(code int, reason string) {
		closeOnce.Do(func() {
			writeMu.Lock()
			_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
			writeMu.Unlock()
			_ = ws.Close()
		})
	}
	defer closeWith(websocket.CloseNormalClosure, "")
	unwatch := context.AfterFunc(h.base, func() { closeWith(websocket.CloseGoingAway, "matchmaker shutting down") })
	defer unwatch()

	bucket, err := h.dir.Bucket(env.BucketID)
	if err != nil {
		logger.Warn().Err(err).Msg("handshake: invalid bucket")
		closeWith(websocket.ClosePolicyViolation, "invalid bucket")
		return
	}
	gs := &sessions.GameSession{
		MatchID:      matchID,
		MMSSessionID: st.SessionID,
		BucketID:     bucket.ID,
		Region:       firstNonEmpty(env.Region, bucket.Region),
		Playlist:     firstNonEmpty(env.Playlist, bucket.Playlist),
		Teams:        env.Teams,
		ConnID:       connID,
	}
	if err := h.dir.Add(gs); err != nil {
		logger.Error().Err(err).Msg("handshake: session registration failed")
		closeWith(websocket.CloseInternalServerErr, "internal error")
		return
	}
	metrics.GameSessions.Set(float64(h.dir.Len()))
	defer func() {
		if h.dir.RemoveByConn(connID) != nil {
			logger.Info().Msg("handshake: game session removed")
		}
		metrics.GameSessions.Set(float64(h.dir.Len()))
	}()

	h.attach(logger, st.SessionID, matchID)
	h.dir.MarkAssigning(matchID)

	writeMu.Lock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	err = ws.WriteJSON(outbound{Name: "Registered", Data: struct{}{}})
	writeMu.Unlock()
	if err != nil {
		logger.Debug().Err(err).Msg("handshake: registration ack failed")
		return
	}
	logger.Info().Str("region", gs.Region).Str("playlist", gs.Playlist).Msg("handshake: game session registered")

	ws.SetReadLimit(maxMessageSize)
	for {
		_, b, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug().Err(err).Msg("handshake: read failed")
			}
			return
		}
		h.handle(logger, connID, b)
	}
}

func (h *Handler) attach(logger zerolog.Logger, sessionID, matchID string) {
	ctx, cancel := context.WithTimeout(h.base, attachTimeout)
	defer cancel()
	if _, err := h.reg.AttachMatch(ctx, sessionID, matchID); err != nil {
		if eris.Is(err, registry.ErrNotFound) {
			logger.Info().Msg("handshake: no server record for session")
			return
		}
		logger.Error().Err(err).Msg("handshake: attaching match id failed")
	}
}

func (h *Handler) handle(logger zerolog.Logger, connID string, b []byte) {
	if strings.TrimSpace(string(b)) == heartbeat {
		return
	}
	res, ok := parseAssignMatchResult(b)
	if !ok {
		logger.Debug().Int("size", len(b)).Msg("handshake: ignoring unrecognized message")
		return
	}
	gs, ok := h.dir.ByMatchID(res.MatchID)
	if !ok || gs.ConnID != connID {
		logger.Warn().Str("reportedMatchId", res.MatchID).Msg("handshake: result for a match this connection does not own")
		return
	}
	switch res.Result {
	case resultReady:
		h.dir.MarkAssigned(res.MatchID)
		logger.Info().Msg("handshake: match assigned")
	case resultFailed:
		h.dir.Remove(res.MatchID)
		metrics.GameSessions.Set(float64(h.dir.Len()))
		logger.Warn().Msg("handshake: match assignment failed; session discarded")
	}
}

// Shutdown closes every handshake connection and waits for them to unregister.
func (h *Handler) Shutdown(ctx context.Context) error {
	h.stop()
	done := make(chan struct{})
	go func() {
		h.conns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func newID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
