package matchmaking

import (
	"context"
	"strings"
	"sync"
	"time"

	"dedicated-matchmaker/hoster"
	"dedicated-matchmaker/metrics"
	"dedicated-matchmaker/party"
	"dedicated-matchmaker/queues"
	"dedicated-matchmaker/registry"
	"dedicated-matchmaker/ticket"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096

	cleanupTimeout = 5 * time.Second
	notifyTimeout  = 5 * time.Second
	joinDelaySec   = 1
)

// conn is one matchmaking connection. The reader runs on the handler goroutine; the poller and
// keepalive run beside it and all three stop when ctx is cancelled.
type conn struct {
	h      *Handler
	ws     *websocket.Conn
	ticket *ticket.Ticket
	log    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	ticketID string
	members  []string
	key      registry.Key
	admitted bool

	// mu serializes writes and guards state
	mu        sync.Mutex
	state     State
	closed    bool
	queuedAt  time.Time
	closeOnce sync.Once
	outcome   string
}

func newConn(h *Handler, ws *websocket.Conn, t *ticket.Ticket) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(h.base, cancel)
	ticketID := strings.ReplaceAll(uuid.NewString(), "-", "")
	c := &conn{
		h:        h,
		ws:       ws,
		ticket:   t,
		ticketID: ticketID,
		ctx:      ctx,
		cancel: func() {
			stop()
			cancel()
		},
		log: log.With().Str("accountId", t.AccountID).Str("bucket", t.BucketID).Str("ticketId", ticketID).Logger(),
	}
	return c
}

func (c *conn) run() {
	defer c.cleanup()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	// handler shutdown drops the socket so the blocked reader returns
	unwatch := context.AfterFunc(c.h.base, func() {
		c.close(websocket.CloseGoingAway, reasonShutdown, "shutdown")
	})
	defer unwatch()

	if !c.admit() {
		return
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		c.poll()
	}()
	go func() {
		defer wg.Done()
		c.keepalive()
	}()

	c.readLoop()
	c.cancel()
	wg.Wait()
}

// admit resolves the party, queues it on the server record and emits the states up to QUEUED.
func (c *conn) admit() bool {
	p, err := c.h.parties.Lookup(c.ctx, c.ticket.AccountID)
	switch {
	case err == nil:
	case eris.Is(err, party.ErrNotFound) && c.h.opts.SoloFallback:
		p = party.Solo(c.ticket.AccountID)
	default:
		c.log.Info().Err(err).Msg("matchmaking: party lookup failed")
		c.close(closeCodeNotFound, reasonPartyNotFound, "party_not_found")
		return false
	}
	c.members = p.AccountIDs()
	if !p.Has(c.ticket.AccountID) {
		c.members = append(c.members, c.ticket.AccountID)
	}

	if !c.emit(StateConnecting, connectingPayload{State: StateConnecting}) {
		return false
	}
	size := len(c.members)
	if !c.emit(StateWaiting, waitingPayload{State: StateWaiting, TotalPlayers: size, ConnectedPlayers: size}) {
		return false
	}

	c.key = c.h.reg.KeyFor(c.ticket)
	rec, added, err := c.h.reg.Admit(c.ctx, c.ticket, c.members...)
	if err != nil {
		if eris.Is(err, hoster.ErrNoHoster) {
			c.log.Error().Err(err).Str("region", c.ticket.Region).Msg("matchmaking: region has no hosting configuration")
		} else {
			c.log.Error().Err(err).Msg("matchmaking: admission failed")
		}
		c.close(websocket.CloseInternalServerErr, reasonInternal, "error")
		return false
	}
	c.admitted = true
	c.log.Info().Str("sessionId", rec.SessionID).Int("partySize", size).Int("added", added).Int("queued", len(rec.Queue)).Msg("matchmaking: ticket queued")

	c.notifyParty(queues.NotificationQueued, map[string]any{"bucketId": c.ticket.BucketID, "sessionId": rec.SessionID, "queuedBy": c.ticket.AccountID})
	return c.emitQueued(rec)
}

func (c *conn) queued(rec *registry.ServerRecord) queuedPayload {
	return queuedPayload{
		State:         StateQueued,
		TicketID:      c.ticketID,
		QueuedPlayers: len(rec.Queue),
		Position:      rec.Position(c.ticket.AccountID),
		PartySize:     len(c.members),
	}
}

// emitQueued is a no-op once the connection has moved past QUEUED.
func (c *conn) emitQueued(rec *registry.ServerRecord) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.state.rank() > StateQueued.rank() {
		return false
	}
	if c.queuedAt.IsZero() {
		c.queuedAt = time.Now()
	}
	return c.writeLocked(StateQueued, message{Name: nameStatusUpdate, Payload: c.queued(rec)})
}

func (c *conn) emit(state State, payload any) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	return c.writeLocked(state, message{Name: nameStatusUpdate, Payload: payload})
}

func (c *conn) writeLocked(state State, msg message) bool {
	if state.rank() < c.state.rank() {
		c.log.Warn().Str("from", string(c.state)).Str("to", string(state)).Msg("matchmaking: refusing backwards state transition")
		return false
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteJSON(msg); err != nil {
		c.log.Debug().Err(err).Str("state", string(state)).Msg("matchmaking: write failed")
		return false
	}
	c.state = state
	metrics.StateTransitions.WithLabelValues(string(state)).Inc()
	return true
}

// readLoop treats every client frame as a heartbeat and answers with a fresh QUEUED.
func (c *conn) readLoop() {
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Debug().Err(err).Msg("matchmaking: read failed")
			}
			c.setOutcome("disconnected")
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		if c.ctx.Err() != nil {
			return
		}
		if c.pastQueued() {
			continue
		}
		rec, err := c.h.reg.Refresh(c.ctx, c.key)
		if err != nil {
			if eris.Is(err, registry.ErrNotFound) {
				c.log.Info().Msg("matchmaking: server record gone during heartbeat")
				c.close(closeCodeNotFound, reasonServerNotFound, "not_found")
				return
			}
			if c.ctx.Err() != nil {
				return
			}
			c.log.Warn().Err(err).Msg("matchmaking: record read failed during heartbeat")
			continue
		}
		c.emitQueued(rec)
	}
}

func (c *conn) pastQueued() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.rank() > StateQueued.rank()
}

// poll re-reads the server record until it is ready, gone, abandoned or too slow, or until the
// connection goes away.
func (c *conn) poll() {
	ticker := time.NewTicker(c.h.opts.PollInterval)
	defer ticker.Stop()
	deadline := time.Now().Add(c.h.opts.ReadyTimeout)

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
		}
		if c.ctx.Err() != nil {
			return
		}
		rec, err := c.h.reg.Refresh(c.ctx, c.key)
		switch {
		case err == nil:
		case eris.Is(err, registry.ErrNotFound):
			c.log.Info().Msg("matchmaking: server record deleted while waiting")
			c.close(closeCodeNotFound, reasonServerNotFound, "not_found")
			return
		default:
			if c.ctx.Err() != nil {
				return
			}
			c.log.Warn().Err(err).Msg("matchmaking: poll read failed")
			continue
		}

		switch {
		case rec.Status == registry.StatusOnline:
			c.join(rec)
			return
		case rec.Status == registry.StatusMaintenance:
			c.close(closeCodeUnavailable, reasonMaintenance, "maintenance")
			return
		case len(rec.Queue) == 0:
			c.close(websocket.CloseNormalClosure, reasonAbandoned, "abandoned")
			return
		case time.Now().After(deadline):
			c.log.Warn().Dur("readyTimeout", c.h.opts.ReadyTimeout).Str("sessionId", rec.SessionID).Msg("matchmaking: server never became ready")
			c.close(closeCodeUnavailable, reasonTooLong, "timeout")
			return
		}
	}
}

func (c *conn) join(rec *registry.ServerRecord) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	ok := c.writeLocked(StateSessionAssignment, message{Name: nameStatusUpdate, Payload: sessionAssignmentPayload{State: StateSessionAssignment, MatchID: rec.Options.MatchID}}) &&
		c.writeLocked(StateJoin, message{Name: namePlay, Payload: playPayload{MatchID: rec.Options.MatchID, SessionID: rec.SessionID, JoinDelaySec: joinDelaySec}})
	queuedAt := c.queuedAt
	c.mu.Unlock()
	if !ok {
		return
	}

	if !queuedAt.IsZero() {
		metrics.QueueWait.Observe(time.Since(queuedAt).Seconds())
	}
	c.log.Info().Str("sessionId", rec.SessionID).Str("matchId", rec.Options.MatchID).Msg("matchmaking: joining server")
	c.notifyParty(queues.NotificationJoin, map[string]any{"sessionId": rec.SessionID, "matchId": rec.Options.MatchID})
	c.close(websocket.CloseNormalClosure, reasonJoined, "joined")
}

func (c *conn) keepalive() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.closed {
				c.mu.Unlock()
				return
			}
			err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.mu.Unlock()
			if err != nil {
				c.log.Debug().Err(err).Msg("matchmaking: ping failed")
				c.close(websocket.CloseGoingAway, "", "disconnected")
				return
			}
		}
	}
}

func (c *conn) setOutcome(outcome string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.outcome == "" {
		c.outcome = outcome
	}
}

// close sends a close frame with reason and tears the socket down. Only the first call counts.
func (c *conn) close(code int, reason, outcome string) {
	c.closeOnce.Do(func() {
		c.cancel()
		c.mu.Lock()
		c.closed = true
		if c.outcome == "" {
			c.outcome = outcome
		}
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		c.mu.Unlock()
		_ = c.ws.Close()
		if reason != "" {
			c.log.Info().Int("code", code).Str("reason", reason).Msg("matchmaking: connection closed")
		}
	})
}

// cleanup runs once every goroutine of the connection has stopped. Only this connection's
// account leaves the queue; the rest of its party stays.
func (c *conn) cleanup() {
	c.close(websocket.CloseNormalClosure, "", "disconnected")

	if c.admitted {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
		defer cancel()
		rec, err := c.h.reg.Dequeue(ctx, c.key, c.ticket.AccountID)
		switch {
		case err != nil && !eris.Is(err, registry.ErrNotFound):
			c.log.Error().Err(err).Msg("matchmaking: dequeue on close failed")
		case rec == nil:
			c.log.Debug().Msg("matchmaking: left an empty queue")
		default:
			c.log.Debug().Int("queued", len(rec.Queue)).Msg("matchmaking: left queue")
		}
	}
	metrics.Outcomes.WithLabelValues(c.outcome).Inc()
}

// notifyParty tells the other members of the party, without waiting on delivery.
func (c *conn) notifyParty(kind string, payload any) {
	for _, id := range c.members {
		if id == c.ticket.AccountID {
			continue
		}
		n := queues.NewNotification(kind, id, payload)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
			defer cancel()
			if err := c.h.notify.Deliver(ctx, n); err != nil {
				c.log.Warn().Err(err).Str("member", n.AccountID).Str("type", kind).Msg("matchmaking: party notification failed")
			}
		}()
	}
}
