package matchmaking

import (
	"context"
	"net/http"
	"sync"
	"time"

	"dedicated-matchmaker/metrics"
	"dedicated-matchmaker/party"
	"dedicated-matchmaker/queues"
	"dedicated-matchmaker/registry"
	"dedicated-matchmaker/ticket"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Authenticator admits an upgrade request.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*ticket.Ticket, error)
}

// Registry is the server registry as the connection handler uses it.
type Registry interface {
	KeyFor(t *ticket.Ticket) registry.Key
	Admit(ctx context.Context, t *ticket.Ticket, accountIDs ...string) (*registry.ServerRecord, int, error)
	Refresh(ctx context.Context, key registry.Key) (*registry.ServerRecord, error)
	Dequeue(ctx context.Context, key registry.Key, accountIDs ...string) (*registry.ServerRecord, error)
}

type Options struct {
	PollInterval time.Duration
	ReadyTimeout time.Duration
	SoloFallback bool
}

// Handler upgrades matchmaking connections and runs one ticket state machine per connection.
type Handler struct {
	auth    Authenticator
	reg     Registry
	parties party.Resolver
	notify  queues.Publisher
	opts    Options

	upgrader websocket.Upgrader
	base     context.Context
	stop     context.CancelFunc
	conns    sync.WaitGroup
}

func NewHandler(auth Authenticator, reg Registry, parties party.Resolver, notify queues.Publisher, opts Options) *Handler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 10 * time.Minute
	}
	if notify == nil {
		notify = queues.Discard{}
	}
	base, stop := context.WithCancel(context.Background())
	return &Handler{
		auth:    auth,
		reg:     reg,
		parties: parties,
		notify:  notify,
		opts:    opts,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 10 * time.Second,
			// game clients do not send a browser origin
			CheckOrigin: func(*http.Request) bool { return true },
		},
		base: base,
		stop: stop,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	t, err := h.auth.Authenticate(r.Context(), r)
	if err != nil {
		log.Info().Err(err).Str("remote", r.RemoteAddr).Msg("matchmaking: upgrade rejected")
		metrics.Outcomes.WithLabelValues("unauthorized").Inc()
		code := ticket.StatusCode(err)
		http.Error(w, http.StatusText(code), code)
		return
	}
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Str("accountId", t.AccountID).Msg("matchmaking: upgrade failed")
		return
	}

	h.conns.Add(1)
	defer h.conns.Done()
	metrics.Connections.WithLabelValues("matchmaking").Inc()
	defer metrics.Connections.WithLabelValues("matchmaking").Dec()

	c := newConn(h, ws, t)
	c.run()
}

// Shutdown closes every open connection, which dequeues their accounts, and waits for them
// to finish or for ctx to end.
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
