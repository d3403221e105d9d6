package matchmaking

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dedicated-matchmaker/accounts"
	"dedicated-matchmaker/config"
	"dedicated-matchmaker/hoster"
	"dedicated-matchmaker/party"
	"dedicated-matchmaker/queues"
	"dedicated-matchmaker/registry"
	"dedicated-matchmaker/ticket"

	"github.com/gorilla/websocket"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret = "test-secret"
	testBucket = "FortniteLive:_:NAE:playlist_defaulttrios"
	pollEvery  = 20 * time.Millisecond
)

// countingRegistry records how the handler touches the registry.
type countingRegistry struct {
	*registry.Registry
	refreshes atomic.Int64
	dequeues  atomic.Int64
}

func (c *countingRegistry) Refresh(ctx context.Context, key registry.Key) (*registry.ServerRecord, error) {
	c.refreshes.Add(1)
	return c.Registry.Refresh(ctx, key)
}

func (c *countingRegistry) Dequeue(ctx context.Context, key registry.Key, ids ...string) (*registry.ServerRecord, error) {
	defer c.dequeues.Add(1)
	return c.Registry.Dequeue(ctx, key, ids...)
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []*queues.Notification
}

func (p *recordingPublisher) Deliver(_ context.Context, n *queues.Notification) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, n)
	return nil
}

func (p *recordingPublisher) received(accountID, kind string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, n := range p.sent {
		if n.AccountID == accountID && n.Type == kind {
			return true
		}
	}
	return false
}

type fixture struct {
	t       *testing.T
	store   *registry.MemoryStore
	reg     *countingRegistry
	codec   *ticket.Codec
	notify  *recordingPublisher
	handler *Handler
	url     string
}

func newFixture(t *testing.T, opts Options, parties ...*party.Party) *fixture {
	t.Helper()
	store := registry.NewMemoryStore()
	hosts := hoster.NewStatic(map[string]config.RegionHost{"NAE": {Address: "10.0.0.1", Port: 7777}})
	reg := &countingRegistry{Registry: registry.New(store, hosts, 7777, time.Minute)}
	accts := accounts.NewMemoryStore(
		accounts.Account{AccountID: "solo"},
		accounts.Account{AccountID: "cap"},
		accounts.Account{AccountID: "m1"},
		accounts.Account{AccountID: "m2"},
		accounts.Account{AccountID: "banned", Banned: true},
	)
	codec := ticket.NewCodec(testSecret)
	notify := &recordingPublisher{}
	if opts.PollInterval == 0 {
		opts.PollInterval = pollEvery
	}
	h := NewHandler(ticket.NewAuthenticator(codec, accts), reg, party.NewStatic(parties...), notify, opts)
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return &fixture{
		t:       t,
		store:   store,
		reg:     reg,
		codec:   codec,
		notify:  notify,
		handler: h,
		url:     "ws" + strings.TrimPrefix(srv.URL, "http"),
	}
}

func testTicket(accountID string) *ticket.Ticket {
	return &ticket.Ticket{
		AccountID: accountID,
		BucketID:  testBucket,
		Region:    "NAE",
		Season:    12,
		UserAgent: "game/++Fortnite+Release-12.10",
		Playlist:  "playlist_defaulttrios",
	}
}

func (f *fixture) dial(tk *ticket.Ticket) *websocket.Conn {
	f.t.Helper()
	authz, err := f.codec.Authorization(tk)
	require.NoError(f.t, err)
	ws, _, err := websocket.DefaultDialer.Dial(f.url, http.Header{"Authorization": {authz}})
	require.NoError(f.t, err)
	f.t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func (f *fixture) key() registry.Key {
	return f.reg.KeyFor(testTicket("any"))
}

func (f *fixture) record() (*registry.ServerRecord, error) {
	return f.store.Get(context.Background(), f.key())
}

type wireMessage struct {
	Name    string          `json:"name"`
	Payload json.RawMessage `json:"payload"`
}

func readMessage(t *testing.T, ws *websocket.Conn) wireMessage {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	var m wireMessage
	require.NoError(t, ws.ReadJSON(&m))
	return m
}

func readState(t *testing.T, ws *websocket.Conn, want State, into any) {
	t.Helper()
	m := readMessage(t, ws)
	if want == StateJoin {
		require.Equal(t, namePlay, m.Name)
	} else {
		require.Equal(t, nameStatusUpdate, m.Name)
		var st connectingPayload
		require.NoError(t, json.Unmarshal(m.Payload, &st))
		require.Equal(t, want, st.State)
	}
	if into != nil {
		require.NoError(t, json.Unmarshal(m.Payload, into))
	}
}

// readUntilQueued consumes CONNECTING and WAITING and returns the first QUEUED.
func readUntilQueued(t *testing.T, ws *websocket.Conn) queuedPayload {
	t.Helper()
	readState(t, ws, StateConnecting, nil)
	readState(t, ws, StateWaiting, nil)
	var q queuedPayload
	readState(t, ws, StateQueued, &q)
	return q
}

func expectClose(t *testing.T, ws *websocket.Conn, code int, reason string) {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(5 * time.Second))
	for i := 0; i < 10; i++ {
		_, _, err := ws.ReadMessage()
		if err == nil {
			continue
		}
		var ce *websocket.CloseError
		require.True(t, errors.As(err, &ce), "expected close frame, got %v", err)
		assert.Equal(t, code, ce.Code)
		assert.Equal(t, reason, ce.Text)
		return
	}
	t.Fatal("connection was not closed")
}

func TestHandler_RejectsBeforeUpgrade(t *testing.T) {
	f := newFixture(t, Options{SoloFallback: true})
	valid, err := f.codec.Authorization(testTicket("solo"))
	require.NoError(t, err)
	banned, err := f.codec.Authorization(testTicket("banned"))
	require.NoError(t, err)
	stranger, err := f.codec.Authorization(testTicket("stranger"))
	require.NoError(t, err)
	foreign, err := ticket.NewCodec("other-secret").Authorization(testTicket("solo"))
	require.NoError(t, err)

	tests := []struct {
		name     string
		header   string
		wantCode int
	}{
		{"missing header", "", http.StatusBadRequest},
		{"too few fields", "Epic-Signed mms-player", http.StatusBadRequest},
		{"too many fields", valid + " extra", http.StatusBadRequest},
		{"not a token", "Epic-Signed mms-player - {} not-a-jwe", http.StatusUnauthorized},
		{"wrong secret", foreign, http.StatusUnauthorized},
		{"unknown account", stranger, http.StatusUnauthorized},
		{"banned account", banned, http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hdr := http.Header{}
			if tt.header != "" {
				hdr.Set("Authorization", tt.header)
			}
			_, resp, err := websocket.DefaultDialer.Dial(f.url, hdr)
			require.ErrorIs(t, err, websocket.ErrBadHandshake)
			require.NotNil(t, resp)
			assert.Equal(t, tt.wantCode, resp.StatusCode)
		})
	}

	all, err := f.store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Zero(t, f.reg.refreshes.Load())
}

func TestHandler_StateOrderThroughJoin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Options{SoloFallback: true})
	ws := f.dial(testTicket("solo"))

	readState(t, ws, StateConnecting, nil)
	var w waitingPayload
	readState(t, ws, StateWaiting, &w)
	assert.Equal(t, 1, w.TotalPlayers)
	assert.Equal(t, 1, w.ConnectedPlayers)
	var q queuedPayload
	readState(t, ws, StateQueued, &q)
	assert.Equal(t, 1, q.Position)
	assert.Equal(t, 1, q.QueuedPlayers)
	assert.Equal(t, 1, q.PartySize)
	assert.NotEmpty(t, q.TicketID)

	// every client frame re-emits QUEUED with the same ticket id
	for i := 0; i < 2; i++ {
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("ping")))
		var again queuedPayload
		readState(t, ws, StateQueued, &again)
		assert.Equal(t, q.TicketID, again.TicketID)
	}

	rec, err := f.record()
	require.NoError(t, err)
	assert.Equal(t, registry.StatusOffline, rec.Status)
	_, err = f.reg.Registry.SetStatus(ctx, rec.SessionID, registry.StatusOnline)
	require.NoError(t, err)

	var sa sessionAssignmentPayload
	readState(t, ws, StateSessionAssignment, &sa)
	assert.Equal(t, rec.Options.MatchID, sa.MatchID)
	var play playPayload
	readState(t, ws, StateJoin, &play)
	assert.Equal(t, rec.SessionID, play.SessionID)
	assert.Equal(t, rec.Options.MatchID, play.MatchID)
	assert.Equal(t, 1, play.JoinDelaySec)
	expectClose(t, ws, websocket.CloseNormalClosure, reasonJoined)

	assert.Eventually(t, func() bool {
		_, err := f.record()
		return eris.Is(err, registry.ErrNotFound)
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandler_PartyOfThree(t *testing.T) {
	trio := &party.Party{ID: "p1", Members: []party.Member{
		{AccountID: "cap", Role: party.RoleCaptain},
		{AccountID: "m1", Role: party.RoleMember},
		{AccountID: "m2", Role: party.RoleMember},
	}}
	f := newFixture(t, Options{SoloFallback: true}, trio)

	capWS := f.dial(testTicket("cap"))
	q := readUntilQueued(t, capWS)
	assert.Equal(t, 3, q.QueuedPlayers)
	assert.Equal(t, 3, q.PartySize)
	assert.Equal(t, 1, q.Position)

	rec, err := f.record()
	require.NoError(t, err)
	assert.Equal(t, []string{"cap", "m1", "m2"}, []string(rec.Queue))

	assert.Eventually(t, func() bool {
		return f.notify.received("m1", queues.NotificationQueued) && f.notify.received("m2", queues.NotificationQueued)
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, f.notify.received("cap", queues.NotificationQueued))

	m1WS := f.dial(testTicket("m1"))
	q = readUntilQueued(t, m1WS)
	assert.Equal(t, 3, q.QueuedPlayers)
	assert.Equal(t, 2, q.Position)

	require.NoError(t, m1WS.Close())
	assert.Eventually(t, func() bool {
		rec, err := f.record()
		return err == nil && len(rec.Queue) == 2
	}, 2*time.Second, 10*time.Millisecond)

	rec, err = f.record()
	require.NoError(t, err)
	assert.Equal(t, []string{"cap", "m2"}, []string(rec.Queue))

	require.NoError(t, capWS.WriteMessage(websocket.TextMessage, []byte("ping")))
	var again queuedPayload
	readState(t, capWS, StateQueued, &again)
	assert.Equal(t, 2, again.QueuedPlayers)
}

func TestHandler_JoinNotifiesParty(t *testing.T) {
	ctx := context.Background()
	duo := &party.Party{ID: "p2", Members: []party.Member{
		{AccountID: "cap", Role: party.RoleCaptain},
		{AccountID: "m1", Role: party.RoleMember},
	}}
	f := newFixture(t, Options{SoloFallback: true}, duo)
	ws := f.dial(testTicket("cap"))
	readUntilQueued(t, ws)

	rec, err := f.record()
	require.NoError(t, err)
	_, err = f.reg.Registry.SetStatus(ctx, rec.SessionID, registry.StatusOnline)
	require.NoError(t, err)

	readState(t, ws, StateSessionAssignment, nil)
	readState(t, ws, StateJoin, nil)
	assert.Eventually(t, func() bool {
		return f.notify.received("m1", queues.NotificationJoin)
	}, 2*time.Second, 10*time.Millisecond)

	// m1 never connected, so the record keeps its entry
	assert.Eventually(t, func() bool {
		rec, err := f.record()
		return err == nil && len(rec.Queue) == 1 && rec.Queue[0] == "m1"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandler_NoRegistryReadsAfterClose(t *testing.T) {
	f := newFixture(t, Options{SoloFallback: true})
	ws := f.dial(testTicket("solo"))
	readUntilQueued(t, ws)

	// let the poller run a few rounds
	assert.Eventually(t, func() bool { return f.reg.refreshes.Load() >= 3 }, 2*time.Second, pollEvery)

	require.NoError(t, ws.Close())
	assert.Eventually(t, func() bool { return f.reg.dequeues.Load() == 1 }, 2*time.Second, 5*time.Millisecond)

	before := f.reg.refreshes.Load()
	time.Sleep(10 * pollEvery)
	assert.Equal(t, before, f.reg.refreshes.Load())

	_, err := f.record()
	assert.True(t, eris.Is(err, registry.ErrNotFound))
}

func TestHandler_Closes(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name       string
		opts       Options
		act        func(t *testing.T, f *fixture, ws *websocket.Conn)
		wantCode   int
		wantReason string
	}{
		{
			name:       "ready timeout",
			opts:       Options{SoloFallback: true, ReadyTimeout: 100 * time.Millisecond},
			wantCode:   closeCodeUnavailable,
			wantReason: reasonTooLong,
		},
		{
			name: "maintenance",
			opts: Options{SoloFallback: true},
			act: func(t *testing.T, f *fixture, _ *websocket.Conn) {
				rec, err := f.record()
				require.NoError(t, err)
				_, err = f.reg.Registry.SetStatus(ctx, rec.SessionID, registry.StatusMaintenance)
				require.NoError(t, err)
			},
			wantCode:   closeCodeUnavailable,
			wantReason: reasonMaintenance,
		},
		{
			name: "queue abandoned",
			opts: Options{SoloFallback: true},
			act: func(t *testing.T, f *fixture, _ *websocket.Conn) {
				_, err := f.store.Update(ctx, f.key(), func(rec *registry.ServerRecord) (bool, error) {
					rec.Queue = nil
					return false, nil
				})
				require.NoError(t, err)
			},
			wantCode:   websocket.CloseNormalClosure,
			wantReason: reasonAbandoned,
		},
		{
			name: "record deleted before heartbeat",
			opts: Options{SoloFallback: true, PollInterval: time.Hour},
			act: func(t *testing.T, f *fixture, ws *websocket.Conn) {
				require.NoError(t, f.store.Delete(ctx, f.key()))
				require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("ping")))
			},
			wantCode:   closeCodeNotFound,
			wantReason: reasonServerNotFound,
		},
		{
			name: "record deleted while polling",
			opts: Options{SoloFallback: true},
			act: func(t *testing.T, f *fixture, _ *websocket.Conn) {
				require.NoError(t, f.store.Delete(ctx, f.key()))
			},
			wantCode:   closeCodeNotFound,
			wantReason: reasonServerNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.opts)
			ws := f.dial(testTicket("solo"))
			readUntilQueued(t, ws)
			if tt.act != nil {
				tt.act(t, f, ws)
			}
			expectClose(t, ws, tt.wantCode, tt.wantReason)

			assert.Eventually(t, func() bool { return f.reg.dequeues.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
		})
	}
}

func TestHandler_PartyNotFound(t *testing.T) {
	f := newFixture(t, Options{SoloFallback: false})
	ws := f.dial(testTicket("solo"))
	expectClose(t, ws, closeCodeNotFound, reasonPartyNotFound)

	all, err := f.store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestHandler_NoHoster(t *testing.T) {
	f := newFixture(t, Options{SoloFallback: true})
	tk := testTicket("solo")
	tk.Region = "OCE"
	ws := f.dial(tk)

	readState(t, ws, StateConnecting, nil)
	readState(t, ws, StateWaiting, nil)
	expectClose(t, ws, websocket.CloseInternalServerErr, reasonInternal)

	all, err := f.store.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Zero(t, f.reg.dequeues.Load())
}

func TestHandler_Shutdown(t *testing.T) {
	f := newFixture(t, Options{SoloFallback: true})
	ws := f.dial(testTicket("solo"))
	readUntilQueued(t, ws)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.handler.Shutdown(ctx))
	expectClose(t, ws, websocket.CloseGoingAway, reasonShutdown)

	_, err := f.record()
	assert.True(t, eris.Is(err, registry.ErrNotFound))
}

func TestState_Rank(t *testing.T) {
	order := []State{StateConnecting, StateWaiting, StateQueued, StateSessionAssignment, StateJoin}
	for i := 1; i < len(order); i++ {
		assert.Less(t, order[i-1].rank(), order[i].rank())
	}
	assert.Zero(t, State("bogus").rank())
}
