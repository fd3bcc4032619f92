package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/FishoutG/queue-sim/internal/protocol"
	"github.com/FishoutG/queue-sim/internal/store"
	"github.com/FishoutG/queue-sim/internal/store/storetest"
)

// newTestServer wires a Server around the in-memory store without a
// listener; tests drive handleFrame and deliverEvent directly.
func newTestServer(t *testing.T, st Store) *Server {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		opts: Options{
			HelloTimeout:   time.Second,
			MaxConnections: 16,
			MsgBurst:       16,
			MsgRate:        1000,
		},
		st:       st,
		log:      zerolog.Nop(),
		registry: newRegistry(),
		pool:     newWorkerPool(2, 64, zerolog.Nop()),
		connSem:  make(chan struct{}, 16),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.pool.start(ctx)
	t.Cleanup(func() {
		cancel()
		s.pool.stop()
	})
	return s
}

func newTestClient(id int64) *client {
	return &client{
		id:          id,
		send:        make(chan []byte, sendBuffer),
		limiter:     rate.NewLimiter(rate.Inf, 1),
		connectedAt: time.Now(),
	}
}

func clientFrame(t *testing.T, typ, playerID string) []byte {
	t.Helper()
	data, err := json.Marshal(protocol.ClientMessage{Type: typ, PlayerID: playerID})
	require.NoError(t, err)
	return data
}

// nextFrame decodes the next queued server frame, waiting briefly for
// pool-delivered pushes.
func nextFrame(t *testing.T, c *client) protocol.ServerMessage {
	t.Helper()
	select {
	case data := <-c.send:
		var msg protocol.ServerMessage
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no frame pushed within deadline")
		return protocol.ServerMessage{}
	}
}

func assertNoFrame(t *testing.T, c *client) {
	t.Helper()
	select {
	case data := <-c.send:
		t.Fatalf("unexpected frame: %s", data)
	default:
	}
}

// identify runs the HELLO handshake and drains its two reply frames.
func identify(t *testing.T, s *Server, c *client, playerID string) {
	t.Helper()
	closed := s.handleFrame(c, clientFrame(t, protocol.TypeHello, playerID))
	require.False(t, closed)
	welcome := nextFrame(t, c)
	require.Equal(t, protocol.TypeWelcome, welcome.Type)
	state := nextFrame(t, c)
	require.Equal(t, protocol.TypeState, state.Type)
}

func TestHelloMintsIdentity(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	s := newTestServer(t, st)
	c := newTestClient(1)

	closed := s.handleFrame(c, clientFrame(t, protocol.TypeHello, ""))
	require.False(t, closed)

	welcome := nextFrame(t, c)
	assert.Equal(t, protocol.TypeWelcome, welcome.Type)
	assert.NotEmpty(t, welcome.PlayerID)

	state := nextFrame(t, c)
	assert.Equal(t, protocol.TypeState, state.Type)
	assert.Equal(t, store.StateLobby, state.State)

	assert.True(t, c.isIdentified())
	bound, ok := s.registry.lookup(welcome.PlayerID)
	require.True(t, ok)
	assert.Same(t, c, bound)

	p, err := st.Player(ctx, welcome.PlayerID)
	require.NoError(t, err)
	assert.Equal(t, store.StateLobby, p.State)
}

func TestHelloKeepsRequestedIdentity(t *testing.T) {
	st := storetest.New()
	s := newTestServer(t, st)
	c := newTestClient(1)

	s.handleFrame(c, clientFrame(t, protocol.TypeHello, "returning-player"))

	welcome := nextFrame(t, c)
	assert.Equal(t, "returning-player", welcome.PlayerID)
	assert.Equal(t, "returning-player", c.playerID)
}

func TestHelloMidGameReportsInGame(t *testing.T) {
	st := storetest.New()
	st.SeedPlayer(store.Player{
		ID:          "p1",
		State:       store.StateInGame,
		GameID:      "g1",
		SessionID:   "session-0",
		HeartbeatAt: time.Now().UnixMilli(),
	})
	s := newTestServer(t, st)
	c := newTestClient(1)

	s.handleFrame(c, clientFrame(t, protocol.TypeHello, "p1"))

	welcome := nextFrame(t, c)
	require.Equal(t, protocol.TypeWelcome, welcome.Type)
	state := nextFrame(t, c)
	assert.Equal(t, store.StateInGame, state.State, "reconnect must not demote a placed player")
}

func TestRepeatedHelloKeepsFirstIdentity(t *testing.T) {
	st := storetest.New()
	s := newTestServer(t, st)
	c := newTestClient(1)
	identify(t, s, c, "first")

	closed := s.handleFrame(c, clientFrame(t, protocol.TypeHello, "second"))
	require.False(t, closed)

	welcome := nextFrame(t, c)
	assert.Equal(t, "first", welcome.PlayerID)
	assert.Equal(t, "first", c.playerID)
	_, ok := s.registry.lookup("second")
	assert.False(t, ok)
}

func TestHelloRebindsIdentityToNewConnection(t *testing.T) {
	st := storetest.New()
	s := newTestServer(t, st)
	c1 := newTestClient(1)
	c2 := newTestClient(2)

	identify(t, s, c1, "p1")
	identify(t, s, c2, "p1")

	bound, ok := s.registry.lookup("p1")
	require.True(t, ok)
	assert.Same(t, c2, bound)
}

func TestFrameBeforeHelloRejected(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	s := newTestServer(t, st)
	c := newTestClient(1)

	closed := s.handleFrame(c, clientFrame(t, protocol.TypeReadyUp, ""))
	require.False(t, closed, "protocol errors keep the connection open")

	errFrame := nextFrame(t, c)
	assert.Equal(t, protocol.TypeError, errFrame.Type)
	assert.Equal(t, protocol.ErrCodeNotIdentified, errFrame.Code)

	qlen, err := st.QueueLen(ctx)
	require.NoError(t, err)
	assert.Zero(t, qlen, "unidentified frames must not reach the store")
}

func TestMalformedFrameKeepsConnectionOpen(t *testing.T) {
	st := storetest.New()
	s := newTestServer(t, st)
	c := newTestClient(1)

	for _, raw := range [][]byte{
		[]byte("{not json"),
		[]byte(`{"player_id":"x"}`),
	} {
		closed := s.handleFrame(c, raw)
		require.False(t, closed)
		errFrame := nextFrame(t, c)
		assert.Equal(t, protocol.TypeError, errFrame.Type)
		assert.Equal(t, protocol.ErrCodeMalformed, errFrame.Code)
	}
}

func TestUnknownTypeKeepsConnectionOpen(t *testing.T) {
	st := storetest.New()
	s := newTestServer(t, st)
	c := newTestClient(1)
	identify(t, s, c, "p1")

	closed := s.handleFrame(c, clientFrame(t, "DANCE", ""))
	require.False(t, closed)

	errFrame := nextFrame(t, c)
	assert.Equal(t, protocol.TypeError, errFrame.Type)
	assert.Equal(t, protocol.ErrCodeUnknown, errFrame.Code)

	_, ok := s.registry.lookup("p1")
	assert.True(t, ok, "identity survives an unknown frame")
}

func TestReadyUpQueuesPlayer(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	s := newTestServer(t, st)
	c := newTestClient(1)
	identify(t, s, c, "p1")

	closed := s.handleFrame(c, clientFrame(t, protocol.TypeReadyUp, ""))
	require.False(t, closed)

	state := nextFrame(t, c)
	assert.Equal(t, protocol.TypeState, state.Type)
	assert.Equal(t, store.StateReady, state.State)

	p, err := st.Player(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, store.StateReady, p.State)

	snapshot, err := st.QueueSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, snapshot)
}

func TestRepeatedReadyUpAppendsAgain(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	s := newTestServer(t, st)
	c := newTestClient(1)
	identify(t, s, c, "p1")

	s.handleFrame(c, clientFrame(t, protocol.TypeReadyUp, ""))
	s.handleFrame(c, clientFrame(t, protocol.TypeReadyUp, ""))
	nextFrame(t, c)
	nextFrame(t, c)

	qlen, err := st.QueueLen(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, qlen, "duplicates are collapsed at consumption, not here")
}

func TestUnreadyLeavesQueueEntryBehind(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	s := newTestServer(t, st)
	c := newTestClient(1)
	identify(t, s, c, "p1")
	s.handleFrame(c, clientFrame(t, protocol.TypeReadyUp, ""))
	nextFrame(t, c)

	closed := s.handleFrame(c, clientFrame(t, protocol.TypeUnready, ""))
	require.False(t, closed)

	state := nextFrame(t, c)
	assert.Equal(t, store.StateLobby, state.State)

	p, err := st.Player(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, store.StateLobby, p.State)

	qlen, err := st.QueueLen(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, qlen, "the stale entry is the consumer's problem")
}

func TestHeartbeatRefreshesLiveness(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	s := newTestServer(t, st)
	c := newTestClient(1)
	identify(t, s, c, "p1")

	stale := time.Now().Add(-time.Hour).UnixMilli()
	st.SeedPlayer(store.Player{ID: "p1", State: store.StateLobby, HeartbeatAt: stale})

	closed := s.handleFrame(c, clientFrame(t, protocol.TypeHeartbeat, ""))
	require.False(t, closed)
	assertNoFrame(t, c)

	p, err := st.Player(ctx, "p1")
	require.NoError(t, err)
	assert.Greater(t, p.HeartbeatAt, stale)
}

func TestLeaveClosesConnection(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	s := newTestServer(t, st)
	c := newTestClient(1)
	identify(t, s, c, "p1")
	s.handleFrame(c, clientFrame(t, protocol.TypeReadyUp, ""))
	nextFrame(t, c)

	closed := s.handleFrame(c, clientFrame(t, protocol.TypeLeave, ""))
	assert.True(t, closed)

	p, err := st.Player(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, store.StateLobby, p.State)
}

func TestDisconnectLeavesReadyPlayerForReaper(t *testing.T) {
	ctx := context.Background()
	st := storetest.New()
	s := newTestServer(t, st)
	c := newTestClient(1)
	s.connSem <- struct{}{}
	atomic.AddInt64(&s.currentConns, 1)
	s.clients.Store(c, struct{}{})

	identify(t, s, c, "p1")
	s.handleFrame(c, clientFrame(t, protocol.TypeReadyUp, ""))
	nextFrame(t, c)

	s.disconnect(c, "test")

	p, err := st.Player(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, store.StateReady, p.State, "demote-on-disconnect is monotone")

	_, ok := s.registry.lookup("p1")
	assert.False(t, ok)
	assert.Zero(t, len(s.connSem), "the connection slot is returned")
}

func TestDisconnectOfDisplacedConnectionKeepsNewBinding(t *testing.T) {
	st := storetest.New()
	s := newTestServer(t, st)
	c1 := newTestClient(1)
	c2 := newTestClient(2)
	for range [2]int{} {
		s.connSem <- struct{}{}
		atomic.AddInt64(&s.currentConns, 1)
	}
	s.clients.Store(c1, struct{}{})
	s.clients.Store(c2, struct{}{})

	identify(t, s, c1, "p1")
	identify(t, s, c2, "p1")

	s.disconnect(c1, "test")

	bound, ok := s.registry.lookup("p1")
	require.True(t, ok)
	assert.Same(t, c2, bound, "a stale connection closing must not unbind its replacement")
}

func TestHelloDeadlineClosesUnidentified(t *testing.T) {
	st := storetest.New()
	s := newTestServer(t, st)

	server, peer := net.Pipe()
	c := newTestClient(1)
	c.conn = server

	done := make(chan struct{})
	go func() {
		io.Copy(io.Discard, peer)
		close(done)
	}()

	s.helloDeadline(c)

	assert.EqualValues(t, 1, atomic.LoadInt32(&c.timedOut))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connection was not closed")
	}
}

func TestHelloDeadlineIgnoresIdentified(t *testing.T) {
	st := storetest.New()
	s := newTestServer(t, st)
	c := newTestClient(1)
	c.identifiedNow("p1")

	s.helloDeadline(c)

	assert.Zero(t, atomic.LoadInt32(&c.timedOut))
}
