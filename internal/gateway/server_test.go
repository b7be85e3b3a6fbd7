package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"gambit/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/websocket"
)

type completion struct {
	playerAddress string
	payload       MintCompletedPayload
}

type fakeQueue struct {
	mu        sync.Mutex
	requests  []RequestMintPayload
	completed []completion
	notified  []string
	abandoned []string
	err       error
}

func (q *fakeQueue) RequestMint(ctx context.Context, payload RequestMintPayload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.requests = append(q.requests, payload)
	return q.err
}

func (q *fakeQueue) Complete(ctx context.Context, playerAddress string, payload MintCompletedPayload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.completed = append(q.completed, completion{playerAddress, payload})
	return nil
}

func (q *fakeQueue) Notify(playerAddress string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.notified = append(q.notified, playerAddress)
}

func (q *fakeQueue) Abandon(playerAddress string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.abandoned = append(q.abandoned, playerAddress)
}

func (q *fakeQueue) abandonedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.abandoned)
}

type fakeResults struct {
	mu      sync.Mutex
	results map[string]TransactionResultPayload
}

func (r *fakeResults) HandleTransactionResult(ctx context.Context, playerAddress string, payload TransactionResultPayload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if payload.TransactionID == "unknown" {
		return errors.New("unknown transaction")
	}
	r.results[playerAddress] = payload
	return nil
}

type fakeAuth map[string]*models.PlayerFromAuth

func (a fakeAuth) Validate(token string) (*models.PlayerFromAuth, error) {
	player, ok := a[token]
	if !ok {
		return nil, errors.New("bad token")
	}
	return player, nil
}

func address(n int) string {
	return fmt.Sprintf("0:%064x", n)
}

type testGateway struct {
	hub     *Hub
	queue   *fakeQueue
	results *fakeResults
	server  *httptest.Server
}

func newTestGateway(t *testing.T, auth Authenticator) *testGateway {
	hub := NewHub()
	queue := &fakeQueue{}
	results := &fakeResults{results: make(map[string]TransactionResultPayload)}

	mux := http.NewServeMux()
	mux.Handle("/ws", NewServer(hub, queue, results, auth))
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return &testGateway{hub: hub, queue: queue, results: results, server: server}
}

func (g *testGateway) dial(t *testing.T, token string) *websocket.Conn {
	wsURL := "ws" + strings.TrimPrefix(g.server.URL, "http") + "/ws"
	if token != "" {
		wsURL += "?token=" + token
	}

	conn, err := websocket.Dial(wsURL, "", g.server.URL)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, requestID string, payload any) {
	b, err := json.Marshal(payload)
	require.NoError(t, err)
	require.NoError(t, json.NewEncoder(conn).Encode(Frame{Type: event, RequestID: requestID, Payload: b}))
}

func receive(t *testing.T, conn *websocket.Conn) Frame {
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))
	var frame Frame
	require.NoError(t, json.NewDecoder(conn).Decode(&frame))
	return frame
}

func TestJoinEmitLeave(t *testing.T) {
	g := newTestGateway(t, nil)
	conn := g.dial(t, "")

	send(t, conn, EventJoinPlayerRoom, "r1", RoomPayload{PlayerAddress: address(1)})
	frame := receive(t, conn)
	assert.Equal(t, EventJoined, frame.Type)
	assert.Equal(t, "r1", frame.RequestID)

	var joined RoomPayload
	require.NoError(t, json.Unmarshal(frame.Payload, &joined))
	assert.Equal(t, address(1), joined.PlayerAddress)
	assert.True(t, g.hub.HasPeers(address(1)))

	g.queue.mu.Lock()
	assert.Equal(t, []string{address(1)}, g.queue.notified)
	g.queue.mu.Unlock()

	assert.True(t, g.hub.Emit(address(1), EventMintNow, MintNowPayload{TaskID: "t1", RewardType: "first_game_played"}))
	frame = receive(t, conn)
	assert.Equal(t, EventMintNow, frame.Type)
	var mintNow MintNowPayload
	require.NoError(t, json.Unmarshal(frame.Payload, &mintNow))
	assert.Equal(t, "t1", mintNow.TaskID)

	assert.False(t, g.hub.Emit(address(2), EventMintNow, MintNowPayload{TaskID: "t2"}))

	send(t, conn, EventLeavePlayerRoom, "r2", RoomPayload{PlayerAddress: address(1)})
	frame = receive(t, conn)
	assert.Equal(t, EventLeft, frame.Type)
	assert.False(t, g.hub.HasPeers(address(1)))
	assert.Equal(t, 1, g.queue.abandonedCount())
}

func TestDisconnectAbandonsLastPeerOnly(t *testing.T) {
	g := newTestGateway(t, nil)
	first := g.dial(t, "")
	second := g.dial(t, "")

	for _, conn := range []*websocket.Conn{first, second} {
		send(t, conn, EventJoinPlayerRoom, "", RoomPayload{PlayerAddress: address(1)})
		assert.Equal(t, EventJoined, receive(t, conn).Type)
	}

	first.Close()
	time.Sleep(100 * time.Millisecond)
	assert.True(t, g.hub.HasPeers(address(1)))
	assert.Zero(t, g.queue.abandonedCount())

	second.Close()
	assert.Eventually(t, func() bool { return g.queue.abandonedCount() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.False(t, g.hub.HasPeers(address(1)))
}

func TestRequestMintErrorIsReported(t *testing.T) {
	g := newTestGateway(t, nil)
	g.queue.err = errors.New("reward already earned or queued")
	conn := g.dial(t, "")

	send(t, conn, EventRequestMint, "r1", RequestMintPayload{RewardType: "first_game_played", PlayerID: "p1", PlayerAddress: address(1)})
	frame := receive(t, conn)
	assert.Equal(t, EventMintError, frame.Type)
	assert.Equal(t, "r1", frame.RequestID)

	var payload MintErrorPayload
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	assert.Equal(t, "reward already earned or queued", payload.Error)
	assert.Equal(t, "first_game_played", payload.RewardType)
}

func TestAuthenticatedSession(t *testing.T) {
	player := &models.PlayerFromAuth{ID: "p1", Address: address(1)}
	g := newTestGateway(t, fakeAuth{"good": player})

	wsURL := "ws" + strings.TrimPrefix(g.server.URL, "http") + "/ws"
	_, err := websocket.Dial(wsURL, "", g.server.URL)
	assert.Error(t, err, "no token")

	conn := g.dial(t, "good")

	send(t, conn, EventJoinPlayerRoom, "r1", RoomPayload{PlayerAddress: address(2)})
	frame := receive(t, conn)
	assert.Equal(t, EventError, frame.Type)
	var denied ErrorPayload
	require.NoError(t, json.Unmarshal(frame.Payload, &denied))
	assert.Equal(t, "PERMISSION_DENIED", denied.Code)

	// the token decides who asks, not the payload
	send(t, conn, EventRequestMint, "r2", RequestMintPayload{RewardType: "first_game_played", PlayerID: "someone", PlayerAddress: address(9)})
	assert.Eventually(t, func() bool {
		g.queue.mu.Lock()
		defer g.queue.mu.Unlock()
		return len(g.queue.requests) == 1
	}, 2*time.Second, 10*time.Millisecond)

	g.queue.mu.Lock()
	assert.Equal(t, "p1", g.queue.requests[0].PlayerID)
	assert.Equal(t, address(1), g.queue.requests[0].PlayerAddress)
	g.queue.mu.Unlock()

	send(t, conn, EventTxResult, "r3", TransactionResultPayload{TransactionID: "tx1", Status: TxResultSuccess, ObjectID: "obj"})
	assert.Eventually(t, func() bool {
		g.results.mu.Lock()
		defer g.results.mu.Unlock()
		return g.results.results[address(1)].ObjectID == "obj"
	}, 2*time.Second, 10*time.Millisecond)

	send(t, conn, EventTxResult, "r4", TransactionResultPayload{TransactionID: "unknown", Status: TxResultSuccess})
	frame = receive(t, conn)
	assert.Equal(t, EventError, frame.Type)
	assert.Equal(t, "r4", frame.RequestID)
}

func TestTransactionResultNeedsRoom(t *testing.T) {
	g := newTestGateway(t, nil)
	conn := g.dial(t, "")

	send(t, conn, EventTxResult, "r1", TransactionResultPayload{TransactionID: "tx1", Status: TxResultSuccess})
	frame := receive(t, conn)
	assert.Equal(t, EventError, frame.Type)

	var payload ErrorPayload
	require.NoError(t, json.Unmarshal(frame.Payload, &payload))
	assert.Equal(t, "FAILED_PRECONDITION", payload.Code)
}

func TestMintCompletedIsForwarded(t *testing.T) {
	g := newTestGateway(t, nil)
	conn := g.dial(t, "")

	send(t, conn, EventMintCompleted, "r1", MintCompletedPayload{TaskID: "t1", ObjectID: "obj", Success: true})
	frame := receive(t, conn)
	assert.Equal(t, EventError, frame.Type)
	assert.Equal(t, "r1", frame.RequestID)

	send(t, conn, EventJoinPlayerRoom, "", RoomPayload{PlayerAddress: address(1)})
	assert.Equal(t, EventJoined, receive(t, conn).Type)

	send(t, conn, EventMintCompleted, "", MintCompletedPayload{TaskID: "t1", ObjectID: "obj", Success: true})
	assert.Eventually(t, func() bool {
		g.queue.mu.Lock()
		defer g.queue.mu.Unlock()
		return len(g.queue.completed) == 1
	}, 2*time.Second, 10*time.Millisecond)

	g.queue.mu.Lock()
	assert.Equal(t, address(1), g.queue.completed[0].playerAddress)
	assert.Equal(t, "obj", g.queue.completed[0].payload.ObjectID)
	g.queue.mu.Unlock()

	send(t, conn, "unknown-event", "r9", struct{}{})
	frame = receive(t, conn)
	assert.Equal(t, EventError, frame.Type)
	assert.Equal(t, "r9", frame.RequestID)
}

func TestMintCompletedCarriesSessionPlayer(t *testing.T) {
	player := &models.PlayerFromAuth{ID: "p1", Address: address(1)}
	g := newTestGateway(t, fakeAuth{"good": player})
	conn := g.dial(t, "good")

	// no room joined, the token still names the sender
	send(t, conn, EventMintCompleted, "", MintCompletedPayload{TaskID: "task-of-p2", Success: false})
	assert.Eventually(t, func() bool {
		g.queue.mu.Lock()
		defer g.queue.mu.Unlock()
		return len(g.queue.completed) == 1
	}, 2*time.Second, 10*time.Millisecond)

	g.queue.mu.Lock()
	assert.Equal(t, address(1), g.queue.completed[0].playerAddress)
	g.queue.mu.Unlock()
}
