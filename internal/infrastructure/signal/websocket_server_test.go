package signal

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"beamnet/internal/core/domain"
	"beamnet/internal/core/services"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := zap.NewNop().Sugar()
	registry := services.NewRoomRegistry()
	router := services.NewMessageRouter(registry, nil, logger)
	srv := NewServer(router, registry, DefaultOptions(), logger)

	engine := gin.New()
	engine.GET("/ws", srv.HandleWebSocket)
	engine.GET("/health", srv.HandleHealth)

	ts := httptest.NewServer(engine)
	t.Cleanup(ts.Close)
	return ts
}

func wsDial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func wsSend(t *testing.T, conn *websocket.Conn, msg *domain.Message) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(msg))
}

func wsRead(t *testing.T, conn *websocket.Conn) *domain.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg domain.Message
	require.NoError(t, conn.ReadJSON(&msg))
	return &msg
}

func TestWebSocketBroadcastFlow(t *testing.T) {
	ts := newTestServer(t)

	broadcaster := wsDial(t, ts)
	wsSend(t, broadcaster, &domain.Message{Type: domain.TypeCreateRoom, RoomID: "482"})

	created := wsRead(t, broadcaster)
	assert.Equal(t, domain.TypeRoomCreated, created.Type)
	assert.Equal(t, domain.RoomID("482"), created.RoomID)

	viewer := wsDial(t, ts)
	wsSend(t, viewer, &domain.Message{Type: domain.TypeJoinRoom, RoomID: "482"})

	joined := wsRead(t, viewer)
	require.Equal(t, domain.TypeJoinedRoom, joined.Type)
	viewerID := joined.ViewerID
	require.NotEmpty(t, viewerID)

	notified := wsRead(t, broadcaster)
	require.Equal(t, domain.TypeViewerJoined, notified.Type)
	assert.Equal(t, viewerID, notified.ViewerID)
	assert.Equal(t, 1, notified.Count)

	wsSend(t, broadcaster, &domain.Message{
		Type:   domain.TypeOffer,
		Target: viewerID,
		Offer:  json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	})
	offer := wsRead(t, viewer)
	require.Equal(t, domain.TypeOffer, offer.Type)
	assert.Equal(t, domain.PeerBroadcaster, offer.From)

	wsSend(t, viewer, &domain.Message{
		Type:   domain.TypeAnswer,
		Answer: json.RawMessage(`{"type":"answer","sdp":"v=0"}`),
	})
	answer := wsRead(t, broadcaster)
	require.Equal(t, domain.TypeAnswer, answer.Type)
	assert.Equal(t, string(viewerID), answer.From)

	viewer.Close()

	left := wsRead(t, broadcaster)
	require.Equal(t, domain.TypeViewerLeft, left.Type)
	assert.Equal(t, viewerID, left.ViewerID)
	assert.Equal(t, 0, left.Count)
}

func TestWebSocketUnknownRoom(t *testing.T) {
	ts := newTestServer(t)

	viewer := wsDial(t, ts)
	wsSend(t, viewer, &domain.Message{Type: domain.TypeJoinRoom, RoomID: "999"})

	msg := wsRead(t, viewer)
	assert.Equal(t, domain.TypeError, msg.Type)
	assert.Equal(t, "room not found", msg.ErrorText)
}

func TestWebSocketMalformedFrameIgnored(t *testing.T) {
	ts := newTestServer(t)

	conn := wsDial(t, ts)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	// The connection must survive the bad frame and keep serving.
	wsSend(t, conn, &domain.Message{Type: domain.TypeCreateRoom, RoomID: "482"})
	msg := wsRead(t, conn)
	assert.Equal(t, domain.TypeRoomCreated, msg.Type)
}

func TestWebSocketBroadcasterLeft(t *testing.T) {
	ts := newTestServer(t)

	broadcaster := wsDial(t, ts)
	wsSend(t, broadcaster, &domain.Message{Type: domain.TypeCreateRoom, RoomID: "482"})
	wsRead(t, broadcaster)

	viewer := wsDial(t, ts)
	wsSend(t, viewer, &domain.Message{Type: domain.TypeJoinRoom, RoomID: "482"})
	wsRead(t, viewer)
	wsRead(t, broadcaster)

	broadcaster.Close()

	msg := wsRead(t, viewer)
	assert.Equal(t, domain.TypeBroadcasterLeft, msg.Type)

	// The server closes the viewer socket after the notification.
	viewer.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := viewer.ReadMessage()
	assert.Error(t, err)
}

func TestWriteLoopFlushesQueueOnClose(t *testing.T) {
	// Room teardown enqueues broadcaster-left and closes the handle in the
	// same breath; the writer must still deliver what was queued before it
	// sends the close frame.
	upgrader := websocket.Upgrader{}
	conns := make(chan *websocket.Conn, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err == nil {
			conns <- conn
		}
	}))
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	client, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	server := <-conns

	srv := &Server{opts: DefaultOptions(), logger: zap.NewNop().Sugar()}
	handle := newConnHandle(srv.opts.SendBuffer)
	require.NoError(t, handle.Send(&domain.Message{Type: domain.TypeBroadcasterLeft}))
	require.NoError(t, handle.Send(&domain.Message{Type: domain.TypeViewerLeft, ViewerID: "v1"}))
	handle.Close()

	go srv.writeLoop(server, handle)

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	var first, second domain.Message
	require.NoError(t, client.ReadJSON(&first))
	assert.Equal(t, domain.TypeBroadcasterLeft, first.Type)
	require.NoError(t, client.ReadJSON(&second))
	assert.Equal(t, domain.TypeViewerLeft, second.Type)

	// Only after the flush does the socket close.
	_, _, err = client.ReadMessage()
	assert.Error(t, err)
}

func TestWebSocketHealth(t *testing.T) {
	ts := newTestServer(t)

	broadcaster := wsDial(t, ts)
	wsSend(t, broadcaster, &domain.Message{Type: domain.TypeCreateRoom, RoomID: "482"})
	wsRead(t, broadcaster)

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status    string `json:"status"`
		Rooms     int    `json:"rooms"`
		Viewers   int    `json:"viewers"`
		Timestamp string `json:"timestamp"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, 1, body.Rooms)
	assert.Equal(t, 0, body.Viewers)

	_, err = time.Parse(time.RFC3339, body.Timestamp)
	assert.NoError(t, err)
}
