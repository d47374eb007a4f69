package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"beamnet/internal/core/domain"
)

func newTestRouter() *MessageRouter {
	return NewMessageRouter(NewRoomRegistry(), nil, zap.NewNop().Sugar())
}

func connFor(h domain.ConnHandle) *domain.ConnContext {
	return &domain.ConnContext{Handle: h}
}

// broadcastRoom wires up a room with a broadcaster and n viewers and
// returns all the participants.
func broadcastRoom(t *testing.T, rt *MessageRouter, roomID string, n int) (*domain.ConnContext, *fakeHandle, []*domain.ConnContext, []*fakeHandle) {
	t.Helper()
	ctx := context.Background()

	bHandle := newFakeHandle()
	bConn := connFor(bHandle)
	rt.HandleMessage(ctx, bConn, &domain.Message{Type: domain.TypeCreateRoom, RoomID: domain.RoomID(roomID)})
	require.Equal(t, domain.RoleBroadcaster, bConn.Role)

	viewers := make([]*domain.ConnContext, n)
	handles := make([]*fakeHandle, n)
	for i := 0; i < n; i++ {
		handles[i] = newFakeHandle()
		viewers[i] = connFor(handles[i])
		rt.HandleMessage(ctx, viewers[i], &domain.Message{Type: domain.TypeJoinRoom, RoomID: domain.RoomID(roomID)})
		require.Equal(t, domain.RoleViewer, viewers[i].Role)
		require.NotEmpty(t, viewers[i].ViewerID)
	}
	return bConn, bHandle, viewers, handles
}

func TestRouterCreateRoom(t *testing.T) {
	rt := newTestRouter()
	ctx := context.Background()

	h := newFakeHandle()
	conn := connFor(h)
	rt.HandleMessage(ctx, conn, &domain.Message{Type: domain.TypeCreateRoom, RoomID: "482"})

	require.Len(t, h.messages(), 1)
	assert.Equal(t, domain.TypeRoomCreated, h.messages()[0].Type)
	assert.Equal(t, domain.RoomID("482"), h.messages()[0].RoomID)
	assert.Equal(t, domain.RoleBroadcaster, conn.Role)
	assert.Equal(t, domain.RoomID("482"), conn.RoomID)

	t.Run("re-announce is confirmed without replacing the room", func(t *testing.T) {
		other := newFakeHandle()
		rt.HandleMessage(ctx, connFor(other), &domain.Message{Type: domain.TypeCreateRoom, RoomID: "482"})

		require.Len(t, other.messages(), 1)
		assert.Equal(t, domain.TypeRoomCreated, other.messages()[0].Type)
	})
}

func TestRouterJoinRoom(t *testing.T) {
	rt := newTestRouter()
	ctx := context.Background()

	t.Run("unknown room gets an error message", func(t *testing.T) {
		h := newFakeHandle()
		rt.HandleMessage(ctx, connFor(h), &domain.Message{Type: domain.TypeJoinRoom, RoomID: "999"})

		require.Len(t, h.messages(), 1)
		assert.Equal(t, domain.TypeError, h.messages()[0].Type)
		assert.Equal(t, "room not found", h.messages()[0].ErrorText)
	})

	t.Run("join confirms viewer and notifies broadcaster", func(t *testing.T) {
		_, bHandle, viewers, handles := broadcastRoom(t, rt, "482", 1)

		joined := handles[0].messagesOfType(domain.TypeJoinedRoom)
		require.Len(t, joined, 1)
		assert.Equal(t, viewers[0].ViewerID, joined[0].ViewerID)

		notified := bHandle.messagesOfType(domain.TypeViewerJoined)
		require.Len(t, notified, 1)
		assert.Equal(t, viewers[0].ViewerID, notified[0].ViewerID)
		assert.Equal(t, 1, notified[0].Count)
	})
}

func TestRouterNegotiationRelay(t *testing.T) {
	rt := newTestRouter()
	ctx := context.Background()
	bConn, bHandle, viewers, handles := broadcastRoom(t, rt, "482", 2)

	offer := json.RawMessage(`{"type":"offer","sdp":"v=0"}`)
	answer := json.RawMessage(`{"type":"answer","sdp":"v=0"}`)
	candidate := json.RawMessage(`{"candidate":"candidate:1"}`)

	t.Run("offer reaches only the targeted viewer", func(t *testing.T) {
		rt.HandleMessage(ctx, bConn, &domain.Message{
			Type:   domain.TypeOffer,
			Target: viewers[0].ViewerID,
			Offer:  offer,
		})

		got := handles[0].messagesOfType(domain.TypeOffer)
		require.Len(t, got, 1)
		assert.Equal(t, offer, got[0].Offer)
		assert.Equal(t, domain.PeerBroadcaster, got[0].From)
		assert.Empty(t, handles[1].messagesOfType(domain.TypeOffer))
	})

	t.Run("answer reaches the broadcaster tagged with the viewer id", func(t *testing.T) {
		rt.HandleMessage(ctx, viewers[0], &domain.Message{Type: domain.TypeAnswer, Answer: answer})

		got := bHandle.messagesOfType(domain.TypeAnswer)
		require.Len(t, got, 1)
		assert.Equal(t, answer, got[0].Answer)
		assert.Equal(t, string(viewers[0].ViewerID), got[0].From)
	})

	t.Run("candidates flow both directions", func(t *testing.T) {
		rt.HandleMessage(ctx, bConn, &domain.Message{
			Type:      domain.TypeICECandidate,
			Target:    viewers[1].ViewerID,
			Candidate: candidate,
		})
		got := handles[1].messagesOfType(domain.TypeICECandidate)
		require.Len(t, got, 1)
		assert.Equal(t, domain.PeerBroadcaster, got[0].From)

		rt.HandleMessage(ctx, viewers[1], &domain.Message{Type: domain.TypeICECandidate, Candidate: candidate})
		got = bHandle.messagesOfType(domain.TypeICECandidate)
		require.Len(t, got, 1)
		assert.Equal(t, string(viewers[1].ViewerID), got[0].From)
	})

	t.Run("absent target is dropped silently", func(t *testing.T) {
		before := len(handles[0].messages()) + len(handles[1].messages())
		rt.HandleMessage(ctx, bConn, &domain.Message{
			Type:   domain.TypeOffer,
			Target: "nobody",
			Offer:  offer,
		})
		after := len(handles[0].messages()) + len(handles[1].messages())
		assert.Equal(t, before, after)
	})

	t.Run("relay from a connection outside any room is dropped", func(t *testing.T) {
		stray := connFor(newFakeHandle())
		rt.HandleMessage(ctx, stray, &domain.Message{Type: domain.TypeAnswer, Answer: answer})
		assert.Len(t, bHandle.messagesOfType(domain.TypeAnswer), 1)
	})
}

func TestRouterUnknownTypeIgnored(t *testing.T) {
	rt := newTestRouter()
	h := newFakeHandle()

	rt.HandleMessage(context.Background(), connFor(h), &domain.Message{Type: "subscribe-stats"})
	assert.Empty(t, h.messages())
}

func TestRouterBroadcasterDisconnect(t *testing.T) {
	rt := newTestRouter()
	ctx := context.Background()
	bConn, _, _, handles := broadcastRoom(t, rt, "482", 3)

	rt.HandleDisconnect(ctx, bConn)

	for i, h := range handles {
		left := h.messagesOfType(domain.TypeBroadcasterLeft)
		assert.Len(t, left, 1, "viewer %d must hear broadcaster-left", i)
		assert.True(t, h.Closed(), "viewer %d connection must be closed", i)
	}

	t.Run("room code is reusable afterwards", func(t *testing.T) {
		h := newFakeHandle()
		rt.HandleMessage(ctx, connFor(h), &domain.Message{Type: domain.TypeCreateRoom, RoomID: "482"})
		require.Len(t, h.messagesOfType(domain.TypeRoomCreated), 1)
	})

	t.Run("teardown is idempotent", func(t *testing.T) {
		rt.HandleDisconnect(ctx, bConn)
		for _, h := range handles {
			assert.Len(t, h.messagesOfType(domain.TypeBroadcasterLeft), 1)
		}
	})
}

func TestRouterDuplicateCreatorDisconnect(t *testing.T) {
	rt := newTestRouter()
	ctx := context.Background()
	_, _, _, handles := broadcastRoom(t, rt, "482", 1)

	// A second connection announcing the same code is acknowledged but the
	// room stays with its first creator.
	dupConn := connFor(newFakeHandle())
	rt.HandleMessage(ctx, dupConn, &domain.Message{Type: domain.TypeCreateRoom, RoomID: "482"})

	rt.HandleDisconnect(ctx, dupConn)

	_, ok := rt.registry.LookupBroadcaster("482")
	assert.True(t, ok, "room must survive the duplicate's disconnect")
	assert.Empty(t, handles[0].messagesOfType(domain.TypeBroadcasterLeft))
	assert.False(t, handles[0].Closed())
}

func TestRouterViewerDisconnect(t *testing.T) {
	rt := newTestRouter()
	ctx := context.Background()
	_, bHandle, viewers, _ := broadcastRoom(t, rt, "482", 2)

	rt.HandleDisconnect(ctx, viewers[0])

	left := bHandle.messagesOfType(domain.TypeViewerLeft)
	require.Len(t, left, 1)
	assert.Equal(t, viewers[0].ViewerID, left[0].ViewerID)
	assert.Equal(t, 1, left[0].Count)

	t.Run("stale disconnect after slot reclaim is silent", func(t *testing.T) {
		fresh := connFor(newFakeHandle())
		rt.HandleMessage(ctx, fresh, &domain.Message{
			Type:     domain.TypeJoinRoom,
			RoomID:   "482",
			ViewerID: viewers[1].ViewerID,
		})

		rt.HandleDisconnect(ctx, viewers[1])
		assert.Len(t, bHandle.messagesOfType(domain.TypeViewerLeft), 1, "no extra viewer-left for the stale connection")
	})
}

func TestRouterUnassignedDisconnect(t *testing.T) {
	rt := newTestRouter()

	conn := connFor(newFakeHandle())
	rt.HandleDisconnect(context.Background(), conn)
	// Nothing to assert beyond not panicking; the connection never joined.
}

// TestRouterFullSession walks one broadcast end to end the way the wire
// protocol sequences it.
func TestRouterFullSession(t *testing.T) {
	rt := newTestRouter()
	ctx := context.Background()

	bHandle := newFakeHandle()
	bConn := connFor(bHandle)
	rt.HandleMessage(ctx, bConn, &domain.Message{Type: domain.TypeCreateRoom, RoomID: "482"})

	vHandle := newFakeHandle()
	vConn := connFor(vHandle)
	rt.HandleMessage(ctx, vConn, &domain.Message{Type: domain.TypeJoinRoom, RoomID: "482"})
	viewerID := vConn.ViewerID
	require.NotEmpty(t, viewerID)

	rt.HandleMessage(ctx, bConn, &domain.Message{
		Type:   domain.TypeOffer,
		Target: viewerID,
		Offer:  json.RawMessage(`{"type":"offer","sdp":"v=0"}`),
	})
	rt.HandleMessage(ctx, vConn, &domain.Message{
		Type:   domain.TypeAnswer,
		Answer: json.RawMessage(`{"type":"answer","sdp":"v=0"}`),
	})
	rt.HandleMessage(ctx, bConn, &domain.Message{
		Type:      domain.TypeICECandidate,
		Target:    viewerID,
		Candidate: json.RawMessage(`{"candidate":"a"}`),
	})
	rt.HandleMessage(ctx, vConn, &domain.Message{
		Type:      domain.TypeICECandidate,
		Candidate: json.RawMessage(`{"candidate":"b"}`),
	})

	assert.Len(t, vHandle.messagesOfType(domain.TypeOffer), 1)
	assert.Len(t, vHandle.messagesOfType(domain.TypeICECandidate), 1)
	assert.Len(t, bHandle.messagesOfType(domain.TypeAnswer), 1)
	assert.Len(t, bHandle.messagesOfType(domain.TypeICECandidate), 1)

	rt.HandleDisconnect(ctx, vConn)
	require.Len(t, bHandle.messagesOfType(domain.TypeViewerLeft), 1)
	assert.Equal(t, 0, bHandle.messagesOfType(domain.TypeViewerLeft)[0].Count)

	rt.HandleDisconnect(ctx, bConn)
	_, ok := rt.registry.LookupBroadcaster("482")
	assert.False(t, ok)
}
