package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"beamnet/internal/core/domain"
	"beamnet/pkg/utils"
)

// Callbacks let the frontend react to controller progress. Nil fields are
// skipped. All callbacks run on the controller's event loop, so they must
// not block.
type Callbacks struct {
	OnRoomCreated     func(roomID domain.RoomID, shareURL string)
	OnJoined          func(viewerID domain.ViewerID)
	OnViewerCount     func(count int)
	OnBroadcasterLeft func()
	OnServerError     func(text string)
	OnReconnecting    func(attempt int)
}

// Controller drives one client's negotiation with the rendezvous server.
// A single goroutine owns all session and transport state; pion callbacks
// and reconnect timers feed it through the events channel.
type Controller struct {
	dial      Dialer
	factory   SessionFactory
	origin    string
	logger    *zap.SugaredLogger
	callbacks Callbacks
	reconnect *ReconnectManager

	role     domain.Role
	roomID   domain.RoomID
	viewerID domain.ViewerID

	ctx       context.Context
	transport Transport
	sessions  map[string]Session

	events    chan controllerEvent
	closed    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once

	mu  sync.Mutex
	err error
}

type eventKind int

const (
	evLocalCandidate eventKind = iota
	evReconnectTick
)

type controllerEvent struct {
	kind      eventKind
	peerKey   string
	candidate json.RawMessage
}

// Options configures a Controller.
type Options struct {
	Dialer    Dialer
	Factory   SessionFactory
	Origin    string
	Callbacks Callbacks
	Reconnect *ReconnectManager
	Logger    *zap.SugaredLogger
}

// NewController wires a controller from its collaborators.
func NewController(opts Options) *Controller {
	rm := opts.Reconnect
	if rm == nil {
		rm = NewReconnectManager()
	}
	return &Controller{
		dial:      opts.Dialer,
		factory:   opts.Factory,
		origin:    opts.Origin,
		logger:    opts.Logger,
		callbacks: opts.Callbacks,
		reconnect: rm,
		sessions:  make(map[string]Session),
		events:    make(chan controllerEvent, 64),
		closed:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// StartBroadcast connects, announces the room and begins serving viewers.
// An empty roomID asks for a generated code.
func (c *Controller) StartBroadcast(ctx context.Context, roomID string) error {
	if roomID == "" {
		code, err := utils.GenerateRoomCode()
		if err != nil {
			return err
		}
		roomID = code
	}
	c.role = domain.RoleBroadcaster
	c.roomID = domain.RoomID(utils.NormalizeRoomCode(roomID))
	return c.start(ctx)
}

// StartView connects and joins an existing room as a viewer.
func (c *Controller) StartView(ctx context.Context, roomID string) error {
	if strings.TrimSpace(roomID) == "" {
		return fmt.Errorf("room code is required")
	}
	c.role = domain.RoleViewer
	c.roomID = domain.RoomID(utils.NormalizeRoomCode(roomID))
	return c.start(ctx)
}

func (c *Controller) start(ctx context.Context) error {
	c.ctx = ctx

	transport, err := c.dial(ctx)
	if err != nil {
		return fmt.Errorf("connect to server: %w", err)
	}
	c.transport = transport

	if err := c.announce(); err != nil {
		transport.Close()
		return err
	}

	go c.run()
	return nil
}

// announce sends the identity message for the current role. On a reconnect
// this carries the previous room and viewer ids so the server restores the
// same membership.
func (c *Controller) announce() error {
	switch c.role {
	case domain.RoleBroadcaster:
		return c.transport.Send(&domain.Message{Type: domain.TypeCreateRoom, RoomID: c.roomID})
	case domain.RoleViewer:
		return c.transport.Send(&domain.Message{
			Type:     domain.TypeJoinRoom,
			RoomID:   c.roomID,
			ViewerID: c.viewerID,
		})
	default:
		return fmt.Errorf("no role assigned")
	}
}

// Close tears the client down voluntarily. No reconnection is attempted.
func (c *Controller) Close() {
	c.closeOnce.Do(func() { close(c.closed) })
}

// Done is closed when the event loop has exited.
func (c *Controller) Done() <-chan struct{} { return c.doneCh }

// Err reports the terminal error, if any, once Done is closed.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Controller) run() {
	defer close(c.doneCh)
	defer c.teardown()

	for {
		// The transport is replaced across reconnects; nil while waiting
		// for the next attempt.
		var incoming <-chan *domain.Message
		var dropped <-chan struct{}
		if c.transport != nil {
			incoming = c.transport.Incoming()
			dropped = c.transport.Done()
		}

		select {
		case <-c.closed:
			return
		case <-c.ctx.Done():
			c.setErr(c.ctx.Err())
			return
		case msg, ok := <-incoming:
			if !ok {
				continue
			}
			c.handleMessage(msg)
		case <-dropped:
			c.transport = nil
			c.closeSessions()
			if !c.scheduleReconnect() {
				return
			}
		case ev := <-c.events:
			switch ev.kind {
			case evLocalCandidate:
				c.sendLocalCandidate(ev.peerKey, ev.candidate)
			case evReconnectTick:
				if !c.attemptReconnect() {
					return
				}
			}
		}
	}
}

func (c *Controller) handleMessage(msg *domain.Message) {
	switch msg.Type {
	case domain.TypeRoomCreated:
		url := utils.ShareURL(c.origin, string(msg.RoomID))
		c.logger.Infow("room live", "room", msg.RoomID, "share", url)
		if c.callbacks.OnRoomCreated != nil {
			c.callbacks.OnRoomCreated(msg.RoomID, url)
		}

	case domain.TypeViewerJoined:
		c.handleViewerJoined(msg)

	case domain.TypeViewerLeft:
		c.handleViewerLeft(msg)

	case domain.TypeJoinedRoom:
		c.handleJoinedRoom(msg)

	case domain.TypeOffer:
		c.handleOffer(msg)

	case domain.TypeAnswer:
		c.handleAnswer(msg)

	case domain.TypeICECandidate:
		c.handleRemoteCandidate(msg)

	case domain.TypeBroadcasterLeft:
		c.handleBroadcasterLeft()

	case domain.TypeError:
		c.logger.Warnw("server error", "message", msg.ErrorText)
		if c.callbacks.OnServerError != nil {
			c.callbacks.OnServerError(msg.ErrorText)
		}

	default:
		c.logger.Debugw("ignoring message", "type", msg.Type)
	}
}

func (c *Controller) handleViewerJoined(msg *domain.Message) {
	if c.role != domain.RoleBroadcaster {
		return
	}
	key := string(msg.ViewerID)

	// A rejoin after a viewer-side reconnect replaces the stale session.
	if old, ok := c.sessions[key]; ok {
		old.Close()
		delete(c.sessions, key)
	}

	session, err := c.factory.NewBroadcastSession(key, c.candidateSink(key))
	if err != nil {
		c.logger.Errorw("create broadcast session", "viewer", key, "error", err)
		return
	}
	c.sessions[key] = session

	offer, err := session.CreateOffer()
	if err != nil {
		c.logger.Errorw("create offer", "viewer", key, "error", err)
		session.Close()
		delete(c.sessions, key)
		return
	}

	c.send(&domain.Message{
		Type:   domain.TypeOffer,
		RoomID: c.roomID,
		Target: msg.ViewerID,
		Offer:  offer,
	})

	c.logger.Infow("viewer joined", "viewer", key, "count", msg.Count)
	if c.callbacks.OnViewerCount != nil {
		c.callbacks.OnViewerCount(msg.Count)
	}
}

func (c *Controller) handleViewerLeft(msg *domain.Message) {
	if c.role != domain.RoleBroadcaster {
		return
	}
	key := string(msg.ViewerID)
	if session, ok := c.sessions[key]; ok {
		session.Close()
		delete(c.sessions, key)
	}
	c.logger.Infow("viewer left", "viewer", key, "count", msg.Count)
	if c.callbacks.OnViewerCount != nil {
		c.callbacks.OnViewerCount(msg.Count)
	}
}

func (c *Controller) handleJoinedRoom(msg *domain.Message) {
	if c.role != domain.RoleViewer {
		return
	}
	c.viewerID = msg.ViewerID

	if old, ok := c.sessions[domain.PeerBroadcaster]; ok {
		old.Close()
		delete(c.sessions, domain.PeerBroadcaster)
	}

	session, err := c.factory.NewViewSession(c.candidateSink(domain.PeerBroadcaster))
	if err != nil {
		c.logger.Errorw("create view session", "error", err)
		return
	}
	c.sessions[domain.PeerBroadcaster] = session

	c.logger.Infow("joined room", "room", msg.RoomID, "viewerID", msg.ViewerID)
	if c.callbacks.OnJoined != nil {
		c.callbacks.OnJoined(msg.ViewerID)
	}
}

func (c *Controller) handleOffer(msg *domain.Message) {
	if c.role != domain.RoleViewer {
		return
	}
	session, ok := c.sessions[domain.PeerBroadcaster]
	if !ok {
		c.logger.Debugw("offer before join completed, dropped")
		return
	}

	answer, err := session.HandleRemoteOffer(msg.Offer)
	if err != nil {
		c.logger.Errorw("handle offer", "error", err)
		return
	}

	c.send(&domain.Message{
		Type:   domain.TypeAnswer,
		RoomID: c.roomID,
		Answer: answer,
	})
}

func (c *Controller) handleAnswer(msg *domain.Message) {
	if c.role != domain.RoleBroadcaster {
		return
	}
	session, ok := c.sessions[msg.From]
	if !ok {
		c.logger.Debugw("answer for unknown viewer, dropped", "viewer", msg.From)
		return
	}
	if err := session.HandleRemoteAnswer(msg.Answer); err != nil {
		c.logger.Errorw("handle answer", "viewer", msg.From, "error", err)
	}
}

func (c *Controller) handleRemoteCandidate(msg *domain.Message) {
	key := domain.PeerBroadcaster
	if c.role == domain.RoleBroadcaster {
		key = msg.From
	}
	session, ok := c.sessions[key]
	if !ok {
		c.logger.Debugw("candidate without session, dropped", "peer", key)
		return
	}
	if err := session.AddRemoteCandidate(msg.Candidate); err != nil {
		c.logger.Warnw("add remote candidate", "peer", key, "error", err)
	}
}

func (c *Controller) handleBroadcasterLeft() {
	if c.role != domain.RoleViewer {
		return
	}
	c.closeSessions()
	c.logger.Infow("broadcast ended")
	if c.callbacks.OnBroadcasterLeft != nil {
		c.callbacks.OnBroadcasterLeft()
	}
}

// candidateSink adapts the ICE agent's callback goroutine onto the event
// loop.
func (c *Controller) candidateSink(peerKey string) func(json.RawMessage) {
	return func(candidate json.RawMessage) {
		select {
		case c.events <- controllerEvent{kind: evLocalCandidate, peerKey: peerKey, candidate: candidate}:
		case <-c.doneCh:
		}
	}
}

func (c *Controller) sendLocalCandidate(peerKey string, candidate json.RawMessage) {
	msg := &domain.Message{
		Type:      domain.TypeICECandidate,
		RoomID:    c.roomID,
		Candidate: candidate,
	}
	if c.role == domain.RoleBroadcaster {
		msg.Target = domain.ViewerID(peerKey)
	}
	c.send(msg)
}

func (c *Controller) send(msg *domain.Message) {
	if c.transport == nil {
		c.logger.Debugw("send while disconnected, dropped", "type", msg.Type)
		return
	}
	if err := c.transport.Send(msg); err != nil {
		c.logger.Warnw("send failed", "type", msg.Type, "error", err)
	}
}

// scheduleReconnect arms the next attempt. It returns false when the budget
// is exhausted, which terminates the controller.
func (c *Controller) scheduleReconnect() bool {
	delay, ok := c.reconnect.Next()
	if !ok {
		c.logger.Errorw("reconnect attempts exhausted")
		c.setErr(domain.ErrReconnectGivenUp)
		return false
	}

	attempt := c.reconnect.Attempt()
	c.logger.Infow("connection lost, reconnecting", "attempt", attempt, "delay", delay)
	if c.callbacks.OnReconnecting != nil {
		c.callbacks.OnReconnecting(attempt)
	}

	c.reconnect.Schedule(delay, func() {
		select {
		case c.events <- controllerEvent{kind: evReconnectTick}:
		case <-c.doneCh:
		}
	})
	return true
}

// attemptReconnect dials a fresh transport and re-announces the prior
// identity. A failed dial feeds back into the schedule.
func (c *Controller) attemptReconnect() bool {
	transport, err := c.dial(c.ctx)
	if err != nil {
		c.logger.Warnw("reconnect attempt failed", "error", err)
		return c.scheduleReconnect()
	}

	c.transport = transport

	if err := c.announce(); err != nil {
		c.logger.Warnw("re-announce failed", "error", err)
		transport.Close()
		c.transport = nil
		return c.scheduleReconnect()
	}

	c.reconnect.Reset()
	c.logger.Infow("reconnected", "room", c.roomID)
	return true
}

func (c *Controller) closeSessions() {
	for key, session := range c.sessions {
		session.Close()
		delete(c.sessions, key)
	}
}

func (c *Controller) teardown() {
	c.reconnect.Cancel()
	c.closeSessions()
	if c.transport != nil {
		c.transport.Close()
		c.transport = nil
	}
}

func (c *Controller) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}
