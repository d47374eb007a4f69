package domain

import "sync"

// Role of a connection within a room. A connection starts unassigned
// and is promoted exactly once by the first create-room or join-room
// message it sends.
type Role int

const (
	RoleUnassigned Role = iota
	RoleBroadcaster
	RoleViewer
)

func (r Role) String() string {
	switch r {
	case RoleBroadcaster:
		return "broadcaster"
	case RoleViewer:
		return "viewer"
	default:
		return "unassigned"
	}
}

// ConnHandle wraps one bidirectional message channel to a single remote
// participant. It knows nothing about rooms. Send must never block the
// caller indefinitely; a send to a closed or congested handle returns an
// error and the router treats it the same as "target not found".
type ConnHandle interface {
	Send(msg *Message) error
	Close()
	Closed() bool
}

// ConnContext is the per-connection mutable state the router assigns and
// the lifecycle manager reads. Each field is written at most once, at the
// point of the corresponding control message.
type ConnContext struct {
	Handle   ConnHandle
	Role     Role
	RoomID   RoomID
	ViewerID ViewerID

	// teardown guards the lifecycle manager against double invocation
	// for the same connection.
	teardown sync.Once
}

// OnceTeardown runs fn at most once for this connection, no matter how
// many times the close path fires.
func (c *ConnContext) OnceTeardown(fn func()) {
	c.teardown.Do(fn)
}
