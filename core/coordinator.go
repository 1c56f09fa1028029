package core

import (
	"context"
	"errors"
	"log/slog"
)

// sessionRef records which room identity a connection currently backs.
type sessionRef struct {
	RoomID   string
	MemberID string
}

// sessionShards sizes the connection-session map; connection churn is
// independent of room churn.
const sessionShards = 32

// Coordinator is the server-side room session state machine. It owns the
// registry and the connection-to-identity session map, and turns inbound
// operations into admission decisions and notification target sets. It never
// inspects key material or ciphertext.
type Coordinator struct {
	registry    *Registry
	sessions    *ShardedMap[sessionRef]
	audit       AuditLog
	adminSecret []byte
	logger      *slog.Logger
}

func NewCoordinator(registry *Registry, audit AuditLog, adminSecret []byte, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		registry:    registry,
		sessions:    NewShardedMap[sessionRef](sessionShards),
		audit:       audit,
		adminSecret: adminSecret,
		logger:      logger,
	}
}

func (c *Coordinator) Registry() *Registry { return c.registry }

// RoomExists answers the check-room probe.
func (c *Coordinator) RoomExists(roomID string) bool {
	return c.registry.Exists(roomID)
}

// JoinInput is one join attempt from a connection.
type JoinInput struct {
	ConnID      string
	VirtualAddr string
	RoomID      string
	MemberID    string
	DisplayName string
}

// JoinResult is the admission decision plus everything the caller needs to
// notify the affected connections.
type JoinResult struct {
	JoinOutcome
	// PriorLeave is set when the connection was mapped to another room and
	// had to leave it first.
	PriorLeave *LeaveResult
}

// Join runs the admission state machine. An unseen room id creates the room
// with the joiner as creator; a destroyed-but-not-yet-removed room is retried
// against a fresh one.
func (c *Coordinator) Join(ctx context.Context, in JoinInput) (JoinResult, error) {
	var result JoinResult

	// A connection backs at most one identity at a time. Joining another
	// room, or the same room under a different identity, implicitly leaves
	// the previous entry first.
	if prev, ok := c.sessions.Load(in.ConnID); ok && prev != (sessionRef{RoomID: in.RoomID, MemberID: in.MemberID}) {
		result.PriorLeave = c.leave(in.ConnID, prev)
	}

	member := Member{
		ID:          in.MemberID,
		DisplayName: in.DisplayName,
		VirtualAddr: in.VirtualAddr,
		ConnID:      in.ConnID,
	}

	for {
		room, created := c.registry.GetOrCreate(in.RoomID, func() *Room {
			return NewRoom(in.RoomID, in.MemberID)
		})
		if created {
			// Room ids are audited for abuse follow-up; content never is.
			if err := c.audit.RoomCreated(ctx, in.RoomID); err != nil {
				c.logger.Error("audit room creation", slog.String("room", in.RoomID), slog.Any("error", err))
			}
		}
		outcome, ok := room.Join(member)
		if !ok {
			// The room died between lookup and admission. Clear the
			// stale mapping and start over with a fresh room.
			c.registry.Remove(room)
			continue
		}
		result.JoinOutcome = outcome
		break
	}

	c.sessions.Store(in.ConnID, sessionRef{RoomID: in.RoomID, MemberID: in.MemberID})
	return result, nil
}

// Approve resolves a pending join in the requester's favor. The result is
// nil when the id was not pending (stale or repeated approval).
func (c *Coordinator) Approve(callerConn, roomID, memberID string) (*ApproveOutcome, error) {
	room, ok := c.registry.Get(roomID)
	if !ok {
		return nil, nil
	}
	outcome, err := room.Approve(callerConn, memberID)
	if errors.Is(err, ErrRoomGone) {
		return nil, nil
	}
	return outcome, err
}

// Reject resolves a pending join against the requester. The returned member
// is nil when the id was not pending.
func (c *Coordinator) Reject(callerConn, roomID, memberID string) (*Member, error) {
	room, ok := c.registry.Get(roomID)
	if !ok {
		return nil, nil
	}
	rejected, err := room.Reject(callerConn, memberID)
	if errors.Is(err, ErrRoomGone) {
		return nil, nil
	}
	if rejected != nil {
		c.sessions.CompareAndDelete(rejected.ConnID, sessionRef{RoomID: roomID, MemberID: rejected.ID})
	}
	return rejected, err
}

// AllowName pre-authorizes a display name and promotes any matching pending
// entry in the same critical section.
func (c *Coordinator) AllowName(callerConn, roomID, displayName string) (*ApproveOutcome, error) {
	room, ok := c.registry.Get(roomID)
	if !ok {
		return nil, nil
	}
	outcome, err := room.AllowName(callerConn, displayName)
	if errors.Is(err, ErrRoomGone) {
		return nil, nil
	}
	return outcome, err
}

// RelayTargets resolves the broadcast fan-out for an opaque payload sent by
// callerConn into roomID.
func (c *Coordinator) RelayTargets(callerConn, roomID string) ([]string, error) {
	room, ok := c.registry.Get(roomID)
	if !ok {
		return nil, ErrRoomGone
	}
	return room.RelayTargets(callerConn)
}

// UnicastTarget resolves the connection of a single member, for directed
// delivery of a wrapped key envelope. The caller must be a member itself.
func (c *Coordinator) UnicastTarget(callerConn, roomID, targetMemberID string) (string, error) {
	room, ok := c.registry.Get(roomID)
	if !ok {
		return "", ErrRoomGone
	}
	if _, err := room.RelayTargets(callerConn); err != nil {
		return "", err
	}
	conn, ok := room.ConnOf(targetMemberID)
	if !ok {
		return "", ErrNotMember
	}
	return conn, nil
}

// LeaveResult is the room-level effect of a disconnection.
type LeaveResult struct {
	RoomID string
	LeaveOutcome
}

// Disconnect tears down whatever room entry the connection backed. It
// returns nil if the connection had no session.
func (c *Coordinator) Disconnect(connID string) *LeaveResult {
	ref, ok := c.sessions.Load(connID)
	if !ok {
		return nil
	}
	return c.leave(connID, ref)
}

func (c *Coordinator) leave(connID string, ref sessionRef) *LeaveResult {
	c.sessions.CompareAndDelete(connID, ref)
	room, ok := c.registry.Get(ref.RoomID)
	if !ok {
		return nil
	}
	outcome, ok := room.DropConn(connID)
	if !ok {
		return nil
	}
	if outcome.Destroyed {
		c.registry.Remove(room)
	}
	return &LeaveResult{RoomID: ref.RoomID, LeaveOutcome: outcome}
}

// NukeRoom destroys one room on behalf of a member. It returns the member
// connections owed a room-destroyed broadcast; nil for stale rooms.
func (c *Coordinator) NukeRoom(callerConn, roomID string) ([]string, error) {
	room, ok := c.registry.Get(roomID)
	if !ok {
		return nil, nil
	}
	conns, err := room.Nuke(callerConn)
	if errors.Is(err, ErrRoomGone) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.registry.Remove(room)
	for _, conn := range conns {
		c.sessions.Delete(conn)
	}
	return conns, nil
}

// NukeAll destroys every room after verifying the caller's admin credential.
// Network origin is never consulted; only the signed token counts.
func (c *Coordinator) NukeAll(token string) ([]string, error) {
	if _, err := VerifyAdminToken(token, c.adminSecret); err != nil {
		return nil, ErrUnauthorized
	}
	rooms := c.registry.Drain()
	var conns []string
	for _, room := range rooms {
		roomConns, err := room.Nuke("")
		if err != nil {
			continue
		}
		conns = append(conns, roomConns...)
	}
	c.sessions.Drain()
	return conns, nil
}
