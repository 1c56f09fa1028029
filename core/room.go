package core

import (
	"errors"
	"sync"
)

// ErrRoomGone signals that the room was destroyed while the operation was in
// flight. Callers treat it as a stale, ignorable condition, never a failure.
var ErrRoomGone = errors.New("room no longer exists")

// AdmissionStatus is the result of a join attempt.
type AdmissionStatus string

const (
	Admitted AdmissionStatus = "admitted"
	Pending  AdmissionStatus = "pending"
	Rejected AdmissionStatus = "rejected"
)

// Member is one participant of a room. ConnID points at the member's current
// live connection and is never serialized to other clients.
type Member struct {
	ID          string `json:"memberId"`
	DisplayName string `json:"displayName"`
	VirtualAddr string `json:"virtualAddr,omitempty"`
	ConnID      string `json:"-"`
}

// Room holds the membership state of one ephemeral room. All mutation goes
// through its mutex; the registry never touches room internals. Member slice
// order is join order and decides creator succession.
type Room struct {
	mu           sync.Mutex
	id           string
	creatorID    string
	members      []Member
	pending      []Member
	allowedIDs   map[string]struct{}
	allowedNames map[string]struct{}
	destroyed    bool
}

// NewRoom creates a room owned by creatorID. The creator is always part of
// the id allow-list.
func NewRoom(id, creatorID string) *Room {
	return &Room{
		id:           id,
		creatorID:    creatorID,
		allowedIDs:   map[string]struct{}{creatorID: {}},
		allowedNames: make(map[string]struct{}),
	}
}

func (r *Room) lock()   { r.mu.Lock() }
func (r *Room) unlock() { r.mu.Unlock() }

func (r *Room) ID() string { return r.id }

func (r *Room) CreatorID() string {
	r.lock()
	defer r.unlock()
	return r.creatorID
}

// Roster returns a snapshot of the member list in join order.
func (r *Room) Roster() []Member {
	r.lock()
	defer r.unlock()
	return r.rosterLocked()
}

func (r *Room) rosterLocked() []Member {
	roster := make([]Member, len(r.members))
	copy(roster, r.members)
	return roster
}

func (r *Room) memberConnsLocked() []string {
	conns := make([]string, 0, len(r.members))
	for _, m := range r.members {
		conns = append(conns, m.ConnID)
	}
	return conns
}

func (r *Room) findMemberLocked(memberID string) int {
	for i, m := range r.members {
		if m.ID == memberID {
			return i
		}
	}
	return -1
}

func (r *Room) findPendingLocked(memberID string) int {
	for i, p := range r.pending {
		if p.ID == memberID {
			return i
		}
	}
	return -1
}

func (r *Room) removePendingLocked(memberID string) (Member, bool) {
	idx := r.findPendingLocked(memberID)
	if idx < 0 {
		return Member{}, false
	}
	p := r.pending[idx]
	r.pending = append(r.pending[:idx], r.pending[idx+1:]...)
	return p, true
}

// admitLocked inserts or refreshes a member entry. A re-join keeps the
// original slice position so succession order stays stable.
func (r *Room) admitLocked(m Member) {
	if idx := r.findMemberLocked(m.ID); idx >= 0 {
		r.members[idx] = m
		return
	}
	r.members = append(r.members, m)
}

func (r *Room) ownerConnLocked() string {
	if idx := r.findMemberLocked(r.creatorID); idx >= 0 {
		return r.members[idx].ConnID
	}
	return ""
}

func (r *Room) isOwnerConnLocked(connID string) bool {
	conn := r.ownerConnLocked()
	return conn != "" && conn == connID
}

// JoinOutcome describes the admission decision for one join attempt and the
// connections that must be notified of it.
type JoinOutcome struct {
	Status    AdmissionStatus
	IsCreator bool
	// Roster is the member list after admission. Empty when pending.
	Roster []Member
	// PeerConnIDs are the other members' connections, for the
	// member-joined broadcast. Empty when pending.
	PeerConnIDs []string
	// OwnerConnID is the creator's connection, set only when the joiner is
	// queued and the owner must receive a join-request.
	OwnerConnID string
}

// Join runs the admission state machine for one join attempt. It returns
// ok == false if the room was destroyed concurrently; the caller should
// retry against a fresh room.
func (r *Room) Join(m Member) (JoinOutcome, bool) {
	r.lock()
	defer r.unlock()
	if r.destroyed {
		return JoinOutcome{}, false
	}

	_, allowedID := r.allowedIDs[m.ID]
	_, allowedName := r.allowedNames[m.DisplayName]
	rejoin := r.findMemberLocked(m.ID) >= 0

	if m.ID == r.creatorID || rejoin || allowedID || allowedName {
		// Fast path. A stale pending entry for the same id is redundant
		// once the member is admitted; drop it.
		r.removePendingLocked(m.ID)
		peers := r.memberConnsLocked()
		r.admitLocked(m)
		return JoinOutcome{
			Status:      Admitted,
			IsCreator:   m.ID == r.creatorID,
			Roster:      r.rosterLocked(),
			PeerConnIDs: peers,
		}, true
	}

	// Queue for owner approval. A repeated attempt refreshes the pending
	// entry instead of duplicating it.
	if idx := r.findPendingLocked(m.ID); idx >= 0 {
		r.pending[idx] = m
	} else {
		r.pending = append(r.pending, m)
	}
	return JoinOutcome{
		Status:      Pending,
		OwnerConnID: r.ownerConnLocked(),
	}, true
}

// ApproveOutcome carries the admitted member plus notification targets.
type ApproveOutcome struct {
	Member Member
	Roster []Member
	// PeerConnIDs are the connections of members other than the new one.
	PeerConnIDs []string
}

// Approve moves a pending entry into the member list and allow-lists its id.
// Approving an id that is no longer pending is a no-op and returns nil.
// Only the creator's current connection may approve.
func (r *Room) Approve(callerConn, memberID string) (*ApproveOutcome, error) {
	r.lock()
	defer r.unlock()
	if r.destroyed {
		return nil, ErrRoomGone
	}
	if !r.isOwnerConnLocked(callerConn) {
		return nil, ErrNotOwner
	}
	return r.promoteLocked(memberID)
}

func (r *Room) promoteLocked(memberID string) (*ApproveOutcome, error) {
	p, ok := r.removePendingLocked(memberID)
	if !ok {
		return nil, nil
	}
	r.allowedIDs[p.ID] = struct{}{}
	peers := r.memberConnsLocked()
	r.admitLocked(p)
	return &ApproveOutcome{
		Member:      p,
		Roster:      r.rosterLocked(),
		PeerConnIDs: peers,
	}, nil
}

// Reject drops a pending entry. It returns the removed entry's connection so
// the requester can be notified, or nil if the id was not pending.
func (r *Room) Reject(callerConn, memberID string) (*Member, error) {
	r.lock()
	defer r.unlock()
	if r.destroyed {
		return nil, ErrRoomGone
	}
	if !r.isOwnerConnLocked(callerConn) {
		return nil, ErrNotOwner
	}
	p, ok := r.removePendingLocked(memberID)
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// AllowName adds a display name to the allow-list and, atomically with the
// scan, promotes any pending entry carrying that name. The promotion result
// is nil when no pending entry matched.
func (r *Room) AllowName(callerConn, displayName string) (*ApproveOutcome, error) {
	r.lock()
	defer r.unlock()
	if r.destroyed {
		return nil, ErrRoomGone
	}
	if !r.isOwnerConnLocked(callerConn) {
		return nil, ErrNotOwner
	}
	r.allowedNames[displayName] = struct{}{}
	for _, p := range r.pending {
		if p.DisplayName == displayName {
			return r.promoteLocked(p.ID)
		}
	}
	return nil, nil
}

// LeaveOutcome describes the effect of a connection leaving the room.
type LeaveOutcome struct {
	// Left is the departing member, nil if the connection was only pending.
	Left *Member
	// WasPending reports that the connection was waiting for approval.
	WasPending bool
	// Destroyed reports that the room emptied out and must be removed from
	// the registry.
	Destroyed bool
	// NewCreator is set when ownership moved to the oldest survivor.
	NewCreator *Member
	// PeerConnIDs are the remaining members' connections.
	PeerConnIDs []string
}

// DropConn removes whatever entry the given connection backs. A stale
// connection (replaced by a re-join) matches nothing and returns ok == false.
func (r *Room) DropConn(connID string) (LeaveOutcome, bool) {
	r.lock()
	defer r.unlock()
	if r.destroyed {
		return LeaveOutcome{}, false
	}

	for i, p := range r.pending {
		if p.ConnID == connID {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return LeaveOutcome{WasPending: true}, true
		}
	}

	idx := -1
	for i, m := range r.members {
		if m.ConnID == connID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return LeaveOutcome{}, false
	}
	left := r.members[idx]
	r.members = append(r.members[:idx], r.members[idx+1:]...)

	out := LeaveOutcome{Left: &left}
	if len(r.members) == 0 {
		// Pending entries die with the room: no owner remains to decide.
		r.pending = nil
		r.destroyed = true
		out.Destroyed = true
		return out, true
	}
	if left.ID == r.creatorID {
		successor := r.members[0]
		r.creatorID = successor.ID
		r.allowedIDs[successor.ID] = struct{}{}
		out.NewCreator = &successor
	}
	out.PeerConnIDs = r.memberConnsLocked()
	return out, true
}

// Nuke marks the room destroyed and returns the member connections that must
// receive the room-destroyed broadcast. Only members may nuke; stale callers
// get ErrNotMember.
func (r *Room) Nuke(callerConn string) ([]string, error) {
	r.lock()
	defer r.unlock()
	if r.destroyed {
		return nil, ErrRoomGone
	}
	if callerConn != "" {
		isMember := false
		for _, m := range r.members {
			if m.ConnID == callerConn {
				isMember = true
				break
			}
		}
		if !isMember {
			return nil, ErrNotMember
		}
	}
	conns := r.memberConnsLocked()
	r.members = nil
	r.pending = nil
	r.destroyed = true
	return conns, nil
}

// RelayTargets returns the other members' connections for a broadcast
// originating from callerConn, which must belong to a member.
func (r *Room) RelayTargets(callerConn string) ([]string, error) {
	r.lock()
	defer r.unlock()
	if r.destroyed {
		return nil, ErrRoomGone
	}
	targets := make([]string, 0, len(r.members))
	isMember := false
	for _, m := range r.members {
		if m.ConnID == callerConn {
			isMember = true
			continue
		}
		targets = append(targets, m.ConnID)
	}
	if !isMember {
		return nil, ErrNotMember
	}
	return targets, nil
}

// ConnOf resolves a member id to its current connection.
func (r *Room) ConnOf(memberID string) (string, bool) {
	r.lock()
	defer r.unlock()
	if r.destroyed {
		return "", false
	}
	if idx := r.findMemberLocked(memberID); idx >= 0 {
		return r.members[idx].ConnID, true
	}
	return "", false
}

// PendingIDs returns the ids currently awaiting approval, in arrival order.
func (r *Room) PendingIDs() []string {
	r.lock()
	defer r.unlock()
	ids := make([]string, 0, len(r.pending))
	for _, p := range r.pending {
		ids = append(ids, p.ID)
	}
	return ids
}
