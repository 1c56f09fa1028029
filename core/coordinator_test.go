package core

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testAdminSecret = []byte("coordinator-test-secret")

type recordingAuditLog struct {
	mu    sync.Mutex
	rooms []string
}

func (l *recordingAuditLog) RoomCreated(_ context.Context, roomID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rooms = append(l.rooms, roomID)
	return nil
}

func (l *recordingAuditLog) created() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.rooms...)
}

type coordFixture struct {
	t     *testing.T
	coord *Coordinator
	audit *recordingAuditLog
}

func setUpCoordinator(t *testing.T) *coordFixture {
	audit := &recordingAuditLog{}
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	return &coordFixture{
		t:     t,
		coord: NewCoordinator(NewRegistry(), audit, testAdminSecret, logger),
		audit: audit,
	}
}

func (f *coordFixture) join(conn, room, memberID, name string) JoinResult {
	f.t.Helper()
	res, err := f.coord.Join(context.Background(), JoinInput{
		ConnID:      conn,
		VirtualAddr: "10.0.0.1",
		RoomID:      room,
		MemberID:    memberID,
		DisplayName: name,
	})
	require.NoError(f.t, err)
	return res
}

func TestFirstJoinerCreatesAndOwnsRoom(t *testing.T) {
	f := setUpCoordinator(t)

	res := f.join("conn-a", "r1", "alice", "Alice")
	assert.Equal(t, Admitted, res.Status)
	assert.True(t, res.IsCreator)
	require.Len(t, res.Roster, 1)
	assert.Equal(t, "alice", res.Roster[0].ID)

	assert.True(t, f.coord.RoomExists("r1"))
	assert.False(t, f.coord.RoomExists("r2"))
	assert.Equal(t, []string{"r1"}, f.audit.created())
}

func TestApprovalFlowEndToEnd(t *testing.T) {
	f := setUpCoordinator(t)
	f.join("conn-a", "r1", "alice", "Alice")

	res := f.join("conn-b", "r1", "bob", "Bob")
	assert.Equal(t, Pending, res.Status)
	assert.Equal(t, "conn-a", res.OwnerConnID)

	outcome, err := f.coord.Approve("conn-a", "r1", "bob")
	require.NoError(t, err)
	require.NotNil(t, outcome)
	assert.Equal(t, "bob", outcome.Member.ID)
	assert.Equal(t, "conn-b", outcome.Member.ConnID)
	assert.Len(t, outcome.Roster, 2)

	// The decision is consumed; replaying it changes nothing.
	outcome, err = f.coord.Approve("conn-a", "r1", "bob")
	require.NoError(t, err)
	assert.Nil(t, outcome)
}

func TestOwnerActionsOnDeadRoomAreSilentNoOps(t *testing.T) {
	f := setUpCoordinator(t)

	outcome, err := f.coord.Approve("conn-a", "ghost", "bob")
	require.NoError(t, err)
	assert.Nil(t, outcome)

	rejected, err := f.coord.Reject("conn-a", "ghost", "bob")
	require.NoError(t, err)
	assert.Nil(t, rejected)

	allowed, err := f.coord.AllowName("conn-a", "ghost", "Bob")
	require.NoError(t, err)
	assert.Nil(t, allowed)

	conns, err := f.coord.NukeRoom("conn-a", "ghost")
	require.NoError(t, err)
	assert.Nil(t, conns)
}

func TestRejectClearsRequesterSession(t *testing.T) {
	f := setUpCoordinator(t)
	f.join("conn-a", "r1", "alice", "Alice")
	f.join("conn-b", "r1", "bob", "Bob")

	rejected, err := f.coord.Reject("conn-a", "r1", "bob")
	require.NoError(t, err)
	require.NotNil(t, rejected)
	assert.Equal(t, "conn-b", rejected.ConnID)

	// The rejected connection has nothing left to tear down.
	assert.Nil(t, f.coord.Disconnect("conn-b"))
}

func TestDisconnectRunsSuccession(t *testing.T) {
	f := setUpCoordinator(t)
	f.join("conn-a", "r1", "alice", "Alice")
	f.join("conn-b", "r1", "bob", "Bob")
	_, err := f.coord.Approve("conn-a", "r1", "bob")
	require.NoError(t, err)
	f.join("conn-c", "r1", "carol", "Carol")
	_, err = f.coord.Approve("conn-a", "r1", "carol")
	require.NoError(t, err)

	res := f.coord.Disconnect("conn-a")
	require.NotNil(t, res)
	assert.Equal(t, "r1", res.RoomID)
	require.NotNil(t, res.Left)
	assert.Equal(t, "alice", res.Left.ID)
	require.NotNil(t, res.NewCreator)
	assert.Equal(t, "bob", res.NewCreator.ID, "bob joined before carol")
	assert.False(t, res.Destroyed)

	// A second disconnect of the same connection is inert.
	assert.Nil(t, f.coord.Disconnect("conn-a"))
}

func TestLastDisconnectDestroysRoom(t *testing.T) {
	f := setUpCoordinator(t)
	f.join("conn-a", "r1", "alice", "Alice")

	res := f.coord.Disconnect("conn-a")
	require.NotNil(t, res)
	assert.True(t, res.Destroyed)
	assert.False(t, f.coord.RoomExists("r1"))
}

func TestRejoinUnderNewIdentityReplacesTheOld(t *testing.T) {
	f := setUpCoordinator(t)
	f.join("conn-a", "r1", "alice", "Alice")

	// The same connection coming back under a new member id must not end
	// up backing two identities in the room. The old sole-member entry
	// leaves first, which kills the room, and the join starts a fresh one.
	res := f.join("conn-a", "r1", "alice2", "Alice")
	assert.Equal(t, Admitted, res.Status)
	assert.True(t, res.IsCreator)
	require.NotNil(t, res.PriorLeave)
	assert.True(t, res.PriorLeave.Destroyed)

	room, ok := f.coord.Registry().Get("r1")
	require.True(t, ok)
	roster := room.Roster()
	require.Len(t, roster, 1)
	assert.Equal(t, "alice2", roster[0].ID)
	assert.Empty(t, room.PendingIDs())

	res2 := f.coord.Disconnect("conn-a")
	require.NotNil(t, res2)
	assert.True(t, res2.Destroyed)
	assert.False(t, f.coord.RoomExists("r1"), "room must die when its only connection leaves")
}

func TestIdentitySwitchWithSurvivorsRunsSuccession(t *testing.T) {
	f := setUpCoordinator(t)
	f.join("conn-a", "r1", "alice", "Alice")
	f.join("conn-b", "r1", "bob", "Bob")
	_, err := f.coord.Approve("conn-a", "r1", "bob")
	require.NoError(t, err)

	res := f.join("conn-a", "r1", "alice2", "Alice")
	require.NotNil(t, res.PriorLeave)
	require.NotNil(t, res.PriorLeave.Left)
	assert.Equal(t, "alice", res.PriorLeave.Left.ID)
	require.NotNil(t, res.PriorLeave.NewCreator)
	assert.Equal(t, "bob", res.PriorLeave.NewCreator.ID)

	// The new identity is a stranger to the room and queues under the
	// promoted owner.
	assert.Equal(t, Pending, res.Status)
	assert.Equal(t, "conn-b", res.OwnerConnID)

	room, ok := f.coord.Registry().Get("r1")
	require.True(t, ok)
	require.Len(t, room.Roster(), 1)
	assert.Equal(t, "bob", room.Roster()[0].ID)
	assert.Equal(t, []string{"alice2"}, room.PendingIDs())
}

func TestJoiningAnotherRoomLeavesTheFirst(t *testing.T) {
	f := setUpCoordinator(t)
	f.join("conn-a", "r1", "alice", "Alice")

	res := f.join("conn-a", "r2", "alice", "Alice")
	assert.Equal(t, Admitted, res.Status)
	require.NotNil(t, res.PriorLeave)
	assert.Equal(t, "r1", res.PriorLeave.RoomID)
	assert.True(t, res.PriorLeave.Destroyed)
	assert.False(t, f.coord.RoomExists("r1"))
	assert.True(t, f.coord.RoomExists("r2"))
}

func TestRelayAndUnicastTargetResolution(t *testing.T) {
	f := setUpCoordinator(t)
	f.join("conn-a", "r1", "alice", "Alice")
	f.join("conn-b", "r1", "bob", "Bob")
	_, err := f.coord.Approve("conn-a", "r1", "bob")
	require.NoError(t, err)

	targets, err := f.coord.RelayTargets("conn-a", "r1")
	require.NoError(t, err)
	assert.Equal(t, []string{"conn-b"}, targets)

	_, err = f.coord.RelayTargets("conn-x", "r1")
	assert.ErrorIs(t, err, ErrNotMember)

	conn, err := f.coord.UnicastTarget("conn-a", "r1", "bob")
	require.NoError(t, err)
	assert.Equal(t, "conn-b", conn)

	_, err = f.coord.UnicastTarget("conn-a", "r1", "mallory")
	assert.ErrorIs(t, err, ErrNotMember)

	_, err = f.coord.RelayTargets("conn-a", "ghost")
	assert.ErrorIs(t, err, ErrRoomGone)
}

func TestNukeRoomAllowsFreshRecreation(t *testing.T) {
	f := setUpCoordinator(t)
	f.join("conn-a", "r1", "alice", "Alice")
	f.join("conn-b", "r1", "bob", "Bob")
	_, err := f.coord.Approve("conn-a", "r1", "bob")
	require.NoError(t, err)

	conns, err := f.coord.NukeRoom("conn-b", "r1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"conn-a", "conn-b"}, conns)
	assert.False(t, f.coord.RoomExists("r1"))

	// The same id starts over: new creator, no allow-list carryover.
	res := f.join("conn-c", "r1", "carol", "Carol")
	assert.Equal(t, Admitted, res.Status)
	assert.True(t, res.IsCreator)

	res = f.join("conn-d", "r1", "bob", "Bob")
	assert.Equal(t, Pending, res.Status, "prior approval must not survive the nuke")

	assert.Equal(t, []string{"r1", "r1"}, f.audit.created(), "recreation is audited as a new room")
}

func TestNukeAllRequiresAdminToken(t *testing.T) {
	f := setUpCoordinator(t)
	f.join("conn-a", "r1", "alice", "Alice")
	f.join("conn-b", "r2", "bob", "Bob")

	_, err := f.coord.NukeAll("not-a-token")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.True(t, f.coord.RoomExists("r1"))

	wrongToken, _, err := NewAdminToken(time.Minute, []byte("some other secret"))
	require.NoError(t, err)
	_, err = f.coord.NukeAll(wrongToken)
	assert.ErrorIs(t, err, ErrUnauthorized)

	token, _, err := NewAdminToken(time.Minute, testAdminSecret)
	require.NoError(t, err)
	conns, err := f.coord.NukeAll(token)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"conn-a", "conn-b"}, conns)
	assert.False(t, f.coord.RoomExists("r1"))
	assert.False(t, f.coord.RoomExists("r2"))
}

func TestExpiredAdminTokenRejected(t *testing.T) {
	f := setUpCoordinator(t)

	token, _, err := NewAdminToken(-time.Minute, testAdminSecret)
	require.NoError(t, err)
	_, err = f.coord.NukeAll(token)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestConcurrentJoinsAcrossRoomsStayIsolated(t *testing.T) {
	f := setUpCoordinator(t)

	const rooms = 8
	const joinersPerRoom = 10

	var wg sync.WaitGroup
	for r := 0; r < rooms; r++ {
		for j := 0; j < joinersPerRoom; j++ {
			wg.Add(1)
			go func(r, j int) {
				defer wg.Done()
				f.join(
					fmt.Sprintf("conn-%d-%d", r, j),
					fmt.Sprintf("room-%d", r),
					fmt.Sprintf("member-%d-%d", r, j),
					fmt.Sprintf("name-%d-%d", r, j),
				)
			}(r, j)
		}
	}
	wg.Wait()

	for r := 0; r < rooms; r++ {
		roomID := fmt.Sprintf("room-%d", r)
		require.True(t, f.coord.RoomExists(roomID))
		room, ok := f.coord.Registry().Get(roomID)
		require.True(t, ok)
		// One winner created the room and owns it; everyone else queued.
		assert.Len(t, room.Roster(), 1)
		assert.Len(t, room.PendingIDs(), joinersPerRoom-1)
	}
	assert.Len(t, f.audit.created(), rooms)
}
