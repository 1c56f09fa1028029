package vaultrelay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"vaultrelay/core"
)

// Inbound event types.
const (
	CheckRoomEvent   = "check-room"
	JoinRoomEvent    = "join-room"
	ApproveJoinEvent = "approve-join"
	RejectJoinEvent  = "reject-join"
	AllowNameEvent   = "allow-name"
	PublicKeyEvent   = "public-key"
	RoomKeyEvent     = "room-key"
	SendMessageEvent = "send-message"
	RelaySignalEvent = "relay-signal"
	NukeRoomEvent    = "nuke-room"
	NukeAllEvent     = "nuke-all"
)

// Outbound event types.
const (
	CheckRoomResultEvent = "check-room.result"
	JoinRoomResultEvent  = "join-room.result"
	MemberJoinedEvent    = "member-joined"
	MemberLeftEvent      = "member-left"
	PromotedEvent        = "promoted-to-owner"
	JoinRequestEvent     = "join-request"
	WaitingApprovalEvent = "waiting-approval"
	JoinApprovedEvent    = "join-approved"
	JoinRejectedEvent    = "join-rejected"
	MessageEvent         = "message"
	SignalEvent          = "signal"
	RoomDestroyedEvent   = "room-destroyed"
	ErrorEvent           = "error"
)

type CheckRoomPayload struct {
	RoomID string `json:"roomId" validate:"required"`
}

type CheckRoomResultPayload struct {
	Exists bool `json:"exists"`
}

type JoinRoomPayload struct {
	RoomID      string `json:"roomId" validate:"required"`
	MemberID    string `json:"memberId" validate:"required"`
	DisplayName string `json:"displayName" validate:"required"`
}

type JoinRoomResultPayload struct {
	Status    core.AdmissionStatus `json:"status"`
	IsCreator bool                 `json:"isCreator"`
	Members   []core.Member        `json:"members,omitempty"`
}

type MemberJoinedPayload struct {
	MemberID    string `json:"memberId"`
	DisplayName string `json:"displayName"`
	VirtualAddr string `json:"virtualAddr,omitempty"`
}

type MemberLeftPayload struct {
	MemberID string `json:"memberId"`
}

type JoinRequestPayload struct {
	MemberID    string `json:"memberId"`
	DisplayName string `json:"displayName"`
}

type PendingDecisionPayload struct {
	RoomID   string `json:"roomId" validate:"required"`
	MemberID string `json:"memberId" validate:"required"`
}

type AllowNamePayload struct {
	RoomID      string `json:"roomId" validate:"required"`
	DisplayName string `json:"displayName" validate:"required"`
}

// PublicKeyPayload carries only the routing fields; the key material itself
// is relayed opaquely from the raw payload.
type PublicKeyPayload struct {
	RoomID   string `json:"roomId" validate:"required"`
	MemberID string `json:"memberId" validate:"required"`
}

type RoomKeyPayload struct {
	RoomID         string `json:"roomId" validate:"required"`
	TargetMemberID string `json:"targetMemberId" validate:"required"`
	SenderID       string `json:"senderId" validate:"required"`
}

type SendMessagePayload struct {
	RoomID string `json:"roomId" validate:"required"`
}

type RelaySignalPayload struct {
	RoomID string `json:"roomId" validate:"required"`
	Kind   string `json:"kind" validate:"required"`
}

type NukeRoomPayload struct {
	RoomID string `json:"roomId" validate:"required"`
}

type NukeAllPayload struct {
	Token string `json:"token" validate:"required"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// decode unmarshals and schema-validates an inbound payload. Unrecognized or
// malformed shapes are rejected, never trusted.
func (app *App) decode(e *core.Event, v interface{}) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("unmarshal %s payload: %w", e.Type, err)
	}
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("validate %s payload: %w", e.Type, err)
	}
	return nil
}

// replyError surfaces a client-caused failure back on the offending
// connection only.
func (app *App) replyError(e *core.Event, code, message string) error {
	return app.dispatcher.Reply(e, ErrorEvent, ErrorPayload{Code: code, Message: message})
}

// coordErr translates a coordinator error: ClientErrors go back to the
// offending connection, anything else propagates to the event router log.
func (app *App) coordErr(e *core.Event, err error) error {
	var ce *core.ClientError
	if errors.As(err, &ce) {
		return app.replyError(e, ce.Code, ce.Error())
	}
	return fmt.Errorf("%s: %w", e.Type, err)
}

func (app *App) CheckRoomHandler(ctx context.Context, e *core.Event) error {
	var p CheckRoomPayload
	if err := app.decode(e, &p); err != nil {
		return app.replyError(e, "bad-payload", err.Error())
	}
	return app.dispatcher.Reply(e, CheckRoomResultEvent,
		CheckRoomResultPayload{Exists: app.coordinator.RoomExists(p.RoomID)})
}

func (app *App) JoinRoomHandler(ctx context.Context, e *core.Event) error {
	var p JoinRoomPayload
	if err := app.decode(e, &p); err != nil {
		return app.replyError(e, "bad-payload", err.Error())
	}

	addr, _ := app.wsManager.VirtualAddr(e.Dispatcher)
	res, err := app.coordinator.Join(ctx, core.JoinInput{
		ConnID:      e.Dispatcher,
		VirtualAddr: addr,
		RoomID:      p.RoomID,
		MemberID:    p.MemberID,
		DisplayName: p.DisplayName,
	})
	if err != nil {
		return fmt.Errorf("join: %w", err)
	}

	if res.PriorLeave != nil {
		app.emitLeave(res.PriorLeave)
	}

	switch res.Status {
	case core.Admitted:
		app.dispatcher.Reply(e, JoinRoomResultEvent, JoinRoomResultPayload{
			Status:    core.Admitted,
			IsCreator: res.IsCreator,
			Members:   res.Roster,
		})
		app.dispatcher.Broadcast(MemberJoinedEvent, MemberJoinedPayload{
			MemberID:    p.MemberID,
			DisplayName: p.DisplayName,
			VirtualAddr: addr,
		}, res.PeerConnIDs, e.Dispatcher)
	case core.Pending:
		app.dispatcher.Reply(e, JoinRoomResultEvent, JoinRoomResultPayload{Status: core.Pending})
		app.dispatcher.Unicast(WaitingApprovalEvent, nil, e.Dispatcher)
		if res.OwnerConnID != "" {
			app.dispatcher.Unicast(JoinRequestEvent, JoinRequestPayload{
				MemberID:    p.MemberID,
				DisplayName: p.DisplayName,
			}, res.OwnerConnID)
		}
	}
	return nil
}

// emitAdmission notifies a freshly approved member and the rest of the room.
func (app *App) emitAdmission(outcome *core.ApproveOutcome) {
	app.dispatcher.Unicast(JoinApprovedEvent, JoinRoomResultPayload{
		Status:    core.Admitted,
		IsCreator: false,
		Members:   outcome.Roster,
	}, outcome.Member.ConnID)
	app.dispatcher.Broadcast(MemberJoinedEvent, MemberJoinedPayload{
		MemberID:    outcome.Member.ID,
		DisplayName: outcome.Member.DisplayName,
		VirtualAddr: outcome.Member.VirtualAddr,
	}, outcome.PeerConnIDs, outcome.Member.ConnID)
}

func (app *App) ApproveJoinHandler(ctx context.Context, e *core.Event) error {
	var p PendingDecisionPayload
	if err := app.decode(e, &p); err != nil {
		return app.replyError(e, "bad-payload", err.Error())
	}
	outcome, err := app.coordinator.Approve(e.Dispatcher, p.RoomID, p.MemberID)
	if err != nil {
		return app.coordErr(e, err)
	}
	if outcome == nil {
		// Stale: the id is no longer pending. Idempotent no-op.
		return nil
	}
	app.emitAdmission(outcome)
	return nil
}

func (app *App) RejectJoinHandler(ctx context.Context, e *core.Event) error {
	var p PendingDecisionPayload
	if err := app.decode(e, &p); err != nil {
		return app.replyError(e, "bad-payload", err.Error())
	}
	rejected, err := app.coordinator.Reject(e.Dispatcher, p.RoomID, p.MemberID)
	if err != nil {
		return app.coordErr(e, err)
	}
	if rejected == nil {
		return nil
	}
	app.dispatcher.Unicast(JoinRejectedEvent, nil, rejected.ConnID)
	return nil
}

func (app *App) AllowNameHandler(ctx context.Context, e *core.Event) error {
	var p AllowNamePayload
	if err := app.decode(e, &p); err != nil {
		return app.replyError(e, "bad-payload", err.Error())
	}
	outcome, err := app.coordinator.AllowName(e.Dispatcher, p.RoomID, p.DisplayName)
	if err != nil {
		return app.coordErr(e, err)
	}
	if outcome != nil {
		app.emitAdmission(outcome)
	}
	return nil
}

// relayBroadcast forwards the raw inbound payload unchanged to the other
// members of the room.
func (app *App) relayBroadcast(e *core.Event, outType, roomID string) error {
	targets, err := app.coordinator.RelayTargets(e.Dispatcher, roomID)
	if errors.Is(err, core.ErrRoomGone) || errors.Is(err, core.ErrNotMember) {
		// Stale relay request; nothing left to deliver to.
		return nil
	}
	if err != nil {
		return err
	}
	return app.dispatcher.Broadcast(outType, e.Payload, targets, "")
}

func (app *App) PublicKeyHandler(ctx context.Context, e *core.Event) error {
	var p PublicKeyPayload
	if err := app.decode(e, &p); err != nil {
		return app.replyError(e, "bad-payload", err.Error())
	}
	return app.relayBroadcast(e, PublicKeyEvent, p.RoomID)
}

func (app *App) RoomKeyHandler(ctx context.Context, e *core.Event) error {
	var p RoomKeyPayload
	if err := app.decode(e, &p); err != nil {
		return app.replyError(e, "bad-payload", err.Error())
	}
	target, err := app.coordinator.UnicastTarget(e.Dispatcher, p.RoomID, p.TargetMemberID)
	if errors.Is(err, core.ErrRoomGone) || errors.Is(err, core.ErrNotMember) {
		// The target left (or the room died) before delivery. The
		// protocol never retries; the member rejoins and starts over.
		return nil
	}
	if err != nil {
		return err
	}
	return app.dispatcher.Unicast(RoomKeyEvent, e.Payload, target)
}

func (app *App) SendMessageHandler(ctx context.Context, e *core.Event) error {
	var p SendMessagePayload
	if err := app.decode(e, &p); err != nil {
		return app.replyError(e, "bad-payload", err.Error())
	}
	return app.relayBroadcast(e, MessageEvent, p.RoomID)
}

func (app *App) RelaySignalHandler(ctx context.Context, e *core.Event) error {
	var p RelaySignalPayload
	if err := app.decode(e, &p); err != nil {
		return app.replyError(e, "bad-payload", err.Error())
	}
	return app.relayBroadcast(e, SignalEvent, p.RoomID)
}

func (app *App) NukeRoomHandler(ctx context.Context, e *core.Event) error {
	var p NukeRoomPayload
	if err := app.decode(e, &p); err != nil {
		return app.replyError(e, "bad-payload", err.Error())
	}
	conns, err := app.coordinator.NukeRoom(e.Dispatcher, p.RoomID)
	if err != nil {
		return app.coordErr(e, err)
	}
	if len(conns) > 0 {
		app.dispatcher.Broadcast(RoomDestroyedEvent, nil, conns, "")
	}
	return nil
}

func (app *App) NukeAllHandler(ctx context.Context, e *core.Event) error {
	var p NukeAllPayload
	if err := app.decode(e, &p); err != nil {
		return app.replyError(e, "bad-payload", err.Error())
	}
	if _, err := app.coordinator.NukeAll(p.Token); err != nil {
		return app.coordErr(e, err)
	}
	app.dispatcher.All(RoomDestroyedEvent, nil)
	app.wsManager.CloseAll()
	return nil
}

// emitLeave pushes the membership consequences of a departure: member-left
// to survivors and the single promotion notice when ownership moved. Pending
// departures and dead rooms notify nobody.
func (app *App) emitLeave(res *core.LeaveResult) {
	if res == nil || res.Left == nil || res.Destroyed {
		return
	}
	app.dispatcher.Broadcast(MemberLeftEvent, MemberLeftPayload{MemberID: res.Left.ID}, res.PeerConnIDs, "")
	if res.NewCreator != nil {
		app.dispatcher.Unicast(PromotedEvent, nil, res.NewCreator.ConnID)
	}
}

func (app *App) onDisconnect(connID string) {
	app.emitLeave(app.coordinator.Disconnect(connID))
}
