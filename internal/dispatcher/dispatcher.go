// Package dispatcher routes parsed inbound envelopes to room and registry
// actions (C9) and performs the lock-then-release-then-enqueue fan-out
// (C10). This is where the rooms-then-connections lock ordering and the
// "no I/O under a write lock" rule from spec.md §5 are enforced.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mhbxyz/OpenWatchParty/internal/auth"
	"github.com/mhbxyz/OpenWatchParty/internal/clock"
	"github.com/mhbxyz/OpenWatchParty/internal/logging"
	"github.com/mhbxyz/OpenWatchParty/internal/metrics"
	"github.com/mhbxyz/OpenWatchParty/internal/protocol"
	"github.com/mhbxyz/OpenWatchParty/internal/ratelimit"
	"github.com/mhbxyz/OpenWatchParty/internal/registry"
	"github.com/mhbxyz/OpenWatchParty/internal/room"
	"github.com/mhbxyz/OpenWatchParty/internal/validate"
)

// Dispatcher owns the session registry and every ambient collaborator
// (auth, rate limiting) needed to process one inbound message end to end.
type Dispatcher struct {
	Conns     *registry.ConnTable
	Rooms     *registry.RoomTable
	Validator *auth.Validator
	Limiter   *ratelimit.Limiter
}

// New builds a Dispatcher over fresh, empty tables.
func New(validator *auth.Validator, limiter *ratelimit.Limiter) *Dispatcher {
	return &Dispatcher{
		Conns:     registry.NewConnTable(),
		Rooms:     registry.NewRoomTable(),
		Validator: validator,
		Limiter:   limiter,
	}
}

// HandleConnect registers a new connection, sends client_hello, then the
// current room list.
func (d *Dispatcher) HandleConnect(ctx context.Context, connID string, authEnabled bool) *registry.Connection {
	now := clock.NowMs()
	c := registry.NewConnection(connID, !authEnabled, now)
	if !authEnabled {
		c.SetIdentity("anonymous", "Anonymous")
	}
	d.Conns.Add(c)
	metrics.IncConnection()

	d.sendTo(c, protocol.OutClientHello, protocol.ClientHelloPayload{ClientID: connID})
	d.sendRoomList(c)
	return c
}

// HandleMessage processes one decoded inbound envelope from conn, applying
// the rate limit and liveness touch first.
func (d *Dispatcher) HandleMessage(ctx context.Context, conn *registry.Connection, env protocol.Envelope) {
	now := clock.NowMs()
	conn.Touch(now)
	if !d.Limiter.Allow(ctx, conn.ID) {
		metrics.MessagesTotal.WithLabelValues(string(env.Type), "rate_limited").Inc()
		d.sendError(conn, protocol.ErrRateLimited)
		return
	}

	switch env.Type {
	case protocol.TypeAuth:
		d.handleAuth(ctx, conn, env)
	case protocol.TypeListRooms:
		d.sendRoomList(conn)
	case protocol.TypeCreateRoom:
		d.handleCreateRoom(ctx, conn, env)
	case protocol.TypeJoinRoom:
		d.handleJoinRoom(ctx, conn, env)
	case protocol.TypeReady:
		d.handleReady(ctx, conn, env)
	case protocol.TypeLeaveRoom:
		d.HandleLeave(ctx, conn)
		d.broadcastRoomList(ctx)
	case protocol.TypePlayerEvent:
		d.handlePlayerEvent(ctx, conn, env)
	case protocol.TypeStateUpdate:
		d.handleStateUpdate(ctx, conn, env)
	case protocol.TypePing:
		d.handlePing(conn, env)
	case protocol.TypeClientLog:
		d.handleClientLog(ctx, conn, env)
	case protocol.TypeQualityUpdate:
		d.handleQualityUpdate(ctx, conn, env)
	case protocol.TypeChatMessage:
		d.handleChatMessage(ctx, conn, env)
	default:
		metrics.MessagesTotal.WithLabelValues(string(env.Type), "unknown_type").Inc()
		d.sendError(conn, protocol.ErrUnknownType)
	}
}

func (d *Dispatcher) handleAuth(ctx context.Context, conn *registry.Connection, env protocol.Envelope) {
	var payload protocol.AuthPayload
	_ = decodePayload(env, &payload)

	if payload.Token != "" {
		claims, err := d.Validator.ValidateToken(payload.Token)
		if err != nil {
			logging.Warn(ctx, "auth failed", zap.String("conn_id", conn.ID))
			metrics.MessagesTotal.WithLabelValues("auth", "auth_failed").Inc()
			d.sendError(conn, protocol.ErrAuthFailed)
			return
		}
		conn.SetIdentity(claims.Subject, claims.Name)
		conn.MarkAuthenticated()
		metrics.MessagesTotal.WithLabelValues("auth", "accepted").Inc()
		d.sendTo(conn, protocol.OutAuthSuccess, protocol.AuthSuccessPayload{UserName: claims.Name})
		return
	}

	if !d.Validator.Enabled() && payload.UserName != "" {
		if name, ok := validate.SanitizeName(payload.UserName); ok {
			userID := payload.UserID
			if userID == "" {
				userID, _, _ = conn.Identity()
			}
			conn.SetIdentity(userID, name)
		}
	}
	metrics.MessagesTotal.WithLabelValues("auth", "accepted").Inc()
}

func (d *Dispatcher) handleCreateRoom(ctx context.Context, conn *registry.Connection, env protocol.Envelope) {
	_, _, authenticated := conn.Identity()
	if !authenticated {
		metrics.MessagesTotal.WithLabelValues("create_room", "unauthenticated").Inc()
		d.sendError(conn, protocol.ErrUnauthenticated)
		return
	}

	var payload protocol.CreateRoomPayload
	_ = decodePayload(env, &payload)

	_, userName, _ := conn.Identity()
	hostName := userName
	if sanitized, ok := validate.SanitizeName(payload.UserName); ok {
		hostName = sanitized
	}
	if hostName == "" {
		hostName = "Anonymous"
	}

	startPos := payload.StartPos
	if !validate.IsValidPosition(startPos) {
		startPos = 0
	}
	mediaID := payload.MediaID
	if !validate.IsValidMediaID(mediaID) {
		mediaID = ""
	}

	roomID := uuid.New().String()
	roomName := fmt.Sprintf("Room de %s", hostName)
	now := clock.NowMs()

	d.Rooms.Lock()
	if existing, ok := d.Rooms.FindByHost(conn.ID); ok {
		d.closeRoomLocked(existing, "Host started a new room")
		metrics.ActiveRooms.Dec()
	}
	r := room.New(roomID, roomName, conn.ID, mediaID, startPos, now)
	d.Rooms.Add(r)
	d.Rooms.Unlock()

	conn.SetRoomID(roomID)
	metrics.MessagesTotal.WithLabelValues("create_room", "accepted").Inc()
	metrics.ActiveRooms.Inc()
	metrics.RoomParticipants.WithLabelValues(roomID).Set(1)

	d.enqueue(conn, protocol.OutEnvelope{Type: protocol.OutRoomState, Room: roomID, Payload: roomStatePayload(r), Ts: clock.NowMs()})
	d.broadcastRoomList(ctx)
}

func (d *Dispatcher) handleJoinRoom(ctx context.Context, conn *registry.Connection, env protocol.Envelope) {
	_, _, authenticated := conn.Identity()
	if !authenticated {
		metrics.MessagesTotal.WithLabelValues("join_room", "unauthenticated").Inc()
		d.sendError(conn, protocol.ErrUnauthenticated)
		return
	}
	if env.Room == "" {
		return
	}

	d.Rooms.Lock()
	r, ok := d.Rooms.Get(env.Room)
	if !ok {
		d.Rooms.Unlock()
		return
	}
	if !r.HasMember(conn.ID) && r.ParticipantCount() >= room.MaxMembers {
		d.Rooms.Unlock()
		metrics.MessagesTotal.WithLabelValues("join_room", "room_full").Inc()
		d.sendError(conn, protocol.ErrRoomFull)
		return
	}
	added, _ := r.AddMember(conn.ID)
	count := r.ParticipantCount()
	state := roomStatePayload(r)
	d.Rooms.Unlock()

	conn.SetRoomID(env.Room)
	metrics.MessagesTotal.WithLabelValues("join_room", "accepted").Inc()
	metrics.RoomParticipants.WithLabelValues(env.Room).Set(float64(count))

	d.enqueue(conn, protocol.OutEnvelope{Type: protocol.OutRoomState, Room: env.Room, Payload: state, Ts: clock.NowMs()})
	if added {
		d.broadcastToRoomExcept(env.Room, conn.ID, protocol.OutParticipantsUpdate,
			protocol.ParticipantsUpdatePayload{ParticipantCount: count})
	}
}

func (d *Dispatcher) handleReady(ctx context.Context, conn *registry.Connection, env protocol.Envelope) {
	roomID := conn.RoomID()
	if roomID == "" {
		return
	}
	now := clock.NowMs()

	d.Rooms.Lock()
	r, ok := d.Rooms.Get(roomID)
	if !ok {
		d.Rooms.Unlock()
		return
	}
	result := r.HandleReady(conn.ID, now)
	members := cloneMembers(r)
	d.Rooms.Unlock()

	if result.Schedule {
		d.fanOutScheduledPlay(roomID, members, result.Position, result.TargetServerTs)
	}
}

func (d *Dispatcher) handlePlayerEvent(ctx context.Context, conn *registry.Connection, env protocol.Envelope) {
	roomID := env.Room
	if roomID == "" {
		roomID = conn.RoomID()
	}
	if roomID == "" {
		return
	}

	var payload protocol.PlayerEventInPayload
	_ = decodePayload(env, &payload)

	now := clock.NowMs()

	d.Rooms.Lock()
	r, ok := d.Rooms.Get(roomID)
	if !ok || r.HostID != conn.ID {
		d.Rooms.Unlock()
		return
	}

	if payload.Action == "play" {
		pos := r.State.Position
		if validate.IsValidPosition(payload.Position) {
			pos = payload.Position
		}
		result := r.HandleHostPlay(now, pos)
		members := cloneMembers(r)
		d.Rooms.Unlock()

		if result.Schedule {
			d.fanOutScheduledPlay(roomID, members, result.Position, result.TargetServerTs)
		} else if result.Pending {
			d.armFallback(roomID, result.PendingCreated)
		}
		return
	}

	if validate.IsValidPosition(payload.Position) {
		r.State.Position = payload.Position
	}
	targetTs := r.HandleHostCommand(now, payload.Action)
	out := protocol.PlayerEventPayload{Action: payload.Action, Position: payload.Position, TargetServerTs: targetTs}
	members := cloneMembers(r)
	d.Rooms.Unlock()

	serverTs := targetTs
	d.fanOutToMembersExceptTs(roomID, members, conn.ID, protocol.OutPlayerEvent, out, &serverTs)
}

func (d *Dispatcher) handleStateUpdate(ctx context.Context, conn *registry.Connection, env protocol.Envelope) {
	roomID := env.Room
	if roomID == "" {
		roomID = conn.RoomID()
	}
	if roomID == "" {
		return
	}

	var payload protocol.StateUpdateInPayload
	_ = decodePayload(env, &payload)

	if !validate.IsValidPosition(payload.Position) {
		return
	}

	now := clock.NowMs()

	d.Rooms.Lock()
	r, ok := d.Rooms.Get(roomID)
	if !ok || r.HostID != conn.ID {
		d.Rooms.Unlock()
		metrics.MessagesTotal.WithLabelValues("state_update", "dropped_not_host").Inc()
		return
	}

	// A missing play_state means the host is reporting a position-only
	// update; default it to the room's current state rather than rejecting
	// the message outright.
	playState := payload.PlayState
	if playState == "" {
		playState = r.State.PlayState
	} else if !validate.IsValidPlayState(playState) {
		d.Rooms.Unlock()
		metrics.MessagesTotal.WithLabelValues("state_update", "dropped_invalid").Inc()
		return
	}

	accepted := r.FilterStateUpdate(now, payload.Position, playState)
	var out protocol.PlaybackState
	if accepted {
		out = protocol.PlaybackState{Position: r.State.Position, PlayState: r.State.PlayState}
	}
	members := cloneMembers(r)
	d.Rooms.Unlock()

	if !accepted {
		metrics.MessagesTotal.WithLabelValues("state_update", "dropped_filtered").Inc()
		return
	}
	metrics.MessagesTotal.WithLabelValues("state_update", "accepted").Inc()

	serverTs := now
	d.fanOutToMembersExceptTs(roomID, members, conn.ID, protocol.OutStateUpdate, out, &serverTs)
}

func (d *Dispatcher) handleChatMessage(ctx context.Context, conn *registry.Connection, env protocol.Envelope) {
	roomID := env.Room
	if roomID == "" {
		roomID = conn.RoomID()
	}
	if roomID == "" {
		return
	}

	var payload protocol.ChatMessageInPayload
	_ = decodePayload(env, &payload)

	if len(payload.Text) == 0 {
		d.sendError(conn, protocol.ErrChatEmpty)
		return
	}
	if utf8.RuneCountInString(payload.Text) > protocol.MaxChatChars {
		d.sendError(conn, protocol.ErrChatTooLong)
		return
	}

	d.Rooms.RLock()
	r, ok := d.Rooms.Get(roomID)
	if !ok || !r.HasMember(conn.ID) {
		d.Rooms.RUnlock()
		return
	}
	members := cloneMembers(r)
	d.Rooms.RUnlock()

	_, userName, _ := conn.Identity()
	if userName == "" {
		userName = "Anonymous"
	}
	d.fanOutToMembers(roomID, members, "", protocol.OutChatMessage, protocol.ChatMessagePayload{Username: userName, Text: payload.Text})
}

func (d *Dispatcher) handleQualityUpdate(ctx context.Context, conn *registry.Connection, env protocol.Envelope) {
	roomID := env.Room
	if roomID == "" {
		roomID = conn.RoomID()
	}
	if roomID == "" {
		return
	}

	d.Rooms.RLock()
	r, ok := d.Rooms.Get(roomID)
	if !ok || r.HostID != conn.ID {
		d.Rooms.RUnlock()
		return
	}
	members := cloneMembers(r)
	d.Rooms.RUnlock()

	d.fanOutToMembers(roomID, members, conn.ID, protocol.OutQualityUpdate, json.RawMessage(env.Payload))
}

func (d *Dispatcher) handlePing(conn *registry.Connection, env protocol.Envelope) {
	now := clock.NowMs()
	out := protocol.OutEnvelope{
		Type:     protocol.OutPong,
		Room:     env.Room,
		Client:   env.Client,
		Payload:  json.RawMessage(env.Payload),
		Ts:       now,
		ServerTs: &now,
	}
	d.enqueue(conn, out)
}

func (d *Dispatcher) handleClientLog(ctx context.Context, conn *registry.Connection, env protocol.Envelope) {
	var payload protocol.ClientLogInPayload
	_ = decodePayload(env, &payload)
	logging.Info(ctx, "client log",
		zap.String("conn_id", conn.ID),
		zap.String("category", payload.Category),
		zap.String("message", payload.Message))
}

// HandleLeave implements spec.md §4.8's handle_leave: detach conn from its
// room, and either destroy the room (host left or membership hit zero) or
// notify the remaining members.
func (d *Dispatcher) HandleLeave(ctx context.Context, conn *registry.Connection) {
	roomID := conn.RoomID()
	if roomID == "" {
		return
	}

	d.Rooms.Lock()
	r, ok := d.Rooms.Get(roomID)
	if !ok {
		d.Rooms.Unlock()
		conn.SetRoomID("")
		return
	}

	wasHost := r.HostID == conn.ID
	r.RemoveMember(conn.ID)
	count := r.ParticipantCount()

	if wasHost || count == 0 {
		d.closeRoomLocked(r, "Host left the room")
		d.Rooms.Unlock()
		conn.SetRoomID("")
		metrics.ActiveRooms.Dec()
		return
	}

	members := cloneMembers(r)
	d.Rooms.Unlock()
	conn.SetRoomID("")
	metrics.RoomParticipants.WithLabelValues(roomID).Set(float64(count))

	d.fanOutToMembers(roomID, members, "", protocol.OutClientLeft, protocol.ClientLeftPayload{ParticipantCount: count})
}

// closeRoomLocked removes r from the table and notifies its remaining
// members with room_closed. Callers must already hold the rooms write lock.
func (d *Dispatcher) closeRoomLocked(r *room.Room, reason string) {
	members := cloneMembers(r)
	d.Rooms.Remove(r.ID)
	metrics.RoomParticipants.DeleteLabelValues(r.ID)

	payload, err := protocol.Encode(protocol.OutEnvelope{
		Type:    protocol.OutRoomClosed,
		Room:    r.ID,
		Payload: protocol.RoomClosedPayload{Reason: reason},
		Ts:      clock.NowMs(),
	})
	if err != nil {
		return
	}
	for _, id := range members {
		if c, ok := d.Conns.Get(id); ok {
			c.SetRoomID("")
			if !c.Enqueue(payload) {
				metrics.OutboundDropsTotal.WithLabelValues("room_closed").Inc()
			}
		}
	}
}

// HandleDisconnect implements spec.md §4.8's handle_disconnect: leave, then
// remove the connection, then refresh everyone's room list.
func (d *Dispatcher) HandleDisconnect(ctx context.Context, conn *registry.Connection) {
	d.HandleLeave(ctx, conn)
	d.Conns.Remove(conn.ID)
	conn.Close()
	metrics.DecConnection()
	d.broadcastRoomList(ctx)
}

// Shutdown closes every active room, notifying its members with
// room_closed{reason} before the process exits. It is the dispatcher half
// of cmd/server's graceful-shutdown path: the HTTP server stops accepting
// new upgrades first, then this drains what's left.
func (d *Dispatcher) Shutdown(ctx context.Context, reason string) {
	d.Rooms.Lock()
	rooms := d.Rooms.Snapshot()
	for _, r := range rooms {
		d.closeRoomLocked(r, reason)
	}
	d.Rooms.Unlock()
	metrics.ActiveRooms.Set(0)
	logging.Info(ctx, "dispatcher shutdown: all rooms closed", zap.Int("room_count", len(rooms)))
}

// armFallback starts the 2000ms fallback timer for a pending play. If the
// pending play has since been replaced or cleared, the fire is a no-op.
func (d *Dispatcher) armFallback(roomID string, createdAt uint64) {
	time.AfterFunc(room.FallbackWaitMs*time.Millisecond, func() {
		now := clock.NowMs()
		d.Rooms.Lock()
		r, ok := d.Rooms.Get(roomID)
		if !ok {
			d.Rooms.Unlock()
			return
		}
		result, fired := r.HandleFallbackFire(createdAt, now)
		members := cloneMembers(r)
		d.Rooms.Unlock()
		if fired && result.Schedule {
			d.fanOutScheduledPlay(roomID, members, result.Position, result.TargetServerTs)
		}
	})
}

func (d *Dispatcher) fanOutScheduledPlay(roomID string, members []string, position float64, targetServerTs uint64) {
	out := protocol.PlayerEventPayload{Action: "play", Position: position, TargetServerTs: targetServerTs}
	d.fanOutToMembersExceptTs(roomID, members, "", protocol.OutPlayerEvent, out, &targetServerTs)
}

func cloneMembers(r *room.Room) []string {
	out := make([]string, len(r.Members))
	copy(out, r.Members)
	return out
}

func roomStatePayload(r *room.Room) protocol.RoomStatePayload {
	return protocol.RoomStatePayload{
		Name:             r.Name,
		HostID:           r.HostID,
		State:            protocol.PlaybackState{Position: r.State.Position, PlayState: r.State.PlayState},
		ParticipantCount: r.ParticipantCount(),
		MediaID:          r.MediaID,
	}
}

func decodePayload(env protocol.Envelope, v any) error {
	if len(env.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(env.Payload, v)
}
