package dispatcher

import (
	"context"
	"time"

	"github.com/mhbxyz/OpenWatchParty/internal/clock"
	"github.com/mhbxyz/OpenWatchParty/internal/metrics"
	"github.com/mhbxyz/OpenWatchParty/internal/protocol"
	"github.com/mhbxyz/OpenWatchParty/internal/registry"
)

// enqueue is the single send primitive every other helper in this file
// funnels through: serialize once, hand to the connection's bounded queue,
// and account for a drop rather than blocking or tearing anything down.
func (d *Dispatcher) enqueue(conn *registry.Connection, out protocol.OutEnvelope) {
	payload, err := protocol.Encode(out)
	if err != nil {
		return
	}
	if !conn.Enqueue(payload) {
		metrics.OutboundDropsTotal.WithLabelValues(string(out.Type)).Inc()
	}
}

// sendTo stamps and enqueues a single outbound message to one connection.
func (d *Dispatcher) sendTo(conn *registry.Connection, outType protocol.OutboundType, payload any) {
	d.enqueue(conn, protocol.OutEnvelope{Type: outType, Payload: payload, Ts: clock.NowMs()})
}

// sendError sends the fixed client-facing message for err to conn.
func (d *Dispatcher) sendError(conn *registry.Connection, err error) {
	d.sendTo(conn, protocol.OutError, protocol.ErrorPayload{Message: protocol.ClientMessage(err)})
}

// SendTooLarge reports protocol.ErrTooLarge to conn. Exported for
// internal/transport, which rejects oversized frames before they ever
// reach Decode.
func (d *Dispatcher) SendTooLarge(conn *registry.Connection) {
	metrics.MessagesTotal.WithLabelValues("unknown", "too_large").Inc()
	d.sendError(conn, protocol.ErrTooLarge)
}

// SendInvalidFormat reports protocol.ErrInvalidFormat to conn. Exported for
// internal/transport, which decodes frames before HandleMessage sees them.
func (d *Dispatcher) SendInvalidFormat(conn *registry.Connection) {
	metrics.MessagesTotal.WithLabelValues("unknown", "invalid_format").Inc()
	d.sendError(conn, protocol.ErrInvalidFormat)
}

// roomSummaries builds the current room_list payload. Callers must not hold
// the rooms lock; it acquires its own read lock.
func (d *Dispatcher) roomSummaries() []protocol.RoomSummary {
	d.Rooms.RLock()
	rooms := d.Rooms.Snapshot()
	out := make([]protocol.RoomSummary, 0, len(rooms))
	for _, r := range rooms {
		out = append(out, protocol.RoomSummary{
			ID:      r.ID,
			Name:    r.Name,
			Count:   r.ParticipantCount(),
			MediaID: r.MediaID,
		})
	}
	d.Rooms.RUnlock()
	return out
}

// sendRoomList sends the current room list to a single connection.
func (d *Dispatcher) sendRoomList(conn *registry.Connection) {
	d.sendTo(conn, protocol.OutRoomList, d.roomSummaries())
}

// broadcastRoomList refreshes every connected client's room list, e.g. after
// a room is created, closed, or a client leaves it.
func (d *Dispatcher) broadcastRoomList(ctx context.Context) {
	summaries := d.roomSummaries()
	out := protocol.OutEnvelope{Type: protocol.OutRoomList, Payload: summaries, Ts: clock.NowMs()}
	payload, err := protocol.Encode(out)
	if err != nil {
		return
	}
	for _, c := range d.Conns.Snapshot() {
		if !c.Enqueue(payload) {
			metrics.OutboundDropsTotal.WithLabelValues(string(protocol.OutRoomList)).Inc()
		}
	}
}

// broadcastToRoomExcept fans a message out to every member of roomID except
// excludeID. Unlike fanOutToMembers, it re-acquires the rooms read lock
// itself: its one call site (handleJoinRoom) no longer holds the lock by
// the time it needs the member list.
func (d *Dispatcher) broadcastToRoomExcept(roomID, excludeID string, outType protocol.OutboundType, payload any) {
	d.Rooms.RLock()
	r, ok := d.Rooms.Get(roomID)
	var members []string
	if ok {
		members = cloneMembers(r)
	}
	d.Rooms.RUnlock()
	if !ok {
		return
	}
	d.fanOutToMembers(roomID, members, excludeID, outType, payload)
}

// fanOutToMembers sends the same payload to every member in members except
// exclude (pass "" to exclude nobody, since connection ids are never empty).
func (d *Dispatcher) fanOutToMembers(roomID string, members []string, exclude string, outType protocol.OutboundType, payload any) {
	d.fanOutToMembersExceptTs(roomID, members, exclude, outType, payload, nil)
}

// fanOutToMembersExceptTs is fanOutToMembers with an optional server_ts
// stamped on the outbound envelope, used by the scheduled-play and
// state-update paths where clients must align to a shared target time.
func (d *Dispatcher) fanOutToMembersExceptTs(roomID string, members []string, exclude string, outType protocol.OutboundType, payload any, serverTs *uint64) {
	start := time.Now()
	defer func() {
		metrics.FanoutDuration.WithLabelValues(string(outType)).Observe(time.Since(start).Seconds())
	}()
	out := protocol.OutEnvelope{
		Type:     outType,
		Room:     roomID,
		Payload:  payload,
		Ts:       clock.NowMs(),
		ServerTs: serverTs,
	}
	data, err := protocol.Encode(out)
	if err != nil {
		return
	}
	for _, id := range members {
		if id == exclude {
			continue
		}
		c, ok := d.Conns.Get(id)
		if !ok {
			continue
		}
		if !c.Enqueue(data) {
			metrics.OutboundDropsTotal.WithLabelValues(string(outType)).Inc()
		}
	}
}
