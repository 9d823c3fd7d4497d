package dispatcher

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mhbxyz/OpenWatchParty/internal/auth"
	"github.com/mhbxyz/OpenWatchParty/internal/clock"
	"github.com/mhbxyz/OpenWatchParty/internal/config"
	"github.com/mhbxyz/OpenWatchParty/internal/protocol"
	"github.com/mhbxyz/OpenWatchParty/internal/ratelimit"
	"github.com/mhbxyz/OpenWatchParty/internal/registry"
)

func newAnonymousDispatcher() *Dispatcher {
	v := auth.NewValidator(&config.Config{})
	return New(v, ratelimit.New())
}

// drainConn drains every currently-queued message off a connection's
// outbound channel without blocking, decoding each into an OutEnvelope.
func drainConn(conn *registry.Connection) []protocol.OutEnvelope {
	var out []protocol.OutEnvelope
	for {
		select {
		case data, ok := <-conn.Out:
			if !ok {
				return out
			}
			var env protocol.OutEnvelope
			_ = json.Unmarshal(data, &env)
			out = append(out, env)
		default:
			return out
		}
	}
}

func envelopeFor(t *testing.T, typ protocol.InboundType, payload any) protocol.Envelope {
	t.Helper()
	return protocol.Envelope{Type: typ, Payload: mustMarshal(t, payload)}
}

func mustMarshal(t *testing.T, v any) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func anyType(msgs []protocol.OutEnvelope, want protocol.OutboundType) bool {
	for _, m := range msgs {
		if m.Type == want {
			return true
		}
	}
	return false
}

func roomIDFromRoomState(t *testing.T, msgs []protocol.OutEnvelope) string {
	t.Helper()
	for _, m := range msgs {
		if m.Type == protocol.OutRoomState {
			return m.Room
		}
	}
	t.Fatalf("expected a room_state message, got %+v", msgs)
	return ""
}

// playerEventPayload finds the first player_event in msgs and decodes its
// payload, failing the test if none is present.
func playerEventPayload(t *testing.T, msgs []protocol.OutEnvelope) protocol.PlayerEventPayload {
	t.Helper()
	for _, m := range msgs {
		if m.Type != protocol.OutPlayerEvent {
			continue
		}
		raw, err := json.Marshal(m.Payload)
		if err != nil {
			t.Fatalf("marshal payload: %v", err)
		}
		var out protocol.PlayerEventPayload
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("unmarshal payload: %v", err)
		}
		return out
	}
	t.Fatalf("expected a player_event message, got %+v", msgs)
	return protocol.PlayerEventPayload{}
}

func TestSoloHostCreateRoomReceivesRoomState(t *testing.T) {
	ctx := context.Background()
	d := newAnonymousDispatcher()

	host := d.HandleConnect(ctx, "host", false)
	drainConn(host)

	env := envelopeFor(t, protocol.TypeCreateRoom, protocol.CreateRoomPayload{UserName: "Alice", StartPos: 0})
	d.HandleMessage(ctx, host, env)

	msgs := drainConn(host)
	if !anyType(msgs, protocol.OutRoomState) {
		t.Fatalf("expected a room_state message after create_room, got %+v", msgs)
	}
}

func TestReadyBarrierReleasesOnceBothMembersReady(t *testing.T) {
	ctx := context.Background()
	d := newAnonymousDispatcher()

	host := d.HandleConnect(ctx, "host", false)
	drainConn(host)
	d.HandleMessage(ctx, host, envelopeFor(t, protocol.TypeCreateRoom, protocol.CreateRoomPayload{UserName: "Alice"}))
	roomID := roomIDFromRoomState(t, drainConn(host))

	guest := d.HandleConnect(ctx, "guest", false)
	drainConn(guest)
	d.HandleMessage(ctx, guest, protocol.Envelope{Type: protocol.TypeJoinRoom, Room: roomID})
	drainConn(host)
	drainConn(guest)

	d.HandleMessage(ctx, host, protocol.Envelope{
		Type:    protocol.TypePlayerEvent,
		Room:    roomID,
		Payload: mustMarshal(t, protocol.PlayerEventInPayload{Action: "play", Position: 10}),
	})
	if msgs := drainConn(host); anyType(msgs, protocol.OutPlayerEvent) {
		t.Fatal("expected play to be deferred until the guest is ready")
	}
	drainConn(guest)

	beforeReady := clock.NowMs()
	d.HandleMessage(ctx, guest, protocol.Envelope{Type: protocol.TypeReady, Room: roomID})

	hostMsgs := drainConn(host)
	guestMsgs := drainConn(guest)
	if !anyType(hostMsgs, protocol.OutPlayerEvent) || !anyType(guestMsgs, protocol.OutPlayerEvent) {
		t.Fatalf("expected both members to receive the scheduled play, host=%+v guest=%+v", hostMsgs, guestMsgs)
	}

	hostEvent := playerEventPayload(t, hostMsgs)
	guestEvent := playerEventPayload(t, guestMsgs)
	if hostEvent.Action != "play" || hostEvent.Position != 10 {
		t.Fatalf("expected host to receive play at position 10, got %+v", hostEvent)
	}
	if guestEvent.Action != "play" || guestEvent.Position != 10 {
		t.Fatalf("expected guest to receive play at position 10, got %+v", guestEvent)
	}
	if hostEvent.TargetServerTs <= beforeReady {
		t.Fatalf("expected target_server_ts to be in the future, got %d (ready at %d)", hostEvent.TargetServerTs, beforeReady)
	}
}

func TestHostLeaveClosesRoomForGuest(t *testing.T) {
	ctx := context.Background()
	d := newAnonymousDispatcher()

	host := d.HandleConnect(ctx, "host", false)
	drainConn(host)
	d.HandleMessage(ctx, host, envelopeFor(t, protocol.TypeCreateRoom, protocol.CreateRoomPayload{UserName: "Alice"}))
	roomID := roomIDFromRoomState(t, drainConn(host))

	guest := d.HandleConnect(ctx, "guest", false)
	drainConn(guest)
	d.HandleMessage(ctx, guest, protocol.Envelope{Type: protocol.TypeJoinRoom, Room: roomID})
	drainConn(host)
	drainConn(guest)

	d.HandleMessage(ctx, host, protocol.Envelope{Type: protocol.TypeLeaveRoom})

	guestMsgs := drainConn(guest)
	if !anyType(guestMsgs, protocol.OutRoomClosed) {
		t.Fatalf("expected the guest to receive room_closed, got %+v", guestMsgs)
	}
	if _, ok := d.Rooms.Get(roomID); ok {
		t.Fatal("expected the room to be removed from the table")
	}
}

func TestPingEchoesRoomClientAndStampsServerTs(t *testing.T) {
	ctx := context.Background()
	d := newAnonymousDispatcher()
	conn := d.HandleConnect(ctx, "solo", false)
	drainConn(conn)

	d.HandleMessage(ctx, conn, protocol.Envelope{
		Type:   protocol.TypePing,
		Room:   "r1",
		Client: "client-123",
		Ts:     42,
	})

	msgs := drainConn(conn)
	if len(msgs) != 1 {
		t.Fatalf("expected exactly one pong, got %+v", msgs)
	}
	pong := msgs[0]
	if pong.Type != protocol.OutPong || pong.Room != "r1" || pong.Client != "client-123" {
		t.Fatalf("expected an echoing pong, got %+v", pong)
	}
	if pong.ServerTs == nil {
		t.Fatal("expected server_ts to be stamped on the pong")
	}
}

func TestRateLimitRejectsBeyondPerSecondBudget(t *testing.T) {
	ctx := context.Background()
	d := newAnonymousDispatcher()
	conn := d.HandleConnect(ctx, "solo", false)
	drainConn(conn)

	for i := 0; i < ratelimit.MessageLimit; i++ {
		d.HandleMessage(ctx, conn, protocol.Envelope{Type: protocol.TypePing, Ts: uint64(i)})
		drainConn(conn)
	}

	d.HandleMessage(ctx, conn, protocol.Envelope{Type: protocol.TypePing, Ts: 999})
	msgs := drainConn(conn)
	if !anyType(msgs, protocol.OutError) {
		t.Fatalf("expected the message beyond the budget to be rejected, got %+v", msgs)
	}
}

func TestJoinRoomIsIdempotentAboutParticipantsUpdate(t *testing.T) {
	ctx := context.Background()
	d := newAnonymousDispatcher()

	host := d.HandleConnect(ctx, "host", false)
	drainConn(host)
	d.HandleMessage(ctx, host, envelopeFor(t, protocol.TypeCreateRoom, protocol.CreateRoomPayload{UserName: "Alice"}))
	roomID := roomIDFromRoomState(t, drainConn(host))

	guest := d.HandleConnect(ctx, "guest", false)
	drainConn(guest)

	d.HandleMessage(ctx, guest, protocol.Envelope{Type: protocol.TypeJoinRoom, Room: roomID})
	first := drainConn(host)
	if !anyType(first, protocol.OutParticipantsUpdate) {
		t.Fatalf("expected a participants_update on first join, got %+v", first)
	}

	d.HandleMessage(ctx, guest, protocol.Envelope{Type: protocol.TypeJoinRoom, Room: roomID})
	second := drainConn(host)
	if anyType(second, protocol.OutParticipantsUpdate) {
		t.Fatalf("expected no participants_update on a repeated join, got %+v", second)
	}
}
