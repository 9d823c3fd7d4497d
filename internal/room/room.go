// Package room implements the per-room state machine: membership, the
// scheduled-play ready barrier, and the host-authoritative state-update
// filter. Every exported method assumes its caller already holds the
// owning registry.RoomTable's write lock — this package has no locking of
// its own, by design, since spec.md §4.4 places the single writer
// discipline at the table, not per room.
package room

import "github.com/mhbxyz/OpenWatchParty/internal/clock"

// Resource bounds and timing constants (spec.md §5).
const (
	MaxMembers               = 20
	PlayScheduleOffsetMs     = 1000
	ControlScheduleOffsetMs  = 300
	CommandCooldownMs        = 2000
	MinStateUpdateIntervalMs = 500
	PositionJitterThreshold  = 0.5
	FallbackWaitMs           = 2000
)

// Play-state strings, the only two values a state accepts.
const (
	PlayStatePlaying = "playing"
	PlayStatePaused  = "paused"
)

// PendingPlay is a deferred play awaiting every member's readiness.
type PendingPlay struct {
	Position  float64
	CreatedAt uint64
}

// State is the authoritative playback position and play/pause flag.
type State struct {
	Position  float64
	PlayState string
}

// Room holds one watch-party session's full state.
type Room struct {
	ID      string
	Name    string
	HostID  string
	MediaID string

	// Members preserves insertion order for deterministic iteration.
	Members []string
	// ReadySet tracks who has acknowledged the pending play barrier.
	ReadySet map[string]struct{}

	PendingPlay *PendingPlay
	State       State

	LastStateTs   uint64
	LastCommandTs uint64
}

// New constructs a room with a single member: its host. The host starts
// ready (spec.md: a host always implicitly acknowledges its own barrier),
// so only joining members need to send "ready" to release a pending play.
func New(id, name, hostID, mediaID string, startPos float64, now uint64) *Room {
	return &Room{
		ID:       id,
		Name:     name,
		HostID:   hostID,
		MediaID:  mediaID,
		Members:  []string{hostID},
		ReadySet: map[string]struct{}{hostID: {}},
		State:    State{Position: startPos, PlayState: PlayStatePaused},
	}
}

// HasMember reports whether id is currently a member.
func (r *Room) HasMember(id string) bool {
	for _, m := range r.Members {
		if m == id {
			return true
		}
	}
	return false
}

// ErrRoomFull is returned by AddMember when the room is already at capacity.
var ErrRoomFull = roomFullError{}

type roomFullError struct{}

func (roomFullError) Error() string { return "room full" }

// AddMember inserts id if absent, enforcing MaxMembers and idempotence
// (spec.md §8: "a second join by the same id does not duplicate the id").
// added reports whether a new member was actually inserted.
func (r *Room) AddMember(id string) (added bool, err error) {
	if r.HasMember(id) {
		return false, nil
	}
	if len(r.Members) >= MaxMembers {
		return false, ErrRoomFull
	}
	r.Members = append(r.Members, id)
	return true, nil
}

// RemoveMember deletes id from membership and the ready set.
func (r *Room) RemoveMember(id string) {
	for i, m := range r.Members {
		if m == id {
			r.Members = append(r.Members[:i], r.Members[i+1:]...)
			break
		}
	}
	delete(r.ReadySet, id)
}

// ParticipantCount reports current membership size.
func (r *Room) ParticipantCount() int { return len(r.Members) }

// AllReady reports whether every member has signaled readiness.
func (r *Room) AllReady() bool {
	for _, m := range r.Members {
		if _, ok := r.ReadySet[m]; !ok {
			return false
		}
	}
	return true
}

// PlayResult describes the effect of a play-barrier transition. The caller
// (internal/dispatcher) is responsible for all I/O: broadcasting when
// Schedule is true, and arming a FallbackWaitMs timer when Pending is true.
type PlayResult struct {
	Schedule       bool
	Position       float64
	TargetServerTs uint64
	Pending        bool
	PendingCreated uint64
}

// HandleHostPlay processes a host player_event{action:"play"}. If every
// member is already ready, play is scheduled immediately; otherwise the
// room enters PendingPlay and the caller should arm the fallback timer.
func (r *Room) HandleHostPlay(now uint64, pos float64) PlayResult {
	if r.AllReady() {
		r.State.PlayState = PlayStatePlaying
		r.State.Position = pos
		r.PendingPlay = nil
		target := now + PlayScheduleOffsetMs
		return PlayResult{Schedule: true, Position: pos, TargetServerTs: target}
	}
	r.PendingPlay = &PendingPlay{Position: pos, CreatedAt: now}
	return PlayResult{Pending: true, PendingCreated: now}
}

// HandleReady records connID as ready and, if that completes the barrier,
// releases the pending play.
func (r *Room) HandleReady(connID string, now uint64) PlayResult {
	r.ReadySet[connID] = struct{}{}
	if r.PendingPlay != nil && r.AllReady() {
		pos := r.PendingPlay.Position
		r.State.PlayState = PlayStatePlaying
		r.State.Position = pos
		r.PendingPlay = nil
		target := now + PlayScheduleOffsetMs
		return PlayResult{Schedule: true, Position: pos, TargetServerTs: target}
	}
	return PlayResult{}
}

// HandleFallbackFire is invoked when a previously armed fallback timer
// fires. createdAt identifies which pending play the timer was armed for;
// if the room's pending play has since been replaced or cleared, the timer
// is a no-op (fired is false).
func (r *Room) HandleFallbackFire(createdAt, now uint64) (result PlayResult, fired bool) {
	if r.PendingPlay == nil || r.PendingPlay.CreatedAt != createdAt {
		return PlayResult{}, false
	}
	pos := r.PendingPlay.Position
	r.State.PlayState = PlayStatePlaying
	r.State.Position = pos
	r.PendingPlay = nil
	target := now + PlayScheduleOffsetMs
	return PlayResult{Schedule: true, Position: pos, TargetServerTs: target}, true
}

// HandleHostCommand applies a host player_event whose action is not "play"
// (pause, seek, …): it updates play state for "pause", marks the command
// cooldown, and returns the target_server_ts to stamp on the outbound
// payload.
func (r *Room) HandleHostCommand(now uint64, action string) uint64 {
	r.LastCommandTs = now
	if action == "pause" {
		r.State.PlayState = PlayStatePaused
	}
	return now + ControlScheduleOffsetMs
}

// FilterStateUpdate implements spec.md §4.7's state_update filter. It
// assumes the caller has already confirmed the sender is the host. On
// acceptance it mutates State and LastStateTs and returns true.
func (r *Room) FilterStateUpdate(now uint64, newPos float64, newState string) bool {
	if newState != r.State.PlayState {
		r.State.Position = newPos
		r.State.PlayState = newState
		r.LastStateTs = now
		return true
	}

	if clock.SinceMs(now, r.LastCommandTs) < CommandCooldownMs {
		return false
	}
	if clock.SinceMs(now, r.LastStateTs) < MinStateUpdateIntervalMs {
		return false
	}

	dp := newPos - r.State.Position
	if (dp > -2.0 && dp < -PositionJitterThreshold) || (dp >= 0.0 && dp < PositionJitterThreshold) {
		return false
	}

	r.State.Position = newPos
	r.State.PlayState = newState
	r.LastStateTs = now
	return true
}
