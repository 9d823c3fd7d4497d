package room

import "testing"

func TestAddMemberIsIdempotent(t *testing.T) {
	r := New("r1", "Room de Alice", "host", "", 0, 0)
	added, err := r.AddMember("host")
	if err != nil || added {
		t.Fatalf("expected host already present, added=%v err=%v", added, err)
	}
	added, err = r.AddMember("bob")
	if err != nil || !added {
		t.Fatalf("expected bob newly added, added=%v err=%v", added, err)
	}
	added, err = r.AddMember("bob")
	if err != nil || added {
		t.Fatalf("expected second join to be a no-op, added=%v err=%v", added, err)
	}
	if got := r.ParticipantCount(); got != 2 {
		t.Fatalf("expected 2 participants, got %d", got)
	}
}

func TestAddMemberRespectsMaxMembers(t *testing.T) {
	r := New("r1", "Room", "host", "", 0, 0)
	for i := 0; i < MaxMembers-1; i++ {
		if _, err := r.AddMember(string(rune('a' + i))); err != nil {
			t.Fatalf("unexpected error filling room: %v", err)
		}
	}
	if _, err := r.AddMember("overflow"); err != ErrRoomFull {
		t.Fatalf("expected ErrRoomFull at capacity, got %v", err)
	}
}

func TestHandleHostPlayImmediateWhenAllReady(t *testing.T) {
	r := New("r1", "Room", "host", "", 0, 0)
	result := r.HandleHostPlay(1000, 10.0)
	if !result.Schedule || result.TargetServerTs != 1000+PlayScheduleOffsetMs {
		t.Fatalf("expected immediate schedule, got %+v", result)
	}
	if r.PendingPlay != nil {
		t.Fatal("expected no pending play after immediate schedule")
	}
}

func TestHandleHostPlayDefersUntilAllReady(t *testing.T) {
	r := New("r1", "Room", "host", "", 0, 0)
	if _, err := r.AddMember("bob"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r.ReadySet["host"] = struct{}{}

	result := r.HandleHostPlay(1000, 10.0)
	if result.Schedule {
		t.Fatal("expected play to be deferred while bob is not ready")
	}
	if r.PendingPlay == nil {
		t.Fatal("expected a pending play to be stored")
	}

	result = r.HandleReady("bob", 2000)
	if !result.Schedule || result.TargetServerTs != 2000+PlayScheduleOffsetMs {
		t.Fatalf("expected ready barrier to release play, got %+v", result)
	}
	if r.PendingPlay != nil {
		t.Fatal("expected pending play cleared after barrier release")
	}
}

func TestHandleFallbackFireIsNoOpForStalePendingPlay(t *testing.T) {
	r := New("r1", "Room", "host", "", 0, 0)
	if _, err := r.AddMember("bob"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r.HandleHostPlay(1000, 10.0)
	createdAt := r.PendingPlay.CreatedAt

	r.HandleReady("bob", 1500)
	if r.PendingPlay != nil {
		t.Fatal("expected pending play cleared by ready barrier")
	}

	_, fired := r.HandleFallbackFire(createdAt, 3000)
	if fired {
		t.Fatal("expected a stale fallback timer to be a no-op")
	}
}

func TestFilterStateUpdateAlwaysAcceptsPlayStateChange(t *testing.T) {
	r := New("r1", "Room", "host", "", 0, 0)
	r.LastCommandTs = 0
	if !r.FilterStateUpdate(100, 1.0, PlayStatePlaying) {
		t.Fatal("expected a play-state change to always be accepted")
	}
}

func TestFilterStateUpdateDropsWithinCommandCooldown(t *testing.T) {
	r := New("r1", "Room", "host", "", 0, 0)
	r.State.PlayState = PlayStatePaused
	r.LastCommandTs = 0
	if r.FilterStateUpdate(1500, 10.0, PlayStatePaused) {
		t.Fatal("expected drop within the 2000ms command cooldown")
	}
	if !r.FilterStateUpdate(2100, 10.0, PlayStatePaused) {
		t.Fatal("expected acceptance once outside the cooldown")
	}
}

func TestFilterStateUpdateThrottlesSubSecondUpdates(t *testing.T) {
	r := New("r1", "Room", "host", "", 0, 0)
	r.State.PlayState = PlayStatePlaying
	r.LastCommandTs = 0

	if !r.FilterStateUpdate(3000, 10.0, PlayStatePlaying) {
		t.Fatal("expected first update accepted")
	}
	if r.FilterStateUpdate(3100, 10.2, PlayStatePlaying) {
		t.Fatal("expected second update 100ms later to be throttled")
	}
}

func TestFilterStateUpdateDropsSmallJitter(t *testing.T) {
	r := New("r1", "Room", "host", "", 0, 0)
	r.State.PlayState = PlayStatePlaying
	r.State.Position = 10.0
	r.LastStateTs = 0
	r.LastCommandTs = 0

	if r.FilterStateUpdate(3000, 10.2, PlayStatePlaying) {
		t.Fatal("expected small forward jitter to be dropped")
	}
	if r.FilterStateUpdate(3000, 9.0, PlayStatePlaying) {
		t.Fatal("expected small backward jitter to be dropped")
	}
	if !r.FilterStateUpdate(3000, 20.0, PlayStatePlaying) {
		t.Fatal("expected a genuine seek-sized delta to be accepted")
	}
}
