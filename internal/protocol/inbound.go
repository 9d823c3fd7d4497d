package protocol

// AuthPayload is the inbound "auth" payload: either a bearer token, or — in
// anonymous mode — a self-declared identity.
type AuthPayload struct {
	Token    string `json:"token,omitempty"`
	UserName string `json:"user_name,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// CreateRoomPayload is the inbound "create_room" payload.
type CreateRoomPayload struct {
	UserName string  `json:"user_name,omitempty"`
	StartPos float64 `json:"start_pos,omitempty"`
	MediaID  string  `json:"media_id,omitempty"`
}

// PlayerEventInPayload is the inbound "player_event" payload.
type PlayerEventInPayload struct {
	Action   string  `json:"action"`
	Position float64 `json:"position,omitempty"`
}

// StateUpdateInPayload is the inbound "state_update" payload.
type StateUpdateInPayload struct {
	Position  float64 `json:"position"`
	PlayState string  `json:"play_state"`
}

// ChatMessageInPayload is the inbound "chat_message" payload.
type ChatMessageInPayload struct {
	Text string `json:"text"`
}

// ClientLogInPayload is the inbound "client_log" telemetry payload.
type ClientLogInPayload struct {
	Category string `json:"category,omitempty"`
	Message  string `json:"message,omitempty"`
}
