package ws

import "encoding/json"

// Frame types.
const (
	FrameRequest       = "request"
	FrameStreamRequest = "stream_request"
	FrameCancel        = "cancel"
	FrameResponse      = "response"
	FrameStream        = "stream"
	FrameEvent         = "event"
)

// Request types for room membership. Router operations use their
// core.Operation name.
const (
	RequestJoinRoom   = "join_room"
	RequestLeaveRoom  = "leave_room"
	RequestSendToRoom = "send_to_room"
)

// Frame is the envelope of every message on the connection.
type Frame struct {
	Type        string          `json:"type"`
	ID          string          `json:"id,omitempty"`
	RequestType string          `json:"request_type,omitempty"`
	RequestID   string          `json:"request_id,omitempty"`
	StreamID    string          `json:"stream_id,omitempty"`
	Event       string          `json:"event,omitempty"`
	Data        json.RawMessage `json:"data,omitempty"`
	Error       string          `json:"error,omitempty"`
	Code        string          `json:"code,omitempty"`
	Complete    bool            `json:"complete,omitempty"`
}

// RoomRequest is the payload of the room membership requests.
type RoomRequest struct {
	Room    string `json:"room"`
	Message any    `json:"message,omitempty"`
}

// RoomMessage is the payload of a room_message event.
type RoomMessage struct {
	Room    string          `json:"room"`
	Message json.RawMessage `json:"message"`
}

// markComplete sets is_complete on a chunk payload.
func markComplete(data json.RawMessage) json.RawMessage {
	fields := map[string]json.RawMessage{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &fields); err != nil {
			return data
		}
	}
	fields["is_complete"] = json.RawMessage("true")
	out, err := json.Marshal(fields)
	if err != nil {
		return data
	}
	return out
}
