package server

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/npezzotti/go-erd/internal/broadcast"
	"github.com/npezzotti/go-erd/internal/persist"
)

type BaseMessage struct {
	Id        int       `json:"id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type ClientMessage struct {
	BaseMessage
	Join      *Join      `json:"join,omitempty"`
	Leave     *Leave     `json:"leave,omitempty"`
	Broadcast *Broadcast `json:"broadcast,omitempty"`
	Track     *Track     `json:"track,omitempty"`
	UserId    int        `json:"-"`
	client    *Client    `json:"-"`
}

// GetUserId returns the sender of the message, either set explicitly or
// taken from the client it arrived on.
func (cm *ClientMessage) GetUserId() int {
	if cm.UserId != 0 {
		return cm.UserId
	}
	if cm.client != nil {
		return cm.client.user.Id
	}
	return 0
}

type Join struct {
	RoomId string `json:"room_id"`
}

type Leave struct {
	RoomId string `json:"room_id"`
}

// Broadcast is an event relayed to every other connection in a room.
type Broadcast struct {
	RoomId  string          `json:"room_id"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Track sets the presence of the sending connection in a room.
type Track struct {
	RoomId   string    `json:"room_id"`
	OnlineAt time.Time `json:"online_at"`
}

type ServerMessage struct {
	BaseMessage
	Response     *Response     `json:"response,omitempty"`
	Broadcast    *Broadcast    `json:"broadcast,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
	SkipClient   *Client       `json:"-"`
}

type Response struct {
	ResponseCode int    `json:"response_code"`
	Error        string `json:"error,omitempty"`
	Data         any    `json:"data,omitempty"`
}

type Notification struct {
	PresenceSync *PresenceSync `json:"presence_sync,omitempty"`
	Snapshot     *Snapshot     `json:"snapshot,omitempty"`
	RoomDeleted  *RoomDeleted  `json:"room_deleted,omitempty"`
}

// PresenceSync carries the full presence state of a room keyed by
// connection.
type PresenceSync struct {
	RoomId string                          `json:"room_id"`
	State  map[string][]broadcast.Presence `json:"state"`
}

// Snapshot is the stored room row after a diagram write.
type Snapshot struct {
	RoomId string          `json:"room_id"`
	Room   persist.RoomRow `json:"room"`
}

type RoomDeleted struct {
	RoomId string `json:"room_id"`
}

func response(id, code int, errMsg string) *ServerMessage {
	return &ServerMessage{
		BaseMessage: BaseMessage{
			Id:        id,
			Timestamp: Now(),
		},
		Response: &Response{
			ResponseCode: code,
			Error:        errMsg,
		},
	}
}

func NoErrOK(id int, data any) *ServerMessage {
	msg := response(id, http.StatusOK, "")
	msg.Response.Data = data
	return msg
}

func NoErrAccepted(id int) *ServerMessage {
	return response(id, http.StatusAccepted, "")
}

func ErrRoomNotFound(id int) *ServerMessage {
	return response(id, http.StatusNotFound, "room not found")
}

func ErrForbidden(id int) *ServerMessage {
	return response(id, http.StatusForbidden, "forbidden")
}

func ErrInternalError(id int) *ServerMessage {
	return response(id, http.StatusInternalServerError, "internal server error")
}

func ErrServiceUnavailable(id int) *ServerMessage {
	return response(id, http.StatusServiceUnavailable, "service unavailable")
}

func ErrInvalidMessage(id int) *ServerMessage {
	msg := response(0, http.StatusBadRequest, "invalid message format")
	if id > 0 {
		msg.Id = id
	}
	return msg
}

func Now() time.Time {
	return time.Now().UTC().Round(time.Millisecond)
}
