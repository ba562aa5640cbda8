package database

import (
	"encoding/json"
	"time"
)

type User struct {
	Id           int
	Username     string
	EmailAddress string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Room struct {
	Id           int
	ExternalId   string
	Name         string
	Description  string
	HostId       int
	IsPublic     bool
	DiagramData  json.RawMessage
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Participants []Participant
	// Role is the listing account's role, empty if it has not joined.
	Role string
}

type Participant struct {
	Id        int
	RoomId    int
	AccountId int
	Username  string
	Role      string
	CreatedAt time.Time
}

// Room change operations as reported by the rooms triggers.
const (
	RoomUpdated = "UPDATE"
	RoomDeleted = "DELETE"
)

type RoomEvent struct {
	Op     string `json:"op"`
	RoomId string `json:"id"`
}

type CreateAccountParams struct {
	Username     string
	EmailAddress string
	PasswordHash string
}

type CreateRoomParams struct {
	Name        string
	Description string
	HostId      int
	ExternalId  string
	IsPublic    bool
}
