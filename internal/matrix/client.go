// Package matrix defines the chat-network capability surface the bridge
// depends on, and implements it over the homeserver's application-service
// API. The routing core only sees the Client interface; tests substitute
// fakes.
package matrix

import (
	"context"

	"maunium.net/go/mautrix/id"
)

// PowerLevels is the subset of room power-level state the provisioner sets.
type PowerLevels struct {
	Users         map[id.UserID]int
	StateDefault  int
	EventsDefault int
}

// CreateRoomRequest describes a room to create. Creator is the bridge-managed
// identity the room is created as.
type CreateRoomRequest struct {
	Creator     id.UserID
	Invite      []id.UserID
	IsDirect    bool
	Preset      string
	Visibility  string
	PowerLevels *PowerLevels
}

// Media references an uploaded piece of content for a media message.
type Media struct {
	MsgType  string
	URI      id.ContentURI
	MimeType string
	Filename string
	Size     int
}

// Client is everything the bridge asks of the chat network. Methods taking an
// asUser act as that bridge-managed identity.
type Client interface {
	BotUserID() id.UserID

	JoinedRooms(ctx context.Context) ([]id.RoomID, error)
	JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error)
	JoinRoom(ctx context.Context, asUser id.UserID, roomID id.RoomID) error
	InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error
	CreateRoom(ctx context.Context, req CreateRoomRequest) (id.RoomID, error)

	SendText(ctx context.Context, asUser id.UserID, roomID id.RoomID, body string) (id.EventID, error)
	SendNotice(ctx context.Context, asUser id.UserID, roomID id.RoomID, body string) (id.EventID, error)
	SendMedia(ctx context.Context, asUser id.UserID, roomID id.RoomID, media Media) (id.EventID, error)
	MarkRead(ctx context.Context, asUser id.UserID, roomID id.RoomID, eventID id.EventID) error

	UploadMedia(ctx context.Context, asUser id.UserID, data []byte, mimeType, filename string) (id.ContentURI, error)

	DisplayName(ctx context.Context, userID id.UserID) (string, error)
	SetDisplayName(ctx context.Context, asUser id.UserID, name string) error
	SetAvatarURL(ctx context.Context, asUser id.UserID, uri id.ContentURI) error
}
