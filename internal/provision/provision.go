// Package provision creates 1:1 bridged rooms on demand.
package provision

import (
	"context"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix/id"

	"github.com/mxsms/mxsms/internal/identity"
	"github.com/mxsms/mxsms/internal/matrix"
	"github.com/mxsms/mxsms/internal/phone"
)

// Power levels applied to new direct chats: the three participants get full
// control, state changes require moderator level, messages are unrestricted.
const (
	participantPowerLevel = 100
	stateDefaultLevel     = 50
	eventsDefaultLevel    = 0
)

// Provisioner creates direct chats between a human owner and one external
// number's virtual identity.
type Provisioner struct {
	client matrix.Client
	ids    identity.Namespace
	logger *slog.Logger
}

// New creates a Provisioner.
func New(log *slog.Logger, client matrix.Client, ids identity.Namespace) *Provisioner {
	if log == nil {
		log = slog.Default()
	}
	return &Provisioner{
		client: client,
		ids:    ids,
		logger: log.With(slog.String("component", "provision")),
	}
}

// CreateDirectChat creates a new private room for the conversation with
// external, inviting owner and the service identity. This is not idempotent
// at the protocol level: callers must hold the registry's pair lock and have
// confirmed no room exists, or duplicates may be created.
func (p *Provisioner) CreateDirectChat(ctx context.Context, external phone.Number, owner id.UserID) (id.RoomID, error) {
	virtual := p.ids.VirtualUserID(external)
	service := p.ids.ServiceUser()

	p.logger.Info("creating direct chat",
		slog.String("external", external.String()),
		slog.String("owner", owner.String()))

	roomID, err := p.client.CreateRoom(ctx, matrix.CreateRoomRequest{
		Creator:    virtual,
		Invite:     []id.UserID{owner, service},
		IsDirect:   true,
		Preset:     "trusted_private_chat",
		Visibility: "private",
		PowerLevels: &matrix.PowerLevels{
			Users: map[id.UserID]int{
				owner:   participantPowerLevel,
				service: participantPowerLevel,
				virtual: participantPowerLevel,
			},
			StateDefault:  stateDefaultLevel,
			EventsDefault: eventsDefaultLevel,
		},
	})
	if err != nil {
		return "", fmt.Errorf("create direct chat with %s for %s: %w", external, owner, err)
	}

	// Self-accept the service identity's invite in case invite delivery races
	// with the first message.
	if err := p.client.JoinRoom(ctx, service, roomID); err != nil {
		p.logger.Warn("service identity self-join failed",
			slog.String("room_id", roomID.String()), slog.Any("error", err))
	}

	if err := p.client.SetDisplayName(ctx, virtual, p.ids.VirtualDisplayName(external)); err != nil {
		p.logger.Warn("set virtual display name failed",
			slog.String("user_id", virtual.String()), slog.Any("error", err))
	}

	return roomID, nil
}
