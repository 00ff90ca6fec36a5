package router

import (
	"context"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix/id"

	"github.com/mxsms/mxsms/internal/logger"
	"github.com/mxsms/mxsms/internal/phone"
	"github.com/mxsms/mxsms/internal/registry"
)

// HandleInboundSMS resolves the target rooms for one inbound SMS and
// delivers the message into each as the sender's virtual identity. An
// unregistered destination drops the message with a warning; the sender sees
// nothing. Delivery failures for one room never block the others.
func (r *Router) HandleInboundSMS(ctx context.Context, msg InboundSMS) error {
	log := logger.FromContext(ctx).With(slog.String("component", "router"))

	from := phone.Normalize(msg.From)
	to := phone.Normalize(msg.To)
	log.Info("processing inbound SMS",
		slog.String("from", from.String()),
		slog.String("to", to.String()),
		slog.Int("media", len(msg.Media)))

	registration, ok := r.reg.NumberRegistration(to)
	if !ok {
		log.Warn("phone number is not registered", slog.String("number", to.String()))
		return nil
	}

	var rooms []id.RoomID
	switch registration.Kind {
	case registry.KindUser:
		var err error
		rooms, err = r.resolveUserRooms(ctx, from, to, registration.Owner)
		if err != nil {
			return fmt.Errorf("resolve rooms for %s to %s (owned by %s): %w",
				from, to, registration.Owner, err)
		}
	case registry.KindRoom:
		roomID, ok := r.reg.FindRoom(to)
		if !ok {
			log.Warn("room-kind number has no bound room",
				slog.String("number", to.String()),
				slog.String("owner", registration.Owner))
			return nil
		}
		rooms = []id.RoomID{roomID}
	default:
		log.Warn("number has unknown kind",
			slog.String("number", to.String()),
			slog.String("kind", string(registration.Kind)),
			slog.String("owner", registration.Owner))
		return nil
	}

	if len(rooms) == 0 {
		log.Warn("message did not route to any rooms",
			slog.String("from", from.String()),
			slog.String("to", to.String()),
			slog.String("owner", registration.Owner))
		return nil
	}

	asUser := r.ids.VirtualUserID(from)
	for _, roomID := range rooms {
		if err := r.deliverToRoom(ctx, asUser, roomID, msg); err != nil {
			log.Error("delivery to room failed",
				slog.String("room_id", roomID.String()),
				slog.Any("error", err))
		}
	}
	return nil
}

// resolveUserRooms finds the rooms carrying the (from, to) conversation,
// provisioning exactly one new room when none exists. The registry pair lock
// is held across check-then-create so concurrent messages for the same pair
// cannot both provision.
func (r *Router) resolveUserRooms(ctx context.Context, from, to phone.Number, owner string) ([]id.RoomID, error) {
	release := r.reg.LockPair(to, from)
	defer release()

	rooms := r.reg.FindUserRooms(from, to)
	if len(rooms) > 0 {
		return rooms, nil
	}

	roomID, err := r.provisioner.CreateDirectChat(ctx, from, id.UserID(owner))
	if err != nil {
		return nil, fmt.Errorf("create direct chat: %w", err)
	}
	if err := r.reg.AddUserNumber(to, from, roomID); err != nil {
		return nil, fmt.Errorf("record new room %s: %w", roomID, err)
	}
	return []id.RoomID{roomID}, nil
}

func (r *Router) deliverToRoom(ctx context.Context, asUser id.UserID, roomID id.RoomID, msg InboundSMS) error {
	if msg.Body != "" {
		if _, err := r.client.SendText(ctx, asUser, roomID, msg.Body); err != nil {
			return fmt.Errorf("send text: %w", err)
		}
	}
	for _, ref := range msg.Media {
		if err := r.deliverMedia(ctx, asUser, roomID, ref); err != nil {
			// Remaining attachments still get a chance.
			r.logger.Error("media delivery failed",
				slog.String("room_id", roomID.String()),
				slog.String("url", ref.URL),
				slog.Any("error", err))
		}
	}
	return nil
}
