package router

import (
	"context"
	"log/slog"

	"maunium.net/go/mautrix/id"

	"github.com/mxsms/mxsms/internal/identity"
	"github.com/mxsms/mxsms/internal/phone"
	"github.com/mxsms/mxsms/internal/sms"
)

const deliveryFailureNotice = "Error sending text message. Please try again later."

// HandleChatMessage sends one chat message to every SMS recipient
// represented in its room. Messages from bridge-managed identities are
// ignored (echo suppression) and rooms with no routed number are dropped
// with a warning. Failed sends notify the room; nothing is retried.
func (r *Router) HandleChatMessage(ctx context.Context, msg ChatMessage) {
	if r.ids.IsBridgeUser(msg.Sender) {
		return
	}
	if len(r.allowed) > 0 {
		if _, ok := r.allowed[msg.Sender]; !ok {
			r.logger.Debug("sender not on allow list",
				slog.String("sender", msg.Sender.String()),
				slog.String("room_id", msg.RoomID.String()))
			return
		}
	}

	value, ok := r.reg.NumberForRoom(msg.RoomID.String())
	if !ok {
		r.logger.Warn("room has no routed phone number",
			slog.String("room_id", msg.RoomID.String()),
			slog.String("sender", msg.Sender.String()),
			slog.String("event_id", msg.EventID.String()))
		return
	}
	from := phone.Normalize(value)

	members, err := r.client.JoinedMembers(ctx, msg.RoomID)
	if err != nil {
		r.logger.Error("membership lookup failed",
			slog.String("room_id", msg.RoomID.String()),
			slog.Any("error", err))
		return
	}

	for _, member := range members {
		if r.ids.Classify(member) != identity.KindVirtual {
			continue
		}
		external, ok := r.ids.NumberOf(member)
		if !ok {
			continue
		}
		r.sendSMS(ctx, from, external, member, msg)
	}
}

func (r *Router) sendSMS(ctx context.Context, from, to phone.Number, virtual id.UserID, msg ChatMessage) {
	err := r.gateway.Send(ctx, sms.Message{From: from, To: to, Body: msg.Body})
	if err != nil {
		r.logger.Error("SMS send failed",
			slog.String("from", from.String()),
			slog.String("to", to.String()),
			slog.String("room_id", msg.RoomID.String()),
			slog.Any("error", err))
		if _, err := r.client.SendNotice(ctx, virtual, msg.RoomID, deliveryFailureNotice); err != nil {
			r.logger.Error("failure notice could not be posted",
				slog.String("room_id", msg.RoomID.String()),
				slog.Any("error", err))
		}
		return
	}

	if err := r.client.MarkRead(ctx, virtual, msg.RoomID, msg.EventID); err != nil {
		r.logger.Warn("read receipt failed",
			slog.String("room_id", msg.RoomID.String()),
			slog.String("event_id", msg.EventID.String()),
			slog.Any("error", err))
	}
}
