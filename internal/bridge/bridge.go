// Package bridge wires the routing core to the homeserver event stream. It
// seeds the registry from configuration, restores persisted state, classifies
// rooms, and dispatches member and message events to the admin manager or the
// router.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/mxsms/mxsms/internal/admin"
	"github.com/mxsms/mxsms/internal/config"
	"github.com/mxsms/mxsms/internal/identity"
	"github.com/mxsms/mxsms/internal/matrix"
	"github.com/mxsms/mxsms/internal/phone"
	"github.com/mxsms/mxsms/internal/registry"
	"github.com/mxsms/mxsms/internal/router"
)

// profileObjectID keys the service identity's cached profile in account data.
const profileObjectID = "bot_profile"

// AccountStore caches small key/value blobs across restarts. A nil store
// disables caching; profile updates are then re-applied on every start.
type AccountStore interface {
	AccountData(ctx context.Context, objectID string) (map[string]string, error)
	SetAccountData(ctx context.Context, objectID string, data map[string]string) error
}

// Bridge owns startup sequencing and event dispatch.
type Bridge struct {
	logger   *slog.Logger
	cfg      config.Config
	client   matrix.Client
	ids      identity.Namespace
	registry *registry.Registry
	admins   *admin.Manager
	router   *router.Router
	accounts AccountStore
}

// New creates a Bridge. accounts may be nil.
func New(log *slog.Logger, cfg config.Config, client matrix.Client, ids identity.Namespace, reg *registry.Registry, admins *admin.Manager, rtr *router.Router, accounts AccountStore) *Bridge {
	if log == nil {
		log = slog.Default()
	}
	b := &Bridge{
		logger:   log.With(slog.String("component", "bridge")),
		cfg:      cfg,
		client:   client,
		ids:      ids,
		registry: reg,
		admins:   admins,
		router:   rtr,
		accounts: accounts,
	}
	admins.SetNumberNeededHook(b.notifyNumberNeeded)
	return b
}

// Start brings the bridge up: restores admin rooms, seeds the registry from
// configuration, refreshes the service identity's profile, and classifies
// every room the service identity is already in. Classification errors are
// logged and skipped so one bad room never blocks startup.
func (b *Bridge) Start(ctx context.Context) error {
	if err := b.admins.Restore(ctx); err != nil {
		return fmt.Errorf("start bridge: %w", err)
	}
	if err := b.seedRegistry(); err != nil {
		return fmt.Errorf("start bridge: %w", err)
	}
	b.updateProfile(ctx)
	b.bridgeKnownRooms(ctx)
	return nil
}

// Stop shuts down the router's worker pool.
func (b *Bridge) Stop() {
	b.router.Stop()
}

func (b *Bridge) seedRegistry() error {
	for _, mapping := range b.cfg.Bridge.Numbers {
		number := phone.Normalize(mapping.Number)
		if number.IsEmpty() {
			b.logger.Warn("configured number is empty after normalization",
				slog.String("number", mapping.Number))
			continue
		}
		kind := registry.NumberKind(mapping.Kind)
		if err := b.registry.RegisterNumber(number, kind, mapping.Owner); err != nil {
			return fmt.Errorf("register %s as %q: %w", number, mapping.Kind, err)
		}
		if kind == registry.KindRoom {
			if err := b.registry.AddRoomNumber(number, id.RoomID(mapping.Owner)); err != nil {
				return fmt.Errorf("bind %s to room %s: %w", number, mapping.Owner, err)
			}
		}
	}
	b.logger.Info("seeded number registry", slog.Int("numbers", len(b.cfg.Bridge.Numbers)))
	return nil
}

// updateProfile applies the configured display name and avatar to the service
// identity, skipping homeserver calls when the cached profile already matches.
func (b *Bridge) updateProfile(ctx context.Context) {
	wantName := b.cfg.Appservice.DisplayName
	wantAvatar := b.cfg.Appservice.AvatarURL

	var cached map[string]string
	if b.accounts != nil {
		var err error
		cached, err = b.accounts.AccountData(ctx, profileObjectID)
		if err != nil {
			b.logger.Warn("profile cache read failed", slog.Any("error", err))
			cached = nil
		}
	}

	changed := false
	if wantName != "" && cached["display_name"] != wantName {
		if err := b.client.SetDisplayName(ctx, b.ids.ServiceUser(), wantName); err != nil {
			b.logger.Error("set display name failed", slog.Any("error", err))
		} else {
			changed = true
		}
	}
	if wantAvatar != "" && cached["avatar_url"] != wantAvatar {
		uri, err := id.ParseContentURI(wantAvatar)
		if err != nil {
			b.logger.Error("configured avatar URL is not a content URI",
				slog.String("avatar_url", wantAvatar), slog.Any("error", err))
		} else if err := b.client.SetAvatarURL(ctx, b.ids.ServiceUser(), uri); err != nil {
			b.logger.Error("set avatar failed", slog.Any("error", err))
		} else {
			changed = true
		}
	}

	if changed && b.accounts != nil {
		data := map[string]string{
			"display_name": wantName,
			"avatar_url":   wantAvatar,
		}
		if err := b.accounts.SetAccountData(ctx, profileObjectID, data); err != nil {
			b.logger.Warn("profile cache write failed", slog.Any("error", err))
		}
	}
}

// bridgeKnownRooms re-classifies every room the service identity is joined
// to. Rooms classified before a restart regain their category here.
func (b *Bridge) bridgeKnownRooms(ctx context.Context) {
	rooms, err := b.client.JoinedRooms(ctx)
	if err != nil {
		b.logger.Error("joined rooms lookup failed", slog.Any("error", err))
		return
	}
	b.logger.Info("classifying known rooms", slog.Int("rooms", len(rooms)))
	for _, roomID := range rooms {
		b.classifyRoom(ctx, roomID, false)
	}
}

// classifyRoom runs the admin-first classification chain on one room.
func (b *Bridge) classifyRoom(ctx context.Context, roomID id.RoomID, isNew bool) {
	err := b.admins.TryClassifyAsAdmin(ctx, roomID, isNew)
	if err == nil {
		return
	}
	if !errors.Is(err, admin.ErrNotAdminCandidate) {
		b.logger.Error("room classification failed",
			slog.String("room_id", roomID.String()), slog.Any("error", err))
		return
	}
	class := b.admins.ClassifyBridgedRoom(ctx, roomID)
	b.logger.Info("classified room",
		slog.String("room_id", roomID.String()),
		slog.String("class", class.String()))
}

// notifyNumberNeeded tells a room owner, via their admin room when one
// exists, that the bridge cannot route for them until a number is registered.
func (b *Bridge) notifyNumberNeeded(ctx context.Context, roomID id.RoomID, owner id.UserID) {
	adminRoom, ok := b.admins.RoomFor(owner)
	if !ok {
		b.logger.Info("owner has no admin room for the number-needed notice",
			slog.String("owner", owner.String()),
			slog.String("room_id", roomID.String()))
		return
	}
	notice := "A conversation room is waiting for you, but you have no phone number " +
		"registered with the bridge. Ask the bridge operator to register one."
	if _, err := b.client.SendNotice(ctx, b.ids.ServiceUser(), adminRoom, notice); err != nil {
		b.logger.Error("number-needed notice failed",
			slog.String("room_id", adminRoom.String()), slog.Any("error", err))
	}
}

// HandleUserQuery answers homeserver queries for unknown users. Virtual user
// IDs exist on first reference and get their display name set; anything else
// is outside the namespace.
func (b *Bridge) HandleUserQuery(userID id.UserID) bool {
	number, ok := b.ids.NumberOf(userID)
	if !ok {
		return false
	}
	ctx := context.Background()
	if err := b.client.SetDisplayName(ctx, userID, b.ids.VirtualDisplayName(number)); err != nil {
		b.logger.Warn("queried user display name not set",
			slog.String("user_id", userID.String()), slog.Any("error", err))
	}
	return true
}

// HandleMemberEvent processes one m.room.member state event. Invites aimed at
// bridge-managed identities are auto-accepted; an invite to the service
// identity additionally triggers classification of the new room.
func (b *Bridge) HandleMemberEvent(ctx context.Context, evt *event.Event) {
	content := evt.Content.AsMember()
	if content == nil || content.Membership != event.MembershipInvite {
		return
	}
	if evt.StateKey == nil {
		return
	}
	target := id.UserID(*evt.StateKey)
	if !b.ids.IsBridgeUser(target) {
		return
	}

	b.logger.Info("accepting invite",
		slog.String("room_id", evt.RoomID.String()),
		slog.String("target", target.String()),
		slog.String("inviter", evt.Sender.String()))
	if err := b.client.JoinRoom(ctx, target, evt.RoomID); err != nil {
		b.logger.Error("invite accept failed",
			slog.String("room_id", evt.RoomID.String()),
			slog.String("target", target.String()),
			slog.Any("error", err))
		return
	}

	if b.ids.Classify(target) == identity.KindService {
		b.classifyRoom(ctx, evt.RoomID, true)
	}
}

// HandleMessageEvent processes one m.room.message event. Admin rooms consume
// their own traffic; everything else goes to the router.
func (b *Bridge) HandleMessageEvent(ctx context.Context, evt *event.Event) {
	content := evt.Content.AsMessage()
	if content == nil {
		return
	}
	if b.admins.HandleMessage(ctx, evt.RoomID, evt.Sender, content.Body) {
		return
	}
	b.router.HandleChatMessage(ctx, router.ChatMessage{
		RoomID:  evt.RoomID,
		EventID: evt.ID,
		Sender:  evt.Sender,
		Body:    content.Body,
	})
}
