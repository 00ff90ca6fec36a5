package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/appservice"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/mxsms/mxsms/internal/config"
)

// AppServiceClient implements Client over a mautrix application service. It
// also owns the inbound event feed: the homeserver pushes transactions to the
// appservice listener and handlers registered with OnEvent receive them.
type AppServiceClient struct {
	as     *appservice.AppService
	events *appservice.EventProcessor
	logger *slog.Logger
}

// NewAppServiceClient builds the appservice from config. The registration is
// derived from config rather than a registration YAML so the bridge has a
// single source of truth.
func NewAppServiceClient(log *slog.Logger, cfg config.Config) (*AppServiceClient, error) {
	if cfg.Homeserver.URL == "" || cfg.Homeserver.Domain == "" {
		return nil, fmt.Errorf("homeserver url and domain are required")
	}

	as := appservice.Create()
	as.HomeserverDomain = cfg.Homeserver.Domain
	as.Host = appservice.HostConfig{
		Hostname: cfg.Appservice.Hostname,
		Port:     uint16(cfg.Appservice.Port),
	}
	if err := as.SetHomeserverURL(cfg.Homeserver.URL); err != nil {
		return nil, fmt.Errorf("invalid homeserver url: %w", err)
	}

	registration := appservice.CreateRegistration()
	registration.ID = cfg.Appservice.ID
	registration.URL = cfg.Appservice.Address
	registration.AppToken = cfg.Appservice.ASToken
	registration.ServerToken = cfg.Appservice.HSToken
	registration.SenderLocalpart = cfg.Appservice.BotLocalpart
	registration.Namespaces.UserIDs.Register(regexp.MustCompile(
		fmt.Sprintf("^@%s[0-9]+:%s$", regexp.QuoteMeta(cfg.Appservice.UserPrefix), regexp.QuoteMeta(cfg.Homeserver.Domain)),
	), true)
	as.Registration = registration

	client := &AppServiceClient{
		as:     as,
		logger: log.With(slog.String("component", "matrix")),
	}
	client.events = appservice.NewEventProcessor(as)
	return client, nil
}

// OnEvent registers a handler for one event type on the inbound feed.
func (c *AppServiceClient) OnEvent(evtType event.Type, handler func(ctx context.Context, evt *event.Event)) {
	c.events.On(evtType, handler)
}

// UserQueryFunc decides whether a queried user ID exists in the bridge's
// namespace, provisioning it on first reference.
type UserQueryFunc func(userID id.UserID) bool

type queryHandler struct {
	appservice.QueryHandlerStub
	user UserQueryFunc
}

func (q queryHandler) QueryUser(userID id.UserID) bool {
	return q.user(userID)
}

// OnUserQuery installs the homeserver user-query hook.
func (c *AppServiceClient) OnUserQuery(fn UserQueryFunc) {
	c.as.QueryHandler = &queryHandler{user: fn}
}

// Start begins processing inbound appservice transactions. It does not block.
func (c *AppServiceClient) Start(ctx context.Context) {
	go c.as.Start()
	go c.events.Start(ctx)
}

// Stop shuts down the transaction listener and event processor.
func (c *AppServiceClient) Stop() {
	c.events.Stop()
	c.as.Stop()
}

// ProcessTransaction is exposed for mounting the appservice routes on an
// external HTTP server if the embedded listener is not used.
func (c *AppServiceClient) AppService() *appservice.AppService {
	return c.as
}

func (c *AppServiceClient) intent(asUser id.UserID) *appservice.IntentAPI {
	if asUser == "" || asUser == c.as.BotMXID() {
		return c.as.BotIntent()
	}
	return c.as.Intent(asUser)
}

// BotUserID returns the service identity's user ID.
func (c *AppServiceClient) BotUserID() id.UserID {
	return c.as.BotMXID()
}

// JoinedRooms lists the rooms the service identity is joined to.
func (c *AppServiceClient) JoinedRooms(ctx context.Context) ([]id.RoomID, error) {
	resp, err := c.as.BotClient().JoinedRooms(ctx)
	if err != nil {
		return nil, fmt.Errorf("joined rooms: %w", err)
	}
	return resp.JoinedRooms, nil
}

// JoinedMembers lists the joined members of roomID.
func (c *AppServiceClient) JoinedMembers(ctx context.Context, roomID id.RoomID) ([]id.UserID, error) {
	resp, err := c.as.BotClient().JoinedMembers(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("joined members of %s: %w", roomID, err)
	}
	members := make([]id.UserID, 0, len(resp.Joined))
	for userID := range resp.Joined {
		members = append(members, userID)
	}
	return members, nil
}

// JoinRoom joins roomID as the given bridge-managed identity.
func (c *AppServiceClient) JoinRoom(ctx context.Context, asUser id.UserID, roomID id.RoomID) error {
	if err := c.intent(asUser).EnsureJoined(ctx, roomID); err != nil {
		return fmt.Errorf("join %s as %s: %w", roomID, asUser, err)
	}
	return nil
}

// InviteUser invites userID to roomID as the service identity.
func (c *AppServiceClient) InviteUser(ctx context.Context, roomID id.RoomID, userID id.UserID) error {
	_, err := c.as.BotIntent().InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: userID})
	if err != nil {
		return fmt.Errorf("invite %s to %s: %w", userID, roomID, err)
	}
	return nil
}

// CreateRoom creates a room as req.Creator.
func (c *AppServiceClient) CreateRoom(ctx context.Context, req CreateRoomRequest) (id.RoomID, error) {
	mreq := &mautrix.ReqCreateRoom{
		Visibility: req.Visibility,
		Preset:     req.Preset,
		Invite:     req.Invite,
		IsDirect:   req.IsDirect,
		InitialState: []*event.Event{{
			Type: event.StateGuestAccess,
			Content: event.Content{Parsed: &event.GuestAccessEventContent{
				GuestAccess: event.GuestAccessCanJoin,
			}},
		}},
	}
	if req.PowerLevels != nil {
		stateDefault := req.PowerLevels.StateDefault
		mreq.PowerLevelOverride = &event.PowerLevelsEventContent{
			Users:           req.PowerLevels.Users,
			EventsDefault:   req.PowerLevels.EventsDefault,
			StateDefaultPtr: &stateDefault,
		}
	}
	resp, err := c.intent(req.Creator).CreateRoom(ctx, mreq)
	if err != nil {
		return "", fmt.Errorf("create room as %s: %w", req.Creator, err)
	}
	return resp.RoomID, nil
}

// SendText sends a plain text message as asUser.
func (c *AppServiceClient) SendText(ctx context.Context, asUser id.UserID, roomID id.RoomID, body string) (id.EventID, error) {
	resp, err := c.intent(asUser).SendText(ctx, roomID, body)
	if err != nil {
		return "", fmt.Errorf("send text to %s as %s: %w", roomID, asUser, err)
	}
	return resp.EventID, nil
}

// SendNotice sends an m.notice message as asUser.
func (c *AppServiceClient) SendNotice(ctx context.Context, asUser id.UserID, roomID id.RoomID, body string) (id.EventID, error) {
	resp, err := c.intent(asUser).SendNotice(ctx, roomID, body)
	if err != nil {
		return "", fmt.Errorf("send notice to %s as %s: %w", roomID, asUser, err)
	}
	return resp.EventID, nil
}

// SendMedia posts previously uploaded content as a media message.
func (c *AppServiceClient) SendMedia(ctx context.Context, asUser id.UserID, roomID id.RoomID, media Media) (id.EventID, error) {
	content := &event.MessageEventContent{
		MsgType: event.MessageType(media.MsgType),
		Body:    media.Filename,
		URL:     media.URI.CUString(),
		Info: &event.FileInfo{
			MimeType: media.MimeType,
			Size:     media.Size,
		},
	}
	resp, err := c.intent(asUser).SendMessageEvent(ctx, roomID, event.EventMessage, content)
	if err != nil {
		return "", fmt.Errorf("send media to %s as %s: %w", roomID, asUser, err)
	}
	return resp.EventID, nil
}

// MarkRead sends a read receipt for eventID as asUser.
func (c *AppServiceClient) MarkRead(ctx context.Context, asUser id.UserID, roomID id.RoomID, eventID id.EventID) error {
	if err := c.intent(asUser).MarkRead(ctx, roomID, eventID); err != nil {
		return fmt.Errorf("mark read in %s as %s: %w", roomID, asUser, err)
	}
	return nil
}

// UploadMedia uploads data to the content repository as asUser.
func (c *AppServiceClient) UploadMedia(ctx context.Context, asUser id.UserID, data []byte, mimeType, filename string) (id.ContentURI, error) {
	resp, err := c.intent(asUser).UploadMedia(ctx, mautrix.ReqUploadMedia{
		ContentBytes: data,
		ContentType:  mimeType,
		FileName:     filename,
	})
	if err != nil {
		return id.ContentURI{}, fmt.Errorf("upload media as %s: %w", asUser, err)
	}
	return resp.ContentURI, nil
}

// DisplayName fetches the current display name of userID.
func (c *AppServiceClient) DisplayName(ctx context.Context, userID id.UserID) (string, error) {
	resp, err := c.as.BotClient().GetDisplayName(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("get display name of %s: %w", userID, err)
	}
	return resp.DisplayName, nil
}

// SetDisplayName updates asUser's profile display name.
func (c *AppServiceClient) SetDisplayName(ctx context.Context, asUser id.UserID, name string) error {
	if err := c.intent(asUser).SetDisplayName(ctx, name); err != nil {
		return fmt.Errorf("set display name of %s: %w", asUser, err)
	}
	return nil
}

// SetAvatarURL updates asUser's profile avatar.
func (c *AppServiceClient) SetAvatarURL(ctx context.Context, asUser id.UserID, uri id.ContentURI) error {
	if err := c.intent(asUser).SetAvatarURL(ctx, uri); err != nil {
		return fmt.Errorf("set avatar of %s: %w", asUser, err)
	}
	return nil
}
