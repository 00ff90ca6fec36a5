// Package admin classifies rooms and manages admin control rooms. An admin
// room is a 1:1 room between the service identity and one human, used for
// bridge control and never for SMS delivery.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"maunium.net/go/mautrix/id"

	"github.com/mxsms/mxsms/internal/identity"
	"github.com/mxsms/mxsms/internal/matrix"
	"github.com/mxsms/mxsms/internal/registry"
)

// ErrNotAdminCandidate is returned by TryClassifyAsAdmin when the room's
// membership does not match the admin-room shape. Callers fall back to
// bridged-room classification.
var ErrNotAdminCandidate = errors.New("room is not viable as an admin room")

// Classification is the derived category of a room. It is computed from the
// membership snapshot at processing time and never cached beyond the registry
// entries it produces.
type Classification int

const (
	ClassUnknown Classification = iota
	ClassAdmin
	ClassBridged1to1
	ClassUnsupportedMulti
)

// String returns the classification name for logging.
func (c Classification) String() string {
	switch c {
	case ClassAdmin:
		return "admin"
	case ClassBridged1to1:
		return "bridged_1to1"
	case ClassUnsupportedMulti:
		return "unsupported_multi"
	default:
		return "unknown"
	}
}

const welcomeMessage = "Hello! This room can be used to manage various aspects of the bridge. " +
	"Although this currently doesn't do anything, it will be more active in the future."

// Store persists admin-room ownership across restarts. A nil Store keeps
// state in memory only.
type Store interface {
	UpsertAdminRoom(ctx context.Context, roomID, owner string) error
	DeleteAdminRoom(ctx context.Context, roomID string) error
	AdminRooms(ctx context.Context) (map[string]string, error)
}

// NumberNeededFunc is invoked when a bridged room is viable but its human
// owner has no registered number yet. External admin tooling uses this hook
// to ask the human for their number.
type NumberNeededFunc func(ctx context.Context, roomID id.RoomID, owner id.UserID)

// Manager owns admin-room state and room classification.
type Manager struct {
	client   matrix.Client
	ids      identity.Namespace
	registry *registry.Registry
	store    Store
	logger   *slog.Logger

	onNumberNeeded NumberNeededFunc

	mu      sync.RWMutex
	rooms   map[id.RoomID]id.UserID   // admin room -> owner
	byOwner map[id.UserID][]id.RoomID // owner -> admin rooms, insertion order
}

// NewManager creates a Manager. store may be nil.
func NewManager(log *slog.Logger, client matrix.Client, ids identity.Namespace, reg *registry.Registry, store Store) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		client:   client,
		ids:      ids,
		registry: reg,
		store:    store,
		logger:   log.With(slog.String("component", "admin")),
		rooms:    map[id.RoomID]id.UserID{},
		byOwner:  map[id.UserID][]id.RoomID{},
	}
}

// SetNumberNeededHook installs the number-needed notification hook.
func (m *Manager) SetNumberNeededHook(fn NumberNeededFunc) {
	m.onNumberNeeded = fn
}

// Restore loads persisted admin rooms into memory. Call once at startup.
func (m *Manager) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	rooms, err := m.store.AdminRooms(ctx)
	if err != nil {
		return fmt.Errorf("restore admin rooms: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for roomID, owner := range rooms {
		m.addLocked(id.RoomID(roomID), id.UserID(owner))
	}
	m.logger.Info("restored admin rooms", slog.Int("count", len(rooms)))
	return nil
}

func (m *Manager) addLocked(roomID id.RoomID, owner id.UserID) {
	if _, exists := m.rooms[roomID]; exists {
		return
	}
	m.rooms[roomID] = owner
	m.byOwner[owner] = append(m.byOwner[owner], roomID)
}

func (m *Manager) add(ctx context.Context, roomID id.RoomID, owner id.UserID) {
	m.mu.Lock()
	m.addLocked(roomID, owner)
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.UpsertAdminRoom(ctx, roomID.String(), owner.String()); err != nil {
			m.logger.Error("persist admin room failed",
				slog.String("room_id", roomID.String()), slog.Any("error", err))
		}
	}
}

// IsAdminRoom reports whether roomID is currently categorized as an admin
// room. Admin rooms are never the target of message routing.
func (m *Manager) IsAdminRoom(roomID id.RoomID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rooms[roomID]
	return ok
}

// Owner returns the owner of an admin room.
func (m *Manager) Owner(roomID id.RoomID) (id.UserID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	owner, ok := m.rooms[roomID]
	return owner, ok
}

// RoomFor returns the first known admin room owned by owner. Duplicates are
// a tolerated anomaly; the first one found wins.
func (m *Manager) RoomFor(owner id.UserID) (id.RoomID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rooms := m.byOwner[owner]
	if len(rooms) == 0 {
		return "", false
	}
	return rooms[0], true
}

// Remove de-categorizes roomID. The room may be re-registered later; removal
// never blocks future classification.
func (m *Manager) Remove(ctx context.Context, roomID id.RoomID) {
	m.mu.Lock()
	owner, ok := m.rooms[roomID]
	if ok {
		delete(m.rooms, roomID)
		rooms := m.byOwner[owner]
		for i, existing := range rooms {
			if existing == roomID {
				m.byOwner[owner] = append(rooms[:i], rooms[i+1:]...)
				break
			}
		}
		if len(m.byOwner[owner]) == 0 {
			delete(m.byOwner, owner)
		}
	}
	m.mu.Unlock()

	if ok && m.store != nil {
		if err := m.store.DeleteAdminRoom(ctx, roomID.String()); err != nil {
			m.logger.Error("delete admin room failed",
				slog.String("room_id", roomID.String()), slog.Any("error", err))
		}
	}
}

// TryClassifyAsAdmin checks whether roomID is viable as an admin room:
// exactly two joined members, one of which is the service identity. On
// success the room is registered to the other member and, when isNew, a
// one-time welcome notice is sent. On failure ErrNotAdminCandidate is
// returned and the caller treats the room as a candidate bridged
// conversation.
func (m *Manager) TryClassifyAsAdmin(ctx context.Context, roomID id.RoomID, isNew bool) error {
	members, err := m.client.JoinedMembers(ctx, roomID)
	if err != nil {
		return fmt.Errorf("classify %s: %w", roomID, err)
	}
	if len(members) != 2 {
		return ErrNotAdminCandidate
	}

	var owner id.UserID
	sawService := false
	for _, member := range members {
		if m.ids.Classify(member) == identity.KindService {
			sawService = true
		} else {
			owner = member
		}
	}
	if !sawService || owner == "" {
		return ErrNotAdminCandidate
	}

	m.logger.Info("room is viable as an admin room",
		slog.String("room_id", roomID.String()),
		slog.String("owner", owner.String()))
	m.add(ctx, roomID, owner)

	if isNew {
		if _, err := m.client.SendNotice(ctx, m.ids.ServiceUser(), roomID, welcomeMessage); err != nil {
			m.logger.Error("send welcome failed",
				slog.String("room_id", roomID.String()), slog.Any("error", err))
		}
	}
	return nil
}

// ClassifyBridgedRoom decides what a non-admin room is from its membership:
// exactly three members with exactly one virtual identity makes a bridged
// 1:1 conversation; anything else is unsupported (group SMS is
// unimplemented). For a viable room it finalizes the route when both numbers
// are known, or fires the number-needed hook when the owner has no number
// yet. Every branch either produces a mapping, logs, or defers; none is
// fatal.
func (m *Manager) ClassifyBridgedRoom(ctx context.Context, roomID id.RoomID) Classification {
	members, err := m.client.JoinedMembers(ctx, roomID)
	if err != nil {
		m.logger.Error("membership lookup failed",
			slog.String("room_id", roomID.String()), slog.Any("error", err))
		return ClassUnknown
	}

	var human id.UserID
	var virtual id.UserID
	virtuals := 0
	for _, member := range members {
		switch m.ids.Classify(member) {
		case identity.KindVirtual:
			virtuals++
			virtual = member
		case identity.KindHuman:
			human = member
		}
	}

	if len(members) != 3 || virtuals != 1 || human == "" {
		m.logger.Info("room membership shape unsupported for bridging",
			slog.String("room_id", roomID.String()),
			slog.Int("members", len(members)),
			slog.Int("virtual", virtuals))
		return ClassUnsupportedMulti
	}

	external, ok := m.ids.NumberOf(virtual)
	if !ok {
		m.logger.Warn("virtual member has no parseable number",
			slog.String("room_id", roomID.String()),
			slog.String("user_id", virtual.String()))
		return ClassUnknown
	}

	internal, ok := m.registry.NumberForOwner(human.String())
	if !ok {
		m.logger.Info("bridged room owner has no registered number yet",
			slog.String("room_id", roomID.String()),
			slog.String("owner", human.String()))
		if m.onNumberNeeded != nil {
			m.onNumberNeeded(ctx, roomID, human)
		}
		return ClassBridged1to1
	}

	if err := m.registry.AddUserNumber(internal, external, roomID); err != nil {
		m.logger.Error("route finalization failed",
			slog.String("room_id", roomID.String()),
			slog.String("internal", internal.String()),
			slog.String("external", external.String()),
			slog.Any("error", err))
		return ClassBridged1to1
	}
	return ClassBridged1to1
}

// GetOrCreate returns owner's admin room, creating one when none exists. The
// created room follows the provisioner's private-room conventions and the
// welcome notice is sent through the normal classification path.
func (m *Manager) GetOrCreate(ctx context.Context, owner id.UserID) (id.RoomID, error) {
	if roomID, ok := m.RoomFor(owner); ok {
		return roomID, nil
	}

	roomID, err := m.client.CreateRoom(ctx, matrix.CreateRoomRequest{
		Creator:    m.ids.ServiceUser(),
		Invite:     []id.UserID{owner},
		IsDirect:   true,
		Preset:     "trusted_private_chat",
		Visibility: "private",
	})
	if err != nil {
		return "", fmt.Errorf("create admin room for %s: %w", owner, err)
	}

	m.add(ctx, roomID, owner)
	if _, err := m.client.SendNotice(ctx, m.ids.ServiceUser(), roomID, welcomeMessage); err != nil {
		m.logger.Error("send welcome failed",
			slog.String("room_id", roomID.String()), slog.Any("error", err))
	}
	return roomID, nil
}

// HandleMessage consumes a message sent in an admin room. It returns false
// when roomID is not an admin room so the caller can route the event
// normally. Admin-room traffic is never delivered to SMS.
func (m *Manager) HandleMessage(ctx context.Context, roomID id.RoomID, sender id.UserID, body string) bool {
	owner, ok := m.Owner(roomID)
	if !ok {
		return false
	}
	if m.ids.IsBridgeUser(sender) {
		return true
	}

	switch strings.TrimSpace(strings.ToLower(body)) {
	case "!help", "help":
		reply := "Available commands:\n!number - show the phone number registered to you\n!help - this message"
		if _, err := m.client.SendNotice(ctx, m.ids.ServiceUser(), roomID, reply); err != nil {
			m.logger.Error("send help failed",
				slog.String("room_id", roomID.String()), slog.Any("error", err))
		}
	case "!number":
		reply := "You do not have a phone number registered with the bridge."
		if number, ok := m.registry.NumberForOwner(owner.String()); ok {
			reply = "Your registered phone number is " + number.String() + "."
		}
		if _, err := m.client.SendNotice(ctx, m.ids.ServiceUser(), roomID, reply); err != nil {
			m.logger.Error("send number reply failed",
				slog.String("room_id", roomID.String()), slog.Any("error", err))
		}
	}
	return true
}
