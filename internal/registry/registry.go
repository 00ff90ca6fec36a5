// Package registry is the in-memory mapping engine between phone numbers,
// owning entities (users or rooms), and room bindings. It is the only shared
// mutable state in the bridge; all operations are synchronous and do no I/O.
package registry

import (
	"errors"
	"log/slog"
	"sync"

	"maunium.net/go/mautrix/id"

	"github.com/mxsms/mxsms/internal/phone"
)

// ErrInvalidNumberKind is returned when a binding is attempted against a
// number registered under a different kind, or a registration uses an
// unknown kind.
var ErrInvalidNumberKind = errors.New("invalid number kind")

// NumberKind distinguishes numbers owned by a user from numbers owned by a
// whole room.
type NumberKind string

const (
	KindUser NumberKind = "user"
	KindRoom NumberKind = "room"
)

// Registration records who owns a phone number. Exactly one registration
// exists per number at a time; re-registering overwrites.
type Registration struct {
	Number phone.Number
	Kind   NumberKind
	Owner  string
}

// Registry holds all number registrations and room bindings. Create one per
// bridge with New and inject it; there is no process-wide instance.
type Registry struct {
	mu sync.RWMutex

	// number -> current registration
	registrations map[phone.Number]Registration
	// owner -> number (reverse of registrations, last write wins)
	ownerNumbers map[string]phone.Number
	// internal number -> external number -> rooms carrying that 1:1 pair
	userRooms map[phone.Number]map[phone.Number][]id.RoomID
	// room-kind number -> room
	roomNumbers map[phone.Number]id.RoomID
	// combined reverse index: room ID -> internal number (user rooms) and
	// number -> room ID (room bindings), both stored as strings
	roomOwned map[string]string

	pairMu    sync.Mutex
	pairLocks map[pairKey]*pairLock

	logger *slog.Logger
}

type pairKey struct {
	internal phone.Number
	external phone.Number
}

type pairLock struct {
	mu   sync.Mutex
	refs int
}

// New creates an empty Registry.
func New(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		registrations: map[phone.Number]Registration{},
		ownerNumbers:  map[string]phone.Number{},
		userRooms:     map[phone.Number]map[phone.Number][]id.RoomID{},
		roomNumbers:   map[phone.Number]id.RoomID{},
		roomOwned:     map[string]string{},
		pairLocks:     map[pairKey]*pairLock{},
		logger:        log.With(slog.String("component", "registry")),
	}
}

// RegisterNumber upserts the registration for number. Any previous
// registration of the number and any previous number held by owner are
// overwritten unconditionally.
func (r *Registry) RegisterNumber(number phone.Number, kind NumberKind, owner string) error {
	if kind != KindUser && kind != KindRoom {
		return ErrInvalidNumberKind
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.registrations[number]; ok && prev.Owner != owner {
		delete(r.ownerNumbers, prev.Owner)
	}
	r.logger.Info("registering number",
		slog.String("number", number.String()),
		slog.String("kind", string(kind)),
		slog.String("owner", owner))
	r.registrations[number] = Registration{Number: number, Kind: kind, Owner: owner}
	r.ownerNumbers[owner] = number
	return nil
}

// NumberForOwner returns the number registered to owner.
func (r *Registry) NumberForOwner(owner string) (phone.Number, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	number, ok := r.ownerNumbers[owner]
	return number, ok
}

// NumberRegistration returns a copy of the last known registration for
// number.
func (r *Registry) NumberRegistration(number phone.Number) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.registrations[number]
	return reg, ok
}

// AddUserNumber records roomID as carrying the 1:1 conversation between
// internal (which must be registered as a user number) and external. Adding
// the same triple twice is a no-op that logs a warning.
func (r *Registry) AddUserNumber(internal, external phone.Number, roomID id.RoomID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if reg, ok := r.registrations[internal]; !ok || reg.Kind != KindUser {
		return ErrInvalidNumberKind
	}

	byExternal, ok := r.userRooms[internal]
	if !ok {
		byExternal = map[phone.Number][]id.RoomID{}
		r.userRooms[internal] = byExternal
	}
	rooms := byExternal[external]
	for _, existing := range rooms {
		if existing == roomID {
			r.logger.Warn("user number mapping already exists",
				slog.String("internal", internal.String()),
				slog.String("external", external.String()),
				slog.String("room_id", roomID.String()))
			r.roomOwned[roomID.String()] = internal.String()
			return nil
		}
	}
	r.logger.Info("mapped user number pair",
		slog.String("internal", internal.String()),
		slog.String("external", external.String()),
		slog.String("room_id", roomID.String()))
	byExternal[external] = append(rooms, roomID)
	r.roomOwned[roomID.String()] = internal.String()
	return nil
}

// AddRoomNumber binds number (which must be registered as a room number) to
// roomID. A previous binding to a different room is overwritten with only a
// warning.
func (r *Registry) AddRoomNumber(number phone.Number, roomID id.RoomID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if reg, ok := r.registrations[number]; !ok || reg.Kind != KindRoom {
		return ErrInvalidNumberKind
	}
	if existing, ok := r.roomNumbers[number]; ok && existing != roomID {
		r.logger.Warn("overwriting room number binding",
			slog.String("number", number.String()),
			slog.String("old_room_id", existing.String()),
			slog.String("new_room_id", roomID.String()))
	}
	r.roomNumbers[number] = roomID
	r.roomOwned[number.String()] = roomID.String()
	return nil
}

// FindUserRooms returns the rooms carrying the 1:1 conversation between
// external and internal. The returned slice is a copy and may be empty.
func (r *Registry) FindUserRooms(external, internal phone.Number) []id.RoomID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byExternal, ok := r.userRooms[internal]
	if !ok {
		return nil
	}
	rooms := byExternal[external]
	if len(rooms) == 0 {
		return nil
	}
	out := make([]id.RoomID, len(rooms))
	copy(out, rooms)
	return out
}

// FindRoom returns the room bound to a room-kind number.
func (r *Registry) FindRoom(number phone.Number) (id.RoomID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	roomID, ok := r.roomNumbers[number]
	return roomID, ok
}

// NumberForRoom resolves the combined reverse index: for a user room the key
// is the room ID and the value is the internal number; for a room binding
// the key is the number and the value is the room ID.
func (r *Registry) NumberForRoom(key string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	value, ok := r.roomOwned[key]
	return value, ok
}

// LockPair acquires the mutual-exclusion token for the (internal, external)
// number pair and returns its release func. Callers hold it across any
// check-then-provision sequence so concurrent inbound messages for the same
// pair cannot create duplicate rooms.
func (r *Registry) LockPair(internal, external phone.Number) func() {
	key := pairKey{internal: internal, external: external}

	r.pairMu.Lock()
	lock, ok := r.pairLocks[key]
	if !ok {
		lock = &pairLock{}
		r.pairLocks[key] = lock
	}
	lock.refs++
	r.pairMu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		r.pairMu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(r.pairLocks, key)
		}
		r.pairMu.Unlock()
	}
}
