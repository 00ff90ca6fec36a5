// Package identity classifies chat-network user IDs into the closed set of
// identity kinds the bridge deals with, and owns the shape of virtual user
// IDs that represent phone numbers.
package identity

import (
	"strings"

	"maunium.net/go/mautrix/id"

	"github.com/mxsms/mxsms/internal/phone"
)

// Kind is the identity kind of a chat-network user ID.
type Kind int

const (
	// KindHuman is any user ID the bridge does not manage.
	KindHuman Kind = iota
	// KindService is the bridge's own primary identity.
	KindService
	// KindVirtual is a bridge-managed identity representing one phone number.
	KindVirtual
)

// String returns the kind name for logging.
func (k Kind) String() string {
	switch k {
	case KindService:
		return "service"
	case KindVirtual:
		return "virtual"
	default:
		return "human"
	}
}

// Namespace describes the user ID space the bridge controls on one
// homeserver. It is the single place that knows the
// "@<prefix><digits>:<domain>" shape of virtual users.
type Namespace struct {
	serviceUser id.UserID
	domain      string
	prefix      string
}

// NewNamespace creates a Namespace for the given service identity, homeserver
// domain, and virtual localpart prefix (e.g. "_sms_").
func NewNamespace(serviceUser id.UserID, domain, prefix string) Namespace {
	return Namespace{
		serviceUser: serviceUser,
		domain:      domain,
		prefix:      prefix,
	}
}

// ServiceUser returns the bridge's own user ID.
func (n Namespace) ServiceUser() id.UserID {
	return n.serviceUser
}

// Classify returns the identity kind of userID.
func (n Namespace) Classify(userID id.UserID) Kind {
	if userID == n.serviceUser {
		return KindService
	}
	if strings.HasPrefix(string(userID), "@"+n.prefix) && strings.HasSuffix(string(userID), ":"+n.domain) {
		return KindVirtual
	}
	return KindHuman
}

// IsBridgeUser reports whether userID is managed by the bridge (the service
// identity or any virtual identity).
func (n Namespace) IsBridgeUser(userID id.UserID) bool {
	return n.Classify(userID) != KindHuman
}

// VirtualUserID returns the virtual user ID representing number.
func (n Namespace) VirtualUserID(number phone.Number) id.UserID {
	return id.NewUserID(n.prefix+number.Localpart(), n.domain)
}

// NumberOf extracts the phone number a virtual user ID represents. It returns
// false for user IDs outside the virtual namespace.
func (n Namespace) NumberOf(userID id.UserID) (phone.Number, bool) {
	if n.Classify(userID) != KindVirtual {
		return "", false
	}
	localpart := strings.TrimPrefix(string(userID), "@")
	localpart = localpart[:strings.Index(localpart, ":")]
	digits := strings.TrimPrefix(localpart, n.prefix)
	number := phone.Normalize(digits)
	if number.IsEmpty() {
		return "", false
	}
	return number, true
}

// VirtualDisplayName returns the display name shown for a virtual user.
func (n Namespace) VirtualDisplayName(number phone.Number) string {
	return number.String() + " (SMS)"
}
