package router

import (
	"context"
	"sync"

	"maunium.net/go/mautrix/id"

	"github.com/mxsms/mxsms/internal/identity"
	"github.com/mxsms/mxsms/internal/matrix"
	"github.com/mxsms/mxsms/internal/phone"
	"github.com/mxsms/mxsms/internal/sms"
)

const (
	testService  = id.UserID("@smsbot:example.com")
	testHuman    = id.UserID("@alice:example.com")
	testInternal = phone.Number("+15550001111")
	testExternal = phone.Number("+15551234567")
)

func testNamespace() identity.Namespace {
	return identity.NewNamespace(testService, "example.com", "_sms_")
}

type sentText struct {
	asUser id.UserID
	roomID id.RoomID
	body   string
}

type sentMedia struct {
	asUser id.UserID
	roomID id.RoomID
	media  matrix.Media
}

type fakeClient struct {
	matrix.Client

	mu         sync.Mutex
	members    map[id.RoomID][]id.UserID
	membersErr error
	texts      []sentText
	notices    []sentText
	media      []sentMedia
	uploads    [][]byte
	reads      []id.EventID
	sendErr    error
}

func (f *fakeClient) JoinedMembers(_ context.Context, roomID id.RoomID) ([]id.UserID, error) {
	if f.membersErr != nil {
		return nil, f.membersErr
	}
	return f.members[roomID], nil
}

func (f *fakeClient) SendText(_ context.Context, asUser id.UserID, roomID id.RoomID, body string) (id.EventID, error) {
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, sentText{asUser: asUser, roomID: roomID, body: body})
	return "$text", nil
}

func (f *fakeClient) SendNotice(_ context.Context, asUser id.UserID, roomID id.RoomID, body string) (id.EventID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, sentText{asUser: asUser, roomID: roomID, body: body})
	return "$notice", nil
}

func (f *fakeClient) SendMedia(_ context.Context, asUser id.UserID, roomID id.RoomID, media matrix.Media) (id.EventID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.media = append(f.media, sentMedia{asUser: asUser, roomID: roomID, media: media})
	return "$media", nil
}

func (f *fakeClient) UploadMedia(_ context.Context, _ id.UserID, data []byte, _, _ string) (id.ContentURI, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads = append(f.uploads, data)
	return id.ContentURI{Homeserver: "example.com", FileID: "file"}, nil
}

func (f *fakeClient) MarkRead(_ context.Context, _ id.UserID, _ id.RoomID, eventID id.EventID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads = append(f.reads, eventID)
	return nil
}

type fakeGateway struct {
	mu   sync.Mutex
	sent []sms.Message
	err  error
}

func (f *fakeGateway) Send(_ context.Context, msg sms.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

type fakeProvisioner struct {
	mu       sync.Mutex
	calls    int
	nextRoom id.RoomID
	err      error
	block    chan struct{}
}

func (f *fakeProvisioner) CreateDirectChat(_ context.Context, _ phone.Number, _ id.UserID) (id.RoomID, error) {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.nextRoom, nil
}
