package router

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"maunium.net/go/mautrix/id"

	"github.com/mxsms/mxsms/internal/registry"
)

func bridgedRoomSetup(t *testing.T) (*registry.Registry, id.RoomID, id.UserID) {
	t.Helper()
	roomID := id.RoomID("!direct:example.com")
	reg := registry.New(nil)
	if err := reg.RegisterNumber(testInternal, registry.KindUser, testHuman.String()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.AddUserNumber(testInternal, testExternal, roomID); err != nil {
		t.Fatalf("map: %v", err)
	}
	return reg, roomID, testNamespace().VirtualUserID(testExternal)
}

func TestHandleChatMessage_SendsSMS(t *testing.T) {
	t.Parallel()

	reg, roomID, virtual := bridgedRoomSetup(t)
	client := &fakeClient{members: map[id.RoomID][]id.UserID{
		roomID: {testService, testHuman, virtual},
	}}
	gateway := &fakeGateway{}
	r := newTestRouter(client, gateway, reg, &fakeProvisioner{})

	r.HandleChatMessage(context.Background(), ChatMessage{
		RoomID:  roomID,
		EventID: "$evt",
		Sender:  testHuman,
		Body:    "hello from chat",
	})

	if len(gateway.sent) != 1 {
		t.Fatalf("gateway sends = %d, want 1", len(gateway.sent))
	}
	sent := gateway.sent[0]
	if sent.From != testInternal || sent.To != testExternal || sent.Body != "hello from chat" {
		t.Fatalf("sent = %+v", sent)
	}
	if len(client.reads) != 1 || client.reads[0] != "$evt" {
		t.Fatalf("read receipts = %v", client.reads)
	}
	if len(client.notices) != 0 {
		t.Fatalf("unexpected notices: %v", client.notices)
	}
}

func TestHandleChatMessage_EchoSuppression(t *testing.T) {
	t.Parallel()

	reg, roomID, virtual := bridgedRoomSetup(t)
	client := &fakeClient{members: map[id.RoomID][]id.UserID{
		roomID: {testService, testHuman, virtual},
	}}
	gateway := &fakeGateway{}
	r := newTestRouter(client, gateway, reg, &fakeProvisioner{})

	for _, sender := range []id.UserID{testService, virtual} {
		r.HandleChatMessage(context.Background(), ChatMessage{
			RoomID: roomID,
			Sender: sender,
			Body:   "echoed",
		})
	}
	if len(gateway.sent) != 0 {
		t.Fatalf("bridge-managed sender reached the gateway: %+v", gateway.sent)
	}
}

func TestHandleChatMessage_AllowList(t *testing.T) {
	t.Parallel()

	reg, roomID, virtual := bridgedRoomSetup(t)
	client := &fakeClient{members: map[id.RoomID][]id.UserID{
		roomID: {testService, testHuman, virtual},
	}}
	gateway := &fakeGateway{}
	r := New(slog.Default(), client, gateway, reg, testNamespace(), &fakeProvisioner{},
		[]id.UserID{"@someoneelse:example.com"})

	r.HandleChatMessage(context.Background(), ChatMessage{
		RoomID: roomID,
		Sender: testHuman,
		Body:   "not allowed",
	})
	if len(gateway.sent) != 0 {
		t.Fatalf("disallowed sender reached the gateway")
	}
}

func TestHandleChatMessage_UnroutedRoomDrops(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	gateway := &fakeGateway{}
	r := newTestRouter(client, gateway, registry.New(nil), &fakeProvisioner{})

	r.HandleChatMessage(context.Background(), ChatMessage{
		RoomID: "!unknown:example.com",
		Sender: testHuman,
		Body:   "dropped",
	})
	if len(gateway.sent) != 0 {
		t.Fatalf("unrouted room reached the gateway")
	}
}

func TestHandleChatMessage_GatewayFailurePostsNotice(t *testing.T) {
	t.Parallel()

	reg, roomID, virtual := bridgedRoomSetup(t)
	client := &fakeClient{members: map[id.RoomID][]id.UserID{
		roomID: {testService, testHuman, virtual},
	}}
	gateway := &fakeGateway{err: errors.New("carrier down")}
	r := newTestRouter(client, gateway, reg, &fakeProvisioner{})

	r.HandleChatMessage(context.Background(), ChatMessage{
		RoomID:  roomID,
		EventID: "$evt",
		Sender:  testHuman,
		Body:    "will fail",
	})

	if len(client.notices) != 1 {
		t.Fatalf("notices = %d, want 1", len(client.notices))
	}
	notice := client.notices[0]
	if notice.body != deliveryFailureNotice {
		t.Fatalf("notice body = %q", notice.body)
	}
	if notice.asUser != virtual {
		t.Fatalf("notice sender = %q, want the virtual identity", notice.asUser)
	}
	if len(client.reads) != 0 {
		t.Fatalf("failed send still produced a read receipt")
	}
}

func TestHandleChatMessage_MultipleVirtualRecipients(t *testing.T) {
	t.Parallel()

	roomID := id.RoomID("!shared:example.com")
	reg := registry.New(nil)
	if err := reg.RegisterNumber(testInternal, registry.KindUser, testHuman.String()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.AddUserNumber(testInternal, "+15551230001", roomID); err != nil {
		t.Fatalf("map: %v", err)
	}

	ids := testNamespace()
	virtualA := ids.VirtualUserID("+15551230001")
	virtualB := ids.VirtualUserID("+15551230002")
	client := &fakeClient{members: map[id.RoomID][]id.UserID{
		roomID: {testService, testHuman, virtualA, virtualB},
	}}
	gateway := &fakeGateway{}
	r := newTestRouter(client, gateway, reg, &fakeProvisioner{})

	r.HandleChatMessage(context.Background(), ChatMessage{
		RoomID: "!shared:example.com",
		Sender: testHuman,
		Body:   "to everyone",
	})

	if len(gateway.sent) != 2 {
		t.Fatalf("gateway sends = %d, want 2", len(gateway.sent))
	}
	recipients := map[string]bool{}
	for _, sent := range gateway.sent {
		recipients[sent.To.String()] = true
	}
	if !recipients["+15551230001"] || !recipients["+15551230002"] {
		t.Fatalf("recipients = %v", recipients)
	}
}
