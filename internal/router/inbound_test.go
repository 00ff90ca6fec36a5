package router

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"maunium.net/go/mautrix/id"

	"github.com/mxsms/mxsms/internal/registry"
)

func newTestRouter(client *fakeClient, gateway *fakeGateway, reg *registry.Registry, provisioner *fakeProvisioner) *Router {
	return New(slog.Default(), client, gateway, reg, testNamespace(), provisioner, nil)
}

func TestHandleInboundSMS_ProvisionsRoomOnce(t *testing.T) {
	t.Parallel()

	reg := registry.New(nil)
	if err := reg.RegisterNumber(testInternal, registry.KindUser, testHuman.String()); err != nil {
		t.Fatalf("register: %v", err)
	}
	client := &fakeClient{}
	provisioner := &fakeProvisioner{nextRoom: "!direct:example.com"}
	r := newTestRouter(client, &fakeGateway{}, reg, provisioner)

	msg := InboundSMS{From: testExternal.String(), To: testInternal.String(), Body: "hi there"}
	if err := r.HandleInboundSMS(context.Background(), msg); err != nil {
		t.Fatalf("inbound: %v", err)
	}

	if provisioner.calls != 1 {
		t.Fatalf("provision calls = %d, want 1", provisioner.calls)
	}
	if len(client.texts) != 1 {
		t.Fatalf("sent %d texts, want 1", len(client.texts))
	}
	sent := client.texts[0]
	if sent.roomID != "!direct:example.com" || sent.body != "hi there" {
		t.Fatalf("sent = %+v", sent)
	}
	if want := testNamespace().VirtualUserID(testExternal); sent.asUser != want {
		t.Fatalf("sender = %q, want %q", sent.asUser, want)
	}

	// The new room must be recorded so the next message reuses it.
	if rooms := reg.FindUserRooms(testExternal, testInternal); len(rooms) != 1 || rooms[0] != "!direct:example.com" {
		t.Fatalf("mapping = %v", rooms)
	}

	if err := r.HandleInboundSMS(context.Background(), msg); err != nil {
		t.Fatalf("second inbound: %v", err)
	}
	if provisioner.calls != 1 {
		t.Fatalf("existing room was re-provisioned (%d calls)", provisioner.calls)
	}
	if len(client.texts) != 2 {
		t.Fatalf("sent %d texts, want 2", len(client.texts))
	}
}

func TestHandleInboundSMS_ConcurrentSamePairProvisionsOnce(t *testing.T) {
	t.Parallel()

	reg := registry.New(nil)
	if err := reg.RegisterNumber(testInternal, registry.KindUser, testHuman.String()); err != nil {
		t.Fatalf("register: %v", err)
	}
	client := &fakeClient{}
	provisioner := &fakeProvisioner{nextRoom: "!direct:example.com", block: make(chan struct{})}
	r := newTestRouter(client, &fakeGateway{}, reg, provisioner)

	msg := InboundSMS{From: testExternal.String(), To: testInternal.String(), Body: "racing"}
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.HandleInboundSMS(context.Background(), msg); err != nil {
				t.Errorf("inbound: %v", err)
			}
		}()
	}
	close(provisioner.block)
	wg.Wait()

	if provisioner.calls != 1 {
		t.Fatalf("provision calls = %d, want 1", provisioner.calls)
	}
	if rooms := reg.FindUserRooms(testExternal, testInternal); len(rooms) != 1 {
		t.Fatalf("mapping = %v", rooms)
	}
}

func TestHandleInboundSMS_UnregisteredNumberDrops(t *testing.T) {
	t.Parallel()

	client := &fakeClient{}
	provisioner := &fakeProvisioner{}
	r := newTestRouter(client, &fakeGateway{}, registry.New(nil), provisioner)

	msg := InboundSMS{From: testExternal.String(), To: "+19990000000", Body: "lost"}
	if err := r.HandleInboundSMS(context.Background(), msg); err != nil {
		t.Fatalf("inbound: %v", err)
	}
	if provisioner.calls != 0 || len(client.texts) != 0 {
		t.Fatalf("dropped message caused side effects: %d provisions, %d texts",
			provisioner.calls, len(client.texts))
	}
}

func TestHandleInboundSMS_RoomKindNumber(t *testing.T) {
	t.Parallel()

	roomID := id.RoomID("!shared:example.com")
	reg := registry.New(nil)
	if err := reg.RegisterNumber("+15557770000", registry.KindRoom, roomID.String()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.AddRoomNumber("+15557770000", roomID); err != nil {
		t.Fatalf("bind: %v", err)
	}
	client := &fakeClient{}
	provisioner := &fakeProvisioner{}
	r := newTestRouter(client, &fakeGateway{}, reg, provisioner)

	msg := InboundSMS{From: testExternal.String(), To: "+15557770000", Body: "to the room"}
	if err := r.HandleInboundSMS(context.Background(), msg); err != nil {
		t.Fatalf("inbound: %v", err)
	}
	if provisioner.calls != 0 {
		t.Fatalf("room-kind routing provisioned a room")
	}
	if len(client.texts) != 1 || client.texts[0].roomID != roomID {
		t.Fatalf("texts = %+v", client.texts)
	}
}

func TestHandleInboundSMS_RoomKindWithoutBindingDrops(t *testing.T) {
	t.Parallel()

	reg := registry.New(nil)
	if err := reg.RegisterNumber("+15557770000", registry.KindRoom, "!gone:example.com"); err != nil {
		t.Fatalf("register: %v", err)
	}
	client := &fakeClient{}
	r := newTestRouter(client, &fakeGateway{}, reg, &fakeProvisioner{})

	msg := InboundSMS{From: testExternal.String(), To: "+15557770000", Body: "nowhere"}
	if err := r.HandleInboundSMS(context.Background(), msg); err != nil {
		t.Fatalf("inbound: %v", err)
	}
	if len(client.texts) != 0 {
		t.Fatalf("unbound number delivered: %+v", client.texts)
	}
}

func TestHandleInboundSMS_MediaDelivery(t *testing.T) {
	t.Parallel()

	payload := []byte("fake image bytes")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	roomID := id.RoomID("!direct:example.com")
	reg := registry.New(nil)
	if err := reg.RegisterNumber(testInternal, registry.KindUser, testHuman.String()); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.AddUserNumber(testInternal, testExternal, roomID); err != nil {
		t.Fatalf("map: %v", err)
	}
	client := &fakeClient{}
	r := newTestRouter(client, &fakeGateway{}, reg, &fakeProvisioner{})

	msg := InboundSMS{
		From:  testExternal.String(),
		To:    testInternal.String(),
		Media: []MediaRef{{URL: srv.URL + "/photo.jpg", ContentType: "image/jpeg"}},
	}
	if err := r.HandleInboundSMS(context.Background(), msg); err != nil {
		t.Fatalf("inbound: %v", err)
	}

	if len(client.texts) != 0 {
		t.Fatalf("empty body still sent text: %+v", client.texts)
	}
	if len(client.uploads) != 1 || string(client.uploads[0]) != string(payload) {
		t.Fatalf("uploads = %d", len(client.uploads))
	}
	if len(client.media) != 1 {
		t.Fatalf("media events = %d", len(client.media))
	}
	media := client.media[0].media
	if media.MsgType != "m.image" || media.MimeType != "image/jpeg" || media.Filename != "photo.jpg" {
		t.Fatalf("media = %+v", media)
	}
	if media.Size != len(payload) {
		t.Fatalf("size = %d, want %d", media.Size, len(payload))
	}
}

func TestMsgTypeForMIME(t *testing.T) {
	t.Parallel()

	cases := []struct {
		mime string
		want string
	}{
		{"image/jpeg", "m.image"},
		{"image/png", "m.image"},
		{"video/mp4", "m.video"},
		{"audio/ogg", "m.file"},
		{"application/pdf", "m.file"},
		{"", "m.file"},
	}
	for _, tc := range cases {
		if got := msgTypeForMIME(tc.mime); got != tc.want {
			t.Errorf("msgTypeForMIME(%q) = %q, want %q", tc.mime, got, tc.want)
		}
	}
}

func TestNormalizeMIME(t *testing.T) {
	t.Parallel()

	if got := normalizeMIME("Image/JPEG; charset=binary"); got != "image/jpeg" {
		t.Fatalf("normalizeMIME = %q", got)
	}
	if got := normalizeMIME("  "); got != "" {
		t.Fatalf("normalizeMIME blank = %q", got)
	}
}

func TestEnqueueInbound(t *testing.T) {
	t.Parallel()

	reg := registry.New(nil)
	if err := reg.RegisterNumber(testInternal, registry.KindUser, testHuman.String()); err != nil {
		t.Fatalf("register: %v", err)
	}
	client := &fakeClient{}
	r := newTestRouter(client, &fakeGateway{}, reg, &fakeProvisioner{nextRoom: "!direct:example.com"})
	defer r.Stop()

	msg := InboundSMS{From: testExternal.String(), To: testInternal.String(), Body: "queued"}
	if err := r.EnqueueInbound(context.Background(), msg); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		client.mu.Lock()
		n := len(client.texts)
		client.mu.Unlock()
		if n == 1 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("queued message was never delivered")
		case <-time.After(5 * time.Millisecond):
		}
	}
}
