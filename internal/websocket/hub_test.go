package websocket

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-queue/internal/events"
)

func newTestClient(id string, rooms ...string) *Client {
	return NewClient(id, events.RoleRequester, rooms, 16)
}

func expectEvent(t *testing.T, c *Client, want events.Type) {
	t.Helper()
	select {
	case msg := <-c.Send:
		var ev events.Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if ev.Type != want {
			t.Fatalf("expected %s, got %s", want, ev.Type)
		}
	case <-time.After(time.Second):
		t.Fatalf("client %s did not receive %s", c.ID, want)
	}
}

func expectNothing(t *testing.T, c *Client) {
	t.Helper()
	select {
	case msg := <-c.Send:
		t.Fatalf("client %s should not have received %s", c.ID, msg)
	default:
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	hub := NewHub()
	c := newTestClient("c1", "requester:r1", "global")

	if err := hub.Register(c); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if hub.ClientCount() != 1 || hub.RoomCount("global") != 1 {
		t.Fatalf("unexpected counts %d %d", hub.ClientCount(), hub.RoomCount("global"))
	}

	hub.Unregister(c)
	hub.Unregister(c) // second call is a no-op
	if hub.ClientCount() != 0 || hub.RoomCount("requester:r1") != 0 {
		t.Fatal("client still registered")
	}
	if _, ok := <-c.Send; ok {
		t.Fatal("send channel should be closed")
	}
}

func TestHub_SendReachesOnlyRoomMembers(t *testing.T) {
	hub := NewHub()
	mine := newTestClient("mine", "requester:r1", "global")
	other := newTestClient("other", "requester:r2", "global")
	admin := newTestClient("admin", "admin", "global")
	for _, c := range []*Client{mine, other, admin} {
		_ = hub.Register(c)
	}

	ev, _ := events.NewQueueEvent(events.QueuePositionUpdated, "r1", events.QueuePayload{AppointmentID: "a1", PractitionerID: "p1", Position: 1})
	if err := hub.Send(context.Background(), events.RoomsFor(ev), ev); err != nil {
		t.Fatalf("Send: %v", err)
	}

	expectEvent(t, mine, events.QueuePositionUpdated)
	expectEvent(t, admin, events.QueuePositionUpdated)
	expectNothing(t, other)
}

func TestHub_ClientInSeveralRoomsGetsOneCopy(t *testing.T) {
	hub := NewHub()
	c := newTestClient("c", "admin", "coordinator", "queue")
	_ = hub.Register(c)

	ev, _ := events.NewQueueEvent(events.QueueEntryAdded, "r1", events.QueuePayload{AppointmentID: "a1", PractitionerID: "p1"})
	_ = hub.Send(context.Background(), events.RoomsFor(ev), ev)

	expectEvent(t, c, events.QueueEntryAdded)
	expectNothing(t, c)
}

func TestHub_TypeFilters(t *testing.T) {
	hub := NewHub()
	c := newTestClient("c", "admin")
	_ = hub.Register(c)

	hub.ProcessMessage(c, ClientMessage{Action: "subscribe", Types: []string{string(events.AppointmentCancelled)}})

	created, _ := events.NewAppointmentEvent(events.AppointmentCreated, events.AppointmentPayload{AppointmentID: "a"})
	cancelled, _ := events.NewAppointmentEvent(events.AppointmentCancelled, events.AppointmentPayload{AppointmentID: "a"})
	_ = hub.Send(context.Background(), []string{"admin"}, created)
	_ = hub.Send(context.Background(), []string{"admin"}, cancelled)

	expectEvent(t, c, events.AppointmentCancelled)
	expectNothing(t, c)

	hub.ProcessMessage(c, ClientMessage{Action: "unsubscribe", Types: []string{string(events.AppointmentCancelled)}})
	_ = hub.Send(context.Background(), []string{"admin"}, created)
	expectEvent(t, c, events.AppointmentCreated)
}

func TestHub_FullBufferDoesNotBlock(t *testing.T) {
	hub := NewHub()
	c := NewClient("slow", events.RoleAdmin, []string{"admin"}, 1)
	_ = hub.Register(c)

	ev, _ := events.NewNotice("x", "")
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			_ = hub.Send(context.Background(), []string{"admin"}, ev)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Send blocked on a slow client")
	}
}

func TestHub_Close(t *testing.T) {
	hub := NewHub()
	c := newTestClient("c", "global")
	_ = hub.Register(c)

	hub.Close()
	ev, _ := events.NewNotice("x", "")
	if err := hub.Send(context.Background(), []string{"global"}, ev); err != ErrHubClosed {
		t.Fatalf("expected ErrHubClosed, got %v", err)
	}
	if err := hub.Register(newTestClient("late", "global")); err != ErrHubClosed {
		t.Fatalf("expected ErrHubClosed on register, got %v", err)
	}
	hub.Unregister(c)
}

func TestHandler_EndToEnd(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(NewHandler(hub, zerolog.Nop()))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?role=requester&id=r1"
	conn, _, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(time.Second)
	for hub.RoomCount("requester:r1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ev, _ := events.NewQueueEvent(events.QueuePositionUpdated, "r1", events.QueuePayload{AppointmentID: "a1", PractitionerID: "p1", Position: 2})
	_ = hub.Send(context.Background(), events.RoomsFor(ev), ev)

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	var got events.Event
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	var payload events.QueuePayload
	if err := got.Decode(&payload); err != nil || payload.Position != 2 {
		t.Fatalf("unexpected payload %+v (%v)", payload, err)
	}
}

func TestHandler_RejectsUnknownRole(t *testing.T) {
	hub := NewHub()
	srv := httptest.NewServer(NewHandler(hub, zerolog.Nop()))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "?role=requester"
	_, resp, err := gorillawebsocket.DefaultDialer.Dial(wsURL, nil)
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != 400 {
		t.Fatalf("expected 400, got %v", resp)
	}
}
