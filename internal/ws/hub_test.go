package ws

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Sammyduzit/the-gathering/internal/service"
)

func newTestClient(rh *RoomHub, id uint, name string) *Client {
	return &Client{room: rh, userID: id, uname: name, send: make(chan []byte, 256)}
}

func waitOnline(t *testing.T, online func() int, want int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if online() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("online = %d, want %d", online(), want)
}

func TestNewHub(t *testing.T) {
	hub := NewHub()
	if hub == nil {
		t.Fatal("NewHub() returned nil")
	}
	if hub.rooms == nil {
		t.Error("NewHub() rooms map is nil")
	}
}

func TestHub_Online_NonExistentRoom(t *testing.T) {
	hub := NewHub()
	if online := hub.Online(999); online != 0 {
		t.Errorf("Online() for non-existent room = %d, want 0", online)
	}
}

func TestRoomHub_RegisterUnregister(t *testing.T) {
	rh := NewRoomHub(1)
	go rh.run()

	client := newTestClient(rh, 1, "testuser")
	if !rh.join(client) {
		t.Fatal("join() on open room returned false")
	}
	waitOnline(t, rh.Online, 1)

	rh.leave(client)
	waitOnline(t, rh.Online, 0)
	if _, ok := <-client.send; ok {
		t.Error("send channel should be closed after unregister")
	}
}

func TestHub_Publish(t *testing.T) {
	hub := NewHub()
	rh := hub.GetRoom(1)
	other := hub.GetRoom(2)

	clients := make([]*Client, 3)
	for i := range clients {
		clients[i] = newTestClient(rh, uint(i+1), "user")
		rh.join(clients[i])
	}
	outsider := newTestClient(other, 9, "outsider")
	other.join(outsider)
	waitOnline(t, func() int { return hub.Online(1) }, 3)

	hub.Publish(1, service.RoomEvent{Type: service.EventMessage, RoomID: 1, Username: "alice"})

	var wg sync.WaitGroup
	received := make([]string, len(clients))
	for i, c := range clients {
		wg.Add(1)
		go func(idx int, client *Client) {
			defer wg.Done()
			select {
			case msg := <-client.send:
				received[idx] = string(msg)
			case <-time.After(200 * time.Millisecond):
			}
		}(i, c)
	}
	wg.Wait()

	for i, r := range received {
		if !strings.Contains(r, `"type":"message"`) || !strings.Contains(r, `"username":"alice"`) {
			t.Errorf("client %d got %q", i, r)
		}
	}
	select {
	case msg := <-outsider.send:
		t.Errorf("client in another room received %s", msg)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestHub_PublishWithoutSubscribers(t *testing.T) {
	hub := NewHub()
	hub.Publish(42, service.RoomEvent{Type: service.EventJoin, RoomID: 42})
	if hub.Online(42) != 0 {
		t.Error("publishing must not create a room hub")
	}
}

func TestHub_RoomClosedDisconnects(t *testing.T) {
	hub := NewHub()
	rh := hub.GetRoom(7)
	client := newTestClient(rh, 1, "alice")
	rh.join(client)
	waitOnline(t, rh.Online, 1)

	hub.Publish(7, service.RoomEvent{Type: service.EventRoomClosed, RoomID: 7})

	select {
	case msg, ok := <-client.send:
		if !ok || !strings.Contains(string(msg), `"room_closed"`) {
			t.Fatalf("expected room_closed frame, got %q (open=%v)", msg, ok)
		}
	case <-time.After(time.Second):
		t.Fatal("no room_closed frame")
	}
	select {
	case _, ok := <-client.send:
		if ok {
			t.Error("send channel should be closed after room_closed")
		}
	case <-time.After(time.Second):
		t.Fatal("client was not disconnected")
	}

	select {
	case <-rh.done:
	case <-time.After(time.Second):
		t.Fatal("room hub did not stop")
	}
	if rh.join(newTestClient(rh, 2, "late")) {
		t.Error("join() on closed room hub should fail")
	}
	if hub.GetRoom(7) == rh {
		t.Error("closed room hub should be replaced")
	}
}

func TestRoomHub_SlowConsumerDropped(t *testing.T) {
	rh := NewRoomHub(1)
	go rh.run()

	slow := &Client{room: rh, userID: 1, uname: "slow", send: make(chan []byte)}
	rh.join(slow)
	waitOnline(t, rh.Online, 1)

	rh.publish(frame{data: []byte(`{"type":"typing"}`)})
	waitOnline(t, rh.Online, 0)
}

func TestRoomHub_Concurrent(t *testing.T) {
	rh := NewRoomHub(1)
	go rh.run()

	var wg sync.WaitGroup
	numClients := 10
	for i := 0; i < numClients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			rh.join(newTestClient(rh, uint(id), "user"))
		}(i)
	}
	wg.Wait()
	waitOnline(t, rh.Online, numClients)
}

func TestHub_LeaveEvictsOnlyLeaver(t *testing.T) {
	hub := NewHub()
	rh := hub.GetRoom(3)
	alice := newTestClient(rh, 1, "alice")
	aliceTab := newTestClient(rh, 1, "alice")
	bob := newTestClient(rh, 2, "bob")
	for _, c := range []*Client{alice, aliceTab, bob} {
		rh.join(c)
	}
	waitOnline(t, rh.Online, 3)

	hub.Publish(3, service.RoomEvent{Type: service.EventLeave, RoomID: 3, UserID: 1, Username: "alice"})
	waitOnline(t, rh.Online, 1)

	for _, c := range []*Client{alice, aliceTab} {
		if msg, ok := <-c.send; !ok || !strings.Contains(string(msg), `"type":"leave"`) {
			t.Fatalf("leaver should see its own leave event first, got %q (open=%v)", msg, ok)
		}
		if _, ok := <-c.send; ok {
			t.Error("leaver's send channel should be closed")
		}
	}
	select {
	case msg := <-bob.send:
		if !strings.Contains(string(msg), `"username":"alice"`) {
			t.Errorf("bob got %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("bob did not receive leave event")
	}
}

func TestRoomHub_Whisper(t *testing.T) {
	rh := NewRoomHub(1)
	go rh.run()

	alice := newTestClient(rh, 1, "alice")
	bob := newTestClient(rh, 2, "bob")
	rh.join(alice)
	rh.join(bob)
	waitOnline(t, rh.Online, 2)

	rh.whisper(alice, []byte(`{"type":"error"}`))
	select {
	case msg := <-alice.send:
		if string(msg) != `{"type":"error"}` {
			t.Errorf("alice got %q", msg)
		}
	case <-time.After(time.Second):
		t.Fatal("whisper not delivered")
	}
	select {
	case msg := <-bob.send:
		t.Errorf("whisper leaked to bob: %s", msg)
	case <-time.After(20 * time.Millisecond):
	}

	// 已断开的客户端不会收到，也不会 panic
	rh.leave(alice)
	waitOnline(t, rh.Online, 1)
	rh.whisper(alice, []byte(`{"type":"error"}`))
	rh.publish(frame{data: []byte(`{"type":"typing"}`)})
	select {
	case <-bob.send:
	case <-time.After(time.Second):
		t.Fatal("room hub stalled after whisper to departed client")
	}
	if _, ok := <-alice.send; ok {
		t.Error("departed client should only see a closed channel")
	}
}
