package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"relay/pkg/interfaces"
	"relay/pkg/types"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// newSocketPair returns a client socket and a channel carrying every text
// frame the server side of the pair reads.
func newSocketPair(t *testing.T) (*websocket.Conn, <-chan []byte) {
	t.Helper()

	received := make(chan []byte, 64)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				close(received)
				return
			}
			received <- data
		}
	}))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("Failed to dial test server: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	return conn, received
}

func newTestConnection(t *testing.T, userID string, bufferSize int) (*Connection, <-chan []byte) {
	t.Helper()
	ws, received := newSocketPair(t)
	conn := NewConnection(ws, "127.0.0.1", bufferSize, time.Second)
	if userID != "" {
		conn.setClaim(&types.IdentityClaim{Subject: userID})
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn, received
}

func TestConnection_InterfaceCompliance(t *testing.T) {
	var _ interfaces.Connection = (*Connection)(nil)
}

func TestConnection_Identity(t *testing.T) {
	conn, _ := newTestConnection(t, "", 10)

	if conn.ID() == "" {
		t.Error("Connection should be assigned an id")
	}
	if conn.UserID() != "" || conn.Claim() != nil {
		t.Error("Connection should carry no identity before admission")
	}

	claim := &types.IdentityClaim{Subject: "alice"}
	conn.setClaim(claim)
	if conn.UserID() != "alice" {
		t.Errorf("Expected user alice, got %q", conn.UserID())
	}
	if conn.Claim() != claim {
		t.Error("Claim should be the instance attached at admission")
	}
	if conn.RemoteAddr() != "127.0.0.1" {
		t.Errorf("Unexpected remote address %q", conn.RemoteAddr())
	}
}

func TestConnection_UniqueIDs(t *testing.T) {
	a, _ := newTestConnection(t, "alice", 10)
	b, _ := newTestConnection(t, "alice", 10)
	if a.ID() == b.ID() {
		t.Error("Connections should receive distinct ids")
	}
}

func TestConnection_SendDeliversFrames(t *testing.T) {
	conn, received := newTestConnection(t, "alice", 10)

	for i := 0; i < 3; i++ {
		if err := conn.Send(types.OutboundEvent{
			Event: types.EventUserTyping,
			Data:  types.UserTypingPayload{UserID: "alice", ThreadID: "T", IsTyping: i%2 == 0},
		}); err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
	}

	for i := 0; i < 3; i++ {
		select {
		case data := <-received:
			var env struct {
				Event string `json:"event"`
			}
			if err := json.Unmarshal(data, &env); err != nil {
				t.Fatalf("Frame is not a valid envelope: %v", err)
			}
			if env.Event != types.EventUserTyping {
				t.Errorf("Expected user_typing, got %q", env.Event)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("Timed out waiting for frame %d", i)
		}
	}
}

func TestConnection_SendUnencodable(t *testing.T) {
	conn, _ := newTestConnection(t, "alice", 10)

	err := conn.Send(types.OutboundEvent{Event: "bad", Data: make(chan int)})
	if !errors.Is(err, ErrInvalidJSON) {
		t.Errorf("Expected ErrInvalidJSON, got %v", err)
	}
}

func TestConnection_SendBufferFull(t *testing.T) {
	ws, _ := newSocketPair(t)
	conn := &Connection{
		id:           "c1",
		conn:         ws,
		writeCh:      make(chan []byte, 1),
		writeTimeout: time.Second,
	}
	conn.ctx, conn.cancel = context.WithCancel(context.Background())
	defer conn.Close()

	ev := types.OutboundEvent{Event: types.EventError, Data: types.ErrorPayload{Message: "x"}}
	if err := conn.Send(ev); err != nil {
		t.Fatalf("First send should fit in the buffer: %v", err)
	}
	if err := conn.Send(ev); !errors.Is(err, ErrSendBufferFull) {
		t.Errorf("Expected ErrSendBufferFull, got %v", err)
	}
}

func TestConnection_CloseIsIdempotent(t *testing.T) {
	conn, _ := newTestConnection(t, "alice", 10)

	if err := conn.Close(); err != nil {
		t.Errorf("First close failed: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Errorf("Second close should be a no-op, got %v", err)
	}

	select {
	case <-conn.Done():
	default:
		t.Error("Done should be closed after Close")
	}

	err := conn.Send(types.OutboundEvent{Event: types.EventError})
	if !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("Expected ErrConnectionClosed, got %v", err)
	}
}

func TestConnection_ClosesWhenPeerGoesAway(t *testing.T) {
	received := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.Close()
		close(received)
	}))
	defer server.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	conn := NewConnection(ws, "127.0.0.1", 10, time.Second)
	defer conn.Close()
	<-received

	deadline := time.After(2 * time.Second)
	for {
		_ = conn.Send(types.OutboundEvent{Event: types.EventError, Data: types.ErrorPayload{Message: "ping"}})
		select {
		case <-conn.Done():
			return
		case <-deadline:
			t.Fatal("Connection should close after a failed write")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
