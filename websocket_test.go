package tenantsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWebsocketTransportDialAndReceive(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		ctx := r.Context()

		var auth wsFrame
		if err := wsjson.Read(ctx, conn, &auth); err != nil {
			return
		}
		if auth.Type != frameAuth || auth.Token != "tok_abc" {
			wsjson.Write(ctx, conn, wsFrame{Type: frameAuthRejected, Message: "bad token"})
			return
		}
		wsjson.Write(ctx, conn, wsFrame{Type: frameAuthAck})

		var sub wsFrame
		if err := wsjson.Read(ctx, conn, &sub); err != nil {
			return
		}
		wsjson.Write(ctx, conn, wsFrame{Type: frameSubscribed, SubscriptionID: sub.Subscription.ID})
		wsjson.Write(ctx, conn, wsFrame{
			Type:         frameNotification,
			Notification: json.RawMessage(notificationJSON("evt_1", "acme", "tickets", "inserted", "T1", 1)),
		})
		// Hold the connection open until the client goes away.
		conn.Read(ctx)
	}))
	defer server.Close()

	transport := NewWebsocketTransport(wsURL(server), nil)
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := transport.Dial(ctx, "tok_abc"); err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	if err := transport.Subscribe(ctx, Subscription{
		ID:         "sub_1",
		TenantID:   "acme",
		EntityType: "tickets",
		Filter:     map[string]string{"tenant_id": "acme"},
	}); err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	// The subscribed ack is skipped; the notification comes through.
	raw, err := transport.Receive(ctx)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	notification, err := decodeNotification(raw)
	if err != nil {
		t.Fatalf("decoding received notification failed: %v", err)
	}
	if notification.EventID != "evt_1" || notification.TenantID != "acme" {
		t.Fatalf("unexpected notification: %+v", notification)
	}
}

func TestWebsocketTransportDialRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		var auth wsFrame
		if err := wsjson.Read(ctx, conn, &auth); err != nil {
			return
		}
		wsjson.Write(ctx, conn, wsFrame{Type: frameAuthRejected, Message: "expired"})
		conn.Close(websocket.StatusNormalClosure, "rejected")
	}))
	defer server.Close()

	transport := NewWebsocketTransport(wsURL(server), nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := transport.Dial(ctx, "tok_expired")
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("expected ErrAuthRejected, got %v", err)
	}
}

func TestWebsocketTransportReceiveMapsAuthRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		ctx := r.Context()
		var auth wsFrame
		if err := wsjson.Read(ctx, conn, &auth); err != nil {
			return
		}
		wsjson.Write(ctx, conn, wsFrame{Type: frameAuthAck})
		wsjson.Write(ctx, conn, wsFrame{Type: frameAuthRejected, Message: "revoked"})
		conn.Read(ctx)
	}))
	defer server.Close()

	transport := NewWebsocketTransport(wsURL(server), nil)
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := transport.Dial(ctx, "tok_abc"); err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	if _, err := transport.Receive(ctx); !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("expected ErrAuthRejected from receive, got %v", err)
	}
}

func TestWebsocketTransportClosedOperations(t *testing.T) {
	transport := NewWebsocketTransport("ws://127.0.0.1:0", nil)
	ctx := context.Background()
	if err := transport.UpdateAuth(ctx, "tok"); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}
	if _, err := transport.Receive(ctx); !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("expected ErrChannelClosed, got %v", err)
	}
	if err := transport.Close(); err != nil {
		t.Fatalf("close on never-dialed transport failed: %v", err)
	}
}
