package tenantsync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Frame types on the multiplexed channel. Client to server: auth,
// authUpdate, subscribe, unsubscribe. Server to client: authAck,
// authRejected, subscribed, notification.
const (
	frameAuth         = "auth"
	frameAuthUpdate   = "authUpdate"
	frameSubscribe    = "subscribe"
	frameUnsubscribe  = "unsubscribe"
	frameAuthAck      = "authAck"
	frameAuthRejected = "authRejected"
	frameSubscribed   = "subscribed"
	frameNotification = "notification"
)

type wsFrame struct {
	Type           string          `json:"type"`
	Token          string          `json:"token,omitempty"`
	Subscription   *Subscription   `json:"subscription,omitempty"`
	SubscriptionID string          `json:"subscriptionId,omitempty"`
	Notification   json.RawMessage `json:"notification,omitempty"`
	Code           string          `json:"code,omitempty"`
	Message        string          `json:"message,omitempty"`
}

const wsWriteTimeout = 10 * time.Second

// WebsocketTransport carries all channel traffic over one websocket
// connection, JSON frames both ways. Writes are serialized on a mutex;
// reads happen only from the channel manager's receive loop.
type WebsocketTransport struct {
	url    string
	header http.Header

	writeMu sync.Mutex
	mu      sync.Mutex
	conn    *websocket.Conn
}

func NewWebsocketTransport(url string, header http.Header) *WebsocketTransport {
	return &WebsocketTransport{url: url, header: header}
}

func (t *WebsocketTransport) current() (*websocket.Conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, ErrChannelClosed
	}
	return t.conn, nil
}

// Dial opens the connection and authenticates. The auth acknowledgement
// is awaited synchronously; the receive loop has not started yet, so the
// read here cannot race it.
func (t *WebsocketTransport) Dial(ctx context.Context, authToken string) error {
	conn, _, err := websocket.Dial(ctx, t.url, &websocket.DialOptions{
		HTTPHeader: t.header,
	})
	if err != nil {
		return &ChannelError{Op: "dial", Err: err}
	}
	if err := t.writeFrame(ctx, conn, wsFrame{Type: frameAuth, Token: authToken}); err != nil {
		conn.Close(websocket.StatusInternalError, "auth write failed")
		return err
	}
	var ack wsFrame
	if err := wsjson.Read(ctx, conn, &ack); err != nil {
		conn.Close(websocket.StatusInternalError, "auth read failed")
		return &ChannelError{Op: "auth", Err: err}
	}
	switch ack.Type {
	case frameAuthAck:
	case frameAuthRejected:
		conn.Close(websocket.StatusNormalClosure, "auth rejected")
		return fmt.Errorf("%w: %s", ErrAuthRejected, ack.Message)
	default:
		conn.Close(websocket.StatusProtocolError, "unexpected frame")
		return &ChannelError{Op: "auth", Err: fmt.Errorf("unexpected frame type %q", ack.Type)}
	}

	t.mu.Lock()
	if t.conn != nil {
		t.conn.Close(websocket.StatusNormalClosure, "superseded")
	}
	t.conn = conn
	t.mu.Unlock()
	return nil
}

// UpdateAuth swaps credentials on the live connection. The server either
// acknowledges silently or answers with an authRejected frame, which the
// receive loop surfaces as ErrAuthRejected.
func (t *WebsocketTransport) UpdateAuth(ctx context.Context, authToken string) error {
	conn, err := t.current()
	if err != nil {
		return err
	}
	return t.writeFrame(ctx, conn, wsFrame{Type: frameAuthUpdate, Token: authToken})
}

func (t *WebsocketTransport) Subscribe(ctx context.Context, sub Subscription) error {
	conn, err := t.current()
	if err != nil {
		return err
	}
	return t.writeFrame(ctx, conn, wsFrame{Type: frameSubscribe, Subscription: &sub})
}

func (t *WebsocketTransport) Unsubscribe(ctx context.Context, subscriptionID string) error {
	conn, err := t.current()
	if err != nil {
		return err
	}
	return t.writeFrame(ctx, conn, wsFrame{Type: frameUnsubscribe, SubscriptionID: subscriptionID})
}

// Receive blocks for the next notification envelope. Acknowledgement
// frames are skipped; an authRejected frame maps to ErrAuthRejected.
func (t *WebsocketTransport) Receive(ctx context.Context) ([]byte, error) {
	conn, err := t.current()
	if err != nil {
		return nil, err
	}
	for {
		var frame wsFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return nil, &ChannelError{Op: "receive", Err: err}
		}
		switch frame.Type {
		case frameNotification:
			return frame.Notification, nil
		case frameAuthRejected:
			return nil, fmt.Errorf("%w: %s", ErrAuthRejected, frame.Message)
		case frameAuthAck, frameSubscribed:
			// Acks carry no payload for the registry.
		default:
			return nil, &ChannelError{Op: "receive", Err: fmt.Errorf("unexpected frame type %q", frame.Type)}
		}
	}
}

func (t *WebsocketTransport) writeFrame(ctx context.Context, conn *websocket.Conn, frame wsFrame) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, conn, frame); err != nil {
		return &ChannelError{Op: frame.Type, Err: err}
	}
	return nil
}

func (t *WebsocketTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, "bye")
}
