package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/sigma/internal/infra/gateway"
)

// bridge answers reqIds with id 100 and every send with a bid for the request id.
func bridge(t *testing.T, frames chan<- wsFrame) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")
		ctx := r.Context()
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				return
			}
			var frame wsFrame
			if err := json.Unmarshal(data, &frame); err != nil {
				return
			}
			select {
			case frames <- frame:
			default:
			}

			var reply wsEnvelope
			switch frame.Op {
			case "reqIds":
				reply.Events = []gateway.Event{{Kind: gateway.EventIDs, ID: 100}}
			case "send":
				reply.Events = []gateway.Event{
					{Kind: gateway.EventField, ID: frame.Request.ID, Field: "bid", Value: "1.25"},
					{Kind: gateway.EventEnd, ID: frame.Request.ID},
				}
			case "ping":
				reply.Type = "pong"
			default:
				continue
			}
			payload, err := json.Marshal(reply)
			if err != nil {
				return
			}
			if err := conn.Write(ctx, websocket.MessageText, payload); err != nil {
				return
			}
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func nextEvent(t *testing.T, events <-chan gateway.Event) gateway.Event {
	t.Helper()
	select {
	case ev, ok := <-events:
		require.True(t, ok, "event stream closed")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return gateway.Event{}
}

func TestClientRoundTrip(t *testing.T) {
	frames := make(chan wsFrame, 16)
	server := bridge(t, frames)
	t.Cleanup(server.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := New(Options{URL: wsURL(server), ClientID: 7, ControlInterval: time.Millisecond})
	require.NoError(t, client.Connect(ctx))
	defer func() { require.NoError(t, client.Close(ctx)) }()

	hello := <-frames
	require.Equal(t, "hello", hello.Op)
	require.Equal(t, 7, hello.ClientID)

	require.NoError(t, client.RequestIDs(ctx))
	ids := nextEvent(t, client.Events())
	require.Equal(t, gateway.EventIDs, ids.Kind)
	require.EqualValues(t, 100, ids.ID)

	req := gateway.Request{ID: 100, Kind: gateway.KindQuote, Snapshot: true,
		Contract: gateway.Contract{Symbol: "CL", SecType: "FOP", Strike: "40", Right: "C"}}
	require.NoError(t, client.Send(ctx, req))

	field := nextEvent(t, client.Events())
	require.Equal(t, gateway.EventField, field.Kind)
	require.EqualValues(t, 100, field.ID)
	require.Equal(t, "1.25", field.Value)
	require.False(t, field.At.IsZero())

	end := nextEvent(t, client.Events())
	require.Equal(t, gateway.EventEnd, end.Kind)

	require.NoError(t, client.Cancel(ctx, 100, gateway.KindQuote))
	var sawCancel bool
	deadline := time.After(2 * time.Second)
	for !sawCancel {
		select {
		case f := <-frames:
			if f.Op == "cancel" {
				require.EqualValues(t, 100, f.ID)
				require.Equal(t, gateway.KindQuote, f.Kind)
				sawCancel = true
			}
		case <-deadline:
			t.Fatal("cancel frame not observed")
		}
	}
}

func TestClientEventsClosedOnServerHangup(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		_, _, _ = conn.Read(r.Context())
		_ = conn.Close(websocket.StatusGoingAway, "restart")
	}))
	t.Cleanup(server.Close)

	errCh := make(chan error, 4)
	client := New(Options{URL: wsURL(server), Errors: errCh})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Connect(ctx))

	select {
	case _, ok := <-client.Events():
		require.False(t, ok)
	case <-time.After(3 * time.Second):
		t.Fatal("event stream not closed after hangup")
	}
	require.NoError(t, client.Close(ctx))
	require.Error(t, client.Send(ctx, gateway.Request{ID: 1}))
}

func TestClientConnectErrors(t *testing.T) {
	ctx := context.Background()
	require.Error(t, New(Options{}).Connect(ctx))

	client := New(Options{URL: "ws://127.0.0.1:1/none"})
	require.Error(t, client.Connect(ctx))
	require.NoError(t, client.Close(ctx))

	_, ok := <-client.Events()
	require.False(t, ok)
}
