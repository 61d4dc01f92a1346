package rooms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ent0n29/sesame/internal/protocol"
	"github.com/ent0n29/sesame/internal/reliability"
)

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		APIURL: srv.URL,
		APIKey: "daily-key",
		Expiry: time.Minute,
		Retry:  reliability.Policy{Attempts: 3, Base: time.Millisecond, Cap: time.Millisecond},
	})
}

func TestCreateRoomAndToken(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /rooms", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer daily-key" {
			t.Errorf("Authorization = %q", got)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"name": "abc", "url": "https://demo.daily.co/abc"})
	})
	mux.HandleFunc("POST /meeting-tokens", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Properties struct {
				RoomName string `json:"room_name"`
				IsOwner  bool   `json:"is_owner"`
			} `json:"properties"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode token request: %v", err)
		}
		if body.Properties.RoomName != "abc" || !body.Properties.IsOwner {
			t.Errorf("unexpected token request: %+v", body)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "tok"})
	})
	c := newTestClient(t, mux)

	room, err := c.CreateRoom(context.Background())
	require.NoError(t, err)
	require.Equal(t, "https://demo.daily.co/abc", room.URL)
	require.False(t, room.ExpiresAt.IsZero())

	token, err := c.GetToken(context.Background(), room.URL, true)
	require.NoError(t, err)
	require.Equal(t, "tok", token)
}

func TestRequestsRetryOnServerErrors(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))

	err := c.SendAppMessage(context.Background(), "https://demo.daily.co/abc", protocol.NewBotStopped())
	require.NoError(t, err)
	require.Equal(t, int32(3), calls.Load())
}

func TestClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "bad", http.StatusBadRequest)
	}))

	_, err := c.CreateRoom(context.Background())
	require.Error(t, err)
	require.Contains(t, err.Error(), "daily status 400")
	require.Equal(t, int32(1), calls.Load())
}

func TestDeleteRoomIgnoresMissingRoom(t *testing.T) {
	var path atomic.Value
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path.Store(r.Method + " " + r.URL.Path)
		http.NotFound(w, r)
	}))

	require.NoError(t, c.DeleteRoomByURL(context.Background(), "https://demo.daily.co/gone"))
	require.Equal(t, "DELETE /rooms/gone", path.Load())
}

func TestAppMessageTransportSendsProtocolMessage(t *testing.T) {
	var got struct {
		Data      protocol.Message `json:"data"`
		Recipient string           `json:"recipient"`
	}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/rooms/abc/send-app-message" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))

	tr := AppMessageTransport{Client: c, RoomURL: "https://demo.daily.co/abc"}
	require.NoError(t, tr.Send(context.Background(), protocol.NewLLMText("hi")))
	require.Equal(t, protocol.TypeBotLLMText, got.Data.Type)
	require.Equal(t, "*", got.Recipient)
}

func TestRoomName(t *testing.T) {
	name, err := RoomName("https://demo.daily.co/room-1/")
	require.NoError(t, err)
	require.Equal(t, "room-1", name)

	_, err = RoomName("not a url")
	require.Error(t, err)
}
