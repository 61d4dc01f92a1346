// Package rooms provisions Daily rooms for isolated bot sessions.
package rooms

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ent0n29/sesame/internal/policy"
	"github.com/ent0n29/sesame/internal/protocol"
	"github.com/ent0n29/sesame/internal/reliability"
)

var ErrRoomNotFound = errors.New("room not found")

// Room is a provisioned Daily room.
type Room struct {
	Name      string    `json:"name"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"-"`
}

type Config struct {
	APIURL string
	APIKey string
	// Expiry bounds the lifetime of created rooms and tokens.
	Expiry     time.Duration
	HTTPClient *http.Client
	Retry      reliability.Policy
	Logger     *zap.Logger
}

// Client is a small Daily REST client.
type Client struct {
	baseURL string
	apiKey  string
	expiry  time.Duration
	client  *http.Client
	retry   reliability.Policy
	logger  *zap.Logger
	now     func() time.Time
}

func NewClient(cfg Config) *Client {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	retry := cfg.Retry
	if retry.Attempts == 0 {
		retry = reliability.DefaultPolicy
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	expiry := cfg.Expiry
	if expiry <= 0 {
		expiry = 15 * time.Minute
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.APIURL), "/"),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		expiry:  expiry,
		client:  client,
		retry:   retry,
		logger:  logger.Named("rooms"),
		now:     time.Now,
	}
}

type roomProperties struct {
	Exp            int64 `json:"exp"`
	EjectAtRoomExp bool  `json:"eject_at_room_exp"`
	StartVideoOff  bool  `json:"start_video_off"`
}

// CreateRoom creates a private room that expires after the configured expiry.
func (c *Client) CreateRoom(ctx context.Context) (Room, error) {
	exp := c.now().Add(c.expiry)
	body := map[string]any{
		"privacy": "private",
		"properties": roomProperties{
			Exp:            exp.Unix(),
			EjectAtRoomExp: true,
			StartVideoOff:  true,
		},
	}
	var room Room
	if err := c.do(ctx, http.MethodPost, "/rooms", body, &room); err != nil {
		return Room{}, fmt.Errorf("create room: %w", err)
	}
	if room.URL == "" {
		return Room{}, errors.New("create room: response has no url")
	}
	room.ExpiresAt = exp
	c.logger.Info("room created", zap.String("room", room.Name), zap.Time("expires_at", exp))
	return room, nil
}

// GetToken issues a meeting token for roomURL. Owner tokens are used by the bot.
func (c *Client) GetToken(ctx context.Context, roomURL string, owner bool) (string, error) {
	name, err := RoomName(roomURL)
	if err != nil {
		return "", err
	}
	body := map[string]any{
		"properties": map[string]any{
			"room_name": name,
			"is_owner":  owner,
			"exp":       c.now().Add(c.expiry).Unix(),
		},
	}
	var out struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/meeting-tokens", body, &out); err != nil {
		return "", fmt.Errorf("create token: %w", err)
	}
	if out.Token == "" {
		return "", errors.New("create token: empty token")
	}
	return out.Token, nil
}

// DeleteRoomByURL deletes the room. A room that is already gone is not an error.
func (c *Client) DeleteRoomByURL(ctx context.Context, roomURL string) error {
	name, err := RoomName(roomURL)
	if err != nil {
		return err
	}
	err = c.do(ctx, http.MethodDelete, "/rooms/"+url.PathEscape(name), nil, nil)
	if errors.Is(err, ErrRoomNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("delete room %s: %w", name, err)
	}
	c.logger.Info("room deleted", zap.String("room", name))
	return nil
}

// SendAppMessage broadcasts data to every participant of the room.
func (c *Client) SendAppMessage(ctx context.Context, roomURL string, data any) error {
	name, err := RoomName(roomURL)
	if err != nil {
		return err
	}
	body := map[string]any{"data": data, "recipient": "*"}
	if err := c.do(ctx, http.MethodPost, "/rooms/"+url.PathEscape(name)+"/send-app-message", body, nil); err != nil {
		return fmt.Errorf("send app message: %w", err)
	}
	return nil
}

// RoomName extracts the room name from a room URL.
func RoomName(roomURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(roomURL))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid room url %q", roomURL)
	}
	name := path.Base(strings.TrimRight(u.Path, "/"))
	if name == "" || name == "." || name == "/" {
		return "", fmt.Errorf("room url %q has no room name", roomURL)
	}
	return name, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, in, out any) error {
	var payload []byte
	if in != nil {
		var err error
		payload, err = json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}
	return reliability.Retry(ctx, c.retry, func(ctx context.Context) error {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, body)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		res, err := c.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			return reliability.Retryable(fmt.Errorf("send request: %w", err))
		}
		defer res.Body.Close()

		if res.StatusCode == http.StatusNotFound {
			return ErrRoomNotFound
		}
		if res.StatusCode < 200 || res.StatusCode >= 300 {
			detail, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
			err := fmt.Errorf("daily status %d: %s", res.StatusCode, policy.RedactString(strings.TrimSpace(string(detail))))
			if reliability.IsRetryableHTTPStatus(res.StatusCode) {
				c.logger.Warn("daily request failed, retrying", zap.String("endpoint", endpoint), zap.Int("status", res.StatusCode))
				return reliability.Retryable(err)
			}
			return err
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
		return nil
	})
}

// AppMessageTransport delivers bot protocol messages into a room.
type AppMessageTransport struct {
	Client  *Client
	RoomURL string
}

func (t AppMessageTransport) Send(ctx context.Context, msg protocol.Message) error {
	return t.Client.SendAppMessage(ctx, t.RoomURL, msg)
}
