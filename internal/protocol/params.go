package protocol

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// SessionParams describes one bot session. It is immutable once a session starts.
type SessionParams struct {
	ConversationID string   `json:"conversation_id"`
	ParticipantID  string   `json:"participant_id,omitempty"`
	UserID         string   `json:"user_id,omitempty"`
	Actions        []Action `json:"actions"`
	Attachments    []string `json:"attachments"`
	BotProfile     string   `json:"bot_profile,omitempty"`
}

// ParseSessionParams decodes the JSON form used in request bodies and the
// WebSocket query string.
func ParseSessionParams(raw []byte) (SessionParams, error) {
	var p SessionParams
	if err := json.Unmarshal(raw, &p); err != nil {
		return SessionParams{}, fmt.Errorf("invalid session params: %w", err)
	}
	return p, nil
}

// Encode returns the query-escaped JSON form of p.
func (p SessionParams) Encode() (string, error) {
	if p.Actions == nil {
		p.Actions = []Action{}
	}
	if p.Attachments == nil {
		p.Attachments = []string{}
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode session params: %w", err)
	}
	return url.QueryEscape(string(raw)), nil
}

// ActionsCopy returns deep copies of the configured actions.
func (p SessionParams) ActionsCopy() []Action {
	out := make([]Action, len(p.Actions))
	for i, a := range p.Actions {
		out[i] = a.Clone()
	}
	return out
}

func (p SessionParams) HasConversation() bool {
	return strings.TrimSpace(p.ConversationID) != ""
}
