package protocol

import (
	"net/url"
	"testing"
)

func TestSessionParamsEncodeDecode(t *testing.T) {
	p, err := ParseSessionParams([]byte(`{"conversation_id":"c1","user_id":"u1","participant_id":"bot","attachments":["a1"],"actions":[` + appendActionJSON + `]}`))
	if err != nil {
		t.Fatalf("ParseSessionParams() error = %v", err)
	}
	if !p.HasConversation() || len(p.Actions) != 1 || p.Actions[0].Kind() != KindAppendToMessages {
		t.Fatalf("unexpected params: %+v", p)
	}

	enc, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	raw, err := url.QueryUnescape(enc)
	if err != nil {
		t.Fatalf("QueryUnescape() error = %v", err)
	}
	back, err := ParseSessionParams([]byte(raw))
	if err != nil {
		t.Fatalf("ParseSessionParams(encoded) error = %v", err)
	}
	if back.ConversationID != "c1" || back.Attachments[0] != "a1" || len(back.Actions[0].Append.Messages) != 2 {
		t.Fatalf("round trip lost data: %+v", back)
	}
}

func TestParseSessionParamsRejectsGarbage(t *testing.T) {
	if _, err := ParseSessionParams([]byte(`{"actions":"nope"}`)); err == nil {
		t.Fatalf("expected error")
	}
}
