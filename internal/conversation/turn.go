// Package conversation rebuilds the ordered turns of a conversation from
// stored messages.
package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

type BlockType string

const (
	BlockText     BlockType = "text"
	BlockImageURL BlockType = "image_url"
)

type ImageURL struct {
	URL string `json:"url"`
}

// ContentBlock is one text or image-reference part of a turn.
type ContentBlock struct {
	Type     BlockType `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

func ImageBlock(url string) ContentBlock {
	return ContentBlock{Type: BlockImageURL, ImageURL: &ImageURL{URL: url}}
}

// DataURI builds the inline image reference used for attachments.
func DataURI(fileType, base64Data string) string {
	return fmt.Sprintf("data:%s;base64,%s", fileType, base64Data)
}

// Turn is one attributed unit of conversation content.
type Turn struct {
	Role      Role           `json:"role"`
	Content   []ContentBlock `json:"content"`
	SpeakerID string         `json:"speaker_id,omitempty"`
}

func NewTextTurn(role Role, text string) *Turn {
	return &Turn{Role: role, Content: []ContentBlock{TextBlock(text)}}
}

// Text concatenates the text blocks of the turn.
func (t *Turn) Text() string {
	return FlattenContent(t.Content)
}

// IsPlainText reports whether the turn has no image blocks.
func (t *Turn) IsPlainText() bool {
	for _, b := range t.Content {
		if b.Type != BlockText {
			return false
		}
	}
	return true
}

// FlattenContent joins the text of every block, dropping images.
func FlattenContent(blocks []ContentBlock) string {
	var b strings.Builder
	for _, block := range blocks {
		if block.Type == BlockText {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// Flatten returns copies of turns with content collapsed to a single text
// block, for model services that only accept plain text.
func Flatten(turns []*Turn) []*Turn {
	out := make([]*Turn, 0, len(turns))
	for _, t := range turns {
		out = append(out, &Turn{
			Role:      t.Role,
			Content:   []ContentBlock{TextBlock(t.Text())},
			SpeakerID: t.SpeakerID,
		})
	}
	return out
}

// ParseContent accepts the two shapes clients send for message content: a
// plain string or an array of content blocks.
func ParseContent(raw json.RawMessage) ([]ContentBlock, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	if strings.HasPrefix(trimmed, `"`) {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, fmt.Errorf("parse content string: %w", err)
		}
		return []ContentBlock{TextBlock(s)}, nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, fmt.Errorf("parse content blocks: %w", err)
	}
	return blocks, nil
}
