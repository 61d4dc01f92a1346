package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/ent0n29/sesame/internal/conversation"
)

type GeminiConfig struct {
	APIKey    string
	Model     string
	PlainText bool
}

// GeminiService streams replies from the Gemini API.
type GeminiService struct {
	client    *genai.Client
	model     string
	plainText bool
}

func NewGeminiService(ctx context.Context, cfg GeminiConfig) (*GeminiService, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("gemini API key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash"
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiService{client: client, model: cfg.Model, plainText: cfg.PlainText}, nil
}

func (g *GeminiService) Name() string { return "gemini:" + g.model }

func (g *GeminiService) PlainText() bool { return g.plainText }

func (g *GeminiService) Stream(ctx context.Context, system string, turns []*conversation.Turn, onDelta func(string) error) (string, error) {
	contents, systemParts := toContents(turns)
	if strings.TrimSpace(system) != "" {
		systemParts = append([]*genai.Part{genai.NewPartFromText(system)}, systemParts...)
	}
	var cfg *genai.GenerateContentConfig
	if len(systemParts) > 0 {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromParts(systemParts, genai.RoleUser),
		}
	}

	var full strings.Builder
	for resp, err := range g.client.Models.GenerateContentStream(ctx, g.model, contents, cfg) {
		if err != nil {
			return full.String(), fmt.Errorf("gemini stream: %w", err)
		}
		text := resp.Text()
		if text == "" {
			continue
		}
		full.WriteString(text)
		if err := onDelta(text); err != nil {
			return full.String(), err
		}
	}
	return full.String(), nil
}

// toContents maps turns to Gemini contents. System turns become part of the
// system instruction.
func toContents(turns []*conversation.Turn) ([]*genai.Content, []*genai.Part) {
	var (
		contents []*genai.Content
		system   []*genai.Part
	)
	for _, t := range turns {
		parts := toParts(t.Content)
		if len(parts) == 0 {
			continue
		}
		switch t.Role {
		case conversation.RoleSystem:
			system = append(system, parts...)
		case conversation.RoleAssistant:
			contents = append(contents, genai.NewContentFromParts(parts, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromParts(parts, genai.RoleUser))
		}
	}
	return contents, system
}

func toParts(blocks []conversation.ContentBlock) []*genai.Part {
	parts := make([]*genai.Part, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case conversation.BlockText:
			if b.Text != "" {
				parts = append(parts, genai.NewPartFromText(b.Text))
			}
		case conversation.BlockImageURL:
			if b.ImageURL == nil {
				continue
			}
			if mime, data, ok := parseDataURI(b.ImageURL.URL); ok {
				parts = append(parts, genai.NewPartFromBytes(data, mime))
				continue
			}
			parts = append(parts, genai.NewPartFromText("[image: "+b.ImageURL.URL+"]"))
		}
	}
	return parts
}

// parseDataURI decodes data:<mime>;base64,<payload>.
func parseDataURI(uri string) (string, []byte, bool) {
	rest, ok := strings.CutPrefix(uri, "data:")
	if !ok {
		return "", nil, false
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, false
	}
	mime, ok := strings.CutSuffix(meta, ";base64")
	if !ok || mime == "" {
		return "", nil, false
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, false
	}
	return mime, data, true
}
