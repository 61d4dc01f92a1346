package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ProfileVoiceToVoice is answered by /bot/connect without provisioning a socket.
const ProfileVoiceToVoice = "voice-to-voice"

// BotConfig is the static bot behaviour loaded from BOT_CONFIG_PATH.
type BotConfig struct {
	SystemPrompt    string                `yaml:"system_prompt"`
	FallbackMessage string                `yaml:"fallback_message"`
	DefaultProfile  string                `yaml:"default_profile"`
	Profiles        map[string]BotProfile `yaml:"profiles"`

	// DefaultLLMContext seeds newly created conversations.
	DefaultLLMContext []SeedMessage `yaml:"default_llm_context"`
	// LiveGreeting seeds live sessions that have no stored history.
	LiveGreeting []SeedMessage `yaml:"live_greeting"`
}

type BotProfile struct {
	Model        string `yaml:"model"`
	SystemPrompt string `yaml:"system_prompt"`
	// PlainText forces content to be flattened to a single string.
	PlainText bool `yaml:"plain_text"`
}

type SeedMessage struct {
	Role    string `yaml:"role"`
	Content string `yaml:"content"`
}

func DefaultBotConfig() BotConfig {
	return BotConfig{
		FallbackMessage: "Error running bot",
		DefaultProfile:  "vision",
		Profiles: map[string]BotProfile{
			"vision":              {},
			"text":                {PlainText: true},
			ProfileVoiceToVoice: {},
		},
		LiveGreeting: []SeedMessage{
			{Role: "user", Content: "Start by greeting the user warmly and introducing yourself."},
		},
	}
}

// LoadBotConfig reads a YAML bot config, filling unset fields from the defaults.
func LoadBotConfig(path string) (BotConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return BotConfig{}, fmt.Errorf("read bot config: %w", err)
	}
	cfg := DefaultBotConfig()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return BotConfig{}, fmt.Errorf("parse bot config %s: %w", path, err)
	}
	for i, m := range cfg.DefaultLLMContext {
		switch strings.ToLower(strings.TrimSpace(m.Role)) {
		case "user", "assistant", "system":
		default:
			return BotConfig{}, fmt.Errorf("bot config default_llm_context[%d]: invalid role %q", i, m.Role)
		}
	}
	if cfg.Profiles == nil {
		cfg.Profiles = map[string]BotProfile{}
	}
	return cfg, nil
}

// Profile resolves a bot profile by name, falling back to the default profile.
func (c BotConfig) Profile(name string) BotProfile {
	if p, ok := c.Profiles[strings.TrimSpace(name)]; ok {
		return p
	}
	return c.Profiles[c.DefaultProfile]
}
