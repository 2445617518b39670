package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// PromptConfig prompt configuration structure
type PromptConfig struct {
	Language string                     `yaml:"language"`
	Prompts  map[string]LanguagePrompts `yaml:"prompts"`
}

// LanguagePrompts prompts for a specific language
type LanguagePrompts struct {
	// MemoryContext heads the block of remembered facts sent with a turn.
	MemoryContext string `yaml:"memory_context"`
	// Extraction instructs the completion model to return facts as JSON.
	Extraction string `yaml:"extraction"`
}

const extractionEN = `You extract durable facts about the user from a single chat message.
Return ONLY a JSON array. Each element is an object with:
- "content": the fact as a short standalone sentence
- "category": one of "personal", "preference", "technical", "context", "other"
- "relevanceScore": a number between 0 and 1 for how useful the fact is later
- "originalContext": the part of the message the fact came from
Ignore greetings, questions and anything transient. Return [] when there is nothing worth remembering.`

const extractionZH = `你负责从用户的一条聊天消息中提取关于用户的长期事实。
只返回一个 JSON 数组，每个元素是包含以下字段的对象：
- "content"：用一句简短、独立的话描述事实
- "category"："personal"、"preference"、"technical"、"context"、"other" 之一
- "relevanceScore"：0 到 1 之间的数字，表示该事实以后的有用程度
- "originalContext"：事实所来自的原文片段
忽略问候、提问和临时信息。没有值得记住的内容时返回 []。`

// DefaultPromptConfig returns default prompt configuration
func DefaultPromptConfig() *PromptConfig {
	return &PromptConfig{
		Language: "en",
		Prompts: map[string]LanguagePrompts{
			"en": {
				MemoryContext: "Relevant facts remembered from earlier conversations:",
				Extraction:    extractionEN,
			},
			"zh": {
				MemoryContext: "以下是之前对话中记住的相关信息：",
				Extraction:    extractionZH,
			},
		},
	}
}

// PromptConfigPath returns the prompt config file path in dir
func PromptConfigPath(dir string) string {
	return filepath.Join(dir, promptFile)
}

// LoadPromptConfig loads dir/prompt.yaml over the defaults. A missing file
// yields the defaults.
func LoadPromptConfig(dir string) (*PromptConfig, error) {
	cfg := DefaultPromptConfig()

	data, err := os.ReadFile(PromptConfigPath(dir))
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read prompt config: %w", err)
	}

	var override PromptConfig
	if err := yaml.Unmarshal(data, &override); err != nil {
		return nil, fmt.Errorf("failed to parse prompt config: %w", err)
	}
	if override.Language != "" {
		cfg.Language = override.Language
	}
	for lang, p := range override.Prompts {
		merged := cfg.Prompts[lang]
		if p.MemoryContext != "" {
			merged.MemoryContext = p.MemoryContext
		}
		if p.Extraction != "" {
			merged.Extraction = p.Extraction
		}
		cfg.Prompts[lang] = merged
	}
	return cfg, nil
}

// GetPrompts returns prompts for the configured language, falling back to
// English for anything the language leaves empty.
func (p *PromptConfig) GetPrompts() LanguagePrompts {
	prompts := p.Prompts[p.Language]
	fallback := p.Prompts["en"]
	if prompts.MemoryContext == "" {
		prompts.MemoryContext = fallback.MemoryContext
	}
	if prompts.Extraction == "" {
		prompts.Extraction = fallback.Extraction
	}
	return prompts
}

// GetMemoryContext returns the memory context header for the configured language
func (p *PromptConfig) GetMemoryContext() string {
	return p.GetPrompts().MemoryContext
}

// GetExtraction returns the fact-extraction prompt for the configured language
func (p *PromptConfig) GetExtraction() string {
	return p.GetPrompts().Extraction
}
