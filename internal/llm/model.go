// Package llm provides the capability-assisted detection track using langchaingo models.
package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"

	"redaction-pipeline/internal/config"
	"redaction-pipeline/internal/detect"
)

// Detector asks a chat model to locate sensitive entities in page text.
type Detector struct {
	llm       llms.Model
	modelName string
}

// NewDetector creates a detector for the configured provider.
// It returns nil and no error when the provider is "none".
func NewDetector(cfg config.Config) (*Detector, error) {
	var model llms.Model
	var err error

	switch cfg.LLMProvider {
	case config.ProviderNone, "":
		return nil, nil

	case config.ProviderOllama:
		model, err = ollama.New(
			ollama.WithModel(cfg.LLMModel),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if err != nil {
			return nil, fmt.Errorf("create ollama model: %w", err)
		}

	case config.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OpenAI API key required")
		}
		model, err = openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create openai model: %w", err)
		}

	case config.ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("Anthropic API key required")
		}
		model, err = anthropic.New(
			anthropic.WithToken(cfg.AnthropicAPIKey),
			anthropic.WithModel(cfg.LLMModel),
		)
		if err != nil {
			return nil, fmt.Errorf("create anthropic model: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s", cfg.LLMProvider)
	}

	return NewDetectorWithModel(model, cfg.LLMModel), nil
}

// NewDetectorWithModel wraps an existing langchaingo model.
func NewDetectorWithModel(model llms.Model, name string) *Detector {
	return &Detector{llm: model, modelName: name}
}

// Model returns the LLM model name.
func (d *Detector) Model() string {
	return d.modelName
}

// Detect implements detect.Capability.
func (d *Detector) Detect(ctx context.Context, text string, types []string) ([]detect.Finding, error) {
	messages := []llms.MessageContent{
		llms.TextParts(schema.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(schema.ChatMessageTypeHuman, userPrompt(text, types)),
	}

	response, err := d.llm.GenerateContent(ctx, messages, llms.WithTemperature(0))
	if err != nil {
		return nil, fmt.Errorf("generate: %w", err)
	}
	if len(response.Choices) == 0 {
		return nil, fmt.Errorf("%w: no response choices", detect.ErrMalformed)
	}
	return ParseFindings(response.Choices[0].Content, text)
}

const systemPrompt = `You identify sensitive information in pharmaceutical and clinical documents that must be redacted.
Never flag standard medical or scientific terminology, publicly disclosed drug names, public institutions or general condition names.
Answer with JSON only. Do not use markdown.`

func userPrompt(text string, types []string) string {
	return fmt.Sprintf(`Find every entity of these types: %s.

Return a JSON array in exactly this format:
[{"text": "exact text", "type": "TYPE", "start": 0, "end": 4, "confidence": 0.9}]
start and end are character offsets into the text below; end is exclusive.
If nothing is found return [].

Text:
"""
%s
"""`, strings.Join(types, ", "), text)
}
