package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/rs/zerolog/log"
	"google.golang.org/genai"
)

const defaultGeminiModel = "gemini-2.5-flash"

// GeminiGenerator calls the Gemini API through the genai SDK
type GeminiGenerator struct {
	client  *genai.Client
	model   string
	timeout time.Duration
}

// NewGeminiGenerator creates a Gemini-backed generator
func NewGeminiGenerator(ctx context.Context, apiKey, model string, timeout time.Duration) (*GeminiGenerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if model == "" {
		model = defaultGeminiModel
	}
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}

	return &GeminiGenerator{client: client, model: model, timeout: timeout}, nil
}

// Name returns the generator name
func (g *GeminiGenerator) Name() string {
	return fmt.Sprintf("gemini:%s", g.model)
}

// Generate sends the rendered prompt and parses the markdown answer
func (g *GeminiGenerator) Generate(ctx context.Context, prompt Prompt) (*Generated, error) {
	span := sentry.StartSpan(ctx, "llm.generate")
	defer span.Finish()
	span.SetTag("model", g.model)
	span.SetTag("page_type", prompt.PageType)

	ctx, cancel := context.WithTimeout(span.Context(), g.timeout)
	defer cancel()

	start := time.Now()
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(prompt.Text), &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(systemInstruction(prompt), genai.RoleUser),
		Temperature:       genai.Ptr[float32](0.7),
		MaxOutputTokens:   maxTokens(prompt.WordCount),
	})
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		return nil, fmt.Errorf("gemini generate failed: %w", err)
	}

	out, err := FromText(resp.Text(), prompt, g.model)
	if err != nil {
		span.Status = sentry.SpanStatusInternalError
		return nil, err
	}

	log.Debug().
		Str("model", g.model).
		Int("word_count", out.WordCount).
		Dur("duration", time.Since(start)).
		Msg("Generated page content")
	return out, nil
}

func systemInstruction(p Prompt) string {
	lang := "English"
	if p.Language == "es" {
		lang = "Spanish"
	}
	return fmt.Sprintf("You write local SEO landing pages in %s. Answer in markdown and start with a single H1 title.", lang)
}

// maxTokens leaves headroom over the target word count
func maxTokens(words int) int32 {
	if words <= 0 {
		words = 800
	}
	return int32(words*2 + 512)
}
