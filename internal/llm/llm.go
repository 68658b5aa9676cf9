// Package llm turns rendered prompts into page content.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// ErrEmptyOutput is returned when a provider answers with no text
var ErrEmptyOutput = errors.New("llm returned empty content")

// Prompt is a fully rendered generation request
type Prompt struct {
	Text      string `json:"text"`
	PageType  string `json:"page_type"`
	Keyword   string `json:"keyword,omitempty"`
	Service   string `json:"service,omitempty"`
	City      string `json:"city"`
	State     string `json:"state"`
	Language  string `json:"language"`
	WordCount int    `json:"word_count"`
}

// Subject is the keyword or service the page targets
func (p Prompt) Subject() string {
	if p.Keyword != "" {
		return p.Keyword
	}
	return p.Service
}

// Generated is the output of one generation
type Generated struct {
	Title     string
	Content   string
	WordCount int
	Model     string
}

// Generator produces page content from a prompt
type Generator interface {
	Generate(ctx context.Context, prompt Prompt) (*Generated, error)
	Name() string
}

// FromText builds a Generated result from raw model output
func FromText(text string, prompt Prompt, model string) (*Generated, error) {
	content := strings.TrimSpace(text)
	if content == "" {
		return nil, ErrEmptyOutput
	}
	title := ExtractTitle(content)
	if title == "" {
		title = FallbackTitle(prompt)
	}
	return &Generated{
		Title:     title,
		Content:   content,
		WordCount: len(strings.Fields(content)),
		Model:     model,
	}, nil
}

// ExtractTitle returns the text of the first markdown heading, if any
func ExtractTitle(content string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "#") {
			continue
		}
		title := strings.TrimSpace(strings.TrimLeft(line, "#"))
		if title != "" {
			return title
		}
	}
	return ""
}

// FallbackTitle derives a title from the page subject and place
func FallbackTitle(p Prompt) string {
	subject := cases.Title(language.English).String(p.Subject())
	place := p.City
	if p.State != "" {
		if place != "" {
			place += ", "
		}
		place += p.State
	}
	switch {
	case subject == "" && place == "":
		return "Untitled page"
	case place == "":
		return subject
	case subject == "":
		return place
	}
	return fmt.Sprintf("%s in %s", subject, place)
}
