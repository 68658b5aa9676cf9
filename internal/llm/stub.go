package llm

import (
	"context"
	"fmt"
	"strings"
)

// StubGenerator writes deterministic placeholder pages without calling a
// provider. Used in development and tests.
type StubGenerator struct{}

func (StubGenerator) Name() string { return "stub" }

// Generate renders a small markdown page from the prompt fields
func (StubGenerator) Generate(ctx context.Context, prompt Prompt) (*Generated, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	title := FallbackTitle(prompt)
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	fmt.Fprintf(&b, "Looking for %s", strings.ToLower(prompt.Subject()))
	if prompt.City != "" {
		fmt.Fprintf(&b, " in %s", prompt.City)
	}
	b.WriteString("? This page was generated from the following brief.\n\n")
	b.WriteString(strings.TrimSpace(prompt.Text))
	b.WriteString("\n")

	return FromText(b.String(), prompt, "stub")
}
