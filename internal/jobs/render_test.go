package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRenderTemplate(t *testing.T) {
	tests := []struct {
		name string
		tmpl string
		vars map[string]string
		want string
	}{
		{"missing variable renders empty", "Hello {{name}}", map[string]string{}, "Hello "},
		{"dotted name", "{{user.name}}", map[string]string{"user.name": "Sam"}, "Sam"},
		{"inner whitespace", "{{  city }}, {{state}}", map[string]string{"city": "Austin", "state": "TX"}, "Austin, TX"},
		{"repeated token", "{{a}}-{{a}}", map[string]string{"a": "x"}, "x-x"},
		{"values are not re-rendered", "{{a}}", map[string]string{"a": "{{b}}", "b": "nope"}, "{{b}}"},
		{"no escaping", "{{html}}", map[string]string{"html": "<b>&</b>"}, "<b>&</b>"},
		{"single braces untouched", "{name} {{ bad-name }}", map[string]string{"name": "x"}, "{name} {{ bad-name }}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RenderTemplate(tt.tmpl, tt.vars))
		})
	}
}

func TestTemplateVariables(t *testing.T) {
	got := TemplateVariables("Write about {{keyword}} in {{city}} for {{business.name}}. {{ city }} again.")
	assert.Equal(t, []string{"keyword", "city", "business.name"}, got)
	assert.Empty(t, TemplateVariables("no tokens here"))
}

func TestMissingVariables(t *testing.T) {
	vars := map[string]string{"keyword": "plumber", "city": "  "}

	assert.Equal(t, []string{"city", "state"}, MissingVariables("", []string{"keyword", "city", "state"}, vars))
	assert.Equal(t, []string{"city"}, MissingVariables("{{keyword}} in {{city}}", nil, vars))
	assert.Empty(t, MissingVariables("{{keyword}}", nil, vars))
}
