package jobs

import (
	"regexp"
	"strings"
)

var tokenPattern = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// RenderTemplate replaces every {{name}} token with its value from vars.
// Unknown names render as the empty string. Values are inserted verbatim
// and never re-scanned for tokens.
func RenderTemplate(tmpl string, vars map[string]string) string {
	return tokenPattern.ReplaceAllStringFunc(tmpl, func(token string) string {
		name := tokenPattern.FindStringSubmatch(token)[1]
		return vars[name]
	})
}

// TemplateVariables lists the distinct token names of tmpl in order of first use
func TemplateVariables(tmpl string) []string {
	matches := tokenPattern.FindAllStringSubmatch(tmpl, -1)
	seen := make(map[string]struct{}, len(matches))
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		names = append(names, m[1])
	}
	return names
}

// MissingVariables returns the required names with no non-blank value.
// With no declared requirements every token in tmpl is required.
func MissingVariables(tmpl string, required []string, vars map[string]string) []string {
	if len(required) == 0 {
		required = TemplateVariables(tmpl)
	}
	var missing []string
	for _, name := range required {
		if strings.TrimSpace(vars[name]) == "" {
			missing = append(missing, name)
		}
	}
	return missing
}
