package jobs

import (
	"encoding/json"
	"strings"
)

// serviceKeys are checked in order; the first present key wins
var serviceKeys = []string{"services", "service_offerings", "offerings"}

// ParseServiceOfferings extracts the service list from questionnaire data.
// It accepts an array of strings, an array of objects with a name or title,
// or a comma or newline separated string. Names are trimmed and
// de-duplicated case-insensitively in first-seen order.
func ParseServiceOfferings(data json.RawMessage) []string {
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return []string{}
	}

	for _, key := range serviceKeys {
		raw, ok := doc[key]
		if !ok {
			continue
		}
		return dedupeNames(parseServiceValue(raw))
	}
	return []string{}
}

func parseServiceValue(raw json.RawMessage) []string {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return strings.FieldsFunc(text, func(r rune) bool { return r == ',' || r == '\n' })
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil
	}

	names := make([]string, 0, len(items))
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			names = append(names, s)
			continue
		}
		var obj struct {
			Name  string `json:"name"`
			Title string `json:"title"`
		}
		if err := json.Unmarshal(item, &obj); err == nil {
			if obj.Name != "" {
				names = append(names, obj.Name)
			} else {
				names = append(names, obj.Title)
			}
		}
	}
	return names
}

func dedupeNames(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		key := strings.ToLower(n)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, n)
	}
	return out
}
