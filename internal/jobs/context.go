package jobs

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/Harvey-AU/seo-pagegen/internal/db"
)

// GenerationContext is everything besides the page needed to render a prompt
type GenerationContext struct {
	Business      *db.Business       `json:"business"`
	Questionnaire *db.Questionnaire  `json:"questionnaire"`
	Template      *db.PromptTemplate `json:"template"`
	Location      *db.Location       `json:"location,omitempty"`
}

// BuildVariables flattens the generation context and page into template
// variables. Questionnaire scalars are exposed as questionnaire.<key>.
func BuildVariables(gc *GenerationContext, page *db.JobPage) map[string]string {
	vars := map[string]string{
		"keyword":      page.Keyword,
		"keyword.slug": page.KeywordSlug,
		"service":      page.ServiceName,
		"city":         page.City,
		"state":        page.State,
		"page.slug":    page.PageSlug,
		"language":     page.Language,
	}

	if b := gc.Business; b != nil {
		vars["business.name"] = b.Name
		vars["business.industry"] = b.Industry
		vars["business.phone"] = b.Phone
		vars["business.email"] = b.Email
		vars["business.website"] = b.Website
		vars["business.city"] = b.City
		vars["business.state"] = b.State
	}

	if l := gc.Location; l != nil {
		vars["location.name"] = l.Name
		vars["location.address"] = l.Address
		vars["location.phone"] = l.Phone
	}

	if t := gc.Template; t != nil && t.WordCount > 0 {
		vars["word_count"] = strconv.Itoa(t.WordCount)
	}

	if q := gc.Questionnaire; q != nil && len(q.Data) > 0 {
		for key, value := range questionnaireScalars(q.Data) {
			vars["questionnaire."+key] = value
		}
		if services := ParseServiceOfferings(q.Data); len(services) > 0 {
			vars["services"] = strings.Join(services, ", ")
		}
	}

	return vars
}

func questionnaireScalars(data json.RawMessage) map[string]string {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil
	}

	out := make(map[string]string, len(doc))
	for key, value := range doc {
		switch v := value.(type) {
		case string:
			out[key] = v
		case json.Number:
			out[key] = v.String()
		case bool:
			out[key] = strconv.FormatBool(v)
		}
	}
	return out
}
