package jobs

import (
	"encoding/json"
	"testing"

	"github.com/Harvey-AU/seo-pagegen/internal/db"
	"github.com/stretchr/testify/assert"
)

func TestBuildVariables(t *testing.T) {
	gc := &GenerationContext{
		Business: &db.Business{
			Name:     "Acme Plumbing",
			Industry: "Plumbing",
			Phone:    "512-555-0100",
			Email:    "hi@acme.test",
			Website:  "https://acme.test",
			City:     "Austin",
			State:    "TX",
		},
		Questionnaire: &db.Questionnaire{Data: json.RawMessage(`{
			"tagline": "Fast and friendly",
			"years_in_business": 12,
			"licensed": true,
			"nested": {"ignored": "yes"},
			"services": ["Repairs", "Installs"]
		}`)},
		Template: &db.PromptTemplate{WordCount: 600},
		Location: &db.Location{Name: "Downtown", Address: "1 Main St", Phone: "512-555-0199"},
	}
	page := &db.JobPage{
		Keyword:     "Emergency Plumber",
		KeywordSlug: "emergency-plumber",
		City:        "Round Rock",
		State:       "TX",
		PageSlug:    "emergency-plumber-round-rock-tx",
		Language:    "en",
	}

	vars := BuildVariables(gc, page)

	expected := map[string]string{
		"business.name":                   "Acme Plumbing",
		"business.industry":               "Plumbing",
		"business.phone":                  "512-555-0100",
		"business.email":                  "hi@acme.test",
		"business.website":                "https://acme.test",
		"business.city":                   "Austin",
		"business.state":                  "TX",
		"keyword":                         "Emergency Plumber",
		"keyword.slug":                    "emergency-plumber",
		"service":                         "",
		"city":                            "Round Rock",
		"state":                           "TX",
		"location.name":                   "Downtown",
		"location.address":                "1 Main St",
		"location.phone":                  "512-555-0199",
		"page.slug":                       "emergency-plumber-round-rock-tx",
		"language":                        "en",
		"word_count":                      "600",
		"questionnaire.tagline":           "Fast and friendly",
		"questionnaire.years_in_business": "12",
		"questionnaire.licensed":          "true",
		"services":                        "Repairs, Installs",
	}
	for key, want := range expected {
		assert.Equal(t, want, vars[key], key)
	}
	_, nested := vars["questionnaire.nested"]
	assert.False(t, nested)
	_, list := vars["questionnaire.services"]
	assert.False(t, list)
}

func TestBuildVariablesWithoutOptionalContext(t *testing.T) {
	vars := BuildVariables(&GenerationContext{}, &db.JobPage{ServiceName: "Repairs", City: "Austin"})

	assert.Equal(t, "Repairs", vars["service"])
	assert.Equal(t, "Austin", vars["city"])
	_, ok := vars["business.name"]
	assert.False(t, ok)
	_, ok = vars["location.name"]
	assert.False(t, ok)
}
