package jobs

import (
	"strconv"

	"github.com/Harvey-AU/seo-pagegen/internal/db"
	"github.com/Harvey-AU/seo-pagegen/internal/util"
)

// Sources are the collections a plan can draw from
type Sources struct {
	Keywords     []*db.Keyword
	Services     []string
	ServiceAreas []*db.ServiceArea
	Locations    []*db.Location
}

// PagePlan is one page of a plan before it is persisted
type PagePlan struct {
	KeywordID     *string
	ServiceAreaID *string
	LocationID    *string
	Keyword       string
	ServiceName   string
	City          string
	State         string
	KeywordSlug   string
	LocationSlug  string
	PageSlug      string
	Language      string
}

// Plan is the full cartesian product for one job
type Plan struct {
	PageType PageType
	Pages    []PagePlan
}

type subject struct {
	keywordID *string
	keyword   string
	service   string
	slug      string
	language  string
}

type place struct {
	serviceAreaID *string
	locationID    *string
	city          string
	state         string
	slug          string
}

// BuildPlan combines collection A (keywords or services) with collection B
// (service areas or active locations). Pages are ordered A-major.
func BuildPlan(pt PageType, src Sources) (*Plan, error) {
	subjects, err := planSubjects(pt, src)
	if err != nil {
		return nil, err
	}
	places, err := planPlaces(pt, src)
	if err != nil {
		return nil, err
	}

	plan := &Plan{PageType: pt, Pages: make([]PagePlan, 0, len(subjects)*len(places))}
	for _, s := range subjects {
		for _, p := range places {
			plan.Pages = append(plan.Pages, PagePlan{
				KeywordID:     s.keywordID,
				ServiceAreaID: p.serviceAreaID,
				LocationID:    p.locationID,
				Keyword:       s.keyword,
				ServiceName:   s.service,
				City:          p.city,
				State:         p.state,
				KeywordSlug:   s.slug,
				LocationSlug:  p.slug,
				PageSlug:      util.JoinSlugs(s.slug, p.slug),
				Language:      s.language,
			})
		}
	}
	return plan, nil
}

func planSubjects(pt PageType, src Sources) ([]subject, error) {
	if pt.UsesKeywords() {
		if len(src.Keywords) == 0 {
			return nil, &EmptyCollectionError{Collection: "keywords"}
		}
		out := make([]subject, 0, len(src.Keywords))
		for _, k := range src.Keywords {
			slug := k.Slug
			if slug == "" {
				slug = util.Slugify(k.Keyword)
			}
			lang := k.Language
			if lang == "" {
				lang = "en"
			}
			out = append(out, subject{keywordID: ptr(k.ID), keyword: k.Keyword, slug: slug, language: lang})
		}
		return out, nil
	}

	if len(src.Services) == 0 {
		return nil, &EmptyCollectionError{Collection: "service offerings"}
	}
	out := make([]subject, 0, len(src.Services))
	for _, name := range src.Services {
		out = append(out, subject{service: name, slug: util.Slugify(name), language: "en"})
	}
	return out, nil
}

func planPlaces(pt PageType, src Sources) ([]place, error) {
	if !pt.UsesLocations() {
		if len(src.ServiceAreas) == 0 {
			return nil, &EmptyCollectionError{Collection: "service areas"}
		}
		out := make([]place, 0, len(src.ServiceAreas))
		for _, a := range src.ServiceAreas {
			slug := a.Slug
			if slug == "" {
				slug = db.AreaSlug(a.City, a.State)
			}
			out = append(out, place{serviceAreaID: ptr(a.ID), city: a.City, state: a.State, slug: slug})
		}
		return out, nil
	}

	out := make([]place, 0, len(src.Locations))
	used := make(map[string]bool, len(src.Locations))
	for _, l := range src.Locations {
		if l.Status != db.LocationStatusActive {
			continue
		}
		out = append(out, place{locationID: ptr(l.ID), city: l.City, state: l.State, slug: locationSlug(l, used)})
	}
	if len(out) == 0 {
		return nil, &EmptyCollectionError{Collection: "active locations"}
	}
	return out, nil
}

// locationSlug is the city slug, qualified by the location name when two
// stores share a city.
func locationSlug(l *db.Location, used map[string]bool) string {
	slug := db.AreaSlug(l.City, l.State)
	if used[slug] {
		slug = util.JoinSlugs(slug, util.Slugify(l.Name))
	}
	base := slug
	for n := 2; used[slug]; n++ {
		slug = base + "-" + strconv.Itoa(n)
	}
	used[slug] = true
	return slug
}

func ptr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
