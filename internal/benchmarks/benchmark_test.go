package benchmarks

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Harvey-AU/seo-pagegen/internal/api"
	"github.com/Harvey-AU/seo-pagegen/internal/cache"
	"github.com/Harvey-AU/seo-pagegen/internal/db"
	"github.com/Harvey-AU/seo-pagegen/internal/jobs"
	"github.com/Harvey-AU/seo-pagegen/internal/util"
)

const benchTemplate = "Write a {{word_count}} word page about {{keyword}} in {{city}}, {{state}} for {{business.name}}. Mention {{services}} and {{business.phone}}."

// Benchmark cache operations - hot path for generation context lookups
func BenchmarkCacheSet(b *testing.B) {
	c := cache.NewInMemoryCache()
	ctx := context.Background()
	business := &db.Business{ID: "b-1", Name: "Acme Plumbing"}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = c.Set(ctx, cache.BusinessKey("b-1"), business, time.Minute)
	}
}

func BenchmarkCacheGet(b *testing.B) {
	c := cache.NewInMemoryCache()
	ctx := context.Background()
	_ = c.Set(ctx, cache.BusinessKey("b-1"), &db.Business{ID: "b-1", Name: "Acme Plumbing"}, time.Minute)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var out db.Business
		_, _ = c.Get(ctx, cache.BusinessKey("b-1"), &out)
	}
}

func BenchmarkCacheConcurrentAccess(b *testing.B) {
	c := cache.NewInMemoryCache()
	ctx := context.Background()

	for i := 0; i < 100; i++ {
		_ = c.Set(ctx, cache.TemplateKey(fmt.Sprint(i)), i, time.Minute)
	}

	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			key := cache.TemplateKey(fmt.Sprint(i % 100))
			if i%2 == 0 {
				var out int
				_, _ = c.Get(ctx, key, &out)
			} else {
				_ = c.Set(ctx, key, i, time.Minute)
			}
			i++
		}
	})
}

// Benchmark slugs - every planned page builds two
func BenchmarkSlugify(b *testing.B) {
	for i := 0; i < b.N; i++ {
		util.Slugify("Emergency Plumber & Drain Cleaning (24/7) in São Paulo")
	}
}

func BenchmarkJoinSlugs(b *testing.B) {
	for i := 0; i < b.N; i++ {
		util.JoinSlugs("emergency-plumber", "round-rock-tx")
	}
}

// Benchmark template rendering - once per page
func BenchmarkRenderTemplate(b *testing.B) {
	vars := map[string]string{
		"word_count":     "800",
		"keyword":        "Emergency Plumber",
		"city":           "Round Rock",
		"state":          "TX",
		"business.name":  "Acme Plumbing",
		"business.phone": "555-0100",
		"services":       "drains, heaters, leaks",
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		jobs.RenderTemplate(benchTemplate, vars)
	}
}

func BenchmarkMissingVariables(b *testing.B) {
	vars := map[string]string{"keyword": "Plumber", "city": "Austin"}
	for i := 0; i < b.N; i++ {
		jobs.MissingVariables(benchTemplate, nil, vars)
	}
}

// Benchmark fan-out planning for a large business
func BenchmarkBuildPlan(b *testing.B) {
	src := jobs.Sources{}
	for i := 0; i < 50; i++ {
		src.Keywords = append(src.Keywords, &db.Keyword{ID: fmt.Sprint("k-", i), Keyword: fmt.Sprint("keyword ", i)})
	}
	for i := 0; i < 40; i++ {
		src.ServiceAreas = append(src.ServiceAreas, &db.ServiceArea{ID: fmt.Sprint("a-", i), City: fmt.Sprint("City ", i), State: "TX"})
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := jobs.BuildPlan(jobs.PageTypeKeywordServiceArea, src); err != nil {
			b.Fatal(err)
		}
	}
}

// Benchmark response helpers
func BenchmarkSuccessResponse(b *testing.B) {
	data := map[string]interface{}{"id": "job-1", "status": "processing", "total_pages": 2000}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/v1/jobs/job-1", nil)
		api.WriteSuccess(w, r, data, "")
	}
}

func BenchmarkNoPagesAvailable(b *testing.B) {
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodPost, "/v1/pages/claim", nil)
		api.WriteNoPagesAvailable(w, r)
	}
}

func BenchmarkRequestIDMiddleware(b *testing.B) {
	handler := api.RequestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		w := httptest.NewRecorder()
		r := httptest.NewRequest(http.MethodGet, "/health", nil)
		handler.ServeHTTP(w, r)
	}
}
