package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Harvey-AU/seo-pagegen/internal/cache"
	"github.com/Harvey-AU/seo-pagegen/internal/db"
	"github.com/Harvey-AU/seo-pagegen/internal/events"
	"github.com/Harvey-AU/seo-pagegen/internal/llm"
	"github.com/Harvey-AU/seo-pagegen/internal/queue"
	"github.com/stretchr/testify/require"
)

const testTemplate = "Write a {{word_count}} word page about {{keyword}}{{service}} in {{city}}, {{state}} for {{business.name}}."

type testEnv struct {
	db       *db.DB
	business *db.Business
	recorder *events.Recorder
	notifier *recordingNotifier
	cache    *cache.InMemoryCache
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	store, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	b := &db.Business{OwnerID: "user-1", Name: "Acme Plumbing", Industry: "Plumbing", City: "Austin", State: "TX"}
	require.NoError(t, store.CreateBusiness(ctx, b))

	return &testEnv{
		db:       store,
		business: b,
		recorder: &events.Recorder{},
		notifier: &recordingNotifier{},
		cache:    cache.NewInMemoryCache(),
	}
}

// seedKeywordAreas adds keywords and service areas plus an active template
func (e *testEnv) seedKeywordAreas(t *testing.T, keywords []string, cities []string) {
	t.Helper()
	ctx := context.Background()

	kws := make([]*db.Keyword, 0, len(keywords))
	for _, k := range keywords {
		kws = append(kws, &db.Keyword{BusinessID: e.business.ID, Keyword: k})
	}
	require.NoError(t, e.db.CreateKeywords(ctx, kws))

	for _, c := range cities {
		require.NoError(t, e.db.CreateServiceArea(ctx, &db.ServiceArea{BusinessID: e.business.ID, City: c, State: "TX"}))
	}
	e.seedTemplate(t, string(PageTypeKeywordServiceArea))
}

func (e *testEnv) seedTemplate(t *testing.T, pageType string) {
	t.Helper()
	tmpl := &db.PromptTemplate{PageType: pageType, Name: "default", Template: testTemplate, WordCount: 500}
	require.NoError(t, e.db.CreatePromptTemplate(context.Background(), tmpl, true))
}

func (e *testEnv) seedServices(t *testing.T, services ...string) {
	t.Helper()
	data, err := json.Marshal(map[string]any{"services": services})
	require.NoError(t, err)
	require.NoError(t, e.db.SaveQuestionnaire(context.Background(), &db.Questionnaire{BusinessID: e.business.ID, Data: data}))
}

func (e *testEnv) manager(opts ...Option) *JobManager {
	base := []Option{WithEvents(e.recorder), WithNotifier(e.notifier)}
	return NewJobManager(e.db, e.db, append(base, opts...)...)
}

// notified waits for jm's notifications to land and returns what the
// recording notifier saw
func (e *testEnv) notified(t *testing.T, jm *JobManager) []*db.GenerationJob {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, jm.WaitNotifications(ctx))
	return e.notifier.Jobs()
}

type recordingNotifier struct {
	mu   sync.Mutex
	jobs []*db.GenerationJob
}

func (n *recordingNotifier) Notify(_ context.Context, job *db.GenerationJob) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.jobs = append(n.jobs, job)
}

func (n *recordingNotifier) Jobs() []*db.GenerationJob {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*db.GenerationJob(nil), n.jobs...)
}

// scriptedGenerator fails for prompts whose subject contains failOn, and
// for the first failFirst calls overall
type scriptedGenerator struct {
	mu        sync.Mutex
	calls     int
	failFirst int
	failOn    string
	prompts   []llm.Prompt
}

var errGeneration = errors.New("model unavailable")

func (g *scriptedGenerator) Name() string { return "scripted" }

func (g *scriptedGenerator) Generate(ctx context.Context, prompt llm.Prompt) (*llm.Generated, error) {
	g.mu.Lock()
	g.calls++
	calls := g.calls
	g.prompts = append(g.prompts, prompt)
	g.mu.Unlock()

	if calls <= g.failFirst {
		return nil, errGeneration
	}
	if g.failOn != "" && strings.Contains(prompt.Subject(), g.failOn) {
		return nil, errGeneration
	}
	return llm.StubGenerator{}.Generate(ctx, prompt)
}

func (g *scriptedGenerator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// flakyPublisher fails every publish while down is set, then forwards to q
type flakyPublisher struct {
	q    *queue.MemoryQueue
	down atomic.Bool
}

func (p *flakyPublisher) Publish(ctx context.Context, msgs []queue.Message) error {
	if p.down.Load() {
		return errors.New("broker unavailable")
	}
	return p.q.Publish(ctx, msgs)
}
