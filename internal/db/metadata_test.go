package db

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeywordSlugAndDuplicates(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	b := seedBusiness(t, db)

	k := &Keyword{BusinessID: b.ID, Keyword: "Emergency Plumber"}
	require.NoError(t, db.CreateKeyword(ctx, k))
	assert.Equal(t, "emergency-plumber", k.Slug)
	assert.Equal(t, "en", k.Language)

	err := db.CreateKeyword(ctx, &Keyword{BusinessID: b.ID, Keyword: "emergency  plumber!"})
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, db.CreateKeyword(ctx, &Keyword{BusinessID: b.ID, Keyword: "Emergency Plumber", Language: "es"}),
		"same slug in another language is allowed")

	batch := []*Keyword{
		{BusinessID: b.ID, Keyword: "Drain cleaning"},
		{BusinessID: b.ID, Keyword: "Emergency plumber"},
	}
	assert.ErrorIs(t, db.CreateKeywords(ctx, batch), ErrConflict)

	keywords, err := db.ListKeywords(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, keywords, 2, "a failed batch inserts nothing")
}

func TestCreateLocationLinksServiceArea(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	b := seedBusiness(t, db)

	existing := &ServiceArea{BusinessID: b.ID, City: "Round Rock", State: "TX"}
	require.NoError(t, db.CreateServiceArea(ctx, existing))
	assert.Equal(t, "round-rock-tx", existing.Slug)

	loc := &Location{BusinessID: b.ID, Name: "North", City: "Round Rock", State: "TX", IsHeadquarters: true}
	area, err := db.CreateLocation(ctx, loc, true)
	require.NoError(t, err)
	require.NotNil(t, area)
	assert.Equal(t, existing.ID, area.ID, "existing area is reused")
	require.NotNil(t, area.LocationID)
	assert.Equal(t, loc.ID, *area.LocationID)

	south := &Location{BusinessID: b.ID, Name: "South", City: "Austin", State: "TX", IsHeadquarters: true}
	created, err := db.CreateLocation(ctx, south, true)
	require.NoError(t, err)
	require.NotNil(t, created)
	assert.Equal(t, "austin-tx", created.Slug)

	upcoming := &Location{BusinessID: b.ID, Name: "Soon", City: "Waco", State: "TX", Status: LocationStatusUpcoming}
	none, err := db.CreateLocation(ctx, upcoming, true)
	require.NoError(t, err)
	assert.Nil(t, none, "upcoming locations do not get service areas")

	locations, err := db.ListLocations(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, locations, 3)
	hq := 0
	for _, l := range locations {
		if l.IsHeadquarters {
			hq++
			assert.Equal(t, south.ID, l.ID)
		}
	}
	assert.Equal(t, 1, hq, "only one headquarters per business")
}

func TestDeleteLocationUnlinksServiceAreas(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	b := seedBusiness(t, db)

	loc := &Location{BusinessID: b.ID, Name: "Main", City: "Austin", State: "TX"}
	area, err := db.CreateLocation(ctx, loc, true)
	require.NoError(t, err)

	unlinked, err := db.DeleteLocation(ctx, b.ID, loc.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), unlinked)

	areas, err := db.ListServiceAreas(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, areas, 1)
	assert.Equal(t, area.ID, areas[0].ID)
	assert.Nil(t, areas[0].LocationID)

	_, err = db.DeleteLocation(ctx, b.ID, loc.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPromptTemplateVersions(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	v1 := &PromptTemplate{PageType: "keyword-service-area", Name: "base", Template: "Write about {{keyword}}"}
	require.NoError(t, db.CreatePromptTemplate(ctx, v1, true))
	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, 800, v1.WordCount)

	v2 := &PromptTemplate{PageType: "keyword-service-area", Name: "draft", Template: "Draft {{keyword}}"}
	require.NoError(t, db.CreatePromptTemplate(ctx, v2, false))
	assert.Equal(t, 2, v2.Version)

	active, err := db.GetActivePromptTemplate(ctx, "keyword-service-area")
	require.NoError(t, err)
	assert.Equal(t, v1.ID, active.ID)

	_, err = db.ActivatePromptTemplate(ctx, v2.ID)
	require.NoError(t, err)

	active, err = db.GetActivePromptTemplate(ctx, "keyword-service-area")
	require.NoError(t, err)
	assert.Equal(t, v2.ID, active.ID)

	old, err := db.GetPromptTemplate(ctx, v1.ID)
	require.NoError(t, err)
	assert.False(t, old.IsActive)

	_, err = db.GetActivePromptTemplate(ctx, "service-location")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = db.ActivatePromptTemplate(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQuestionnaireUpsert(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	b := seedBusiness(t, db)

	empty, err := db.GetQuestionnaire(ctx, b.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(empty.Data))

	require.NoError(t, db.SaveQuestionnaire(ctx, &Questionnaire{BusinessID: b.ID, Data: json.RawMessage(`{"services":["Drain cleaning"]}`)}))
	require.NoError(t, db.SaveQuestionnaire(ctx, &Questionnaire{BusinessID: b.ID, Data: json.RawMessage(`{"services":["Water heaters"]}`)}))

	q, err := db.GetQuestionnaire(ctx, b.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"services":["Water heaters"]}`, string(q.Data))

	assert.Error(t, db.SaveQuestionnaire(ctx, &Questionnaire{BusinessID: b.ID, Data: json.RawMessage(`{nope`)}))
}

func TestDeleteBusinessWithJobsConflicts(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)

	idle := seedBusiness(t, db)
	require.NoError(t, db.DeleteBusiness(ctx, idle.ID))
	_, err := db.GetBusiness(ctx, idle.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	busy := seedBusiness(t, db)
	seedJob(t, db, busy.ID, 1)
	assert.ErrorIs(t, db.DeleteBusiness(ctx, busy.ID), ErrConflict)

	assert.ErrorIs(t, db.DeleteBusiness(ctx, "missing"), ErrNotFound)
}

func TestListBusinessesByOwner(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	seedBusiness(t, db)
	require.NoError(t, db.CreateBusiness(ctx, &Business{OwnerID: "user-2", Name: "Other"}))

	mine, total, err := db.ListBusinesses(ctx, "user-1", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, mine, 1)

	all, total, err := db.ListBusinesses(ctx, "", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, all, 1)
}

func TestWebhooksRoundTrip(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	b := seedBusiness(t, db)

	w := &Webhook{BusinessID: b.ID, URL: "https://example.com/hook", Events: []string{"job.completed"}, Secret: "s3cret"}
	require.NoError(t, db.CreateWebhook(ctx, w))

	hooks, err := db.ListWebhooks(ctx, b.ID)
	require.NoError(t, err)
	require.Len(t, hooks, 1)
	assert.True(t, hooks[0].Subscribes("job.completed"))
	assert.False(t, hooks[0].Subscribes("job.failed"))
	assert.Equal(t, "s3cret", hooks[0].Secret)

	require.NoError(t, db.DeleteWebhook(ctx, b.ID, w.ID))
	assert.ErrorIs(t, db.DeleteWebhook(ctx, b.ID, w.ID), ErrNotFound)
}
