package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/Harvey-AU/seo-pagegen/internal/db"
	"github.com/joho/godotenv"
	"github.com/stretchr/testify/require"
)

// LoadTestEnv sets DATABASE_URL from TEST_DATABASE_URL in .env.test unless
// the environment already provides one
func LoadTestEnv(t *testing.T) {
	t.Helper()

	if os.Getenv("DATABASE_URL") != "" {
		return
	}

	envPath := findEnvTestFile()
	if envPath == "" {
		return
	}

	envMap, err := godotenv.Read(envPath)
	if err != nil {
		t.Logf("Warning: failed to read %s: %v", envPath, err)
		return
	}

	if testDBURL, ok := envMap["TEST_DATABASE_URL"]; ok {
		t.Setenv("DATABASE_URL", testDBURL)
	}
}

// findEnvTestFile looks for .env.test in the working directory and up to
// four parents
func findEnvTestFile() string {
	dir, _ := os.Getwd()
	for range 5 {
		envPath := filepath.Join(dir, ".env.test")
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return ""
}

// PostgresDB connects to the test PostgreSQL database on a freshly reset
// schema. The test is skipped when no database is configured.
func PostgresDB(t *testing.T) *db.DB {
	t.Helper()
	LoadTestEnv(t)

	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set, skipping PostgreSQL test")
	}

	store, err := db.New(&db.Config{Driver: db.DriverPostgres, DatabaseURL: url})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.ResetSchema(context.Background()))
	return store
}

// MemoryDB opens an in-process SQLite database with the schema applied
func MemoryDB(t *testing.T) *db.DB {
	t.Helper()
	store, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// SeedBusiness creates an Austin business owned by ownerID with the given
// keywords and one service area per city
func SeedBusiness(t *testing.T, store *db.DB, ownerID string, keywords, cities []string) *db.Business {
	t.Helper()
	ctx := context.Background()

	b := &db.Business{OwnerID: ownerID, Name: "Acme Plumbing", Industry: "Plumbing", City: "Austin", State: "TX"}
	require.NoError(t, store.CreateBusiness(ctx, b))

	if len(keywords) > 0 {
		kws := make([]*db.Keyword, 0, len(keywords))
		for _, k := range keywords {
			kws = append(kws, &db.Keyword{BusinessID: b.ID, Keyword: k})
		}
		require.NoError(t, store.CreateKeywords(ctx, kws))
	}

	for _, city := range cities {
		require.NoError(t, store.CreateServiceArea(ctx, &db.ServiceArea{BusinessID: b.ID, City: city, State: "TX"}))
	}
	return b
}
