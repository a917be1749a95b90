package cli

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pdfhub-offline/internal/logger"
	"pdfhub-offline/internal/offline"
)

func TestMain(m *testing.M) {
	logger.UseTestMode()
	os.Exit(m.Run())
}

func writeConfig(t *testing.T) string {
	t.Helper()
	return writeConfigFor(t, "http://127.0.0.1:1")
}

func writeConfigFor(t *testing.T, origin string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "pdfhub.yaml")
	body := `server:
  origin: ` + origin + `
cache:
  version: v7
  precache: ["/", "/offline.html"]
storage:
  path: ` + filepath.Join(dir, "leveldb") + `
network:
  initial: offline
backend:
  supabaseURL: ""
  supabaseKey: ""
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(logger.UseTestMode)

	root := NewRootCmd()
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

func TestQueueList_ShowsPendingActions(t *testing.T) {
	t.Setenv("SUPABASE_URL", "")
	t.Setenv("SUPABASE_ANON_KEY", "")
	path := writeConfig(t)
	cfg, err := offline.LoadConfig(path)
	require.NoError(t, err)

	svc, err := offline.NewService(cfg, offline.Options{})
	require.NoError(t, err)
	queued, err := svc.QueueAction(context.Background(), offline.Action{Kind: offline.KindCommentPost, Target: "doc-9"}, "")
	require.NoError(t, err)
	require.NoError(t, svc.Close())

	out, err := run(t, "queue", "list", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, queued.ID)
	assert.Contains(t, out, "doc-9")
}

func TestQueueList_Empty(t *testing.T) {
	t.Setenv("SUPABASE_URL", "")
	t.Setenv("SUPABASE_ANON_KEY", "")
	out, err := run(t, "queue", "list", "--config", writeConfig(t))
	require.NoError(t, err)
	assert.Contains(t, out, "queue is empty")
}

func TestCaches_ListsRuntimeCache(t *testing.T) {
	t.Setenv("SUPABASE_URL", "")
	t.Setenv("SUPABASE_ANON_KEY", "")
	path := writeConfig(t)
	cfg, err := offline.LoadConfig(path)
	require.NoError(t, err)

	svc, err := offline.NewService(cfg, offline.Options{})
	require.NoError(t, err)
	runtime := svc.Lifecycle().RuntimeCache()
	require.NoError(t, svc.Store().Put(runtime, "http://127.0.0.1:1/docs/a.pdf", offline.CacheEntry{Status: 200, Body: []byte("%PDF")}))
	require.NoError(t, svc.Close())

	out, err := run(t, "caches", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "pdfhub-v7-runtime")
	assert.Contains(t, out, "runtime")
	assert.Contains(t, out, "pdfhub-v7 is not active yet")
}

func TestMissingConfigFails(t *testing.T) {
	_, err := run(t, "sweep", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestCacheRole(t *testing.T) {
	assert.Contains(t, cacheRole("pdfhub-v2", "pdfhub-v2", "pdfhub-v2", "pdfhub-v2-runtime"), "active")
	assert.Contains(t, cacheRole("pdfhub-v1", "pdfhub-v2", "pdfhub-v1", "pdfhub-v2-runtime"), "outdated")
	assert.Contains(t, cacheRole("pdfhub-v2", "pdfhub-v2", "pdfhub-v1", "pdfhub-v2-runtime"), "installed")
	assert.Equal(t, "runtime", cacheRole("pdfhub-v2-runtime", "pdfhub-v2", "pdfhub-v2", "pdfhub-v2-runtime"))
	assert.Contains(t, cacheRole("pdfhub-v0", "pdfhub-v2", "pdfhub-v2", "pdfhub-v2-runtime"), "stale")
}

func TestPrettyAttempts(t *testing.T) {
	assert.Contains(t, prettyAttempts(0, 3), "0/3")
	assert.Contains(t, prettyAttempts(3, 3), "3/3")
}

func newOrigin(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/", "/offline.html":
			_, _ = w.Write([]byte("<html>" + r.URL.Path + "</html>"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestInstall_ActivatesConfiguredVersion(t *testing.T) {
	t.Setenv("SUPABASE_URL", "")
	t.Setenv("SUPABASE_ANON_KEY", "")
	path := writeConfigFor(t, newOrigin(t).URL)

	out, err := run(t, "install", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "active with 2 precached paths")

	out, err = run(t, "caches", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "pdfhub-v7")
	assert.NotContains(t, out, "is not active yet")
}

func TestInstall_FailsWhenOriginIsDown(t *testing.T) {
	t.Setenv("SUPABASE_URL", "")
	t.Setenv("SUPABASE_ANON_KEY", "")
	_, err := run(t, "install", "--config", writeConfig(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "install pdfhub-v7")
}

func TestSweep_RemovesExpiredEntries(t *testing.T) {
	t.Setenv("SUPABASE_URL", "")
	t.Setenv("SUPABASE_ANON_KEY", "")
	path := writeConfig(t)
	cfg, err := offline.LoadConfig(path)
	require.NoError(t, err)

	svc, err := offline.NewService(cfg, offline.Options{})
	require.NoError(t, err)
	dated := func(age time.Duration) offline.CacheEntry {
		return offline.CacheEntry{
			Status: http.StatusOK,
			Header: http.Header{"Date": []string{time.Now().Add(-age).UTC().Format(http.TimeFormat)}},
			Body:   []byte("x"),
		}
	}
	require.NoError(t, svc.Store().Put("pdfhub-v7", "http://127.0.0.1:1/old", dated(60*24*time.Hour)))
	require.NoError(t, svc.Store().Put("pdfhub-v7", "http://127.0.0.1:1/new", dated(time.Hour)))
	require.NoError(t, svc.Close())

	out, err := run(t, "sweep", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "removed 1 expired entries from pdfhub-v7")
}

func TestQueueDrain_KeepsFailedActions(t *testing.T) {
	t.Setenv("SUPABASE_URL", "")
	t.Setenv("SUPABASE_ANON_KEY", "")
	path := writeConfig(t)
	cfg, err := offline.LoadConfig(path)
	require.NoError(t, err)

	svc, err := offline.NewService(cfg, offline.Options{})
	require.NoError(t, err)
	queued, err := svc.QueueAction(context.Background(), offline.Action{Kind: offline.KindCommentPost, Target: "doc-9"}, "")
	require.NoError(t, err)
	require.NoError(t, svc.Close())

	out, err := run(t, "queue", "drain", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "1 pending")
	assert.Contains(t, out, queued.ID)

	out, err = run(t, "queue", "list", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "1/3")
}

func TestLogLevelFlagOverridesConfig(t *testing.T) {
	t.Setenv("SUPABASE_URL", "")
	t.Setenv("SUPABASE_ANON_KEY", "")
	out, err := run(t, "queue", "list", "--log-level", "error", "--config", writeConfig(t))
	require.NoError(t, err)
	assert.NotContains(t, out, "queue is empty")
}

func TestDotEnvWarningIsLogged(t *testing.T) {
	t.Setenv("SUPABASE_URL", "")
	t.Setenv("SUPABASE_ANON_KEY", "")
	path := writeConfig(t)
	dir := t.TempDir()
	// A directory named .env exists but cannot be read as a file.
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".env"), 0o755))
	t.Chdir(dir)

	out, err := run(t, "queue", "list", "--config", path)
	require.NoError(t, err)
	assert.Contains(t, out, "could not load .env")
}
