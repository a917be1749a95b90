package offline

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifier_Classify(t *testing.T) {
	var cfg Config
	cfg.Server.Origin = "http://origin"
	cfg.Rules = []Rule{
		{Match: "PathPrefix(/api/)", Priority: 10, Class: ClassAPI},
		{Match: "PathSuffix(.pdf)", Priority: 20, Class: ClassDocument},
		{Match: "PathPrefix(/static/)", Priority: 30, Class: ClassAsset},
		{Match: "PathPrefix(/admin/)", Priority: 5, Bypass: true},
		{Match: "PathPrefix(/account)", Priority: 6, Class: ClassOther, BypassWhenCookies: []string{"session"}},
	}
	require.NoError(t, cfg.normalize())
	c := newClassifier([]string{"/", "/index.html"}, cfg.Rules)

	cases := []struct {
		method string
		target string
		cookie string
		want   RequestClass
	}{
		{http.MethodGet, "/", "", ClassStatic},
		{http.MethodGet, "/index.html", "", ClassStatic},
		{http.MethodGet, "/api/documents?page=2", "", ClassAPI},
		{http.MethodGet, "/files/Guide.PDF", "", ClassDocument},
		{http.MethodGet, "/static/js/main.js", "", ClassAsset},
		{http.MethodGet, "/about", "", ClassOther},
		{http.MethodGet, "/admin/users", "", ClassBypass},
		{http.MethodGet, "/account", "session", ClassBypass},
		{http.MethodGet, "/account", "", ClassOther},
		{http.MethodPost, "/api/comments", "", ClassBypass},
		{http.MethodDelete, "/files/guide.pdf", "", ClassBypass},
	}
	for _, tc := range cases {
		r := httptest.NewRequest(tc.method, tc.target, nil)
		if tc.cookie != "" {
			r.AddCookie(&http.Cookie{Name: tc.cookie, Value: "1"})
		}
		assert.Equal(t, tc.want, c.classify(r), "%s %s", tc.method, tc.target)
		// Deterministic: classifying again gives the same answer.
		assert.Equal(t, tc.want, c.classify(r), "%s %s", tc.method, tc.target)
	}

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.URL.Scheme = "ftp"
	assert.Equal(t, ClassBypass, c.classify(r))
}

func serve(t *testing.T, h http.Handler, method, target string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(method, target, nil)
	for k, v := range hdr {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func startedService(t *testing.T, origin *testOrigin) (*Service, *switchTransport) {
	t.Helper()
	svc, tr := newTestService(t, testConfig(t, origin.URL), Options{})
	require.NoError(t, svc.Start(context.Background()))
	return svc, tr
}

func TestRouter_DocumentServedFromCacheWhenOffline(t *testing.T) {
	origin := newTestOrigin(t)
	pdf := append([]byte("%PDF-1.7\n"), bytes.Repeat([]byte{0x00, 0xff, 0x10}, 4096)...)
	origin.set("/files/guide.pdf", originPage{body: string(pdf), header: map[string]string{"Content-Type": "application/pdf"}})
	svc, tr := startedService(t, origin)
	h := svc.Handler()

	w := serve(t, h, http.MethodGet, "/files/guide.pdf", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "miss", w.Header().Get(cacheHeader))
	svc.writes.Wait()

	tr.down.Store(true)
	w = serve(t, h, http.MethodGet, "/files/guide.pdf", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "hit", w.Header().Get(cacheHeader))
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))
	assert.True(t, bytes.Equal(pdf, w.Body.Bytes()))
	assert.Equal(t, 1, origin.hitCount("/files/guide.pdf"))
}

func TestRouter_DocumentOfflinePlaceholder(t *testing.T) {
	origin := newTestOrigin(t)
	svc, tr := startedService(t, origin)

	tr.down.Store(true)
	w := serve(t, svc.Handler(), http.MethodGet, "/files/never-seen.pdf", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "offline", w.Header().Get(cacheHeader))
	assert.Equal(t, "<html>offline</html>", w.Body.String())
}

func TestRouter_APIFallsBackToCache(t *testing.T) {
	origin := newTestOrigin(t)
	origin.set("/api/documents", originPage{body: `[{"id":"1"}]`, header: map[string]string{"Content-Type": "application/json"}})
	svc, tr := startedService(t, origin)
	h := svc.Handler()

	w := serve(t, h, http.MethodGet, "/api/documents", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "network", w.Header().Get(cacheHeader))
	svc.writes.Wait()

	origin.set("/api/documents", originPage{body: `[{"id":"1"},{"id":"2"}]`})
	w = serve(t, h, http.MethodGet, "/api/documents", nil)
	assert.Equal(t, `[{"id":"1"},{"id":"2"}]`, w.Body.String())
	svc.writes.Wait()

	tr.down.Store(true)
	w = serve(t, h, http.MethodGet, "/api/documents", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "fallback", w.Header().Get(cacheHeader))
	assert.Equal(t, `[{"id":"1"},{"id":"2"}]`, w.Body.String())
}

func TestRouter_APIWithoutCachePropagatesFailure(t *testing.T) {
	origin := newTestOrigin(t)
	svc, tr := startedService(t, origin)

	tr.down.Store(true)
	w := serve(t, svc.Handler(), http.MethodGet, "/api/never", nil)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, "bad-gateway", w.Header().Get(cacheHeader))
	assert.Contains(t, w.Header().Get("Access-Control-Expose-Headers"), cacheHeader)
}

func TestRouter_NavigationFallsBackToOfflinePage(t *testing.T) {
	origin := newTestOrigin(t)
	svc, tr := startedService(t, origin)

	tr.down.Store(true)
	w := serve(t, svc.Handler(), http.MethodGet, "/library", map[string]string{"Accept": "text/html,application/xhtml+xml"})
	assert.Equal(t, "offline", w.Header().Get(cacheHeader))
	assert.Equal(t, "<html>offline</html>", w.Body.String())

	w = serve(t, svc.Handler(), http.MethodGet, "/library.json", map[string]string{"Accept": "application/json"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestRouter_StaticCacheFirst(t *testing.T) {
	origin := newTestOrigin(t)
	svc, _ := startedService(t, origin)
	before := origin.hitCount("/index.html")

	w := serve(t, svc.Handler(), http.MethodGet, "/index.html", nil)
	assert.Equal(t, "hit", w.Header().Get(cacheHeader))
	assert.Equal(t, "<html>home</html>", w.Body.String())
	assert.Equal(t, before, origin.hitCount("/index.html"))
}

func TestRouter_UncacheableResponsesAreNotStored(t *testing.T) {
	origin := newTestOrigin(t)
	origin.set("/api/me", originPage{body: `{"id":"u1"}`, header: map[string]string{"Cache-Control": "no-store"}})
	origin.set("/api/broken", originPage{status: http.StatusInternalServerError, body: "boom"})
	svc, _ := startedService(t, origin)
	h := svc.Handler()

	w := serve(t, h, http.MethodGet, "/api/me", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = serve(t, h, http.MethodGet, "/api/broken", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "boom", w.Body.String())
	svc.writes.Wait()

	active := svc.lifecycle.ActiveCache()
	_, ok := svc.store.Peek(active, origin.URL+"/api/me")
	assert.False(t, ok)
	_, ok = svc.store.Peek(active, origin.URL+"/api/broken")
	assert.False(t, ok)
}

func TestRouter_NonGETPassesThrough(t *testing.T) {
	var gotMethod, gotBody string
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		gotMethod, gotBody = r.Method, string(b)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer origin.Close()
	cfg := testConfig(t, origin.URL)
	cfg.Cache.Precache = nil
	svc, _ := newTestService(t, cfg, Options{})
	require.NoError(t, svc.Start(context.Background()))

	r := httptest.NewRequest(http.MethodPost, "/api/comments", strings.NewReader(`{"text":"hi"}`))
	w := httptest.NewRecorder()
	svc.Handler().ServeHTTP(w, r)

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "bypass", w.Header().Get(cacheHeader))
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, `{"text":"hi"}`, gotBody)
	assert.Zero(t, svc.store.EntryCount())
}

func TestRouter_StaleWhileRevalidate(t *testing.T) {
	origin := newTestOrigin(t)
	origin.set("/static/app.css", originPage{body: "v1"})
	cfg := testConfig(t, origin.URL)
	cfg.Rules = []Rule{{Match: "PathPrefix(/static/)", Priority: 1, Class: ClassAsset}}
	require.NoError(t, cfg.normalize())
	svc, tr := newTestService(t, cfg, Options{})
	require.NoError(t, svc.Start(context.Background()))
	h := svc.Handler()

	w := serve(t, h, http.MethodGet, "/static/app.css", nil)
	assert.Equal(t, "miss", w.Header().Get(cacheHeader))
	svc.writes.Wait()

	origin.set("/static/app.css", originPage{body: "v2"})
	w = serve(t, h, http.MethodGet, "/static/app.css", nil)
	assert.Equal(t, "stale", w.Header().Get(cacheHeader))
	assert.Equal(t, "v1", w.Body.String())

	require.Eventually(t, func() bool {
		ent, ok := svc.store.Peek(svc.lifecycle.ActiveCache(), origin.URL+"/static/app.css")
		return ok && string(ent.Body) == "v2"
	}, 2*time.Second, 10*time.Millisecond)

	tr.down.Store(true)
	w = serve(t, h, http.MethodGet, "/static/app.css", nil)
	assert.Equal(t, "v2", w.Body.String())
}

func TestRouter_PreflightReachesOrigin(t *testing.T) {
	origin := newTestOrigin(t)
	origin.set("/api/comments", originPage{
		status: http.StatusNoContent,
		header: map[string]string{
			"Access-Control-Allow-Origin":  "https://app.pdfhub.example",
			"Access-Control-Allow-Methods": "POST",
		},
	})
	svc, _ := startedService(t, origin)

	w := serve(t, svc.Handler(), http.MethodOptions, "/api/comments", map[string]string{
		"Origin":                        "https://app.pdfhub.example",
		"Access-Control-Request-Method": http.MethodPost,
	})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "bypass", w.Header().Get(cacheHeader))
	assert.Equal(t, 1, origin.hitCount("/api/comments"))
	assert.Equal(t, []string{"POST"}, w.Header().Values("Access-Control-Allow-Methods"))
}

func TestRouter_OriginCORSHeadersAreNotDuplicated(t *testing.T) {
	origin := newTestOrigin(t)
	origin.set("/api/list", originPage{body: `[]`, header: map[string]string{"Access-Control-Allow-Origin": "*"}})
	svc, tr := startedService(t, origin)
	h := svc.Handler()
	hdr := map[string]string{"Origin": "https://app.pdfhub.example"}

	w := serve(t, h, http.MethodGet, "/api/list", hdr)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"*"}, w.Header().Values("Access-Control-Allow-Origin"))
	svc.writes.Wait()

	tr.down.Store(true)
	w = serve(t, h, http.MethodGet, "/api/list", hdr)
	assert.Equal(t, "fallback", w.Header().Get(cacheHeader))
	assert.Equal(t, []string{"*"}, w.Header().Values("Access-Control-Allow-Origin"))
}

func TestRouter_AdminRoutesKeepCORS(t *testing.T) {
	origin := newTestOrigin(t)
	svc, _ := startedService(t, origin)

	w := serve(t, svc.Handler(), http.MethodOptions, "/_offline/status", map[string]string{
		"Origin":                        "https://app.pdfhub.example",
		"Access-Control-Request-Method": http.MethodGet,
	})
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))

	w = serve(t, svc.Handler(), http.MethodGet, "/_offline/status", map[string]string{"Origin": "https://app.pdfhub.example"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}

func TestRouter_CacheWriteFailureStillServesResponse(t *testing.T) {
	origin := newTestOrigin(t)
	origin.set("/files/fresh.pdf", originPage{body: "%PDF-fresh"})
	origin.set("/api/fresh", originPage{body: `{"ok":true}`})
	svc, _ := startedService(t, origin)
	h := svc.Handler()
	entries := svc.store.EntryCount()

	require.NoError(t, svc.store.Close())

	w := serve(t, h, http.MethodGet, "/files/fresh.pdf", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "miss", w.Header().Get(cacheHeader))
	assert.Equal(t, "%PDF-fresh", w.Body.String())

	w = serve(t, h, http.MethodGet, "/api/fresh", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "network", w.Header().Get(cacheHeader))
	assert.Equal(t, `{"ok":true}`, w.Body.String())

	svc.writes.Wait()
	assert.Equal(t, entries, svc.store.EntryCount())
}
