package offline

import (
	"context"
	"hash/crc32"
	"io"
	"net/http"
	"strings"
	"time"
)

const cacheHeader = "X-Pdfhub-Cache"

// classifier maps a request to its routing class. It is rebuilt whenever a
// new version is activated and never mutated afterwards.
type classifier struct {
	precache map[string]struct{}
	rules    []Rule
}

func newClassifier(precache []string, rules []Rule) *classifier {
	c := &classifier{precache: make(map[string]struct{}, len(precache)), rules: rules}
	for _, p := range precache {
		c.precache[p] = struct{}{}
	}
	return c
}

// classify is deterministic and reads nothing but the request.
func (c *classifier) classify(r *http.Request) RequestClass {
	if r.Method != http.MethodGet {
		return ClassBypass
	}
	if sch := r.URL.Scheme; sch != "" && sch != "http" && sch != "https" {
		return ClassBypass
	}
	path := r.URL.Path
	if _, ok := c.precache[path]; ok {
		return ClassStatic
	}
	for i := range c.rules {
		rule := &c.rules[i]
		if !rule.Matches(path) {
			continue
		}
		if hasAnyCookie(r, rule.BypassWhenCookies) {
			return ClassBypass
		}
		return rule.Class
	}
	return ClassOther
}

func hasAnyCookie(r *http.Request, names []string) bool {
	if len(names) == 0 {
		return false
	}
	need := make(map[string]struct{}, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n != "" {
			need[n] = struct{}{}
		}
	}
	for _, c := range r.Cookies() {
		if _, ok := need[c.Name]; ok {
			return true
		}
	}
	return false
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	class := s.classifier.Load().classify(r)
	if class == ClassBypass {
		s.proxyPass(w, r)
		return
	}

	key := s.cacheKey(r)
	switch class {
	case ClassStatic:
		s.cacheFirst(w, r, key, false)
	case ClassDocument:
		s.cacheFirst(w, r, key, true)
	case ClassAsset:
		s.staleWhileRevalidate(w, r, key)
	case ClassAPI:
		s.networkFirst(w, r, key, false)
	default:
		s.networkFirst(w, r, key, acceptsHTML(r))
	}
}

// cacheKey is the absolute origin URL the request resolves to.
func (s *Service) cacheKey(r *http.Request) string {
	return s.cfg.Server.Origin + r.URL.RequestURI()
}

// readCaches lists the caches consulted on lookup, primary first.
func (s *Service) readCaches() []string {
	active := s.lifecycle.ActiveCache()
	return []string{active, s.cfg.RuntimeCacheName(active)}
}

func acceptsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func (s *Service) cacheFirst(w http.ResponseWriter, r *http.Request, key string, offlineFallback bool) {
	if ent, _, ok := s.store.MatchAny(key, s.readCaches()...); ok {
		s.writeEntryWithStats(w, ent, "hit")
		return
	}

	ent, cacheable, err := s.fetchFromOrigin(r.Context(), r)
	if err != nil {
		if offlineFallback {
			s.serveOfflinePage(w)
			return
		}
		s.badGateway(w)
		return
	}
	if cacheable {
		s.storeCopy(s.lifecycle.ActiveCache(), key, ent)
	}
	s.writeEntryWithStats(w, ent, "miss")
}

func (s *Service) networkFirst(w http.ResponseWriter, r *http.Request, key string, offlineFallback bool) {
	ent, cacheable, err := s.fetchFromOrigin(r.Context(), r)
	if err == nil {
		if cacheable {
			s.storeCopy(s.lifecycle.ActiveCache(), key, ent)
		}
		s.writeEntryWithStats(w, ent, "network")
		return
	}

	if cached, _, ok := s.store.MatchAny(key, s.readCaches()...); ok {
		s.writeEntryWithStats(w, cached, "fallback")
		return
	}
	if offlineFallback {
		s.serveOfflinePage(w)
		return
	}
	s.badGateway(w)
}

func (s *Service) staleWhileRevalidate(w http.ResponseWriter, r *http.Request, key string) {
	if ent, cache, ok := s.store.MatchAny(key, s.readCaches()...); ok {
		s.writeEntryWithStats(w, ent, "stale")
		s.revalidateAsync(cache, key, r)
		return
	}
	s.cacheFirst(w, r, key, false)
}

func (s *Service) serveOfflinePage(w http.ResponseWriter) {
	key := s.cfg.Server.Origin + s.cfg.Cache.OfflinePage
	if ent, _, ok := s.store.MatchAny(key, s.readCaches()...); ok {
		s.writeEntryWithStats(w, ent, "offline")
		return
	}
	setCacheHeaders(w.Header(), "offline")
	http.Error(w, "offline", http.StatusServiceUnavailable)
	s.stats.Observe("offline", 0)
}

func (s *Service) badGateway(w http.ResponseWriter) {
	setCacheHeaders(w.Header(), "bad-gateway")
	http.Error(w, "bad gateway", http.StatusBadGateway)
	s.stats.Observe("bad-gateway", 0)
}

// proxyPass forwards the request untouched (method and body included).
func (s *Service) proxyPass(w http.ResponseWriter, r *http.Request) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, s.cfg.Server.Origin+r.URL.RequestURI(), r.Body)
	if err != nil {
		s.badGateway(w)
		return
	}
	copyHeaders(req.Header, r.Header)
	req.ContentLength = r.ContentLength

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.badGateway(w)
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setCacheHeaders(w.Header(), "bypass")
	w.WriteHeader(resp.StatusCode)
	n, _ := io.Copy(w, resp.Body)
	s.stats.Observe("bypass", int(n))
}

func writeEntry(w http.ResponseWriter, ent CacheEntry, outcome string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, cacheHeader) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setCacheHeaders(w.Header(), outcome)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)
}

func setCacheHeaders(h http.Header, outcome string) {
	if outcome != "" {
		h.Set(cacheHeader, outcome)
	}
	// Browsers hide custom headers from scripts unless they are exposed.
	ensureExposedHeader(h, cacheHeader)
}

func ensureExposedHeader(h http.Header, name string) {
	if name == "" {
		return
	}

	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}

	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func (s *Service) writeEntryWithStats(w http.ResponseWriter, ent CacheEntry, outcome string) {
	writeEntry(w, ent, outcome)
	s.stats.Observe(outcome, len(ent.Body))
}

// fetchFromOrigin performs a GET against the origin. A non-nil error means
// the network failed; any HTTP status is a successful fetch. cacheable is
// false for non-2xx and for no-store/no-cache responses.
func (s *Service) fetchFromOrigin(ctx context.Context, r *http.Request) (CacheEntry, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.Server.Origin+r.URL.RequestURI(), nil)
	if err != nil {
		return CacheEntry{}, false, err
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")
	return s.doFetch(req, "network")
}

func (s *Service) doFetch(req *http.Request, source string) (CacheEntry, bool, error) {
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return CacheEntry{}, false, newError(KindNetwork, "fetch "+req.URL.String(), err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CacheEntry{}, false, newError(KindNetwork, "read "+req.URL.String(), err)
	}

	ent := CacheEntry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(body),
		Source:   source,
	}
	ent.Header.Del("Content-Length")
	return ent, isCacheable(resp), nil
}

func isCacheable(resp *http.Response) bool {
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return false
	}
	cc := strings.ToLower(resp.Header.Get("Cache-Control"))
	return !strings.Contains(cc, "no-store") && !strings.Contains(cc, "no-cache")
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

// storeCopy writes ent in the background. The response never waits on it;
// failures are logged by the observer goroutine.
func (s *Service) storeCopy(cache, key string, ent CacheEntry) {
	res := s.store.PutAsync(cache, key, ent)
	s.writes.Add(1)
	go func() {
		defer s.writes.Done()
		if err := <-res; err != nil {
			s.warn.Warn("cache-put", "caching %s failed: %v", key, err)
		}
	}()
}

func (s *Service) revalidateAsync(cache, key string, r *http.Request) {
	select {
	case s.bgSem <- struct{}{}:
	default:
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	uri := r.URL.RequestURI()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.bgSem }()
		defer cancel()

		s.revalidateOnce(ctx, cache, key, uri)
	}()
}

func (s *Service) revalidateOnce(ctx context.Context, cache, key, uri string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.Server.Origin+uri, nil)
	if err != nil {
		return
	}
	req.Header.Set("Accept-Encoding", "identity")

	ent, cacheable, err := s.doFetch(req, "revalidate")
	if err != nil {
		// Offline: keep serving the stale copy.
		return
	}
	if !cacheable {
		if err := s.store.Delete(cache, key); err != nil {
			s.warn.Warn("cache-delete", "dropping %s failed: %v", key, err)
		}
		return
	}
	if cur, ok := s.store.Peek(cache, key); ok && cur.Hash32 == ent.Hash32 {
		return
	}
	if err := s.store.Put(cache, key, ent); err != nil {
		s.warn.Warn("cache-put", "revalidating %s failed: %v", key, err)
	}
}
