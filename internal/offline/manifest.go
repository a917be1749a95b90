package offline

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
)

// assetManifest is the bundler's asset-manifest.json. Only the file map is
// used; entrypoints are always listed there as well.
type assetManifest struct {
	Files map[string]string `json:"files"`
}

// resolvePrecache returns the configured precache paths followed by any
// paths discovered from the asset manifest, without duplicates.
func (l *Lifecycle) resolvePrecache(ctx context.Context) ([]string, error) {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(l.cfg.Cache.Precache))
	add := func(p string) {
		if p == "" {
			return
		}
		if _, ok := seen[p]; ok {
			return
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	for _, p := range l.cfg.Cache.Precache {
		add(p)
	}
	if strings.TrimSpace(l.cfg.Cache.AssetManifest) == "" {
		return out, nil
	}

	discovered, err := l.discoverManifest(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range discovered {
		add(p)
	}
	return out, nil
}

func (l *Lifecycle) discoverManifest(ctx context.Context) ([]string, error) {
	manifestURL := l.absoluteURL(l.cfg.Cache.AssetManifest)
	doc, err := l.fetchManifest(ctx, manifestURL)
	if err != nil {
		return nil, fmt.Errorf("fetch asset manifest %q: %w", manifestURL, err)
	}

	paths := make([]string, 0, len(doc.Files))
	ignored := 0
	for _, loc := range doc.Files {
		p := normalizePathFromLoc(loc)
		if p == "" || strings.HasSuffix(p, ".map") {
			ignored++
			continue
		}
		paths = append(paths, p)
	}
	sort.Strings(paths)
	l.log.Debugf("asset manifest %s: %d paths, %d ignored", manifestURL, len(paths), ignored)
	return paths, nil
}

func (l *Lifecycle) fetchManifest(ctx context.Context, manifestURL string) (assetManifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, manifestURL, nil)
	if err != nil {
		return assetManifest{}, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return assetManifest{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return assetManifest{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return assetManifest{}, err
	}

	// Some hosts serve a pre-compressed manifest without Content-Encoding.
	tryGzip := strings.HasSuffix(strings.ToLower(manifestURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if tryGzip {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			defer gz.Close()
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
		}
	}

	var doc assetManifest
	if err := json.Unmarshal(body, &doc); err != nil {
		return assetManifest{}, err
	}
	return doc, nil
}

func (l *Lifecycle) absoluteURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" {
		return u
	}
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return l.cfg.Server.Origin + u
}

func normalizePathFromLoc(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		u, err := url.Parse(loc)
		if err != nil {
			return ""
		}
		if u.Path == "" {
			return "/"
		}
		if !strings.HasPrefix(u.Path, "/") {
			return "/" + u.Path
		}
		return u.Path
	}
	if !strings.HasPrefix(loc, "/") {
		loc = "/" + loc
	}
	return loc
}
