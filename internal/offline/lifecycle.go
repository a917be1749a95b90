package offline

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pdfhub-offline/internal/logger"
)

const (
	precacheKeyPrefix = "precache_"
	installParallel   = 8
)

// Lifecycle installs and activates versioned primary caches. Only one install
// or activation runs at a time.
type Lifecycle struct {
	cfg    Config
	store  *Store
	ls     *LocalStorage
	client *http.Client
	log    *zap.SugaredLogger

	// onActivate runs after a version becomes active with its precache paths.
	onActivate func(active string, precache []string)

	run sync.Mutex // serializes Install/Activate/Update

	mu        sync.Mutex
	state     LifecycleState
	active    string
	precache  []string
	installed []string
	lastErr   string
	updatedAt time.Time
}

// LifecycleStatus is a point-in-time view for the admin API and CLI.
type LifecycleStatus struct {
	State     LifecycleState `json:"state"`
	Current   string         `json:"current"`
	Active    string         `json:"active"`
	Runtime   string         `json:"runtime"`
	Precache  []string       `json:"precache"`
	LastError string         `json:"lastError,omitempty"`
	UpdatedAt time.Time      `json:"updatedAt"`
}

func NewLifecycle(cfg Config, store *Store, client *http.Client) *Lifecycle {
	return &Lifecycle{
		cfg:    cfg,
		store:  store,
		ls:     store.LocalStorage(),
		client: client,
		log:    logger.With("component", "lifecycle"),
		state:  StateIdle,
	}
}

// Boot restores the persisted active version. When the configured version is
// already active nothing is fetched; otherwise it installs and activates it.
// An install failure leaves the previous version active and is returned.
func (l *Lifecycle) Boot(ctx context.Context) error {
	active := l.Restore()

	current := l.cfg.CurrentCacheName()
	if active == current && l.store.HasCache(current) {
		l.setState(StateActivated, nil)
		l.log.Infof("cache %s already active", current)
		return nil
	}
	return l.Update(ctx)
}

// Restore loads the persisted active version without fetching anything and
// returns it, or "" when no version was ever activated.
func (l *Lifecycle) Restore() string {
	active, ok, err := l.ls.Get(activeCacheKey)
	if err != nil {
		l.log.Warnf("reading active cache failed: %v", err)
	}
	if !ok || active == "" {
		return ""
	}
	precache := l.loadPrecache(active)
	l.mu.Lock()
	l.active = active
	l.precache = precache
	l.mu.Unlock()
	if l.onActivate != nil {
		l.onActivate(active, precache)
	}
	return active
}

// Update installs the configured version and activates it on success.
func (l *Lifecycle) Update(ctx context.Context) error {
	if err := l.Install(ctx); err != nil {
		return err
	}
	return l.Activate(ctx)
}

// Install fetches every precache path and stores them in the version-tagged
// cache in one batch. If any fetch fails nothing is written.
func (l *Lifecycle) Install(ctx context.Context) error {
	l.run.Lock()
	defer l.run.Unlock()

	current := l.cfg.CurrentCacheName()
	l.setState(StateInstalling, nil)
	l.log.Infof("installing %s", current)

	paths, err := l.resolvePrecache(ctx)
	if err != nil {
		return l.failInstall(current, err)
	}

	entries := make(map[string]CacheEntry, len(paths))
	var entriesMu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(installParallel)
	for _, p := range paths {
		g.Go(func() error {
			ent, err := l.fetchForInstall(gctx, p)
			if err != nil {
				return fmt.Errorf("precache %s: %w", p, err)
			}
			entriesMu.Lock()
			entries[l.cfg.Server.Origin+p] = ent
			entriesMu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return l.failInstall(current, err)
	}

	if err := <-l.store.PutAll(current, entries); err != nil {
		return l.failInstall(current, err)
	}
	if err := l.savePrecache(current, paths); err != nil {
		l.log.Warnf("saving precache list for %s failed: %v", current, err)
	}

	l.mu.Lock()
	l.installed = paths
	l.mu.Unlock()
	l.setState(StateInstalled, nil)
	l.log.Infof("installed %s with %d entries", current, len(entries))
	return nil
}

func (l *Lifecycle) failInstall(current string, err error) error {
	e := newError(KindInstall, "install "+current, err)
	l.setState(StateRedundant, e)
	l.log.Errorf("install of %s failed, %s keeps serving: %v", current, l.ActiveCache(), err)
	return e
}

func (l *Lifecycle) fetchForInstall(ctx context.Context, path string) (CacheEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.cfg.Server.Origin+path, nil)
	if err != nil {
		return CacheEntry{}, err
	}
	req.Header.Set("Accept-Encoding", "identity")
	resp, err := l.client.Do(req)
	if err != nil {
		return CacheEntry{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return CacheEntry{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return CacheEntry{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	ent := CacheEntry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     body,
		StoredAt: time.Now().Unix(),
		Hash32:   crc32.ChecksumIEEE(body),
		Source:   "precache",
	}
	ent.Header.Del("Content-Length")
	return ent, nil
}

// Activate makes the installed version current and deletes every named
// cache that does not belong to it. Only the current primary cache and its
// runtime cache survive.
func (l *Lifecycle) Activate(ctx context.Context) error {
	l.run.Lock()
	defer l.run.Unlock()

	current := l.cfg.CurrentCacheName()
	if !l.store.HasCache(current) {
		return newError(KindNotFound, "activate "+current, ErrNotCached)
	}
	l.setState(StateActivating, nil)

	keep := map[string]struct{}{current: {}, l.cfg.RuntimeCacheName(current): {}}
	for _, name := range l.store.Caches() {
		if _, ok := keep[name]; ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := l.store.DeleteCache(name); err != nil {
			l.log.Warnf("deleting old cache %s failed: %v", name, err)
			continue
		}
		_ = l.ls.Remove(precacheKeyPrefix + name)
		l.log.Infof("deleted old cache %s", name)
	}

	if err := l.ls.Set(activeCacheKey, current); err != nil {
		l.setState(StateInstalled, err)
		return err
	}

	l.mu.Lock()
	precache := l.installed
	if precache == nil {
		precache = l.loadPrecache(current)
	}
	l.active = current
	l.precache = precache
	l.mu.Unlock()
	l.setState(StateActivated, nil)

	if l.onActivate != nil {
		l.onActivate(current, precache)
	}
	l.log.Infof("activated %s", current)
	return nil
}

// ActiveCache is the primary cache currently serving; before any successful
// activation it is the configured version.
func (l *Lifecycle) ActiveCache() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.active == "" {
		return l.cfg.CurrentCacheName()
	}
	return l.active
}

// RuntimeCache is the runtime cache paired with the active primary cache.
func (l *Lifecycle) RuntimeCache() string {
	return l.cfg.RuntimeCacheName(l.ActiveCache())
}

func (l *Lifecycle) State() LifecycleState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// UpdateAvailable reports whether the configured version differs from the
// one serving traffic.
func (l *Lifecycle) UpdateAvailable() bool {
	return l.ActiveCache() != l.cfg.CurrentCacheName()
}

func (l *Lifecycle) Status() LifecycleStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	active := l.active
	if active == "" {
		active = l.cfg.CurrentCacheName()
	}
	return LifecycleStatus{
		State:     l.state,
		Current:   l.cfg.CurrentCacheName(),
		Active:    active,
		Runtime:   l.cfg.RuntimeCacheName(active),
		Precache:  append([]string(nil), l.precache...),
		LastError: l.lastErr,
		UpdatedAt: l.updatedAt,
	}
}

func (l *Lifecycle) setState(st LifecycleState, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = st
	l.updatedAt = time.Now().UTC()
	l.lastErr = ""
	if err != nil {
		l.lastErr = err.Error()
	}
}

func (l *Lifecycle) savePrecache(cache string, paths []string) error {
	b, err := json.Marshal(paths)
	if err != nil {
		return err
	}
	return l.ls.Set(precacheKeyPrefix+cache, string(b))
}

// loadPrecache falls back to the configured list when nothing was persisted.
func (l *Lifecycle) loadPrecache(cache string) []string {
	raw, ok, err := l.ls.Get(precacheKeyPrefix + cache)
	if err != nil || !ok {
		return append([]string(nil), l.cfg.Cache.Precache...)
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return append([]string(nil), l.cfg.Cache.Precache...)
	}
	return out
}
