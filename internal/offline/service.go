package offline

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"pdfhub-offline/internal/logger"
)

// Options carries the collaborators the service talks to. Nil fields get
// working defaults.
type Options struct {
	Executor   Executor
	Identity   Identity
	Indicator  Indicator
	Translator Translator
	Tracker    Tracker
	HTTPClient *http.Client
}

// Service owns every piece of offline state: the store, the lifecycle, the
// action queue and the connectivity monitor. Create it with NewService, call
// Start once, and Close on shutdown.
type Service struct {
	cfg Config

	httpClient *http.Client

	store     *Store
	ls        *LocalStorage
	lifecycle *Lifecycle
	queue     *ActionQueue
	monitor   *Monitor
	janitor   *Janitor

	classifier atomic.Pointer[classifier]

	identity Identity
	ind      Indicator
	banner   *Banner
	tr       Translator
	tracker  Tracker

	bgSem   chan struct{}
	updates chan struct{}

	started atomic.Bool
	cancel  context.CancelFunc
	stopCh  chan struct{}
	closed  sync.Once
	wg      sync.WaitGroup
	writes  sync.WaitGroup

	activeMu   sync.Mutex
	lastActive string

	warn  *rateLimitedLogger
	stats *statsCollector
	log   *zap.SugaredLogger
}

func NewService(cfg Config, opts Options) (*Service, error) {
	ramMax, err := parseBytes(cfg.Storage.RAM.Max)
	if err != nil {
		return nil, fmt.Errorf("storage.ram.max: %w", err)
	}
	diskMax, err := parseBytes(cfg.Storage.Disk.Max)
	if err != nil {
		return nil, fmt.Errorf("storage.disk.max: %w", err)
	}
	store, err := OpenStore(cfg.Storage.Path, ramMax, diskMax)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:        cfg,
		httpClient: opts.HTTPClient,
		store:      store,
		ls:         store.LocalStorage(),
		identity:   opts.Identity,
		ind:        opts.Indicator,
		tr:         opts.Translator,
		tracker:    opts.Tracker,
		bgSem:      make(chan struct{}, 32),
		updates:    make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
		warn:       newRateLimitedLogger(time.Minute),
		stats:      newStatsCollector(),
		log:        logger.With("component", "offline"),
	}
	if s.httpClient == nil {
		s.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if s.ind == nil {
		s.banner = NewBanner()
		s.ind = s.banner
	} else if b, ok := s.ind.(*Banner); ok {
		s.banner = b
	}
	if s.tr == nil {
		s.tr = keyTranslator{}
	}
	if s.tracker == nil {
		s.tracker = LogTracker{}
	}

	exec := opts.Executor
	if exec == nil {
		exec = ExecutorFunc(func(context.Context, Action) error {
			return newError(KindReplay, "execute", errors.New("no backend configured"))
		})
	}
	s.queue, err = NewActionQueue(s.ls, exec, cfg.Queue.MaxAttempts)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	s.classifier.Store(newClassifier(cfg.Cache.Precache, cfg.Rules))
	s.lifecycle = NewLifecycle(cfg, store, s.httpClient)
	s.lifecycle.onActivate = s.onActivate
	s.janitor = NewJanitor(store, s.lifecycle.ActiveCache, cfg.Retention())
	s.monitor = NewMonitor(true, s.ind, s.tr, s.tracker, func(ctx context.Context) {
		_, _ = s.drain(ctx)
	})
	return s, nil
}

// Start boots the lifecycle and launches the monitor, janitor, update and
// stats loops. Boot failures are logged; the previous version keeps serving.
func (s *Service) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("service already started")
	}
	ctx, s.cancel = context.WithCancel(ctx)

	s.monitor.online.Store(s.initialOnline(ctx))
	s.log.Infof("initial network state: online=%v", s.monitor.Online())

	if err := s.lifecycle.Boot(ctx); err != nil {
		s.log.Errorf("boot: %v", err)
	}

	s.goLoop(func() { s.monitor.Run(ctx) })
	s.goLoop(func() { s.updateLoop(ctx) })
	if every := s.cfg.SweepEvery(); every > 0 {
		t := time.NewTicker(every)
		s.goLoop(func() {
			defer t.Stop()
			s.janitor.Run(ctx, t.C)
		})
	}
	if every := s.cfg.StatsEvery(); every > 0 {
		s.goLoop(func() { s.statsLoop(every) })
	}
	return nil
}

func (s *Service) goLoop(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *Service) initialOnline(ctx context.Context) bool {
	switch s.cfg.Network.Initial {
	case "online":
		return true
	case "offline":
		return false
	default:
		return probeOrigin(ctx, s.cfg.Server.Origin, s.cfg.Network.probeTimeoutDur)
	}
}

// Close stops every loop, waits for in-flight cache writes and closes the store.
func (s *Service) Close() error {
	var err error
	s.closed.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		close(s.stopCh)
		s.wg.Wait()
		s.writes.Wait()
		err = s.store.Close()
	})
	return err
}

func (s *Service) updateLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.updates:
			if err := s.lifecycle.Update(ctx); err != nil {
				s.log.Errorf("update: %v", err)
			}
		}
	}
}

// RequestUpdate schedules an install and activation of the configured
// version. Requests made while one is pending collapse into it.
func (s *Service) RequestUpdate() {
	select {
	case s.updates <- struct{}{}:
	default:
	}
}

func (s *Service) onActivate(active string, precache []string) {
	s.classifier.Store(newClassifier(precache, s.cfg.Rules))

	s.activeMu.Lock()
	prev := s.lastActive
	s.lastActive = active
	s.activeMu.Unlock()
	if prev != "" && prev != active {
		s.ind.Notify("info", s.tr.T("updateAvailable"))
		s.tracker.Track("cache_updated", map[string]any{"from": prev, "to": active})
	}
}

// NotifyNetwork feeds a connectivity change to the monitor.
func (s *Service) NotifyNetwork(ctx context.Context, online bool) error {
	return s.monitor.Signal(ctx, online)
}

func (s *Service) Online() bool { return s.monitor.Online() }

// CachePDF fetches a document and pins it in the runtime cache, then records
// the per-document offline flag.
func (s *Service) CachePDF(ctx context.Context, id, rawURL string) (bool, error) {
	if strings.TrimSpace(id) == "" || strings.TrimSpace(rawURL) == "" {
		return false, newError(KindValidation, "cache document", errors.New("id and url are required"))
	}
	if !s.monitor.Online() {
		return false, newError(KindNetwork, "cache document "+id, ErrOffline)
	}
	abs := s.absoluteURL(rawURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, abs, nil)
	if err != nil {
		return false, newError(KindValidation, "cache document "+id, err)
	}
	req.Header.Set("Accept-Encoding", "identity")

	ent, _, err := s.doFetch(req, "pin")
	if err != nil {
		return false, err
	}
	if ent.Status < 200 || ent.Status >= 300 {
		return false, newError(KindNetwork, "cache document "+id, fmt.Errorf("unexpected status %d", ent.Status))
	}
	if err := s.store.Put(s.lifecycle.RuntimeCache(), abs, ent); err != nil {
		return false, err
	}
	if err := s.ls.Set(cachedFlagPrefix+id, abs); err != nil {
		return false, err
	}

	s.ind.Notify("success", s.tr.T("availableOffline"))
	s.tracker.Track("pdf_cached", map[string]any{"id": id, "bytes": len(ent.Body)})
	return true, nil
}

// IsAvailableOffline reports whether the document pinned under id is still
// stored. A flag whose entry was evicted is cleared.
func (s *Service) IsAvailableOffline(id string) bool {
	u, ok, err := s.ls.Get(cachedFlagPrefix + id)
	if err != nil || !ok {
		return false
	}
	for _, c := range []string{s.lifecycle.RuntimeCache(), s.lifecycle.ActiveCache()} {
		if _, found := s.store.Peek(c, u); found {
			return true
		}
	}
	if err := s.ls.Remove(cachedFlagPrefix + id); err != nil {
		s.log.Warnf("clearing stale offline flag for %s: %v", id, err)
	}
	return false
}

// PinnedDocuments lists the ids of documents still available offline, sorted.
func (s *Service) PinnedDocuments() ([]string, error) {
	keys, err := s.ls.KeysWithPrefix(cachedFlagPrefix)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		id := strings.TrimPrefix(k, cachedFlagPrefix)
		if s.IsAvailableOffline(id) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// QueueAction stores a deferred write. token, when set, attributes the
// action to the user it belongs to.
func (s *Service) QueueAction(ctx context.Context, a Action, token string) (Action, error) {
	if s.identity != nil && token != "" {
		uid, err := s.identity.UserID(ctx, token)
		if err != nil {
			s.log.Warnf("resolving user for queued action: %v", err)
		} else {
			a.UserID = uid
		}
	}
	queued, err := s.queue.Enqueue(a)
	if err != nil {
		return Action{}, err
	}
	s.ind.Notify("info", s.tr.T("actionQueued"))
	return queued, nil
}

// RetryFailedActions runs a drain pass now.
func (s *Service) RetryFailedActions(ctx context.Context) (DrainResult, error) {
	return s.drain(ctx)
}

func (s *Service) drain(ctx context.Context) (DrainResult, error) {
	if s.queue.Len() == 0 {
		return DrainResult{}, nil
	}
	s.ind.Notify("info", s.tr.T("processingQueue"))

	res, err := s.queue.Drain(ctx)
	if errors.Is(err, ErrDrainInProgress) {
		s.log.Debugf("drain skipped: %v", err)
		return res, err
	}
	if n := len(res.Succeeded); n > 0 {
		s.ind.Notify("success", s.tr.T("queueProcessed", n))
	}
	if n := len(res.Failed); n > 0 {
		s.ind.Notify("error", s.tr.T("queueFailed", n))
	}
	s.tracker.Track("queue_processed", map[string]any{
		"succeeded": len(res.Succeeded),
		"failed":    len(res.Failed),
		"dropped":   len(res.Dropped),
		"pending":   res.Pending,
	})
	if err != nil {
		s.log.Errorf("persisting queue after drain: %v", err)
	}
	return res, err
}

func (s *Service) absoluteURL(u string) string {
	u = strings.TrimSpace(u)
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return s.cfg.Server.Origin + u
}

func (s *Service) Config() Config { return s.cfg }
func (s *Service) Store() *Store { return s.store }
func (s *Service) Lifecycle() *Lifecycle { return s.lifecycle }
func (s *Service) Queue() *ActionQueue { return s.queue }
func (s *Service) Janitor() *Janitor { return s.janitor }
func (s *Service) Monitor() *Monitor { return s.monitor }

// Status is the view-layer snapshot served on /_offline/status.
type Status struct {
	Online          bool            `json:"online"`
	UpdateAvailable bool            `json:"updateAvailable"`
	Lifecycle       LifecycleStatus `json:"lifecycle"`
	Queue           QueueStatus     `json:"queue"`
	Caches          map[string]int  `json:"caches"`
	Storage         StorageStatus   `json:"storage"`
	Banner          *BannerState    `json:"banner,omitempty"`
	Responses       statsSnapshot   `json:"responses"`
}

type QueueStatus struct {
	Pending  int  `json:"pending"`
	Draining bool `json:"draining"`
}

type StorageStatus struct {
	Entries    int   `json:"entries"`
	RAMEntries int   `json:"ramEntries"`
	RAMBytes   int64 `json:"ramBytes"`
	DiskBytes  int64 `json:"diskBytes"`
}

func (s *Service) Status() Status {
	st := Status{
		Online:          s.monitor.Online(),
		UpdateAvailable: s.lifecycle.UpdateAvailable(),
		Lifecycle:       s.lifecycle.Status(),
		Queue:           QueueStatus{Pending: s.queue.Len(), Draining: s.queue.Draining()},
		Caches:          s.store.Counts(),
		Storage: StorageStatus{
			Entries:    s.store.EntryCount(),
			RAMEntries: s.store.RAMEntries(),
			RAMBytes:   s.store.RAMSize(),
			DiskBytes:  s.store.TotalSize(),
		},
		Responses: s.stats.Snapshot(),
	}
	if s.banner != nil {
		b := s.banner.Snapshot()
		st.Banner = &b
	}
	return st
}
