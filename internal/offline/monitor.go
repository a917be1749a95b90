package offline

import (
	"context"
	"net"
	"net/url"
	"sync/atomic"
	"time"
)

// Monitor tracks connectivity from discrete network events and drives the
// indicator. Events are consumed by a single goroutine so transitions never
// interleave.
type Monitor struct {
	events chan NetworkEvent
	online atomic.Bool

	ind     Indicator
	tr      Translator
	tracker Tracker

	// onReconnect runs before the back-online notification is shown.
	onReconnect func(ctx context.Context)

	transitions atomic.Uint64
}

func NewMonitor(initialOnline bool, ind Indicator, tr Translator, tracker Tracker, onReconnect func(ctx context.Context)) *Monitor {
	m := &Monitor{
		events:      make(chan NetworkEvent, 16),
		ind:         ind,
		tr:          tr,
		tracker:     tracker,
		onReconnect: onReconnect,
	}
	m.online.Store(initialOnline)
	return m
}

// Online is the last known connectivity state.
func (m *Monitor) Online() bool { return m.online.Load() }

// Transitions counts state changes since start.
func (m *Monitor) Transitions() uint64 { return m.transitions.Load() }

// Signal queues a network event. It blocks only while the event buffer is full.
func (m *Monitor) Signal(ctx context.Context, online bool) error {
	select {
	case m.events <- NetworkEvent{Online: online, At: time.Now().UTC()}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run applies the initial state to the indicator and then processes events
// until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	if !m.Online() {
		m.showOffline()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-m.events:
			m.apply(ctx, ev)
		}
	}
}

func (m *Monitor) apply(ctx context.Context, ev NetworkEvent) {
	if m.online.Load() == ev.Online {
		return
	}
	m.online.Store(ev.Online)
	m.transitions.Add(1)

	if !ev.Online {
		m.showOffline()
		m.tracker.Track("offline_mode", map[string]any{"at": ev.At})
		return
	}

	m.ind.HideOffline()
	m.ind.SetOfflineAttr(false)
	if m.onReconnect != nil {
		m.onReconnect(ctx)
	}
	m.ind.Notify("success", m.tr.T("backOnline"))
	m.tracker.Track("online_mode", map[string]any{"at": ev.At})
}

func (m *Monitor) showOffline() {
	m.ind.ShowOffline(m.tr.T("offlineMessage"))
	m.ind.SetOfflineAttr(true)
	m.ind.Notify("warning", m.tr.T("offlineWarning"))
}

// probeOrigin dials the origin once to pick the initial state.
func probeOrigin(ctx context.Context, origin string, timeout time.Duration) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	host := u.Host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		host = net.JoinHostPort(u.Hostname(), port)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}
