package offline

import (
	"context"
	"sync"
	"time"

	"pdfhub-offline/internal/logger"
)

// Indicator is the view surface the layer drives on connectivity changes.
type Indicator interface {
	ShowOffline(message string)
	HideOffline()
	// SetOfflineAttr toggles the root-level "offline" marker views style on.
	SetOfflineAttr(offline bool)
	// Notify shows a toast. level is "info", "success", "warning" or "error".
	Notify(level, message string)
}

// Translator renders a message key in the active language.
type Translator interface {
	T(key string, args ...any) string
}

// Tracker records product analytics events. Calls must not block.
type Tracker interface {
	Track(event string, props map[string]any)
}

// Identity resolves the current user from a bearer token.
type Identity interface {
	UserID(ctx context.Context, token string) (string, error)
}

type keyTranslator struct{}

func (keyTranslator) T(key string, _ ...any) string { return key }

// LogTracker writes every event as a structured log line.
type LogTracker struct{}

func (LogTracker) Track(event string, props map[string]any) {
	kv := make([]any, 0, 2+2*len(props))
	kv = append(kv, "event", event)
	for k, v := range props {
		kv = append(kv, k, v)
	}
	logger.With(kv...).Info("track")
}

const maxNotifications = 20

// Notification is one toast shown by the Banner.
type Notification struct {
	Level   string    `json:"level"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// BannerState is what a polling view needs to render the indicator.
type BannerState struct {
	Visible       bool           `json:"visible"`
	Message       string         `json:"message,omitempty"`
	OfflineAttr   bool           `json:"offlineAttr"`
	Notifications []Notification `json:"notifications"`
}

// Banner is the built-in Indicator. It keeps the latest state and the most
// recent notifications so the admin API can expose them to views.
type Banner struct {
	mu    sync.Mutex
	state BannerState
}

func NewBanner() *Banner {
	return &Banner{state: BannerState{Notifications: []Notification{}}}
}

func (b *Banner) ShowOffline(message string) {
	b.mu.Lock()
	b.state.Visible = true
	b.state.Message = message
	b.mu.Unlock()
	logger.Info("offline indicator shown: %s", message)
}

func (b *Banner) HideOffline() {
	b.mu.Lock()
	b.state.Visible = false
	b.state.Message = ""
	b.mu.Unlock()
	logger.Debug("offline indicator hidden")
}

func (b *Banner) SetOfflineAttr(offline bool) {
	b.mu.Lock()
	b.state.OfflineAttr = offline
	b.mu.Unlock()
}

func (b *Banner) Notify(level, message string) {
	b.mu.Lock()
	b.state.Notifications = append(b.state.Notifications, Notification{Level: level, Message: message, At: time.Now().UTC()})
	if n := len(b.state.Notifications); n > maxNotifications {
		b.state.Notifications = append([]Notification(nil), b.state.Notifications[n-maxNotifications:]...)
	}
	b.mu.Unlock()
	logger.Info("notify [%s] %s", level, message)
}

func (b *Banner) Snapshot() BannerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.state
	out.Notifications = append([]Notification(nil), b.state.Notifications...)
	return out
}
