package offline

import (
	"encoding/json"
	"net/http"
	"time"
)

// CacheEntry is a captured response stored under its absolute request URL.
type CacheEntry struct {
	Status int
	Header http.Header
	Body   []byte

	// StoredAt is the unix second the entry was written by this process. The
	// janitor prefers the response Date header and falls back to this.
	StoredAt int64
	Hash32   uint32

	// Source records how the entry was filled.
	// Expected values: "precache" | "network" | "revalidate" | "pin".
	Source string
}

// CapturedAt returns the capture timestamp derived from the Date header,
// falling back to StoredAt. ok is false when neither is usable.
func (e CacheEntry) CapturedAt() (time.Time, bool) {
	if v := e.Header.Get("Date"); v != "" {
		if t, err := http.ParseTime(v); err == nil {
			return t, true
		}
	}
	if e.StoredAt > 0 {
		return time.Unix(e.StoredAt, 0), true
	}
	return time.Time{}, false
}

// Action is a deferred write made while the backend was unreachable.
type Action struct {
	ID       string          `json:"id"`
	Kind     string          `json:"kind"`
	Target   string          `json:"target"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	UserID   string          `json:"userId,omitempty"`
	QueuedAt time.Time       `json:"queuedAt"`

	Attempts  int    `json:"attempts"`
	LastError string `json:"lastError,omitempty"`
}

// Action kinds understood by the backend executor.
const (
	KindCommentPost    = "comment.post"
	KindDocumentUpload = "document.upload"
	KindDocumentDelete = "document.delete"
)

// DrainResult summarizes one drain pass.
type DrainResult struct {
	Succeeded []Action `json:"succeeded"`
	Failed    []Action `json:"failed"`
	// Dropped are failed actions that reached the attempt limit and left the queue.
	Dropped []Action `json:"dropped"`
	Pending int      `json:"pending"`
}

// LifecycleState follows the install/activate progression of a cache version.
type LifecycleState string

const (
	StateIdle       LifecycleState = "idle"
	StateInstalling LifecycleState = "installing"
	StateInstalled  LifecycleState = "installed"
	StateActivating LifecycleState = "activating"
	StateActivated  LifecycleState = "activated"
	// StateRedundant marks a version whose install failed; the previously
	// active version keeps serving.
	StateRedundant LifecycleState = "redundant"
)

// NetworkEvent is a network-status signal fed to the connectivity monitor.
type NetworkEvent struct {
	Online bool
	At     time.Time
}
