package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
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

type restCall struct {
	method string
	path   string
	query  string
	body   map[string]any
}

// fakeRest emulates the PostgREST endpoints the executor writes to.
type fakeRest struct {
	*httptest.Server

	mu     sync.Mutex
	calls  []restCall
	status int
}

func newFakeRest(t *testing.T) *fakeRest {
	t.Helper()
	f := &fakeRest{status: http.StatusCreated}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(b, &body)
		f.mu.Lock()
		f.calls = append(f.calls, restCall{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery, body: body})
		status := f.status
		f.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status >= 400 {
			_, _ = w.Write([]byte(`{"code":"XX000","message":"backend exploded","details":"","hint":""}`))
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeRest) recorded() []restCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]restCall(nil), f.calls...)
}

func newTestExecutor(t *testing.T, url string) *Executor {
	t.Helper()
	c, err := NewClient(Config{URL: url, Key: "anon-key"})
	require.NoError(t, err)
	e := NewExecutor(c)
	e.now = func() time.Time { return time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC) }
	return e
}

func TestNewClient_RequiresCredentials(t *testing.T) {
	_, err := NewClient(Config{URL: "http://localhost"})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestExecutor_PostComment(t *testing.T) {
	rest := newFakeRest(t)
	e := newTestExecutor(t, rest.URL)

	err := e.Execute(context.Background(), offline.Action{
		ID:      "a1",
		Kind:    offline.KindCommentPost,
		Target:  "guide.pdf",
		Payload: json.RawMessage(`{"text":"  very useful ","rating":5,"user":"Sari"}`),
		UserID:  "user-1",
	})
	require.NoError(t, err)

	calls := rest.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, http.MethodPost, calls[0].method)
	assert.Equal(t, "/rest/v1/comments", calls[0].path)
	assert.Equal(t, "guide.pdf", calls[0].body["pdf"])
	assert.Equal(t, "very useful", calls[0].body["text"])
	assert.EqualValues(t, 5, calls[0].body["rating"])
	assert.Equal(t, "user-1", calls[0].body["user_id"])
	assert.Equal(t, "2026-04-02T09:30:00Z", calls[0].body["timestamp"])
}

func TestExecutor_DeleteDocumentRow(t *testing.T) {
	rest := newFakeRest(t)
	rest.status = http.StatusOK
	e := newTestExecutor(t, rest.URL)

	err := e.Execute(context.Background(), offline.Action{ID: "a2", Kind: offline.KindDocumentDelete, Target: "doc-3"})
	require.NoError(t, err)

	calls := rest.recorded()
	require.Len(t, calls, 1)
	assert.Equal(t, http.MethodDelete, calls[0].method)
	assert.Equal(t, "/rest/v1/pdfs", calls[0].path)
	assert.Contains(t, calls[0].query, "id=eq.doc-3")
}

func TestExecutor_BackendFailureIsRetryable(t *testing.T) {
	rest := newFakeRest(t)
	rest.status = http.StatusInternalServerError
	e := newTestExecutor(t, rest.URL)

	err := e.Execute(context.Background(), offline.Action{
		Kind:    offline.KindCommentPost,
		Target:  "guide.pdf",
		Payload: json.RawMessage(`{"text":"hi","rating":3}`),
	})
	require.Error(t, err)
	var perm *offline.PermanentError
	assert.False(t, errors.As(err, &perm))
}

func TestExecutor_InvalidActionsArePermanent(t *testing.T) {
	rest := newFakeRest(t)
	e := newTestExecutor(t, rest.URL)

	cases := map[string]offline.Action{
		"unknown kind": {Kind: "comment.edit"},
		"empty text":   {Kind: offline.KindCommentPost, Target: "a.pdf", Payload: json.RawMessage(`{"text":" ","rating":4}`)},
		"bad rating":   {Kind: offline.KindCommentPost, Target: "a.pdf", Payload: json.RawMessage(`{"text":"ok","rating":9}`)},
		"bad json":     {Kind: offline.KindCommentPost, Target: "a.pdf", Payload: json.RawMessage(`{`)},
		"no file name": {Kind: offline.KindDocumentUpload, Payload: json.RawMessage(`{"contentBase64":"JVBERg=="}`)},
		"bad base64":   {Kind: offline.KindDocumentUpload, Target: "a.pdf", Payload: json.RawMessage(`{"contentBase64":"***"}`)},
		"empty upload": {Kind: offline.KindDocumentUpload, Target: "a.pdf"},
		"delete no id": {Kind: offline.KindDocumentDelete},
	}
	for name, a := range cases {
		err := e.Execute(context.Background(), a)
		var perm *offline.PermanentError
		assert.True(t, errors.As(err, &perm), name)
	}
	assert.Empty(t, rest.recorded())
}

func TestExecutor_CancelledContext(t *testing.T) {
	e := newTestExecutor(t, "http://127.0.0.1:1")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := e.Execute(ctx, offline.Action{Kind: offline.KindCommentPost})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIdentity_RequiresToken(t *testing.T) {
	c, err := NewClient(Config{URL: "http://127.0.0.1:1", Key: "anon-key"})
	require.NoError(t, err)
	_, err = NewIdentity(c).UserID(context.Background(), "")
	assert.Error(t, err)
}
