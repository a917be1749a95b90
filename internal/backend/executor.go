package backend

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"pdfhub-offline/internal/offline"
)

// CommentPayload is the body of a comment.post action.
type CommentPayload struct {
	PDF    string `json:"pdf"`
	Text   string `json:"text"`
	Rating int    `json:"rating"`
	User   string `json:"user"`
}

// UploadPayload is the body of a document.upload action.
type UploadPayload struct {
	Name          string   `json:"name"`
	ContentBase64 string   `json:"contentBase64"`
	Category      string   `json:"category"`
	Tags          []string `json:"tags"`
}

// DeletePayload is the body of a document.delete action; Target holds the row id.
type DeletePayload struct {
	Path string `json:"path"`
}

// Executor replays queued actions against Supabase. Malformed actions fail
// with *offline.PermanentError so the queue drops them instead of retrying.
type Executor struct {
	c   *Client
	now func() time.Time
}

func NewExecutor(c *Client) *Executor {
	return &Executor{c: c, now: time.Now}
}

func (e *Executor) Execute(ctx context.Context, a offline.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch a.Kind {
	case offline.KindCommentPost:
		return e.postComment(a)
	case offline.KindDocumentUpload:
		return e.uploadDocument(a)
	case offline.KindDocumentDelete:
		return e.deleteDocument(a)
	default:
		return permanent(fmt.Errorf("unknown action kind %q", a.Kind))
	}
}

func (e *Executor) postComment(a offline.Action) error {
	var p CommentPayload
	if err := decodePayload(a, &p); err != nil {
		return err
	}
	if p.PDF == "" {
		p.PDF = a.Target
	}
	p.Text = strings.TrimSpace(p.Text)
	switch {
	case p.PDF == "":
		return permanent(errors.New("comment needs a document"))
	case p.Text == "":
		return permanent(errors.New("comment text is empty"))
	case p.Rating < 1 || p.Rating > 5:
		return permanent(fmt.Errorf("rating %d out of range 1-5", p.Rating))
	}

	row := map[string]any{
		"pdf":       p.PDF,
		"text":      p.Text,
		"rating":    p.Rating,
		"user":      p.User,
		"user_id":   nullable(a.UserID),
		"timestamp": timestamp(a.QueuedAt, e.now),
	}
	if _, _, err := e.c.sb.From(e.c.cfg.CommentsTable).Insert(row, false, "", "", "").Execute(); err != nil {
		return fmt.Errorf("failed to insert comment: %w", err)
	}
	e.c.log.Infow("replayed comment", "action", a.ID, "pdf", p.PDF)
	return nil
}

func (e *Executor) uploadDocument(a offline.Action) error {
	var p UploadPayload
	if err := decodePayload(a, &p); err != nil {
		return err
	}
	if p.Name == "" {
		p.Name = a.Target
	}
	if p.Name == "" {
		return permanent(errors.New("upload needs a file name"))
	}
	body, err := base64.StdEncoding.DecodeString(p.ContentBase64)
	if err != nil {
		return permanent(fmt.Errorf("decode upload body: %w", err))
	}
	if len(body) == 0 {
		return permanent(errors.New("upload body is empty"))
	}

	if _, err := e.c.sb.Storage.UploadFile(e.c.cfg.Bucket, p.Name, bytes.NewReader(body)); err != nil {
		return fmt.Errorf("failed to upload %s: %w", p.Name, err)
	}
	row := map[string]any{
		"name":        p.Name,
		"path":        p.Name,
		"size":        len(body),
		"category":    p.Category,
		"tags":        p.Tags,
		"uploaded_by": nullable(a.UserID),
		"uploaded_at": timestamp(a.QueuedAt, e.now),
	}
	if _, _, err := e.c.sb.From(e.c.cfg.DocumentsTable).Insert(row, false, "", "", "").Execute(); err != nil {
		return fmt.Errorf("failed to insert document %s: %w", p.Name, err)
	}
	e.c.log.Infow("replayed upload", "action", a.ID, "name", p.Name, "bytes", len(body))
	return nil
}

func (e *Executor) deleteDocument(a offline.Action) error {
	if a.Target == "" {
		return permanent(errors.New("delete needs a document id"))
	}
	var p DeletePayload
	if err := decodePayload(a, &p); err != nil {
		return err
	}
	if p.Path != "" {
		if _, err := e.c.sb.Storage.RemoveFile(e.c.cfg.Bucket, []string{p.Path}); err != nil {
			return fmt.Errorf("failed to remove %s: %w", p.Path, err)
		}
	}
	if _, _, err := e.c.sb.From(e.c.cfg.DocumentsTable).Delete("", "").Eq("id", a.Target).Execute(); err != nil {
		return fmt.Errorf("failed to delete document: %w", err)
	}
	e.c.log.Infow("replayed delete", "action", a.ID, "id", a.Target)
	return nil
}

func decodePayload(a offline.Action, v any) error {
	if len(a.Payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(a.Payload, v); err != nil {
		return permanent(fmt.Errorf("decode %s payload: %w", a.Kind, err))
	}
	return nil
}

func permanent(err error) error { return &offline.PermanentError{Err: err} }

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func timestamp(t time.Time, now func() time.Time) string {
	if t.IsZero() {
		t = now()
	}
	return t.UTC().Format(time.RFC3339)
}
