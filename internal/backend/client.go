// Package backend talks to the Supabase project behind PDF Hub: it replays
// queued offline actions and resolves user identity.
package backend

import (
	"errors"
	"fmt"

	"github.com/supabase-community/supabase-go"
	"go.uber.org/zap"

	"pdfhub-offline/internal/logger"
)

type Config struct {
	URL            string
	Key            string
	Bucket         string
	CommentsTable  string
	DocumentsTable string
}

// Client wraps a supabase client configured for one project.
type Client struct {
	sb  *supabase.Client
	cfg Config
	log *zap.SugaredLogger
}

var ErrNotConfigured = errors.New("supabase URL and key must be provided")

func NewClient(cfg Config) (*Client, error) {
	if cfg.URL == "" || cfg.Key == "" {
		return nil, ErrNotConfigured
	}
	sb, err := supabase.NewClient(cfg.URL, cfg.Key, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to create Supabase client: %w", err)
	}
	if cfg.Bucket == "" {
		cfg.Bucket = "pdfs"
	}
	if cfg.CommentsTable == "" {
		cfg.CommentsTable = "comments"
	}
	if cfg.DocumentsTable == "" {
		cfg.DocumentsTable = "pdfs"
	}
	return &Client{sb: sb, cfg: cfg, log: logger.With("component", "backend")}, nil
}
