package offline

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port   int    `yaml:"port" env:"PDFHUB_PORT"`
		Origin string `yaml:"origin" env:"PDFHUB_ORIGIN"`
		// AllowedOrigins lists browser origins allowed by CORS; empty allows all.
		AllowedOrigins []string `yaml:"allowedOrigins"`
	} `yaml:"server"`

	Cache struct {
		Name          string   `yaml:"name"`
		Version       string   `yaml:"version" env:"PDFHUB_CACHE_VERSION"`
		Runtime       string   `yaml:"runtime"` // suffix of the per-version runtime cache
		OfflinePage   string   `yaml:"offlinePage"`
		Retention     string   `yaml:"retention"`
		SweepEvery    string   `yaml:"sweepEvery"`
		Precache      []string `yaml:"precache"`
		AssetManifest string   `yaml:"assetManifest"`

		retentionDur time.Duration
		sweepDur     time.Duration
	} `yaml:"cache"`

	Storage struct {
		Path string `yaml:"path" env:"PDFHUB_DATA_DIR"`
		RAM  struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
		Disk struct {
			Max string `yaml:"max"`
		} `yaml:"disk"`
	} `yaml:"storage"`

	Rules []Rule `yaml:"rules"`

	Queue struct {
		MaxAttempts int `yaml:"maxAttempts"`
	} `yaml:"queue"`

	Network struct {
		// Initial is "auto" (probe the origin once), "online" or "offline".
		Initial      string `yaml:"initial"`
		ProbeTimeout string `yaml:"probeTimeout"`

		probeTimeoutDur time.Duration
	} `yaml:"network"`

	Backend struct {
		SupabaseURL    string `yaml:"supabaseURL" env:"SUPABASE_URL"`
		SupabaseKey    string `yaml:"supabaseKey" env:"SUPABASE_ANON_KEY"`
		Bucket         string `yaml:"bucket"`
		CommentsTable  string `yaml:"commentsTable"`
		DocumentsTable string `yaml:"documentsTable"`
	} `yaml:"backend"`

	I18n struct {
		Lang string `yaml:"lang" env:"PDFHUB_LANG"`
	} `yaml:"i18n"`

	Logging struct {
		Level      string `yaml:"level" env:"PDFHUB_LOG_LEVEL"`
		JSON       bool   `yaml:"json" env:"PDFHUB_LOG_JSON"`
		StatsEvery string `yaml:"statsEvery"`

		statsEveryDur time.Duration
	} `yaml:"logging"`
}

// RequestClass is the routing bucket a request falls into.
type RequestClass string

const (
	ClassStatic   RequestClass = "static"
	ClassAPI      RequestClass = "api"
	ClassDocument RequestClass = "document"
	ClassAsset    RequestClass = "asset"
	ClassOther    RequestClass = "other"
	ClassBypass   RequestClass = "bypass"
)

type Rule struct {
	Match             string       `yaml:"match"`
	Priority          int          `yaml:"priority"`
	Class             RequestClass `yaml:"class"`
	Bypass            bool         `yaml:"bypass"`
	BypassWhenCookies []string     `yaml:"bypassWhenCookies"`

	// compiled
	matchers []pathMatcher
}

type pathMatcher struct {
	kind  string // "prefix" | "suffix" | "exact"
	value string
}

func (m pathMatcher) Match(path string) bool {
	switch m.kind {
	case "prefix":
		return strings.HasPrefix(path, m.value)
	case "suffix":
		return strings.HasSuffix(strings.ToLower(path), strings.ToLower(m.value))
	default:
		return path == m.value
	}
}

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// normalize applies defaults and compiles rules. It is also used by tests that
// build a Config in code.
func (cfg *Config) normalize() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")

	if cfg.Cache.Name == "" {
		cfg.Cache.Name = "pdfhub"
	}
	if cfg.Cache.Version == "" {
		cfg.Cache.Version = "v1"
	}
	if cfg.Cache.Runtime == "" {
		cfg.Cache.Runtime = "runtime"
	}
	if cfg.Cache.OfflinePage == "" {
		cfg.Cache.OfflinePage = "/offline.html"
	}
	if cfg.Cache.Retention == "" {
		cfg.Cache.Retention = "720h"
	}
	if cfg.Cache.SweepEvery == "" {
		cfg.Cache.SweepEvery = "24h"
	}
	d, err := time.ParseDuration(cfg.Cache.Retention)
	if err != nil {
		return fmt.Errorf("cache.retention: %w", err)
	}
	cfg.Cache.retentionDur = d
	d, err = time.ParseDuration(cfg.Cache.SweepEvery)
	if err != nil {
		return fmt.Errorf("cache.sweepEvery: %w", err)
	}
	cfg.Cache.sweepDur = d
	for i, p := range cfg.Cache.Precache {
		p = strings.TrimSpace(p)
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("cache.precache[%d]: path %q must be absolute", i, p)
		}
		cfg.Cache.Precache[i] = p
	}

	if cfg.Storage.Path == "" {
		cfg.Storage.Path = "./data/leveldb"
	}
	if cfg.Storage.RAM.Max == "" {
		cfg.Storage.RAM.Max = "64mb"
	}
	if cfg.Storage.Disk.Max == "" {
		cfg.Storage.Disk.Max = "1gb"
	}

	if cfg.Queue.MaxAttempts <= 0 {
		cfg.Queue.MaxAttempts = 3
	}

	switch cfg.Network.Initial {
	case "":
		cfg.Network.Initial = "auto"
	case "auto", "online", "offline":
	default:
		return fmt.Errorf("network.initial: unknown value %q", cfg.Network.Initial)
	}
	if cfg.Network.ProbeTimeout == "" {
		cfg.Network.ProbeTimeout = "3s"
	}
	d, err = time.ParseDuration(cfg.Network.ProbeTimeout)
	if err != nil {
		return fmt.Errorf("network.probeTimeout: %w", err)
	}
	cfg.Network.probeTimeoutDur = d

	if cfg.Backend.Bucket == "" {
		cfg.Backend.Bucket = "pdfs"
	}
	if cfg.Backend.CommentsTable == "" {
		cfg.Backend.CommentsTable = "comments"
	}
	if cfg.Backend.DocumentsTable == "" {
		cfg.Backend.DocumentsTable = "pdfs"
	}
	if cfg.I18n.Lang == "" {
		cfg.I18n.Lang = "en"
	}

	if cfg.Logging.StatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.StatsEvery)
		if err != nil {
			return fmt.Errorf("logging.statsEvery: %w", err)
		}
		cfg.Logging.statsEveryDur = d
	}

	if len(cfg.Rules) == 0 {
		cfg.Rules = []Rule{
			{Match: "PathPrefix(/api/)", Priority: 10, Class: ClassAPI},
			{Match: "PathSuffix(.pdf)", Priority: 20, Class: ClassDocument},
		}
	}
	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		ms, err := parseMatch(r.Match)
		if err != nil {
			return fmt.Errorf("rules[%d].match: %w", i, err)
		}
		r.matchers = ms
		if r.Bypass {
			r.Class = ClassBypass
		}
		switch r.Class {
		case ClassAPI, ClassDocument, ClassAsset, ClassStatic, ClassOther, ClassBypass:
		case "":
			return fmt.Errorf("rules[%d].class is required", i)
		default:
			return fmt.Errorf("rules[%d].class: unknown class %q", i, r.Class)
		}
	}

	sort.SliceStable(cfg.Rules, func(i, j int) bool {
		return cfg.Rules[i].Priority < cfg.Rules[j].Priority
	})
	return nil
}

// CurrentCacheName is the version-tagged primary cache name.
func (cfg Config) CurrentCacheName() string {
	return cfg.Cache.Name + "-" + cfg.Cache.Version
}

// RuntimeCacheName is the cache holding pinned documents for the given
// primary cache. It carries the primary's version so a bump retires it.
func (cfg Config) RuntimeCacheName(primary string) string {
	return primary + "-" + cfg.Cache.Runtime
}

func (cfg Config) Retention() time.Duration  { return cfg.Cache.retentionDur }
func (cfg Config) SweepEvery() time.Duration { return cfg.Cache.sweepDur }
func (cfg Config) StatsEvery() time.Duration { return cfg.Logging.statsEveryDur }

func parseMatch(expr string) ([]pathMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]pathMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		open := strings.IndexByte(p, '(')
		if open < 0 || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("expected Func(...), got %q", p)
		}
		fn := p[:open]
		inside := strings.TrimSpace(p[open+1 : len(p)-1])
		if inside == "" {
			return nil, fmt.Errorf("empty argument in %q", p)
		}
		switch fn {
		case "PathPrefix":
			if !strings.HasPrefix(inside, "/") {
				return nil, fmt.Errorf("invalid prefix %q", inside)
			}
			out = append(out, pathMatcher{kind: "prefix", value: inside})
		case "PathSuffix":
			out = append(out, pathMatcher{kind: "suffix", value: inside})
		case "Path":
			if !strings.HasPrefix(inside, "/") {
				return nil, fmt.Errorf("invalid path %q", inside)
			}
			out = append(out, pathMatcher{kind: "exact", value: inside})
		default:
			return nil, fmt.Errorf("only PathPrefix, PathSuffix and Path are supported, got %q", fn)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

func (r *Rule) Matches(path string) bool {
	for _, m := range r.matchers {
		if m.Match(path) {
			return true
		}
	}
	return false
}
