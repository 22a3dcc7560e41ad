// Package media hosts synthesised audio so that the telephony provider can
// fetch it by URL. Clips live in a bounded, expiring in-memory store and are
// served from GET /media/{key}.
package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// ErrInvalidKey is returned by Publish for keys that are not URL-safe.
var ErrInvalidKey = errors.New("media: invalid key")

var validKey = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

type clip struct {
	data        []byte
	contentType string
}

// Host stores published clips and serves them over HTTP.
type Host struct {
	baseURL string
	clips   *expirable.LRU[string, clip]
	pinned  map[string]clip
}

// Option configures a Host.
type Option func(*hostConfig)

type hostConfig struct {
	size int
	ttl  time.Duration
}

// WithSize bounds the number of clips held (default 1024).
func WithSize(n int) Option {
	return func(c *hostConfig) { c.size = n }
}

// WithTTL sets how long a published clip stays fetchable (default 15 min).
func WithTTL(d time.Duration) Option {
	return func(c *hostConfig) { c.ttl = d }
}

// NewHost returns a Host whose URLs are rooted at baseURL, the externally
// reachable address of this service.
func NewHost(baseURL string, opts ...Option) (*Host, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("media: base url: %w", err)
	}
	cfg := hostConfig{size: 1024, ttl: 15 * time.Minute}
	for _, o := range opts {
		o(&cfg)
	}
	return &Host{
		baseURL: strings.TrimRight(baseURL, "/"),
		clips:   expirable.NewLRU[string, clip](cfg.size, nil, cfg.ttl),
		pinned:  make(map[string]clip),
	}, nil
}

// Publish stores audio under key and returns the URL it is served from.
// Publishing the same key again replaces the clip.
func (h *Host) Publish(_ context.Context, key string, audio []byte, contentType string) (string, error) {
	if !validKey.MatchString(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	h.clips.Add(key, clip{data: audio, contentType: contentType})
	return h.URL(key), nil
}

// Pin stores a clip that never expires, such as the static fallback clip.
// It must be called before the host starts serving.
func (h *Host) Pin(key string, audio []byte, contentType string) (string, error) {
	if !validKey.MatchString(key) {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	h.pinned[key] = clip{data: audio, contentType: contentType}
	return h.URL(key), nil
}

// URL returns the public URL for key.
func (h *Host) URL(key string) string {
	return h.baseURL + "/media/" + key
}

// ServeHTTP serves GET /media/{key}.
func (h *Host) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	c, ok := h.pinned[key]
	if !ok {
		c, ok = h.clips.Get(key)
	}
	if !ok {
		slog.Debug("media: clip not found", "key", key)
		http.NotFound(w, r)
		return
	}
	ct := c.contentType
	if ct == "" {
		ct = "audio/mpeg"
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.Itoa(len(c.data)))
	w.Header().Set("Cache-Control", "private, max-age=900")
	_, _ = w.Write(c.data)
}
