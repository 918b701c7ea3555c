// ABOUTME: Serves the discovery document with Cache-Control and strong ETags
// ABOUTME: Renders once at construction and validates against the schema

package discovery

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/2389/agentgate/internal/apierr"
	"github.com/2389/agentgate/internal/config"
)

// CacheControl is sent with every discovery response.
const CacheControl = "public, max-age=300"

// Provider holds the rendered discovery document.
type Provider struct {
	doc  *Document
	body []byte
	etag string
}

// NewProvider renders and validates the document for cfg.
func NewProvider(cfg *config.Resolved) (*Provider, error) {
	doc := Build(cfg)
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "encoding discovery document", err)
	}
	missing, err := Validate(body)
	if err != nil {
		return nil, apierr.Wrap(apierr.KindInternal, "validating discovery document", err)
	}
	if len(missing) > 0 {
		return nil, apierr.New(apierr.KindInvalidConfig, "discovery document is invalid").
			WithDetail("fields", missing)
	}

	sum := sha256.Sum256(body)
	return &Provider{
		doc:  doc,
		body: body,
		etag: `"` + hex.EncodeToString(sum[:16]) + `"`,
	}, nil
}

// Document returns the built document.
func (p *Provider) Document() *Document { return p.doc }

// Bytes returns the rendered JSON.
func (p *Provider) Bytes() []byte { return p.body }

// ETag returns the strong entity tag of the rendered JSON.
func (p *Provider) ETag() string { return p.etag }

// ServeHTTP answers GET and HEAD with the document, honouring If-None-Match.
func (p *Provider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.Header().Set("Allow", "GET, HEAD")
		apierr.Write(w, apierr.New(apierr.KindInvalidRequest, "method not allowed"))
		return
	}

	h := w.Header()
	h.Set("Cache-Control", CacheControl)
	h.Set("ETag", p.etag)

	if etagMatches(r.Header.Get("If-None-Match"), p.etag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	h.Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write(p.body)
	}
}

func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}
