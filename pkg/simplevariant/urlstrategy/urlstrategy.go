// Package urlstrategy resolves object-store keys to publicly reachable
// URLs. The resolver redirects clients to these URLs instead of proxying
// image bytes, so the strategy decides what origin serves the traffic (a
// CDN, the bucket's public endpoint, or a relative path on the same host).
package urlstrategy

import (
	"net/url"
	"strings"
)

// Strategy defines the interface for public URL generation.
type Strategy interface {
	// PublicURL maps an object-store key to the URL clients are
	// redirected to.
	PublicURL(objectKey string) string
}

// PublicBase prefixes keys with a fixed base URL, e.g.
// "https://cdn.example.com" or "https://bucket.s3.amazonaws.com". With an
// empty base it produces root-relative paths, which suits deployments where
// the edge serves objects itself.
type PublicBase struct {
	baseURL string
}

// NewPublicBase creates a strategy rooted at baseURL. A trailing slash on
// the base is stripped so joined URLs never carry a double slash.
func NewPublicBase(baseURL string) *PublicBase {
	return &PublicBase{baseURL: strings.TrimSuffix(baseURL, "/")}
}

// PublicURL joins the base with the percent-encoded key.
func (s *PublicBase) PublicURL(objectKey string) string {
	return s.baseURL + "/" + EscapeKey(objectKey)
}

// EscapeKey percent-encodes each path segment of an object key while
// preserving the segment separators themselves.
func EscapeKey(key string) string {
	segments := strings.Split(key, "/")
	for i, segment := range segments {
		segments[i] = url.PathEscape(segment)
	}
	return strings.Join(segments, "/")
}
