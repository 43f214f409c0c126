package simplevariant

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// imageIDPattern is the full-anchor character class for image identifiers.
// Slashes are intentionally excluded, so nested object-store paths are
// rejected before key derivation.
var imageIDPattern = regexp.MustCompile(`^[\w.\-]+$`)

// ValidImageID reports whether id is a usable image identifier: it must
// match the allowed character class and contain a dot (identifiers carry
// their file extension).
func ValidImageID(id string) bool {
	return imageIDPattern.MatchString(id) && strings.Contains(id, ".")
}

// OriginalKey returns the object-store key of the source asset. Originals
// are stored under their identifier verbatim.
func OriginalKey(imageID string) string {
	return imageID
}

// RenditionKey derives the deterministic object-store key for a rendition:
// the image identifier minus its final extension, the dimensions, and the
// target format, e.g. "pic.png" at 200x100 webp -> "pic___200x100.webp".
// It is a pure function of the spec and stable across restarts.
func RenditionKey(spec VariantSpec) string {
	name := spec.ImageID
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[:i]
	}
	return fmt.Sprintf("%s___%dx%d.%s", name, spec.Width, spec.Height, spec.Format)
}

// ResizeJobToken builds the idempotency token for a resize job. The record
// ID and enqueue timestamp make each admission produce a distinct token, so
// the broker's duplicate check only suppresses true double-submissions of
// the same admission.
func ResizeJobToken(spec VariantSpec, recordID uuid.UUID, at time.Time) string {
	return fmt.Sprintf("%s.%s.%d", spec.String(), recordID.String(), at.UnixMilli())
}
