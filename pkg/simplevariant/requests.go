package simplevariant

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// Request DTOs. The HTTP edge parses query strings into these structs and
// runs a single Validate pass; everything downstream works with typed,
// already-validated values.

var validate = validator.New()

// ResolveRequest contains parameters for resolving a variant.
//
// Width and Height must be both nil (serve the original) or both set.
// Format may be left empty when resizing; it then defaults to the encoding
// implied by the image identifier's extension.
type ResolveRequest struct {
	ImageID     string `validate:"required"`
	Width       *int   `validate:"omitempty,gte=1,lte=5000"`
	Height      *int   `validate:"omitempty,gte=1,lte=5000"`
	Format      Format
	ForceResize bool
}

// WantsResize reports whether the request targets a rendition rather than
// the original asset.
func (r *ResolveRequest) WantsResize() bool {
	return r.Width != nil && r.Height != nil
}

// Spec returns the variant quadruple for a resize request. Only valid after
// Validate has succeeded on a request with dimensions.
func (r *ResolveRequest) Spec() VariantSpec {
	return VariantSpec{ImageID: r.ImageID, Width: *r.Width, Height: *r.Height, Format: r.Format}
}

// Validate checks the request and normalizes it in place: when dimensions
// are present and Format is empty, the format is inferred from the image
// identifier's extension. All failures wrap ErrValidation.
func (r *ResolveRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if !ValidImageID(r.ImageID) {
		return fmt.Errorf("%w: image id must match [\\w.-]+ and contain an extension", ErrValidation)
	}
	if (r.Width == nil) != (r.Height == nil) {
		return fmt.Errorf("%w: width and height must be provided together", ErrValidation)
	}
	if !r.WantsResize() {
		return nil
	}
	if r.Format == "" {
		f, err := FormatFromExtension(r.ImageID)
		if err != nil {
			return err
		}
		r.Format = f
	}
	if !r.Format.IsValid() {
		return fmt.Errorf("%w: unsupported format %q", ErrValidation, r.Format)
	}
	return nil
}

// DeleteRequest contains parameters for deleting variants. ImageID is
// required; the remaining selectors narrow the match and may be omitted to
// remove every variant of the image.
type DeleteRequest struct {
	ImageID string `validate:"required"`
	Width   *int   `validate:"omitempty,gte=1,lte=5000"`
	Height  *int   `validate:"omitempty,gte=1,lte=5000"`
	Format  *Format
}

// Validate checks the delete selector. All failures wrap ErrValidation.
func (r *DeleteRequest) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	if !ValidImageID(r.ImageID) {
		return fmt.Errorf("%w: image id must match [\\w.-]+ and contain an extension", ErrValidation)
	}
	if (r.Width == nil) != (r.Height == nil) {
		return fmt.Errorf("%w: width and height must be provided together", ErrValidation)
	}
	if r.Format != nil && !r.Format.IsValid() {
		return fmt.Errorf("%w: unsupported format %q", ErrValidation, *r.Format)
	}
	return nil
}

// Selector converts the request into a repository selector.
func (r *DeleteRequest) Selector() Selector {
	return Selector{ImageID: r.ImageID, Width: r.Width, Height: r.Height, Format: r.Format}
}

// FormatFromExtension maps an image identifier's extension to a Format,
// applying the jpg alias. Unknown extensions wrap ErrValidation.
func FormatFromExtension(imageID string) (Format, error) {
	i := strings.LastIndex(imageID, ".")
	if i < 0 || i == len(imageID)-1 {
		return "", fmt.Errorf("%w: image id %q has no extension", ErrValidation, imageID)
	}
	f, err := ParseFormat(strings.ToLower(imageID[i+1:]))
	if err != nil {
		return "", fmt.Errorf("%w: cannot infer format from %q", ErrValidation, imageID)
	}
	return f, nil
}
