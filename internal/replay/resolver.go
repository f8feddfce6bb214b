package replay

import (
	"context"
	"fmt"
	"strings"

	"github.com/easelhq/easel/internal/model"
	"github.com/easelhq/easel/internal/params"
	"github.com/easelhq/easel/internal/store"
)

// Alteration keys handled at the prompt level rather than through the
// parameter schema.
const (
	keyPrompt    = "prompt"
	keyNegPrompt = "negative_prompt"
)

// SuppliedImage is a replacement source image attached to a replay. Width
// and height are the image's pixel dimensions when the front-end knows them.
type SuppliedImage struct {
	URL    string
	Width  int
	Height int
}

// Resolved is a reconstructed request ready for submission, with the parent
// job it was derived from.
type Resolved struct {
	Request  model.GenerationRequest
	ParentID string
}

// Resolver rebuilds generation requests from prior jobs. It reads job and
// preference state but never mutates either.
type Resolver struct {
	store store.Store
	norm  *params.Normalizer
}

func NewResolver(st store.Store, n *params.Normalizer) *Resolver {
	return &Resolver{store: st, norm: n}
}

// Resolve looks up a prior job by either of its correlation ids, rebuilds
// its request from the frozen snapshot, and applies the alterations on top.
// A supplied image forces img2img and reruns sizing and batch resolution
// for the new source; everything else carries over, including the seed, so
// an unaltered replay reproduces the parent exactly. Unknown alteration
// keys and malformed values are ValidationErrors; a missing parent is
// store.ErrNotFound and creates nothing.
func (r *Resolver) Resolve(ctx context.Context, userID, correlationID string, alterations map[string]any, image *SuppliedImage) (Resolved, error) {
	parent, err := r.store.GetJobByCorrelation(ctx, correlationID)
	if err != nil {
		return Resolved{}, err
	}

	values := params.RequestValues(parent.Request, parent.Mode)
	in := params.Input{
		Mode:           parent.Mode,
		Prompt:         parent.Request.Prompt,
		NegativePrompt: parent.Request.NegativePrompt,
		SourceImage:    parent.Request.SourceImage,

		// The snapshot prompts already carry the user's prefixes; applying
		// them again would stack. An altered prompt is fresh text and gets
		// prefixed below.
		SkipPrefix:    true,
		SkipNegPrefix: true,
	}

	if image != nil {
		in.Mode = model.ModeImg2Img
		in.SourceImage = image.URL
		in.SourceWidth = image.Width
		in.SourceHeight = image.Height
		// A new source invalidates the parent's sizing; rerun the ladder
		// and the batch fit against the replacement image.
		delete(values, params.KeyWidth)
		delete(values, params.KeyHeight)
		delete(values, params.KeyScale)
		delete(values, params.KeyBatchSize)
		if parent.Mode == model.ModeTxt2Img {
			delete(values, params.KeyDenoising)
		}
	}

	for key, raw := range alterations {
		switch key {
		case keyPrompt:
			s, ok := raw.(string)
			if !ok || strings.TrimSpace(s) == "" {
				return Resolved{}, &params.ValidationError{Key: keyPrompt, Reason: "must be a non-empty string"}
			}
			in.Prompt = s
			in.SkipPrefix = false
		case keyNegPrompt:
			s, ok := raw.(string)
			if !ok {
				return Resolved{}, &params.ValidationError{Key: keyNegPrompt, Reason: "must be a string"}
			}
			in.NegativePrompt = s
			in.SkipNegPrefix = false
		default:
			// Schema keys are validated by normalization, which also
			// rejects anything unknown.
			values[key] = raw
		}
	}
	in.Values = values

	prefs, err := r.store.GetPreferences(ctx, userID)
	if err != nil {
		return Resolved{}, fmt.Errorf("load preferences: %w", err)
	}

	req, err := r.norm.Normalize(in, prefs)
	if err != nil {
		return Resolved{}, err
	}
	return Resolved{Request: req, ParentID: parent.ID}, nil
}
