package params

import (
	"math/rand/v2"
	"strings"

	"github.com/easelhq/easel/internal/model"
)

// Input is one raw generation submission before normalization. Values holds
// explicit parameter settings keyed by schema key; everything absent from it
// resolves through the user's preferences and then the global defaults.
type Input struct {
	Mode           string
	Prompt         string
	NegativePrompt string
	Values         map[string]any

	// Source image for img2img, with its dimensions when the front-end
	// knows them. The image itself is an opaque reference.
	SourceImage  string
	SourceWidth  int
	SourceHeight int

	// Prefix suppression. SkipPrefixes drops both prefixes; the granular
	// flags let a replay keep them off a prompt that already carries them
	// while still applying them to an altered one.
	SkipPrefixes  bool
	SkipPrefix    bool
	SkipNegPrefix bool
}

// Normalize resolves a raw submission against stored preferences into a
// frozen GenerationRequest. Unknown keys, malformed values, and parameter
// sets that cannot fit a single image in memory are ValidationErrors; a
// stored preference that no longer validates falls back to the default
// instead of failing the request.
func (n *Normalizer) Normalize(in Input, prefs map[string]any) (model.GenerationRequest, error) {
	var req model.GenerationRequest

	if strings.TrimSpace(in.Prompt) == "" {
		return req, &ValidationError{Key: "prompt", Reason: "required"}
	}

	mode := in.Mode
	if in.SourceImage != "" {
		mode = model.ModeImg2Img
	}
	if mode == "" {
		mode = model.ModeTxt2Img
	}
	if mode == model.ModeImg2Img && in.SourceImage == "" {
		return req, &ValidationError{Key: "image_url", Reason: "required for img2img"}
	}

	explicit := make(map[string]any, len(in.Values))
	for key, raw := range in.Values {
		f, ok := fieldByKey[key]
		if !ok {
			return req, &ValidationError{Key: key, Reason: "unknown parameter"}
		}
		v, err := n.coerce(f, raw)
		if err != nil {
			return req, err
		}
		explicit[key] = v
	}

	resolved := make(map[string]any, len(fields))
	for _, f := range fields {
		if v, ok := explicit[f.Key]; ok {
			resolved[f.Key] = v
			continue
		}
		if f.Pref {
			if raw, ok := prefs[f.Key]; ok {
				if v, err := n.coerce(f, raw); err == nil {
					resolved[f.Key] = v
					continue
				}
			}
		}
		resolved[f.Key] = f.Default
	}

	prompt := in.Prompt
	if p := stringVal(resolved, KeyPrefix); p != "" && !in.SkipPrefixes && !in.SkipPrefix {
		prompt = p + ", " + prompt
	}
	negative := in.NegativePrompt
	if p := stringVal(resolved, KeyNegPrefix); p != "" && !in.SkipPrefixes && !in.SkipNegPrefix {
		if negative == "" {
			negative = p
		} else {
			negative = p + ", " + negative
		}
	}

	seed := int64Val(resolved, KeySeed)
	if seed < 0 {
		seed = rand.Int64N(seedMax)
	}

	width, height, baseW, baseH, scale := n.resolveDims(mode, in, explicit, resolved)

	denoising := floatVal(resolved, KeyDenoising)
	if mode == model.ModeImg2Img {
		denoising = floatVal(resolved, KeyDenoisingImg2Img)
	}

	upscaler := stringVal(resolved, KeyUpscaler)
	maxBatch := MaxBatchSize(width, height, upscaler)
	if maxBatch == 0 {
		return req, &ValidationError{Key: KeyBatchSize, Reason: "parameters described will use too much VRAM, reduce the output size or batch"}
	}
	batch := int(int64Val(resolved, KeyBatchSize))
	if batch == 0 {
		batch = DefaultBatchSize(width, height)
	}
	batch = min(batch, maxBatch)

	req = model.GenerationRequest{
		Prompt:            prompt,
		NegativePrompt:    negative,
		Model:             stringVal(resolved, KeyModel),
		VAE:               stringVal(resolved, KeyVAE),
		Sampler:           stringVal(resolved, KeySampler),
		Steps:             int(int64Val(resolved, KeySteps)),
		CFGScale:          floatVal(resolved, KeyCFG),
		Seed:              seed,
		Width:             width,
		Height:            height,
		BaseWidth:         baseW,
		BaseHeight:        baseH,
		BatchSize:         batch,
		Scale:             scale,
		Upscaler:          upscaler,
		HighresSteps:      int(int64Val(resolved, KeyHighresSteps)),
		DenoisingStrength: denoising,
	}
	if mode == model.ModeImg2Img {
		req.ResizeMode = stringVal(resolved, KeyResizeMode)
		req.SourceImage = in.SourceImage
	}
	return req, nil
}

// resolveDims applies the sizing ladder: a provided scale multiplies the
// base dimensions and suppresses autosize; autosize runs only when neither
// dimension was explicitly given; otherwise the resolved values apply
// directly. Every path rounds the final dimensions down to multiples of 8.
// The returned base dimensions reproduce the final ones when fed back
// through the ladder with the same scale.
func (n *Normalizer) resolveDims(mode string, in Input, explicit, resolved map[string]any) (int, int, int, int, float64) {
	width := int(int64Val(resolved, KeyWidth))
	height := int(int64Val(resolved, KeyHeight))
	scale := floatVal(resolved, KeyScale)
	_, scaleGiven := explicit[KeyScale]
	_, widthGiven := explicit[KeyWidth]
	_, heightGiven := explicit[KeyHeight]

	switch {
	case scale != 1 || scaleGiven:
		baseW, baseH := width, height
		width, height = ScaleDims(width, height, scale)
		return width, height, baseW, baseH, scale
	case boolVal(resolved, KeyAutosize) && !widthGiven && !heightGiven:
		maxSize := int(int64Val(resolved, KeyAutosizeMaxsize))
		if mode == model.ModeImg2Img {
			width, height = Autosize(in.SourceWidth, in.SourceHeight, maxSize)
		} else {
			width, height = Autosize(1, 1, maxSize)
		}
	default:
		width, height = round8(width), round8(height)
	}
	return width, height, width, height, scale
}

// RequestValues converts a frozen request back into explicit schema values,
// the starting point for replay overlays. The single stored denoising
// strength maps back to the key matching the parent's mode. Dimensions are
// exported as the pre-scale base so the sizing ladder reruns cleanly;
// replays that change the sizing inputs drop the dimension keys first.
func RequestValues(r model.GenerationRequest, mode string) map[string]any {
	values := map[string]any{
		KeySteps:        int64(r.Steps),
		KeyCFG:          r.CFGScale,
		KeySampler:      r.Sampler,
		KeySeed:         r.Seed,
		KeyWidth:        int64(r.BaseWidth),
		KeyHeight:       int64(r.BaseHeight),
		KeyVAE:          r.VAE,
		KeyModel:        r.Model,
		KeyScale:        r.Scale,
		KeyHighresSteps: int64(r.HighresSteps),
		KeyUpscaler:     r.Upscaler,
		KeyBatchSize:    int64(r.BatchSize),
	}
	if mode == model.ModeImg2Img {
		values[KeyDenoisingImg2Img] = r.DenoisingStrength
		if r.ResizeMode != "" {
			values[KeyResizeMode] = r.ResizeMode
		}
	} else {
		values[KeyDenoising] = r.DenoisingStrength
	}
	return values
}

func stringVal(m map[string]any, key string) string {
	v, _ := m[key].(string)
	return v
}

func boolVal(m map[string]any, key string) bool {
	v, _ := m[key].(bool)
	return v
}

func int64Val(m map[string]any, key string) int64 {
	v, _ := m[key].(int64)
	return v
}

func floatVal(m map[string]any, key string) float64 {
	v, _ := m[key].(float64)
	return v
}
