package params

import (
	"fmt"
	"math"
	"slices"
)

// Parameter keys recognized in submissions, alterations, and preferences.
const (
	KeySteps            = "steps"
	KeyCFG              = "cfg"
	KeySampler          = "sampler"
	KeySeed             = "seed"
	KeyWidth            = "width"
	KeyHeight           = "height"
	KeyVAE              = "vae"
	KeyModel            = "model"
	KeyScale            = "scale"
	KeyDenoising        = "denoising_strength"
	KeyHighresSteps     = "highres_steps"
	KeyUpscaler         = "upscaler"
	KeyAutosize         = "autosize"
	KeyAutosizeMaxsize  = "autosize_maxsize"
	KeyDenoisingImg2Img = "denoising_strength_img2img"
	KeyResizeMode       = "resize_mode"
	KeyPrefix           = "prefix"
	KeyNegPrefix        = "neg_prefix"
	KeyBatchSize        = "batch_size"
)

// ValidationError reports a malformed or unrecognized parameter. Requests
// carrying one are rejected before any job is created.
type ValidationError struct {
	Key    string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Key == "" {
		return e.Reason
	}
	return fmt.Sprintf("parameter %s: %s", e.Key, e.Reason)
}

type fieldKind int

const (
	kindInt fieldKind = iota
	kindFloat
	kindString
	kindBool
)

// Field describes one recognized generation parameter.
type Field struct {
	Key     string
	Kind    fieldKind
	Default any
	Min     float64
	Max     float64
	Bounded bool
	Options []string
	Pref    bool
	Desc    string
}

// fields enumerates every recognized parameter in presentation order.
// Min/Max apply to numeric kinds, Options to string kinds. Pref marks keys a
// user may store as a preference.
var fields = []Field{
	{Key: KeyPrefix, Kind: kindString, Default: "", Pref: true,
		Desc: "text prepended to every prompt"},
	{Key: KeyNegPrefix, Kind: kindString, Default: "", Pref: true,
		Desc: "text prepended to every negative prompt"},
	{Key: KeySteps, Kind: kindInt, Default: int64(28), Min: 0, Max: 50, Bounded: true, Pref: true,
		Desc: "sampler step count"},
	{Key: KeyCFG, Kind: kindFloat, Default: 8.0, Min: 0, Max: 30, Bounded: true, Pref: true,
		Desc: "classifier-free guidance, higher values track the prompt more closely"},
	{Key: KeySampler, Kind: kindString, Default: "DPM++ 2M", Pref: true,
		Options: []string{
			"DPM++ 2M", "DPM++ SDE", "DPM++ 2M SDE", "DPM++ 2M SDE Heun", "DPM++ 2S a",
			"DPM++ 3M SDE", "Euler a", "Euler", "LMS", "Heun", "DPM2", "DPM2 a", "DPM fast",
			"DPM adaptive", "Restart", "DDIM", "PLMS", "LCM",
		},
		Desc: "sampling method"},
	{Key: KeySeed, Kind: kindInt, Default: int64(-1), Min: -1, Max: seedMax, Bounded: true, Pref: true,
		Desc: "generation seed, -1 draws a random one"},
	{Key: KeyWidth, Kind: kindInt, Default: int64(512), Min: 256, Max: 1024, Bounded: true, Pref: true,
		Desc: "image width"},
	{Key: KeyHeight, Kind: kindInt, Default: int64(512), Min: 256, Max: 1024, Bounded: true, Pref: true,
		Desc: "image height"},
	{Key: KeyVAE, Kind: kindString, Default: "Automatic", Pref: true,
		Desc: "vae to apply"},
	{Key: KeyModel, Kind: kindString, Default: "anythingV5", Pref: true,
		Desc: "checkpoint model used for generation"},
	{Key: KeyScale, Kind: kindFloat, Default: 1.0, Min: 0.5, Max: 2, Bounded: true, Pref: true,
		Desc: "size multiplier applied to the base resolution, 1 disables the highres pass"},
	{Key: KeyDenoising, Kind: kindFloat, Default: 0.7, Min: 0, Max: 1, Bounded: true, Pref: true,
		Desc: "denoising strength for the highres pass"},
	{Key: KeyHighresSteps, Kind: kindInt, Default: int64(10), Min: 1, Max: 20, Bounded: true, Pref: true,
		Desc: "step count for the highres pass"},
	{Key: KeyUpscaler, Kind: kindString, Default: "Latent", Pref: true,
		Options: []string{"Latent", "R-ESRGAN 4x+", "R-ESRGAN 4x+ Anime6B"},
		Desc: "upscaler for the highres pass"},
	{Key: KeyAutosize, Kind: kindBool, Default: true, Pref: true,
		Desc: "size the output from the source aspect ratio automatically"},
	{Key: KeyAutosizeMaxsize, Kind: kindInt, Default: int64(512), Min: 256, Max: 1024, Bounded: true, Pref: true,
		Desc: "largest edge allowed when autosizing"},
	{Key: KeyDenoisingImg2Img, Kind: kindFloat, Default: 0.55, Min: 0, Max: 1, Bounded: true, Pref: true,
		Desc: "denoising strength for img2img, higher strays further from the source"},
	{Key: KeyResizeMode, Kind: kindString, Default: "Crop and resize", Pref: true,
		Options: resizeModes,
		Desc: "how the source image is fit to the output size"},
	{Key: KeyBatchSize, Kind: kindInt, Default: int64(0), Min: 1, Max: 4, Bounded: true,
		Desc: "images generated per job, may be lowered to fit memory"},
}

// resizeModes is ordered; workers address a mode by its index here.
var resizeModes = []string{
	"Just resize", "Crop and resize", "Resize and fill", "Just resize (latent upscale)",
}

var fieldByKey = make(map[string]Field, len(fields))

func init() {
	for _, f := range fields {
		fieldByKey[f.Key] = f
	}
}

// Fields returns every recognized parameter in presentation order.
func Fields() []Field {
	return slices.Clone(fields)
}

// IsPreference reports whether key may be stored as a user preference.
func IsPreference(key string) bool {
	f, ok := fieldByKey[key]
	return ok && f.Pref
}

// ResizeModeIndex converts a resize mode name to the index workers expect.
// The name is assumed validated.
func ResizeModeIndex(mode string) int {
	return slices.Index(resizeModes, mode)
}

// Normalizer resolves raw submissions into frozen generation requests.
// The catalog lists extend the allowed values for model and vae; an empty
// model catalog accepts any model name.
type Normalizer struct {
	models []string
	vaes   []string
}

// NewNormalizer builds a Normalizer over the given content catalog.
func NewNormalizer(models, vaes []string) *Normalizer {
	return &Normalizer{models: models, vaes: vaes}
}

// CheckPreference validates a value for storage as a user preference and
// returns its coerced form.
func (n *Normalizer) CheckPreference(key string, value any) (any, error) {
	f, ok := fieldByKey[key]
	if !ok {
		return nil, &ValidationError{Key: key, Reason: "unknown parameter"}
	}
	if !f.Pref {
		return nil, &ValidationError{Key: key, Reason: "cannot be stored as a preference"}
	}
	return n.coerce(f, value)
}

// coerce converts a raw value (typically JSON-decoded) to the field's kind
// and checks bounds and allowed values.
func (n *Normalizer) coerce(f Field, value any) (any, error) {
	switch f.Kind {
	case kindInt:
		v, ok := asInt(value)
		if !ok {
			return nil, &ValidationError{Key: f.Key, Reason: "expected an integer"}
		}
		if f.Bounded && (float64(v) < f.Min || float64(v) > f.Max) {
			return nil, &ValidationError{Key: f.Key, Reason: fmt.Sprintf("must be between %d and %d", int64(f.Min), int64(f.Max))}
		}
		return v, nil
	case kindFloat:
		v, ok := asFloat(value)
		if !ok {
			return nil, &ValidationError{Key: f.Key, Reason: "expected a number"}
		}
		if f.Bounded && (v < f.Min || v > f.Max) {
			return nil, &ValidationError{Key: f.Key, Reason: fmt.Sprintf("must be between %g and %g", f.Min, f.Max)}
		}
		return v, nil
	case kindString:
		v, ok := value.(string)
		if !ok {
			return nil, &ValidationError{Key: f.Key, Reason: "expected a string"}
		}
		if err := n.checkOptions(f, v); err != nil {
			return nil, err
		}
		return v, nil
	case kindBool:
		v, ok := value.(bool)
		if !ok {
			return nil, &ValidationError{Key: f.Key, Reason: "expected a boolean"}
		}
		return v, nil
	}
	return nil, &ValidationError{Key: f.Key, Reason: "unsupported kind"}
}

func (n *Normalizer) checkOptions(f Field, v string) error {
	switch f.Key {
	case KeyModel:
		if len(n.models) == 0 || slices.Contains(n.models, v) || v == f.Default.(string) {
			return nil
		}
	case KeyVAE:
		if v == "Automatic" || v == "None" || slices.Contains(n.vaes, v) {
			return nil
		}
	default:
		if len(f.Options) == 0 || slices.Contains(f.Options, v) {
			return nil
		}
	}
	return &ValidationError{Key: f.Key, Reason: fmt.Sprintf("unsupported value %q", v)}
}

func asInt(value any) (int64, bool) {
	switch v := value.(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		if math.Trunc(v) != v {
			return 0, false
		}
		return int64(v), true
	}
	return 0, false
}

func asFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
