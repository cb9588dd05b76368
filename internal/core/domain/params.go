package domain

import (
	"slices"
	"time"
)

// Parameter names shared by the chat surface, user preferences, the ack
// codec and the backend payload mapping.
const (
	ParamPrompt    = "prompt"
	ParamNegPrompt = "negative_prompt"
	ParamBatchSize = "batch_size"
	ParamImageURL  = "image_url"

	ParamPrefix    = "prefix"
	ParamNegPrefix = "neg_prefix"

	ParamSteps           = "steps"
	ParamCFG             = "cfg"
	ParamSampler         = "sampler"
	ParamSeed            = "seed"
	ParamWidth           = "width"
	ParamHeight          = "height"
	ParamVAE             = "vae"
	ParamModel           = "model"
	ParamRefiner         = "refiner"
	ParamRefinerSwitchAt = "refiner_switch_at"

	ParamScale        = "scale"
	ParamDenoisingStr = "denoising_strength"
	ParamHighresSteps = "highres_steps"
	ParamUpscaler     = "upscaler"

	ParamAutosize            = "autosize"
	ParamAutosizeMaxsize     = "autosize_maxsize"
	ParamDenoisingStrImg2Img = "denoising_strength_img2img"
	ParamResizeMode          = "resize_mode"
	ParamResizeScale         = "resize_scale"
)

// Option help for the parameters that live outside the tables.
const (
	PromptDesc    = "The prompt for stable diffusion. Used to describe what you want in the image output."
	NegPromptDesc = "The negative prompt for stable diffusion. Used to describe what you don't want in the image output."
	BatchSizeDesc = "how many images to generate at once (may be lowered due to vram constraints)"
)

// Pipeline limits.
const (
	// QueueMaxSize bounds both the global submission queue and the total
	// number of items spread across the per-model queues.
	QueueMaxSize = 10
	// DefaultInFlightCap applies when neither the user nor the surface
	// configuration sets a cap.
	DefaultInFlightCap = 1
	// SoftDeadline is how long an item may sit at the head of its queue
	// before the scheduler treats the queue as late.
	SoftDeadline = 30 * time.Second
	// SeedMax is the largest seed the backend accepts.
	SeedMax = 4294967294
	// MaxPixelCountLatent is the total pixel budget when upscaling in
	// latent space.
	MaxPixelCountLatent = 1536 * 1536
	// MaxPixelCountESRGAN is the total pixel budget for the GAN upscalers,
	// which cost more memory per pixel.
	MaxPixelCountESRGAN = 1024 * 2000
)

// Well-known parameter values.
const (
	UpscalerLatent = "Latent"
	VAEAutomatic   = "Automatic"
	RefinerNone    = "None"
)

var (
	samplers = []string{
		"DPM++ 2M", "DPM++ SDE", "DPM++ 2M SDE", "DPM++ 2M SDE Heun",
		"DPM++ 2S a", "DPM++ 3M SDE", "Euler a", "Euler", "LMS", "Heun",
		"DPM2", "DPM2 a", "DPM fast", "DPM adaptive", "Restart", "DDIM",
		"PLMS", "LCM",
	}
	upscalers   = []string{UpscalerLatent, "R-ESRGAN 4x+", "R-ESRGAN 4x+ Anime6B"}
	resizeModes = []string{"Just resize", "Crop and resize", "Resize and fill", "Just resize (latent upscale)"}
)

// Kind is the value type of a parameter.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindFloat
	KindBool
)

// Spec declares one recognized parameter: its type, default, bounds for
// numeric kinds and allow-list for enumerated strings. A nil Supported on a
// string parameter means free-form.
type Spec struct {
	Kind      Kind
	Default   any
	Min, Max  float64
	Supported []string
	Desc      string
}

func (s Spec) normalize(v any) any {
	switch s.Kind {
	case KindString:
		str, ok := v.(string)
		if !ok {
			return s.Default
		}
		if len(s.Supported) > 0 && !slices.Contains(s.Supported, str) {
			return s.Default
		}
		return str
	case KindInt:
		n, ok := toInt(v)
		if !ok {
			return s.Default
		}
		if float64(n) < s.Min {
			return int(s.Min)
		}
		if float64(n) > s.Max {
			return int(s.Max)
		}
		return n
	case KindFloat:
		f, ok := toFloat(v)
		if !ok {
			return s.Default
		}
		if f < s.Min {
			return s.Min
		}
		if f > s.Max {
			return s.Max
		}
		return f
	case KindBool:
		if b, ok := v.(bool); ok {
			return b
		}
		return s.Default
	}
	return v
}

// Values holds parameter values keyed by name. An entry may be nil when the
// parameter was recognized but not supplied.
type Values map[string]any

// Str returns the named value as a string. ok is false when the entry is
// missing, nil or not a string.
func (v Values) Str(name string) (string, bool) {
	s, ok := v[name].(string)
	return s, ok
}

// Int returns the named value as an int, coercing from the numeric types
// that JSON decoding produces.
func (v Values) Int(name string) (int, bool) {
	val, ok := v[name]
	if !ok || val == nil {
		return 0, false
	}
	return toInt(val)
}

// Float returns the named value as a float64, coercing integer values.
func (v Values) Float(name string) (float64, bool) {
	val, ok := v[name]
	if !ok || val == nil {
		return 0, false
	}
	return toFloat(val)
}

// Bool returns the named value as a bool.
func (v Values) Bool(name string) (bool, bool) {
	b, ok := v[name].(bool)
	return b, ok
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case float32:
		return int(n), true
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Params is the recognized parameter set for one command surface. Iteration
// follows declaration order so that chat option registration is stable.
type Params struct {
	specs map[string]Spec
	names []string
}

func newParams(names []string, specs map[string]Spec) Params {
	return Params{specs: specs, names: names}
}

// Spec looks up the declaration for name.
func (p Params) Spec(name string) (Spec, bool) {
	s, ok := p.specs[name]
	return s, ok
}

// Has reports whether name is recognized by this table.
func (p Params) Has(name string) bool {
	_, ok := p.specs[name]
	return ok
}

// Names returns the parameter names in declaration order.
func (p Params) Names() []string {
	return p.names
}

// Default returns the declared default for name, or nil when unknown.
func (p Params) Default(name string) any {
	if s, ok := p.specs[name]; ok {
		return s.Default
	}
	return nil
}

// Validate normalizes values in place against this table and returns it.
// Present strings outside their allow-list fall back to the default,
// present numerics are clamped into [min, max] and coerced to the declared
// kind, and recognized-but-absent parameters gain an explicit nil entry.
// Unrecognized keys pass through untouched.
func (p Params) Validate(values Values) Values {
	for _, name := range p.names {
		v, ok := values[name]
		if !ok || v == nil {
			values[name] = nil
			continue
		}
		values[name] = p.specs[name].normalize(v)
	}
	return values
}

func mergeParams(tables ...Params) Params {
	merged := Params{specs: map[string]Spec{}}
	for _, t := range tables {
		for _, name := range t.names {
			if _, ok := merged.specs[name]; !ok {
				merged.names = append(merged.names, name)
			}
			merged.specs[name] = t.specs[name]
		}
	}
	return merged
}

// ParamSet groups the per-command parameter tables for one deployment. The
// model, refiner and vae allow-lists vary with the configured catalog, so
// the tables are built at startup rather than declared.
type ParamSet struct {
	// Txt2Img covers prompt prefixes, the base sampling set and the
	// high-res pass. Img2Img swaps the high-res pass for the image input
	// set. Again covers everything a redo may override. All is the union,
	// used for preference validation.
	Txt2Img Params
	Img2Img Params
	Again   Params
	All     Params
}

// NewParamSet builds the command tables for the given model catalog. The
// refiner list is the model list plus "None"; extraVAEs extends the two
// built-in vae modes. The first model is the global default.
func NewParamSet(models, extraVAEs []string) ParamSet {
	modelDefault := ""
	if len(models) > 0 {
		modelDefault = models[0]
	}
	vaes := append([]string{VAEAutomatic, "None"}, extraVAEs...)
	refiners := append([]string{RefinerNone}, models...)

	prefix := newParams(
		[]string{ParamPrefix, ParamNegPrefix},
		map[string]Spec{
			ParamPrefix:    {Kind: KindString, Default: "", Desc: "prefix for stable diffusion prompts"},
			ParamNegPrefix: {Kind: KindString, Default: "", Desc: "prefix for stable diffusion negative prompts"},
		},
	)

	base := newParams(
		[]string{
			ParamSteps, ParamCFG, ParamSampler, ParamSeed, ParamWidth,
			ParamHeight, ParamVAE, ParamModel, ParamRefiner, ParamRefinerSwitchAt,
		},
		map[string]Spec{
			ParamSteps: {Kind: KindInt, Default: 28, Min: 0, Max: 50,
				Desc: "how many steps to use for the sampler"},
			ParamCFG: {Kind: KindFloat, Default: 8.0, Min: 0, Max: 30,
				Desc: "classifier free guidance, higher values force the image generation to be \"closer\" to the prompt"},
			ParamSampler: {Kind: KindString, Default: "DPM++ 2M", Supported: samplers,
				Desc: "which sampler to use"},
			ParamSeed: {Kind: KindInt, Default: -1, Min: -1, Max: SeedMax,
				Desc: "Seed to use for generation. Use -1 to get a random seed"},
			ParamWidth: {Kind: KindInt, Default: 512, Min: 256, Max: 1024,
				Desc: "image width"},
			ParamHeight: {Kind: KindInt, Default: 512, Min: 256, Max: 1024,
				Desc: "image height"},
			ParamVAE: {Kind: KindString, Default: VAEAutomatic, Supported: vaes,
				Desc: "which vae to apply"},
			ParamModel: {Kind: KindString, Default: modelDefault, Supported: models,
				Desc: "which stable diffusion model to use for generation"},
			ParamRefiner: {Kind: KindString, Default: RefinerNone, Supported: refiners,
				Desc: "which model to use for refining (required for SDXL)"},
			ParamRefinerSwitchAt: {Kind: KindFloat, Default: 0.8, Min: 0, Max: 1,
				Desc: "when to switch to the refiner (when enabled)"},
		},
	)

	upscale := newParams(
		[]string{ParamScale, ParamDenoisingStr, ParamHighresSteps, ParamUpscaler},
		map[string]Spec{
			ParamScale: {Kind: KindFloat, Default: 1.0, Min: 1, Max: 2,
				Desc: "ratio to upscale the image by. Leave at 1 for no upscaling"},
			ParamDenoisingStr: {Kind: KindFloat, Default: 0.7, Min: 0, Max: 1,
				Desc: "denoising strength to use for upscaler, if scale > 1"},
			ParamHighresSteps: {Kind: KindInt, Default: 10, Min: 1, Max: 20,
				Desc: "how many steps to use for upscaler, if scale > 1"},
			ParamUpscaler: {Kind: KindString, Default: UpscalerLatent, Supported: upscalers,
				Desc: "which upscaler to use, if scale > 1"},
		},
	)

	img2img := newParams(
		[]string{
			ParamAutosize, ParamAutosizeMaxsize, ParamDenoisingStrImg2Img,
			ParamResizeMode, ParamResizeScale,
		},
		map[string]Spec{
			ParamAutosize: {Kind: KindBool, Default: true,
				Desc: "Automatically set width and height, keeping original aspect ratio."},
			ParamAutosizeMaxsize: {Kind: KindInt, Default: 512, Min: 256, Max: 1024,
				Desc: "Maximum size for width/height if autosize is set."},
			ParamDenoisingStrImg2Img: {Kind: KindFloat, Default: 0.55, Min: 0, Max: 1,
				Desc: "denoising strength to use for img2img. Higher values increase deviation from input."},
			ParamResizeMode: {Kind: KindString, Default: "Crop and resize", Supported: resizeModes,
				Desc: "how to resize images for img2img"},
			ParamResizeScale: {Kind: KindFloat, Default: 1.0, Min: 0.5, Max: 2,
				Desc: "ratio to resize the image by. Applies after `autosize` if set."},
		},
	)

	return ParamSet{
		Txt2Img: mergeParams(prefix, base, upscale),
		Img2Img: mergeParams(prefix, base, img2img),
		Again:   mergeParams(base, upscale, img2img),
		All:     mergeParams(prefix, base, upscale, img2img),
	}
}

// ResizeModeIndex converts a resize-mode label to the integer the backend
// expects, which is its position in the declared list.
func ResizeModeIndex(mode string) int {
	if i := slices.Index(resizeModes, mode); i >= 0 {
		return i
	}
	return 0
}

// MaxBatchSize bounds the batch size by the backend's pixel budget for the
// requested resolution and upscale pass. A zero result means even a single
// image would not fit.
func MaxBatchSize(width, height int, scale float64, upscaler string) int {
	if scale == 0 {
		scale = 1
	}
	if upscaler == "" {
		upscaler = UpscalerLatent
	}
	budget := float64(MaxPixelCountLatent)
	if upscaler != UpscalerLatent {
		budget = float64(MaxPixelCountESRGAN)
	}
	perImage := float64(width) * float64(height) * scale * scale
	n := int(budget / perImage)
	if n > 4 {
		n = 4
	}
	return n
}

// DefaultBatchSize picks the batch size used when the caller does not ask
// for one: large renders get 2, everything else 4.
func DefaultBatchSize(width, height int, scale float64) int {
	if scale == 0 {
		scale = 1
	}
	if float64(width)*float64(height)*scale*scale > 768*768 {
		return 2
	}
	return 4
}
