package services

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"

	"github.com/benbjohnson/clock"
	"github.com/disintegration/imaging"
	"github.com/google/uuid"

	appconfig "github.com/manthysbr/easel/internal/config"
	"github.com/manthysbr/easel/internal/core/domain"
	"github.com/manthysbr/easel/internal/core/ports"
)

// GenRequest is one generation request as it arrives from the chat
// adapter. Values carries only the parameters the caller set explicitly;
// admission fills the rest from preferences and declared defaults.
type GenRequest struct {
	UserID     string
	ChannelID  string
	CategoryID string
	GuildID    string

	Prompt    string
	NegPrompt string
	// BatchSize stays nil to derive one from the output resolution.
	BatchSize *int
	// ImageURL switches the request to img2img.
	ImageURL string

	SkipPrefix    bool
	SkipNegPrefix bool
	AddBooruTags  bool

	Values domain.Values
}

// Ack is what a caller gets back for an admitted request: the handle its
// result will carry and the canonical acknowledgement message.
type Ack struct {
	Handle  string
	Message string
}

// Admission owns the front door of the pipeline: surface checks, caps,
// parameter resolution, image intake and work item construction. Errors it
// returns never enter the pipeline; everything admitted yields exactly one
// result later.
type Admission struct {
	logger      *slog.Logger
	cfg         *appconfig.Config
	params      domain.ParamSet
	prefs       *appconfig.Preferences
	inflight    *InFlight
	fetcher     ports.ImageFetcher
	tagger      ports.TagExpander
	submissions chan *domain.WorkItem
	clock       clock.Clock
	randInt63n  func(n int64) int64
}

// NewAdmission wires the admission service. tagger may be nil when no LLM
// endpoints are configured.
func NewAdmission(logger *slog.Logger, cfg *appconfig.Config, params domain.ParamSet,
	prefs *appconfig.Preferences, inflight *InFlight, fetcher ports.ImageFetcher,
	tagger ports.TagExpander, submissions chan *domain.WorkItem) *Admission {
	return &Admission{
		logger:      logger,
		cfg:         cfg,
		params:      params,
		prefs:       prefs,
		inflight:    inflight,
		fetcher:     fetcher,
		tagger:      tagger,
		submissions: submissions,
		clock:       clock.New(),
		randInt63n:  rand.Int63n,
	}
}

// WithClock replaces the admission clock. Test hook.
func (a *Admission) WithClock(c clock.Clock) *Admission {
	a.clock = c
	return a
}

// Submissions exposes the channel the scheduler drains.
func (a *Admission) Submissions() <-chan *domain.WorkItem {
	return a.submissions
}

// Submit admits one generation request. The returned error wraps one of the
// domain sentinels so adapters can phrase the rejection for the user.
func (a *Admission) Submit(ctx context.Context, req GenRequest) (Ack, error) {
	if !a.cfg.IsSupported(req.ChannelID, req.CategoryID, req.GuildID) {
		return Ack{}, fmt.Errorf("channel %s: %w", req.ChannelID, domain.ErrUnsupportedSurface)
	}

	genCap := a.cfg.InFlightGenCap(req.UserID, req.ChannelID, req.CategoryID, req.GuildID)
	if a.inflight.UserCount(req.UserID) >= genCap {
		return Ack{}, fmt.Errorf("user %s at cap %d: %w", req.UserID, genCap, domain.ErrInFlightExceeded)
	}

	if len(a.submissions) > domain.QueueMaxSize {
		return Ack{}, domain.ErrQueueFull
	}

	table := a.params.Txt2Img
	if req.ImageURL != "" {
		table = a.params.Img2Img
	}
	values := a.resolve(req.UserID, table, req.Values)
	if req.SkipPrefix {
		values[domain.ParamPrefix] = nil
	}
	if req.SkipNegPrefix {
		values[domain.ParamNegPrefix] = nil
	}

	var imageB64 string
	if req.ImageURL != "" {
		var err error
		if imageB64, err = a.intakeImage(ctx, req.ImageURL, values); err != nil {
			return Ack{}, err
		}
	}

	width, _ := values.Int(domain.ParamWidth)
	height, _ := values.Int(domain.ParamHeight)
	scale, _ := values.Float(domain.ParamScale)
	upscaler, _ := values.Str(domain.ParamUpscaler)

	batchSize := 0
	if req.BatchSize != nil {
		batchSize = *req.BatchSize
	} else {
		batchSize = domain.DefaultBatchSize(width, height, scale)
	}
	if ceiling := domain.MaxBatchSize(width, height, scale, upscaler); batchSize > ceiling {
		batchSize = ceiling
	}
	if batchSize <= 0 {
		return Ack{}, domain.ErrOOMPredicted
	}
	values[domain.ParamBatchSize] = batchSize

	if seed, ok := values.Int(domain.ParamSeed); !ok || seed == -1 {
		values[domain.ParamSeed] = int(a.randInt63n(domain.SeedMax + 1))
	}

	prompt := normalizePrompt(req.Prompt)
	negPrompt := normalizePrompt(req.NegPrompt)

	if req.AddBooruTags && a.tagger != nil {
		tags, err := a.tagger.Expand(ctx, prompt)
		if err != nil {
			a.logger.Warn("tag expansion failed, using prompt as-is", "error", err)
		} else {
			prompt += tags
		}
	}

	if prefix, ok := values.Str(domain.ParamPrefix); ok && prefix != "" {
		prompt = prefix + ", " + prompt
	}
	if negPrefix, ok := values.Str(domain.ParamNegPrefix); ok && negPrefix != "" {
		negPrompt = negPrefix + ", " + negPrompt
	}
	values[domain.ParamPrompt] = prompt
	values[domain.ParamNegPrompt] = negPrompt
	if req.ImageURL != "" {
		values[domain.ParamImageURL] = req.ImageURL
	}

	item := a.buildItem(values, imageB64)
	select {
	case a.submissions <- item:
	default:
		return Ack{}, domain.ErrQueueFull
	}
	a.inflight.Register(item.ContextHandle, req.UserID, req.ChannelID)

	a.logger.Info("request admitted", "handle", item.ContextHandle,
		"user", req.UserID, "model", item.Model, "batch", item.BatchSize)
	return Ack{Handle: item.ContextHandle, Message: domain.RenderAck(values)}, nil
}

// resolve fills missing parameters from the user's preferences and then the
// declared defaults, and validates the result. Explicit values win.
func (a *Admission) resolve(userID string, table domain.Params, explicit domain.Values) domain.Values {
	values := domain.Values{}
	for _, name := range table.Names() {
		if v, ok := explicit[name]; ok && v != nil {
			values[name] = v
			continue
		}
		if v := a.prefs.Get(userID, name); v != nil {
			values[name] = v
			continue
		}
		values[name] = table.Default(name)
	}
	return table.Validate(values)
}

// intakeImage downloads and prepares the img2img source: autosize to fit
// the configured bound keeping aspect ratio, then the explicit resize
// scale, writing the final dimensions back into values.
func (a *Admission) intakeImage(ctx context.Context, url string, values domain.Values) (string, error) {
	img, err := a.fetcher.Fetch(ctx, url)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", url, err)
	}

	bounds := img.Bounds()
	width, height := bounds.Dx(), bounds.Dy()
	if autosize, _ := values.Bool(domain.ParamAutosize); autosize {
		maxSize, _ := values.Int(domain.ParamAutosizeMaxsize)
		longest := width
		if height > longest {
			longest = height
		}
		ratio := float64(maxSize) / float64(longest)
		width = int(ratio * float64(width))
		height = int(ratio * float64(height))
	}
	if resizeScale, ok := values.Float(domain.ParamResizeScale); ok {
		width = int(float64(width) * resizeScale)
		height = int(float64(height) * resizeScale)
	}
	values[domain.ParamWidth] = width
	values[domain.ParamHeight] = height

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return "", fmt.Errorf("%w: re-encode: %v", domain.ErrBadImage, err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}

func (a *Admission) buildItem(values domain.Values, imageB64 string) *domain.WorkItem {
	item := domain.NewWorkItem(uuid.NewString(), a.clock.Now())
	item.Model, _ = values.Str(domain.ParamModel)
	item.VAE, _ = values.Str(domain.ParamVAE)
	item.Prompt, _ = values.Str(domain.ParamPrompt)
	item.NegPrompt, _ = values.Str(domain.ParamNegPrompt)
	item.Width, _ = values.Int(domain.ParamWidth)
	item.Height, _ = values.Int(domain.ParamHeight)
	item.Steps, _ = values.Int(domain.ParamSteps)
	item.CFG, _ = values.Float(domain.ParamCFG)
	item.Sampler, _ = values.Str(domain.ParamSampler)
	seed, _ := values.Int(domain.ParamSeed)
	item.Seed = int64(seed)
	item.BatchSize, _ = values.Int(domain.ParamBatchSize)

	if refiner, ok := values.Str(domain.ParamRefiner); ok && refiner != domain.RefinerNone {
		item.Refiner = refiner
		item.RefinerSwitchAt, _ = values.Float(domain.ParamRefinerSwitchAt)
	}

	if imageB64 != "" {
		denoising, _ := values.Float(domain.ParamDenoisingStrImg2Img)
		mode, _ := values.Str(domain.ParamResizeMode)
		item.SetImage(imageB64, denoising, domain.ResizeModeIndex(mode))
	} else if scale, ok := values.Float(domain.ParamScale); ok && scale > 1 {
		upscaler, _ := values.Str(domain.ParamUpscaler)
		highresSteps, _ := values.Int(domain.ParamHighresSteps)
		denoising, _ := values.Float(domain.ParamDenoisingStr)
		item.SetHighres(scale, upscaler, highresSteps, denoising)
	}
	return item
}

// normalizePrompt rewrites curly braces to parentheses: users coming from
// other frontends use {} for emphasis, the webui only understands ().
func normalizePrompt(prompt string) string {
	prompt = strings.ReplaceAll(prompt, "{", "(")
	return strings.ReplaceAll(prompt, "}", ")")
}
